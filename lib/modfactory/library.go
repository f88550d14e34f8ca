package modfactory

import (
	"slices"
	"sync"

	"github.com/snowmerak/mediaserver/lib/cli"
	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/module"
)

// Constructor builds a module instance from its environment.
type Constructor func(env module.Env) (module.Module, error)

// Entry describes a loadable module.
type Entry struct {
	ID      string
	New     Constructor
	Depends []string
	// Commands are offered to the shell while the module is not loaded.
	// Commands that require the module are ignored.
	Commands []cli.Command
}

// Library holds the modules this process is able to construct.
type Library struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewLibrary creates a library from entries. It panics on duplicate ids.
func NewLibrary(entries ...Entry) *Library {
	l := &Library{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if err := l.Add(e); err != nil {
			panic(err)
		}
	}
	return l
}

// Add registers e. An id can be added once.
func (l *Library) Add(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entries[e.ID]; exists {
		return errs.Wrapf(errs.ErrAlreadyRegistered, "modfactory", "library add", "module %q", e.ID)
	}
	l.entries[e.ID] = e
	return nil
}

func (l *Library) Get(id string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	return e, ok
}

// IDs returns the ids of every entry, sorted.
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Offered returns the commands entries offer without being loaded, by module id.
func (l *Library) Offered() map[string][]cli.Command {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string][]cli.Command)
	for id, e := range l.entries {
		for _, cmd := range e.Commands {
			if !cmd.RequiresModule() {
				out[id] = append(out[id], cmd)
			}
		}
	}
	return out
}
