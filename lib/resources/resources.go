// Package resources keeps the devices (tuners, capture cards, network sources)
// the media server can hand to modules, with their state and parameters.
package resources

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/snowmerak/mediaserver/lib/errs"
)

// Dev describes one device.
type Dev struct {
	Name   string
	Type   string
	State  string
	Params map[string]string
}

func (d Dev) clone() Dev {
	d.Params = maps.Clone(d.Params)
	if d.Params == nil {
		d.Params = map[string]string{}
	}
	return d
}

// Resources is the device registry contract. Unknown device names fail with errs.ErrNotFound.
type Resources interface {
	HasDev(ctx context.Context, name string) (bool, error)
	DevByName(ctx context.Context, name string) (Dev, error)
	DevsByType(ctx context.Context, typ string) ([]Dev, error)
	State(ctx context.Context, name string) (string, error)
	SetState(ctx context.Context, name, state string) error
	// Param returns the value of key and whether the device has it.
	Param(ctx context.Context, name, key string) (string, bool, error)
	SetParam(ctx context.Context, name, key, value string) error
}

// Registry is the in-memory Resources of the main process.
type Registry struct {
	mu     sync.RWMutex
	devs   map[string]Dev
	logger *zap.Logger
}

var _ Resources = (*Registry)(nil)

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		devs:   make(map[string]Dev),
		logger: logger.Named("resources"),
	}
}

// Add registers dev. Names are unique.
func (r *Registry) Add(dev Dev) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devs[dev.Name]; exists {
		return errs.Wrapf(errs.ErrAlreadyRegistered, "resources", "add", "device %q", dev.Name)
	}
	r.devs[dev.Name] = dev.clone()
	r.logger.Debug("device added", zap.String("dev", dev.Name), zap.String("type", dev.Type))
	return nil
}

// Remove drops a device. Removing an unknown device does nothing.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devs, name)
}

func (r *Registry) HasDev(_ context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devs[name]
	return ok, nil
}

func (r *Registry) DevByName(_ context.Context, name string) (Dev, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devs[name]
	if !ok {
		return Dev{}, notFound("dev by name", name)
	}
	return dev.clone(), nil
}

// DevsByType returns the devices of typ ordered by name.
func (r *Registry) DevsByType(_ context.Context, typ string) ([]Dev, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Dev
	for _, dev := range r.devs {
		if dev.Type == typ {
			out = append(out, dev.clone())
		}
	}
	slices.SortFunc(out, func(a, b Dev) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (r *Registry) State(_ context.Context, name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devs[name]
	if !ok {
		return "", notFound("state", name)
	}
	return dev.State, nil
}

func (r *Registry) SetState(_ context.Context, name, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devs[name]
	if !ok {
		return notFound("set state", name)
	}
	if dev.State != state {
		r.logger.Info("device state changed",
			zap.String("dev", name), zap.String("from", dev.State), zap.String("to", state))
	}
	dev.State = state
	r.devs[name] = dev
	return nil
}

func (r *Registry) Param(_ context.Context, name, key string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devs[name]
	if !ok {
		return "", false, notFound("param", name)
	}
	v, ok := dev.Params[key]
	return v, ok, nil
}

func (r *Registry) SetParam(_ context.Context, name, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devs[name]
	if !ok {
		return notFound("set param", name)
	}
	if dev.Params == nil {
		dev.Params = make(map[string]string)
	}
	dev.Params[key] = value
	r.devs[name] = dev
	return nil
}

func notFound(op, name string) error {
	return errs.Wrapf(errs.ErrNotFound, "resources", op, "device %q", name)
}
