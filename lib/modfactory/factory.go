// Package modfactory loads, tracks and unloads modules and delivers messages to them.
package modfactory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/snowmerak/mediaserver/lib/dependency"
	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/metrics"
	"github.com/snowmerak/mediaserver/lib/module"
)

// ModuleFactory is the module registry contract shared by the in-process
// factory and the launcher decorator.
type ModuleFactory interface {
	module.Registry
	Load(ctx context.Context, id string) error
	Unload(ctx context.Context, id string) error
	IsLoaded(id string) bool
	RmDependency(child, parent string)
}

// State is the lifecycle state of a module id.
type State uint8

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateUnloading
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "Unloaded"
	case StateLoading:
		return "Loading"
	case StateLoaded:
		return "Loaded"
	case StateUnloading:
		return "Unloading"
	default:
		return "Unknown"
	}
}

type slot struct {
	mod   module.Module
	state State
	// done is closed when the current transition ends
	done chan struct{}
}

// Factory is the in-process module registry.
type Factory struct {
	library  *Library
	messages message.Factory
	graph    *dependency.Graph

	mu    sync.Mutex
	slots map[string]*slot
	outer ModuleFactory

	logger       *zap.Logger
	metrics      *metrics.Metrics
	syncTimeout  time.Duration
	startTimeout time.Duration
}

var _ ModuleFactory = (*Factory)(nil)

// Option configures a Factory.
type Option func(*Factory)

func WithLogger(logger *zap.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// WithSyncTimeout sets the sync timeout of loaded modules. Non-positive values keep the default.
func WithSyncTimeout(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.syncTimeout = d
		}
	}
}

// WithStartTimeout bounds WaitStart during Load. Non-positive values keep the default.
func WithStartTimeout(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.startTimeout = d
		}
	}
}

// New creates a factory constructing modules from library.
func New(library *Library, messages message.Factory, opts ...Option) *Factory {
	f := &Factory{
		library:      library,
		messages:     messages,
		graph:        dependency.New(),
		slots:        make(map[string]*slot),
		logger:       zap.NewNop(),
		syncTimeout:  module.DefaultSyncTimeout,
		startTimeout: module.DefaultStartTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("modfactory")
	return f
}

// SetRegistry makes modules see r instead of f. Decorators wrapping f call it so
// that module environments and dependency loads go through them.
func (f *Factory) SetRegistry(r ModuleFactory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outer = r
}

func (f *Factory) registry() ModuleFactory {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outer != nil {
		return f.outer
	}
	return f
}

// Graph returns the dependency graph.
func (f *Factory) Graph() *dependency.Graph {
	return f.graph
}

// Load loads id and, first, every module it depends on. Loading a loaded module
// succeeds without change; a concurrent load of the same id waits for the first one.
// Loading a module that is being unloaded fails with errs.ErrNotLoaded.
func (f *Factory) Load(ctx context.Context, id string) error {
	for {
		f.mu.Lock()
		s, ok := f.slots[id]
		if ok {
			state, done := s.state, s.done
			f.mu.Unlock()
			switch state {
			case StateLoaded:
				return nil
			case StateUnloading:
				// the unload may be waiting on this caller
				return errs.Wrapf(errs.ErrNotLoaded, "modfactory", "load", "module %q is unloading", id)
			}
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		entry, ok := f.library.Get(id)
		if !ok {
			f.mu.Unlock()
			return errs.Wrapf(errs.ErrNotFound, "modfactory", "load", "module %q", id)
		}
		s = &slot{state: StateLoading, done: make(chan struct{})}
		f.slots[id] = s
		f.mu.Unlock()

		f.graph.AddNode(id)
		err := f.load(ctx, entry, s)

		f.mu.Lock()
		if err != nil {
			delete(f.slots, id)
		} else {
			s.state = StateLoaded
		}
		close(s.done)
		f.mu.Unlock()

		if err != nil {
			f.logger.Error("module load failed", zap.String("module", id), zap.Error(err))
			return err
		}
		f.metrics.ModuleLoaded()
		f.logger.Info("module loaded", zap.String("module", id))
		return nil
	}
}

func (f *Factory) load(ctx context.Context, entry Entry, s *slot) (err error) {
	id := entry.ID
	var added []string
	defer func() {
		if err != nil {
			for _, parent := range added {
				f.RmDependency(id, parent)
			}
		}
	}()
	for _, parent := range entry.Depends {
		if f.graph.Has(id, parent) {
			continue
		}
		if err := f.AddDependency(id, parent); err != nil {
			return err
		}
		added = append(added, parent)
	}
	if err := f.loadParents(ctx, id); err != nil {
		return err
	}

	mod, err := entry.New(module.Env{
		Messages:    f.messages,
		Modules:     f.registry(),
		Logger:      f.logger.Named(id),
		Metrics:     f.metrics,
		SyncTimeout: f.syncTimeout,
	})
	if err != nil {
		return errs.Wrapf(err, "modfactory", "load", "construct %q", id)
	}
	if mod.ID() != id {
		mod.Close()
		return errs.Wrap(fmt.Errorf("constructor of %q returned module %q", id, mod.ID()), "modfactory", "load")
	}

	f.mu.Lock()
	s.mod = mod
	f.mu.Unlock()

	defer func() {
		if err != nil {
			mod.Close()
			f.mu.Lock()
			s.mod = nil
			f.mu.Unlock()
		}
	}()

	if err := mod.RegisterProcessors(); err != nil {
		return errs.Wrapf(err, "modfactory", "load", "register processors of %q", id)
	}
	// registration may have added dependencies
	if err := f.loadParents(ctx, id); err != nil {
		return err
	}
	if err := mod.Start(ctx); err != nil {
		return errs.Wrapf(err, "modfactory", "load", "start %q", id)
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.startTimeout)
	defer cancel()
	return mod.WaitStart(waitCtx)
}

func (f *Factory) loadParents(ctx context.Context, id string) error {
	r := f.registry()
	for _, parent := range f.graph.Parents(id) {
		if err := r.Load(ctx, parent); err != nil {
			return errs.Wrapf(err, "modfactory", "load", "dependency %q of %q", parent, id)
		}
	}
	return nil
}

// Unload unloads id after every loaded module that depends on it.
// Unloading a module that is not loaded succeeds without change.
func (f *Factory) Unload(ctx context.Context, id string) error {
	var s *slot
	for s == nil {
		f.mu.Lock()
		cur, ok := f.slots[id]
		if !ok {
			f.mu.Unlock()
			return nil
		}
		if cur.state == StateLoaded {
			cur.state = StateUnloading
			cur.done = make(chan struct{})
			s = cur
			f.mu.Unlock()
			break
		}
		done := cur.done
		f.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var err error
	r := f.registry()
	for _, child := range f.graph.Children(id) {
		if cerr := r.Unload(ctx, child); cerr != nil {
			err = multierr.Append(err, errs.Wrapf(cerr, "modfactory", "unload", "dependent %q of %q", child, id))
		}
	}

	s.mod.Close()

	f.mu.Lock()
	delete(f.slots, id)
	close(s.done)
	f.mu.Unlock()

	f.metrics.ModuleUnloaded()
	if err != nil {
		f.logger.Warn("module unloaded with errors", zap.String("module", id), zap.Error(err))
	} else {
		f.logger.Info("module unloaded", zap.String("module", id))
	}
	return err
}

// UnloadAll unloads every loaded module, dependents first.
func (f *Factory) UnloadAll(ctx context.Context) error {
	order := f.graph.Sorted()

	f.mu.Lock()
	for id := range f.slots {
		if !slices.Contains(order, id) {
			order = append(order, id)
		}
	}
	f.mu.Unlock()

	var err error
	for _, id := range order {
		err = multierr.Append(err, f.Unload(ctx, id))
	}
	return err
}

// IsLoaded reports whether id is loaded and started.
func (f *Factory) IsLoaded(id string) bool {
	f.mu.Lock()
	s, ok := f.slots[id]
	if !ok || s.state != StateLoaded {
		f.mu.Unlock()
		return false
	}
	mod := s.mod
	f.mu.Unlock()
	return mod.IsStarted()
}

// State returns the lifecycle state of id.
func (f *Factory) State(id string) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.slots[id]; ok {
		return s.state
	}
	return StateUnloaded
}

// GetModule returns the instance of a loading or loaded module.
func (f *Factory) GetModule(id string) (module.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[id]
	if !ok || s.mod == nil || s.state == StateUnloading {
		return nil, errs.Wrapf(errs.ErrNotLoaded, "modfactory", "get module", "module %q", id)
	}
	return s.mod, nil
}

// Loaded returns the loaded modules ordered by id.
func (f *Factory) Loaded() []module.Module {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.slots))
	for id, s := range f.slots {
		if s.state == StateLoaded {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	mods := make([]module.Module, 0, len(ids))
	for _, id := range ids {
		mods = append(mods, f.slots[id].mod)
	}
	return mods
}

// ValidateEnvelope checks the receiver count of msg against its type.
func ValidateEnvelope(msg *message.Message) error {
	n := len(msg.Receivers())
	switch {
	case n == 0:
		return errs.Wrapf(errs.ErrInvalidMessage, "modfactory", "send", "message %q has no receivers", msg.ID())
	case msg.Type() == message.TypeSyncRequest && n != 1:
		return errs.Wrapf(errs.ErrInvalidMessage, "modfactory", "send", "sync message %q has %d receivers", msg.ID(), n)
	}
	return nil
}

// SendMessage delivers msg to every receiver. A failing receiver does not stop
// delivery to the others; all failures are returned combined.
func (f *Factory) SendMessage(_ context.Context, msg *message.Message) error {
	if err := ValidateEnvelope(msg); err != nil {
		return err
	}
	return f.Deliver(msg, msg.Receivers())
}

// Deliver hands msg to the local modules in receivers.
func (f *Factory) Deliver(msg *message.Message, receivers []string) error {
	var err error
	for _, id := range receivers {
		rerr := f.deliver(id, msg)
		if rerr != nil {
			f.logger.Warn("message delivery failed",
				zap.String("message", msg.ID()), zap.String("receiver", id), zap.Error(rerr))
			err = multierr.Append(err, rerr)
		}
	}
	return err
}

func (f *Factory) deliver(id string, msg *message.Message) error {
	mod, err := f.GetModule(id)
	if err != nil {
		return err
	}
	if err := mod.AddMessage(msg); err != nil {
		return fmt.Errorf("deliver %q to %q: %w", msg.ID(), id, err)
	}
	return nil
}

// AddDependency records that child depends on parent. A cycle is rejected.
func (f *Factory) AddDependency(child, parent string) error {
	if err := f.graph.AddDependency(child, parent); err != nil {
		return errs.Wrap(err, "modfactory", "add dependency")
	}
	return nil
}

func (f *Factory) RmDependency(child, parent string) {
	f.graph.RmDependency(child, parent)
}

// Lookup returns module id as capability T.
func Lookup[T any](r module.Registry, id string) (T, error) {
	var zero T
	mod, err := r.GetModule(id)
	if err != nil {
		return zero, err
	}
	t, ok := mod.(T)
	if !ok {
		return zero, errs.Wrapf(errs.ErrNotFound, "modfactory", "lookup", "module %q does not provide %T", id, &zero)
	}
	return t, nil
}
