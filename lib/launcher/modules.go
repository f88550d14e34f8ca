package launcher

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/modfactory"
	"github.com/snowmerak/mediaserver/lib/module"
	"github.com/snowmerak/mediaserver/lib/rpc"
)

// DefaultQueryTimeout bounds remote calls made by methods without a context.
const DefaultQueryTimeout = 5 * time.Second

// ModuleFactory routes module operations to the local factory or to the
// modules and messages objects of the main server.
type ModuleFactory struct {
	base     *Base
	local    *modfactory.Factory
	modules  rpc.ModulesService
	messages rpc.MessagesService

	logger       *zap.Logger
	queryTimeout time.Duration
}

var (
	_ modfactory.ModuleFactory = (*ModuleFactory)(nil)
	_ module.Forwarder         = (*ModuleFactory)(nil)
)

// NewModuleFactory wraps local. Modules built by local see the returned
// factory as their registry. modules and messages may be nil in server role.
func NewModuleFactory(base *Base, local *modfactory.Factory, modules rpc.ModulesService,
	messages rpc.MessagesService, logger *zap.Logger, queryTimeout time.Duration,
) *ModuleFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	mf := &ModuleFactory{
		base:         base,
		local:        local,
		modules:      modules,
		messages:     messages,
		logger:       logger.Named("launcher.modules"),
		queryTimeout: queryTimeout,
	}
	local.SetRegistry(mf)
	return mf
}

func (f *ModuleFactory) remote(id string) bool {
	return !f.base.IsLocal(id) && f.modules != nil
}

// bound limits ctx to the query timeout unless the caller set a deadline.
func (f *ModuleFactory) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, f.queryTimeout)
}

func (f *ModuleFactory) Load(ctx context.Context, id string) error {
	if !f.remote(id) {
		return f.local.Load(ctx, id)
	}
	ctx, cancel := f.bound(ctx)
	defer cancel()
	if err := f.modules.Load(ctx, id); err != nil {
		return err
	}
	f.logger.Info("remote module loaded", zap.String("module", id))
	return nil
}

func (f *ModuleFactory) Unload(ctx context.Context, id string) error {
	if !f.remote(id) {
		return f.local.Unload(ctx, id)
	}
	ctx, cancel := f.bound(ctx)
	defer cancel()
	return f.modules.Unload(ctx, id)
}

// UnloadAll unloads the local modules only.
func (f *ModuleFactory) UnloadAll(ctx context.Context) error {
	return f.local.UnloadAll(ctx)
}

// IsLoaded reports whether id is loaded. A failing remote query counts as not loaded.
func (f *ModuleFactory) IsLoaded(id string) bool {
	if !f.remote(id) {
		return f.local.IsLoaded(id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.queryTimeout)
	defer cancel()
	loaded, err := f.modules.IsLoaded(ctx, id)
	if err != nil {
		f.logger.Warn("remote module query failed", zap.String("module", id), zap.Error(err))
		return false
	}
	return loaded
}

func (f *ModuleFactory) GetModule(id string) (module.Module, error) {
	if f.remote(id) {
		return nil, errs.Wrapf(errs.ErrNotLoaded, "launcher", "get module", "module %q runs in another process", id)
	}
	return f.local.GetModule(id)
}

// Loaded returns the local modules.
func (f *ModuleFactory) Loaded() []module.Module {
	return f.local.Loaded()
}

func (f *ModuleFactory) AddDependency(child, parent string) error {
	return f.local.AddDependency(child, parent)
}

func (f *ModuleFactory) RmDependency(child, parent string) {
	f.local.RmDependency(child, parent)
}

// SendMessage delivers msg to its local receivers and sends one copy addressed
// to all remote receivers to the main server.
func (f *ModuleFactory) SendMessage(ctx context.Context, msg *message.Message) error {
	if err := modfactory.ValidateEnvelope(msg); err != nil {
		return err
	}

	var local, remote []string
	for _, id := range msg.Receivers() {
		if f.remote(id) {
			remote = append(remote, id)
		} else {
			local = append(local, id)
		}
	}

	var err error
	if len(local) > 0 {
		err = multierr.Append(err, f.local.Deliver(msg, local))
	}
	if len(remote) > 0 {
		err = multierr.Append(err, f.sendRemote(ctx, msg, remote))
	}
	return err
}

func (f *ModuleFactory) sendRemote(ctx context.Context, msg *message.Message, receivers []string) error {
	ctx, cancel := context.WithTimeout(ctx, f.queryTimeout)
	defer cancel()

	out := msg.Clone()
	out.ClearReceivers()
	for _, id := range receivers {
		out.AddReceiver(id)
	}

	switch out.Type() {
	case message.TypeSyncRequest:
		resp, err := f.messages.SendSync(ctx, out)
		if err != nil {
			return err
		}
		if msg.SenderID() == "" {
			return nil
		}
		return f.local.Deliver(resp, []string{msg.SenderID()})
	case message.TypeSyncResponse:
		return errs.Wrapf(errs.ErrUnsupportedMode, "launcher", "send",
			"response %q to remote modules %v", msg.ID(), receivers)
	default:
		return f.messages.SendAsync(ctx, out)
	}
}

// ForwardSync sends a sync request for a remote receiver to the main server.
// The call gives up after the query timeout. When it fails the caller gets a
// failed response along with the error.
func (f *ModuleFactory) ForwardSync(ctx context.Context, in *message.Message) (*message.Message, bool, error) {
	receivers := in.Receivers()
	if len(receivers) != 1 || !f.remote(receivers[0]) {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, f.queryTimeout)
	defer cancel()
	resp, err := f.messages.SendSync(ctx, in)
	if err != nil {
		f.logger.Warn("remote sync request failed",
			zap.String("message", in.ID()), zap.String("receiver", receivers[0]), zap.Error(err))
		resp = message.NewResponse(in)
		resp.SetValue(message.KeyStatus, message.StatusFailed)
		resp.SetValue(message.KeyError, err.Error())
	}
	return resp, true, err
}
