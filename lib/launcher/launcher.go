package launcher

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/metrics"
	"github.com/snowmerak/mediaserver/lib/modfactory"
	"github.com/snowmerak/mediaserver/lib/module"
	"github.com/snowmerak/mediaserver/lib/resources"
	"github.com/snowmerak/mediaserver/lib/rpc"
)

// Config assembles a Launcher.
type Config struct {
	Role Role
	// Main is the application module of a satellite. The server may leave it empty.
	Main string
	// LocalModules run in this process besides Main and the infrastructure modules.
	LocalModules []string
	// Autoload is loaded after Main when the launcher starts.
	Autoload []string

	Library *modfactory.Library
	// Transport reaches the main server. Required in launcher role.
	Transport rpc.Transport
	Resources *resources.Registry

	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	SyncTimeout  time.Duration
	StartTimeout time.Duration
	RPCTimeout   time.Duration
}

type pinger interface {
	Ping(ctx context.Context) (string, error)
	Object() string
}

// Launcher owns the factories of one process.
type Launcher struct {
	cfg     Config
	base    *Base
	local   *modfactory.Factory
	modules *ModuleFactory
	msgs    *MessageFactory
	res     *Resources
	pingers []pinger
	logger  *zap.Logger
}

func New(cfg Config) (*Launcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Library == nil {
		cfg.Library = modfactory.NewLibrary()
	}
	if cfg.Resources == nil {
		cfg.Resources = resources.NewRegistry(cfg.Logger)
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = module.DefaultSyncTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = module.DefaultStartTimeout
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultQueryTimeout
	}
	// a remote call must give up before the sync request waiting on it
	cfg.RPCTimeout = min(cfg.RPCTimeout, cfg.SyncTimeout)
	if cfg.Role == RoleLauncher {
		if cfg.Transport == nil {
			return nil, errs.Wrap(errs.ErrRemoteUnavailable, "launcher", "launcher role without transport")
		}
		if cfg.Main == "" {
			return nil, errs.Wrap(errs.ErrNotFound, "launcher", "launcher role without main module")
		}
	}

	l := &Launcher{
		cfg:    cfg,
		base:   NewBase(cfg.Role, cfg.Main, cfg.LocalModules...),
		logger: cfg.Logger.Named("launcher"),
	}

	var (
		remoteMessages rpc.MessagesService
		remoteModules  rpc.ModulesService
		remoteRes      resources.Resources
	)
	if cfg.Role == RoleLauncher {
		msgs := rpc.NewMessagesProtocol(cfg.Transport, cfg.Metrics)
		mods := rpc.NewModulesProtocol(cfg.Transport, cfg.Metrics)
		res := rpc.NewResourcesProtocol(cfg.Transport, cfg.Metrics)
		dev := rpc.NewDevProtocol(cfg.Transport, cfg.Metrics)
		remoteMessages, remoteModules = msgs, mods
		remoteRes = rpc.RemoteResources{ResourcesProtocol: res, DevProtocol: dev}
		l.pingers = []pinger{msgs, mods, res, dev}
	}

	l.msgs = NewMessageFactory(l.base, message.NewFactory(cfg.Logger), remoteMessages, cfg.Logger, cfg.RPCTimeout)
	l.local = modfactory.New(cfg.Library, l.msgs,
		modfactory.WithLogger(cfg.Logger),
		modfactory.WithMetrics(cfg.Metrics),
		modfactory.WithSyncTimeout(cfg.SyncTimeout),
		modfactory.WithStartTimeout(cfg.StartTimeout),
	)
	l.modules = NewModuleFactory(l.base, l.local, remoteModules, remoteMessages, cfg.Logger, cfg.RPCTimeout)
	l.res = NewResources(l.base, cfg.Resources, remoteRes, cfg.Logger)
	return l, nil
}

func (l *Launcher) Base() *Base                  { return l.base }
func (l *Launcher) Modules() *ModuleFactory      { return l.modules }
func (l *Launcher) Messages() *MessageFactory    { return l.msgs }
func (l *Launcher) Resources() *Resources        { return l.res }
func (l *Launcher) Factory() *modfactory.Factory { return l.local }

// Loaded returns the modules loaded in this process.
func (l *Launcher) Loaded() []module.Module {
	return l.modules.Loaded()
}

// CheckRPC pings the four remote objects concurrently. It does nothing in server role.
func (l *Launcher) CheckRPC(ctx context.Context) error {
	if len(l.pingers) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.RPCTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range l.pingers {
		p := p
		g.Go(func() error {
			instance, err := p.Ping(ctx)
			if err != nil {
				return err
			}
			l.logger.Debug("remote object answered", zap.String("object", p.Object()), zap.String("instance", instance))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errs.Wrap(err, "launcher", "check rpc")
	}
	return nil
}

// Start checks the connection to the main server, loads the main module and
// the autoload list, then blocks until ctx is done and unloads everything.
func (l *Launcher) Start(ctx context.Context) error {
	if err := l.CheckRPC(ctx); err != nil {
		return err
	}

	ids := l.cfg.Autoload
	if l.cfg.Main != "" {
		ids = append([]string{l.cfg.Main}, ids...)
	}
	for _, id := range ids {
		if err := l.modules.Load(ctx, id); err != nil {
			return multierr.Append(
				errs.Wrapf(err, "launcher", "start", "load %q", id),
				l.local.UnloadAll(context.WithoutCancel(ctx)),
			)
		}
	}
	l.logger.Info("launcher started",
		zap.String("role", string(l.base.Role())), zap.String("main", l.cfg.Main), zap.Int("modules", len(l.Loaded())))

	<-ctx.Done()

	l.logger.Info("launcher stopping")
	return l.local.UnloadAll(context.WithoutCancel(ctx))
}

// Close closes the transport to the main server.
func (l *Launcher) Close() error {
	if l.cfg.Transport == nil {
		return nil
	}
	return l.cfg.Transport.Close()
}
