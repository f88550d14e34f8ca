package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/mediaserver/lib/config"
	"github.com/snowmerak/mediaserver/lib/launcher"
	"github.com/snowmerak/mediaserver/lib/metrics"
	"github.com/snowmerak/mediaserver/lib/module"
	"github.com/snowmerak/mediaserver/lib/resources"
	"github.com/snowmerak/mediaserver/lib/rpc"
	"github.com/snowmerak/mediaserver/lib/rpc/natsrpc"
)

func runLauncher(c *cli.Context) error {
	cfg, err := loadConfig(c, string(launcher.RoleLauncher))
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.With(zap.String("main", cfg.MainModule))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	transport, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var l *launcher.Launcher
	l, err = launcher.New(launcher.Config{
		Role:         launcher.RoleLauncher,
		Main:         cfg.MainModule,
		LocalModules: cfg.LocalModules,
		Autoload:     cfg.Modules,
		Library:      library(func() []module.Module { return l.Loaded() }),
		Transport:    transport,
		Resources:    resources.NewRegistry(logger),
		Logger:       logger,
		Metrics:      m,
		SyncTimeout:  cfg.SyncTimeout,
		StartTimeout: cfg.StartTimeout,
		RPCTimeout:   cfg.RPC.Timeout,
	})
	if err != nil {
		transport.Close()
		return err
	}
	defer l.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// a failed start ends the process
		defer stop()
		return l.Start(ctx)
	})
	serveMetrics(ctx, g, cfg.Metrics.Address, m, logger)
	return g.Wait()
}

// dial connects to the main server on the configured transport.
func dial(ctx context.Context, cfg *config.Config, logger *zap.Logger) (rpc.Transport, error) {
	switch cfg.RPC.Transport {
	case config.TransportNATS:
		conn, err := natsrpc.Connect(natsrpc.Config{
			URL:           cfg.RPC.NATSURL,
			Name:          "mediaserver-launcher-" + cfg.MainModule,
			MaxReconnects: -1,
		}, logger)
		if err != nil {
			return nil, err
		}
		return natsrpc.NewClient(conn,
			natsrpc.WithTimeout(cfg.RPC.Timeout),
			natsrpc.WithPrefix(cfg.RPC.SubjectPrefix),
			natsrpc.OwnConnection(),
		), nil
	case config.TransportStdio:
		return rpc.Dial(ctx, rpc.StdioProvider{}, "", rpc.WithClientLogger(logger))
	default:
		return rpc.Dial(ctx, rpc.NewUnixSocketProvider(), cfg.RPC.Address, rpc.WithClientLogger(logger))
	}
}
