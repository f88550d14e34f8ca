package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/mediaserver/lib/config"
	"github.com/snowmerak/mediaserver/lib/launcher"
	"github.com/snowmerak/mediaserver/lib/metrics"
	"github.com/snowmerak/mediaserver/lib/modfactory"
	"github.com/snowmerak/mediaserver/lib/module"
	"github.com/snowmerak/mediaserver/lib/modules/adapter"
	"github.com/snowmerak/mediaserver/lib/resources"
	"github.com/snowmerak/mediaserver/lib/rpc"
	"github.com/snowmerak/mediaserver/lib/rpc/natsrpc"
)

func runServer(c *cli.Context) error {
	cfg, err := loadConfig(c, string(launcher.RoleServer))
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	var l *launcher.Launcher
	l, err = launcher.New(launcher.Config{
		Role:         launcher.RoleServer,
		Main:         cfg.MainModule,
		Autoload:     cfg.Modules,
		Library:      library(func() []module.Module { return l.Loaded() }),
		Resources:    resources.NewRegistry(logger),
		Logger:       logger,
		Metrics:      m,
		SyncTimeout:  cfg.SyncTimeout,
		StartTimeout: cfg.StartTimeout,
		RPCTimeout:   cfg.RPC.Timeout,
	})
	if err != nil {
		return err
	}

	mux := rpc.NewMux()
	adapter.NewService(l.Modules(), l.Messages(), logger).Register(mux, l.Resources())
	stream := rpc.NewStreamServer(mux, rpc.WithServerLogger(logger), rpc.WithCallTimeout(cfg.SyncTimeout))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.Start(ctx) })

	if err := serveRPC(ctx, g, cfg, mux, stream, logger); err != nil {
		stop()
		return multiWait(g, err)
	}
	serveMetrics(ctx, g, cfg.Metrics.Address, m, logger)

	spawn := c.StringSlice(flagSpawn)
	if len(spawn) > 0 {
		self, err := os.Executable()
		if err != nil {
			stop()
			return multiWait(g, fmt.Errorf("failed to locate executable: %w", err))
		}
		for _, file := range spawn {
			file := file
			g.Go(func() error {
				return stream.ServeProcess(ctx, self, "--"+flagConfig, file, "--"+flagTransport, config.TransportStdio, "launcher")
			})
		}
	}

	if lines := c.StringSlice(flagExec); len(lines) > 0 {
		g.Go(func() error {
			defer stop()
			return execLines(ctx, l, cfg, lines, c.App.Writer)
		})
	}

	logger.Info("server running",
		zap.String("transport", cfg.RPC.Transport), zap.Strings("modules", cfg.Modules))
	return g.Wait()
}

// serveRPC serves mux to launchers on the configured transport.
func serveRPC(ctx context.Context, g *errgroup.Group, cfg *config.Config, mux *rpc.Mux,
	stream *rpc.StreamServer, logger *zap.Logger,
) error {
	switch cfg.RPC.Transport {
	case config.TransportUnix:
		ln, err := rpc.ListenUnix(cfg.RPC.Address)
		if err != nil {
			return err
		}
		logger.Info("rpc listening", zap.String("socket", cfg.RPC.Address))
		g.Go(func() error {
			defer os.Remove(cfg.RPC.Address)
			return stream.Serve(ctx, ln)
		})
	case config.TransportNATS:
		conn, err := natsrpc.Connect(natsrpc.Config{URL: cfg.RPC.NATSURL, Name: "mediaserver", MaxReconnects: -1}, logger)
		if err != nil {
			return err
		}
		srv := natsrpc.NewServer(conn, mux,
			natsrpc.WithServerPrefix(cfg.RPC.SubjectPrefix),
			natsrpc.WithServerLogger(logger),
			natsrpc.WithCallTimeout(cfg.SyncTimeout),
		)
		if err := srv.Start(ctx); err != nil {
			conn.Close()
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			err := srv.Close()
			conn.Close()
			return err
		})
	}
	return nil
}

// execLines waits for the configured modules, runs each CLI line through the
// adapter and prints the output.
func execLines(ctx context.Context, l *launcher.Launcher, cfg *config.Config, lines []string, w io.Writer) error {
	for _, id := range append([]string{module.AdapterID}, cfg.Modules...) {
		if err := l.Modules().Load(ctx, id); err != nil {
			return err
		}
	}
	a, err := modfactory.Lookup[*adapter.Module](l.Modules(), module.AdapterID)
	if err != nil {
		return err
	}
	for _, line := range lines {
		out, err := a.Exec(ctx, line)
		fmt.Fprint(w, out)
		if err != nil {
			return fmt.Errorf("%s: %w", line, err)
		}
	}
	return nil
}

func multiWait(g *errgroup.Group, err error) error {
	if werr := g.Wait(); werr != nil && err == nil {
		return werr
	}
	return err
}
