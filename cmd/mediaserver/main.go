// Package main is the mediaserver binary: the main server and the satellite launcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/mediaserver/lib/config"
	"github.com/snowmerak/mediaserver/lib/logging"
	"github.com/snowmerak/mediaserver/lib/metrics"
	"github.com/snowmerak/mediaserver/lib/modfactory"
	"github.com/snowmerak/mediaserver/lib/module"
	"github.com/snowmerak/mediaserver/lib/modules/adapter"
	"github.com/snowmerak/mediaserver/lib/modules/status"
)

const (
	flagConfig    = "config"
	flagDebug     = "debug"
	flagMain      = "main"
	flagModules   = "module"
	flagTransport = "transport"
	flagAddress   = "address"
	flagNATSURL   = "nats-url"
	flagMetrics   = "metrics"
	flagExec      = "exec"
	flagSpawn     = "spawn"
)

func main() {
	app := &cli.App{
		Name:  "mediaserver",
		Usage: "modular media server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
				EnvVars: []string{"MEDIASERVER_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.StringFlag{Name: flagMain, Usage: "main application `MODULE`"},
			&cli.StringSliceFlag{Name: flagModules, Usage: "additional `MODULE` to load at start"},
			&cli.StringFlag{Name: flagTransport, Usage: "rpc transport: unix, nats or stdio"},
			&cli.StringFlag{Name: flagAddress, Usage: "unix socket `PATH` of the main server"},
			&cli.StringFlag{Name: flagNATSURL, Usage: "NATS server `URL`"},
			&cli.StringFlag{Name: flagMetrics, Usage: "serve /metrics on `ADDR`"},
		},
		Commands: []*cli.Command{
			{
				Name:   "server",
				Usage:  "run the main server",
				Action: runServer,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: flagExec, Usage: "run the CLI `LINE` and exit"},
					&cli.StringSliceFlag{Name: flagSpawn, Usage: "start a launcher over stdio with configuration `FILE`"},
				},
			},
			{
				Name:   "launcher",
				Usage:  "run one application module in a satellite process",
				Action: runLauncher,
			},
			{
				Name:  "check-config",
				Usage: "validate the configuration and print it",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c, "")
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "%+v\n", *cfg)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file and applies the command line
// overrides. A non-empty role replaces the configured one.
func loadConfig(c *cli.Context, role string) (*config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return nil, err
	}
	if role != "" {
		cfg.Role = role
	}
	if c.Bool(flagDebug) {
		cfg.Log.Level = "debug"
	}
	if v := c.String(flagMain); v != "" {
		cfg.MainModule = v
	}
	if v := c.StringSlice(flagModules); len(v) > 0 {
		cfg.Modules = append(cfg.Modules, v...)
	}
	if v := c.String(flagTransport); v != "" {
		cfg.RPC.Transport = v
	}
	if v := c.String(flagAddress); v != "" {
		cfg.RPC.Address = v
	}
	if v := c.String(flagNATSURL); v != "" {
		cfg.RPC.NATSURL = v
	}
	if v := c.String(flagMetrics); v != "" {
		cfg.Metrics.Address = v
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Role, cfg.Log)
}

// library lists the modules this binary can load.
func library(loaded func() []module.Module) *modfactory.Library {
	lib := modfactory.NewLibrary(status.Entry(loaded))
	if err := lib.Add(adapter.Entry(loaded, adapter.WithLibrary(lib))); err != nil {
		panic(err)
	}
	return lib
}

// serveMetrics serves m on addr until ctx is done.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, m *metrics.Metrics, logger *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info("serving metrics", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
