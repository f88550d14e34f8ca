// Package status is a small application module reporting on the running
// server: a ping handler and the show command.
package status

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/snowmerak/mediaserver/lib/cli"
	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/modfactory"
	"github.com/snowmerak/mediaserver/lib/module"
)

const (
	ID = "status"

	MsgPing = "status.ping"
	MsgShow = "status.show"
)

// Module answers pings and lists the loaded modules.
type Module struct {
	*module.Base
	loaded  func() []module.Module
	started time.Time
}

func Entry(loaded func() []module.Module) modfactory.Entry {
	return modfactory.Entry{
		ID: ID,
		New: func(env module.Env) (module.Module, error) {
			return &Module{
				Base:    module.NewBase(ID, "Status", module.KindApplication, env),
				loaded:  loaded,
				started: time.Now(),
			}, nil
		},
	}
}

func (m *Module) RegisterProcessors() error {
	if err := m.RegisterSync(MsgPing, m.ping); err != nil {
		return err
	}
	return m.RegisterCLI(&showCommand{
		BaseCommand: cli.BaseCommand{
			CommandName:    "show",
			CommandSummary: "show loaded modules",
			CommandUsage:   "show [module]",
			ID:             MsgShow,
		},
		m: m,
	})
}

func (m *Module) ping(_ context.Context, in, out *message.Message) error {
	out.SetValue("module", m.ID())
	out.SetValue("uptime", time.Since(m.started).Round(time.Second).String())
	out.SetValue("modules", strconv.Itoa(len(m.loaded())))
	if v, ok := in.Value("echo"); ok {
		out.SetValue("echo", v)
	}
	return nil
}

type showCommand struct {
	cli.BaseCommand
	m *Module
}

func (c *showCommand) Process(_ context.Context, params []string) (string, error) {
	mods := c.m.loaded()
	var b strings.Builder

	if len(params) == 0 {
		for _, mod := range mods {
			names := make([]string, 0, len(mod.CLIInfo()))
			for _, cmd := range mod.CLIInfo() {
				names = append(names, cmd.Name())
			}
			fmt.Fprintf(&b, "%-10s %-12s %s\n", mod.ID(), mod.Kind(), strings.Join(names, ","))
		}
		return b.String(), nil
	}

	i := slices.IndexFunc(mods, func(mod module.Module) bool { return mod.ID() == params[0] })
	if i < 0 {
		return "", errs.Wrapf(errs.ErrNotLoaded, "status", "show", "module %q", params[0])
	}
	mod := mods[i]
	fmt.Fprintf(&b, "%s (%s, %s)\n", mod.ID(), mod.Name(), mod.Kind())
	for _, cmd := range mod.CLIInfo() {
		fmt.Fprintf(&b, "  %-12s %s\n", cmd.Usage(), cmd.Summary())
	}
	return b.String(), nil
}

// Completion offers the ids of loaded modules for the first parameter.
func (c *showCommand) Completion(_ context.Context, set []string) ([]string, error) {
	if len(set) > 1 {
		return nil, nil
	}
	prefix := ""
	if len(set) == 1 {
		prefix = set[0]
	}
	var ids []string
	for _, mod := range c.m.loaded() {
		if strings.HasPrefix(mod.ID(), prefix) {
			ids = append(ids, mod.ID())
		}
	}
	return ids, nil
}
