// Package adapter is the infrastructure module standing between the outside
// world and the module message core. It runs the CLI commands modules register
// and, in the main process, serves the remote messages and modules objects.
package adapter

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/snowmerak/mediaserver/lib/cli"
	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/modfactory"
	"github.com/snowmerak/mediaserver/lib/module"
)

const MsgHelp = "adapter.help"

// LoadedFunc lists the loaded modules of this process.
type LoadedFunc func() []module.Module

// Module is the adapter module.
type Module struct {
	*module.Base
	loaded  LoadedFunc
	library *modfactory.Library
}

// Option configures the adapter.
type Option func(*Module)

// WithLibrary makes the adapter offer the standalone commands of library
// entries that are not loaded.
func WithLibrary(lib *modfactory.Library) Option {
	return func(m *Module) { m.library = lib }
}

// Entry returns the library entry of the adapter.
func Entry(loaded LoadedFunc, opts ...Option) modfactory.Entry {
	return modfactory.Entry{
		ID: module.AdapterID,
		New: func(env module.Env) (module.Module, error) {
			m := &Module{
				Base:   module.NewBase(module.AdapterID, "Adapter", module.KindModule, env),
				loaded: loaded,
			}
			for _, opt := range opts {
				opt(m)
			}
			return m, nil
		},
	}
}

func (m *Module) RegisterProcessors() error {
	return m.RegisterCLI(&cli.Func{
		BaseCommand: cli.BaseCommand{
			CommandName:    "help",
			CommandSummary: "list the available commands",
			CommandUsage:   "help",
			ID:             MsgHelp,
			Standalone:     true,
		},
		Fn: m.help,
	})
}

type target struct {
	module string
	cmd    cli.Command
}

// commands returns the commands of the loaded modules by name, then the
// standalone commands offered by modules that are not loaded. When two modules
// register the same name the module with the smaller id wins.
func (m *Module) commands() map[string]target {
	out := make(map[string]target)
	loaded := make(map[string]bool)
	for _, mod := range m.loaded() {
		loaded[mod.ID()] = true
		for _, cmd := range mod.CLIInfo() {
			if _, taken := out[cmd.Name()]; !taken {
				out[cmd.Name()] = target{module: mod.ID(), cmd: cmd}
			}
		}
	}
	if m.library == nil {
		return out
	}

	offered := m.library.Offered()
	ids := make([]string, 0, len(offered))
	for id := range offered {
		if !loaded[id] {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		for _, cmd := range offered[id] {
			if _, taken := out[cmd.Name()]; !taken {
				out[cmd.Name()] = target{module: id, cmd: cmd}
			}
		}
	}
	return out
}

func (m *Module) help(context.Context, []string) (string, error) {
	cmds := m.commands()
	var b strings.Builder
	for _, name := range m.Commands() {
		t := cmds[name]
		fmt.Fprintf(&b, "%-12s %s (%s)\n", name, t.cmd.Summary(), t.module)
	}
	return b.String(), nil
}

func (m *Module) lookup(line string) (target, []string, error) {
	params := cli.Split(line)
	if len(params) == 0 {
		return target{}, nil, errs.Wrap(errs.ErrInvalidMessage, "adapter", "empty command line")
	}
	t, ok := m.commands()[params[0]]
	if !ok {
		return target{}, nil, errs.Wrapf(errs.ErrNotFound, "adapter", "exec", "command %q", params[0])
	}
	return t, params[1:], nil
}

func (m *Module) request(t target, params []string, build func(msg *message.Message, params []string)) (*message.Message, error) {
	msg, err := m.Env().Messages.GetMessage(t.cmd.MessageID())
	if err != nil {
		return nil, err
	}
	msg.ClearReceivers()
	msg.AddReceiver(t.module)
	build(msg, params)
	return msg, nil
}

// Exec runs a command line such as "show dvb" and returns the command output.
// Standalone commands run in the caller; the others go to their module.
func (m *Module) Exec(ctx context.Context, line string) (string, error) {
	t, params, err := m.lookup(line)
	if err != nil {
		return "", err
	}
	if !t.cmd.RequiresModule() {
		return t.cmd.Process(ctx, params)
	}

	msg, err := m.request(t, params, cli.SetProcessParams)
	if err != nil {
		return "", err
	}
	resp, err := m.SendSyncMessage(ctx, msg)
	if resp == nil {
		return "", err
	}
	return cli.Result(resp), err
}

// Complete returns candidates for the last word of line.
func (m *Module) Complete(ctx context.Context, line string) ([]string, error) {
	params := cli.Split(line)
	if len(params) == 0 || (len(params) == 1 && !strings.HasSuffix(line, " ")) {
		prefix := ""
		if len(params) == 1 {
			prefix = params[0]
		}
		var names []string
		for name := range m.commands() {
			if strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
		slices.Sort(names)
		return names, nil
	}

	t, params, err := m.lookup(line)
	if err != nil {
		return nil, err
	}
	if !t.cmd.RequiresModule() {
		return t.cmd.Completion(ctx, params)
	}

	msg, err := m.request(t, params, cli.SetCompletionRequest)
	if err != nil {
		return nil, err
	}
	resp, err := m.SendSyncMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	return cli.CompletionResponse(resp), nil
}

// Commands returns the names of every runnable command, sorted.
func (m *Module) Commands() []string {
	cmds := m.commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
