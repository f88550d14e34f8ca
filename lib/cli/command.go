// Package cli defines the command contract exposed by modules to the shell and
// the helpers that encode CLI requests into messages.
package cli

import "context"

// Command is a named operation bound to a message id.
type Command interface {
	Name() string
	Summary() string
	Usage() string
	// MessageID is the sync message id the command is dispatched under.
	MessageID() string
	// Process runs the command and returns its human-readable result.
	Process(ctx context.Context, params []string) (string, error)
	// Completion returns candidates for the next parameter after set.
	Completion(ctx context.Context, set []string) ([]string, error)
	// RequiresModule reports whether the command is shown only while its module is loaded.
	RequiresModule() bool
}

// BaseCommand carries the descriptive fields of a command.
// Embed it and implement Process to get a Command.
type BaseCommand struct {
	CommandName    string
	CommandSummary string
	CommandUsage   string
	ID             string
	Standalone     bool
}

func (b BaseCommand) Name() string      { return b.CommandName }
func (b BaseCommand) Summary() string   { return b.CommandSummary }
func (b BaseCommand) Usage() string     { return b.CommandUsage }
func (b BaseCommand) MessageID() string { return b.ID }

// Completion offers no candidates.
func (b BaseCommand) Completion(context.Context, []string) ([]string, error) {
	return nil, nil
}

// RequiresModule is true unless the command is marked Standalone.
func (b BaseCommand) RequiresModule() bool {
	return !b.Standalone
}

// Func adapts a function into a Command.
type Func struct {
	BaseCommand
	Fn func(ctx context.Context, params []string) (string, error)
}

func (f *Func) Process(ctx context.Context, params []string) (string, error) {
	return f.Fn(ctx, params)
}
