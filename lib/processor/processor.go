// Package processor dispatches the messages of one module to its registered handlers.
//
// Registration is serialized by a mutex and publishes an immutable handler table;
// dispatch reads the current table without locking, so handlers run with no lock held.
package processor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/snowmerak/mediaserver/lib/cli"
	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/metrics"
)

// AsyncHandler handles a fire-and-forget message.
type AsyncHandler func(ctx context.Context, msg *message.Message) error

// SyncHandler handles a sync request and fills out with the result.
type SyncHandler func(ctx context.Context, in, out *message.Message) error

// Mailbox accepts messages for a module queue.
type Mailbox interface {
	AddMessage(msg *message.Message) error
}

// Locator resolves a module id to the mailbox sync responses are returned to.
type Locator interface {
	Mailbox(id string) (Mailbox, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(id string) (Mailbox, error)

func (f LocatorFunc) Mailbox(id string) (Mailbox, error) {
	return f(id)
}

type entry struct {
	async AsyncHandler
	sync  SyncHandler
}

func (e entry) kind() string {
	if e.sync != nil {
		return "sync"
	}
	return "async"
}

type table struct {
	handlers map[string]entry
	commands []cli.Command
}

func (t *table) clone() *table {
	c := &table{
		handlers: make(map[string]entry, len(t.handlers)+1),
		commands: slices.Clone(t.commands),
	}
	for k, v := range t.handlers {
		c.handlers[k] = v
	}
	return c
}

// Processor owns the handler table of one module.
type Processor struct {
	modID    string
	messages message.Factory
	locator  Locator
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	table atomic.Pointer[table]
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// New creates a processor for module modID. Registrations are recorded in messages;
// sync responses are delivered through locator.
func New(modID string, messages message.Factory, locator Locator, opts ...Option) *Processor {
	p := &Processor{
		modID:    modID,
		messages: messages,
		locator:  locator,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("processor").With(zap.String("module", modID))
	p.table.Store(&table{handlers: make(map[string]entry)})
	return p
}

// RegisterAsync registers h for the async message msgID.
func (p *Processor) RegisterAsync(msgID string, h AsyncHandler) error {
	return p.register(msgID, message.TypeAsync, entry{async: h})
}

// RegisterSync registers h for the sync request msgID.
func (p *Processor) RegisterSync(msgID string, h SyncHandler) error {
	return p.register(msgID, message.TypeSyncRequest, entry{sync: h})
}

func (p *Processor) register(msgID string, typ message.Type, e entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.table.Load()
	if _, exists := current.handlers[msgID]; exists {
		return errs.Wrapf(errs.ErrAlreadyRegistered, "processor", "register", "handler %q", msgID)
	}
	if err := p.messages.RegisterMessage(msgID, p.modID, typ); err != nil {
		return err
	}

	next := current.clone()
	next.handlers[msgID] = e
	p.table.Store(next)
	return nil
}

// RegisterCLI registers cmd and a sync handler for its message id.
// Names are unique per processor and a message id serves at most one command.
func (p *Processor) RegisterCLI(cmd cli.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.table.Load()
	for _, c := range current.commands {
		if c.Name() == cmd.Name() {
			return errs.Wrapf(errs.ErrAlreadyRegistered, "processor", "register cli", "command %q", cmd.Name())
		}
		if c.MessageID() == cmd.MessageID() {
			return errs.Wrapf(errs.ErrAlreadyRegistered, "processor", "register cli",
				"message id %q of command %q is used by %q", cmd.MessageID(), cmd.Name(), c.Name())
		}
	}
	if _, exists := current.handlers[cmd.MessageID()]; exists {
		return errs.Wrapf(errs.ErrAlreadyRegistered, "processor", "register cli", "handler %q", cmd.MessageID())
	}
	if err := p.messages.RegisterMessage(cmd.MessageID(), p.modID, message.TypeSyncRequest); err != nil {
		return err
	}

	next := current.clone()
	next.handlers[cmd.MessageID()] = entry{sync: p.processCLI}
	next.commands = append(next.commands, cmd)
	p.table.Store(next)
	return nil
}

// CLIInfo returns the registered commands in registration order.
func (p *Processor) CLIInfo() []cli.Command {
	return slices.Clone(p.table.Load().commands)
}

// Process dispatches msg to the handler registered for its id, or to the
// message.IDAll handler when there is none.
func (p *Processor) Process(ctx context.Context, msg *message.Message) error {
	t := p.table.Load()
	e, ok := t.handlers[msg.ID()]
	if !ok {
		e, ok = t.handlers[message.IDAll]
	}
	if !ok {
		return errs.Wrapf(errs.ErrHandlerNotFound, "processor", "process", "message %q in module %q", msg.ID(), p.modID)
	}

	p.metrics.MessageProcessed(p.modID, e.kind())
	if e.sync != nil {
		return p.processSync(ctx, e.sync, msg)
	}
	return p.processAsync(ctx, e.async, msg)
}

func (p *Processor) processAsync(ctx context.Context, h AsyncHandler, msg *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in async handler: %v", errs.ErrUnspecified, r)
		}
		if err != nil {
			p.metrics.HandlerFailed(p.modID, "async")
		}
	}()
	return h(ctx, msg)
}

func (p *Processor) processSync(ctx context.Context, h SyncHandler, in *message.Message) error {
	out := p.messages.GetResponse(in)
	out.SetSenderID(p.modID)

	if err := p.invokeSync(ctx, h, in, out); err != nil {
		p.metrics.HandlerFailed(p.modID, "sync")
		p.logger.Debug("sync handler failed", zap.String("message", in.ID()), zap.Error(err))
		out.SetValue(message.KeyStatus, message.StatusFailed)
		out.SetValue(message.KeyError, err.Error())
	} else {
		out.SetValue(message.KeyStatus, message.StatusOK)
	}

	sender := in.SenderID()
	mailbox, err := p.locator.Mailbox(sender)
	if err != nil {
		return errs.Wrapf(err, "processor", "respond", "sender %q of %q", sender, in.ID())
	}
	return mailbox.AddMessage(out)
}

func (p *Processor) invokeSync(ctx context.Context, h SyncHandler, in, out *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errs.ErrUnspecified, r)
		}
	}()
	return h(ctx, in, out)
}

func (p *Processor) processCLI(ctx context.Context, in, out *message.Message) error {
	var cmd cli.Command
	for _, c := range p.table.Load().commands {
		if c.MessageID() == in.ID() {
			cmd = c
			break
		}
	}
	if cmd == nil {
		return errs.Wrapf(errs.ErrHandlerNotFound, "processor", "cli", "command for %q", in.ID())
	}

	switch mode := cli.CommandMode(in); mode {
	case cli.ModeProcess:
		result, err := cmd.Process(ctx, cli.Params(in))
		if err != nil {
			cli.SetResult(out, err.Error())
			return err
		}
		cli.SetResult(out, result)
	case cli.ModeCompletion:
		candidates, err := cmd.Completion(ctx, cli.Params(in))
		if err != nil {
			return err
		}
		cli.SetCompletionResponse(out, candidates)
	default:
		v, _ := in.Value(message.KeyCLIMode)
		return errs.Wrapf(errs.ErrUnsupportedMode, "processor", "cli", "mode %q of command %q", v, cmd.Name())
	}
	return nil
}

// Close unregisters every message this processor registered. It is safe to call more than once.
func (p *Processor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for msgID := range p.table.Load().handlers {
		p.messages.UnregisterMessage(msgID, p.modID)
	}
	p.table.Store(&table{handlers: make(map[string]entry)})
}
