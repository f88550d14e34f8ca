package module

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/snowmerak/mediaserver/lib/cli"
	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/processor"
)

// Base implements Module. Concrete modules embed *Base and override
// RegisterProcessors to register their handlers.
type Base struct {
	id   string
	name string
	kind Kind

	env         Env
	logger      *zap.Logger
	proc        *processor.Processor
	queue       *queue
	syncTimeout time.Duration

	pendingMu sync.Mutex
	pending   map[message.UUID]chan *message.Message
	closed    bool

	cpMu        sync.Mutex
	checkpoints int
	started     chan struct{}

	running   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
}

var _ Module = (*Base)(nil)

// NewBase creates the base of module id.
func NewBase(id, name string, kind Kind, env Env) *Base {
	logger := env.logger().With(zap.String("module", id))
	b := &Base{
		id:          id,
		name:        name,
		kind:        kind,
		env:         env,
		logger:      logger,
		queue:       newQueue(),
		syncTimeout: env.SyncTimeout,
		pending:     make(map[message.UUID]chan *message.Message),
		checkpoints: 1, // passed by the processing loop
		started:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	if b.syncTimeout <= 0 {
		b.syncTimeout = DefaultSyncTimeout
	}
	b.proc = processor.New(id, env.Messages, processor.LocatorFunc(b.mailbox),
		processor.WithLogger(env.Logger), processor.WithMetrics(env.Metrics))
	return b
}

func (b *Base) mailbox(id string) (processor.Mailbox, error) {
	m, err := b.env.Modules.GetModule(id)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (b *Base) ID() string             { return b.id }
func (b *Base) Name() string           { return b.name }
func (b *Base) Kind() Kind             { return b.kind }
func (b *Base) Env() Env               { return b.env }
func (b *Base) Logger() *zap.Logger    { return b.logger }
func (b *Base) CLIInfo() []cli.Command { return b.proc.CLIInfo() }

// RegisterProcessors registers nothing.
func (b *Base) RegisterProcessors() error { return nil }

// RegisterAsync registers an async handler owned by this module.
func (b *Base) RegisterAsync(msgID string, h processor.AsyncHandler) error {
	return b.proc.RegisterAsync(msgID, h)
}

// RegisterSync registers a sync handler owned by this module.
func (b *Base) RegisterSync(msgID string, h processor.SyncHandler) error {
	return b.proc.RegisterSync(msgID, h)
}

// RegisterCLI registers cmd. Commands reach the module through the adapter,
// so the module becomes a dependent of it.
func (b *Base) RegisterCLI(cmd cli.Command) error {
	if err := b.proc.RegisterCLI(cmd); err != nil {
		return err
	}
	if b.id == AdapterID {
		return nil
	}
	return b.env.Modules.AddDependency(b.id, AdapterID)
}

// RegisterStartupCheckpoint adds a checkpoint that must pass before WaitStart returns.
func (b *Base) RegisterStartupCheckpoint() {
	b.cpMu.Lock()
	defer b.cpMu.Unlock()
	b.checkpoints++
}

// PassStartupCheckpoint marks one checkpoint as passed.
func (b *Base) PassStartupCheckpoint() {
	b.cpMu.Lock()
	defer b.cpMu.Unlock()
	if b.checkpoints == 0 {
		return
	}
	b.checkpoints--
	if b.checkpoints == 0 {
		close(b.started)
	}
}

func (b *Base) checkpointsLeft() int {
	b.cpMu.Lock()
	defer b.cpMu.Unlock()
	return b.checkpoints
}

// WaitStart waits for every startup checkpoint.
func (b *Base) WaitStart(ctx context.Context) error {
	select {
	case <-b.started:
		return nil
	case <-ctx.Done():
		return errs.Wrapf(errs.ErrTimeout, "module", "wait start",
			"module %q has %d startup checkpoints left", b.id, b.checkpointsLeft())
	}
}

// IsStarted reports whether the loop runs and every checkpoint passed.
func (b *Base) IsStarted() bool {
	if !b.running.Load() {
		return false
	}
	select {
	case <-b.started:
		return true
	default:
		return false
	}
}

// Start launches the processing loop. The loop outlives ctx; Stop ends it.
func (b *Base) Start(ctx context.Context) error {
	err := errs.Wrapf(errs.ErrClosed, "module", "start", "module %q", b.id)
	b.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b.cancel = cancel
		b.running.Store(true)
		go b.loop(loopCtx)
		err = nil
	})
	return err
}

func (b *Base) loop(ctx context.Context) {
	defer close(b.done)
	defer b.running.Store(false)

	b.PassStartupCheckpoint()
	b.logger.Debug("module loop started")

	for {
		msg, err := b.queue.pop(ctx)
		if err != nil {
			return
		}
		if err := b.proc.Process(ctx, msg); err != nil {
			b.logger.Warn("message processing failed",
				zap.String("message", msg.ID()), zap.Stringer("type", msg.Type()), zap.Error(err))
		}
	}
}

// Stop ends the processing loop and waits for it. Queued messages are not processed.
func (b *Base) Stop() {
	b.stopOnce.Do(func() {
		b.startOnce.Do(func() {})
		if b.cancel == nil {
			return
		}
		b.cancel()
		<-b.done
	})
}

// Close stops the module, unregisters its handlers and fails pending sync calls.
func (b *Base) Close() {
	b.closeOnce.Do(func() {
		b.Stop()
		b.queue.close()
		b.proc.Close()

		b.pendingMu.Lock()
		b.closed = true
		for uuid, ch := range b.pending {
			close(ch)
			delete(b.pending, uuid)
		}
		b.pendingMu.Unlock()
	})
}

// AddMessage queues msg. A sync response is handed to its waiting caller;
// one nobody waits for is dropped.
func (b *Base) AddMessage(msg *message.Message) error {
	if msg.Type() != message.TypeSyncResponse {
		if err := b.queue.push(msg); err != nil {
			return errs.Wrapf(err, "module", "add message", "module %q", b.id)
		}
		return nil
	}

	b.pendingMu.Lock()
	ch, ok := b.pending[msg.UUID()]
	if ok {
		delete(b.pending, msg.UUID())
		ch <- msg
	}
	b.pendingMu.Unlock()

	if !ok {
		b.logger.Warn("dropping unexpected response",
			zap.String("message", msg.ID()), zap.Uint64("uuid", uint64(msg.UUID())))
	}
	return nil
}

// SendMessage sends msg from this module without waiting.
func (b *Base) SendMessage(ctx context.Context, msg *message.Message) error {
	msg.SetSenderID(b.id)
	if msg.Type() == message.TypeUndefined {
		msg.SetType(message.TypeAsync)
	}
	return b.env.Modules.SendMessage(ctx, msg)
}

// SendSyncMessage sends in to its only receiver and waits for the response.
// A response with failed status is returned together with an error matching
// errs.ErrRequestFailed.
func (b *Base) SendSyncMessage(ctx context.Context, in *message.Message) (*message.Message, error) {
	if n := len(in.Receivers()); n != 1 {
		return nil, errs.Wrapf(errs.ErrInvalidMessage, "module", "send sync",
			"message %q needs exactly one receiver, has %d", in.ID(), n)
	}
	in.SetType(message.TypeSyncRequest)
	in.SetSenderID(b.id)

	start := time.Now()
	defer b.env.Metrics.ObserveSync(b.id, start)

	if fw, ok := b.env.Modules.(Forwarder); ok {
		fctx, cancel := context.WithTimeout(ctx, b.syncTimeout)
		resp, handled, err := fw.ForwardSync(fctx, in)
		cancel()
		if handled {
			if err != nil {
				return resp, err
			}
			return resp, responseError(resp)
		}
	}

	ch := make(chan *message.Message, 1)
	b.pendingMu.Lock()
	if b.closed {
		b.pendingMu.Unlock()
		return nil, errs.Wrapf(errs.ErrClosed, "module", "send sync", "module %q", b.id)
	}
	b.pending[in.UUID()] = ch
	b.pendingMu.Unlock()

	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, in.UUID())
		b.pendingMu.Unlock()
	}()

	if err := b.env.Modules.SendMessage(ctx, in); err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.syncTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errs.Wrapf(errs.ErrClosed, "module", "send sync", "module %q", b.id)
		}
		return resp, responseError(resp)
	case <-timer.C:
		return nil, errs.Wrapf(errs.ErrTimeout, "module", "send sync",
			"no response to %q from %q after %s", in.ID(), in.Receivers()[0], b.syncTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func responseError(resp *message.Message) error {
	if ok, detail := resp.Status(); !ok {
		if detail == "" {
			detail = "no status"
		}
		return fmt.Errorf("%w: %s: %s", errs.ErrRequestFailed, resp.ID(), detail)
	}
	return nil
}

// IsRequestFailure reports whether err came from a failed response rather than delivery.
func IsRequestFailure(err error) bool {
	return errors.Is(err, errs.ErrRequestFailed)
}
