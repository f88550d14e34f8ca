package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/multiplexer"
)

// StreamClient is a Transport over a framed byte stream. Calls are matched to
// replies by sequence number, so any number may be in flight.
type StreamClient struct {
	mux    multiplexer.Multiplexer
	closer io.Closer
	logger *zap.Logger

	requestID       atomic.Uint32
	pendingRequests map[uint32]chan *Header
	requestMutex    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	done   chan struct{}
}

var _ Transport = (*StreamClient)(nil)

// ClientOption configures a StreamClient.
type ClientOption func(*StreamClient)

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *StreamClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCloser makes Close also close c, for example the process behind the stream.
func WithCloser(closer io.Closer) ClientOption {
	return func(c *StreamClient) { c.closer = closer }
}

// NewStreamClient starts reading replies from r and sends calls on w.
func NewStreamClient(r io.Reader, w io.Writer, opts ...ClientOption) (*StreamClient, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &StreamClient{
		mux:             multiplexer.New(r, w),
		logger:          zap.NewNop(),
		pendingRequests: make(map[uint32]chan *Header),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("rpc.client")

	recv, err := c.mux.ReadMessage(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start reading replies: %w", err)
	}
	go c.handleReplies(recv)
	return c, nil
}

// Dial opens a channel with provider and returns a client on it.
func Dial(ctx context.Context, provider CommunicationProvider, target string, opts ...ClientOption) (*StreamClient, error) {
	r, w, err := provider.CreateChannel(ctx, target)
	if err != nil {
		return nil, errs.Wrapf(err, "rpc", "dial", "%s", target)
	}
	return NewStreamClient(r, w, append([]ClientOption{WithCloser(provider)}, opts...)...)
}

// generateRequestID returns a non-zero id no pending call uses.
func (c *StreamClient) generateRequestID() uint32 {
	const maxAttempts = 100

	for attempt := 0; attempt < maxAttempts; attempt++ {
		id := c.requestID.Add(1)
		if id == 0 {
			continue
		}

		c.requestMutex.RLock()
		_, exists := c.pendingRequests[id]
		c.requestMutex.RUnlock()

		if !exists {
			return id
		}
	}
	return c.requestID.Add(1)
}

// Call sends a request for object.method and waits for its reply.
func (c *StreamClient) Call(ctx context.Context, object, method string, payload []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, errs.Wrap(errs.ErrClosed, "rpc", "call")
	}

	request := Header{Object: object, Method: method, Kind: KindRequest, Payload: payload}
	data, err := request.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	requestID := c.generateRequestID()
	replyChan := make(chan *Header, 1)

	c.requestMutex.Lock()
	if c.closed.Load() {
		c.requestMutex.Unlock()
		return nil, errs.Wrap(errs.ErrClosed, "rpc", "call")
	}
	c.pendingRequests[requestID] = replyChan
	c.requestMutex.Unlock()

	defer func() {
		c.requestMutex.Lock()
		delete(c.pendingRequests, requestID)
		c.requestMutex.Unlock()
	}()

	if err := c.mux.WriteMessageWithSequence(ctx, requestID, data); err != nil {
		return nil, fmt.Errorf("failed to write request %s.%s: %w", object, method, err)
	}

	select {
	case reply, ok := <-replyChan:
		if !ok {
			return nil, errs.Wrapf(errs.ErrClosed, "rpc", "call", "stream ended before reply to %s.%s", object, method)
		}
		if reply.Kind == KindError {
			return nil, DecodeError(reply.Payload)
		}
		return reply.Payload, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errs.Wrapf(errs.ErrTimeout, "rpc", "call", "no reply to %s.%s", object, method)
		}
		return nil, ctx.Err()
	}
}

func (c *StreamClient) handleReplies(recv chan *multiplexer.Message) {
	defer close(c.done)
	defer func() {
		c.closed.Store(true)
		c.requestMutex.Lock()
		defer c.requestMutex.Unlock()
		for id, ch := range c.pendingRequests {
			close(ch)
			delete(c.pendingRequests, id)
		}
	}()

	for msg := range recv {
		if c.closed.Load() {
			continue
		}
		switch msg.Type {
		case multiplexer.MessageError:
			c.logger.Warn("stream error", zap.ByteString("detail", msg.Data))
			continue
		case multiplexer.MessageAborted:
			continue
		}

		var reply Header
		if err := reply.UnmarshalBinary(msg.Data); err != nil {
			c.logger.Warn("invalid reply", zap.Uint32("sequence", msg.Sequence), zap.Error(err))
			continue
		}
		if reply.Kind != KindResponse && reply.Kind != KindError {
			c.logger.Warn("unexpected frame from server", zap.Stringer("kind", reply.Kind))
			continue
		}

		c.requestMutex.RLock()
		ch, ok := c.pendingRequests[msg.Sequence]
		c.requestMutex.RUnlock()
		if !ok {
			c.logger.Debug("reply without caller", zap.Uint32("sequence", msg.Sequence))
			continue
		}
		select {
		case ch <- &reply:
		default:
		}
	}
}

// Close closes the stream and fails the calls in flight.
func (c *StreamClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	err := c.mux.Close()
	if c.closer != nil {
		if cerr := c.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
