package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snowmerak/mediaserver/lib/multiplexer"
)

// DefaultCallTimeout bounds one handler invocation on the server side.
const DefaultCallTimeout = 30 * time.Second

// StreamServer answers calls arriving on framed byte streams with a Mux.
type StreamServer struct {
	mux         *Mux
	logger      *zap.Logger
	callTimeout time.Duration

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// ServerOption configures a StreamServer.
type ServerOption func(*StreamServer)

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *StreamServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithCallTimeout(d time.Duration) ServerOption {
	return func(s *StreamServer) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

func NewStreamServer(mux *Mux, opts ...ServerOption) *StreamServer {
	s := &StreamServer{
		mux:         mux,
		logger:      zap.NewNop(),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("rpc.server")
	return s
}

// ServeStream answers calls read from r on w until the stream ends or ctx is done.
// Each call runs in its own goroutine; replies carry the sequence of their request.
func (s *StreamServer) ServeStream(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	node := multiplexer.New(r, w)
	recv, err := node.ReadMessage(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}

	var calls sync.WaitGroup
	defer calls.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-recv:
			if !ok {
				return nil
			}
			switch msg.Type {
			case multiplexer.MessageError:
				s.logger.Warn("stream error", zap.ByteString("detail", msg.Data))
				continue
			case multiplexer.MessageAborted:
				continue
			}

			var request Header
			if err := request.UnmarshalBinary(msg.Data); err != nil {
				s.logger.Warn("invalid request", zap.Uint32("sequence", msg.Sequence), zap.Error(err))
				continue
			}
			if request.Kind != KindRequest {
				s.logger.Warn("unexpected frame from client", zap.Stringer("kind", request.Kind))
				continue
			}

			calls.Add(1)
			go func(seq uint32, request Header) {
				defer calls.Done()
				s.answer(ctx, node, seq, request)
			}(msg.Sequence, request)
		}
	}
}

func (s *StreamServer) answer(ctx context.Context, node multiplexer.Multiplexer, seq uint32, request Header) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	reply := Header{Object: request.Object, Method: request.Method, Kind: KindResponse}
	payload, err := s.dispatch(callCtx, request)
	if err != nil {
		s.logger.Debug("call failed",
			zap.String("object", request.Object), zap.String("method", request.Method), zap.Error(err))
		reply.Kind = KindError
		payload = EncodeError(err)
	}
	reply.Payload = payload

	data, err := reply.MarshalBinary()
	if err != nil {
		s.logger.Error("failed to encode reply", zap.Error(err))
		return
	}
	if err := node.WriteMessageWithSequence(ctx, seq, data); err != nil {
		s.logger.Warn("failed to write reply", zap.Uint32("sequence", seq), zap.Error(err))
	}
}

func (s *StreamServer) dispatch(ctx context.Context, request Header) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s.%s panicked: %v", request.Object, request.Method, r)
		}
	}()
	return s.mux.Dispatch(ctx, request.Object, request.Method, request.Payload)
}

// ListenUnix listens on a unix socket at path, replacing a stale socket file.
func ListenUnix(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return l, nil
}

// Serve accepts connections on l and serves each until ctx is done or l is closed.
func (s *StreamServer) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.logger.Debug("connection accepted", zap.String("remote", conn.RemoteAddr().String()))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			closeConn := context.AfterFunc(connCtx, func() { conn.Close() })
			defer closeConn()

			if err := s.ServeStream(connCtx, conn, conn); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("connection ended", zap.Error(err))
			}
			conn.Close()
		}()
	}
}

// Close stops every listener passed to Serve.
func (s *StreamServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for _, l := range s.listeners {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}
	}
	s.listeners = nil
	return err
}
