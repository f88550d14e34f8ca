// Package natsrpc carries rpc calls over NATS request/reply. A call on
// object.method is a request on subject <prefix>.<object>.<method>.
package natsrpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/rpc"
)

const (
	DefaultPrefix  = "mediaserver.rpc"
	DefaultTimeout = 10 * time.Second

	// headerError marks a reply whose data is an encoded error
	headerError = "Rpc-Error"
)

// Config holds the connection settings.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Connect opens a NATS connection that logs disconnects and reconnects.
func Connect(cfg Config, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("connection closed")
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrRemoteUnavailable, "natsrpc", "connect", "%s: %v", cfg.URL, err)
	}
	return conn, nil
}

func subject(prefix, object, method string) string {
	return prefix + "." + object + "." + method
}

// Client is an rpc.Transport over a NATS connection.
type Client struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
	owned   bool
}

var _ rpc.Transport = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout bounds calls whose context has no deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) ClientOption {
	return func(c *Client) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// OwnConnection makes Close also close the connection.
func OwnConnection() ClientOption {
	return func(c *Client) { c.owned = true }
}

func NewClient(conn *nats.Conn, opts ...ClientOption) *Client {
	c := &Client{conn: conn, prefix: DefaultPrefix, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call implements rpc.Transport.
func (c *Client) Call(ctx context.Context, object, method string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	request := nats.NewMsg(subject(c.prefix, object, method))
	request.Data = payload

	reply, err := c.conn.RequestMsgWithContext(ctx, request)
	switch {
	case err == nil:
	case errors.Is(err, nats.ErrNoResponders):
		return nil, errs.Wrapf(errs.ErrRemoteUnavailable, "natsrpc", "call", "no server for %s.%s", object, method)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return nil, errs.Wrapf(errs.ErrTimeout, "natsrpc", "call", "%s.%s", object, method)
	case errors.Is(err, nats.ErrConnectionClosed):
		return nil, errs.Wrapf(errs.ErrClosed, "natsrpc", "call", "%s.%s", object, method)
	default:
		return nil, fmt.Errorf("request %s.%s: %w", object, method, err)
	}

	if reply.Header.Get(headerError) != "" {
		return nil, rpc.DecodeError(reply.Data)
	}
	return reply.Data, nil
}

func (c *Client) Close() error {
	if c.owned {
		c.conn.Close()
	}
	return nil
}

// Server answers NATS requests with an rpc.Mux.
type Server struct {
	conn        *nats.Conn
	prefix      string
	mux         *rpc.Mux
	logger      *zap.Logger
	callTimeout time.Duration

	mu   sync.Mutex
	sub  *nats.Subscription
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithServerPrefix(prefix string) ServerOption {
	return func(s *Server) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithCallTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

func NewServer(conn *nats.Conn, mux *rpc.Mux, opts ...ServerOption) *Server {
	s := &Server{
		conn:        conn,
		prefix:      DefaultPrefix,
		mux:         mux,
		logger:      zap.NewNop(),
		callTimeout: rpc.DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("natsrpc")
	return s
}

// Start subscribes to every subject under the prefix.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errs.Wrap(errs.ErrAlreadyRegistered, "natsrpc", "start")
	}

	s.ctx, s.stop = context.WithCancel(ctx)
	sub, err := s.conn.Subscribe(s.prefix+".>", s.handle)
	if err != nil {
		s.stop()
		return fmt.Errorf("subscribe %s.>: %w", s.prefix, err)
	}
	s.sub = sub
	s.logger.Info("serving rpc", zap.String("prefix", s.prefix))
	return nil
}

func (s *Server) handle(msg *nats.Msg) {
	object, method, ok := strings.Cut(strings.TrimPrefix(msg.Subject, s.prefix+"."), ".")
	if !ok || msg.Reply == "" {
		s.logger.Debug("ignoring message", zap.String("subject", msg.Subject))
		return
	}

	// handlers may call back into the server, so they must not hold the subscription
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.callTimeout)
		defer cancel()

		reply := nats.NewMsg(msg.Reply)
		payload, err := s.dispatch(ctx, object, method, msg.Data)
		if err != nil {
			reply.Header.Set(headerError, "1")
			payload = rpc.EncodeError(err)
		}
		reply.Data = payload
		if err := msg.RespondMsg(reply); err != nil {
			s.logger.Warn("failed to respond", zap.String("subject", msg.Subject), zap.Error(err))
		}
	}()
}

func (s *Server) dispatch(ctx context.Context, object, method string, payload []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s.%s panicked: %v", object, method, r)
		}
	}()
	return s.mux.Dispatch(ctx, object, method, payload)
}

// Close unsubscribes and waits for the calls in flight.
func (s *Server) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Unsubscribe()
	s.stop()
	s.wg.Wait()
	return err
}
