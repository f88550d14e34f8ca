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

	"github.com/snowmerak/mediaserver/lib/process"
)

// CommunicationProvider opens the byte stream a StreamClient runs on.
type CommunicationProvider interface {
	// CreateChannel creates a communication channel and returns reader/writer
	CreateChannel(ctx context.Context, target string) (io.Reader, io.Writer, error)
	// Close cleans up any resources
	Close() error
}

// StdioProvider talks over the stdin/stdout of this process. A launcher spawned
// by the server with ServeProcess uses it.
type StdioProvider struct{}

func (StdioProvider) CreateChannel(context.Context, string) (io.Reader, io.Writer, error) {
	return os.Stdin, os.Stdout, nil
}

func (StdioProvider) Close() error { return nil }

// CustomProvider allows using custom io.Reader/Writer
type CustomProvider struct {
	Reader io.Reader
	Writer io.Writer
}

func (c *CustomProvider) CreateChannel(context.Context, string) (io.Reader, io.Writer, error) {
	if c.Reader == nil || c.Writer == nil {
		return nil, nil, fmt.Errorf("custom provider needs both reader and writer")
	}
	return c.Reader, c.Writer, nil
}

// Close closes the reader and writer when they are closers.
func (c *CustomProvider) Close() error {
	var errs []error
	if cl, ok := c.Writer.(io.Closer); ok {
		errs = append(errs, cl.Close())
	}
	if cl, ok := c.Reader.(io.Closer); ok {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

// UnixSocketProvider dials the unix socket of a server. The target passed to
// CreateChannel is the socket path.
type UnixSocketProvider struct {
	// WaitTimeout bounds the wait for the socket file to appear.
	WaitTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

func NewUnixSocketProvider() *UnixSocketProvider {
	return &UnixSocketProvider{WaitTimeout: 5 * time.Second}
}

func (u *UnixSocketProvider) CreateChannel(ctx context.Context, target string) (io.Reader, io.Writer, error) {
	deadline := time.Now().Add(u.WaitTimeout)
	for {
		if _, err := os.Stat(target); err == nil || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", target)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Unix socket: %w", err)
	}

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	return conn, conn, nil
}

func (u *UnixSocketProvider) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ServeProcess starts the program at path and answers its calls over the
// child's stdin/stdout until the child exits or ctx is done.
func (s *StreamServer) ServeProcess(ctx context.Context, path string, args ...string) error {
	p, err := process.Fork(ctx, path, args...)
	if err != nil {
		return err
	}
	defer p.Close()

	s.logger.Info("launcher process started", zap.String("path", path), zap.Int("pid", p.Pid()))
	serveErr := s.ServeStream(ctx, p, p)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	return serveErr
}
