package multiplexer

import (
	"context"
	"io"
)

// Multiplexer provides a unified interface for message multiplexing
type Multiplexer interface {
	// WriteMessage sends a message with automatic sequence numbering
	WriteMessage(ctx context.Context, data []byte) error

	// WriteMessageWithSequence sends a message with a specific sequence number
	WriteMessageWithSequence(ctx context.Context, seq uint32, data []byte) error

	// ReadMessage reads messages and returns a channel
	ReadMessage(ctx context.Context) (chan *Message, error)

	// Close cleanly shuts down the multiplexer
	Close() error

	// PendingMessages returns the number of partially received messages
	PendingMessages() int
}

// New creates a multiplexer over a reader/writer pair.
func New(reader io.Reader, writer io.Writer, opts ...Option) Multiplexer {
	return NewNode(reader, writer, opts...)
}

// NewConn creates a multiplexer over one bidirectional stream.
func NewConn(conn io.ReadWriter, opts ...Option) Multiplexer {
	return NewNode(conn, conn, opts...)
}
