// Package multiplexer frames independent messages over one byte stream so that
// several calls can share a pipe or socket.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	// 1 byte frame type, 4 bytes sequence, 4 bytes data length
	FrameHeaderSize = 9

	FrameStart = uint8(0x01) // Opens a message
	FrameEnd   = uint8(0x02) // Closes a message
	FrameData  = uint8(0x03) // Carries a chunk of a message
	FrameAbort = uint8(0x06) // Drops a partially sent message
)

const (
	ChunkSize             = 1024
	DefaultMaxMessageSize = 10 * 1024 * 1024
)

// Message kinds delivered by ReadMessage.
const (
	MessageComplete = uint8(0x05)
	MessageAborted  = uint8(0x06)
	MessageError    = uint8(0x04)
)

// Message is one reassembled message, an aborted one, or a framing error.
type Message struct {
	Sequence uint32
	Data     []byte
	Type     uint8
}

// Node reads and writes framed messages on a reader/writer pair.
type Node struct {
	reader io.Reader
	writer io.Writer

	writeMu sync.Mutex

	partialMu sync.Mutex
	partial   map[uint32][]byte

	sequence       atomic.Uint32
	maxMessageSize int
}

var _ Multiplexer = (*Node)(nil)

// Option configures a Node.
type Option func(*Node)

// WithMaxMessageSize bounds the size of one reassembled message.
func WithMaxMessageSize(size int) Option {
	return func(n *Node) {
		if size > 0 {
			n.maxMessageSize = size
		}
	}
}

func NewNode(reader io.Reader, writer io.Writer, opts ...Option) *Node {
	n := &Node{
		reader:         reader,
		writer:         writer,
		partial:        make(map[uint32][]byte),
		maxMessageSize: DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ReadMessage starts reading frames and returns the channel of reassembled messages.
// The channel is closed at end of stream, on a read failure (after a MessageError
// carrying the cause) or when ctx is done.
func (n *Node) ReadMessage(ctx context.Context) (chan *Message, error) {
	if n.reader == nil {
		return nil, fmt.Errorf("reader is nil")
	}
	ch := make(chan *Message, 64)

	go func() {
		defer close(ch)
		emit := func(m *Message) bool {
			select {
			case ch <- m:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(format string, args ...any) bool {
			return emit(&Message{Type: MessageError, Data: []byte(fmt.Sprintf(format, args...))})
		}

		header := make([]byte, FrameHeaderSize)
		buffer := make([]byte, ChunkSize)
		for {
			if ctx.Err() != nil {
				return
			}
			if _, err := io.ReadFull(n.reader, header); err != nil {
				if !errors.Is(err, io.EOF) {
					fail("read header: %v", err)
				}
				return
			}

			frameType := header[0]
			seq := uint32(header[1])<<24 | uint32(header[2])<<16 | uint32(header[3])<<8 | uint32(header[4])
			length := uint32(header[5])<<24 | uint32(header[6])<<16 | uint32(header[7])<<8 | uint32(header[8])

			if int64(length) > int64(n.maxMessageSize) {
				fail("frame length %d exceeds maximum %d", length, n.maxMessageSize)
				return
			}

			switch frameType {
			case FrameStart:
				n.partialMu.Lock()
				_, exists := n.partial[seq]
				if !exists {
					n.partial[seq] = make([]byte, 0, min(int(length), ChunkSize))
				}
				n.partialMu.Unlock()
				if exists && !fail("sequence %d already open", seq) {
					return
				}

			case FrameData:
				if len(buffer) < int(length) {
					buffer = make([]byte, length)
				}
				if _, err := io.ReadFull(n.reader, buffer[:length]); err != nil {
					fail("read data: %v", err)
					return
				}

				n.partialMu.Lock()
				data, ok := n.partial[seq]
				tooLarge := ok && len(data)+int(length) > n.maxMessageSize
				switch {
				case tooLarge:
					delete(n.partial, seq)
				case ok:
					n.partial[seq] = append(data, buffer[:length]...)
				}
				n.partialMu.Unlock()

				if !ok && !fail("unknown sequence %d", seq) {
					return
				}
				if tooLarge && !fail("message %d exceeds maximum %d", seq, n.maxMessageSize) {
					return
				}

			case FrameEnd, FrameAbort:
				n.partialMu.Lock()
				data, ok := n.partial[seq]
				delete(n.partial, seq)
				n.partialMu.Unlock()

				if !ok {
					if !fail("unknown sequence %d", seq) {
						return
					}
					continue
				}
				typ := MessageComplete
				if frameType == FrameAbort {
					typ = MessageAborted
				}
				if !emit(&Message{Sequence: seq, Data: data, Type: typ}) {
					return
				}

			default:
				fail("unknown frame type: %d", frameType)
				return
			}
		}
	}()

	return ch, nil
}

func (n *Node) write(frameType uint8, seq uint32, data []byte) error {
	if n.writer == nil {
		return fmt.Errorf("writer is nil")
	}
	if uint64(len(data)) > 0xFFFFFFFF {
		return fmt.Errorf("data length exceeds maximum size")
	}

	header := make([]byte, FrameHeaderSize, FrameHeaderSize+len(data))
	header[0] = frameType
	header[1] = byte(seq >> 24)
	header[2] = byte(seq >> 16)
	header[3] = byte(seq >> 8)
	header[4] = byte(seq)
	header[5] = byte(len(data) >> 24)
	header[6] = byte(len(data) >> 16)
	header[7] = byte(len(data) >> 8)
	header[8] = byte(len(data))

	// one Write per frame keeps frames of concurrent writers apart
	if _, err := n.writer.Write(append(header, data...)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// WriteMessageWithSequence writes data as message seq. When ctx ends between
// chunks the message is aborted and ctx.Err() is returned.
func (n *Node) WriteMessageWithSequence(ctx context.Context, seq uint32, data []byte) error {
	if len(data) > n.maxMessageSize {
		return fmt.Errorf("message length %d exceeds maximum %d", len(data), n.maxMessageSize)
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	abort := func() error {
		if err := n.write(FrameAbort, seq, nil); err != nil {
			return fmt.Errorf("failed to write abort: %w", err)
		}
		return ctx.Err()
	}

	if err := n.write(FrameStart, seq, nil); err != nil {
		return err
	}
	for len(data) > 0 {
		if ctx.Err() != nil {
			return abort()
		}
		size := min(len(data), ChunkSize)
		if err := n.write(FrameData, seq, data[:size]); err != nil {
			return err
		}
		data = data[size:]
	}
	if ctx.Err() != nil {
		return abort()
	}
	return n.write(FrameEnd, seq, nil)
}

// WriteMessage writes data with the next free sequence number.
func (n *Node) WriteMessage(ctx context.Context, data []byte) error {
	return n.WriteMessageWithSequence(ctx, n.sequence.Add(1), data)
}

// PendingMessages returns the number of partially received messages.
func (n *Node) PendingMessages() int {
	n.partialMu.Lock()
	defer n.partialMu.Unlock()
	return len(n.partial)
}

// Close drops partially received messages and closes the reader and writer
// when they are closers.
func (n *Node) Close() error {
	n.partialMu.Lock()
	clear(n.partial)
	n.partialMu.Unlock()

	var errs []error
	if c, ok := n.writer.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := n.reader.(io.Closer); ok && any(n.reader) != any(n.writer) {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
