package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Kind tells requests from their replies on a stream.
type Kind uint8

const (
	KindRequest  Kind = 0x01 // Call, expects a reply with the same sequence
	KindResponse Kind = 0x02 // Successful reply
	KindError    Kind = 0x03 // Failed reply, payload is an encoded error
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	case KindError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Header is the envelope of one call or reply on a framed stream.
type Header struct {
	Object  string
	Method  string
	Kind    Kind
	Payload []byte
}

func writeString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int64(n) > int64(r.Len()) {
		return "", io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// MarshalBinary encodes the header into binary format.
func (h *Header) MarshalBinary() ([]byte, error) {
	var buffer bytes.Buffer

	if err := writeString(&buffer, h.Object); err != nil {
		return nil, fmt.Errorf("failed to write object: %w", err)
	}
	if err := writeString(&buffer, h.Method); err != nil {
		return nil, fmt.Errorf("failed to write method: %w", err)
	}
	if err := buffer.WriteByte(byte(h.Kind)); err != nil {
		return nil, fmt.Errorf("failed to write kind: %w", err)
	}
	if err := binary.Write(&buffer, binary.BigEndian, uint32(len(h.Payload))); err != nil {
		return nil, fmt.Errorf("failed to write payload length: %w", err)
	}
	if _, err := buffer.Write(h.Payload); err != nil {
		return nil, fmt.Errorf("failed to write payload: %w", err)
	}

	return buffer.Bytes(), nil
}

// UnmarshalBinary decodes the header from binary format.
func (h *Header) UnmarshalBinary(data []byte) error {
	buffer := bytes.NewReader(data)

	object, err := readString(buffer)
	if err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}
	method, err := readString(buffer)
	if err != nil {
		return fmt.Errorf("failed to read method: %w", err)
	}
	kind, err := buffer.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read kind: %w", err)
	}

	var payloadLen uint32
	if err := binary.Read(buffer, binary.BigEndian, &payloadLen); err != nil {
		return fmt.Errorf("failed to read payload length: %w", err)
	}
	if int64(payloadLen) > int64(buffer.Len()) {
		return fmt.Errorf("failed to read payload: %w", io.ErrUnexpectedEOF)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(buffer, payload); err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	h.Object = object
	h.Method = method
	h.Kind = Kind(kind)
	h.Payload = payload
	return nil
}
