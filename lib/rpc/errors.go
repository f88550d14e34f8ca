package rpc

import (
	"errors"

	"github.com/snowmerak/mediaserver/lib/errs"
)

// Wire codes of the sentinels a remote side can report. Order matters: the
// first sentinel an error matches names it.
var errorCodes = []struct {
	code string
	err  error
}{
	{"already_registered", errs.ErrAlreadyRegistered},
	{"handler_not_found", errs.ErrHandlerNotFound},
	{"not_loaded", errs.ErrNotLoaded},
	{"not_found", errs.ErrNotFound},
	{"cycle_detected", errs.ErrCycleDetected},
	{"unsupported_mode", errs.ErrUnsupportedMode},
	{"invalid_message", errs.ErrInvalidMessage},
	{"timeout", errs.ErrTimeout},
	{"closed", errs.ErrClosed},
	{"request_failed", errs.ErrRequestFailed},
	{"remote_unavailable", errs.ErrRemoteUnavailable},
}

const codeUnspecified = "unspecified"

// CallError is an error reported by the remote side of a call.
type CallError struct {
	Code    string
	Message string
}

func (e *CallError) Error() string {
	return e.Message
}

// Unwrap returns the sentinel named by Code.
func (e *CallError) Unwrap() error {
	for _, c := range errorCodes {
		if c.code == e.Code {
			return c.err
		}
	}
	return errs.ErrUnspecified
}

func errorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return codeUnspecified
}

// EncodeError encodes err for an error reply.
func EncodeError(err error) []byte {
	data, encErr := EncodeArgs(map[string]any{
		"code":    errorCode(err),
		"message": err.Error(),
	})
	if encErr != nil {
		// only invalid UTF-8 in the message gets here
		data, _ = EncodeArgs(map[string]any{"code": errorCode(err), "message": "undecodable error"})
	}
	return data
}

// DecodeError rebuilds the error of an error reply.
func DecodeError(payload []byte) error {
	args, err := DecodeArgs(payload)
	if err != nil || !args.Has("code") {
		return &CallError{Code: codeUnspecified, Message: string(payload)}
	}
	return &CallError{Code: args.String("code"), Message: args.String("message")}
}
