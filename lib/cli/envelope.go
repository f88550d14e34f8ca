package cli

import (
	"strings"

	"github.com/snowmerak/mediaserver/lib/message"
)

// Mode selects what a CLI request asks the command to do.
type Mode uint8

const (
	ModeUnknown Mode = iota
	ModeProcess
	ModeCompletion
)

func (m Mode) String() string {
	switch m {
	case ModeProcess:
		return "process"
	case ModeCompletion:
		return "completion"
	default:
		return "unknown"
	}
}

// SetProcessParams marks msg as a process request with params.
func SetProcessParams(msg *message.Message, params []string) {
	msg.SetList(message.KeyCLIParams, params)
	msg.SetValue(message.KeyCLIMode, message.CLIModeProcess)
}

// SetCompletionRequest marks msg as a completion request for the already set params.
func SetCompletionRequest(msg *message.Message, set []string) {
	msg.SetList(message.KeyCLIParams, set)
	msg.SetValue(message.KeyCLIMode, message.CLIModeComplete)
}

// CommandMode returns the mode carried by msg.
func CommandMode(msg *message.Message) Mode {
	v, _ := msg.Value(message.KeyCLIMode)
	switch v {
	case message.CLIModeProcess:
		return ModeProcess
	case message.CLIModeComplete:
		return ModeCompletion
	default:
		return ModeUnknown
	}
}

// Params returns the parameter list of a CLI request. A missing list is empty.
func Params(msg *message.Message) []string {
	params, _ := msg.List(message.KeyCLIParams)
	return params
}

// SetCompletionResponse stores completion candidates in a response.
func SetCompletionResponse(resp *message.Message, candidates []string) {
	resp.SetList(message.KeyCLIParams, candidates)
}

// CompletionResponse returns the candidates stored by SetCompletionResponse.
func CompletionResponse(resp *message.Message) []string {
	return Params(resp)
}

// SetResult stores the command result text in a response.
func SetResult(resp *message.Message, text string) {
	resp.SetValue(message.KeyCLIResult, text)
}

// Result returns the command result text of a response.
func Result(resp *message.Message) string {
	v, _ := resp.Value(message.KeyCLIResult)
	return v
}

// Split breaks a command line into parameters on whitespace.
func Split(line string) []string {
	return strings.Fields(line)
}
