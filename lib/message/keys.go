package message

// IDAll is the wildcard message id. A handler registered for it receives
// every message that has no dedicated handler.
const IDAll = "5a037874-d520-4ff8-9265-f7fc33450002"

// Payload keys shared by every sync response.
const (
	KeyStatus    = "status"
	StatusOK     = "ok"
	StatusFailed = "failed"
	KeyError     = "error"
)

// Payload keys of the CLI envelope.
const (
	KeyCLIMode      = "cli.mode"
	KeyCLIParams    = "cli.params"
	KeyCLIResult    = "cli.result"
	CLIModeProcess  = "process"
	CLIModeComplete = "complete"
)
