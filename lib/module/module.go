// Package module defines the contract every loadable module satisfies and the
// Base implementation modules embed to get a message queue, a processor and
// the sync request/response round trip.
package module

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/snowmerak/mediaserver/lib/cli"
	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/metrics"
)

// Ids of the infrastructure modules that always run in the main process.
const (
	AdapterID     = "adapter"
	MessageCoreID = "msgcore"
	DatabaseID    = "database"
)

const (
	DefaultSyncTimeout  = 30 * time.Second
	DefaultStartTimeout = 60 * time.Second
)

// Kind classifies modules.
type Kind string

const (
	KindModule      Kind = "module"
	KindApplication Kind = "application"
)

// Module is a loadable unit with its own message queue.
type Module interface {
	ID() string
	Name() string
	Kind() Kind

	// AddMessage queues msg for processing. Sync responses are handed to the
	// waiting SendSyncMessage call instead.
	AddMessage(msg *message.Message) error
	// SendSyncMessage sends in and blocks until its response arrives.
	SendSyncMessage(ctx context.Context, in *message.Message) (*message.Message, error)
	CLIInfo() []cli.Command

	// RegisterProcessors registers the module handlers. Errors abort the load.
	RegisterProcessors() error
	Start(ctx context.Context) error
	Stop()
	Close()
	// WaitStart blocks until every startup checkpoint has passed or ctx is done.
	WaitStart(ctx context.Context) error
	IsStarted() bool
}

// Registry is the part of the module factory a module talks to.
type Registry interface {
	GetModule(id string) (Module, error)
	AddDependency(child, parent string) error
	SendMessage(ctx context.Context, msg *message.Message) error
}

// Forwarder is implemented by registries that can serve a sync request out of process.
// handled is false when the receiver is local and the request must go through the queues.
// A failed forward may still return a response carrying the failed status.
type Forwarder interface {
	ForwardSync(ctx context.Context, in *message.Message) (resp *message.Message, handled bool, err error)
}

// Env carries the collaborators handed to every module constructor.
type Env struct {
	Messages    message.Factory
	Modules     Registry
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	SyncTimeout time.Duration
}

func (e Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
