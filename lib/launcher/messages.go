package launcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/rpc"
)

// MessageFactory answers for the messages registered in this process and asks
// the main server about the others.
type MessageFactory struct {
	base    *Base
	local   *message.LocalFactory
	remote  rpc.MessagesService
	timeout time.Duration
	logger  *zap.Logger
}

var _ message.Factory = (*MessageFactory)(nil)

func NewMessageFactory(base *Base, local *message.LocalFactory, remote rpc.MessagesService,
	logger *zap.Logger, timeout time.Duration,
) *MessageFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &MessageFactory{
		base:    base,
		local:   local,
		remote:  remote,
		timeout: timeout,
		logger:  logger.Named("launcher.messages"),
	}
}

func (f *MessageFactory) useRemote() bool {
	return f.remote != nil && f.base.Role() == RoleLauncher
}

// registersRemotely reports whether registrations of modID are mirrored to the
// main server. Infrastructure modules exist on both sides and keep their own.
func (f *MessageFactory) registersRemotely(modID string) bool {
	return f.useRemote() && !isInfrastructure(modID)
}

func (f *MessageFactory) GenerateUUID() message.UUID {
	return f.local.GenerateUUID()
}

// GetMessage builds id locally when a local module handles it. Otherwise the
// main server addresses the message, and it gets a uuid of this process.
func (f *MessageFactory) GetMessage(id string) (*message.Message, error) {
	if !f.useRemote() || f.local.HasMessage(id) {
		return f.local.GetMessage(id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	msg, err := f.remote.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	return msg.WithUUID(f.local.GenerateUUID()), nil
}

func (f *MessageFactory) GetResponse(request *message.Message) *message.Message {
	return f.local.GetResponse(request)
}

// RegisterMessage registers locally and then on the main server. A failed
// remote registration is rolled back locally.
func (f *MessageFactory) RegisterMessage(msgID, modID string, typ message.Type) error {
	if err := f.local.RegisterMessage(msgID, modID, typ); err != nil {
		return err
	}
	if !f.registersRemotely(modID) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.remote.RegisterMessage(ctx, msgID, modID, typ); err != nil {
		f.local.UnregisterMessage(msgID, modID)
		return err
	}
	return nil
}

func (f *MessageFactory) UnregisterMessage(msgID, modID string) {
	f.local.UnregisterMessage(msgID, modID)
	if !f.registersRemotely(modID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.remote.UnregisterMessage(ctx, msgID, modID); err != nil {
		f.logger.Warn("remote unregister failed",
			zap.String("message", msgID), zap.String("module", modID), zap.Error(err))
	}
}

// HasMessage reports local registrations only.
func (f *MessageFactory) HasMessage(id string) bool {
	return f.local.HasMessage(id)
}
