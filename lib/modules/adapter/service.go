package adapter

import (
	"context"

	"go.uber.org/zap"

	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/modfactory"
	"github.com/snowmerak/mediaserver/lib/module"
	"github.com/snowmerak/mediaserver/lib/resources"
	"github.com/snowmerak/mediaserver/lib/rpc"
)

// Service serves the messages and modules objects to remote launchers.
// Sync requests from a launcher enter the message core with the adapter as
// sender and a uuid of this process; the response goes back with the uuid
// the launcher chose.
type Service struct {
	modules  modfactory.ModuleFactory
	messages message.Factory
	logger   *zap.Logger
}

var (
	_ rpc.MessagesService = (*Service)(nil)
	_ rpc.ModulesService  = (*Service)(nil)
)

func NewService(modules modfactory.ModuleFactory, messages message.Factory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{modules: modules, messages: messages, logger: logger.Named("adapter.service")}
}

// Register serves the four remote objects on mux.
func (s *Service) Register(mux *rpc.Mux, res resources.Resources) {
	rpc.ServeMessages(mux, s)
	rpc.ServeModules(mux, s)
	rpc.ServeResources(mux, res)
}

func (s *Service) adapter(ctx context.Context) (*Module, error) {
	if err := s.modules.Load(ctx, module.AdapterID); err != nil {
		return nil, err
	}
	return modfactory.Lookup[*Module](s.modules, module.AdapterID)
}

func (s *Service) SendSync(ctx context.Context, msg *message.Message) (*message.Message, error) {
	a, err := s.adapter(ctx)
	if err != nil {
		return nil, err
	}
	caller := msg.SenderID()

	req := msg.WithUUID(s.messages.GenerateUUID())
	resp, err := a.SendSyncMessage(ctx, req)
	if err != nil && !module.IsRequestFailure(err) {
		return nil, err
	}

	out := resp.WithUUID(msg.UUID())
	out.ClearReceivers()
	if caller != "" {
		out.AddReceiver(caller)
	}
	s.logger.Debug("remote sync request served",
		zap.String("message", msg.ID()), zap.String("caller", caller), zap.String("receiver", resp.SenderID()))
	return out, nil
}

func (s *Service) SendAsync(ctx context.Context, msg *message.Message) error {
	if msg.Type() == message.TypeUndefined {
		msg.SetType(message.TypeAsync)
	}
	if msg.Type() != message.TypeAsync {
		return errs.Wrapf(errs.ErrInvalidMessage, "adapter", "send async", "message %q is %s", msg.ID(), msg.Type())
	}
	return s.modules.SendMessage(ctx, msg)
}

func (s *Service) GetMessage(_ context.Context, id string) (*message.Message, error) {
	return s.messages.GetMessage(id)
}

func (s *Service) RegisterMessage(_ context.Context, msgID, modID string, typ message.Type) error {
	return s.messages.RegisterMessage(msgID, modID, typ)
}

func (s *Service) UnregisterMessage(_ context.Context, msgID, modID string) error {
	s.messages.UnregisterMessage(msgID, modID)
	return nil
}

func (s *Service) Load(ctx context.Context, id string) error {
	return s.modules.Load(ctx, id)
}

func (s *Service) Unload(ctx context.Context, id string) error {
	return s.modules.Unload(ctx, id)
}

func (s *Service) IsLoaded(_ context.Context, id string) (bool, error) {
	return s.modules.IsLoaded(id), nil
}
