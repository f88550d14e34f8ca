package message

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/snowmerak/mediaserver/lib/errs"
)

// Factory creates messages and keeps track of which module handles which message id.
type Factory interface {
	// GenerateUUID returns a uuid unique within this process.
	GenerateUUID() UUID
	// GetMessage returns a new message with a fresh uuid.
	GetMessage(id string) (*Message, error)
	// GetResponse builds the response container for a sync request.
	GetResponse(request *Message) *Message
	// RegisterMessage records that modID handles msgID with the given delivery type.
	RegisterMessage(msgID, modID string, typ Type) error
	// UnregisterMessage removes a registration. It never fails.
	UnregisterMessage(msgID, modID string)
	// HasMessage reports whether any module handles id.
	HasMessage(id string) bool
}

// LocalFactory is the in-process Factory.
type LocalFactory struct {
	uuid atomic.Uint64

	mu    sync.Mutex
	sync  map[string]string
	async map[string][]string

	logger *zap.Logger
}

var _ Factory = (*LocalFactory)(nil)

// NewFactory creates an empty LocalFactory. A nil logger disables logging.
func NewFactory(logger *zap.Logger) *LocalFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalFactory{
		sync:   make(map[string]string),
		async:  make(map[string][]string),
		logger: logger.Named("msgfactory"),
	}
}

// GenerateUUID returns the next message uuid. The first value is 1.
func (f *LocalFactory) GenerateUUID() UUID {
	return UUID(f.uuid.Add(1))
}

// GetMessage creates a message for id. Registration is not required; when the id
// is registered the message comes pre-addressed to its handlers.
func (f *LocalFactory) GetMessage(id string) (*Message, error) {
	msg := New(id, f.GenerateUUID())

	f.mu.Lock()
	defer f.mu.Unlock()

	if owners, ok := f.async[id]; ok && len(owners) > 0 {
		msg.typ = TypeAsync
		msg.receivers = slices.Clone(owners)
		return msg, nil
	}
	if owner, ok := f.sync[id]; ok {
		msg.typ = TypeSyncRequest
		msg.receivers = []string{owner}
	}
	return msg, nil
}

// GetResponse builds the response for request. The response keeps the request uuid,
// is sent by the request's receiver and addressed back to the request's sender.
func (f *LocalFactory) GetResponse(request *Message) *Message {
	return NewResponse(request)
}

// NewResponse builds a sync response for request without a factory.
func NewResponse(request *Message) *Message {
	resp := New(request.ID(), request.UUID())
	resp.typ = TypeSyncResponse
	if receivers := request.Receivers(); len(receivers) > 0 {
		resp.sender = receivers[0]
	}
	if sender := request.SenderID(); sender != "" {
		resp.receivers = []string{sender}
	}
	return resp
}

// RegisterMessage records ownership of msgID.
// A sync id has exactly one owner; an async id may have many distinct owners.
func (f *LocalFactory) RegisterMessage(msgID, modID string, typ Type) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch typ {
	case TypeSyncRequest:
		if prev, exists := f.sync[msgID]; exists {
			return errs.Wrapf(errs.ErrAlreadyRegistered, "msgfactory", "register",
				"sync message %q (module %q, previous module %q)", msgID, modID, prev)
		}
		f.sync[msgID] = modID
	case TypeAsync:
		if slices.Contains(f.async[msgID], modID) {
			return errs.Wrapf(errs.ErrAlreadyRegistered, "msgfactory", "register",
				"async message %q for module %q", msgID, modID)
		}
		f.async[msgID] = append(f.async[msgID], modID)
	default:
		return errs.Wrap(fmt.Errorf("%w: message type %s", errs.ErrUnsupportedMode, typ), "msgfactory", "register")
	}

	f.logger.Debug("message registered",
		zap.String("message", msgID), zap.String("module", modID), zap.Stringer("type", typ))
	return nil
}

// UnregisterMessage removes the registration of msgID by modID.
// Removing an absent registration only logs.
func (f *LocalFactory) UnregisterMessage(msgID, modID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if owner, ok := f.sync[msgID]; ok && owner == modID {
		delete(f.sync, msgID)
		return
	}

	owners := f.async[msgID]
	if i := slices.Index(owners, modID); i >= 0 {
		owners = slices.Delete(owners, i, i+1)
		if len(owners) == 0 {
			delete(f.async, msgID)
		} else {
			f.async[msgID] = owners
		}
		return
	}

	f.logger.Debug("message is already unregistered",
		zap.String("message", msgID), zap.String("module", modID))
}

// HasMessage reports whether a sync or async registration exists for id.
func (f *LocalFactory) HasMessage(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sync[id]; ok {
		return true
	}
	return len(f.async[id]) > 0
}

// Owners returns the modules registered for id and the delivery type.
func (f *LocalFactory) Owners(id string) ([]string, Type) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if owner, ok := f.sync[id]; ok {
		return []string{owner}, TypeSyncRequest
	}
	if owners := f.async[id]; len(owners) > 0 {
		return slices.Clone(owners), TypeAsync
	}
	return nil, TypeUndefined
}
