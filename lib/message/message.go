// Package message provides the data carrier exchanged between modules and the
// factory that creates, registers and answers messages.
package message

import (
	"slices"
	"sync"
)

// UUID identifies a single message instance inside one process.
type UUID uint64

// Type represents the delivery type of a message
type Type uint8

const (
	TypeUndefined    Type = 0 // Not addressed yet
	TypeAsync        Type = 1 // Fire-and-forget notification
	TypeSyncRequest  Type = 2 // Request, the sender waits for a response
	TypeSyncResponse Type = 3 // Response to a sync request
)

// String returns the string representation of Type
func (t Type) String() string {
	switch t {
	case TypeUndefined:
		return "Undefined"
	case TypeAsync:
		return "Async"
	case TypeSyncRequest:
		return "SyncRequest"
	case TypeSyncResponse:
		return "SyncResponse"
	default:
		return "Unknown"
	}
}

// Message is a mutable key/value carrier with identity, type, sender and receivers.
// It is safe for concurrent use.
type Message struct {
	mu sync.RWMutex

	id        string
	uuid      UUID
	typ       Type
	sender    string
	receivers []string

	values map[string]string
	lists  map[string][]string
}

// New creates an empty message with the given id and uuid.
// Most callers obtain messages from a Factory instead.
func New(id string, uuid UUID) *Message {
	return &Message{
		id:     id,
		uuid:   uuid,
		values: make(map[string]string),
		lists:  make(map[string][]string),
	}
}

// ID returns the message id that selects the handler.
func (m *Message) ID() string {
	return m.id
}

// UUID returns the process-unique instance id.
func (m *Message) UUID() UUID {
	return m.uuid
}

func (m *Message) Type() Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.typ
}

func (m *Message) SetType(t Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typ = t
}

// SenderID returns the id of the module that produced the message.
func (m *Message) SenderID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sender
}

func (m *Message) SetSenderID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = id
}

// Receivers returns a copy of the receiver list in insertion order.
func (m *Message) Receivers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.receivers)
}

// AddReceiver appends id to the receiver list unless it is already present.
func (m *Message) AddReceiver(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.Contains(m.receivers, id) {
		return
	}
	m.receivers = append(m.receivers, id)
}

// ClearReceivers empties the receiver list.
func (m *Message) ClearReceivers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receivers = nil
}

// HasValue reports whether key holds a value or a list.
func (m *Message) HasValue(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.values[key]; ok {
		return true
	}
	_, ok := m.lists[key]
	return ok
}

// Value returns the single value stored under key.
func (m *Message) Value(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// List returns a copy of the list stored under key.
func (m *Message) List(key string) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lists[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(l), true
}

// SetValue stores a single value, replacing any list under the same key.
func (m *Message) SetValue(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, key)
	m.values[key] = value
}

// SetList stores a list, replacing any single value under the same key.
func (m *Message) SetList(key string, list []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	if list == nil {
		list = []string{}
	}
	m.lists[key] = slices.Clone(list)
}

// Keys returns every payload key, values first then lists, each group sorted.
func (m *Message) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values)+len(m.lists))
	for k := range m.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	n := len(keys)
	for k := range m.lists {
		keys = append(keys, k)
	}
	slices.Sort(keys[n:])
	return keys
}

// Clone returns a deep copy with the same id and uuid.
func (m *Message) Clone() *Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := New(m.id, m.uuid)
	c.typ = m.typ
	c.sender = m.sender
	c.receivers = slices.Clone(m.receivers)
	for k, v := range m.values {
		c.values[k] = v
	}
	for k, l := range m.lists {
		c.lists[k] = slices.Clone(l)
	}
	return c
}

// WithUUID returns a deep copy carrying uuid instead of the original one.
func (m *Message) WithUUID(uuid UUID) *Message {
	c := m.Clone()
	c.uuid = uuid
	return c
}

// Status returns the status stored in a sync response and its error detail.
func (m *Message) Status() (ok bool, detail string) {
	status, _ := m.Value(KeyStatus)
	detail, _ = m.Value(KeyError)
	return status == StatusOK, detail
}
