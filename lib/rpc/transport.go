// Package rpc carries calls between the main media server process and its
// satellite launchers. A call names a remote object and a method; payloads are
// opaque bytes, usually protobuf encoded messages or argument structs.
package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/snowmerak/mediaserver/lib/errs"
)

// Remote objects and their methods.
const (
	ObjectMessages  = "messages"
	ObjectModules   = "modules"
	ObjectResources = "resources"
	ObjectDev       = "dev"

	MethodPing = "ping"

	MethodSendSync          = "sendSync"
	MethodSendAsync         = "sendAsync"
	MethodGetMessage        = "getMessage"
	MethodRegisterMessage   = "registerMessage"
	MethodUnregisterMessage = "unregisterMessage"

	MethodLoad     = "load"
	MethodUnload   = "unload"
	MethodIsLoaded = "isLoaded"

	MethodHasDev     = "hasDev"
	MethodDevByName  = "devByName"
	MethodDevsByType = "devsByType"

	MethodState    = "state"
	MethodSetState = "setState"
	MethodParam    = "param"
	MethodSetParam = "setParam"
)

// Objects lists every object a server exposes.
var Objects = []string{ObjectMessages, ObjectModules, ObjectResources, ObjectDev}

// Transport performs calls on remote objects.
type Transport interface {
	Call(ctx context.Context, object, method string, payload []byte) ([]byte, error)
	Close() error
}

// Handler serves one method of one object.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// NewInstanceID returns a time ordered id naming one server or launcher instance.
func NewInstanceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Mux routes calls to handlers by object and method. Every object with at least
// one handler also answers ping.
//
// A Mux is itself a Transport that dispatches in process.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	instance string
}

var _ Transport = (*Mux)(nil)

func NewMux() *Mux {
	return &Mux{
		handlers: make(map[string]Handler),
		instance: NewInstanceID(),
	}
}

func route(object, method string) string {
	return object + "." + method
}

// Instance returns the id reported by ping.
func (m *Mux) Instance() string {
	return m.instance
}

// Handle registers h for object.method. It panics when the route is taken.
func (m *Mux) Handle(object, method string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := route(object, method)
	if _, exists := m.handlers[key]; exists {
		panic(fmt.Sprintf("rpc: handler for %s already registered", key))
	}
	m.handlers[key] = h

	if ping := route(object, MethodPing); method != MethodPing {
		if _, exists := m.handlers[ping]; !exists {
			m.handlers[ping] = m.ping
		}
	}
}

func (m *Mux) ping(context.Context, []byte) ([]byte, error) {
	return EncodeArgs(map[string]any{"instance": m.instance})
}

// Dispatch runs the handler of object.method.
func (m *Mux) Dispatch(ctx context.Context, object, method string, payload []byte) ([]byte, error) {
	m.mu.RLock()
	h, ok := m.handlers[route(object, method)]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.Wrapf(errs.ErrHandlerNotFound, "rpc", "dispatch", "%s.%s", object, method)
	}
	return h(ctx, payload)
}

// Call implements Transport.
func (m *Mux) Call(ctx context.Context, object, method string, payload []byte) ([]byte, error) {
	return m.Dispatch(ctx, object, method, payload)
}

func (m *Mux) Close() error { return nil }
