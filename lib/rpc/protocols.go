package rpc

import (
	"context"
	"fmt"

	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/metrics"
	"github.com/snowmerak/mediaserver/lib/resources"
)

// MessagesService is served by the messages object.
type MessagesService interface {
	// SendSync delivers a sync request and returns its response, failed status included.
	SendSync(ctx context.Context, msg *message.Message) (*message.Message, error)
	SendAsync(ctx context.Context, msg *message.Message) error
	GetMessage(ctx context.Context, id string) (*message.Message, error)
	RegisterMessage(ctx context.Context, msgID, modID string, typ message.Type) error
	UnregisterMessage(ctx context.Context, msgID, modID string) error
}

// ModulesService is served by the modules object.
type ModulesService interface {
	Load(ctx context.Context, id string) error
	Unload(ctx context.Context, id string) error
	IsLoaded(ctx context.Context, id string) (bool, error)
}

// object is the client side of one remote object.
type object struct {
	transport Transport
	name      string
	metrics   *metrics.Metrics
}

func (o object) call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	out, err := o.transport.Call(ctx, o.name, method, payload)
	o.metrics.RemoteCall(o.name, method, err)
	if err != nil {
		return nil, errs.Remote(o.name, method, err)
	}
	return out, nil
}

func (o object) callArgs(ctx context.Context, method string, args map[string]any) (Args, error) {
	payload, err := EncodeArgs(args)
	if err != nil {
		return Args{}, errs.Remote(o.name, method, err)
	}
	out, err := o.call(ctx, method, payload)
	if err != nil {
		return Args{}, err
	}
	reply, err := DecodeArgs(out)
	if err != nil {
		return Args{}, errs.Remote(o.name, method, err)
	}
	return reply, nil
}

// Ping checks that the object answers and returns the instance id of its server.
func (o object) Ping(ctx context.Context) (string, error) {
	reply, err := o.callArgs(ctx, MethodPing, nil)
	if err != nil {
		return "", err
	}
	return reply.String("instance"), nil
}

// Object returns the remote object name.
func (o object) Object() string { return o.name }

// MessagesProtocol is the client of the remote messages object.
type MessagesProtocol struct{ object }

var _ MessagesService = (*MessagesProtocol)(nil)

func NewMessagesProtocol(t Transport, m *metrics.Metrics) *MessagesProtocol {
	return &MessagesProtocol{object{transport: t, name: ObjectMessages, metrics: m}}
}

func (p *MessagesProtocol) sendMessage(ctx context.Context, method string, msg *message.Message) ([]byte, error) {
	payload, err := message.Marshal(msg)
	if err != nil {
		return nil, errs.Remote(p.name, method, err)
	}
	return p.call(ctx, method, payload)
}

func (p *MessagesProtocol) SendSync(ctx context.Context, msg *message.Message) (*message.Message, error) {
	out, err := p.sendMessage(ctx, MethodSendSync, msg)
	if err != nil {
		return nil, err
	}
	resp, err := message.Unmarshal(out)
	if err != nil {
		return nil, errs.Remote(p.name, MethodSendSync, err)
	}
	return resp, nil
}

// SendAsync sends msg once; the remote side delivers it to every receiver.
func (p *MessagesProtocol) SendAsync(ctx context.Context, msg *message.Message) error {
	_, err := p.sendMessage(ctx, MethodSendAsync, msg)
	return err
}

func (p *MessagesProtocol) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	payload, err := EncodeArgs(map[string]any{"id": id})
	if err != nil {
		return nil, errs.Remote(p.name, MethodGetMessage, err)
	}
	out, err := p.call(ctx, MethodGetMessage, payload)
	if err != nil {
		return nil, err
	}
	msg, err := message.Unmarshal(out)
	if err != nil {
		return nil, errs.Remote(p.name, MethodGetMessage, err)
	}
	return msg, nil
}

func (p *MessagesProtocol) RegisterMessage(ctx context.Context, msgID, modID string, typ message.Type) error {
	_, err := p.callArgs(ctx, MethodRegisterMessage, map[string]any{
		"id": msgID, "owner": modID, "type": float64(typ),
	})
	return err
}

func (p *MessagesProtocol) UnregisterMessage(ctx context.Context, msgID, modID string) error {
	_, err := p.callArgs(ctx, MethodUnregisterMessage, map[string]any{"id": msgID, "owner": modID})
	return err
}

// ModulesProtocol is the client of the remote modules object.
type ModulesProtocol struct{ object }

var _ ModulesService = (*ModulesProtocol)(nil)

func NewModulesProtocol(t Transport, m *metrics.Metrics) *ModulesProtocol {
	return &ModulesProtocol{object{transport: t, name: ObjectModules, metrics: m}}
}

func (p *ModulesProtocol) Load(ctx context.Context, id string) error {
	_, err := p.callArgs(ctx, MethodLoad, map[string]any{"id": id})
	return err
}

func (p *ModulesProtocol) Unload(ctx context.Context, id string) error {
	_, err := p.callArgs(ctx, MethodUnload, map[string]any{"id": id})
	return err
}

func (p *ModulesProtocol) IsLoaded(ctx context.Context, id string) (bool, error) {
	reply, err := p.callArgs(ctx, MethodIsLoaded, map[string]any{"id": id})
	if err != nil {
		return false, err
	}
	return reply.Bool("loaded"), nil
}

// ResourcesProtocol is the client of the remote resources object.
type ResourcesProtocol struct{ object }

func NewResourcesProtocol(t Transport, m *metrics.Metrics) *ResourcesProtocol {
	return &ResourcesProtocol{object{transport: t, name: ObjectResources, metrics: m}}
}

func (p *ResourcesProtocol) HasDev(ctx context.Context, name string) (bool, error) {
	reply, err := p.callArgs(ctx, MethodHasDev, map[string]any{"name": name})
	if err != nil {
		return false, err
	}
	return reply.Bool("found"), nil
}

func (p *ResourcesProtocol) DevByName(ctx context.Context, name string) (resources.Dev, error) {
	reply, err := p.callArgs(ctx, MethodDevByName, map[string]any{"name": name})
	if err != nil {
		return resources.Dev{}, err
	}
	return devFromArgs(reply.Object("dev")), nil
}

func (p *ResourcesProtocol) DevsByType(ctx context.Context, typ string) ([]resources.Dev, error) {
	reply, err := p.callArgs(ctx, MethodDevsByType, map[string]any{"type": typ})
	if err != nil {
		return nil, err
	}
	var devs []resources.Dev
	for _, d := range reply.Objects("devs") {
		devs = append(devs, devFromArgs(d))
	}
	return devs, nil
}

// DevProtocol is the client of the remote dev object.
type DevProtocol struct{ object }

func NewDevProtocol(t Transport, m *metrics.Metrics) *DevProtocol {
	return &DevProtocol{object{transport: t, name: ObjectDev, metrics: m}}
}

func (p *DevProtocol) State(ctx context.Context, name string) (string, error) {
	reply, err := p.callArgs(ctx, MethodState, map[string]any{"name": name})
	if err != nil {
		return "", err
	}
	return reply.String("state"), nil
}

func (p *DevProtocol) SetState(ctx context.Context, name, state string) error {
	_, err := p.callArgs(ctx, MethodSetState, map[string]any{"name": name, "state": state})
	return err
}

func (p *DevProtocol) Param(ctx context.Context, name, key string) (string, bool, error) {
	reply, err := p.callArgs(ctx, MethodParam, map[string]any{"name": name, "key": key})
	if err != nil {
		return "", false, err
	}
	return reply.String("value"), reply.Bool("found"), nil
}

func (p *DevProtocol) SetParam(ctx context.Context, name, key, value string) error {
	_, err := p.callArgs(ctx, MethodSetParam, map[string]any{"name": name, "key": key, "value": value})
	return err
}

// RemoteResources joins the resources and dev objects into resources.Resources.
type RemoteResources struct {
	*ResourcesProtocol
	*DevProtocol
}

var _ resources.Resources = RemoteResources{}

func devToArgs(d resources.Dev) map[string]any {
	params := make(map[string]any, len(d.Params))
	for k, v := range d.Params {
		params[k] = v
	}
	return map[string]any{"name": d.Name, "type": d.Type, "state": d.State, "params": params}
}

func devFromArgs(a Args) resources.Dev {
	return resources.Dev{
		Name:   a.String("name"),
		Type:   a.String("type"),
		State:  a.String("state"),
		Params: a.StringMap("params"),
	}
}

func messageType(n float64) (message.Type, error) {
	typ := message.Type(n)
	if typ != message.TypeAsync && typ != message.TypeSyncRequest {
		return 0, fmt.Errorf("%w: message type %d", errs.ErrUnsupportedMode, typ)
	}
	return typ, nil
}
