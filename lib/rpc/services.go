package rpc

import (
	"context"

	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/resources"
)

// ArgsHandler serves a method whose request and reply are argument structs.
func ArgsHandler(fn func(ctx context.Context, args Args) (map[string]any, error)) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		args, err := DecodeArgs(payload)
		if err != nil {
			return nil, err
		}
		reply, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return EncodeArgs(reply)
	}
}

// ServeMessages registers the messages object methods of svc on mux.
func ServeMessages(mux *Mux, svc MessagesService) {
	mux.Handle(ObjectMessages, MethodSendSync, func(ctx context.Context, payload []byte) ([]byte, error) {
		msg, err := message.Unmarshal(payload)
		if err != nil {
			return nil, err
		}
		resp, err := svc.SendSync(ctx, msg)
		if err != nil {
			return nil, err
		}
		return message.Marshal(resp)
	})
	mux.Handle(ObjectMessages, MethodSendAsync, func(ctx context.Context, payload []byte) ([]byte, error) {
		msg, err := message.Unmarshal(payload)
		if err != nil {
			return nil, err
		}
		return nil, svc.SendAsync(ctx, msg)
	})
	mux.Handle(ObjectMessages, MethodGetMessage, func(ctx context.Context, payload []byte) ([]byte, error) {
		args, err := DecodeArgs(payload)
		if err != nil {
			return nil, err
		}
		msg, err := svc.GetMessage(ctx, args.String("id"))
		if err != nil {
			return nil, err
		}
		return message.Marshal(msg)
	})
	mux.Handle(ObjectMessages, MethodRegisterMessage, ArgsHandler(func(ctx context.Context, args Args) (map[string]any, error) {
		typ, err := messageType(args.Number("type"))
		if err != nil {
			return nil, err
		}
		return nil, svc.RegisterMessage(ctx, args.String("id"), args.String("owner"), typ)
	}))
	mux.Handle(ObjectMessages, MethodUnregisterMessage, ArgsHandler(func(ctx context.Context, args Args) (map[string]any, error) {
		return nil, svc.UnregisterMessage(ctx, args.String("id"), args.String("owner"))
	}))
}

// ServeModules registers the modules object methods of svc on mux.
func ServeModules(mux *Mux, svc ModulesService) {
	mux.Handle(ObjectModules, MethodLoad, ArgsHandler(func(ctx context.Context, args Args) (map[string]any, error) {
		return nil, svc.Load(ctx, args.String("id"))
	}))
	mux.Handle(ObjectModules, MethodUnload, ArgsHandler(func(ctx context.Context, args Args) (map[string]any, error) {
		return nil, svc.Unload(ctx, args.String("id"))
	}))
	mux.Handle(ObjectModules, MethodIsLoaded, ArgsHandler(func(ctx context.Context, args Args) (map[string]any, error) {
		loaded, err := svc.IsLoaded(ctx, args.String("id"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"loaded": loaded}, nil
	}))
}

// ServeResources registers the resources and dev objects backed by res on mux.
func ServeResources(mux *Mux, res resources.Resources) {
	mux.Handle(ObjectResources, MethodHasDev, ArgsHandler(func(ctx context.Context, args Args) (map[string]any, error) {
		found, err := res.HasDev(ctx, args.String("name"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"found": found}, nil
	}))
	mux.Handle(ObjectResources, MethodDevByName, ArgsHandler(func(ctx context.Context, args Args) (map[string]any, error) {
		dev, err := res.DevByName(ctx, args.String("name"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"dev": devToArgs(dev)}, nil
	}))
	mux.Handle(ObjectResources, MethodDevsByType, ArgsHandler(func(ctx context.Context, args Args) (map[string]any, error) {
		devs, err := res.DevsByType(ctx, args.String("type"))
		if err != nil {
			return nil, err
		}
		list := make([]any, 0, len(devs))
		for _, d := range devs {
			list = append(list, devToArgs(d))
		}
		return map[string]any{"devs": list}, nil
	}))

	mux.Handle(ObjectDev, MethodState, ArgsHandler(func(ctx context.Context, args Args) (map[string]any, error) {
		state, err := res.State(ctx, args.String("name"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"state": state}, nil
	}))
	mux.Handle(ObjectDev, MethodSetState, ArgsHandler(func(ctx context.Context, args Args) (map[string]any, error) {
		return nil, res.SetState(ctx, args.String("name"), args.String("state"))
	}))
	mux.Handle(ObjectDev, MethodParam, ArgsHandler(func(ctx context.Context, args Args) (map[string]any, error) {
		value, found, err := res.Param(ctx, args.String("name"), args.String("key"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": value, "found": found}, nil
	}))
	mux.Handle(ObjectDev, MethodSetParam, ArgsHandler(func(ctx context.Context, args Args) (map[string]any, error) {
		return nil, res.SetParam(ctx, args.String("name"), args.String("key"), args.String("value"))
	}))
}
