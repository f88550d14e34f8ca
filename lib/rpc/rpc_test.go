package rpc

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/metrics"
	"github.com/snowmerak/mediaserver/lib/resources"
)

// pipeTransport connects a StreamClient to a StreamServer over two io.Pipes.
func pipeTransport(t *testing.T, mux *Mux) *StreamClient {
	t.Helper()
	serverR, clientW := io.Pipe()
	clientR, serverW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	server := NewStreamServer(mux, WithServerLogger(zaptest.NewLogger(t)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.ServeStream(ctx, serverR, serverW)
	}()

	client, err := NewStreamClient(clientR, clientW, WithClientLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		cancel()
		serverR.Close()
		serverW.Close()
		<-done
	})
	return client
}

func TestMuxDispatch(t *testing.T) {
	mux := NewMux()
	mux.Handle("dev", "state", func(_ context.Context, payload []byte) ([]byte, error) {
		return append([]byte("state of "), payload...), nil
	})

	out, err := mux.Call(context.Background(), "dev", "state", []byte("dvb0"))
	require.NoError(t, err)
	assert.Equal(t, "state of dvb0", string(out))

	_, err = mux.Call(context.Background(), "dev", "tune", nil)
	assert.ErrorIs(t, err, errs.ErrHandlerNotFound)

	pong, err := mux.Call(context.Background(), "dev", MethodPing, nil)
	require.NoError(t, err)
	args, err := DecodeArgs(pong)
	require.NoError(t, err)
	assert.Equal(t, mux.Instance(), args.String("instance"))

	_, err = mux.Call(context.Background(), "modules", MethodPing, nil)
	assert.ErrorIs(t, err, errs.ErrHandlerNotFound, "objects without handlers do not answer ping")

	assert.Panics(t, func() {
		mux.Handle("dev", "state", func(context.Context, []byte) ([]byte, error) { return nil, nil })
	})
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "not loaded", err: errs.Wrap(errs.ErrNotLoaded, "modfactory", "get"), want: errs.ErrNotLoaded},
		{name: "cycle", err: errs.ErrCycleDetected, want: errs.ErrCycleDetected},
		{name: "plain", err: errors.New("disk full"), want: errs.ErrUnspecified},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := DecodeError(EncodeError(tt.err))
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.err.Error(), err.Error())
		})
	}

	assert.ErrorIs(t, DecodeError([]byte{0xFF, 0xFF}), errs.ErrUnspecified)
}

func TestStreamCall(t *testing.T) {
	mux := NewMux()
	mux.Handle("echo", "say", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	mux.Handle("echo", "fail", func(context.Context, []byte) ([]byte, error) {
		return nil, errs.Wrap(errs.ErrNotFound, "echo", "fail")
	})
	mux.Handle("echo", "panic", func(context.Context, []byte) ([]byte, error) {
		panic("boom")
	})
	client := pipeTransport(t, mux)
	ctx := context.Background()

	out, err := client.Call(ctx, "echo", "say", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(out))

	_, err = client.Call(ctx, "echo", "fail", nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = client.Call(ctx, "echo", "panic", nil)
	assert.ErrorContains(t, err, "panicked")

	_, err = client.Call(ctx, "echo", "missing", nil)
	assert.ErrorIs(t, err, errs.ErrHandlerNotFound)
}

func TestStreamConcurrentCalls(t *testing.T) {
	mux := NewMux()
	mux.Handle("echo", "slow", func(_ context.Context, payload []byte) ([]byte, error) {
		if payload[0]%2 == 0 {
			time.Sleep(10 * time.Millisecond)
		}
		return payload, nil
	})
	client := pipeTransport(t, mux)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n byte) {
			defer wg.Done()
			out, err := client.Call(context.Background(), "echo", "slow", []byte{n})
			if assert.NoError(t, err) {
				assert.Equal(t, []byte{n}, out, "reply matched to its call")
			}
		}(byte(i))
	}
	wg.Wait()
}

func TestStreamClientClose(t *testing.T) {
	block := make(chan struct{})
	mux := NewMux()
	mux.Handle("echo", "hang", func(ctx context.Context, _ []byte) ([]byte, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	})
	client := pipeTransport(t, mux)
	defer close(block)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "echo", "hang", nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errs.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("call not failed by Close")
	}

	_, err := client.Call(context.Background(), "echo", "hang", nil)
	assert.ErrorIs(t, err, errs.ErrClosed)
}

func TestUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediaserver.sock")
	mux := NewMux()
	mux.Handle("echo", "say", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	l, err := ListenUnix(path)
	require.NoError(t, err)
	server := NewStreamServer(mux, WithServerLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, l) }()

	client, err := Dial(ctx, NewUnixSocketProvider(), path)
	require.NoError(t, err)
	out, err := client.Call(ctx, "echo", "say", []byte("over socket"))
	require.NoError(t, err)
	assert.Equal(t, "over socket", string(out))

	require.NoError(t, client.Close())
	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

type fakeMessages struct {
	mu        sync.Mutex
	async     []*message.Message
	registers []string
}

func (f *fakeMessages) SendSync(_ context.Context, msg *message.Message) (*message.Message, error) {
	resp := message.NewResponse(msg)
	resp.SetValue(message.KeyStatus, message.StatusOK)
	resp.SetValue("echo", msg.ID())
	return resp, nil
}

func (f *fakeMessages) SendAsync(_ context.Context, msg *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.async = append(f.async, msg)
	return nil
}

func (f *fakeMessages) GetMessage(_ context.Context, id string) (*message.Message, error) {
	if id == "unknown" {
		return nil, errs.ErrNotFound
	}
	msg := message.New(id, 7)
	msg.SetType(message.TypeSyncRequest)
	msg.AddReceiver("owner")
	return msg, nil
}

func (f *fakeMessages) RegisterMessage(_ context.Context, msgID, modID string, typ message.Type) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers = append(f.registers, msgID+"/"+modID+"/"+typ.String())
	return nil
}

func (f *fakeMessages) UnregisterMessage(context.Context, string, string) error { return nil }

type fakeModules struct{ loaded map[string]bool }

func (f *fakeModules) Load(_ context.Context, id string) error {
	if id == "ghost" {
		return errs.ErrNotFound
	}
	f.loaded[id] = true
	return nil
}

func (f *fakeModules) Unload(_ context.Context, id string) error {
	delete(f.loaded, id)
	return nil
}

func (f *fakeModules) IsLoaded(_ context.Context, id string) (bool, error) {
	return f.loaded[id], nil
}

func TestProtocols(t *testing.T) {
	msgs := &fakeMessages{}
	mods := &fakeModules{loaded: map[string]bool{}}
	res := resources.NewRegistry(nil)
	require.NoError(t, res.Add(resources.Dev{Name: "dvb0", Type: "dvb", State: "idle", Params: map[string]string{"freq": "474000"}}))

	mux := NewMux()
	ServeMessages(mux, msgs)
	ServeModules(mux, mods)
	ServeResources(mux, res)

	client := pipeTransport(t, mux)
	m := metrics.New()
	ctx := context.Background()

	messages := NewMessagesProtocol(client, m)
	modules := NewModulesProtocol(client, m)
	remote := RemoteResources{NewResourcesProtocol(client, m), NewDevProtocol(client, m)}

	t.Run("ping", func(t *testing.T) {
		for _, p := range []interface {
			Ping(context.Context) (string, error)
		}{messages, modules, remote.ResourcesProtocol, remote.DevProtocol} {
			instance, err := p.Ping(ctx)
			require.NoError(t, err)
			assert.Equal(t, mux.Instance(), instance)
		}
	})

	t.Run("messages", func(t *testing.T) {
		req := message.New("tune", 3)
		req.SetType(message.TypeSyncRequest)
		req.SetSenderID("app")
		req.AddReceiver("dvb")
		resp, err := messages.SendSync(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, message.UUID(3), resp.UUID())
		assert.Equal(t, []string{"app"}, resp.Receivers())
		v, _ := resp.Value("echo")
		assert.Equal(t, "tune", v)

		event := message.New("channel.changed", 4)
		event.AddReceiver("a")
		event.AddReceiver("b")
		require.NoError(t, messages.SendAsync(ctx, event))
		require.Len(t, msgs.async, 1)
		assert.Equal(t, []string{"a", "b"}, msgs.async[0].Receivers())

		got, err := messages.GetMessage(ctx, "scan")
		require.NoError(t, err)
		assert.Equal(t, message.TypeSyncRequest, got.Type())
		assert.Equal(t, []string{"owner"}, got.Receivers())

		_, err = messages.GetMessage(ctx, "unknown")
		assert.ErrorIs(t, err, errs.ErrNotFound)
		re, ok := errs.IsRemote(err)
		require.True(t, ok)
		assert.Equal(t, ObjectMessages, re.Object)
		assert.Equal(t, MethodGetMessage, re.Method)

		require.NoError(t, messages.RegisterMessage(ctx, "scan", "app", message.TypeSyncRequest))
		assert.Equal(t, []string{"scan/app/" + message.TypeSyncRequest.String()}, msgs.registers)
		assert.ErrorIs(t, messages.RegisterMessage(ctx, "scan", "app", message.TypeSyncResponse), errs.ErrUnsupportedMode)
		assert.NoError(t, messages.UnregisterMessage(ctx, "scan", "app"))
	})

	t.Run("modules", func(t *testing.T) {
		require.NoError(t, modules.Load(ctx, "dvb"))
		loaded, err := modules.IsLoaded(ctx, "dvb")
		require.NoError(t, err)
		assert.True(t, loaded)

		err = modules.Load(ctx, "ghost")
		assert.ErrorIs(t, err, errs.ErrNotFound)
		assert.ErrorIs(t, err, errs.ErrRemoteUnavailable)

		require.NoError(t, modules.Unload(ctx, "dvb"))
		loaded, err = modules.IsLoaded(ctx, "dvb")
		require.NoError(t, err)
		assert.False(t, loaded)
	})

	t.Run("resources", func(t *testing.T) {
		ok, err := remote.HasDev(ctx, "dvb0")
		require.NoError(t, err)
		assert.True(t, ok)

		dev, err := remote.DevByName(ctx, "dvb0")
		require.NoError(t, err)
		assert.Equal(t, resources.Dev{Name: "dvb0", Type: "dvb", State: "idle", Params: map[string]string{"freq": "474000"}}, dev)

		devs, err := remote.DevsByType(ctx, "dvb")
		require.NoError(t, err)
		assert.Len(t, devs, 1)

		_, err = remote.DevByName(ctx, "none")
		assert.ErrorIs(t, err, errs.ErrNotFound)

		require.NoError(t, remote.SetState(ctx, "dvb0", "streaming"))
		state, err := remote.State(ctx, "dvb0")
		require.NoError(t, err)
		assert.Equal(t, "streaming", state)

		require.NoError(t, remote.SetParam(ctx, "dvb0", "pid", "256"))
		v, found, err := remote.Param(ctx, "dvb0", "pid")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "256", v)
	})
}

func TestStreamCallDeadline(t *testing.T) {
	mux := NewMux()
	mux.Handle("dev", "state", func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := pipeTransport(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, "dev", "state", nil)
	assert.ErrorIs(t, err, errs.ErrTimeout)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = client.Call(ctx, "dev", "state", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
