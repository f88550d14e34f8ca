package module

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/snowmerak/mediaserver/lib/cli"
	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/message"
)

type mockRegistry struct {
	mu      sync.Mutex
	modules map[string]Module
	deps    [][2]string
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{modules: make(map[string]Module)}
}

func (r *mockRegistry) add(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.ID()] = m
}

func (r *mockRegistry) GetModule(id string) (Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[id]
	if !ok {
		return nil, errs.ErrNotLoaded
	}
	return m, nil
}

func (r *mockRegistry) AddDependency(child, parent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps = append(r.deps, [2]string{child, parent})
	return nil
}

func (r *mockRegistry) SendMessage(_ context.Context, msg *message.Message) error {
	for _, id := range msg.Receivers() {
		m, err := r.GetModule(id)
		if err != nil {
			return err
		}
		if err := m.AddMessage(msg); err != nil {
			return err
		}
	}
	return nil
}

func newEnv(t *testing.T, reg *mockRegistry) Env {
	return Env{
		Messages: message.NewFactory(zaptest.NewLogger(t)),
		Modules:  reg,
		Logger:   zaptest.NewLogger(t),
	}
}

func startModule(t *testing.T, m Module) {
	t.Helper()
	require.NoError(t, m.RegisterProcessors())
	require.NoError(t, m.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.WaitStart(ctx))
	t.Cleanup(m.Close)
}

func TestSyncRoundTrip(t *testing.T) {
	reg := newMockRegistry()
	env := newEnv(t, reg)

	server := NewBase("m1", "server", KindModule, env)
	require.NoError(t, server.RegisterSync("ping", func(_ context.Context, in, out *message.Message) error {
		v, _ := in.Value("n")
		out.SetValue("pong", v)
		return nil
	}))
	require.NoError(t, server.RegisterSync("fail", func(context.Context, *message.Message, *message.Message) error {
		return errors.New("no tuner")
	}))
	client := NewBase("client", "client", KindApplication, env)
	reg.add(server)
	reg.add(client)
	startModule(t, server)
	startModule(t, client)

	req, err := env.Messages.GetMessage("ping")
	require.NoError(t, err)
	req.SetValue("n", "42")

	resp, err := client.SendSyncMessage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.UUID(), resp.UUID())
	assert.Equal(t, "m1", resp.SenderID())
	v, _ := resp.Value("pong")
	assert.Equal(t, "42", v)

	bad, err := env.Messages.GetMessage("fail")
	require.NoError(t, err)
	resp, err = client.SendSyncMessage(context.Background(), bad)
	assert.ErrorIs(t, err, errs.ErrRequestFailed)
	assert.True(t, IsRequestFailure(err))
	require.NotNil(t, resp)
	assert.Contains(t, err.Error(), "no tuner")
}

func TestSendSyncValidation(t *testing.T) {
	reg := newMockRegistry()
	env := newEnv(t, reg)
	client := NewBase("client", "client", KindApplication, env)

	msg := message.New("ping", 1)
	_, err := client.SendSyncMessage(context.Background(), msg)
	assert.ErrorIs(t, err, errs.ErrInvalidMessage)

	msg.AddReceiver("a")
	msg.AddReceiver("b")
	_, err = client.SendSyncMessage(context.Background(), msg)
	assert.ErrorIs(t, err, errs.ErrInvalidMessage)
}

func TestSendSyncTimeout(t *testing.T) {
	reg := newMockRegistry()
	env := newEnv(t, reg)
	env.SyncTimeout = 50 * time.Millisecond

	// silent has no handler for the request, so no response comes back
	silent := NewBase("silent", "silent", KindModule, env)
	client := NewBase("client", "client", KindApplication, env)
	reg.add(silent)
	reg.add(client)
	startModule(t, silent)
	startModule(t, client)

	msg, err := env.Messages.GetMessage("ping")
	require.NoError(t, err)
	msg.AddReceiver("silent")
	_, err = client.SendSyncMessage(context.Background(), msg)
	assert.ErrorIs(t, err, errs.ErrTimeout)
}

func TestStrayResponseDropped(t *testing.T) {
	reg := newMockRegistry()
	m := NewBase("m", "m", KindModule, newEnv(t, reg))

	resp := message.New("ping", 99)
	resp.SetType(message.TypeSyncResponse)
	assert.NoError(t, m.AddMessage(resp))
	assert.Equal(t, 0, m.queue.len())
}

func TestStartupCheckpoints(t *testing.T) {
	reg := newMockRegistry()
	m := NewBase("m", "m", KindModule, newEnv(t, reg))
	m.RegisterStartupCheckpoint()
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.WaitStart(ctx)
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Contains(t, err.Error(), "1 startup checkpoints left")
	assert.False(t, m.IsStarted())

	m.PassStartupCheckpoint()
	require.NoError(t, m.WaitStart(context.Background()))
	assert.True(t, m.IsStarted())

	assert.Error(t, m.Start(context.Background()), "second start")
}

func TestQueueOrder(t *testing.T) {
	reg := newMockRegistry()
	env := newEnv(t, reg)
	m := NewBase("m", "m", KindModule, env)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	require.NoError(t, m.RegisterAsync("event", func(_ context.Context, msg *message.Message) error {
		v, _ := msg.Value("n")
		mu.Lock()
		got = append(got, v)
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
		return nil
	}))

	for i := 0; i < 100; i++ {
		msg, err := env.Messages.GetMessage("event")
		require.NoError(t, err)
		msg.SetValue("n", string(rune('0'+i%10))+string(rune('0'+i/10)))
		require.NoError(t, m.AddMessage(msg))
	}
	startModule(t, m)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages were not processed")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, string(rune('0'+i%10))+string(rune('0'+i/10)), v)
	}
}

func TestAsyncErrorDoesNotStopLoop(t *testing.T) {
	reg := newMockRegistry()
	env := newEnv(t, reg)
	m := NewBase("m", "m", KindModule, env)

	processed := make(chan string, 2)
	require.NoError(t, m.RegisterAsync("bad", func(context.Context, *message.Message) error {
		panic("broken")
	}))
	require.NoError(t, m.RegisterAsync("good", func(_ context.Context, msg *message.Message) error {
		processed <- msg.ID()
		return nil
	}))
	startModule(t, m)

	for _, id := range []string{"bad", "good"} {
		msg, err := env.Messages.GetMessage(id)
		require.NoError(t, err)
		require.NoError(t, m.AddMessage(msg))
	}

	select {
	case id := <-processed:
		assert.Equal(t, "good", id)
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after a failing handler")
	}
}

func TestRegisterCLIAddsAdapterDependency(t *testing.T) {
	reg := newMockRegistry()
	m := NewBase("m", "m", KindModule, newEnv(t, reg))
	cmd := &cli.Func{BaseCommand: cli.BaseCommand{CommandName: "show", ID: "show-id"}}

	require.NoError(t, m.RegisterCLI(cmd))
	assert.Equal(t, [][2]string{{"m", AdapterID}}, reg.deps)
	assert.Len(t, m.CLIInfo(), 1)
}

func TestCloseRejectsMessages(t *testing.T) {
	reg := newMockRegistry()
	env := newEnv(t, reg)
	m := NewBase("m", "m", KindModule, env)
	require.NoError(t, m.RegisterAsync("event", func(context.Context, *message.Message) error { return nil }))
	startModule(t, m)

	m.Close()
	m.Close()
	assert.False(t, m.IsStarted())
	assert.False(t, env.Messages.HasMessage("event"))
	assert.ErrorIs(t, m.AddMessage(message.New("event", 1)), errs.ErrClosed)
}

// stalledForwarder takes every sync request and never answers.
type stalledForwarder struct {
	*mockRegistry
}

func (stalledForwarder) ForwardSync(ctx context.Context, _ *message.Message) (*message.Message, bool, error) {
	<-ctx.Done()
	return nil, true, ctx.Err()
}

func TestForwardedSyncTimeout(t *testing.T) {
	reg := newMockRegistry()
	env := newEnv(t, reg)
	env.Modules = stalledForwarder{reg}
	env.SyncTimeout = 50 * time.Millisecond

	client := NewBase("client", "client", KindApplication, env)
	reg.add(client)
	startModule(t, client)

	msg := message.New("remote.ping", 1)
	msg.AddReceiver("remote")
	start := time.Now()
	_, err := client.SendSyncMessage(context.Background(), msg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
