package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/snowmerak/mediaserver/lib/cli"
	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/message"
	"github.com/snowmerak/mediaserver/lib/modfactory"
	"github.com/snowmerak/mediaserver/lib/module"
	"github.com/snowmerak/mediaserver/lib/modules/adapter"
)

type echoModule struct {
	*module.Base
	notes chan string
}

func (m *echoModule) RegisterProcessors() error {
	if err := m.RegisterSync("echo.hi", func(_ context.Context, in, out *message.Message) error {
		v, _ := in.Value("name")
		out.SetValue("greeting", "hi "+v)
		return nil
	}); err != nil {
		return err
	}
	if err := m.RegisterSync("echo.fail", func(context.Context, *message.Message, *message.Message) error {
		return errors.New("tuner busy")
	}); err != nil {
		return err
	}
	return m.RegisterAsync("echo.note", func(_ context.Context, msg *message.Message) error {
		v, _ := msg.Value("text")
		m.notes <- v
		return nil
	})
}

func setup(t *testing.T) (*adapter.Service, *message.LocalFactory, *echoModule) {
	t.Helper()
	var f *modfactory.Factory
	messages := message.NewFactory(zaptest.NewLogger(t))
	echo := &echoModule{notes: make(chan string, 1)}

	f = modfactory.New(
		modfactory.NewLibrary(
			adapter.Entry(func() []module.Module { return f.Loaded() }),
			modfactory.Entry{ID: "echo", New: func(env module.Env) (module.Module, error) {
				echo.Base = module.NewBase("echo", "Echo", module.KindModule, env)
				return echo, nil
			}},
		),
		messages,
		modfactory.WithLogger(zaptest.NewLogger(t)),
		modfactory.WithSyncTimeout(2*time.Second),
	)
	t.Cleanup(func() { assert.NoError(t, f.UnloadAll(context.Background())) })
	require.NoError(t, f.Load(context.Background(), "echo"))

	return adapter.NewService(f, messages, zaptest.NewLogger(t)), messages, echo
}

func TestServiceSendSync(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	req := message.New("echo.hi", 1<<40)
	req.SetType(message.TypeSyncRequest)
	req.SetSenderID("remote-app")
	req.AddReceiver("echo")
	req.SetValue("name", "dvb")

	resp, err := svc.SendSync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, message.UUID(1<<40), resp.UUID(), "the caller's uuid comes back")
	assert.Equal(t, []string{"remote-app"}, resp.Receivers())
	assert.Equal(t, "echo", resp.SenderID())
	v, _ := resp.Value("greeting")
	assert.Equal(t, "hi dvb", v)
	ok, _ := resp.Status()
	assert.True(t, ok)

	fail := message.New("echo.fail", 7)
	fail.SetType(message.TypeSyncRequest)
	fail.SetSenderID("remote-app")
	fail.AddReceiver("echo")

	resp, err = svc.SendSync(ctx, fail)
	require.NoError(t, err, "a failed status travels in the response")
	ok, detail := resp.Status()
	assert.False(t, ok)
	assert.Contains(t, detail, "tuner busy")
	assert.Equal(t, message.UUID(7), resp.UUID())

	bad := message.New("echo.hi", 8)
	_, err = svc.SendSync(ctx, bad)
	assert.ErrorIs(t, err, errs.ErrInvalidMessage)
}

func TestServiceSendAsync(t *testing.T) {
	svc, messages, echo := setup(t)
	ctx := context.Background()

	msg, err := svc.GetMessage(ctx, "echo.note")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, msg.Receivers())
	msg.SetValue("text", "scan done")
	require.NoError(t, svc.SendAsync(ctx, msg))

	select {
	case v := <-echo.notes:
		assert.Equal(t, "scan done", v)
	case <-time.After(2 * time.Second):
		t.Fatal("async message not delivered")
	}

	sync, err := messages.GetMessage("echo.hi")
	require.NoError(t, err)
	assert.ErrorIs(t, svc.SendAsync(ctx, sync), errs.ErrInvalidMessage)
}

func TestServiceRegistry(t *testing.T) {
	svc, messages, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, svc.RegisterMessage(ctx, "remote.event", "remote-app", message.TypeAsync))
	assert.True(t, messages.HasMessage("remote.event"))
	assert.ErrorIs(t, svc.RegisterMessage(ctx, "echo.hi", "remote-app", message.TypeSyncRequest),
		errs.ErrAlreadyRegistered)
	require.NoError(t, svc.UnregisterMessage(ctx, "remote.event", "remote-app"))
	assert.False(t, messages.HasMessage("remote.event"))

	loaded, err := svc.IsLoaded(ctx, "echo")
	require.NoError(t, err)
	assert.True(t, loaded)

	require.NoError(t, svc.Unload(ctx, "echo"))
	loaded, _ = svc.IsLoaded(ctx, "echo")
	assert.False(t, loaded)
	require.NoError(t, svc.Load(ctx, "echo"))
	assert.ErrorIs(t, svc.Load(ctx, "nope"), errs.ErrNotFound)
}

func TestStandaloneCommands(t *testing.T) {
	var f *modfactory.Factory
	lib := modfactory.NewLibrary(modfactory.Entry{
		ID: "tools",
		New: func(env module.Env) (module.Module, error) {
			return module.NewBase("tools", "Tools", module.KindModule, env), nil
		},
		Commands: []cli.Command{
			&cli.Func{
				BaseCommand: cli.BaseCommand{CommandName: "version", CommandSummary: "print the version", ID: "tools.version", Standalone: true},
				Fn:          func(context.Context, []string) (string, error) { return "1.0\n", nil },
			},
			&cli.Func{
				BaseCommand: cli.BaseCommand{CommandName: "scan", CommandSummary: "scan the tuner", ID: "tools.scan"},
				Fn:          func(context.Context, []string) (string, error) { return "", nil },
			},
		},
	})
	require.NoError(t, lib.Add(adapter.Entry(func() []module.Module { return f.Loaded() }, adapter.WithLibrary(lib))))
	f = modfactory.New(lib, message.NewFactory(zaptest.NewLogger(t)), modfactory.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { assert.NoError(t, f.UnloadAll(context.Background())) })

	ctx := context.Background()
	require.NoError(t, f.Load(ctx, module.AdapterID))
	a, err := modfactory.Lookup[*adapter.Module](f, module.AdapterID)
	require.NoError(t, err)

	assert.Equal(t, []string{"help", "version"}, a.Commands(), "only standalone commands of unloaded modules are offered")

	out, err := a.Exec(ctx, "version")
	require.NoError(t, err)
	assert.Equal(t, "1.0\n", out)
	assert.False(t, f.IsLoaded("tools"), "a standalone command runs without its module")

	_, err = a.Exec(ctx, "scan")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	candidates, err := a.Complete(ctx, "version ")
	require.NoError(t, err)
	assert.Empty(t, candidates)

	help, err := a.Exec(ctx, "help")
	require.NoError(t, err)
	assert.Contains(t, help, "(tools)")
}
