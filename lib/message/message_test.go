package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagePayload(t *testing.T) {
	m := New("ping", 7)

	m.SetValue("status", "ok")
	v, ok := m.Value("status")
	require.True(t, ok)
	assert.Equal(t, "ok", v)

	m.SetList("status", []string{"a", "b"})
	_, ok = m.Value("status")
	assert.False(t, ok, "setting a list replaces the value")
	l, ok := m.List("status")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, l)

	m.SetValue("status", "failed")
	_, ok = m.List("status")
	assert.False(t, ok, "setting a value replaces the list")

	m.SetList("empty", nil)
	l, ok = m.List("empty")
	assert.True(t, ok)
	assert.Empty(t, l)

	assert.True(t, m.HasValue("empty"))
	assert.False(t, m.HasValue("missing"))
	assert.Equal(t, []string{"status", "empty"}, m.Keys())
}

func TestMessageReceivers(t *testing.T) {
	m := New("ping", 1)
	m.AddReceiver("m1")
	m.AddReceiver("m2")
	m.AddReceiver("m1")
	assert.Equal(t, []string{"m1", "m2"}, m.Receivers())

	got := m.Receivers()
	got[0] = "changed"
	assert.Equal(t, "m1", m.Receivers()[0])

	m.ClearReceivers()
	assert.Empty(t, m.Receivers())
}

func TestMessageClone(t *testing.T) {
	m := New("ping", 3)
	m.SetType(TypeSyncRequest)
	m.SetSenderID("adapter")
	m.AddReceiver("m1")
	m.SetList("params", []string{"x"})

	c := m.Clone()
	c.SetList("params", []string{"y"})
	c.AddReceiver("m2")

	l, _ := m.List("params")
	assert.Equal(t, []string{"x"}, l)
	assert.Equal(t, []string{"m1"}, m.Receivers())
	assert.Equal(t, m.UUID(), c.UUID())
	assert.Equal(t, TypeSyncRequest, c.Type())
	assert.Equal(t, "adapter", c.SenderID())

	r := m.WithUUID(9)
	assert.Equal(t, UUID(9), r.UUID())
	assert.Equal(t, UUID(3), m.UUID())
	assert.Equal(t, m.Receivers(), r.Receivers())
}

func TestMessageStatus(t *testing.T) {
	m := New("ping", 1)
	ok, _ := m.Status()
	assert.False(t, ok)

	m.SetValue(KeyStatus, StatusFailed)
	m.SetValue(KeyError, "boom")
	ok, detail := m.Status()
	assert.False(t, ok)
	assert.Equal(t, "boom", detail)

	m.SetValue(KeyStatus, StatusOK)
	ok, _ = m.Status()
	assert.True(t, ok)
}

func TestTypeString(t *testing.T) {
	tests := []struct {
		typ  Type
		want string
	}{
		{TypeUndefined, "Undefined"},
		{TypeAsync, "Async"},
		{TypeSyncRequest, "SyncRequest"},
		{TypeSyncResponse, "SyncResponse"},
		{Type(42), "Unknown"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.String())
		})
	}
}

func TestCodec(t *testing.T) {
	m := New("dvb.scan", 1<<60+5)
	m.SetType(TypeSyncRequest)
	m.SetSenderID("adapter")
	m.AddReceiver("dvb")
	m.AddReceiver("http")
	m.SetValue("frequency", "498000")
	m.SetList("pids", []string{"0", "17"})
	m.SetList("none", nil)

	data, err := Marshal(m)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, m.ID(), got.ID())
	assert.Equal(t, m.UUID(), got.UUID())
	assert.Equal(t, TypeSyncRequest, got.Type())
	assert.Equal(t, "adapter", got.SenderID())
	assert.Equal(t, []string{"dvb", "http"}, got.Receivers())
	v, _ := got.Value("frequency")
	assert.Equal(t, "498000", v)
	l, _ := got.List("pids")
	assert.Equal(t, []string{"0", "17"}, l)
	l, ok := got.List("none")
	assert.True(t, ok)
	assert.Empty(t, l)
}

func TestCodecRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	s, err := ToStruct(New("x", 1))
	require.NoError(t, err)
	delete(s.Fields, fieldID)
	_, err = FromStruct(s)
	assert.Error(t, err)
}
