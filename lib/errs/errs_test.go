package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "processor", "register"))

	err := Wrap(ErrAlreadyRegistered, "processor", "register")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Equal(t, "processor: register: already registered", err.Error())

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "processor", e.Component)
	assert.Equal(t, "register", e.Op)
}

func TestWrapf(t *testing.T) {
	err := Wrapf(ErrNotLoaded, "modfactory", "get", "module %q", "dvb")
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.Contains(t, err.Error(), `module "dvb"`)
	assert.Nil(t, Wrapf(nil, "a", "b", "c"))
}

func TestRemoteError(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Remote("modules", "load", cause)

	assert.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "remote modules.load failed: connection refused", err.Error())

	re, ok := IsRemote(fmt.Errorf("launcher: %w", err))
	require.True(t, ok)
	assert.Equal(t, "modules", re.Object)
	assert.Equal(t, "load", re.Method)

	_, ok = IsRemote(ErrNotFound)
	assert.False(t, ok)
	assert.Nil(t, Remote("modules", "load", nil))
}
