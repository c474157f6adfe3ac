package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindDevice, KindOf(NewDevice("no microphone")))
	assert.Equal(t, KindInternal, KindOf(stderrors.New("plain")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestKindOfWrappedChain(t *testing.T) {
	cause := NewNegotiation("glare")
	wrapped := fmt.Errorf("session 'bob': %w", cause)

	assert.Equal(t, KindNegotiation, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNegotiation))
	assert.False(t, IsKind(wrapped, KindTransient))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(cause, KindTransient, "dial rendezvous")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Contains(t, err.Error(), "dial rendezvous")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestErrorMessageFormat(t *testing.T) {
	assert.Equal(t, "MISUSE: not in a room", New(KindMisuse, "not in a room").Error())
}

func TestWithContext(t *testing.T) {
	err := NewProtocol("malformed envelope").
		WithContext("type", "offer").
		WithContext("remote", "alice")

	require.NotNil(t, err.Context)
	assert.Equal(t, "offer", err.Context["type"])
	assert.Equal(t, "alice", err.Context["remote"])
}
