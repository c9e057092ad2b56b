package media

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionError_Is(t *testing.T) {
	err := NewError(KindBind, "receive-audio", "shared_socket", "порт занят", errors.New("address already in use"))

	assert.True(t, errors.Is(err, ErrBind))
	assert.False(t, errors.Is(err, ErrNotify))

	wrapped := fmt.Errorf("сборка аудио: %w", err)
	assert.True(t, errors.Is(wrapped, ErrBind))

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindBind, kind)
	assert.Equal(t, "BindFailure", kind.String())
}

func TestSessionError_Message(t *testing.T) {
	err := NewError(KindElementConstruction, "receive-video", "srtpdec", "не удалось создать элемент", nil)
	assert.Contains(t, err.Error(), "ElementConstructionFailure")
	assert.Contains(t, err.Error(), "receive-video")
	assert.Contains(t, err.Error(), "srtpdec")
}

func TestWithLeg(t *testing.T) {
	assert.NoError(t, WithLeg(nil, "send-audio"))

	plain := WithLeg(errors.New("boom"), "send-audio")
	assert.True(t, errors.Is(plain, ErrElementConstruction))

	tagged := WithLeg(NewError(KindNotify, "", "", "", nil), "receive-video")
	var se *SessionError
	require.True(t, errors.As(tagged, &se))
	assert.Equal(t, "receive-video", se.Leg)

	keep := WithLeg(NewError(KindNotify, "send-audio", "", "", nil), "receive-video")
	require.True(t, errors.As(keep, &se))
	assert.Equal(t, "send-audio", se.Leg)
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"notify", ErrNotify, true},
		{"wrapped notify", fmt.Errorf("x: %w", NewError(KindNotify, "receive-video", "", "", nil)), true},
		{"bind", ErrBind, false},
		{"plain", errors.New("x"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRecoverable(tt.err))
		})
	}
}
