package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	assert.True(t, config.AutoAttempt)
	assert.True(t, config.Transport.ReuseAddress)
	assert.Equal(t, 500*time.Millisecond, config.Session.Latency)
}

func TestParseConfig(t *testing.T) {
	data := []byte(`
auto_attempt: false
session:
  latency: 200ms
  buffer_mode: synced
handshake:
  timeout: 1s
legs:
  allow_unencrypted_send: false
`)
	config, err := ParseConfig(data)
	require.NoError(t, err)

	assert.False(t, config.AutoAttempt)
	assert.Equal(t, 200*time.Millisecond, config.Session.Latency)
	assert.Equal(t, "synced", config.Session.BufferMode)
	assert.Equal(t, time.Second, config.Handshake.Timeout)
	assert.False(t, config.Legs.AllowUnencryptedSend)

	// Незаданные поля остаются по умолчанию
	assert.True(t, config.Session.AutoRemove)
	assert.Equal(t, DefaultConfig().Legs.Elements, config.Legs.Elements)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"сломанный yaml", "session: [\n"},
		{"отрицательный буфер", "transport:\n  receive_buffer: -1\n"},
		{"reuse не совпадает", "transport:\n  reuse_address: false\n"},
		{"payload type", "legs:\n  video_payload_type: 200\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auto_attempt: false\n"), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, config.AutoAttempt)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
