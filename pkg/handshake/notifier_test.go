package handshake

import (
	"context"
	"errors"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_session/pkg/media"
	"github.com/arzzra/media_session/pkg/rtp"
)

func newNotifier(t *testing.T) *Notifier {
	t.Helper()
	n, err := NewNotifier(DefaultConfig(), nil)
	require.NoError(t, err)
	return n
}

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func receive(t *testing.T, conn *net.UDPConn) (string, *net.UDPAddr) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, from, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return string(buf[:n]), from
}

func TestNotifyStart(t *testing.T) {
	server := listen(t)
	port := server.LocalAddr().(*net.UDPAddr).Port

	n := newNotifier(t)
	require.NoError(t, n.NotifyStart(context.Background(), "127.0.0.1", port, 0))

	payload, _ := receive(t, server)
	assert.Equal(t, Payload, payload)
	assert.Len(t, payload, 10)
	assert.Equal(t, Stats{Sent: 1}, n.Stats())
}

func TestNotifyStart_FromLegPort(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("совместное занятие порта проверяется на Linux")
	}

	server := listen(t)
	port := server.LocalAddr().(*net.UDPAddr).Port

	// Транспорт ноги занимает порт с повторным использованием адреса
	sockets, err := rtp.NewSocketManager(rtp.DefaultTransportConfig(), nil)
	require.NoError(t, err)
	defer sockets.Close()
	leg, err := sockets.BindUDP(0)
	require.NoError(t, err)

	n := newNotifier(t)
	require.NoError(t, n.NotifyStart(context.Background(), "127.0.0.1", port, leg.LocalPort()))

	_, from := receive(t, server)
	assert.Equal(t, leg.LocalPort(), from.Port)
	assert.False(t, leg.Closed())
}

func TestNotifyStart_ExclusiveOwner(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("семантика SO_REUSEPORT проверяется на Linux")
	}

	server := listen(t)
	port := server.LocalAddr().(*net.UDPAddr).Port

	owner, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer owner.Close()

	n := newNotifier(t)
	err = n.NotifyStart(context.Background(), "127.0.0.1", port, owner.LocalAddr().(*net.UDPAddr).Port)
	require.Error(t, err)
	assert.True(t, errors.Is(err, media.ErrNotify))
	assert.True(t, media.IsRecoverable(err))
	assert.Equal(t, uint64(1), n.Stats().Failed)
}

func TestNotifyStart_BadAddress(t *testing.T) {
	n := newNotifier(t)

	tests := []struct {
		name   string
		server string
		port   int
	}{
		{"пустой адрес", "", 5000},
		{"порт 0", "127.0.0.1", 0},
		{"порт вне диапазона", "127.0.0.1", 70000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := n.NotifyStart(context.Background(), tt.server, tt.port, 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, media.ErrNotify))

			var se *media.SessionError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, "resolve", se.Stage)
		})
	}
}

func TestNotifyStart_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := newNotifier(t)
	err := n.NotifyStart(ctx, "127.0.0.1", 5000, 0)
	assert.True(t, errors.Is(err, media.ErrNotify))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	_, err := NewNotifier(Config{}, nil)
	assert.Error(t, err)
}
