//go:build linux

package rtp

import (
	"golang.org/x/sys/unix"
)

// setSockOptReuse включает SO_REUSEADDR и SO_REUSEPORT (Linux).
// В Linux второй сокет может занять порт только если оба выставили SO_REUSEPORT,
// поэтому сокет без этой опции остается эксклюзивным владельцем порта.
func setSockOptReuse(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// setSockOptRecvBuffer устанавливает размер буфера получения
func setSockOptRecvBuffer(fd uintptr, size int) error {
	// Ошибку игнорируем: в контейнерах лимит может быть ниже запрошенного
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	return nil
}
