//go:build darwin

package rtp

import (
	"golang.org/x/sys/unix"
)

// setSockOptReuse включает переиспользование адреса для macOS
func setSockOptReuse(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}

	// SO_REUSEPORT доступен начиная с macOS 10.10, ошибку игнорируем
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	return nil
}

// setSockOptRecvBuffer устанавливает размер буфера получения
func setSockOptRecvBuffer(fd uintptr, size int) error {
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	return nil
}
