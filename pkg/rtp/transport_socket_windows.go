//go:build windows

package rtp

import (
	"golang.org/x/sys/windows"
)

// setSockOptReuse включает переиспользование адреса для Windows
// Windows не поддерживает SO_REUSEPORT, используем SO_REUSEADDR
func setSockOptReuse(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

// setSockOptRecvBuffer устанавливает размер буфера получения
func setSockOptRecvBuffer(fd uintptr, size int) error {
	_ = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_RCVBUF, size)
	return nil
}
