//go:build !linux && !darwin && !windows

package rtp

// setSockOptReuse заглушка для прочих платформ
func setSockOptReuse(fd uintptr) error {
	return nil
}

func setSockOptRecvBuffer(fd uintptr, size int) error {
	return nil
}
