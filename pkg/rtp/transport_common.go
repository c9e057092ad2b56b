// Общие утилиты UDP транспорта медиа сессии
//
// Этот файл содержит создание UDP сокетов с опциями повторного использования
// адреса. Повторное использование нужно для того, чтобы handshake сокет мог
// временно занять тот же локальный порт, что и транспорт ноги: удаленный
// сервер отвечает на кортеж, с которого пришел пакет.
package rtp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"
)

// Общие константы транспорта
const (
	// DefaultBufferSize размер буфера по умолчанию для UDP сокетов (MTU Ethernet)
	DefaultBufferSize = 1500

	// MediaRecvBuffer размер буфера получения сокета для видео+аудио
	// 256KB достаточно, чтобы пережить всплески ключевых кадров
	MediaRecvBuffer = 256 * 1024
)

// TransportConfig конфигурация UDP сокетов сессии
type TransportConfig struct {
	// ReuseAddress включает SO_REUSEADDR (и SO_REUSEPORT где доступно).
	// Без этого handshake не сможет временно занять порт ноги.
	ReuseAddress bool `yaml:"reuse_address"`
	// ReceiveBuffer размер SO_RCVBUF (0 - не менять)
	ReceiveBuffer int `yaml:"receive_buffer"`
}

// DefaultTransportConfig возвращает конфигурацию по умолчанию
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ReuseAddress:  true,
		ReceiveBuffer: MediaRecvBuffer,
	}
}

// Validate проверяет корректность конфигурации транспорта
func (c TransportConfig) Validate() error {
	if c.ReceiveBuffer < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	return nil
}

// ListenConfig возвращает net.ListenConfig с опциями сокета из конфигурации.
// Используется и транспортом ног, и handshake сокетом.
func ListenConfig(reuse bool, recvBuffer int) *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if reuse {
					if sockErr = setSockOptReuse(fd); sockErr != nil {
						return
					}
				}
				if recvBuffer > 0 {
					sockErr = setSockOptRecvBuffer(fd, recvBuffer)
				}
			})
			if err != nil {
				return fmt.Errorf("ошибка управления сокетом: %w", err)
			}
			return sockErr
		},
	}
}

// listenUDP занимает UDP порт на wildcard адресе
func listenUDP(ctx context.Context, port int, cfg TransportConfig) (*net.UDPConn, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("порт %d вне диапазона", port)
	}
	lc := ListenConfig(cfg.ReuseAddress, cfg.ReceiveBuffer)
	pc, err := lc.ListenPacket(ctx, "udp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("неожиданный тип соединения %T", pc)
	}
	return conn, nil
}
