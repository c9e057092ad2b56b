package session_mux

import (
	"fmt"
	"time"
)

// Режимы синхронизации буфера элемента сессии
const (
	BufferModeNone  = "none"
	BufferModeSlave = "slave"
	BufferModeSync  = "synced"
)

// Config параметры элемента сессии. Фиксируются при создании мультиплексора.
type Config struct {
	// Latency целевая задержка jitter buffer. 500ms поглощают джиттер на
	// узких каналах.
	Latency time.Duration `yaml:"latency"`
	// AutoRemove удалять источники, переставшие слать пакеты
	AutoRemove bool `yaml:"autoremove"`
	// BufferMode режим синхронизации: slave подстраивает локальное
	// воспроизведение под часы удаленного отправителя (по RTCP SR)
	BufferMode string `yaml:"buffer_mode"`
}

// DefaultConfig возвращает параметры сессии по умолчанию
func DefaultConfig() Config {
	return Config{
		Latency:    500 * time.Millisecond,
		AutoRemove: true,
		BufferMode: BufferModeSlave,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.Latency <= 0 {
		return fmt.Errorf("Latency должен быть больше 0")
	}
	switch c.BufferMode {
	case BufferModeNone, BufferModeSlave, BufferModeSync:
	default:
		return fmt.Errorf("неизвестный BufferMode %q", c.BufferMode)
	}
	return nil
}
