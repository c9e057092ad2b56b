package session

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arzzra/media_session/pkg/handshake"
	"github.com/arzzra/media_session/pkg/leg_builder"
	"github.com/arzzra/media_session/pkg/rtp"
	"github.com/arzzra/media_session/pkg/session_mux"
)

// StatusFunc получает каждое новое состояние сессии и причину перехода.
// Вызывается без удерживаемых блокировок сессии.
type StatusFunc func(state State, message string)

// Config конфигурация сессии
type Config struct {
	// AutoAttempt запускать попытку завершения после каждого нового поля трека
	AutoAttempt bool `yaml:"auto_attempt"`

	Transport rtp.TransportConfig `yaml:"transport"`
	Session   session_mux.Config  `yaml:"session"`
	Legs      leg_builder.Config  `yaml:"legs"`
	Handshake handshake.Config    `yaml:"handshake"`

	// Зависимости, не читаемые из файла
	Logger   *slog.Logger `yaml:"-"`
	Metrics  *Metrics     `yaml:"-"`
	OnStatus StatusFunc   `yaml:"-"`

	// Notifier заменяет UDP уведомитель (по умолчанию handshake.Notifier)
	Notifier Notifier `yaml:"-"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		AutoAttempt: true,
		Transport:   rtp.DefaultTransportConfig(),
		Session:     session_mux.DefaultConfig(),
		Legs:        leg_builder.DefaultConfig(),
		Handshake:   handshake.DefaultConfig(),
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := c.Legs.Validate(); err != nil {
		return fmt.Errorf("legs: %w", err)
	}
	if err := c.Handshake.Validate(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if c.Handshake.ReuseAddress != c.Transport.ReuseAddress {
		return fmt.Errorf("handshake.reuse_address должен совпадать с transport.reuse_address")
	}
	return nil
}

// LoadConfig читает конфигурацию из YAML файла. Отсутствующие поля
// получают значения по умолчанию.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("не удалось прочитать конфигурацию: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig разбирает YAML конфигурацию поверх значений по умолчанию
func ParseConfig(data []byte) (Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("не удалось разобрать конфигурацию: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("невалидная конфигурация: %w", err)
	}
	return config, nil
}
