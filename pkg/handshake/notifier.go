// Package handshake сообщает удаленному медиа серверу, что приемный тракт
// ноги готов и можно начинать передачу.
//
// Сообщение - одна UDP датаграмма с ASCII строкой "Start Data", отправленная
// без шифрования с локального порта ноги. Сервер отвечает медиа потоком на
// кортеж, с которого пришла датаграмма. Ответ не ожидается и не разбирается.
package handshake

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"go.uber.org/atomic"

	"github.com/arzzra/media_session/pkg/media"
	"github.com/arzzra/media_session/pkg/rtp"
)

// Payload содержимое датаграммы запуска (10 байт)
const Payload = "Start Data"

// DefaultTimeout ограничение на отправку датаграммы
const DefaultTimeout = 2 * time.Second

// Config параметры уведомителя
type Config struct {
	// Timeout ограничивает занятие сокета и отправку
	Timeout time.Duration `yaml:"timeout"`
	// ReuseAddress должен совпадать с настройкой транспорта ног,
	// иначе временный сокет не сможет занять порт ноги
	ReuseAddress bool `yaml:"reuse_address"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Timeout:      DefaultTimeout,
		ReuseAddress: true,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("Timeout должен быть больше 0")
	}
	return nil
}

// Stats счетчики отправленных датаграмм
type Stats struct {
	Sent   uint64
	Failed uint64
}

// Notifier отправляет датаграммы запуска. Повторов внутри нет:
// повторяет отправку оркестратор при следующей попытке завершения сессии.
type Notifier struct {
	config Config
	sent   *atomic.Uint64
	failed *atomic.Uint64
	logger *slog.Logger
}

// NewNotifier создает уведомитель
func NewNotifier(config Config, logger *slog.Logger) (*Notifier, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("невалидная конфигурация handshake: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		config: config,
		sent:   atomic.NewUint64(0),
		failed: atomic.NewUint64(0),
		logger: logger.With(slog.String("component", "handshake")),
	}, nil
}

// NotifyStart занимает localPort временным сокетом (с повторным использованием
// адреса, не отнимая порт у транспорта ноги), отправляет датаграмму на
// server:remotePort и закрывает сокет. Ошибки имеют класс media.KindNotify.
func (n *Notifier) NotifyStart(ctx context.Context, server string, remotePort, localPort int) error {
	ctx, cancel := context.WithTimeout(ctx, n.config.Timeout)
	defer cancel()

	remote := net.JoinHostPort(server, strconv.Itoa(remotePort))
	raddr, err := resolve(ctx, server, remotePort)
	if err != nil {
		return n.fail("resolve", remote, localPort, err)
	}

	lc := rtp.ListenConfig(n.config.ReuseAddress, 0)
	pc, err := lc.ListenPacket(ctx, "udp", net.JoinHostPort("", strconv.Itoa(localPort)))
	if err != nil {
		return n.fail("bind", remote, localPort, err)
	}
	defer pc.Close()

	if err := ctx.Err(); err != nil {
		return n.fail("send", remote, localPort, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := pc.SetWriteDeadline(deadline); err != nil {
			return n.fail("send", remote, localPort, err)
		}
	}
	if _, err := pc.WriteTo([]byte(Payload), raddr); err != nil {
		return n.fail("send", remote, localPort, err)
	}

	n.sent.Inc()
	n.logger.Info("Отправлена датаграмма запуска",
		slog.String("remote", remote),
		slog.Int("local_port", localPort))
	return nil
}

// Stats возвращает счетчики
func (n *Notifier) Stats() Stats {
	return Stats{
		Sent:   n.sent.Load(),
		Failed: n.failed.Load(),
	}
}

func (n *Notifier) fail(stage, remote string, localPort int, err error) error {
	n.failed.Inc()
	n.logger.Warn("Не удалось отправить датаграмму запуска",
		slog.String("stage", stage),
		slog.String("remote", remote),
		slog.Int("local_port", localPort),
		slog.String("error", err.Error()))
	return media.NewError(media.KindNotify, "", stage,
		fmt.Sprintf("не удалось уведомить %s", remote), err)
}

func resolve(ctx context.Context, server string, port int) (*net.UDPAddr, error) {
	if server == "" {
		return nil, fmt.Errorf("адрес сервера не задан")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("порт %d вне диапазона", port)
	}
	if ip := net.ParseIP(server); ip != nil {
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, server)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("адрес %s не разрешен", server)
	}
	return &net.UDPAddr{IP: ips[0].IP, Zone: ips[0].Zone, Port: port}, nil
}
