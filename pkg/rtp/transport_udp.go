package rtp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"go.uber.org/atomic"

	"github.com/arzzra/media_session/pkg/media"
)

// Socket UDP сокет, занятый ногой сессии на фиксированном локальном порту
type Socket struct {
	conn   *net.UDPConn
	port   int
	closed atomic.Bool
}

// Conn возвращает UDP соединение (передается движку как свойство "socket")
func (s *Socket) Conn() *net.UDPConn {
	return s.conn
}

// LocalPort возвращает фактический локальный порт
func (s *Socket) LocalPort() int {
	return s.port
}

// Closed сообщает, закрыт ли сокет
func (s *Socket) Closed() bool {
	return s.closed.Load()
}

// Close закрывает сокет. Повторный вызов ничего не делает.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

// SharedSocket сокет, общий для приема и отправки аудио.
// Удаленный сервер, скорее всего, будет слать аудио на тот кортеж, с которого
// последний раз получил пакет, поэтому исходящий и входящий RTP используют
// один и тот же локальный порт. Сокет закрывается, когда его отпустили все владельцы.
type SharedSocket struct {
	*Socket
	key     int
	refs    *atomic.Int32
	manager *SocketManager
}

// Refs возвращает текущее количество владельцев
func (s *SharedSocket) Refs() int32 {
	return s.refs.Load()
}

// Acquire добавляет владельца сокета. Полностью освобожденный сокет
// повторно не захватывается.
func (s *SharedSocket) Acquire() error {
	for {
		cur := s.refs.Load()
		if cur <= 0 || s.Closed() {
			return media.NewError(media.KindBind, "", "udp",
				fmt.Sprintf("общий сокет на порту %d уже освобожден", s.port), nil)
		}
		if s.refs.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Release отпускает одну ссылку. Последняя ссылка закрывает сокет.
// Вызовы сверх количества ссылок игнорируются.
func (s *SharedSocket) Release() error {
	for {
		cur := s.refs.Load()
		if cur <= 0 {
			return nil
		}
		if s.refs.CompareAndSwap(cur, cur-1) {
			if cur-1 > 0 {
				return nil
			}
			s.manager.forgetShared(s)
			return s.Socket.Close()
		}
	}
}

// SocketManager выделяет и освобождает UDP сокеты ног одной сессии.
// Потокобезопасен.
type SocketManager struct {
	config  TransportConfig
	sockets []*Socket
	shared  map[int]*SharedSocket
	closed  bool
	mutex   sync.Mutex
	logger  *slog.Logger
}

// NewSocketManager создает менеджер сокетов
func NewSocketManager(config TransportConfig, logger *slog.Logger) (*SocketManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("невалидная конфигурация транспорта: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketManager{
		config: config,
		shared: make(map[int]*SharedSocket),
		logger: logger.With(slog.String("component", "socket_manager")),
	}, nil
}

// BindUDP занимает UDP порт на wildcard адресе.
// Неудача (например, порт занят) фатальна для ноги и не повторяется.
func (m *SocketManager) BindUDP(localPort int) (*Socket, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.bindLocked(localPort)
}

func (m *SocketManager) bindLocked(localPort int) (*Socket, error) {
	if m.closed {
		return nil, media.NewError(media.KindBind, "", "udp", "менеджер сокетов закрыт", nil)
	}
	// Второй сокет сессии на том же порту запрещен, общий порт только через SharedAudioSocket
	if m.heldLocked(localPort) {
		m.logger.Error("Порт уже занят другой ногой сессии", slog.Int("port", localPort))
		return nil, media.NewError(media.KindBind, "", "udp",
			fmt.Sprintf("порт %d уже занят другой ногой сессии", localPort), nil)
	}

	conn, err := listenUDP(context.Background(), localPort, m.config)
	if err != nil {
		m.logger.Error("Не удалось занять UDP порт",
			slog.Int("port", localPort),
			slog.String("error", err.Error()))
		return nil, media.NewError(media.KindBind, "", "udp",
			fmt.Sprintf("не удалось занять UDP порт %d", localPort), err)
	}

	port := localPort
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		port = addr.Port
	}

	sock := &Socket{conn: conn, port: port}
	m.sockets = append(m.sockets, sock)
	m.logger.Debug("UDP порт занят", slog.Int("port", port))
	return sock, nil
}

// heldLocked сообщает, держит ли менеджер открытый сокет на порту.
// Порт 0 всегда свободен: ядро выберет новый эфемерный порт.
func (m *SocketManager) heldLocked(localPort int) bool {
	if localPort == 0 {
		return false
	}
	for _, s := range m.sockets {
		if !s.Closed() && s.port == localPort {
			return true
		}
	}
	return false
}

// SharedAudioSocket возвращает общий сокет для порта. Повторные вызовы с тем же
// портом возвращают тот же сокет, увеличивая счетчик ссылок.
// Порт 0 всегда создает новый сокет на эфемерном порту.
func (m *SocketManager) SharedAudioSocket(localPort int) (*SharedSocket, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if s, ok := m.shared[localPort]; ok && localPort != 0 {
		s.refs.Inc()
		return s, nil
	}

	sock, err := m.bindLocked(localPort)
	if err != nil {
		return nil, err
	}

	key := localPort
	if key == 0 {
		key = sock.port
	}
	shared := &SharedSocket{
		Socket:  sock,
		key:     key,
		refs:    atomic.NewInt32(1),
		manager: m,
	}
	m.shared[key] = shared
	return shared, nil
}

// OpenSockets возвращает количество открытых сокетов
func (m *SocketManager) OpenSockets() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	n := 0
	for _, s := range m.sockets {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// Close закрывает все сокеты, включая общие. Повторный вызов ничего не делает.
func (m *SocketManager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for _, s := range m.sockets {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range m.shared {
		s.refs.Store(0)
	}
	m.sockets = nil
	m.shared = make(map[int]*SharedSocket)
	return firstErr
}

func (m *SocketManager) forgetShared(s *SharedSocket) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if cur, ok := m.shared[s.key]; ok && cur == s {
		delete(m.shared, s.key)
	}
}
