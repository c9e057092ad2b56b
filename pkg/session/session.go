// Package session собирает защищенную медиа сессию из частично доступных
// параметров треков.
//
// Session принимает поля треков в любом порядке и из любых горутин,
// строит ноги по мере их готовности (сначала входящее видео, затем оба
// аудио направления на общем сокете), отправляет датаграммы запуска и
// сообщает о переходах состояния через StatusFunc.
//
// Пример:
//
//	s, err := session.New(engine, session.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer s.Teardown()
//
//	_ = s.SubmitTrackField(trackinfo.ReceiveVideo, trackinfo.FieldServerAddress, "10.0.0.5")
//	...
//	state, err := s.AttemptSessionCompletion(ctx)
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"

	"github.com/arzzra/media_session/pkg/engine"
	"github.com/arzzra/media_session/pkg/handshake"
	"github.com/arzzra/media_session/pkg/leg_builder"
	"github.com/arzzra/media_session/pkg/media"
	"github.com/arzzra/media_session/pkg/rtp"
	"github.com/arzzra/media_session/pkg/session_mux"
	"github.com/arzzra/media_session/pkg/trackinfo"
)

// ErrSessionClosed сессия уже разобрана
var ErrSessionClosed = errors.New("сессия разобрана")

// Notifier отправляет датаграмму запуска удаленному серверу ноги
type Notifier interface {
	NotifyStart(ctx context.Context, server string, remotePort, localPort int) error
}

type statusEvent struct {
	state   State
	message string
}

// Session оркестратор одной медиа сессии
type Session struct {
	config   Config
	store    *trackinfo.Store
	sockets  *rtp.SocketManager
	mux      *session_mux.Multiplexer
	builder  *leg_builder.Builder
	notifier Notifier
	metrics  *Metrics

	// mu сериализует попытки завершения и разбор сессии
	mu       sync.Mutex
	machine  *fsm.FSM
	notified map[trackinfo.Kind]bool
	failure  error
	failedAt uint64
	reason   string
	pending  []statusEvent

	closed *atomic.Bool
	logger *slog.Logger
}

// New создает сессию: элемент сессии в движке и менеджер сокетов.
// Ноги строятся позже, по мере поступления параметров треков.
func New(eng engine.Engine, config Config) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("невалидная конфигурация сессии: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sockets, err := rtp.NewSocketManager(config.Transport, logger)
	if err != nil {
		return nil, err
	}
	mux, err := session_mux.New(eng, config.Session, logger)
	if err != nil {
		_ = sockets.Close()
		return nil, media.NewError(media.KindElementConstruction, "", "session", "не удалось создать контекст сессии", err)
	}
	builder, err := leg_builder.New(eng, mux, sockets, config.Legs, logger)
	if err != nil {
		_ = mux.Close()
		_ = sockets.Close()
		return nil, err
	}

	notifier := config.Notifier
	if notifier == nil {
		n, err := handshake.NewNotifier(config.Handshake, logger)
		if err != nil {
			_ = mux.Close()
			_ = sockets.Close()
			return nil, err
		}
		notifier = n
	}

	s := &Session{
		config:   config,
		store:    trackinfo.NewStore(),
		sockets:  sockets,
		mux:      mux,
		builder:  builder,
		notifier: notifier,
		metrics:  config.Metrics,
		notified: make(map[trackinfo.Kind]bool),
		closed:   atomic.NewBool(false),
		logger:   logger.With(slog.String("component", "session")),
	}
	s.machine = newSessionFSM(s.onEnter)
	return s, nil
}

// State возвращает текущее состояние
func (s *Session) State() State {
	return State(s.machine.Current())
}

// Failure возвращает причину перехода в FAILED (nil вне FAILED)
func (s *Session) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateFailed {
		return nil
	}
	return s.failure
}

// Store возвращает хранилище параметров треков
func (s *Session) Store() *trackinfo.Store {
	return s.store
}

// Multiplexer возвращает контекст сессии
func (s *Session) Multiplexer() *session_mux.Multiplexer {
	return s.mux
}

// Leg возвращает построенную ногу
func (s *Session) Leg(kind trackinfo.Kind) (*leg_builder.Leg, bool) {
	return s.builder.Leg(kind)
}

// SubmitTrackField сохраняет поле трека. Повторная доставка того же поля
// перезаписывает значение. При AutoAttempt следом выполняется попытка
// завершения, ее результат сообщается через StatusFunc и лог.
func (s *Session) SubmitTrackField(kind trackinfo.Kind, field trackinfo.Field, value any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := s.store.SetField(kind, field, value); err != nil {
		return err
	}
	return s.afterSubmit()
}

// SubmitSessionDescription заполняет трек из SDP описания
// (адрес, порт, payload type, rtpmap, a=ssrc, a=crypto)
func (s *Session) SubmitSessionDescription(kind trackinfo.Kind, raw []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	sd, err := trackinfo.ParseSessionDescription(raw)
	if err != nil {
		return err
	}
	if err := s.store.ApplySessionDescription(kind, sd); err != nil {
		return err
	}
	return s.afterSubmit()
}

func (s *Session) afterSubmit() error {
	// Разбор мог произойти между проверкой и записью поля
	if s.closed.Load() {
		s.store.Clear()
		return ErrSessionClosed
	}
	if !s.config.AutoAttempt {
		return nil
	}

	s.mu.Lock()
	state, err := s.attemptLocked(context.Background(), false)
	events := s.drainLocked()
	s.mu.Unlock()
	s.emit(events)

	if err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Debug("Автоматическая попытка завершения не удалась",
			slog.String("state", state.String()),
			slog.String("error", err.Error()))
	}
	return nil
}

// AttemptSessionCompletion строит готовые ноги и отправляет датаграммы запуска.
//
// Неполные дескрипторы не являются ошибкой: состояние остается
// VIDEO_PENDING или VIDEO_READY/AUDIO_PENDING до поступления данных.
// В FULLY_ESTABLISHED вызов ничего не делает. Из FAILED явный вызов
// повторяет сборку, если отказ был восстановимым (датаграмма запуска) или
// после отказа поступили новые данные.
func (s *Session) AttemptSessionCompletion(ctx context.Context) (State, error) {
	s.mu.Lock()
	state, err := s.attemptLocked(ctx, true)
	events := s.drainLocked()
	s.mu.Unlock()
	s.emit(events)
	return state, err
}

func (s *Session) attemptLocked(ctx context.Context, explicit bool) (State, error) {
	if s.closed.Load() {
		return s.State(), ErrSessionClosed
	}

	switch s.State() {
	case StateFullyEstablished:
		return StateFullyEstablished, nil
	case StateFailed:
		if !explicit {
			return StateFailed, s.failure
		}
		if !media.IsRecoverable(s.failure) && s.store.Revision() == s.failedAt {
			return StateFailed, s.failure
		}
		s.reason = "повторная попытка после отказа"
		if err := fire(ctx, s.machine, eventRecover); err != nil {
			return s.State(), err
		}
		s.failure = nil
	}

	// Шаги 1-2: входящее видео
	if !s.builder.Built(trackinfo.ReceiveVideo) {
		if !s.store.IsComplete(trackinfo.ReceiveVideo) {
			s.reason = "ожидание параметров видео"
			return s.State(), fire(ctx, s.machine, eventAwaitVideo)
		}
		if _, err := s.builder.BuildReceiveVideo(s.store.Snapshot(trackinfo.ReceiveVideo)); err != nil {
			return s.failLocked(ctx, err)
		}
		s.metrics.legBuilt(trackinfo.ReceiveVideo.String())
	}
	if err := s.notifyLocked(ctx, trackinfo.ReceiveVideo); err != nil {
		return s.failLocked(ctx, err)
	}
	s.reason = "видео нога готова"
	if err := fire(ctx, s.machine, eventVideoReady); err != nil {
		return s.State(), err
	}

	// Шаг 3: аудио необязательно и может прийти позже
	audioBuilt := s.builder.Built(trackinfo.ReceiveAudio) && s.builder.Built(trackinfo.SendAudio)
	if !audioBuilt && !(s.store.IsComplete(trackinfo.ReceiveAudio) && s.store.IsComplete(trackinfo.SendAudio)) {
		if s.store.Started(trackinfo.ReceiveAudio) || s.store.Started(trackinfo.SendAudio) {
			s.reason = "ожидание параметров аудио"
			return s.State(), fire(ctx, s.machine, eventAwaitAudio)
		}
		return s.State(), nil
	}

	// Шаг 4: общий сокет и обе аудио ноги
	if !audioBuilt {
		if err := s.buildAudioLocked(); err != nil {
			return s.failLocked(ctx, err)
		}
	}
	// Одна датаграмма на общий аудио сокет: уходит серверу входящего аудио.
	// Сервер исходящего аудио датаграмму запуска не получает.
	if err := s.notifyLocked(ctx, trackinfo.ReceiveAudio); err != nil {
		return s.failLocked(ctx, err)
	}

	s.reason = "все ноги построены"
	if err := fire(ctx, s.machine, eventEstablish); err != nil {
		return s.State(), err
	}
	return s.State(), nil
}

// buildAudioLocked занимает общий сокет и строит обе аудио ноги. Каждая нога
// держит свою ссылку на сокет, ссылка создателя отпускается по завершении.
func (s *Session) buildAudioLocked() error {
	rx := s.store.Snapshot(trackinfo.ReceiveAudio)
	tx := s.store.Snapshot(trackinfo.SendAudio)

	port := rx.LocalPort
	if port == 0 {
		port = tx.LocalPort
	}
	if tx.LocalPort != 0 && tx.LocalPort != port {
		s.logger.Warn("Локальные порты аудио треков различаются, используется порт входящего аудио",
			slog.Int("receive_port", rx.LocalPort),
			slog.Int("send_port", tx.LocalPort))
	}

	shared, err := s.sockets.SharedAudioSocket(port)
	if err != nil {
		return media.WithLeg(err, trackinfo.ReceiveAudio.String())
	}
	defer shared.Release()

	if !s.builder.Built(trackinfo.ReceiveAudio) {
		if _, err := s.builder.BuildReceiveAudio(rx, shared); err != nil {
			return err
		}
		s.metrics.legBuilt(trackinfo.ReceiveAudio.String())
	}
	if !s.builder.Built(trackinfo.SendAudio) {
		if _, err := s.builder.BuildSendAudio(tx, shared); err != nil {
			return err
		}
		s.metrics.legBuilt(trackinfo.SendAudio.String())
	}
	return nil
}

// notifyLocked отправляет датаграмму запуска ноги один раз. Нога остается
// построенной, если отправка не удалась.
func (s *Session) notifyLocked(ctx context.Context, kind trackinfo.Kind) error {
	if s.notified[kind] {
		return nil
	}
	leg, ok := s.builder.Leg(kind)
	if !ok {
		return media.NewError(media.KindNotify, kind.String(), "notify", "нога не построена", nil)
	}
	desc := s.store.Snapshot(kind)

	err := s.notifier.NotifyStart(ctx, desc.ServerAddress, desc.Port, leg.LocalPort)
	s.metrics.handshake(kind.String(), err)
	if err != nil {
		if _, typed := media.KindOf(err); !typed {
			err = media.NewError(media.KindNotify, kind.String(), "notify", "не удалось отправить датаграмму запуска", err)
		}
		return media.WithLeg(err, kind.String())
	}
	s.notified[kind] = true
	return nil
}

func (s *Session) failLocked(ctx context.Context, err error) (State, error) {
	s.failure = err
	s.failedAt = s.store.Revision()
	s.metrics.failure(err)

	stage := ""
	var se *media.SessionError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	s.logger.Error("Сборка сессии не удалась",
		slog.String("stage", stage),
		slog.String("error", err.Error()))

	s.reason = err.Error()
	if ferr := fire(ctx, s.machine, eventFail); ferr != nil {
		return s.State(), errors.Join(err, ferr)
	}
	return StateFailed, err
}

// SetMuted включает или выключает звук аудио ноги. Аудио ноги строятся
// с выключенным звуком.
func (s *Session) SetMuted(kind trackinfo.Kind, muted bool) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.builder.SetMuted(kind, muted)
}

// PlayRTSP запускает воспроизведение удаленного RTSP потока рядом с ногами
// сессии. Состояние сессии не меняется.
func (s *Session) PlayRTSP(location string) (*leg_builder.Playback, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builder.BuildRTSP(location)
}

// StopRTSP останавливает воспроизведение RTSP потока
func (s *Session) StopRTSP() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builder.ReleaseRTSP()
}

// SetRTSPMuted включает или выключает звук воспроизведения RTSP
func (s *Session) SetRTSPMuted(muted bool) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.builder.SetRTSPMuted(muted)
}

// Teardown разбирает все ноги, закрывает сокеты, удаляет элемент сессии и
// обнуляет ключи. Безопасен из любого состояния, повторный вызов ничего
// не делает.
func (s *Session) Teardown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	var errs []error
	if err := s.builder.ReleaseAll(); err != nil {
		errs = append(errs, err)
	}
	if err := s.mux.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.sockets.Close(); err != nil {
		errs = append(errs, err)
	}
	s.store.Clear()
	s.notified = make(map[trackinfo.Kind]bool)
	s.failure = nil

	s.reason = "сессия разобрана"
	if err := fire(context.Background(), s.machine, eventTeardown); err != nil {
		errs = append(errs, err)
	}
	events := s.drainLocked()
	s.mu.Unlock()
	s.emit(events)

	s.logger.Info("Сессия разобрана")
	return errors.Join(errs...)
}

// onEnter вызывается автоматом под s.mu
func (s *Session) onEnter(from, to State) {
	s.metrics.transition(from, to)
	s.pending = append(s.pending, statusEvent{state: to, message: s.reason})
	s.logger.Info("Переход состояния сессии",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", s.reason))
}

func (s *Session) drainLocked() []statusEvent {
	events := s.pending
	s.pending = nil
	return events
}

func (s *Session) emit(events []statusEvent) {
	if s.config.OnStatus == nil {
		return
	}
	for _, e := range events {
		s.config.OnStatus(e.state, e.message)
	}
}
