// Package session_mux владеет общим RTP/RTCP контекстом сессии (элементом
// rtpbin) и разрешает динамические пэды движка в ноги сессии.
//
// Входящее видео, входящее аудио и исходящее аудио занимают фиксированные
// слоты 0, 1 и 2 одного элемента сессии. Новые входящие источники
// классифицируются по профилю возможностей и связываются с зарегистрированным
// депейлоадером, готовые исходящие потоки связываются с транспортной стадией
// отправляющей ноги.
package session_mux

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arzzra/media_session/pkg/engine"
	"github.com/arzzra/media_session/pkg/trackinfo"
)

// SessionElementKind тип элемента сессии
const SessionElementKind = "rtpbin"

// Фиксированные слоты ног в элементе сессии
const (
	SlotReceiveVideo = 0
	SlotReceiveAudio = 1
	SlotSendAudio    = 2
)

// SlotOf возвращает слот ноги. Слот совпадает с порядком регистрации треков.
func SlotOf(kind trackinfo.Kind) int {
	switch kind {
	case trackinfo.ReceiveAudio:
		return SlotReceiveAudio
	case trackinfo.SendAudio:
		return SlotSendAudio
	default:
		return SlotReceiveVideo
	}
}

// ErrClosed мультиплексор уже закрыт
var ErrClosed = errors.New("мультиплексор сессии закрыт")

// Class класс входящего потока. Третьего класса нет.
type Class int

const (
	ClassVideo Class = iota
	ClassAudio
)

func (c Class) String() string {
	if c == ClassAudio {
		return "audio"
	}
	return "video"
}

// ClassifyMedia относит поток к аудио только при явном media=audio.
// Видео и неуказанный тип уходят в видео ногу.
func ClassifyMedia(mt engine.MediaType) Class {
	if mt == engine.MediaAudio {
		return ClassAudio
	}
	return ClassVideo
}

// Classify классифицирует поток по профилю возможностей
func Classify(caps engine.Caps) Class {
	return ClassifyMedia(caps.MediaType())
}

// Route разрешенный маршрут входящего источника
type Route struct {
	Pad         string
	Slot        int
	SSRC        uint32
	PayloadType uint8
	Class       Class
	Target      string
}

// Multiplexer контекст сессии. Создается один раз на сессию и закрывается
// только при ее разрушении.
//
// Таблицы защищены одним мьютексом. Вызовы движка никогда не выполняются
// под мьютексом: обработчик пэдов приходит из потоков движка и может
// пересечься с построением ног.
type Multiplexer struct {
	engine  engine.Engine
	session engine.Element
	config  Config

	mu          sync.Mutex
	depay       map[Class]engine.Element
	sendTargets map[int]engine.Element
	sendResults map[int]error
	requested   map[int][]engine.Pad
	routes      []Route
	dropped     int
	closed      bool

	logger *slog.Logger
}

// New создает элемент сессии с фиксированными параметрами и подписывается
// на появление его динамических пэдов
func New(eng engine.Engine, config Config, logger *slog.Logger) (*Multiplexer, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine не может быть nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("невалидная конфигурация сессии: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	session, err := eng.Make(SessionElementKind, "")
	if err != nil {
		return nil, fmt.Errorf("не удалось создать элемент сессии: %w", err)
	}

	props := []struct {
		name  string
		value any
	}{
		{"latency", uint(config.Latency.Milliseconds())},
		{"autoremove", config.AutoRemove},
		{"buffer-mode", config.BufferMode},
	}
	for _, p := range props {
		if err := eng.SetProperty(session, p.name, p.value); err != nil {
			_ = eng.Remove(session)
			return nil, fmt.Errorf("не удалось установить %s элемента сессии: %w", p.name, err)
		}
	}

	m := &Multiplexer{
		engine:      eng,
		session:     session,
		config:      config,
		depay:       make(map[Class]engine.Element),
		sendTargets: make(map[int]engine.Element),
		sendResults: make(map[int]error),
		requested:   make(map[int][]engine.Pad),
		logger:      logger.With(slog.String("component", "session_mux")),
	}
	eng.OnPadAdded(session, m.handlePadAdded)
	return m, nil
}

// Session возвращает элемент сессии
func (m *Multiplexer) Session() engine.Element {
	return m.session
}

// RegisterDepayloader связывает класс потока с входной стадией ноги.
// Регистрация должна предшествовать появлению источников этого класса.
func (m *Multiplexer) RegisterDepayloader(class Class, depay engine.Element) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.depay[class] = depay
	return nil
}

// Unregister удаляет регистрацию класса вместе с его маршрутами
func (m *Multiplexer) Unregister(class Class) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.depay, class)
	kept := m.routes[:0]
	for _, r := range m.routes {
		if r.Class != class {
			kept = append(kept, r)
		}
	}
	m.routes = kept
}

// Target возвращает зарегистрированный депейлоадер класса
func (m *Multiplexer) Target(class Class) (engine.Element, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.depay[class]
	return el, ok
}

// RequestSlotPad запрашивает пэд элемента сессии для слота по шаблону
// ("recv_rtp_sink_%u", "recv_rtcp_sink_%u", "send_rtcp_src_%u")
func (m *Multiplexer) RequestSlotPad(template string, slot int) (engine.Pad, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	p, err := m.engine.RequestPad(m.session, engine.PadName(template, slot))
	if err != nil {
		return nil, fmt.Errorf("не удалось запросить пэд %s: %w", engine.PadName(template, slot), err)
	}

	m.mu.Lock()
	m.requested[slot] = append(m.requested[slot], p)
	m.mu.Unlock()
	return p, nil
}

// OpenSendSlot регистрирует транспортную стадию слота и запрашивает
// send_rtp_sink_<slot>. Пэд send_rtp_src_<slot>, о котором движок сообщит
// синхронно или позже, будет связан со входом target.
func (m *Multiplexer) OpenSendSlot(slot int, target engine.Element) (engine.Pad, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.sendTargets[slot] = target
	delete(m.sendResults, slot)
	m.mu.Unlock()

	p, err := m.RequestSlotPad(engine.TemplateSendRTPSink, slot)
	if err != nil {
		m.CloseSendSlot(slot)
		return nil, err
	}

	m.mu.Lock()
	linkErr, announced := m.sendResults[slot]
	m.mu.Unlock()
	if announced && linkErr != nil {
		_ = m.ReleaseSlotPad(slot, p)
		m.CloseSendSlot(slot)
		return nil, linkErr
	}
	return p, nil
}

// CloseSendSlot снимает регистрацию транспортной стадии слота
func (m *Multiplexer) CloseSendSlot(slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sendTargets, slot)
	delete(m.sendResults, slot)
}

// SendLinked сообщает, связан ли исходящий поток слота с транспортом
func (m *Multiplexer) SendLinked(slot int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	err, ok := m.sendResults[slot]
	return ok && err == nil
}

// ReleaseSlotPad возвращает запрошенный пэд слота
func (m *Multiplexer) ReleaseSlotPad(slot int, p engine.Pad) error {
	if p == nil {
		return nil
	}
	m.mu.Lock()
	pads := m.requested[slot]
	for i, own := range pads {
		if own == p {
			m.requested[slot] = append(pads[:i], pads[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return m.engine.ReleasePad(m.session, p)
}

// ReleaseSlot возвращает все пэды слота
func (m *Multiplexer) ReleaseSlot(slot int) error {
	m.mu.Lock()
	pads := m.requested[slot]
	delete(m.requested, slot)
	m.mu.Unlock()

	var firstErr error
	for _, p := range pads {
		if err := m.engine.ReleasePad(m.session, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Routes возвращает разрешенные маршруты входящих источников
func (m *Multiplexer) Routes() []Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Route(nil), m.routes...)
}

// Dropped возвращает количество пэдов, для которых не нашлось ноги
func (m *Multiplexer) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close снимает все регистрации и удаляет элемент сессии.
// Повторный вызов ничего не делает.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.depay = make(map[Class]engine.Element)
	m.sendTargets = make(map[int]engine.Element)
	m.sendResults = make(map[int]error)
	m.requested = make(map[int][]engine.Pad)
	m.routes = nil
	m.mu.Unlock()

	if err := m.engine.Remove(m.session); err != nil {
		return fmt.Errorf("не удалось удалить элемент сессии: %w", err)
	}
	return nil
}

// handlePadAdded вызывается из потока движка
func (m *Multiplexer) handlePadAdded(_ engine.Element, pad engine.Pad) {
	name := pad.Name()

	if slot, ssrc, pt, ok := engine.ParseRecvSourceName(name); ok {
		m.routeInbound(pad, slot, ssrc, pt)
		return
	}
	if slot, ok := engine.ParseSendSourceName(name); ok {
		m.routeOutbound(pad, slot)
		return
	}
	m.logger.Debug("Пэд элемента сессии не требует связывания", slog.String("pad", name))
}

func (m *Multiplexer) routeInbound(pad engine.Pad, slot int, ssrc uint32, pt uint8) {
	class := ClassifyMedia(m.engine.MediaTypeOf(pad))

	m.mu.Lock()
	target, ok := m.depay[class]
	if m.closed || !ok {
		m.dropped++
		m.mu.Unlock()
		m.logger.Warn("Нет ноги для входящего источника",
			slog.String("pad", pad.Name()),
			slog.String("class", class.String()),
			slog.Uint64("ssrc", uint64(ssrc)))
		return
	}
	m.mu.Unlock()

	sink, err := m.engine.StaticPad(target, "sink")
	if err == nil {
		err = m.engine.LinkPads(pad, sink)
	}
	if err != nil {
		m.logger.Error("Не удалось связать входящий источник",
			slog.String("pad", pad.Name()),
			slog.String("target", target.Name()),
			slog.String("error", err.Error()))
		return
	}

	m.mu.Lock()
	m.routes = append(m.routes, Route{
		Pad:         pad.Name(),
		Slot:        slot,
		SSRC:        ssrc,
		PayloadType: pt,
		Class:       class,
		Target:      target.Name(),
	})
	m.mu.Unlock()

	m.logger.Info("Входящий источник связан с ногой",
		slog.String("pad", pad.Name()),
		slog.String("class", class.String()),
		slog.String("target", target.Name()))
}

func (m *Multiplexer) routeOutbound(pad engine.Pad, slot int) {
	m.mu.Lock()
	target, ok := m.sendTargets[slot]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("Нет транспорта для исходящего потока", slog.String("pad", pad.Name()))
		return
	}

	sink, err := m.engine.StaticPad(target, "sink")
	if err == nil {
		err = m.engine.LinkPads(pad, sink)
	}
	if err != nil {
		err = fmt.Errorf("не удалось связать %s с %s: %w", pad.Name(), target.Name(), err)
		m.logger.Error("Не удалось связать исходящий поток", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	if cur, ok := m.sendTargets[slot]; ok && cur == target {
		m.sendResults[slot] = err
	}
	m.mu.Unlock()
}
