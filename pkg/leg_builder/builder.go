// Package leg_builder строит ноги медиа сессии (входящее видео, входящее
// аудио, исходящее аудио) из элементов движка.
//
// Каждая нога собирается по стадиям. Неудача любой стадии разбирает уже
// созданную часть ноги (элементы, пэды сессии, ссылки на сокеты) и
// возвращается одной ошибкой media.SessionError с именем стадии.
// Повторное построение существующей ноги возвращает ее без изменений.
//
// Отдельно от ног построитель собирает воспроизведение RTSP потока (BuildRTSP),
// которое не использует ни сокеты, ни элемент сессии.
package leg_builder

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/randutil"

	"github.com/arzzra/media_session/pkg/engine"
	"github.com/arzzra/media_session/pkg/media"
	"github.com/arzzra/media_session/pkg/rtp"
	"github.com/arzzra/media_session/pkg/session_mux"
	"github.com/arzzra/media_session/pkg/trackinfo"
)

// Builder строит и разбирает ноги одной сессии
type Builder struct {
	engine  engine.Engine
	mux     *session_mux.Multiplexer
	sockets *rtp.SocketManager
	config  Config
	rand    randutil.MathRandomGenerator

	mutex sync.Mutex
	legs  map[trackinfo.Kind]*Leg
	rtsp  *Playback

	logger *slog.Logger
}

// New создает построитель ног
func New(eng engine.Engine, mux *session_mux.Multiplexer, sockets *rtp.SocketManager, config Config, logger *slog.Logger) (*Builder, error) {
	if eng == nil || mux == nil || sockets == nil {
		return nil, fmt.Errorf("engine, мультиплексор и менеджер сокетов обязательны")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("невалидная конфигурация построителя: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		engine:  eng,
		mux:     mux,
		sockets: sockets,
		config:  config,
		rand:    randutil.NewMathRandomGenerator(),
		legs:    make(map[trackinfo.Kind]*Leg),
		logger:  logger.With(slog.String("component", "leg_builder")),
	}, nil
}

// Leg возвращает построенную ногу
func (b *Builder) Leg(kind trackinfo.Kind) (*Leg, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	leg, ok := b.legs[kind]
	return leg, ok
}

// Built сообщает, построена ли нога
func (b *Builder) Built(kind trackinfo.Kind) bool {
	_, ok := b.Leg(kind)
	return ok
}

// BuildReceiveVideo строит ногу входящего видео на собственном сокете:
//
//	udpsrc -> srtpdec -> session.recv_rtp_sink_0
//	udpsrc(local+1) -> session.recv_rtcp_sink_0, session.send_rtcp_src_0 -> udpsink(port+1)
//	session.recv_rtp_src_0_* -> depay -> queue -> parse -> decode -> sink
func (b *Builder) BuildReceiveVideo(desc trackinfo.Descriptor) (*Leg, error) {
	return b.build(trackinfo.ReceiveVideo, desc, nil, b.buildReceive)
}

// BuildReceiveAudio строит ногу входящего аудио на общем сокете.
// Нога берет собственную ссылку на сокет.
func (b *Builder) BuildReceiveAudio(desc trackinfo.Descriptor, shared *rtp.SharedSocket) (*Leg, error) {
	return b.build(trackinfo.ReceiveAudio, desc, shared, b.buildReceive)
}

// BuildSendAudio строит ногу исходящего аудио на общем сокете:
//
//	src -> convert -> resample -> volume -> pay -> session.send_rtp_sink_2
//	session.send_rtp_src_2 -> srtpenc -> udpsink(shared socket)
//
// Если стадию шифрования создать не удалось, нога отправляет без шифрования
// (только при AllowUnencryptedSend).
func (b *Builder) BuildSendAudio(desc trackinfo.Descriptor, shared *rtp.SharedSocket) (*Leg, error) {
	return b.build(trackinfo.SendAudio, desc, shared, b.buildSend)
}

type buildFunc func(a *assembly, desc trackinfo.Descriptor, shared *rtp.SharedSocket) error

func (b *Builder) build(kind trackinfo.Kind, desc trackinfo.Descriptor, shared *rtp.SharedSocket, fn buildFunc) (*Leg, error) {
	if leg, ok := b.Leg(kind); ok {
		return leg, nil
	}
	if !desc.Complete() {
		return nil, media.NewError(media.KindConfigIncomplete, kind.String(), "", "дескриптор трека неполон", nil)
	}
	if kind != trackinfo.ReceiveVideo && shared == nil {
		return nil, media.NewError(media.KindBind, kind.String(), StageSocket, "общий аудио сокет не передан", nil)
	}

	a := b.newAssembly(kind)
	if err := fn(a, desc, shared); err != nil {
		b.logger.Error("Не удалось построить ногу",
			slog.String("leg", kind.String()),
			slog.String("stage", a.stage),
			slog.String("error", err.Error()))
		a.rollback()
		return nil, err
	}

	b.mutex.Lock()
	b.legs[kind] = a.leg
	b.mutex.Unlock()

	b.logger.Info("Нога построена", a.leg.logAttrs()...)
	return a.leg, nil
}

func (b *Builder) buildReceive(a *assembly, desc trackinfo.Descriptor, shared *rtp.SharedSocket) error {
	cfg := b.config
	ek := cfg.Elements
	video := a.leg.Kind == trackinfo.ReceiveVideo

	pt, rate, encoding := cfg.AudioPayloadType, cfg.AudioSampleRate, cfg.AudioEncodingName
	class, mediaType := session_mux.ClassAudio, "audio"
	if video {
		pt, rate, encoding = cfg.VideoPayloadType, cfg.VideoClockRate, cfg.VideoEncodingName
		class, mediaType = session_mux.ClassVideo, "video"
	}
	if desc.PayloadType != 0 {
		pt = desc.PayloadType
	}
	if desc.SampleRate != 0 {
		rate = desc.SampleRate
	}

	// Депейлоадер регистрируется до появления транспорта, чтобы первый же
	// входящий источник нашел свою ногу
	a.enter(StageDownstream)
	var kinds []string
	if video {
		kinds = []string{ek.VideoDepayloader, ek.Queue, ek.VideoParser, ek.VideoDecoder, ek.VideoSink}
	} else {
		kinds = []string{ek.AudioDepayloader, ek.Queue, ek.AudioConverter, ek.Gain, ek.AudioSink}
	}
	chain, err := a.chain(kinds...)
	if err != nil {
		return err
	}
	a.leg.Depayloader = chain[0]
	if !video {
		a.leg.Gain = chain[3]
		if err := a.set(a.leg.Gain, "mute", cfg.MuteByDefault); err != nil {
			return err
		}
	}
	if err := b.mux.RegisterDepayloader(class, a.leg.Depayloader); err != nil {
		return a.fail(media.KindElementConstruction, "не удалось зарегистрировать депейлоадер", err)
	}
	a.leg.registered = true

	a.enter(StageSocket)
	conn, err := b.acquireSocket(a, desc.LocalPort, shared)
	if err != nil {
		return err
	}
	a.leg.Remote = remoteAddr(desc.ServerAddress, desc.Port)
	a.leg.SSRC = desc.SSRC

	a.enter(StageDecrypt)
	suite, err := SuiteForKey(desc.Key)
	if err != nil {
		return a.fail(media.KindEncryptionUnavailable, "ключ расшифровки не подходит", err)
	}
	dec, err := a.makeAs(ek.Decrypter, media.KindEncryptionUnavailable)
	if err != nil {
		return err
	}
	keyFn, own := keyRequest(desc.Key, desc.SSRC)
	a.leg.keys = append(a.leg.keys, own)
	b.engine.OnRequestKey(dec, keyFn)
	a.leg.Crypto = dec
	a.leg.Encrypted = true

	a.enter(StageTransport)
	src, err := a.make(ek.UDPSource)
	if err != nil {
		return err
	}
	if err := a.set(src, "socket", conn); err != nil {
		return err
	}
	if err := a.set(src, "close-socket", false); err != nil {
		return err
	}
	if err := a.linkCaps(src, dec, srtpCaps(mediaType, pt, rate, encoding, desc.SSRC, suite)); err != nil {
		return err
	}

	a.enter(StageSession)
	sink, err := a.requestPad(engine.TemplateRecvRTPSink)
	if err != nil {
		return err
	}
	if err := a.linkPad(dec, "src", sink, true); err != nil {
		return err
	}

	return a.rtcp(desc.ServerAddress, desc.Port, a.leg.LocalPort)
}

func (b *Builder) buildSend(a *assembly, desc trackinfo.Descriptor, shared *rtp.SharedSocket) error {
	cfg := b.config
	ek := cfg.Elements

	pt := cfg.AudioPayloadType
	if desc.PayloadType != 0 {
		pt = desc.PayloadType
	}
	rate := cfg.AudioSampleRate
	if desc.SampleRate != 0 {
		rate = desc.SampleRate
	}
	channels := cfg.AudioChannels
	if desc.Channels != 0 {
		channels = desc.Channels
	}
	a.leg.SSRC = desc.SSRC
	if a.leg.SSRC == 0 {
		a.leg.SSRC = b.randomSSRC()
	}

	a.enter(StageSocket)
	conn, err := b.acquireSocket(a, desc.LocalPort, shared)
	if err != nil {
		return err
	}
	a.leg.Remote = remoteAddr(desc.ServerAddress, desc.Port)

	a.enter(StageTransport)
	out, err := a.make(ek.UDPSink)
	if err != nil {
		return err
	}
	for _, p := range []struct {
		name  string
		value any
	}{
		{"socket", conn},
		{"close-socket", false},
		{"host", desc.ServerAddress},
		{"port", desc.Port},
		{"sync", false},
		{"async", false},
	} {
		if err := a.set(out, p.name, p.value); err != nil {
			return err
		}
	}

	a.enter(StageEncrypt)
	target := out
	enc, err := b.encrypter(a, desc.Key, out)
	switch {
	case err == nil:
		target = enc
		a.leg.Crypto = enc
		a.leg.Encrypted = true
	case cfg.AllowUnencryptedSend:
		b.logger.Warn("Стадия шифрования недоступна, аудио отправляется без шифрования",
			slog.String("leg", a.leg.Kind.String()),
			slog.String("error", err.Error()))
	default:
		return err
	}

	a.enter(StageCapture)
	capture, err := a.chain(ek.AudioSource, ek.AudioConverter, ek.AudioResampler)
	if err != nil {
		return err
	}
	gain, err := a.make(ek.Gain)
	if err != nil {
		return err
	}
	rawCaps := engine.Caps{MimeType: "audio/x-raw", Rate: rate, Channels: channels}
	if err := a.linkCaps(capture[len(capture)-1], gain, rawCaps); err != nil {
		return err
	}
	if err := a.set(gain, "mute", cfg.MuteByDefault); err != nil {
		return err
	}
	a.leg.Gain = gain
	pay, err := a.make(ek.AudioPayloader)
	if err != nil {
		return err
	}
	if err := a.link(gain, pay); err != nil {
		return err
	}
	if err := a.set(pay, "pt", uint(pt)); err != nil {
		return err
	}
	if err := a.set(pay, "ssrc", a.leg.SSRC); err != nil {
		return err
	}
	a.leg.Depayloader = pay

	a.enter(StageSession)
	sink, err := b.mux.OpenSendSlot(a.leg.Slot, target)
	if err != nil {
		return a.fail(media.KindElementConstruction, "не удалось открыть слот отправки", err)
	}
	a.leg.pads = append(a.leg.pads, sink)
	if err := a.linkPad(pay, "src", sink, true); err != nil {
		return err
	}

	return a.rtcp(desc.ServerAddress, desc.Port, a.leg.LocalPort)
}

// encrypter создает стадию шифрования перед транспортом. Неудача не
// оставляет в графе ни одного нового элемента.
func (b *Builder) encrypter(a *assembly, key []byte, transport engine.Element) (engine.Element, error) {
	suite, err := SuiteForKey(key)
	if err != nil {
		return nil, a.fail(media.KindEncryptionUnavailable, "ключ шифрования не подходит", err)
	}
	enc, err := b.engine.Make(b.config.Elements.Encrypter, "")
	if err != nil {
		return nil, a.fail(media.KindEncryptionUnavailable, "не удалось создать "+b.config.Elements.Encrypter, err)
	}

	own := append([]byte(nil), key...)
	props := []struct {
		name  string
		value any
	}{
		{"key", own},
		{"rtp-cipher", suite.Cipher},
		{"rtp-auth", suite.Auth},
		{"rtcp-cipher", suite.Cipher},
		{"rtcp-auth", suite.Auth},
	}
	for _, p := range props {
		if err = b.engine.SetProperty(enc, p.name, p.value); err != nil {
			break
		}
	}
	if err == nil {
		err = b.engine.Link(enc, transport)
	}
	if err != nil {
		zero(own)
		_ = b.engine.Remove(enc)
		return nil, a.fail(media.KindEncryptionUnavailable, "не удалось настроить стадию шифрования", err)
	}

	a.leg.elements = append(a.leg.elements, enc)
	a.leg.keys = append(a.leg.keys, own)
	return enc, nil
}

// acquireSocket занимает собственный сокет ноги или берет ссылку на общий
func (b *Builder) acquireSocket(a *assembly, localPort int, shared *rtp.SharedSocket) (*net.UDPConn, error) {
	if shared != nil {
		if err := shared.Acquire(); err != nil {
			return nil, a.fail(media.KindBind, "общий сокет недоступен", err)
		}
		a.leg.shared = shared
		a.leg.LocalPort = shared.LocalPort()
		return shared.Conn(), nil
	}

	sock, err := b.sockets.BindUDP(localPort)
	if err != nil {
		return nil, a.fail(media.KindBind, fmt.Sprintf("не удалось занять порт %d", localPort), err)
	}
	a.leg.socket = sock
	a.leg.LocalPort = sock.LocalPort()
	return sock.Conn(), nil
}

func (b *Builder) randomSSRC() uint32 {
	for {
		if v := b.rand.Uint32(); v != 0 {
			return v
		}
	}
}

// SetMuted включает или выключает звук аудио ноги
func (b *Builder) SetMuted(kind trackinfo.Kind, muted bool) error {
	leg, ok := b.Leg(kind)
	if !ok {
		return fmt.Errorf("нога %s не построена", kind)
	}
	if leg.Gain == nil {
		return fmt.Errorf("у ноги %s нет регулятора громкости", kind)
	}
	return b.engine.SetProperty(leg.Gain, "mute", muted)
}

// ReleaseLeg разбирает ногу и отпускает ее сокеты
func (b *Builder) ReleaseLeg(kind trackinfo.Kind) error {
	b.mutex.Lock()
	leg, ok := b.legs[kind]
	delete(b.legs, kind)
	b.mutex.Unlock()
	if !ok {
		return nil
	}
	return b.release(leg)
}

// ReleaseAll разбирает воспроизведение RTSP и все ноги в обратном порядке построения
func (b *Builder) ReleaseAll() error {
	var errs []error
	if err := b.ReleaseRTSP(); err != nil {
		errs = append(errs, err)
	}
	for i := len(trackinfo.Kinds) - 1; i >= 0; i-- {
		if err := b.ReleaseLeg(trackinfo.Kinds[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Builder) release(leg *Leg) error {
	var errs []error

	for _, p := range leg.pads {
		if err := b.mux.ReleaseSlotPad(leg.Slot, p); err != nil {
			errs = append(errs, err)
		}
	}
	leg.pads = nil
	if leg.Kind == trackinfo.SendAudio {
		b.mux.CloseSendSlot(leg.Slot)
	}
	if leg.registered {
		class := session_mux.ClassVideo
		if leg.Kind == trackinfo.ReceiveAudio {
			class = session_mux.ClassAudio
		}
		b.mux.Unregister(class)
		leg.registered = false
	}

	if len(leg.elements) > 0 {
		if err := b.engine.Remove(leg.elements...); err != nil {
			errs = append(errs, err)
		}
		leg.elements = nil
	}

	if leg.socket != nil {
		if err := leg.socket.Close(); err != nil {
			errs = append(errs, err)
		}
		leg.socket = nil
	}
	if leg.shared != nil {
		if err := leg.shared.Release(); err != nil {
			errs = append(errs, err)
		}
		leg.shared = nil
	}

	for _, k := range leg.keys {
		zero(k)
	}
	leg.keys = nil

	if len(errs) > 0 {
		b.logger.Warn("Нога разобрана с ошибками",
			slog.String("leg", leg.Kind.String()),
			slog.String("error", errors.Join(errs...).Error()))
	}
	return errors.Join(errs...)
}
