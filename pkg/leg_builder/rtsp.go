package leg_builder

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/arzzra/media_session/pkg/engine"
	"github.com/arzzra/media_session/pkg/media"
	"github.com/arzzra/media_session/pkg/session_mux"
)

// playbackName имя RTSP воспроизведения в ошибках и логах
const playbackName = "rtsp"

// Playback воспроизведение удаленного RTSP потока.
//
// Источник сам выбирает транспорт и создает пэд на каждый поток сервера.
// Первый видео поток уходит в цепочку декодирования видео, первый аудио
// поток в аудио цепочку. Остальные потоки отбрасываются.
type Playback struct {
	Location string
	Source   engine.Element
	// Gain регулятор громкости аудио цепочки
	Gain engine.Element

	elements []engine.Element
	targets  map[session_mux.Class]engine.Element

	mu      sync.Mutex
	linked  map[session_mux.Class]string
	dropped int
	closed  bool
}

// Elements возвращает элементы воспроизведения в порядке создания
func (p *Playback) Elements() []engine.Element {
	return append([]engine.Element(nil), p.elements...)
}

// Linked возвращает имя пэда источника, связанного с цепочкой класса
func (p *Playback) Linked(class session_mux.Class) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.linked[class]
	return name, ok
}

// Dropped возвращает количество отброшенных потоков
func (p *Playback) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// BuildRTSP строит воспроизведение RTSP потока:
//
//	rtspsrc.video -> depay -> parse -> decode -> videoconvert -> sink
//	rtspsrc.audio -> decodebin -> audioconvert -> volume -> sink
//
// Повторный вызов возвращает уже построенное воспроизведение.
func (b *Builder) BuildRTSP(location string) (*Playback, error) {
	b.mutex.Lock()
	existing := b.rtsp
	b.mutex.Unlock()
	if existing != nil {
		return existing, nil
	}
	if err := validateLocation(location); err != nil {
		return nil, media.NewError(media.KindConfigIncomplete, playbackName, StageSource, "адрес потока не подходит", err)
	}

	a := &assembly{b: b, name: playbackName, leg: &Leg{Slot: -1}}
	p, err := b.buildPlayback(a, location)
	if err != nil {
		b.logger.Error("Не удалось построить воспроизведение RTSP",
			slog.String("location", location),
			slog.String("stage", a.stage),
			slog.String("error", err.Error()))
		if len(a.leg.elements) > 0 {
			_ = b.engine.Remove(a.leg.elements...)
		}
		return nil, err
	}

	b.mutex.Lock()
	b.rtsp = p
	b.mutex.Unlock()

	b.logger.Info("Воспроизведение RTSP построено",
		slog.String("location", location),
		slog.Uint64("protocols", uint64(b.config.RTSP.Protocols)),
		slog.Duration("tcp_timeout", b.config.RTSP.TCPTimeout))
	return p, nil
}

func (b *Builder) buildPlayback(a *assembly, location string) (*Playback, error) {
	cfg := b.config
	ek := cfg.Elements

	a.enter(StageDownstream)
	video, err := a.chain(ek.VideoDepayloader, ek.VideoParser, ek.VideoDecoder, ek.VideoConverter, ek.VideoSink)
	if err != nil {
		return nil, err
	}
	audio, err := a.chain(ek.Decoder, ek.AudioConverter, ek.Gain, ek.AudioSink)
	if err != nil {
		return nil, err
	}
	// Звук воспроизведения включен сразу
	if err := a.set(audio[2], "mute", false); err != nil {
		return nil, err
	}

	a.enter(StageSource)
	src, err := a.make(ek.RTSPSource)
	if err != nil {
		return nil, err
	}
	for _, prop := range []struct {
		name  string
		value any
	}{
		{"location", location},
		{"protocols", cfg.RTSP.Protocols},
		{"tcp-timeout", uint64(cfg.RTSP.TCPTimeout.Microseconds())},
	} {
		if err := a.set(src, prop.name, prop.value); err != nil {
			return nil, err
		}
	}

	p := &Playback{
		Location: location,
		Source:   src,
		Gain:     audio[2],
		elements: a.leg.elements,
		targets: map[session_mux.Class]engine.Element{
			session_mux.ClassVideo: video[0],
			session_mux.ClassAudio: audio[0],
		},
		linked: make(map[session_mux.Class]string),
	}
	b.engine.OnPadAdded(src, func(_ engine.Element, pad engine.Pad) {
		b.routeStream(p, pad)
	})
	return p, nil
}

// routeStream вызывается из потока движка для каждого потока сервера
func (b *Builder) routeStream(p *Playback, pad engine.Pad) {
	mt := b.engine.MediaTypeOf(pad)
	class := session_mux.ClassifyMedia(mt)

	p.mu.Lock()
	_, busy := p.linked[class]
	if p.closed || busy || mt == engine.MediaUnknown {
		p.dropped++
		p.mu.Unlock()
		b.logger.Warn("Поток RTSP отброшен",
			slog.String("pad", pad.Name()),
			slog.String("media", mt.String()))
		return
	}
	p.linked[class] = pad.Name()
	target := p.targets[class]
	p.mu.Unlock()

	sink, err := b.engine.StaticPad(target, "sink")
	if err == nil {
		err = b.engine.LinkPads(pad, sink)
	}
	if err != nil {
		p.mu.Lock()
		delete(p.linked, class)
		p.dropped++
		p.mu.Unlock()
		b.logger.Error("Не удалось связать поток RTSP",
			slog.String("pad", pad.Name()),
			slog.String("target", target.Name()),
			slog.String("error", err.Error()))
		return
	}

	b.logger.Info("Поток RTSP связан",
		slog.String("pad", pad.Name()),
		slog.String("class", class.String()),
		slog.String("target", target.Name()))
}

// RTSP возвращает построенное воспроизведение
func (b *Builder) RTSP() (*Playback, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.rtsp, b.rtsp != nil
}

// SetRTSPMuted включает или выключает звук воспроизведения
func (b *Builder) SetRTSPMuted(muted bool) error {
	p, ok := b.RTSP()
	if !ok {
		return fmt.Errorf("воспроизведение RTSP не построено")
	}
	return b.engine.SetProperty(p.Gain, "mute", muted)
}

// ReleaseRTSP разбирает воспроизведение. Без воспроизведения ничего не делает.
func (b *Builder) ReleaseRTSP() error {
	b.mutex.Lock()
	p := b.rtsp
	b.rtsp = nil
	b.mutex.Unlock()
	if p == nil {
		return nil
	}

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if err := b.engine.Remove(p.elements...); err != nil {
		b.logger.Warn("Воспроизведение RTSP разобрано с ошибками", slog.String("error", err.Error()))
		return err
	}
	b.logger.Info("Воспроизведение RTSP разобрано", slog.String("location", p.Location))
	return nil
}

func validateLocation(location string) error {
	u, err := url.Parse(location)
	if err != nil {
		return err
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps", "rtspt", "rtspu":
	default:
		return fmt.Errorf("неподдерживаемая схема %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("в адресе %q нет хоста", location)
	}
	return nil
}
