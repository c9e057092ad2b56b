package leg_builder

import (
	"log/slog"
	"net"
	"strconv"

	"github.com/arzzra/media_session/pkg/engine"
	"github.com/arzzra/media_session/pkg/media"
	"github.com/arzzra/media_session/pkg/rtp"
	"github.com/arzzra/media_session/pkg/session_mux"
	"github.com/arzzra/media_session/pkg/trackinfo"
)

// Стадии построения ноги. Имя стадии попадает в ошибку и в лог.
const (
	StageSocket     = "socket"
	StageDecrypt    = "decrypt"
	StageEncrypt    = "encrypt"
	StageTransport  = "transport"
	StageSession    = "session"
	StageRTCP       = "rtcp"
	StageDownstream = "downstream"
	StageCapture    = "capture"
	StageSource     = "source"
)

// Leg построенная нога сессии
type Leg struct {
	Kind trackinfo.Kind
	Slot int

	// Depayloader входная стадия принимающей ноги или payloader отправляющей
	Depayloader engine.Element
	// Crypto стадия расшифровки или шифрования, nil для нешифрованной отправки
	Crypto engine.Element
	// Gain регулятор громкости аудио ноги
	Gain engine.Element

	LocalPort int
	Remote    string
	SSRC      uint32
	Encrypted bool

	elements   []engine.Element
	pads       []engine.Pad
	socket     *rtp.Socket
	shared     *rtp.SharedSocket
	keys       [][]byte
	registered bool
}

// Elements возвращает элементы ноги в порядке создания
func (l *Leg) Elements() []engine.Element {
	return append([]engine.Element(nil), l.elements...)
}

// assembly собирает ногу по стадиям и помнит все, что нужно откатить
type assembly struct {
	b     *Builder
	name  string
	leg   *Leg
	stage string
}

func (b *Builder) newAssembly(kind trackinfo.Kind) *assembly {
	return &assembly{
		b:    b,
		name: kind.String(),
		leg: &Leg{
			Kind: kind,
			Slot: session_mux.SlotOf(kind),
		},
	}
}

func (a *assembly) enter(stage string) {
	a.stage = stage
}

func (a *assembly) fail(kind media.ErrorKind, message string, err error) *media.SessionError {
	return media.NewError(kind, a.name, a.stage, message, err)
}

func (a *assembly) make(kind string) (engine.Element, error) {
	return a.makeAs(kind, media.KindElementConstruction)
}

// makeAs создает элемент, сообщая о неудаче ошибкой заданного класса
func (a *assembly) makeAs(kind string, errKind media.ErrorKind) (engine.Element, error) {
	el, err := a.b.engine.Make(kind, "")
	if err != nil {
		return nil, a.fail(errKind, "не удалось создать "+kind, err)
	}
	a.leg.elements = append(a.leg.elements, el)
	return el, nil
}

func (a *assembly) set(el engine.Element, name string, value any) error {
	if err := a.b.engine.SetProperty(el, name, value); err != nil {
		return a.fail(media.KindElementConstruction, "не удалось установить "+el.Name()+"."+name, err)
	}
	return nil
}

// chain создает элементы заданных типов и связывает их последовательно
func (a *assembly) chain(kinds ...string) ([]engine.Element, error) {
	out := make([]engine.Element, 0, len(kinds))
	for _, kind := range kinds {
		el, err := a.make(kind)
		if err != nil {
			return nil, err
		}
		if n := len(out); n > 0 {
			if err := a.link(out[n-1], el); err != nil {
				return nil, err
			}
		}
		out = append(out, el)
	}
	return out, nil
}

func (a *assembly) link(src, sink engine.Element) error {
	if err := a.b.engine.Link(src, sink); err != nil {
		return a.fail(media.KindElementConstruction, "не удалось связать "+src.Name()+" -> "+sink.Name(), err)
	}
	return nil
}

func (a *assembly) linkCaps(src, sink engine.Element, caps engine.Caps) error {
	if err := a.b.engine.LinkWithCaps(src, sink, caps); err != nil {
		return a.fail(media.KindElementConstruction, "не удалось связать "+src.Name()+" -> "+sink.Name(), err)
	}
	return nil
}

// requestPad запрашивает пэд слота ноги у мультиплексора
func (a *assembly) requestPad(template string) (engine.Pad, error) {
	p, err := a.b.mux.RequestSlotPad(template, a.leg.Slot)
	if err != nil {
		return nil, a.fail(media.KindElementConstruction, "не удалось запросить пэд сессии", err)
	}
	a.leg.pads = append(a.leg.pads, p)
	return p, nil
}

// linkPad связывает статический пэд элемента с пэдом сессии
func (a *assembly) linkPad(el engine.Element, padName string, sessionPad engine.Pad, toSession bool) error {
	own, err := a.b.engine.StaticPad(el, padName)
	if err == nil {
		if toSession {
			err = a.b.engine.LinkPads(own, sessionPad)
		} else {
			err = a.b.engine.LinkPads(sessionPad, own)
		}
	}
	if err != nil {
		return a.fail(media.KindElementConstruction, "не удалось связать "+el.Name()+" с "+sessionPad.Name(), err)
	}
	return nil
}

// rtcp строит пару RTCP стадий слота: прием на localPort+1 и отправку
// отчетов на порт сервера +1
func (a *assembly) rtcp(server string, port, localPort int) error {
	a.enter(StageRTCP)
	ek := a.b.config.Elements

	in, err := a.make(ek.UDPSource)
	if err != nil {
		return err
	}
	if err := a.set(in, "port", rtcpPort(localPort)); err != nil {
		return err
	}
	inPad, err := a.requestPad(engine.TemplateRecvRTCPSink)
	if err != nil {
		return err
	}
	if err := a.linkPad(in, "src", inPad, true); err != nil {
		return err
	}

	out, err := a.make(ek.UDPSink)
	if err != nil {
		return err
	}
	for _, p := range []struct {
		name  string
		value any
	}{
		{"host", server},
		{"port", port + 1},
		{"sync", false},
		{"async", false},
	} {
		if err := a.set(out, p.name, p.value); err != nil {
			return err
		}
	}
	outPad, err := a.requestPad(engine.TemplateSendRTCPSrc)
	if err != nil {
		return err
	}
	return a.linkPad(out, "sink", outPad, false)
}

// rollback разбирает частично построенную ногу
func (a *assembly) rollback() {
	a.b.release(a.leg)
}

func rtcpPort(localPort int) int {
	if localPort == 0 {
		return 0
	}
	return localPort + 1
}

func remoteAddr(server string, port int) string {
	return net.JoinHostPort(server, strconv.Itoa(port))
}

func (l *Leg) logAttrs() []any {
	return []any{
		slog.String("leg", l.Kind.String()),
		slog.Int("slot", l.Slot),
		slog.Int("local_port", l.LocalPort),
		slog.String("remote", l.Remote),
		slog.Bool("encrypted", l.Encrypted),
	}
}
