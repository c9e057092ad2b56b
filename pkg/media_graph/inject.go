package media_graph

import (
	"fmt"

	"github.com/arzzra/media_session/pkg/engine"
	"github.com/arzzra/media_session/pkg/rtp"
)

// EmitPad создает динамический пэд на элементе и сообщает о нем подписчикам
// OnPadAdded. Подписчики вызываются синхронно в горутине вызывающего,
// как это делает поток движка.
func (g *Graph) EmitPad(e engine.Element, name string, caps engine.Caps) (engine.Pad, error) {
	g.mu.Lock()
	el, ok := g.lookupLocked(e)
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownElement, nameOf(e))
	}
	if _, busy := el.pads[name]; busy {
		g.mu.Unlock()
		return nil, fmt.Errorf("пэд %s.%s уже существует", el.name, name)
	}
	p := &pad{name: name, owner: el, caps: caps, requested: true}
	el.pads[name] = p
	callbacks := append([]engine.PadAddedFunc(nil), g.padAdded[el.name]...)
	g.mu.Unlock()

	for _, fn := range callbacks {
		fn(el, p)
	}
	return p, nil
}

// InjectRTP эмулирует приход RTP пакета в слот сессии.
//
// Пакет должен пройти SRTP стадию, связанную с recv_rtp_sink_<slot>: ее
// request-key обработчик вызывается для SSRC пакета и может отклонить
// источник. Для нового SSRC элемент сессии создает пэд
// recv_rtp_src_<slot>_<ssrc>_<pt> с профилем, согласованным на входе
// SRTP стадии. Повторные пакеты того же SSRC новых пэдов не создают.
func (g *Graph) InjectRTP(slot int, raw []byte) (engine.Pad, error) {
	info, err := rtp.ParseRTPHeader(raw)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	session, upstream := g.slotChainLocked(slot)
	if session == nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w %d", ErrNoSessionTarget, slot)
	}
	if p, ok := g.seen[session.name][info.SSRC]; ok {
		g.mu.Unlock()
		return p, nil
	}

	var keyFn engine.KeyRequestFunc
	var upCaps engine.Caps
	if upstream != nil {
		keyFn = g.keyReq[upstream.name]
		if sink, ok := upstream.pads["sink"]; ok {
			upCaps = sink.caps
		}
	}
	g.mu.Unlock()

	if keyFn != nil && keyFn(info.SSRC) == nil {
		g.mu.Lock()
		g.rejected++
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: ssrc %d", ErrSourceRejected, info.SSRC)
	}

	caps := engine.Caps{
		MimeType:     "application/x-rtp",
		Media:        upCaps.Media,
		PayloadType:  int(info.PayloadType),
		ClockRate:    upCaps.ClockRate,
		EncodingName: upCaps.EncodingName,
		SSRC:         info.SSRC,
	}
	p, err := g.EmitPad(session, engine.RecvSourceName(slot, info.SSRC, info.PayloadType), caps)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.seen[session.name] == nil {
		g.seen[session.name] = make(map[uint32]*pad)
	}
	g.seen[session.name][info.SSRC] = p.(*pad)
	g.mu.Unlock()
	return p, nil
}

// slotChainLocked находит элемент сессии с пэдом recv_rtp_sink_<slot> и
// элемент, подключенный к этому пэду (SRTP стадию или транспорт)
func (g *Graph) slotChainLocked(slot int) (*element, *element) {
	sinkName := engine.PadName(engine.TemplateRecvRTPSink, slot)
	for _, n := range g.order {
		el := g.elements[n]
		if el.kind != "rtpbin" {
			continue
		}
		p, ok := el.pads[sinkName]
		if !ok {
			continue
		}
		if p.peer == nil {
			return el, nil
		}
		return el, p.peer.owner
	}
	return nil, nil
}
