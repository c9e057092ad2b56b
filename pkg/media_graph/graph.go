// Package media_graph реализует engine.Engine в памяти.
//
// Граф записывает созданные элементы, свойства и связи, эмулирует
// request-пэды элемента сессии (rtpbin) и появление динамических пэдов.
// Пакеты, поданные через InjectRTP, проходят через request-key обработчик
// SRTP стадии слота, поэтому поведение "принимать только свой SSRC"
// проверяется без настоящего медиа движка.
package media_graph

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/arzzra/media_session/pkg/engine"
)

// Ошибки графа
var (
	ErrUnknownElement  = errors.New("элемент не найден в графе")
	ErrAlreadyLinked   = errors.New("пэд уже связан")
	ErrSourceRejected  = errors.New("источник отклонен SRTP стадией")
	ErrNoSessionTarget = errors.New("нет цепочки для слота")
)

type element struct {
	name  string
	kind  string
	props map[string]any
	pads  map[string]*pad
}

func (e *element) Name() string { return e.name }
func (e *element) Kind() string { return e.kind }

type pad struct {
	name      string
	owner     *element
	caps      engine.Caps
	requested bool
	peer      *pad
}

func (p *pad) Name() string            { return p.name }
func (p *pad) Element() engine.Element { return p.owner }
func (p *pad) Caps() engine.Caps       { return p.caps }
func (p *pad) qualified() string       { return p.owner.name + "." + p.name }
func (p *pad) String() string          { return p.qualified() }

// Link связь между пэдами графа
type Link struct {
	Src  string // "element.pad"
	Sink string // "element.pad"
	Caps engine.Caps
}

// Graph медиа граф в памяти. Потокобезопасен.
type Graph struct {
	mu       sync.Mutex
	elements map[string]*element
	order    []string
	links    []Link
	padAdded map[string][]engine.PadAddedFunc
	keyReq   map[string]engine.KeyRequestFunc
	counters map[string]int
	failMake map[string]error
	failLink map[string]error
	seen     map[string]map[uint32]*pad
	rejected int
}

var _ engine.Engine = (*Graph)(nil)

// New создает пустой граф
func New() *Graph {
	return &Graph{
		elements: make(map[string]*element),
		padAdded: make(map[string][]engine.PadAddedFunc),
		keyReq:   make(map[string]engine.KeyRequestFunc),
		counters: make(map[string]int),
		failMake: make(map[string]error),
		failLink: make(map[string]error),
		seen:     make(map[string]map[uint32]*pad),
	}
}

// FailMake заставляет Make возвращать ошибку для элементов заданного типа
func (g *Graph) FailMake(kind string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failMake[kind] = fmt.Errorf("тип элемента %s недоступен", kind)
}

// FailLink заставляет связывание в элемент заданного типа возвращать ошибку
func (g *Graph) FailLink(sinkKind string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failLink[sinkKind] = fmt.Errorf("не удалось связать с %s", sinkKind)
}

// Make создает элемент
func (g *Graph) Make(kind, name string) (engine.Element, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.failMake[kind]; err != nil {
		return nil, err
	}
	if kind == "" {
		return nil, fmt.Errorf("тип элемента не может быть пустым")
	}

	if name == "" {
		name = kind + strconv.Itoa(g.counters[kind])
		g.counters[kind]++
	}
	if _, exists := g.elements[name]; exists {
		return nil, fmt.Errorf("элемент с именем %s уже существует", name)
	}

	el := &element{
		name:  name,
		kind:  kind,
		props: make(map[string]any),
		pads:  make(map[string]*pad),
	}
	if kind != "rtpbin" {
		el.pads["src"] = &pad{name: "src", owner: el}
		el.pads["sink"] = &pad{name: "sink", owner: el}
	}
	g.elements[name] = el
	g.order = append(g.order, name)
	return el, nil
}

// Remove удаляет элементы вместе с их связями и подписками
func (g *Graph) Remove(elements ...engine.Element) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var missing []string
	for _, e := range elements {
		if e == nil {
			continue
		}
		el, ok := g.elements[e.Name()]
		if !ok {
			missing = append(missing, e.Name())
			continue
		}
		for _, p := range el.pads {
			g.unlinkLocked(p)
		}
		delete(g.elements, el.name)
		delete(g.padAdded, el.name)
		delete(g.keyReq, el.name)
		delete(g.seen, el.name)
		for i, n := range g.order {
			if n == el.name {
				g.order = append(g.order[:i], g.order[i+1:]...)
				break
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownElement, strings.Join(missing, ", "))
	}
	return nil
}

// Link связывает src пэд a с sink пэдом b
func (g *Graph) Link(a, b engine.Element) error {
	return g.LinkWithCaps(a, b, engine.Caps{})
}

// LinkWithCaps связывает a и b, фиксируя профиль возможностей на обоих пэдах
func (g *Graph) LinkWithCaps(a, b engine.Element, caps engine.Caps) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	src, err := g.staticPadLocked(a, "src")
	if err != nil {
		return err
	}
	sink, err := g.staticPadLocked(b, "sink")
	if err != nil {
		return err
	}
	return g.linkLocked(src, sink, caps)
}

// RequestPad запрашивает пэд по шаблону ("recv_rtp_sink_%u") или точному имени ("recv_rtp_sink_1").
// Запрос send_rtp_sink_N синхронно создает send_rtp_src_N и сообщает о нем подписчикам.
func (g *Graph) RequestPad(e engine.Element, template string) (engine.Pad, error) {
	g.mu.Lock()
	el, ok := g.lookupLocked(e)
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownElement, nameOf(e))
	}

	name := template
	if strings.Contains(template, "%u") {
		for i := 0; ; i++ {
			candidate := engine.PadName(template, i)
			if _, busy := el.pads[candidate]; !busy {
				name = candidate
				break
			}
		}
	}
	if _, busy := el.pads[name]; busy {
		g.mu.Unlock()
		return nil, fmt.Errorf("пэд %s.%s уже запрошен", el.name, name)
	}

	p := &pad{name: name, owner: el, requested: true}
	el.pads[name] = p

	var announced *pad
	var callbacks []engine.PadAddedFunc
	if strings.HasPrefix(name, "send_rtp_sink_") {
		slot, err := strconv.Atoi(strings.TrimPrefix(name, "send_rtp_sink_"))
		if err == nil {
			announced = &pad{name: engine.SendSourceName(slot), owner: el, requested: true}
			el.pads[announced.name] = announced
			callbacks = append(callbacks, g.padAdded[el.name]...)
		}
	}
	g.mu.Unlock()

	if announced != nil {
		for _, fn := range callbacks {
			fn(el, announced)
		}
	}
	return p, nil
}

// ReleasePad возвращает запрошенный пэд
func (g *Graph) ReleasePad(e engine.Element, p engine.Pad) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	el, ok := g.lookupLocked(e)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownElement, nameOf(e))
	}
	if p == nil {
		return fmt.Errorf("пэд не может быть nil")
	}
	own, ok := el.pads[p.Name()]
	if !ok || !own.requested {
		return fmt.Errorf("пэд %s.%s не был запрошен", el.name, p.Name())
	}
	g.unlinkLocked(own)
	delete(el.pads, own.name)

	if strings.HasPrefix(own.name, "send_rtp_sink_") {
		srcName := "send_rtp_src_" + strings.TrimPrefix(own.name, "send_rtp_sink_")
		if src, ok := el.pads[srcName]; ok {
			g.unlinkLocked(src)
			delete(el.pads, srcName)
		}
	}
	return nil
}

// StaticPad возвращает статический пэд элемента
func (g *Graph) StaticPad(e engine.Element, name string) (engine.Pad, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, err := g.staticPadLocked(e, name)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// LinkPads связывает два пэда
func (g *Graph) LinkPads(src, sink engine.Pad) error {
	if src == nil || sink == nil {
		return fmt.Errorf("пэд не может быть nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	s, err := g.ownPadLocked(src)
	if err != nil {
		return err
	}
	d, err := g.ownPadLocked(sink)
	if err != nil {
		return err
	}
	return g.linkLocked(s, d, s.caps)
}

// OnPadAdded подписывает на появление динамических пэдов
func (g *Graph) OnPadAdded(e engine.Element, fn engine.PadAddedFunc) {
	if e == nil || fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.padAdded[e.Name()] = append(g.padAdded[e.Name()], fn)
}

// OnRequestKey подписывает SRTP стадию на запросы ключа
func (g *Graph) OnRequestKey(e engine.Element, fn engine.KeyRequestFunc) {
	if e == nil || fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keyReq[e.Name()] = fn
}

// SetProperty записывает свойство элемента
func (g *Graph) SetProperty(e engine.Element, name string, value any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	el, ok := g.lookupLocked(e)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownElement, nameOf(e))
	}
	el.props[name] = value
	return nil
}

// MediaTypeOf возвращает тип медиа по профилю пэда
func (g *Graph) MediaTypeOf(p engine.Pad) engine.MediaType {
	if p == nil {
		return engine.MediaUnknown
	}
	return p.Caps().MediaType()
}

func (g *Graph) lookupLocked(e engine.Element) (*element, bool) {
	if e == nil {
		return nil, false
	}
	el, ok := g.elements[e.Name()]
	return el, ok
}

func (g *Graph) staticPadLocked(e engine.Element, name string) (*pad, error) {
	el, ok := g.lookupLocked(e)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownElement, nameOf(e))
	}
	p, ok := el.pads[name]
	if !ok || p.requested {
		return nil, fmt.Errorf("у элемента %s нет статического пэда %s", el.name, name)
	}
	return p, nil
}

func (g *Graph) ownPadLocked(p engine.Pad) (*pad, error) {
	el, ok := g.lookupLocked(p.Element())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownElement, nameOf(p.Element()))
	}
	own, ok := el.pads[p.Name()]
	if !ok {
		return nil, fmt.Errorf("пэд %s.%s не найден", el.name, p.Name())
	}
	return own, nil
}

func (g *Graph) linkLocked(src, sink *pad, caps engine.Caps) error {
	if err := g.failLink[sink.owner.kind]; err != nil {
		return err
	}
	if src.peer != nil || sink.peer != nil {
		return fmt.Errorf("%w: %s -> %s", ErrAlreadyLinked, src.qualified(), sink.qualified())
	}
	src.peer, sink.peer = sink, src
	if !caps.IsEmpty() {
		src.caps, sink.caps = caps, caps
	}
	g.links = append(g.links, Link{Src: src.qualified(), Sink: sink.qualified(), Caps: caps})
	return nil
}

func (g *Graph) unlinkLocked(p *pad) {
	if p.peer == nil {
		return
	}
	peer := p.peer
	p.peer, peer.peer = nil, nil
	a, b := p.qualified(), peer.qualified()
	kept := g.links[:0]
	for _, l := range g.links {
		if (l.Src == a && l.Sink == b) || (l.Src == b && l.Sink == a) {
			continue
		}
		kept = append(kept, l)
	}
	g.links = kept
}

func nameOf(e engine.Element) string {
	if e == nil {
		return "<nil>"
	}
	return e.Name()
}

// Elements возвращает имена элементов в порядке создания
func (g *Graph) Elements() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

// ElementsOfKind возвращает имена элементов заданного типа
func (g *Graph) ElementsOfKind(kind string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, n := range g.order {
		if g.elements[n].kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Property возвращает значение свойства элемента
func (g *Graph) Property(elementName, prop string) (any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	el, ok := g.elements[elementName]
	if !ok {
		return nil, false
	}
	v, ok := el.props[prop]
	return v, ok
}

// Links возвращает копию списка связей
func (g *Graph) Links() []Link {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Link(nil), g.links...)
}

// Peer возвращает "element.pad", с которым связан пэд, или пустую строку
func (g *Graph) Peer(elementName, padName string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	el, ok := g.elements[elementName]
	if !ok {
		return ""
	}
	p, ok := el.pads[padName]
	if !ok || p.peer == nil {
		return ""
	}
	return p.peer.qualified()
}

// HasPad сообщает, есть ли у элемента пэд с заданным именем
func (g *Graph) HasPad(elementName, padName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	el, ok := g.elements[elementName]
	if !ok {
		return false
	}
	_, ok = el.pads[padName]
	return ok
}

// Rejected возвращает количество пакетов, отклоненных SRTP стадиями
func (g *Graph) Rejected() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rejected
}

// RequestKey вызывает обработчик запроса ключа SRTP стадии, как это
// делает движок при появлении нового SSRC. Без обработчика возвращает nil.
func (g *Graph) RequestKey(elementName string, ssrc uint32) []byte {
	g.mu.Lock()
	fn := g.keyReq[elementName]
	g.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ssrc)
}

// Topology возвращает текстовое описание графа: элементы со свойствами и связи
func (g *Graph) Topology() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var sb strings.Builder
	for _, n := range g.order {
		el := g.elements[n]
		fmt.Fprintf(&sb, "%s (%s)", el.name, el.kind)
		keys := make([]string, 0, len(el.props))
		for k := range el.props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%s", k, formatValue(el.props[k]))
		}
		sb.WriteString("\n")
	}
	for _, l := range g.links {
		if l.Caps.IsEmpty() {
			fmt.Fprintf(&sb, "%s -> %s\n", l.Src, l.Sink)
		} else {
			fmt.Fprintf(&sb, "%s -> %s [%s]\n", l.Src, l.Sink, l.Caps)
		}
	}
	return sb.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(val))
	case interface{ LocalAddr() net.Addr }:
		return "socket:" + val.LocalAddr().String()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
