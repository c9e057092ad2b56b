// Package engine описывает узкий интерфейс внешнего медиа движка (графа
// элементов), через который сборщик сессии создает и связывает стадии.
//
// Декодирование, рендеринг, jitter buffer и пакетизация RTP/SRTP
// выполняются движком. Ядро сессии только выбирает топологию, настраивает
// свойства элементов и реагирует на появление динамических пэдов.
package engine

import (
	"fmt"
	"strings"
)

// Element дескриптор элемента графа
type Element interface {
	// Name возвращает уникальное имя элемента внутри графа
	Name() string
	// Kind возвращает тип элемента (например, "udpsrc", "srtpdec")
	Kind() string
}

// Pad дескриптор пэда элемента
type Pad interface {
	// Name возвращает имя пэда (например, "recv_rtp_src_0_42_96")
	Name() string
	// Element возвращает элемент, которому принадлежит пэд
	Element() Element
	// Caps возвращает согласованный профиль возможностей пэда (может быть пустым)
	Caps() Caps
}

// PadAddedFunc вызывается движком из его рабочего потока при появлении нового пэда
type PadAddedFunc func(element Element, pad Pad)

// KeyRequestFunc вызывается SRTP стадией при появлении нового SSRC.
// Возвращает ключевой материал или nil, если SSRC не должен приниматься.
type KeyRequestFunc func(ssrc uint32) []byte

// Engine возможности медиа движка, потребляемые ядром сессии.
//
// Реализации должны быть потокобезопасными: обратные вызовы OnPadAdded
// могут приходить из потоков движка одновременно с вызовами ядра.
type Engine interface {
	// Make создает элемент заданного типа. Пустое имя - движок выбирает имя сам.
	Make(kind, name string) (Element, error)
	// Remove удаляет элементы из графа вместе со всеми их связями
	Remove(elements ...Element) error

	// Link связывает src пэд a с sink пэдом b
	Link(a, b Element) error
	// LinkWithCaps связывает a и b с фильтром по профилю возможностей
	LinkWithCaps(a, b Element, caps Caps) error

	// RequestPad запрашивает пэд по шаблону (например, "recv_rtp_sink_%u")
	RequestPad(element Element, template string) (Pad, error)
	// ReleasePad возвращает ранее запрошенный пэд
	ReleasePad(element Element, pad Pad) error
	// StaticPad возвращает статический пэд элемента по имени ("src", "sink")
	StaticPad(element Element, name string) (Pad, error)
	// LinkPads связывает два пэда
	LinkPads(src, sink Pad) error

	// OnPadAdded подписывает на появление динамических пэдов элемента
	OnPadAdded(element Element, fn PadAddedFunc)
	// OnRequestKey подписывает SRTP стадию на запросы ключа
	OnRequestKey(element Element, fn KeyRequestFunc)

	// SetProperty устанавливает свойство элемента
	SetProperty(element Element, name string, value any) error

	// MediaTypeOf возвращает тип медиа по профилю возможностей пэда
	MediaTypeOf(pad Pad) MediaType
}

// MediaType тип медиа, объявленный в профиле возможностей
type MediaType int

const (
	MediaUnknown MediaType = iota
	MediaAudio
	MediaVideo
)

func (m MediaType) String() string {
	switch m {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	default:
		return "unknown"
	}
}

// ParseMediaType преобразует значение поля media профиля в MediaType
func ParseMediaType(s string) MediaType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio":
		return MediaAudio
	case "video":
		return MediaVideo
	default:
		return MediaUnknown
	}
}

// Caps профиль возможностей (упрощенный аналог caps медиа движков)
type Caps struct {
	MimeType     string // например "application/x-srtp", "application/x-rtp", "audio/x-raw"
	Media        string // "audio", "video" или пусто
	PayloadType  int
	ClockRate    int
	EncodingName string
	SSRC         uint32
	Channels     int
	Rate         int
	SRTPCipher   string // набор SRTP защиты потока ("aes-128-icm", ...)
	SRTPAuth     string
}

// MediaType возвращает тип медиа, объявленный в профиле
func (c Caps) MediaType() MediaType {
	return ParseMediaType(c.Media)
}

// IsEmpty сообщает, что профиль не содержит ни одного поля
func (c Caps) IsEmpty() bool {
	return c == Caps{}
}

// String возвращает профиль в привычной нотации "mime, key=value, ..."
func (c Caps) String() string {
	parts := []string{c.MimeType}
	if c.Media != "" {
		parts = append(parts, "media="+c.Media)
	}
	if c.PayloadType != 0 {
		parts = append(parts, fmt.Sprintf("payload=%d", c.PayloadType))
	}
	if c.ClockRate != 0 {
		parts = append(parts, fmt.Sprintf("clock-rate=%d", c.ClockRate))
	}
	if c.EncodingName != "" {
		parts = append(parts, "encoding-name="+c.EncodingName)
	}
	if c.SSRC != 0 {
		parts = append(parts, fmt.Sprintf("ssrc=%d", c.SSRC))
	}
	if c.Rate != 0 {
		parts = append(parts, fmt.Sprintf("rate=%d", c.Rate))
	}
	if c.Channels != 0 {
		parts = append(parts, fmt.Sprintf("channels=%d", c.Channels))
	}
	if c.SRTPCipher != "" {
		parts = append(parts, "srtp-cipher="+c.SRTPCipher)
	}
	if c.SRTPAuth != "" {
		parts = append(parts, "srtp-auth="+c.SRTPAuth)
	}
	return strings.Join(parts, ", ")
}
