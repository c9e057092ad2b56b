// Package trackinfo хранит параметры треков сессии по мере их поступления
// и отвечает на вопрос, достаточно ли данных для построения ноги.
package trackinfo

import (
	"fmt"
	"sync"
)

// Kind определяет трек (ногу) сессии.
// Порядок значений совпадает с порядком регистрации слотов в мультиплексоре.
type Kind int

const (
	ReceiveVideo Kind = iota // Входящее видео
	ReceiveAudio             // Входящее аудио
	SendAudio                // Исходящее аудио
)

// Kinds все треки в порядке регистрации
var Kinds = []Kind{ReceiveVideo, ReceiveAudio, SendAudio}

func (k Kind) String() string {
	switch k {
	case ReceiveVideo:
		return "receive-video"
	case ReceiveAudio:
		return "receive-audio"
	case SendAudio:
		return "send-audio"
	default:
		return "unknown"
	}
}

// Valid проверяет, что значение соответствует известному треку
func (k Kind) Valid() bool {
	return k >= ReceiveVideo && k <= SendAudio
}

// ParseKind разбирает строковое имя трека
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("неизвестный трек %q", s)
}

// Field поле дескриптора трека
type Field int

const (
	FieldServerAddress Field = iota
	FieldPort
	FieldLocalPort
	FieldSampleRate
	FieldChannels
	FieldPayloadType
	FieldSSRC
	FieldKey
)

func (f Field) String() string {
	switch f {
	case FieldServerAddress:
		return "server_address"
	case FieldPort:
		return "port"
	case FieldLocalPort:
		return "local_port"
	case FieldSampleRate:
		return "sample_rate"
	case FieldChannels:
		return "channels"
	case FieldPayloadType:
		return "payload_type"
	case FieldSSRC:
		return "ssrc"
	case FieldKey:
		return "key"
	default:
		return "unknown"
	}
}

// ParseField разбирает строковое имя поля
func ParseField(s string) (Field, error) {
	for f := FieldServerAddress; f <= FieldKey; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("неизвестное поле %q", s)
}

// Descriptor параметры одного трека.
// Нулевое значение поля означает, что поле еще не получено.
type Descriptor struct {
	ServerAddress string `yaml:"server_address"`
	Port          int    `yaml:"port"`
	LocalPort     int    `yaml:"local_port"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	PayloadType   uint8  `yaml:"payload_type"`
	SSRC          uint32 `yaml:"ssrc"`
	Key           []byte `yaml:"key"`
}

// Complete сообщает, что получены все обязательные поля: сервер, порт и ключ
func (d Descriptor) Complete() bool {
	return d.ServerAddress != "" && d.Port != 0 && len(d.Key) > 0
}

// Empty сообщает, что не получено ни одного поля
func (d Descriptor) Empty() bool {
	return d.ServerAddress == "" && d.Port == 0 && d.LocalPort == 0 &&
		d.SampleRate == 0 && d.Channels == 0 && d.PayloadType == 0 &&
		d.SSRC == 0 && len(d.Key) == 0
}

// Clone возвращает глубокую копию дескриптора
func (d Descriptor) Clone() Descriptor {
	cp := d
	if d.Key != nil {
		cp.Key = append([]byte(nil), d.Key...)
	}
	return cp
}

// Store потокобезопасное хранилище дескрипторов трех треков.
// Поля могут приходить в любом порядке и из любых горутин.
type Store struct {
	mu          sync.RWMutex
	descriptors [3]Descriptor
	revision    uint64
}

// NewStore создает пустое хранилище
func NewStore() *Store {
	return &Store{}
}

// SetField записывает значение поля, перезаписывая предыдущее.
// Ошибка возвращается только если трек/поле неизвестны или тип значения не подходит полю.
// Пустое или нулевое значение ничего не меняет: полученное поле сбрасывает только Clear.
func (s *Store) SetField(kind Kind, field Field, value any) error {
	if !kind.Valid() {
		return fmt.Errorf("неизвестный трек %d", int(kind))
	}

	switch field {
	case FieldServerAddress:
		v, ok := value.(string)
		if !ok {
			return typeError(field, value)
		}
		s.SetServer(kind, v)
	case FieldKey:
		var key []byte
		switch v := value.(type) {
		case []byte:
			key = v
		case string:
			key = []byte(v)
		default:
			return typeError(field, value)
		}
		s.SetKey(kind, key)
	case FieldPort, FieldLocalPort, FieldSampleRate, FieldChannels, FieldPayloadType, FieldSSRC:
		n, ok := toInt64(value)
		if !ok {
			return typeError(field, value)
		}
		if err := checkRange(field, n); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		s.update(kind, func(d *Descriptor) {
			switch field {
			case FieldPort:
				d.Port = int(n)
			case FieldLocalPort:
				d.LocalPort = int(n)
			case FieldSampleRate:
				d.SampleRate = int(n)
			case FieldChannels:
				d.Channels = int(n)
			case FieldPayloadType:
				d.PayloadType = uint8(n)
			case FieldSSRC:
				d.SSRC = uint32(n)
			}
		})
	default:
		return fmt.Errorf("неизвестное поле %d", int(field))
	}
	return nil
}

// SetServer устанавливает адрес удаленного сервера трека
func (s *Store) SetServer(kind Kind, address string) {
	if address == "" {
		return
	}
	s.update(kind, func(d *Descriptor) { d.ServerAddress = address })
}

// SetPort устанавливает удаленный порт трека
func (s *Store) SetPort(kind Kind, port int) {
	if port == 0 {
		return
	}
	s.update(kind, func(d *Descriptor) { d.Port = port })
}

// SetLocalPort устанавливает локальный порт трека
func (s *Store) SetLocalPort(kind Kind, port int) {
	if port == 0 {
		return
	}
	s.update(kind, func(d *Descriptor) { d.LocalPort = port })
}

// SetSampleRate устанавливает частоту дискретизации (clock rate)
func (s *Store) SetSampleRate(kind Kind, rate int) {
	if rate == 0 {
		return
	}
	s.update(kind, func(d *Descriptor) { d.SampleRate = rate })
}

// SetChannels устанавливает количество каналов
func (s *Store) SetChannels(kind Kind, channels int) {
	if channels == 0 {
		return
	}
	s.update(kind, func(d *Descriptor) { d.Channels = channels })
}

// SetPayloadType устанавливает payload type
func (s *Store) SetPayloadType(kind Kind, pt uint8) {
	if pt == 0 {
		return
	}
	s.update(kind, func(d *Descriptor) { d.PayloadType = pt })
}

// SetSSRC устанавливает SSRC трека
func (s *Store) SetSSRC(kind Kind, ssrc uint32) {
	if ssrc == 0 {
		return
	}
	s.update(kind, func(d *Descriptor) { d.SSRC = ssrc })
}

// SetKey сохраняет копию ключевого материала. Предыдущий ключ затирается.
func (s *Store) SetKey(kind Kind, key []byte) {
	if len(key) == 0 {
		return
	}
	cp := append([]byte(nil), key...)
	s.update(kind, func(d *Descriptor) {
		zero(d.Key)
		d.Key = cp
	})
}

// Set записывает все непустые поля дескриптора
func (s *Store) Set(kind Kind, desc Descriptor) {
	desc = desc.Clone()
	s.update(kind, func(d *Descriptor) {
		if desc.ServerAddress != "" {
			d.ServerAddress = desc.ServerAddress
		}
		if desc.Port != 0 {
			d.Port = desc.Port
		}
		if desc.LocalPort != 0 {
			d.LocalPort = desc.LocalPort
		}
		if desc.SampleRate != 0 {
			d.SampleRate = desc.SampleRate
		}
		if desc.Channels != 0 {
			d.Channels = desc.Channels
		}
		if desc.PayloadType != 0 {
			d.PayloadType = desc.PayloadType
		}
		if desc.SSRC != 0 {
			d.SSRC = desc.SSRC
		}
		if len(desc.Key) > 0 {
			zero(d.Key)
			d.Key = desc.Key
		}
	})
}

// IsComplete сообщает, получены ли все обязательные поля трека
func (s *Store) IsComplete(kind Kind) bool {
	if !kind.Valid() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.descriptors[kind].Complete()
}

// Started сообщает, получено ли хотя бы одно поле трека
func (s *Store) Started(kind Kind) bool {
	if !kind.Valid() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.descriptors[kind].Empty()
}

// Snapshot возвращает копию дескриптора трека
func (s *Store) Snapshot(kind Kind) Descriptor {
	if !kind.Valid() {
		return Descriptor{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.descriptors[kind].Clone()
}

// Revision возвращает счетчик изменений хранилища
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Clear затирает ключи и сбрасывает все дескрипторы (только при завершении сессии)
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.descriptors {
		zero(s.descriptors[i].Key)
		s.descriptors[i] = Descriptor{}
	}
	s.revision++
}

func (s *Store) update(kind Kind, fn func(d *Descriptor)) {
	if !kind.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.descriptors[kind])
	s.revision++
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func typeError(field Field, value any) error {
	return fmt.Errorf("недопустимый тип %T для поля %s", value, field)
}

func checkRange(field Field, n int64) error {
	var max int64
	switch field {
	case FieldPort, FieldLocalPort:
		max = 65535
	case FieldPayloadType:
		max = 127
	case FieldSSRC:
		max = 1<<32 - 1
	default:
		max = 1 << 31
	}
	if n < 0 || n > max {
		return fmt.Errorf("значение %d вне диапазона для поля %s", n, field)
	}
	return nil
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > 1<<62 {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}
