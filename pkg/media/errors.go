package media

import (
	"errors"
	"fmt"
)

// ErrorKind определяет класс ошибки сборки медиа сессии.
// Позволяет оркестратору решить, фатальна ли ошибка для ноги
// и можно ли повторить попытку без новых данных.
type ErrorKind int

const (
	// KindConfigIncomplete - данных трека еще недостаточно (штатное состояние, не ошибка)
	KindConfigIncomplete ErrorKind = iota + 2000
	// KindElementConstruction - движок не смог создать или связать элемент
	KindElementConstruction
	// KindBind - UDP порт недоступен
	KindBind
	// KindEncryptionUnavailable - не удалось создать или настроить SRTP стадию
	KindEncryptionUnavailable
	// KindNotify - не удалось отправить handshake датаграмму
	KindNotify
)

// String возвращает строковое представление класса ошибки
func (k ErrorKind) String() string {
	switch k {
	case KindConfigIncomplete:
		return "ConfigIncomplete"
	case KindElementConstruction:
		return "ElementConstructionFailure"
	case KindBind:
		return "BindFailure"
	case KindEncryptionUnavailable:
		return "EncryptionUnavailable"
	case KindNotify:
		return "NotifyFailure"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// SessionError ошибка сборки медиа сессии.
// Содержит:
//   - Класс ошибки для принятия решения о повторе
//   - Ногу (receive-video, receive-audio, send-audio), на которой она произошла
//   - Стадию, которую не удалось построить (для логов)
//   - Обернутую исходную ошибку
type SessionError struct {
	Kind    ErrorKind
	Leg     string
	Stage   string
	Message string
	Wrapped error
}

// Error реализует интерфейс error
func (e *SessionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Leg != "" {
		prefix = fmt.Sprintf("[%s] нога %s", e.Kind, e.Leg)
	}
	if e.Stage != "" {
		prefix += fmt.Sprintf(" стадия %s", e.Stage)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, msg, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *SessionError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, сравнивая ошибки по классу.
func (e *SessionError) Is(target error) bool {
	if t, ok := target.(*SessionError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Эталонные значения для errors.Is
var (
	ErrConfigIncomplete      = &SessionError{Kind: KindConfigIncomplete}
	ErrElementConstruction   = &SessionError{Kind: KindElementConstruction}
	ErrBind                  = &SessionError{Kind: KindBind}
	ErrEncryptionUnavailable = &SessionError{Kind: KindEncryptionUnavailable}
	ErrNotify                = &SessionError{Kind: KindNotify}
)

// NewError создает ошибку заданного класса
func NewError(kind ErrorKind, leg, stage, message string, err error) *SessionError {
	return &SessionError{
		Kind:    kind,
		Leg:     leg,
		Stage:   stage,
		Message: message,
		Wrapped: err,
	}
}

// WithLeg возвращает ошибку с проставленной ногой, если она еще не указана.
// Ошибки других типов оборачиваются как KindElementConstruction.
func WithLeg(err error, leg string) error {
	if err == nil {
		return nil
	}
	var se *SessionError
	if errors.As(err, &se) {
		if se.Leg != "" {
			return se
		}
		cp := *se
		cp.Leg = leg
		return &cp
	}
	return NewError(KindElementConstruction, leg, "", "ошибка построения ноги", err)
}

// KindOf возвращает класс первой SessionError в цепочке.
func KindOf(err error) (ErrorKind, bool) {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// IsRecoverable сообщает, можно ли повторить попытку без новых входных данных.
// Восстановимы только ошибки отправки handshake: нога остается собранной.
func IsRecoverable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindNotify
}
