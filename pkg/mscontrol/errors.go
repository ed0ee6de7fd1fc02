package mscontrol

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory категория ошибки для классификации и метрик
type ErrorCategory string

const (
	ErrorCategoryMedia     ErrorCategory = "MEDIA"
	ErrorCategorySignaling ErrorCategory = "SIGNALING"
	ErrorCategoryState     ErrorCategory = "STATE"
	ErrorCategoryInput     ErrorCategory = "INPUT"
	ErrorCategoryLifecycle ErrorCategory = "LIFECYCLE"
)

// Коды ошибок ядра управления вызовами
const (
	CodeResourceAllocation  = "RESOURCE_ALLOCATION"
	CodeNegotiationRejected = "NEGOTIATION_REJECTED"
	CodeUnexpectedEvent     = "UNEXPECTED_EVENT"
	CodeInvalidOption       = "INVALID_OPTION"
	CodeGroupDisbanded      = "GROUP_DISBANDED"
	CodeLegReleased         = "LEG_RELEASED"
)

// ControlError структурированная ошибка с контекстом ноги.
// Все ошибки этого типа терминальны для затронутой ноги: повторов нет.
type ControlError struct {
	Code      string
	Message   string
	Category  ErrorCategory
	Key       Key
	State     string
	Timestamp time.Time
	Cause     error
}

// Error реализует интерфейс error
func (e *ControlError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.Key != "" {
		msg += fmt.Sprintf(" (key: %s", e.Key)
		if e.State != "" {
			msg += ", state: " + e.State
		}
		msg += ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap позволяет использовать errors.Is и errors.As для причины
func (e *ControlError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду, чтобы errors.Is работал с образцами ниже
func (e *ControlError) Is(target error) bool {
	var t *ControlError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithKey добавляет ключ ноги
func (e *ControlError) WithKey(key Key) *ControlError {
	e.Key = key
	return e
}

// WithState добавляет состояние, в котором произошла ошибка
func (e *ControlError) WithState(state string) *ControlError {
	e.State = state
	return e
}

// WithCause добавляет исходную ошибку
func (e *ControlError) WithCause(cause error) *ControlError {
	e.Cause = cause
	return e
}

// NewControlError создает новую ошибку
func NewControlError(code, message string, category ErrorCategory) *ControlError {
	return &ControlError{
		Code:      code,
		Message:   message,
		Category:  category,
		Timestamp: time.Now(),
	}
}

// Образцы для errors.Is
var (
	ErrResourceAllocation  = &ControlError{Code: CodeResourceAllocation, Category: ErrorCategoryMedia, Message: "media resource allocation failed"}
	ErrNegotiationRejected = &ControlError{Code: CodeNegotiationRejected, Category: ErrorCategoryMedia, Message: "media parameters rejected"}
	ErrUnexpectedEvent     = &ControlError{Code: CodeUnexpectedEvent, Category: ErrorCategoryState, Message: "unexpected event"}
	ErrInvalidOption       = &ControlError{Code: CodeInvalidOption, Category: ErrorCategoryInput, Message: "invalid listening option"}
	ErrGroupDisbanded      = &ControlError{Code: CodeGroupDisbanded, Category: ErrorCategoryLifecycle, Message: "group session disbanded"}
	ErrLegReleased         = &ControlError{Code: CodeLegReleased, Category: ErrorCategoryLifecycle, Message: "leg released"}
)

// ResourceAllocationError ошибка выделения ресурса kind
func ResourceAllocationError(kind ResourceKind, cause error) *ControlError {
	return NewControlError(CodeResourceAllocation,
		fmt.Sprintf("cannot allocate %s", kind), ErrorCategoryMedia).WithCause(cause)
}

// NegotiationRejectedError отказ в согласовании медиа параметров
func NegotiationRejectedError(reason string) *ControlError {
	return NewControlError(CodeNegotiationRejected, reason, ErrorCategoryMedia)
}

// UnexpectedEventError событие без определенного перехода в состоянии state
func UnexpectedEventError(state string, ev Event) *ControlError {
	return NewControlError(CodeUnexpectedEvent,
		fmt.Sprintf("unexpected event %s", ev), ErrorCategoryState).WithState(state)
}

// InvalidOptionError недопустимый выбор в меню прослушивания
func InvalidOptionError(option string) *ControlError {
	return NewControlError(CodeInvalidOption,
		fmt.Sprintf("listening option %q out of range 1-4", option), ErrorCategoryInput)
}

// GetErrorCode возвращает код ControlError или пустую строку
func GetErrorCode(err error) string {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
