package media

import "fmt"

// MediaErrorCode определяет типизированные коды ошибок медиа слоя.
// Позволяет классифицировать ошибки по категориям и обрабатывать их
// соответствующим образом через errors.Is.
type MediaErrorCode int

const (
	// Ошибки согласования и форматов
	ErrorCodeFormatNotSupported MediaErrorCode = iota + 2000
	ErrorCodeFormatImmutable

	// Ошибки устройств
	ErrorCodeDeviceUnavailable

	// Ошибки pipeline
	ErrorCodeClosedPipeline
	ErrorCodePrematureClose
	ErrorCodePipelineStateInvalid
	ErrorCodeConfigureTimeout

	// Ошибки сессии
	ErrorCodeSessionClosed
	ErrorCodeInvalidConfig
)

// String возвращает строковое представление кода ошибки
func (code MediaErrorCode) String() string {
	switch code {
	case ErrorCodeFormatNotSupported:
		return "FormatNotSupported"
	case ErrorCodeFormatImmutable:
		return "FormatImmutable"
	case ErrorCodeDeviceUnavailable:
		return "DeviceUnavailable"
	case ErrorCodeClosedPipeline:
		return "ClosedPipeline"
	case ErrorCodePrematureClose:
		return "PrematureClose"
	case ErrorCodePipelineStateInvalid:
		return "PipelineStateInvalid"
	case ErrorCodeConfigureTimeout:
		return "ConfigureTimeout"
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// MediaError базовая структура ошибок медиа слоя.
// Предоставляет расширенную информацию об ошибке включая:
//   - Типизированный код ошибки
//   - Контекстную информацию (параметры, состояние pipeline)
//   - Возможность обертывания других ошибок
//   - Идентификатор сессии для сопоставления с логами
type MediaError struct {
	Code      MediaErrorCode
	Message   string
	SessionID string
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error, возвращая форматированное сообщение об ошибке.
func (e *MediaError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[медиа:%s] сессия %s: %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("[медиа:%s] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *MediaError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, позволяя сравнивать ошибки по коду.
func (e *MediaError) Is(target error) bool {
	if t, ok := target.(*MediaError); ok {
		return e.Code == t.Code
	}
	return false
}

// GetContext возвращает значение из контекста ошибки по ключу.
func (e *MediaError) GetContext(key string) interface{} {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

// NewMediaError создает ошибку медиа слоя с указанным кодом
func NewMediaError(code MediaErrorCode, sessionID, message string) *MediaError {
	return &MediaError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	}
}

// ErrCode возвращает эталонную ошибку для сравнения через errors.Is
func ErrCode(code MediaErrorCode) error {
	return &MediaError{Code: code}
}

// FormatError специализированная ошибка согласования форматов.
// Сохраняет запрошенный формат и список поддерживаемых для диагностики.
type FormatError struct {
	*MediaError
	Requested Format
	Supported []Format
}

// NewFormatError создает ошибку согласования формата
func NewFormatError(sessionID string, requested Format, supported []Format) *FormatError {
	return &FormatError{
		MediaError: &MediaError{
			Code:      ErrorCodeFormatNotSupported,
			Message:   fmt.Sprintf("нет совместимого формата для %s", requested),
			SessionID: sessionID,
			Context: map[string]interface{}{
				"requested":       requested.String(),
				"supported_count": len(supported),
			},
		},
		Requested: requested,
		Supported: supported,
	}
}
