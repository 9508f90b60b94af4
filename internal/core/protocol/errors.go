package protocol

import (
	"errors"
	"time"
)

var (
	ErrInvalidMessage        = errors.New("invalid message")
	ErrUnknownMessageType    = errors.New("unknown message type")
	ErrSerializationFailed   = errors.New("message serialization failed")
	ErrDeserializationFailed = errors.New("message deserialization failed")
	ErrChannelClosed         = errors.New("channel is closed")
	ErrTransportFailed       = errors.New("transport failed")
)

// ErrorCode is the numeric code carried by error messages on the wire.
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Message error codes (3000-3999)

	ErrorCodeInvalidMessage        ErrorCode = 3003
	ErrorCodeSerializationFailed   ErrorCode = 3005
	ErrorCodeDeserializationFailed ErrorCode = 3006
	ErrorCodeUnknownMessageType    ErrorCode = 3007

	// Transport error codes (7000-7999)

	ErrorCodeTransportFailed ErrorCode = 7003
	ErrorCodeChannelClosed   ErrorCode = 7008

	// Coordination error codes (8000-8999)

	ErrorCodePromotionDenied ErrorCode = 8001
	ErrorCodeElectionFailed  ErrorCode = 8002
	ErrorCodeUnknownNode     ErrorCode = 8003

	ErrorCodeUnknownError ErrorCode = 9999
)

// Error is a protocol failure with a code and optional context.
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewProtocolError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]any),
		Timestamp: time.Now().Unix(),
	}
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// IsTemporary reports whether retrying the operation may succeed.
func (e *Error) IsTemporary() bool {
	switch e.Code {
	case ErrorCodeTransportFailed:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the channel can no longer be used.
func (e *Error) IsFatal() bool {
	return e.Code == ErrorCodeChannelClosed
}

var errorCodeMap = map[error]ErrorCode{
	ErrInvalidMessage:        ErrorCodeInvalidMessage,
	ErrUnknownMessageType:    ErrorCodeUnknownMessageType,
	ErrSerializationFailed:   ErrorCodeSerializationFailed,
	ErrDeserializationFailed: ErrorCodeDeserializationFailed,
	ErrChannelClosed:         ErrorCodeChannelClosed,
	ErrTransportFailed:       ErrorCodeTransportFailed,
}

// GetErrorCode maps err to its code. Wrapped sentinels are recognised.
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeSuccess
	}
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ErrorCodeUnknownError
}

// WrapError wraps a standard error into a protocol Error.
func WrapError(err error, message string) *Error {
	return NewProtocolError(GetErrorCode(err), message, err)
}
