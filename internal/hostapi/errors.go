package hostapi

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marcohefti/hostipc/internal/codes"
)

type ErrorKind string

const (
	ErrorRemote          ErrorKind = "remote"
	ErrorTimeout         ErrorKind = "timeout"
	ErrorTransport       ErrorKind = "transport"
	ErrorProtocol        ErrorKind = "protocol"
	ErrorClosed          ErrorKind = "closed"
	ErrorListenerFailure ErrorKind = "listener_failure"
)

// TimedOutMessage is the rejection text for requests removed by the reaper.
const TimedOutMessage = "agent request timed out"

type Error struct {
	Code       string          `json:"code"`
	Kind       ErrorKind       `json:"kind"`
	Method     string          `json:"method,omitempty"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	Underlying error           `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return "hostapi error"
	}
	if e.Code == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Underlying
}

func ErrorCodeForKind(kind ErrorKind) string {
	switch kind {
	case ErrorRemote:
		return codes.Remote
	case ErrorTimeout:
		return codes.Timeout
	case ErrorTransport:
		return codes.Transport
	case ErrorClosed:
		return codes.Closed
	case ErrorListenerFailure:
		return codes.ListenerFailure
	default:
		return codes.Protocol
	}
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Code: ErrorCodeForKind(kind), Kind: kind, Message: message}
}

func WrapError(kind ErrorKind, message string, err error) *Error {
	if err == nil {
		return NewError(kind, message)
	}
	return &Error{Code: ErrorCodeForKind(kind), Kind: kind, Message: message, Underlying: err}
}

func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsKind reports whether err carries a hostapi error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}
