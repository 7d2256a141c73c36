package nats

import (
	"errors"
	"fmt"
)

// Error codes carried by errors returned from this package.
const (
	AlreadyConnectedError = iota

	ConnectionError

	ConnectionRefusedError

	NotConnectedError

	ProtocolError

	ServerError

	TimedOutError

	PayloadTooLargeError

	InvalidSubjectError

	InvalidURIError

	MessageHandlerError

	UnknownError
)

// ErrTransportClosed is the distinguished signal a blocked transport read
// returns after Shutdown was requested from another goroutine.
var ErrTransportClosed = errors.New("nats: transport closed")

// Error is the concrete error type produced by NewError. The Code field holds
// one of the package error code constants.
type Error struct {
	Code   int
	Detail string
}

func (clientError *Error) Error() string {
	if clientError.Detail == "" {
		return errorName(clientError.Code)
	}
	return fmt.Sprintf("%s: %s", errorName(clientError.Code), clientError.Detail)
}

func errorName(errorCode int) string {
	switch errorCode {
	case AlreadyConnectedError:
		return "AlreadyConnectedError"
	case ConnectionError:
		return "ConnectionError"
	case ConnectionRefusedError:
		return "ConnectionRefusedError"
	case NotConnectedError:
		return "NotConnectedError"
	case ProtocolError:
		return "ProtocolError"
	case ServerError:
		return "ServerError"
	case TimedOutError:
		return "TimedOutError"
	case PayloadTooLargeError:
		return "PayloadTooLargeError"
	case InvalidSubjectError:
		return "InvalidSubjectError"
	case InvalidURIError:
		return "InvalidURIError"
	case MessageHandlerError:
		return "MessageHandlerError"
	default:
		return "UnknownError"
	}
}

// NewError builds a typed client error from an error code and an optional
// detail value (a string, an error, or anything printable).
func NewError(errorCode int, message ...interface{}) error {
	if len(message) > 0 {
		return &Error{Code: errorCode, Detail: fmt.Sprintf("%v", message[0])}
	}
	return &Error{Code: errorCode}
}

// errorCodeOf reports the package error code carried by err, or UnknownError
// for errors that did not originate from NewError.
func errorCodeOf(err error) int {
	var clientError *Error
	if errors.As(err, &clientError) {
		return clientError.Code
	}
	return UnknownError
}

// IsTimeout reports whether err is a client timeout error.
func IsTimeout(err error) bool { return errorCodeOf(err) == TimedOutError }

// IsNotConnected reports whether err indicates an operation against a
// connection that is not in the Ready state.
func IsNotConnected(err error) bool { return errorCodeOf(err) == NotConnectedError }

// IsProtocolError reports whether err indicates an unrecoverable wire
// protocol violation.
func IsProtocolError(err error) bool { return errorCodeOf(err) == ProtocolError }
