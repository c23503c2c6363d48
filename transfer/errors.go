package transfer

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transfer and connection failures
type ErrorKind int

const (
	KindDiscoveryFailed ErrorKind = iota + 1
	KindConnectFailed
	KindServiceResolutionFailed
	KindCharacteristicResolutionFailed
	KindSubscriptionFailed
	KindWriteRejected // Transient; handled by stalling, never surfaced
	KindUnexpectedDisconnect
	KindAttemptsExhausted
	KindMessageTooLarge
)

// String returns the name of the error kind
func (k ErrorKind) String() string {
	switch k {
	case KindDiscoveryFailed:
		return "DiscoveryFailed"
	case KindConnectFailed:
		return "ConnectFailed"
	case KindServiceResolutionFailed:
		return "ServiceResolutionFailed"
	case KindCharacteristicResolutionFailed:
		return "CharacteristicResolutionFailed"
	case KindSubscriptionFailed:
		return "SubscriptionFailed"
	case KindWriteRejected:
		return "WriteRejected"
	case KindUnexpectedDisconnect:
		return "UnexpectedDisconnect"
	case KindAttemptsExhausted:
		return "AttemptsExhausted"
	case KindMessageTooLarge:
		return "MessageTooLarge"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Transient reports whether the kind is recovered locally
func (k ErrorKind) Transient() bool {
	return k == KindWriteRejected
}

// Error is a classified failure tied to a remote endpoint
type Error struct {
	Kind     ErrorKind
	Endpoint string
	Err      error
}

// NewError wraps cause with a kind and endpoint
func NewError(kind ErrorKind, endpoint string, cause error) *Error {
	return &Error{Kind: kind, Endpoint: endpoint, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Endpoint != "" {
		msg = fmt.Sprintf("%s (endpoint %s)", msg, e.Endpoint)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Endpoint == "" || t.Endpoint == e.Endpoint)
}

// KindOf extracts the kind of err, or 0 when err is not a transfer error
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

var (
	// ErrMessageTooLarge is returned when an inbound message exceeds the configured limit
	ErrMessageTooLarge = errors.New("transfer: message exceeds maximum size")

	// ErrServiceNotFound is reported when the required service is absent after discovery
	ErrServiceNotFound = errors.New("transfer: required service not found")

	// ErrChannelNotFound is reported when the required channel is absent after discovery
	ErrChannelNotFound = errors.New("transfer: required channel not found")

	// ErrAttemptsExhausted is reported when the reconnection budget is spent
	ErrAttemptsExhausted = errors.New("transfer: connection attempts exhausted")
)
