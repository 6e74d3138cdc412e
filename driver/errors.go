package driver

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every driver. Callers classify failures
// with errors.Is against these sentinels; detail is attached by
// wrapping.
var (
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnecting = errors.New("connect already in progress")
	ErrAlreadyPolling    = errors.New("polling already started")
	ErrTimeout           = errors.New("timeout")
	ErrTransport         = errors.New("transport failure")
	ErrProtocol          = errors.New("protocol violation")
	ErrPartialWrite      = errors.New("partial write failure")
	ErrUnsupported       = errors.New("unsupported capability")
	ErrInvalidTransition = errors.New("invalid connection state transition")
)

// TransportError wraps a low-level transport failure with detail.
func TransportError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransport, fmt.Sprintf(format, args...))
}

// ProtocolError wraps a malformed or unexpected device response.
func ProtocolError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// IsConnectionError reports whether err should drive the connection
// state machine to Faulted.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}
