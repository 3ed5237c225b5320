package handshake

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectFailure indicates the peer could not be reached
	ErrConnectFailure = errors.New("connect failure")

	// ErrTruncatedRead indicates the peer closed before a full message arrived
	ErrTruncatedRead = errors.New("truncated read")

	// ErrUnsupportedDevice indicates a peer device type with no transfer variant
	ErrUnsupportedDevice = errors.New("unsupported device type")

	// ErrMalformedDescriptor indicates a descriptor that is not valid JSON
	ErrMalformedDescriptor = errors.New("malformed descriptor")
)

// ConnectError reports a failed dial. Nothing has been exchanged when it
// is returned.
type ConnectError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("handshake %s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying network error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is matches ErrConnectFailure.
func (e *ConnectError) Is(target error) bool {
	return target == ErrConnectFailure
}

// TruncatedReadError reports a message cut short by end of stream.
type TruncatedReadError struct {
	Part string
	Want uint64
	Got  uint64
}

func (e *TruncatedReadError) Error() string {
	return fmt.Sprintf("handshake: truncated %s: got %d of %d bytes", e.Part, e.Got, e.Want)
}

// Is matches ErrTruncatedRead.
func (e *TruncatedReadError) Is(target error) bool {
	return target == ErrTruncatedRead
}
