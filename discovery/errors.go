package discovery

import (
	"errors"
	"fmt"
)

// ErrDiscoverySocket is matched by every SocketError.
var ErrDiscoverySocket = errors.New("discovery socket error")

// SocketError reports a failed socket operation in a discovery loop. It
// ends the loop that produced it; nothing is retried.
type SocketError struct {
	Op   string
	Addr string
	Err  error
}

// Error implements the error interface.
func (e *SocketError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("discovery %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("discovery %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *SocketError) Unwrap() error {
	return e.Err
}

// Is matches ErrDiscoverySocket.
func (e *SocketError) Is(target error) bool {
	return target == ErrDiscoverySocket
}

func newSocketError(op, addr string, err error) *SocketError {
	return &SocketError{Op: op, Addr: addr, Err: err}
}
