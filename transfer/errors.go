package transfer

import (
	"errors"
	"fmt"

	"github.com/Project-Bois/DataDash-codes/handshake"
)

var (
	// ErrConnectFailure is shared with the handshake so one check covers
	// both connection phases.
	ErrConnectFailure = handshake.ErrConnectFailure

	// ErrItemSend indicates an item could not be read or written
	ErrItemSend = errors.New("item send failure")

	// ErrEncryption indicates an item could not be encrypted
	ErrEncryption = errors.New("encryption failure")

	// ErrSessionUsed indicates Run was called more than once
	ErrSessionUsed = errors.New("session already run")

	// ErrMissingHalt indicates the sender closed the stream without a halt frame
	ErrMissingHalt = errors.New("stream ended without halt")

	// ErrDirectoryTraversal indicates a received path escaping the destination
	ErrDirectoryTraversal = errors.New("directory traversal detected")
)

// FailureKind classifies an item failure.
type FailureKind uint8

const (
	// ItemSendFailure covers resolve, open, read and socket write errors.
	ItemSendFailure FailureKind = iota
	// EncryptionFailure covers errors from the Encryptor.
	EncryptionFailure
)

// String returns the kind's name.
func (k FailureKind) String() string {
	switch k {
	case ItemSendFailure:
		return "ItemSendFailure"
	case EncryptionFailure:
		return "EncryptionFailure"
	default:
		return fmt.Sprintf("FailureKind(%d)", uint8(k))
	}
}

// ItemError reports a failed item.
type ItemError struct {
	Kind  FailureKind
	Index int
	Path  string
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("transfer item %d %s: %s: %v", e.Index, e.Path, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *ItemError) Unwrap() error {
	return e.Err
}

// Is matches ErrItemSend or ErrEncryption according to Kind.
func (e *ItemError) Is(target error) bool {
	switch target {
	case ErrItemSend:
		return e.Kind == ItemSendFailure
	case ErrEncryption:
		return e.Kind == EncryptionFailure
	}
	return false
}

// ConnectError reports a failed data connection. Nothing was written.
type ConnectError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transfer %s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying network error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is matches ErrConnectFailure.
func (e *ConnectError) Is(target error) bool {
	return target == ErrConnectFailure
}
