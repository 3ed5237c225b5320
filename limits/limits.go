// Package limits provides centralized size limits for the DataDash wire protocol.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPathLength bounds the relative path carried by a transfer frame.
	MaxPathLength = 4096

	// MaxHandshakeMessage bounds the capability descriptor exchanged at handshake time.
	MaxHandshakeMessage = 64 * 1024

	// MaxManifestSize bounds the manifest document held in memory by a receiver.
	MaxManifestSize = 64 * 1024 * 1024

	// ChunkSize is the fixed payload chunk used when streaming an item.
	ChunkSize = 4096
)

var (
	// ErrLengthEmpty indicates a zero length where a value is required
	ErrLengthEmpty = errors.New("empty length")

	// ErrLengthTooLarge indicates a declared length exceeds its limit
	ErrLengthTooLarge = errors.New("length too large")
)

// ValidateLength checks a declared wire length against max.
// Returns an error with context including the declared and maximum sizes.
func ValidateLength(n, max uint64) error {
	if n == 0 {
		return ErrLengthEmpty
	}
	if n > max {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrLengthTooLarge, n, max)
	}
	return nil
}

// ValidateHandshakeLength validates a handshake message length prefix.
func ValidateHandshakeLength(n uint64) error {
	if err := ValidateLength(n, MaxHandshakeMessage); err != nil {
		return fmt.Errorf("handshake message: %w", err)
	}
	return nil
}

// ValidatePathLength validates a frame path length prefix.
func ValidatePathLength(n uint64) error {
	if err := ValidateLength(n, MaxPathLength); err != nil {
		return fmt.Errorf("frame path: %w", err)
	}
	return nil
}

// ValidateManifestSize validates the declared payload size of a manifest item.
func ValidateManifestSize(n uint64) error {
	if err := ValidateLength(n, MaxManifestSize); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	return nil
}
