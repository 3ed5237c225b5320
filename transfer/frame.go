package transfer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Project-Bois/DataDash-codes/limits"
)

// Flag is the 8-byte ASCII token that opens every frame.
type Flag string

const (
	// FlagPlain marks an item sent as-is.
	FlagPlain Flag = "encyp: f"
	// FlagEncrypted marks an item whose payload is ciphertext.
	FlagEncrypted Flag = "encyp: t"
	// FlagHalt ends the session. It carries no path or payload.
	FlagHalt Flag = "encyp: h"

	// FlagSize is the length of every flag token.
	FlagSize = 8

	lengthSize = 8
)

// ErrUnknownFlag indicates a frame that starts with an unrecognised token.
var ErrUnknownFlag = errors.New("unknown frame flag")

// ParseFlag validates a raw flag token.
func ParseFlag(b []byte) (Flag, error) {
	switch f := Flag(b); f {
	case FlagPlain, FlagEncrypted, FlagHalt:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFlag, string(b))
	}
}

// Frame is the header of one transfer item.
type Frame struct {
	Flag Flag
	Path string
	Size uint64
}

// Encrypted reports whether the payload is ciphertext.
func (f Frame) Encrypted() bool {
	return f.Flag == FlagEncrypted
}

// WriteHeader writes the flag, path and payload length of f, flushing
// after each field. The payload follows separately.
func WriteHeader(w *bufio.Writer, f Frame) error {
	if f.Flag == FlagHalt {
		return WriteHalt(w)
	}
	if err := limits.ValidatePathLength(uint64(len(f.Path))); err != nil {
		return err
	}

	if err := writeFlushed(w, []byte(f.Flag)); err != nil {
		return fmt.Errorf("write flag: %w", err)
	}
	if err := writeFlushed(w, encodeLength(uint64(len(f.Path)))); err != nil {
		return fmt.Errorf("write path length: %w", err)
	}
	if err := writeFlushed(w, []byte(f.Path)); err != nil {
		return fmt.Errorf("write path: %w", err)
	}
	if err := writeFlushed(w, encodeLength(f.Size)); err != nil {
		return fmt.Errorf("write payload length: %w", err)
	}
	return nil
}

// WriteHalt writes the halt token.
func WriteHalt(w *bufio.Writer) error {
	if err := writeFlushed(w, []byte(FlagHalt)); err != nil {
		return fmt.Errorf("write halt: %w", err)
	}
	return nil
}

// ReadHeader reads one frame header. For a halt frame only Flag is set.
// io.EOF is returned unchanged when the stream ends cleanly between frames.
func ReadHeader(r io.Reader) (Frame, error) {
	var raw [FlagSize]byte
	if n, err := io.ReadFull(r, raw[:]); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read flag: %w", unexpected(err))
	}
	flag, err := ParseFlag(raw[:])
	if err != nil {
		return Frame{}, err
	}
	if flag == FlagHalt {
		return Frame{Flag: flag}, nil
	}

	pathLen, err := readLength(r)
	if err != nil {
		return Frame{}, fmt.Errorf("read path length: %w", err)
	}
	if err := limits.ValidatePathLength(pathLen); err != nil {
		return Frame{}, err
	}
	path := make([]byte, pathLen)
	if _, err := io.ReadFull(r, path); err != nil {
		return Frame{}, fmt.Errorf("read path: %w", unexpected(err))
	}

	size, err := readLength(r)
	if err != nil {
		return Frame{}, fmt.Errorf("read payload length: %w", err)
	}
	return Frame{Flag: flag, Path: string(path), Size: size}, nil
}

func writeFlushed(w *bufio.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.Flush()
}

func encodeLength(n uint64) []byte {
	b := make([]byte, lengthSize)
	binary.LittleEndian.PutUint64(b, n)
	return b
}

func readLength(r io.Reader) (uint64, error) {
	var b [lengthSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, unexpected(err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
