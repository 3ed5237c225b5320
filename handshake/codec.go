package handshake

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Project-Bois/DataDash-codes/limits"
)

// LengthSize is the size of the little-endian length prefix.
const LengthSize = 8

// WriteMessage writes an 8-byte little-endian length followed by payload,
// flushing after each part.
func WriteMessage(w io.Writer, payload []byte) error {
	if err := limits.ValidateHandshakeLength(uint64(len(payload))); err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	var prefix [LengthSize]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(payload)))

	if _, err := bw.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush length: %w", err)
	}
	if _, err := bw.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush payload: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed message. The declared length is
// checked against limits.MaxHandshakeMessage before anything is allocated.
func ReadMessage(r io.Reader) ([]byte, error) {
	var prefix [LengthSize]byte
	if n, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, readErr("length", LengthSize, n, err)
	}

	size := binary.LittleEndian.Uint64(prefix[:])
	if err := limits.ValidateHandshakeLength(size); err != nil {
		return nil, err
	}

	payload := make([]byte, size)
	if n, err := io.ReadFull(r, payload); err != nil {
		return nil, readErr("payload", size, n, err)
	}
	return payload, nil
}

func readErr(part string, want uint64, got int, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &TruncatedReadError{Part: part, Want: want, Got: uint64(got)}
	}
	return fmt.Errorf("read %s: %w", part, err)
}

// WriteDescriptor encodes d and writes it as one message.
func WriteDescriptor(w io.Writer, d Descriptor) error {
	data, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	return WriteMessage(w, data)
}

// ReadDescriptor reads and decodes one descriptor message.
func ReadDescriptor(r io.Reader) (Descriptor, error) {
	data, err := ReadMessage(r)
	if err != nil {
		return Descriptor{}, err
	}
	return ParseDescriptor(data)
}
