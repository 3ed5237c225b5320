package crypto

import "errors"

var (
	// ErrEmptyPassword is returned when encryption is requested without a password
	ErrEmptyPassword = errors.New("empty password")

	// ErrInvalidCiphertext indicates a ciphertext that is truncated or misaligned
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrInvalidPadding indicates a PKCS7 padding mismatch, usually a wrong password
	ErrInvalidPadding = errors.New("invalid padding")
)
