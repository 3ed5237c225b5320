package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the length of the random PBKDF2 salt prefixed to a ciphertext.
	SaltSize = 16

	// KeySize is the derived AES-256 key length.
	KeySize = 32

	// Iterations is the PBKDF2-HMAC-SHA256 work factor.
	Iterations = 100000

	// Suffix is appended to the wire path of every encrypted item.
	Suffix = ".crypt"

	// HeaderSize is the salt and IV prefix of a ciphertext file.
	HeaderSize = SaltSize + aes.BlockSize

	streamChunk = 4096
)

// Encryptor turns a plaintext stream into a ciphertext file. The
// transfer layer treats implementations as black boxes.
type Encryptor interface {
	Encrypt(password string, plaintext io.Reader) (*Ciphertext, error)
}

// Ciphertext is an encrypted temporary file produced by an Encryptor.
type Ciphertext struct {
	Path string
	Size int64
	fs   afero.Fs
}

// Open opens the ciphertext for streaming.
func (c *Ciphertext) Open() (io.ReadCloser, error) {
	return c.fs.Open(c.Path)
}

// Remove deletes the temporary ciphertext file.
func (c *Ciphertext) Remove() error {
	return c.fs.Remove(c.Path)
}

// FileEncryptor writes salt | iv | AES-256-CBC(PKCS7(plaintext)) to a
// temporary file, deriving the key with PBKDF2-HMAC-SHA256.
type FileEncryptor struct {
	// Fs holds the temporary files. Defaults to the OS filesystem.
	Fs afero.Fs
	// Dir is the temporary directory. Empty means the filesystem default.
	Dir string
	// Iterations overrides the PBKDF2 work factor when non-zero.
	Iterations int
	// Rand is the entropy source for salt and IV. Defaults to crypto/rand.
	Rand io.Reader
}

// NewFileEncryptor returns a FileEncryptor storing temp files in dir on fs.
func NewFileEncryptor(fs afero.Fs, dir string) *FileEncryptor {
	return &FileEncryptor{Fs: fs, Dir: dir}
}

func (e *FileEncryptor) filesystem() afero.Fs {
	if e.Fs == nil {
		return afero.NewOsFs()
	}
	return e.Fs
}

func (e *FileEncryptor) iterations() int {
	if e.Iterations > 0 {
		return e.Iterations
	}
	return Iterations
}

func (e *FileEncryptor) random() io.Reader {
	if e.Rand == nil {
		return rand.Reader
	}
	return e.Rand
}

// Encrypt streams plaintext into a new temporary ciphertext file.
func (e *FileEncryptor) Encrypt(password string, plaintext io.Reader) (*Ciphertext, error) {
	logger := NewLogger("Encrypt").WithFields(PasswordFields(password))
	if password == "" {
		return nil, ErrEmptyPassword
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(e.random(), header); err != nil {
		return nil, fmt.Errorf("generate salt and iv: %w", err)
	}
	salt, iv := header[:SaltSize], header[SaltSize:]

	block, err := aes.NewCipher(DeriveKey(password, salt, e.iterations()))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	fs := e.filesystem()
	tmp, err := afero.TempFile(fs, e.Dir, "datadash-*"+Suffix)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()

	written, err := writeCiphertext(tmp, plaintext, header, cipher.NewCBCEncrypter(block, iv))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fs.Remove(name)
		logger.WithError(err, "encrypt").Error("Encryption failed")
		return nil, err
	}

	logger.WithFields(OperationFields("encrypt", "success", logrus.Fields{
		"path":  name,
		"bytes": written,
	})).Debug("Plaintext encrypted")

	return &Ciphertext{Path: name, Size: written, fs: fs}, nil
}

func writeCiphertext(dst io.Writer, src io.Reader, header []byte, mode cipher.BlockMode) (int64, error) {
	if _, err := dst.Write(header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	written := int64(len(header))

	buf := make([]byte, streamChunk)
	for {
		n, err := io.ReadFull(src, buf)
		switch err {
		case nil:
			mode.CryptBlocks(buf, buf)
			if _, werr := dst.Write(buf); werr != nil {
				return written, fmt.Errorf("write ciphertext: %w", werr)
			}
			written += int64(n)
		case io.EOF, io.ErrUnexpectedEOF:
			tail := pad(buf[:n])
			mode.CryptBlocks(tail, tail)
			if _, werr := dst.Write(tail); werr != nil {
				return written, fmt.Errorf("write ciphertext: %w", werr)
			}
			return written + int64(len(tail)), nil
		default:
			return written, fmt.Errorf("read plaintext: %w", err)
		}
	}
}

// Decrypt reverses the FileEncryptor format from src into dst.
func Decrypt(password string, src io.Reader, dst io.Writer) (int64, error) {
	return decrypt(password, src, dst, Iterations)
}

func decrypt(password string, src io.Reader, dst io.Writer, iterations int) (int64, error) {
	if password == "" {
		return 0, ErrEmptyPassword
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return 0, fmt.Errorf("%w: short header", ErrInvalidCiphertext)
	}
	salt, iv := header[:SaltSize], header[SaltSize:]

	block, err := aes.NewCipher(DeriveKey(password, salt, iterations))
	if err != nil {
		return 0, fmt.Errorf("create cipher: %w", err)
	}
	mode := cipher.NewCBCDecrypter(block, iv)

	var (
		written int64
		held    []byte
	)
	buf := make([]byte, streamChunk)
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if n%aes.BlockSize != 0 {
				return written, fmt.Errorf("%w: length not a multiple of block size", ErrInvalidCiphertext)
			}
			// The last block carries padding, so output lags one read behind.
			if len(held) > 0 {
				if _, werr := dst.Write(held); werr != nil {
					return written, fmt.Errorf("write plaintext: %w", werr)
				}
				written += int64(len(held))
			}
			mode.CryptBlocks(buf[:n], buf[:n])
			held = append(held[:0], buf[:n]...)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return written, fmt.Errorf("read ciphertext: %w", err)
		}
	}

	if len(held) == 0 {
		return written, fmt.Errorf("%w: no payload", ErrInvalidCiphertext)
	}
	plain, err := unpad(held)
	if err != nil {
		return written, err
	}
	if _, err := dst.Write(plain); err != nil {
		return written, fmt.Errorf("write plaintext: %w", err)
	}
	return written + int64(len(plain)), nil
}

// DecryptFile decrypts the ciphertext at name into a sibling file with the
// .crypt suffix removed. An existing file is never overwritten: the output
// becomes "base (i).ext" for the first free i. Returns the output path.
func DecryptFile(fs afero.Fs, name, password string) (string, error) {
	logger := NewLogger("DecryptFile").WithField("path", name)

	in, err := fs.Open(name)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	defer in.Close()

	out, err := availableName(fs, strings.TrimSuffix(name, Suffix))
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create plaintext: %w", err)
	}

	n, err := Decrypt(password, in, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fs.Remove(out)
		logger.WithError(err, "decrypt").Warn("Decryption failed")
		return "", err
	}

	logger.WithFields(OperationFields("decrypt", "success", logrus.Fields{
		"output": out,
		"bytes":  n,
	})).Info("Ciphertext decrypted")
	return out, nil
}

// DeriveKey derives the AES-256 key from password and salt.
func DeriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)
}

func availableName(fs afero.Fs, name string) (string, error) {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; ; i++ {
		exists, err := afero.Exists(fs, candidate)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
	}
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}
