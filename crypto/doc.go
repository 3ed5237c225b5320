// Package crypto implements the DataDash file encryption format.
//
// The transfer layer treats encryption as a black box behind the
// [Encryptor] interface: a plaintext stream goes in, a temporary
// ciphertext file comes out. [FileEncryptor] is the implementation shared
// by every DataDash peer.
//
// # Ciphertext Format
//
// A ciphertext file is laid out as
//
//	salt (16 bytes) | iv (16 bytes) | AES-256-CBC(PKCS7(plaintext))
//
// The key is derived from the password with PBKDF2-HMAC-SHA256 over the
// salt, 100000 iterations, 32 bytes. Both directions stream in fixed
// chunks, so files of any size are handled without buffering them whole.
//
//	enc := crypto.NewFileEncryptor(afero.NewOsFs(), os.TempDir())
//	ct, err := enc.Encrypt(password, f)
//	if err != nil {
//	    return err
//	}
//	defer ct.Remove()
//
// The receiving side calls [DecryptFile], which writes the plaintext next
// to the ciphertext with the ".crypt" suffix removed and never overwrites
// an existing file.
//
// # Logging
//
// [LoggerHelper] attaches "function" and "package" fields to every entry.
// Passwords are never logged; [PasswordFields] records only whether one
// was supplied and its length.
package crypto
