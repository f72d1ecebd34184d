package archive

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
)

// Encrypted archive layout: magic | version | salt | nonce | AES-256-GCM ciphertext.
// The password itself is never stored.
const (
	magic             = "PWARC"
	encryptionVersion = byte(1)
	saltLength        = 32
	nonceLength       = 12
	keyLength         = 32
	pbkdf2Iterations  = 100_000

	// MinPasswordLength is the shortest accepted archive password.
	MinPasswordLength = 8
)

var headerLength = len(magic) + 1 + saltLength + nonceLength

func isEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, []byte(magic))
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLength, sha256.New)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "create GCM", err)
	}
	return gcm, nil
}

// seal encrypts plain with a key derived from password.
func seal(plain []byte, password string) ([]byte, error) {
	if len(password) < MinPasswordLength {
		return nil, apperrors.Validation("password must be at least %d characters", MinPasswordLength)
	}

	salt := make([]byte, saltLength)
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "generate salt", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "generate nonce", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerLength+len(plain)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, encryptionVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plain, []byte(magic)), nil
}

// open reverses seal. A wrong password and a tampered archive are
// indistinguishable and both report a validation error.
func open(data []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, apperrors.Validation("archive is encrypted; a password is required")
	}
	if len(data) < headerLength {
		return nil, apperrors.Validation("encrypted archive is truncated")
	}

	rest := data[len(magic):]
	if rest[0] != encryptionVersion {
		return nil, apperrors.Validation("unsupported archive encryption version %d", rest[0])
	}
	salt := rest[1 : 1+saltLength]
	nonce := rest[1+saltLength : 1+saltLength+nonceLength]
	ciphertext := rest[1+saltLength+nonceLength:]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, []byte(magic))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "wrong password or corrupted archive", err)
	}
	return plain, nil
}
