package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrInvalidPassword is returned when the provided password is incorrect.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrInvalidArchive is returned when the archive format is invalid.
	ErrInvalidArchive = errors.New("invalid archive format")
)

const (
	// PasswordMinLength is the minimum required password length.
	PasswordMinLength = 8
	// SaltLength is the length of the random salt for key derivation.
	SaltLength = 32
	// KeyIterations is the PBKDF2-SHA256 work factor.
	KeyIterations = 100_000

	nonceLength = 12
)

var archiveMagic = []byte("SSB1")

// IsEncryptedArchive reports whether data starts with the archive header.
func IsEncryptedArchive(data []byte) bool {
	return bytes.HasPrefix(data, archiveMagic)
}

// EncryptArchive encrypts data with a key derived from password. The
// password is never stored; the output is magic || salt || nonce || sealed.
func EncryptArchive(data []byte, password string) ([]byte, error) {
	if len(password) < PasswordMinLength {
		return nil, fmt.Errorf("password must be at least %d characters", PasswordMinLength)
	}

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	c, err := newCipherFromKey(DeriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	out := make([]byte, 0, len(archiveMagic)+SaltLength+nonceLength+len(data)+c.aead.Overhead())
	out = append(out, archiveMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, data, nil), nil
}

// DecryptArchive reverses EncryptArchive. A wrong password and a tampered
// archive both fail authentication and return ErrInvalidPassword.
func DecryptArchive(data []byte, password string) ([]byte, error) {
	headerLen := len(archiveMagic) + SaltLength + nonceLength
	if len(data) < headerLen || !IsEncryptedArchive(data) {
		return nil, ErrInvalidArchive
	}
	salt := data[len(archiveMagic) : len(archiveMagic)+SaltLength]
	nonce := data[len(archiveMagic)+SaltLength : headerLen]

	c, err := newCipherFromKey(DeriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext, err := c.aead.Open(nil, nonce, data[headerLen:], nil)
	if err != nil {
		return nil, ErrInvalidPassword
	}
	return plaintext, nil
}

// DeriveKey derives a 32-byte key from password and salt with PBKDF2-SHA256.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, KeyIterations, 32, sha256.New)
}
