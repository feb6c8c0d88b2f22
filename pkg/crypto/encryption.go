// Package crypto encrypts venue API credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes).
	KeySize = 32
	// nonceSize is the size of the GCM nonce (12 bytes).
	nonceSize = 12
	// versionPrefix tags ciphertexts so keys can be rotated later.
	versionPrefix = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor handles AES-256-GCM encryption and decryption.
type Encryptor struct {
	key     []byte
	version int
}

// NewEncryptor creates an Encryptor; key must be 32 bytes for AES-256.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Encryptor{key: key, version: version}, nil
}

// Encrypt returns "ENC[vN]:base64(nonce+ciphertext)".
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(versionPrefix, e.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return "", ErrInvalidCiphertext
	}
	sep := strings.Index(ciphertext, "]:")
	if sep == -1 {
		return "", ErrInvalidCiphertext
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext[sep+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Version returns the key version used by this encryptor.
func (e *Encryptor) Version() int {
	return e.version
}

func (e *Encryptor) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
