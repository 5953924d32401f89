package services

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	credentialSaltLen = 16
	argonTime         = 1
	argonMemory       = 64 * 1024
	argonThreads      = 4
	argonKeyLen       = chacha20poly1305.KeySize
)

type CredentialDecrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// CredentialCipher encrypts repository access tokens with XChaCha20-Poly1305.
//
// Stored format: base64(salt(16) || nonce(24) || ciphertext). When the
// configured secret is a base64 32-byte key it is used directly and the salt
// is ignored; any other secret is treated as a passphrase and stretched with
// Argon2id over the salt.
type CredentialCipher struct {
	key        []byte
	passphrase string
}

func NewCredentialCipher(secret string) (*CredentialCipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: no credential key configured", ErrCredential)
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == chacha20poly1305.KeySize {
		return &CredentialCipher{key: raw}, nil
	}
	return &CredentialCipher{passphrase: secret}, nil
}

func (c *CredentialCipher) keyFor(salt []byte) []byte {
	if c.key != nil {
		return c.key
	}
	return argon2.IDKey([]byte(c.passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func (c *CredentialCipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, credentialSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(c.keyFor(salt))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt returns "" for an empty ciphertext so that public repositories
// need no token.
func (c *CredentialCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredential, err)
	}
	minLen := credentialSaltLen + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(data) < minLen {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCredential)
	}

	salt := data[:credentialSaltLen]
	nonce := data[credentialSaltLen : credentialSaltLen+chacha20poly1305.NonceSizeX]
	sealed := data[credentialSaltLen+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(c.keyFor(salt))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredential, err)
	}
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCredential)
	}
	return string(plain), nil
}
