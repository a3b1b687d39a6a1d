package thread

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// Cipher encrypts and decrypts checkpoint blobs at rest. Implementations
// are injected; the serializer never chooses the algorithm itself.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESCipher is an AES-256-GCM Cipher. The nonce is generated per blob and
// prepended to the ciphertext.
type AESCipher struct {
	key []byte
}

// NewAESCipher derives a 32-byte AES-256 key from the configured
// encryption key material.
func NewAESCipher(keyMaterial string) (*AESCipher, error) {
	if keyMaterial == "" {
		return nil, fmt.Errorf("empty encryption key")
	}
	sum := sha256.Sum256([]byte(keyMaterial))
	return &AESCipher{key: sum[:]}, nil
}

func (c *AESCipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func (c *AESCipher) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *AESCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrCorruptCheckpoint)
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", ErrCorruptCheckpoint)
	}
	return plaintext, nil
}

// EncryptingSerializer decorates a Serializer with at-rest encryption.
// Backends and encryption vary independently; the storage layer only ever
// sees opaque bytes.
type EncryptingSerializer struct {
	inner  Serializer
	cipher Cipher
}

func NewEncryptingSerializer(inner Serializer, cipher Cipher) *EncryptingSerializer {
	return &EncryptingSerializer{inner: inner, cipher: cipher}
}

func (s *EncryptingSerializer) Serialize(turns []Turn) ([]byte, error) {
	plain, err := s.inner.Serialize(turns)
	if err != nil {
		return nil, err
	}
	return s.cipher.Encrypt(plain)
}

func (s *EncryptingSerializer) Deserialize(blob []byte) ([]Turn, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	plain, err := s.cipher.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	return s.inner.Deserialize(plain)
}
