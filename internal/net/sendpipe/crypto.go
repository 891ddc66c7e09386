package sendpipe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// PacketCipher derives a per-connection AES-GCM key from a shared master
// secret via HKDF-SHA256 and uses it to encrypt/decrypt outbound frames.
// The connection id is used as HKDF salt so every connection gets an
// independent key from the same master secret.
type PacketCipher struct {
	aead cipher.AEAD
}

// NewPacketCipher derives a connection's cipher from masterKey.
func NewPacketCipher(masterKey []byte, connectionID string) (*PacketCipher, error) {
	reader := hkdf.New(sha256.New, masterKey, []byte(connectionID), []byte("sendpipe-packet-cipher"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive packet cipher key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &PacketCipher{aead: aead}, nil
}

// Encrypt implements Encryptor: nonce is prepended to the ciphertext.
func (c *PacketCipher) Encrypt(frame []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, frame, nil), nil
}

// Decrypt reverses Encrypt.
func (c *PacketCipher) Decrypt(sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed frame shorter than nonce")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	return c.aead.Open(nil, nonce, ciphertext, nil)
}
