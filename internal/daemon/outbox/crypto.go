package outbox

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealPayload compresses then encrypts data with the outbox's
// at-rest key (spec §4.2: "stores the payload encrypted at rest").
// The nonce is prepended to the ciphertext so a single column holds
// everything needed to open it again.
func sealPayload(key []byte, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	compressed := compress(data)
	sealed := aead.Seal(nonce, nonce, compressed, nil)
	return sealed, nil
}

// openPayload reverses sealPayload.
func openPayload(key []byte, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed payload too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	compressed, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}

	return decompress(compressed)
}
