package userapi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const keySize = 32 // AES-256

var errShortCiphertext = errors.New("userapi: ciphertext shorter than nonce")

// seal encrypts plain with AES-GCM under the session payload key. The
// random nonce is prepended to the ciphertext; open expects the same
// layout.
func seal(key, plain []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("userapi: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

// open decrypts a nonce-prefixed AES-GCM payload.
func open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errShortCiphertext
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("userapi: gcm open: %w", err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("userapi: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("userapi: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// secretPayload is the plaintext structure sealed into secret-channel
// frames. Text messages set Text; media set Kind/Data.
type secretPayload struct {
	Text     string `json:"text,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

func sealPayload(key []byte, p secretPayload) ([]byte, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return seal(key, plain)
}

func openPayload(key, sealed []byte) (secretPayload, error) {
	plain, err := open(key, sealed)
	if err != nil {
		return secretPayload{}, err
	}
	var p secretPayload
	if err := json.Unmarshal(plain, &p); err != nil {
		return secretPayload{}, fmt.Errorf("userapi: payload decode: %w", err)
	}
	return p, nil
}
