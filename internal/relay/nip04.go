package relay

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip04"
)

// Nip04Codec encrypts and decrypts payloads with NIP-04 shared secrets
// derived from the service secret key and the counterparty's pubkey.
type Nip04Codec struct {
	secretKey string
}

// NewNip04Codec builds a codec around the service's hex secret key.
func NewNip04Codec(secretKey string) *Nip04Codec {
	return &Nip04Codec{secretKey: secretKey}
}

// Decrypt unwraps a ciphertext sent by senderPubKey.
func (c *Nip04Codec) Decrypt(senderPubKey, ciphertext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(senderPubKey, c.secretKey)
	if err != nil {
		return "", fmt.Errorf("compute shared secret: %w", err)
	}
	plain, err := nip04.Decrypt(ciphertext, shared)
	if err != nil {
		return "", fmt.Errorf("nip04 decrypt: %w", err)
	}
	return plain, nil
}

// Encrypt wraps a plaintext for recipientPubKey.
func (c *Nip04Codec) Encrypt(recipientPubKey, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(recipientPubKey, c.secretKey)
	if err != nil {
		return "", fmt.Errorf("compute shared secret: %w", err)
	}
	cipher, err := nip04.Encrypt(plaintext, shared)
	if err != nil {
		return "", fmt.Errorf("nip04 encrypt: %w", err)
	}
	return cipher, nil
}
