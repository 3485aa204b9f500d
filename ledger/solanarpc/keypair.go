package solanarpc

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Keypair is a custody signer backed by an ed25519 key held in memory.
type Keypair struct {
	key solana.PrivateKey
}

// ParseKeypair accepts either a solana-keygen JSON byte array or a base58
// encoded secret key.
func ParseKeypair(secret string) (*Keypair, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("empty custody key")
	}

	if strings.HasPrefix(secret, "[") {
		var raw []int
		if err := json.Unmarshal([]byte(secret), &raw); err != nil {
			return nil, fmt.Errorf("parse custody key array: %w", err)
		}
		if len(raw) != 64 {
			return nil, fmt.Errorf("custody key must be 64 bytes, got %d", len(raw))
		}
		key := make(solana.PrivateKey, len(raw))
		for i, b := range raw {
			if b < 0 || b > 255 {
				return nil, fmt.Errorf("custody key byte %d out of range", i)
			}
			key[i] = byte(b)
		}
		return newKeypair(key)
	}

	key, err := solana.PrivateKeyFromBase58(secret)
	if err != nil {
		return nil, fmt.Errorf("parse custody key: %w", err)
	}
	return newKeypair(key)
}

// newKeypair checks that the public half of key belongs to its seed.
func newKeypair(key solana.PrivateKey) (*Keypair, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid custody key: %w", err)
	}
	derived := ed25519.NewKeyFromSeed(key[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], key[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("custody key public half does not match its seed")
	}
	return &Keypair{key: key}, nil
}

func (k *Keypair) Address() string {
	return k.key.PublicKey().String()
}

func (k *Keypair) Sign(message []byte) ([]byte, error) {
	sig, err := k.key.Sign(message)
	if err != nil {
		return nil, err
	}
	return sig[:], nil
}
