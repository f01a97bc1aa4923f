package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// keypair holds one loaded local key.
type keypair struct {
	handle     KeyHandle
	privateKey ed25519.PrivateKey
}

// Local signs with ed25519 keypairs loaded from a JSON keystore directory.
// Each key file holds {"key_id": ..., "private_key": <base58>}.
type Local struct {
	mu   sync.RWMutex
	keys map[string]*keypair
}

type keystoreEntry struct {
	KeyID      string `json:"key_id"`
	PrivateKey string `json:"private_key"`
}

// NewLocal creates an empty local signer.
func NewLocal() *Local {
	return &Local{keys: make(map[string]*keypair)}
}

// LoadKeystore loads every *.json key file under dir.
func (l *Local) LoadKeystore(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read keystore dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read key file %s: %w", entry.Name(), err)
		}
		var ke keystoreEntry
		if err := json.Unmarshal(raw, &ke); err != nil {
			return fmt.Errorf("parse key file %s: %w", entry.Name(), err)
		}
		if err := l.AddKey(ke.KeyID, ke.PrivateKey); err != nil {
			return fmt.Errorf("load key %s: %w", ke.KeyID, err)
		}
		loaded++
	}

	log.Info().Int("keys", loaded).Str("dir", dir).Msg("keystore loaded")
	return nil
}

// AddKey registers a base58-encoded private key under keyID. Accepts 64-byte
// (seed+pub) or 32-byte (seed only) material.
func (l *Local) AddKey(keyID, privateKeyBase58 string) error {
	raw, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}

	var privateKey ed25519.PrivateKey
	switch len(raw) {
	case 64:
		privateKey = ed25519.PrivateKey(raw)
	case 32:
		privateKey = ed25519.NewKeyFromSeed(raw)
	default:
		return fmt.Errorf("invalid private key length: %d (expected 32 or 64)", len(raw))
	}

	publicKey := privateKey.Public().(ed25519.PublicKey)
	address := base58.Encode(publicKey)

	l.mu.Lock()
	l.keys[keyID] = &keypair{
		handle:     KeyHandle{KeyID: keyID, Address: address, Kind: KindLocal},
		privateKey: privateKey,
	}
	l.mu.Unlock()

	return nil
}

// Resolve returns the handle for keyID.
func (l *Local) Resolve(keyID string) (KeyHandle, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	kp, ok := l.keys[keyID]
	if !ok {
		return KeyHandle{}, fmt.Errorf("unknown key id: %s", keyID)
	}
	return kp.handle, nil
}

// Sign signs the transaction's message and places the signature in the fee
// payer's slot.
func (l *Local) Sign(ctx context.Context, unsignedTxBase64, keyID string) (string, error) {
	l.mu.RLock()
	kp, ok := l.keys[keyID]
	l.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown key id: %s", keyID)
	}

	txBytes, err := base64.StdEncoding.DecodeString(unsignedTxBase64)
	if err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}

	sigCount, message, err := splitTx(txBytes)
	if err != nil {
		return "", err
	}

	signature := ed25519.Sign(kp.privateKey, message)

	if sigCount == 0 {
		// No signature slot reserved: prepend one.
		signed := make([]byte, 1+64+len(message))
		signed[0] = 1
		copy(signed[1:65], signature)
		copy(signed[65:], message)
		return base64.StdEncoding.EncodeToString(signed), nil
	}

	copy(txBytes[1:65], signature)
	return base64.StdEncoding.EncodeToString(txBytes), nil
}
