// Package signer signs unsigned transactions against logical key ids. Signers
// are pure with respect to chain state; they never broadcast.
package signer

import (
	"context"
	"encoding/base64"
	"fmt"
)

// KeyKind distinguishes in-process keys from remotely custodied ones.
type KeyKind string

const (
	KindLocal     KeyKind = "local"
	KindDelegated KeyKind = "delegated"
)

// KeyHandle identifies a signing key without carrying secret material.
type KeyHandle struct {
	KeyID   string
	Address string
	Kind    KeyKind
}

// Signer signs a base64-encoded unsigned transaction with the key behind
// keyID and returns the signed base64 artifact.
type Signer interface {
	Sign(ctx context.Context, unsignedTxBase64, keyID string) (string, error)
	Resolve(keyID string) (KeyHandle, error)
}

// splitTx separates a serialized transaction into its signature section and
// message. The signature count is compact-u16; counts of 128 or more do not
// occur in practice and are rejected.
func splitTx(txBytes []byte) (sigCount int, message []byte, err error) {
	if len(txBytes) < 2 {
		return 0, nil, fmt.Errorf("transaction too short: %d bytes", len(txBytes))
	}
	sigCount = int(txBytes[0])
	if txBytes[0] >= 0x80 {
		return 0, nil, fmt.Errorf("unsupported signature count encoding")
	}
	offset := 1 + sigCount*64
	if sigCount == 0 {
		offset = 1
	}
	if len(txBytes) <= offset {
		return 0, nil, fmt.Errorf("transaction truncated: %d bytes, %d signatures", len(txBytes), sigCount)
	}
	return sigCount, txBytes[offset:], nil
}

// messageOf extracts the message bytes of a base64 transaction.
func messageOf(txBase64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	_, msg, err := splitTx(raw)
	return msg, err
}
