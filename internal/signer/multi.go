package signer

import "context"

// Multi routes each key to the signer that knows it: the local keystore
// first, the delegated service otherwise. The engine sees one Signer
// regardless of where a tenant's keys live.
type Multi struct {
	local     *Local
	delegated *Delegated
}

// NewMulti creates the composite signer. delegated may be nil for
// keystore-only deployments.
func NewMulti(local *Local, delegated *Delegated) *Multi {
	return &Multi{local: local, delegated: delegated}
}

// Resolve returns the handle for keyID from whichever signer owns it.
func (m *Multi) Resolve(keyID string) (KeyHandle, error) {
	if h, err := m.local.Resolve(keyID); err == nil {
		return h, nil
	}
	if m.delegated != nil {
		return m.delegated.Resolve(keyID)
	}
	return m.local.Resolve(keyID)
}

// Sign dispatches by key ownership.
func (m *Multi) Sign(ctx context.Context, unsignedTxBase64, keyID string) (string, error) {
	if _, err := m.local.Resolve(keyID); err == nil {
		return m.local.Sign(ctx, unsignedTxBase64, keyID)
	}
	if m.delegated != nil {
		return m.delegated.Sign(ctx, unsignedTxBase64, keyID)
	}
	return m.local.Sign(ctx, unsignedTxBase64, keyID)
}
