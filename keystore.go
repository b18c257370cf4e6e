package dvoice

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/kelonet/dvoice/internal/config"
)

// mlsCiphersuite is the single MLS ciphersuite this library speaks:
// MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519.
const mlsCiphersuite = 0x0001

// signatureKeyVersion versions the persisted key format.
const signatureKeyVersion = 1

// LoadOrCreateSignatureKey returns the DAVE identity signing key for
// sessionID, generating and persisting a fresh one on first use. Keys are
// stored per (session id, ciphersuite, key version) under the OS config
// directory with an atomic rename on write. An empty sessionID yields a
// transient key that never touches disk.
func LoadOrCreateSignatureKey(sessionID string) (ed25519.PrivateKey, error) {
	if sessionID == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("dvoice: generate transient signature key: %w", err)
		}
		return priv, nil
	}

	id := config.SignatureKeyID{
		SessionID:   sessionID,
		Ciphersuite: mlsCiphersuite,
		KeyVersion:  signatureKeyVersion,
	}
	cfg := config.Load()
	if raw, ok := cfg.SignatureKey(id); ok && len(raw) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(raw), nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("dvoice: generate signature key: %w", err)
	}
	if err := cfg.SetSignatureKey(id, priv); err != nil {
		return nil, err
	}
	if err := config.Save(cfg); err != nil {
		return nil, fmt.Errorf("dvoice: persist signature key: %w", err)
	}
	return priv, nil
}
