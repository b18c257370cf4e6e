// Package ratchet implements the per-generation symmetric key ratchet that
// sits between an MLS-exported base secret and the AEAD cipher manager.
package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

func newSHA256() hash.Hash { return sha256.New() }

const (
	// KeyBytes is the size of a derived generation key (AES-128-GCM key).
	KeyBytes = 16

	mediaKeyBaseLabel = "Discord Secure Frames v0"
)

// Interface is the capability the cipher manager needs from a key ratchet:
// derive the key for a generation, and forget one once it's no longer
// reachable.
type Interface interface {
	GetKey(generation uint32) ([]byte, error)
	DeleteKey(generation uint32)
}

// HashRatchet derives per-generation keys from a base secret via HKDF-SHA256
// (extract with no salt, then expand with info label||generation), caching
// results so repeated
// out-of-order requests for the same generation don't re-derive.
type HashRatchet struct {
	baseSecret []byte
	label      string
	cache      map[uint32][]byte
}

// New builds a HashRatchet over baseSecret (an MLS-exported per-user secret).
func New(baseSecret []byte) *HashRatchet {
	return &HashRatchet{
		baseSecret: baseSecret,
		label:      mediaKeyBaseLabel,
		cache:      make(map[uint32][]byte),
	}
}

// GetKey derives (or returns the cached) 16-byte key for generation.
func (r *HashRatchet) GetKey(generation uint32) ([]byte, error) {
	if key, ok := r.cache[generation]; ok {
		return key, nil
	}
	info := make([]byte, len(r.label)+4)
	copy(info, r.label)
	binary.BigEndian.PutUint32(info[len(r.label):], generation)

	kdf := hkdf.New(newSHA256, r.baseSecret, nil, info)
	key := make([]byte, KeyBytes)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("ratchet: derive generation %d: %w", generation, err)
	}
	r.cache[generation] = key
	return key, nil
}

// DeleteKey forgets a generation's cached key so it can be garbage collected.
func (r *HashRatchet) DeleteKey(generation uint32) {
	delete(r.cache, generation)
}
