// Package cryptormanager implements the AEAD cipher manager: a cache
// of ciphers keyed by ratchet generation with nonce replay protection,
// generation-gap limits, and cipher expiry.
package cryptormanager

import (
	"time"

	"github.com/kelonet/dvoice/internal/cipher"
	"github.com/kelonet/dvoice/internal/ratchet"
)

const (
	// RatchetGenerationShiftBits is the bit width of the per-packet nonce
	// once the 1-byte generation prefix is excluded (32 - 8).
	RatchetGenerationShiftBits = 24
	// GenerationWrap is the modulus a truncated (1-byte) generation wraps at.
	GenerationWrap = 1 << 8
	// MaxGenerationGap bounds how far ahead of "newest" a generation may be
	// and still be admitted.
	MaxGenerationGap = 250
	// MaxMissingNonces bounds the sliding out-of-order replay window.
	MaxMissingNonces = 1000
	// MaxFramesPerSecond bounds nonce exhaustion: 50 audio frames plus two
	// 60fps video streams.
	MaxFramesPerSecond = 50 + 2*60
	// CipherExpiry is how long an old generation's cipher survives after a
	// newer generation is reported successful.
	CipherExpiry = 10 * time.Second
)

// BigNonce is the generation bits concatenated with the per-packet nonce,
// used for the replay/reordering window.
type BigNonce uint64

// ComputeWrappedGeneration reconstructs the full generation counter from a
// 1-byte truncated generation nibble and the oldest known generation,
// handling the 256-wide wraparound.
func ComputeWrappedGeneration(oldest, generation uint32) uint32 {
	remainder := oldest % GenerationWrap
	factor := oldest / GenerationWrap
	if generation < remainder {
		factor++
	}
	return factor*GenerationWrap + generation
}

// ComputeWrappedBigNonce builds the replay-window key from a generation and
// the 32-bit truncated sync nonce.
func ComputeWrappedBigNonce(generation uint32, nonce uint32) BigNonce {
	masked := nonce & ((1 << RatchetGenerationShiftBits) - 1)
	return BigNonce(uint64(generation)<<RatchetGenerationShiftBits | uint64(masked))
}

type expiringCipher struct {
	cipher *cipher.Frame
	expiry time.Time
}

// noExpiry is used for ciphers that should not expire until a newer
// generation demotes them.
var noExpiry = time.Time{}

func (e expiringCipher) isExpired(now time.Time) bool {
	if e.expiry.IsZero() {
		return false
	}
	return now.After(e.expiry)
}

// Manager is the per-key-ratchet AEAD cipher manager.
type Manager struct {
	clock   func() time.Time
	ratchet ratchet.Interface

	ratchetCreation time.Time
	ratchetExpiry   time.Time

	oldestGeneration uint32
	newestGeneration uint32

	ciphers map[uint32]expiringCipher

	newestProcessedNonce *BigNonce
	missingNonces        []BigNonce
}

// New builds a Manager bound to a key ratchet, using clock for all time
// comparisons (tests may inject a fake clock).
func New(keyRatchet ratchet.Interface, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	now := clock()
	return &Manager{
		clock:           clock,
		ratchet:         keyRatchet,
		ratchetCreation: now,
		ratchetExpiry:   time.Time{}, // zero value = "max", i.e. never expires until set
		ciphers:         make(map[uint32]expiringCipher),
	}
}

// UpdateExpiry sets the expiry for this entire manager (used when a newer
// key ratchet supersedes it, per decryptor.transition_to_key_ratchet).
func (m *Manager) UpdateExpiry(expiry time.Time) {
	m.ratchetExpiry = expiry
}

// IsExpired reports whether this manager's ratchet-level expiry has passed.
func (m *Manager) IsExpired() bool {
	if m.ratchetExpiry.IsZero() {
		return false
	}
	return m.clock().After(m.ratchetExpiry)
}

// CanProcessNonce reports whether (generation, nonce) is new enough (or an
// explicitly tracked gap) to be worth attempting decryption for.
func (m *Manager) CanProcessNonce(generation uint32, nonce uint32) bool {
	if m.newestProcessedNonce == nil {
		return true
	}
	big := ComputeWrappedBigNonce(generation, nonce)
	if big > *m.newestProcessedNonce {
		return true
	}
	for i := len(m.missingNonces) - 1; i >= 0; i-- {
		if m.missingNonces[i] == big {
			return true
		}
	}
	return false
}

// ComputeWrappedGeneration reconstructs a full generation against this
// manager's current oldest-generation baseline.
func (m *Manager) ComputeWrappedGeneration(generation uint32) uint32 {
	return ComputeWrappedGeneration(m.oldestGeneration, generation)
}

// GetCipher returns the AES-128-GCM cipher for generation, creating it on
// demand via the key ratchet, or nil if the generation is out of the
// admissible window.
func (m *Manager) GetCipher(generation uint32) *cipher.Frame {
	m.cleanupExpiredCiphers()

	if generation < m.oldestGeneration {
		return nil
	}
	if generation > m.newestGeneration+MaxGenerationGap {
		return nil
	}

	ratchetLifetimeSec := int64(m.clock().Sub(m.ratchetCreation).Seconds())
	maxLifetimeFrames := int64(MaxFramesPerSecond) * ratchetLifetimeSec
	maxLifetimeGenerations := uint32(maxLifetimeFrames >> RatchetGenerationShiftBits)
	if generation > maxLifetimeGenerations {
		return nil
	}

	entry, ok := m.ciphers[generation]
	if !ok {
		entry = m.makeExpiringCipher(generation)
		if entry.cipher == nil {
			return nil
		}
		m.ciphers[generation] = entry
	}
	return entry.cipher
}

// ReportCipherSuccess records a successful decrypt under (generation, nonce),
// advancing the replay window and clamping older generations' expiry.
func (m *Manager) ReportCipherSuccess(generation uint32, nonce uint32) {
	big := ComputeWrappedBigNonce(generation, nonce)

	switch {
	case m.newestProcessedNonce == nil:
		m.newestProcessedNonce = &big
	case big > *m.newestProcessedNonce:
		var oldestMissing BigNonce
		if uint64(big) > MaxMissingNonces {
			oldestMissing = big - MaxMissingNonces
		}
		filtered := m.missingNonces[:0]
		for _, n := range m.missingNonces {
			if n >= oldestMissing {
				filtered = append(filtered, n)
			}
		}
		m.missingNonces = filtered

		start := oldestMissing
		if *m.newestProcessedNonce+1 > start {
			start = *m.newestProcessedNonce + 1
		}
		for n := start; n < big; n++ {
			m.missingNonces = append(m.missingNonces, n)
		}
		m.newestProcessedNonce = &big
	default:
		for i, n := range m.missingNonces {
			if n == big {
				m.missingNonces = append(m.missingNonces[:i], m.missingNonces[i+1:]...)
				break
			}
		}
	}

	if generation <= m.newestGeneration {
		return
	}
	if _, ok := m.ciphers[generation]; !ok {
		return
	}
	m.newestGeneration = generation

	expiryTime := m.clock().Add(CipherExpiry)
	for gen, entry := range m.ciphers {
		if gen < m.newestGeneration {
			if entry.expiry.IsZero() || expiryTime.Before(entry.expiry) {
				entry.expiry = expiryTime
				m.ciphers[gen] = entry
			}
		}
	}
}

func (m *Manager) makeExpiringCipher(generation uint32) expiringCipher {
	key, err := m.ratchet.GetKey(generation)
	if err != nil {
		return expiringCipher{}
	}
	frame, err := cipher.NewFrame(key)
	if err != nil {
		return expiringCipher{}
	}
	expiry := noExpiry
	if generation < m.newestGeneration {
		expiry = m.clock().Add(CipherExpiry)
	}
	return expiringCipher{cipher: frame, expiry: expiry}
}

func (m *Manager) cleanupExpiredCiphers() {
	now := m.clock()
	for gen, entry := range m.ciphers {
		if entry.isExpired(now) {
			delete(m.ciphers, gen)
		}
	}
	for m.oldestGeneration < m.newestGeneration {
		if _, ok := m.ciphers[m.oldestGeneration]; ok {
			break
		}
		m.ratchet.DeleteKey(m.oldestGeneration)
		m.oldestGeneration++
	}
}
