// Package davecrypt implements the DAVE frame encryptor/decryptor: the glue
// between the frame processor, the AEAD cipher manager, and the key ratchet
// that turns a plaintext media frame into an encrypted wire frame and back.
package davecrypt

import (
	"sync"
	"time"

	"github.com/kelonet/dvoice/internal/cipher"
	"github.com/kelonet/dvoice/internal/cryptormanager"
	"github.com/kelonet/dvoice/internal/frameproc"
	"github.com/kelonet/dvoice/internal/ratchet"
	"github.com/kelonet/dvoice/internal/voiceerr"
)

// MaxCiphertextValidationRetries bounds the retry loop that re-encrypts a
// frame when the ciphertext accidentally contains an H.264/H.265 NAL start
// code at a plaintext/ciphertext boundary.
const MaxCiphertextValidationRetries = 10

// expandNonce rebuilds the 12-byte AES-GCM nonce from the 4-byte truncated
// sync nonce, which carries the 1-byte wrapped generation in its top byte and
// a 24-bit per-frame counter in the rest, placed at the configured offset.
func expandNonce(truncated uint32) [cipher.AESGCM128NonceBytes]byte {
	var nonce [cipher.AESGCM128NonceBytes]byte
	off := cipher.AESGCM128TruncatedSyncNonceOffset
	nonce[off] = byte(truncated >> 24)
	nonce[off+1] = byte(truncated >> 16)
	nonce[off+2] = byte(truncated >> 8)
	nonce[off+3] = byte(truncated)
	return nonce
}

var outboundPool = sync.Pool{New: func() any { return new(frameproc.OutboundFrameProcessor) }}
var inboundPool = sync.Pool{New: func() any { return new(frameproc.InboundFrameProcessor) }}

// Encryptor turns plaintext media frames into encrypted wire frames for the
// currently active key ratchet generation.
type Encryptor struct {
	mu      sync.Mutex
	manager *cryptormanager.Manager
	clock   func() time.Time
	counter uint32 // truncated sync nonce; top byte is the generation

	passthrough      bool
	passthroughUntil time.Time // zero = indefinite
}

// NewEncryptor builds an Encryptor. keyRatchet may be nil: frames cannot be
// encrypted until SetKeyRatchet installs one (the gateway session binds it
// once the MLS epoch is established).
func NewEncryptor(keyRatchet ratchet.Interface, clock func() time.Time) *Encryptor {
	if clock == nil {
		clock = time.Now
	}
	e := &Encryptor{clock: clock}
	if keyRatchet != nil {
		e.manager = cryptormanager.New(keyRatchet, clock)
	}
	return e
}

// SetKeyRatchet replaces the active key ratchet, discarding the previous
// generation cache, resetting the nonce space, and leaving passthrough mode.
func (e *Encryptor) SetKeyRatchet(keyRatchet ratchet.Interface) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manager = cryptormanager.New(keyRatchet, e.clock)
	e.counter = 0
	e.passthrough = false
}

// HasKeyRatchet reports whether a ratchet has been bound yet; end-to-end
// encryption is only claimable once it has.
func (e *Encryptor) HasKeyRatchet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manager != nil
}

// SetPassthroughMode toggles sending frames unencrypted. Turning passthrough
// on (a downgrade to protocol version 0) is immediate and open-ended; turning
// it off keeps passing frames through for CipherExpiry so receivers that
// haven't completed the transition can still read in-flight audio.
func (e *Encryptor) SetPassthroughMode(passthrough bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if passthrough {
		e.passthrough = true
		e.passthroughUntil = time.Time{}
		return
	}
	if e.passthrough {
		e.passthroughUntil = e.clock().Add(cryptormanager.CipherExpiry)
	}
}


// Encrypt splits frame per codec, seals the encrypted portion, and returns
// the reassembled wire frame with its trailer. It retries with a fresh nonce
// if the ciphertext happens to contain an accidental NAL start code.
func (e *Encryptor) Encrypt(codec frameproc.Codec, frame []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.passthrough {
		if e.passthroughUntil.IsZero() || e.clock().Before(e.passthroughUntil) {
			return frame, nil
		}
		e.passthrough = false
	}
	if e.manager == nil {
		return nil, voiceerr.New(voiceerr.KindMLSFailure, "davecrypt.Encrypt: no key ratchet bound", nil)
	}

	op := outboundPool.Get().(*frameproc.OutboundFrameProcessor)
	defer outboundPool.Put(op)
	op.Process(frame, codec)

	var (
		ciphertext, tag []byte
		truncatedNonce  uint32
	)
	for attempt := 0; attempt < MaxCiphertextValidationRetries; attempt++ {
		// Advancing the packet nonce splits into (generation, counter): the
		// top byte of the truncated nonce is the ratchet generation, so
		// generations roll over automatically as the counter overflows its
		// 24-bit space.
		e.counter++
		truncatedNonce = e.counter
		generation := truncatedNonce >> cryptormanager.RatchetGenerationShiftBits
		c := e.manager.GetCipher(generation)
		if c == nil {
			return nil, voiceerr.New(voiceerr.KindMLSFailure, "davecrypt.Encrypt", nil)
		}
		nonce := expandNonce(truncatedNonce)

		sealed, err := c.Seal(nil, nonce[:], op.EncryptedBytes, op.UnencryptedBytes)
		if err != nil {
			return nil, voiceerr.New(voiceerr.KindMLSFailure, "davecrypt.Encrypt", err)
		}
		ciphertext = sealed[:len(sealed)-cipher.AESGCM127TruncatedTagBytes]
		tag = sealed[len(sealed)-cipher.AESGCM127TruncatedTagBytes:]

		op.CiphertextBytes = ciphertext
		reconstructed := make([]byte, len(op.UnencryptedBytes)+len(ciphertext))
		n := op.ReconstructFrame(reconstructed)
		if !frameproc.HasAccidentalStartCode(codec, reconstructed[:n], op.Ranges) {
			out := frameproc.BuildTrailer(reconstructed[:n], tag, uint64(truncatedNonce), op.Ranges)
			return out, nil
		}
	}
	return nil, voiceerr.New(voiceerr.KindCodecValidation, "davecrypt.Encrypt: exhausted ciphertext validation retries", nil)
}

// Decryptor turns encrypted wire frames back into plaintext, holding one
// AEAD cipher manager per live key ratchet generation (old ones kept around
// briefly during a rekey) plus an optional passthrough window for DAVE
// protocol downgrades.
type Decryptor struct {
	mu               sync.Mutex
	managers         []*cryptormanager.Manager
	clock            func() time.Time
	passthrough      bool
	passthroughUntil time.Time
}

// NewDecryptor builds an empty Decryptor; call TransitionToKeyRatchet before
// decrypting any frame.
func NewDecryptor(clock func() time.Time) *Decryptor {
	if clock == nil {
		clock = time.Now
	}
	return &Decryptor{clock: clock}
}

// TransitionToKeyRatchet installs a new key ratchet as the current
// generation's manager, expiring the previous manager after CipherExpiry so
// in-flight frames encrypted under the old ratchet can still be decrypted.
func (d *Decryptor) TransitionToKeyRatchet(keyRatchet ratchet.Interface) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.managers) > 0 {
		d.managers[len(d.managers)-1].UpdateExpiry(d.clock().Add(cryptormanager.CipherExpiry))
	}
	d.managers = append(d.managers, cryptormanager.New(keyRatchet, d.clock))
	d.passthrough = false
}

// TransitionToPassthroughMode marks the decryptor as accepting unencrypted
// frames verbatim until expiry, used while DAVE is disabled or downgrading.
func (d *Decryptor) TransitionToPassthroughMode(expiry time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passthrough = true
	d.passthroughUntil = expiry
}

func (d *Decryptor) cleanupExpiredManagersLocked() {
	live := d.managers[:0]
	for i, m := range d.managers {
		if i == len(d.managers)-1 || !m.IsExpired() {
			live = append(live, m)
		}
	}
	d.managers = live
}

// Decrypt parses an encrypted wire frame and returns the reassembled
// plaintext frame, trying each live generation's manager from newest to
// oldest.
func (d *Decryptor) Decrypt(codec frameproc.Codec, wireFrame []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cleanupExpiredManagersLocked()

	if d.passthrough && d.clock().Before(d.passthroughUntil) {
		return wireFrame, nil
	}

	ip := inboundPool.Get().(*frameproc.InboundFrameProcessor)
	defer inboundPool.Put(ip)

	if !ip.ParseFrame(wireFrame, cipher.AESGCM127TruncatedTagBytes) {
		if d.passthrough {
			return wireFrame, nil
		}
		return nil, voiceerr.New(voiceerr.KindProtocolRecoverable, "davecrypt.Decrypt", nil)
	}

	truncatedNonce := uint32(ip.TruncatedNonce())
	truncatedGeneration := truncatedNonce >> 24
	counter := truncatedNonce & 0x00FFFFFF
	nonce := expandNonce(truncatedNonce)

	for i := len(d.managers) - 1; i >= 0; i-- {
		m := d.managers[i]
		generation := m.ComputeWrappedGeneration(truncatedGeneration)
		if !m.CanProcessNonce(generation, counter) {
			continue
		}
		c := m.GetCipher(generation)
		if c == nil {
			continue
		}
		plaintext, err := c.Open(nil, nonce[:], ip.Ciphertext(), ip.Tag(), ip.AuthenticatedData())
		if err != nil {
			continue
		}
		m.ReportCipherSuccess(generation, counter)
		ip.SetPlaintext(plaintext)

		out := make([]byte, ip.Size())
		n := ip.ReconstructFrame(out)
		return out[:n], nil
	}

	return nil, voiceerr.New(voiceerr.KindKeyMiss, "davecrypt.Decrypt", nil)
}
