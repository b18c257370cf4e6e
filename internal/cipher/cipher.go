// Package cipher implements the two AEAD constructions used by the voice
// subsystem: the XChaCha20-Poly1305 transport cipher used for every RTP
// packet, and the AES-128-GCM cipher used for DAVE frame-level encryption.
package cipher

import (
	gocipher "crypto/aes"
	cryptocipher "crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AESGCM128KeyBytes is the DAVE frame cipher key size.
	AESGCM128KeyBytes = 16
	// AESGCM128NonceBytes is the DAVE frame cipher nonce size.
	AESGCM128NonceBytes = 12
	// AESGCM128TruncatedSyncNonceBytes is the on-wire truncated nonce size.
	AESGCM128TruncatedSyncNonceBytes = 4
	// AESGCM128TruncatedSyncNonceOffset is where the truncated nonce sits
	// inside the full nonce buffer.
	AESGCM128TruncatedSyncNonceOffset = AESGCM128NonceBytes - AESGCM128TruncatedSyncNonceBytes
	// AESGCM127TruncatedTagBytes is the DAVE frame cipher's on-wire tag size.
	AESGCM127TruncatedTagBytes = 8

	// TransportKeyBytes is the transport (XChaCha20-Poly1305) secret key size.
	TransportKeyBytes = 32
	// TransportNonceBytes is the full XChaCha20-Poly1305 nonce size.
	TransportNonceBytes = 24
	// TransportTagBytes is the transport AEAD tag size.
	TransportTagBytes = 16
	// TransportTruncatedNonceBytes is the on-wire truncated nonce size.
	TransportTruncatedNonceBytes = 4
)

// AEAD is the capability set both cipher implementations expose. It mirrors
// the single cipher_interface abstraction from the source: encrypt/decrypt
// with explicit nonce and associated data, success reported by error.
type AEAD interface {
	// Seal encrypts plaintext, appending ciphertext and tag to dst, and
	// returns the result.
	Seal(dst, nonce, plaintext, aad []byte) ([]byte, error)
	// Open decrypts ciphertext||tag (as produced by Seal) and appends the
	// plaintext to dst.
	Open(dst, nonce, ciphertextAndTag, aad []byte) ([]byte, error)
}

// Transport is the XChaCha20-Poly1305 AEAD used for RTP packet encryption.
type Transport struct {
	aead cryptocipher.AEAD
}

// NewTransport builds a Transport cipher bound to a 32-byte secret key.
func NewTransport(key []byte) (*Transport, error) {
	if len(key) != TransportKeyBytes {
		return nil, fmt.Errorf("cipher: transport key must be %d bytes, got %d", TransportKeyBytes, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: new transport aead: %w", err)
	}
	return &Transport{aead: aead}, nil
}

func (t *Transport) Seal(dst, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != TransportNonceBytes {
		return nil, fmt.Errorf("cipher: transport nonce must be %d bytes", TransportNonceBytes)
	}
	return t.aead.Seal(dst, nonce, plaintext, aad), nil
}

func (t *Transport) Open(dst, nonce, ciphertextAndTag, aad []byte) ([]byte, error) {
	if len(nonce) != TransportNonceBytes {
		return nil, fmt.Errorf("cipher: transport nonce must be %d bytes", TransportNonceBytes)
	}
	out, err := t.aead.Open(dst, nonce, ciphertextAndTag, aad)
	if err != nil {
		return nil, fmt.Errorf("cipher: transport open: %w", err)
	}
	return out, nil
}

// ExpandTruncatedNonce reconstructs the full 24-byte XChaCha20 nonce from the
// 4-byte on-wire truncated nonce: the truncated bytes are placed at
// offset 0 with the rest zero-padded.
func ExpandTruncatedNonce(truncated uint32) [TransportNonceBytes]byte {
	var nonce [TransportNonceBytes]byte
	nonce[0] = byte(truncated >> 24)
	nonce[1] = byte(truncated >> 16)
	nonce[2] = byte(truncated >> 8)
	nonce[3] = byte(truncated)
	return nonce
}

// Frame is the AES-128-GCM cipher used for DAVE frame-level encryption, with
// an 8-byte truncated tag carried on the wire.
type Frame struct {
	gcm *truncatedGCM
}

// NewFrame builds a Frame cipher bound to a 16-byte ratchet-derived key.
func NewFrame(key []byte) (*Frame, error) {
	if len(key) != AESGCM128KeyBytes {
		return nil, fmt.Errorf("cipher: frame key must be %d bytes, got %d", AESGCM128KeyBytes, len(key))
	}
	block, err := gocipher.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: new frame block: %w", err)
	}
	gcm, err := newTruncatedGCM(block, AESGCM127TruncatedTagBytes)
	if err != nil {
		return nil, err
	}
	return &Frame{gcm: gcm}, nil
}

// Seal encrypts plaintext under nonce/aad and returns
// ciphertext||8-byte-truncated-tag, the exact on-wire shape.
func (f *Frame) Seal(dst, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != AESGCM128NonceBytes {
		return nil, fmt.Errorf("cipher: frame nonce must be %d bytes", AESGCM128NonceBytes)
	}
	return f.gcm.seal(dst, nonce, plaintext, aad), nil
}

// Open decrypts ciphertext against a separately-carried 8-byte truncated tag
// (the DAVE trailer stores the tag ahead of the nonce/ranges rather than
// appended to the ciphertext, so callers pass it out of band).
func (f *Frame) Open(dst, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(nonce) != AESGCM128NonceBytes {
		return nil, fmt.Errorf("cipher: frame nonce must be %d bytes", AESGCM128NonceBytes)
	}
	if len(tag) != AESGCM127TruncatedTagBytes {
		return nil, fmt.Errorf("cipher: frame tag must be %d bytes", AESGCM127TruncatedTagBytes)
	}
	combined := make([]byte, 0, len(ciphertext)+len(tag))
	combined = append(combined, ciphertext...)
	combined = append(combined, tag...)
	out, err := f.gcm.open(dst, nonce, combined, aad)
	if err != nil {
		return nil, fmt.Errorf("cipher: frame open: %w", err)
	}
	return out, nil
}
