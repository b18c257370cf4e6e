package davecrypt

import (
	"bytes"
	"testing"
	"time"

	"github.com/kelonet/dvoice/internal/frameproc"
	"github.com/kelonet/dvoice/internal/ratchet"
)

func TestEncryptDecryptRoundTripOpus(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	secret := []byte("shared base secret for both sides")
	enc := NewEncryptor(ratchet.New(secret), clock)
	dec := NewDecryptor(clock)
	dec.TransitionToKeyRatchet(ratchet.New(secret))

	frame := []byte("opus payload bytes, totally fake but frame-shaped")
	wire, err := enc.Encrypt(frameproc.CodecOpus, frame)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(wire, frame) {
		t.Fatal("encrypted wire frame must differ from plaintext")
	}

	got, err := dec.Decrypt(frameproc.CodecOpus, wire)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("round trip mismatch: got %q want %q", got, frame)
	}
}

func TestDecryptRejectsUnknownGeneration(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	enc := NewEncryptor(ratchet.New([]byte("secret a")), clock)
	dec := NewDecryptor(clock)
	dec.TransitionToKeyRatchet(ratchet.New([]byte("secret b")))

	wire, err := enc.Encrypt(frameproc.CodecOpus, []byte("frame"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := dec.Decrypt(frameproc.CodecOpus, wire); err == nil {
		t.Fatal("expected decrypt failure under a mismatched key ratchet")
	}
}

func TestDecryptPassthroughAcceptsUnencryptedFrame(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	dec := NewDecryptor(clock)
	dec.TransitionToPassthroughMode(now.Add(time.Minute))

	frame := []byte("plain frame, too short to look like a valid trailer")
	got, err := dec.Decrypt(frameproc.CodecOpus, frame)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("passthrough must return frame unchanged, got %q", got)
	}
}

func TestEncryptTrailerLayoutOpus(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	enc := NewEncryptor(ratchet.New(make([]byte, 16)), clock)

	frame := []byte{0xF8, 0xFF, 0xFE}
	wire, err := enc.Encrypt(frameproc.CodecOpus, frame)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if wire[len(wire)-2] != 0xFA || wire[len(wire)-1] != 0xFA {
		t.Fatalf("trailer magic = % X, want FA FA", wire[len(wire)-2:])
	}
	// Opus encrypts the whole frame: no unencrypted ranges, a 1-byte LEB128
	// nonce (first frame = 1), an 8-byte truncated tag, the size byte, and
	// the magic — 12 supplemental bytes in total.
	wantSupplemental := 8 + 1 + 0 + 1 + 2
	if got := int(wire[len(wire)-3]); got != wantSupplemental {
		t.Fatalf("supplemental size byte = %d, want %d", got, wantSupplemental)
	}
	if nonce := wire[len(wire)-3-1]; nonce != 0x01 {
		t.Fatalf("LEB128 nonce byte = %#x, want 0x01", nonce)
	}
	if len(wire) != len(frame)+wantSupplemental {
		t.Fatalf("wire length = %d, want frame %d + supplemental %d", len(wire), len(frame), wantSupplemental)
	}
}

func TestEncryptRequiresKeyRatchet(t *testing.T) {
	enc := NewEncryptor(nil, nil)
	if _, err := enc.Encrypt(frameproc.CodecOpus, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error before a key ratchet is bound")
	}
	enc.SetKeyRatchet(ratchet.New([]byte("base")))
	if !enc.HasKeyRatchet() {
		t.Fatal("HasKeyRatchet must report true after SetKeyRatchet")
	}
	if _, err := enc.Encrypt(frameproc.CodecOpus, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Encrypt after SetKeyRatchet: %v", err)
	}
}

func TestEncryptorPassthroughMode(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	enc := NewEncryptor(ratchet.New([]byte("base")), clock)
	enc.SetPassthroughMode(true)

	frame := []byte{9, 8, 7}
	wire, err := enc.Encrypt(frameproc.CodecOpus, frame)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !bytes.Equal(wire, frame) {
		t.Fatal("passthrough must emit the frame unchanged")
	}

	// Leaving passthrough keeps it alive until the expiry window lapses.
	enc.SetPassthroughMode(false)
	wire, err = enc.Encrypt(frameproc.CodecOpus, frame)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !bytes.Equal(wire, frame) {
		t.Fatal("frames within the expiry window must still pass through")
	}

	now = now.Add(time.Minute)
	wire, err = enc.Encrypt(frameproc.CodecOpus, frame)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(wire, frame) {
		t.Fatal("after the expiry window frames must be encrypted again")
	}
}
