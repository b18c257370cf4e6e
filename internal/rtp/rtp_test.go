package rtp

import (
	"bytes"
	"testing"

	"github.com/kelonet/dvoice/internal/cipher"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, cipher.TransportKeyBytes)
	for i := range key {
		key[i] = byte(i)
	}
	transport, err := cipher.NewTransport(key)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}

	header := Header{Sequence: 1, Timestamp: 0, SSRC: 1234}
	plaintext := []byte{0xF8, 0xFF, 0xFE} // canonical silence Opus packet

	packet, err := Seal(transport, header, plaintext, 1)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	gotHeader, gotPlaintext, err := Open(transport, packet)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if gotHeader != header {
		t.Fatalf("header mismatch: got %+v want %+v", gotHeader, header)
	}
	if !bytes.Equal(gotPlaintext, plaintext) {
		t.Fatalf("plaintext mismatch: got %v want %v", gotPlaintext, plaintext)
	}
}

func TestHeaderMarshalConstantBytes(t *testing.T) {
	h := Header{Sequence: 0, Timestamp: 0, SSRC: 1234}
	buf := h.Marshal(make([]byte, 0, HeaderSize))
	want := []byte{0x80, 0x78, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, 0xD2}
	if !bytes.Equal(buf, want) {
		t.Fatalf("header = % X, want % X", buf, want)
	}
}

func TestParseHeaderRejectsRTCP(t *testing.T) {
	packet := make([]byte, HeaderSize)
	packet[0] = 0x80
	packet[1] = 200 // RTCP sender report
	if _, _, ok := ParseHeader(packet); ok {
		t.Fatal("RTCP payload type must be rejected")
	}
}

func TestIPDiscoveryRoundTrip(t *testing.T) {
	probe := BuildIPDiscoveryProbe(9999)
	if len(probe) != ipDiscoveryPacketSize {
		t.Fatalf("probe size = %d, want %d", len(probe), ipDiscoveryPacketSize)
	}

	resp := make([]byte, ipDiscoveryPacketSize)
	copy(resp, probe)
	copy(resp[8:], []byte("203.0.113.5"))
	resp[72] = 0x1F
	resp[73] = 0x90 // port 8080

	addr, port, ok := ParseIPDiscoveryResponse(resp)
	if !ok {
		t.Fatal("expected a valid discovery response")
	}
	if addr != "203.0.113.5" {
		t.Fatalf("addr = %q, want 203.0.113.5", addr)
	}
	if port != 8080 {
		t.Fatalf("port = %d, want 8080", port)
	}
}

// TestSealWireLayoutZeroKey pins the exact on-wire bytes for a known input:
// zero secret key, ssrc 1234, seq/ts 0, packet nonce 1. The header is the
// constant 12 bytes, the trailer is the big-endian truncated nonce, and the
// ciphertext+tag length is plaintext+16.
func TestSealWireLayoutZeroKey(t *testing.T) {
	transport, err := cipher.NewTransport(make([]byte, cipher.TransportKeyBytes))
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	plaintext := []byte{0xF8, 0xFF, 0xFE}
	packet, err := Seal(transport, Header{Sequence: 0, Timestamp: 0, SSRC: 1234}, plaintext, 1)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	wantHeader := []byte{0x80, 0x78, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, 0xD2}
	if !bytes.Equal(packet[:HeaderSize], wantHeader) {
		t.Errorf("header = % X, want % X", packet[:HeaderSize], wantHeader)
	}
	wantLen := HeaderSize + len(plaintext) + cipher.TransportTagBytes + cipher.TransportTruncatedNonceBytes
	if len(packet) != wantLen {
		t.Errorf("packet length = %d, want %d", len(packet), wantLen)
	}
	if !bytes.Equal(packet[len(packet)-4:], []byte{0x00, 0x00, 0x00, 0x01}) {
		t.Errorf("nonce trailer = % X, want 00 00 00 01", packet[len(packet)-4:])
	}

	// The truncated nonce round-trips through the 24-byte reconstruction.
	full := cipher.ExpandTruncatedNonce(1)
	if full[3] != 1 {
		t.Errorf("expanded nonce = % X, want 00 00 00 01 then zeros", full[:4])
	}
	for _, b := range full[4:] {
		if b != 0 {
			t.Fatal("expanded nonce must be zero-padded past the truncated bytes")
		}
	}
}

func TestOpenSkipsHeaderExtensionContents(t *testing.T) {
	transport, err := cipher.NewTransport(make([]byte, cipher.TransportKeyBytes))
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}

	// Hand-build a packet with the extension bit set: one extension word
	// rides inside the encrypted region ahead of the Opus payload.
	hdr := Header{Sequence: 9, Timestamp: 100, SSRC: 42}
	raw := hdr.Marshal(make([]byte, 0, HeaderSize))
	raw[0] |= 0x10 // extension present
	extHeader := []byte{0xBE, 0xDE, 0x00, 0x01}
	opus := []byte{0xF8, 0xFF, 0xFE}
	inner := append([]byte{0x01, 0x02, 0x03, 0x04}, opus...) // ext contents + opus

	nonce := cipher.ExpandTruncatedNonce(7)
	aad := raw[:HeaderSize]
	sealed, err := transport.Seal(nil, nonce[:], inner, aad)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	packet := append(append(append([]byte{}, raw...), extHeader...), sealed...)
	var trailer [4]byte
	trailer[3] = 7
	packet = append(packet, trailer[:]...)

	gotHeader, plaintext, err := Open(transport, packet)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if gotHeader.ExtWords != 1 {
		t.Errorf("ExtWords = %d, want 1", gotHeader.ExtWords)
	}
	if !bytes.Equal(plaintext, opus) {
		t.Errorf("plaintext = % X, want the opus payload with the extension stripped", plaintext)
	}
}
