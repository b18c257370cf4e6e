// Package rtp implements the transport AEAD wrapping: RTP header
// build/parse and the XChaCha20-Poly1305 seal/open of each voice packet, plus
// the 74-byte IP discovery probe used once per session to learn the
// client's external address.
package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/kelonet/dvoice/internal/cipher"
)

// HeaderSize is the fixed 12-byte RTP header this client always sends.
const HeaderSize = 12

// versionAndPayloadType is the constant first two bytes this client sends:
// RTP version 2, no padding/extension/CSRC, payload type 120 (Opus).
var versionAndPayloadType = [2]byte{0x80, 0x78}

// Header is the 12-byte RTP header fields relevant to voice, plus the
// extension length parsed on ingress (this client never sends extensions).
type Header struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
	// ExtWords is the received header-extension length in 32-bit words; the
	// extension contents ride inside the encrypted region and are skipped
	// after decryption.
	ExtWords int
}

// Marshal writes the 12-byte header to dst (which must be at least
// HeaderSize long) and returns the slice written.
func (h Header) Marshal(dst []byte) []byte {
	dst = dst[:0]
	dst = append(dst, versionAndPayloadType[0], versionAndPayloadType[1])
	var seq [2]byte
	binary.BigEndian.PutUint16(seq[:], h.Sequence)
	dst = append(dst, seq[:]...)
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], h.Timestamp)
	dst = append(dst, ts[:]...)
	var ssrc [4]byte
	binary.BigEndian.PutUint32(ssrc[:], h.SSRC)
	dst = append(dst, ssrc[:]...)
	return dst
}

// ParseHeader parses the leading RTP header out of packet, honoring the CSRC
// count and extension bit on ingress (this client never sets them on
// egress). It returns the header and the byte offset where the encrypted
// content begins: past the 12-byte header, the CSRC list, and the 4-byte
// extension header if present. The extension *contents* sit inside the
// encrypted region (the "rtpsize" layout), so they are not skipped here.
func ParseHeader(packet []byte) (h Header, payloadStart int, ok bool) {
	if len(packet) < HeaderSize {
		return Header{}, 0, false
	}
	// RTCP payload types 72-76 share the low bits of byte 1; reject them so
	// control traffic never reaches the media path.
	pt := packet[1] & 0x7F
	if pt >= 72 && pt <= 76 {
		return Header{}, 0, false
	}

	h.Sequence = binary.BigEndian.Uint16(packet[2:4])
	h.Timestamp = binary.BigEndian.Uint32(packet[4:8])
	h.SSRC = binary.BigEndian.Uint32(packet[8:12])

	offset := HeaderSize
	csrcCount := int(packet[0] & 0x0F)
	offset += csrcCount * 4
	if offset > len(packet) {
		return Header{}, 0, false
	}

	hasExtension := packet[0]&0x10 != 0
	if hasExtension {
		if offset+4 > len(packet) {
			return Header{}, 0, false
		}
		h.ExtWords = int(binary.BigEndian.Uint16(packet[offset+2 : offset+4]))
		offset += 4
	}

	return h, offset, true
}

// Seal builds a full RTP packet: 12-byte header, XChaCha20-Poly1305
// ciphertext+tag over plaintext (AAD = the header), and a 4-byte truncated
// nonce trailer.
func Seal(t *cipher.Transport, header Header, plaintext []byte, nonce uint32) ([]byte, error) {
	hdr := header.Marshal(make([]byte, 0, HeaderSize))

	fullNonce := cipher.ExpandTruncatedNonce(nonce)
	sealed, err := t.Seal(append([]byte{}, hdr...), fullNonce[:], plaintext, hdr)
	if err != nil {
		return nil, fmt.Errorf("rtp: seal: %w", err)
	}

	var trailer [cipher.TransportTruncatedNonceBytes]byte
	binary.BigEndian.PutUint32(trailer[:], nonce)
	return append(sealed, trailer[:]...), nil
}

// Open parses and decrypts an inbound RTP packet, returning the header and
// the decrypted payload.
func Open(t *cipher.Transport, packet []byte) (Header, []byte, error) {
	header, payloadStart, ok := ParseHeader(packet)
	if !ok {
		return Header{}, nil, fmt.Errorf("rtp: malformed packet")
	}
	if len(packet) < payloadStart+cipher.TransportTagBytes+cipher.TransportTruncatedNonceBytes {
		return Header{}, nil, fmt.Errorf("rtp: packet too short for tag+nonce trailer")
	}

	trailerStart := len(packet) - cipher.TransportTruncatedNonceBytes
	nonce := binary.BigEndian.Uint32(packet[trailerStart:])
	fullNonce := cipher.ExpandTruncatedNonce(nonce)

	aad := packet[:HeaderSize]
	ciphertextAndTag := packet[payloadStart:trailerStart]

	plaintext, err := t.Open(nil, fullNonce[:], ciphertextAndTag, aad)
	if err != nil {
		return Header{}, nil, fmt.Errorf("rtp: open: %w", err)
	}
	// The header extension's contents decrypt alongside the Opus payload;
	// skip them so callers only see codec bytes.
	if skip := header.ExtWords * 4; skip > 0 {
		if skip > len(plaintext) {
			return Header{}, nil, fmt.Errorf("rtp: extension longer than payload")
		}
		plaintext = plaintext[skip:]
	}
	return header, plaintext, nil
}

const (
	ipDiscoveryPacketSize = 74
	ipDiscoveryType       = 1
	ipDiscoveryLength     = 70
	ipDiscoveryAddrSize   = 64
)

// BuildIPDiscoveryProbe constructs the 74-byte IP discovery request sent
// immediately after the UDP socket opens.
func BuildIPDiscoveryProbe(ssrc uint32) []byte {
	buf := make([]byte, ipDiscoveryPacketSize)
	binary.BigEndian.PutUint16(buf[0:2], ipDiscoveryType)
	binary.BigEndian.PutUint16(buf[2:4], ipDiscoveryLength)
	binary.BigEndian.PutUint32(buf[4:8], ssrc)
	// address field (64 bytes) and port (2 bytes) left zeroed in the probe.
	return buf
}

// ParseIPDiscoveryResponse extracts the discovered external address/port
// from a 74-byte IP discovery response.
func ParseIPDiscoveryResponse(packet []byte) (addr string, port uint16, ok bool) {
	if len(packet) != ipDiscoveryPacketSize {
		return "", 0, false
	}
	addrBytes := packet[8 : 8+ipDiscoveryAddrSize]
	n := 0
	for n < len(addrBytes) && addrBytes[n] != 0 {
		n++
	}
	addr = string(addrBytes[:n])
	port = binary.BigEndian.Uint16(packet[8+ipDiscoveryAddrSize:])
	if addr == "" {
		return "", 0, false
	}
	return addr, port, true
}
