// Package frameproc implements the codec-aware frame processor: it
// splits a plaintext media frame into unencrypted and encrypted byte ranges
// before AEAD encryption, and reassembles the wire frame afterward. It is a
// direct algorithmic port of the DAVE frame_processors from the original
// implementation, adapted so range computation happens as a single pass
// (unencryptedRanges) rather than incremental add_unencrypted_bytes/
// add_encrypted_bytes callbacks.
package frameproc

import "github.com/kelonet/dvoice/internal/leb128"

// magicMarker terminates every encrypted frame's trailer.
var magicMarker = [2]byte{0xFA, 0xFA}

const supplementalBytesSizeLen = 1

// OutboundFrameProcessor splits a plaintext frame for encryption.
type OutboundFrameProcessor struct {
	Codec            Codec
	UnencryptedBytes []byte
	EncryptedBytes   []byte
	CiphertextBytes  []byte
	Ranges           []Range
}

// Reset clears the processor for reuse (it is pooled by the DAVE encryptor).
func (p *OutboundFrameProcessor) Reset() {
	p.Codec = CodecUnknown
	p.UnencryptedBytes = p.UnencryptedBytes[:0]
	p.EncryptedBytes = p.EncryptedBytes[:0]
	p.CiphertextBytes = p.CiphertextBytes[:0]
	p.Ranges = p.Ranges[:0]
}

// Process splits frame into unencrypted/encrypted byte streams per the
// codec's range policy. If the codec-specific split fails validation, it
// falls back to encrypting the entire frame.
func (p *OutboundFrameProcessor) Process(frame []byte, codec Codec) {
	p.Reset()
	p.Codec = codec

	ranges := unencryptedRanges(codec, frame)
	if !ValidateRanges(ranges, uint64(len(frame))) {
		ranges = nil
	}

	frameIndex := 0
	for _, r := range ranges {
		if int(r.Offset) > frameIndex {
			p.EncryptedBytes = append(p.EncryptedBytes, frame[frameIndex:r.Offset]...)
		}
		p.UnencryptedBytes = append(p.UnencryptedBytes, frame[r.Offset:r.Offset+r.Size]...)
		frameIndex = int(r.Offset + r.Size)
	}
	if frameIndex < len(frame) {
		p.EncryptedBytes = append(p.EncryptedBytes, frame[frameIndex:]...)
	}
	p.Ranges = ranges
	p.CiphertextBytes = make([]byte, len(p.EncryptedBytes))
}

// ReconstructFrame interleaves UnencryptedBytes and CiphertextBytes (which
// the caller fills in after encryption) back into a wire frame, per Ranges.
func (p *OutboundFrameProcessor) ReconstructFrame(dst []byte) int {
	if len(p.UnencryptedBytes)+len(p.CiphertextBytes) > len(dst) {
		return 0
	}
	return reconstruct(p.Ranges, p.UnencryptedBytes, p.CiphertextBytes, dst)
}

// InboundFrameProcessor parses an encrypted wire frame and exposes its
// authenticated (unencrypted) bytes, ciphertext, tag, and nonce for
// decryption, then reassembles the plaintext frame.
type InboundFrameProcessor struct {
	isEncrypted     bool
	originalSize    int
	tag             []byte
	truncatedNonce  uint64
	unencryptedRngs []Range
	authenticated   []byte
	ciphertext      []byte
	plaintext       []byte
}

func (p *InboundFrameProcessor) Clear() {
	p.isEncrypted = false
	p.originalSize = 0
	p.tag = nil
	p.truncatedNonce = 0
	p.unencryptedRngs = nil
	p.authenticated = p.authenticated[:0]
	p.ciphertext = p.ciphertext[:0]
	p.plaintext = p.plaintext[:0]
}

func (p *InboundFrameProcessor) IsEncrypted() bool         { return p.isEncrypted }
func (p *InboundFrameProcessor) Size() int                 { return p.originalSize }
func (p *InboundFrameProcessor) Tag() []byte               { return p.tag }
func (p *InboundFrameProcessor) TruncatedNonce() uint64    { return p.truncatedNonce }
func (p *InboundFrameProcessor) AuthenticatedData() []byte { return p.authenticated }
func (p *InboundFrameProcessor) Ciphertext() []byte        { return p.ciphertext }
func (p *InboundFrameProcessor) Plaintext() []byte         { return p.plaintext }

// SetPlaintext installs the decrypted bytes produced by the caller's AEAD
// Open call, ready for ReconstructFrame.
func (p *InboundFrameProcessor) SetPlaintext(pt []byte) { p.plaintext = pt }

// ParseFrame splits an encrypted wire frame, given the AEAD tag size in
// bytes, into its authenticated bytes, ciphertext, tag, and nonce. It
// returns false if the frame is malformed.
func (p *InboundFrameProcessor) ParseFrame(frame []byte, tagSize int) bool {
	p.Clear()

	minSize := tagSize + supplementalBytesSizeLen + len(magicMarker)
	if len(frame) < minSize {
		return false
	}

	if frame[len(frame)-2] != magicMarker[0] || frame[len(frame)-1] != magicMarker[1] {
		return false
	}

	supplementalBytesSize := int(frame[len(frame)-len(magicMarker)-supplementalBytesSizeLen])
	if len(frame) < supplementalBytesSize {
		return false
	}
	if supplementalBytesSize < minSize {
		return false
	}

	supplementalStart := len(frame) - supplementalBytesSize
	p.tag = frame[supplementalStart : supplementalStart+tagSize]

	nonceAndRanges := frame[supplementalStart+tagSize : len(frame)-len(magicMarker)-supplementalBytesSizeLen]
	nonce, n, ok := leb128.Read(nonceAndRanges)
	if !ok {
		return false
	}
	p.truncatedNonce = nonce

	ranges, ok := DecodeRanges(nonceAndRanges[n:])
	if !ok {
		return false
	}
	p.unencryptedRngs = ranges

	if !ValidateRanges(ranges, uint64(len(frame))) {
		return false
	}

	p.originalSize = len(frame)

	frameIndex := 0
	for _, r := range ranges {
		encryptedBytes := int(r.Offset) - frameIndex
		if encryptedBytes > 0 {
			p.ciphertext = append(p.ciphertext, frame[frameIndex:r.Offset]...)
		}
		p.authenticated = append(p.authenticated, frame[r.Offset:r.Offset+r.Size]...)
		frameIndex = int(r.Offset + r.Size)
	}
	if frameIndex < supplementalStart {
		p.ciphertext = append(p.ciphertext, frame[frameIndex:supplementalStart]...)
	}

	p.plaintext = make([]byte, len(p.ciphertext))
	p.isEncrypted = true
	return true
}

// ReconstructFrame interleaves AuthenticatedData and Plaintext (filled in by
// the caller after decryption) back into the original plaintext frame.
func (p *InboundFrameProcessor) ReconstructFrame(dst []byte) int {
	if !p.isEncrypted {
		return 0
	}
	if len(p.authenticated)+len(p.plaintext) > len(dst) {
		return 0
	}
	return reconstruct(p.unencryptedRngs, p.authenticated, p.plaintext, dst)
}

// BuildTrailer appends the supplemental-bytes trailer (tag, LEB128 nonce,
// LEB128 ranges, 1-byte supplemental size, 2-byte magic marker) to dst.
func BuildTrailer(dst []byte, tag []byte, nonce uint64, ranges []Range) []byte {
	start := len(dst)
	dst = append(dst, tag...)
	dst = leb128.Write(dst, nonce)

	rangesBuf := make([]byte, RangesSize(ranges))
	EncodeRanges(ranges, rangesBuf)
	dst = append(dst, rangesBuf...)

	// The supplemental size counts the whole trailer: tag, nonce, ranges,
	// the size byte itself, and the magic marker.
	supplementalSize := len(dst) - start + supplementalBytesSizeLen + len(magicMarker)
	dst = append(dst, byte(supplementalSize))
	dst = append(dst, magicMarker[:]...)
	return dst
}

// HasAccidentalStartCode implements the H.264/H.265 ciphertext validation
// check: it scans a 3-byte window across every boundary between an
// unencrypted range and its neighboring ciphertext for a start-code prefix
// (0x00 0x00 0x01) that encryption may have accidentally produced. Only
// meaningful for H.264 and H.265; other codecs never need the retry.
func HasAccidentalStartCode(codec Codec, frame []byte, ranges []Range) bool {
	if codec != CodecH264 && codec != CodecH265 {
		return false
	}
	boundaries := make(map[int]struct{})
	for _, r := range ranges {
		boundaries[int(r.Offset)] = struct{}{}
		boundaries[int(r.Offset+r.Size)] = struct{}{}
	}
	for b := range boundaries {
		lo := b - 2
		if lo < 0 {
			lo = 0
		}
		hi := b + 2
		if hi > len(frame) {
			hi = len(frame)
		}
		window := frame[lo:hi]
		for i := 0; i+2 < len(window); i++ {
			if window[i] == 0 && window[i+1] == 0 && window[i+2] == 1 {
				return true
			}
		}
	}
	return false
}
