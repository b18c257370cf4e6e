package frameproc

import "github.com/kelonet/dvoice/internal/leb128"

// RangesSize returns the number of bytes EncodeRanges would produce.
func RangesSize(ranges []Range) int {
	size := 0
	for _, r := range ranges {
		size += leb128.Size(r.Offset)
		size += leb128.Size(r.Size)
	}
	return size
}

// EncodeRanges serializes ranges as a back-to-back sequence of
// LEB128(offset), LEB128(size) pairs, stopping early (and returning the
// number of bytes actually written) if dst runs out of room.
func EncodeRanges(ranges []Range, dst []byte) int {
	written := 0
	for _, r := range ranges {
		pairSize := leb128.Size(r.Offset) + leb128.Size(r.Size)
		if written+pairSize > len(dst) {
			break
		}
		written = len(leb128.Write(dst[:written], r.Offset))
		written = len(leb128.Write(dst[:written], r.Size))
	}
	return written
}

// DecodeRanges parses a back-to-back sequence of LEB128(offset),
// LEB128(size) pairs filling exactly buf. It returns (nil, false) if any
// trailing bytes don't form a complete pair.
func DecodeRanges(buf []byte) ([]Range, bool) {
	var ranges []Range
	pos := 0
	for pos < len(buf) {
		offset, n1, ok := leb128.Read(buf[pos:])
		if !ok {
			return nil, false
		}
		pos += n1
		size, n2, ok := leb128.Read(buf[pos:])
		if !ok {
			return nil, false
		}
		pos += n2
		ranges = append(ranges, Range{Offset: offset, Size: size})
	}
	if pos != len(buf) {
		return nil, false
	}
	return ranges, true
}

// ValidateRanges checks that ranges are sorted, non-overlapping, and fit
// within frameSize.
func ValidateRanges(ranges []Range, frameSize uint64) bool {
	if len(ranges) == 0 {
		return true
	}
	for i, r := range ranges {
		maxEnd := frameSize
		if i+1 < len(ranges) {
			maxEnd = ranges[i+1].Offset
		}
		end := r.Offset + r.Size
		if end < r.Offset || end > maxEnd {
			return false
		}
	}
	return true
}

// reconstruct interleaves rangeBytes (the bytes belonging to ranges, in
// order) with otherBytes (everything else, in order) according to ranges,
// writing the result into dst and returning the number of bytes written.
func reconstruct(ranges []Range, rangeBytes, otherBytes []byte, dst []byte) int {
	frameIndex := 0
	rbIdx := 0
	obIdx := 0

	copyOther := func(size int) {
		copy(dst[frameIndex:frameIndex+size], otherBytes[obIdx:obIdx+size])
		obIdx += size
		frameIndex += size
	}
	copyRange := func(size int) {
		copy(dst[frameIndex:frameIndex+size], rangeBytes[rbIdx:rbIdx+size])
		rbIdx += size
		frameIndex += size
	}

	for _, r := range ranges {
		if int(r.Offset) > frameIndex {
			copyOther(int(r.Offset) - frameIndex)
		}
		copyRange(int(r.Size))
	}
	if obIdx < len(otherBytes) {
		copyOther(len(otherBytes) - obIdx)
	}
	return frameIndex
}
