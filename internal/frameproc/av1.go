package frameproc

import "github.com/kelonet/dvoice/internal/leb128"

const (
	av1ObuTemporalDelimiter = 2
	av1ObuTileList          = 8
	av1ObuPadding           = 15
)

// av1Ranges implements the AV1 unencrypted-range policy: OBUs of
// type temporal-delimiter, tile-list, and padding carry no sensitive media
// data and are left unencrypted in full. For every other OBU, the 1-byte
// header (plus optional extension byte) and any LEB128 size field stay
// unencrypted; the OBU payload is encrypted.
func av1Ranges(frame []byte) []Range {
	var ranges []Range
	offset := 0
	for offset < len(frame) {
		header := frame[offset]
		obuType := (header >> 3) & 0x0F
		hasExtension := header&0x04 != 0
		hasSize := header&0x02 != 0

		headerLen := 1
		if hasExtension {
			headerLen++
		}
		if offset+headerLen > len(frame) {
			break
		}

		payloadLen := len(frame) - offset - headerLen
		sizeFieldLen := 0
		if hasSize {
			v, n, ok := leb128.Read(frame[offset+headerLen:])
			if !ok {
				break
			}
			sizeFieldLen = n
			payloadLen = int(v)
		}

		obuTotal := headerLen + sizeFieldLen + payloadLen
		if offset+obuTotal > len(frame) {
			obuTotal = len(frame) - offset
		}

		if obuType == av1ObuTemporalDelimiter || obuType == av1ObuTileList || obuType == av1ObuPadding {
			ranges = append(ranges, Range{Offset: uint64(offset), Size: uint64(obuTotal)})
		} else {
			clearLen := headerLen + sizeFieldLen
			if clearLen > obuTotal {
				clearLen = obuTotal
			}
			ranges = append(ranges, Range{Offset: uint64(offset), Size: uint64(clearLen)})
			// OBU payload beyond clearLen is encrypted (no range emitted).
		}

		offset += obuTotal
	}
	return ranges
}
