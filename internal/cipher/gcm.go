package cipher

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// truncatedGCM implements AES-GCM (NIST SP 800-38D) with a caller-chosen tag
// length, including lengths below the 12-byte minimum the standard library's
// cipher.NewGCMWithTagSize enforces. The Discord DAVE frame cipher truncates
// its GCM tag to 8 bytes on the wire, which the standard library cannot
// produce directly, so this is a small from-scratch GCM construction built
// only on crypto/aes's block cipher (no external dependency reaches as low
// as raw GHASH; see the internal/cipher entry in DESIGN.md).
type truncatedGCM struct {
	block   cipher.Block
	tagSize int
	h       [16]byte // hash subkey
}

func newTruncatedGCM(block cipher.Block, tagSize int) (*truncatedGCM, error) {
	if block.BlockSize() != 16 {
		return nil, fmt.Errorf("cipher: gcm requires a 128-bit block cipher")
	}
	if tagSize < 4 || tagSize > 16 {
		return nil, fmt.Errorf("cipher: invalid gcm tag size %d", tagSize)
	}
	g := &truncatedGCM{block: block, tagSize: tagSize}
	block.Encrypt(g.h[:], g.h[:])
	return g, nil
}

// seal encrypts plaintext and returns ciphertext||tag(tagSize bytes).
func (g *truncatedGCM) seal(dst, nonce, plaintext, aad []byte) []byte {
	j0 := g.j0(nonce)
	ciphertext := make([]byte, len(plaintext))
	g.gctr(j0, plaintext, ciphertext)

	tag := g.tag(j0, aad, ciphertext)

	dst = append(dst, ciphertext...)
	dst = append(dst, tag[:g.tagSize]...)
	return dst
}

// open decrypts ciphertextAndTag (tag is the trailing tagSize bytes) and
// returns the plaintext, or an error if authentication fails.
func (g *truncatedGCM) open(dst, nonce, ciphertextAndTag, aad []byte) ([]byte, error) {
	if len(ciphertextAndTag) < g.tagSize {
		return nil, fmt.Errorf("cipher: ciphertext shorter than tag")
	}
	ciphertext := ciphertextAndTag[:len(ciphertextAndTag)-g.tagSize]
	wireTag := ciphertextAndTag[len(ciphertextAndTag)-g.tagSize:]

	j0 := g.j0(nonce)
	expected := g.tag(j0, aad, ciphertext)

	if subtle.ConstantTimeCompare(expected[:g.tagSize], wireTag) != 1 {
		return nil, fmt.Errorf("cipher: gcm authentication failed")
	}

	plaintext := make([]byte, len(ciphertext))
	g.gctr(j0, ciphertext, plaintext)
	return append(dst, plaintext...), nil
}

// j0 computes the initial counter block for a 96-bit nonce (the only nonce
// size this cipher is used with): J0 = nonce || 0^31 || 1.
func (g *truncatedGCM) j0(nonce []byte) [16]byte {
	var j [16]byte
	if len(nonce) == 12 {
		copy(j[:12], nonce)
		j[15] = 1
		return j
	}
	// General case per SP 800-38D §7.1, not exercised by this cipher's
	// fixed 12-byte nonce but kept for completeness.
	ghashed := g.ghash(nil, nonce)
	return ghashed
}

// gctr applies the counter-mode keystream starting at j0+1 to in, writing to
// out (may be used for both directions since it's just a XOR stream).
func (g *truncatedGCM) gctr(j0 [16]byte, in, out []byte) {
	counter := j0
	var keystream [16]byte
	for off := 0; off < len(in); off += 16 {
		incrCounter(&counter)
		g.block.Encrypt(keystream[:], counter[:])
		end := off + 16
		if end > len(in) {
			end = len(in)
		}
		for i := off; i < end; i++ {
			out[i] = in[i] ^ keystream[i-off]
		}
	}
}

func incrCounter(ctr *[16]byte) {
	for i := 15; i >= 12; i-- {
		ctr[i]++
		if ctr[i] != 0 {
			break
		}
	}
}

// tag computes GHASH(aad, ciphertext) XOR E(K, J0).
func (g *truncatedGCM) tag(j0 [16]byte, aad, ciphertext []byte) [16]byte {
	s := g.ghash(aad, ciphertext)
	var encJ0 [16]byte
	g.block.Encrypt(encJ0[:], j0[:])
	for i := range s {
		s[i] ^= encJ0[i]
	}
	return s
}

// ghash computes the GHASH of aad || ciphertext with the length block, per
// SP 800-38D §6.4, using the hash subkey H derived in newTruncatedGCM.
func (g *truncatedGCM) ghash(aad, ciphertext []byte) [16]byte {
	var y [16]byte
	y = ghashBlocks(y, g.h, aad)
	y = ghashBlocks(y, g.h, ciphertext)

	var lenBlock [16]byte
	binary.BigEndian.PutUint64(lenBlock[0:8], uint64(len(aad))*8)
	binary.BigEndian.PutUint64(lenBlock[8:16], uint64(len(ciphertext))*8)
	y = gfXorMul(y, lenBlock, g.h)
	return y
}

func ghashBlocks(y, h [16]byte, data []byte) [16]byte {
	var block [16]byte
	for len(data) > 0 {
		n := copy(block[:], data)
		for i := n; i < 16; i++ {
			block[i] = 0
		}
		y = gfXorMul(y, block, h)
		data = data[n:]
	}
	return y
}

// gfXorMul computes (y XOR x) * h in GF(2^128) using the GCM reduction
// polynomial, per SP 800-38D §6.3.
func gfXorMul(y, x, h [16]byte) [16]byte {
	var v [16]byte
	copy(v[:], h[:])
	var z [16]byte
	var in [16]byte
	for i := range in {
		in[i] = y[i] ^ x[i]
	}
	for i := 0; i < 128; i++ {
		byteIdx := i / 8
		bitIdx := 7 - uint(i%8)
		if in[byteIdx]&(1<<bitIdx) != 0 {
			for k := range z {
				z[k] ^= v[k]
			}
		}
		lsb := v[15] & 1
		// right shift v by 1 bit
		for k := 15; k > 0; k-- {
			v[k] = (v[k] >> 1) | (v[k-1] << 7)
		}
		v[0] >>= 1
		if lsb != 0 {
			v[0] ^= 0xe1
		}
	}
	return z
}
