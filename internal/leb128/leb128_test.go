package leb128

import "testing"

func TestRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 2, 127, 128, 129, 16383, 16384, 1 << 20, 1<<63 - 1, 1 << 63}
	for _, v := range values {
		buf := Write(nil, v)
		if len(buf) != Size(v) {
			t.Fatalf("Size(%d)=%d but Write produced %d bytes", v, Size(v), len(buf))
		}
		got, n, ok := Read(buf)
		if !ok {
			t.Fatalf("Read(%v) not ok", buf)
		}
		if n != len(buf) {
			t.Fatalf("Read consumed %d bytes, want %d", n, len(buf))
		}
		if got != v {
			t.Fatalf("round trip mismatch: got %d want %d", got, v)
		}
	}
}

func TestReadTruncated(t *testing.T) {
	// high bit set on final byte means more was expected
	_, _, ok := Read([]byte{0x80})
	if ok {
		t.Fatal("expected truncated read to fail")
	}
}

func TestWriteAppendsToExisting(t *testing.T) {
	dst := []byte{0xAA}
	dst = Write(dst, 300)
	if dst[0] != 0xAA {
		t.Fatal("Write must not clobber existing prefix")
	}
	v, n, ok := Read(dst[1:])
	if !ok || n != len(dst)-1 || v != 300 {
		t.Fatalf("got v=%d n=%d ok=%v", v, n, ok)
	}
}
