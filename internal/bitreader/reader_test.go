package bitreader

import "testing"

func TestBitsMSBFirst(t *testing.T) {
	r := New([]byte{0b1010_0110})
	if got := r.Bits(4); got != 0b1010 {
		t.Errorf("Bits(4) = %b, want 1010", got)
	}
	if got := r.Bits(4); got != 0b0110 {
		t.Errorf("Bits(4) = %b, want 0110", got)
	}
}

func TestBitsPastEndSetsStickyError(t *testing.T) {
	r := New([]byte{0xff})
	r.Bits(8)
	if r.Error() {
		t.Fatal("unexpected error after consuming exactly the buffer")
	}
	if got := r.Bit(); got != 0 {
		t.Errorf("Bit() past end = %d, want 0", got)
	}
	if !r.Error() {
		t.Fatal("expected sticky error after reading past end")
	}
	if got := r.Bits(16); got != 0 {
		t.Errorf("Bits() after error = %d, want 0", got)
	}
}

func TestSBitsSignExtension(t *testing.T) {
	// 0b100 as a 3-bit field should sign-extend to -4.
	r := New([]byte{0b1000_0000})
	if got := r.SBits(3); got != -4 {
		t.Errorf("SBits(3) = %d, want -4", got)
	}
}

func TestUleb128SingleByte(t *testing.T) {
	r := New([]byte{0x05})
	if got := r.Uleb128(); got != 5 {
		t.Errorf("Uleb128() = %d, want 5", got)
	}
}

func TestUleb128MultiByte(t *testing.T) {
	// 300 = 0b1_0010_1100 -> low 7 bits 0101100 with continuation, then 10.
	r := New([]byte{0xac, 0x02})
	if got := r.Uleb128(); got != 300 {
		t.Errorf("Uleb128() = %d, want 300", got)
	}
}

func TestUleb128OverrunSetsError(t *testing.T) {
	// All continuation bits set, never terminates within the buffer.
	r := New([]byte{0xff, 0xff})
	r.Uleb128()
	if !r.Error() {
		t.Fatal("expected sticky error on truncated leb128")
	}
}

func TestUleb128TooManyBytesSetsError(t *testing.T) {
	data := make([]byte, 9)
	for i := range data {
		data[i] = 0xff
	}
	r := New(data)
	if got := r.Uleb128(); got != 0 {
		t.Errorf("Uleb128() on 9-byte overrun = %d, want 0", got)
	}
	if !r.Error() {
		t.Fatal("expected sticky error when leb128 exceeds 8 bytes")
	}
}

func TestVLCZero(t *testing.T) {
	r := New([]byte{0b1000_0000})
	if got := r.VLC(); got != 0 {
		t.Errorf("VLC() = %d, want 0", got)
	}
}

func TestVLCWithLeadingZeros(t *testing.T) {
	// 2 leading zeros, terminator, then 2 value bits = 0b11 (3):
	// value = 3 + (1<<2) - 1 = 6.
	r := New([]byte{0b0011_1000})
	if got := r.VLC(); got != 6 {
		t.Errorf("VLC() = %d, want 6", got)
	}
}

func TestUniformRange(t *testing.T) {
	// n=6 -> w=3, m=2. All-zero input should decode to 0.
	r := New([]byte{0x00, 0x00})
	if got := r.Uniform(6); got != 0 {
		t.Errorf("Uniform(6) = %d, want 0", got)
	}
}

func TestUniformNIsOne(t *testing.T) {
	r := New([]byte{0xff})
	if got := r.Uniform(1); got != 0 {
		t.Errorf("Uniform(1) = %d, want 0 (degenerate range)", got)
	}
	if r.Error() {
		t.Fatal("Uniform(1) must not touch the reader")
	}
}

func TestByteAlign(t *testing.T) {
	r := New([]byte{0xff, 0xff})
	r.Bits(3)
	r.ByteAlign()
	if r.Pos() != 8 {
		t.Errorf("Pos() after align = %d, want 8", r.Pos())
	}
	r.ByteAlign()
	if r.Pos() != 8 {
		t.Errorf("ByteAlign on an aligned reader moved the cursor: Pos() = %d", r.Pos())
	}
}

func TestTrailingBitsStrictOK(t *testing.T) {
	// Byte 0 finishes with a trailing 1 (all bits already consumed by
	// caller up to this point in a real parse); byte 1 onward must be
	// all-zero for strict mode to pass.
	r := New([]byte{0b1000_0000, 0x00})
	r.TrailingBits(true)
	if r.Error() {
		t.Fatal("valid trailing bits rejected in strict mode")
	}
}

func TestTrailingBitsStrictRejectsTrailingData(t *testing.T) {
	r := New([]byte{0b1000_0000, 0x01})
	r.TrailingBits(true)
	if !r.Error() {
		t.Fatal("expected error: non-zero byte remains after trailing_bits in strict mode")
	}
}

func TestTrailingBitsNonStrictIgnoresGarbage(t *testing.T) {
	r := New([]byte{0b0000_0000, 0xff})
	r.TrailingBits(false)
	if r.Error() {
		t.Fatal("non-strict trailing_bits should not fail on missing 1-bit or garbage")
	}
}

func TestLimitToRestrictsReads(t *testing.T) {
	r := New([]byte{0xff, 0xff, 0xff})
	r.LimitTo(1)
	r.Bits(8)
	if r.Error() {
		t.Fatal("reading exactly the limited byte should not error")
	}
	r.Bit()
	if !r.Error() {
		t.Fatal("reading past LimitTo() boundary should set the sticky error")
	}
}

func TestBitsSubexpRoundTripsNearReference(t *testing.T) {
	// With all-zero input, BitsSubexp should decode the minimal-cost
	// symbol (0) and reconstruct a value near ref via inverse recenter.
	r := New(make([]byte, 4))
	got := r.BitsSubexp(0, 1<<12)
	if got != 0 {
		t.Errorf("BitsSubexp with all-zero input = %d, want 0", got)
	}
}

func TestBitsSubexpNonzeroReferenceRecenters(t *testing.T) {
	// bits: subexp_more_bit=0, then a 3-bit literal "001" -> SubExp decodes 1.
	r := New([]byte{0b0001_0000, 0})
	got := r.BitsSubexp(100, 1<<12)
	if got != 101 {
		t.Errorf("BitsSubexp(ref=100, mx=4096) with SubExp=1 = %d, want 101", got)
	}
}
