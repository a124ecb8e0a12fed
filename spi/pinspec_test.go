package spi

import "testing"

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

func TestParsePinSpec(t *testing.T) {
	p, err := ParsePinSpec("6,17,8,11,16")
	assert(t, err == nil, "valid csv should parse")
	assert(t, p.CLK == 6 && p.Q == 17 && p.D == 8 && p.HD == 11 && p.CS == 16, "field assignment mismatch")
}

func TestParsePinSpecWrongFieldCount(t *testing.T) {
	_, err := ParsePinSpec("1,2,3")
	assert(t, err != nil, "wrong field count should error")
}

func TestParsePinSpecNonNumeric(t *testing.T) {
	_, err := ParsePinSpec("a,2,3,4,5")
	assert(t, err != nil, "non-numeric field should error")
}

func TestEncode(t *testing.T) {
	p := PinSpec{CLK: 1, Q: 2, D: 3, HD: 4, CS: 5}
	got := p.Encode()
	want := uint32(1) | uint32(2)<<6 | uint32(3)<<12 | uint32(5)<<18 | uint32(4)<<24
	assert(t, got == want, "encode mismatch")
}

func TestEncodeDocumentedVector(t *testing.T) {
	p, err := ParsePinSpec("6,17,8,11,16")
	assert(t, err == nil, "valid csv should parse")
	assert(t, p.Encode() == 0x0B408446, "6,17,8,11,16 should encode to 0x0B408446")
}
