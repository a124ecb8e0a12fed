package firmware

import (
	"encoding/binary"
	"testing"

	"github.com/daedaluz/flashutil/chipreg"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

// buildELF32 hand-assembles a minimal little-endian ELF32 executable
// with the given segments, for use as test fixture input.
func buildELF32(entry uint32, segs []Segment) []byte {
	const ehsize = 52
	const phentsize = 32
	phoff := ehsize
	dataOff := phoff + phentsize*len(segs)

	buf := make([]byte, dataOff)
	copy(buf[0:4], elfMagic)
	buf[4] = elfClass32
	buf[5] = 1 // little-endian
	binary.LittleEndian.PutUint32(buf[24:28], entry)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(phoff))
	binary.LittleEndian.PutUint16(buf[42:44], uint16(phentsize))
	binary.LittleEndian.PutUint16(buf[44:46], uint16(len(segs)))

	for i, s := range segs {
		base := phoff + i*phentsize
		binary.LittleEndian.PutUint32(buf[base:base+4], ptLoad)
		binary.LittleEndian.PutUint32(buf[base+4:base+8], uint32(len(buf)))
		binary.LittleEndian.PutUint32(buf[base+8:base+12], s.Addr)
		binary.LittleEndian.PutUint32(buf[base+16:base+20], uint32(len(s.Data)))
		binary.LittleEndian.PutUint32(buf[base+20:base+24], uint32(len(s.Data)))
		buf = append(buf, s.Data...)
	}
	return buf
}

func TestParseELF32RoundTrip(t *testing.T) {
	segs := []Segment{
		{Addr: 0x40080000, Data: []byte{1, 2, 3, 4, 5}},
		{Addr: 0x3ffe8000, Data: []byte{0xAA, 0xBB}},
	}
	raw := buildELF32(0x40080010, segs)
	img, err := ParseELF32(raw)
	assert(t, err == nil, "parse should succeed")
	assert(t, img.Entry == 0x40080010, "entry point mismatch")
	assert(t, len(img.Segments) == 2, "expected two loadable segments")
	assert(t, img.Segments[0].Addr == 0x40080000, "segment 0 address mismatch")
	assert(t, len(img.Segments[1].Data) == 2, "segment 1 length mismatch")
}

func TestParseELF32RejectsNonELF(t *testing.T) {
	_, err := ParseELF32([]byte("not an elf file at all"))
	assert(t, err == ErrNotELF32, "non-elf input should report ErrNotELF32")
}

func TestParseELF32SkipsEmptyFirstSegment(t *testing.T) {
	segs := []Segment{
		{Addr: 0, Data: nil},
		{Addr: 0x40080000, Data: []byte{9, 9}},
	}
	raw := buildELF32(0x40080000, segs)
	img, err := ParseELF32(raw)
	assert(t, err == nil, "parse should succeed")
	assert(t, len(img.Segments) == 1, "empty placeholder segment should be skipped")
	assert(t, img.Segments[0].Addr == 0x40080000, "remaining segment address mismatch")
}

func TestBuildLayout(t *testing.T) {
	esp32, _ := chipreg.Lookup(chipreg.ESP32)
	img := &Image{
		Entry: 0x40080010,
		Segments: []Segment{
			{Addr: 0x40080000, Data: []byte{1, 2, 3}},
		},
	}
	out := Build(img, esp32)
	assert(t, out[0] == 0xE9, "common header magic mismatch")
	assert(t, out[1] == 1, "segment count mismatch")
	assert(t, binary.LittleEndian.Uint32(out[4:8]) == img.Entry, "entry point mismatch")
	assert(t, len(out)%16 == 0, "image length including the checksum byte should be a multiple of 16")

	checksum := out[len(out)-1]
	recomputed := byte(0xEF)
	for _, seg := range img.Segments {
		for _, b := range seg.Data {
			recomputed ^= b
		}
	}
	assert(t, checksum == recomputed, "trailing checksum byte should fold segment payload bytes only")
}

func TestBuildExtendedHeader(t *testing.T) {
	esp32, _ := chipreg.Lookup(chipreg.ESP32)
	img := &Image{Entry: 0x40080000, Segments: []Segment{{Addr: 0x40080000, Data: []byte{1}}}}
	out := Build(img, esp32)
	assert(t, out[8] == 0xEE, "non-s2 extended header magic should be 0xEE")
	assert(t, out[12] == 2, "extended header byte 4 should be 2")

	esp32s2, _ := chipreg.Lookup(chipreg.ESP32S2)
	out = Build(img, esp32s2)
	assert(t, out[8] == 0x00, "s2 extended header magic should be 0x00")
	assert(t, out[12] == 2, "s2 extended header byte 4 should still be 2")
}
