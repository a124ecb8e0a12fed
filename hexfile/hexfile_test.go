package hexfile

import (
	"bytes"
	"strings"
	"testing"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

func TestDecodeSimpleDataRecord(t *testing.T) {
	// :03 0000 00 010203 F7
	in := ":03000000010203F7\n:00000001FF\n"
	segs, err := Decode(strings.NewReader(in))
	assert(t, err == nil, "decode should succeed")
	assert(t, len(segs) == 1, "expected one segment")
	assert(t, segs[0].Addr == 0, "address mismatch")
	assert(t, bytes.Equal(segs[0].Data, []byte{1, 2, 3}), "data mismatch")
}

func TestDecodeMergesContiguousRecords(t *testing.T) {
	// two back-to-back data records at adjacent addresses should merge
	// into a single segment.
	in := ":02000000AABB99\n:020002000CCD23\n:00000001FF\n"
	segs, err := Decode(strings.NewReader(in))
	assert(t, err == nil, "decode should succeed")
	assert(t, len(segs) == 1, "contiguous records should merge into one segment")
	assert(t, bytes.Equal(segs[0].Data, []byte{0xAA, 0xBB, 0x0C, 0xCD}), "merged data mismatch")
}

func TestDecodeRejectsBadByteCount(t *testing.T) {
	_, err := Decode(strings.NewReader(":05000000AABB54\n"))
	assert(t, err != nil, "byte count not matching record length should error")
}

func TestDecodeRejectsMissingColon(t *testing.T) {
	_, err := Decode(strings.NewReader("03000000010203F9\n"))
	assert(t, err != nil, "missing colon prefix should error")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	segs := []Segment{
		{Addr: 0x1000, Data: []byte("hello world, this is more than sixteen bytes of payload")},
		{Addr: 0x20000, Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
	}
	var buf bytes.Buffer
	err := Encode(&buf, segs)
	assert(t, err == nil, "encode should succeed")

	out, err := Decode(&buf)
	assert(t, err == nil, "decode of encoded output should succeed")
	assert(t, len(out) == 2, "expected two segments back")
	assert(t, out[0].Addr == 0x1000, "first segment address mismatch")
	assert(t, bytes.Equal(out[0].Data, segs[0].Data), "first segment data mismatch")
	assert(t, out[1].Addr == 0x20000, "second segment address mismatch")
	assert(t, bytes.Equal(out[1].Data, segs[1].Data), "second segment data mismatch")
}

func TestEncodeSplitsLongSegments(t *testing.T) {
	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i)
	}
	var buf bytes.Buffer
	err := Encode(&buf, []Segment{{Addr: 0, Data: data}})
	assert(t, err == nil, "encode should succeed")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	// 3 data records (16+16+8) + 1 EOF record, no extended address record needed
	assert(t, len(lines) == 4, "expected three data records plus EOF")
}
