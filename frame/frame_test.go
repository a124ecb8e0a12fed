package frame

import (
	"bytes"
	"testing"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

func encodeToBytes(data []byte) []byte {
	var out []byte
	Encode(data, func(b byte) { out = append(out, b) })
	return out
}

func feedAll(c *Codec, data []byte) (pkts [][]byte) {
	for _, b := range data {
		if pkt, ready := c.Feed(b); ready {
			cp := make([]byte, len(pkt))
			copy(cp, pkt)
			pkts = append(pkts, cp)
		}
	}
	return pkts
}

func TestEncodeEscapesControlBytes(t *testing.T) {
	out := encodeToBytes([]byte{0xC0, 0xDB, 0x01})
	want := []byte{END, ESC, ESCEND, ESC, ESCESC, 0x01, END}
	assert(t, bytes.Equal(out, want), "encode should escape END and ESC bytes")
}

func TestDecodeRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0xC0, 0xDB, 0xFF, 0x10, 0x20}
	raw := encodeToBytes(payload)
	c := New(256)
	pkts := feedAll(c, raw)
	assert(t, len(pkts) == 1, "expected exactly one decoded packet")
	assert(t, bytes.Equal(pkts[0], payload), "round trip payload mismatch")
}

func TestDecodeSingleEndByte(t *testing.T) {
	c := New(16)
	pkts := feedAll(c, []byte{END, ESC, ESCEND, END})
	assert(t, len(pkts) == 1, "expected one packet")
	assert(t, bytes.Equal(pkts[0], []byte{END}), "decoded payload should be a single 0xC0 byte")
}

func TestPassthroughBytesProduceNoPacket(t *testing.T) {
	c := New(16)
	for _, b := range []byte("console output") {
		pkt, ready := c.Feed(b)
		assert(t, !ready, "passthrough bytes should never complete a packet")
		assert(t, pkt == nil, "passthrough bytes should return a nil packet")
		assert(t, c.Mode() == Passthrough, "mode should remain passthrough")
	}
}

func TestOverflowSilentlyResets(t *testing.T) {
	c := New(4)
	c.Feed(END) // enter packet mode
	pkts := feedAll(c, []byte{1, 2, 3, 4, 5, 6})
	assert(t, len(pkts) == 0, "overflowing data with no delimiter should never produce a packet")
}

func TestResetReturnsToPassthrough(t *testing.T) {
	c := New(16)
	c.Feed(END)
	assert(t, c.Mode() == Packet, "first END should enter packet mode")
	c.Reset()
	assert(t, c.Mode() == Passthrough, "reset should return codec to passthrough mode")
}
