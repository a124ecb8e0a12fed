package session

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/daedaluz/flashutil/chipreg"
	"github.com/daedaluz/flashutil/frame"
	"github.com/daedaluz/flashutil/protocol"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

// regTransport answers every request with a READ_REG response carrying a
// fixed 32-bit value, regardless of the request's target address --
// enough to drive Detect in isolation from real hardware.
type regTransport struct {
	value    uint32
	raw      []byte
	consumed bool
}

func (r *regTransport) WriteByte(b byte) error { return nil }

func (r *regTransport) Wait(timeout time.Duration) (bool, error) {
	return !r.consumed, nil
}

func (r *regTransport) Read(buf []byte) (int, error) {
	if r.consumed {
		return 0, nil
	}
	r.consumed = true
	if r.raw == nil {
		body := make([]byte, 12)
		body[0] = 1
		body[1] = byte(protocol.ReadReg)
		binary.LittleEndian.PutUint32(body[4:8], r.value)
		frame.Encode(body, func(b byte) { r.raw = append(r.raw, b) })
	}
	n := copy(buf, r.raw)
	return n, nil
}

func newTestSession(magic uint32) *Session {
	tr := &regTransport{value: magic}
	return &Session{
		Proto: &protocol.Session{
			Transport: tr,
			Decoder:   frame.New(512),
			Layout:    protocol.StatusTail4,
		},
	}
}

func TestDetectResolvesKnownChip(t *testing.T) {
	s := newTestSession(uint32(chipreg.ESP32))
	err := s.Detect(context.Background())
	assert(t, err == nil, "detect should succeed for a known magic")
	assert(t, s.Known, "session should be marked known after detect")
	assert(t, s.Chip.Name == "esp32", "detected chip name mismatch")
	assert(t, s.Proto.Layout == protocol.StatusTail4, "esp32 should use the 4-byte status tail")
}

func TestDetectSwitchesLayoutForESP8266(t *testing.T) {
	s := newTestSession(uint32(chipreg.ESP8266))
	err := s.Detect(context.Background())
	assert(t, err == nil, "detect should succeed")
	assert(t, s.Proto.Layout == protocol.StatusTail2, "esp8266 should use the 2-byte status tail")
}

func TestDetectRejectsUnknownMagic(t *testing.T) {
	s := newTestSession(0xdeadbeef)
	err := s.Detect(context.Background())
	assert(t, err != nil, "unknown magic should fail detection")
	assert(t, !s.Known, "session should not be marked known on failed detection")
}

func TestRequireChipMatch(t *testing.T) {
	s := newTestSession(uint32(chipreg.ESP32))
	_ = s.Detect(context.Background())
	assert(t, s.RequireChip("esp32") == nil, "matching chip override should pass")
	assert(t, s.RequireChip("") == nil, "empty override should always pass")
}

func TestRequireChipMismatch(t *testing.T) {
	s := newTestSession(uint32(chipreg.ESP32))
	_ = s.Detect(context.Background())
	err := s.RequireChip("esp8266")
	assert(t, err != nil, "mismatched chip override should fail")
}
