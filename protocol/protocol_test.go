package protocol

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/daedaluz/flashutil/frame"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

func TestEncodeHeader(t *testing.T) {
	buf := make([]byte, 8)
	EncodeHeader(buf, FlashData, 3, 0x12345678)
	assert(t, buf[0] == 0, "direction byte must be 0")
	assert(t, buf[1] == byte(FlashData), "opcode byte mismatch")
	assert(t, binary.LittleEndian.Uint16(buf[2:4]) == 3, "body length mismatch")
	assert(t, binary.LittleEndian.Uint32(buf[4:8]) == 0x12345678, "checksum mismatch")
}

func TestXORFold(t *testing.T) {
	assert(t, XORFold(nil) == 0xEF, "empty buffer should leave seed unchanged")
	got := XORFold([]byte{0x01, 0x02, 0x03})
	want := uint8(0xEF) ^ 0x01 ^ 0x02 ^ 0x03
	assert(t, got == want, "xor fold mismatch")
}

func TestStatusLayoutTailOffset(t *testing.T) {
	assert(t, StatusTail4.tailOffset(14) == 10, "tail4 offset mismatch")
	assert(t, StatusTail2.tailOffset(12) == 10, "tail2 offset mismatch")
}

func TestOpcodeString(t *testing.T) {
	assert(t, Sync.String() == "SYNC", "sync opcode string mismatch")
	assert(t, Opcode(200).String() != "", "unknown opcode should still stringify")
}

// fakeTransport is an in-memory Transport that replies with a
// pre-programmed SLIP-encoded response frame.
type fakeTransport struct {
	written  []byte
	response []byte
	consumed bool
}

func (f *fakeTransport) WriteByte(b byte) error {
	f.written = append(f.written, b)
	return nil
}

func (f *fakeTransport) Wait(timeout time.Duration) (bool, error) {
	if f.consumed {
		return false, nil
	}
	return true, nil
}

func (f *fakeTransport) Read(buf []byte) (int, error) {
	if f.consumed {
		return 0, nil
	}
	f.consumed = true
	n := copy(buf, f.response)
	return n, nil
}

func TestSendSuccess(t *testing.T) {
	respBody := make([]byte, 10)
	respBody[0] = 1
	respBody[1] = byte(Sync)
	var raw []byte
	frame.Encode(respBody, func(b byte) { raw = append(raw, b) })

	tr := &fakeTransport{response: raw}
	s := &Session{Transport: tr, Decoder: frame.New(512), Layout: StatusTail4}
	ecode, err := s.Send(context.Background(), Sync, nil, 0, time.Second)
	assert(t, err == nil, "send should succeed")
	assert(t, ecode == Success, "status should report success")
}

func TestSendTimeout(t *testing.T) {
	tr := &fakeTransport{consumed: true}
	s := &Session{Transport: tr, Decoder: frame.New(512), Layout: StatusTail4}
	_, err := s.Send(context.Background(), Sync, nil, 0, 10*time.Millisecond)
	assert(t, err != nil, "send should time out when nothing ever arrives")
}

func TestSendRespectsContextCancellation(t *testing.T) {
	tr := &fakeTransport{consumed: true}
	s := &Session{Transport: tr, Decoder: frame.New(512), Layout: StatusTail4}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Send(ctx, Sync, nil, 0, time.Second)
	assert(t, err != nil, "send should return immediately once ctx is cancelled")
}
