package flash

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/daedaluz/flashutil/chipreg"
	"github.com/daedaluz/flashutil/protocol"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

type recorder struct {
	sends []sendCall
}

type sendCall struct {
	op       protocol.Opcode
	body     []byte
	checksum uint32
}

func (r *recorder) Send(ctx context.Context, op protocol.Opcode, body []byte, checksum uint32, timeout time.Duration) (protocol.ErrorCode, error) {
	cp := make([]byte, len(body))
	copy(cp, body)
	r.sends = append(r.sends, sendCall{op: op, body: cp, checksum: checksum})
	return protocol.Success, nil
}

func TestBeginStandardBody(t *testing.T) {
	r := &recorder{}
	esp32, _ := chipreg.Lookup(chipreg.ESP32)
	err := Begin(context.Background(), r, esp32, 3000, 0x1000)
	assert(t, err == nil, "begin should succeed")
	assert(t, len(r.sends) == 1, "begin should send one command")
	assert(t, r.sends[0].op == protocol.FlashBegin, "opcode mismatch")
	assert(t, len(r.sends[0].body) == 16, "esp32 flash_begin body should be 16 bytes")
}

func TestBeginExtendedBody(t *testing.T) {
	r := &recorder{}
	s2, _ := chipreg.Lookup(chipreg.ESP32S2)
	err := Begin(context.Background(), r, s2, 3000, 0x1000)
	assert(t, err == nil, "begin should succeed")
	assert(t, len(r.sends[0].body) == 20, "extended family flash_begin body should be 20 bytes")
}

func TestWriteImageChunksAndChecksums(t *testing.T) {
	r := &recorder{}
	esp32, _ := chipreg.Lookup(chipreg.ESP32)
	image := make([]byte, BlockSize+10)
	for i := range image {
		image[i] = byte(i)
	}
	err := WriteImage(context.Background(), r, esp32, image, esp32.FlashOffset, 0, nil)
	assert(t, err == nil, "write image should succeed")
	// 1 begin + 2 data blocks
	assert(t, len(r.sends) == 3, "expected begin plus two data blocks")
	assert(t, r.sends[1].op == protocol.FlashData, "second send should be flash data")
	seq := binary.LittleEndian.Uint32(r.sends[2].body[4:8])
	assert(t, seq == 1, "second block sequence number should be 1")
	lastLen := binary.LittleEndian.Uint32(r.sends[2].body[0:4])
	assert(t, lastLen == 10, "final block should be sent at its actual unpadded length")
	assert(t, r.sends[2].checksum == uint32(protocol.XORFold(image[BlockSize:])), "final block checksum should fold its payload bytes")
}

func TestWriteImagePatchesHeaderAtFlashOffset(t *testing.T) {
	r := &recorder{}
	esp32, _ := chipreg.Lookup(chipreg.ESP32)
	image := make([]byte, 40)
	err := WriteImage(context.Background(), r, esp32, image, esp32.FlashOffset, 0x0210, nil)
	assert(t, err == nil, "write image should succeed")
	body := r.sends[1].body
	assert(t, binary.BigEndian.Uint16(body[16+2:16+4]) == 0x0210, "header patch should fire when offset equals the chip's flash offset")
}

func TestPatchHeader(t *testing.T) {
	buf := make([]byte, 32)
	esp32s2, _ := chipreg.Lookup(chipreg.ESP32S2)
	buf[8] = 0xAB
	patchHeader(buf, esp32s2, 0x0210)
	assert(t, binary.BigEndian.Uint16(buf[2:4]) == 0x0210, "flash params patch mismatch")
	assert(t, buf[12] == chipTypeByte(esp32s2), "chip type byte mismatch")
	assert(t, buf[8] == 0, "esp32-s2 should zero buf[8]")
}

func TestEndBodyEncodesRebootFlag(t *testing.T) {
	r := &recorder{}
	err := End(context.Background(), r, true)
	assert(t, err == nil, "end should succeed")
	assert(t, binary.LittleEndian.Uint32(r.sends[0].body) == 0, "reboot requested means flag byte stays 0")

	r2 := &recorder{}
	_ = End(context.Background(), r2, false)
	assert(t, binary.LittleEndian.Uint32(r2.sends[0].body) == 1, "staying in bootloader sets flag to 1")
}
