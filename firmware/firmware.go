// Package firmware builds a device-flashable image from an ELF32
// executable: the common "E9" bootloader header, one segment record per
// loadable program header, and the trailing XOR-fold checksum byte the
// ROM loader verifies before jumping into the image.
package firmware

import (
	"encoding/binary"
	"fmt"

	"github.com/daedaluz/flashutil/chipreg"
	"github.com/daedaluz/flashutil/protocol"
)

// ErrNotELF32 is returned (wrapped) when the input does not carry the
// ELF magic, the 32-bit class byte or the little-endian data byte this
// package understands.
var ErrNotELF32 = fmt.Errorf("firmware: not a 32-bit ELF file")

const (
	elfMagic   = "\x7fELF"
	elfClass32 = 1
	ptLoad     = 1
)

// Segment is one loadable program-header entry: its load address and the
// raw bytes to be written there.
type Segment struct {
	Addr uint32
	Data []byte
}

// Image is a parsed ELF32 executable reduced to what the image builder
// needs: the entry point and the ordered list of loadable segments.
type Image struct {
	Entry    uint32
	Segments []Segment
}

// ParseELF32 parses buf as a little-endian ELF32 executable and returns
// its entry point and loadable (PT_LOAD) segments in program-header
// order.
//
// GCC sometimes emits a first program header with p_filesz == 0 as a
// placeholder ahead of the real loadable segments; when that happens the
// segment numbering used by later tooling is conventionally shifted by
// one to skip it, which ParseELF32 replicates by dropping that header.
func ParseELF32(buf []byte) (*Image, error) {
	if len(buf) < 52 || string(buf[:4]) != elfMagic {
		return nil, ErrNotELF32
	}
	if buf[4] != elfClass32 {
		return nil, ErrNotELF32
	}
	if buf[5] != 1 {
		return nil, ErrNotELF32
	}
	bo := binary.ByteOrder(binary.LittleEndian)

	entry := bo.Uint32(buf[24:28])
	phoff := bo.Uint32(buf[28:32])
	phentsize := bo.Uint16(buf[42:44])
	phnum := bo.Uint16(buf[44:46])

	type phdr struct {
		ptype          uint32
		offset, vaddr  uint32
		filesz, memsz  uint32
	}
	phdrs := make([]phdr, 0, phnum)
	for i := uint16(0); i < phnum; i++ {
		base := int(phoff) + int(i)*int(phentsize)
		if base+32 > len(buf) {
			return nil, fmt.Errorf("firmware: program header %d out of bounds: %w", i, ErrNotELF32)
		}
		h := phdr{
			ptype:  bo.Uint32(buf[base : base+4]),
			offset: bo.Uint32(buf[base+4 : base+8]),
			vaddr:  bo.Uint32(buf[base+8 : base+12]),
			filesz: bo.Uint32(buf[base+16 : base+20]),
			memsz:  bo.Uint32(buf[base+20 : base+24]),
		}
		phdrs = append(phdrs, h)
	}

	if len(phdrs) > 0 && phdrs[0].ptype == ptLoad && phdrs[0].filesz == 0 {
		phdrs = phdrs[1:]
	}

	var segs []Segment
	for _, h := range phdrs {
		if h.ptype != ptLoad || h.filesz == 0 {
			continue
		}
		if int(h.offset+h.filesz) > len(buf) {
			return nil, fmt.Errorf("firmware: segment at %#x extends past file end: %w", h.vaddr, ErrNotELF32)
		}
		segs = append(segs, Segment{Addr: h.vaddr, Data: buf[h.offset : h.offset+h.filesz]})
	}
	return &Image{Entry: entry, Segments: segs}, nil
}

// align4 rounds n up to a multiple of 4, the segment-size alignment the
// device image format requires.
func align4(n int) int {
	return (n + 3) &^ 3
}

// Build assembles the device-flashable image byte layout: a common
// header (magic E9, segment count, two reserved zero bytes), the entry
// point, a 16-byte extended header (chip-family specific fields beyond
// the common header), one segment record per loadable segment (load
// address, 4-byte-aligned size, payload, zero pad to that aligned size),
// a final pad to bring the whole image to 16 bytes minus one, and a
// trailing XOR-fold checksum byte over the segment payload bytes alone.
func Build(img *Image, chip chipreg.Chip) []byte {
	out := make([]byte, 0, 64+len(img.Segments)*32)

	common := make([]byte, 8)
	common[0] = 0xE9
	common[1] = byte(len(img.Segments))
	binary.LittleEndian.PutUint32(common[4:8], img.Entry)
	out = append(out, common...)

	// ext[0] is a secondary magic byte (0xEE, or 0x00 on S2 which reads
	// this header differently); ext[4] is always 2.
	ext := make([]byte, 16)
	ext[0] = 0xEE
	ext[4] = 2
	if chip.ID == chipreg.ESP32S2 {
		ext[0] = 0x00
	}
	out = append(out, ext...)

	checksum := byte(0xEF)
	for _, seg := range img.Segments {
		sizeAligned := align4(len(seg.Data))
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[0:4], seg.Addr)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(sizeAligned))
		out = append(out, hdr...)
		out = append(out, seg.Data...)
		checksum = protocol.Checksum(checksum, seg.Data)
		if pad := sizeAligned - len(seg.Data); pad > 0 {
			out = append(out, make([]byte, pad)...)
		}
	}

	for (len(out)+1)%16 != 0 {
		out = append(out, 0)
	}

	out = append(out, checksum)
	return out
}
