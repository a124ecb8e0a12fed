// Package flash drives the FLASH_BEGIN/FLASH_DATA/FLASH_END command
// sequence that writes a signed image to a target's SPI flash, including
// the SPI_ATTACH/SPI_SET_PARAMS handshake that must precede it and the
// bootloader-header byte patches applied to the first block.
package flash

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/daedaluz/flashutil/chipreg"
	"github.com/daedaluz/flashutil/protocol"
	"github.com/daedaluz/flashutil/spi"
	"github.com/schollz/progressbar/v3"
)

// BlockSize is the size of each FLASH_DATA chunk and the block_size field
// FLASH_BEGIN carries. The final block is sent at its actual (possibly
// shorter) length -- never padded on the wire.
const BlockSize = 4096

// spiSetParamsBlockSize is the block_size field SPI_SET_PARAMS carries,
// a distinct constant from the FLASH_DATA chunk size above: it describes
// the flash part's erase geometry to the ROM loader, not the transfer
// chunking this package does.
const spiSetParamsBlockSize = 65536

// probeFlashSize is the flash_size field SPI_SET_PARAMS carries: a fixed
// 4 MiB, matching the original tool's hardcoded probe value rather than
// anything derived from the image being written.
const probeFlashSize = 4 * 1024 * 1024

// Progress is satisfied by *progressbar.ProgressBar; WriteImage skips
// progress reporting when its bar argument is nil so library callers who
// don't want a terminal UI can omit it.
type Progress interface {
	Add(n int) error
}

// Writer is the minimal protocol surface this package needs.
type Writer interface {
	Send(ctx context.Context, op protocol.Opcode, body []byte, checksum uint32, timeout time.Duration) (protocol.ErrorCode, error)
}

func statusErr(op protocol.Opcode, ecode protocol.ErrorCode) error {
	return fmt.Errorf("flash: %s: %s", op, ecode)
}

// Attach issues SPI_ATTACH with the given pin assignment, or an
// all-zero body (meaning "use the chip's default/already-configured
// pins") when pins is the zero value.
func Attach(ctx context.Context, w Writer, pins spi.PinSpec) error {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], pins.Encode())
	ecode, err := w.Send(ctx, protocol.SPIAttach, body, 0, 3*time.Second)
	if err != nil {
		return err
	}
	if ecode != protocol.Success {
		return statusErr(protocol.SPIAttach, ecode)
	}
	return nil
}

// SetParams issues SPI_SET_PARAMS with the flash part's fixed probe
// geometry: id 0, a 4 MiB flash_size, a 64 KiB block_size, 4 KiB sectors,
// 256-byte pages, and a 0xFFFF status mask.
func SetParams(ctx context.Context, w Writer) error {
	body := make([]byte, 24)
	binary.LittleEndian.PutUint32(body[0:4], 0)                      // id: probe
	binary.LittleEndian.PutUint32(body[4:8], probeFlashSize)         // total_size
	binary.LittleEndian.PutUint32(body[8:12], spiSetParamsBlockSize) // block_size
	binary.LittleEndian.PutUint32(body[12:16], 4096)                 // sector_size
	binary.LittleEndian.PutUint32(body[16:20], 256)                  // page_size
	binary.LittleEndian.PutUint32(body[20:24], 0xFFFF)               // status_mask
	ecode, err := w.Send(ctx, protocol.SPISetParams, body, 0, 3*time.Second)
	if err != nil {
		return err
	}
	if ecode != protocol.Success {
		return statusErr(protocol.SPISetParams, ecode)
	}
	return nil
}

// Begin issues FLASH_BEGIN for an image of the given size written at
// offset, computing the number of BlockSize blocks required. Chips in
// the extended family (S2/S3/C3/C6) carry a fifth trailing 32-bit field
// (always zero: "encrypted" is never requested here).
func Begin(ctx context.Context, w Writer, chip chipreg.Chip, size int, offset uint32) error {
	numBlocks := (size + BlockSize - 1) / BlockSize
	bodyLen := 16
	if chip.ExtendedFlashBegin {
		bodyLen = 20
	}
	body := make([]byte, bodyLen)
	binary.LittleEndian.PutUint32(body[0:4], uint32(size))
	binary.LittleEndian.PutUint32(body[4:8], uint32(numBlocks))
	binary.LittleEndian.PutUint32(body[8:12], BlockSize)
	binary.LittleEndian.PutUint32(body[12:16], offset)
	if chip.ExtendedFlashBegin {
		binary.LittleEndian.PutUint32(body[16:20], 0)
	}
	ecode, err := w.Send(ctx, protocol.FlashBegin, body, 0, 15*time.Second)
	if err != nil {
		return err
	}
	if ecode != protocol.Success {
		return statusErr(protocol.FlashBegin, ecode)
	}
	return nil
}

// patchHeader rewrites the bootloader-header bytes of the image's first
// block in place (buf is the block payload, without the 16-byte
// FLASH_DATA prefix): the chip-type identifier byte at buf[12], always
// written; the flash mode/frequency parameter word at buf[2:4]
// (big-endian), only when flashParams is nonzero (0 means "leave the
// image's own header bytes alone"); and, for ESP32-S2, buf[8] zeroed (a
// field that family doesn't use and whose ROM loader rejects a stale
// value in).
func patchHeader(buf []byte, chip chipreg.Chip, flashParams uint16) {
	if len(buf) < 16 {
		return
	}
	if flashParams != 0 {
		binary.BigEndian.PutUint16(buf[2:4], flashParams)
	}
	buf[12] = chipTypeByte(chip)
	if chip.ID == chipreg.ESP32S2 {
		buf[8] = 0
	}
}

func chipTypeByte(chip chipreg.Chip) byte {
	switch chip.ID {
	case chipreg.ESP32:
		return 0
	case chipreg.ESP32S2:
		return 2
	case chipreg.ESP32S3, chipreg.ESP32S3Beta2:
		return 9
	case chipreg.ESP32C3, chipreg.ESP32C3ECO3:
		return 5
	case chipreg.ESP32C6:
		return 13
	default:
		return 0xFF
	}
}

// WriteImage performs the full FLASH_BEGIN/FLASH_DATA*/FLASH_END sequence
// for image, writing it at offset. flashParams is the 16-bit mode/freq
// word patched into the first block's bootloader header; pass 0 to leave
// the image's own header bytes untouched (used for non-bootloader
// segments). The bootloader-header patch only fires for the block that
// actually lands at the chip's bootloader offset, not merely the image's
// first block. bar, if non-nil, is advanced by one block per FLASH_DATA.
func WriteImage(ctx context.Context, w Writer, chip chipreg.Chip, image []byte, offset uint32, flashParams uint16, bar Progress) error {
	if err := Begin(ctx, w, chip, len(image), offset); err != nil {
		return err
	}
	numBlocks := (len(image) + BlockSize - 1) / BlockSize
	for seq := 0; seq < numBlocks; seq++ {
		start := seq * BlockSize
		end := start + BlockSize
		if end > len(image) {
			end = len(image)
		}
		chunk := image[start:end]
		if seq == 0 && offset == chip.FlashOffset {
			patched := make([]byte, len(chunk))
			copy(patched, chunk)
			patchHeader(patched, chip, flashParams)
			chunk = patched
		}
		body := make([]byte, 16+len(chunk))
		binary.LittleEndian.PutUint32(body[0:4], uint32(len(chunk)))
		binary.LittleEndian.PutUint32(body[4:8], uint32(seq))
		binary.LittleEndian.PutUint32(body[8:12], 0)
		binary.LittleEndian.PutUint32(body[12:16], 0)
		copy(body[16:], chunk)
		checksum := protocol.XORFold(chunk)
		ecode, err := w.Send(ctx, protocol.FlashData, body, uint32(checksum), 1500*time.Millisecond)
		if err != nil {
			return err
		}
		if ecode != protocol.Success {
			return statusErr(protocol.FlashData, ecode)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return nil
}

// End issues FLASH_END. reboot requests the ROM loader reset the chip
// into the newly-written application image instead of staying in the
// bootloader.
func End(ctx context.Context, w Writer, reboot bool) error {
	body := make([]byte, 4)
	if !reboot {
		binary.LittleEndian.PutUint32(body, 1)
	}
	ecode, err := w.Send(ctx, protocol.FlashEnd, body, 0, 3*time.Second)
	if err != nil {
		return err
	}
	if ecode != protocol.Success {
		return statusErr(protocol.FlashEnd, ecode)
	}
	return nil
}

// NewBar builds a terminal progress bar sized to the number of
// BlockSize blocks an image of imageLen bytes will take, in the style
// the teacher's other tooling presents long-running transfers.
func NewBar(imageLen int, description string) *progressbar.ProgressBar {
	numBlocks := (imageLen + BlockSize - 1) / BlockSize
	return progressbar.NewOptions(numBlocks,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
	)
}
