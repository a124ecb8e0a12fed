// Package hexfile decodes and encodes Intel HEX, the text format used to
// exchange memory-dump and firmware-patch data with readflash/mkhex and
// unhex.
package hexfile

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"strings"
)

// ErrMalformedLine is returned (wrapped) for any record that fails the
// format's own structural checks: bad leading colon, odd hex digit
// count, or a byte-count field that doesn't match the line's actual
// data length.
var ErrMalformedLine = fmt.Errorf("hexfile: malformed record")

const (
	recData           = 0
	recEOF            = 1
	recExtendedLinear = 4
)

// Segment is one contiguous run of decoded bytes at a base address. A
// HEX file's address space is typically sparse; Decode returns it as a
// list of such runs rather than forcing a caller to materialize the
// full 32-bit space, decoupling the decoder from any particular
// destination (flash write, in-memory buffer, file).
type Segment struct {
	Addr uint32
	Data []byte
}

// Decode parses Intel HEX text from r into contiguous segments. Record
// types other than data/EOF/extended-linear-address are ignored, not
// rejected, matching the tolerant stance real-world HEX producers
// require. A record's checksum is verified but a mismatch is only
// logged, never fatal: see the design note on checksum policy -- some
// generators are known to emit (harmlessly) incorrect checksums on
// extended-address records, and rejecting those would make the decoder
// less useful than the tools it's meant to interoperate with.
func Decode(r io.Reader) ([]Segment, error) {
	scanner := bufio.NewScanner(r)
	var segments []Segment
	var cur *Segment
	var upperAddr uint32
	lineNo := 0

	flush := func() {
		if cur != nil && len(cur.Data) > 0 {
			segments = append(segments, *cur)
		}
		cur = nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, ":") {
			return nil, fmt.Errorf("hexfile: line %d: missing ':' prefix: %w", lineNo, ErrMalformedLine)
		}
		body := line[1:]
		if len(body) < 10 || len(body)%2 != 0 {
			return nil, fmt.Errorf("hexfile: line %d: bad length: %w", lineNo, ErrMalformedLine)
		}
		raw, err := hex.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("hexfile: line %d: %v: %w", lineNo, err, ErrMalformedLine)
		}
		byteCount := int(raw[0])
		if len(raw) != 5+byteCount {
			return nil, fmt.Errorf("hexfile: line %d: byte count %d does not match record length: %w", lineNo, byteCount, ErrMalformedLine)
		}
		addr := uint32(raw[1])<<8 | uint32(raw[2])
		rtype := raw[3]
		data := raw[4 : 4+byteCount]
		checksum := raw[4+byteCount]

		sum := byte(0)
		for _, b := range raw[:len(raw)-1] {
			sum += b
		}
		sum = byte(-int8(sum))
		if sum != checksum {
			log.Printf("hexfile: line %d: checksum mismatch (got %#02x, want %#02x)", lineNo, checksum, sum)
		}

		switch rtype {
		case recEOF:
			flush()
			return segments, nil
		case recExtendedLinear:
			if len(data) != 2 {
				return nil, fmt.Errorf("hexfile: line %d: malformed extended address record: %w", lineNo, ErrMalformedLine)
			}
			flush()
			upperAddr = (uint32(data[0])<<8 | uint32(data[1])) << 16
		case recData:
			full := upperAddr + addr
			if cur != nil && full == cur.Addr+uint32(len(cur.Data)) {
				cur.Data = append(cur.Data, data...)
			} else {
				flush()
				cur = &Segment{Addr: full, Data: append([]byte(nil), data...)}
			}
		default:
			// Record types outside {data, EOF, extended-linear} carry no
			// payload this decoder materializes; skip silently.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("hexfile: %w", err)
	}
	flush()
	return segments, nil
}

// maxRecordLen is the maximum number of data bytes Encode packs into a
// single type-0 record.
const maxRecordLen = 16

// Encode writes segments as Intel HEX text to w: a type-4 record
// whenever a data record's upper 16 address bits differ from the current
// upper address (0 at the start, as Decode also assumes), type-0 data
// records of at most 16 bytes each, and a trailing type-1 EOF record.
func Encode(w io.Writer, segments []Segment) error {
	bw := bufio.NewWriter(w)
	var lastUpper uint32

	writeRecord := func(addr uint16, rtype byte, data []byte) error {
		raw := make([]byte, 4+len(data)+1)
		raw[0] = byte(len(data))
		raw[1] = byte(addr >> 8)
		raw[2] = byte(addr)
		raw[3] = rtype
		copy(raw[4:], data)
		sum := byte(0)
		for _, b := range raw[:len(raw)-1] {
			sum += b
		}
		raw[len(raw)-1] = byte(-int8(sum))
		if _, err := fmt.Fprintf(bw, ":%s\n", strings.ToUpper(hex.EncodeToString(raw))); err != nil {
			return err
		}
		return nil
	}

	for _, seg := range segments {
		addr := seg.Addr
		data := seg.Data
		for len(data) > 0 {
			upper := addr >> 16
			if upper != lastUpper {
				if err := writeRecord(0, recExtendedLinear, []byte{byte(upper >> 8), byte(upper)}); err != nil {
					return err
				}
				lastUpper = upper
			}
			n := len(data)
			if n > maxRecordLen {
				n = maxRecordLen
			}
			if err := writeRecord(uint16(addr), recData, data[:n]); err != nil {
				return err
			}
			addr += uint32(n)
			data = data[n:]
		}
	}
	if err := writeRecord(0, recEOF, nil); err != nil {
		return err
	}
	return bw.Flush()
}
