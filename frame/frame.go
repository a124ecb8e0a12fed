// Package frame implements the RFC-1055 SLIP byte-stuffing codec used to
// carry command frames and console passthrough bytes over the same serial
// byte stream.
package frame

// SLIP control bytes. https://datatracker.ietf.org/doc/html/rfc1055
const (
	END    = 0xC0
	ESC    = 0xDB
	ESCEND = 0xDC
	ESCESC = 0xDD
)

// Mode distinguishes the codec's two states: bytes observed between frame
// delimiters are either device console output (Passthrough) or the body of
// a command/response frame (Packet).
type Mode int

const (
	Passthrough Mode = iota
	Packet
)

// Codec is a SLIP encoder/decoder with a fixed-capacity, self-owned buffer.
// It never allocates on the hot path and never grows the buffer: an
// overflowing packet is silently dropped (length reset to zero) so a
// runaway or noisy line can't wedge the caller. The zero value is not
// usable; construct with New.
type Codec struct {
	buf  []byte
	len  int
	mode Mode
	prev byte
}

// New returns a Codec with the given buffer capacity, which should be large
// enough for the largest frame the protocol ever assembles (command
// responses top out well under 16KiB).
func New(capacity int) *Codec {
	return &Codec{buf: make([]byte, capacity)}
}

// Mode reports whether the codec currently considers incoming bytes to be
// passthrough console output or packet payload.
func (c *Codec) Mode() Mode { return c.mode }

// Encode writes the SLIP-framed form of data to sink, one byte at a time.
// The codec itself holds no transport; sink is typically a closure over a
// serial port's single-byte write.
func Encode(data []byte, sink func(byte)) {
	sink(END)
	for _, b := range data {
		switch b {
		case END:
			sink(ESC)
			sink(ESCEND)
		case ESC:
			sink(ESC)
			sink(ESCESC)
		default:
			sink(b)
		}
	}
	sink(END)
}

// Feed processes one incoming byte. In Passthrough mode it returns
// (nil, false) and the caller is expected to treat b unchanged as console
// output. In Packet mode it buffers (or unescapes) the byte; when a closing
// delimiter completes a packet it returns the assembled payload and true.
// The returned slice aliases the codec's internal buffer and is only valid
// until the next call to Feed.
func (c *Codec) Feed(b byte) (pkt []byte, ready bool) {
	if c.mode == Packet {
		switch {
		case c.prev == ESC && b == ESCEND:
			c.buf[c.len] = END
			c.len++
		case c.prev == ESC && b == ESCESC:
			c.buf[c.len] = ESC
			c.len++
		case b == END:
			ready = true
			pkt = c.buf[:c.len]
		case b != ESC:
			c.buf[c.len] = b
			c.len++
		}
		if c.len >= len(c.buf) {
			c.len = 0
		}
	}
	c.prev = b
	if b == END {
		c.len = 0
		if c.mode == Packet {
			c.mode = Passthrough
		} else {
			c.mode = Packet
		}
	}
	return pkt, ready
}

// Reset returns the codec to its initial state (Passthrough mode, empty
// buffer). Used between independent protocol sessions on the same port.
func (c *Codec) Reset() {
	c.len = 0
	c.mode = Passthrough
	c.prev = 0
}
