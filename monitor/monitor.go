// Package monitor implements the console relay: a single event loop
// bridging serial console output, local stdin keystrokes, and an
// optional UDP peer, with the SLIP framing layer interposed so that
// command traffic sharing the same wire never leaks into the console
// view.
package monitor

import (
	"context"
	"io"
	"net"

	"github.com/daedaluz/flashutil/frame"
	"golang.org/x/term"
)

// Serial is the minimal transport surface the relay needs from the
// serial port: Read and Write, plus the underlying file descriptor. Relay
// reads from a goroutine blocked in Read, so it never busy-spins.
type Serial interface {
	io.Reader
	io.Writer
	Fd() int
}

// Options configures Relay.
type Options struct {
	// Stdin/Stdout are the local console streams. A nil Stdin is not
	// read; a nil Stdout discards console output.
	Stdin  io.Reader
	Stdout io.Writer
	// UDPConn, if non-nil, is an additional input: each datagram read
	// from it is SLIP-framed and written to Serial. Relay writes nothing
	// back to it; completed packet-mode frames go to onFrame.
	UDPConn *net.UDPConn
	// Raw puts Stdin/Stdout of a real terminal into raw mode for the
	// duration of the relay and restores it on return. Ignored if
	// Stdin/Stdout were overridden to something other than a real tty.
	Raw bool
}

// Relay bridges serial, stdin and the optional UDP peer until ctx is
// cancelled or the serial connection reports EOF. Bytes arriving from
// the device are fed through a frame.Codec: bytes observed in
// Passthrough mode are written straight to Stdout, while a completed
// Packet-mode frame is handed to onFrame instead of the console (it is
// command/response traffic sharing the wire, not console output).
func Relay(ctx context.Context, port Serial, opts Options, onFrame func([]byte)) error {
	stdoutFd, isTerminal := stdoutFile(opts.Stdout)
	if opts.Raw && isTerminal {
		oldState, err := term.MakeRaw(stdoutFd)
		if err != nil {
			return err
		}
		defer term.Restore(stdoutFd, oldState)
	}

	codec := frame.New(8192)
	errc := make(chan error, 1)
	serialBytes := make(chan byte, 4096)

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := port.Read(buf)
			for i := 0; i < n; i++ {
				select {
				case serialBytes <- buf[i]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case errc <- err:
				default:
				}
				return
			}
		}
	}()

	stdinBytes := make(chan byte, 256)
	if opts.Stdin != nil {
		go func() {
			buf := make([]byte, 256)
			for {
				n, err := opts.Stdin.Read(buf)
				for i := 0; i < n; i++ {
					select {
					case stdinBytes <- buf[i]:
					case <-ctx.Done():
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()
	}

	udpDatagrams := make(chan []byte, 16)
	if opts.UDPConn != nil {
		go func() {
			buf := make([]byte, 1500)
			for {
				n, _, err := opts.UDPConn.ReadFromUDP(buf)
				if n > 0 {
					select {
					case udpDatagrams <- append([]byte(nil), buf[:n]...):
					case <-ctx.Done():
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case b := <-serialBytes:
			pkt, ready := codec.Feed(b)
			if ready {
				if onFrame != nil {
					onFrame(pkt)
				}
				continue
			}
			if codec.Mode() == frame.Passthrough && opts.Stdout != nil {
				_, _ = opts.Stdout.Write([]byte{b})
			}
		case b := <-stdinBytes:
			_, _ = port.Write([]byte{b})
		case d := <-udpDatagrams:
			frame.Encode(d, func(b byte) { _, _ = port.Write([]byte{b}) })
		}
	}
}

func stdoutFile(w io.Writer) (int, bool) {
	type fder interface{ Fd() uintptr }
	f, ok := w.(fder)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}
