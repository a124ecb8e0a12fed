// Package session ties the frame, serial, protocol, reset, chipreg and
// flash packages together into the single stateful object a CLI command
// drives: one serial port, one rotating reset counter, one detected
// chip, and the bounded wait on the serial fd that the command loop is
// built on.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/daedaluz/flashutil/chipreg"
	"github.com/daedaluz/flashutil/frame"
	"github.com/daedaluz/flashutil/protocol"
	"github.com/daedaluz/flashutil/reset"
	"golang.org/x/sys/unix"
)

// Port is the subset of *serial.Port a Session drives directly.
type Port interface {
	Write([]byte) (int, error)
	Read([]byte) (int, error)
	Fd() int
	SetDTR(bool) error
	SetRTS(bool) error
}

// Session owns one serial connection's worth of state: the frame codec,
// the reset rotation position, and (once detected) the target chip.
// Unlike the package-level globals a simpler implementation might reach
// for, this state lives on the Session so that two ports opened by the
// same process never share a reset rotor or a stale chip identity.
type Session struct {
	Port  Port
	Codec *frame.Codec
	Proto *protocol.Session
	Rotor reset.Rotator

	Chip    chipreg.Chip
	Known   bool
	Verbose bool
}

// New constructs a Session over an already-opened port.
func New(port Port) *Session {
	codec := frame.New(8192)
	return &Session{
		Port:  port,
		Codec: codec,
		Proto: &protocol.Session{
			Transport: portTransport{port},
			Decoder:   codec,
			Layout:    protocol.StatusTail4,
		},
	}
}

// portTransport adapts Port to protocol.Transport.
type portTransport struct {
	port Port
}

func (t portTransport) WriteByte(b byte) error {
	_, err := t.port.Write([]byte{b})
	return err
}

// fdSet sets fd's bit in set; wordSize is the bit width of one element
// of unix.FdSet's Bits array (int64 on 64-bit Linux).
const wordSize = 64

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/wordSize] |= 1 << (uint(fd) % wordSize)
}

func (t portTransport) Wait(timeout time.Duration) (bool, error) {
	fd := t.port.Fd()
	fds := &unix.FdSet{}
	fdSet(fds, fd)
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(fd+1, fds, nil, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}

func (t portTransport) Read(buf []byte) (int, error) {
	return t.port.Read(buf)
}

// TrySync sends one SYNC command with a short per-attempt timeout and
// reports whether the device answered. It satisfies reset.Syncer.
func (s *Session) TrySync(ctx context.Context) (bool, error) {
	timeout := 100 * time.Millisecond
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	ecode, err := s.Proto.Send(ctx, protocol.Sync, protocol.SyncBody(), 0, timeout)
	if err != nil {
		return false, nil // timeout/no-frame is expected noise during sync, not a hard error
	}
	return ecode == protocol.Success, nil
}

// Connect resets the target into the ROM bootloader and blocks until a
// SYNC response is observed, then detects the chip identity by reading
// its magic register.
func (s *Session) Connect(ctx context.Context) error {
	if err := reset.Connect(ctx, s.Port, s, &s.Rotor); err != nil {
		return err
	}
	return s.Detect(ctx)
}

// chipMagicRegister is the address the ROM loader's chip-id magic value
// can always be read from, regardless of which chip is actually
// attached -- it is how detection bootstraps itself.
const chipMagicRegister = 0x40001000

// Detect reads the chip magic register and resolves it against the
// closed chip registry, setting s.Chip/s.Known and the response
// status-tail layout that register reads after it will use.
func (s *Session) Detect(ctx context.Context) error {
	magic, err := s.Proto.ReadRegister(ctx, chipMagicRegister)
	if err != nil {
		return fmt.Errorf("session: detect: %w", err)
	}
	chip, err := chipreg.Lookup(chipreg.ID(magic))
	if err != nil {
		return err
	}
	s.Chip = chip
	s.Known = true
	if chip.ID == chipreg.ESP8266 {
		s.Proto.Layout = protocol.StatusTail2
	} else {
		s.Proto.Layout = protocol.StatusTail4
	}
	return nil
}

// RequireChip matches a --chip override name against the detected chip,
// returning chipreg.ErrChipMismatch if they disagree.
func (s *Session) RequireChip(name string) error {
	if name == "" {
		return nil
	}
	want, err := chipreg.LookupName(name)
	if err != nil {
		return err
	}
	if !s.Known {
		return fmt.Errorf("session: no chip detected yet")
	}
	if want.ID != s.Chip.ID {
		return fmt.Errorf("session: requested %s but detected %s: %w", want.Name, s.Chip.Name, chipreg.ErrChipMismatch)
	}
	return nil
}
