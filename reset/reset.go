// Package reset drives the DTR/RTS reset-into-bootloader sequences and the
// SYNC retry loop that follows each one. Three wiring recipes exist because
// boards differ in how DTR/RTS are wired to the chip's EN and GPIO0/IO0
// reset-strapping pins; which one works is discovered by trying all of
// them in rotation, not by asking the user.
package reset

import (
	"context"
	"time"
)

// Lines is the subset of serial modem-control lines a reset recipe needs.
// Implemented by *serial.Port.
type Lines interface {
	SetDTR(bool) error
	SetRTS(bool) error
}

// Recipe toggles DTR/RTS in some board-specific sequence to drop the chip
// into the ROM bootloader. delay is the recipe's characteristic settle
// time; some recipes are parameterized over it (50ms/100ms variants).
type Recipe func(ctx context.Context, lines Lines, delay time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// USBJTAGSerial targets boards with a native USB-JTAG-serial converter,
// where DTR and RTS are wired straight through without the classic
// RC-delay reset circuit: toggling is fast and needs no settle gap beyond
// the caller-supplied delay between edges.
func USBJTAGSerial(ctx context.Context, lines Lines, delay time.Duration) error {
	steps := []struct {
		dtr, rts bool
	}{
		{false, false},
		{true, false},
		{false, true},
		{true, true},
		{false, false},
	}
	for _, s := range steps {
		if err := lines.SetDTR(s.dtr); err != nil {
			return err
		}
		if err := lines.SetRTS(s.rts); err != nil {
			return err
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

// Classic targets boards using the classic auto-reset circuit (a pair of
// NPN transistors translating DTR/RTS into EN/IO0), where both edges need
// to be held for long enough for the RC network to settle.
func Classic(ctx context.Context, lines Lines, delay time.Duration) error {
	if err := lines.SetDTR(false); err != nil {
		return err
	}
	if err := lines.SetRTS(true); err != nil {
		return err
	}
	if err := sleep(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	if err := lines.SetDTR(true); err != nil {
		return err
	}
	if err := lines.SetRTS(false); err != nil {
		return err
	}
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	if err := lines.SetDTR(false); err != nil {
		return err
	}
	return sleep(ctx, delay)
}

// UnixTight drives (DTR, RTS) through (1,1), wait delay, (1,0), wait
// delay, (0,1), wait delay. Each line is set by its own call (RTS first
// where a step changes both, with no wait between the two calls); the
// lines are not set together in one ioctl.
func UnixTight(ctx context.Context, lines Lines, delay time.Duration) error {
	if err := lines.SetRTS(true); err != nil {
		return err
	}
	if err := lines.SetDTR(true); err != nil {
		return err
	}
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	if err := lines.SetRTS(false); err != nil {
		return err
	}
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	if err := lines.SetRTS(true); err != nil {
		return err
	}
	if err := lines.SetDTR(false); err != nil {
		return err
	}
	return sleep(ctx, delay)
}

// step is one entry in the Unix reset-cycle rotation: a recipe paired
// with the delay it runs at.
type step struct {
	recipe Recipe
	delay  time.Duration
}

// unixCycle is the 5-entry rotation tried, in order, across repeated
// connection attempts. Only the Unix cycle is implemented; the 3-entry
// Windows cycle is out of scope (see the serial package's Linux-only
// build tags).
var unixCycle = []step{
	{USBJTAGSerial, 0},
	{UnixTight, 50 * time.Millisecond},
	{UnixTight, 100 * time.Millisecond},
	{Classic, 50 * time.Millisecond},
	{Classic, 100 * time.Millisecond},
}

// Rotator tracks which entry of the reset-cycle rotation to try next. It
// is per-session state (not a package global) so that two sessions on
// different ports never perturb each other's rotation.
type Rotator struct {
	next int
}

// Next runs the next recipe in the rotation against lines and advances
// the rotor, wrapping back to the start after the last entry.
func (r *Rotator) Next(ctx context.Context, lines Lines) error {
	s := unixCycle[r.next%len(unixCycle)]
	r.next++
	return s.recipe(ctx, lines, s.delay)
}

// Len reports the number of distinct recipes in the rotation.
func (r *Rotator) Len() int { return len(unixCycle) }

// Syncer is the minimal surface the SYNC retry loop needs from the
// command-protocol layer.
type Syncer interface {
	// TrySync sends one SYNC command and reports whether the device
	// answered affirmatively before the given attempt's own short
	// per-attempt timeout.
	TrySync(ctx context.Context) (bool, error)
}

// Connect drives the full connection handshake: six rounds, each
// resetting into the bootloader via the next rotation entry and then
// attempting SYNC (2+round) times before moving to the next round. It
// returns nil as soon as any SYNC attempt succeeds.
func Connect(ctx context.Context, lines Lines, syncer Syncer, rotor *Rotator) error {
	const rounds = 6
	for round := 0; round < rounds; round++ {
		if err := rotor.Next(ctx, lines); err != nil {
			return err
		}
		attempts := 2 + round
		for attempt := 0; attempt < attempts; attempt++ {
			ok, err := syncer.TrySync(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return ErrNoSync
}

// ErrNoSync is returned by Connect when every round/attempt combination
// is exhausted with no SYNC response.
var ErrNoSync = errNoSync{}

type errNoSync struct{}

func (errNoSync) Error() string { return "reset: no SYNC response after full reset rotation" }
