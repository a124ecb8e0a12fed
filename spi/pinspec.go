package spi

import (
	"fmt"
	"strconv"
	"strings"
)

// PinSpec is the five GPIO numbers identifying which pins a target's SPI
// flash chip is wired to, as accepted by the --spi-pins flag in the
// order CLK,Q,D,HD,CS and encoded into the 32-bit word the SPI_ATTACH
// command body carries.
//
// The wire word does not pack the fields in CSV order: CS occupies bits
// 18-23 and HD occupies bits 24-31, the reverse of their CSV positions.
// See Encode.
type PinSpec struct {
	CLK, Q, D, HD, CS uint8
}

// ParsePinSpec parses a "clk,q,d,hd,cs" CSV string, the form --spi-pins
// takes on the command line.
func ParsePinSpec(csv string) (PinSpec, error) {
	parts := strings.Split(csv, ",")
	if len(parts) != 5 {
		return PinSpec{}, fmt.Errorf("spi: pin spec %q: want 5 comma-separated pin numbers, got %d", csv, len(parts))
	}
	vals := make([]uint8, 5)
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return PinSpec{}, fmt.Errorf("spi: pin spec %q: field %d: %w", csv, i, err)
		}
		vals[i] = uint8(n)
	}
	return PinSpec{CLK: vals[0], Q: vals[1], D: vals[2], HD: vals[3], CS: vals[4]}, nil
}

// Encode packs the pin assignment into the 32-bit word SPI_ATTACH sends:
// clk | q<<6 | d<<12 | cs<<18 | hd<<24. CS and HD trade places relative
// to their CSV order; see the PinSpec doc comment.
func (p PinSpec) Encode() uint32 {
	return uint32(p.CLK) | uint32(p.Q)<<6 | uint32(p.D)<<12 | uint32(p.CS)<<18 | uint32(p.HD)<<24
}
