// Package chipreg is the closed registry of ROM bootloader chip
// identities: the 32-bit ROM ID a target reports, its bootloader flash
// offset, whether its FLASH_BEGIN command carries the extra trailing
// 32-bit field, and (where known) the register offsets used to derive
// MAC address and crystal frequency.
package chipreg

import "fmt"

// ID is the 32-bit value read back from the chip magic register during
// detection.
type ID uint32

const (
	ESP8266      ID = 0xfff0c101
	ESP32        ID = 0x00f01d83
	ESP32S2      ID = 0x000007c6
	ESP32S3      ID = 0x9
	ESP32S3Beta2 ID = 0xeb004136
	ESP32C3      ID = 0x6921506f
	ESP32C3ECO3  ID = 0x1b31506f
	ESP32C6      ID = 0x0da1806f
)

// InfoRegisters holds the register offsets info() needs to compute a
// chip's MAC address and crystal frequency. A nil *InfoRegisters on a
// Chip means that chip's registers are not modeled (info is unsupported
// for it).
type InfoRegisters struct {
	HasMAC     bool   // false when this chip's ROM exposes no efuse MAC words (ESP8266)
	EfuseBase  uint32 // base address of the efuse block
	MACWord1   uint32 // offset of the low MAC word within the efuse block
	MACWord2   uint32 // offset of the high MAC word within the efuse block
	UARTClkDiv uint32 // UART0 clock-divider register address
	XtalDiv    uint32 // xtal_divisor: divides the clkdiv-derived frequency to get the crystal frequency
}

// Chip describes one entry in the closed registry.
type Chip struct {
	ID ID
	// Name is the human-readable chip family name, as reported by `info`
	// and matched exactly (names are lowercase) by LookupName for the
	// --chip override flag.
	Name string
	// FlashOffset is the address at which the signed bootloader image is
	// written during `flash`.
	FlashOffset uint32
	// ExtendedFlashBegin is true for chips whose FLASH_BEGIN command body
	// carries a fifth 32-bit field (the S2/S3/C3/C6 family).
	ExtendedFlashBegin bool
	// Info is nil when MAC/xtal derivation is not modeled for this chip.
	Info *InfoRegisters
}

var registry = []Chip{
	// ESP8266's ROM info() returns before touching the efuse block at
	// all: there is no MAC read for this family, only the UART clock
	// divider (xtal_divisor 2, not 1).
	{ID: ESP8266, Name: "esp8266", FlashOffset: 0x0, ExtendedFlashBegin: false, Info: &InfoRegisters{
		HasMAC: false, UARTClkDiv: 0x60000014, XtalDiv: 2,
	}},
	{ID: ESP32, Name: "esp32", FlashOffset: 0x1000, ExtendedFlashBegin: false, Info: &InfoRegisters{
		HasMAC: true, EfuseBase: 0x3ff5a000, MACWord1: 0x04, MACWord2: 0x08, UARTClkDiv: 0x3ff40014, XtalDiv: 1,
	}},
	// S2's second MAC word sits a further 0x44 past the first, not 0x04:
	// the actual ROM read addresses are base+0x44 and base+0x88.
	{ID: ESP32S2, Name: "esp32-s2", FlashOffset: 0x1000, ExtendedFlashBegin: true, Info: &InfoRegisters{
		HasMAC: true, EfuseBase: 0x3f41a000, MACWord1: 0x44, MACWord2: 0x88, UARTClkDiv: 0x3f400014, XtalDiv: 1,
	}},
	{ID: ESP32S3, Name: "esp32-s3", FlashOffset: 0x0, ExtendedFlashBegin: true, Info: &InfoRegisters{
		HasMAC: true, EfuseBase: 0x60007000, MACWord1: 0x44, MACWord2: 0x48, UARTClkDiv: 0x60000014, XtalDiv: 1,
	}},
	{ID: ESP32S3Beta2, Name: "esp32-s3-beta2", FlashOffset: 0x0, ExtendedFlashBegin: true, Info: &InfoRegisters{
		HasMAC: true, EfuseBase: 0x60007000, MACWord1: 0x44, MACWord2: 0x48, UARTClkDiv: 0x60000014, XtalDiv: 1,
	}},
	{ID: ESP32C3, Name: "esp32-c3", FlashOffset: 0x0, ExtendedFlashBegin: true, Info: &InfoRegisters{
		HasMAC: true, EfuseBase: 0x60008800, MACWord1: 0x44, MACWord2: 0x48, UARTClkDiv: 0x60000014, XtalDiv: 1,
	}},
	{ID: ESP32C3ECO3, Name: "esp32-c3-eco3", FlashOffset: 0x0, ExtendedFlashBegin: true, Info: &InfoRegisters{
		HasMAC: true, EfuseBase: 0x60008800, MACWord1: 0x44, MACWord2: 0x48, UARTClkDiv: 0x60000014, XtalDiv: 1,
	}},
	{ID: ESP32C6, Name: "esp32-c6", FlashOffset: 0x0, ExtendedFlashBegin: true, Info: nil},
}

// ErrUnknownChip is returned (wrapped) by Lookup/LookupName when the id or
// name does not match any registry entry.
var ErrUnknownChip = fmt.Errorf("chipreg: unknown chip")

// ErrChipMismatch is returned when a caller-supplied --chip override does
// not match the chip actually detected on the wire.
var ErrChipMismatch = fmt.Errorf("chipreg: detected chip does not match requested chip")

// Lookup returns the registry entry for a ROM-reported magic value.
func Lookup(id ID) (Chip, error) {
	for _, c := range registry {
		if c.ID == id {
			return c, nil
		}
	}
	return Chip{}, fmt.Errorf("chipreg: magic %#08x: %w", uint32(id), ErrUnknownChip)
}

// LookupName returns the registry entry whose Name matches (case
// sensitively, names are already lowercase) the given string, for
// resolving a --chip override flag.
func LookupName(name string) (Chip, error) {
	for _, c := range registry {
		if c.Name == name {
			return c, nil
		}
	}
	return Chip{}, fmt.Errorf("chipreg: name %q: %w", name, ErrUnknownChip)
}

// MACAddress reads the two efuse MAC words (already fetched by the
// caller via protocol.ReadRegister at c.Info.EfuseBase+MACWord1/2) and
// assembles the standard 6-byte MAC address esptool-style chips report.
func MACAddress(word1, word2 uint32) [6]byte {
	var mac [6]byte
	mac[0] = byte(word2 >> 8)
	mac[1] = byte(word2)
	mac[2] = byte(word1 >> 24)
	mac[3] = byte(word1 >> 16)
	mac[4] = byte(word1 >> 8)
	mac[5] = byte(word1)
	return mac
}

// XtalFreqMHz converts a raw UART clock-divider register reading into an
// approximate crystal frequency in MHz, given the UART baud rate the
// connection is actually running at: baud*(clkdiv&0xFFFFF)/1e6/xtal_divisor.
func (r *InfoRegisters) XtalFreqMHz(baud int, clkdivReading uint32) uint32 {
	if r.XtalDiv == 0 {
		return 0
	}
	masked := uint64(clkdivReading) & 0xFFFFF
	return uint32(uint64(baud) * masked / 1_000_000 / uint64(r.XtalDiv))
}
