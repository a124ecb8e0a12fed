package chipreg

import (
	"errors"
	"testing"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

func TestLookupKnown(t *testing.T) {
	c, err := Lookup(ESP32)
	assert(t, err == nil, "esp32 should be in the registry")
	assert(t, c.Name == "esp32", "name mismatch")
	assert(t, !c.ExtendedFlashBegin, "esp32 does not use the extended FLASH_BEGIN body")
}

func TestLookupExtendedFamily(t *testing.T) {
	c, err := Lookup(ESP32C3)
	assert(t, err == nil, "esp32-c3 should be in the registry")
	assert(t, c.ExtendedFlashBegin, "esp32-c3 is part of the extended FLASH_BEGIN family")
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup(ID(0xdeadbeef))
	assert(t, errors.Is(err, ErrUnknownChip), "unknown magic should report ErrUnknownChip")
}

func TestLookupName(t *testing.T) {
	c, err := LookupName("esp8266")
	assert(t, err == nil, "esp8266 should resolve by name")
	assert(t, c.ID == ESP8266, "id mismatch")

	_, err = LookupName("no-such-chip")
	assert(t, errors.Is(err, ErrUnknownChip), "unknown name should report ErrUnknownChip")
}

func TestMACAddress(t *testing.T) {
	mac := MACAddress(0x11223344, 0xaabbccdd)
	want := [6]byte{0xcc, 0xdd, 0x11, 0x22, 0x33, 0x44}
	assert(t, mac == want, "mac assembly mismatch")
}

func TestXtalFreqMHz(t *testing.T) {
	c, _ := Lookup(ESP32)
	got := c.Info.XtalFreqMHz(1_000_000, 40)
	assert(t, got == 40, "xtal freq mismatch")
}
