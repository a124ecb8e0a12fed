// Command flashutil is the CLI front end over the session/flash/firmware/
// hexfile/monitor packages: connect to a target over serial, flash an
// ELF or raw image, read memory or flash back out, relay the console, or
// convert between ELF/bin/hex on disk with no device attached at all.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/daedaluz/flashutil/chipreg"
	"github.com/daedaluz/flashutil/firmware"
	"github.com/daedaluz/flashutil/flash"
	"github.com/daedaluz/flashutil/hexfile"
	"github.com/daedaluz/flashutil/monitor"
	"github.com/daedaluz/flashutil/protocol"
	"github.com/daedaluz/flashutil/serial"
	"github.com/daedaluz/flashutil/session"
	"github.com/daedaluz/flashutil/spi"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

type globalFlags struct {
	port    string
	baud    int
	chip    string
	verbose bool
	tmpDir  string
}

func parseGlobalFlags(fs *flag.FlagSet, g *globalFlags) {
	fs.StringVar(&g.port, "port", envOr("PORT", "/dev/ttyUSB0"), "serial port device")
	fs.IntVar(&g.baud, "baud", envIntOr("BAUD", 115200), "serial baud rate")
	fs.StringVar(&g.chip, "chip", os.Getenv("CHIP"), "expect this chip family, fail on mismatch")
	fs.BoolVar(&g.verbose, "v", os.Getenv("V") != "", "set the session's Verbose flag (nothing reads it; no extra output)")
	fs.StringVar(&g.tmpDir, "tmpdir", envOr("TMP_DIR", os.TempDir()), "scratch directory (parsed; no command writes to it)")
}

func openSession(g *globalFlags) (*session.Session, *serial.Port, error) {
	port, err := serial.Open(g.port, serial.NewOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", g.port, err)
	}
	if err := port.SetBaud(g.baud); err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("set baud: %w", err)
	}
	s := session.New(port)
	s.Verbose = g.verbose
	return s, port, nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "info":
		err = cmdInfo(os.Args[2:])
	case "monitor":
		err = cmdMonitor(os.Args[2:])
	case "readmem":
		err = cmdReadMem(os.Args[2:])
	case "readflash":
		err = cmdReadFlash(os.Args[2:])
	case "flash":
		err = cmdFlash(os.Args[2:])
	case "mkbin":
		err = cmdMkbin(os.Args[2:])
	case "mkhex":
		err = cmdMkhex(os.Args[2:])
	case "unhex":
		err = cmdUnhex(os.Args[2:])
	case "spibench":
		err = cmdSPIBench(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "flashutil:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: flashutil <info|monitor|readmem|readflash|flash|mkbin|mkhex|unhex|spibench> [flags]")
}

// cmdSPIBench exercises a host SPI controller directly (e.g. a Pi's
// /dev/spidevN.N wired to a bare flash chip on a bench), independent of
// any ROM bootloader session -- useful for validating a flash part
// before it's soldered onto a target board.
func cmdSPIBench(args []string) error {
	fs := flag.NewFlagSet("spibench", flag.ExitOnError)
	dev := fs.String("dev", "/dev/spidev0.0", "host SPI device node")
	speed := fs.Uint("speed", 1_000_000, "clock speed in Hz")
	_ = fs.Parse(args)

	d, err := spi.Open(*dev, &spi.Config{Speed: uint32(*speed), Bits: 8})
	if err != nil {
		return fmt.Errorf("spibench: open %s: %w", *dev, err)
	}
	defer d.Close()

	// 0x9F is the standard JEDEC read-ID opcode most SPI NOR flash parts
	// answer regardless of vendor.
	cmd := []byte{0x9F, 0, 0, 0}
	resp, err := d.Tx(cmd)
	if err != nil {
		return fmt.Errorf("spibench: transfer: %w", err)
	}
	fmt.Printf("jedec id: %02x %02x %02x\n", resp[1], resp[2], resp[3])
	return nil
}

func ctxWithSignal() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	go func() {
		<-sigc
		cancel()
	}()
	return ctx, cancel
}

// connectAndDetect opens the port, resets into the bootloader and detects
// the chip, all under a single SIGINT-cancellable context that callers
// reuse for the rest of their command so a Ctrl-C during a long flash or
// read aborts the in-flight request instead of only the connect step.
func connectAndDetect(g *globalFlags) (*session.Session, *serial.Port, context.Context, func(), error) {
	s, port, err := openSession(g)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ctx, cancel := ctxWithSignal()
	if err := s.Connect(ctx); err != nil {
		cancel()
		port.Close()
		return nil, nil, nil, nil, err
	}
	if err := s.RequireChip(g.chip); err != nil {
		cancel()
		port.Close()
		return nil, nil, nil, nil, err
	}
	return s, port, ctx, cancel, nil
}

func cmdInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	g := &globalFlags{}
	parseGlobalFlags(fs, g)
	_ = fs.Parse(args)

	s, port, ctx, cancel, err := connectAndDetect(g)
	if err != nil {
		return err
	}
	defer cancel()
	defer port.Close()

	fmt.Printf("chip: %s\n", s.Chip.Name)
	fmt.Printf("flash offset: %#x\n", s.Chip.FlashOffset)
	if s.Chip.Info == nil {
		fmt.Println("mac/xtal: not modeled for this chip")
		return nil
	}
	if !s.Chip.Info.HasMAC {
		fmt.Println("mac: not exposed by this chip's ROM")
	} else {
		w1, err := s.Proto.ReadRegister(ctx, s.Chip.Info.EfuseBase+s.Chip.Info.MACWord1)
		if err != nil {
			return err
		}
		w2, err := s.Proto.ReadRegister(ctx, s.Chip.Info.EfuseBase+s.Chip.Info.MACWord2)
		if err != nil {
			return err
		}
		mac := chipreg.MACAddress(w1, w2)
		fmt.Printf("mac: %02x:%02x:%02x:%02x:%02x:%02x\n", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
	}

	clk, err := s.Proto.ReadRegister(ctx, s.Chip.Info.UARTClkDiv)
	if err != nil {
		return err
	}
	fmt.Printf("xtal: %d MHz\n", s.Chip.Info.XtalFreqMHz(g.baud, clk))
	return nil
}

func cmdMonitor(args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	g := &globalFlags{}
	parseGlobalFlags(fs, g)
	udpPort := fs.Int("udp-port", envIntOr("UDP_PORT", 0), "UDP port (accepted but not used; the monitor relays no UDP peer)")
	_ = fs.Parse(args)
	_ = udpPort

	port, err := serial.Open(g.port, serial.NewOptions())
	if err != nil {
		return err
	}
	defer port.Close()
	if err := port.SetBaud(g.baud); err != nil {
		return err
	}

	ctx, cancel := ctxWithSignal()
	defer cancel()
	return monitor.Relay(ctx, port, monitor.Options{Stdin: os.Stdin, Stdout: os.Stdout, Raw: true}, nil)
}

func cmdReadMem(args []string) error {
	fs := flag.NewFlagSet("readmem", flag.ExitOnError)
	g := &globalFlags{}
	parseGlobalFlags(fs, g)
	addrStr := fs.String("addr", "0x0", "register address to read")
	_ = fs.Parse(args)

	addr, err := strconv.ParseUint(*addrStr, 0, 32)
	if err != nil {
		return fmt.Errorf("bad address %q: %w", *addrStr, err)
	}
	s, port, ctx, cancel, err := connectAndDetect(g)
	if err != nil {
		return err
	}
	defer cancel()
	defer port.Close()
	val, err := s.Proto.ReadRegister(ctx, uint32(addr))
	if err != nil {
		return err
	}
	fmt.Printf("%#08x: %#08x\n", addr, val)
	return nil
}

func cmdReadFlash(args []string) error {
	fs := flag.NewFlagSet("readflash", flag.ExitOnError)
	g := &globalFlags{}
	parseGlobalFlags(fs, g)
	addrStr := fs.String("addr", "0x0", "flash address to read from")
	size := fs.Int("size", 0, "number of bytes to read")
	out := fs.String("out", "", "output file (hex unless -bin is set)")
	binOut := fs.Bool("bin", false, "write raw binary instead of Intel HEX")
	_ = fs.Parse(args)

	if *out == "" || *size <= 0 {
		return fmt.Errorf("readflash: -out and -size are required")
	}
	addr, err := strconv.ParseUint(*addrStr, 0, 32)
	if err != nil {
		return fmt.Errorf("bad address %q: %w", *addrStr, err)
	}

	s, port, ctx, cancel, err := connectAndDetect(g)
	if err != nil {
		return err
	}
	defer cancel()
	defer port.Close()

	// READ_FLASH_SLOW is read in fixed 64-byte chunks: the ROM loader
	// streams one response frame per chunk rather than the whole
	// requested range in a single reply.
	const readChunk = 64
	data := make([]byte, 0, *size)
	cur := uint32(addr)
	remaining := *size
	for remaining > 0 {
		n := readChunk
		if remaining < n {
			n = remaining
		}
		body := make([]byte, 16)
		binary.LittleEndian.PutUint32(body[0:4], cur)
		binary.LittleEndian.PutUint32(body[4:8], uint32(n))
		binary.LittleEndian.PutUint32(body[8:12], readChunk)
		binary.LittleEndian.PutUint32(body[12:16], 1)
		ecode, err := s.Proto.Send(ctx, protocol.ReadFlashSlow, body, 0, 10*time.Second)
		if err != nil {
			return err
		}
		if ecode != protocol.Success {
			return fmt.Errorf("readflash: device reported %s", ecode)
		}
		frame := s.Proto.LastFrame
		if len(frame) < 8+n {
			return fmt.Errorf("readflash: short response for %d bytes at %#x", n, cur)
		}
		data = append(data, frame[8:8+n]...)
		cur += uint32(n)
		remaining -= n
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()
	if *binOut {
		_, err = f.Write(data)
		return err
	}
	return hexfile.Encode(f, []hexfile.Segment{{Addr: uint32(addr), Data: data}})
}

func cmdFlash(args []string) error {
	fs := flag.NewFlagSet("flash", flag.ExitOnError)
	g := &globalFlags{}
	parseGlobalFlags(fs, g)
	offsetStr := fs.String("offset", "", "flash offset for a raw image (default: the chip's bootloader offset; an ELF input is always written there)")
	spiPins := fs.String("spi-pins", envOr("FLASH_SPI", ""), "clk,q,d,hd,cs pin assignment")
	flashParams := fs.Int("flash-params", envIntOr("FLASH_PARAMS", 0), "16-bit flash mode/frequency word patched into a bootloader image's header")
	reboot := fs.Bool("reboot", true, "reboot into the application after flashing")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("flash: expected exactly one input file")
	}
	path := fs.Arg(0)
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	s, port, ctx, cancel, err := connectAndDetect(g)
	if err != nil {
		return err
	}
	defer cancel()
	defer port.Close()

	var pins spi.PinSpec
	if *spiPins != "" {
		pins, err = spi.ParsePinSpec(*spiPins)
		if err != nil {
			return err
		}
	}
	if s.Chip.ID != chipreg.ESP8266 {
		if err := flash.Attach(ctx, s.Proto, pins); err != nil {
			return err
		}
	}

	image := raw
	offset := s.Chip.FlashOffset
	if len(raw) > 4 && string(raw[:4]) == "\x7fELF" {
		parsed, err := firmware.ParseELF32(raw)
		if err != nil {
			return err
		}
		image = firmware.Build(parsed, s.Chip)
	} else if *offsetStr != "" {
		v, err := strconv.ParseUint(*offsetStr, 0, 32)
		if err != nil {
			return err
		}
		offset = uint32(v)
	}

	if s.Chip.ID != chipreg.ESP8266 {
		if err := flash.SetParams(ctx, s.Proto); err != nil {
			return err
		}
	}
	bar := flash.NewBar(len(image), path)
	if err := flash.WriteImage(ctx, s.Proto, s.Chip, image, offset, uint16(*flashParams), bar); err != nil {
		return err
	}
	return flash.End(ctx, s.Proto, *reboot)
}

func cmdMkbin(args []string) error {
	fs := flag.NewFlagSet("mkbin", flag.ExitOnError)
	chipName := fs.String("chip", "esp32", "target chip family")
	out := fs.String("out", "", "output .bin path")
	_ = fs.Parse(args)
	if fs.NArg() != 1 || *out == "" {
		return fmt.Errorf("mkbin: usage: mkbin -chip NAME -out FILE input.elf")
	}
	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	chip, err := chipreg.LookupName(*chipName)
	if err != nil {
		return err
	}
	img, err := firmware.ParseELF32(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(*out, firmware.Build(img, chip), 0o644)
}

func cmdMkhex(args []string) error {
	fs := flag.NewFlagSet("mkhex", flag.ExitOnError)
	addrStr := fs.String("addr", "0x0", "base address of the binary input")
	out := fs.String("out", "", "output .hex path")
	_ = fs.Parse(args)
	if fs.NArg() != 1 || *out == "" {
		return fmt.Errorf("mkhex: usage: mkhex -addr 0xNNNN -out FILE input.bin")
	}
	addr, err := strconv.ParseUint(*addrStr, 0, 32)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()
	return hexfile.Encode(f, []hexfile.Segment{{Addr: uint32(addr), Data: raw}})
}

func cmdUnhex(args []string) error {
	fs := flag.NewFlagSet("unhex", flag.ExitOnError)
	out := fs.String("out", "", "output .bin path")
	_ = fs.Parse(args)
	if fs.NArg() != 1 || *out == "" {
		return fmt.Errorf("unhex: usage: unhex -out FILE input.hex")
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	segs, err := hexfile.Decode(f)
	if err != nil {
		return err
	}
	dst, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer dst.Close()
	for _, seg := range segs {
		if _, err := dst.Write(seg.Data); err != nil {
			return err
		}
	}
	return nil
}
