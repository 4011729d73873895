package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/krns06/tiny-rv32ima-sim/internal/loader"
	"github.com/krns06/tiny-rv32ima-sim/internal/riscv32"
	"github.com/krns06/tiny-rv32ima-sim/internal/sim"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rv32sim: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("config", "", "YAML config file")
	image := flag.String("image", "", "Flat binary or ELF32 image to load")
	imageAddr := flag.Uint("addr", 0, "Physical load address for a flat image (ignored for ELF)")
	dtb := flag.String("dtb", "", "Flat device-tree blob to load at x11's fixed pointer (0x80100000)")
	ramMB := flag.Int("ram", 0, "RAM size in MiB (overrides config)")
	mac := flag.String("mac", "", "virtio-net MAC address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] -image <file>\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *image != "" {
		cfg.Image = *image
	}
	if *imageAddr != 0 {
		cfg.ImageAddr = uint32(*imageAddr)
	}
	if *dtb != "" {
		cfg.DTB = *dtb
	}
	if *ramMB != 0 {
		cfg.RAMSizeMB = *ramMB
	}
	if *mac != "" {
		cfg.MAC = *mac
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	if cfg.Image == "" {
		flag.Usage()
		return fmt.Errorf("-image is required")
	}

	macBytes, err := parseMAC(cfg.MAC)
	if err != nil {
		return err
	}

	uart := newTermUART()
	machine := sim.NewMachine(sim.Config{
		RAMSize:    cfg.RAMSizeMB * 1024 * 1024,
		UARTHost:   uart,
		NetMAC:     macBytes,
		NetBackend: nullNetBackend{},
		GPUHost:    logDisplay{},
	})
	machine.Reset()

	if err := loadImage(machine, cfg); err != nil {
		return err
	}

	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			var fatal *sim.FatalAbortError
			if errors.As(asError(r), &fatal) {
				fmt.Fprintln(os.Stderr, fatal.Dump)
				os.Exit(1)
			}
			panic(r)
		}
	}()

	if runErr := machine.Run(ctx); runErr != nil && !errors.Is(runErr, sim.ErrHalt) && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// asError normalises a recovered panic value to an error so errors.As
// can inspect it; sim.Machine.fatal always panics with an error value,
// but recover returns any.
func asError(r any) error {
	if e, ok := r.(error); ok {
		return e
	}
	return fmt.Errorf("%v", r)
}

// loadImage loads cfg.Image (ELF or flat binary) and, if present,
// cfg.DTB, into the machine's RAM, reporting progress on stderr via
// progressbar the way the teacher reports OCI layer downloads.
func loadImage(m *sim.Machine, cfg Config) error {
	f, err := os.Open(cfg.Image)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}

	bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("loading %s", cfg.Image))
	defer bar.Close()

	if entry, ok, err := tryLoadELF(m, f, bar); err != nil {
		return err
	} else if ok {
		m.SetPC(entry)
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek image: %w", err)
		}
		if err := loader.LoadFlat(m.Memory(), io.TeeReader(f, bar), cfg.ImageAddr); err != nil {
			return fmt.Errorf("load flat image: %w", err)
		}
		m.SetPC(cfg.ImageAddr)
	}

	if cfg.DTB != "" {
		dtbFile, err := os.Open(cfg.DTB)
		if err != nil {
			return fmt.Errorf("open dtb: %w", err)
		}
		defer dtbFile.Close()
		if err := loader.LoadFlat(m.Memory(), dtbFile, riscv32.DTBPointer); err != nil {
			return fmt.Errorf("load dtb: %w", err)
		}
	}

	return nil
}

// tryLoadELF attempts an ELF32 load. A file that isn't an ELF image at
// all is reported via ok=false so the caller falls back to a flat load;
// any other error (a malformed ELF, or a genuine write failure) is
// returned, not masked as a fallback trigger.
func tryLoadELF(m *sim.Machine, f *os.File, bar *progressbar.ProgressBar) (entry uint32, ok bool, err error) {
	entry, err = loader.LoadELF(m.Memory(), f)
	if errors.Is(err, loader.ErrNotELF) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	bar.Finish()
	return entry, true, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
