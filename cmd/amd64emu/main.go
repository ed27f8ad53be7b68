// Command amd64emu loads and runs a single AMD64 Linux ELF64 executable
// under the emulator, exiting with the guest's own exit code on success or
// reporting the faulting address and error kind on failure.
//
// Completion: 100% - CLI entry point complete
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/xyproto/amd64emu/internal/emu"
	"github.com/xyproto/amd64emu/internal/emuconfig"
	"github.com/xyproto/amd64emu/internal/emuerr"
	"github.com/xyproto/env/v2"
	"golang.org/x/sys/unix"
)

const versionString = "amd64emu 0.1.0"

func main() {
	var (
		preset      = flag.String("preset", "safe", "execution preset: safe or fast")
		verbose     = flag.Bool("v", false, "verbose instruction trace")
		verboseLong = flag.Bool("verbose", false, "verbose instruction trace")
		version     = flag.Bool("version", false, "print version information and exit")
		baseAddr    = flag.Uint64("base-addr", 0, "override the image base address (0 keeps the preset default)")
	)
	flag.Parse()

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: amd64emu [flags] <elf-binary> [guest-args...]")
		os.Exit(2)
	}
	path := args[0]
	guestArgv := append([]string{}, args...)
	if argv0 := env.Str("AMD64EMU_ARGV0", ""); argv0 != "" {
		guestArgv[0] = argv0
	}

	var cfg emuconfig.Config
	switch *preset {
	case "safe":
		cfg = emuconfig.Safe()
	case "fast":
		cfg = emuconfig.Fast()
	default:
		fmt.Fprintf(os.Stderr, "amd64emu: unknown preset %q (want safe or fast)\n", *preset)
		os.Exit(2)
	}
	cfg.Verbose = *verbose || *verboseLong
	if *baseAddr != 0 {
		cfg.BaseAddress = *baseAddr
	}
	cfg = emuconfig.ApplyEnvOverlay(cfg)

	ctx := emu.New(cfg)
	if err := ctx.Load(path, guestArgv, unix.Environ(), cfg); err != nil {
		reportAndExit(path, err)
	}

	if err := ctx.Run(context.Background()); err != nil {
		reportAndExit(path, err)
	}

	if err := ctx.Close(); err != nil {
		reportAndExit(path, err)
	}

	os.Exit(int(ctx.ExitCode()))
}

// reportAndExit prints the error's kind and, for memory-access failures,
// the faulting address in hex, then exits 1. A guest that never reaches a
// syscall exit still needs a host-visible failure mode, per the distilled
// spec's "surface halts caused by errors distinctly from normal exit".
func reportAndExit(path string, err error) {
	switch e := err.(type) {
	case *emuerr.PermissionDenied:
		fmt.Fprintf(os.Stderr, "amd64emu: %s: %s at address 0x%x\n", path, e.Error(), e.Address)
	case *emuerr.UninitializedRead:
		fmt.Fprintf(os.Stderr, "amd64emu: %s: %s at address 0x%x\n", path, e.Error(), e.Address)
	default:
		fmt.Fprintf(os.Stderr, "amd64emu: %s: %v\n", path, err)
	}
	os.Exit(1)
}
