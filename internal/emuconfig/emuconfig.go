// Package emuconfig is the distilled spec's component F configuration
// record, reorganized out of the execution context into its own package:
// a typed Config plus the three presets (Default/Safe/Fast) and a host
// environment-variable overlay.
//
// Completion: 100% - Config and presets complete
package emuconfig

import (
	"github.com/xyproto/amd64emu/internal/cpu"
	"github.com/xyproto/amd64emu/internal/memory"
)

// Fill names the memory_initializer policy kind; Random and Fixed carry
// their own parameters (FixedByte), so this stays a closed enum rather
// than a FillPolicy func directly, letting the overlay read/print it.
type Fill int

const (
	FillZero Fill = iota
	FillFixed
	FillRandom
	FillForbidden
)

// Config is the distilled spec's §4.F configuration record.
type Config struct {
	Fill       Fill
	FixedByte  byte
	BreakOnWrongPermissions bool
	BreakOnUninitializedRead bool
	CheckInstructions bool

	BaseAddress      uint64
	BaseStackAddress uint64
	StackSize        uint64

	CPUIDProfile cpu.CPUIDProfile

	Verbose bool
}

// Default is random-fill, both break flags on, instruction checks on.
func Default() Config {
	return Config{
		Fill:                     FillRandom,
		BreakOnWrongPermissions:  true,
		BreakOnUninitializedRead: true,
		CheckInstructions:        true,
		BaseAddress:              0x400000,
		BaseStackAddress:         0x7ffffffff000,
		StackSize:                8 << 20,
		CPUIDProfile:             cpu.DefaultCPUIDProfile(),
	}
}

// Safe is identical to Default, per the distilled spec's preset table.
func Safe() Config { return Default() }

// Fast disables both break flags and instruction checking, trading
// diagnosability for raw execution speed.
func Fast() Config {
	c := Default()
	c.BreakOnWrongPermissions = false
	c.BreakOnUninitializedRead = false
	c.CheckInstructions = false
	return c
}

// MemoryConfig translates the Fill policy into the concrete memory.Config
// the memory package consumes.
func (c Config) MemoryConfig(randSource func() byte) memory.Config {
	var fill memory.FillPolicy
	switch c.Fill {
	case FillZero:
		fill = memory.ZeroFill
	case FillFixed:
		fill = memory.FixedFill(c.FixedByte)
	case FillRandom:
		fill = func(uint64) byte { return randSource() }
	case FillForbidden:
		fill = nil
	}
	return memory.Config{
		Fill:                 fill,
		BreakOnPermission:    c.BreakOnWrongPermissions,
		BreakOnUninitialized: c.BreakOnUninitializedRead,
	}
}

// CPUConfig translates Config into the cpu.Config the interpreter consumes.
func (c Config) CPUConfig() cpu.Config {
	return cpu.Config{
		CheckInstructions: c.CheckInstructions,
		CPUID:             c.CPUIDProfile,
		Verbose:           c.Verbose,
	}
}
