package emuconfig

import "github.com/xyproto/env/v2"

// ApplyEnvOverlay layers host-environment overrides onto a preset Config,
// the way a project that already depends on xyproto/env (as this module's
// teacher did, unused) would: named AMD64EMU_* variables win over whatever
// the preset set, using env's typed accessors instead of hand-rolled
// os.Getenv/strconv parsing.
func ApplyEnvOverlay(c Config) Config {
	c.Verbose = env.Bool("AMD64EMU_VERBOSE", c.Verbose)
	c.BaseAddress = env.Uint64("AMD64EMU_BASE_ADDR", c.BaseAddress)
	c.StackSize = env.Uint64("AMD64EMU_STACK_SIZE", c.StackSize)
	c.CPUIDProfile.MaxStandardLeaf = uint32(env.Uint64("AMD64EMU_CPUID_MAXLEAF", uint64(c.CPUIDProfile.MaxStandardLeaf)))

	switch env.Str("AMD64EMU_FILL", "") {
	case "zero":
		c.Fill = FillZero
	case "random":
		c.Fill = FillRandom
	case "forbidden":
		c.Fill = FillForbidden
	case "fixed":
		c.Fill = FillFixed
		c.FixedByte = byte(env.Uint64("AMD64EMU_FILL_BYTE", uint64(c.FixedByte)))
	}

	return c
}
