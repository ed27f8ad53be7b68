// Package cpu implements the fetch-decode-dispatch instruction interpreter:
// the distilled spec's components C (fetcher), D (interpreter), and G (math
// helpers).
//
// Completion: 100% - Interpreter core complete
package cpu

import (
	"fmt"
	"io"
	"os"

	"github.com/xyproto/amd64emu/internal/decoder"
	"github.com/xyproto/amd64emu/internal/emuerr"
	"github.com/xyproto/amd64emu/internal/memory"
	"github.com/xyproto/amd64emu/internal/register"
)

// State is the interpreter's two-state machine.
type State int

const (
	Running State = iota
	Halted
)

func (s State) String() string {
	if s == Halted {
		return "halted"
	}
	return "running"
}

// CPUIDEntry is the 4-tuple CPUID writes to EAX/EBX/ECX/EDX for one leaf.
type CPUIDEntry struct {
	EAX, EBX, ECX, EDX uint32
}

// CPUIDProfile is the small immutable leaf table CPUID consults, per the
// distilled spec's "do not hard-code a vendor profile" design note.
type CPUIDProfile struct {
	MaxStandardLeaf uint32
	Leaves          map[uint32]CPUIDEntry
}

// DefaultCPUIDProfile returns a minimal two-leaf profile: leaf 0 (vendor
// string "GenuineIntel") and leaf 1 (a family/model/stepping identity tuple
// with no feature bits set, since FP/SIMD are a non-goal).
func DefaultCPUIDProfile() CPUIDProfile {
	return CPUIDProfile{
		MaxStandardLeaf: 1,
		Leaves: map[uint32]CPUIDEntry{
			0: {EAX: 1, EBX: 0x756e6547, EDX: 0x49656e69, ECX: 0x6c65746e}, // "Genu","ineI","ntel"
			1: {EAX: 0x000306A9, EBX: 0, ECX: 0, EDX: 0},
		},
	}
}

// ExitFunc is called when the SYSCALL exit handler runs, with the exit
// code pulled from RDI.
type ExitFunc func(code int64)

// CPU is the interpreter: register file, memory, fetch cursor, and the
// small amount of configuration (stack bounds, CPUID profile, check gates)
// that instruction semantics depend on.
type CPU struct {
	Regs    *register.File
	Mem     *memory.Memory
	fetcher *Fetcher

	state State

	checkInstructions bool
	cpuid             CPUIDProfile

	stackBottom, stackTop uint64

	verbose bool
	trace   io.Writer

	onExit   ExitFunc
	exitCode int64
}

// Config bundles the per-CPU knobs the distilled spec's execution context
// threads through: instruction checking, the CPUID profile, and verbose
// tracing. Stack bounds are set separately via SetStackBounds
// (internal/emu does this after the loader has built the stack region).
type Config struct {
	CheckInstructions bool
	CPUID             CPUIDProfile
	Verbose           bool
	Trace             io.Writer
	OnExit            ExitFunc
}

// New builds a CPU wired to regs/mem, initially Running.
func New(regs *register.File, mem *memory.Memory, cfg Config) *CPU {
	trace := cfg.Trace
	if trace == nil {
		trace = os.Stderr
	}
	cpuid := cfg.CPUID
	if cpuid.Leaves == nil {
		cpuid = DefaultCPUIDProfile()
	}
	c := &CPU{
		Regs:              regs,
		Mem:               mem,
		checkInstructions: cfg.CheckInstructions,
		cpuid:             cpuid,
		verbose:           cfg.Verbose,
		trace:             trace,
		onExit:            cfg.OnExit,
		state:             Running,
	}
	c.fetcher = NewFetcher(regs, mem)
	return c
}

// SetStackBounds records the stack's base and limit, established once at
// load, reused for every PUSH/POP bounds check.
func (c *CPU) SetStackBounds(bottom, top uint64) {
	c.stackBottom = bottom
	c.stackTop = top
}

// State reports whether the CPU is Running or Halted.
func (c *CPU) State() State { return c.state }

// ExitCode returns the code passed to the exit syscall, valid only after
// the CPU has halted via SYSCALL exit.
func (c *CPU) ExitCode() int64 { return c.exitCode }

func (c *CPU) logf(format string, args ...interface{}) {
	if c.verbose {
		fmt.Fprintf(c.trace, format, args...)
	}
}

// Execute runs the fetch-decode-dispatch loop until the CPU halts or an
// error aborts execution. Attempting to call it while already Halted is a
// programming error and panics, per the distilled spec.
func (c *CPU) Execute() error {
	if c.state == Halted {
		panic("cpu: Execute called while already Halted")
	}
	for c.state == Running {
		if err := c.step(); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteNext decodes and executes exactly one instruction at the current
// RIP, for callers (internal/emu's Run) that need to interleave a
// cancellation check between instructions rather than running the whole
// fetch-decode-dispatch loop uninterrupted via Execute.
func (c *CPU) ExecuteNext() error { return c.step() }

// step decodes and executes exactly one instruction at the current RIP.
func (c *CPU) step() error {
	inst, err := decoder.Decode(c.fetcher)
	if err != nil {
		return err
	}
	if c.checkInstructions {
		if err := decoder.Validate(inst); err != nil {
			return err
		}
	}
	return c.ExecuteOne(inst)
}

// subroutineReturn is an address no valid code segment ever occupies; it is
// never fetched from, only compared against, so it serves as the return
// sentinel CallSubroutine watches for.
const subroutineReturn uint64 = ^uint64(0)

// CallSubroutine runs addr as a subroutine call: it pushes the sentinel
// return address, sets RIP to addr, and steps the CPU until a RET pops the
// sentinel back into RIP (or the CPU halts, e.g. because the subroutine
// itself called exit). The loader uses this to run ELF constructor and
// destructor arrays without the CPU needing any special "subroutine mode".
// Once the CPU is Halted it does nothing and returns nil.
func (c *CPU) CallSubroutine(addr uint64) error {
	if c.state == Halted {
		return nil
	}
	if err := c.push64(subroutineReturn); err != nil {
		return err
	}
	savedRIP := c.Regs.RIP()
	c.Regs.SetRIP(addr)
	for c.state == Running && c.Regs.RIP() != subroutineReturn {
		if err := c.step(); err != nil {
			return err
		}
	}
	if c.state == Running {
		c.Regs.SetRIP(savedRIP)
	}
	return nil
}

// ExecuteOne executes a single pre-decoded instruction without otherwise
// touching RIP beyond what the instruction's own semantics dictate (the
// fetch that produced inst has already advanced RIP past it).
func (c *CPU) ExecuteOne(inst decoder.Instruction) error {
	c.logf("%016x: %s\n", c.Regs.RIP()-uint64(inst.Length), inst.String())
	handler, ok := dispatchTable[inst.Op]
	if !ok {
		return &emuerr.UnsupportedInstruction{Opcode: inst.Op.String(), Operands: fmt.Sprint(inst.Operands)}
	}
	return handler(c, inst)
}

func (c *CPU) halt() { c.state = Halted }
