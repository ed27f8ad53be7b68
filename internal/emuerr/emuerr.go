// Package emuerr defines the closed set of error kinds the emulator core can
// surface. Each kind is a distinct exported type so callers can recover the
// structured fields (faulting address, opcode, syscall number, ...) with
// errors.As instead of parsing a message string.
package emuerr

import (
	"fmt"

	"github.com/xyproto/amd64emu/internal/syscall"
)

// AccessKind distinguishes the three permission checks memory enforces.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// InvalidELF reports that the loaded file is not a recognized ET_EXEC/ET_DYN
// AMD64 image.
type InvalidELF struct {
	Reason string
}

func (e *InvalidELF) Error() string { return fmt.Sprintf("invalid ELF: %s", e.Reason) }

// UnsupportedInstruction reports a decoded opcode the interpreter has no
// handler for.
type UnsupportedInstruction struct {
	Opcode   string
	Operands string
}

func (e *UnsupportedInstruction) Error() string {
	return fmt.Sprintf("unsupported instruction: %s %s", e.Opcode, e.Operands)
}

// InvalidInstruction reports a structural validation failure caught before
// execution (the distilled spec's "instruction-check gate").
type InvalidInstruction struct {
	Reason string
}

func (e *InvalidInstruction) Error() string { return fmt.Sprintf("invalid instruction: %s", e.Reason) }

// PermissionDenied reports a memory access that violated the region's R/W/X
// permissions.
type PermissionDenied struct {
	Address uint64
	Kind    AccessKind
}

func (e *PermissionDenied) Error() string {
	return fmt.Sprintf("permission denied: %s access to 0x%x", e.Kind, e.Address)
}

// UninitializedRead reports a read of a byte that was never written, with
// checks enabled.
type UninitializedRead struct {
	Address uint64
}

func (e *UninitializedRead) Error() string {
	return fmt.Sprintf("uninitialized read at 0x%x", e.Address)
}

// StackUnderflow reports a POP that would move RSP above the recorded stack top.
type StackUnderflow struct{}

func (e *StackUnderflow) Error() string { return "stack underflow" }

// StackOverflow reports a PUSH that would move RSP below the stack bottom.
type StackOverflow struct{}

func (e *StackOverflow) Error() string { return "stack overflow" }

// UnsupportedSyscall reports a syscall number the table has no handler for.
type UnsupportedSyscall struct {
	Number uint64
}

func (e *UnsupportedSyscall) Error() string {
	return fmt.Sprintf("unsupported syscall: %s", syscall.Number(e.Number))
}

// UnsupportedCPUIDLeaf reports a CPUID leaf beyond the configured profile's
// maximum standard leaf.
type UnsupportedCPUIDLeaf struct {
	Leaf uint32
}

func (e *UnsupportedCPUIDLeaf) Error() string {
	return fmt.Sprintf("unsupported cpuid leaf: 0x%x", e.Leaf)
}

// SectionOutsideAnySegment reports an allocatable section whose range does
// not lie within exactly one PT_LOAD segment.
type SectionOutsideAnySegment struct {
	Name string
}

func (e *SectionOutsideAnySegment) Error() string {
	return fmt.Sprintf("section %q lies outside any loaded segment", e.Name)
}

// Cancelled is returned by Context.Run when a caller-supplied
// context.Context is cancelled between instructions.
type Cancelled struct{}

func (e *Cancelled) Error() string { return "execution cancelled" }
