// Package register implements the AMD64 register file: 16 general-purpose
// slots, 6 segment slots, RIP, and RFLAGS, with x86's sub-register aliasing
// rules expressed as a single table mapping a view name to the 64-bit slot
// it backs, its width, and its bit offset within that slot.
//
// Completion: 100% - Register file complete
package register

import "fmt"

// GP identifies one of the 16 general-purpose 64-bit slots.
type GP int

const (
	RAX GP = iota
	RBX
	RCX
	RDX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	numGP
)

var gpNames = [numGP]string{
	RAX: "RAX", RBX: "RBX", RCX: "RCX", RDX: "RDX",
	RSP: "RSP", RBP: "RBP", RSI: "RSI", RDI: "RDI",
	R8: "R8", R9: "R9", R10: "R10", R11: "R11",
	R12: "R12", R13: "R13", R14: "R14", R15: "R15",
}

func (g GP) String() string { return gpNames[g] }

// Seg identifies one of the 6 segment slots.
type Seg int

const (
	CS Seg = iota
	DS
	ES
	FS
	GS
	SS
	numSeg
)

// Flag identifies a bit position in RFLAGS.
type Flag uint

const (
	CF  Flag = 0
	PF  Flag = 2
	AF  Flag = 4
	ZF  Flag = 6
	SF  Flag = 7
	TF  Flag = 8
	IF  Flag = 9
	DF  Flag = 10
	OF  Flag = 11
	NT  Flag = 14
	RF  Flag = 16
	VM  Flag = 17
	AC  Flag = 18
	VIF Flag = 19
	VIP Flag = 20
	ID  Flag = 21
)

// DefaultRFLAGS is the reset value of RFLAGS: only the always-on reserved
// bit 1 is set.
const DefaultRFLAGS uint64 = 0x2

// view describes one named sub-register: which 64-bit GP slot it reads
// through, how wide it is, and at what bit offset within the slot.
type view struct {
	slot   GP
	width  int // 8, 16, 32, or 64
	offset int // bit offset within the 64-bit slot
}

// views is the table driving every GPR sub-register name to its
// (slot, width, bit-offset) triple, per the distilled spec's DESIGN NOTES:
// a single 64-bit backing store per GPR plus a table of named views,
// instead of per-width type dispatch.
var views = map[string]view{
	"RAX": {RAX, 64, 0}, "EAX": {RAX, 32, 0}, "AX": {RAX, 16, 0}, "AL": {RAX, 8, 0}, "AH": {RAX, 8, 8},
	"RBX": {RBX, 64, 0}, "EBX": {RBX, 32, 0}, "BX": {RBX, 16, 0}, "BL": {RBX, 8, 0}, "BH": {RBX, 8, 8},
	"RCX": {RCX, 64, 0}, "ECX": {RCX, 32, 0}, "CX": {RCX, 16, 0}, "CL": {RCX, 8, 0}, "CH": {RCX, 8, 8},
	"RDX": {RDX, 64, 0}, "EDX": {RDX, 32, 0}, "DX": {RDX, 16, 0}, "DL": {RDX, 8, 0}, "DH": {RDX, 8, 8},
	"RSP": {RSP, 64, 0}, "ESP": {RSP, 32, 0}, "SP": {RSP, 16, 0}, "SPL": {RSP, 8, 0},
	"RBP": {RBP, 64, 0}, "EBP": {RBP, 32, 0}, "BP": {RBP, 16, 0}, "BPL": {RBP, 8, 0},
	"RSI": {RSI, 64, 0}, "ESI": {RSI, 32, 0}, "SI": {RSI, 16, 0}, "SIL": {RSI, 8, 0},
	"RDI": {RDI, 64, 0}, "EDI": {RDI, 32, 0}, "DI": {RDI, 16, 0}, "DIL": {RDI, 8, 0},
	"R8": {R8, 64, 0}, "R8D": {R8, 32, 0}, "R8W": {R8, 16, 0}, "R8B": {R8, 8, 0},
	"R9": {R9, 64, 0}, "R9D": {R9, 32, 0}, "R9W": {R9, 16, 0}, "R9B": {R9, 8, 0},
	"R10": {R10, 64, 0}, "R10D": {R10, 32, 0}, "R10W": {R10, 16, 0}, "R10B": {R10, 8, 0},
	"R11": {R11, 64, 0}, "R11D": {R11, 32, 0}, "R11W": {R11, 16, 0}, "R11B": {R11, 8, 0},
	"R12": {R12, 64, 0}, "R12D": {R12, 32, 0}, "R12W": {R12, 16, 0}, "R12B": {R12, 8, 0},
	"R13": {R13, 64, 0}, "R13D": {R13, 32, 0}, "R13W": {R13, 16, 0}, "R13B": {R13, 8, 0},
	"R14": {R14, 64, 0}, "R14D": {R14, 32, 0}, "R14W": {R14, 16, 0}, "R14B": {R14, 8, 0},
	"R15": {R15, 64, 0}, "R15D": {R15, 32, 0}, "R15W": {R15, 16, 0}, "R15B": {R15, 8, 0},
}

// File is the full architectural register state of one emulated thread.
type File struct {
	gp      [numGP]uint64
	seg     [numSeg]uint16
	rip     uint64
	rflags  uint64
}

// New returns a register file with RFLAGS at its reset value and everything
// else zero.
func New() *File {
	f := &File{}
	f.ResetFlags()
	return f
}

// Snapshot returns an independent copy, used for test snapshotting.
func (f *File) Snapshot() *File {
	cp := *f
	return &cp
}

// Equal reports structural equality between two register files.
func (f *File) Equal(o *File) bool {
	if f.rip != o.rip || f.rflags != o.rflags {
		return false
	}
	if f.gp != o.gp || f.seg != o.seg {
		return false
	}
	return true
}

func maskForWidth(width int) uint64 {
	switch width {
	case 8:
		return 0xFF
	case 16:
		return 0xFFFF
	case 32:
		return 0xFFFFFFFF
	default:
		return ^uint64(0)
	}
}

// GetView reads the named sub-register view (e.g. "EAX", "AL", "R9W").
func (f *File) GetView(name string) (uint64, error) {
	v, ok := views[name]
	if !ok {
		return 0, fmt.Errorf("register: unknown view %q", name)
	}
	raw := f.gp[v.slot]
	mask := maskForWidth(v.width)
	return (raw >> uint(v.offset)) & mask, nil
}

// SetView writes the named sub-register view, applying x86's aliasing
// rules: a 32-bit write zero-extends into the full 64-bit slot; a 16- or
// 8-bit write (including the legacy high-byte views AH/BH/CH/DH) preserves
// every other bit of the slot.
func (f *File) SetView(name string, value uint64) error {
	v, ok := views[name]
	if !ok {
		return fmt.Errorf("register: unknown view %q", name)
	}
	mask := maskForWidth(v.width)
	value &= mask

	switch v.width {
	case 64:
		f.gp[v.slot] = value
	case 32:
		// 32-bit writes always zero-extend, per spec, regardless of offset
		// (there is no 32-bit high view in the ISA, offset is always 0).
		f.gp[v.slot] = value
	default:
		cleared := f.gp[v.slot] &^ (mask << uint(v.offset))
		f.gp[v.slot] = cleared | (value << uint(v.offset))
	}
	return nil
}

// Get64/Get32/Get16/Get8 read a GP slot's low view at the given width
// directly by slot index, for callers that already resolved the operand to
// a GP rather than a view name.
func (f *File) Get64(g GP) uint64 { return f.gp[g] }
func (f *File) Get32(g GP) uint32 { return uint32(f.gp[g]) }
func (f *File) Get16(g GP) uint16 { return uint16(f.gp[g]) }
func (f *File) Get8(g GP) uint8   { return uint8(f.gp[g]) }

// Set64 overwrites the full 64-bit slot.
func (f *File) Set64(g GP, v uint64) { f.gp[g] = v }

// Set32 zero-extends v into the full 64-bit slot.
func (f *File) Set32(g GP, v uint32) { f.gp[g] = uint64(v) }

// Set16 preserves bits 16..63.
func (f *File) Set16(g GP, v uint16) {
	f.gp[g] = (f.gp[g] &^ 0xFFFF) | uint64(v)
}

// Set8 preserves bits 8..63 (the low-byte view; AH/BH/CH/DH go through
// SetView/GetView since they are not addressable by GP+width alone).
func (f *File) Set8(g GP, v uint8) {
	f.gp[g] = (f.gp[g] &^ 0xFF) | uint64(v)
}

// RIP/SetRIP read and write the full 64-bit instruction pointer.
func (f *File) RIP() uint64      { return f.rip }
func (f *File) SetRIP(v uint64)  { f.rip = v }

// EIP/SetEIP alias the low 32 bits of RIP, zero-extending on write.
func (f *File) EIP() uint32     { return uint32(f.rip) }
func (f *File) SetEIP(v uint32) { f.rip = uint64(v) }

// Seg/SetSeg read and write one of the six 16-bit segment slots.
func (f *File) Seg(s Seg) uint16     { return f.seg[s] }
func (f *File) SetSeg(s Seg, v uint16) { f.seg[s] = v }

// RFLAGS/SetRFLAGS read and write the full flags word.
func (f *File) RFLAGS() uint64     { return f.rflags }
func (f *File) SetRFLAGS(v uint64) { f.rflags = v | (1 << 1) }

// GetFlag reads one RFLAGS bit.
func (f *File) GetFlag(bit Flag) bool { return f.rflags&(1<<uint(bit)) != 0 }

// SetFlag writes one RFLAGS bit, leaving every other bit untouched.
func (f *File) SetFlag(bit Flag, v bool) {
	if v {
		f.rflags |= 1 << uint(bit)
	} else {
		f.rflags &^= 1 << uint(bit)
	}
	f.rflags |= 1 << 1 // bit 1 is always reserved-on
}

// ResetFlags sets RFLAGS to its reset value (bit 1 on, everything else off).
func (f *File) ResetFlags() { f.rflags = DefaultRFLAGS }

// String renders a deterministic, fixed-order dump of the whole file, used
// by tests and --verbose tracing.
func (f *File) String() string {
	return fmt.Sprintf(
		"RAX=%016x RBX=%016x RCX=%016x RDX=%016x RSP=%016x RBP=%016x RSI=%016x RDI=%016x\n"+
			"R8 =%016x R9 =%016x R10=%016x R11=%016x R12=%016x R13=%016x R14=%016x R15=%016x\n"+
			"RIP=%016x RFLAGS=%016x CS=%04x DS=%04x ES=%04x FS=%04x GS=%04x SS=%04x",
		f.gp[RAX], f.gp[RBX], f.gp[RCX], f.gp[RDX], f.gp[RSP], f.gp[RBP], f.gp[RSI], f.gp[RDI],
		f.gp[R8], f.gp[R9], f.gp[R10], f.gp[R11], f.gp[R12], f.gp[R13], f.gp[R14], f.gp[R15],
		f.rip, f.rflags, f.seg[CS], f.seg[DS], f.seg[ES], f.seg[FS], f.seg[GS], f.seg[SS],
	)
}
