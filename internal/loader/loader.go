// Package loader maps a parsed ELF64 AMD64 image into a Memory/register.File
// pair and builds the System V AMD64 initial stack frame, per the distilled
// spec's component E. ELF parsing itself is delegated to the standard
// library's debug/elf, the external "ELF-parsing collaborator" the
// distilled spec assumes exists outside the core; this package only
// consumes its public accessors (FileHeader, Progs, Sections).
//
// Completion: 100% - ELF loader complete
package loader

import (
	"fmt"
	"io"

	"debug/elf"

	"github.com/xyproto/amd64emu/internal/cpu"
	"github.com/xyproto/amd64emu/internal/emuerr"
	"github.com/xyproto/amd64emu/internal/memory"
	"github.com/xyproto/amd64emu/internal/register"
	"golang.org/x/sys/unix"
)

// progHeaderEntrySize is the ELF64 program header entry size, the same
// constant the teacher module's own ELF writer uses for progHeaderSize.
const progHeaderEntrySize = 56

// Config bundles the load-time parameters the distilled spec's
// load(elf, argv, base_address, base_stack_address, stack_size) takes,
// minus the ELF and argv which are passed to Load directly.
type Config struct {
	BaseAddress      uint64
	BaseStackAddress uint64
	StackSize        uint64
}

type segment struct{ lo, hi uint64 }

func anySegmentContains(segments []segment, lo, hi uint64) bool {
	for _, s := range segments {
		if lo >= s.lo && hi <= s.hi {
			return true
		}
	}
	return false
}

func align16(v uint64) uint64 { return (v + 15) &^ 15 }

// Loader owns no memory of its own; it populates the Memory and register
// File it is given and records the handful of addresses (entry point,
// constructor/destructor arrays) Load/Unload need.
type Loader struct {
	mem  *memory.Memory
	regs *register.File

	entry uint64

	preinitArray []uint64
	initArray    []uint64
	hasInitFunc  bool
	initFunc     uint64

	finiArray   []uint64
	hasFiniFunc bool
	finiFunc    uint64
}

// New returns a Loader that will populate mem and regs.
func New(mem *memory.Memory, regs *register.File) *Loader {
	return &Loader{mem: mem, regs: regs}
}

// Entry returns base_address + the ELF entry point, the address callers
// should set RIP to before invoking the interpreter.
func (l *Loader) Entry() uint64 { return l.entry }

// Load parses r as an ELF64 AMD64 executable, maps its PT_LOAD segments and
// SHF_ALLOC sections into mem at cfg.BaseAddress, builds a zeroed RW stack
// region and the initial stack frame, and records the constructor/
// destructor arrays for RunConstructors/Unload.
func (l *Loader) Load(r io.ReaderAt, argv, envp []string, cfg Config) error {
	f, err := elf.NewFile(r)
	if err != nil {
		return &emuerr.InvalidELF{Reason: err.Error()}
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return &emuerr.InvalidELF{Reason: "32-bit ELF is not supported"}
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return &emuerr.InvalidELF{Reason: fmt.Sprintf("unsupported file type %s", f.Type)}
	}
	if f.Machine != elf.EM_X86_64 {
		return &emuerr.InvalidELF{Reason: fmt.Sprintf("unsupported machine %s", f.Machine)}
	}

	var segments []segment
	var phdrVaddr uint64
	haveExplicitPhdr := false
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_PHDR {
			phdrVaddr = cfg.BaseAddress + prog.Vaddr
			haveExplicitPhdr = true
		}
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		lo := cfg.BaseAddress + prog.Vaddr
		hi := lo + prog.Memsz - 1
		l.mem.SetPermissions(lo, hi, prog.Flags&elf.PF_R != 0, prog.Flags&elf.PF_W != 0, prog.Flags&elf.PF_X != 0)
		segments = append(segments, segment{lo, hi})
	}
	if !haveExplicitPhdr {
		// No PT_PHDR segment: fall back to the conventional location
		// immediately after the 64-byte ELF64 header, the same offset the
		// teacher's own ELF writer places the program header table at.
		phdrVaddr = cfg.BaseAddress + 0x40
	}

	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Size == 0 {
			continue
		}
		lo := cfg.BaseAddress + sec.Addr
		hi := lo + sec.Size - 1
		if !anySegmentContains(segments, lo, hi) {
			return &emuerr.SectionOutsideAnySegment{Name: sec.Name}
		}
		if sec.Type == elf.SHT_NOBITS {
			l.mem.Initialize(lo, int(sec.Size), 0)
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return &emuerr.InvalidELF{Reason: fmt.Sprintf("section %s: %v", sec.Name, err)}
		}
		l.mem.InitializeBytes(lo, data)
	}

	stackTop := align16(cfg.BaseStackAddress)
	stackBottom := stackTop - cfg.StackSize
	l.mem.SetPermissions(stackBottom, stackTop-1, true, true, false)
	l.mem.Initialize(stackBottom, int(cfg.StackSize), 0)
	l.regs.SetView("RSP", stackTop)

	auxv := []AuxEntry{
		{AT_PHDR, phdrVaddr},
		{AT_PHENT, progHeaderEntrySize},
		{AT_PHNUM, uint64(countLoadablePhdrs(f))},
		{AT_PAGESZ, uint64(unix.Getpagesize())},
		{AT_ENTRY, cfg.BaseAddress + f.Entry},
		{AT_UID, uint64(unix.Getuid())},
		{AT_EUID, uint64(unix.Geteuid())},
		{AT_GID, uint64(unix.Getgid())},
		{AT_EGID, uint64(unix.Getegid())},
	}
	frame, rsp := BuildInitialStack(argv, envp, auxv, stackTop)
	l.mem.InitializeBytes(rsp, frame)
	l.regs.SetView("RSP", rsp)
	l.regs.SetView("RDI", uint64(len(argv))) // argc, debug convenience only

	l.entry = cfg.BaseAddress + f.Entry
	l.regs.SetRIP(l.entry)

	preinit, err := l.collectFunctionArray(f, ".preinit_array", cfg.BaseAddress)
	if err != nil {
		return err
	}
	initArr, err := l.collectFunctionArray(f, ".init_array", cfg.BaseAddress)
	if err != nil {
		return err
	}
	fini, err := l.collectFunctionArray(f, ".fini_array", cfg.BaseAddress)
	if err != nil {
		return err
	}
	l.preinitArray = preinit
	l.initArray = initArr
	l.finiArray = fini

	if sec := f.Section(".init"); sec != nil && sec.Size > 0 {
		l.hasInitFunc = true
		l.initFunc = cfg.BaseAddress + sec.Addr
	}
	if sec := f.Section(".fini"); sec != nil && sec.Size > 0 {
		l.hasFiniFunc = true
		l.finiFunc = cfg.BaseAddress + sec.Addr
	}

	return nil
}

// countLoadablePhdrs reports the total program header count (AT_PHNUM
// counts every entry in the table, not just PT_LOAD ones).
func countLoadablePhdrs(f *elf.File) int { return len(f.Progs) }

// collectFunctionArray reads an array section's contents as a sequence of
// 8-byte function pointers already copied into mem, relocating each by
// cfg.BaseAddress (the pointer values the linker wrote are vaddr-relative,
// the same basis as every other address this loader maps).
func (l *Loader) collectFunctionArray(f *elf.File, name string, base uint64) ([]uint64, error) {
	sec := f.Section(name)
	if sec == nil || sec.Size == 0 {
		return nil, nil
	}
	n := int(sec.Size / 8)
	addrs := make([]uint64, 0, n)
	lo := base + sec.Addr
	for i := 0; i < n; i++ {
		v, err := l.mem.ReadLE64(lo + uint64(i*8))
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, v+base)
	}
	return addrs, nil
}

// RunConstructors runs .preinit_array, then .init_array, then .init (if
// present) in order, each as a subroutine call on c. Per the distilled
// spec's Open Question about the source's ambiguous STT_FUNC/.init sweep:
// this loader resolves it by calling .init's own entry address once,
// rather than scanning the symbol table for STT_FUNC entries whose value
// falls within the section (see DESIGN.md).
func (l *Loader) RunConstructors(c *cpu.CPU) error {
	for _, addr := range l.preinitArray {
		if err := c.CallSubroutine(addr); err != nil {
			return err
		}
	}
	for _, addr := range l.initArray {
		if err := c.CallSubroutine(addr); err != nil {
			return err
		}
	}
	if l.hasInitFunc {
		if err := c.CallSubroutine(l.initFunc); err != nil {
			return err
		}
	}
	return nil
}

// Unload runs .fini_array then .fini, symmetric with RunConstructors. No
// memory is deallocated; Memory and register.File ownership stays with the
// caller.
func (l *Loader) Unload(c *cpu.CPU) error {
	for _, addr := range l.finiArray {
		if err := c.CallSubroutine(addr); err != nil {
			return err
		}
	}
	if l.hasFiniFunc {
		if err := c.CallSubroutine(l.finiFunc); err != nil {
			return err
		}
	}
	return nil
}
