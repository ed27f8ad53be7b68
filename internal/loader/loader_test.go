package loader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/xyproto/amd64emu/internal/memory"
	"github.com/xyproto/amd64emu/internal/register"
)

const (
	testElfHeaderSize  = 64
	testProgHeaderSize = 56
	testSecHeaderSize  = 64
)

// elfBuilder assembles a minimal, hand-rolled ELF64 ET_EXEC AMD64 image: one
// RX PT_LOAD segment holding the header, program headers, and a code blob
// (with a matching .text section), plus one RW PT_LOAD segment backing a
// .bss (SHT_NOBITS) section, so Load exercises both the byte-copy and
// zero-fill paths along with two-segment permission mapping.
type elfBuilder struct {
	baseVaddr uint64
	code      []byte
	bssSize   uint64
	bssVaddr  uint64
}

func (b elfBuilder) build() []byte {
	const phnum = 2
	codeOff := uint64(testElfHeaderSize + phnum*testProgHeaderSize)
	textAddr := b.baseVaddr + codeOff

	shstrtab := []byte{0}
	textNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".text\x00")...)
	bssNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".bss\x00")...)
	shstrtabNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".shstrtab\x00")...)

	shstrtabOff := codeOff + uint64(len(b.code))
	shoff := shstrtabOff + uint64(len(shstrtab))

	buf := new(bytes.Buffer)
	w := func(v interface{}) { binary.Write(buf, binary.LittleEndian, v) }

	// ELF64 header.
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8))
	w(uint16(2))  // e_type: ET_EXEC
	w(uint16(62)) // e_machine: EM_X86_64
	w(uint32(1))  // e_version
	w(textAddr)   // e_entry: start of the code blob
	w(uint64(testElfHeaderSize)) // e_phoff
	w(shoff)                     // e_shoff
	w(uint32(0))                 // e_flags
	w(uint16(testElfHeaderSize)) // e_ehsize
	w(uint16(testProgHeaderSize))
	w(uint16(phnum))
	w(uint16(testSecHeaderSize))
	w(uint16(4)) // shnum: null, .text, .bss, .shstrtab
	w(uint16(3)) // shstrndx

	// Program header 0: RX segment covering header+phdrs+code.
	w(uint32(1))               // PT_LOAD
	w(uint32(5))                // PF_R | PF_X
	w(uint64(0))                 // p_offset
	w(b.baseVaddr)                // p_vaddr
	w(b.baseVaddr)                 // p_paddr
	w(codeOff + uint64(len(b.code))) // p_filesz
	w(codeOff + uint64(len(b.code))) // p_memsz
	w(uint64(0x1000))                 // p_align

	// Program header 1: RW segment backing .bss, no file content.
	w(uint32(1)) // PT_LOAD
	w(uint32(6)) // PF_R | PF_W
	w(uint64(0)) // p_offset (unused: filesz 0)
	w(b.bssVaddr)
	w(b.bssVaddr)
	w(uint64(0))
	w(b.bssSize)
	w(uint64(0x1000))

	buf.Write(b.code)
	buf.Write(shstrtab)

	// Section 0: SHT_NULL.
	buf.Write(make([]byte, testSecHeaderSize))

	// Section 1: .text
	w(textNameOff)
	w(uint32(1))            // SHT_PROGBITS
	w(uint64(0x2 | 0x4))    // SHF_ALLOC | SHF_EXECINSTR
	w(textAddr)
	w(codeOff)
	w(uint64(len(b.code)))
	w(uint32(0))
	w(uint32(0))
	w(uint64(1))
	w(uint64(0))

	// Section 2: .bss
	w(bssNameOff)
	w(uint32(8))         // SHT_NOBITS
	w(uint64(0x2 | 0x1)) // SHF_ALLOC | SHF_WRITE
	w(b.bssVaddr)
	w(codeOff) // sh_offset is meaningless for NOBITS but must be present
	w(b.bssSize)
	w(uint32(0))
	w(uint32(0))
	w(uint64(1))
	w(uint64(0))

	// Section 3: .shstrtab
	w(shstrtabNameOff)
	w(uint32(3)) // SHT_STRTAB
	w(uint64(0))
	w(uint64(0))
	w(shstrtabOff)
	w(uint64(len(shstrtab)))
	w(uint32(0))
	w(uint32(0))
	w(uint64(1))
	w(uint64(0))

	return buf.Bytes()
}

func TestLoadMapsSegmentsAndBuildsStack(t *testing.T) {
	code := []byte{0xB8, 0x3C, 0x00, 0x00, 0x00, 0x0F, 0x05} // MOV EAX,60; SYSCALL
	b := elfBuilder{baseVaddr: 0x400000, code: code, bssSize: 0x100, bssVaddr: 0x600000}
	raw := b.build()

	mem := memory.New(memory.Config{Fill: memory.ZeroFill})
	regs := register.New()
	l := New(mem, regs)

	cfg := Config{BaseAddress: 0, BaseStackAddress: 0x7ffffffff000, StackSize: 0x10000}
	if err := l.Load(bytes.NewReader(raw), []string{"prog"}, []string{"HOME=/root"}, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	textAddr := 0x400000 + uint64(testElfHeaderSize+2*testProgHeaderSize)
	if l.Entry() != textAddr {
		t.Fatalf("Entry() = 0x%x, want 0x%x", l.Entry(), textAddr)
	}
	if rip := regs.RIP(); rip != textAddr {
		t.Fatalf("RIP = 0x%x, want 0x%x", rip, textAddr)
	}

	for i, want := range code {
		got, err := mem.ReadCode(textAddr + uint64(i))
		if err != nil {
			t.Fatalf("ReadCode(%d): %v", i, err)
		}
		if got != want {
			t.Fatalf("code[%d] = 0x%x, want 0x%x", i, got, want)
		}
	}

	readable, writable, exec := mem.Permissions(0x600000)
	if !readable || !writable || exec {
		t.Fatalf("bss permissions = (%v,%v,%v), want (true,true,false)", readable, writable, exec)
	}
	if !mem.IsInitialized(0x600000) {
		t.Fatal(".bss should be zero-filled and marked initialized by Load")
	}
	v, err := mem.Read8(0x600000)
	if err != nil || v != 0 {
		t.Fatalf(".bss byte = %v, err=%v, want 0", v, err)
	}

	finalRSP, _ := regs.GetView("RSP")
	if finalRSP >= 0x7ffffffff000 {
		t.Fatalf("RSP = 0x%x, should be below the aligned stack top after the frame is built", finalRSP)
	}
	argc, err := mem.ReadLE64(finalRSP)
	if err != nil {
		t.Fatal(err)
	}
	if argc != 1 {
		t.Fatalf("argc at RSP = %d, want 1", argc)
	}
	if rdi, _ := regs.GetView("RDI"); rdi != 1 {
		t.Fatalf("RDI = %d, want argc 1", rdi)
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	b := elfBuilder{baseVaddr: 0x400000, code: []byte{0x90}, bssSize: 0x10, bssVaddr: 0x600000}
	raw := b.build()
	raw[18] = 0x03 // e_machine low byte -> EM_386 (3), not EM_X86_64

	mem := memory.New(memory.Config{Fill: memory.ZeroFill})
	regs := register.New()
	l := New(mem, regs)
	cfg := Config{BaseAddress: 0, BaseStackAddress: 0x7ffffffff000, StackSize: 0x10000}
	err := l.Load(bytes.NewReader(raw), nil, nil, cfg)
	if err == nil {
		t.Fatal("expected an error for a non-x86-64 ELF, got nil")
	}
}
