package emu

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"testing"

	"github.com/xyproto/amd64emu/internal/emuconfig"
)

// buildExitELF assembles a minimal ET_EXEC AMD64 image whose entire body is
// "MOV EAX,231; SYSCALL" (exit_group, code taken from RDI), enough to
// exercise New/Load/Run/Close end to end without a real toolchain-built
// binary.
func buildExitELF(t *testing.T) string {
	t.Helper()
	const (
		ehsize = 64
		phsize = 56
		shsize = 64
	)
	code := []byte{0xB8, 0, 0, 0, 0, 0x0F, 0x05}   // MOV EAX,imm32; SYSCALL
	binary.LittleEndian.PutUint32(code[1:5], 231) // SYS_exit_group

	codeOff := uint64(ehsize + phsize)
	base := uint64(0x400000)
	entry := base + codeOff

	// The loader copies SHF_ALLOC section contents, not raw segment bytes,
	// so the code also needs a .text section header pointing at it.
	shstrtab := []byte("\x00.text\x00.shstrtab\x00")
	shstrtabOff := codeOff + uint64(len(code))
	shoff := shstrtabOff + uint64(len(shstrtab))

	buf := new(bytes.Buffer)
	w := func(v interface{}) { binary.Write(buf, binary.LittleEndian, v) }

	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8))
	w(uint16(2))  // ET_EXEC
	w(uint16(62)) // EM_X86_64
	w(uint32(1))
	w(entry)
	w(uint64(ehsize)) // e_phoff
	w(shoff)          // e_shoff
	w(uint32(0))
	w(uint16(ehsize))
	w(uint16(phsize))
	w(uint16(1)) // phnum
	w(uint16(shsize))
	w(uint16(3)) // shnum: null, .text, .shstrtab
	w(uint16(2)) // shstrndx

	w(uint32(1))                    // PT_LOAD
	w(uint32(5))                    // PF_R | PF_X
	w(uint64(0))                    // offset
	w(base)                         // vaddr
	w(base)                         // paddr
	w(codeOff + uint64(len(code)))  // filesz
	w(codeOff + uint64(len(code)))  // memsz
	w(uint64(0x1000))

	buf.Write(code)
	buf.Write(shstrtab)

	buf.Write(make([]byte, shsize)) // section 0: SHT_NULL

	w(uint32(1))         // sh_name: ".text"
	w(uint32(1))         // SHT_PROGBITS
	w(uint64(0x2 | 0x4)) // SHF_ALLOC | SHF_EXECINSTR
	w(entry)             // sh_addr
	w(codeOff)           // sh_offset
	w(uint64(len(code)))
	w(uint32(0))
	w(uint32(0))
	w(uint64(1))
	w(uint64(0))

	w(uint32(7)) // sh_name: ".shstrtab"
	w(uint32(3)) // SHT_STRTAB
	w(uint64(0))
	w(uint64(0))
	w(shstrtabOff)
	w(uint64(len(shstrtab)))
	w(uint32(0))
	w(uint32(0))
	w(uint64(1))
	w(uint64(0))

	f, err := os.CreateTemp(t.TempDir(), "exit-*.elf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return f.Name()
}

func TestRunToExitCode(t *testing.T) {
	path := buildExitELF(t)

	cfg := emuconfig.Fast()
	cfg.BaseAddress = 0x400000
	cfg.BaseStackAddress = 0x7ffffffff000
	cfg.StackSize = 0x10000

	ctx := New(cfg)
	if err := ctx.Load(path, []string{"prog"}, nil, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := ctx.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.ExitCode() != 1 {
		// exit_group's code comes from RDI; this program never sets it, so
		// it exits with the argc (1) that Load leaves in RDI.
		t.Fatalf("ExitCode() = %d, want 1", ctx.ExitCode())
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRunRespectsCancellation(t *testing.T) {
	path := buildExitELF(t)
	cfg := emuconfig.Fast()
	cfg.BaseAddress = 0x400000
	cfg.BaseStackAddress = 0x7ffffffff000
	cfg.StackSize = 0x10000

	ctx := New(cfg)
	if err := ctx.Load(path, nil, nil, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := ctx.Run(cancelled)
	if err == nil {
		t.Fatal("expected Cancelled error from an already-cancelled context")
	}
}
