package cpu

import (
	"github.com/xyproto/amd64emu/internal/memory"
	"github.com/xyproto/amd64emu/internal/register"
)

// Fetcher is the cursor-shaped adapter the decoder reads through: its
// position is RIP, and each NextByte call advances RIP by one after
// delegating the read to Memory's executable-checked ReadCode.
type Fetcher struct {
	regs *register.File
	mem  *memory.Memory
}

// NewFetcher builds a Fetcher over the given register file and memory.
func NewFetcher(regs *register.File, mem *memory.Memory) *Fetcher {
	return &Fetcher{regs: regs, mem: mem}
}

// Position returns the current RIP.
func (f *Fetcher) Position() uint64 { return f.regs.RIP() }

// SetPosition writes RIP directly.
func (f *Fetcher) SetPosition(addr uint64) { f.regs.SetRIP(addr) }

// NextByte reads one executable byte at RIP, then increments RIP by one.
// Every byte a successful decode consumes corresponds to one call here, so
// after decoding RIP always points at the first byte of the next
// instruction.
func (f *Fetcher) NextByte() (byte, error) {
	addr := f.regs.RIP()
	b, err := f.mem.ReadCode(addr)
	if err != nil {
		return 0, err
	}
	f.regs.SetRIP(addr + 1)
	return b, nil
}
