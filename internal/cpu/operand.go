package cpu

import "github.com/xyproto/amd64emu/internal/decoder"

// effectiveAddress computes base + index*scale + displacement, wrapping in
// 64 bits, per the distilled spec's indirect-operand formula.
func (c *CPU) effectiveAddress(mem decoder.Indirect) uint64 {
	var addr uint64
	if mem.Base != nil {
		v, _ := c.Regs.GetView(mem.Base.Name)
		addr += v
	}
	if mem.Index != nil {
		v, _ := c.Regs.GetView(mem.Index.Name)
		scale := uint64(mem.Scale)
		if scale == 0 {
			scale = 1
		}
		addr += v * scale
	}
	addr += uint64(mem.Displacement)
	return addr
}

// readMem reads a PointerSize-bit value from the operand's effective
// address.
func (c *CPU) readMem(mem decoder.Indirect) (uint64, error) {
	addr := c.effectiveAddress(mem)
	switch mem.PointerSize {
	case 8:
		v, err := c.Mem.Read8(addr)
		return uint64(v), err
	case 16:
		v, err := c.Mem.ReadLE16(addr)
		return uint64(v), err
	case 32:
		v, err := c.Mem.ReadLE32(addr)
		return uint64(v), err
	default:
		return c.Mem.ReadLE64(addr)
	}
}

func (c *CPU) writeMem(mem decoder.Indirect, value uint64) error {
	addr := c.effectiveAddress(mem)
	switch mem.PointerSize {
	case 8:
		return c.Mem.Write8(addr, byte(value))
	case 16:
		return c.Mem.WriteLE16(addr, uint16(value))
	case 32:
		return c.Mem.WriteLE32(addr, uint32(value))
	default:
		return c.Mem.WriteLE64(addr, value)
	}
}

// readOperand returns the operand's value, masked to its own width: the
// immediate's sign-extended bit pattern, the register view's value, or the
// memory cell's value.
func (c *CPU) readOperand(op decoder.Operand) (uint64, error) {
	switch op.Kind {
	case decoder.KindImmediate:
		return uint64(op.ImmValue) & maskOf(op.Width), nil
	case decoder.KindRegister:
		return c.Regs.GetView(op.Reg.Name)
	default:
		return c.readMem(op.Mem)
	}
}

// writeOperand stores value into a register or memory destination operand.
// Writing to an immediate operand is a decoder/dispatch programming error.
func (c *CPU) writeOperand(op decoder.Operand, value uint64) error {
	switch op.Kind {
	case decoder.KindRegister:
		return c.Regs.SetView(op.Reg.Name, value)
	case decoder.KindIndirect:
		return c.writeMem(op.Mem, value)
	default:
		panic("cpu: writeOperand called on an immediate operand")
	}
}

// signExtendTo64 sign-extends a value already masked to fromWidth bits up
// to a full 64-bit two's-complement representation.
func signExtendTo64(v uint64, fromWidth int) uint64 {
	shift := 64 - uint(fromWidth)
	return uint64(int64(v<<shift) >> shift)
}
