package cpu

import "github.com/xyproto/amd64emu/internal/emuerr"

// push64 writes v below the current RSP, rejecting the write if doing so
// would move RSP below the stack region's bottom bound.
func (c *CPU) push64(v uint64) error {
	rsp, _ := c.Regs.GetView("RSP")
	newRSP := rsp - 8
	if newRSP < c.stackBottom {
		return &emuerr.StackOverflow{}
	}
	if err := c.Mem.WriteLE64(newRSP, v); err != nil {
		return err
	}
	return c.Regs.SetView("RSP", newRSP)
}

// pop64 reads the quadword at RSP, rejecting the read if doing so would
// move RSP above the stack region's initial top bound.
func (c *CPU) pop64() (uint64, error) {
	rsp, _ := c.Regs.GetView("RSP")
	if rsp+8 > c.stackTop {
		return 0, &emuerr.StackUnderflow{}
	}
	v, err := c.Mem.ReadLE64(rsp)
	if err != nil {
		return 0, err
	}
	if err := c.Regs.SetView("RSP", rsp+8); err != nil {
		return 0, err
	}
	return v, nil
}
