package cpu

import (
	"errors"
	"testing"

	"github.com/xyproto/amd64emu/internal/emuerr"
	"github.com/xyproto/amd64emu/internal/memory"
	"github.com/xyproto/amd64emu/internal/register"
)

// newTestCPU builds a CPU over a single RWX-everything region large enough
// for the tiny code snippets these tests execute, with a stack region
// spanning [stackBottom, stackTop).
func newTestCPU(t *testing.T) *CPU {
	t.Helper()
	mem := memory.New(memory.Config{Fill: memory.ZeroFill})
	mem.SetPermissions(0, 0x4FFFFF, true, true, true)
	regs := register.New()
	c := New(regs, mem, Config{CheckInstructions: true})
	c.SetStackBounds(0x1000, 0x10000)
	regs.SetView("RSP", 0x8000)
	return c
}

func (c *CPU) loadCode(t *testing.T, addr uint64, code []byte) {
	t.Helper()
	c.Mem.InitializeBytes(addr, code)
	c.Regs.SetRIP(addr)
}

func (c *CPU) runN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if c.State() != Running {
			t.Fatalf("CPU halted after %d of %d instructions", i, n)
		}
		if err := c.Execute1(); err != nil {
			t.Fatalf("instruction %d: %v", i, err)
		}
	}
}

// Execute1 decodes and executes exactly one instruction, used by tests that
// want to inspect state mid-program without running Execute's halt loop.
func (c *CPU) Execute1() error { return c.step() }

func TestAddRegReg(t *testing.T) {
	c := newTestCPU(t)
	c.Regs.SetView("RAX", 2)
	c.Regs.SetView("RBX", 3)
	// 48 01 D8: ADD RAX, RBX
	c.loadCode(t, 0x400000, []byte{0x48, 0x01, 0xD8})
	c.runN(t, 1)
	got, _ := c.Regs.GetView("RAX")
	if got != 5 {
		t.Fatalf("RAX = %d, want 5", got)
	}
}

func TestSubSetsZeroFlag(t *testing.T) {
	c := newTestCPU(t)
	c.Regs.SetView("RAX", 5)
	c.Regs.SetView("RBX", 5)
	// 48 29 D8: SUB RAX, RBX
	c.loadCode(t, 0x400000, []byte{0x48, 0x29, 0xD8})
	c.runN(t, 1)
	got, _ := c.Regs.GetView("RAX")
	if got != 0 {
		t.Fatalf("RAX = %d, want 0", got)
	}
	if !c.Regs.GetFlag(register.ZF) {
		t.Fatal("ZF not set after SUB producing zero")
	}
}

func TestSubSetsCarryOnUnsignedUnderflow(t *testing.T) {
	c := newTestCPU(t)
	c.Regs.SetView("RAX", 1)
	c.Regs.SetView("RBX", 2)
	// 48 29 D8: SUB RAX, RBX
	c.loadCode(t, 0x400000, []byte{0x48, 0x29, 0xD8})
	c.runN(t, 1)
	if !c.Regs.GetFlag(register.CF) {
		t.Fatal("CF not set after SUB with unsigned borrow")
	}
	got, _ := c.Regs.GetView("RAX")
	if got != 0xFFFFFFFFFFFFFFFF {
		t.Fatalf("RAX = 0x%x, want 0xFFFFFFFFFFFFFFFF", got)
	}
}

func TestMovReg32ZeroExtends(t *testing.T) {
	c := newTestCPU(t)
	c.Regs.SetView("RAX", 0xFFFFFFFFFFFFFFFF)
	// B8 EF BE AD DE: MOV EAX, 0xDEADBEEF
	c.loadCode(t, 0x400000, []byte{0xB8, 0xEF, 0xBE, 0xAD, 0xDE})
	c.runN(t, 1)
	got, _ := c.Regs.GetView("RAX")
	if got != 0x00000000DEADBEEF {
		t.Fatalf("RAX = 0x%x, want 0x00000000DEADBEEF", got)
	}
}

func TestPushPopRoundTrip(t *testing.T) {
	c := newTestCPU(t)
	c.Regs.SetView("RAX", 0x1122334455667788)
	rspBefore, _ := c.Regs.GetView("RSP")
	// 50: PUSH RAX; 5B: POP RBX
	c.loadCode(t, 0x400000, []byte{0x50, 0x5B})
	c.runN(t, 2)
	rbx, _ := c.Regs.GetView("RBX")
	if rbx != 0x1122334455667788 {
		t.Fatalf("RBX = 0x%x, want 0x1122334455667788", rbx)
	}
	rspAfter, _ := c.Regs.GetView("RSP")
	if rspAfter != rspBefore {
		t.Fatalf("RSP = 0x%x, want 0x%x (push/pop should net to zero)", rspAfter, rspBefore)
	}
}

func TestPushImm32SignExtends(t *testing.T) {
	c := newTestCPU(t)
	// 68 EF BE AD DE: PUSH 0xDEADBEEF; 5B: POP RBX
	c.loadCode(t, 0x400000, []byte{0x68, 0xEF, 0xBE, 0xAD, 0xDE, 0x5B})
	c.runN(t, 2)
	rbx, _ := c.Regs.GetView("RBX")
	if rbx != 0xFFFFFFFFDEADBEEF {
		t.Fatalf("RBX = 0x%x, want 0xFFFFFFFFDEADBEEF", rbx)
	}
}

func TestCallPushesReturnAddressAndJumps(t *testing.T) {
	c := newTestCPU(t)
	// at 0x400000: E8 05 00 00 00  CALL +5 (5-byte instruction, target = 0x400005+5 = 0x40000A)
	c.loadCode(t, 0x400000, []byte{0xE8, 0x05, 0x00, 0x00, 0x00})
	c.runN(t, 1)
	if rip := c.Regs.RIP(); rip != 0x40000A {
		t.Fatalf("RIP = 0x%x, want 0x40000A", rip)
	}
	rsp, _ := c.Regs.GetView("RSP")
	ret, err := c.Mem.ReadLE64(rsp)
	if err != nil {
		t.Fatal(err)
	}
	if ret != 0x400005 {
		t.Fatalf("return address = 0x%x, want 0x400005", ret)
	}
}

func TestCallThenRetReturnsToCallSite(t *testing.T) {
	c := newTestCPU(t)
	c.loadCode(t, 0x400000, []byte{0xE8, 0x05, 0x00, 0x00, 0x00}) // CALL +5 -> 0x40000A
	c.runN(t, 1)
	c.Mem.InitializeBytes(0x40000A, []byte{0xC3}) // RET
	c.runN(t, 1)
	if rip := c.Regs.RIP(); rip != 0x400005 {
		t.Fatalf("RIP after RET = 0x%x, want 0x400005", rip)
	}
}

func TestCallSubroutineReturnsToCaller(t *testing.T) {
	c := newTestCPU(t)
	c.Regs.SetRIP(0x400000) // caller's RIP, preserved across the call
	c.Mem.InitializeBytes(0x401000, []byte{0x48, 0x01, 0xC0, 0xC3}) // ADD RAX,RAX; RET
	c.Regs.SetView("RAX", 21)
	if err := c.CallSubroutine(0x401000); err != nil {
		t.Fatalf("CallSubroutine: %v", err)
	}
	if got, _ := c.Regs.GetView("RAX"); got != 42 {
		t.Fatalf("RAX = %d, want 42", got)
	}
	if rip := c.Regs.RIP(); rip != 0x400000 {
		t.Fatalf("RIP after CallSubroutine = 0x%x, want caller's 0x400000 restored", rip)
	}
	if c.State() != Running {
		t.Fatal("CPU should still be Running after a constructor that did not call exit")
	}
}

func TestCallSubroutineThatExitsHaltsCPU(t *testing.T) {
	c := newTestCPU(t)
	c.Regs.SetRIP(0x400000)
	// MOV EAX, 60; MOV EDI, 5; SYSCALL -- a constructor that calls exit(5)
	// directly instead of returning.
	c.Mem.InitializeBytes(0x401000, []byte{
		0xB8, 0x3C, 0x00, 0x00, 0x00, // MOV EAX, 60
		0xBF, 0x05, 0x00, 0x00, 0x00, // MOV EDI, 5
		0x0F, 0x05, // SYSCALL
	})
	if err := c.CallSubroutine(0x401000); err != nil {
		t.Fatalf("CallSubroutine: %v", err)
	}
	if c.State() != Halted {
		t.Fatal("CPU should be Halted after a constructor that called exit")
	}
	if c.ExitCode() != 5 {
		t.Fatalf("ExitCode() = %d, want 5", c.ExitCode())
	}
}

func TestSyscallExitHalts(t *testing.T) {
	c := newTestCPU(t)
	var captured int64 = -1
	c.onExit = func(code int64) { captured = code }
	c.Regs.SetView("RAX", 60) // SYS_exit
	c.Regs.SetView("RDI", 7)
	// 0F 05: SYSCALL
	c.loadCode(t, 0x400000, []byte{0x0F, 0x05})
	c.runN(t, 1)
	if c.State() != Halted {
		t.Fatal("CPU did not halt after exit syscall")
	}
	if c.ExitCode() != 7 {
		t.Fatalf("ExitCode() = %d, want 7", c.ExitCode())
	}
	if captured != 7 {
		t.Fatalf("onExit callback got %d, want 7", captured)
	}
}

func TestUnmappedExecuteFails(t *testing.T) {
	mem := memory.New(memory.Config{Fill: memory.ZeroFill, BreakOnPermission: true})
	regs := register.New()
	c := New(regs, mem, Config{})
	c.Regs.SetRIP(0x400000) // never mapped executable
	err := c.Execute1()
	var perm *emuerr.PermissionDenied
	if !errors.As(err, &perm) {
		t.Fatalf("got %v, want *emuerr.PermissionDenied", err)
	}
	if perm.Kind != emuerr.AccessExecute {
		t.Fatalf("Kind = %v, want AccessExecute", perm.Kind)
	}
}

func TestReadOnlyWriteFails(t *testing.T) {
	mem := memory.New(memory.Config{Fill: memory.ZeroFill, BreakOnPermission: true})
	mem.SetPermissions(0, 0x4FFFFF, true, false, true) // readable+exec, not writable
	regs := register.New()
	c := New(regs, mem, Config{})
	c.Regs.SetView("RAX", 1)
	// MOV [0x0], RAX: mod=00 rm=101 disp32, which the decoder treats as an absolute address.
	c.loadCode(t, 0x400000, []byte{0x48, 0x89, 0x05, 0x00, 0x00, 0x00, 0x00})
	err := c.Execute1()
	var perm *emuerr.PermissionDenied
	if !errors.As(err, &perm) {
		t.Fatalf("got %v, want *emuerr.PermissionDenied", err)
	}
	if perm.Kind != emuerr.AccessWrite {
		t.Fatalf("Kind = %v, want AccessWrite", perm.Kind)
	}
}

func TestUninitializedReadFailsWhenChecked(t *testing.T) {
	mem := memory.New(memory.Config{BreakOnUninitialized: true})
	mem.SetPermissions(0, 0xFFFFF, true, true, true)
	regs := register.New()
	c := New(regs, mem, Config{})
	// 48 8B 00: MOV RAX, [RAX]; RAX points at a never-written address.
	c.Regs.SetView("RAX", 0x900)
	c.loadCode(t, 0x400000, []byte{0x48, 0x8B, 0x00})
	err := c.Execute1()
	var uninit *emuerr.UninitializedRead
	if !errors.As(err, &uninit) {
		t.Fatalf("got %v, want *emuerr.UninitializedRead", err)
	}
}

func TestStosNoOpWhenCountZero(t *testing.T) {
	c := newTestCPU(t)
	c.Regs.SetView("RDI", 0x900)
	c.Regs.SetView("RCX", 0)
	c.Regs.SetView("RAX", 0x41)
	// F3 AA: REP STOSB
	c.loadCode(t, 0x400000, []byte{0xF3, 0xAA})
	c.runN(t, 1)
	if c.Mem.IsInitialized(0x900) {
		t.Fatal("STOS with RCX=0 should not have written any byte")
	}
}

func TestJmpOffsetZeroLeavesRIPAtNextInstruction(t *testing.T) {
	c := newTestCPU(t)
	// EB 00: JMP +0 (2-byte instruction)
	c.loadCode(t, 0x400000, []byte{0xEB, 0x00})
	c.runN(t, 1)
	if rip := c.Regs.RIP(); rip != 0x400002 {
		t.Fatalf("RIP = 0x%x, want 0x400002", rip)
	}
}

func TestPushBelowStackBottomOverflows(t *testing.T) {
	c := newTestCPU(t)
	c.Regs.SetView("RSP", 0x1004)
	c.Regs.SetView("RAX", 1)
	c.loadCode(t, 0x400000, []byte{0x50}) // PUSH RAX, would move RSP to 0xFFC < 0x1000
	err := c.Execute1()
	var overflow *emuerr.StackOverflow
	if !errors.As(err, &overflow) {
		t.Fatalf("got %v, want *emuerr.StackOverflow", err)
	}
}

func TestPopAboveStackTopUnderflows(t *testing.T) {
	c := newTestCPU(t)
	c.Regs.SetView("RSP", 0xFFFC) // 0xFFFC+8 = 0x10004 > stackTop 0x10000
	c.loadCode(t, 0x400000, []byte{0x58}) // POP RAX
	err := c.Execute1()
	var underflow *emuerr.StackUnderflow
	if !errors.As(err, &underflow) {
		t.Fatalf("got %v, want *emuerr.StackUnderflow", err)
	}
}
