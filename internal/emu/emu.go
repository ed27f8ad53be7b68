// Package emu wires memory, the register file, the interpreter, and the
// ELF loader into the single execution context the distilled spec's
// top-level run(elf, argv, envp, config) -> exit_code operation drives.
//
// Completion: 100% - execution context complete
package emu

import (
	"context"
	"math/rand"
	"os"

	"github.com/xyproto/amd64emu/internal/cpu"
	"github.com/xyproto/amd64emu/internal/emuconfig"
	"github.com/xyproto/amd64emu/internal/emuerr"
	"github.com/xyproto/amd64emu/internal/loader"
	"github.com/xyproto/amd64emu/internal/memory"
	"github.com/xyproto/amd64emu/internal/register"
)

// Context is one emulated process: its address space, its register file,
// the interpreter running against them, and the loader that populated
// them, kept together so Close/Unload can run the destructor arrays the
// loader recorded at Load time.
type Context struct {
	Mem    *memory.Memory
	Regs   *register.File
	CPU    *cpu.CPU
	loader *loader.Loader
}

// New builds an empty Context from cfg, wiring emuconfig's translations
// into the memory and cpu packages' own Config types.
func New(cfg emuconfig.Config) *Context {
	rng := rand.New(rand.NewSource(1))
	mem := memory.New(cfg.MemoryConfig(func() byte { return byte(rng.Intn(256)) }))
	regs := register.New()
	c := cpu.New(regs, mem, cfg.CPUConfig())
	return &Context{Mem: mem, Regs: regs, CPU: c, loader: loader.New(mem, regs)}
}

// Load parses path as an ELF64 AMD64 executable and maps it per cfg,
// then sets the CPU's stack bounds and runs any .preinit_array/.init_array/
// .init constructors before returning.
func (ctx *Context) Load(path string, argv, envp []string, cfg emuconfig.Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	loadCfg := loader.Config{
		BaseAddress:      cfg.BaseAddress,
		BaseStackAddress: cfg.BaseStackAddress,
		StackSize:        cfg.StackSize,
	}
	if err := ctx.loader.Load(f, argv, envp, loadCfg); err != nil {
		return err
	}
	ctx.CPU.SetStackBounds(loadCfg.BaseStackAddress-loadCfg.StackSize, align16(loadCfg.BaseStackAddress))
	return ctx.loader.RunConstructors(ctx.CPU)
}

func align16(v uint64) uint64 { return (v + 15) &^ 15 }

// Run steps the CPU until it halts, an instruction errors, or ctx is
// cancelled, in which case Run returns an emuerr.Cancelled rather than
// leaving the caller to infer cancellation from a zero exit code.
func (ctx *Context) Run(parent context.Context) error {
	for ctx.CPU.State() == cpu.Running {
		select {
		case <-parent.Done():
			return &emuerr.Cancelled{}
		default:
		}
		if err := ctx.CPU.ExecuteNext(); err != nil {
			return err
		}
	}
	return nil
}

// ExitCode returns the code passed to the exit/exit_group syscall that
// halted the CPU.
func (ctx *Context) ExitCode() int64 { return ctx.CPU.ExitCode() }

// Close runs .fini_array/.fini, the ELF destructor arrays RunConstructors's
// arrays are symmetric with. It is safe to call even if the CPU already
// halted via exit, since CallSubroutine no-ops once Halted.
func (ctx *Context) Close() error {
	return ctx.loader.Unload(ctx.CPU)
}
