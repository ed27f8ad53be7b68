package decoder

import (
	"fmt"

	"github.com/xyproto/amd64emu/internal/emuerr"
)

// expectedOperands is the closed table of "how many operands this opcode
// takes", used by Validate's structural gate.
var expectedOperands = map[Opcode]int{
	ADD: 2, SUB: 2, SHR: 2, SAR: 2, SHL: 2, XOR: 2, AND: 2, CMP: 2, TEST: 2,
	JMP: 1, JE: 1, JNE: 1, JA: 1, JAE: 1, JB: 1, JBE: 1, JG: 1, JGE: 1, JL: 1,
	JLE: 1, JS: 1, JNS: 1, JO: 1, JNO: 1, JP: 1, JNP: 1,
	MOV: 2, MOVABS: 2, MOVSXD: 2, MOVZX: 2,
	STOS: 1, PUSH: 1, POP: 1, LEA: 2, CALL: 1, RET: 0, LEAVE: 0, CMOVNE: 2,
	SYSCALL: 0, NOP: 0, HLT: 0, UD2: 0, ENDBR64: 0, CPUID: 0, SETcc: 2,
}

// Validate runs the distilled spec's "instruction-check gate": a structural
// sanity check independent of execution semantics. It verifies the operand
// count matches the opcode's arity and that no operand is the zero value
// for an unexpected kind.
func Validate(inst Instruction) error {
	want, ok := expectedOperands[inst.Op]
	if !ok {
		return &emuerr.InvalidInstruction{Reason: fmt.Sprintf("unknown opcode %v", inst.Op)}
	}
	if len(inst.Operands) != want {
		return &emuerr.InvalidInstruction{
			Reason: fmt.Sprintf("%v expects %d operand(s), got %d", inst.Op, want, len(inst.Operands)),
		}
	}
	for idx, op := range inst.Operands {
		switch op.Kind {
		case KindRegister:
			if op.Reg.Name == "" {
				return &emuerr.InvalidInstruction{Reason: fmt.Sprintf("%v operand %d: empty register name", inst.Op, idx)}
			}
		case KindIndirect:
			if op.Mem.PointerSize == 0 {
				return &emuerr.InvalidInstruction{Reason: fmt.Sprintf("%v operand %d: indirect operand missing pointer size", inst.Op, idx)}
			}
		case KindImmediate:
			// any value is valid
		default:
			return &emuerr.InvalidInstruction{Reason: fmt.Sprintf("%v operand %d: unknown operand kind", inst.Op, idx)}
		}
	}
	return nil
}
