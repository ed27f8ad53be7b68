package decoder

import "fmt"

// ByteSource is the contract the decoder consumes: a cursor over memory
// that yields one byte per call, advancing RIP as bytes are consumed. It is
// satisfied by internal/cpu.Fetcher.
type ByteSource interface {
	NextByte() (byte, error)
}

var reg64Names = [16]string{"RAX", "RCX", "RDX", "RBX", "RSP", "RBP", "RSI", "RDI",
	"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15"}
var reg32Names = [16]string{"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI",
	"R8D", "R9D", "R10D", "R11D", "R12D", "R13D", "R14D", "R15D"}
var reg16Names = [16]string{"AX", "CX", "DX", "BX", "SP", "BP", "SI", "DI",
	"R8W", "R9W", "R10W", "R11W", "R12W", "R13W", "R14W", "R15W"}
var reg8LegacyNames = [8]string{"AL", "CL", "DL", "BL", "AH", "CH", "DH", "BH"}
var reg8RexNames = [16]string{"AL", "CL", "DL", "BL", "SPL", "BPL", "SIL", "DIL",
	"R8B", "R9B", "R10B", "R11B", "R12B", "R13B", "R14B", "R15B"}

func regName(width int, encoding int, hasRex bool) string {
	switch width {
	case 64:
		return reg64Names[encoding]
	case 32:
		return reg32Names[encoding]
	case 16:
		return reg16Names[encoding]
	default: // 8
		if hasRex {
			return reg8RexNames[encoding]
		}
		return reg8LegacyNames[encoding&7]
	}
}

// prefixes bundles the legacy/REX prefix bits consumed before the opcode
// byte.
type prefixes struct {
	rep      bool
	opsize16 bool // 0x66
	rexW     bool
	rexR     bool
	rexX     bool
	rexB     bool
	hasRex   bool
}

// decodeState carries the mutable decode cursor plus a running byte count
// so Instruction.Length reflects exactly what was consumed.
type decodeState struct {
	src ByteSource
	n   int
}

func (d *decodeState) next() (byte, error) {
	b, err := d.src.NextByte()
	if err != nil {
		return 0, err
	}
	d.n++
	return b, nil
}

// Decode reads one instruction from src. It is the decoder's sole exported
// entry point, matching the distilled spec's "a function taking a
// byte-source and returning one Instruction" collaborator contract.
func Decode(src ByteSource) (Instruction, error) {
	d := &decodeState{src: src}
	var p prefixes

	var opcodeByte byte
	for {
		b, err := d.next()
		if err != nil {
			return Instruction{}, err
		}
		switch {
		case b == 0xF3:
			p.rep = true
		case b == 0x66:
			p.opsize16 = true
		case b >= 0x40 && b <= 0x4F:
			p.hasRex = true
			p.rexW = b&0x08 != 0
			p.rexR = b&0x04 != 0
			p.rexX = b&0x02 != 0
			p.rexB = b&0x01 != 0
		default:
			opcodeByte = b
			goto decoded
		}
	}
decoded:
	inst, err := d.decodeOpcode(opcodeByte, p)
	if err != nil {
		return Instruction{}, err
	}
	inst.Rep = p.rep
	inst.Length = d.n
	return inst, nil
}

// operandWidth resolves the effective GPR operand width from the prefix
// state: REX.W selects 64-bit, 0x66 selects 16-bit, default is 32-bit.
func (p prefixes) operandWidth() int {
	switch {
	case p.rexW:
		return 64
	case p.opsize16:
		return 16
	default:
		return 32
	}
}

type modrm struct {
	mod, reg, rm int
}

func (d *decodeState) readModRM() (modrm, error) {
	b, err := d.next()
	if err != nil {
		return modrm{}, err
	}
	return modrm{mod: int(b >> 6), reg: int((b >> 3) & 7), rm: int(b & 7)}, nil
}

func (d *decodeState) readImm8() (int64, error) {
	b, err := d.next()
	if err != nil {
		return 0, err
	}
	return int64(int8(b)), nil
}

func (d *decodeState) readImm16() (int64, error) {
	lo, err := d.next()
	if err != nil {
		return 0, err
	}
	hi, err := d.next()
	if err != nil {
		return 0, err
	}
	return int64(int16(uint16(lo) | uint16(hi)<<8)), nil
}

func (d *decodeState) readImm32() (int64, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := d.next()
		if err != nil {
			return 0, err
		}
		v |= uint32(b) << (8 * i)
	}
	return int64(int32(v)), nil
}

func (d *decodeState) readImm64() (int64, error) {
	var v uint64
	for i := 0; i < 8; i++ {
		b, err := d.next()
		if err != nil {
			return 0, err
		}
		v |= uint64(b) << (8 * i)
	}
	return int64(v), nil
}

// readModRMOperand decodes a full ModRM(+SIB+disp) byte sequence into
// either a register operand (mod==11) or an indirect memory operand,
// addressed at rmWidth bits, plus the raw reg field (extended by REX.R) for
// callers that need the "other" operand.
func (d *decodeState) readModRMOperand(p prefixes, rmWidth int) (Operand, int, error) {
	m, err := d.readModRM()
	if err != nil {
		return Operand{}, 0, err
	}
	regField := m.reg
	if p.rexR {
		regField |= 8
	}

	if m.mod == 3 {
		rmField := m.rm
		if p.rexB {
			rmField |= 8
		}
		return RegOperand(regName(rmWidth, rmField, p.hasRex), rmWidth, false), regField, nil
	}

	var base, index *Register
	var scale uint8 = 1
	var disp int64
	sibDisp32 := false

	rmField := m.rm
	if rmField == 4 { // SIB follows
		sib, err := d.next()
		if err != nil {
			return Operand{}, 0, err
		}
		scaleBits := sib >> 6
		indexField := int((sib>>3)&7)
		baseField := int(sib & 7)
		if p.rexX {
			indexField |= 8
		}
		if p.rexB {
			baseField |= 8
		}
		scale = uint8(1) << scaleBits
		if indexField != 4 { // RSP (field 4 without REX.X) as index means "no index"; R12 is a valid index
			n := regName(64, indexField, true)
			index = &Register{Name: n, Width: 64}
		}
		if m.mod == 0 && (baseField&7) == 5 {
			// no base, disp32 follows
			sibDisp32 = true
		} else {
			n := regName(64, baseField, true)
			base = &Register{Name: n, Width: 64}
		}
	} else {
		baseField := rmField
		if p.rexB {
			baseField |= 8
		}
		if m.mod == 0 && rmField == 5 {
			// disp32, no base (historically RIP-relative; treated as
			// absolute per the distilled spec's effective-address formula,
			// which has no RIP-relative term)
		} else {
			n := regName(64, baseField, true)
			base = &Register{Name: n, Width: 64}
		}
	}

	switch m.mod {
	case 1:
		disp, err = d.readImm8()
	case 2:
		disp, err = d.readImm32()
	case 0:
		if rmField == 5 || sibDisp32 {
			disp, err = d.readImm32()
		}
	}
	if err != nil {
		return Operand{}, 0, err
	}

	return MemOperand(Indirect{Base: base, Index: index, Scale: scale, Displacement: disp, PointerSize: rmWidth}), regField, nil
}

func (d *decodeState) decodeOpcode(op byte, p prefixes) (Instruction, error) {
	width := p.operandWidth()

	switch {
	case op == 0x90:
		return Instruction{Op: NOP}, nil
	case op == 0xF4:
		return Instruction{Op: HLT}, nil
	case op == 0xC3:
		return Instruction{Op: RET}, nil
	case op == 0xC9:
		return Instruction{Op: LEAVE}, nil

	case op == 0x01, op == 0x29, op == 0x31, op == 0x21, op == 0x39: // ADD/SUB/XOR/AND/CMP r/m,reg (32/64)
		return d.decodeArithRmReg(op, p, width)
	case op == 0x03, op == 0x2B, op == 0x33, op == 0x23, op == 0x3B: // ADD/SUB/XOR/AND/CMP reg,r/m (32/64)
		return d.decodeArithRegRm(op, p, width)
	case op == 0x00, op == 0x28, op == 0x30, op == 0x20, op == 0x38: // 8-bit r/m,reg forms
		return d.decodeArithRmReg(op, p, 8)
	case op == 0x84: // TEST r/m8, r8
		return d.decodeTestRmReg(p, 8)
	case op == 0x85: // TEST r/m, r (32/64)
		return d.decodeTestRmReg(p, width)

	case op == 0x81: // ADD/SUB/AND/XOR/CMP r/m, imm32 (group 1)
		return d.decodeGroup1(p, width, false)
	case op == 0x83: // ADD/SUB/AND/XOR/CMP r/m, imm8 sign-extended
		return d.decodeGroup1(p, width, true)
	case op == 0xF7: // TEST r/m, imm32 (group 3, only /0 TEST implemented)
		return d.decodeGroup3(p, width)
	case op == 0xF6:
		return d.decodeGroup3(p, 8)

	case op == 0xC1: // SHL/SHR/SAR r/m, imm8 (group 2)
		return d.decodeGroup2(p, width, false)
	case op == 0xD3: // SHL/SHR/SAR r/m, CL (group 2)
		return d.decodeGroup2(p, width, true)

	case op == 0x89: // MOV r/m, reg
		return d.decodeMovRmReg(p, width)
	case op == 0x8B: // MOV reg, r/m
		return d.decodeMovRegRm(p, width)
	case op == 0x88: // MOV r/m8, r8
		return d.decodeMovRmReg(p, 8)
	case op == 0x8A: // MOV r8, r/m8
		return d.decodeMovRegRm(p, 8)
	case op >= 0xB8 && op <= 0xBF: // MOV/MOVABS reg, imm
		return d.decodeMovRegImm(op, p, width)
	case op == 0xC7: // MOV r/m, imm32 (sign-extended for 64-bit dest)
		return d.decodeMovRmImm(p, width)
	case op == 0x63: // MOVSXD r64, r/m32
		return d.decodeMovsxd(p)
	case op == 0x8D: // LEA reg, [mem]
		return d.decodeLea(p, width)

	case op == 0xAA: // STOS m8, AL
		return Instruction{Op: STOS, Operands: []Operand{MemOperand(Indirect{Base: &Register{Name: "RDI", Width: 64}, PointerSize: 8})}}, nil
	case op == 0xAB: // STOS m, RAX/EAX
		return Instruction{Op: STOS, Operands: []Operand{MemOperand(Indirect{Base: &Register{Name: "RDI", Width: 64}, PointerSize: width})}}, nil

	case op >= 0x50 && op <= 0x57: // PUSH r64
		return d.decodePushPopReg(op-0x50, PUSH, p)
	case op >= 0x58 && op <= 0x5F: // POP r64
		return d.decodePushPopReg(op-0x58, POP, p)
	case op == 0x68: // PUSH imm32
		imm, err := d.readImm32()
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: PUSH, Operands: []Operand{ImmOperand(32, imm)}}, nil
	case op == 0x6A: // PUSH imm8
		imm, err := d.readImm8()
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: PUSH, Operands: []Operand{ImmOperand(8, imm)}}, nil

	case op == 0xE8: // CALL rel32
		imm, err := d.readImm32()
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: CALL, Operands: []Operand{ImmOperand(32, imm)}}, nil
	case op == 0xFF: // CALL/PUSH r/m (group 5)
		return d.decodeGroup5(p, width)

	case op == 0xE9: // JMP rel32
		imm, err := d.readImm32()
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: JMP, Operands: []Operand{ImmOperand(32, imm)}}, nil
	case op == 0xEB: // JMP rel8
		imm, err := d.readImm8()
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: JMP, Operands: []Operand{ImmOperand(8, imm)}}, nil
	case op >= 0x70 && op <= 0x7F: // Jcc rel8
		imm, err := d.readImm8()
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: jccShortTable[op-0x70], Operands: []Operand{ImmOperand(8, imm)}}, nil

	case op == 0x0F:
		return d.decodeTwoByte(p, width)
	}

	return Instruction{}, fmt.Errorf("decoder: unrecognized opcode byte 0x%02x", op)
}

var jccShortTable = [16]Opcode{
	JO, JNO, JB, JAE, JE, JNE, JBE, JA,
	JS, JNS, JP, JNP, JL, JGE, JLE, JG,
}

func (d *decodeState) decodeTwoByte(p prefixes, width int) (Instruction, error) {
	op2, err := d.next()
	if err != nil {
		return Instruction{}, err
	}
	switch {
	case op2 == 0x0B:
		return Instruction{Op: UD2}, nil
	case op2 == 0x05:
		return Instruction{Op: SYSCALL}, nil
	case op2 == 0xA2:
		return Instruction{Op: CPUID}, nil
	case op2 == 0x1E:
		// ENDBR64 is F3 0F 1E FA; the F3 prefix already set p.rep.
		b, err := d.next()
		if err != nil {
			return Instruction{}, err
		}
		if b != 0xFA {
			return Instruction{}, fmt.Errorf("decoder: unrecognized 0x0F 0x1E modrm 0x%02x", b)
		}
		return Instruction{Op: ENDBR64}, nil
	case op2 >= 0x80 && op2 <= 0x8F: // Jcc rel32
		imm, err := d.readImm32()
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: jccShortTable[op2-0x80], Operands: []Operand{ImmOperand(32, imm)}}, nil
	case op2 == 0x45: // CMOVNE reg, r/m
		rm, regField, err := d.readModRMOperand(p, width)
		if err != nil {
			return Instruction{}, err
		}
		dst := RegOperand(regName(width, regField, p.hasRex), width, false)
		return Instruction{Op: CMOVNE, Operands: []Operand{dst, rm}}, nil
	case op2 == 0xB6: // MOVZX reg, r/m8
		return d.decodeMovzx(p, width, 8)
	case op2 == 0xB7: // MOVZX reg, r/m16
		return d.decodeMovzx(p, width, 16)
	case op2 >= 0x90 && op2 <= 0x9F: // SETcc r/m8
		rm, _, err := d.readModRMOperand(p, 8)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: SETcc, Operands: []Operand{ImmOperand(8, int64(op2-0x90)), rm}}, nil
	}
	return Instruction{}, fmt.Errorf("decoder: unrecognized two-byte opcode 0x0f 0x%02x", op2)
}

func (d *decodeState) decodeArithRmReg(op byte, p prefixes, width int) (Instruction, error) {
	rm, regField, err := d.readModRMOperand(p, width)
	if err != nil {
		return Instruction{}, err
	}
	reg := RegOperand(regName(width, regField, p.hasRex), width, false)
	return Instruction{Op: arithOpForByte(op), Operands: []Operand{rm, reg}}, nil
}

func (d *decodeState) decodeArithRegRm(op byte, p prefixes, width int) (Instruction, error) {
	rm, regField, err := d.readModRMOperand(p, width)
	if err != nil {
		return Instruction{}, err
	}
	reg := RegOperand(regName(width, regField, p.hasRex), width, false)
	return Instruction{Op: arithOpForByte(op), Operands: []Operand{reg, rm}}, nil
}

func arithOpForByte(op byte) Opcode {
	switch op & 0x38 {
	case 0x00:
		return ADD
	case 0x28:
		return SUB
	case 0x20:
		return AND
	case 0x30:
		return XOR
	case 0x38:
		return CMP
	}
	return OpInvalid
}

func (d *decodeState) decodeTestRmReg(p prefixes, width int) (Instruction, error) {
	rm, regField, err := d.readModRMOperand(p, width)
	if err != nil {
		return Instruction{}, err
	}
	reg := RegOperand(regName(width, regField, p.hasRex), width, false)
	return Instruction{Op: TEST, Operands: []Operand{rm, reg}}, nil
}

// group1Ops is indexed by the ModRM reg field for opcodes 0x81/0x83.
var group1Ops = [8]Opcode{ADD, OpInvalid, OpInvalid, OpInvalid, AND, SUB, XOR, CMP}

func (d *decodeState) decodeGroup1(p prefixes, width int, signExtendImm8 bool) (Instruction, error) {
	rm, regField, err := d.readModRMOperand(p, width)
	if err != nil {
		return Instruction{}, err
	}
	opc := group1Ops[regField&7]
	var imm int64
	if signExtendImm8 {
		imm, err = d.readImm8()
	} else if width == 16 {
		imm, err = d.readImm16()
	} else {
		imm, err = d.readImm32()
	}
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: opc, Operands: []Operand{rm, ImmOperand(width, imm)}}, nil
}

func (d *decodeState) decodeGroup3(p prefixes, width int) (Instruction, error) {
	rm, regField, err := d.readModRMOperand(p, width)
	if err != nil {
		return Instruction{}, err
	}
	if regField&7 != 0 {
		return Instruction{}, fmt.Errorf("decoder: group3 opcode /%d not implemented (only TEST /0)", regField&7)
	}
	var imm int64
	if width == 8 {
		imm, err = d.readImm8()
	} else if width == 16 {
		imm, err = d.readImm16()
	} else {
		imm, err = d.readImm32()
	}
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: TEST, Operands: []Operand{rm, ImmOperand(width, imm)}}, nil
}

// group2Ops is indexed by the ModRM reg field for opcodes 0xC1/0xD3.
var group2Ops = [8]Opcode{OpInvalid, OpInvalid, OpInvalid, OpInvalid, SHL, SHR, OpInvalid, SAR}

func (d *decodeState) decodeGroup2(p prefixes, width int, byCL bool) (Instruction, error) {
	rm, regField, err := d.readModRMOperand(p, width)
	if err != nil {
		return Instruction{}, err
	}
	opc := group2Ops[regField&7]
	var count Operand
	if byCL {
		count = RegOperand("CL", 8, false)
	} else {
		imm, err := d.readImm8()
		if err != nil {
			return Instruction{}, err
		}
		count = ImmOperand(8, imm)
	}
	return Instruction{Op: opc, Operands: []Operand{rm, count}}, nil
}

func (d *decodeState) decodeMovRmReg(p prefixes, width int) (Instruction, error) {
	rm, regField, err := d.readModRMOperand(p, width)
	if err != nil {
		return Instruction{}, err
	}
	reg := RegOperand(regName(width, regField, p.hasRex), width, false)
	return Instruction{Op: MOV, Operands: []Operand{rm, reg}}, nil
}

func (d *decodeState) decodeMovRegRm(p prefixes, width int) (Instruction, error) {
	rm, regField, err := d.readModRMOperand(p, width)
	if err != nil {
		return Instruction{}, err
	}
	reg := RegOperand(regName(width, regField, p.hasRex), width, false)
	return Instruction{Op: MOV, Operands: []Operand{reg, rm}}, nil
}

func (d *decodeState) decodeMovRegImm(op byte, p prefixes, width int) (Instruction, error) {
	encoding := int(op - 0xB8)
	if p.rexB {
		encoding |= 8
	}
	dst := RegOperand(regName(width, encoding, p.hasRex), width, false)
	mnemonic := MOV
	var imm int64
	var err error
	if p.rexW {
		mnemonic = MOVABS
		imm, err = d.readImm64()
	} else if width == 16 {
		imm, err = d.readImm16()
	} else {
		imm, err = d.readImm32()
	}
	if err != nil {
		return Instruction{}, err
	}
	immWidth := width
	if p.rexW {
		immWidth = 64
	}
	return Instruction{Op: mnemonic, Operands: []Operand{dst, ImmOperand(immWidth, imm)}}, nil
}

func (d *decodeState) decodeMovRmImm(p prefixes, width int) (Instruction, error) {
	rm, regField, err := d.readModRMOperand(p, width)
	if err != nil {
		return Instruction{}, err
	}
	if regField&7 != 0 {
		return Instruction{}, fmt.Errorf("decoder: 0xC7 reg field /%d is not MOV", regField&7)
	}
	var imm int64
	if width == 16 {
		imm, err = d.readImm16()
	} else {
		imm, err = d.readImm32()
	}
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: MOV, Operands: []Operand{rm, ImmOperand(width, imm)}}, nil
}

func (d *decodeState) decodeMovsxd(p prefixes) (Instruction, error) {
	rm, regField, err := d.readModRMOperand(p, 32)
	if err != nil {
		return Instruction{}, err
	}
	destWidth := 64
	if !p.rexW {
		destWidth = 32
	}
	dst := RegOperand(regName(destWidth, regField, p.hasRex), destWidth, false)
	return Instruction{Op: MOVSXD, Operands: []Operand{dst, rm}}, nil
}

func (d *decodeState) decodeMovzx(p prefixes, destWidth, srcWidth int) (Instruction, error) {
	rm, regField, err := d.readModRMOperand(p, srcWidth)
	if err != nil {
		return Instruction{}, err
	}
	dst := RegOperand(regName(destWidth, regField, p.hasRex), destWidth, false)
	return Instruction{Op: MOVZX, Operands: []Operand{dst, rm}}, nil
}

func (d *decodeState) decodeLea(p prefixes, width int) (Instruction, error) {
	rm, regField, err := d.readModRMOperand(p, width)
	if err != nil {
		return Instruction{}, err
	}
	if rm.Kind != KindIndirect {
		return Instruction{}, fmt.Errorf("decoder: LEA requires a memory operand")
	}
	dst := RegOperand(regName(width, regField, p.hasRex), width, false)
	return Instruction{Op: LEA, Operands: []Operand{dst, rm}}, nil
}

func (d *decodeState) decodePushPopReg(encoding byte, op Opcode, p prefixes) (Instruction, error) {
	enc := int(encoding)
	if p.rexB {
		enc |= 8
	}
	return Instruction{Op: op, Operands: []Operand{RegOperand(regName(64, enc, true), 64, false)}}, nil
}

func (d *decodeState) decodeGroup5(p prefixes, width int) (Instruction, error) {
	rm, regField, err := d.readModRMOperand(p, 64)
	if err != nil {
		return Instruction{}, err
	}
	switch regField & 7 {
	case 2: // CALL r/m64 (indirect, absolute)
		return Instruction{Op: CALL, Operands: []Operand{rm}}, nil
	case 6: // PUSH r/m64
		return Instruction{Op: PUSH, Operands: []Operand{rm}}, nil
	}
	return Instruction{}, fmt.Errorf("decoder: group5 /%d not implemented", regField&7)
}
