package exec

import (
	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/decode"
	"github.com/BinaryMelodies/x86-emulator-core/state"
)

// aluKind names one of the eight ALU-group operations sharing the
// same six-opcode encoding shape (Eb,Gb / Ev,Gv / Gb,Eb / Gv,Ev /
// AL,Ib / eAX,Iv): one parameterized implementation instead of one
// method per opcode-operand combination, since the arithmetic itself
// is identical across the group and only the combining function
// differs.
type aluKind int

const (
	aluADD aluKind = iota
	aluOR
	aluADC
	aluSBB
	aluAND
	aluSUB
	aluXOR
	aluCMP
)

func (c *CPU) aluCombine(kind aluKind, a, b uint64, size int) uint64 {
	mask := sizeMask(size)
	switch kind {
	case aluADD:
		return (a + b) & mask
	case aluOR:
		return (a | b) & mask
	case aluADC:
		return (a + b + uint64(c.State.Flags.CF&1)) & mask
	case aluSBB:
		return (a - b - uint64(boolToU(c.State.Flags.IsCF()))) & mask
	case aluAND:
		return (a & b) & mask
	case aluSUB, aluCMP:
		return (a - b) & mask
	case aluXOR:
		return (a ^ b) & mask
	}
	return 0
}

func boolToU(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func sizeMask(size int) uint64 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFFFFFF
	default:
		return 0xFFFFFFFFFFFFFFFF
	}
}

func signBit(size int) uint64 { return 1 << (uint(size)*8 - 1) }

func signExtend(v uint64, size int) int64 {
	switch size {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func isSub(kind aluKind) bool {
	return kind == aluSUB || kind == aluCMP || kind == aluSBB
}

func isLogic(kind aluKind) bool {
	return kind == aluOR || kind == aluAND || kind == aluXOR
}

func (c *CPU) setArithFlags(size int, result, a, b uint64, sub bool) {
	// SetArith8/16/32 read CF from the bits above the operand width, so
	// they get the unmasked sum or (wrapping) difference.
	mask := sizeMask(size)
	full := (a & mask) + (b & mask)
	if sub {
		full = (a & mask) - (b & mask)
	}
	switch size {
	case 1:
		c.State.Flags.SetArith8(uint16(full), byte(a), byte(b), sub)
	case 2:
		c.State.Flags.SetArith16(uint32(full), uint16(a), uint16(b), sub)
	case 4:
		c.State.Flags.SetArith32(full, uint32(a), uint32(b), sub)
	default:
		carry := result > a
		if sub {
			carry = a < b
		}
		c.State.Flags.SetArith64(result, boolToU(carry), a, b, sub)
	}
}

func (c *CPU) setLogicFlags(size int, result uint64) {
	switch size {
	case 1:
		c.State.Flags.SetLogic8(byte(result))
	case 2:
		c.State.Flags.SetLogic16(uint16(result))
	case 4:
		c.State.Flags.SetLogic32(uint32(result))
	default:
		c.State.Flags.SetLogic64(result)
	}
}

func (c *CPU) setFlagsFor(kind aluKind, size int, result, a, b uint64) {
	if isLogic(kind) {
		c.setLogicFlags(size, result)
		return
	}
	withCarryIn := kind == aluADC || kind == aluSBB
	if withCarryIn {
		// ADC/SBB flags fold the carry into the second operand for the
		// CF/OF computation; do it arithmetically rather than
		// special-casing each width.
		c.setCarryChainFlags(kind, size, result, a, b)
		return
	}
	c.setArithFlags(size, result, a, b, isSub(kind))
}

func (c *CPU) setCarryChainFlags(kind aluKind, size int, result, a, b uint64) {
	mask := sizeMask(size)
	cin := uint64(boolToU(c.State.Flags.IsCF()))
	f := &c.State.Flags
	if kind == aluADC {
		full := (a & mask) + (b & mask) + cin
		f.SetCF(full > mask)
		f.SetOF((^(a ^ b) & (a ^ result) & signBit(size)) != 0)
		f.SetAF((a&0xF)+(b&0xF)+cin > 0xF)
	} else {
		f.SetCF((a&mask) < (b&mask)+cin || ((b&mask) == mask && cin == 1))
		f.SetOF(((a ^ b) & (a ^ result) & signBit(size)) != 0)
		f.SetAF((a & 0xF) < (b&0xF)+cin)
	}
	f.SetZF(result&mask == 0)
	f.SetSF(result&signBit(size) != 0)
	f.SetPF(state.Parity(byte(result)))
}

// aluEbGb etc. implement the six standard encodings for one ALU
// group. dst/src naming matches the Intel manual's Eb,Gb / Gb,Eb
// convention: E operands may be register or memory, G operands always
// name a register via the ModRM.reg field.

func (c *CPU) aluRMtoReg(kind aluKind, inst decode.Instruction, size int) {
	a := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	b := c.readReg(inst, size)
	result := c.aluCombine(kind, a, b, size)
	c.setFlagsFor(kind, size, result, a, b)
	if kind != aluCMP {
		c.writeRM(inst, size, result)
	}
}

func (c *CPU) aluRegFromRM(kind aluKind, inst decode.Instruction, size int) {
	a := c.readReg(inst, size)
	b := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	result := c.aluCombine(kind, a, b, size)
	c.setFlagsFor(kind, size, result, a, b)
	if kind != aluCMP {
		c.writeReg(inst, size, result)
	}
}

func (c *CPU) aluAccImm(kind aluKind, size int, imm uint64) {
	if c.lastFault != nil {
		return
	}
	a := regRead(&c.State.GPR, state.RegAX, size)
	result := c.aluCombine(kind, a, imm, size)
	c.setFlagsFor(kind, size, result, a, imm)
	if kind != aluCMP {
		regWrite(&c.State.GPR, state.RegAX, size, result)
	}
}

// opGroup1 is the 0x80/0x81/0x83 immediate-operand ALU group: the
// ModRM reg field selects the operation.
func (c *CPU) opGroup1(inst decode.Instruction, size, immSize int) {
	kind := aluKind(inst.ModRM.Reg)
	var imm uint64
	if immSize < size {
		imm = c.fetchImmSignExtended(immSize, size)
	} else {
		imm = c.fetchImm(immSize)
	}
	if c.lastFault != nil {
		return
	}
	a := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	result := c.aluCombine(kind, a, imm, size)
	c.setFlagsFor(kind, size, result, a, imm)
	if kind != aluCMP {
		c.writeRM(inst, size, result)
	}
}

// incDec applies INC/DEC's flag rule: everything an add/sub of 1 sets
// except CF, which is preserved.
func (c *CPU) incDec(size int, v uint64, dec bool) uint64 {
	savedCF := c.State.Flags.CF
	var result uint64
	if dec {
		result = (v - 1) & sizeMask(size)
		c.setArithFlags(size, result, v, 1, true)
	} else {
		result = (v + 1) & sizeMask(size)
		c.setArithFlags(size, result, v, 1, false)
	}
	c.State.Flags.CF = savedCF
	return result
}

// opIncDecReg is the one-byte 0x40-0x4F encodings (never reached in
// 64-bit mode, where those bytes are REX prefixes).
func (c *CPU) opIncDecReg(inst decode.Instruction) {
	size := c.operandSize(inst)
	reg := int(inst.Opcode & 7)
	dec := inst.Opcode >= 0x48
	v := regRead(&c.State.GPR, reg, size)
	regWrite(&c.State.GPR, reg, size, c.incDec(size, v, dec))
}

// opGroup4 is 0xFE: INC/DEC r/m8.
func (c *CPU) opGroup4(inst decode.Instruction) {
	switch inst.ModRM.Reg {
	case 0, 1:
		v := c.readRM(inst, 1)
		if c.lastFault != nil {
			return
		}
		c.writeRM(inst, 1, c.incDec(1, v, inst.ModRM.Reg == 1))
	default:
		c.undefined()
	}
}

// opGroup5 is 0xFF: INC/DEC/CALL/CALL far/JMP/JMP far/PUSH on r/m.
func (c *CPU) opGroup5(inst decode.Instruction) {
	size := c.operandSize(inst)
	switch inst.ModRM.Reg {
	case 0, 1:
		v := c.readRM(inst, size)
		if c.lastFault != nil {
			return
		}
		c.writeRM(inst, size, c.incDec(size, v, inst.ModRM.Reg == 1))
	case 2: // CALL near indirect
		target := c.readRM(inst, size)
		if c.lastFault != nil {
			return
		}
		c.push(c.stackSize(inst), c.State.XIP)
		if c.lastFault != nil {
			return
		}
		c.State.XIP = target & sizeMask(size)
	case 3: // CALL far indirect: m16:size pointer in memory
		c.farTransferViaMem(inst, size, true)
	case 4: // JMP near indirect
		target := c.readRM(inst, size)
		if c.lastFault != nil {
			return
		}
		c.State.XIP = target & sizeMask(size)
	case 5: // JMP far indirect
		c.farTransferViaMem(inst, size, false)
	case 6: // PUSH r/m
		v := c.readRM(inst, size)
		if c.lastFault != nil {
			return
		}
		c.push(c.stackSize(inst), v)
	default:
		c.undefined()
	}
}

// opGroup3 is 0xF6/0xF7: TEST imm, NOT, NEG, MUL, IMUL, DIV, IDIV.
func (c *CPU) opGroup3(inst decode.Instruction, size int) {
	switch inst.ModRM.Reg {
	case 0, 1: // TEST r/m, imm
		v := c.readRM(inst, size)
		if c.lastFault != nil {
			return
		}
		imm := c.fetchImm(immSizeFor(size))
		if c.lastFault != nil {
			return
		}
		if size == 8 {
			imm = uint64(int64(int32(imm)))
		}
		c.setLogicFlags(size, v&imm)
	case 2: // NOT
		v := c.readRM(inst, size)
		if c.lastFault != nil {
			return
		}
		c.writeRM(inst, size, ^v&sizeMask(size))
	case 3: // NEG
		v := c.readRM(inst, size)
		if c.lastFault != nil {
			return
		}
		result := (-v) & sizeMask(size)
		c.setArithFlags(size, result, 0, v, true)
		c.State.Flags.SetCF(v != 0)
		c.writeRM(inst, size, result)
	case 4:
		c.mulUnsigned(inst, size)
	case 5:
		c.mulSigned(inst, size)
	case 6:
		c.divUnsigned(inst, size)
	case 7:
		c.divSigned(inst, size)
	}
}

// mulUnsigned implements MUL: widening multiply into DX:AX (or
// AH:AL / EDX:EAX / RDX:RAX), CF/OF set when the high half is nonzero.
func (c *CPU) mulUnsigned(inst decode.Instruction, size int) {
	src := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	a := regRead(&c.State.GPR, state.RegAX, size)
	g := &c.State.GPR
	var high uint64
	switch size {
	case 1:
		full := uint16(byte(a)) * uint16(byte(src))
		g.Write16(state.RegAX, full)
		high = uint64(full >> 8)
	case 2:
		full := uint32(uint16(a)) * uint32(uint16(src))
		g.Write16(state.RegAX, uint16(full))
		g.Write16(state.RegDX, uint16(full>>16))
		high = uint64(full >> 16)
	case 4:
		full := uint64(uint32(a)) * uint64(uint32(src))
		g.Write32(state.RegAX, uint32(full))
		g.Write32(state.RegDX, uint32(full>>32))
		high = full >> 32
	default:
		hi, lo := mul64(a, src)
		g.Write64(state.RegAX, lo)
		g.Write64(state.RegDX, hi)
		high = hi
	}
	c.State.Flags.SetCF(high != 0)
	c.State.Flags.SetOF(high != 0)
}

func (c *CPU) mulSigned(inst decode.Instruction, size int) {
	src := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	a := regRead(&c.State.GPR, state.RegAX, size)
	g := &c.State.GPR
	sa, sb := signExtend(a, size), signExtend(src, size)
	full := sa * sb
	overflow := signExtend(uint64(full)&sizeMask(size), size) != full
	switch size {
	case 1:
		g.Write16(state.RegAX, uint16(full))
	case 2:
		g.Write16(state.RegAX, uint16(full))
		g.Write16(state.RegDX, uint16(full>>16))
	case 4:
		g.Write32(state.RegAX, uint32(full))
		g.Write32(state.RegDX, uint32(full>>32))
	default:
		hi, lo := mul64(uint64(sa), uint64(sb))
		// Two's-complement correction turns the unsigned 128-bit product
		// into the signed one.
		if sa < 0 {
			hi -= uint64(sb)
		}
		if sb < 0 {
			hi -= uint64(sa)
		}
		g.Write64(state.RegAX, lo)
		g.Write64(state.RegDX, hi)
		expect := uint64(0)
		if int64(lo) < 0 {
			expect = ^uint64(0)
		}
		overflow = hi != expect
	}
	c.State.Flags.SetCF(overflow)
	c.State.Flags.SetOF(overflow)
}

// imul2op implements the two/three-operand IMUL forms (0F AF, 69, 6B):
// truncating signed multiply into the reg operand.
func (c *CPU) imul2op(inst decode.Instruction, size int, imm uint64, hasImm bool) {
	b := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	var a uint64
	if hasImm {
		a = imm
	} else {
		a = c.readReg(inst, size)
	}
	full := signExtend(a, size) * signExtend(b, size)
	result := uint64(full) & sizeMask(size)
	overflow := signExtend(result, size) != full
	c.State.Flags.SetCF(overflow)
	c.State.Flags.SetOF(overflow)
	c.writeReg(inst, size, result)
}

// raiseDivideError reports #DE; Step's fault path restores xIP so the
// faulting DIV/IDIV restarts after the handler returns, per the
// architectural fault (not trap) classification of vector 0.
func (c *CPU) raiseDivideError() {
	c.lastFault = &bus.Fault{Vector: 0, Msg: "divide error"}
}

func (c *CPU) divUnsigned(inst decode.Instruction, size int) {
	src := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	if src == 0 {
		c.raiseDivideError()
		return
	}
	g := &c.State.GPR
	switch size {
	case 1:
		dividend := uint16(g.Read16(state.RegAX))
		q := dividend / uint16(byte(src))
		if q > 0xFF {
			c.raiseDivideError()
			return
		}
		r := dividend % uint16(byte(src))
		g.Write8Low(state.RegAX, byte(q))
		g.Write8High(state.RegAX, byte(r))
	case 2:
		dividend := uint32(g.Read16(state.RegDX))<<16 | uint32(g.Read16(state.RegAX))
		q := dividend / uint32(uint16(src))
		if q > 0xFFFF {
			c.raiseDivideError()
			return
		}
		r := dividend % uint32(uint16(src))
		g.Write16(state.RegAX, uint16(q))
		g.Write16(state.RegDX, uint16(r))
	case 4:
		dividend := uint64(g.Read32(state.RegDX))<<32 | uint64(g.Read32(state.RegAX))
		q := dividend / uint64(uint32(src))
		if q > 0xFFFFFFFF {
			c.raiseDivideError()
			return
		}
		r := dividend % uint64(uint32(src))
		g.Write32(state.RegAX, uint32(q))
		g.Write32(state.RegDX, uint32(r))
	default:
		// 128/64 divide of RDX:RAX; the quotient fits in 64 bits exactly
		// when RDX < divisor, otherwise #DE.
		hi, lo := g.Read64(state.RegDX), g.Read64(state.RegAX)
		if hi >= src {
			c.raiseDivideError()
			return
		}
		q, r := div128(hi, lo, src)
		g.Write64(state.RegAX, q)
		g.Write64(state.RegDX, r)
	}
}

func (c *CPU) divSigned(inst decode.Instruction, size int) {
	src := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	divisor := signExtend(src, size)
	if divisor == 0 {
		c.raiseDivideError()
		return
	}
	g := &c.State.GPR
	var dividend int64
	switch size {
	case 1:
		dividend = int64(int16(g.Read16(state.RegAX)))
	case 2:
		dividend = int64(int32(uint32(g.Read16(state.RegDX))<<16 | uint32(g.Read16(state.RegAX))))
	case 4:
		dividend = int64(uint64(g.Read32(state.RegDX))<<32 | uint64(g.Read32(state.RegAX)))
	default:
		dividend = int64(g.Read64(state.RegAX)) // RDX:RAX narrowed to RAX; unlike divUnsigned, RDX is not consulted
	}
	q := dividend / divisor
	r := dividend % divisor
	limit := int64(signBit(size))
	if q >= limit || q < -limit {
		c.raiseDivideError()
		return
	}
	switch size {
	case 1:
		g.Write8Low(state.RegAX, byte(q))
		g.Write8High(state.RegAX, byte(r))
	case 2:
		g.Write16(state.RegAX, uint16(q))
		g.Write16(state.RegDX, uint16(r))
	case 4:
		g.Write32(state.RegAX, uint32(q))
		g.Write32(state.RegDX, uint32(r))
	default:
		g.Write64(state.RegAX, uint64(q))
		g.Write64(state.RegDX, uint64(r))
	}
}

// mul64 is a 64x64->128 multiply built from 32-bit halves, written
// out so the engine carries no dependency on math/bits' availability
// decisions.
func mul64(a, b uint64) (hi, lo uint64) {
	a0, a1 := a&0xFFFFFFFF, a>>32
	b0, b1 := b&0xFFFFFFFF, b>>32
	t := a0 * b0
	lo = t & 0xFFFFFFFF
	carry := t >> 32
	t = a1*b0 + carry
	carry = t >> 32
	mid := t & 0xFFFFFFFF
	t = a0*b1 + mid
	lo |= (t & 0xFFFFFFFF) << 32
	hi = a1*b1 + carry + (t >> 32)
	return
}

// div128 divides hi:lo by d (hi < d guaranteed by the caller), by
// schoolbook binary long division.
func div128(hi, lo, d uint64) (q, r uint64) {
	r = hi
	for i := 63; i >= 0; i-- {
		carry := r >> 63
		r = r<<1 | (lo>>uint(i))&1
		if carry != 0 || r >= d {
			r -= d
			q |= 1 << uint(i)
		}
	}
	return
}

// opTest is 0x84/0x85: AND flags without writeback.
func (c *CPU) opTest(inst decode.Instruction, size int) {
	a := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	b := c.readReg(inst, size)
	c.setLogicFlags(size, a&b)
}

func (c *CPU) opTestAccImm(inst decode.Instruction, size int) {
	imm := c.fetchImm(immSizeFor(size))
	if c.lastFault != nil {
		return
	}
	a := regRead(&c.State.GPR, state.RegAX, size)
	c.setLogicFlags(size, a&imm)
}

// BCD adjustment family. AAM/AAD take an explicit radix immediate (10
// in every assembler's default encoding); DAA/DAS/AAA/AAS follow the
// architectural AF/CF chains.

func (c *CPU) opDaa(inst decode.Instruction) {
	f := &c.State.Flags
	al := c.State.GPR.Read8Low(state.RegAX)
	oldAL := al
	oldCF := f.IsCF()
	if al&0x0F > 9 || f.IsAF() {
		al += 6
		f.SetAF(true)
	} else {
		f.SetAF(false)
	}
	if oldAL > 0x99 || oldCF {
		al += 0x60
		f.SetCF(true)
	} else {
		f.SetCF(false)
	}
	c.State.GPR.Write8Low(state.RegAX, al)
	f.SetZF(al == 0)
	f.SetSF(al&0x80 != 0)
	f.SetPF(state.Parity(al))
}

func (c *CPU) opDas(inst decode.Instruction) {
	f := &c.State.Flags
	al := c.State.GPR.Read8Low(state.RegAX)
	oldAL := al
	oldCF := f.IsCF()
	if al&0x0F > 9 || f.IsAF() {
		al -= 6
		f.SetAF(true)
	} else {
		f.SetAF(false)
	}
	if oldAL > 0x99 || oldCF {
		al -= 0x60
		f.SetCF(true)
	} else {
		f.SetCF(false)
	}
	c.State.GPR.Write8Low(state.RegAX, al)
	f.SetZF(al == 0)
	f.SetSF(al&0x80 != 0)
	f.SetPF(state.Parity(al))
}

func (c *CPU) opAaa(inst decode.Instruction) {
	f := &c.State.Flags
	g := &c.State.GPR
	al := g.Read8Low(state.RegAX)
	if al&0x0F > 9 || f.IsAF() {
		g.Write8Low(state.RegAX, (al+6)&0x0F)
		g.Write8High(state.RegAX, g.Read8High(state.RegAX)+1)
		f.SetAF(true)
		f.SetCF(true)
	} else {
		g.Write8Low(state.RegAX, al&0x0F)
		f.SetAF(false)
		f.SetCF(false)
	}
}

func (c *CPU) opAas(inst decode.Instruction) {
	f := &c.State.Flags
	g := &c.State.GPR
	al := g.Read8Low(state.RegAX)
	if al&0x0F > 9 || f.IsAF() {
		g.Write8Low(state.RegAX, (al-6)&0x0F)
		g.Write8High(state.RegAX, g.Read8High(state.RegAX)-1)
		f.SetAF(true)
		f.SetCF(true)
	} else {
		g.Write8Low(state.RegAX, al&0x0F)
		f.SetAF(false)
		f.SetCF(false)
	}
}

func (c *CPU) opAam(inst decode.Instruction) {
	radix := byte(c.fetchImm(1))
	if c.lastFault != nil {
		return
	}
	if radix == 0 {
		c.raiseDivideError()
		return
	}
	g := &c.State.GPR
	al := g.Read8Low(state.RegAX)
	g.Write8High(state.RegAX, al/radix)
	al %= radix
	g.Write8Low(state.RegAX, al)
	c.State.Flags.SetZF(al == 0)
	c.State.Flags.SetSF(al&0x80 != 0)
	c.State.Flags.SetPF(state.Parity(al))
}

func (c *CPU) opAad(inst decode.Instruction) {
	radix := byte(c.fetchImm(1))
	if c.lastFault != nil {
		return
	}
	g := &c.State.GPR
	al := g.Read8Low(state.RegAX) + g.Read8High(state.RegAX)*radix
	g.Write8Low(state.RegAX, al)
	g.Write8High(state.RegAX, 0)
	c.State.Flags.SetZF(al == 0)
	c.State.Flags.SetSF(al&0x80 != 0)
	c.State.Flags.SetPF(state.Parity(al))
}

// fetchImm reads an immediate of the given byte width directly from
// the instruction stream positioned right after ModRM/disp, used by
// both the ALU-to-accumulator forms and MOV reg,imm/arithmetic
// group-1 opcodes.
func (c *CPU) fetchImm(size int) uint64 {
	v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, state.SegCS, c.State.XIP, size)
	if flt != nil {
		c.lastFault = flt
		return 0
	}
	c.State.XIP += uint64(size)
	c.immConsumed += size
	return v
}

func (c *CPU) fetchImmSignExtended(size, to int) uint64 {
	v := c.fetchImm(size)
	switch size {
	case 1:
		return uint64(int64(int8(v))) & sizeMask(to)
	case 2:
		return uint64(int64(int16(v))) & sizeMask(to)
	default:
		return uint64(int64(int32(v))) & sizeMask(to)
	}
}
