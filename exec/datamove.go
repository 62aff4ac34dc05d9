package exec

import (
	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/decode"
	"github.com/BinaryMelodies/x86-emulator-core/state"
)

func (c *CPU) opMovRMtoReg(inst decode.Instruction, size int) {
	v := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	c.writeReg(inst, size, v)
}

func (c *CPU) opMovRegToRM(inst decode.Instruction, size int) {
	v := c.readReg(inst, size)
	c.writeRM(inst, size, v)
}

func (c *CPU) opMovRegImm(inst decode.Instruction, size int) {
	reg := int(inst.Opcode&7) | boolRegBit(inst.Prefixes.RexB)
	imm := c.fetchImm(size)
	if c.lastFault != nil {
		return
	}
	if size == 1 && !inst.Prefixes.HasREX && reg >= 4 && reg <= 7 {
		c.State.GPR.Write8High(reg-4, byte(imm))
		return
	}
	regWrite(&c.State.GPR, reg, size, imm)
}

// opMovRMImm is C6/C7: MOV r/m, imm (group 11, only /0 defined).
func (c *CPU) opMovRMImm(inst decode.Instruction, size int) {
	if inst.ModRM.Reg != 0 {
		c.undefined()
		return
	}
	imm := c.fetchImm(immSizeFor(size))
	if c.lastFault != nil {
		return
	}
	if size == 8 {
		imm = uint64(int64(int32(imm)))
	}
	c.writeRM(inst, size, imm)
}

// opMovAccMoffs handles A0-A3: MOV between the accumulator and a
// direct segment-relative offset whose width is the address size.
func (c *CPU) opMovAccMoffs(inst decode.Instruction, size int, toAcc bool) {
	offBytes := c.addrBits(inst) / 8
	off := c.fetchImm(offBytes)
	if c.lastFault != nil {
		return
	}
	seg := c.overrideSeg(state.SegDS, inst)
	if toAcc {
		v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, off, size)
		if flt != nil {
			c.lastFault = flt
			return
		}
		regWrite(&c.State.GPR, state.RegAX, size, v)
		return
	}
	v := regRead(&c.State.GPR, state.RegAX, size)
	if flt := c.Mem.Write(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, off, size, v); flt != nil {
		c.lastFault = flt
	}
}

// opXchg is 86/87; opXchgAcc covers the 91-97 short forms. XCHG with a
// memory operand asserts LOCK implicitly on real silicon; this
// single-CPU model needs no bus-lock bookkeeping for that.
func (c *CPU) opXchg(inst decode.Instruction, size int) {
	a := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	b := c.readReg(inst, size)
	c.writeRM(inst, size, b)
	if c.lastFault != nil {
		return
	}
	c.writeReg(inst, size, a)
}

func (c *CPU) opXchgAcc(inst decode.Instruction) {
	size := c.operandSize(inst)
	reg := int(inst.Opcode&7) | boolRegBit(inst.Prefixes.RexB)
	a := regRead(&c.State.GPR, state.RegAX, size)
	b := regRead(&c.State.GPR, reg, size)
	regWrite(&c.State.GPR, state.RegAX, size, b)
	regWrite(&c.State.GPR, reg, size, a)
}

func (c *CPU) opLea(inst decode.Instruction) {
	if inst.ModRM.IsRegister {
		c.undefined()
		return
	}
	size := c.operandSize(inst)
	offset, _ := c.effectiveAddress(inst)
	c.writeReg(inst, size, offset&sizeMask(size))
}

// opMovSregToRM / opMovRMToSreg are 8C/8E. A selector load through 8E
// runs the full LoadSelector sequence (type/privilege/limit check +
// descriptor-cache refill); loading SS additionally arms the
// one-instruction interrupt shadow.
func (c *CPU) opMovSregToRM(inst decode.Instruction) {
	segIdx := sregIndex(inst.ModRM.Reg)
	if segIdx < 0 {
		c.undefined()
		return
	}
	c.writeRM(inst, 2, uint64(c.State.Segs.Regs[segIdx].Selector))
}

func (c *CPU) opMovRMToSreg(inst decode.Instruction) {
	segIdx := sregIndex(inst.ModRM.Reg)
	if segIdx < 0 || segIdx == state.SegCS {
		c.undefined() // MOV CS, r/m is not a valid encoding
		return
	}
	sel := uint16(c.readRM(inst, 2))
	if c.lastFault != nil {
		return
	}
	c.loadSegment(segIdx, sel)
	if segIdx == state.SegSS && c.lastFault == nil {
		c.inhibitInterrupts = true
	}
}

func sregIndex(reg byte) int {
	switch reg {
	case 0:
		return state.SegES
	case 1:
		return state.SegCS
	case 2:
		return state.SegSS
	case 3:
		return state.SegDS
	case 4:
		return state.SegFS
	case 5:
		return state.SegGS
	}
	return -1
}

// loadSegment funnels every segment-register selector load (data
// segments, and CS for far transfers) through
// bus.LoadSelector, then applies the long-mode base/limit forcing.
func (c *CPU) loadSegment(segIdx int, sel uint16) {
	mode := c.busMode()
	rpl := uint8(sel & 3)
	if flt := bus.LoadSelector(c.Desc, &c.State.Segs, mode, segIdx, sel, rpl, c.State.CPL); flt != nil {
		c.lastFault = flt
		return
	}
	if mode == bus.ModeLong {
		c.State.Segs.ForceLongModeDSESSS()
	}
}

// opLoadFarPointer implements LES/LDS (C4/C5) and the 0F-map
// LSS/LFS/LGS: load offset into reg, then the trailing selector into
// the named segment register.
func (c *CPU) opLoadFarPointer(inst decode.Instruction, segIdx int) {
	if inst.ModRM.IsRegister {
		c.undefined()
		return
	}
	size := c.operandSize(inst)
	offset, defSeg := c.effectiveAddress(inst)
	seg := c.overrideSeg(defSeg, inst)
	off, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, offset, size)
	if flt != nil {
		c.lastFault = flt
		return
	}
	sel, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, offset+uint64(size), 2)
	if flt != nil {
		c.lastFault = flt
		return
	}
	c.loadSegment(segIdx, uint16(sel))
	if c.lastFault != nil {
		return
	}
	c.writeReg(inst, size, off)
}

// opPushSeg/opPopSeg cover the one-byte 06/0E/16/1E/07/17/1F forms and
// the 0F A0/A1/A8/A9 FS/GS forms.
func (c *CPU) opPushSeg(inst decode.Instruction, segIdx int) {
	c.push(c.stackSize(inst), uint64(c.State.Segs.Regs[segIdx].Selector))
}

func (c *CPU) opPopSeg(inst decode.Instruction, segIdx int) {
	sel := uint16(c.pop(c.stackSize(inst)))
	if c.lastFault != nil {
		return
	}
	c.loadSegment(segIdx, sel)
	if segIdx == state.SegSS && c.lastFault == nil {
		c.inhibitInterrupts = true
	}
}

// opPopRM is 8F /0.
func (c *CPU) opPopRM(inst decode.Instruction) {
	if inst.ModRM.Reg != 0 {
		c.undefined()
		return
	}
	size := c.stackSize(inst)
	v := c.pop(size)
	if c.lastFault != nil {
		return
	}
	c.writeRM(inst, c.operandSize(inst), v)
}

func (c *CPU) opPushImm(inst decode.Instruction, immSize int) {
	size := c.stackSize(inst)
	var v uint64
	if immSize == 1 {
		v = c.fetchImmSignExtended(1, size)
	} else {
		v = c.fetchImm(immSizeFor(c.operandSize(inst)))
	}
	if c.lastFault != nil {
		return
	}
	c.push(size, v)
}

// opPusha/opPopa are the 186-class 60/61 block moves of the whole GPR
// file; the saved SP is the value before the PUSHA began, and POPA
// skips the stored SP slot.
func (c *CPU) opPusha(inst decode.Instruction) {
	size := c.operandSize(inst)
	g := &c.State.GPR
	sp := regRead(g, state.RegSP, size)
	order := []int{state.RegAX, state.RegCX, state.RegDX, state.RegBX, state.RegSP, state.RegBP, state.RegSI, state.RegDI}
	for _, reg := range order {
		v := regRead(g, reg, size)
		if reg == state.RegSP {
			v = sp
		}
		c.push(size, v)
		if c.lastFault != nil {
			return
		}
	}
}

func (c *CPU) opPopa(inst decode.Instruction) {
	size := c.operandSize(inst)
	g := &c.State.GPR
	order := []int{state.RegDI, state.RegSI, state.RegBP, state.RegSP, state.RegBX, state.RegDX, state.RegCX, state.RegAX}
	for _, reg := range order {
		v := c.pop(size)
		if c.lastFault != nil {
			return
		}
		if reg == state.RegSP {
			continue // the stored SP image is discarded
		}
		regWrite(g, reg, size, v)
	}
}

// opCbw sign-extends AL->AX (or AX->EAX / EAX->RAX under wider operand
// sizes); opCwd replicates the sign of the accumulator into DX.
func (c *CPU) opCbw(inst decode.Instruction) {
	size := c.operandSize(inst)
	g := &c.State.GPR
	switch size {
	case 2:
		g.Write16(state.RegAX, uint16(int16(int8(g.Read8Low(state.RegAX)))))
	case 4:
		g.Write32(state.RegAX, uint32(int32(int16(g.Read16(state.RegAX)))))
	default:
		g.Write64(state.RegAX, uint64(int64(int32(g.Read32(state.RegAX)))))
	}
}

func (c *CPU) opCwd(inst decode.Instruction) {
	size := c.operandSize(inst)
	g := &c.State.GPR
	var negative bool
	switch size {
	case 2:
		negative = g.Read16(state.RegAX)&0x8000 != 0
	case 4:
		negative = g.Read32(state.RegAX)&0x80000000 != 0
	default:
		negative = g.Read64(state.RegAX)&0x8000000000000000 != 0
	}
	var fill uint64
	if negative {
		fill = sizeMask(size)
	}
	regWrite(g, state.RegDX, size, fill)
}

func (c *CPU) opSahf(inst decode.Instruction) {
	ah := c.State.GPR.Read8High(state.RegAX)
	// Only the low flag byte's five defined lanes transfer.
	f := &c.State.Flags
	f.SetCF(ah&0x01 != 0)
	f.SetPF(ah&0x04 != 0)
	f.SetAF(ah&0x10 != 0)
	f.SetZF(ah&0x40 != 0)
	f.SetSF(ah&0x80 != 0)
}

func (c *CPU) opLahf(inst decode.Instruction) {
	c.State.GPR.Write8High(state.RegAX, byte(c.State.Flags.Pack()))
}

func (c *CPU) opXlat(inst decode.Instruction) {
	seg := c.overrideSeg(state.SegDS, inst)
	var base uint64
	if c.addrBits(inst) == 16 {
		base = uint64(c.State.GPR.Read16(state.RegBX))
	} else {
		base = c.State.GPR.Read64(state.RegBX)
	}
	off := base + uint64(c.State.GPR.Read8Low(state.RegAX))
	v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, off, 1)
	if flt != nil {
		c.lastFault = flt
		return
	}
	c.State.GPR.Write8Low(state.RegAX, byte(v))
}

// opMovx covers MOVZX/MOVSX (0F B6/B7/BE/BF): srcSize names the
// narrower operand, signExt selects sign- vs zero-extension.
func (c *CPU) opMovx(inst decode.Instruction, srcSize int, signExt bool) {
	dstSize := c.operandSize(inst)
	v := c.readRM(inst, srcSize)
	if c.lastFault != nil {
		return
	}
	if signExt {
		v = uint64(signExtend(v, srcSize)) & sizeMask(dstSize)
	}
	c.writeReg(inst, dstSize, v)
}

func (c *CPU) opSetcc(inst decode.Instruction) {
	var v uint64
	if c.jccCond(inst.Opcode & 0xF) {
		v = 1
	}
	c.writeRM(inst, 1, v)
}

func (c *CPU) opCmovcc(inst decode.Instruction) {
	size := c.operandSize(inst)
	v := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	if c.jccCond(inst.Opcode & 0xF) {
		c.writeReg(inst, size, v)
	}
}

// bitOpKind selects BT/BTS/BTR/BTC.
type bitOpKind int

const (
	bitTest bitOpKind = iota
	bitSet
	bitReset
	bitComplement
)

// opBitOp implements the register-source bit ops (0F A3/AB/B3/BB); for
// a memory operand the bit offset's whole-word part displaces the
// effective address, per the architectural "bit string" addressing.
func (c *CPU) opBitOp(inst decode.Instruction, kind bitOpKind) {
	size := c.operandSize(inst)
	bits := uint64(size) * 8
	offset := c.readReg(inst, size)
	c.bitOpCommon(inst, kind, size, int64(signExtend(offset, size)), bits)
}

// opGroup8 is 0F BA: the imm8-offset forms of the same four bit ops.
func (c *CPU) opGroup8(inst decode.Instruction) {
	if inst.ModRM.Reg < 4 {
		c.undefined()
		return
	}
	size := c.operandSize(inst)
	bits := uint64(size) * 8
	imm := c.fetchImm(1)
	if c.lastFault != nil {
		return
	}
	c.bitOpCommon(inst, bitOpKind(inst.ModRM.Reg-4), size, int64(imm%bits), bits)
}

func (c *CPU) bitOpCommon(inst decode.Instruction, kind bitOpKind, size int, bitOffset int64, bits uint64) {
	var v uint64
	var memOff uint64
	var memSeg int
	if inst.ModRM.IsRegister {
		bitOffset = int64(uint64(bitOffset) % bits)
		v = c.regOperandRead(inst, int(inst.ModRM.RM), size)
	} else {
		var wordIdx int64
		switch size {
		case 2:
			wordIdx = bitOffset >> 4
		case 4:
			wordIdx = bitOffset >> 5
		default:
			wordIdx = bitOffset >> 6
		}
		bitOffset = int64(uint64(bitOffset) % bits)
		off, defSeg := c.effectiveAddress(inst)
		memOff = uint64(int64(off) + wordIdx*int64(size))
		memSeg = c.overrideSeg(defSeg, inst)
		read, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, memSeg, memOff, size)
		if flt != nil {
			c.lastFault = flt
			return
		}
		v = read
	}

	mask := uint64(1) << uint(bitOffset)
	c.State.Flags.SetCF(v&mask != 0)
	switch kind {
	case bitTest:
		return
	case bitSet:
		v |= mask
	case bitReset:
		v &^= mask
	case bitComplement:
		v ^= mask
	}

	if inst.ModRM.IsRegister {
		c.regOperandWrite(inst, int(inst.ModRM.RM), size, v)
		return
	}
	if flt := c.Mem.Write(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, memSeg, memOff, size, v); flt != nil {
		c.lastFault = flt
	}
}

// opBsf/opBsr: bit scan, ZF set when the source is zero (destination
// then architecturally undefined; this model leaves it unchanged, the
// documented AMD behavior).
func (c *CPU) opBsf(inst decode.Instruction) {
	size := c.operandSize(inst)
	v := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	if v == 0 {
		c.State.Flags.SetZF(true)
		return
	}
	c.State.Flags.SetZF(false)
	var i uint64
	for ; v&1 == 0; v >>= 1 {
		i++
	}
	c.writeReg(inst, size, i)
}

func (c *CPU) opBsr(inst decode.Instruction) {
	size := c.operandSize(inst)
	v := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	if v == 0 {
		c.State.Flags.SetZF(true)
		return
	}
	c.State.Flags.SetZF(false)
	i := uint64(size)*8 - 1
	for v&signBit(size) == 0 {
		v <<= 1
		i--
	}
	c.writeReg(inst, size, i)
}

// opCmpxchg (0F B0/B1): compare accumulator with r/m; equal swaps in
// the reg operand, unequal loads r/m into the accumulator.
func (c *CPU) opCmpxchg(inst decode.Instruction, size int) {
	dst := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	acc := regRead(&c.State.GPR, state.RegAX, size)
	result := (acc - dst) & sizeMask(size)
	c.setArithFlags(size, result, acc, dst, true)
	if acc == dst {
		c.writeRM(inst, size, c.readReg(inst, size))
		return
	}
	regWrite(&c.State.GPR, state.RegAX, size, dst)
}

// opXadd (0F C0/C1): exchange then add.
func (c *CPU) opXadd(inst decode.Instruction, size int) {
	dst := c.readRM(inst, size)
	if c.lastFault != nil {
		return
	}
	src := c.readReg(inst, size)
	sum := (dst + src) & sizeMask(size)
	c.setArithFlags(size, sum, dst, src, false)
	c.writeReg(inst, size, dst)
	c.writeRM(inst, size, sum)
}

func (c *CPU) opBswap(inst decode.Instruction) {
	size := c.operandSize(inst)
	reg := int(inst.Opcode&7) | boolRegBit(inst.Prefixes.RexB)
	v := regRead(&c.State.GPR, reg, size)
	var out uint64
	for i := 0; i < size; i++ {
		out = out<<8 | (v>>(8*uint(i)))&0xFF
	}
	regWrite(&c.State.GPR, reg, size, out)
}

// opBound is the 186 BOUND instruction: #BR (vector 5) when the reg
// operand lies outside the two-word bound pair at the memory operand.
func (c *CPU) opBound(inst decode.Instruction) {
	if inst.ModRM.IsRegister {
		c.undefined()
		return
	}
	size := c.operandSize(inst)
	offset, defSeg := c.effectiveAddress(inst)
	seg := c.overrideSeg(defSeg, inst)
	lo, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, offset, size)
	if flt != nil {
		c.lastFault = flt
		return
	}
	hi, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, offset+uint64(size), size)
	if flt != nil {
		c.lastFault = flt
		return
	}
	idx := signExtend(c.readReg(inst, size), size)
	if idx < signExtend(lo, size) || idx > signExtend(hi, size) {
		c.lastFault = &bus.Fault{Vector: 5, Msg: "BOUND range exceeded"}
	}
}

// opArpl adjusts a selector's RPL (286+ protected-mode only; the same
// encoding is MOVSXD in 64-bit code, which decode routes separately).
func (c *CPU) opArpl(inst decode.Instruction) {
	dst := uint16(c.readRM(inst, 2))
	if c.lastFault != nil {
		return
	}
	src := uint16(c.readReg(inst, 2))
	if dst&3 < src&3 {
		c.writeRM(inst, 2, uint64(dst&^3|src&3))
		c.State.Flags.SetZF(true)
		return
	}
	c.State.Flags.SetZF(false)
}

// opEnter/opLeave are the 186 frame instructions; nesting levels
// beyond 0 copy the enclosing frame pointers per the architectural
// display rules.
func (c *CPU) opEnter(inst decode.Instruction) {
	allocSize := c.fetchImm(2)
	if c.lastFault != nil {
		return
	}
	nesting := c.fetchImm(1) & 0x1F
	if c.lastFault != nil {
		return
	}
	size := c.stackSize(inst)
	g := &c.State.GPR
	c.push(size, g.Read64(state.RegBP)&sizeMask(size))
	if c.lastFault != nil {
		return
	}
	frame := g.Read64(state.RegSP)
	for i := uint64(1); i < nesting; i++ {
		bp := g.Read64(state.RegBP) - i*uint64(size)
		v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, state.SegSS, bp, size)
		if flt != nil {
			c.lastFault = flt
			return
		}
		c.push(size, v)
		if c.lastFault != nil {
			return
		}
	}
	if nesting > 0 {
		c.push(size, frame)
		if c.lastFault != nil {
			return
		}
	}
	regWrite(g, state.RegBP, size, frame)
	g.Write64(state.RegSP, g.Read64(state.RegSP)-allocSize)
}

func (c *CPU) opLeave(inst decode.Instruction) {
	size := c.stackSize(inst)
	g := &c.State.GPR
	g.Write64(state.RegSP, g.Read64(state.RegBP))
	v := c.pop(size)
	if c.lastFault != nil {
		return
	}
	regWrite(g, state.RegBP, size, v)
}
