package exec

import (
	"github.com/BinaryMelodies/x86-emulator-core/decode"
	"github.com/BinaryMelodies/x86-emulator-core/state"
)

// String-op index register delta: ±1 scaled by operand size, DF
// selecting the sign.
func (c *CPU) stringDelta(size int) int64 {
	if c.State.Flags.IsDF() {
		return -int64(size)
	}
	return int64(size)
}

// indexRead/indexWrite access SI/DI/CX at the effective address width,
// so 16-bit code wraps within 64KB the way real mode must.
func (c *CPU) indexRead(inst decode.Instruction, reg int) uint64 {
	switch c.addrBits(inst) {
	case 16:
		return uint64(c.State.GPR.Read16(reg))
	case 32:
		return uint64(c.State.GPR.Read32(reg))
	default:
		return c.State.GPR.Read64(reg)
	}
}

func (c *CPU) indexWrite(inst decode.Instruction, reg int, v uint64) {
	switch c.addrBits(inst) {
	case 16:
		c.State.GPR.Write16(reg, uint16(v))
	case 32:
		c.State.GPR.Write32(reg, uint32(v))
	default:
		c.State.GPR.Write64(reg, v)
	}
}

func (c *CPU) advanceIndex(inst decode.Instruction, reg int, delta int64) {
	c.indexWrite(inst, reg, uint64(int64(c.indexRead(inst, reg))+delta))
}

// repActive reports whether a REP/REPE/REPNE prefix is in effect; the
// CX/ECX/RCX == 0 check before the first iteration (REP with a zero
// count performs zero iterations, not one) is cxZero's job.
func (c *CPU) repActive(inst decode.Instruction) bool {
	return inst.Prefixes.Rep || inst.Prefixes.RepNE
}

func (c *CPU) cxZero(inst decode.Instruction) bool {
	return c.indexRead(inst, state.RegCX) == 0
}

func (c *CPU) decCX(inst decode.Instruction) {
	c.indexWrite(inst, state.RegCX, c.indexRead(inst, state.RegCX)-1)
}

// runStringOp executes exactly one iteration of a string primitive
// (given as step), then, if a REP-family prefix is active and CX is
// still nonzero afterward, marks the instruction as not yet complete
// by rewinding XIP to re-fetch it and requesting
// ResultStringContinuing, which lets a pending interrupt break in
// between iterations instead of the whole REP running as one
// uninterruptible host-level loop.
func (c *CPU) runStringOp(inst decode.Instruction, step func()) {
	if c.repActive(inst) && c.cxZero(inst) {
		return // REP with CX==0 performs zero iterations
	}

	step()
	if c.lastFault != nil {
		return
	}

	if !c.repActive(inst) {
		return
	}

	c.decCX(inst)
	isCompareOp := inst.Opcode == 0xA6 || inst.Opcode == 0xA7 || inst.Opcode == 0xAE || inst.Opcode == 0xAF
	if isCompareOp && inst.Prefixes.RepNE && c.State.Flags.IsZF() {
		return // REPNE stops on ZF==1
	}
	if isCompareOp && inst.Prefixes.Rep && !c.State.Flags.IsZF() {
		return // REPE (plain REP on CMPS/SCAS) stops on ZF==0
	}
	if c.cxZero(inst) {
		return
	}

	c.State.XIP = c.State.OldXIP
	c.pendingStringContinue = true
}

func (c *CPU) opMOVS(inst decode.Instruction, size int) {
	c.runStringOp(inst, func() {
		si := c.indexRead(inst, state.RegSI)
		di := c.indexRead(inst, state.RegDI)
		seg := c.overrideSeg(state.SegDS, inst)
		v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, si, size)
		if flt != nil {
			c.lastFault = flt
			return
		}
		dstSeg := c.overrideSeg2(state.SegES, inst)
		flt = c.Mem.Write(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, dstSeg, di, size, v)
		if flt != nil {
			c.lastFault = flt
			return
		}
		delta := c.stringDelta(size)
		c.advanceIndex(inst, state.RegSI, delta)
		c.advanceIndex(inst, state.RegDI, delta)
	})
}

func (c *CPU) opSTOS(inst decode.Instruction, size int) {
	c.runStringOp(inst, func() {
		di := c.indexRead(inst, state.RegDI)
		v := regRead(&c.State.GPR, state.RegAX, size)
		flt := c.Mem.Write(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, state.SegES, di, size, v)
		if flt != nil {
			c.lastFault = flt
			return
		}
		c.advanceIndex(inst, state.RegDI, c.stringDelta(size))
	})
}

func (c *CPU) opLODS(inst decode.Instruction, size int) {
	c.runStringOp(inst, func() {
		si := c.indexRead(inst, state.RegSI)
		seg := c.overrideSeg(state.SegDS, inst)
		v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, si, size)
		if flt != nil {
			c.lastFault = flt
			return
		}
		regWrite(&c.State.GPR, state.RegAX, size, v)
		c.advanceIndex(inst, state.RegSI, c.stringDelta(size))
	})
}

func (c *CPU) opCMPS(inst decode.Instruction, size int) {
	c.runStringOp(inst, func() {
		si := c.indexRead(inst, state.RegSI)
		di := c.indexRead(inst, state.RegDI)
		seg := c.overrideSeg(state.SegDS, inst)
		a, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, si, size)
		if flt != nil {
			c.lastFault = flt
			return
		}
		dstSeg := c.overrideSeg2(state.SegES, inst)
		b, flt2 := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, dstSeg, di, size)
		if flt2 != nil {
			c.lastFault = flt2
			return
		}
		result := (a - b) & sizeMask(size)
		c.setArithFlags(size, result, a, b, true)
		delta := c.stringDelta(size)
		c.advanceIndex(inst, state.RegSI, delta)
		c.advanceIndex(inst, state.RegDI, delta)
	})
}

func (c *CPU) opSCAS(inst decode.Instruction, size int) {
	c.runStringOp(inst, func() {
		di := c.indexRead(inst, state.RegDI)
		a := regRead(&c.State.GPR, state.RegAX, size)
		b, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, state.SegES, di, size)
		if flt != nil {
			c.lastFault = flt
			return
		}
		result := (a - b) & sizeMask(size)
		c.setArithFlags(size, result, a, b, true)
		c.advanceIndex(inst, state.RegDI, c.stringDelta(size))
	})
}

// opINS/opOUTS are the 186-class port<->memory string forms (6C-6F).
// The port number always comes from DX; the memory side follows the
// ordinary ES:DI / seg:SI string rules.
func (c *CPU) opINS(inst decode.Instruction, size int) {
	c.runStringOp(inst, func() {
		di := c.indexRead(inst, state.RegDI)
		port := c.State.GPR.Read16(state.RegDX)
		v := c.Mem.Bus.In(port, size)
		flt := c.Mem.Write(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, state.SegES, di, size, uint64(v))
		if flt != nil {
			c.lastFault = flt
			return
		}
		c.advanceIndex(inst, state.RegDI, c.stringDelta(size))
	})
}

func (c *CPU) opOUTS(inst decode.Instruction, size int) {
	c.runStringOp(inst, func() {
		si := c.indexRead(inst, state.RegSI)
		seg := c.overrideSeg(state.SegDS, inst)
		v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, si, size)
		if flt != nil {
			c.lastFault = flt
			return
		}
		port := c.State.GPR.Read16(state.RegDX)
		c.Mem.Bus.Out(port, size, uint32(v))
		c.advanceIndex(inst, state.RegSI, c.stringDelta(size))
	})
}
