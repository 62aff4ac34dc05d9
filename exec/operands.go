package exec

import (
	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/decode"
	"github.com/BinaryMelodies/x86-emulator-core/state"
)

// effectiveAddress folds a decoded ModRM's base/index/disp fields
// against the live GPR bank for all three address widths, reporting
// which segment register governs the access by default (SS instead of
// DS for the BP/EBP/RBP-based forms).
func (c *CPU) effectiveAddress(inst decode.Instruction) (offset uint64, segIdx int) {
	m := inst.ModRM
	bits := c.addrBits(inst)
	if bits == 16 {
		return c.effectiveAddress16(m)
	}

	segIdx = state.SegDS
	var addr uint64

	if m.HasSIB {
		if m.Base == 5 && m.Mod == 0 {
			addr = uint64(m.Disp)
		} else {
			base := int(m.Base)
			if inst.Prefixes.RexB {
				base |= 8
			}
			addr = c.State.GPR.Read64(base)
			if m.Base == 4 || m.Base == 5 {
				segIdx = state.SegSS
			}
			if m.HasDisp {
				addr = uint64(int64(addr) + m.Disp)
			}
		}
		if m.Index != 4 || inst.Prefixes.RexX {
			index := int(m.Index)
			if inst.Prefixes.RexX {
				index |= 8
			}
			if index != 4 {
				addr += c.State.GPR.Read64(index) << m.Scale
			}
		}
	} else if m.RM == 5 && m.Mod == 0 {
		// disp32-only form: IP-relative in 64-bit mode, absolute in 32.
		if bits == 64 {
			return uint64(int64(c.State.XIP) + m.Disp), segIdx
		}
		return uint64(m.Disp), segIdx
	} else {
		reg := int(m.RM)
		if inst.Prefixes.RexB {
			reg |= 8
		}
		addr = c.State.GPR.Read64(reg)
		if m.RM == 5 {
			segIdx = state.SegSS
		}
		if m.HasDisp {
			addr = uint64(int64(addr) + m.Disp)
		}
	}

	if bits == 32 {
		addr &= 0xFFFFFFFF
	}
	return addr, segIdx
}

// effectiveAddress16 implements the eight legacy 16-bit addressing
// forms (BX+SI, BX+DI, BP+SI, BP+DI, SI, DI, BP/direct, BX), with the
// BP-based forms defaulting to SS.
func (c *CPU) effectiveAddress16(m decode.ModRM) (uint64, int) {
	segIdx := state.SegDS
	g := &c.State.GPR
	var base uint64
	switch m.RM {
	case 0:
		base = uint64(g.Read16(state.RegBX) + g.Read16(state.RegSI))
	case 1:
		base = uint64(g.Read16(state.RegBX) + g.Read16(state.RegDI))
	case 2:
		base = uint64(g.Read16(state.RegBP) + g.Read16(state.RegSI))
		segIdx = state.SegSS
	case 3:
		base = uint64(g.Read16(state.RegBP) + g.Read16(state.RegDI))
		segIdx = state.SegSS
	case 4:
		base = uint64(g.Read16(state.RegSI))
	case 5:
		base = uint64(g.Read16(state.RegDI))
	case 6:
		if m.Mod == 0 {
			return uint64(uint16(m.Disp)), segIdx
		}
		base = uint64(g.Read16(state.RegBP))
		segIdx = state.SegSS
	case 7:
		base = uint64(g.Read16(state.RegBX))
	}
	if m.HasDisp {
		base = uint64(uint16(int64(base) + m.Disp))
	} else {
		base &= 0xFFFF
	}
	return base, segIdx
}

func (c *CPU) overrideSeg(def int, inst decode.Instruction) int {
	if inst.Prefixes.SegOverride >= 0 {
		return inst.Prefixes.SegOverride
	}
	return def
}

// overrideSeg2 resolves a two-operand string instruction's *second*
// operand segment (destination), honoring the V55's second override
// prefix byte (decode.PrefixState.SegOverride2) when present. Every
// other model never sets SegOverride2, so this always falls back to
// def (ES, architecturally fixed and non-overridable on ordinary x86)
// for them.
func (c *CPU) overrideSeg2(def int, inst decode.Instruction) int {
	if inst.Prefixes.SegOverride2 >= 0 {
		return inst.Prefixes.SegOverride2
	}
	return def
}

func (c *CPU) readMem(inst decode.Instruction, size int) uint64 {
	offset, defSeg := c.effectiveAddress(inst)
	seg := c.overrideSeg(defSeg, inst)
	v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, offset, size)
	if flt != nil {
		c.lastFault = flt
		return 0
	}
	return v
}

func (c *CPU) writeMem(inst decode.Instruction, size int, v uint64) {
	offset, defSeg := c.effectiveAddress(inst)
	seg := c.overrideSeg(defSeg, inst)
	flt := c.Mem.Write(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, offset, size, v)
	if flt != nil {
		c.lastFault = flt
	}
}

func (c *CPU) readRM(inst decode.Instruction, size int) uint64 {
	if inst.ModRM.IsRegister {
		return c.regOperandRead(inst, int(inst.ModRM.RM), size)
	}
	return c.readMem(inst, size)
}

func (c *CPU) writeRM(inst decode.Instruction, size int, v uint64) {
	if inst.ModRM.IsRegister {
		c.regOperandWrite(inst, int(inst.ModRM.RM), size, v)
		return
	}
	c.writeMem(inst, size, v)
}

func (c *CPU) readReg(inst decode.Instruction, size int) uint64 {
	return c.regOperandRead(inst, int(inst.ModRM.Reg), size)
}

func (c *CPU) writeReg(inst decode.Instruction, size int, v uint64) {
	c.regOperandWrite(inst, int(inst.ModRM.Reg), size, v)
}

// regOperandRead/Write apply the 8-bit register aliasing rule: without
// a REX prefix, encodings 4-7 name AH/CH/DH/BH (bits 8-15 of cells
// 0-3); with any REX present they name SPL/BPL/SIL/DIL instead.
func (c *CPU) regOperandRead(inst decode.Instruction, idx, size int) uint64 {
	if size == 1 && !inst.Prefixes.HasREX && idx >= 4 && idx <= 7 {
		return uint64(c.State.GPR.Read8High(idx - 4))
	}
	return regRead(&c.State.GPR, idx, size)
}

func (c *CPU) regOperandWrite(inst decode.Instruction, idx, size int, v uint64) {
	if size == 1 && !inst.Prefixes.HasREX && idx >= 4 && idx <= 7 {
		c.State.GPR.Write8High(idx-4, byte(v))
		return
	}
	regWrite(&c.State.GPR, idx, size, v)
}

func regRead(g *state.GPRBank, idx, size int) uint64 {
	switch size {
	case 1:
		return uint64(g.Read8Low(idx))
	case 2:
		return uint64(g.Read16(idx))
	case 4:
		return uint64(g.Read32(idx))
	default:
		return g.Read64(idx)
	}
}

func regWrite(g *state.GPRBank, idx, size int, v uint64) {
	switch size {
	case 1:
		g.Write8Low(idx, byte(v))
	case 2:
		g.Write16(idx, uint16(v))
	case 4:
		g.Write32(idx, uint32(v))
	default:
		g.Write64(idx, v)
	}
}

func (c *CPU) busMode() bus.Mode {
	return bus.CurrentMode(&c.State.Ctrl, &c.State.Flags)
}
