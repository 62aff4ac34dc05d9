package exec

import (
	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/decode"
	"github.com/BinaryMelodies/x86-emulator-core/state"
	"github.com/BinaryMelodies/x86-emulator-core/traits"
)

func (c *CPU) push(size int, v uint64) {
	sp := c.State.GPR.Read64(state.RegSP) - uint64(size)
	c.State.GPR.Write64(state.RegSP, sp)
	flt := c.Mem.Write(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, state.SegSS, sp, size, v)
	if flt != nil {
		c.lastFault = flt
	}
}

func (c *CPU) pop(size int) uint64 {
	sp := c.State.GPR.Read64(state.RegSP)
	v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, state.SegSS, sp, size)
	if flt != nil {
		c.lastFault = flt
		return 0
	}
	c.State.GPR.Write64(state.RegSP, sp+uint64(size))
	return v
}

func (c *CPU) opPush(inst decode.Instruction) {
	size := c.stackSize(inst)
	reg := int(inst.Opcode&7) | boolRegBit(inst.Prefixes.RexB)
	c.push(size, regRead(&c.State.GPR, reg, size))
}

func (c *CPU) opPop(inst decode.Instruction) {
	size := c.stackSize(inst)
	reg := int(inst.Opcode&7) | boolRegBit(inst.Prefixes.RexB)
	v := c.pop(size)
	if c.lastFault != nil {
		return
	}
	regWrite(&c.State.GPR, reg, size, v)
}

func boolRegBit(b bool) int {
	if b {
		return 8
	}
	return 0
}

// maskIP truncates a branch target to the code segment's IP width:
// rel16 branches wrap within 64KB, rel32 within 4GB, and 64-bit code
// never truncates.
func (c *CPU) maskIP(v uint64, size int) uint64 {
	if c.mode64 {
		return v
	}
	return v & sizeMask(size)
}

// jccCond evaluates the sixteen Jcc condition codes by opcode low
// nibble (0x70-0x7F and, two-byte form, 0x80-0x8F), matching the
// architectural condition definitions.
func (c *CPU) jccCond(nibble byte) bool {
	f := &c.State.Flags
	switch nibble {
	case 0x0:
		return f.IsOF()
	case 0x1:
		return !f.IsOF()
	case 0x2:
		return f.IsCF()
	case 0x3:
		return !f.IsCF()
	case 0x4:
		return f.IsZF()
	case 0x5:
		return !f.IsZF()
	case 0x6:
		return f.IsCF() || f.IsZF()
	case 0x7:
		return !f.IsCF() && !f.IsZF()
	case 0x8:
		return f.IsSF()
	case 0x9:
		return !f.IsSF()
	case 0xA:
		return f.IsPF()
	case 0xB:
		return !f.IsPF()
	case 0xC:
		return f.IsSF() != f.IsOF()
	case 0xD:
		return f.IsSF() == f.IsOF()
	case 0xE:
		return f.IsZF() || (f.IsSF() != f.IsOF())
	default: // 0xF
		return !f.IsZF() && (f.IsSF() == f.IsOF())
	}
}

func (c *CPU) opJccRel8(inst decode.Instruction) {
	disp := int8(c.fetchImm(1))
	if c.lastFault != nil {
		return
	}
	if c.jccCond(inst.Opcode & 0xF) {
		c.State.XIP = c.maskIP(uint64(int64(c.State.XIP)+int64(disp)), c.operandSize(inst))
	}
}

// opJccRelNear is the two-byte 0F 80-8F form: the displacement width
// follows the operand size (rel16 in 16-bit code, rel32 otherwise).
func (c *CPU) opJccRelNear(inst decode.Instruction) {
	size := c.operandSize(inst)
	disp := signExtend(c.fetchImm(immSizeFor(size)), immSizeFor(size))
	if c.lastFault != nil {
		return
	}
	if c.jccCond(inst.Opcode & 0xF) {
		c.State.XIP = c.maskIP(uint64(int64(c.State.XIP)+disp), size)
	}
}

func (c *CPU) opJmpRel8(inst decode.Instruction) {
	disp := int8(c.fetchImm(1))
	if c.lastFault != nil {
		return
	}
	c.State.XIP = c.maskIP(uint64(int64(c.State.XIP)+int64(disp)), c.operandSize(inst))
}

func (c *CPU) opJmpRel(inst decode.Instruction) {
	size := c.operandSize(inst)
	disp := signExtend(c.fetchImm(immSizeFor(size)), immSizeFor(size))
	if c.lastFault != nil {
		return
	}
	c.State.XIP = c.maskIP(uint64(int64(c.State.XIP)+disp), size)
}

func (c *CPU) opCallRel(inst decode.Instruction) {
	size := c.operandSize(inst)
	disp := signExtend(c.fetchImm(immSizeFor(size)), immSizeFor(size))
	if c.lastFault != nil {
		return
	}
	c.push(c.stackSize(inst), c.State.XIP)
	if c.lastFault != nil {
		return
	}
	c.State.XIP = c.maskIP(uint64(int64(c.State.XIP)+disp), size)
}

func (c *CPU) opRet(inst decode.Instruction) {
	size := c.stackSize(inst)
	v := c.pop(size)
	if c.lastFault != nil {
		return
	}
	c.State.XIP = c.maskIP(v, size)
}

func (c *CPU) opRetImm16(inst decode.Instruction) {
	imm := c.fetchImm(2)
	if c.lastFault != nil {
		return
	}
	size := c.stackSize(inst)
	v := c.pop(size)
	if c.lastFault != nil {
		return
	}
	c.State.XIP = c.maskIP(v, size)
	c.State.GPR.Write64(state.RegSP, c.State.GPR.Read64(state.RegSP)+imm)
}

// farTransfer loads CS:xIP from an explicit selector:offset pair,
// pushing the return far pointer first for calls.
func (c *CPU) farTransfer(inst decode.Instruction, sel uint16, off uint64, call bool) {
	size := c.operandSize(inst)
	if call {
		c.push(c.stackSize(inst), uint64(c.State.Segs.Regs[state.SegCS].Selector))
		if c.lastFault != nil {
			return
		}
		c.push(c.stackSize(inst), c.State.XIP)
		if c.lastFault != nil {
			return
		}
	}
	c.loadSegment(state.SegCS, sel)
	if c.lastFault != nil {
		return
	}
	c.State.XIP = c.maskIP(off, size)
}

// opCallJmpFarDirect is 9A/EA: ptr16:16 or ptr16:32 in the
// instruction stream.
func (c *CPU) opCallJmpFarDirect(inst decode.Instruction, call bool) {
	size := c.operandSize(inst)
	off := c.fetchImm(immSizeFor(size))
	if c.lastFault != nil {
		return
	}
	sel := uint16(c.fetchImm(2))
	if c.lastFault != nil {
		return
	}
	c.farTransfer(inst, sel, off, call)
}

// farTransferViaMem is the FF /3 and FF /5 indirect far forms: the
// selector:offset pair lives at the memory operand.
func (c *CPU) farTransferViaMem(inst decode.Instruction, size int, call bool) {
	if inst.ModRM.IsRegister {
		c.undefined()
		return
	}
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
	c.farTransfer(inst, uint16(sel), off, call)
}

// opRetf pops IP then CS, optionally releasing imm16 parameter bytes.
func (c *CPU) opRetf(inst decode.Instruction, hasImm bool) {
	var imm uint64
	if hasImm {
		imm = c.fetchImm(2)
		if c.lastFault != nil {
			return
		}
	}
	size := c.stackSize(inst)
	ip := c.pop(size)
	if c.lastFault != nil {
		return
	}
	sel := uint16(c.pop(size))
	if c.lastFault != nil {
		return
	}
	c.loadSegment(state.SegCS, sel)
	if c.lastFault != nil {
		return
	}
	c.State.XIP = c.maskIP(ip, size)
	c.State.GPR.Write64(state.RegSP, c.State.GPR.Read64(state.RegSP)+imm)
}

// opIret pops IP, CS, FLAGS. The same-privilege protected-mode path
// and the real-mode path share this frame shape; an outer-privilege
// return additionally pops SS:SP, which this engine performs when the
// restored CS.RPL is less privileged than CPL.
func (c *CPU) opIret(inst decode.Instruction) {
	size := c.stackSize(inst)
	ip := c.pop(size)
	if c.lastFault != nil {
		return
	}
	sel := uint16(c.pop(size))
	if c.lastFault != nil {
		return
	}
	flags := c.pop(size)
	if c.lastFault != nil {
		return
	}
	if size == 2 {
		// 16-bit IRET preserves the upper EFLAGS half.
		old := c.State.Flags.Pack()
		c.State.Flags.Unpack(old&0xFFFF0000 | uint32(flags&0xFFFF))
	} else {
		c.State.Flags.Unpack(uint32(flags))
	}
	newRPL := uint8(sel & 3)
	c.loadSegment(state.SegCS, sel)
	if c.lastFault != nil {
		return
	}
	c.State.XIP = c.maskIP(ip, size)
	if c.busMode() != bus.ModeReal && newRPL > c.State.CPL {
		sp := c.pop(size)
		if c.lastFault != nil {
			return
		}
		ssSel := uint16(c.pop(size))
		if c.lastFault != nil {
			return
		}
		c.loadSegment(state.SegSS, ssSel)
		if c.lastFault != nil {
			return
		}
		c.State.GPR.Write64(state.RegSP, sp&sizeMask(size))
		c.State.CPL = newRPL
	}
}

// loopCount reads/writes the loop counter at the effective address
// width (CX/ECX/RCX).
func (c *CPU) loopCount(inst decode.Instruction) uint64 {
	switch c.addrBits(inst) {
	case 16:
		return uint64(c.State.GPR.Read16(state.RegCX))
	case 32:
		return uint64(c.State.GPR.Read32(state.RegCX))
	default:
		return c.State.GPR.Read64(state.RegCX)
	}
}

func (c *CPU) setLoopCount(inst decode.Instruction, v uint64) {
	switch c.addrBits(inst) {
	case 16:
		c.State.GPR.Write16(state.RegCX, uint16(v))
	case 32:
		c.State.GPR.Write32(state.RegCX, uint32(v))
	default:
		c.State.GPR.Write64(state.RegCX, v)
	}
}

// opLoop covers E0/E1/E2: decrement the counter, branch while nonzero
// (and, for the E0/E1 forms, while ZF disagrees/agrees).
func (c *CPU) opLoop(inst decode.Instruction) {
	disp := int8(c.fetchImm(1))
	if c.lastFault != nil {
		return
	}
	count := c.loopCount(inst) - 1
	c.setLoopCount(inst, count)
	take := count != 0
	switch inst.Opcode {
	case 0xE0: // LOOPNE
		take = take && !c.State.Flags.IsZF()
	case 0xE1: // LOOPE
		take = take && c.State.Flags.IsZF()
	}
	if take {
		c.State.XIP = c.maskIP(uint64(int64(c.State.XIP)+int64(disp)), c.operandSize(inst))
	}
}

func (c *CPU) opJcxz(inst decode.Instruction) {
	disp := int8(c.fetchImm(1))
	if c.lastFault != nil {
		return
	}
	if c.loopCount(inst) == 0 {
		c.State.XIP = c.maskIP(uint64(int64(c.State.XIP)+int64(disp)), c.operandSize(inst))
	}
}

// opInt3/opInt report the software-interrupt vector through
// PendingVector rather than servicing it themselves; except owns gate
// dispatch and is invoked by the engine's Step wrapper once it sees
// ResultCPUInterrupt with no Fault attached (a software INT, as
// opposed to a hardware fault).
func (c *CPU) opInt3(inst decode.Instruction) { c.raiseSoftwareInterrupt(3) }

func (c *CPU) opInt(inst decode.Instruction) {
	vector := byte(c.fetchImm(1))
	if c.lastFault != nil {
		return
	}
	c.raiseSoftwareInterrupt(vector)
}

func (c *CPU) opInto(inst decode.Instruction) {
	if c.State.Flags.IsOF() {
		c.raiseSoftwareInterrupt(4)
	}
}

func (c *CPU) raiseSoftwareInterrupt(vector byte) {
	c.PendingSoftwareInterrupt = true
	c.PendingVector = vector
}

// opIcebp implements F1 (ICEBP/INT1): on every model except AMD's
// SMM-aware parts it enters ICE mode directly, bypassing except's
// ordinary gate dispatch entirely, reporting the ice-interrupt
// result tag. CapAMDSMMICEBPRepurpose models AMD's repurposing
// of this opcode under SMM-capable silicon: there it behaves as a
// vector-1 software interrupt through the normal gate-dispatch path
// instead of a direct ICE-mode entry.
func (c *CPU) opIcebp(inst decode.Instruction) {
	if c.Traits.HasCap(traits.CapAMDSMMICEBPRepurpose) {
		c.raiseSoftwareInterrupt(1)
		return
	}
	c.State.Level = state.LevelICE
	c.pendingICE = true
}

// opFint implements the NEC V25/V55 FINT instruction: forces an
// interrupt request of the given level into the internal interrupt
// controller, signalled to the host through the irq result tag (the
// interrupt controller/peripheral simulation itself belongs to the
// host, so this opcode's entire in-core effect is reporting the
// request). Only wired into the dispatch table for V25/V55 traits
// (see initTwoByteOps).
func (c *CPU) opFint(inst decode.Instruction) {
	line := byte(c.fetchImm(1))
	if c.lastFault != nil {
		return
	}
	c.pendingIRQ = true
	c.PendingIRQLine = line
}

func (c *CPU) opHlt(inst decode.Instruction) {
	c.State.SetRunState(state.Halted)
}

// opStop is the V25/V55 STP instruction (0F 9E): the deeper stopped
// state only reset or a designated wake event leaves.
func (c *CPU) opStop(inst decode.Instruction) {
	c.State.SetRunState(state.Stopped)
}
