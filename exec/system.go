package exec

import (
	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/decode"
	"github.com/BinaryMelodies/x86-emulator-core/state"
	"github.com/BinaryMelodies/x86-emulator-core/traits"
)

func (c *CPU) opClc(inst decode.Instruction) { c.State.Flags.SetCF(false) }
func (c *CPU) opStc(inst decode.Instruction) { c.State.Flags.SetCF(true) }
func (c *CPU) opCmc(inst decode.Instruction) { c.State.Flags.SetCF(!c.State.Flags.IsCF()) }
func (c *CPU) opCld(inst decode.Instruction) { c.State.Flags.SetDF(false) }
func (c *CPU) opStd(inst decode.Instruction) { c.State.Flags.SetDF(true) }
func (c *CPU) opCli(inst decode.Instruction) { c.State.Flags.SetIF(false) }

// opSti sets IF and arms the one-shot interrupt-inhibit shadow: the
// architectural rule that a maskable interrupt cannot be recognized
// until after the instruction *following* STI executes. Setting
// inhibitInterrupts makes Step return ResultInhibitInterrupts for
// this instruction (the inhibit-interrupts result tag); the
// engine/host is responsible for not delivering a pending interrupt
// until the Step call after that one completes. MOV SS/POP SS arm the
// same shadow (see datamove.go).
func (c *CPU) opSti(inst decode.Instruction) {
	c.State.Flags.SetIF(true)
	c.inhibitInterrupts = true
}

func (c *CPU) opNop(inst decode.Instruction) {}

// opNopModRM is the multi-byte NOP r/m form (0F 1F /0): ModR/M is
// already consumed by decode; nothing else to do.
func (c *CPU) opNopModRM(inst decode.Instruction) {}

func (c *CPU) opPushf(inst decode.Instruction) {
	c.push(c.stackSize(inst), uint64(c.State.Flags.Pack()))
}

// opPopf reloads the flag lanes from the stack image. IOPL and IF
// changes are privilege-gated in protected mode; real mode (and this
// engine's CPL-0 default) accepts everything except VM/RF, which POPF
// never transfers.
func (c *CPU) opPopf(inst decode.Instruction) {
	size := c.stackSize(inst)
	v := c.pop(size)
	if c.lastFault != nil {
		return
	}
	vmSave := c.State.Flags.VM
	rfSave := c.State.Flags.RF
	ioplSave := c.State.Flags.IOPL
	ifSave := c.State.Flags.IF
	if size == 2 {
		old := c.State.Flags.Pack()
		c.State.Flags.Unpack(old&0xFFFF0000 | uint32(v&0xFFFF))
	} else {
		c.State.Flags.Unpack(uint32(v))
	}
	c.State.Flags.VM = vmSave
	c.State.Flags.RF = rfSave
	if c.busMode() != bus.ModeReal {
		if c.State.CPL > 0 {
			c.State.Flags.IOPL = ioplSave
		}
		if uint32(c.State.CPL) > ioplSave {
			c.State.Flags.IF = ifSave
		}
	}
}

// I/O port family. Port permissions (IOPL/TSS bitmap) are host policy
// in this engine: the bus callback sees every access (port and width
// only) and no IOPL or bitmap check is made here.

func (c *CPU) opInImm(inst decode.Instruction, size int) {
	port := uint16(c.fetchImm(1))
	if c.lastFault != nil {
		return
	}
	v := c.Mem.Bus.In(port, size)
	regWrite(&c.State.GPR, state.RegAX, size, uint64(v))
}

func (c *CPU) opOutImm(inst decode.Instruction, size int) {
	port := uint16(c.fetchImm(1))
	if c.lastFault != nil {
		return
	}
	c.Mem.Bus.Out(port, size, uint32(regRead(&c.State.GPR, state.RegAX, size)))
}

func (c *CPU) opInDX(inst decode.Instruction, size int) {
	port := c.State.GPR.Read16(state.RegDX)
	v := c.Mem.Bus.In(port, size)
	regWrite(&c.State.GPR, state.RegAX, size, uint64(v))
}

func (c *CPU) opOutDX(inst decode.Instruction, size int) {
	port := c.State.GPR.Read16(state.RegDX)
	c.Mem.Bus.Out(port, size, uint32(regRead(&c.State.GPR, state.RegAX, size)))
}

// opMovToCR/opMovFromCR are 0F 22/20. CR writes that flip PE/PG take
// effect immediately for the next instruction's mode derivation, since
// busMode re-derives from CR0 on every access.
func (c *CPU) opMovFromCR(inst decode.Instruction) {
	cr := int(inst.ModRM.Reg)
	c.regOperandWrite(inst, int(inst.ModRM.RM), c.crSize(), c.State.Ctrl.CR[cr])
}

func (c *CPU) opMovToCR(inst decode.Instruction) {
	cr := int(inst.ModRM.Reg)
	c.State.Ctrl.CR[cr] = c.regOperandRead(inst, int(inst.ModRM.RM), c.crSize())
	if cr == 0 {
		// Entering/leaving protected or paged mode re-derives on the next
		// access; nothing cached here to flush beyond the prefetch queue.
		c.flushPrefetch()
	}
}

func (c *CPU) opMovFromDR(inst decode.Instruction) {
	c.regOperandWrite(inst, int(inst.ModRM.RM), c.crSize(), c.State.Ctrl.DR[inst.ModRM.Reg])
}

func (c *CPU) opMovToDR(inst decode.Instruction) {
	c.State.Ctrl.DR[inst.ModRM.Reg] = c.regOperandRead(inst, int(inst.ModRM.RM), c.crSize())
}

func (c *CPU) crSize() int {
	if c.mode64 {
		return 8
	}
	return 4
}

// opGroup6 is 0F 00: SLDT/STR/LLDT/LTR/VERR/VERW.
func (c *CPU) opGroup6(inst decode.Instruction) {
	switch inst.ModRM.Reg {
	case 0: // SLDT
		c.writeRM(inst, 2, uint64(c.State.Segs.Regs[state.SegLDTR].Selector))
	case 1: // STR
		c.writeRM(inst, 2, uint64(c.State.Segs.Regs[state.SegTR].Selector))
	case 2: // LLDT
		sel := uint16(c.readRM(inst, 2))
		if c.lastFault != nil {
			return
		}
		c.loadSystemSegment(state.SegLDTR, sel)
	case 3: // LTR
		sel := uint16(c.readRM(inst, 2))
		if c.lastFault != nil {
			return
		}
		c.loadSystemSegment(state.SegTR, sel)
	case 4, 5: // VERR/VERW
		sel := uint16(c.readRM(inst, 2))
		if c.lastFault != nil {
			return
		}
		c.State.Flags.SetZF(c.selectorAccessible(sel, inst.ModRM.Reg == 5))
	default:
		c.undefined()
	}
}

// loadSystemSegment refills LDTR/TR's cache from the GDT without the
// data-segment privilege rules LoadSelector applies.
func (c *CPU) loadSystemSegment(segIdx int, sel uint16) {
	if sel&0xFFFC == 0 {
		c.State.Segs.Regs[segIdx] = state.SegReg{Selector: sel}
		return
	}
	raw, ok := c.Desc.FetchDescriptor(c.State.Segs.GDTR.Base, int(sel>>3))
	if !ok {
		c.lastFault = &bus.Fault{Vector: 13, HasCode: true, Msg: "system selector not accessible"}
		return
	}
	desc := bus.DecodeDescriptor(raw)
	if !desc.Access.Present {
		c.lastFault = &bus.Fault{Vector: 11, HasCode: true, Msg: "system segment not present"}
		return
	}
	c.State.Segs.Regs[segIdx] = state.SegReg{Selector: sel, Descriptor: desc}
}

// selectorAccessible is the VERR/VERW check: reachable, present, and
// readable/writable as asked, without faulting on failure.
func (c *CPU) selectorAccessible(sel uint16, wantWrite bool) bool {
	if sel&0xFFFC == 0 {
		return false
	}
	tableBase := c.State.Segs.GDTR.Base
	if sel&0x4 != 0 {
		tableBase = c.State.Segs.Regs[state.SegLDTR].Descriptor.Base
	}
	raw, ok := c.Desc.FetchDescriptor(tableBase, int(sel>>3))
	if !ok {
		return false
	}
	desc := bus.DecodeDescriptor(raw)
	if !desc.Access.Present || !desc.Access.System {
		return false
	}
	executable := desc.Access.Type&0x8 != 0
	if wantWrite {
		return !executable && desc.Access.Type&0x2 != 0
	}
	return !executable || desc.Access.Type&0x2 != 0
}

// opGroup7 is 0F 01: SGDT/SIDT/LGDT/LIDT/SMSW/LMSW/INVLPG.
func (c *CPU) opGroup7(inst decode.Instruction) {
	switch inst.ModRM.Reg {
	case 0, 1: // SGDT/SIDT
		if inst.ModRM.IsRegister {
			c.undefined()
			return
		}
		table := &c.State.Segs.GDTR
		if inst.ModRM.Reg == 1 {
			table = &c.State.Segs.IDTR
		}
		offset, defSeg := c.effectiveAddress(inst)
		seg := c.overrideSeg(defSeg, inst)
		if flt := c.Mem.Write(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, offset, 2, uint64(table.Limit)); flt != nil {
			c.lastFault = flt
			return
		}
		if flt := c.Mem.Write(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, offset+2, 4, table.Base); flt != nil {
			c.lastFault = flt
		}
	case 2, 3: // LGDT/LIDT
		if inst.ModRM.IsRegister {
			c.undefined()
			return
		}
		offset, defSeg := c.effectiveAddress(inst)
		seg := c.overrideSeg(defSeg, inst)
		limit, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, offset, 2)
		if flt != nil {
			c.lastFault = flt
			return
		}
		baseSize := 4
		if c.mode64 {
			baseSize = 8
		}
		base, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, offset+2, baseSize)
		if flt != nil {
			c.lastFault = flt
			return
		}
		if !c.mode64 && c.operandSize(inst) == 2 {
			base &= 0xFFFFFF // 16-bit form loads only 24 base bits
		}
		table := &c.State.Segs.GDTR
		if inst.ModRM.Reg == 3 {
			table = &c.State.Segs.IDTR
		}
		table.Base = base
		table.Limit = uint32(limit)
	case 4: // SMSW
		c.writeRM(inst, 2, c.State.Ctrl.CR[0]&0xFFFF)
	case 6: // LMSW: loads the low 4 CR0 bits, can set but never clear PE
		v := c.readRM(inst, 2)
		if c.lastFault != nil {
			return
		}
		pe := c.State.Ctrl.CR[0] & state.CR0PE
		c.State.Ctrl.CR[0] = (c.State.Ctrl.CR[0] &^ 0xE) | (v & 0xF) | pe
	case 7: // INVLPG: no TLB is modeled; the walk re-reads memory every time
		if inst.ModRM.IsRegister {
			c.undefined()
		}
	default:
		c.undefined()
	}
}

// opLarLsl is 0F 02/03: load access rights / segment limit, ZF
// reporting accessibility.
func (c *CPU) opLarLsl(inst decode.Instruction, limit bool) {
	size := c.operandSize(inst)
	sel := uint16(c.readRM(inst, 2))
	if c.lastFault != nil {
		return
	}
	if sel&0xFFFC == 0 {
		c.State.Flags.SetZF(false)
		return
	}
	tableBase := c.State.Segs.GDTR.Base
	if sel&0x4 != 0 {
		tableBase = c.State.Segs.Regs[state.SegLDTR].Descriptor.Base
	}
	raw, ok := c.Desc.FetchDescriptor(tableBase, int(sel>>3))
	if !ok {
		c.State.Flags.SetZF(false)
		return
	}
	desc := bus.DecodeDescriptor(raw)
	if !desc.Access.Present {
		c.State.Flags.SetZF(false)
		return
	}
	c.State.Flags.SetZF(true)
	if limit {
		l := uint64(desc.Limit)
		if desc.Access.Granular {
			l = l<<12 | 0xFFF
		}
		c.writeReg(inst, size, l)
		return
	}
	access := uint64(raw[5])<<8 | uint64(raw[6]&0xF0)<<16
	c.writeReg(inst, size, access)
}

func (c *CPU) opClts(inst decode.Instruction) {
	c.State.Ctrl.CR[0] &^= state.CR0TS
}

// opCpuid reports the traits record's pre-baked leaves; the leaf index
// in EAX selects which of the six stored leaves answers. Every basic
// leaf other than 0, 1 and 7 answers with leaf 1's values, and every
// extended leaf above 0x80000000 answers with the stored 0x80000001
// leaf.
func (c *CPU) opCpuid(inst decode.Instruction) {
	leafIdx := c.State.GPR.Read32(state.RegAX)
	var leaf traits.CPUIDLeaf
	switch {
	case leafIdx == 0:
		leaf = c.Traits.CPUID[0]
	case leafIdx == 1:
		leaf = c.Traits.CPUID[1]
	case leafIdx == 7:
		if c.State.GPR.Read32(state.RegCX) == 1 {
			leaf = c.Traits.CPUID[3]
		} else {
			leaf = c.Traits.CPUID[2]
		}
	case leafIdx == 0x80000000:
		leaf = c.Traits.CPUID[4]
	case leafIdx >= 0x80000001:
		leaf = c.Traits.CPUID[5]
	default:
		leaf = c.Traits.CPUID[1]
	}
	g := &c.State.GPR
	g.Write32(state.RegAX, leaf.EAX)
	g.Write32(state.RegBX, leaf.EBX)
	g.Write32(state.RegCX, leaf.ECX)
	g.Write32(state.RegDX, leaf.EDX)
}

// opRdtsc/opRdpmc/opRdmsr/opWrmsr expose the MSR bank. The TSC itself
// is host-advanced (this engine does no cycle counting),
// so RDTSC reads whatever the host last stored.
func (c *CPU) opRdtsc(inst decode.Instruction) {
	v := c.State.Ctrl.MSR[state.MSRTSC]
	c.State.GPR.Write32(state.RegAX, uint32(v))
	c.State.GPR.Write32(state.RegDX, uint32(v>>32))
}

func (c *CPU) opRdpmc(inst decode.Instruction) {
	idx := c.State.GPR.Read32(state.RegCX) & 1
	v := c.State.Ctrl.MSR[state.MSRPerfCtr0+int(idx)]
	c.State.GPR.Write32(state.RegAX, uint32(v))
	c.State.GPR.Write32(state.RegDX, uint32(v>>32))
}

// msrSlot maps an architectural MSR number onto the engine's compact
// bank; unknown numbers raise #GP(0), the architectural response to an
// unimplemented MSR.
func msrSlot(num uint32) (int, bool) {
	switch num {
	case 0x10:
		return state.MSRTSC, true
	case 0x174:
		return state.MSRSysenterCS, true
	case 0x175:
		return state.MSRSysenterESP, true
	case 0x176:
		return state.MSRSysenterEIP, true
	case 0xC0000080:
		return state.MSREFER, true
	case 0xC0000081:
		return state.MSRSTAR, true
	case 0xC0000082:
		return state.MSRLSTAR, true
	case 0xC0000083:
		return state.MSRCSTAR, true
	case 0xC0000084:
		return state.MSRSFMask, true
	case 0xC0000100:
		return state.MSRFSBase, true
	case 0xC0000101:
		return state.MSRGSBase, true
	case 0xC0000102:
		return state.MSRKernelGSBase, true
	case 0x1D9:
		return state.MSRDebugCtl, true
	case 0x179:
		return state.MSRMCGCap, true
	case 0x17A:
		return state.MSRMCGStatus, true
	}
	return 0, false
}

func (c *CPU) opRdmsr(inst decode.Instruction) {
	slot, ok := msrSlot(c.State.GPR.Read32(state.RegCX))
	if !ok {
		c.lastFault = &bus.Fault{Vector: 13, HasCode: true, Msg: "RDMSR: unimplemented MSR"}
		return
	}
	v := c.State.Ctrl.MSR[slot]
	c.State.GPR.Write32(state.RegAX, uint32(v))
	c.State.GPR.Write32(state.RegDX, uint32(v>>32))
}

func (c *CPU) opWrmsr(inst decode.Instruction) {
	num := c.State.GPR.Read32(state.RegCX)
	slot, ok := msrSlot(num)
	if !ok {
		c.lastFault = &bus.Fault{Vector: 13, HasCode: true, Msg: "WRMSR: unimplemented MSR"}
		return
	}
	v := uint64(c.State.GPR.Read32(state.RegDX))<<32 | uint64(c.State.GPR.Read32(state.RegAX))
	c.State.Ctrl.MSR[slot] = v
	switch slot {
	case state.MSREFER:
		c.State.Ctrl.EFER = v
	case state.MSRFSBase:
		c.State.Segs.Regs[state.SegFS].Descriptor.Base = v
	case state.MSRGSBase:
		c.State.Segs.Regs[state.SegGS].Descriptor.Base = v
	}
}

// opSysenter/opSysexit implement the Intel fast-system-call pair from
// the SYSENTER_* MSR block; flat selectors are derived from
// SYSENTER_CS per the architectural formula.
func (c *CPU) opSysenter(inst decode.Instruction) {
	cs := uint16(c.State.Ctrl.MSR[state.MSRSysenterCS])
	if cs&0xFFFC == 0 {
		c.lastFault = &bus.Fault{Vector: 13, HasCode: true, Msg: "SYSENTER with null SYSENTER_CS"}
		return
	}
	c.State.Segs.Regs[state.SegCS] = flatSegment(cs, true)
	c.State.Segs.Regs[state.SegSS] = flatSegment(cs+8, false)
	c.State.GPR.Write64(state.RegSP, c.State.Ctrl.MSR[state.MSRSysenterESP])
	c.State.XIP = c.State.Ctrl.MSR[state.MSRSysenterEIP]
	c.State.CPL = 0
	c.State.Flags.SetIF(false)
}

func (c *CPU) opSysexit(inst decode.Instruction) {
	cs := uint16(c.State.Ctrl.MSR[state.MSRSysenterCS])
	if cs&0xFFFC == 0 || c.State.CPL != 0 {
		c.lastFault = &bus.Fault{Vector: 13, HasCode: true, Msg: "SYSEXIT privilege failure"}
		return
	}
	c.State.Segs.Regs[state.SegCS] = flatSegment(cs+16|3, true)
	c.State.Segs.Regs[state.SegSS] = flatSegment(cs+24|3, false)
	c.State.GPR.Write64(state.RegSP, c.State.GPR.Read64(state.RegCX))
	c.State.XIP = c.State.GPR.Read64(state.RegDX)
	c.State.CPL = 3
}

// opSyscall/opSysret are the AMD pair from STAR/LSTAR/SFMASK. The
// legacy (non-long-mode) form uses STAR[47:32] and keeps ECX as the
// return address.
func (c *CPU) opSyscall(inst decode.Instruction) {
	if c.State.Ctrl.EFER&state.EFERSCE == 0 {
		c.undefined()
		return
	}
	star := c.State.Ctrl.MSR[state.MSRSTAR]
	c.State.GPR.Write64(state.RegCX, c.State.XIP)
	if c.mode64 {
		c.State.GPR.Write64(state.RegR11, uint64(c.State.Flags.Pack()))
		c.State.XIP = c.State.Ctrl.MSR[state.MSRLSTAR]
		mask := uint32(c.State.Ctrl.MSR[state.MSRSFMask])
		c.State.Flags.Unpack(c.State.Flags.Pack() &^ mask)
	} else {
		c.State.XIP = star & 0xFFFFFFFF // STAR[31:0] is the legacy-mode target EIP
		c.State.Flags.SetIF(false)
	}
	c.State.Segs.Regs[state.SegCS] = flatSegment(uint16(star>>32)&0xFFFC, true)
	c.State.Segs.Regs[state.SegSS] = flatSegment(uint16(star>>32)+8, false)
	c.State.CPL = 0
}

func (c *CPU) opSysret(inst decode.Instruction) {
	if c.State.Ctrl.EFER&state.EFERSCE == 0 || c.State.CPL != 0 {
		c.lastFault = &bus.Fault{Vector: 13, HasCode: true, Msg: "SYSRET privilege failure"}
		return
	}
	star := c.State.Ctrl.MSR[state.MSRSTAR]
	c.State.XIP = c.State.GPR.Read64(state.RegCX)
	if c.mode64 {
		c.State.Flags.Unpack(uint32(c.State.GPR.Read64(state.RegR11)))
	}
	c.State.Segs.Regs[state.SegCS] = flatSegment(uint16(star>>48)|3, true)
	c.State.Segs.Regs[state.SegSS] = flatSegment((uint16(star>>48)+8)|3, false)
	c.State.CPL = 3
}

// flatSegment builds the flat 4GB descriptor cache the fast-syscall
// instructions install without a table read.
func flatSegment(sel uint16, code bool) state.SegReg {
	typ := uint8(0x3)
	if code {
		typ = 0xB
	}
	return state.SegReg{
		Selector: sel,
		Descriptor: state.Descriptor{
			Base:  0,
			Limit: 0xFFFFF,
			Access: state.Access{
				Present:  true,
				System:   true,
				Type:     typ,
				Granular: true,
				Big:      true,
				DPL:      uint8(sel & 3),
			},
		},
	}
}

// opInvdWbinvd: no cache is modeled; both are no-ops here, and no
// privilege check is made.
func (c *CPU) opInvdWbinvd(inst decode.Instruction) {}

// opRsm returns from SMM. The engine's except component owns the
// actual save-state restore; exec only records the request in
// pendingRSM, which Step reports as ResultRSM.
func (c *CPU) opRsm(inst decode.Instruction) {
	if c.State.Level != state.LevelSMM {
		c.undefined()
		return
	}
	c.pendingRSM = true
}
