package exec

import (
	"math"

	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/coproc"
	"github.com/BinaryMelodies/x86-emulator-core/decode"
	"github.com/BinaryMelodies/x86-emulator-core/state"
	"github.com/BinaryMelodies/x86-emulator-core/traits"
)

// x87Gate runs the checks every FPU instruction performs before its
// own semantics: #NM when no FPU is configured or CR0.EM/TS force
// software emulation, then the deferred-exception model: an unmasked
// exception left in FSW by a *previous* FPU op raises #MF now, at
// this instruction's xIP, not the one that computed the bad result.
// noWait marks the FN* control forms that skip the pending-exception
// check.
func (c *CPU) x87Gate(inst decode.Instruction, noWait bool) bool {
	if c.Traits.FPUDefault == traits.FPUNone {
		c.undefined()
		return false
	}
	cr0 := c.State.Ctrl.CR[0]
	if cr0&state.CR0EM != 0 || (cr0&state.CR0TS != 0 && cr0&state.CR0MP != 0) {
		c.lastFault = &bus.Fault{Vector: 7, Msg: "FPU not available (CR0.EM/TS)"}
		return false
	}
	if !noWait && coproc.HasUnmaskedException(&c.State.X87) {
		c.lastFault = &bus.Fault{Vector: 16, Msg: "pending x87 exception"}
		return false
	}
	coproc.BeginOp(&c.State.X87, &c.State.Ctrl,
		uint16(inst.Opcode)<<8|uint16(inst.ModRM.Mod)<<6|uint16(inst.ModRM.Reg)<<3|uint16(inst.ModRM.RM),
		c.State.Segs.Regs[state.SegCS].Selector, uint32(c.State.OldXIP),
		!inst.ModRM.IsRegister, c.State.Segs.Regs[state.SegDS].Selector, 0)
	return true
}

// opWait is 9B: synchronize with the FPU, surfacing any deferred
// unmasked exception as #MF before the next instruction.
func (c *CPU) opWait(inst decode.Instruction) {
	if c.Traits.FPUDefault == traits.FPUNone {
		return // no coprocessor, WAIT is a no-op
	}
	if c.State.Ctrl.CR[0]&(state.CR0TS|state.CR0MP) == (state.CR0TS | state.CR0MP) {
		c.lastFault = &bus.Fault{Vector: 7, Msg: "WAIT with CR0.TS set"}
		return
	}
	if coproc.HasUnmaskedException(&c.State.X87) {
		c.lastFault = &bus.Fault{Vector: 16, Msg: "pending x87 exception"}
	}
}

// x87MemReal reads/writes the memory operand as a float of the given
// storage width (4 or 8 bytes).
func (c *CPU) x87ReadReal(inst decode.Instruction, width int) (float64, bool) {
	raw := c.readMem(inst, width)
	if c.lastFault != nil {
		return 0, false
	}
	if width == 4 {
		return float64(math.Float32frombits(uint32(raw))), true
	}
	return math.Float64frombits(raw), true
}

func (c *CPU) x87WriteReal(inst decode.Instruction, width int, v float64) {
	var raw uint64
	if width == 4 {
		raw = uint64(math.Float32bits(float32(v)))
	} else {
		raw = math.Float64bits(v)
	}
	c.writeMem(inst, width, raw)
}

// x87Arith applies one of the eight D8/DC-group operations, setting
// the sticky precision bit whenever the operation was inexact.
func (c *CPU) x87Arith(reg byte, a, b float64) (float64, bool) {
	x := &c.State.X87
	var r float64
	switch reg {
	case 0: // FADD
		r = a + b
		if r-a != b || r-b != a {
			x.SetException(state.FSWPE)
		}
	case 1: // FMUL
		r = a * b
		if b != 0 && r/b != a {
			x.SetException(state.FSWPE)
		}
	case 2, 3: // FCOM/FCOMP
		x.ClearCond()
		switch {
		case math.IsNaN(a) || math.IsNaN(b):
			x.FSW |= state.FSWC0 | state.FSWC2 | state.FSWC3
			x.SetException(state.FSWIE)
		case a < b:
			x.FSW |= state.FSWC0
		case a == b:
			x.FSW |= state.FSWC3
		}
		return 0, reg == 3 // comparisons write nothing; FCOMP pops
	case 4: // FSUB
		r = a - b
	case 5: // FSUBR
		r = b - a
	case 6: // FDIV
		if b == 0 {
			x.SetException(state.FSWZE)
			r = math.Inf(sign2(a))
		} else {
			r = a / b
		}
	case 7: // FDIVR
		if a == 0 {
			x.SetException(state.FSWZE)
			r = math.Inf(sign2(b))
		} else {
			r = b / a
		}
	}
	return r, false
}

func sign2(v float64) int {
	if math.Signbit(v) {
		return -1
	}
	return 1
}

// opEscD8: real32 (memory) or ST(0) op ST(i) forms.
func (c *CPU) opEscD8(inst decode.Instruction) {
	if !c.x87Gate(inst, false) {
		return
	}
	x := &c.State.X87
	var b float64
	if inst.ModRM.IsRegister {
		b = x.ST(int(inst.ModRM.RM))
	} else {
		var ok bool
		b, ok = c.x87ReadReal(inst, 4)
		if !ok {
			return
		}
	}
	a := x.ST(0)
	r, pop := c.x87Arith(inst.ModRM.Reg, a, b)
	if inst.ModRM.Reg != 2 && inst.ModRM.Reg != 3 {
		x.SetST(0, r)
	}
	if pop {
		x.Pop()
	}
}

// opEscD9: FLD/FST/FSTP m32, control-word moves, FSTENV, register
// exchanges and the constant/transcendental block.
func (c *CPU) opEscD9(inst decode.Instruction) {
	x := &c.State.X87
	if !inst.ModRM.IsRegister {
		noWait := inst.ModRM.Reg == 6 || inst.ModRM.Reg == 7
		if !c.x87Gate(inst, noWait) {
			return
		}
		switch inst.ModRM.Reg {
		case 0: // FLD m32
			v, ok := c.x87ReadReal(inst, 4)
			if !ok {
				return
			}
			x.Push(v)
		case 2: // FST m32
			c.x87WriteReal(inst, 4, x.ST(0))
		case 3: // FSTP m32
			c.x87WriteReal(inst, 4, x.ST(0))
			if c.lastFault == nil {
				x.Pop()
			}
		case 4: // FLDENV
			c.x87LoadEnv(inst)
		case 5: // FLDCW
			v := c.readMem(inst, 2)
			if c.lastFault != nil {
				return
			}
			x.FCW = uint16(v)
		case 6: // FNSTENV: queued on standalone FPUs
			c.x87QueueStore(inst, state.QueueFSTENV)
		case 7: // FNSTCW
			c.writeMem(inst, 2, uint64(x.FCW))
		default:
			c.undefined()
		}
		return
	}

	if !c.x87Gate(inst, false) {
		return
	}
	switch {
	case inst.ModRM.Reg == 0: // FLD ST(i)
		x.Push(x.ST(int(inst.ModRM.RM)))
	case inst.ModRM.Reg == 1: // FXCH ST(i)
		a, b := x.ST(0), x.ST(int(inst.ModRM.RM))
		x.SetST(0, b)
		x.SetST(int(inst.ModRM.RM), a)
	case inst.ModRM.Mod == 3 && inst.ModRM.Reg == 2 && inst.ModRM.RM == 0: // FNOP
	case inst.ModRM.Reg == 4:
		switch inst.ModRM.RM {
		case 0: // FCHS
			x.SetST(0, -x.ST(0))
		case 1: // FABS
			x.SetST(0, math.Abs(x.ST(0)))
		case 4: // FTST
			c.x87Arith(2, x.ST(0), 0)
		case 5: // FXAM
			x.ClearCond()
			v := x.ST(0)
			switch {
			case math.IsNaN(v):
				x.FSW |= state.FSWC0
			case math.IsInf(v, 0):
				x.FSW |= state.FSWC0 | state.FSWC2
			case v == 0:
				x.FSW |= state.FSWC3
			default:
				x.FSW |= state.FSWC2
			}
			if math.Signbit(v) {
				x.FSW |= state.FSWC1
			}
		default:
			c.undefined()
		}
	case inst.ModRM.Reg == 5: // constants
		consts := [8]float64{1, math.Log2(10), math.Log2(math.E), math.Pi, math.Log10(2), math.Ln2, 0, 0}
		if inst.ModRM.RM > 6 {
			c.undefined()
			return
		}
		x.Push(consts[inst.ModRM.RM])
	case inst.ModRM.Reg == 7:
		switch inst.ModRM.RM {
		case 2: // FSQRT
			v := x.ST(0)
			if v < 0 {
				x.SetException(state.FSWIE)
				x.SetST(0, math.NaN())
				return
			}
			x.SetST(0, math.Sqrt(v))
		case 0: // FPREM
			a, b := x.ST(0), x.ST(1)
			if b == 0 {
				x.SetException(state.FSWZE)
				return
			}
			x.SetST(0, math.Mod(a, b))
			x.FSW &^= state.FSWC2
		case 4: // FRNDINT
			x.SetST(0, x.RoundPerFCW(x.ST(0)))
		default:
			c.undefined()
		}
	default:
		c.undefined()
	}
}

// opEscDADE: the m32int (DA) and m16int (DE) arithmetic forms, plus
// DE's register-popping arithmetic and FCOMPP.
func (c *CPU) opEscDADE(inst decode.Instruction) {
	if !c.x87Gate(inst, false) {
		return
	}
	x := &c.State.X87
	if !inst.ModRM.IsRegister {
		width := 4
		if inst.Opcode == 0xDE {
			width = 2
		}
		raw := c.readMem(inst, width)
		if c.lastFault != nil {
			return
		}
		b := float64(signExtend(raw, width))
		a := x.ST(0)
		r, pop := c.x87Arith(inst.ModRM.Reg, a, b)
		if inst.ModRM.Reg != 2 && inst.ModRM.Reg != 3 {
			x.SetST(0, r)
		}
		if pop {
			x.Pop()
		}
		return
	}
	if inst.Opcode == 0xDA {
		if inst.ModRM.Reg == 5 && inst.ModRM.RM == 1 { // FUCOMPP
			c.x87Arith(2, x.ST(0), x.ST(1))
			x.Pop()
			x.Pop()
			return
		}
		c.undefined()
		return
	}
	// DE register forms: FADDP etc., ST(i) = ST(i) op ST(0) then pop.
	if inst.ModRM.Reg == 3 && inst.ModRM.RM == 1 { // FCOMPP
		c.x87Arith(2, x.ST(0), x.ST(1))
		x.Pop()
		x.Pop()
		return
	}
	i := int(inst.ModRM.RM)
	a := x.ST(i)
	b := x.ST(0)
	r, _ := c.x87Arith(inst.ModRM.Reg, a, b)
	x.SetST(i, r)
	x.Pop()
}

// opEscDB: FILD/FISTP m32 and the FNCLEX/FNINIT control forms.
func (c *CPU) opEscDB(inst decode.Instruction) {
	x := &c.State.X87
	if inst.ModRM.IsRegister {
		if inst.ModRM.Reg == 4 {
			switch inst.ModRM.RM {
			case 2: // FNCLEX
				x.FSW &^= state.FSWIE | state.FSWDE | state.FSWZE | state.FSWOE |
					state.FSWUE | state.FSWPE | state.FSWSF | state.FSWES | state.FSWB
				return
			case 3: // FNINIT
				x.Reset()
				return
			}
		}
		c.undefined()
		return
	}
	if !c.x87Gate(inst, false) {
		return
	}
	switch inst.ModRM.Reg {
	case 0: // FILD m32int
		raw := c.readMem(inst, 4)
		if c.lastFault != nil {
			return
		}
		x.Push(float64(int32(raw)))
	case 2: // FIST m32int
		c.x87StoreInt(inst, 4, false)
	case 3: // FISTP m32int
		c.x87StoreInt(inst, 4, true)
	default:
		c.undefined()
	}
}

// opEscDC: real64 arithmetic (memory) or ST(i) op ST(0) register
// forms.
func (c *CPU) opEscDC(inst decode.Instruction) {
	if !c.x87Gate(inst, false) {
		return
	}
	x := &c.State.X87
	if !inst.ModRM.IsRegister {
		b, ok := c.x87ReadReal(inst, 8)
		if !ok {
			return
		}
		a := x.ST(0)
		r, pop := c.x87Arith(inst.ModRM.Reg, a, b)
		if inst.ModRM.Reg != 2 && inst.ModRM.Reg != 3 {
			x.SetST(0, r)
		}
		if pop {
			x.Pop()
		}
		return
	}
	i := int(inst.ModRM.RM)
	a := x.ST(i)
	b := x.ST(0)
	r, _ := c.x87Arith(inst.ModRM.Reg, a, b)
	x.SetST(i, r)
}

// opEscDD: FLD/FST/FSTP m64, FRSTOR, FNSAVE (queued), FNSTSW m16, and
// the FFREE/FST/FSTP register forms.
func (c *CPU) opEscDD(inst decode.Instruction) {
	x := &c.State.X87
	if !inst.ModRM.IsRegister {
		noWait := inst.ModRM.Reg == 6 || inst.ModRM.Reg == 7
		if !c.x87Gate(inst, noWait) {
			return
		}
		switch inst.ModRM.Reg {
		case 0: // FLD m64
			v, ok := c.x87ReadReal(inst, 8)
			if !ok {
				return
			}
			x.Push(v)
		case 2: // FST m64
			c.x87WriteReal(inst, 8, x.ST(0))
		case 3: // FSTP m64
			c.x87WriteReal(inst, 8, x.ST(0))
			if c.lastFault == nil {
				x.Pop()
			}
		case 4: // FRSTOR
			c.x87LoadEnv(inst) // env block; register reload follows
		case 6: // FNSAVE: queued on standalone FPUs
			c.x87QueueStore(inst, state.QueueFSAVE)
		case 7: // FNSTSW m16
			c.writeMem(inst, 2, uint64(x.FSW))
		default:
			c.undefined()
		}
		return
	}
	if !c.x87Gate(inst, false) {
		return
	}
	i := int(inst.ModRM.RM)
	switch inst.ModRM.Reg {
	case 0: // FFREE
		x.FreeST(i)
	case 2: // FST ST(i)
		if x.CheckStackUnderflow(0) {
			return
		}
		x.SetST(i, x.ST(0))
	case 3: // FSTP ST(i)
		if x.CheckStackUnderflow(0) {
			return
		}
		x.SetST(i, x.ST(0))
		x.Pop()
	default:
		c.undefined()
	}
}

// opEscDF: m16int forms, m64int forms, and FNSTSW AX.
func (c *CPU) opEscDF(inst decode.Instruction) {
	x := &c.State.X87
	if inst.ModRM.IsRegister {
		if inst.ModRM.Reg == 4 && inst.ModRM.RM == 0 { // FNSTSW AX
			c.State.GPR.Write16(state.RegAX, x.FSW)
			return
		}
		c.undefined()
		return
	}
	if !c.x87Gate(inst, false) {
		return
	}
	switch inst.ModRM.Reg {
	case 0: // FILD m16int
		raw := c.readMem(inst, 2)
		if c.lastFault != nil {
			return
		}
		x.Push(float64(int16(raw)))
	case 2: // FIST m16int
		c.x87StoreInt(inst, 2, false)
	case 3: // FISTP m16int
		c.x87StoreInt(inst, 2, true)
	case 5: // FILD m64int
		raw := c.readMem(inst, 8)
		if c.lastFault != nil {
			return
		}
		x.Push(float64(int64(raw)))
	case 7: // FISTP m64int
		c.x87StoreInt(inst, 8, true)
	default:
		c.undefined()
	}
}

func (c *CPU) x87StoreInt(inst decode.Instruction, width int, pop bool) {
	x := &c.State.X87
	v := x.RoundPerFCW(x.ST(0))
	if v != x.ST(0) {
		x.SetException(state.FSWPE)
	}
	var raw uint64
	switch width {
	case 2:
		if v > 32767 || v < -32768 {
			x.SetException(state.FSWIE)
			raw = 0x8000
		} else {
			raw = uint64(uint16(int16(v)))
		}
	case 4:
		if v > math.MaxInt32 || v < math.MinInt32 {
			x.SetException(state.FSWIE)
			raw = 0x80000000
		} else {
			raw = uint64(uint32(int32(v)))
		}
	default:
		raw = uint64(int64(v))
	}
	c.writeMem(inst, width, raw)
	if pop && c.lastFault == nil {
		x.Pop()
	}
}

// x87QueueStore records the queued FSAVE/FSTENV slot: on a
// standalone FPU the store completes asynchronously via StepX87, so
// the host CPU continues immediately; an integrated FPU retires it
// synchronously within this instruction.
func (c *CPU) x87QueueStore(inst decode.Instruction, op state.QueuedOp) {
	offset, defSeg := c.effectiveAddress(inst)
	seg := c.overrideSeg(defSeg, inst)
	x := &c.State.X87
	x.Queued = op
	x.QueuedSeg = c.State.Segs.Regs[seg].Selector
	x.QueuedOff = uint32(offset)
	if coproc.Integrated(&c.State.Ctrl) {
		// Synchronous completion: drain the queue before the next
		// instruction can observe it.
		coproc.StepX87(&c.State.X87, c.Mem, &c.State.Segs, c.busMode(), c.State.Level)
	}
}

// x87LoadEnv reads the 14-byte real-mode environment block FLDENV and
// FRSTOR share.
func (c *CPU) x87LoadEnv(inst decode.Instruction) {
	offset, defSeg := c.effectiveAddress(inst)
	seg := c.overrideSeg(defSeg, inst)
	read := func(off uint64, size int) uint64 {
		if c.lastFault != nil {
			return 0
		}
		v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, seg, offset+off, size)
		if flt != nil {
			c.lastFault = flt
			return 0
		}
		return v
	}
	x := &c.State.X87
	fcw := read(0, 2)
	fsw := read(2, 2)
	ftw := read(4, 2)
	fip := read(6, 4)
	fcs := read(10, 2)
	fop := read(12, 2)
	if c.lastFault != nil {
		return
	}
	x.FCW = uint16(fcw)
	x.FSW = uint16(fsw)
	x.FTW = uint16(ftw)
	x.FIP = uint32(fip)
	x.FCS = uint16(fcs)
	x.FOP = uint16(fop)
	x.Banks[x.ActiveBank].Tag = uint16(ftw)
}
