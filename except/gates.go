package except

import (
	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/state"
)

// GateType names the four IDT entry shapes gate dispatch distinguishes.
type GateType int

const (
	GateInterrupt GateType = iota
	GateTrap
	GateTask
	GateCall
)

// Gate is one decoded IDT entry: enough to validate and dispatch
// through it without re-reading the raw bytes twice.
type Gate struct {
	Type     GateType
	Present  bool
	DPL      uint8
	Selector uint16
	Offset   uint64
	IST      uint8 // long-mode interrupt-stack-table index, 0 = none
}

// decodeGate extracts a protected-mode IDT entry (8 or 16 bytes,
// caller has already fetched the right span) into a Gate. The type
// field: 0x5 = task, 0x6 = 16-bit interrupt, 0x7 = 16-bit trap,
// 0xE = 32/64-bit interrupt, 0xF = 32/64-bit trap.
func decodeGate(raw [16]byte, long bool) Gate {
	offsetLow := uint32(raw[0]) | uint32(raw[1])<<8
	selector := uint16(raw[2]) | uint16(raw[3])<<8
	ist := raw[4] & 0x7
	access := raw[5]
	offsetMid := uint32(raw[6]) | uint32(raw[7])<<8

	var offset uint64 = uint64(offsetLow) | uint64(offsetMid)<<16
	if long {
		offsetHigh := uint32(raw[8]) | uint32(raw[9])<<8 | uint32(raw[10])<<16 | uint32(raw[11])<<24
		offset |= uint64(offsetHigh) << 32
	}

	g := Gate{
		Present:  access&0x80 != 0,
		DPL:      (access >> 5) & 0x3,
		Selector: selector,
		Offset:   offset,
		IST:      ist,
	}
	switch access & 0xF {
	case 0x5:
		g.Type = GateTask
	case 0x6, 0xE:
		g.Type = GateInterrupt
	case 0x7, 0xF:
		g.Type = GateTrap
	default:
		g.Type = GateCall
	}
	return g
}

// Frame is what Dispatch pushes on the stack (or, in real mode,
// writes as the table-0 three-word frame): the return point plus
// FLAGS, and an optional error code when the vector's VALUE bit is
// set.
type Frame struct {
	Flags    uint32
	CS       uint16
	IP       uint64
	HasError bool
	ErrCode  uint32
}

// Dispatcher owns the IDT/GDT/LDT lookups Dispatch needs: a
// bus.DescriptorSource for both the IDT's gate entries and the GDT/
// LDT's code-segment descriptors they point into.
type Dispatcher struct {
	Src bus.DescriptorSource
	Mem *bus.Memory
}

// realModeDispatch implements the real-mode/V86-mode table-0
// interrupt vector table: four bytes per entry (IP:CS), no gate
// metadata, no privilege check. IDTR.Limit is honored in real mode on
// every model, the 8086 included, which is what lets a deliberately
// shortened table force #GP on vector fetch.
func (d *Dispatcher) realModeDispatch(st *state.State, vector int) *bus.Fault {
	if uint32(vector)*4+3 > st.Segs.IDTR.Limit {
		return &bus.Fault{Vector: 13, HasCode: true, Msg: "interrupt vector beyond IVT limit"}
	}
	entry := uint64(vector)*4 + st.Segs.IDTR.Base
	raw := bus.ReadBytes(d.Mem.Bus, entry, 4)
	newIP := uint32(raw[0]) | uint32(raw[1])<<8
	newCS := uint16(raw[2]) | uint16(raw[3])<<8

	// st.XIP is the right return address for faults and traps alike:
	// the executor rewinds XIP to the instruction start for faults
	// before dispatch, and leaves it past the instruction for
	// trap-class vectors (INT n, INT3, INTO).
	flags := st.Flags.Pack()
	d.push16(st, uint16(flags))
	d.push16(st, st.Segs.Regs[state.SegCS].Selector)
	d.push16(st, uint16(st.XIP))

	st.Flags.SetIF(false)
	st.Flags.SetTF(false)
	st.Segs.Regs[state.SegCS] = state.SegReg{Selector: newCS, Descriptor: state.LoadReal(newCS)}
	st.XIP = uint64(newIP)
	return nil
}

func (d *Dispatcher) push16(st *state.State, v uint16) {
	sp := st.GPR.Read64(state.RegSP) - 2
	st.GPR.Write64(state.RegSP, sp)
	d.Mem.Write(&st.Ctrl, &st.Segs, bus.ModeReal, st.Level, state.SegSS, sp, 2, uint64(v))
}

func (d *Dispatcher) pushN(st *state.State, size int, v uint64) *bus.Fault {
	sp := st.GPR.Read64(state.RegSP) - uint64(size)
	st.GPR.Write64(state.RegSP, sp)
	mode := bus.CurrentMode(&st.Ctrl, &st.Flags)
	return d.Mem.Write(&st.Ctrl, &st.Segs, mode, st.Level, state.SegSS, sp, size, v)
}

// Dispatch takes an already-classified vector through the full
// gate-dispatch sequence: real-mode table lookup, or protected/long
// mode IDT gate lookup, frame push (with error code when hasError),
// and IF-clearing for interrupt gates (trap gates leave IF alone).
// Task gates perform a task switch via TaskSwitch. The only gate
// checks are the IDT limit (#GP) and the present bit (#NP): the
// gate's DPL is not compared with CPL, gate types other than task and
// interrupt are dispatched like trap gates, and the target code
// segment is not validated (see resolveGateTargetDescriptor).
func (d *Dispatcher) Dispatch(st *state.State, vector int, hasError bool, errCode uint32) *bus.Fault {
	mode := bus.CurrentMode(&st.Ctrl, &st.Flags)
	if mode == bus.ModeReal || mode == bus.ModeV86 {
		return d.realModeDispatch(st, vector)
	}

	entrySize := 8
	if mode == bus.ModeLong {
		entrySize = 16
	}
	if uint32(vector)*uint32(entrySize)+uint32(entrySize-1) > st.Segs.IDTR.Limit {
		return &bus.Fault{Vector: 13, HasCode: true, Msg: "IDT vector beyond limit"}
	}
	raw, ok := d.Src.FetchDescriptor(st.Segs.IDTR.Base, vector*entrySize/8)
	if !ok {
		return &bus.Fault{Vector: 13, HasCode: true, Msg: "IDT entry not accessible"}
	}
	var raw16 [16]byte
	copy(raw16[:], raw[:])
	if entrySize == 16 {
		raw2, ok2 := d.Src.FetchDescriptor(st.Segs.IDTR.Base, vector*2+1)
		if ok2 {
			copy(raw16[8:], raw2[:])
		}
	}
	g := decodeGate(raw16, mode == bus.ModeLong)

	if !g.Present {
		return &bus.Fault{Vector: 11, HasCode: true, Msg: "IDT gate not present"}
	}

	if g.Type == GateTask {
		return d.TaskSwitch(st, g.Selector)
	}

	opSize := 4
	if mode == bus.ModeLong {
		opSize = 8
	}

	oldFlags := st.Flags.Pack()
	oldCS := st.Segs.Regs[state.SegCS].Selector
	oldIP := st.XIP // rewound to the instruction start for fault-class vectors

	if f := d.pushN(st, opSize, uint64(oldFlags)); f != nil {
		return f
	}
	if f := d.pushN(st, opSize, uint64(oldCS)); f != nil {
		return f
	}
	if f := d.pushN(st, opSize, oldIP); f != nil {
		return f
	}
	if hasError {
		if f := d.pushN(st, opSize, uint64(errCode)); f != nil {
			return f
		}
	}

	if g.Type == GateInterrupt {
		st.Flags.SetIF(false)
	}
	st.Flags.SetTF(false)
	st.Flags.RF = 0

	st.Segs.Regs[state.SegCS] = state.SegReg{Selector: g.Selector, Descriptor: resolveGateTargetDescriptor(d.Src, st, g.Selector)}
	st.XIP = g.Offset
	return nil
}

// resolveGateTargetDescriptor loads the code-segment descriptor a
// gate's selector names. A null selector or an inaccessible table
// entry yields a zero Descriptor rather than a fault, and a fetched
// descriptor is used as decoded, without present, type or privilege
// checks.
func resolveGateTargetDescriptor(src bus.DescriptorSource, st *state.State, selector uint16) state.Descriptor {
	if selector&0xFFFC == 0 {
		return state.Descriptor{}
	}
	tableBase := st.Segs.GDTR.Base
	if selector&0x4 != 0 {
		tableBase = st.Segs.Regs[state.SegLDTR].Descriptor.Base
	}
	raw, ok := src.FetchDescriptor(tableBase, int(selector>>3))
	if !ok {
		return state.Descriptor{}
	}
	return bus.DecodeDescriptor(raw)
}

// TaskSwitch performs the task-gate path: write the current
// architectural state into the outgoing TSS, load the incoming TSS,
// and set CR0.TS. The only checks are that the incoming TSS
// descriptor is accessible (#GP) and present (#NP); the incoming
// task's LDT selector is not loaded and its segment selectors are not
// validated (they are reloaded as real-mode-style descriptors). Both
// reads and writes use the 32-bit TSS layout; the 16-bit 286 TSS
// layout is not supported.
func (d *Dispatcher) TaskSwitch(st *state.State, newTSSSelector uint16) *bus.Fault {
	tableBase := st.Segs.GDTR.Base
	raw, ok := d.Src.FetchDescriptor(tableBase, int(newTSSSelector>>3))
	if !ok {
		return &bus.Fault{Vector: 13, HasCode: true, Msg: "TSS selector not accessible"}
	}
	newDesc := bus.DecodeDescriptor(raw)
	if !newDesc.Access.Present {
		return &bus.Fault{Vector: 11, HasCode: true, Msg: "incoming TSS not present"}
	}

	oldTR := st.Segs.Regs[state.SegTR]
	// Write back the outgoing task's volatile state into its own TSS
	// base; field offsets follow the 32-bit TSS layout (EIP at +32,
	// EFLAGS at +36, EAX..EDI at +40..+68, segment selectors at
	// +72..+92).
	writeTSS32(d.Mem, st, oldTR.Descriptor.Base)

	st.Segs.Regs[state.SegTR] = state.SegReg{Selector: newTSSSelector, Descriptor: newDesc}
	loadTSS32(d.Mem, st, newDesc.Base)

	st.Ctrl.CR[0] |= state.CR0TS
	return nil
}

func writeTSS32(mem *bus.Memory, st *state.State, base uint64) {
	w := func(off uint64, size int, v uint64) {
		bus.WriteN(mem.Bus, base+off, size, v)
	}
	w(32, 4, st.XIP)
	w(36, 4, uint64(st.Flags.Pack()))
	for i := 0; i < 8; i++ {
		w(uint64(40+4*i), 4, st.GPR.Read64(i)&0xFFFFFFFF)
	}
	segs := []int{state.SegES, state.SegCS, state.SegSS, state.SegDS, state.SegFS, state.SegGS}
	for i, idx := range segs {
		w(uint64(72+4*i), 4, uint64(st.Segs.Regs[idx].Selector))
	}
}

func loadTSS32(mem *bus.Memory, st *state.State, base uint64) {
	r := func(off uint64, size int) uint64 {
		return bus.ReadN(mem.Bus, base+off, size)
	}
	st.XIP = r(32, 4)
	st.Flags.Unpack(uint32(r(36, 4)))
	for i := 0; i < 8; i++ {
		st.GPR.Write64(i, r(uint64(40+4*i), 4))
	}
	segs := []int{state.SegES, state.SegCS, state.SegSS, state.SegDS, state.SegFS, state.SegGS}
	for i, idx := range segs {
		sel := uint16(r(uint64(72+4*i), 4))
		st.Segs.Regs[idx] = state.SegReg{Selector: sel, Descriptor: state.LoadReal(sel)}
	}
}
