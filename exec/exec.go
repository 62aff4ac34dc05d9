// Package exec implements instruction execution: the per-opcode
// semantics dispatch tables and the Step loop that ties decode's
// Instruction to state/bus effects. An opcode's semantics is a bound
// method stored directly in a per-map dispatch array built once at
// construction.
package exec

import (
	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/decode"
	"github.com/BinaryMelodies/x86-emulator-core/state"
	"github.com/BinaryMelodies/x86-emulator-core/traits"
)

// Result names what Step accomplished, the result-tag vocabulary the
// engine reports back to its caller.
type Result int

const (
	ResultSuccess Result = iota
	ResultStringContinuing // a REP-prefixed op yielded after one iteration
	ResultHalt
	ResultCPUInterrupt
	ResultICEInterrupt
	ResultIRQ
	ResultTripleFault
	ResultInhibitInterrupts // STI/POP SS/MOV SS just ran: next instruction's interrupt check is suppressed
	ResultUndefined
	ResultRSM // RSM retired; the engine owns the SMM state restore
)

// CPU wires one architectural State to a Memory, a descriptor-table
// source (for selector loads), and a V25 secure-mode translator (nil
// when not applicable), and owns the dispatch tables built once at
// construction. It holds no policy of its own: every opcode semantic
// lives in a method on CPU in this package's sibling files, reached
// only through the tables in dispatch_tables.go.
type CPU struct {
	State  *state.State
	Mem    *bus.Memory
	Desc   bus.DescriptorSource
	Xlat   *decode.V25Translator
	Traits traits.Traits

	mode64 bool

	oneByte [256]func(*CPU, decode.Instruction)
	twoByte [256]func(*CPU, decode.Instruction)

	fetcher *memFetcher

	// lastFault is set by an opcode method when a memory access within
	// it raised a Fault; Step consults it after every dispatch instead
	// of every opcode method returning an error, keeping the opcode
	// methods' void-return shape.
	lastFault *bus.Fault

	// pendingStringContinue is set by a REP-prefixed string op method
	// after performing exactly one iteration, so Step can report
	// ResultStringContinuing and let the caller decide whether to loop
	// Step again immediately or yield to pending interrupts first.
	pendingStringContinue bool

	// PendingSoftwareInterrupt/PendingVector carry an INT/INT3/INTO's
	// requested vector out of Step so the engine can run it through
	// except's gate dispatch, which owns privilege and gate-type checks
	// this package does not duplicate.
	PendingSoftwareInterrupt bool
	PendingVector            byte

	// inhibitInterrupts is set by opSti, opMovRMToSreg(SS), and
	// opPopSeg(SS) to report the one-shot interrupt-shadow instruction
	// that must run to completion before a maskable interrupt can be
	// recognized again. Step consults and clears it after dispatch,
	// exactly like lastFault/PendingSoftwareInterrupt.
	inhibitInterrupts bool

	// pendingICE is set by ICEBP (0xF1) to report that this instruction
	// entered ICE mode (the ice-interrupt result tag) rather than
	// going through the ordinary gate-dispatch path except owns.
	pendingICE bool

	// pendingIRQ/PendingIRQLine carry a V25-style internal interrupt
	// controller request out of Step (the irq result tag): the core
	// is *signalling* an external IRQ line rather than servicing one.
	pendingIRQ     bool
	PendingIRQLine byte

	// pendingRSM reports an RSM instruction; the engine performs the
	// actual SMM save-state restore through except.
	pendingRSM bool

	// undefinedHit is set by an opcode method that decoded far enough
	// to claim a table slot but found its ModRM subfunction (or trait
	// gate) undefined, routing it through the same #UD / silent-ignore
	// path as an empty table slot.
	undefinedHit bool

	// immConsumed counts immediate bytes the current opcode method
	// fetched after decode, so Step can tell a control transfer from
	// ordinary sequential advance when deciding to flush the prefetch
	// queue.
	immConsumed int
}

// NewCPU builds the dispatch tables once and returns a ready CPU.
// Trait-gated opcodes (ICEBP's AMD-SMM repurpose, the V25/V55-only
// FINT/STP, per-generation groups) are wired into the tables here, at
// construction time, rather than checked inside each opcode method,
// so a trait is consulted once to decide which instructions exist at
// all; an opcode this trait set
// doesn't grant simply has no table entry and falls through Step's
// ordinary ResultUndefined/#UD path.
func NewCPU(st *state.State, mem *bus.Memory, desc bus.DescriptorSource, xlat *decode.V25Translator, tr traits.Traits, mode64 bool) *CPU {
	c := &CPU{State: st, Mem: mem, Desc: desc, Xlat: xlat, Traits: tr, mode64: mode64}
	c.fetcher = &memFetcher{cpu: c}
	c.initOneByteOps()
	c.initTwoByteOps()
	return c
}

// undefined flags the current instruction as architecturally
// undefined mid-dispatch.
func (c *CPU) undefined() { c.undefinedHit = true }

// memFetcher adapts CPU's segmented/paged instruction fetch path to
// decode.ByteReader, tracking how many bytes of the current
// instruction have been consumed so Decode can enforce the 15-byte
// limit. When the model carries a prefetch queue, bytes inside the
// queued window are served from the queue's (possibly stale) copy.
type memFetcher struct {
	cpu   *CPU
	start uint64
	pos   uint64
}

func (f *memFetcher) begin() { f.start = f.cpu.State.XIP; f.pos = f.start }

func (f *memFetcher) mode() bus.Mode {
	return bus.CurrentMode(&f.cpu.State.Ctrl, &f.cpu.State.Flags)
}

func (f *memFetcher) Fetch8() (byte, error) {
	c := f.cpu
	if c.Traits.PrefetchQueueSize > 0 {
		q := &c.State.Prefetch
		if f.pos >= q.BaseAddr && f.pos < q.BaseAddr+uint64(len(q.Bytes)) {
			b := q.Bytes[f.pos-q.BaseAddr]
			f.pos++
			return b, nil
		}
	}
	v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, f.mode(), c.State.Level, state.SegCS, f.pos, 1)
	if flt != nil {
		return 0, flt
	}
	f.pos++
	return byte(v), nil
}

func (f *memFetcher) Fetch16() (uint16, error) {
	lo, err := f.Fetch8()
	if err != nil {
		return 0, err
	}
	hi, err := f.Fetch8()
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

func (f *memFetcher) Fetch32() (uint32, error) {
	lo, err := f.Fetch16()
	if err != nil {
		return 0, err
	}
	hi, err := f.Fetch16()
	if err != nil {
		return 0, err
	}
	return uint32(hi)<<16 | uint32(lo), nil
}

func (f *memFetcher) Fetch64() (uint64, error) {
	lo, err := f.Fetch32()
	if err != nil {
		return 0, err
	}
	hi, err := f.Fetch32()
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

func (f *memFetcher) Peek(n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		v, flt := f.cpu.Mem.Read(&f.cpu.State.Ctrl, &f.cpu.State.Segs, f.mode(), f.cpu.State.Level, state.SegCS, f.pos+uint64(i), 1)
		if flt != nil {
			return out[:i]
		}
		out[i] = byte(v)
	}
	return out
}

func (f *memFetcher) Consumed() int { return int(f.pos - f.start) }

// topUpPrefetch refills the prefetch FIFO up to the trait's byte
// budget starting at XIP. Refill faults are suppressed: a
// speculative fetch past a segment limit simply stops filling (the
// FetchPrefetch recovery slot; the exception is only
// observable if decode actually consumes the missing byte, which then
// refetches through the normal path). The queued copies are what make
// the 8086 self-modifying-code anomaly reproducible: a memory write
// into the queued window changes memory but not the queue.
func (c *CPU) topUpPrefetch() {
	qsize := c.Traits.PrefetchQueueSize
	if qsize <= 0 {
		return
	}
	q := &c.State.Prefetch
	xip := c.State.XIP
	if xip < q.BaseAddr || xip > q.BaseAddr+uint64(len(q.Bytes)) {
		q.Bytes = q.Bytes[:0]
		q.BaseAddr = xip
	} else if xip > q.BaseAddr {
		// Drop the consumed front so the window follows execution.
		q.Bytes = append(q.Bytes[:0], q.Bytes[xip-q.BaseAddr:]...)
		q.BaseAddr = xip
	}
	mode := bus.CurrentMode(&c.State.Ctrl, &c.State.Flags)
	for len(q.Bytes) < qsize {
		next := q.BaseAddr + uint64(len(q.Bytes))
		v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, mode, c.State.Level, state.SegCS, next, 1)
		if flt != nil {
			return // speculative fetch fault suppressed
		}
		q.Bytes = append(q.Bytes, byte(v))
	}
}

// flushPrefetch discards the queue; control transfers and mode
// changes re-prime it from the new XIP.
func (c *CPU) flushPrefetch() {
	c.State.Prefetch.Reset()
}

// Step decodes and executes exactly one instruction (or one REP
// iteration of a string op), returning the result tag the caller
// should act on.
func (c *CPU) Step() (Result, error) {
	c.topUpPrefetch()
	c.fetcher.begin()
	necMap := c.Traits.CPU == traits.CPUV25 || c.Traits.CPU == traits.CPUV55
	inst, err := decode.Decode(c.fetcher, c.codeSize(), c.Xlat, necMap)
	if err != nil {
		if err == decode.ErrTooLong {
			return ResultCPUInterrupt, &bus.Fault{Vector: 13, HasCode: true, Msg: "instruction exceeds 15 bytes"}
		}
		if flt, ok := err.(*bus.Fault); ok {
			return ResultCPUInterrupt, flt
		}
		return ResultUndefined, err
	}

	c.State.OldXIP = c.State.XIP
	c.State.XIP += uint64(inst.Length)

	var table *[256]func(*CPU, decode.Instruction)
	switch inst.Map {
	case decode.Map0F:
		table = &c.twoByte
	case decode.MapOneByte:
		table = &c.oneByte
	default:
		// 0F38/0F3A/VEX/XOP/EVEX maps carry no wired semantics in this
		// engine's generation tables yet; they gate-fail like any other
		// unimplemented opcode.
		c.State.XIP = c.State.OldXIP
		return ResultUndefined, nil
	}

	op := table[inst.Opcode]
	if op == nil {
		c.State.XIP = c.State.OldXIP
		return ResultUndefined, nil
	}

	c.lastFault = nil
	c.PendingSoftwareInterrupt = false
	c.inhibitInterrupts = false
	c.pendingICE = false
	c.pendingIRQ = false
	c.pendingRSM = false
	c.undefinedHit = false
	c.immConsumed = 0
	op(c, inst)
	if c.lastFault != nil {
		c.State.XIP = c.State.OldXIP
		return ResultCPUInterrupt, c.lastFault
	}
	if c.undefinedHit {
		c.State.XIP = c.State.OldXIP
		return ResultUndefined, nil
	}
	if c.jumped(inst) {
		c.flushPrefetch()
	}
	if c.pendingICE {
		return ResultICEInterrupt, nil
	}
	if c.pendingIRQ {
		return ResultIRQ, nil
	}
	if c.pendingRSM {
		return ResultRSM, nil
	}
	if c.PendingSoftwareInterrupt {
		return ResultCPUInterrupt, nil
	}
	switch c.State.RunState() {
	case state.Halted, state.Stopped:
		return ResultHalt, nil
	}
	if c.pendingStringContinue {
		c.pendingStringContinue = false
		return ResultStringContinuing, nil
	}
	if c.inhibitInterrupts {
		return ResultInhibitInterrupts, nil
	}
	return ResultSuccess, nil
}

// jumped reports whether the retired instruction moved XIP away from
// the sequential fall-through point (opcode bytes plus any trailing
// immediates), which is what flushes a real 8086-class prefetch queue.
func (c *CPU) jumped(inst decode.Instruction) bool {
	sequential := c.State.OldXIP + uint64(inst.Length) + uint64(c.immConsumed)
	return c.State.XIP != sequential && !c.pendingStringContinue
}
