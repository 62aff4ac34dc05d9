// Package x86core is the root engine package: it wires traits, state,
// bus, decode, exec, except, and coproc into the single Engine type a
// host drives through Step, StepX87, StepChannel, and the
// interrupt-injection/reset entry points. One struct owns everything;
// Step returns a result tag the caller switches on.
package x86core

import (
	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/coproc"
	"github.com/BinaryMelodies/x86-emulator-core/decode"
	"github.com/BinaryMelodies/x86-emulator-core/except"
	"github.com/BinaryMelodies/x86-emulator-core/exec"
	"github.com/BinaryMelodies/x86-emulator-core/state"
	"github.com/BinaryMelodies/x86-emulator-core/traits"
)

// Result is the public result-tag vocabulary a host-driven caller
// switches on after every Step call.
type Result int

const (
	ResultSuccess Result = iota
	ResultString
	ResultHalt
	ResultCPUInterrupt
	ResultICEInterrupt
	ResultIRQ
	ResultTripleFault
	ResultInhibitInterrupts
	ResultUndefined
)

// Engine is the top-level aggregate: one State plus the components
// that act on it, constructed once from a traits.CPUType and a
// host-supplied Bus.
type Engine struct {
	Traits traits.Traits
	State  state.State
	Mem    *bus.Memory
	CPU    *exec.CPU
	Except *except.Engine
	Xlat   *decode.V25Translator

	mode64 bool

	// LastVector carries the vector associated with the most recent
	// ResultCPUInterrupt tag so a host-visible observer can inspect
	// which vector fired without re-deriving it from the fault.
	LastVector int

	// LastIRQLine carries the line number associated with the most
	// recent ResultIRQ tag, the V25 FINT instruction's requested
	// interrupt-controller level.
	LastIRQLine byte

	// LastFaultText is a best-effort disassembly of the instruction
	// that raised the most recent exception, for host diagnostics; it
	// has no architectural effect.
	LastFaultText string
}

// descSource adapts Engine's own Bus to bus.DescriptorSource: GDT/LDT/
// IDT entries are read directly off the flat physical bus.
type descSource struct{ b bus.Bus }

func (d descSource) FetchDescriptor(tableBase uint64, index int) ([8]byte, bool) {
	var out [8]byte
	addr := tableBase + uint64(index)*8
	for i := range out {
		out[i] = d.b.Read(addr + uint64(i))
	}
	return out, true
}

// NewEngine constructs a ready Engine for the given CPU model, a
// host-supplied Bus, and an optional V25 secure-mode translator (nil
// disables translation, i.e. every model except V25/V55 in secure
// mode). mode64 selects whether the instruction stream starts in
// 64-bit code (only meaningful for traits that support long mode).
func NewEngine(cpu traits.CPUType, b bus.Bus, xlat *decode.V25Translator, mode64 bool) *Engine {
	tr := traits.MustLookup(cpu)

	mem := &bus.Memory{
		Bus:    b,
		Walker: &bus.PageWalker{Bus: b},
		Map:    &bus.Map{},
	}

	e := &Engine{
		Traits: tr,
		Mem:    mem,
		Xlat:   xlat,
		mode64: mode64,
	}
	e.State.Reset(true)
	if cpu == traits.CPUV33 {
		mem.V33 = &e.State.V33
	}
	src := descSource{b: b}
	e.CPU = exec.NewCPU(&e.State, mem, src, xlat, tr, mode64)
	e.Except = except.NewEngine(src, mem, tr)
	return e
}

// Reset reinitialises the core. A hard reset restores power-on
// defaults for every bank; a soft reset performs the INIT-equivalent
// subset (CS:xIP to the reset vector, CR0.PE cleared, most other
// state preserved).
func (e *Engine) Reset(hard bool) {
	if hard {
		e.State.Reset(true)
		return
	}
	e.State.XIP = 0xFFF0
	e.State.Segs.Regs[state.SegCS] = state.SegReg{Selector: 0xF000, Descriptor: state.Descriptor{Base: 0xFFFF0000, Limit: 0xFFFF, Access: state.Access{Present: true, System: true, Type: 0xB}}}
	e.State.Ctrl.CR[0] &^= state.CR0PE | state.CR0PG
	e.State.SetRunState(state.Running)
	e.State.CurrentClass = state.ClassNone
	e.State.Prefetch.Reset()
}

// Step performs one host-driven step: decode+execute one
// architectural instruction (or one REP iteration), resolving any
// raised exception through the except engine's gate dispatch, and
// returns the result tag the caller should act on. A halted or
// stopped core stays parked; subsequent steps keep returning halt
// until an interrupt or reset transitions it back to running.
func (e *Engine) Step() Result {
	if e.State.RunState() != state.Running {
		return ResultHalt
	}
	var res exec.Result
	var err error
	if e.mdActive() {
		res, err = e.CPU.Z80Step()
	} else {
		res, err = e.CPU.Step()
	}
	out := e.mapResult(res, err)
	e.syncV25Banks()
	return out
}

// syncV25Banks maintains the V25/V55 invariant that the register-bank
// memory image and the architectural registers agree at every
// instruction boundary.
func (e *Engine) syncV25Banks() {
	if e.Traits.CPU != traits.CPUV25 && e.Traits.CPU != traits.CPUV55 {
		return
	}
	e.State.V25.Sync(true, &e.State.GPR, &e.State.Segs, e.State.Flags.Pack(), uint32(e.State.XIP))
}

// mdActive reports whether the core is currently running 8080/Z80-mode
// code per FLAGS.MD, honoring CPUExtended's inverted polarity (there
// MD=1 selects native execution and MD=0 selects emulation, the
// reverse of every real V-series part).
func (e *Engine) mdActive() bool {
	md := e.State.Flags.MD != 0
	if e.Traits.MDPolarityInverted {
		return !md
	}
	return md
}

func (e *Engine) mapResult(res exec.Result, err error) Result {
	switch res {
	case exec.ResultSuccess:
		return ResultSuccess
	case exec.ResultStringContinuing:
		return ResultString
	case exec.ResultHalt:
		return ResultHalt
	case exec.ResultInhibitInterrupts:
		return ResultInhibitInterrupts
	case exec.ResultUndefined:
		if e.Traits.SilentIgnoreUndefined {
			return ResultUndefined
		}
		return e.serviceVector(6, false, 0) // #UD
	case exec.ResultCPUInterrupt:
		if flt, ok := err.(*bus.Fault); ok {
			return e.serviceVector(flt.Vector, flt.HasCode, flt.ErrorCode)
		}
		// a software INT/INT3/INTO: no bus fault, the vector came from
		// the CPU's PendingVector instead.
		return e.serviceVector(int(e.CPU.PendingVector), false, 0)
	case exec.ResultICEInterrupt:
		return ResultICEInterrupt
	case exec.ResultIRQ:
		e.LastIRQLine = e.CPU.PendingIRQLine
		return ResultIRQ
	case exec.ResultRSM:
		e.RSM()
		return ResultSuccess
	}
	return ResultSuccess
}

func (e *Engine) serviceVector(vector int, hasError bool, errCode uint32) Result {
	e.LastVector = vector
	e.LastFaultText = e.faultText()
	if e.mdActive() && vector >= 0x7C && vector <= 0x7E {
		// µPD9002 Z80-mode intercept: the handler at the intercept vector
		// is native-mode code, so emulation mode drops for its duration
		// (the handler's IRET path restores it by rewriting MD).
		e.setMDNative()
	}
	outcome, _ := e.Except.Service(&e.State, vector, hasError, errCode)
	if outcome == except.OutcomeTripleFault {
		return ResultTripleFault
	}
	return ResultCPUInterrupt
}

// faultText renders the bytes at the faulting CS:xIP for diagnostics;
// failures just yield an empty string since this is advisory only.
func (e *Engine) faultText() string {
	base := e.State.Segs.Regs[state.SegCS].Descriptor.Base
	window := make([]byte, 15)
	for i := range window {
		window[i] = e.Mem.Bus.Read(base + e.State.XIP + uint64(i))
	}
	mode := 16
	switch {
	case e.mode64:
		mode = 64
	case e.State.Segs.Regs[state.SegCS].Descriptor.Access.Big:
		mode = 32
	}
	text, err := decode.Disassemble(window, mode, e.State.XIP)
	if err != nil {
		return ""
	}
	return text
}

// setMDNative forces the MD lane to its native-execution polarity
// (clear on real V-series silicon, set on the inverted-polarity
// experimental trait). The lane invariant keeps MD at 0 or its PSW
// bit-15 mask.
func (e *Engine) setMDNative() {
	if e.Traits.MDPolarityInverted {
		e.State.Flags.MD = 1 << 15
		return
	}
	e.State.Flags.MD = 0
}

// HardwareInterrupt is the host->core interrupt-injection entry
// point. It is honored only when IF is set; the caller is
// responsible for not calling this again until the one-instruction
// STI/MOV SS/POP SS shadow delay (ResultInhibitInterrupts) has
// elapsed, since that delay is only observable at the Step-loop level.
// dataBytes supplies an RST/CALL opcode byte in 8080/Z80-mode's mode-0
// acknowledge cycle (bits 3-5 of dataBytes[0], dataBytes[0] & 0x38,
// give the RST target address per the classic 8080 interrupt-
// acknowledge convention); it
// is ignored for native x86 code, where vector is dispatched
// directly.
func (e *Engine) HardwareInterrupt(vector byte, dataBytes []byte) bool {
	if e.mdActive() {
		return e.z80HardwareInterrupt(vector, dataBytes)
	}
	if !e.State.Flags.IsIF() {
		return false
	}
	e.State.OldXIP = e.State.XIP
	e.serviceVector(int(vector), false, 0)
	if e.State.RunState() == state.Halted {
		e.State.SetRunState(state.Running)
	}
	return true
}

// z80HardwareInterrupt models the interrupt-mode-1 entry sequence:
// push PC, clear both interrupt-enable flip-flops, and jump to the
// address given by vector. dataBytes[0] overrides the vector with an
// RST-style target when present (mode 0's acknowledge cycle).
func (e *Engine) z80HardwareInterrupt(vector byte, dataBytes []byte) bool {
	if !e.State.Z80.IFF1 {
		return false
	}
	target := uint16(vector)
	if len(dataBytes) > 0 {
		target = uint16(dataBytes[0] & 0x38)
	}
	e.State.Z80.IFF1 = false
	e.State.Z80.IFF2 = false
	sp := e.State.Z80.SP - 2
	e.State.Z80.SP = sp
	bus.WriteN(e.Mem.Bus, uint64(sp), 2, uint64(e.State.Z80.PC))
	e.State.Z80.PC = target
	if e.State.Z80.Halted {
		e.State.Z80.Halted = false
		e.State.SetRunState(state.Running)
	}
	return true
}

// SMI delivers a system management interrupt: switches the CPU level
// to SMM, re-homes CS to SMBASE, and saves state in the trait's SMM
// save format. io carries the I/O-restart block when the SMI
// interrupted an in-flight IN/OUT (nil otherwise).
func (e *Engine) SMI(io *except.IORestart) {
	e.Except.SMI(&e.State, e.Mem, io)
}

// RSM resumes from system management mode, restoring architectural
// state and returning the I/O-restart block for the caller's bus
// layer to replay.
func (e *Engine) RSM() except.IORestart {
	return e.Except.RSM(&e.State, e.Mem)
}

// StepX87 advances the x87 asynchronous state machine by at most one
// queued-operation completion, out-of-band from Step.
func (e *Engine) StepX87() coproc.X87Result {
	mode := bus.CurrentMode(&e.State.Ctrl, &e.State.Flags)
	return coproc.StepX87(&e.State.X87, e.Mem, &e.State.Segs, mode, e.State.Level)
}

// StepChannel advances one of the two 8089 channels by one
// instruction, out-of-band from Step.
func (e *Engine) StepChannel(channel int) coproc.X89Result {
	return coproc.StepChannel(&e.State.X89.Channels[channel], e.Mem)
}
