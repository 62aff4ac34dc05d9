package except

import (
	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/state"
	"github.com/BinaryMelodies/x86-emulator-core/traits"
)

// Outcome names what Service accomplished, folding the escalation
// ladder and gate dispatch into one call the root engine makes once
// per pending exception.
type Outcome int

const (
	OutcomeDispatched Outcome = iota
	OutcomeTripleFault
)

// Engine ties the Dispatcher to the traits record and SMM bookkeeping
// an x86core.Engine needs: it is the component-F half of the root
// engine's Step loop.
type Engine struct {
	Dispatcher
	Traits traits.Traits

	// SMBase is the current SMBASE value (relocatable via the
	// SMM_REVID_SMBASE_RELOC bit); NewEngine sets it to 0x30000, the
	// documented Intel power-on default, and Reset leaves it unchanged.
	SMBase uint64
}

func NewEngine(src bus.DescriptorSource, mem *bus.Memory, tr traits.Traits) *Engine {
	return &Engine{
		Dispatcher: Dispatcher{Src: src, Mem: mem},
		Traits:     tr,
		SMBase:     0x30000,
	}
}

// Service takes one classified vector through escalation against
// st.CurrentClass, then either dispatches through a gate or reports a
// triple-fault. A triple-fault transitions the CPU to halted (only a
// triple fault is fatal at the engine level) and does not clear
// CurrentClass, since the engine stays halted until reset.
func (e *Engine) Service(st *state.State, vector int, hasError bool, errCode uint32) (Outcome, *bus.Fault) {
	class := ClassOf(vector)
	next, ok := Escalate(st.CurrentClass, class)
	if !ok {
		st.SetRunState(state.Halted)
		return OutcomeTripleFault, nil
	}
	if next == state.ClassDoubleFault {
		st.CurrentClass = state.ClassDoubleFault
		// #DF (vector 8) itself carries an error code of 0 and is an
		// abort: it is dispatched like any other gate, but its own class
		// (ClassDoubleFault, from classTable[8]) means the *next* fault
		// during its service escalates straight to triple-fault. A fault
		// while delivering #DF itself is already the triple-fault case.
		if f := e.Dispatch(st, 8, true, 0); f != nil {
			st.SetRunState(state.Halted)
			return OutcomeTripleFault, f
		}
		return OutcomeDispatched, nil
	}

	st.CurrentClass = next
	if f := e.Dispatch(st, vector, hasError, errCode); f != nil {
		return e.serviceFaultFromDispatch(st, f)
	}
	// A successfully delivered exception ends its escalation window:
	// the ladder only matters while *building* the frame for this
	// vector runs into another fault (handled above via
	// serviceFaultFromDispatch); once the handler's CS:IP is live,
	// the next exception is a fresh delivery attempt.
	st.CurrentClass = state.ClassNone
	return OutcomeDispatched, nil
}

// serviceFaultFromDispatch recurses once when dispatching a gate
// itself raised a fault (e.g. the gate's target segment is not
// present): that new vector is escalated against the vector we were
// already servicing, so a #GP whose IDT gate is not present (#NP)
// escalates into #DF, and a second failure from there is a
// triple-fault.
func (e *Engine) serviceFaultFromDispatch(st *state.State, f *bus.Fault) (Outcome, *bus.Fault) {
	return e.Service(st, f.Vector, f.HasCode, f.ErrorCode)
}

// RaisePageFault builds the page-fault error code (P/WR/US/RSVD/ID
// bits) and services vector 14 through it.
func RaisePageFault(e *Engine, st *state.State, addr uint64, present, write, user, reserved, instrFetch bool) (Outcome, *bus.Fault) {
	var code uint32
	if present {
		code |= 1
	}
	if write {
		code |= 2
	}
	if user {
		code |= 4
	}
	if reserved {
		code |= 8
	}
	if instrFetch {
		code |= 16
	}
	st.Ctrl.CR[2] = addr
	return e.Service(st, 14, true, code)
}

// SMI enters system management mode, capturing the current I/O
// restart block if one is supplied (nil when the SMI did not interrupt
// an in-flight IN/OUT).
func (e *Engine) SMI(st *state.State, mem *bus.Memory, io *IORestart) {
	var restart IORestart
	if io != nil {
		restart = *io
	}
	EnterSMI(st, mem, e.SMBase, e.Traits.SMMFormat, restart)
}

// RSM exits system management mode and returns the I/O-restart block
// for the caller's bus layer to replay.
func (e *Engine) RSM(st *state.State, mem *bus.Memory) IORestart {
	return ExitSMI(st, mem, e.SMBase, e.Traits.SMMFormat)
}
