// Package coproc implements the x87 and 8089 asynchronous steps: the
// queued-FSAVE/FSTENV completion and deferred-exception model for the
// x87 family, and the 8089 channel program interpreter. Both are
// small state machines advanced one slice at a time rather than run
// to completion, so the host can interleave x86, x87, and 8089
// progress at will.
package coproc

import (
	"math"

	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/state"
)

// X87Result names what StepX87 accomplished on this call.
type X87Result int

const (
	X87Idle         X87Result = iota // nothing queued, nothing to drain
	X87QueueDrained                  // a queued FSAVE/FSTENV completed and was written out
	X87Exception                     // an unmasked exception fired on this (deferred) step
)

// x87SaveAreaSize is the 16-bit-mode FSAVE image size (14-byte
// environment plus eight 10-byte registers = 94 bytes) this
// engine writes for the queued-FSAVE completion path; FSTENV writes
// only the leading control/status/tag/pointer block (no ST registers).
const x87SaveAreaSize = 94 // 16-bit real-mode FSAVE image size per the architectural table

// StepX87 advances the x87 state machine by at most one queued
// operation's completion: if a queued FSAVE/FSTENV is
// outstanding, this call writes it out to the segment:offset the
// issuing instruction recorded and clears the slot, so the host CPU
// could have continued running in the meantime. It also drains the
// deferred-exception slot: if the previous FPU instruction left an
// unmasked exception bit set in FSW and no new op has cleared it, the
// *next* FPU instruction is responsible for raising #MF at its own
// xIP -- this function only reports whether
// that condition currently holds so the next x87 op in exec can act
// on it; it does not itself raise the fault (that is the opcode
// handler's job, since only it knows its own xIP).
func StepX87(st *state.X87State, mem *bus.Memory, segs *state.Segments, mode bus.Mode, level state.CPULevel) X87Result {
	switch st.Queued {
	case state.QueueFSAVE:
		writeFSAVE(st, mem, segs, mode, level)
		st.Queued = state.QueueNone
		return X87QueueDrained
	case state.QueueFSTENV:
		writeFSTENV(st, mem, segs, mode, level)
		st.Queued = state.QueueNone
		return X87QueueDrained
	}

	if HasUnmaskedException(st) {
		return X87Exception
	}
	return X87Idle
}

// HasUnmaskedException reports the deferred-exception condition: a
// sticky FSW exception bit set without its FCW mask bit set, which
// fires on the *next* FPU instruction rather than the one that caused
// it (the classic x87 "deferred exception" model).
func HasUnmaskedException(st *state.X87State) bool {
	sticky := st.FSW & (state.FSWIE | state.FSWDE | state.FSWZE | state.FSWOE | state.FSWUE | state.FSWPE)
	unmasked := sticky &^ st.FCW
	return unmasked != 0
}

// BeginOp records the FOP/FCS/FDS/FIP/FDP error-pointer block at the
// start of each FPU instruction, for a standalone (non-
// integrated) FPU; an integrated FPU does not expose this block to
// software in the same way and this engine skips it when Integrated
// reports true.
func BeginOp(st *state.X87State, ctrl *state.Control, opcode uint16, cs uint16, ip uint32, hasMemOperand bool, ds uint16, off uint32) {
	if Integrated(ctrl) {
		return
	}
	st.FOP = opcode & 0x7FF
	st.FCS = cs
	st.FIP = ip
	if hasMemOperand {
		st.FDS = ds
		st.FDP = off
	}
}

// Integrated reports whether the FPU is wired in as an integrated
// unit (CR0.EM clear and CR0.MP set; the model's traits are not
// consulted) as
// opposed to a standalone coprocessor that needs its own bus cycle to
// synchronize with the host CPU; StepX87's queued-completion path
// only applies to the standalone case, since an integrated FPU
// retires FSAVE/FSTENV synchronously within the same instruction.
func Integrated(ctrl *state.Control) bool {
	return ctrl.CR[0]&state.CR0EM == 0 && ctrl.CR[0]&state.CR0MP != 0
}

func writeFSAVE(st *state.X87State, mem *bus.Memory, segs *state.Segments, mode bus.Mode, level state.CPULevel) {
	seg := segSelectorBase(segs, st.QueuedSeg, mode)
	base := seg + uint64(st.QueuedOff)
	writeFSTENVRaw(st, mem, base)
	top := int((st.FSW & state.FSWTopMask) >> state.FSWTopShift)
	for i := 0; i < 8; i++ {
		v := st.Banks[st.ActiveBank].Regs[(top+i)&7]
		bits := doubleToExtendedBits(v)
		bus.WriteN(mem.Bus, base+14+uint64(i)*10, 8, bits.mantissa)
		bus.WriteN(mem.Bus, base+14+uint64(i)*10+8, 2, uint64(bits.signExp))
	}
}

func writeFSTENV(st *state.X87State, mem *bus.Memory, segs *state.Segments, mode bus.Mode, level state.CPULevel) {
	seg := segSelectorBase(segs, st.QueuedSeg, mode)
	base := seg + uint64(st.QueuedOff)
	writeFSTENVRaw(st, mem, base)
}

func writeFSTENVRaw(st *state.X87State, mem *bus.Memory, base uint64) {
	bus.WriteN(mem.Bus, base+0, 2, uint64(st.FCW))
	bus.WriteN(mem.Bus, base+2, 2, uint64(st.FSW))
	bus.WriteN(mem.Bus, base+4, 2, uint64(st.FTW))
	bus.WriteN(mem.Bus, base+6, 4, uint64(st.FIP))
	bus.WriteN(mem.Bus, base+10, 2, uint64(st.FCS))
	bus.WriteN(mem.Bus, base+12, 2, uint64(st.FOP))
}

// segSelectorBase resolves QueuedSeg (a raw selector, since the
// queued-op slot records "saved segment+offset" rather than a live
// SegReg) against the real-mode shift rule; protected-mode queued ops
// are not modeled distinctly since FSAVE/FSTENV's queued-completion
// behavior is a pre-386 (standalone 8087/287) artifact that predates
// protected-mode FPU save areas.
func segSelectorBase(segs *state.Segments, selector uint16, mode bus.Mode) uint64 {
	return uint64(selector) << 4
}

type extBits struct {
	mantissa uint64
	signExp  uint16
}

// doubleToExtendedBits is a lossy float64->80-bit-extended bit pattern
// conversion sufficient for the save-image byte layout FSAVE needs;
// it does not need to be bit-exact with real x87 rounding since this
// engine stores ST registers as float64 internally.
func doubleToExtendedBits(v float64) extBits {
	if v == 0 {
		return extBits{}
	}
	sign := uint16(0)
	if v < 0 {
		sign = 0x8000
		v = -v
	}
	mant, exp := fracExp(v)
	biased := uint16(exp+16383) | sign
	return extBits{mantissa: mant, signExp: biased}
}

func fracExp(v float64) (uint64, int) {
	bits := math.Float64bits(v)
	exp := int((bits>>52)&0x7FF) - 1023
	frac := bits & 0xFFFFFFFFFFFFF
	mant := (uint64(1) << 63) | (frac << 11)
	return mant, exp
}
