// Package except implements the exception, interrupt, and
// mode-transition engine: fault/trap/abort classification,
// benign/contributory/page-fault escalation into double/triple fault,
// gate-based interrupt dispatch, task switch, and SMI entry/exit with
// per-vendor save-state layouts.
package except

import "github.com/BinaryMelodies/x86-emulator-core/state"

// Kind classifies how a vector resumes: a fault restarts at the
// current xIP, a trap continues after it, an abort never restarts.
type Kind int

const (
	KindFault Kind = iota
	KindTrap
	KindAbort
)

// Provenance tags the internal exception word's upper bits: which
// path raised this vector, independent of its Kind/Class.
type Provenance int

const (
	ProvNone Provenance = iota
	ProvIntN    // INT n software interrupt
	ProvIntSW   // INT3/INTO
	ProvICEBP
	ProvICE
	ProvSMI
)

// classTable is indexed by vector 0-31: a lookup table rather than a
// switch, the same shape the opcode dispatch uses.
var classTable = [32]state.ExceptionClass{
	0:  state.ClassBenign,        // #DE divide error
	1:  state.ClassBenign,        // #DB debug
	2:  state.ClassBenign,        // NMI
	3:  state.ClassBenign,        // #BP
	4:  state.ClassBenign,        // #OF
	5:  state.ClassBenign,        // #BR
	6:  state.ClassBenign,        // #UD
	7:  state.ClassBenign,        // #NM
	8:  state.ClassDoubleFault,   // #DF itself; escalation checks this as "current", not "next"
	9:  state.ClassBenign,        // coprocessor segment overrun (legacy)
	10: state.ClassContributory,  // #TS
	11: state.ClassContributory,  // #NP
	12: state.ClassContributory,  // #SS
	13: state.ClassContributory,  // #GP
	14: state.ClassPageFault,     // #PF
	15: state.ClassBenign,
	16: state.ClassBenign, // #MF
	17: state.ClassBenign, // #AC
	18: state.ClassBenign, // #MC (abort, but not part of escalation ladder)
	19: state.ClassBenign, // #XM
	20: state.ClassBenign, // #VE
	21: state.ClassBenign, // #CP
	22: state.ClassBenign, // #HV
	23: state.ClassBenign, // #VC
	24: state.ClassBenign, // #SX
}

// kindTable is the per-vector fault/trap/abort tagging.
var kindTable = [32]Kind{
	0: KindFault, 1: KindTrap, 2: KindAbort, 3: KindTrap, 4: KindTrap,
	5: KindFault, 6: KindFault, 7: KindFault, 8: KindAbort, 9: KindAbort,
	10: KindFault, 11: KindFault, 12: KindFault, 13: KindFault, 14: KindFault,
	15: KindFault, 16: KindFault, 17: KindFault, 18: KindAbort, 19: KindFault,
	20: KindFault, 21: KindFault, 22: KindAbort, 23: KindFault, 24: KindFault,
}

// ClassOf returns the benign/contributory/page-fault class for an
// architecturally fixed vector (0-31); vectors outside that range
// (INT n software interrupts, V60 0x2000+ codes, the µPD9002 Z80-mode
// intercepts) are always benign for escalation purposes, since only
// the CPU-raised fault vectors participate in the double/triple-fault
// ladder.
func ClassOf(vector int) state.ExceptionClass {
	if vector < 0 || vector >= len(classTable) {
		return state.ClassBenign
	}
	return classTable[vector]
}

func KindOf(vector int) Kind {
	if vector < 0 || vector >= len(kindTable) {
		return KindFault
	}
	return kindTable[vector]
}

// Escalate implements the double-fault escalation ladder:
//
//	benign atop anything stays (returns next's own class)
//	contributory atop contributory -> double-fault
//	page-fault atop page-fault -> double-fault
//	anything atop double-fault -> triple-fault (reported via ok=false)
func Escalate(current state.ExceptionClass, next state.ExceptionClass) (result state.ExceptionClass, ok bool) {
	if current == state.ClassDoubleFault {
		return state.ClassDoubleFault, false // caller must report triple-fault
	}
	if next == state.ClassBenign {
		return state.ClassBenign, true
	}
	if current == state.ClassContributory && next == state.ClassContributory {
		return state.ClassDoubleFault, true
	}
	if current == state.ClassPageFault && next == state.ClassPageFault {
		return state.ClassDoubleFault, true
	}
	if current == state.ClassContributory && next == state.ClassPageFault {
		return state.ClassPageFault, true
	}
	return next, true
}
