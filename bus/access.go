package bus

import "github.com/BinaryMelodies/x86-emulator-core/state"

// Overlay names an address-space overlay that shadows ordinary
// physical memory for a given CPULevel: SMRAM (SMM), ICE debug RAM
// (ICE), and Cyrix DMM's equivalent private RAM. A core not currently
// running at the matching level never sees the overlay, even for an
// address inside its range, which is the whole point of the overlay
// existing.
type Overlay struct {
	Level     state.CPULevel
	Base, End uint64
}

// Map resolves accesses against a list of overlays (checked only when
// the access's declared level matches) before falling through to
// ordinary translation; the paging/segment layers above call this
// once they have a physical-ish address in hand that might be inside
// SMRAM or an ICE window.
type Map struct {
	Overlays []Overlay
}

// Resolve returns true and the remapped address if addr is covered by
// an overlay active for level; otherwise it returns false and addr
// unchanged, leaving the caller to use ordinary physical memory.
func (m *Map) Resolve(level state.CPULevel, addr uint64) (uint64, bool) {
	for _, ov := range m.Overlays {
		if ov.Level == level && addr >= ov.Base && addr < ov.End {
			return addr, true
		}
	}
	return addr, false
}

// AccessKind distinguishes the three access intents that drive
// permission checks: Execute additionally must respect NX and
// segment-type "not executable" rules that Read/Write never consult.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

// CheckSegmentType rejects accesses the segment's own descriptor
// forbids independent of paging: writing a read-only data segment, or
// fetching through a segment that isn't marked executable.
func CheckSegmentType(desc *state.Descriptor, kind AccessKind) *Fault {
	if !desc.Access.System {
		return nil // non-code/data (gate/system) descriptors are checked by except, not here
	}
	executable := desc.Access.Type&0x8 != 0
	switch kind {
	case AccessExecute:
		if !executable {
			return &Fault{Vector: 13, HasCode: true, Msg: "fetch through non-executable segment"}
		}
	case AccessWrite:
		if executable {
			return &Fault{Vector: 13, HasCode: true, Msg: "write through code segment"}
		}
		writable := desc.Access.Type&0x2 != 0
		if !writable {
			return &Fault{Vector: 13, HasCode: true, Msg: "write through read-only data segment"}
		}
	case AccessRead:
		if executable && desc.Access.Type&0x2 == 0 {
			return &Fault{Vector: 13, HasCode: true, Msg: "read through non-readable code segment"}
		}
	}
	return nil
}

// CheckNX rejects an instruction fetch through a page the walker
// marked no-execute, but only once EFER.NXE is actually enabled;
// before that the bit is reserved and every page is fetchable.
func CheckNX(ctrl *state.Control, pte uint64, kind AccessKind) *Fault {
	if kind != AccessExecute {
		return nil
	}
	if ctrl.EFER&state.EFERNXE == 0 {
		return nil
	}
	if pte&pteNX != 0 {
		return &Fault{Vector: 14, HasCode: true, Msg: "instruction fetch from NX page"}
	}
	return nil
}
