package bus

import "github.com/BinaryMelodies/x86-emulator-core/state"

// Memory ties the segment, paging, and overlay layers together behind
// the single entry point exec and coproc actually call: give it a
// segment-relative offset and an access kind, get back bytes or a
// Fault with the right vector already chosen. V33 points at the NEC
// V33's page dictionary when that model is active (nil otherwise);
// its XA translation replaces ordinary x86 paging, which the V33
// does not have.
type Memory struct {
	Bus    Bus
	Walker *PageWalker
	Map    *Map
	V33    *state.V33PagingAux
}

// v33Translate applies the V33 XA mapping: the 20-bit linear address's
// top 6 bits index the 64-entry dictionary, whose 16-bit entry
// replaces them to form a 24-bit physical address over 16KB pages.
// The exact XAM enable sequencing is not fully documented for real
// hardware; this model translates whenever the enable bit is set.
func (m *Memory) v33Translate(linear uint64) uint64 {
	idx := (linear >> 14) & 0x3F
	return uint64(m.V33.Dictionary[idx])<<14 | (linear & 0x3FFF)
}

// access resolves offset (relative to the given segment register)
// through segmentation, then paging if enabled, then any active
// overlay, returning the final physical address.
func (m *Memory) access(ctrl *state.Control, segs *state.Segments, mode Mode, level state.CPULevel, segIdx int, offset uint64, size int, kind AccessKind) (uint64, *Fault) {
	seg := &segs.Regs[segIdx]
	if f := CheckSegmentType(&seg.Descriptor, kind); f != nil {
		return 0, f
	}
	linear, f := LinearAddress(seg, mode, offset, size)
	if f != nil {
		return 0, f
	}

	phys := linear
	if m.V33 != nil && m.V33.XAEnabled {
		phys = m.v33Translate(linear)
	} else if ctrl.CR[0]&state.CR0PG != 0 {
		write := kind == AccessWrite
		user := level == state.LevelUser
		p, pf := m.Walker.Translate(ctrl, linear, write, user)
		if pf != nil {
			return 0, pf
		}
		phys = p
	}

	if remap, hit := m.Map.Resolve(level, phys); hit {
		phys = remap
	}
	return phys, nil
}

// Read/Write re-run the full segment+paging+overlay translation for
// every individual byte of a widened access rather than translating
// once at the start offset and walking physical bytes from there: a
// multi-byte access that straddles a 4 KB page or a segment limit must
// be observable byte by byte, committing before raising, since the
// next byte can land on a different, independently-faultable page
// than the first. Write commits each earlier byte to the bus before
// checking the next, so a fault partway through a widened write
// leaves the already-written prefix in place and raises for the first
// byte that fails: the "SS over GP for stack" / "page fault after
// partial write" policy of real silicon.
func (m *Memory) Read(ctrl *state.Control, segs *state.Segments, mode Mode, level state.CPULevel, segIdx int, offset uint64, size int) (uint64, *Fault) {
	var v uint64
	for i := 0; i < size; i++ {
		phys, f := m.access(ctrl, segs, mode, level, segIdx, offset+uint64(i), 1, AccessRead)
		if f != nil {
			return 0, f
		}
		v |= uint64(m.Bus.Read(phys)) << (8 * i)
	}
	return v, nil
}

func (m *Memory) Write(ctrl *state.Control, segs *state.Segments, mode Mode, level state.CPULevel, segIdx int, offset uint64, size int, v uint64) *Fault {
	for i := 0; i < size; i++ {
		phys, f := m.access(ctrl, segs, mode, level, segIdx, offset+uint64(i), 1, AccessWrite)
		if f != nil {
			return f
		}
		m.Bus.Write(phys, byte(v>>(8*i)))
	}
	return nil
}

// Fetch reads size bytes of instruction stream starting at offset
// (relative to CS) through the ordinary read/segment checks, one byte
// at a time for the same boundary-crossing reasons as Read/Write. Page
// NX bits are not consulted.
func (m *Memory) Fetch(ctrl *state.Control, segs *state.Segments, mode Mode, level state.CPULevel, offset uint64, size int) ([]byte, *Fault) {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		phys, f := m.fetchAccess(ctrl, segs, mode, level, offset+uint64(i))
		if f != nil {
			return nil, f
		}
		out[i] = m.Bus.Read(phys)
	}
	return out, nil
}

// fetchAccess is access's CS-fetch counterpart: AccessExecute type
// check plus the same per-byte segment/paging/overlay resolution.
func (m *Memory) fetchAccess(ctrl *state.Control, segs *state.Segments, mode Mode, level state.CPULevel, offset uint64) (uint64, *Fault) {
	seg := &segs.Regs[state.SegCS]
	if f := CheckSegmentType(&seg.Descriptor, AccessExecute); f != nil {
		return 0, f
	}
	linear, f := LinearAddress(seg, mode, offset, 1)
	if f != nil {
		return 0, f
	}
	phys := linear
	if m.V33 != nil && m.V33.XAEnabled {
		phys = m.v33Translate(linear)
	} else if ctrl.CR[0]&state.CR0PG != 0 {
		user := level == state.LevelUser
		p, pf := m.Walker.Translate(ctrl, linear, false, user)
		if pf != nil {
			return 0, pf
		}
		phys = p
	}
	if remap, hit := m.Map.Resolve(level, phys); hit {
		phys = remap
	}
	return phys, nil
}
