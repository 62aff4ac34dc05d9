package bus

import "github.com/BinaryMelodies/x86-emulator-core/state"

// Mode names which addressing discipline LinearAddress and LoadSelector
// apply; it is derived once per instruction from CR0.PE, EFLAGS.VM, and
// EFER.LMA rather than stored redundantly on State.
type Mode int

const (
	ModeReal Mode = iota
	ModeV86
	ModeProtected
	ModeLong
)

// CurrentMode derives the addressing mode from the control state the
// way every mode-sensitive helper in this package needs it resolved.
func CurrentMode(ctrl *state.Control, flags *state.Flags) Mode {
	if ctrl.CR[0]&state.CR0PE == 0 {
		return ModeReal
	}
	if flags.VM != 0 {
		return ModeV86
	}
	if ctrl.EFER&state.EFERLMA != 0 {
		return ModeLong
	}
	return ModeProtected
}

// LinearAddress folds a segment register's cached descriptor onto an
// effective (offset) address, applying the segment-limit check in
// every mode except long mode, where DS/ES/SS are forced base-0/
// limit-infinite and CS/FS/GS limits are not enforced on data access.
func LinearAddress(seg *state.SegReg, mode Mode, offset uint64, accessSize int) (uint64, *Fault) {
	if mode == ModeLong {
		return seg.Descriptor.Base + offset, nil
	}
	limit := uint64(seg.Descriptor.Limit)
	if seg.Descriptor.Granular {
		limit = (limit << 12) | 0xFFF
	}
	last := offset + uint64(accessSize) - 1
	expandDown := seg.Descriptor.System && (seg.Descriptor.Type&0xC) == 0x4
	if expandDown {
		if offset <= limit || last <= limit {
			return 0, &Fault{Vector: 13, HasCode: true, Addr: offset, Msg: "segment limit violation (expand-down)"}
		}
	} else if last > limit {
		return 0, &Fault{Vector: 13, HasCode: true, Addr: offset, Msg: "segment limit violation"}
	}
	return seg.Descriptor.Base + offset, nil
}

// DescriptorSource supplies the raw 8-byte GDT/LDT/IDT entries a
// selector load needs to refill a segment register's descriptor
// cache; bus does not own the descriptor tables themselves; it only
// knows how to turn a raw entry into a state.Descriptor.
type DescriptorSource interface {
	// FetchDescriptor returns the raw little-endian 8-byte (or 16-byte
	// for a 64-bit system descriptor, caller reads twice) table entry at
	// the given table base+index.
	FetchDescriptor(tableBase uint64, index int) ([8]byte, bool)
}

// DecodeDescriptor turns one raw 8-byte GDT/LDT entry into the
// engine's Descriptor shape, the same field extraction every x86
// descriptor-cache refill performs.
func DecodeDescriptor(raw [8]byte) state.Descriptor {
	limitLow := uint32(raw[0]) | uint32(raw[1])<<8
	baseLow := uint32(raw[2]) | uint32(raw[3])<<8 | uint32(raw[4])<<16
	access := raw[5]
	limitHighFlags := raw[6]
	baseHigh := raw[7]

	limit := limitLow | (uint32(limitHighFlags&0xF) << 16)
	base := uint64(baseLow) | uint64(baseHigh)<<24

	return state.Descriptor{
		Base:  base,
		Limit: limit,
		Access: state.Access{
			Present:  access&0x80 != 0,
			DPL:      (access >> 5) & 0x3,
			System:   access&0x10 != 0,
			Type:     access & 0xF,
			Granular: limitHighFlags&0x80 != 0,
			Big:      limitHighFlags&0x40 != 0,
			Long:     limitHighFlags&0x20 != 0,
			Avail:    limitHighFlags&0x10 != 0,
		},
	}
}

// LoadSelector implements the selector-load sequence common to every
// segment-register-loading instruction: real/V86 mode computes the
// shifted-base descriptor directly; protected/long mode looks the
// selector up in the GDT or LDT, checks present/type/privilege, and
// only then refills the cache. On any failure the caller's segment
// register is left untouched (the "partial-write-then-fault" rule: a
// failed load must not corrupt the selector or descriptor cache it
// would have replaced).
func LoadSelector(src DescriptorSource, segs *state.Segments, mode Mode, segIdx int, selector uint16, rpl, cpl uint8) *Fault {
	if mode == ModeReal || mode == ModeV86 {
		segs.Regs[segIdx] = state.SegReg{Selector: selector, Descriptor: state.LoadReal(selector)}
		return nil
	}

	if selector&0xFFFC == 0 {
		if segIdx == state.SegSS {
			return &Fault{Vector: 13, HasCode: true, Msg: "null selector loaded into SS"}
		}
		segs.Regs[segIdx] = state.SegReg{Selector: 0}
		return nil
	}

	tableBase := segs.GDTR.Base
	tableLimit := segs.GDTR.Limit
	if selector&0x4 != 0 {
		ldtr := segs.Regs[state.SegLDTR]
		tableBase = ldtr.Descriptor.Base
		tableLimit = ldtr.Descriptor.Limit
	}
	index := int(selector >> 3)
	if uint32(index)*8+7 > tableLimit {
		return &Fault{Vector: 13, HasCode: true, Msg: "selector index beyond table limit"}
	}

	raw, ok := src.FetchDescriptor(tableBase, index)
	if !ok {
		return &Fault{Vector: 13, HasCode: true, Msg: "descriptor table entry not accessible"}
	}
	desc := DecodeDescriptor(raw)
	if !desc.Access.Present {
		return &Fault{Vector: 11, HasCode: true, Msg: "segment not present"}
	}

	code := desc.Access.Type&0x8 != 0
	readWrite := desc.Access.Type&0x2 != 0
	switch {
	case !desc.Access.System:
		return &Fault{Vector: 13, HasCode: true, Msg: "system descriptor loaded into segment register"}
	case segIdx == state.SegSS && (code || !readWrite):
		return &Fault{Vector: 13, HasCode: true, Msg: "SS requires a writable data segment"}
	case segIdx == state.SegCS && !code:
		return &Fault{Vector: 13, HasCode: true, Msg: "CS requires a code segment"}
	case segIdx != state.SegSS && segIdx != state.SegCS && code && !readWrite:
		return &Fault{Vector: 13, HasCode: true, Msg: "execute-only code segment not readable"}
	}

	if segIdx == state.SegSS {
		// SS loads require DPL == CPL == RPL, and the descriptor must be
		// a writable data segment.
		if desc.Access.DPL != cpl || rpl != cpl {
			return &Fault{Vector: 13, HasCode: true, Msg: "SS privilege mismatch"}
		}
	} else if segIdx == state.SegCS {
		conforming := desc.Access.Type&0x4 != 0
		if !conforming && desc.Access.DPL != cpl {
			return &Fault{Vector: 13, HasCode: true, Msg: "CS privilege mismatch"}
		}
	} else {
		maxDPL := desc.Access.DPL
		if rpl > maxDPL {
			maxDPL = rpl
		}
		if cpl > maxDPL {
			return &Fault{Vector: 13, HasCode: true, Msg: "data segment privilege mismatch"}
		}
	}

	segs.Regs[segIdx] = state.SegReg{Selector: selector, Descriptor: desc}
	return nil
}
