package decode

import "github.com/BinaryMelodies/x86-emulator-core/state"

// applyPrefixByte classifies one byte as a legacy prefix, a REX prefix
// (only recognized when mode64 is true, per the architectural rule
// that 0x40-0x4F are INC/DEC reg opcodes outside 64-bit mode), folding
// it into ps and reporting whether the caller should keep looping.
func applyPrefixByte(ps *PrefixState, b byte, mode64 bool) bool {
	switch b {
	case 0x26:
		setSegOverride(ps, state.SegES)
		return true
	case 0x2E:
		setSegOverride(ps, state.SegCS)
		return true
	case 0x36:
		setSegOverride(ps, state.SegSS)
		return true
	case 0x3E:
		setSegOverride(ps, state.SegDS)
		return true
	case 0x64:
		setSegOverride(ps, state.SegFS)
		return true
	case 0x65:
		setSegOverride(ps, state.SegGS)
		return true
	case 0x66:
		ps.OperandSize = true
		return true
	case 0x67:
		ps.AddrSize = true
		return true
	case 0xF0:
		ps.Lock = true
		return true
	case 0xF2:
		ps.RepNE = true
		return true
	case 0xF3:
		ps.Rep = true
		return true
	}

	if mode64 && b >= 0x40 && b <= 0x4F {
		ps.HasREX = true
		ps.RexW = b&0x8 != 0
		ps.RexR = b&0x4 != 0
		ps.RexX = b&0x2 != 0
		ps.RexB = b&0x1 != 0
		return true
	}

	return false
}

// setSegOverride records a segment-override prefix byte into the
// first free slot: ordinary x86 only ever has one such byte honored
// per instruction, so SegOverride is always the one that counts; the
// V55's second override lands in SegOverride2 so a two-operand
// string op can apply it to its other operand. A third or later
// override byte in the same instruction (already covered by two real
// prefixes) has nothing left to land in and is dropped, matching how
// redundant duplicate prefixes of any kind are architecturally
// harmless no-ops beyond the first one or two.
func setSegOverride(ps *PrefixState, seg int) {
	if ps.SegOverride == -1 {
		ps.SegOverride = seg
		return
	}
	if ps.SegOverride2 == -1 {
		ps.SegOverride2 = seg
	}
}
