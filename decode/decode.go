// Package decode implements instruction fetch and decode: the prefix
// loop, opcode-map selection (one-byte/0F/0F38/0F3A/VEX/XOP/EVEX),
// ModR/M+SIB parsing, and the V25 secure-mode opcode substitution
// table.
package decode

import (
	"errors"
)

// ByteReader is the minimal fetch surface decode needs from the
// instruction stream: sequential byte/word/dword reads that may fault
// (a fetch past an unmapped page, or past the 15-byte decode limit).
type ByteReader interface {
	Fetch8() (byte, error)
	Fetch16() (uint16, error)
	Fetch32() (uint32, error)
	Fetch64() (uint64, error)
	// Peek returns the upcoming n bytes without consuming them; Decode
	// itself does not call it.
	Peek(n int) []byte
	Consumed() int
}

// ErrTooLong is returned once a single instruction's prefix+opcode+
// ModR/M+SIB+disp+imm stream would exceed the architectural 15-byte
// limit; except turns this into #GP(0).
var ErrTooLong = errors.New("decode: instruction exceeds 15 bytes")

// OpcodeMap names which of the several opcode spaces a decoded
// instruction's primary opcode byte(s) selected into.
type OpcodeMap int

const (
	MapOneByte OpcodeMap = iota
	Map0F
	Map0F38
	Map0F3A
	MapVEX
	MapXOP
	MapEVEX
	MapMVEX
)

// PrefixState accumulates the legacy and REX/VEX/EVEX prefix bytes
// seen before the opcode.
type PrefixState struct {
	SegOverride int // -1 if none, else a state.Seg* index

	// SegOverride2 is the second segment-override prefix byte seen
	// before an opcode, -1 if none. Ordinary x86 only ever honors one
	// segment-override prefix per instruction; the NEC V55 extends this
	// to two, letting a string instruction override both of its
	// distinct operands' segments instead of only the source. Every
	// other model simply never has a reason to set a second override
	// byte, so this field stays -1 for them.
	SegOverride2 int

	OperandSize bool
	AddrSize    bool
	Lock        bool
	RepNE       bool
	Rep         bool

	HasREX bool
	RexW, RexR, RexX, RexB bool

	HasVEX  bool
	HasEVEX bool
	VecLen  int // 128/256/512
	VVVV    byte
	Pp      byte // implied mandatory prefix: 0/66/F3/F2
	Mmmmm   byte // selects Map0F/0F38/0F3A for VEX-encoded forms

	MaskReg    byte // EVEX.aaa opmask selector
	ZeroMerge  bool
	Broadcast  bool
}

// Instruction is the fully decoded, not-yet-executed form: enough for
// exec to run it and for a disassembling caller to render it without
// re-fetching anything.
type Instruction struct {
	Prefixes PrefixState
	Map      OpcodeMap
	Opcode   byte // primary opcode byte after any escape bytes are stripped
	HasModRM bool
	ModRM    ModRM

	// ImmBytes/Imm are left zero by Decode: the immediate's size depends
	// on per-opcode semantics (exec's dispatch table), not addressing,
	// so exec fetches it itself via the same ByteReader after dispatch.
	ImmBytes int
	Imm      int64

	Length int // total bytes consumed, including prefixes

	// Text holds a textual disassembly of the instruction. Decode leaves
	// it empty and Disassemble returns its text without storing it here.
	Text string
}

// CodeSize is the default operand/address discipline of the segment
// the instruction stream runs in: 16 for real mode and 16-bit
// protected segments, 32 for CS.D=1 segments, 64 for long-mode code.
type CodeSize int

const (
	Code16 CodeSize = 16
	Code32 CodeSize = 32
	Code64 CodeSize = 64
)

// Decode runs the prefix loop, resolves the opcode map, and parses
// ModR/M when the opcode table entry calls for it. It deliberately
// does not know per-opcode semantics; exec's dispatch tables own that,
// keyed by (Map, Opcode). necMap selects the V25/V55 reading of the
// 0F-map system opcodes (FINT and friends carry an imm8 there, where
// 386-class silicon puts SETcc's ModR/M forms).
func Decode(r ByteReader, code CodeSize, secureXlat *V25Translator, necMap bool) (Instruction, error) {
	var inst Instruction
	inst.Prefixes.SegOverride = -1
	inst.Prefixes.SegOverride2 = -1
	mode64 := code == Code64

	for {
		if r.Consumed() > 14 {
			return inst, ErrTooLong
		}
		b, err := r.Fetch8()
		if err != nil {
			return inst, err
		}
		if !applyPrefixByte(&inst.Prefixes, b, mode64) {
			inst.Opcode = b
			break
		}
	}

	if secureXlat != nil {
		inst.Opcode = secureXlat.Translate(inst.Opcode)
	}

	inst.Map = MapOneByte
	if inst.Opcode == 0x0F {
		b, err := r.Fetch8()
		if err != nil {
			return inst, err
		}
		switch b {
		case 0x38:
			inst.Map = Map0F38
			b, err = r.Fetch8()
			if err != nil {
				return inst, err
			}
		case 0x3A:
			inst.Map = Map0F3A
			b, err = r.Fetch8()
			if err != nil {
				return inst, err
			}
		default:
			inst.Map = Map0F
		}
		inst.Opcode = b
	}

	hasModRM := opcodeHasModRM(inst.Map, inst.Opcode)
	if necMap && inst.Map == Map0F && inst.Opcode >= 0x90 && inst.Opcode <= 0x9F {
		hasModRM = false // V25/V55 system opcodes, not SETcc
	}
	if hasModRM {
		m, err := DecodeModRM(r, addrSizeClass(EffectiveAddrBits(code, inst.Prefixes.AddrSize)))
		if err != nil {
			return inst, err
		}
		inst.HasModRM = true
		inst.ModRM = m
		if inst.Prefixes.RexR {
			inst.ModRM.Reg |= 8
		}
		if inst.Prefixes.RexB && inst.ModRM.IsRegister {
			inst.ModRM.RM |= 8
		}
	}

	inst.Length = r.Consumed()
	if inst.Length > 15 {
		return inst, ErrTooLong
	}
	return inst, nil
}

func addrSizeClass(bits int) int {
	if bits == 16 {
		return 16
	}
	return 32 // 32 and 64-bit addressing share the SIB/disp shape; only register width differs
}

// EffectiveAddrBits resolves the address width the 0x67 prefix toggles:
// 16<->32 in legacy code, 64<->32 in long mode.
func EffectiveAddrBits(code CodeSize, prefix67 bool) int {
	switch code {
	case Code64:
		if prefix67 {
			return 32
		}
		return 64
	case Code32:
		if prefix67 {
			return 16
		}
		return 32
	default:
		if prefix67 {
			return 32
		}
		return 16
	}
}

// oneByteModRM marks, per one-byte opcode, whether a ModR/M byte
// follows. Built once from the architectural opcode map (the same
// shape x86asm's tables encode); immediates are not recorded here
// since exec fetches those itself after dispatch.
var oneByteModRM = buildOneByteModRM()

func buildOneByteModRM() [256]bool {
	var t [256]bool
	set := func(ops ...byte) {
		for _, op := range ops {
			t[op] = true
		}
	}
	// ALU groups: the first four encodings of each 8-opcode block.
	for base := byte(0x00); base <= 0x38; base += 8 {
		set(base, base+1, base+2, base+3)
	}
	set(0x62, 0x63)             // BOUND, ARPL
	set(0x69, 0x6B)             // IMUL r, r/m, imm
	for op := byte(0x80); op <= 0x8F; op++ {
		set(op) // group 1, TEST, XCHG, MOV, MOV sreg, LEA, POP r/m
	}
	set(0xC0, 0xC1)             // shift group, imm8 count
	set(0xC4, 0xC5)             // LES, LDS
	set(0xC6, 0xC7)             // MOV r/m, imm
	set(0xD0, 0xD1, 0xD2, 0xD3) // shift group
	for op := byte(0xD8); op <= 0xDF; op++ {
		set(op) // x87 escapes
	}
	set(0xF6, 0xF7) // group 3
	set(0xFE, 0xFF) // groups 4/5
	return t
}

// twoByteModRM is the 0F-map equivalent. Opcodes without an entry in
// exec's dispatch table but marked true here still size correctly for
// the silent-ignore path.
var twoByteModRM = buildTwoByteModRM()

func buildTwoByteModRM() [256]bool {
	var t [256]bool
	set := func(ops ...byte) {
		for _, op := range ops {
			t[op] = true
		}
	}
	set(0x00, 0x01, 0x02, 0x03) // group 6/7, LAR, LSL
	set(0x1F)                   // multi-byte NOP
	for op := byte(0x20); op <= 0x23; op++ {
		set(op) // MOV CR/DR
	}
	for op := byte(0x40); op <= 0x4F; op++ {
		set(op) // CMOVcc
	}
	for op := byte(0x90); op <= 0x9F; op++ {
		set(op) // SETcc
	}
	set(0xA3, 0xA4, 0xA5)       // BT, SHLD
	set(0xAB, 0xAC, 0xAD, 0xAF) // BTS, SHRD, IMUL
	set(0xB0, 0xB1, 0xB2, 0xB3) // CMPXCHG, LSS, BTR
	set(0xB4, 0xB5, 0xB6, 0xB7) // LFS, LGS, MOVZX
	set(0xBA, 0xBB, 0xBC, 0xBD) // group 8, BTC, BSF, BSR
	set(0xBE, 0xBF)             // MOVSX
	set(0xC0, 0xC1)             // XADD
	return t
}

func opcodeHasModRM(m OpcodeMap, opcode byte) bool {
	switch m {
	case MapOneByte:
		return oneByteModRM[opcode]
	case Map0F:
		return twoByteModRM[opcode]
	default:
		// 0F38/0F3A and the VEX/XOP/EVEX maps are ModR/M-form throughout.
		return true
	}
}

