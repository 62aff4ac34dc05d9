package state

// Flags holds each architectural flag lane as an *individual* scalar;
// each lane holds either 0 or its architectural bit mask, never a
// plain boolean. Assembling/disassembling the
// 64-bit FLAGS/EFLAGS/RFLAGS view is a getter/setter pair (a
// round-trip law: the getter composed with the setter is the identity
// on the architecturally defined bits).
//
// Per-lane scalars (rather than one packed word) let the non-Intel
// lanes (V25's z80_flags, V60-CTL, the IIT/Cyrix-only bits) be gated
// independently by traits without reusing real architectural bit
// positions for non-architectural state.
type Flags struct {
	CF, PF, AF, ZF, SF, TF, IF, DF, OF uint32
	IOPL                               uint32 // 2-bit field, not 0/mask like the rest
	NT                                 uint32
	RF, VM, AC, VIF, VIP, ID           uint32

	// Non-Intel-architectural lanes, present only on the models that
	// define them; the trait gate decides whether code can observe or
	// modify them. Zero/mask encoded the same way as the rest.
	IBRK      uint32 // NEC: ICEBP-disable
	RB        uint32 // V25/V55 register-bank select side effect flag
	MD        uint32 // V20/uPD9002 emulation-mode bit (native vs 8080/Z80)
	Z80Flags  uint32 // full 8080/Z80 flag byte when MD selects emulation
	VIAACE    uint32 // VIA Alternate Instruction Set enable
	AI        uint32 // Cyrix Alternate Instruction Set
	V60Ctl    uint32 // V60 control-flag aggregate
}

const (
	bitCF   = 1 << 0
	bitPF   = 1 << 2
	bitAF   = 1 << 4
	bitZF   = 1 << 6
	bitSF   = 1 << 7
	bitTF   = 1 << 8
	bitIF   = 1 << 9
	bitDF   = 1 << 10
	bitOF   = 1 << 11
	bitIOPLShift = 12
	bitIOPLMask  = 3 << bitIOPLShift
	bitNT   = 1 << 14
	bitRF   = 1 << 16
	bitVM   = 1 << 17
	bitAC   = 1 << 18
	bitVIF  = 1 << 19
	bitVIP  = 1 << 20
	bitID   = 1 << 21
)

// Reset sets power-on defaults: all lanes clear except the reserved bit
// 1 of FLAGS, which this model represents implicitly (never surfaced as
// a lane since it is architecturally always 1 and never software
// visible as a distinct lane).
func (f *Flags) Reset() {
	*f = Flags{}
}

// Pack assembles the architectural 32-bit EFLAGS view from the
// individual lanes. Bit 1 (always 1) is added here, not stored as a
// lane.
func (f *Flags) Pack() uint32 {
	v := uint32(2)
	v |= f.CF
	v |= f.PF
	v |= f.AF
	v |= f.ZF
	v |= f.SF
	v |= f.TF
	v |= f.IF
	v |= f.DF
	v |= f.OF
	v |= (f.IOPL << bitIOPLShift) & bitIOPLMask
	v |= f.NT
	v |= f.RF
	v |= f.VM
	v |= f.AC
	v |= f.VIF
	v |= f.VIP
	v |= f.ID
	return v
}

// Unpack disassembles an architectural FLAGS/EFLAGS value into the
// individual lanes (used by POPF/IRET and by the host's register poke
// interface).
func (f *Flags) Unpack(v uint32) {
	f.CF = v & bitCF
	f.PF = v & bitPF
	f.AF = v & bitAF
	f.ZF = v & bitZF
	f.SF = v & bitSF
	f.TF = v & bitTF
	f.IF = v & bitIF
	f.DF = v & bitDF
	f.OF = v & bitOF
	f.IOPL = (v & bitIOPLMask) >> bitIOPLShift
	f.NT = v & bitNT
	f.RF = v & bitRF
	f.VM = v & bitVM
	f.AC = v & bitAC
	f.VIF = v & bitVIF
	f.VIP = v & bitVIP
	f.ID = v & bitID
}

func boolMask(b bool, mask uint32) uint32 {
	if b {
		return mask
	}
	return 0
}

func (f *Flags) SetCF(b bool) { f.CF = boolMask(b, bitCF) }
func (f *Flags) SetPF(b bool) { f.PF = boolMask(b, bitPF) }
func (f *Flags) SetAF(b bool) { f.AF = boolMask(b, bitAF) }
func (f *Flags) SetZF(b bool) { f.ZF = boolMask(b, bitZF) }
func (f *Flags) SetSF(b bool) { f.SF = boolMask(b, bitSF) }
func (f *Flags) SetTF(b bool) { f.TF = boolMask(b, bitTF) }
func (f *Flags) SetIF(b bool) { f.IF = boolMask(b, bitIF) }
func (f *Flags) SetDF(b bool) { f.DF = boolMask(b, bitDF) }
func (f *Flags) SetOF(b bool) { f.OF = boolMask(b, bitOF) }

func (f *Flags) IsCF() bool { return f.CF != 0 }
func (f *Flags) IsPF() bool { return f.PF != 0 }
func (f *Flags) IsAF() bool { return f.AF != 0 }
func (f *Flags) IsZF() bool { return f.ZF != 0 }
func (f *Flags) IsSF() bool { return f.SF != 0 }
func (f *Flags) IsTF() bool { return f.TF != 0 }
func (f *Flags) IsIF() bool { return f.IF != 0 }
func (f *Flags) IsDF() bool { return f.DF != 0 }
func (f *Flags) IsOF() bool { return f.OF != 0 }

// Parity reports the even-parity of the low byte.
func Parity(v byte) bool {
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return (v & 1) == 0
}

// SetArith8/16/32/64 set CF/ZF/SF/PF/OF/AF after an add/sub.
func (f *Flags) SetArith8(result uint16, a, b byte, sub bool) {
	r := byte(result)
	f.SetCF(result > 0xFF)
	f.SetZF(r == 0)
	f.SetSF(r&0x80 != 0)
	f.SetPF(Parity(r))
	if sub {
		f.SetOF(((a ^ b) & (a ^ r) & 0x80) != 0)
		f.SetAF((a & 0x0F) < (b & 0x0F))
	} else {
		f.SetOF((^(a ^ b) & (a ^ r) & 0x80) != 0)
		f.SetAF((a&0x0F)+(b&0x0F) > 0x0F)
	}
}

func (f *Flags) SetArith16(result uint32, a, b uint16, sub bool) {
	r := uint16(result)
	f.SetCF(result > 0xFFFF)
	f.SetZF(r == 0)
	f.SetSF(r&0x8000 != 0)
	f.SetPF(Parity(byte(r)))
	if sub {
		f.SetOF(((a ^ b) & (a ^ r) & 0x8000) != 0)
		f.SetAF((a & 0x0F) < (b & 0x0F))
	} else {
		f.SetOF((^(a ^ b) & (a ^ r) & 0x8000) != 0)
		f.SetAF((a&0x0F)+(b&0x0F) > 0x0F)
	}
}

func (f *Flags) SetArith32(result uint64, a, b uint32, sub bool) {
	r := uint32(result)
	f.SetCF(result > 0xFFFFFFFF)
	f.SetZF(r == 0)
	f.SetSF(r&0x80000000 != 0)
	f.SetPF(Parity(byte(r)))
	if sub {
		f.SetOF(((a ^ b) & (a ^ r) & 0x80000000) != 0)
		f.SetAF((a & 0x0F) < (b & 0x0F))
	} else {
		f.SetOF((^(a ^ b) & (a ^ r) & 0x80000000) != 0)
		f.SetAF((a&0x0F)+(b&0x0F) > 0x0F)
	}
}

func (f *Flags) SetArith64(result, carryOut uint64, a, b uint64, sub bool) {
	f.SetCF(carryOut != 0)
	f.SetZF(result == 0)
	f.SetSF(result&0x8000000000000000 != 0)
	f.SetPF(Parity(byte(result)))
	if sub {
		f.SetOF(((a ^ b) & (a ^ result) & 0x8000000000000000) != 0)
		f.SetAF((a & 0x0F) < (b & 0x0F))
	} else {
		f.SetOF((^(a ^ b) & (a ^ result) & 0x8000000000000000) != 0)
		f.SetAF((a&0x0F)+(b&0x0F) > 0x0F)
	}
}

func (f *Flags) setLogicCommon(zero, sign, par bool) {
	f.SetCF(false)
	f.SetOF(false)
	f.SetZF(zero)
	f.SetSF(sign)
	f.SetPF(par)
}

func (f *Flags) SetLogic8(result byte)     { f.setLogicCommon(result == 0, result&0x80 != 0, Parity(result)) }
func (f *Flags) SetLogic16(result uint16)  { f.setLogicCommon(result == 0, result&0x8000 != 0, Parity(byte(result))) }
func (f *Flags) SetLogic32(result uint32)  { f.setLogicCommon(result == 0, result&0x80000000 != 0, Parity(byte(result))) }
func (f *Flags) SetLogic64(result uint64)  { f.setLogicCommon(result == 0, result&0x8000000000000000 != 0, Parity(byte(result))) }
