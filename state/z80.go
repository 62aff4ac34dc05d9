package state

// Z80State is the 8080/Z80 sub-state: the shadow register bank, IX/IY,
// the refresh/interrupt-vector pair, and the interrupt machinery, kept
// alongside the architectural GPRs rather than inside them since an
// emulation-mode switch swaps which bank is live without disturbing
// the other.
type Z80State struct {
	A, F byte
	B, C byte
	D, E byte
	H, L byte

	A2, F2 byte
	B2, C2 byte
	D2, E2 byte
	H2, L2 byte

	IX, IY uint16
	SP, PC uint16

	I, R byte
	IM   byte
	WZ   uint16

	IFF1 bool
	IFF2 bool

	Halted bool

	// 8085-only flag bits: V (overflow, replaces P/V semantics on some
	// ops) and K (signed branch condition). They are held as separate
	// fields rather than in F, and no opcode reads or writes them.
	V85 bool
	K85 bool
}

func (z *Z80State) Reset() { *z = Z80State{} }

// AF/BC/DE/HL return the paired 16-bit view of the primary bank, and
// the Set* variants write both halves, matching the register-pair
// addressing the Z80/8080 opcode maps use throughout.
func (z *Z80State) AF() uint16 { return uint16(z.A)<<8 | uint16(z.F) }
func (z *Z80State) BC() uint16 { return uint16(z.B)<<8 | uint16(z.C) }
func (z *Z80State) DE() uint16 { return uint16(z.D)<<8 | uint16(z.E) }
func (z *Z80State) HL() uint16 { return uint16(z.H)<<8 | uint16(z.L) }

func (z *Z80State) SetAF(v uint16) { z.A, z.F = byte(v>>8), byte(v) }
func (z *Z80State) SetBC(v uint16) { z.B, z.C = byte(v>>8), byte(v) }
func (z *Z80State) SetDE(v uint16) { z.D, z.E = byte(v>>8), byte(v) }
func (z *Z80State) SetHL(v uint16) { z.H, z.L = byte(v>>8), byte(v) }

// ExchangeAF swaps AF with its shadow (the Z80 EX AF,AF' instruction).
func (z *Z80State) ExchangeAF() { z.A, z.A2 = z.A2, z.A; z.F, z.F2 = z.F2, z.F }

// Exchange swaps BC/DE/HL with their shadows (the Z80 EXX instruction).
func (z *Z80State) Exchange() {
	z.B, z.B2 = z.B2, z.B
	z.C, z.C2 = z.C2, z.C
	z.D, z.D2 = z.D2, z.D
	z.E, z.E2 = z.E2, z.E
	z.H, z.H2 = z.H2, z.H
	z.L, z.L2 = z.L2, z.L
}
