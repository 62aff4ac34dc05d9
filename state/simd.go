package state

// SIMDRegs is "32 registers of up to 512 bits viewed as byte/word/
// dword/qword/float32/float64 arrays: ZMM0-31, with XMM/YMM being
// the low 128/256 bits of the same storage, MMX aliasing the low 64 bits
// of the first 8 (x87-shared, per the real architecture).
type SIMDRegs struct {
	Regs [32][64]byte // 512 bits each
}

func (s *SIMDRegs) Reset() { *s = SIMDRegs{} }

func (s *SIMDRegs) byteSlice(reg, width int) []byte { return s.Regs[reg][:width] }

func (s *SIMDRegs) ReadQword(reg, lane int) uint64 {
	b := s.Regs[reg][lane*8 : lane*8+8]
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func (s *SIMDRegs) WriteQword(reg, lane int, v uint64) {
	b := s.Regs[reg][lane*8 : lane*8+8]
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (s *SIMDRegs) ReadDword(reg, lane int) uint32 {
	b := s.Regs[reg][lane*4 : lane*4+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (s *SIMDRegs) WriteDword(reg, lane int, v uint32) {
	b := s.Regs[reg][lane*4 : lane*4+4]
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// OpmaskRegs is the 8 AVX-512 mask registers (k0-k7), each up to 64 bits.
type OpmaskRegs struct {
	K [8]uint64
}

// TileRegs is the AMX tile-register file: 8 tiles of 16 rows x 64 bytes.
type TileRegs struct {
	Tiles [8][16][64]byte
	Rows  [8]uint8
	Cols  [8]uint16
}

// MPXBounds is the 4 MPX bound-register pairs plus the 3 config/status
// MSRs (BNDCFGU/BNDSTATUS live in the MSR bank; the pairs live here).
type MPXBounds struct {
	Pairs [4][2]uint64 // lower, upper
}
