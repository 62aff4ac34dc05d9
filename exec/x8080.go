package exec

import (
	"github.com/BinaryMelodies/x86-emulator-core/state"
	"github.com/BinaryMelodies/x86-emulator-core/traits"
)

// Z80 flag byte bit positions (the 8080 shares all but N).
const (
	z80C = 0x01
	z80N = 0x02
	z80P = 0x04
	z80H = 0x10
	z80Z = 0x40
	z80S = 0x80
)

// Z80Step executes one 8080/Z80-mode instruction against State.Z80,
// reached only while traits gate the host into emulation mode (V20's
// MD bit, or CPUExtended's inverted polarity). It is a separate
// decode/execute path from the x86 one, with its own single-byte
// opcode fetch and its own register file, sharing only the Bus/Memory
// underneath. The V20 itself implements the 8080
// subset; the µPD9002's Z80 mode adds the shadow bank, relative
// jumps, and the CB/ED prefixes, and intercepts IN/OUT/LD A,R into
// native-mode handlers at vectors 0x7C-0x7E. An opcode outside the
// implemented set is reported through the ResultUndefined tag rather
// than silently behaving like a NOP.
func (c *CPU) Z80Step() (Result, error) {
	z := &c.State.Z80
	startPC := z.PC
	op, ok := c.z80Fetch8()
	if !ok {
		return ResultCPUInterrupt, c.lastFault
	}

	if !c.z80Exec(op) {
		z.PC = startPC
		return ResultUndefined, nil
	}
	if c.lastFault != nil {
		z.PC = startPC
		return ResultCPUInterrupt, c.lastFault
	}
	if c.PendingSoftwareInterrupt {
		z.PC = startPC
		return ResultCPUInterrupt, nil
	}
	if c.State.RunState() == state.Halted {
		return ResultHalt, nil
	}
	return ResultSuccess, nil
}

func (c *CPU) z80Fetch8() (byte, bool) {
	v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, state.SegCS, uint64(c.State.Z80.PC), 1)
	if flt != nil {
		c.lastFault = flt
		return 0, false
	}
	c.State.Z80.PC++
	return byte(v), true
}

func (c *CPU) z80Fetch16() (uint16, bool) {
	lo, ok := c.z80Fetch8()
	if !ok {
		return 0, false
	}
	hi, ok := c.z80Fetch8()
	if !ok {
		return 0, false
	}
	return uint16(hi)<<8 | uint16(lo), true
}

func (c *CPU) z80Read8(addr uint16) (byte, bool) {
	v, flt := c.Mem.Read(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, state.SegDS, uint64(addr), 1)
	if flt != nil {
		c.lastFault = flt
		return 0, false
	}
	return byte(v), true
}

func (c *CPU) z80Write8(addr uint16, v byte) bool {
	flt := c.Mem.Write(&c.State.Ctrl, &c.State.Segs, c.busMode(), c.State.Level, state.SegDS, uint64(addr), 1, uint64(v))
	if flt != nil {
		c.lastFault = flt
		return false
	}
	return true
}

func (c *CPU) z80Read16(addr uint16) (uint16, bool) {
	lo, ok := c.z80Read8(addr)
	if !ok {
		return 0, false
	}
	hi, ok := c.z80Read8(addr + 1)
	if !ok {
		return 0, false
	}
	return uint16(hi)<<8 | uint16(lo), true
}

func (c *CPU) z80Write16(addr uint16, v uint16) bool {
	return c.z80Write8(addr, byte(v)) && c.z80Write8(addr+1, byte(v>>8))
}

func (c *CPU) z80Push(v uint16) bool {
	z := &c.State.Z80
	z.SP -= 2
	return c.z80Write16(z.SP, v)
}

func (c *CPU) z80Pop() (uint16, bool) {
	z := &c.State.Z80
	v, ok := c.z80Read16(z.SP)
	if ok {
		z.SP += 2
	}
	return v, ok
}

// z80RegGet/Set follow the standard r-field encoding: B C D E H L
// (HL) A.
func (c *CPU) z80RegGet(i byte) (byte, bool) {
	z := &c.State.Z80
	switch i {
	case 0:
		return z.B, true
	case 1:
		return z.C, true
	case 2:
		return z.D, true
	case 3:
		return z.E, true
	case 4:
		return z.H, true
	case 5:
		return z.L, true
	case 6:
		return c.z80Read8(z.HL())
	default:
		return z.A, true
	}
}

func (c *CPU) z80RegSet(i byte, v byte) bool {
	z := &c.State.Z80
	switch i {
	case 0:
		z.B = v
	case 1:
		z.C = v
	case 2:
		z.D = v
	case 3:
		z.E = v
	case 4:
		z.H = v
	case 5:
		z.L = v
	case 6:
		return c.z80Write8(z.HL(), v)
	default:
		z.A = v
	}
	return true
}

func (c *CPU) z80PairGet(i byte) uint16 {
	z := &c.State.Z80
	switch i {
	case 0:
		return z.BC()
	case 1:
		return z.DE()
	case 2:
		return z.HL()
	default:
		return z.SP
	}
}

func (c *CPU) z80PairSet(i byte, v uint16) {
	z := &c.State.Z80
	switch i {
	case 0:
		z.SetBC(v)
	case 1:
		z.SetDE(v)
	case 2:
		z.SetHL(v)
	default:
		z.SP = v
	}
}

func z80Parity(v byte) byte {
	if state.Parity(v) {
		return z80P
	}
	return 0
}

func (c *CPU) z80SZP(v byte) byte {
	f := z80Parity(v)
	if v == 0 {
		f |= z80Z
	}
	if v&0x80 != 0 {
		f |= z80S
	}
	return f
}

// z80ALU applies one of the eight accumulator operations (the 0x80-
// 0xBF matrix's column), mirroring the Z80 flag rules.
func (c *CPU) z80ALU(kind byte, v byte) {
	z := &c.State.Z80
	a := z.A
	var r byte
	var f byte
	switch kind {
	case 0: // ADD
		full := uint16(a) + uint16(v)
		r = byte(full)
		f = c.z80SZP(r)
		if full > 0xFF {
			f |= z80C
		}
		if (a&0xF)+(v&0xF) > 0xF {
			f |= z80H
		}
		f = f&^z80P | overflowAdd(a, v, r)
	case 1: // ADC
		cin := z.F & z80C
		full := uint16(a) + uint16(v) + uint16(cin)
		r = byte(full)
		f = c.z80SZP(r)
		if full > 0xFF {
			f |= z80C
		}
		if (a&0xF)+(v&0xF)+cin > 0xF {
			f |= z80H
		}
		f = f&^z80P | overflowAdd(a, v, r)
	case 2: // SUB
		r = a - v
		f = c.z80SZP(r) | z80N
		if a < v {
			f |= z80C
		}
		if a&0xF < v&0xF {
			f |= z80H
		}
		f = f&^z80P | overflowSub(a, v, r)
	case 3: // SBC
		cin := z.F & z80C
		r = a - v - cin
		f = c.z80SZP(r) | z80N
		if uint16(a) < uint16(v)+uint16(cin) {
			f |= z80C
		}
		if a&0xF < v&0xF+cin {
			f |= z80H
		}
		f = f&^z80P | overflowSub(a, v, r)
	case 4: // AND
		r = a & v
		f = c.z80SZP(r) | z80H
	case 5: // XOR
		r = a ^ v
		f = c.z80SZP(r)
	case 6: // OR
		r = a | v
		f = c.z80SZP(r)
	default: // CP
		r = a - v
		f = c.z80SZP(r) | z80N
		if a < v {
			f |= z80C
		}
		if a&0xF < v&0xF {
			f |= z80H
		}
		f = f&^z80P | overflowSub(a, v, r)
		z.F = f
		return
	}
	z.A = r
	z.F = f
}

func overflowAdd(a, b, r byte) byte {
	if (^(a ^ b) & (a ^ r) & 0x80) != 0 {
		return z80P
	}
	return 0
}

func overflowSub(a, b, r byte) byte {
	if ((a ^ b) & (a ^ r) & 0x80) != 0 {
		return z80P
	}
	return 0
}

func (c *CPU) z80Inc8(v byte) byte {
	z := &c.State.Z80
	r := v + 1
	f := z.F & z80C
	f |= c.z80SZP(r) &^ z80P
	if v&0xF == 0xF {
		f |= z80H
	}
	if v == 0x7F {
		f |= z80P
	}
	z.F = f
	return r
}

func (c *CPU) z80Dec8(v byte) byte {
	z := &c.State.Z80
	r := v - 1
	f := z.F&z80C | z80N
	f |= c.z80SZP(r) &^ z80P
	if v&0xF == 0 {
		f |= z80H
	}
	if v == 0x80 {
		f |= z80P
	}
	z.F = f
	return r
}

// z80Cond evaluates the 3-bit condition field: NZ Z NC C PO PE P M.
func (c *CPU) z80Cond(cc byte) bool {
	f := c.State.Z80.F
	switch cc {
	case 0:
		return f&z80Z == 0
	case 1:
		return f&z80Z != 0
	case 2:
		return f&z80C == 0
	case 3:
		return f&z80C != 0
	case 4:
		return f&z80P == 0
	case 5:
		return f&z80P != 0
	case 6:
		return f&z80S == 0
	default:
		return f&z80S != 0
	}
}

// z80Intercept reports the µPD9002's Z80-mode escape to a native-mode
// handler for I/O and refresh-register access (IN/OUT/LD A,R at
// vectors 0x7C-0x7E).
func (c *CPU) z80Intercept(vector byte) {
	c.PendingSoftwareInterrupt = true
	c.PendingVector = vector
}

func (c *CPU) z80Exec(op byte) bool {
	z := &c.State.Z80
	isZ80 := c.Traits.CPU == traits.CPUUPD9002 || c.Traits.CPU == traits.CPUExtended

	// The structured quadrants first: LD r,r' and the ALU matrix.
	if op >= 0x40 && op <= 0x7F && op != 0x76 {
		v, ok := c.z80RegGet(op & 7)
		if !ok {
			return true
		}
		c.z80RegSet((op>>3)&7, v)
		return true
	}
	if op >= 0x80 && op <= 0xBF {
		v, ok := c.z80RegGet(op & 7)
		if !ok {
			return true
		}
		c.z80ALU((op>>3)&7, v)
		return true
	}

	switch op {
	case 0x00: // NOP
	case 0x76: // HLT
		z.Halted = true
		c.State.SetRunState(state.Halted)

	// 16-bit loads and arithmetic.
	case 0x01, 0x11, 0x21, 0x31: // LXI rp,nn
		v, ok := c.z80Fetch16()
		if !ok {
			return true
		}
		c.z80PairSet(op>>4, v)
	case 0x03, 0x13, 0x23, 0x33: // INX rp
		c.z80PairSet(op>>4, c.z80PairGet(op>>4)+1)
	case 0x0B, 0x1B, 0x2B, 0x3B: // DCX rp
		c.z80PairSet(op>>4, c.z80PairGet(op>>4)-1)
	case 0x09, 0x19, 0x29, 0x39: // DAD rp
		hl := uint32(z.HL())
		v := uint32(c.z80PairGet(op >> 4))
		sum := hl + v
		f := z.F &^ (z80C | z80H | z80N)
		if sum > 0xFFFF {
			f |= z80C
		}
		if (hl&0xFFF)+(v&0xFFF) > 0xFFF {
			f |= z80H
		}
		z.F = f
		z.SetHL(uint16(sum))

	// Accumulator/memory transfers.
	case 0x02: // STAX B
		c.z80Write8(z.BC(), z.A)
	case 0x12: // STAX D
		c.z80Write8(z.DE(), z.A)
	case 0x0A: // LDAX B
		if v, ok := c.z80Read8(z.BC()); ok {
			z.A = v
		}
	case 0x1A: // LDAX D
		if v, ok := c.z80Read8(z.DE()); ok {
			z.A = v
		}
	case 0x22: // SHLD nn
		addr, ok := c.z80Fetch16()
		if !ok {
			return true
		}
		c.z80Write16(addr, z.HL())
	case 0x2A: // LHLD nn
		addr, ok := c.z80Fetch16()
		if !ok {
			return true
		}
		if v, ok := c.z80Read16(addr); ok {
			z.SetHL(v)
		}
	case 0x32: // STA nn
		addr, ok := c.z80Fetch16()
		if !ok {
			return true
		}
		c.z80Write8(addr, z.A)
	case 0x3A: // LDA nn
		addr, ok := c.z80Fetch16()
		if !ok {
			return true
		}
		if v, ok := c.z80Read8(addr); ok {
			z.A = v
		}

	// INR/DCR/MVI across the register column.
	case 0x04, 0x0C, 0x14, 0x1C, 0x24, 0x2C, 0x34, 0x3C: // INR r
		r := (op >> 3) & 7
		v, ok := c.z80RegGet(r)
		if !ok {
			return true
		}
		c.z80RegSet(r, c.z80Inc8(v))
	case 0x05, 0x0D, 0x15, 0x1D, 0x25, 0x2D, 0x35, 0x3D: // DCR r
		r := (op >> 3) & 7
		v, ok := c.z80RegGet(r)
		if !ok {
			return true
		}
		c.z80RegSet(r, c.z80Dec8(v))
	case 0x06, 0x0E, 0x16, 0x1E, 0x26, 0x2E, 0x36, 0x3E: // MVI r,n
		v, ok := c.z80Fetch8()
		if !ok {
			return true
		}
		c.z80RegSet((op>>3)&7, v)

	// Rotates and accumulator specials.
	case 0x07: // RLC
		carry := z.A >> 7
		z.A = z.A<<1 | carry
		z.F = z.F&^(z80C|z80H|z80N) | carry
	case 0x0F: // RRC
		carry := z.A & 1
		z.A = z.A>>1 | carry<<7
		z.F = z.F&^(z80C|z80H|z80N) | carry
	case 0x17: // RAL
		carry := z.A >> 7
		z.A = z.A<<1 | z.F&z80C
		z.F = z.F&^(z80C|z80H|z80N) | carry
	case 0x1F: // RAR
		carry := z.A & 1
		z.A = z.A>>1 | (z.F&z80C)<<7
		z.F = z.F&^(z80C|z80H|z80N) | carry
	case 0x27: // DAA
		a := z.A
		var adjust byte
		f := z.F
		if a&0xF > 9 || f&z80H != 0 {
			adjust |= 0x06
		}
		if a > 0x99 || f&z80C != 0 {
			adjust |= 0x60
			f |= z80C
		} else {
			f &^= z80C
		}
		if f&z80N != 0 {
			z.A -= adjust
		} else {
			z.A += adjust
		}
		z.F = f&^(z80S|z80Z|z80P|z80H) | c.z80SZP(z.A)
	case 0x2F: // CMA/CPL
		z.A = ^z.A
		z.F |= z80H | z80N
	case 0x37: // STC/SCF
		z.F = z.F&^(z80H|z80N) | z80C
	case 0x3F: // CMC/CCF
		if z.F&z80C != 0 {
			z.F = z.F&^(z80C|z80N) | z80H
		} else {
			z.F = z.F&^(z80H|z80N) | z80C
		}

	// Z80-only relative control flow and exchanges.
	case 0x08: // EX AF,AF'
		if !isZ80 {
			return false
		}
		z.ExchangeAF()
	case 0x10: // DJNZ d
		if !isZ80 {
			return false
		}
		d, ok := c.z80Fetch8()
		if !ok {
			return true
		}
		z.B--
		if z.B != 0 {
			z.PC = uint16(int32(z.PC) + int32(int8(d)))
		}
	case 0x18: // JR d
		if !isZ80 {
			return false
		}
		d, ok := c.z80Fetch8()
		if !ok {
			return true
		}
		z.PC = uint16(int32(z.PC) + int32(int8(d)))
	case 0x20, 0x28, 0x30, 0x38: // JR cc,d
		if !isZ80 {
			return false
		}
		d, ok := c.z80Fetch8()
		if !ok {
			return true
		}
		if c.z80Cond((op - 0x20) >> 3) {
			z.PC = uint16(int32(z.PC) + int32(int8(d)))
		}
	case 0xD9: // EXX
		if !isZ80 {
			return false
		}
		z.Exchange()

	// Control flow.
	case 0xC3: // JMP nn
		if addr, ok := c.z80Fetch16(); ok {
			z.PC = addr
		}
	case 0xC2, 0xCA, 0xD2, 0xDA, 0xE2, 0xEA, 0xF2, 0xFA: // Jcc nn
		addr, ok := c.z80Fetch16()
		if !ok {
			return true
		}
		if c.z80Cond((op >> 3) & 7) {
			z.PC = addr
		}
	case 0xCD: // CALL nn
		addr, ok := c.z80Fetch16()
		if !ok {
			return true
		}
		if c.z80Push(z.PC) {
			z.PC = addr
		}
	case 0xC4, 0xCC, 0xD4, 0xDC, 0xE4, 0xEC, 0xF4, 0xFC: // Ccc nn
		addr, ok := c.z80Fetch16()
		if !ok {
			return true
		}
		if c.z80Cond((op >> 3) & 7) {
			if c.z80Push(z.PC) {
				z.PC = addr
			}
		}
	case 0xC9: // RET
		if addr, ok := c.z80Pop(); ok {
			z.PC = addr
		}
	case 0xC0, 0xC8, 0xD0, 0xD8, 0xE0, 0xE8, 0xF0, 0xF8: // Rcc
		if c.z80Cond((op >> 3) & 7) {
			if addr, ok := c.z80Pop(); ok {
				z.PC = addr
			}
		}
	case 0xC7, 0xCF, 0xD7, 0xDF, 0xE7, 0xEF, 0xF7, 0xFF: // RST n
		if c.z80Push(z.PC) {
			z.PC = uint16(op & 0x38)
		}
	case 0xE9: // PCHL/JP (HL)
		z.PC = z.HL()
	case 0xF9: // SPHL
		z.SP = z.HL()
	case 0xE3: // XTHL
		if v, ok := c.z80Read16(z.SP); ok {
			c.z80Write16(z.SP, z.HL())
			z.SetHL(v)
		}
	case 0xEB: // XCHG
		de, hl := z.DE(), z.HL()
		z.SetDE(hl)
		z.SetHL(de)

	// Stack.
	case 0xC5: // PUSH B
		c.z80Push(z.BC())
	case 0xD5:
		c.z80Push(z.DE())
	case 0xE5:
		c.z80Push(z.HL())
	case 0xF5:
		c.z80Push(z.AF())
	case 0xC1: // POP B
		if v, ok := c.z80Pop(); ok {
			z.SetBC(v)
		}
	case 0xD1:
		if v, ok := c.z80Pop(); ok {
			z.SetDE(v)
		}
	case 0xE1:
		if v, ok := c.z80Pop(); ok {
			z.SetHL(v)
		}
	case 0xF1:
		if v, ok := c.z80Pop(); ok {
			z.SetAF(v)
		}

	// Immediate ALU forms.
	case 0xC6, 0xCE, 0xD6, 0xDE, 0xE6, 0xEE, 0xF6, 0xFE:
		v, ok := c.z80Fetch8()
		if !ok {
			return true
		}
		c.z80ALU((op>>3)&7, v)

	// I/O: intercepted on the µPD9002 (the native-mode handler
	// performs the real port access), direct on everything else.
	case 0xDB: // IN A,n
		port, ok := c.z80Fetch8()
		if !ok {
			return true
		}
		if c.Traits.CPU == traits.CPUUPD9002 {
			c.z80Intercept(0x7C) // Z80Step rewinds PC so the handler sees the full instruction
			return true
		}
		z.A = byte(c.Mem.Bus.In(uint16(port), 1))
	case 0xD3: // OUT n,A
		port, ok := c.z80Fetch8()
		if !ok {
			return true
		}
		if c.Traits.CPU == traits.CPUUPD9002 {
			c.z80Intercept(0x7D)
			return true
		}
		c.Mem.Bus.Out(uint16(port), 1, uint32(z.A))

	case 0xF3: // DI
		z.IFF1 = false
		z.IFF2 = false
	case 0xFB: // EI
		z.IFF1 = true
		z.IFF2 = true

	case 0xCB:
		if !isZ80 {
			return false
		}
		return c.z80ExecCB()
	case 0xED:
		if !isZ80 {
			return false
		}
		return c.z80ExecED()

	default:
		return false
	}
	return true
}

// z80ExecCB is the CB-prefixed rotate/shift/bit page, fully regular:
// two operation bits, three bit-select bits, three register bits.
func (c *CPU) z80ExecCB() bool {
	z := &c.State.Z80
	op, ok := c.z80Fetch8()
	if !ok {
		return true
	}
	r := op & 7
	bit := (op >> 3) & 7
	v, ok := c.z80RegGet(r)
	if !ok {
		return true
	}

	switch op >> 6 {
	case 0: // rotate/shift group, selected by the bit field
		var carry byte
		switch bit {
		case 0: // RLC
			carry = v >> 7
			v = v<<1 | carry
		case 1: // RRC
			carry = v & 1
			v = v>>1 | carry<<7
		case 2: // RL
			carry = v >> 7
			v = v<<1 | z.F&z80C
		case 3: // RR
			carry = v & 1
			v = v>>1 | (z.F&z80C)<<7
		case 4: // SLA
			carry = v >> 7
			v <<= 1
		case 5: // SRA
			carry = v & 1
			v = byte(int8(v) >> 1)
		case 6: // SLL (undocumented; shifts in a 1)
			carry = v >> 7
			v = v<<1 | 1
		default: // SRL
			carry = v & 1
			v >>= 1
		}
		z.F = c.z80SZP(v) | carry
		c.z80RegSet(r, v)
	case 1: // BIT b,r
		f := z.F&z80C | z80H
		if v&(1<<bit) == 0 {
			f |= z80Z | z80P
		}
		if bit == 7 && v&0x80 != 0 {
			f |= z80S
		}
		z.F = f
	case 2: // RES b,r
		c.z80RegSet(r, v&^(1<<bit))
	default: // SET b,r
		c.z80RegSet(r, v|1<<bit)
	}
	return true
}

// z80ExecED is the ED-prefixed system page subset the µPD9002's Z80
// mode needs: interrupt-mode selects, the I/R register moves (LD A,R
// intercepted on the µPD9002), NEG, and the return-from-interrupt pair.
func (c *CPU) z80ExecED() bool {
	z := &c.State.Z80
	op, ok := c.z80Fetch8()
	if !ok {
		return true
	}
	switch op {
	case 0x44: // NEG
		v := z.A
		z.A = 0
		c.z80ALU(2, v)
	case 0x46:
		z.IM = 0
	case 0x56:
		z.IM = 1
	case 0x5E:
		z.IM = 2
	case 0x47: // LD I,A
		z.I = z.A
	case 0x4F: // LD R,A
		z.R = z.A
	case 0x57: // LD A,I
		z.A = z.I
		z.F = z.F&z80C | c.z80SZP(z.A)&^z80P | boolByte(z.IFF2, z80P)
	case 0x5F: // LD A,R
		if c.Traits.CPU == traits.CPUUPD9002 {
			c.z80Intercept(0x7E)
			return true
		}
		z.A = z.R
		z.F = z.F&z80C | c.z80SZP(z.A)&^z80P | boolByte(z.IFF2, z80P)
	case 0x4D: // RETI
		if addr, ok := c.z80Pop(); ok {
			z.PC = addr
		}
	case 0x45: // RETN
		z.IFF1 = z.IFF2
		if addr, ok := c.z80Pop(); ok {
			z.PC = addr
		}
	default:
		return false
	}
	return true
}

func boolByte(b bool, mask byte) byte {
	if b {
		return mask
	}
	return 0
}
