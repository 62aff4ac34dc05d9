package exec

import (
	"github.com/BinaryMelodies/x86-emulator-core/decode"
	"github.com/BinaryMelodies/x86-emulator-core/state"
)

// codeSize resolves the default operand/address discipline of the
// current CS: 64-bit when the engine runs long-mode code, otherwise
// CS.D selects between the 32- and 16-bit defaults.
func (c *CPU) codeSize() decode.CodeSize {
	if c.mode64 {
		return decode.Code64
	}
	if c.State.Segs.Regs[state.SegCS].Descriptor.Access.Big {
		return decode.Code32
	}
	return decode.Code16
}

// operandSize resolves the effective operand width in bytes: REX.W
// forces 64 bits, the 0x66 prefix toggles between the code segment's
// default and its alternate, per the architectural size rules.
func (c *CPU) operandSize(inst decode.Instruction) int {
	if c.mode64 && inst.Prefixes.RexW {
		return 8
	}
	if c.codeSize() == decode.Code16 {
		if inst.Prefixes.OperandSize {
			return 4
		}
		return 2
	}
	if inst.Prefixes.OperandSize {
		return 2
	}
	return 4
}

// addrBits resolves the effective address width, honoring the 0x67
// prefix against the code segment's default.
func (c *CPU) addrBits(inst decode.Instruction) int {
	return decode.EffectiveAddrBits(c.codeSize(), inst.Prefixes.AddrSize)
}

// stackSize is the width of an implicit stack push/pop: the operand
// size in legacy modes, always 8 in 64-bit mode (where PUSH/POP ignore
// a 32-bit operand-size override).
func (c *CPU) stackSize(inst decode.Instruction) int {
	if c.mode64 {
		return 8
	}
	return c.operandSize(inst)
}

// immSizeFor caps a full-width immediate at 4 bytes: 64-bit operand
// forms still carry imm32 (sign-extended) everywhere except MOV
// reg, imm64.
func immSizeFor(size int) int {
	if size > 4 {
		return 4
	}
	return size
}
