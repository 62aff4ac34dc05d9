package exec

import (
	"github.com/BinaryMelodies/x86-emulator-core/decode"
	"github.com/BinaryMelodies/x86-emulator-core/state"
	"github.com/BinaryMelodies/x86-emulator-core/traits"
)

// initOneByteOps builds the one-byte opcode-map dispatch table, one
// table slot per opcode; several groups share one generic method
// (aluRMtoReg/aluRegFromRM/aluAccImm) closed over the ALU kind and
// operand size instead of one opXXX per opcode, since those forms are
// genuinely parameterized rather than distinct behaviors. Opcodes a
// model's generation lacks simply get no table entry, which Step
// routes through the trait-selected #UD / silent-ignore path.
func (c *CPU) initOneByteOps() {
	level := c.Traits.CPU.Level()

	aluGroup := func(base byte, kind aluKind) {
		c.oneByte[base+0x00] = func(cc *CPU, inst decode.Instruction) { cc.aluRMtoReg(kind, inst, 1) }
		c.oneByte[base+0x01] = func(cc *CPU, inst decode.Instruction) { cc.aluRMtoReg(kind, inst, cc.operandSize(inst)) }
		c.oneByte[base+0x02] = func(cc *CPU, inst decode.Instruction) { cc.aluRegFromRM(kind, inst, 1) }
		c.oneByte[base+0x03] = func(cc *CPU, inst decode.Instruction) { cc.aluRegFromRM(kind, inst, cc.operandSize(inst)) }
		c.oneByte[base+0x04] = func(cc *CPU, inst decode.Instruction) { cc.aluAccImm(kind, 1, cc.fetchImm(1)) }
		c.oneByte[base+0x05] = func(cc *CPU, inst decode.Instruction) {
			size := cc.operandSize(inst)
			var imm uint64
			if size == 8 {
				imm = cc.fetchImmSignExtended(4, 8)
			} else {
				imm = cc.fetchImm(size)
			}
			cc.aluAccImm(kind, size, imm)
		}
	}
	aluGroup(0x00, aluADD)
	aluGroup(0x08, aluOR)
	aluGroup(0x10, aluADC)
	aluGroup(0x18, aluSBB)
	aluGroup(0x20, aluAND)
	aluGroup(0x28, aluSUB)
	aluGroup(0x30, aluXOR)
	aluGroup(0x38, aluCMP)

	// Segment push/pop shorthand forms.
	segShort := map[byte]int{0x06: state.SegES, 0x0E: state.SegCS, 0x16: state.SegSS, 0x1E: state.SegDS}
	for op, seg := range segShort {
		s := seg
		c.oneByte[op] = func(cc *CPU, inst decode.Instruction) { cc.opPushSeg(inst, s) }
	}
	segPop := map[byte]int{0x07: state.SegES, 0x17: state.SegSS, 0x1F: state.SegDS}
	for op, seg := range segPop {
		s := seg
		c.oneByte[op] = func(cc *CPU, inst decode.Instruction) { cc.opPopSeg(inst, s) }
	}

	c.oneByte[0x27] = (*CPU).opDaa
	c.oneByte[0x2F] = (*CPU).opDas
	c.oneByte[0x37] = (*CPU).opAaa
	c.oneByte[0x3F] = (*CPU).opAas

	// 0x40-0x4F are INC/DEC reg outside 64-bit mode; inside it they are
	// REX prefixes decode strips before the opcode is seen.
	if !c.mode64 {
		for i := byte(0x40); i <= 0x4F; i++ {
			c.oneByte[i] = (*CPU).opIncDecReg
		}
	}

	for i := byte(0x50); i <= 0x57; i++ {
		c.oneByte[i] = (*CPU).opPush
	}
	for i := byte(0x58); i <= 0x5F; i++ {
		c.oneByte[i] = (*CPU).opPop
	}

	if level >= 1 {
		c.oneByte[0x60] = (*CPU).opPusha
		c.oneByte[0x61] = (*CPU).opPopa
		c.oneByte[0x62] = (*CPU).opBound
		c.oneByte[0x68] = func(cc *CPU, inst decode.Instruction) { cc.opPushImm(inst, 0) }
		c.oneByte[0x69] = func(cc *CPU, inst decode.Instruction) {
			size := cc.operandSize(inst)
			imm := cc.fetchImm(immSizeFor(size))
			cc.imul2op(inst, size, imm, true)
		}
		c.oneByte[0x6A] = func(cc *CPU, inst decode.Instruction) { cc.opPushImm(inst, 1) }
		c.oneByte[0x6B] = func(cc *CPU, inst decode.Instruction) {
			size := cc.operandSize(inst)
			imm := cc.fetchImmSignExtended(1, size)
			cc.imul2op(inst, size, imm, true)
		}
		c.oneByte[0x6C] = func(cc *CPU, inst decode.Instruction) { cc.opINS(inst, 1) }
		c.oneByte[0x6D] = func(cc *CPU, inst decode.Instruction) { cc.opINS(inst, cc.operandSize(inst)) }
		c.oneByte[0x6E] = func(cc *CPU, inst decode.Instruction) { cc.opOUTS(inst, 1) }
		c.oneByte[0x6F] = func(cc *CPU, inst decode.Instruction) { cc.opOUTS(inst, cc.operandSize(inst)) }
		c.oneByte[0xC0] = func(cc *CPU, inst decode.Instruction) { cc.opShiftGroup(inst, 1, countImm8) }
		c.oneByte[0xC1] = func(cc *CPU, inst decode.Instruction) { cc.opShiftGroup(inst, cc.operandSize(inst), countImm8) }
		c.oneByte[0xC8] = (*CPU).opEnter
		c.oneByte[0xC9] = (*CPU).opLeave
	}
	if level >= 2 {
		c.oneByte[0x63] = (*CPU).opArpl
	}

	for i := byte(0x70); i <= 0x7F; i++ {
		c.oneByte[i] = (*CPU).opJccRel8
	}

	c.oneByte[0x80] = func(cc *CPU, inst decode.Instruction) { cc.opGroup1(inst, 1, 1) }
	c.oneByte[0x81] = func(cc *CPU, inst decode.Instruction) {
		size := cc.operandSize(inst)
		cc.opGroup1(inst, size, immSizeFor(size))
	}
	if level < 3 {
		// 0x82 is an alias of 0x80 on pre-386 silicon; 386+ raises #UD.
		c.oneByte[0x82] = func(cc *CPU, inst decode.Instruction) { cc.opGroup1(inst, 1, 1) }
	}
	c.oneByte[0x83] = func(cc *CPU, inst decode.Instruction) { cc.opGroup1(inst, cc.operandSize(inst), 1) }

	c.oneByte[0x84] = func(cc *CPU, inst decode.Instruction) { cc.opTest(inst, 1) }
	c.oneByte[0x85] = func(cc *CPU, inst decode.Instruction) { cc.opTest(inst, cc.operandSize(inst)) }
	c.oneByte[0x86] = func(cc *CPU, inst decode.Instruction) { cc.opXchg(inst, 1) }
	c.oneByte[0x87] = func(cc *CPU, inst decode.Instruction) { cc.opXchg(inst, cc.operandSize(inst)) }

	c.oneByte[0x88] = func(cc *CPU, inst decode.Instruction) { cc.opMovRegToRM(inst, 1) }
	c.oneByte[0x89] = func(cc *CPU, inst decode.Instruction) { cc.opMovRegToRM(inst, cc.operandSize(inst)) }
	c.oneByte[0x8A] = func(cc *CPU, inst decode.Instruction) { cc.opMovRMtoReg(inst, 1) }
	c.oneByte[0x8B] = func(cc *CPU, inst decode.Instruction) { cc.opMovRMtoReg(inst, cc.operandSize(inst)) }
	c.oneByte[0x8C] = (*CPU).opMovSregToRM
	c.oneByte[0x8D] = (*CPU).opLea
	c.oneByte[0x8E] = (*CPU).opMovRMToSreg
	c.oneByte[0x8F] = (*CPU).opPopRM

	c.oneByte[0x90] = (*CPU).opNop
	for i := byte(0x91); i <= 0x97; i++ {
		c.oneByte[i] = (*CPU).opXchgAcc
	}
	c.oneByte[0x98] = (*CPU).opCbw
	c.oneByte[0x99] = (*CPU).opCwd
	if !c.mode64 {
		c.oneByte[0x9A] = func(cc *CPU, inst decode.Instruction) { cc.opCallJmpFarDirect(inst, true) }
	}
	c.oneByte[0x9B] = (*CPU).opWait
	c.oneByte[0x9C] = (*CPU).opPushf
	c.oneByte[0x9D] = (*CPU).opPopf
	c.oneByte[0x9E] = (*CPU).opSahf
	c.oneByte[0x9F] = (*CPU).opLahf

	c.oneByte[0xA0] = func(cc *CPU, inst decode.Instruction) { cc.opMovAccMoffs(inst, 1, true) }
	c.oneByte[0xA1] = func(cc *CPU, inst decode.Instruction) { cc.opMovAccMoffs(inst, cc.operandSize(inst), true) }
	c.oneByte[0xA2] = func(cc *CPU, inst decode.Instruction) { cc.opMovAccMoffs(inst, 1, false) }
	c.oneByte[0xA3] = func(cc *CPU, inst decode.Instruction) { cc.opMovAccMoffs(inst, cc.operandSize(inst), false) }

	c.oneByte[0xA4] = func(cc *CPU, inst decode.Instruction) { cc.opMOVS(inst, 1) }
	c.oneByte[0xA5] = func(cc *CPU, inst decode.Instruction) { cc.opMOVS(inst, cc.operandSize(inst)) }
	c.oneByte[0xA6] = func(cc *CPU, inst decode.Instruction) { cc.opCMPS(inst, 1) }
	c.oneByte[0xA7] = func(cc *CPU, inst decode.Instruction) { cc.opCMPS(inst, cc.operandSize(inst)) }
	c.oneByte[0xA8] = func(cc *CPU, inst decode.Instruction) { cc.opTestAccImm(inst, 1) }
	c.oneByte[0xA9] = func(cc *CPU, inst decode.Instruction) { cc.opTestAccImm(inst, cc.operandSize(inst)) }
	c.oneByte[0xAA] = func(cc *CPU, inst decode.Instruction) { cc.opSTOS(inst, 1) }
	c.oneByte[0xAB] = func(cc *CPU, inst decode.Instruction) { cc.opSTOS(inst, cc.operandSize(inst)) }
	c.oneByte[0xAC] = func(cc *CPU, inst decode.Instruction) { cc.opLODS(inst, 1) }
	c.oneByte[0xAD] = func(cc *CPU, inst decode.Instruction) { cc.opLODS(inst, cc.operandSize(inst)) }
	c.oneByte[0xAE] = func(cc *CPU, inst decode.Instruction) { cc.opSCAS(inst, 1) }
	c.oneByte[0xAF] = func(cc *CPU, inst decode.Instruction) { cc.opSCAS(inst, cc.operandSize(inst)) }

	for i := byte(0xB0); i <= 0xB7; i++ {
		c.oneByte[i] = func(cc *CPU, inst decode.Instruction) { cc.opMovRegImm(inst, 1) }
	}
	for i := byte(0xB8); i <= 0xBF; i++ {
		c.oneByte[i] = func(cc *CPU, inst decode.Instruction) { cc.opMovRegImm(inst, cc.operandSize(inst)) }
	}

	c.oneByte[0xC2] = (*CPU).opRetImm16
	c.oneByte[0xC3] = (*CPU).opRet
	if !c.mode64 {
		c.oneByte[0xC4] = func(cc *CPU, inst decode.Instruction) { cc.opLoadFarPointer(inst, state.SegES) }
		c.oneByte[0xC5] = func(cc *CPU, inst decode.Instruction) { cc.opLoadFarPointer(inst, state.SegDS) }
	}
	c.oneByte[0xC6] = func(cc *CPU, inst decode.Instruction) { cc.opMovRMImm(inst, 1) }
	c.oneByte[0xC7] = func(cc *CPU, inst decode.Instruction) { cc.opMovRMImm(inst, cc.operandSize(inst)) }
	c.oneByte[0xCA] = func(cc *CPU, inst decode.Instruction) { cc.opRetf(inst, true) }
	c.oneByte[0xCB] = func(cc *CPU, inst decode.Instruction) { cc.opRetf(inst, false) }
	c.oneByte[0xCC] = (*CPU).opInt3
	c.oneByte[0xCD] = (*CPU).opInt
	c.oneByte[0xCE] = (*CPU).opInto
	c.oneByte[0xCF] = (*CPU).opIret

	c.oneByte[0xD0] = func(cc *CPU, inst decode.Instruction) { cc.opShiftGroup(inst, 1, countOne) }
	c.oneByte[0xD1] = func(cc *CPU, inst decode.Instruction) { cc.opShiftGroup(inst, cc.operandSize(inst), countOne) }
	c.oneByte[0xD2] = func(cc *CPU, inst decode.Instruction) { cc.opShiftGroup(inst, 1, countCL) }
	c.oneByte[0xD3] = func(cc *CPU, inst decode.Instruction) { cc.opShiftGroup(inst, cc.operandSize(inst), countCL) }
	c.oneByte[0xD4] = (*CPU).opAam
	c.oneByte[0xD5] = (*CPU).opAad
	c.oneByte[0xD7] = (*CPU).opXlat

	for i := byte(0xD8); i <= 0xDF; i++ {
		c.oneByte[i] = escDispatch(i)
	}

	c.oneByte[0xE0] = (*CPU).opLoop
	c.oneByte[0xE1] = (*CPU).opLoop
	c.oneByte[0xE2] = (*CPU).opLoop
	c.oneByte[0xE3] = (*CPU).opJcxz
	c.oneByte[0xE4] = func(cc *CPU, inst decode.Instruction) { cc.opInImm(inst, 1) }
	c.oneByte[0xE5] = func(cc *CPU, inst decode.Instruction) { cc.opInImm(inst, cc.operandSize(inst)) }
	c.oneByte[0xE6] = func(cc *CPU, inst decode.Instruction) { cc.opOutImm(inst, 1) }
	c.oneByte[0xE7] = func(cc *CPU, inst decode.Instruction) { cc.opOutImm(inst, cc.operandSize(inst)) }
	c.oneByte[0xE8] = (*CPU).opCallRel
	c.oneByte[0xE9] = (*CPU).opJmpRel
	if !c.mode64 {
		c.oneByte[0xEA] = func(cc *CPU, inst decode.Instruction) { cc.opCallJmpFarDirect(inst, false) }
	}
	c.oneByte[0xEB] = (*CPU).opJmpRel8
	c.oneByte[0xEC] = func(cc *CPU, inst decode.Instruction) { cc.opInDX(inst, 1) }
	c.oneByte[0xED] = func(cc *CPU, inst decode.Instruction) { cc.opInDX(inst, cc.operandSize(inst)) }
	c.oneByte[0xEE] = func(cc *CPU, inst decode.Instruction) { cc.opOutDX(inst, 1) }
	c.oneByte[0xEF] = func(cc *CPU, inst decode.Instruction) { cc.opOutDX(inst, cc.operandSize(inst)) }

	c.oneByte[0xF1] = (*CPU).opIcebp
	c.oneByte[0xF4] = (*CPU).opHlt
	c.oneByte[0xF5] = (*CPU).opCmc
	c.oneByte[0xF6] = func(cc *CPU, inst decode.Instruction) { cc.opGroup3(inst, 1) }
	c.oneByte[0xF7] = func(cc *CPU, inst decode.Instruction) { cc.opGroup3(inst, cc.operandSize(inst)) }
	c.oneByte[0xF8] = (*CPU).opClc
	c.oneByte[0xF9] = (*CPU).opStc
	c.oneByte[0xFA] = (*CPU).opCli
	c.oneByte[0xFB] = (*CPU).opSti
	c.oneByte[0xFC] = (*CPU).opCld
	c.oneByte[0xFD] = (*CPU).opStd
	c.oneByte[0xFE] = (*CPU).opGroup4
	c.oneByte[0xFF] = (*CPU).opGroup5
}

// escDispatch routes one x87 escape byte to its page handler.
func escDispatch(op byte) func(*CPU, decode.Instruction) {
	switch op {
	case 0xD8:
		return (*CPU).opEscD8
	case 0xD9:
		return (*CPU).opEscD9
	case 0xDA, 0xDE:
		return (*CPU).opEscDADE
	case 0xDB:
		return (*CPU).opEscDB
	case 0xDC:
		return (*CPU).opEscDC
	case 0xDD:
		return (*CPU).opEscDD
	default:
		return (*CPU).opEscDF
	}
}

// initTwoByteOps builds the 0x0F-prefixed map. The NEC V25/V55 use
// this space for their own system opcodes and predate every 386-class
// entry, so their wiring happens first and returns early.
func (c *CPU) initTwoByteOps() {
	if c.Traits.CPU == traits.CPUV25 || c.Traits.CPU == traits.CPUV55 {
		c.twoByte[0x92] = (*CPU).opFint
		c.twoByte[0x9E] = (*CPU).opStop
		return
	}

	level := c.Traits.CPU.Level()
	if level < 2 {
		return // pre-286: no 0F map at all (0F decodes as POP CS on real 8086, out of scope here)
	}

	c.twoByte[0x00] = (*CPU).opGroup6
	c.twoByte[0x01] = (*CPU).opGroup7
	c.twoByte[0x02] = func(cc *CPU, inst decode.Instruction) { cc.opLarLsl(inst, false) }
	c.twoByte[0x03] = func(cc *CPU, inst decode.Instruction) { cc.opLarLsl(inst, true) }
	c.twoByte[0x06] = (*CPU).opClts

	if level < 3 {
		return
	}

	c.twoByte[0x08] = (*CPU).opInvdWbinvd
	c.twoByte[0x09] = (*CPU).opInvdWbinvd
	c.twoByte[0x20] = (*CPU).opMovFromCR
	c.twoByte[0x21] = (*CPU).opMovFromDR
	c.twoByte[0x22] = (*CPU).opMovToCR
	c.twoByte[0x23] = (*CPU).opMovToDR

	for i := byte(0x80); i <= 0x8F; i++ {
		c.twoByte[i] = (*CPU).opJccRelNear
	}
	for i := byte(0x90); i <= 0x9F; i++ {
		c.twoByte[i] = (*CPU).opSetcc
	}

	c.twoByte[0xA0] = func(cc *CPU, inst decode.Instruction) { cc.opPushSeg(inst, state.SegFS) }
	c.twoByte[0xA1] = func(cc *CPU, inst decode.Instruction) { cc.opPopSeg(inst, state.SegFS) }
	c.twoByte[0xA3] = func(cc *CPU, inst decode.Instruction) { cc.opBitOp(inst, bitTest) }
	c.twoByte[0xA4] = func(cc *CPU, inst decode.Instruction) { cc.opShld(inst, cc.operandSize(inst), countImm8) }
	c.twoByte[0xA5] = func(cc *CPU, inst decode.Instruction) { cc.opShld(inst, cc.operandSize(inst), countCL) }
	c.twoByte[0xA8] = func(cc *CPU, inst decode.Instruction) { cc.opPushSeg(inst, state.SegGS) }
	c.twoByte[0xA9] = func(cc *CPU, inst decode.Instruction) { cc.opPopSeg(inst, state.SegGS) }
	c.twoByte[0xAB] = func(cc *CPU, inst decode.Instruction) { cc.opBitOp(inst, bitSet) }
	c.twoByte[0xAC] = func(cc *CPU, inst decode.Instruction) { cc.opShrd(inst, cc.operandSize(inst), countImm8) }
	c.twoByte[0xAD] = func(cc *CPU, inst decode.Instruction) { cc.opShrd(inst, cc.operandSize(inst), countCL) }
	c.twoByte[0xAF] = func(cc *CPU, inst decode.Instruction) {
		cc.imul2op(inst, cc.operandSize(inst), 0, false)
	}
	c.twoByte[0xB2] = func(cc *CPU, inst decode.Instruction) { cc.opLoadFarPointer(inst, state.SegSS) }
	c.twoByte[0xB3] = func(cc *CPU, inst decode.Instruction) { cc.opBitOp(inst, bitReset) }
	c.twoByte[0xB4] = func(cc *CPU, inst decode.Instruction) { cc.opLoadFarPointer(inst, state.SegFS) }
	c.twoByte[0xB5] = func(cc *CPU, inst decode.Instruction) { cc.opLoadFarPointer(inst, state.SegGS) }
	c.twoByte[0xB6] = func(cc *CPU, inst decode.Instruction) { cc.opMovx(inst, 1, false) }
	c.twoByte[0xB7] = func(cc *CPU, inst decode.Instruction) { cc.opMovx(inst, 2, false) }
	c.twoByte[0xBA] = (*CPU).opGroup8
	c.twoByte[0xBB] = func(cc *CPU, inst decode.Instruction) { cc.opBitOp(inst, bitComplement) }
	c.twoByte[0xBC] = (*CPU).opBsf
	c.twoByte[0xBD] = (*CPU).opBsr
	c.twoByte[0xBE] = func(cc *CPU, inst decode.Instruction) { cc.opMovx(inst, 1, true) }
	c.twoByte[0xBF] = func(cc *CPU, inst decode.Instruction) { cc.opMovx(inst, 2, true) }
	if c.Traits.HasCap(traits.CapMultiByteNOP) {
		c.twoByte[0x1F] = (*CPU).opNopModRM
	}

	if level < 4 {
		return
	}

	c.twoByte[0xB0] = func(cc *CPU, inst decode.Instruction) { cc.opCmpxchg(inst, 1) }
	c.twoByte[0xB1] = func(cc *CPU, inst decode.Instruction) { cc.opCmpxchg(inst, cc.operandSize(inst)) }
	c.twoByte[0xC0] = func(cc *CPU, inst decode.Instruction) { cc.opXadd(inst, 1) }
	c.twoByte[0xC1] = func(cc *CPU, inst decode.Instruction) { cc.opXadd(inst, cc.operandSize(inst)) }
	for i := byte(0xC8); i <= 0xCF; i++ {
		c.twoByte[i] = (*CPU).opBswap
	}
	if c.Traits.SMMFormat != traits.SMMNone {
		c.twoByte[0xAA] = (*CPU).opRsm
	}
	if c.Traits.HasCap(traits.CapCPUID) {
		c.twoByte[0xA2] = (*CPU).opCpuid
	}

	if level < 5 {
		return
	}

	c.twoByte[0x30] = (*CPU).opWrmsr
	c.twoByte[0x31] = (*CPU).opRdtsc
	c.twoByte[0x32] = (*CPU).opRdmsr
	if c.Traits.HasCap(traits.CapRDPMC) {
		c.twoByte[0x33] = (*CPU).opRdpmc
	}
	c.twoByte[0x34] = (*CPU).opSysenter
	c.twoByte[0x35] = (*CPU).opSysexit
	if c.Traits.CPU == traits.CPUAMD {
		c.twoByte[0x05] = (*CPU).opSyscall
		c.twoByte[0x07] = (*CPU).opSysret
	}
	for i := byte(0x40); i <= 0x4F; i++ {
		c.twoByte[i] = (*CPU).opCmovcc
	}
}
