package exec

import (
	"testing"

	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/state"
	"github.com/BinaryMelodies/x86-emulator-core/traits"
)

type testBus struct {
	mem [1 << 20]byte
}

func (b *testBus) Read(addr uint64) byte               { return b.mem[addr&0xFFFFF] }
func (b *testBus) Write(addr uint64, v byte)            { b.mem[addr&0xFFFFF] = v }
func (b *testBus) In(port uint16, width int) uint32     { return 0xA5 }
func (b *testBus) Out(port uint16, width int, v uint32) {}

type testDescSource struct{ b *testBus }

func (d testDescSource) FetchDescriptor(tableBase uint64, index int) ([8]byte, bool) {
	var out [8]byte
	for i := range out {
		out[i] = d.b.Read(tableBase + uint64(index)*8 + uint64(i))
	}
	return out, true
}

// newRealModeCPU builds a CPU parked in 16-bit real mode at CS:0x100
// with a flat zero-based segment file, the shape every test in this
// file starts from.
func newRealModeCPU(t *testing.T, cpu traits.CPUType) (*CPU, *testBus) {
	t.Helper()
	b := &testBus{}
	st := &state.State{}
	st.Reset(true)
	for i := 0; i < state.NumSeg; i++ {
		st.Segs.Regs[i] = state.SegReg{Selector: 0, Descriptor: state.LoadReal(0)}
	}
	mem := &bus.Memory{Bus: b, Walker: &bus.PageWalker{Bus: b}, Map: &bus.Map{}}
	c := NewCPU(st, mem, testDescSource{b: b}, nil, traits.MustLookup(cpu), false)
	st.GPR.Write64(state.RegSP, 0x8000)
	st.XIP = 0x100
	return c, b
}

func load(b *testBus, addr uint64, code ...byte) {
	for i, v := range code {
		b.mem[addr+uint64(i)] = v
	}
}

func step(t *testing.T, c *CPU) Result {
	t.Helper()
	res, err := c.Step()
	if err != nil && res != ResultCPUInterrupt {
		t.Fatalf("unexpected step error: %v", err)
	}
	return res
}

func TestIncPreservesCarry(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0x40) // INC AX
	c.State.GPR.Write16(state.RegAX, 0xFFFF)
	c.State.Flags.SetCF(true)

	if res := step(t, c); res != ResultSuccess {
		t.Fatalf("got %v", res)
	}
	if c.State.GPR.Read16(state.RegAX) != 0 {
		t.Fatalf("AX should wrap to 0")
	}
	if !c.State.Flags.IsZF() || !c.State.Flags.IsCF() {
		t.Fatalf("INC must set ZF but preserve CF")
	}
}

func TestGroup1SubImmediate(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0x83, 0xE8, 0x05) // SUB AX, 5 (sign-extended imm8)
	c.State.GPR.Write16(state.RegAX, 3)

	step(t, c)
	if got := c.State.GPR.Read16(state.RegAX); got != 0xFFFE {
		t.Fatalf("AX: got %#x want 0xFFFE", got)
	}
	if !c.State.Flags.IsCF() || !c.State.Flags.IsSF() {
		t.Fatalf("borrow should set CF and SF")
	}
}

func TestMulDivRoundTrip(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	// MUL CX then DIV CX should return AX to its original value.
	load(b, 0x100, 0xF7, 0xE1) // MUL CX
	load(b, 0x102, 0xF7, 0xF1) // DIV CX
	c.State.GPR.Write16(state.RegAX, 1234)
	c.State.GPR.Write16(state.RegCX, 567)

	step(t, c)
	full := uint32(1234) * 567
	if got := uint32(c.State.GPR.Read16(state.RegDX))<<16 | uint32(c.State.GPR.Read16(state.RegAX)); got != full {
		t.Fatalf("DX:AX = %#x, want %#x", got, full)
	}
	step(t, c)
	if got := c.State.GPR.Read16(state.RegAX); got != 1234 {
		t.Fatalf("quotient: got %d want 1234", got)
	}
	if got := c.State.GPR.Read16(state.RegDX); got != 0 {
		t.Fatalf("remainder: got %d want 0", got)
	}
}

func TestDivideByZeroRaisesVectorZero(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0xF7, 0xF1) // DIV CX with CX=0
	c.State.GPR.Write16(state.RegAX, 0x1000)

	res, err := c.Step()
	if res != ResultCPUInterrupt {
		t.Fatalf("got %v", res)
	}
	flt, ok := err.(*bus.Fault)
	if !ok || flt.Vector != 0 {
		t.Fatalf("expected #DE fault, got %v", err)
	}
	if c.State.XIP != 0x100 {
		t.Fatalf("faulting DIV must restore xIP, got %#x", c.State.XIP)
	}
}

func TestShlSetsCarryFromLastBitOut(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0xD1, 0xE0) // SHL AX, 1
	c.State.GPR.Write16(state.RegAX, 0x8001)

	step(t, c)
	if got := c.State.GPR.Read16(state.RegAX); got != 0x0002 {
		t.Fatalf("AX: got %#x", got)
	}
	if !c.State.Flags.IsCF() {
		t.Fatalf("CF should capture the shifted-out sign bit")
	}
	if !c.State.Flags.IsOF() {
		t.Fatalf("1-bit SHL with sign change must set OF")
	}
}

func TestRolRotatesThroughWidth(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU186)
	load(b, 0x100, 0xC0, 0xC0, 0x04) // ROL AL, 4
	c.State.GPR.Write8Low(state.RegAX, 0xF0)

	step(t, c)
	if got := c.State.GPR.Read8Low(state.RegAX); got != 0x0F {
		t.Fatalf("AL: got %#x want 0x0F", got)
	}
}

func TestLea16BitForms(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0x8D, 0x40, 0x05) // LEA AX, [BX+SI+5]
	c.State.GPR.Write16(state.RegBX, 0x1000)
	c.State.GPR.Write16(state.RegSI, 0x0200)

	step(t, c)
	if got := c.State.GPR.Read16(state.RegAX); got != 0x1205 {
		t.Fatalf("LEA result: got %#x want 0x1205", got)
	}
}

func TestMovThroughBPUsesStackSegment(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	// MOV AX, [BP+2] with SS based at 0x2000 must read from SS, not DS.
	c.State.Segs.Regs[state.SegSS] = state.SegReg{Selector: 0x200, Descriptor: state.LoadReal(0x200)}
	load(b, 0x100, 0x8B, 0x46, 0x02) // MOV AX, [BP+2]
	c.State.GPR.Write16(state.RegBP, 0x10)
	b.mem[0x2000+0x12] = 0x34
	b.mem[0x2000+0x13] = 0x12

	step(t, c)
	if got := c.State.GPR.Read16(state.RegAX); got != 0x1234 {
		t.Fatalf("got %#x want 0x1234", got)
	}
}

func TestHighByteRegisterAliases(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0x88, 0xE3) // MOV BL, AH
	c.State.GPR.Write16(state.RegAX, 0xBEEF)

	step(t, c)
	if got := c.State.GPR.Read8Low(state.RegBX); got != 0xBE {
		t.Fatalf("BL should receive AH: got %#x", got)
	}
}

func TestDaaAdjustsAfterPackedAdd(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	// 0x19 + 0x28 = 0x41 binary; DAA corrects to 0x47 packed BCD.
	load(b, 0x100, 0x27) // DAA
	c.State.GPR.Write8Low(state.RegAX, 0x41)
	c.State.Flags.SetAF(true)

	step(t, c)
	if got := c.State.GPR.Read8Low(state.RegAX); got != 0x47 {
		t.Fatalf("DAA: got %#x want 0x47", got)
	}
}

func TestPushfPopfRoundTrip(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0x9C) // PUSHF
	load(b, 0x101, 0x9D) // POPF
	c.State.Flags.SetCF(true)
	c.State.Flags.SetZF(true)
	c.State.Flags.SetSF(true)
	before := c.State.Flags.Pack()

	step(t, c)
	c.State.Flags.Unpack(0)
	step(t, c)
	if got := c.State.Flags.Pack(); got != before {
		t.Fatalf("PUSHF/POPF must round-trip: got %#x want %#x", got, before)
	}
}

func TestXchgAccumulatorShortForm(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0x93) // XCHG AX, BX
	c.State.GPR.Write16(state.RegAX, 0x1111)
	c.State.GPR.Write16(state.RegBX, 0x2222)

	step(t, c)
	if c.State.GPR.Read16(state.RegAX) != 0x2222 || c.State.GPR.Read16(state.RegBX) != 0x1111 {
		t.Fatalf("XCHG failed")
	}
}

func TestLoopDecrementsAndBranches(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0xE2, 0xFE) // LOOP $ (self)
	c.State.GPR.Write16(state.RegCX, 3)

	step(t, c)
	if c.State.XIP != 0x100 {
		t.Fatalf("LOOP should branch back while CX>0, XIP=%#x", c.State.XIP)
	}
	if c.State.GPR.Read16(state.RegCX) != 2 {
		t.Fatalf("CX should decrement")
	}
	step(t, c)
	step(t, c)
	if c.State.XIP != 0x102 {
		t.Fatalf("LOOP should fall through at CX==0, XIP=%#x", c.State.XIP)
	}
}

func TestCallRetNear(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0xE8, 0x10, 0x00) // CALL +0x10 -> 0x113
	load(b, 0x113, 0xC3)             // RET
	step(t, c)
	if c.State.XIP != 0x113 {
		t.Fatalf("CALL target: got %#x", c.State.XIP)
	}
	step(t, c)
	if c.State.XIP != 0x103 {
		t.Fatalf("RET should return past the CALL: got %#x", c.State.XIP)
	}
}

func TestFarCallPushesCSAndReturnsViaRetf(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0x9A, 0x00, 0x02, 0x00, 0x03) // CALL 0x0300:0x0200
	load(b, 0x3000+0x200, 0xCB)                  // RETF
	step(t, c)
	if c.State.Segs.Regs[state.SegCS].Selector != 0x0300 || c.State.XIP != 0x200 {
		t.Fatalf("far call landed at %#x:%#x", c.State.Segs.Regs[state.SegCS].Selector, c.State.XIP)
	}
	if c.State.Segs.Regs[state.SegCS].Descriptor.Base != 0x3000 {
		t.Fatalf("real-mode CS reload must recompute the cached base")
	}
	step(t, c)
	if c.State.Segs.Regs[state.SegCS].Selector != 0 || c.State.XIP != 0x105 {
		t.Fatalf("RETF returned to %#x:%#x", c.State.Segs.Regs[state.SegCS].Selector, c.State.XIP)
	}
}

func TestMovSregRefillsDescriptorCache(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0x8E, 0xD8) // MOV DS, AX
	c.State.GPR.Write16(state.RegAX, 0x1234)

	step(t, c)
	ds := c.State.Segs.Regs[state.SegDS]
	if ds.Selector != 0x1234 || ds.Descriptor.Base != 0x12340 {
		t.Fatalf("selector load must refill the cache: sel=%#x base=%#x", ds.Selector, ds.Descriptor.Base)
	}
}

func TestMovToSSInhibitsInterrupts(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0x8E, 0xD0) // MOV SS, AX
	if res := step(t, c); res != ResultInhibitInterrupts {
		t.Fatalf("MOV SS must arm the interrupt shadow, got %v", res)
	}
}

func TestInOutThroughPortBus(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0xE4, 0x60) // IN AL, 0x60
	step(t, c)
	if got := c.State.GPR.Read8Low(state.RegAX); got != 0xA5 {
		t.Fatalf("IN should read the port bus: got %#x", got)
	}
}

func TestMovzxMovsx(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU386)
	load(b, 0x100, 0x0F, 0xB6, 0xC3) // MOVZX AX, BL
	load(b, 0x103, 0x0F, 0xBE, 0xCB) // MOVSX CX, BL
	c.State.GPR.Write8Low(state.RegBX, 0x80)

	step(t, c)
	if got := c.State.GPR.Read16(state.RegAX); got != 0x0080 {
		t.Fatalf("MOVZX: got %#x", got)
	}
	step(t, c)
	if got := c.State.GPR.Read16(state.RegCX); got != 0xFF80 {
		t.Fatalf("MOVSX: got %#x", got)
	}
}

func TestSetccWritesConditionByte(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU386)
	load(b, 0x100, 0x0F, 0x94, 0xC0) // SETZ AL
	c.State.Flags.SetZF(true)
	step(t, c)
	if got := c.State.GPR.Read8Low(state.RegAX); got != 1 {
		t.Fatalf("SETZ: got %d", got)
	}
}

func TestBtsSetsBitAndCarry(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU386)
	load(b, 0x100, 0x0F, 0xAB, 0xC8) // BTS AX, CX
	c.State.GPR.Write16(state.RegAX, 0)
	c.State.GPR.Write16(state.RegCX, 5)

	step(t, c)
	if got := c.State.GPR.Read16(state.RegAX); got != 1<<5 {
		t.Fatalf("BTS: got %#x", got)
	}
	if c.State.Flags.IsCF() {
		t.Fatalf("CF should report the bit's prior value (0)")
	}
}

func TestUndefinedTwoByteOn8086IsReported(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	load(b, 0x100, 0x0F, 0xB6, 0xC3) // MOVZX does not exist on 8086
	if res := step(t, c); res != ResultUndefined {
		t.Fatalf("got %v", res)
	}
	if c.State.XIP != 0x100 {
		t.Fatalf("undefined opcode must leave xIP at the instruction start")
	}
}

func TestPrefetchQueueServesStaleBytes(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU8086)
	// MOV byte [0x105], 0x90 overwrites the HLT that follows it, but the
	// 8086's prefetch queue already holds the old byte: the HLT still
	// executes (the classic 8086 self-modifying-code anomaly).
	load(b, 0x100, 0xC6, 0x06, 0x05, 0x01, 0x90) // MOV byte [0x0105], 0x90
	load(b, 0x105, 0xF4)                         // HLT

	step(t, c)
	if b.mem[0x105] != 0x90 {
		t.Fatalf("the store must reach memory")
	}
	if res := step(t, c); res != ResultHalt {
		t.Fatalf("stale prefetched HLT must execute, got %v", res)
	}
}

func TestPrefetchDisabledSeesFreshBytes(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPUV60) // prefetch queue size 0
	load(b, 0x100, 0xC6, 0x06, 0x05, 0x01, 0x90)
	load(b, 0x105, 0xF4)

	step(t, c)
	if res := step(t, c); res != ResultSuccess {
		t.Fatalf("queue-less model must execute the fresh NOP, got %v", res)
	}
}

func TestZ80CoreArithmeticAndStack(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPUUPD9002)
	z := &c.State.Z80
	z.PC = 0x400
	z.SP = 0x7000
	load(b, 0x400,
		0x3E, 0x10, // LD A, 0x10
		0x06, 0x22, // LD B, 0x22
		0x80,       // ADD A, B
		0xF5,       // PUSH AF
		0x3E, 0x00, // LD A, 0
		0xF1, // POP AF
	)
	for i := 0; i < 6; i++ {
		if res, _ := c.Z80Step(); res != ResultSuccess {
			t.Fatalf("step %d: %v", i, res)
		}
	}
	if z.A != 0x32 {
		t.Fatalf("A: got %#x want 0x32", z.A)
	}
	if z.F&z80C != 0 || z.F&z80Z != 0 {
		t.Fatalf("0x10+0x22 must clear C and Z")
	}
}

func TestZ80RelativeJumpAndDjnz(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPUUPD9002)
	z := &c.State.Z80
	z.PC = 0x400
	z.B = 2
	load(b, 0x400, 0x10, 0xFE) // DJNZ $ (self)
	c.Z80Step()
	if z.PC != 0x400 || z.B != 1 {
		t.Fatalf("first DJNZ should loop: PC=%#x B=%d", z.PC, z.B)
	}
	c.Z80Step()
	if z.PC != 0x402 || z.B != 0 {
		t.Fatalf("second DJNZ should fall through: PC=%#x B=%d", z.PC, z.B)
	}
}

func TestZ80MemoryMatrixThroughHL(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPUUPD9002)
	z := &c.State.Z80
	z.PC = 0x400
	z.SetHL(0x5000)
	b.mem[0x5000] = 0x7B
	load(b, 0x400, 0x7E) // LD A,(HL)
	c.Z80Step()
	if z.A != 0x7B {
		t.Fatalf("LD A,(HL): got %#x", z.A)
	}
}

func TestUPD9002InterceptsZ80IO(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPUUPD9002)
	z := &c.State.Z80
	z.PC = 0x400
	load(b, 0x400, 0xDB, 0x42) // IN A,(0x42)
	res, _ := c.Z80Step()
	if res != ResultCPUInterrupt {
		t.Fatalf("µPD9002 must intercept Z80 IN, got %v", res)
	}
	if !c.PendingSoftwareInterrupt || c.PendingVector != 0x7C {
		t.Fatalf("expected intercept vector 0x7C, got %#x", c.PendingVector)
	}
	if z.PC != 0x400 {
		t.Fatalf("intercept must rewind PC to the IN instruction")
	}
}

func TestZ80CBBitOps(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPUUPD9002)
	z := &c.State.Z80
	z.PC = 0x400
	z.B = 0x00
	load(b, 0x400, 0xCB, 0xC0) // SET 0,B
	load(b, 0x402, 0xCB, 0x40) // BIT 0,B
	c.Z80Step()
	if z.B != 0x01 {
		t.Fatalf("SET 0,B: got %#x", z.B)
	}
	c.Z80Step()
	if z.F&z80Z != 0 {
		t.Fatalf("BIT 0,B with the bit set must clear Z")
	}
}

func TestX87AddStoreRoundTrip(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU386)
	// FLD1; FLD1; FADDP -> 2.0; FSTP dword [0x500]
	load(b, 0x100,
		0xD9, 0xE8, // FLD1
		0xD9, 0xE8, // FLD1
		0xDE, 0xC1, // FADDP ST(1), ST
		0xD9, 0x1E, 0x00, 0x05, // FSTP dword [0x0500]
	)
	for i := 0; i < 4; i++ {
		if res := step(t, c); res != ResultSuccess {
			t.Fatalf("step %d: %v", i, res)
		}
	}
	bits := uint32(b.mem[0x500]) | uint32(b.mem[0x501])<<8 | uint32(b.mem[0x502])<<16 | uint32(b.mem[0x503])<<24
	if bits != 0x40000000 { // float32(2.0)
		t.Fatalf("FSTP image: got %#x", bits)
	}
	if top := (c.State.X87.FSW & state.FSWTopMask) >> state.FSWTopShift; top != 0 {
		t.Fatalf("stack should be empty again (top back to 0, got %d)", top)
	}
}

func TestX87StackUnderflowSetsInvalid(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU386)
	load(b, 0x100, 0xDD, 0xD8) // FSTP ST(0) with empty stack
	step(t, c)
	if c.State.X87.FSW&state.FSWIE == 0 {
		t.Fatalf("underflow must set IE")
	}
}

func TestFnstswAX(t *testing.T) {
	c, b := newRealModeCPU(t, traits.CPU386)
	load(b, 0x100, 0xDF, 0xE0) // FNSTSW AX
	c.State.X87.FSW = 0x1234
	step(t, c)
	if got := c.State.GPR.Read16(state.RegAX); got != 0x1234 {
		t.Fatalf("FNSTSW AX: got %#x", got)
	}
}
