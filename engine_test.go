package x86core

import (
	"testing"

	"github.com/BinaryMelodies/x86-emulator-core/coproc"
	"github.com/BinaryMelodies/x86-emulator-core/decode"
	"github.com/BinaryMelodies/x86-emulator-core/state"
	"github.com/BinaryMelodies/x86-emulator-core/traits"
)

type engTestBus struct {
	mem [1 << 20]byte
}

func (b *engTestBus) Read(addr uint64) byte               { return b.mem[addr&0xFFFFF] }
func (b *engTestBus) Write(addr uint64, v byte)            { b.mem[addr&0xFFFFF] = v }
func (b *engTestBus) In(port uint16, width int) uint32     { return 0 }
func (b *engTestBus) Out(port uint16, width int, v uint32) {}

func realModeEngine(t *testing.T, cpu traits.CPUType) (*Engine, *engTestBus) {
	t.Helper()
	b := &engTestBus{}
	e := NewEngine(cpu, b, nil, false)
	e.State.Segs.Regs[state.SegCS] = state.SegReg{Selector: 0, Descriptor: state.LoadReal(0)}
	e.State.Segs.Regs[state.SegSS] = state.SegReg{Selector: 0, Descriptor: state.LoadReal(0)}
	e.State.GPR.Write64(state.RegSP, 0x1000)
	e.State.XIP = 0x100
	return e, b
}

func TestStepSuccessAdvancesXIP(t *testing.T) {
	e, b := realModeEngine(t, traits.CPU8086)
	b.Write(0x100, 0x90) // NOP

	if got := e.Step(); got != ResultSuccess {
		t.Fatalf("expected ResultSuccess, got %v", got)
	}
	if e.State.XIP != 0x101 {
		t.Fatalf("expected XIP to advance past NOP, got %#x", e.State.XIP)
	}
}

func TestStepHalt(t *testing.T) {
	e, b := realModeEngine(t, traits.CPU8086)
	b.Write(0x100, 0xF4) // HLT

	if got := e.Step(); got != ResultHalt {
		t.Fatalf("expected ResultHalt, got %v", got)
	}
	if e.State.RunState() != state.Halted {
		t.Fatalf("expected run state Halted")
	}
}

func TestStepSoftwareInterruptDispatchesThroughExcept(t *testing.T) {
	e, b := realModeEngine(t, traits.CPU8086)
	b.Write(0x100, 0xCC) // INT3

	// Real-mode table-0 entry for vector 3: CS:IP 0x2000:0x0040.
	b.Write(3*4+0, 0x40)
	b.Write(3*4+1, 0x00)
	b.Write(3*4+2, 0x00)
	b.Write(3*4+3, 0x20)

	if got := e.Step(); got != ResultCPUInterrupt {
		t.Fatalf("expected ResultCPUInterrupt, got %v", got)
	}
	if e.LastVector != 3 {
		t.Fatalf("expected LastVector 3, got %d", e.LastVector)
	}
	if e.State.XIP != 0x40 {
		t.Fatalf("expected dispatch to vector 3's handler, XIP=%#x", e.State.XIP)
	}
}

func TestStepUndefinedSilentlyIgnoredFor8086(t *testing.T) {
	e, b := realModeEngine(t, traits.CPU8086)
	b.Write(0x100, 0x0F) // two-byte escape with no entry populated in this model's table
	b.Write(0x101, 0xFF)

	if got := e.Step(); got != ResultUndefined {
		t.Fatalf("expected ResultUndefined, got %v", got)
	}
}

func TestResetHardReinitializesState(t *testing.T) {
	e, _ := realModeEngine(t, traits.CPU386)
	e.State.GPR.Write64(state.RegAX, 0xDEAD)
	e.State.SetRunState(state.Halted)

	e.Reset(true)

	if e.State.GPR.Read64(state.RegAX) != 0 {
		t.Fatalf("hard reset should clear GPRs")
	}
	if e.State.RunState() != state.Running {
		t.Fatalf("hard reset should leave the core running")
	}
}

func TestResetSoftClearsProtectedModeAndRehomesCS(t *testing.T) {
	e, _ := realModeEngine(t, traits.CPU386)
	e.State.Ctrl.CR[0] |= state.CR0PE
	e.State.XIP = 0x12345

	e.Reset(false)

	if e.State.Ctrl.CR[0]&state.CR0PE != 0 {
		t.Fatalf("soft reset should clear CR0.PE")
	}
	if e.State.XIP != 0xFFF0 {
		t.Fatalf("soft reset should rehome XIP to the reset vector, got %#x", e.State.XIP)
	}
}

func TestHardwareInterruptIgnoredWhenIFClear(t *testing.T) {
	e, _ := realModeEngine(t, traits.CPU8086)
	e.State.Flags.SetIF(false)

	if e.HardwareInterrupt(9, nil) {
		t.Fatalf("interrupt should be refused while IF is clear")
	}
}

func TestHardwareInterruptDispatchesWhenIFSet(t *testing.T) {
	e, b := realModeEngine(t, traits.CPU8086)
	e.State.Flags.SetIF(true)

	b.Write(9*4+0, 0x00)
	b.Write(9*4+1, 0x30)
	b.Write(9*4+2, 0x00)
	b.Write(9*4+3, 0x00)

	if !e.HardwareInterrupt(9, nil) {
		t.Fatalf("interrupt should be delivered while IF is set")
	}
	if e.State.XIP != 0x3000 {
		t.Fatalf("expected dispatch to vector 9's handler, XIP=%#x", e.State.XIP)
	}
}

func TestMDModeUsesZ80Step(t *testing.T) {
	b := &engTestBus{}
	e := NewEngine(traits.CPUExtended, b, nil, false)
	// CPUExtended inverts the usual MD polarity: MD=0 selects emulation.
	e.State.Flags.MD = 0
	if !e.mdActive() {
		t.Fatalf("expected mdActive with inverted polarity and MD=0")
	}
	e.State.Segs.Regs[state.SegCS] = state.SegReg{Selector: 0, Descriptor: state.LoadReal(0)}

	e.State.Z80.PC = 0x10
	b.Write(0x10, 0x00) // Z80 NOP

	if got := e.Step(); got != ResultSuccess {
		t.Fatalf("expected ResultSuccess from Z80Step, got %v", got)
	}
	if e.State.Z80.PC != 0x11 {
		t.Fatalf("expected Z80 PC to advance, got %#x", e.State.Z80.PC)
	}
}

func TestSMIThenRSMRoundTripsThroughEngine(t *testing.T) {
	e, _ := realModeEngine(t, traits.CPUIntel)
	e.State.GPR.Write64(state.RegAX, 0x99)

	e.SMI(nil)
	if e.State.Level != state.LevelSMM {
		t.Fatalf("SMI should enter SMM")
	}

	e.State.GPR.Write64(state.RegAX, 0)
	io := e.RSM()
	_ = io
	if e.State.Level != state.LevelUser {
		t.Fatalf("RSM should leave SMM")
	}
	if e.State.GPR.Read64(state.RegAX) != 0x99 {
		t.Fatalf("RSM should restore EAX, got %#x", e.State.GPR.Read64(state.RegAX))
	}
}

// TestAddSetsArithmeticFlags: ADD AX,CX with AX=0x0001 and CX=0x00FF
// must produce 0x0100 with the full CF/PF/AF/ZF/SF/OF pattern.
func TestAddSetsArithmeticFlags(t *testing.T) {
	e, b := realModeEngine(t, traits.CPU8086)
	b.Write(0x100, 0x01)
	b.Write(0x101, 0xC8) // ADD AX, CX
	e.State.GPR.Write16(state.RegAX, 0x0001)
	e.State.GPR.Write16(state.RegCX, 0x00FF)

	if got := e.Step(); got != ResultSuccess {
		t.Fatalf("got %v", got)
	}
	if ax := e.State.GPR.Read16(state.RegAX); ax != 0x0100 {
		t.Fatalf("AX: got %#x want 0x0100", ax)
	}
	f := &e.State.Flags
	if f.IsCF() || !f.IsPF() || !f.IsAF() || f.IsZF() || f.IsSF() || f.IsOF() {
		t.Fatalf("flags wrong: CF=%v PF=%v AF=%v ZF=%v SF=%v OF=%v",
			f.IsCF(), f.IsPF(), f.IsAF(), f.IsZF(), f.IsSF(), f.IsOF())
	}
	if e.State.XIP != 0x102 {
		t.Fatalf("IP: got %#x want 0x102", e.State.XIP)
	}
}

// TestRepMovsbYieldsPerIteration: REP MOVSB copies four bytes from
// DS:0 to ES:0, one Step per iteration, with CX/SI/DI observable
// between iterations.
func TestRepMovsbYieldsPerIteration(t *testing.T) {
	e, b := realModeEngine(t, traits.CPU8086)
	e.State.Segs.Regs[state.SegDS] = state.SegReg{Selector: 0x1000, Descriptor: state.LoadReal(0x1000)}
	e.State.Segs.Regs[state.SegES] = state.SegReg{Selector: 0x2000, Descriptor: state.LoadReal(0x2000)}
	e.State.GPR.Write16(state.RegCX, 4)
	b.Write(0x100, 0xF3)
	b.Write(0x101, 0xA4) // REP MOVSB
	src := []byte{0x41, 0x42, 0x43, 0x44}
	for i, v := range src {
		b.Write(0x10000+uint64(i), v)
	}

	for i := 0; i < 3; i++ {
		if got := e.Step(); got != ResultString {
			t.Fatalf("iteration %d: got %v want ResultString", i, got)
		}
		if cx := e.State.GPR.Read16(state.RegCX); cx != uint16(3-i) {
			t.Fatalf("iteration %d: CX=%d", i, cx)
		}
		if si := e.State.GPR.Read16(state.RegSI); si != uint16(i+1) {
			t.Fatalf("iteration %d: SI=%d", i, si)
		}
	}
	if got := e.Step(); got != ResultSuccess {
		t.Fatalf("final iteration: got %v want ResultSuccess", got)
	}
	if cx := e.State.GPR.Read16(state.RegCX); cx != 0 {
		t.Fatalf("CX: got %d", cx)
	}
	if si, di := e.State.GPR.Read16(state.RegSI), e.State.GPR.Read16(state.RegDI); si != 4 || di != 4 {
		t.Fatalf("SI/DI: got %d/%d", si, di)
	}
	for i, want := range src {
		if got := b.Read(0x20000 + uint64(i)); got != want {
			t.Fatalf("dest byte %d: got %#x want %#x", i, got, want)
		}
	}
	if e.State.XIP != 0x102 {
		t.Fatalf("IP: got %#x", e.State.XIP)
	}
}

// TestDivideByZeroTakesVectorZero: a DIV by zero restores xIP, takes
// vector 0 through the IVT, and reports cpu-interrupt(0).
func TestDivideByZeroTakesVectorZero(t *testing.T) {
	e, b := realModeEngine(t, traits.CPU8086)
	b.Write(0x100, 0xF7)
	b.Write(0x101, 0xF1) // DIV CX with CX=0
	e.State.GPR.Write16(state.RegAX, 0x1000)

	// Vector 0 -> 0x0000:0x0800.
	b.Write(0, 0x00)
	b.Write(1, 0x08)
	b.Write(2, 0x00)
	b.Write(3, 0x00)

	if got := e.Step(); got != ResultCPUInterrupt {
		t.Fatalf("got %v", got)
	}
	if e.LastVector != 0 {
		t.Fatalf("vector: got %d", e.LastVector)
	}
	if e.State.XIP != 0x800 {
		t.Fatalf("handler IP: got %#x", e.State.XIP)
	}
	// The frame's return IP must be the restored (restart) address of
	// the DIV itself, not past it.
	sp := e.State.GPR.Read64(state.RegSP)
	retIP := uint64(b.Read(sp)) | uint64(b.Read(sp+1))<<8
	if retIP != 0x100 {
		t.Fatalf("pushed return IP: got %#x want 0x100 (fault restart)", retIP)
	}
}

// TestTripleFaultHaltsEngine drives double-fault escalation end to
// end: an IVT with room for vector 0 only makes
// INT 0xFF fault, its #GP faults, the #DF dispatch faults, and the
// engine reports triple-fault and halts until reset.
func TestTripleFaultHaltsEngine(t *testing.T) {
	e, b := realModeEngine(t, traits.CPU8086)
	e.State.Segs.IDTR.Limit = 3 // room for vector 0 only
	b.Write(0x100, 0xCD)
	b.Write(0x101, 0xFF) // INT 0xFF

	if got := e.Step(); got != ResultTripleFault {
		t.Fatalf("got %v", got)
	}
	if e.State.RunState() != state.Halted {
		t.Fatalf("triple fault must halt the core")
	}
	if got := e.Step(); got != ResultHalt {
		t.Fatalf("subsequent steps must keep reporting halt, got %v", got)
	}
	e.Reset(false)
	if e.State.RunState() != state.Running {
		t.Fatalf("reset must clear the halt")
	}
}

// TestV25SecureModeTranslation: with a secure-mode table mapping
// 0x90 -> 0xF4, executing 0x90 halts instead of no-op.
func TestV25SecureModeTranslation(t *testing.T) {
	b := &engTestBus{}
	xlat := decode.NewIdentityV25Translator()
	xlat.Enabled = true
	xlat.Table[0x90] = 0xF4
	e := NewEngine(traits.CPUV25, b, xlat, false)
	e.State.Segs.Regs[state.SegCS] = state.SegReg{Selector: 0, Descriptor: state.LoadReal(0)}
	e.State.XIP = 0x100
	b.Write(0x100, 0x90)

	if got := e.Step(); got != ResultHalt {
		t.Fatalf("translated 0x90 must execute as HLT, got %v", got)
	}
}

// TestX87DeferredException: a masked inexact FADD sets the sticky PE
// bit without faulting; a later FPU instruction issued after PE is
// unmasked raises #MF at its own xIP, not the FADD's.
func TestX87DeferredException(t *testing.T) {
	e, b := realModeEngine(t, traits.CPU386)

	// float32(2^-60) at 0x500: adding it to 1.0 cannot be represented in
	// a 53-bit significand, so the sum is inexact.
	bits := uint32(0x21800000)
	for i := 0; i < 4; i++ {
		b.Write(0x500+uint64(i), byte(bits>>(8*uint(i))))
	}
	b.Write(0x100, 0xD9)
	b.Write(0x101, 0xE8) // FLD1
	b.Write(0x102, 0xD8)
	b.Write(0x103, 0x06)
	b.Write(0x104, 0x00)
	b.Write(0x105, 0x05) // FADD dword [0x0500]
	b.Write(0x106, 0xD9)
	b.Write(0x107, 0xE8) // FLD1 (the op that should trip #MF)

	// IVT vector 16 -> 0x0000:0x0900.
	b.Write(16*4+0, 0x00)
	b.Write(16*4+1, 0x09)

	if got := e.Step(); got != ResultSuccess {
		t.Fatalf("FLD1: %v", got)
	}
	if got := e.Step(); got != ResultSuccess {
		t.Fatalf("masked inexact FADD must not fault: %v", got)
	}
	if e.State.X87.FSW&state.FSWPE == 0 {
		t.Fatalf("PE sticky bit must be set")
	}

	e.State.X87.FCW &^= state.FSWPE // unmask precision

	if got := e.Step(); got != ResultCPUInterrupt {
		t.Fatalf("deferred #MF expected, got %v", got)
	}
	if e.LastVector != 16 {
		t.Fatalf("vector: got %d want 16", e.LastVector)
	}
	if e.State.XIP != 0x900 {
		t.Fatalf("handler IP: got %#x", e.State.XIP)
	}
	sp := e.State.GPR.Read64(state.RegSP)
	retIP := uint64(b.Read(sp)) | uint64(b.Read(sp+1))<<8
	if retIP != 0x106 {
		t.Fatalf("the fault must restart at the FLD, got %#x", retIP)
	}
}

// TestIretRoundTripsInterruptFrame drives INT3 then IRET and checks
// the self-inverse law on CS:IP and FLAGS.
func TestIretRoundTripsInterruptFrame(t *testing.T) {
	e, b := realModeEngine(t, traits.CPU8086)
	b.Write(0x100, 0xCC) // INT3
	// vector 3 -> 0x0000:0x0700
	b.Write(3*4+0, 0x00)
	b.Write(3*4+1, 0x07)
	b.Write(0x700, 0xCF) // IRET
	e.State.Flags.SetCF(true)

	if got := e.Step(); got != ResultCPUInterrupt {
		t.Fatalf("INT3: %v", got)
	}
	if e.State.Flags.IsIF() {
		t.Fatalf("real-mode interrupt entry clears IF")
	}
	if got := e.Step(); got != ResultSuccess {
		t.Fatalf("IRET: %v", got)
	}
	if e.State.XIP != 0x101 {
		t.Fatalf("IRET must return past INT3: got %#x", e.State.XIP)
	}
	if !e.State.Flags.IsCF() {
		t.Fatalf("IRET must restore the saved flags")
	}
}

// TestV25BankSyncAtInstructionBoundary checks the bank-memory
// invariant: after a step, the current bank image reflects the
// architectural registers.
func TestV25BankSyncAtInstructionBoundary(t *testing.T) {
	b := &engTestBus{}
	e := NewEngine(traits.CPUV25, b, nil, false)
	e.State.Segs.Regs[state.SegCS] = state.SegReg{Selector: 0, Descriptor: state.LoadReal(0)}
	e.State.XIP = 0x100
	b.Write(0x100, 0xB8) // MOV AX, 0x5AA5
	b.Write(0x101, 0xA5)
	b.Write(0x102, 0x5A)

	if got := e.Step(); got != ResultSuccess {
		t.Fatalf("got %v", got)
	}
	bank := &e.State.V25.Banks[e.State.V25.CurrentBank]
	if bank[state.RegAX] != 0x5AA5 {
		t.Fatalf("bank image stale: got %#x", bank[state.RegAX])
	}
}

func TestStepChannelAndStepX87Passthrough(t *testing.T) {
	e, _ := realModeEngine(t, traits.CPU386)
	e.State.X89.Channels[0].Running = false
	if res := e.StepChannel(0); res != coproc.X89Idle {
		t.Fatalf("expected idle channel result, got %v", res)
	}

	if res := e.StepX87(); res != coproc.X87Idle {
		t.Fatalf("expected idle x87 result with nothing queued, got %v", res)
	}
}
