package coproc

import (
	"testing"

	"github.com/BinaryMelodies/x86-emulator-core/bus"
	"github.com/BinaryMelodies/x86-emulator-core/state"
)

type testBus struct {
	mem [1 << 16]byte
}

func (b *testBus) Read(addr uint64) byte              { return b.mem[addr&0xFFFF] }
func (b *testBus) Write(addr uint64, v byte)           { b.mem[addr&0xFFFF] = v }
func (b *testBus) In(port uint16, width int) uint32    { return 0 }
func (b *testBus) Out(port uint16, width int, v uint32) {}

func newTestMem(b *testBus) *bus.Memory {
	return &bus.Memory{Bus: b, Walker: &bus.PageWalker{Bus: b}, Map: &bus.Map{}}
}

func TestStepX87DrainsQueuedFSTENV(t *testing.T) {
	var x87 state.X87State
	x87.Reset()
	x87.FCW = 0x0300
	x87.FSW = 0x0001
	x87.Queued = state.QueueFSTENV
	x87.QueuedSeg = 0x1000
	x87.QueuedOff = 0x10

	b := &testBus{}
	mem := newTestMem(b)
	var segs state.Segments
	segs.Reset(true)

	res := StepX87(&x87, mem, &segs, bus.ModeReal, state.LevelUser)
	if res != X87QueueDrained {
		t.Fatalf("expected X87QueueDrained, got %v", res)
	}
	if x87.Queued != state.QueueNone {
		t.Fatalf("queued op slot should be cleared after draining")
	}

	base := uint64(0x1000)<<4 + 0x10
	gotFCW := uint16(b.Read(base)) | uint16(b.Read(base+1))<<8
	if gotFCW != 0x0300 {
		t.Fatalf("FSTENV did not write FCW: got %#x", gotFCW)
	}
}

func TestHasUnmaskedExceptionDeferred(t *testing.T) {
	var x87 state.X87State
	x87.Reset()
	x87.FCW = 0x033F // all exceptions masked
	x87.FSW = state.FSWPE
	if HasUnmaskedException(&x87) {
		t.Fatalf("PE is masked, should not report unmasked")
	}
	x87.FCW = 0x0300 // PE unmasked (bit not set)
	if !HasUnmaskedException(&x87) {
		t.Fatalf("PE sticky with its mask bit clear should report unmasked")
	}
}

func TestStepChannelRespectsStartDelay(t *testing.T) {
	var ch state.X89Channel
	ch.Running = true
	ch.StartDelay = 1
	b := &testBus{}
	mem := newTestMem(b)

	if res := StepChannel(&ch, mem); res != X89Continue {
		t.Fatalf("expected X89Continue during start delay, got %v", res)
	}
	if ch.StartDelay != 0 {
		t.Fatalf("start delay should have counted down")
	}
}

func TestStepChannelLPDIThenHLT(t *testing.T) {
	var ch state.X89Channel
	ch.Running = true
	ch.R[state.X89RegTP].Value = 0x100

	b := &testBus{}
	mem := newTestMem(b)
	// LPDI reg=GA, imm32=0x1234
	prog := []byte{x89OpLPDI, byte(state.X89RegGA), 0x34, 0x12, 0x00, 0x00, x89OpHLT}
	for i, v := range prog {
		b.Write(0x100+uint64(i), v)
	}

	if res := StepChannel(&ch, mem); res != X89Continue {
		t.Fatalf("LPDI step: got %v", res)
	}
	if ch.R[state.X89RegGA].Value != 0x1234 {
		t.Fatalf("LPDI did not load GA: got %#x", ch.R[state.X89RegGA].Value)
	}

	if res := StepChannel(&ch, mem); res != X89Halted {
		t.Fatalf("HLT step: got %v", res)
	}
	if ch.Running {
		t.Fatalf("channel should not be running after HLT")
	}
}

func TestStepChannelXferMovesOneByteAndSignalsTerminalCount(t *testing.T) {
	var ch state.X89Channel
	ch.Running = true
	ch.R[state.X89RegTP].Value = 0x200
	ch.R[state.X89RegGA].Value = 0x300
	ch.R[state.X89RegGB].Value = 0x400
	ch.R[state.X89RegBC].Value = 1

	b := &testBus{}
	mem := newTestMem(b)
	b.Write(0x300, 0xAB)
	b.Write(0x200, x89OpXFER)

	if res := StepChannel(&ch, mem); res != X89Continue {
		t.Fatalf("XFER step: got %v", res)
	}
	if b.Read(0x400) != 0xAB {
		t.Fatalf("XFER did not move the byte")
	}
	if ch.PSW&state.X89PSWTB == 0 {
		t.Fatalf("expected PSW.TB set once BC reached zero")
	}
}

func TestStepChannelSINTRSetsIS(t *testing.T) {
	var ch state.X89Channel
	ch.Running = true
	ch.R[state.X89RegTP].Value = 0x500
	b := &testBus{}
	mem := newTestMem(b)
	b.Write(0x500, x89OpSINTR)

	if res := StepChannel(&ch, mem); res != X89Interrupt {
		t.Fatalf("expected X89Interrupt, got %v", res)
	}
	if ch.PSW&state.X89PSWIS == 0 {
		t.Fatalf("expected PSW.IS set")
	}
}
