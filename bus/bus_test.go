package bus

import (
	"testing"

	"github.com/BinaryMelodies/x86-emulator-core/state"
)

type testBus struct {
	mem [1 << 20]byte
}

func (b *testBus) Read(addr uint64) byte       { return b.mem[addr] }
func (b *testBus) Write(addr uint64, v byte)   { b.mem[addr] = v }
func (b *testBus) In(port uint16, width int) uint32  { return 0 }
func (b *testBus) Out(port uint16, width int, v uint32) {}

func TestReadWriteNLittleEndian(t *testing.T) {
	b := &testBus{}
	WriteN(b, 0x100, 4, 0xDEADBEEF)
	if got := ReadN(b, 0x100, 4); got != 0xDEADBEEF {
		t.Fatalf("got %#x", got)
	}
	if b.mem[0x100] != 0xEF || b.mem[0x103] != 0xDE {
		t.Fatalf("not little-endian: %#x %#x", b.mem[0x100], b.mem[0x103])
	}
}

func TestLinearAddressRealModeNoLimitCheck(t *testing.T) {
	var segs state.Segments
	segs.Reset(true)
	addr, f := LinearAddress(&segs.Regs[state.SegDS], ModeReal, 0x10, 2)
	if f != nil {
		t.Fatalf("unexpected fault: %v", f)
	}
	if addr != 0x10 {
		t.Fatalf("got %#x", addr)
	}
}

func TestLinearAddressLongModeIgnoresLimit(t *testing.T) {
	var segs state.Segments
	segs.Reset(true)
	segs.Regs[state.SegDS].Descriptor.Limit = 0 // would fault in any other mode
	addr, f := LinearAddress(&segs.Regs[state.SegDS], ModeLong, 0xFFFFFFFF, 8)
	if f != nil {
		t.Fatalf("long mode must not limit-check: %v", f)
	}
	if addr != 0xFFFFFFFF {
		t.Fatalf("got %#x", addr)
	}
}

func TestLinearAddressProtectedModeLimitViolation(t *testing.T) {
	var segs state.Segments
	segs.Reset(true)
	segs.Regs[state.SegDS].Descriptor.Limit = 0xFF
	_, f := LinearAddress(&segs.Regs[state.SegDS], ModeProtected, 0x200, 2)
	if f == nil {
		t.Fatalf("expected a limit-violation fault")
	}
	if f.Vector != 13 {
		t.Fatalf("expected #GP, got vector %d", f.Vector)
	}
}

func TestPageWalker32BitPresentBit(t *testing.T) {
	b := &testBus{}
	w := &PageWalker{Bus: b}
	var ctrl state.Control
	ctrl.Reset()
	ctrl.CR[3] = 0x1000 // page directory base

	// Page directory entry 0 -> page table at 0x2000, present+write+user.
	WriteN(b, 0x1000, 4, 0x2000|ptePresent|pteWrite|pteUser)
	// Page table entry 0 -> physical page 0x3000, present+write+user.
	WriteN(b, 0x2000, 4, 0x3000|ptePresent|pteWrite|pteUser)

	phys, f := w.translate32(ctrl.CR[3], 0x123, true, true)
	if f != nil {
		t.Fatalf("unexpected page fault: %v", f)
	}
	if phys != 0x3123 {
		t.Fatalf("got phys %#x", phys)
	}
}

func TestPageWalker32BitNotPresentFaults(t *testing.T) {
	b := &testBus{}
	w := &PageWalker{Bus: b}
	_, f := w.translate32(0x1000, 0x123, false, false)
	if f == nil || f.Vector != 14 {
		t.Fatalf("expected #PF, got %v", f)
	}
}

func TestV33XATranslatesThroughDictionary(t *testing.T) {
	b := &testBus{}
	var v33 state.V33PagingAux
	v33.XAEnabled = true
	v33.Dictionary[2] = 0x0030 // linear page 2 -> physical page 0x30
	m := &Memory{Bus: b, Walker: &PageWalker{Bus: b}, Map: &Map{}, V33: &v33}

	var ctrl state.Control
	ctrl.Reset()
	var segs state.Segments
	segs.Reset(true)
	segs.Regs[state.SegDS] = state.SegReg{Selector: 0, Descriptor: state.LoadReal(0)}

	b.mem[uint64(0x30)<<14|0x123] = 0x7E
	v, f := m.Read(&ctrl, &segs, ModeReal, state.LevelUser, state.SegDS, 2<<14|0x123, 1)
	if f != nil {
		t.Fatalf("unexpected fault: %v", f)
	}
	if v != 0x7E {
		t.Fatalf("XA translation missed: got %#x", v)
	}
}

func TestMemoryMapOverlayOnlyForMatchingLevel(t *testing.T) {
	m := &Map{Overlays: []Overlay{{Level: state.LevelSMM, Base: 0xA0000, End: 0xA1000}}}
	if _, hit := m.Resolve(state.LevelUser, 0xA0010); hit {
		t.Fatalf("overlay must not apply outside its level")
	}
	if _, hit := m.Resolve(state.LevelSMM, 0xA0010); !hit {
		t.Fatalf("overlay should apply at its level")
	}
}
