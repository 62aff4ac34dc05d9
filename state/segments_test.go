package state

import "testing"

func TestSegmentsResetFlatSetsRealModeDefaults(t *testing.T) {
	var s Segments
	s.Reset(true)
	if s.Regs[SegCS].Selector != 0xF000 {
		t.Fatalf("CS selector after reset: got %#x", s.Regs[SegCS].Selector)
	}
	if s.Regs[SegCS].Descriptor.Base != 0xFFFF0000 {
		t.Fatalf("CS base after reset: got %#x", s.Regs[SegCS].Descriptor.Base)
	}
	if s.Regs[SegDS].Descriptor.Limit != 0xFFFF {
		t.Fatalf("DS limit after reset: got %#x", s.Regs[SegDS].Descriptor.Limit)
	}
}

func TestLoadRealComputesShiftedBase(t *testing.T) {
	d := LoadReal(0x1234)
	if d.Base != 0x12340 {
		t.Fatalf("real-mode base: got %#x, want 0x12340", d.Base)
	}
	if d.Limit != 0xFFFF {
		t.Fatalf("real-mode limit: got %#x", d.Limit)
	}
}

func TestForceLongModeDSESSS(t *testing.T) {
	var s Segments
	s.Reset(true)
	s.ForceLongModeDSESSS()
	for _, idx := range []int{SegDS, SegES, SegSS} {
		if s.Regs[idx].Descriptor.Base != 0 {
			t.Fatalf("segment %d base not forced to 0", idx)
		}
		if s.Regs[idx].Descriptor.Limit != 0xFFFFFFFF {
			t.Fatalf("segment %d limit not forced to max", idx)
		}
	}
}
