package state

import "testing"

func TestFlagsPackUnpackRoundTrip(t *testing.T) {
	var f Flags
	f.SetCF(true)
	f.SetZF(true)
	f.SetOF(true)
	f.IOPL = 3
	f.NT = bitNT

	packed := f.Pack()

	var g Flags
	g.Unpack(packed)
	if g.Pack() != packed {
		t.Fatalf("pack/unpack round trip not idempotent: %#x vs %#x", packed, g.Pack())
	}
	if !g.IsCF() || !g.IsZF() || !g.IsOF() {
		t.Fatalf("unpacked flags lost a set lane: %+v", g)
	}
	if g.IOPL != 3 {
		t.Fatalf("IOPL field not preserved: got %d", g.IOPL)
	}
}

func TestFlagsPackAlwaysSetsReservedBit(t *testing.T) {
	var f Flags
	if f.Pack()&2 == 0 {
		t.Fatalf("Pack must always set the reserved bit 1")
	}
}

func TestSetArith8CarryAndOverflow(t *testing.T) {
	var f Flags
	// 0x7F + 0x01 = 0x80: signed overflow, no carry.
	f.SetArith8(0x7F+0x01, 0x7F, 0x01, false)
	if f.IsCF() {
		t.Fatalf("unexpected carry")
	}
	if !f.IsOF() {
		t.Fatalf("expected signed overflow")
	}
	if !f.IsSF() {
		t.Fatalf("expected sign flag set")
	}

	// 0xFF + 0x01 = 0x100: carry, zero result, no overflow.
	f.SetArith8(0xFF+0x01, 0xFF, 0x01, false)
	if !f.IsCF() {
		t.Fatalf("expected carry")
	}
	if !f.IsZF() {
		t.Fatalf("expected zero flag")
	}
	if f.IsOF() {
		t.Fatalf("unexpected overflow")
	}
}

func TestParityMatchesEvenBitCount(t *testing.T) {
	if !Parity(0x00) {
		t.Fatalf("0x00 has even parity (zero set bits)")
	}
	if Parity(0x01) {
		t.Fatalf("0x01 has odd parity")
	}
	if !Parity(0x03) {
		t.Fatalf("0x03 has even parity (two set bits)")
	}
}
