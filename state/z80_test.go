package state

import "testing"

func TestZ80RegisterPairs(t *testing.T) {
	var z Z80State
	z.SetHL(0xBEEF)
	if z.H != 0xBE || z.L != 0xEF {
		t.Fatalf("SetHL split: got H=%#x L=%#x", z.H, z.L)
	}
	if z.HL() != 0xBEEF {
		t.Fatalf("HL: got %#x", z.HL())
	}
}

func TestZ80ExchangeAF(t *testing.T) {
	var z Z80State
	z.SetAF(0x1122)
	z.ExchangeAF()
	if z.AF() != 0 {
		t.Fatalf("AF should be shadow's (zero) value after exchange: got %#x", z.AF())
	}
	z.ExchangeAF()
	if z.AF() != 0x1122 {
		t.Fatalf("AF should be restored after second exchange: got %#x", z.AF())
	}
}

func TestZ80ExxSwapsAllPairs(t *testing.T) {
	var z Z80State
	z.SetBC(0x1111)
	z.SetDE(0x2222)
	z.SetHL(0x3333)
	z.Exchange()
	if z.BC() != 0 || z.DE() != 0 || z.HL() != 0 {
		t.Fatalf("exx should swap to the (zero) shadow bank")
	}
	z.Exchange()
	if z.BC() != 0x1111 || z.DE() != 0x2222 || z.HL() != 0x3333 {
		t.Fatalf("second exx should restore the primary bank")
	}
}
