package state

import "testing"

func TestGPRWriteSizedZeroExtends32(t *testing.T) {
	var g GPRBank
	g.Write64(RegAX, 0xFFFFFFFFFFFFFFFF)
	g.WriteSized(RegAX, Size32, 0x12345678)
	if got := g.Read64(RegAX); got != 0x12345678 {
		t.Fatalf("32-bit write did not zero-extend to 64 bits: got %#x", got)
	}
}

func TestGPRWrite16PreservesUpperBits(t *testing.T) {
	var g GPRBank
	g.Write64(RegAX, 0x1122334455667788)
	g.Write16(RegAX, 0xBEEF)
	if got := g.Read64(RegAX); got != 0x112233445566BEEF {
		t.Fatalf("16-bit write corrupted upper bits: got %#x", got)
	}
}

func TestGPRByteHaloAliases(t *testing.T) {
	var g GPRBank
	g.Write16(RegAX, 0x1234)
	if g.Read8High(RegAX) != 0x12 {
		t.Fatalf("AH mismatch: got %#x", g.Read8High(RegAX))
	}
	if g.Read8Low(RegAX) != 0x34 {
		t.Fatalf("AL mismatch: got %#x", g.Read8Low(RegAX))
	}
	g.Write8High(RegAX, 0xAB)
	if g.Read16(RegAX) != 0xAB34 {
		t.Fatalf("AH write did not update AX: got %#x", g.Read16(RegAX))
	}
}

func TestGPRReset(t *testing.T) {
	var g GPRBank
	g.Write64(RegAX, 0xFF)
	g.Reset()
	if g.Read64(RegAX) != 0 {
		t.Fatalf("Reset did not clear register")
	}
}
