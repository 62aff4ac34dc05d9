package state

import "testing"

func TestV25BankSyncRoundTrip(t *testing.T) {
	var v V25Banks
	var gpr GPRBank
	var segs Segments
	segs.Reset(true)

	gpr.Write16(RegAX, 0xAAAA)
	gpr.Write16(RegCX, 0xBBBB)

	v.Sync(true, &gpr, &segs, 0x246, 0x12345678)

	var gpr2 GPRBank
	newGPR, newFlags, newIP := v.Sync(false, &gpr2, &segs, 0, 0)

	if newGPR[RegAX] != 0xAAAA || newGPR[RegCX] != 0xBBBB {
		t.Fatalf("bank sync did not round-trip GPRs: %v", newGPR)
	}
	if newFlags != 0x0246 {
		t.Fatalf("bank sync did not round-trip flags: got %#x", newFlags)
	}
	if newIP != 0x12345678 {
		t.Fatalf("bank sync did not round-trip IP: got %#x", newIP)
	}
}
