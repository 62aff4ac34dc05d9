package state

import "testing"

func TestStateResetHardClearsV25Banks(t *testing.T) {
	var s State
	s.V25.Banks[0][0] = 0x1234
	s.Reset(true)
	if s.V25.Banks[0][0] != 0 {
		t.Fatalf("hard reset must clear V25 banks")
	}
	if s.RunState() != Running {
		t.Fatalf("expected Running after reset, got %v", s.RunState())
	}
	if s.XIP != 0xFFF0 {
		t.Fatalf("expected reset-vector IP, got %#x", s.XIP)
	}
}

func TestStateResetSoftPreservesV25Banks(t *testing.T) {
	var s State
	s.Reset(true)
	s.V25.Banks[0][0] = 0x1234
	s.Reset(false)
	if s.V25.Banks[0][0] != 0x1234 {
		t.Fatalf("soft reset must preserve V25 bank contents")
	}
}

func TestStateRunStateTransitions(t *testing.T) {
	var s State
	s.Reset(true)
	s.SetRunState(Halted)
	if s.RunState() != Halted {
		t.Fatalf("expected Halted")
	}
}
