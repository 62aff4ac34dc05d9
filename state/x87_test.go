package state

import "testing"

func TestX87PushPopStackAddressing(t *testing.T) {
	var x X87State
	x.Reset()
	x.Push(1.5)
	x.Push(2.5)
	if x.ST(0) != 2.5 {
		t.Fatalf("ST(0) after two pushes: got %v", x.ST(0))
	}
	if x.ST(1) != 1.5 {
		t.Fatalf("ST(1) after two pushes: got %v", x.ST(1))
	}
	if v := x.Pop(); v != 2.5 {
		t.Fatalf("Pop: got %v", v)
	}
	if v := x.Pop(); v != 1.5 {
		t.Fatalf("Pop: got %v", v)
	}
}

func TestX87StackUnderflowReturnsNaN(t *testing.T) {
	var x X87State
	x.Reset()
	v := x.Pop()
	if v == v {
		t.Fatalf("expected NaN from empty-stack pop, got %v", v)
	}
	if x.FSW&FSWIE == 0 {
		t.Fatalf("expected invalid-operation exception flagged")
	}
}

func TestX87StackOverflowFlagsAndKeepsValue(t *testing.T) {
	var x X87State
	x.Reset()
	for i := 0; i < 8; i++ {
		x.Push(float64(i))
	}
	x.Push(99)
	if x.FSW&FSWIE == 0 {
		t.Fatalf("expected invalid-operation exception on stack overflow")
	}
	if x.ST(0) != 7 {
		t.Fatalf("overflowing push must not disturb the stack: got %v", x.ST(0))
	}
}

func TestClassifyTagZeroAndSpecial(t *testing.T) {
	if ClassifyTag(0) != TagZero {
		t.Fatalf("0 should classify as TagZero")
	}
	if ClassifyTag(1.0) != TagValid {
		t.Fatalf("1.0 should classify as TagValid")
	}
}
