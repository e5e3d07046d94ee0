package lib

import (
	"errors"
	"testing"
)

// TestTXWPushMonotonic exercises invariant 1: the returned SQN equals prior
// lead+1, and the window never holds more than its configured capacity.
func TestTXWPushMonotonic(t *testing.T) {
	w := NewTXW(4, 0)

	first := w.Push([]byte("a"))
	second := w.Push([]byte("b"))
	if second != first.Add(1) {
		t.Fatalf("second push = %d, want %d", second, first.Add(1))
	}

	for i := 0; i < 10; i++ {
		before := w.Lead()
		got := w.Push([]byte{byte(i)})
		if got != before.Add(1) {
			t.Fatalf("push %d returned %d, want %d", i, got, before.Add(1))
		}
	}

	if dist := uint32(w.Trail().Distance(w.Lead())); dist+1 > 4 {
		t.Fatalf("window holds %d entries, want <= 4", dist+1)
	}
}

func TestTXWEvictionAndPeek(t *testing.T) {
	w := NewTXW(2, 0)
	s0 := w.Push([]byte("first"))
	w.Push([]byte("second"))
	w.Push([]byte("third")) // evicts s0

	if _, err := w.Peek(s0); !errors.Is(err, ErrNotInWindow) {
		t.Fatalf("Peek(evicted) = %v, want ErrNotInWindow", err)
	}

	lead := w.Lead()
	payload, err := w.Peek(lead)
	if err != nil {
		t.Fatalf("Peek(lead) error: %v", err)
	}
	if string(payload) != "third" {
		t.Fatalf("Peek(lead) = %q, want %q", payload, "third")
	}
}

func TestTXWPeekOutsideWindow(t *testing.T) {
	w := NewTXW(4, 0)
	if _, err := w.Peek(999); !errors.Is(err, ErrNotInWindow) {
		t.Fatalf("Peek on empty window = %v, want ErrNotInWindow", err)
	}
}

func TestTXWRetransmitQueueFIFO(t *testing.T) {
	w := NewTXW(16, 0)
	w.RetransmitPush(5, false)
	w.RetransmitPush(6, false)

	req, ok := w.RetransmitTryPop()
	if !ok || req.sqn != 5 {
		t.Fatalf("first pop = %+v, ok=%t, want sqn=5", req, ok)
	}
	req, ok = w.RetransmitTryPop()
	if !ok || req.sqn != 6 {
		t.Fatalf("second pop = %+v, ok=%t, want sqn=6", req, ok)
	}
	if _, ok := w.RetransmitTryPop(); ok {
		t.Fatal("pop on empty queue should report ok=false")
	}
}

// TestTXWParityCoalescing exercises the transmission-group coalescing rule:
// duplicate parity requests within the same group accumulate a parity count
// instead of enqueuing a second entry.
func TestTXWParityCoalescing(t *testing.T) {
	w := NewTXW(16, 2) // tgSqnShift=2 -> groups of 4

	w.RetransmitPush(0, true) // group base 0
	w.RetransmitPush(1, true) // same group, coalesces
	w.RetransmitPush(2, true) // same group, coalesces
	w.RetransmitPush(4, true) // different group (base 4)

	req, ok := w.RetransmitTryPop()
	if !ok || !req.isParity || req.tgBase != 0 || req.parityH != 3 {
		t.Fatalf("first pop = %+v, want tgBase=0 parityH=3", req)
	}
	req, ok = w.RetransmitTryPop()
	if !ok || req.tgBase != 4 || req.parityH != 1 {
		t.Fatalf("second pop = %+v, want tgBase=4 parityH=1", req)
	}
	if _, ok := w.RetransmitTryPop(); ok {
		t.Fatal("queue should be empty after two pops")
	}
}
