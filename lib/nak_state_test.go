package lib

import (
	"testing"
	"time"
)

// lowRand always returns 0, the bottom of the requested range, so back-off
// expiries land exactly at now+1ns regardless of nak_bo_ivl.
type lowRand struct{}

func (lowRand) Int63n(n int64) int64 { return 0 }

// TestNakStateBackoffToWaitNcf exercises the BACK_OFF -> WAIT_NCF transition
// on timer expiry, and that the resulting NAK is reported in the Tick plan.
func TestNakStateBackoffToWaitNcf(t *testing.T) {
	timing := NakTiming{NakBoIvl: time.Millisecond, NakRptIvl: 10 * time.Millisecond, NakRdataIvl: 10 * time.Millisecond, NakDataRetries: 2, NakNcfRetries: 2}
	w := NewRXW(16, timing, lowRand{}, &Stats{})
	now := time.Now()

	if err := w.Insert(0, []byte("a"), false, nil, now); err != nil {
		t.Fatalf("insert 0: %v", err)
	}
	if err := w.Insert(2, []byte("c"), false, nil, now); err != nil { // gap at sqn 1
		t.Fatalf("insert 2: %v", err)
	}

	plan := w.Tick(now.Add(time.Second), true, false, 0)
	if len(plan.NakLists) != 1 {
		t.Fatalf("NakLists = %+v, want exactly one NAK", plan.NakLists)
	}
	if _, ok := plan.NakLists[1]; !ok {
		t.Fatalf("expected a NAK for sqn 1, got %+v", plan.NakLists)
	}

	e := w.entries[1]
	if e.state != StateWaitNcf {
		t.Fatalf("entry 1 state = %v, want WAIT_NCF", e.state)
	}
	if e.nakTransmitCount != 1 {
		t.Fatalf("nakTransmitCount = %d, want 1", e.nakTransmitCount)
	}
}

// TestNakStateNcfToWaitData exercises WAIT_NCF -> WAIT_DATA on MarkNCF.
func TestNakStateNcfToWaitData(t *testing.T) {
	timing := NakTiming{NakBoIvl: time.Millisecond, NakRptIvl: 10 * time.Millisecond, NakRdataIvl: 10 * time.Millisecond, NakDataRetries: 2, NakNcfRetries: 2}
	w := NewRXW(16, timing, lowRand{}, &Stats{})
	now := time.Now()

	w.Insert(0, []byte("a"), false, nil, now)
	w.Insert(2, []byte("c"), false, nil, now)
	w.Tick(now.Add(time.Second), true, false, 0) // 1 -> WAIT_NCF

	if !w.MarkNCF(1, now.Add(time.Second)) {
		t.Fatal("MarkNCF(1) = false, want true")
	}
	if w.entries[1].state != StateWaitData {
		t.Fatalf("entry 1 state = %v, want WAIT_DATA", w.entries[1].state)
	}
	if w.MarkNCF(999, now) {
		t.Fatal("MarkNCF on unknown sqn should return false")
	}
}

// TestNakStateRetryCeilingNcf exercises invariant 8: exhausting
// nak_ncf_retries in WAIT_NCF transitions the entry to LOST and bumps the
// matching failure counter.
func TestNakStateRetryCeilingNcf(t *testing.T) {
	stats := &Stats{}
	timing := NakTiming{NakBoIvl: time.Millisecond, NakRptIvl: time.Millisecond, NakRdataIvl: 10 * time.Millisecond, NakDataRetries: 5, NakNcfRetries: 1}
	w := NewRXW(16, timing, lowRand{}, stats)
	now := time.Now()

	w.Insert(0, []byte("a"), false, nil, now)
	w.Insert(2, []byte("c"), false, nil, now)

	t1 := now.Add(time.Second)
	w.Tick(t1, true, false, 0) // 1: BACK_OFF -> WAIT_NCF (transmit 1)

	t2 := t1.Add(time.Second)
	plan := w.Tick(t2, true, false, 0) // WAIT_NCF rpt expires: retry 1 -> BACK_OFF again (retries <= ceiling)
	if len(plan.Lost) != 0 {
		t.Fatalf("entry should not be LOST yet, plan = %+v", plan)
	}

	t3 := t2.Add(time.Second) // BACK_OFF -> WAIT_NCF again
	w.Tick(t3, true, false, 0)

	t4 := t3.Add(time.Second) // second rpt expiry: ncf_retry_count exceeds NakNcfRetries(1) -> LOST
	plan = w.Tick(t4, true, false, 0)
	if len(plan.Lost) != 1 || plan.Lost[0] != 1 {
		t.Fatalf("plan.Lost = %+v, want [1]", plan.Lost)
	}
	if w.entries[1].state != StateLost {
		t.Fatalf("entry 1 state = %v, want LOST", w.entries[1].state)
	}
	if stats.Snapshot().ReceiverNaksFailedNcfRetries != 1 {
		t.Fatalf("ReceiverNaksFailedNcfRetries = %d, want 1", stats.Snapshot().ReceiverNaksFailedNcfRetries)
	}
}

// TestNakStateUnknownNlaMarksLostImmediately exercises the "peer whose
// unicast NLA is still unknown cannot NAK" rule: affected entries are
// marked LOST immediately rather than entering WAIT_NCF.
func TestNakStateUnknownNlaMarksLostImmediately(t *testing.T) {
	stats := &Stats{}
	timing := NakTiming{NakBoIvl: time.Millisecond, NakRptIvl: time.Millisecond, NakRdataIvl: time.Millisecond, NakDataRetries: 2, NakNcfRetries: 2}
	w := NewRXW(16, timing, lowRand{}, stats)
	now := time.Now()

	w.Insert(0, []byte("a"), false, nil, now)
	w.Insert(2, []byte("c"), false, nil, now)

	plan := w.Tick(now.Add(time.Second), false /* peerNlaKnown */, false, 0)
	if len(plan.Lost) != 1 || plan.Lost[0] != 1 {
		t.Fatalf("plan.Lost = %+v, want [1]", plan.Lost)
	}
	if stats.Snapshot().ReceiverNaksFailedUnknownNla != 1 {
		t.Fatalf("ReceiverNaksFailedUnknownNla = %d, want 1", stats.Snapshot().ReceiverNaksFailedUnknownNla)
	}
}

// TestNakStateParityNakCoalescing exercises the parity-NAK path: one request
// per transmission group rather than one per missing SQN.
func TestNakStateParityNakCoalescing(t *testing.T) {
	timing := NakTiming{NakBoIvl: time.Millisecond, NakRptIvl: time.Millisecond, NakRdataIvl: time.Millisecond, NakDataRetries: 2, NakNcfRetries: 2}
	w := NewRXW(16, timing, lowRand{}, &Stats{})
	now := time.Now()

	w.Insert(0, []byte("a"), false, nil, now)
	w.Insert(4, []byte("e"), false, nil, now) // gap at 1,2,3, all in tg base 0 (shift=2)

	plan := w.Tick(now.Add(time.Second), true, true /* useParityNak */, 2)
	if len(plan.ParityNaks) != 1 {
		t.Fatalf("ParityNaks = %+v, want exactly one group", plan.ParityNaks)
	}
	if h, ok := plan.ParityNaks[0]; !ok || h != 3 {
		t.Fatalf("ParityNaks[0] = %d, ok=%t, want 3", h, ok)
	}
	if len(plan.NakLists) != 0 {
		t.Fatalf("NakLists = %+v, want none when parity-NAK is used", plan.NakLists)
	}
}

// TestBatchNaksSizeCeiling exercises invariant 3: no emitted NAK batch
// carries more than 63 SQNs total.
func TestBatchNaksSizeCeiling(t *testing.T) {
	sqns := make([]SQN, 130)
	for i := range sqns {
		sqns[i] = SQN(i)
	}
	dst := make(map[SQN][]SQN)
	batchNaks(sqns, dst)

	if len(dst) != 3 {
		t.Fatalf("got %d batches, want 3 (63+63+4)", len(dst))
	}
	for primary, extra := range dst {
		total := 1 + len(extra)
		if total > maxNakListTotal {
			t.Fatalf("batch starting at %d carries %d entries, want <= %d", primary, total, maxNakListTotal)
		}
	}
}
