package lib

import (
	"fmt"
	"sync"
	"time"
)

// RxState is the per-entry NAK state machine position, named directly
// after spec.md §4.2's state diagram.
type RxState int

const (
	StatePlaceholder RxState = iota
	StateBackOff
	StateWaitNcf
	StateWaitData
	StateHaveData
	StateHaveParity
	StateLost
	StateCommitted
)

func (s RxState) String() string {
	switch s {
	case StatePlaceholder:
		return "PLACEHOLDER"
	case StateBackOff:
		return "BACK_OFF"
	case StateWaitNcf:
		return "WAIT_NCF"
	case StateWaitData:
		return "WAIT_DATA"
	case StateHaveData:
		return "HAVE_DATA"
	case StateHaveParity:
		return "HAVE_PARITY"
	case StateLost:
		return "LOST"
	case StateCommitted:
		return "COMMITTED"
	default:
		return "UNKNOWN"
	}
}

// rxwEntry is one slot in the receive window, generalizing the teacher's
// ReceivedPacket entries in PacketGapMap (lib/packet.go) with the full NAK
// state machine spec.md §4.2 requires.
type rxwEntry struct {
	sqn     SQN
	state   RxState
	payload []byte
	handle  *payloadHandle
	frag    *FragmentOption

	nakRbExpiry    time.Time
	nakRptExpiry   time.Time
	nakRdataExpiry time.Time

	nakTransmitCount int
	ncfRetryCount    int
	dataRetryCount   int

	arrival time.Time
}

// NakTiming bundles the NAK back-off/repeat/rdata timers and retry
// ceilings configured on the transport (spec.md §6's nak_* surface).
type NakTiming struct {
	NakBoIvl       time.Duration
	NakRptIvl      time.Duration
	NakRdataIvl    time.Duration
	NakDataRetries int
	NakNcfRetries  int
}

// RXW is the receive window: ordered reassembly, gap tracking and the
// per-entry NAK state machine of spec.md §4.2.
type RXW struct {
	mu sync.Mutex

	sqns   uint32
	timing NakTiming
	rng    randSource

	entries map[SQN]*rxwEntry
	trail   SQN
	lead    SQN
	hasData bool

	backoffQueue  []*rxwEntry
	waitNcfQueue  []*rxwEntry
	waitDataQueue []*rxwEntry

	fragments map[SQN]*fragmentAssembly

	// onReady is invoked (without mu held) after every successful Insert,
	// whether or not it made new data contiguous, the generalization of the
	// teacher's waiting_link / peers_waiting wake-up path.
	onReady func()

	stats *Stats
}

// randSource abstracts the uniform draw used for NAK back-off so tests can
// supply a deterministic source; mathRand in transport.go satisfies it.
type randSource interface {
	Int63n(n int64) int64
}

// NewRXW creates a receive window holding up to sqns entries.
func NewRXW(sqns uint32, timing NakTiming, rng randSource, stats *Stats) *RXW {
	if sqns == 0 {
		sqns = 1
	}
	return &RXW{
		sqns:      sqns,
		timing:    timing,
		rng:       rng,
		entries:   make(map[SQN]*rxwEntry, sqns),
		fragments: make(map[SQN]*fragmentAssembly),
		stats:     stats,
	}
}

// SetOnReady installs the wake-up callback fired after every successful
// Insert.
func (w *RXW) SetOnReady(f func()) {
	w.mu.Lock()
	w.onReady = f
	w.mu.Unlock()
}

func (w *RXW) notifyReady() {
	w.mu.Lock()
	cb := w.onReady
	w.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// inWindowLocked reports whether sqn falls within [trail, trail+sqns-1],
// per spec.md §4.2's insertion invariant. trail.Distance(sqn) is sqn-trail
// in serial arithmetic; cast to uint32 it also rejects sqn behind trail,
// since a negative difference wraps to a value far above sqns-1.
func (w *RXW) inWindowLocked(sqn SQN) bool {
	if !w.hasData {
		return true
	}
	return uint32(w.trail.Distance(sqn)) <= w.sqns-1
}

// ensurePlaceholderLocked creates a BACK_OFF entry for sqn if one doesn't
// already exist, arming its back-off timer with a fresh uniform draw.
func (w *RXW) ensurePlaceholderLocked(sqn SQN, now time.Time) *rxwEntry {
	if e, ok := w.entries[sqn]; ok {
		return e
	}
	e := &rxwEntry{sqn: sqn, state: StateBackOff, arrival: now}
	w.armBackoffLocked(e, now)
	w.entries[sqn] = e
	w.backoffQueue = append(w.backoffQueue, e)
	return e
}

func (w *RXW) armBackoffLocked(e *rxwEntry, now time.Time) {
	ivl := w.timing.NakBoIvl
	if ivl <= 0 {
		ivl = time.Millisecond
	}
	draw := time.Duration(1 + w.rng.Int63n(int64(ivl)))
	e.nakRbExpiry = now.Add(draw)
	e.state = StateBackOff
}

// growLeadLocked creates PLACEHOLDER/BACK_OFF entries for every SQN in
// (prevLead, newSqn) when a forward jump is observed, per the spec's
// insertion invariants.
func (w *RXW) growLeadLocked(newSqn SQN, now time.Time) {
	if !w.hasData {
		w.trail = newSqn
		w.lead = newSqn
		w.hasData = true
		return
	}
	if newSqn.LessEqual(w.lead) {
		return
	}
	for s := w.lead.Add(1); s != newSqn; s = s.Add(1) {
		w.ensurePlaceholderLocked(s, now)
	}
	w.lead = newSqn
}

// Insert places a received ODATA/RDATA payload at sqn. isParity marks a
// parity repair packet (state becomes HAVE_PARITY rather than HAVE_DATA on
// success). frag carries the decoded OPT_FRAGMENT, or nil for whole-APDU
// packets.
func (w *RXW) Insert(sqn SQN, payload []byte, isParity bool, frag *FragmentOption, now time.Time) error {
	w.mu.Lock()

	if !w.inWindowLocked(sqn) {
		w.mu.Unlock()
		return fmt.Errorf("pgm: rxw sqn %d outside window [%d, %d]: %w", sqn, w.trail, w.trail.Add(w.sqns-1), ErrNotInWindow)
	}

	e, existed := w.entries[sqn]
	if existed && (e.state == StateHaveData || e.state == StateHaveParity || e.state == StateCommitted) {
		if w.stats != nil {
			w.stats.incr(&w.stats.ReceiverDupDatas)
		}
		w.mu.Unlock()
		return fmt.Errorf("pgm: rxw sqn %d already held: %w", sqn, ErrDuplicate)
	}

	w.growLeadLocked(sqn, now)
	e = w.ensurePlaceholderLocked(sqn, now)
	w.removeFromStateQueueLocked(e)

	e.payload = payload
	e.frag = frag
	if isParity {
		e.state = StateHaveParity
	} else {
		e.state = StateHaveData
	}

	if frag != nil {
		w.applyFragmentLocked(e, *frag)
	}

	w.mu.Unlock()
	w.notifyReady()
	return nil
}

// removeFromStateQueueLocked drops e from whichever of the three state
// queues currently references it. Queues are scanned linearly: bounded by
// rxw_sqns, acceptable for the window sizes this transport targets.
func (w *RXW) removeFromStateQueueLocked(e *rxwEntry) {
	w.backoffQueue = removeEntry(w.backoffQueue, e)
	w.waitNcfQueue = removeEntry(w.waitNcfQueue, e)
	w.waitDataQueue = removeEntry(w.waitDataQueue, e)
}

func removeEntry(q []*rxwEntry, target *rxwEntry) []*rxwEntry {
	for i, e := range q {
		if e == target {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}

// Trail, Lead report the current window bounds.
func (w *RXW) Trail() SQN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trail
}

func (w *RXW) Lead() SQN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lead
}

// Read scans from trail forward, returning contiguous committed payload
// and advancing trail past it (and silently past any LOST entries), per
// the zero-copy read path design note. Returned slices alias RXW-owned
// buffers and must not be retained past the next Read call.
func (w *RXW) Read(max int) [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out [][]byte
	for w.hasData && w.trail.LessEqual(w.lead) {
		e, ok := w.entries[w.trail]
		if !ok {
			break
		}
		switch e.state {
		case StateLost:
			delete(w.entries, w.trail)
			w.trail = w.trail.Add(1)
			continue
		case StateHaveData, StateHaveParity:
			e.state = StateCommitted
			out = append(out, e.payload)
			delete(w.entries, w.trail)
			w.trail = w.trail.Add(1)
			if max > 0 && len(out) >= max {
				return out
			}
			continue
		default:
			return out // gap: entry exists but isn't ready yet
		}
	}
	return out
}
