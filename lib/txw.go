package lib

import (
	"fmt"
	"sync"
)

// txwEntry is one retained outgoing TPDU, grounded on the teacher's
// PacketInfo entries inside ResendPackets (lib/packet.go): payload bytes
// keyed by sequence number for fast retransmit lookup, generalized here
// with the transmission-group index the FEC path needs.
type txwEntry struct {
	sqn     SQN
	payload []byte // full serialized TPDU, ready to resend as-is
	tgSqn   SQN    // transmission-group base this entry belongs to
	handle  *payloadHandle
}

// retransmitRequest is one pending entry in the retransmit queue built by
// RetransmitPush/RetransmitTryPop.
type retransmitRequest struct {
	sqn      SQN  // original SQN (ignored when isParity)
	tgBase   SQN  // transmission group base
	isParity bool
	parityH  int // accumulated parity packet count requested for this group
}

// TXW is the transmit window: a ring of the most recently pushed TPDUs,
// generalizing the teacher's ResendPackets map-of-sent-packets (lib/packet.go)
// into a bounded, eviction-aware window per spec.md §4.1.
type TXW struct {
	mu         sync.RWMutex
	sqns       uint32 // capacity, txw_sqns
	tgSqnShift uint   // log2(rs_k), 0 when FEC disabled

	entries map[SQN]*txwEntry
	trail   SQN
	lead    SQN
	hasData bool

	// retransmit queue, FIFO by insertion with per-transmission-group
	// coalescing for parity requests.
	rq     []*retransmitRequest
	rqByTg map[SQN]*retransmitRequest

	// pool, when set, backs every retained payload with a loaned
	// ringpool slot instead of the caller's own slice (see payloadpool.go),
	// returned to the ring as soon as an entry is evicted.
	pool *PayloadPool
}

// NewTXW creates a transmit window retaining up to sqns TPDUs. tgSqnShift
// is log2(rs_k) when FEC is enabled, 0 otherwise.
func NewTXW(sqns uint32, tgSqnShift uint) *TXW {
	if sqns == 0 {
		sqns = 1
	}
	return &TXW{
		sqns:       sqns,
		tgSqnShift: tgSqnShift,
		entries:    make(map[SQN]*txwEntry, sqns),
		rqByTg:     make(map[SQN]*retransmitRequest),
	}
}

// SetPool attaches a PayloadPool so future Push calls retain their TPDU
// bytes in a pooled buffer rather than the caller's own slice. Optional:
// a TXW with no pool attached retains payload slices directly, unchanged
// from before pooling was wired in.
func (w *TXW) SetPool(pool *PayloadPool) {
	w.mu.Lock()
	w.pool = pool
	w.mu.Unlock()
}

func (w *TXW) tgBase(sqn SQN) SQN {
	if w.tgSqnShift == 0 {
		return sqn
	}
	mask := ^uint32(0) << w.tgSqnShift
	return SQN(uint32(sqn) & mask)
}

// Push appends payload at lead+1 (or the initial SQN on the very first
// push), evicting the trailing entry if the window is full, and returns
// the assigned SQN. Matches invariant 1: the returned SQN is always prior
// lead+1.
func (w *TXW) Push(payload []byte) SQN {
	w.mu.Lock()
	defer w.mu.Unlock()

	var sqn SQN
	if w.hasData {
		sqn = w.lead.Add(1)
	} else {
		sqn = w.trail
	}

	entry := &txwEntry{sqn: sqn, payload: payload}
	if w.pool != nil {
		if h, pooled, err := w.pool.Get(payload); err == nil {
			entry.handle = h
			entry.payload = pooled
		}
		// pool exhaustion falls back to retaining the caller's own slice
		// rather than failing the send outright.
	}
	entry.tgSqn = w.tgBase(sqn)
	w.entries[sqn] = entry
	w.lead = sqn
	if !w.hasData {
		w.trail = sqn
		w.hasData = true
	}

	for uint32(w.trail.Distance(w.lead))+1 > w.sqns {
		w.evictLocked(w.trail)
		w.trail = w.trail.Add(1)
	}
	return sqn
}

// evictLocked drops the entry at sqn, returning its pooled buffer to the
// ring if one was loaned.
func (w *TXW) evictLocked(sqn SQN) {
	if e, ok := w.entries[sqn]; ok && w.pool != nil && e.handle != nil {
		w.pool.Put(e.handle)
	}
	delete(w.entries, sqn)
}

// Peek returns the retained payload for sqn, or ErrNotInWindow if it has
// already been evicted or has not been assigned yet.
func (w *TXW) Peek(sqn SQN) ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.hasData || sqn.Less(w.trail) || w.lead.Less(sqn) {
		return nil, fmt.Errorf("pgm: txw sqn %d outside [%d,%d]: %w", sqn, w.trail, w.lead, ErrNotInWindow)
	}
	e, ok := w.entries[sqn]
	if !ok {
		return nil, fmt.Errorf("pgm: txw sqn %d evicted: %w", sqn, ErrNotInWindow)
	}
	return e.payload, nil
}

// Trail returns the oldest retained SQN.
func (w *TXW) Trail() SQN {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.trail
}

// Lead returns the most recently pushed SQN.
func (w *TXW) Lead() SQN {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lead
}

// NextLead returns the SQN the next Push will assign.
func (w *TXW) NextLead() SQN {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.hasData {
		return w.trail
	}
	return w.lead.Add(1)
}

// RetransmitPush enqueues a pending retransmit for sqn. When isParity is
// true, the request is coalesced by transmission group: a duplicate within
// the same group only bumps the requested parity count rather than
// enqueuing a second request, matching the spec's transmission-group
// coalescing rule.
func (w *TXW) RetransmitPush(sqn SQN, isParity bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !isParity {
		w.rq = append(w.rq, &retransmitRequest{sqn: sqn})
		return
	}

	tg := w.tgBase(sqn)
	if req, ok := w.rqByTg[tg]; ok {
		req.parityH++
		return
	}
	req := &retransmitRequest{tgBase: tg, isParity: true, parityH: 1}
	w.rqByTg[tg] = req
	w.rq = append(w.rq, req)
}

// RetransmitTryPop dequeues one pending retransmit request. ok is false
// when the queue is empty.
func (w *TXW) RetransmitTryPop() (req retransmitRequest, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.rq) == 0 {
		return retransmitRequest{}, false
	}
	next := w.rq[0]
	w.rq = w.rq[1:]
	if next.isParity {
		delete(w.rqByTg, next.tgBase)
	}
	return *next, true
}
