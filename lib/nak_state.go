package lib

import "time"

// NakPlan is the set of NAK-related actions RXW.Tick wants the receiver
// loop to carry out this tick: selective NAKs (optionally batched into
// OPT_NAK_LIST groups), coalesced parity-NAK requests per transmission
// group, and SQNs that just transitioned to LOST.
type NakPlan struct {
	// NakLists maps a batch's primary SQN to any additional SQNs riding
	// along in that NAK's OPT_NAK_LIST (nil/empty means send the NAK
	// alone, per the spec's "send individually only when list length is
	// 1" rule).
	NakLists map[SQN][]SQN
	// ParityNaks maps a transmission-group base to the number of parity
	// packets requested for that group.
	ParityNaks map[SQN]int
	Lost       []SQN
}

// maxNakListTotal is the spec's ceiling of 63 SQNs per emitted NAK
// (1 primary + up to 62 OPT_NAK_LIST entries).
const maxNakListTotal = 63

// MarkNCF transitions sqn from WAIT_NCF to WAIT_DATA on receipt of an NCF,
// per spec.md §4.2. Returns false if sqn wasn't awaiting one.
func (w *RXW) MarkNCF(sqn SQN, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[sqn]
	if !ok || e.state != StateWaitNcf {
		return false
	}
	w.removeFromStateQueueLocked(e)
	e.state = StateWaitData
	ivl := w.timing.NakRdataIvl
	if ivl <= 0 {
		ivl = time.Millisecond
	}
	e.nakRdataExpiry = now.Add(ivl)
	w.waitDataQueue = append(w.waitDataQueue, e)
	return true
}

// Tick advances every expired timer across the three state queues and
// returns the work the caller (the receiver loop) must perform: NAKs to
// send and SQNs newly marked LOST. peerNlaKnown mirrors the spec's rule
// that a peer whose unicast NLA is still unknown cannot be NAKed at all.
// useParityNak/tgSqnShift select the parity-NAK coalescing path for FEC-
// enabled peers.
func (w *RXW) Tick(now time.Time, peerNlaKnown, useParityNak bool, tgSqnShift uint) NakPlan {
	w.mu.Lock()
	defer w.mu.Unlock()

	plan := NakPlan{NakLists: make(map[SQN][]SQN), ParityNaks: make(map[SQN]int)}

	var selective []SQN
	var stillDue []*rxwEntry
	for _, e := range w.backoffQueue {
		if e.nakRbExpiry.After(now) {
			stillDue = append(stillDue, e)
			continue
		}
		if !peerNlaKnown {
			w.markLostLocked(e, &plan)
			if w.stats != nil {
				w.stats.incr(&w.stats.ReceiverNaksFailedUnknownNla)
			}
			continue
		}

		e.nakTransmitCount++
		e.nakRptExpiry = now.Add(nonZero(w.timing.NakRptIvl))
		e.state = StateWaitNcf
		w.waitNcfQueue = append(w.waitNcfQueue, e)

		if useParityNak {
			mask := ^uint32(0) << tgSqnShift
			tg := SQN(uint32(e.sqn) & mask)
			plan.ParityNaks[tg]++
		} else {
			selective = append(selective, e.sqn)
		}
	}
	w.backoffQueue = stillDue

	batchNaks(selective, plan.NakLists)

	var ncfStillDue []*rxwEntry
	for _, e := range w.waitNcfQueue {
		if e.nakRptExpiry.After(now) {
			ncfStillDue = append(ncfStillDue, e)
			continue
		}
		e.ncfRetryCount++
		if e.ncfRetryCount > w.timing.NakNcfRetries {
			w.markLostLocked(e, &plan)
			if w.stats != nil {
				w.stats.incr(&w.stats.ReceiverNaksFailedNcfRetries)
			}
			continue
		}
		w.armBackoffLocked(e, now)
		w.backoffQueue = append(w.backoffQueue, e)
	}
	w.waitNcfQueue = ncfStillDue

	var dataStillDue []*rxwEntry
	for _, e := range w.waitDataQueue {
		if e.nakRdataExpiry.After(now) {
			dataStillDue = append(dataStillDue, e)
			continue
		}
		e.dataRetryCount++
		if e.dataRetryCount > w.timing.NakDataRetries {
			w.markLostLocked(e, &plan)
			if w.stats != nil {
				w.stats.incr(&w.stats.ReceiverNaksFailedDataRetries)
			}
			continue
		}
		w.armBackoffLocked(e, now)
		w.backoffQueue = append(w.backoffQueue, e)
	}
	w.waitDataQueue = dataStillDue

	return plan
}

// markLostLocked transitions e to LOST and records it in plan.Lost. Must
// be called with w.mu held; e must already have been removed from its
// state queue by the caller's filtering loop.
func (w *RXW) markLostLocked(e *rxwEntry, plan *NakPlan) {
	e.state = StateLost
	plan.Lost = append(plan.Lost, e.sqn)
}

// NextExpiry returns the earliest timer across all three state queues, for
// the timer engine's next_poll computation.
func (w *RXW) NextExpiry() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var min time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.Before(min) {
			min, found = t, true
		}
	}
	for _, e := range w.backoffQueue {
		consider(e.nakRbExpiry)
	}
	for _, e := range w.waitNcfQueue {
		consider(e.nakRptExpiry)
	}
	for _, e := range w.waitDataQueue {
		consider(e.nakRdataExpiry)
	}
	return min, found
}

func nonZero(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// batchNaks groups sqns into OPT_NAK_LIST batches of at most
// maxNakListTotal entries each, writing primary->additional into dst.
func batchNaks(sqns []SQN, dst map[SQN][]SQN) {
	for len(sqns) > 0 {
		n := len(sqns)
		if n > maxNakListTotal {
			n = maxNakListTotal
		}
		batch := sqns[:n]
		dst[batch[0]] = append([]SQN(nil), batch[1:]...)
		sqns = sqns[n:]
	}
}
