package lib

import "time"

// timerLoop is the Timer Engine (spec.md §4.3): one dedicated goroutine
// that computes the next wake-up across every timed source of work and
// dispatches the corresponding state transition, the Go-channel
// replacement for the reference implementation's dedicated pthread plus
// condition variable.
func (t *Transport) timerLoop(ready chan struct{}) {
	defer t.wg.Done()
	close(ready) // signals the thread-started-then-signalled bootstrap is complete

	for {
		now := time.Now()
		sleep := t.nextPoll(now).Sub(now)
		if sleep < 0 {
			sleep = 0
		}

		timer := time.NewTimer(sleep)
		select {
		case <-t.stopCh:
			timer.Stop()
			return
		case <-t.timerWake.C():
			timer.Stop()
		case <-timer.C:
		}

		t.tick(time.Now())
	}
}

// nextPoll computes min(next_ambient_spm, next_heartbeat_spm (if armed),
// every peer RXW's next timer, every peer's spmr_expiry, every peer's
// expiry), per spec.md §4.3.
func (t *Transport) nextPoll(now time.Time) time.Time {
	t.mutex.Lock()
	min := t.nextAmbientSpm
	if t.heartbeatArmed && t.nextHeartbeatSpm.Before(min) {
		min = t.nextHeartbeatSpm
	}
	t.mutex.Unlock()

	t.peersLock.RLock()
	defer t.peersLock.RUnlock()
	for _, p := range t.peers {
		if exp, ok := p.RXW.NextExpiry(); ok && exp.Before(min) {
			min = exp
		}
		if !p.SpmrExpiry.IsZero() && p.SpmrExpiry.Before(min) {
			min = p.SpmrExpiry
		}
		if p.Expiry.Before(min) {
			min = p.Expiry
		}
	}
	return min
}

// tick runs every timer-driven state transition due at now: SPM emission,
// each peer's NAK state machine, SPMR firing, and peer expiry.
func (t *Transport) tick(now time.Time) {
	t.tickSpm(now)

	t.peersLock.RLock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peersLock.RUnlock()

	for _, p := range peers {
		t.tickPeerNaks(p, now)
		if p.SpmrDue(now) {
			t.sendSpmr(p)
			p.CancelSpmr()
		}
	}

	t.expirePeers(now)
}

// tickSpm fires the ambient/heartbeat SPM cadences described in spec.md
// §4.3 and §4.6.
func (t *Transport) tickSpm(now time.Time) {
	if t.txw == nil {
		return // recv_only transports never emit SPM
	}

	t.mutex.Lock()
	fireAmbient := !now.Before(t.nextAmbientSpm)
	fireHeartbeat := !fireAmbient && t.heartbeatArmed && !now.Before(t.nextHeartbeatSpm)
	if fireAmbient {
		t.nextAmbientSpm = now.Add(t.cfg.SpmAmbientInterval)
		t.heartbeatArmed = false
	}
	var heartbeatIvl time.Duration
	if fireHeartbeat {
		t.heartbeatIdx++
		if t.heartbeatIdx >= len(t.cfg.SpmHeartbeatInterval) {
			t.heartbeatArmed = false
		} else {
			heartbeatIvl = t.cfg.SpmHeartbeatInterval[t.heartbeatIdx]
			t.nextHeartbeatSpm = now.Add(heartbeatIvl)
		}
	}
	t.mutex.Unlock()

	if fireAmbient || fireHeartbeat {
		t.sendSpm()
	}
}

// armHeartbeat resets the heartbeat ramp to its first interval, called
// after every successful ODATA/RDATA emission per spec.md §4.3.
func (t *Transport) armHeartbeat(now time.Time) {
	if len(t.cfg.SpmHeartbeatInterval) == 0 {
		return
	}
	t.mutex.Lock()
	t.heartbeatArmed = true
	t.heartbeatIdx = 0
	t.nextHeartbeatSpm = now.Add(t.cfg.SpmHeartbeatInterval[0])
	t.mutex.Unlock()
}

// tickPeerNaks drives one peer's RXW.Tick and dispatches whatever NAK
// plan falls out of it.
func (t *Transport) tickPeerNaks(p *Peer, now time.Time) {
	_, nlaKnown := p.UnicastNLA()
	useParityNak := t.hasFec && p.HasFec && p.Fec.OnDemand
	shift := uint(0)
	if p.HasFec {
		shift = log2Floor(uint(p.Fec.TransmissionGroupSize))
	}

	plan := p.RXW.Tick(now, nlaKnown, useParityNak, shift)
	if len(plan.NakLists) > 0 {
		t.sendSelectiveNaks(p, plan.NakLists)
	}
	if len(plan.ParityNaks) > 0 {
		t.sendParityNaks(p, plan.ParityNaks)
	}
	for _, sqn := range plan.Lost {
		_ = sqn // LOST transitions are observed by the reader as a skipped gap on Read
	}
}
