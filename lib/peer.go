package lib

import (
	"net"
	"sync"
	"time"
)

// PeerFecParams is what a peer has advertised about its transmission
// group size and parity mode via OPT_PARITY_PRM on an SPM.
type PeerFecParams struct {
	TransmissionGroupSize uint32
	Proactive             bool
	OnDemand              bool
}

// Peer is per-sender state tracked by a receiving transport: identity,
// addressing, expiry, and the RXW reassembling that sender's stream.
// Modeled on the teacher's per-connection bookkeeping in pconn.go,
// generalized from a single TCP peer to the PGM peer table of spec.md §3.
type Peer struct {
	mu sync.Mutex

	TSI TSI

	unicastNLA net.Addr // where we send NAKs/SPMRs to reach this source
	groupNLA   net.Addr // multicast destination this source publishes to
	localNLA   net.Addr // source address observed on the first packet

	Expiry      time.Time
	SpmrExpiry  time.Time // zero time means disarmed (never armed, sent, or cancelled)
	LastSpmSqn  SQN
	HasLastSqn  bool
	Fec         PeerFecParams
	HasFec      bool

	RXW *RXW

	fecMu     sync.Mutex
	rxGroups  map[SQN]*RxGroup

	// transport is a back-reference used only for stats/send; it does not
	// own the peer, breaking the cyclic reference-counted handle the spec
	// calls out (design note "cyclic reference-counted peer handle").
	transport *Transport
}

// newPeer creates a peer lazily on first sight of an unknown TSI, per
// spec.md §3. expiry is the absolute peer_expiry deadline.
func newPeer(tsi TSI, localNLA net.Addr, rxwSqns uint32, timing NakTiming, rng randSource, stats *Stats, t *Transport, expiry time.Time) *Peer {
	p := &Peer{
		TSI:       tsi,
		localNLA:  localNLA,
		Expiry:    expiry,
		transport: t,
		rxGroups:  make(map[SQN]*RxGroup),
	}
	p.RXW = NewRXW(rxwSqns, timing, rng, stats)
	return p
}

// TouchExpiry resets the peer's absolute expiry to now+ivl, called on every
// downstream packet from this TSI.
func (p *Peer) TouchExpiry(now time.Time, ivl time.Duration) {
	p.mu.Lock()
	p.Expiry = now.Add(ivl)
	p.mu.Unlock()
}

func (p *Peer) IsExpired(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.After(p.Expiry)
}

// LearnUnicastNLA records the address to send NAKs/SPMRs to; handleSpm
// passes the source address of each SPM datagram. Until this is called
// UnicastNLA reports false and any pending NAKs for this peer are resolved as
// ErrPeerUnknownNla per spec.md §4.2.
func (p *Peer) LearnUnicastNLA(addr net.Addr) {
	p.mu.Lock()
	p.unicastNLA = addr
	p.mu.Unlock()
}

func (p *Peer) UnicastNLA() (net.Addr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unicastNLA, p.unicastNLA != nil
}

// LocalNLA returns the source's interface NLA as observed on this peer's
// first packet, carried on outgoing NAKs so the source can verify the NAK
// claims its own interface (spec.md §4.4's acceptance predicate).
func (p *Peer) LocalNLA() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localNLA
}

func (p *Peer) LearnGroupNLA(addr net.Addr) {
	p.mu.Lock()
	p.groupNLA = addr
	p.mu.Unlock()
}

func (p *Peer) GroupNLA() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.groupNLA
}

// ArmSpmr arms the SPMR request timer for a freshly discovered peer.
func (p *Peer) ArmSpmr(now time.Time, ivl time.Duration) {
	p.mu.Lock()
	p.SpmrExpiry = now.Add(ivl)
	p.mu.Unlock()
}

// CancelSpmr disarms the SPMR timer, called when another peer's SPMR
// multicast is observed first (suppressing our own duplicate request) or
// once we've sent ours.
func (p *Peer) CancelSpmr() {
	p.mu.Lock()
	p.SpmrExpiry = time.Time{}
	p.mu.Unlock()
}

func (p *Peer) SpmrDue(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.SpmrExpiry.IsZero() && !now.Before(p.SpmrExpiry)
}

// ObserveSpm records the SPM sequence number and any FEC parameters carried
// on an incoming SPM, returning false if sqn is stale (already seen or
// older). The SPM's trail and lead fields are not read and do not move the
// peer's RXW.
func (p *Peer) ObserveSpm(sqn SQN, fec *PeerFecParams) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.HasLastSqn && sqn.LessEqual(p.LastSpmSqn) {
		return false
	}
	p.LastSpmSqn = sqn
	p.HasLastSqn = true
	if fec != nil {
		p.Fec = *fec
		p.HasFec = true
	}
	return true
}
