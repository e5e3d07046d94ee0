package lib

import (
	"testing"
	"time"
)

func newTestPeer() *Peer {
	return newPeer(TSI{Port: 1}, nil, 16, defaultTiming(), fixedRand{}, &Stats{}, nil, time.Now().Add(time.Second))
}

// TestPeerExpiry exercises invariant 9: a peer with no traffic for
// peer_expiry is reported expired.
func TestPeerExpiry(t *testing.T) {
	now := time.Now()
	p := newTestPeer()
	p.Expiry = now.Add(100 * time.Millisecond)

	if p.IsExpired(now) {
		t.Fatal("peer should not be expired yet")
	}
	if !p.IsExpired(now.Add(200 * time.Millisecond)) {
		t.Fatal("peer should be expired after its deadline")
	}

	p.TouchExpiry(now, time.Second)
	if p.IsExpired(now.Add(200 * time.Millisecond)) {
		t.Fatal("TouchExpiry should push the deadline forward")
	}
}

func TestPeerSpmrArmAndCancel(t *testing.T) {
	now := time.Now()
	p := newTestPeer()

	p.ArmSpmr(now, 50*time.Millisecond)
	if !p.SpmrDue(now.Add(100 * time.Millisecond)) {
		t.Fatal("SPMR should be due after its interval elapses")
	}

	p.CancelSpmr()
	if p.SpmrDue(now.Add(time.Second)) {
		t.Fatal("a cancelled SPMR should never be due again")
	}
}

func TestPeerObserveSpmRejectsStale(t *testing.T) {
	p := newTestPeer()

	if !p.ObserveSpm(10, nil) {
		t.Fatal("first SPM observation should be accepted")
	}
	if p.ObserveSpm(5, nil) {
		t.Fatal("an older spm_sqn should be rejected")
	}
	if !p.ObserveSpm(11, nil) {
		t.Fatal("a newer spm_sqn should be accepted")
	}

	fec := &PeerFecParams{TransmissionGroupSize: 8, Proactive: true}
	p.ObserveSpm(12, fec)
	if !p.HasFec || p.Fec.TransmissionGroupSize != 8 {
		t.Fatalf("peer FEC params = %+v, want learned from SPM", p.Fec)
	}
}

func TestPeerUnicastNlaUnknownUntilLearned(t *testing.T) {
	p := newTestPeer()
	if _, known := p.UnicastNLA(); known {
		t.Fatal("a fresh peer's unicast NLA should be unknown")
	}
}
