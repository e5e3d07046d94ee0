package lib

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

// buildODATA assembles a minimal ODATA/RDATA TPDU: 16-byte header followed
// by a 4-byte SQN and the payload, with a valid checksum.
func buildODATA(typ byte, sqn SQN, payload []byte, gsi GSI, sport, dport uint16, parity bool) []byte {
	tsduLen := 4 + len(payload)
	buf := make([]byte, HeaderSize+tsduLen)
	var opts byte
	if parity {
		opts |= OptBitParity
	}
	h := Header{SPort: sport, DPort: dport, Type: typ, Options: opts, GSI: gsi, TSDULength: uint16(tsduLen)}
	h.Marshal(buf)
	binary.BigEndian.PutUint32(buf[HeaderSize:HeaderSize+4], uint32(sqn))
	copy(buf[HeaderSize+4:], payload)
	WriteChecksum(buf)
	return buf
}

// buildNAK assembles a NAK TPDU carrying nak_sqn plus the claimed
// src/grp NLA fields the acceptance predicate in handleNak verifies.
func buildNAK(sqn SQN, gsi GSI, sport, dport uint16, srcNLA, grpNLA net.IP) []byte {
	buf := make([]byte, HeaderSize+nakBodyLen)
	h := Header{SPort: sport, DPort: dport, Type: TypeNAK, GSI: gsi, TSDULength: 0}
	h.Marshal(buf)
	binary.BigEndian.PutUint32(buf[HeaderSize:HeaderSize+4], uint32(sqn))
	marshalNLA(buf[HeaderSize+4:HeaderSize+4+nlaSize], srcNLA)
	marshalNLA(buf[HeaderSize+4+nlaSize:HeaderSize+4+2*nlaSize], grpNLA)
	WriteChecksum(buf)
	return buf
}

type fakeAddr struct{ s string }

func (f fakeAddr) Network() string { return "udp" }
func (f fakeAddr) String() string  { return f.s }

func newDispatchTestTransport(t *testing.T, recvOnly bool) *Transport {
	t.Helper()
	cfg := DefaultTransportConfig()
	cfg.RecvOnly = recvOnly
	tr, err := NewTransport(TSI{Port: 9999}, cfg)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	tr.dport = 1000
	tr.sourceNLA = &net.UDPAddr{IP: net.ParseIP("203.0.113.9")}
	tr.sendGroupNLA = &net.UDPAddr{IP: net.ParseIP("239.0.0.1")}
	return tr
}

// TestDispatchODataRoundTrip exercises scenario S1: a lossless ODATA
// delivery is inserted into the sender's RXW and becomes readable.
func TestDispatchODataRoundTrip(t *testing.T) {
	tr := newDispatchTestTransport(t, true)
	gsi := GSI{1, 2, 3, 4, 5, 6}
	src := fakeAddr{"203.0.113.1:1000"}

	buf := buildODATA(TypeODATA, 0, []byte("hello"), gsi, 1000, tr.dport, false)
	if err := tr.Dispatch(buf, src, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := tr.Read(0)
	if len(got) != 1 || string(got[0]) != "hello" {
		t.Fatalf("Read = %v, want [hello]", got)
	}
	if tr.Stats().DataMsgsReceived != 1 {
		t.Fatalf("DataMsgsReceived = %d, want 1", tr.Stats().DataMsgsReceived)
	}
}

// TestDispatchDuplicateOData exercises invariant 5 end to end through
// Dispatch: the second delivery of the same SQN is a no-op error and bumps
// ReceiverDupDatas by exactly one.
func TestDispatchDuplicateOData(t *testing.T) {
	tr := newDispatchTestTransport(t, true)
	gsi := GSI{1, 2, 3, 4, 5, 6}
	src := fakeAddr{"203.0.113.1:1000"}

	buf := buildODATA(TypeODATA, 0, []byte("hello"), gsi, 1000, tr.dport, false)
	if err := tr.Dispatch(buf, src, nil); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := tr.Dispatch(buf, src, nil); err != nil {
		t.Fatalf("duplicate dispatch should not surface an error: %v", err)
	}

	if tr.Stats().ReceiverDupDatas != 1 {
		t.Fatalf("ReceiverDupDatas = %d, want 1", tr.Stats().ReceiverDupDatas)
	}
	if tr.Stats().DataMsgsReceived != 1 {
		t.Fatalf("DataMsgsReceived = %d, want 1 (duplicate must not double count)", tr.Stats().DataMsgsReceived)
	}
}

func TestDispatchChecksumError(t *testing.T) {
	tr := newDispatchTestTransport(t, true)
	buf := buildODATA(TypeODATA, 0, []byte("x"), GSI{}, 1000, tr.dport, false)
	buf[HeaderSize] ^= 0xFF // corrupt after checksum was written

	err := tr.Dispatch(buf, fakeAddr{"x"}, nil)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("Dispatch = %v, want ErrChecksum", err)
	}
	if tr.Stats().ChecksumErrors != 1 {
		t.Fatalf("ChecksumErrors = %d, want 1", tr.Stats().ChecksumErrors)
	}
}

func TestDispatchMalformedShortHeader(t *testing.T) {
	tr := newDispatchTestTransport(t, true)
	err := tr.Dispatch(make([]byte, 4), fakeAddr{"x"}, nil)
	if err == nil {
		t.Fatal("expected an error for a too-short packet")
	}
}

// TestDispatchNakDestinedToSourceEnqueuesRetransmit exercises the
// acceptance predicate for a NAK destined to us as the source: it must
// enqueue a retransmit for an in-window SQN.
func TestDispatchNakDestinedToSourceEnqueuesRetransmit(t *testing.T) {
	tr := newDispatchTestTransport(t, false) // sender: has a TXW
	sqn := tr.txw.Push([]byte("retained-tpdu"))

	gsi := GSI{9, 9, 9, 9, 9, 9}
	srcNLA := addrIP(tr.sourceNLA)
	grpNLA := addrIP(tr.sendGroupNLA)
	buf := buildNAK(sqn, gsi, 1000, tr.tsi.Port, srcNLA, grpNLA)
	if err := tr.Dispatch(buf, fakeAddr{"203.0.113.2:1000"}, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	req, ok := tr.txw.RetransmitTryPop()
	if !ok || req.sqn != sqn {
		t.Fatalf("retransmit queue = %+v, ok=%t, want sqn=%d", req, ok, sqn)
	}
	if tr.Stats().SelectiveNaksReceived != 1 {
		t.Fatalf("SelectiveNaksReceived = %d, want 1", tr.Stats().SelectiveNaksReceived)
	}
}

// TestDispatchNakForEvictedSqnDiscarded exercises "a SQN outside the
// sender's window when the source receives the NAK is silently dropped".
func TestDispatchNakForEvictedSqnDiscarded(t *testing.T) {
	tr := newDispatchTestTransport(t, false)
	srcNLA := addrIP(tr.sourceNLA)
	grpNLA := addrIP(tr.sendGroupNLA)
	buf := buildNAK(SQN(12345), GSI{1, 1, 1, 1, 1, 1}, 1000, tr.tsi.Port, srcNLA, grpNLA)

	if err := tr.Dispatch(buf, fakeAddr{"x"}, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, ok := tr.txw.RetransmitTryPop(); ok {
		t.Fatal("a NAK for a SQN never pushed should not enqueue a retransmit")
	}
	if tr.Stats().PacketsDiscarded != 1 {
		t.Fatalf("PacketsDiscarded = %d, want 1", tr.Stats().PacketsDiscarded)
	}
}

// TestDispatchPeerExpiry exercises scenario S6: a peer with no traffic for
// peer_expiry is removed by the timer tick, and fresh traffic from the same
// TSI creates a brand new peer.
func TestDispatchPeerExpiry(t *testing.T) {
	tr := newDispatchTestTransport(t, true)
	tr.cfg.PeerExpiry = 50 * time.Millisecond
	gsi := GSI{1, 2, 3, 4, 5, 6}
	src := fakeAddr{"203.0.113.1:1000"}

	buf := buildODATA(TypeODATA, 0, []byte("a"), gsi, 1000, tr.dport, false)
	if err := tr.Dispatch(buf, src, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	tsi := TSI{GSI: gsi, Port: 1000}
	tr.peersLock.RLock()
	first := tr.peers[tsi]
	tr.peersLock.RUnlock()

	tr.expirePeers(time.Now().Add(time.Second))

	tr.peersLock.RLock()
	_, stillPresent := tr.peers[tsi]
	tr.peersLock.RUnlock()
	if stillPresent {
		t.Fatal("expired peer should have been removed")
	}

	buf2 := buildODATA(TypeODATA, 0, []byte("b"), gsi, 1000, tr.dport, false)
	if err := tr.Dispatch(buf2, src, nil); err != nil {
		t.Fatalf("Dispatch after expiry: %v", err)
	}
	tr.peersLock.RLock()
	second := tr.peers[tsi]
	tr.peersLock.RUnlock()
	if second == first {
		t.Fatal("traffic after expiry should create a fresh peer, not reuse the old one")
	}
	if tr.Stats().PeersExpired != 1 {
		t.Fatalf("PeersExpired = %d, want 1", tr.Stats().PeersExpired)
	}
}

var _ net.Addr = fakeAddr{}
