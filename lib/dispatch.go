package lib

import (
	"errors"
	"net"
	"time"
)

// Dispatch validates and routes one received TPDU, implementing spec.md
// §4.4's Packet Parser/Dispatcher. src is the datagram's source address as
// reported by the packet I/O layer; dst is the datagram's destination
// address when the packet I/O layer can report it (nil otherwise), used to
// learn a peer's published group NLA from an incoming multicast SPM/ODATA
// (spec.md §3: Peer.groupNLA is "learned from incoming multicast dst").
func (t *Transport) Dispatch(buf []byte, src, dst net.Addr) error {
	if !VerifyChecksum(buf) {
		t.stats.incr(&t.stats.ChecksumErrors)
		return ErrChecksum
	}

	hdr, err := UnmarshalHeader(buf)
	if err != nil {
		t.stats.incr(&t.stats.Malformed)
		return err
	}
	body := buf[HeaderSize:]

	// The option chain, when present, follows the packet-type-specific
	// fixed body (spec.md §6); each type's fixed-body length differs, so
	// options are only parseable once the handler knows where its own
	// fixed fields end. fixedBodyLen returns that boundary per type.
	fixedLen := fixedBodyLen(hdr)
	var opts []Option
	if hdr.Options&OptBitPresent != 0 && fixedLen <= len(body) {
		opts, err = ParseOptions(body[fixedLen:])
		if err != nil {
			t.stats.incr(&t.stats.Malformed)
			return err
		}
	}

	now := time.Now()

	switch hdr.Type {
	case TypeODATA, TypeRDATA:
		return t.handleData(hdr, body, opts, src, dst, now)
	case TypeSPM:
		return t.handleSpm(hdr, body, opts, src, dst, now)
	case TypeNCF:
		return t.handleNcf(hdr, body, src, now)
	case TypeNAK:
		return t.handleNak(hdr, body, opts, src, now)
	case TypeNNAK:
		return nil // accepted and ignored; no NNAK counter is kept
	case TypeSPMR:
		return t.handleSpmr(hdr, src, now)
	case TypePoll, TypePolr:
		t.stats.incr(&t.stats.PacketsDiscarded)
		return nil
	default:
		t.stats.incr(&t.stats.Malformed)
		return ErrMalformed
	}
}

// fixedBodyLen returns how many bytes of a packet's body are its
// type-specific fixed fields, before any TLV option chain begins.
func fixedBodyLen(hdr Header) int {
	switch hdr.Type {
	case TypeODATA, TypeRDATA:
		return int(hdr.TSDULength)
	case TypeSPM:
		return 12
	case TypeNAK, TypeNNAK:
		return nakBodyLen
	case TypeNCF:
		return 4
	default: // TypeSPMR, TypePoll, TypePolr
		return 0
	}
}

// acceptDownstream implements the "downstream data destined to us" test:
// pgm.dport == our.dport.
func (t *Transport) acceptDownstream(hdr Header) bool {
	return hdr.DPort == t.dport
}

// acceptNakForUs implements spec.md §4.4's full "NAK destined to source"
// acceptance predicate: nak.src_nla == our.interface_nla && nak.grp_nla ==
// our.send_multiaddr && pgm.dport == our.src_port_in_tsi. claimedSrcNLA and
// claimedGrpNLA are what the NAK's sender believes our interface and group
// NLA to be, carried on the wire per sendOneNak.
func (t *Transport) acceptNakForUs(hdr Header, claimedSrcNLA, claimedGrpNLA net.IP) bool {
	if t.txw == nil {
		return false
	}
	if hdr.DPort != t.tsi.Port {
		return false
	}
	ourSrc := addrIP(t.sourceNLA)
	if ourSrc == nil || !ourSrc.Equal(claimedSrcNLA) {
		return false
	}
	ourGrp := addrIP(t.sendGroupNLA)
	if ourGrp == nil || !ourGrp.Equal(claimedGrpNLA) {
		return false
	}
	return true
}

// addrIP extracts the bare IP from a net.Addr carrying one (the only two
// concrete types this module's PacketIO implementations hand back), or nil
// for anything else.
func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}

func (t *Transport) handleData(hdr Header, body []byte, opts []Option, src, dst net.Addr, now time.Time) error {
	if !t.acceptDownstream(hdr) {
		t.stats.incr(&t.stats.PacketsDiscarded)
		return nil
	}

	tsi := TSI{GSI: hdr.GSI, Port: hdr.SPort}
	peer := t.getOrCreatePeer(tsi, src, now)
	peer.TouchExpiry(now, t.cfg.PeerExpiry)
	if dst != nil {
		peer.LearnGroupNLA(dst)
	}

	sqn := SQN(bodySqn(body))
	isParity := hdr.Options&OptBitParity != 0

	var frag *FragmentOption
	for _, o := range opts {
		if o.Type == OptTypeFragment {
			f, err := ParseFragmentOption(o.Value)
			if err != nil {
				t.stats.incr(&t.stats.Malformed)
				return err
			}
			frag = &f
		}
	}

	payload := body[4:hdr.TSDULength]
	err := peer.RXW.Insert(sqn, payload, isParity, frag, now)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil
		}
		return err
	}

	// SelectiveNaksReceived belongs to the source that is handed an
	// incoming NAK (see handleNak); a receiver taking delivery of the
	// repair data it asked for is counted only via DataMsgsReceived, not
	// as a second, unrelated "NAK received" event.
	t.stats.incr(&t.stats.DataMsgsReceived)

	if t.hasFec {
		t.applyFec(peer, sqn, payload, isParity, now)
	}
	return nil
}

// applyFec folds the just-inserted member into its transmission group's
// bookkeeping and, once the group becomes recoverable, decodes the
// missing originals and inserts them into the RXW as HAVE_PARITY entries
// (spec.md invariant 7: recovery preserves original SQN ordering because
// each reconstructed payload is inserted at its true SQN).
func (t *Transport) applyFec(peer *Peer, sqn SQN, payload []byte, isParity bool, now time.Time) {
	recovered, err := peer.trackFec(t.fec, t.codec, sqn, payload, isParity)
	if err != nil || recovered == nil {
		return
	}
	for rsqn, data := range recovered {
		if rsqn == sqn {
			continue // the member we just inserted directly
		}
		if err := peer.RXW.Insert(rsqn, data, true, nil, now); err == nil {
			t.stats.incr(&t.stats.FecPacketsRecovered)
			t.stats.incr(&t.stats.DataMsgsReceived)
		}
	}
}

// bodySqn extracts the 4-byte SQN leading every ODATA/RDATA body.
func bodySqn(body []byte) uint32 {
	if len(body) < 4 {
		return 0
	}
	return uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
}

func (t *Transport) handleSpm(hdr Header, body []byte, opts []Option, src, dst net.Addr, now time.Time) error {
	if len(body) < 12 {
		t.stats.incr(&t.stats.Malformed)
		return ErrMalformed
	}
	sqn := SQN(bodySqn(body))

	tsi := TSI{GSI: hdr.GSI, Port: hdr.SPort}
	peer := t.getOrCreatePeer(tsi, src, now)
	peer.TouchExpiry(now, t.cfg.PeerExpiry)
	peer.LearnUnicastNLA(src)
	if dst != nil {
		peer.LearnGroupNLA(dst)
	}

	var fec *PeerFecParams
	for _, o := range opts {
		if o.Type == OptTypeParityPrm {
			prm, err := ParseParityPrmOption(o.Value)
			if err == nil {
				fec = &PeerFecParams{TransmissionGroupSize: prm.TransmissionGroupSize, Proactive: prm.Proactive, OnDemand: prm.OnDemand}
			}
		}
	}
	peer.ObserveSpm(sqn, fec)

	peer.CancelSpmr() // source answered; no need to ask again
	return nil
}

func (t *Transport) handleNcf(hdr Header, body []byte, src net.Addr, now time.Time) error {
	tsi := TSI{GSI: hdr.GSI, Port: hdr.SPort}
	t.peersLock.RLock()
	peer, ok := t.peers[tsi]
	t.peersLock.RUnlock()
	if !ok {
		return nil
	}
	sqn := SQN(bodySqn(body))
	peer.RXW.MarkNCF(sqn, now)
	return nil
}

// handleNak processes a NAK. When it's destined to us as the source
// (matching the acceptance predicate in spec.md §4.4) we enqueue
// retransmits; when it's a peer's multicast NAK for SQNs we ourselves are
// also waiting on, we suppress our own pending NAKs for them.
func (t *Transport) handleNak(hdr Header, body []byte, opts []Option, src net.Addr, now time.Time) error {
	if len(body) < nakBodyLen {
		t.stats.incr(&t.stats.Malformed)
		return ErrMalformed
	}
	nakSqn := SQN(bodySqn(body))
	isParity := hdr.Options&OptBitParity != 0
	claimedSrcNLA := unmarshalNLA(body[4 : 4+nlaSize])
	claimedGrpNLA := unmarshalNLA(body[4+nlaSize : 4+2*nlaSize])

	var extra []SQN
	for _, o := range opts {
		if o.Type == OptTypeNakList {
			extra = NakListOption(o.Value)
		}
	}

	if t.acceptNakForUs(hdr, claimedSrcNLA, claimedGrpNLA) {
		if _, err := t.txw.Peek(nakSqn); err != nil {
			t.stats.incr(&t.stats.PacketsDiscarded)
		} else {
			t.txw.RetransmitPush(nakSqn, isParity)
			for _, s := range extra {
				t.txw.RetransmitPush(s, isParity)
			}
			t.sendNcf(nakSqn, extra)
			t.rdataWake.Fire()
		}
		if isParity {
			t.stats.incr(&t.stats.ParityNaksReceived)
		} else {
			t.stats.incr(&t.stats.SelectiveNaksReceived)
		}
		return nil
	}

	// A different peer multicast this NAK: suppress our own pending NAK
	// for the same SQNs if we're also a receiver of this TSI.
	tsi := TSI{GSI: hdr.GSI, Port: hdr.SPort}
	t.peersLock.RLock()
	peer, ok := t.peers[tsi]
	t.peersLock.RUnlock()
	if ok {
		peer.RXW.MarkNCF(nakSqn, now)
		for _, s := range extra {
			peer.RXW.MarkNCF(s, now)
		}
	}
	return nil
}

func (t *Transport) handleSpmr(hdr Header, src net.Addr, now time.Time) error {
	tsi := TSI{GSI: hdr.GSI, Port: hdr.SPort}
	if hdr.DPort == t.dport && t.txw != nil {
		t.sendSpm()
		return nil
	}
	t.peersLock.RLock()
	peer, ok := t.peers[tsi]
	t.peersLock.RUnlock()
	if ok {
		peer.CancelSpmr()
	}
	return nil
}
