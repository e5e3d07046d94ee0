package lib

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Send implements the Sender Loop's segmentation (spec.md §4.5): an APDU
// longer than maxTsduFragment is split into TPDUs each carrying
// OPT_FRAGMENT; a short APDU becomes a single TPDU with no fragment
// option. Fragments are pushed into the TXW and sent one after another in
// SQN order; no lock spans a fragment's push and its send, so the
// fragments of concurrent Send calls can interleave on the wire.
func (t *Transport) Send(apdu []byte) error {
	if t.txw == nil {
		return fmt.Errorf("pgm: transport is recv_only: %w", ErrInvalidArgument)
	}

	maxTsdu := t.maxTsduFragment()
	if len(apdu) <= maxTsdu {
		return t.sendFragment(apdu, nil)
	}

	var firstSqn SQN
	haveFirst := false
	for off := 0; off < len(apdu); off += maxTsdu {
		end := off + maxTsdu
		if end > len(apdu) {
			end = len(apdu)
		}
		frag := FragmentOption{FragOff: uint32(off), FragLen: uint32(len(apdu))}
		if haveFirst {
			frag.ApduFirstSqn = firstSqn
		} else {
			frag.ApduFirstSqn = t.txw.NextLead()
		}
		sqn, err := t.sendFragmentSqn(apdu[off:end], &frag)
		if err != nil {
			return err
		}
		if !haveFirst {
			firstSqn = sqn
			haveFirst = true
		}
	}
	return nil
}

func (t *Transport) maxTsduFragment() int {
	overhead := HeaderSize + 4 /* sqn */ + 4 /* OPT_LENGTH */ + 15 /* OPT_FRAGMENT TLV */
	n := int(t.cfg.MaxTPDU) - overhead
	if n < 1 {
		n = 1
	}
	return n
}

func (t *Transport) sendFragment(payload []byte, frag *FragmentOption) error {
	_, err := t.sendFragmentSqn(payload, frag)
	return err
}

func (t *Transport) sendFragmentSqn(payload []byte, frag *FragmentOption) (SQN, error) {
	sqn := t.txw.NextLead()
	buf := t.buildDataTPDU(TypeODATA, sqn, payload, false, frag)
	assigned := t.txw.Push(buf)

	if _, err := t.pgmSendTo(buf, t.sendGroupNLA, false, true); err != nil {
		return assigned, err
	}
	t.stats.incr(&t.stats.DataMsgsSent)
	t.armHeartbeat(time.Now())

	if t.hasFec && t.fec.Proactive && t.codec != nil {
		t.accumulateProactive(assigned, buf, frag)
	}
	return assigned, nil
}

// accumulateProactive folds a just-sent ODATA TPDU into the transport's
// current proactive transmission group (spec.md §2 C8, §4.5, scenario S4:
// "Sender emits SQN 0..3 + 2 proactive parity"). Once the group reaches k
// members it is encoded and the h parity payloads are pushed into the TXW
// and sent as ODATA carrying OPT_PARITY, immediately following the last
// original member, the same way use_proactive_parity advertises in the SPM.
func (t *Transport) accumulateProactive(sqn SQN, buf []byte, frag *FragmentOption) {
	t.proactiveMu.Lock()
	defer t.proactiveMu.Unlock()

	tgBase := t.txw.tgBase(sqn)
	if t.proactiveGroup == nil || t.proactiveGroup.base != tgBase {
		t.proactiveGroup = NewTxGroup(t.fec, tgBase)
	}

	var fragBytes []byte
	if frag != nil {
		fragBytes = frag.Marshal()
	}
	if !t.proactiveGroup.Add(buf, fragBytes) {
		return
	}
	group := t.proactiveGroup
	t.proactiveGroup = nil

	parity, err := group.Encode(t.codec)
	if err != nil {
		return
	}
	for _, p := range parity {
		psqn := t.txw.NextLead()
		pbuf := t.buildDataTPDU(TypeODATA, psqn, p, true, nil)
		t.txw.Push(pbuf)
		if _, err := t.pgmSendTo(pbuf, t.sendGroupNLA, false, true); err == nil {
			t.stats.incr(&t.stats.DataMsgsSent)
		}
	}
}

// buildDataTPDU assembles an ODATA/RDATA TPDU: header, 4-byte SQN, payload,
// and an OPT_FRAGMENT chain when frag is non-nil.
func (t *Transport) buildDataTPDU(typ byte, sqn SQN, payload []byte, isParity bool, frag *FragmentOption) []byte {
	bodyLen := 4 + len(payload)
	var optBytes []byte
	if frag != nil {
		optBytes = encodeSingleOption(OptTypeFragment, frag.Marshal())
	}

	buf := make([]byte, HeaderSize+bodyLen+len(optBytes))
	var options byte
	if isParity {
		options |= OptBitParity
	}
	if len(optBytes) > 0 {
		options |= OptBitPresent
	}
	hdr := Header{SPort: t.tsi.Port, DPort: t.dport, Type: typ, Options: options, GSI: t.tsi.GSI, TSDULength: uint16(bodyLen)}
	hdr.Marshal(buf)

	binary.BigEndian.PutUint32(buf[HeaderSize:HeaderSize+4], uint32(sqn))
	copy(buf[HeaderSize+4:], payload)
	copy(buf[HeaderSize+bodyLen:], optBytes)

	WriteChecksum(buf)
	return buf
}

// encodeSingleOption wraps value in the minimal OPT_LENGTH + single-TLV
// chain, marking it as both the first and last (OPT_END) option.
func encodeSingleOption(typ byte, value []byte) []byte {
	totalLen := optTypeLengthSize + 2 + len(value)
	buf := make([]byte, totalLen)
	buf[0] = optTypeLength | optEndMask
	buf[1] = optTypeLengthSize
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	buf[4] = typ | optEndMask
	buf[5] = byte(2 + len(value))
	copy(buf[6:], value)
	return buf
}

// pgmSendTo is the send primitive of spec.md §4.5: serialised via one of
// two mutexes depending on whether the router-alert path is used (SPM,
// NAK, NCF, RDATA) or the plain path (ODATA, SPMR). noReplyExpected
// threads through the optional MSG_CONFIRM-style hint (design note (a)).
// A send the rate limiter refuses is retried once after a 500µs pause
// before surfacing ErrRateLimited. Sending before Bind has attached a
// packet I/O returns ErrNotBound.
func (t *Transport) pgmSendTo(buf []byte, dst net.Addr, routerAlert bool, noReplyExpected bool) (int, error) {
	if t.io == nil {
		return 0, fmt.Errorf("pgm: send before bind: %w", ErrNotBound)
	}
	if t.rate != nil && !t.rate.Check(len(buf)) {
		time.Sleep(500 * time.Microsecond)
		if !t.rate.Check(len(buf)) {
			return 0, ErrRateLimited
		}
	}

	mu := &t.sendMutex
	if routerAlert {
		mu = &t.sendWithAlertMutex
	}
	mu.Lock()
	defer mu.Unlock()

	n, err := t.io.WriteTo(buf, dst, noReplyExpected)
	if err != nil {
		return n, fmt.Errorf("pgm: send failed: %w", ErrIO)
	}
	return n, nil
}

// sendSpm emits an SPM advertising the TXW's current trail/lead, with
// OPT_PARITY_PRM attached when FEC is configured (spec.md §4.6).
func (t *Transport) sendSpm() {
	t.mutex.Lock()
	t.spmSqn = t.spmSqn.Add(1)
	sqn := t.spmSqn
	t.mutex.Unlock()

	var trail, lead SQN
	if t.txw != nil {
		trail, lead = t.txw.Trail(), t.txw.Lead()
	}

	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[0:4], uint32(sqn))
	binary.BigEndian.PutUint32(body[4:8], uint32(trail))
	binary.BigEndian.PutUint32(body[8:12], uint32(lead))

	var optBytes []byte
	if t.hasFec {
		prm := ParityPrmOption{TransmissionGroupSize: uint32(t.fec.K), Proactive: t.fec.Proactive, OnDemand: t.fec.OnDemand}
		optBytes = encodeSingleOption(OptTypeParityPrm, prm.Marshal())
	}

	buf := make([]byte, HeaderSize+len(body)+len(optBytes))
	var options byte
	if len(optBytes) > 0 {
		options |= OptBitPresent
	}
	hdr := Header{SPort: t.tsi.Port, DPort: t.dport, Type: TypeSPM, Options: options, GSI: t.tsi.GSI, TSDULength: uint16(len(body))}
	hdr.Marshal(buf)
	copy(buf[HeaderSize:], body)
	copy(buf[HeaderSize+len(body):], optBytes)
	WriteChecksum(buf)

	t.pgmSendTo(buf, t.sendGroupNLA, true, true)
}

// sendSpmr emits a unicast SPMR to peer's source, per spec.md §4.7.
func (t *Transport) sendSpmr(p *Peer) {
	dst, ok := p.UnicastNLA()
	if !ok {
		return
	}
	buf := make([]byte, HeaderSize)
	hdr := Header{SPort: t.tsi.Port, DPort: p.TSI.Port, Type: TypeSPMR, GSI: t.tsi.GSI}
	hdr.Marshal(buf)
	WriteChecksum(buf)
	t.pgmSendTo(buf, dst, false, true)
}

// sendSelectiveNaks emits one NAK per batch key with its additional SQNs
// carried in OPT_NAK_LIST, or alone when the batch has no additional
// entries, per spec.md §4.2's batching rule and invariant 3's 63-SQN cap.
func (t *Transport) sendSelectiveNaks(p *Peer, batches map[SQN][]SQN) {
	dst, ok := p.UnicastNLA()
	if !ok {
		return
	}
	srcNLA, grpNLA := p.LocalNLA(), p.GroupNLA()
	for primary, extra := range batches {
		t.sendOneNak(dst, p.TSI, primary, extra, false, srcNLA, grpNLA)
		t.stats.incr(&t.stats.SelectiveNaksSent)
	}
}

// sendParityNaks emits one coalesced parity NAK per transmission group,
// per spec.md §4.2. The NAK carries only the group base; the number of
// missing packets counted for the group in groups is not sent.
func (t *Transport) sendParityNaks(p *Peer, groups map[SQN]int) {
	dst, ok := p.UnicastNLA()
	if !ok {
		return
	}
	srcNLA, grpNLA := p.LocalNLA(), p.GroupNLA()
	for tgBase := range groups {
		t.sendOneNak(dst, p.TSI, tgBase, nil, true, srcNLA, grpNLA)
		t.stats.incr(&t.stats.ParityNaksSent)
	}
}

// sendOneNak builds and sends one NAK. Its body carries not just the
// requested SQN but the source's interface and group NLA as this receiver
// has learned them (srcNLA, grpNLA), so the source can run spec.md §4.4's
// full acceptance predicate (acceptNakForUs) instead of a dport-only check.
func (t *Transport) sendOneNak(dst net.Addr, peerTSI TSI, primary SQN, extra []SQN, isParity bool, srcNLA, grpNLA net.Addr) {
	body := make([]byte, nakBodyLen)
	binary.BigEndian.PutUint32(body[0:4], uint32(primary))
	marshalNLA(body[4:4+nlaSize], addrIP(srcNLA))
	marshalNLA(body[4+nlaSize:4+2*nlaSize], addrIP(grpNLA))

	var optBytes []byte
	if len(extra) > 0 {
		optBytes = encodeSingleOption(OptTypeNakList, MarshalNakListOption(extra))
	}

	buf := make([]byte, HeaderSize+len(body)+len(optBytes))
	var options byte
	if isParity {
		options |= OptBitParity
	}
	if len(optBytes) > 0 {
		options |= OptBitPresent
	}
	hdr := Header{SPort: t.tsi.Port, DPort: peerTSI.Port, Type: TypeNAK, Options: options, GSI: peerTSI.GSI, TSDULength: uint16(len(body))}
	hdr.Marshal(buf)
	copy(buf[HeaderSize:], body)
	copy(buf[HeaderSize+len(body):], optBytes)
	WriteChecksum(buf)

	t.pgmSendTo(buf, dst, true, true)
}

// sendNcf emits a multicast NAK confirmation for primary and every SQN in
// extra, one of C6's listed sender outputs (spec.md §2) alongside ODATA,
// SPM and RDATA: it moves every receiver's matching RXW entries out of
// WAIT_NCF ahead of the repair data itself arriving.
func (t *Transport) sendNcf(primary SQN, extra []SQN) {
	t.sendOneNcf(primary)
	for _, s := range extra {
		t.sendOneNcf(s)
	}
}

func (t *Transport) sendOneNcf(sqn SQN) {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body[0:4], uint32(sqn))

	buf := make([]byte, HeaderSize+len(body))
	hdr := Header{SPort: t.tsi.Port, DPort: t.dport, Type: TypeNCF, GSI: t.tsi.GSI, TSDULength: uint16(len(body))}
	hdr.Marshal(buf)
	copy(buf[HeaderSize:], body)
	WriteChecksum(buf)

	t.pgmSendTo(buf, t.sendGroupNLA, true, true)
}

// drainRetransmits pops pending retransmit requests off the TXW and
// serves them as RDATA, the sender-side half of NAK recovery. Called from
// the receiver loop whenever rdataWake fires.
func (t *Transport) drainRetransmits() {
	for {
		req, ok := t.txw.RetransmitTryPop()
		if !ok {
			return
		}
		if req.isParity {
			t.sendParityRdata(req.tgBase, req.parityH)
			continue
		}
		payload, err := t.txw.Peek(req.sqn)
		if err != nil {
			continue // evicted since the NAK arrived; source silently drops it
		}
		rdata := Retype(payload, TypeRDATA)
		if _, err := t.pgmSendTo(rdata, t.sendGroupNLA, true, true); err == nil {
			t.stats.incr(&t.stats.DataMsgsSent)
			t.armHeartbeat(time.Now())
		}
	}
}

// sendParityRdata builds and sends h parity RDATA packets for the
// transmission group at tgBase, per spec.md §4.5's parity assembly rules.
func (t *Transport) sendParityRdata(tgBase SQN, h int) {
	if !t.hasFec || t.codec == nil {
		return
	}
	group := NewTxGroup(t.fec, tgBase)
	for i := 0; i < t.fec.K; i++ {
		payload, err := t.txw.Peek(tgBase.Add(uint32(i)))
		if err != nil {
			return // group no longer fully retained; give up silently
		}
		group.Add(payload, nil)
	}
	parity, err := group.Encode(t.codec)
	if err != nil {
		return
	}
	if h > len(parity) {
		h = len(parity)
	}
	for i := 0; i < h; i++ {
		sqn := tgBase.Add(uint32(t.fec.K + i))
		buf := t.buildDataTPDU(TypeRDATA, sqn, parity[i], true, nil)
		if _, err := t.pgmSendTo(buf, t.sendGroupNLA, true, true); err == nil {
			t.stats.incr(&t.stats.DataMsgsSent)
			t.armHeartbeat(time.Now())
		}
	}
}
