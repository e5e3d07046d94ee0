package lib

import (
	"encoding/binary"
	"net"
	"testing"
)

// fakeSenderIO records every buffer handed to WriteTo, the minimal
// lib.PacketIO double the teacher's own test style favors over a mock
// framework for this kind of write-capturing assertion.
type fakeSenderIO struct {
	sent [][]byte
}

// ReadFrom is never exercised by these tests (the transport's receiver
// loop is never started), so it just reports no data.
func (f *fakeSenderIO) ReadFrom(buf []byte) (int, net.Addr, net.Addr, error) {
	return 0, nil, nil, ErrIO
}
func (f *fakeSenderIO) WriteTo(buf []byte, dst net.Addr, noReplyExpected bool) (int, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.sent = append(f.sent, cp)
	return len(buf), nil
}
func (f *fakeSenderIO) Close() error { return nil }

// xorCodec is a trivial single-parity-block Codec double: parity is the
// XOR of every data block, enough to exercise the accumulate-then-encode
// path without pulling in klauspost/reedsolomon's real GF(2^8) math.
type xorCodec struct{}

func (xorCodec) Encode(data [][]byte) ([][]byte, error) {
	n := 0
	for _, d := range data {
		if len(d) > n {
			n = len(d)
		}
	}
	parity := make([]byte, n)
	for _, d := range data {
		for i, b := range d {
			parity[i] ^= b
		}
	}
	return [][]byte{parity}, nil
}

func (xorCodec) Decode(shards [][]byte, present []bool) error { return nil }

func newSenderTestTransport(t *testing.T, fecK int) (*Transport, *fakeSenderIO) {
	t.Helper()
	cfg := DefaultTransportConfig()
	cfg.FecEnabled = true
	cfg.FecK = fecK
	cfg.FecN = fecK + 1
	cfg.FecProactive = true
	tr, err := NewTransport(TSI{Port: 9999}, cfg)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	io := &fakeSenderIO{}
	srcNLA := &net.UDPAddr{IP: net.ParseIP("203.0.113.9")}
	grpNLA := &net.UDPAddr{IP: net.ParseIP("239.0.0.1")}
	if err := tr.Bind(io, xorCodec{}, nil, 1000, srcNLA, grpNLA); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return tr, io
}

// TestSenderProactiveParityEmitsOnGroupFill exercises C8's
// use_proactive_parity: once a transmission group accumulates k ODATA
// sends, a parity ODATA is emitted automatically with no on-demand NAK
// ever arriving.
func TestSenderProactiveParityEmitsOnGroupFill(t *testing.T) {
	tr, io := newSenderTestTransport(t, 2)

	for i := 0; i < 2; i++ {
		if err := tr.Send([]byte("payload")); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	if len(io.sent) != 3 {
		t.Fatalf("sent %d tpdus, want 3 (2 odata + 1 proactive parity)", len(io.sent))
	}
	last := io.sent[2]
	hdr, err := UnmarshalHeader(last)
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if hdr.Type != TypeODATA {
		t.Fatalf("third tpdu type = %d, want TypeODATA", hdr.Type)
	}
	if hdr.Options&OptBitParity == 0 {
		t.Fatal("third tpdu should carry OptBitParity")
	}
	if tr.Stats().DataMsgsSent != 3 {
		t.Fatalf("DataMsgsSent = %d, want 3", tr.Stats().DataMsgsSent)
	}
}

// TestDrainRetransmitsSendsRDATANotODATA exercises the review fix for
// spec.md §4.4's routing table: a NAK-driven resend must go out as RDATA,
// not a verbatim replay of the retained ODATA TPDU.
func TestDrainRetransmitsSendsRDATANotODATA(t *testing.T) {
	tr, io := newSenderTestTransport(t, 64) // fec_k=64 so no proactive group fills on one send
	sqn, err := tr.sendFragmentSqn([]byte("hello"), nil)
	if err != nil {
		t.Fatalf("sendFragmentSqn: %v", err)
	}
	if len(io.sent) != 1 {
		t.Fatalf("sent %d tpdus after one send, want 1", len(io.sent))
	}
	odataHdr, err := UnmarshalHeader(io.sent[0])
	if err != nil || odataHdr.Type != TypeODATA {
		t.Fatalf("first send type = %v (err %v), want TypeODATA", odataHdr.Type, err)
	}

	tr.txw.RetransmitPush(sqn, false)
	tr.drainRetransmits()

	if len(io.sent) != 2 {
		t.Fatalf("sent %d tpdus after drain, want 2", len(io.sent))
	}
	rdataHdr, err := UnmarshalHeader(io.sent[1])
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if rdataHdr.Type != TypeRDATA {
		t.Fatalf("retransmitted tpdu type = %d, want TypeRDATA", rdataHdr.Type)
	}
	if !VerifyChecksum(io.sent[1]) {
		t.Fatal("retyped rdata tpdu must carry a valid recomputed checksum")
	}
}

// TestHandleNakEmitsNcf exercises C6's listed sender output: a NAK that
// passes the acceptance predicate produces both a queued retransmit and a
// multicast NCF.
func TestHandleNakEmitsNcf(t *testing.T) {
	tr, io := newSenderTestTransport(t, 64)
	sqn := tr.txw.Push([]byte("retained"))

	srcNLA := addrIP(tr.sourceNLA)
	grpNLA := addrIP(tr.sendGroupNLA)

	hdr := Header{SPort: 42, DPort: tr.tsi.Port, Type: TypeNAK, GSI: GSI{1, 2, 3, 4, 5, 6}, TSDULength: uint16(nakBodyLen)}
	buf := make([]byte, HeaderSize+nakBodyLen)
	hdr.Marshal(buf)
	binary.BigEndian.PutUint32(buf[HeaderSize:HeaderSize+4], uint32(sqn))
	marshalNLA(buf[HeaderSize+4:HeaderSize+4+nlaSize], srcNLA)
	marshalNLA(buf[HeaderSize+4+nlaSize:HeaderSize+4+2*nlaSize], grpNLA)
	WriteChecksum(buf)

	if err := tr.Dispatch(buf, &net.UDPAddr{}, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	req, ok := tr.txw.RetransmitTryPop()
	if !ok || req.sqn != sqn {
		t.Fatalf("retransmit queue = %+v, ok=%t, want sqn=%d", req, ok, sqn)
	}

	var sawNcf bool
	for _, p := range io.sent {
		h, err := UnmarshalHeader(p)
		if err == nil && h.Type == TypeNCF {
			sawNcf = true
		}
	}
	if !sawNcf {
		t.Fatal("handleNak should emit an NCF alongside queuing the retransmit")
	}
	if tr.Stats().SelectiveNaksReceived != 1 {
		t.Fatalf("SelectiveNaksReceived = %d, want 1", tr.Stats().SelectiveNaksReceived)
	}
}
