package lib

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Packet type codes carried in the PGM header's `type` octet. Values are
// internal to this module (the spec leaves the wire codes unassigned
// beyond naming the types), but are kept stable across a single install
// base the way the teacher's handshake-state constants in constant.go
// were kept stable for a protocol generation.
const (
	TypeSPM   byte = 0x00
	TypePoll  byte = 0x01
	TypePolr  byte = 0x02
	TypeODATA byte = 0x04
	TypeRDATA byte = 0x05
	TypeNAK   byte = 0x08
	TypeNNAK  byte = 0x09
	TypeNCF   byte = 0x0A
	TypeSPMR  byte = 0x0C
)

// Header option bits (the `options` octet of the 16-byte PGM header).
const (
	OptBitParity    byte = 0x80
	OptBitVarPktlen byte = 0x40
	OptBitParityGrp byte = 0x20
	OptBitNetwork   byte = 0x02
	OptBitPresent   byte = 0x01
)

// TLV option type codes, chained after the header when OptBitPresent is
// set. The top bit of the type octet (optEndMask) marks the last option in
// the chain, replacing a dedicated OPT_END sentinel.
const (
	optTypeLength     byte = 0x00
	OptTypeFragment   byte = 0x01
	OptTypeNakList    byte = 0x02
	OptTypeParityPrm  byte = 0x08
	OptTypeParityGrp  byte = 0x09
	optEndMask        byte = 0x80
	optTypeLengthSize      = 4 // OPT_LENGTH TLV: type, length, total_length(u16)
)

// HeaderSize is the fixed 16-byte PGM header length.
const HeaderSize = 16

// Header is the fixed portion of every PGM TPDU.
type Header struct {
	SPort      uint16
	DPort      uint16
	Type       byte
	Options    byte
	Checksum   uint16
	GSI        GSI
	TSDULength uint16
}

// Marshal writes the 16-byte header into dst (which must be at least
// HeaderSize long) with Checksum left as-is; callers compute the checksum
// over the full TPDU afterwards via CalculateChecksum.
func (h Header) Marshal(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], h.SPort)
	binary.BigEndian.PutUint16(dst[2:4], h.DPort)
	dst[4] = h.Type
	dst[5] = h.Options
	binary.BigEndian.PutUint16(dst[6:8], h.Checksum)
	copy(dst[8:14], h.GSI[:])
	binary.BigEndian.PutUint16(dst[14:16], h.TSDULength)
}

// UnmarshalHeader parses the fixed header from the front of a TPDU.
func UnmarshalHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("pgm: tpdu shorter than header (%d bytes): %w", len(src), ErrMalformed)
	}
	var h Header
	h.SPort = binary.BigEndian.Uint16(src[0:2])
	h.DPort = binary.BigEndian.Uint16(src[2:4])
	h.Type = src[4]
	h.Options = src[5]
	h.Checksum = binary.BigEndian.Uint16(src[6:8])
	copy(h.GSI[:], src[8:14])
	h.TSDULength = binary.BigEndian.Uint16(src[14:16])
	return h, nil
}

// CalculateChecksum computes the 16-bit ones-complement checksum over buf
// with the checksum field (bytes 6:8) treated as zero, the same algorithm
// the teacher's packet.go uses for its TCP pseudo-header checksum, adapted
// here to cover the PGM header+body directly (PGM has no pseudo-header).
func CalculateChecksum(buf []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(buf); i += 2 {
		if i == 6 {
			continue // checksum field itself reads as zero
		}
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	if len(buf)%2 == 1 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// VerifyChecksum reports whether buf's stored checksum matches a freshly
// computed one. A stored checksum of zero is accepted unconditionally,
// matching SPM's "may ship with zero checksum" exemption in the spec.
func VerifyChecksum(buf []byte) bool {
	if len(buf) < HeaderSize {
		return false
	}
	stored := binary.BigEndian.Uint16(buf[6:8])
	if stored == 0 {
		return true
	}
	want := CalculateChecksum(buf)
	return stored == want
}

// WriteChecksum computes and stores the checksum for a fully-assembled
// TPDU (header + body + options).
func WriteChecksum(buf []byte) {
	binary.BigEndian.PutUint16(buf[6:8], 0)
	cksum := CalculateChecksum(buf)
	binary.BigEndian.PutUint16(buf[6:8], cksum)
}

// nlaSize is the wire width of one NLA field carried in a NAK's fixed
// body, 16 bytes so the format has IPv6 parity with IPv4 per spec.md §1;
// an IPv4 address is carried in its IPv4-in-IPv6 form via net.IP.To16.
const nlaSize = 16

// nakBodyLen is a NAK/NNAK's fixed body length: nak_sqn, nak_src_nla and
// nak_grp_nla, the three fields spec.md §4.4's acceptance predicate checks
// (nak.src_nla == our.interface_nla && nak.grp_nla == our.send_multiaddr).
const nakBodyLen = 4 + 2*nlaSize

// marshalNLA writes ip's 16-byte form into dst (which must be at least
// nlaSize long), or leaves dst zeroed when ip is nil/unset.
func marshalNLA(dst []byte, ip net.IP) {
	if ip16 := ip.To16(); ip16 != nil {
		copy(dst, ip16)
	}
}

// unmarshalNLA reads a 16-byte NLA field back into a net.IP.
func unmarshalNLA(src []byte) net.IP {
	ip := make(net.IP, nlaSize)
	copy(ip, src)
	return ip
}

// Retype returns a copy of a fully-assembled TPDU with its PGM type byte
// changed to typ and its checksum recomputed, used to resend a retained
// ODATA TPDU as RDATA (spec.md §4.4's routing table: repair packets are
// RDATA, not ODATA) without rebuilding the packet from scratch.
func Retype(buf []byte, typ byte) []byte {
	out := make([]byte, len(buf))
	copy(out, buf)
	out[4] = typ
	WriteChecksum(out)
	return out
}

// Option is one parsed TLV from a packet's option chain.
type Option struct {
	Type  byte // without the optEndMask bit
	Value []byte
	Last  bool
}

// ParseOptions walks the OPT_LENGTH-prefixed TLV chain starting at buf
// (which begins right after the packet-type-specific fixed body) and
// returns each option it finds. It bounds-checks every option against
// buf's tail the way the spec's parser contract requires.
func ParseOptions(buf []byte) ([]Option, error) {
	if len(buf) < optTypeLengthSize {
		return nil, fmt.Errorf("pgm: option chain shorter than OPT_LENGTH: %w", ErrMalformed)
	}
	if buf[0]&^optEndMask != optTypeLength {
		return nil, fmt.Errorf("pgm: option chain missing leading OPT_LENGTH: %w", ErrMalformed)
	}
	totalLen := binary.BigEndian.Uint16(buf[2:4])
	if int(totalLen) > len(buf) {
		return nil, fmt.Errorf("pgm: option chain total_length %d exceeds tpdu tail %d: %w", totalLen, len(buf), ErrMalformed)
	}
	chain := buf[optTypeLengthSize:totalLen]

	var opts []Option
	for len(chain) > 0 {
		if len(chain) < 2 {
			return nil, fmt.Errorf("pgm: truncated option header: %w", ErrMalformed)
		}
		typeByte := chain[0]
		length := chain[1]
		last := typeByte&optEndMask != 0
		typ := typeByte &^ optEndMask
		if int(length) < 2 || int(length) > len(chain) {
			return nil, fmt.Errorf("pgm: option type 0x%02x length %d out of bounds: %w", typ, length, ErrMalformed)
		}
		opts = append(opts, Option{Type: typ, Value: chain[2:length], Last: last})
		chain = chain[length:]
		if last {
			break
		}
	}
	return opts, nil
}

// FragmentOption is the decoded OPT_FRAGMENT payload: first SQN of the
// APDU, this fragment's byte offset, and the APDU's total length.
type FragmentOption struct {
	ApduFirstSqn SQN
	FragOff      uint32
	FragLen      uint32
}

// Marshal serialises a FragmentOption as the 13-byte OPT_FRAGMENT value
// (1 reserved byte + first_sqn + frag_off + frag_len), a 15-byte TLV on
// the wire once the 2-byte option type/length header is added.
func (f FragmentOption) Marshal() []byte {
	buf := make([]byte, 13)
	binary.BigEndian.PutUint32(buf[1:5], uint32(f.ApduFirstSqn))
	binary.BigEndian.PutUint32(buf[5:9], f.FragOff)
	binary.BigEndian.PutUint32(buf[9:13], f.FragLen)
	return buf
}

// ParseFragmentOption decodes an OPT_FRAGMENT TLV value.
func ParseFragmentOption(value []byte) (FragmentOption, error) {
	if len(value) < 13 {
		return FragmentOption{}, fmt.Errorf("pgm: short OPT_FRAGMENT value (%d bytes): %w", len(value), ErrMalformed)
	}
	return FragmentOption{
		ApduFirstSqn: SQN(binary.BigEndian.Uint32(value[1:5])),
		FragOff:      binary.BigEndian.Uint32(value[5:9]),
		FragLen:      binary.BigEndian.Uint32(value[9:13]),
	}, nil
}

// nullFragmentOption is the "encoded null" sentinel used in place of a
// real OPT_FRAGMENT when Reed-Solomon-encoding a parity stripe across a
// transmission group whose members don't all carry the option (spec
// design note "OPT_FRAGMENT on parity").
var nullFragmentOption = append([]byte{0x01}, make([]byte, 12)...)

// ParityPrmOption is the decoded OPT_PARITY_PRM value: the configured
// transmission-group size and whether proactive/on-demand parity is in
// use, learned from a peer's SPM.
type ParityPrmOption struct {
	TransmissionGroupSize uint32
	Proactive             bool
	OnDemand              bool
}

const (
	parityPrmFlagProactive byte = 0x01
	parityPrmFlagOndemand  byte = 0x02
)

func (p ParityPrmOption) Marshal() []byte {
	buf := make([]byte, 5)
	var flags byte
	if p.Proactive {
		flags |= parityPrmFlagProactive
	}
	if p.OnDemand {
		flags |= parityPrmFlagOndemand
	}
	buf[0] = flags
	binary.BigEndian.PutUint32(buf[1:5], p.TransmissionGroupSize)
	return buf
}

func ParseParityPrmOption(value []byte) (ParityPrmOption, error) {
	if len(value) < 5 {
		return ParityPrmOption{}, fmt.Errorf("pgm: short OPT_PARITY_PRM value: %w", ErrMalformed)
	}
	return ParityPrmOption{
		Proactive:             value[0]&parityPrmFlagProactive != 0,
		OnDemand:              value[0]&parityPrmFlagOndemand != 0,
		TransmissionGroupSize: binary.BigEndian.Uint32(value[1:5]),
	}, nil
}

// NakListOption decodes an OPT_NAK_LIST value into additional SQNs beyond
// the packet's own nak_sqn field (up to 62 entries per the spec).
func NakListOption(value []byte) []SQN {
	n := len(value) / 4
	out := make([]SQN, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, SQN(binary.BigEndian.Uint32(value[i*4:i*4+4])))
	}
	return out
}

func MarshalNakListOption(sqns []SQN) []byte {
	buf := make([]byte, len(sqns)*4)
	for i, s := range sqns {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], uint32(s))
	}
	return buf
}
