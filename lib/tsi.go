package lib

import (
	"encoding/binary"
	"fmt"
)

// GSISize is the length in bytes of a Global Source Identifier.
const GSISize = 6

// GSI is a sender's 6-byte Global Source Identifier, normally derived from
// a host's primary IP address and a process-local discriminator.
type GSI [GSISize]byte

func (g GSI) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", g[0], g[1], g[2], g[3], g[4], g[5])
}

// NewGSIFromIP packs a 4-byte IPv4 address and a 2-byte discriminator into
// a GSI the way the reference implementation derives one from the host
// address when no explicit GSI is configured.
func NewGSIFromIP(ip [4]byte, discriminator uint16) GSI {
	var g GSI
	copy(g[0:4], ip[:])
	binary.BigEndian.PutUint16(g[4:6], discriminator)
	return g
}

// TSI is the Transport Session Identifier: GSI || source port. It uniquely
// identifies a sender's transport instance and is the peer table's hash
// key.
type TSI struct {
	GSI  GSI
	Port uint16
}

func (t TSI) String() string {
	return fmt.Sprintf("%s.%d", t.GSI, t.Port)
}

// Marshal writes the 8-byte wire form of the TSI into dst, which must be at
// least TSISize bytes.
func (t TSI) Marshal(dst []byte) {
	copy(dst[0:GSISize], t.GSI[:])
	binary.BigEndian.PutUint16(dst[GSISize:GSISize+2], t.Port)
}

// TSISize is the wire length of a TSI.
const TSISize = GSISize + 2

// ParseTSI reads a TSI from its 8-byte wire form.
func ParseTSI(src []byte) (TSI, error) {
	if len(src) < TSISize {
		return TSI{}, fmt.Errorf("pgm: short tsi buffer (%d bytes): %w", len(src), ErrMalformed)
	}
	var t TSI
	copy(t.GSI[:], src[0:GSISize])
	t.Port = binary.BigEndian.Uint16(src[GSISize : GSISize+2])
	return t, nil
}
