//go:build darwin || windows

package netio

import (
	"fmt"
	"net"

	rs "github.com/Clouded-Sabre/rawsocket/lib"

	"github.com/Clouded-Sabre/pgm-go/lib"
)

// RawIO implements lib.PacketIO over github.com/Clouded-Sabre/rawsocket's
// cross-platform raw socket core, the same collaborator the teacher's
// PcpCore stores as `rscore` (lib/pcpcore.go) for the platforms where a
// plain net.DialIP/net.ListenIP with an arbitrary protocol number isn't
// available. One RSCore is shared per process, matching the teacher's "one
// rscore per system" comment in NewPcpCore.
type RawIO struct {
	core *rs.RSCore
}

// NewRawIO opens the shared raw socket core for protocol (normally
// ProtocolPGM) using the package's own default configuration, the same
// rs.DefaultRsConfig() call the teacher's DefaultPcpCoreConfig makes.
func NewRawIO(protocol int) (*RawIO, error) {
	cfg := rs.DefaultRsConfig()
	cfg.ProtocolID = uint8(protocol)
	core, err := rs.NewRSCore(cfg)
	if err != nil {
		return nil, fmt.Errorf("netio: opening rawsocket core for proto %d: %w", protocol, err)
	}
	return &RawIO{core: core}, nil
}

// ReadFrom implements lib.PacketIO. rawsocket has no cheap way to report
// the packet's destination address, so dst is always nil; Dispatch treats
// that as "unknown" and skips learning a peer's group NLA from it.
func (r *RawIO) ReadFrom(buf []byte) (int, net.Addr, net.Addr, error) {
	n, src, err := r.core.ReadFrom(buf)
	if err != nil {
		return n, src, nil, fmt.Errorf("netio: rawsocket read: %w", err)
	}
	return n, src, nil, nil
}

// WriteTo implements lib.PacketIO. noReplyExpected has no analogue in
// rawsocket's API and is ignored on these platforms.
func (r *RawIO) WriteTo(buf []byte, dst net.Addr, noReplyExpected bool) (int, error) {
	n, err := r.core.WriteTo(buf, dst)
	if err != nil {
		return n, fmt.Errorf("netio: rawsocket write: %w", err)
	}
	return n, nil
}

// Close implements lib.PacketIO.
func (r *RawIO) Close() error { return r.core.Close() }

var _ lib.PacketIO = (*RawIO)(nil)
