package lib

import (
	"encoding/binary"
	"fmt"
)

// Codec is the external FEC collaborator the core consumes (spec.md §1):
// Reed-Solomon encode of k data blocks into h parity blocks, and decode
// that reconstructs any missing blocks given an erasure map. Implementations
// live outside this package (see the fec/ package's ReedSolomonCodec).
type Codec interface {
	Encode(data [][]byte) (parity [][]byte, err error)
	Decode(shards [][]byte, present []bool) error
}

// FecConfig is the transport's fec(n, k, proactive?, ondemand?, var_pktlen?)
// configuration surface (spec.md §6).
type FecConfig struct {
	N, K       int
	Proactive  bool
	OnDemand   bool
	VarPktLen  bool
	TgSqnShift uint
}

// NewFecConfig validates and builds a FecConfig, enforcing the spec's
// constraints: k a power of two in [2,128], n in [k+1,255], and the
// h/k >= 1/(k/223) floor once k exceeds 223 (the point at which a single
// Reed-Solomon code over GF(2^8) can no longer span the whole group).
func NewFecConfig(n, k int, proactive, onDemand, varPktLen bool) (FecConfig, error) {
	if k < 2 || k > 128 || k&(k-1) != 0 {
		return FecConfig{}, fmt.Errorf("pgm: fec k=%d must be a power of two in [2,128]: %w", k, ErrInvalidArgument)
	}
	if n <= k || n > 255 {
		return FecConfig{}, fmt.Errorf("pgm: fec n=%d must be in [%d,255]: %w", n, k+1, ErrInvalidArgument)
	}
	if k > 223 {
		// h/k >= 1/(k/223) simplifies to h >= 223 once k cancels.
		if h := n - k; h < 223 {
			return FecConfig{}, fmt.Errorf("pgm: fec h/k ratio too low for k=%d (need h>=223, got h=%d): %w", k, h, ErrInvalidArgument)
		}
	}
	return FecConfig{N: n, K: k, Proactive: proactive, OnDemand: onDemand, VarPktLen: varPktLen, TgSqnShift: log2Floor(uint(k))}, nil
}

func log2Floor(n uint) uint {
	var shift uint
	for n > 1 {
		n >>= 1
		shift++
	}
	return shift
}

func (c FecConfig) H() int { return c.N - c.K }

// TxGroup buffers one sender-side transmission group of up to k original
// TPDU payloads and, once full, produces h parity payloads. When VarPktLen
// is set, members are zero-padded to the group's longest payload with the
// true length appended as a trailing 16-bit word, per the spec's variable
// packet length design note. Each member's 13-byte OPT_FRAGMENT value (or
// the null sentinel when absent) is also buffered and encoded as a parallel
// stripe, but Encode discards that stripe's parity, so parity TPDUs carry
// no OPT_FRAGMENT data.
type TxGroup struct {
	cfg      FecConfig
	base     SQN
	payloads [][]byte
	frags    [][]byte // parallel OPT_FRAGMENT stripe inputs
}

func NewTxGroup(cfg FecConfig, base SQN) *TxGroup {
	return &TxGroup{cfg: cfg, base: base}
}

// Add appends one original member's payload (and its OPT_FRAGMENT value,
// or nil) to the group. Returns true once the group has k members.
func (g *TxGroup) Add(payload []byte, fragValue []byte) bool {
	g.payloads = append(g.payloads, payload)
	if fragValue == nil {
		fragValue = nullFragmentOption
	}
	g.frags = append(g.frags, fragValue)
	return len(g.payloads) >= g.cfg.K
}

// Full reports whether the group already has k members.
func (g *TxGroup) Full() bool { return len(g.payloads) >= g.cfg.K }

// Encode runs the FEC codec over the buffered members (padding for
// VarPktLen first) and returns h parity payloads ready to send as
// RDATA/ODATA carrying OPT_PARITY.
func (g *TxGroup) Encode(codec Codec) ([][]byte, error) {
	data := g.payloads
	if g.cfg.VarPktLen {
		data = padVarPktLen(g.payloads)
	}
	parity, err := codec.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("pgm: fec encode failed: %w", err)
	}

	fragParity, err := codec.Encode(g.frags)
	if err != nil {
		return nil, fmt.Errorf("pgm: fec fragment-stripe encode failed: %w", err)
	}
	_ = fragParity // computed and discarded; not attached to any parity TPDU

	return parity, nil
}

func padVarPktLen(payloads [][]byte) [][]byte {
	max := 0
	for _, p := range payloads {
		if len(p) > max {
			max = len(p)
		}
	}
	out := make([][]byte, len(payloads))
	for i, p := range payloads {
		padded := make([]byte, max+2)
		copy(padded, p)
		binary.BigEndian.PutUint16(padded[max:max+2], uint16(len(p)))
		out[i] = padded
	}
	return out
}

// RxGroup tracks a receiver-side transmission group's members (original
// and parity) as they arrive, so the receiver loop can ask for
// reconstruction once enough have shown up.
type RxGroup struct {
	cfg     FecConfig
	base    SQN
	shards  [][]byte // length cfg.N, index 0..k-1 original, k..n-1 parity
	present []bool
}

func NewRxGroup(cfg FecConfig, base SQN) *RxGroup {
	return &RxGroup{cfg: cfg, base: base, shards: make([][]byte, cfg.N), present: make([]bool, cfg.N)}
}

// AddOriginal records an original member at its offset within the group
// (0..k-1).
func (g *RxGroup) AddOriginal(offset int, payload []byte) {
	if offset < 0 || offset >= g.cfg.K {
		return
	}
	g.shards[offset] = payload
	g.present[offset] = true
}

// AddParity records a parity member at its offset (k..n-1).
func (g *RxGroup) AddParity(offset int, payload []byte) {
	if offset < g.cfg.K || offset >= g.cfg.N {
		return
	}
	g.shards[offset] = payload
	g.present[offset] = true
}

// missing reports how many of the k originals are still absent.
func (g *RxGroup) missingOriginals() int {
	n := 0
	for i := 0; i < g.cfg.K; i++ {
		if !g.present[i] {
			n++
		}
	}
	return n
}

// presentParity reports how many parity shards have arrived.
func (g *RxGroup) presentParity() int {
	n := 0
	for i := g.cfg.K; i < g.cfg.N; i++ {
		if g.present[i] {
			n++
		}
	}
	return n
}

// Recoverable reports whether enough shards are present to reconstruct
// every missing original: invariant 7, "if <= h of the k ODATA packets are
// lost and >= h parity packets arrive, the receiver recovers the group".
func (g *RxGroup) Recoverable() bool {
	miss := g.missingOriginals()
	return miss > 0 && miss <= g.presentParity()
}

// Decode reconstructs missing originals in place and returns them indexed
// by their original SQN offset within the group.
func (g *RxGroup) Decode(codec Codec) (map[int][]byte, error) {
	if err := codec.Decode(g.shards, g.present); err != nil {
		return nil, fmt.Errorf("pgm: fec decode failed: %w", err)
	}
	out := make(map[int][]byte)
	for i := 0; i < g.cfg.K; i++ {
		out[i] = g.shards[i]
	}
	return out, nil
}

// trackFec folds one arriving original or parity member into its peer's
// transmission-group bookkeeping and, once recoverable, decodes and
// returns every reconstructed original keyed by its absolute SQN — the
// receiver-side half of component C8 (FEC Integration). Returns nil,nil
// when the group isn't ready yet.
func (p *Peer) trackFec(cfg FecConfig, codec Codec, sqn SQN, payload []byte, isParity bool) (map[SQN][]byte, error) {
	mask := ^uint32(0) << cfg.TgSqnShift
	tgBase := SQN(uint32(sqn) & mask)
	offset := int(sqn.Distance(tgBase))

	p.fecMu.Lock()
	g, ok := p.rxGroups[tgBase]
	if !ok {
		g = NewRxGroup(cfg, tgBase)
		p.rxGroups[tgBase] = g
	}
	if isParity {
		g.AddParity(offset, payload)
	} else {
		g.AddOriginal(offset, payload)
	}
	ready := g.Recoverable()
	if ready {
		delete(p.rxGroups, tgBase)
	}
	p.fecMu.Unlock()

	if !ready || codec == nil {
		return nil, nil
	}

	recovered, err := g.Decode(codec)
	if err != nil {
		return nil, err
	}
	out := make(map[SQN][]byte, len(recovered))
	for off, data := range recovered {
		out[tgBase.Add(uint32(off))] = data
	}
	return out, nil
}
