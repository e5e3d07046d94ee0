// Package fec wires a concrete Reed-Solomon codec into lib.Codec, the
// external collaborator the core's transmission-group bookkeeping
// (lib.TxGroup/lib.RxGroup) consumes for parity ODATA/RDATA.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/Clouded-Sabre/pgm-go/lib"
)

// ReedSolomonCodec adapts github.com/klauspost/reedsolomon's Encoder to
// lib.Codec's (k data, h parity) shard interface.
type ReedSolomonCodec struct {
	enc reedsolomon.Encoder
	k   int
	h   int
}

// NewReedSolomonCodec builds a codec for a transmission group of k
// originals producing h parity shards (h = rs_n - rs_k per spec.md §6).
func NewReedSolomonCodec(k, h int) (*ReedSolomonCodec, error) {
	enc, err := reedsolomon.New(k, h)
	if err != nil {
		return nil, fmt.Errorf("pgm: building reed-solomon codec(k=%d,h=%d): %w", k, h, err)
	}
	return &ReedSolomonCodec{enc: enc, k: k, h: h}, nil
}

// Encode implements lib.Codec: given k equal-length data shards it returns
// h parity shards. Members must already be padded to a common length by
// the caller (lib.TxGroup.Encode handles OPT_VAR_PKTLEN padding).
func (c *ReedSolomonCodec) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != c.k {
		return nil, fmt.Errorf("pgm: reed-solomon encode expected %d shards, got %d", c.k, len(data))
	}
	shards := make([][]byte, c.k+c.h)
	copy(shards, data)
	for i := c.k; i < c.k+c.h; i++ {
		shards[i] = make([]byte, len(data[0]))
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("pgm: reed-solomon encode failed: %w", err)
	}
	return shards[c.k:], nil
}

// Decode implements lib.Codec: given the full n-shard set with present
// marking which are valid, it reconstructs missing shards in place.
func (c *ReedSolomonCodec) Decode(shards [][]byte, present []bool) error {
	if len(shards) != c.k+c.h || len(present) != c.k+c.h {
		return fmt.Errorf("pgm: reed-solomon decode expected %d shards, got %d/%d", c.k+c.h, len(shards), len(present))
	}
	working := make([][]byte, len(shards))
	for i, s := range shards {
		if present[i] {
			working[i] = s
		}
	}
	if err := c.enc.Reconstruct(working); err != nil {
		return fmt.Errorf("pgm: reed-solomon reconstruct failed: %w", err)
	}
	for i := range shards {
		if !present[i] {
			shards[i] = working[i]
		}
	}
	return nil
}

var _ lib.Codec = (*ReedSolomonCodec)(nil)
