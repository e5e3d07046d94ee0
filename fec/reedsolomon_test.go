package fec

import (
	"bytes"
	"testing"

	"github.com/Clouded-Sabre/pgm-go/lib"
)

// TestReedSolomonRecoversMissingOriginals exercises spec.md invariant 7 /
// scenario S4: k=4, n=6 (h=2); losing up to h originals is fully recoverable
// once h parity shards have arrived, preserving original SQN ordering.
func TestReedSolomonRecoversMissingOriginals(t *testing.T) {
	const k, n = 4, 6
	cfg, err := lib.NewFecConfig(n, k, true, false, false)
	if err != nil {
		t.Fatalf("NewFecConfig: %v", err)
	}
	codec, err := NewReedSolomonCodec(cfg.K, cfg.H())
	if err != nil {
		t.Fatalf("NewReedSolomonCodec: %v", err)
	}

	originals := [][]byte{
		bytes.Repeat([]byte{0x41}, 16),
		bytes.Repeat([]byte{0x42}, 16),
		bytes.Repeat([]byte{0x43}, 16),
		bytes.Repeat([]byte{0x44}, 16),
	}

	tg := lib.NewTxGroup(cfg, 0)
	for _, o := range originals {
		tg.Add(o, nil)
	}
	if !tg.Full() {
		t.Fatal("group should be full after k members")
	}
	parity, err := tg.Encode(codec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(parity) != cfg.H() {
		t.Fatalf("got %d parity shards, want %d", len(parity), cfg.H())
	}

	// Receiver side: drop originals at offset 1 and 3, keep both parity
	// shards, matching scenario S4's "drop SQN 1 and 3" case.
	rg := lib.NewRxGroup(cfg, 0)
	rg.AddOriginal(0, originals[0])
	rg.AddOriginal(2, originals[2])
	rg.AddParity(4, parity[0])
	rg.AddParity(5, parity[1])

	if !rg.Recoverable() {
		t.Fatal("group with 2 missing originals and 2 parity shards should be recoverable")
	}

	recovered, err := rg.Decode(codec)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i, want := range originals {
		got, ok := recovered[i]
		if !ok {
			t.Fatalf("offset %d missing from recovered set", i)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("offset %d = %x, want %x", i, got, want)
		}
	}
}

func TestReedSolomonUnrecoverableWhenTooManyLost(t *testing.T) {
	const k, n = 4, 6
	cfg, err := lib.NewFecConfig(n, k, true, false, false)
	if err != nil {
		t.Fatalf("NewFecConfig: %v", err)
	}

	rg := lib.NewRxGroup(cfg, 0)
	rg.AddOriginal(0, []byte("a"))
	// Only one original present, three missing, zero parity: unrecoverable.
	if rg.Recoverable() {
		t.Fatal("group missing more originals than available parity should not be recoverable")
	}
}

func TestNewFecConfigRejectsNonPowerOfTwoK(t *testing.T) {
	if _, err := lib.NewFecConfig(10, 6, false, false, false); err == nil {
		t.Fatal("k=6 is not a power of two, expected an error")
	}
}

func TestNewFecConfigRejectsNTooSmall(t *testing.T) {
	if _, err := lib.NewFecConfig(4, 4, false, false, false); err == nil {
		t.Fatal("n must exceed k, expected an error")
	}
}
