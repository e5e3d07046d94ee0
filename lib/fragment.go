package lib

// fragmentAssembly tracks the TPDU fragments of a single APDU, keyed by
// the APDU's first sequence number (OPT_FRAGMENT's apdu_first_sqn), until
// their payloads cover frag_len bytes. Each fragment is committed to the
// RXW and read as its own payload slice: the fragments are not joined into
// one APDU, and none is held back until the rest of its APDU arrives.
type fragmentAssembly struct {
	firstSqn SQN
	total    uint32
	parts    map[uint32][]byte // keyed by frag_off
	lost     bool
}

// applyFragmentLocked records one fragment in its APDU's assembly context
// and drops the context once its parts cover frag_len bytes.
// Must be called with w.mu held.
func (w *RXW) applyFragmentLocked(e *rxwEntry, frag FragmentOption) {
	asm, ok := w.fragments[frag.ApduFirstSqn]
	if !ok {
		asm = &fragmentAssembly{firstSqn: frag.ApduFirstSqn, total: frag.FragLen, parts: make(map[uint32][]byte)}
		w.fragments[frag.ApduFirstSqn] = asm
	}
	asm.parts[frag.FragOff] = e.payload

	if !w.apduCompleteLocked(asm) {
		return
	}
	delete(w.fragments, frag.ApduFirstSqn)
}

func (w *RXW) apduCompleteLocked(asm *fragmentAssembly) bool {
	var have uint32
	for _, part := range asm.parts {
		have += uint32(len(part))
	}
	return have >= asm.total
}

// MarkApduLost flags the assembly context of the APDU beginning at
// firstSqn as lost. Nothing else reads the flag: Read still returns the
// fragments of that APDU that have committed.
func (w *RXW) MarkApduLost(firstSqn SQN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if asm, ok := w.fragments[firstSqn]; ok {
		asm.lost = true
	}
}
