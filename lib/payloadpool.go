package lib

import (
	"fmt"
	"sync"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// payloadData is the rp.DataInterface implementation backing every element
// drawn from a PayloadPool, directly ported from the teacher's Payload type
// (lib/pool.go): a fixed-capacity byte slice plus the length actually in
// use, reset between loans rather than reallocated.
type payloadData struct {
	buf []byte
	n   int
}

func newPayloadData(size int) *payloadData {
	return &payloadData{buf: make([]byte, size)}
}

// SetContent implements rp.DataInterface.
func (p *payloadData) SetContent(s string) {
	copy(p.buf, s)
	p.n = len(s)
}

// Reset implements rp.DataInterface, clearing the slot for its next loan.
func (p *payloadData) Reset() {
	for i := range p.buf[:p.n] {
		p.buf[i] = 0
	}
	p.n = 0
}

// PrintContent implements rp.DataInterface.
func (p *payloadData) PrintContent() {
	fmt.Println("payload:", p.buf[:p.n])
}

// Copy fills the slot with src, failing if it doesn't fit, matching the
// teacher's Payload.Copy bounds check.
func (p *payloadData) Copy(src []byte) error {
	if len(src) > len(p.buf) {
		return fmt.Errorf("pgm: payload %d bytes exceeds pool slot %d bytes", len(src), len(p.buf))
	}
	copy(p.buf, src)
	p.n = len(src)
	return nil
}

// GetSlice returns the in-use portion of the slot.
func (p *payloadData) GetSlice() []byte {
	return p.buf[:p.n]
}

// PayloadPool hands out reusable, fixed-capacity packet payload buffers
// backed by github.com/Clouded-Sabre/ringpool, grounded directly on the
// teacher's package-level Pool (lib/pool.go: rp.NewRingPool("PCP: ",
// poolSize, NewPayload, preferredMSS)), generalized from one process-wide
// pool to one instance per Transport so multiple transports in the same
// process (see registry.go) don't contend over a shared ring.
type PayloadPool struct {
	ring *rp.RingPool
	mu   sync.Mutex
}

// NewPayloadPool creates a ring of poolSize slots, each slotSize bytes
// (normally the configured max TPDU length), mirroring the teacher's
// PreferredMSS-sized Payload slots.
func NewPayloadPool(name string, poolSize, slotSize int) *PayloadPool {
	newFn := func(params ...interface{}) rp.DataInterface {
		return newPayloadData(slotSize)
	}
	return &PayloadPool{ring: rp.NewRingPool(name, poolSize, newFn, slotSize)}
}

// payloadHandle is a loaned pool slot, retained by a TXW/RXW entry until the
// entry is evicted or committed past, mirroring the teacher's
// PcpPacket.chunk field (lib/packet.go).
type payloadHandle struct {
	elem *rp.Element
}

// Get copies src into a freshly loaned slot and returns a handle plus the
// in-use slice, the pooled equivalent of the teacher's
// PcpPacket.CopyToPayload (GetChunk then chunk.Data.(*Payload).Copy).
func (p *PayloadPool) Get(src []byte) (*payloadHandle, []byte, error) {
	p.mu.Lock()
	elem := p.ring.GetElement()
	p.mu.Unlock()
	if elem == nil {
		return nil, nil, fmt.Errorf("pgm: payload pool exhausted: %w", ErrWouldBlock)
	}
	data, ok := elem.Data.(*payloadData)
	if !ok {
		p.ring.ReturnElement(elem)
		return nil, nil, fmt.Errorf("pgm: payload pool returned unexpected element type")
	}
	if err := data.Copy(src); err != nil {
		p.ring.ReturnElement(elem)
		return nil, nil, err
	}
	return &payloadHandle{elem: elem}, data.GetSlice(), nil
}

// Put returns a loaned slot to the ring, the pooled equivalent of the
// teacher's PcpPacket.ReturnChunk.
func (p *PayloadPool) Put(h *payloadHandle) {
	if h == nil || h.elem == nil {
		return
	}
	p.mu.Lock()
	p.ring.ReturnElement(h.elem)
	p.mu.Unlock()
}
