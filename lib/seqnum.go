package lib

// SQN is a PGM sequence number: an unsigned 32-bit counter compared with
// serial-number (RFC 1982 style) arithmetic rather than plain integer
// comparison, so wraparound near 2^32 behaves correctly. Ported from the
// teacher's isGreater/isGreaterOrEqual helpers in lib/utils.go, generalized
// from TCP sequence numbers to PGM SQNs.
type SQN uint32

// Less reports whether a precedes b in serial order: a < b iff
// (a-b) mod 2^32 > 2^31, equivalently the signed difference a-b is negative.
func (a SQN) Less(b SQN) bool {
	return int32(a-b) < 0
}

// LessEqual reports a <= b in serial order.
func (a SQN) LessEqual(b SQN) bool {
	return a == b || a.Less(b)
}

// Greater reports a > b in serial order.
func (a SQN) Greater(b SQN) bool {
	return b.Less(a)
}

// GreaterEqual reports a >= b in serial order.
func (a SQN) GreaterEqual(b SQN) bool {
	return a == b || b.Less(a)
}

// Distance returns the serial distance b-a, i.e. how many SQNs forward of a
// one must step to reach b. Only meaningful when the two are known to be
// within half the sequence space of each other.
func (a SQN) Distance(b SQN) int32 {
	return int32(b - a)
}

// Add returns a+n in modular arithmetic.
func (a SQN) Add(n uint32) SQN {
	return SQN(uint32(a) + n)
}
