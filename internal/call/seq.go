package call

import "sync/atomic"

// SeqGen is an atomic sequence number generator. The transcript log and the
// outbound frame stream each own one, so numbers are never reused within a
// session.
type SeqGen struct {
	val atomic.Uint32
}

// NewSeqGen creates a new sequence generator starting at 0.
// The first call to Next() returns 1.
func NewSeqGen() *SeqGen {
	return &SeqGen{}
}

// Next returns the next sequence number (monotonically increasing from 1).
func (s *SeqGen) Next() uint32 {
	return s.val.Add(1)
}

// Last returns the most recently issued number, or 0 if none was issued.
func (s *SeqGen) Last() uint32 {
	return s.val.Load()
}
