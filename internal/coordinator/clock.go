package coordinator

import "sync/atomic"

// Clock issues the commit sequence. Every committed write turn gets the
// next value, so completions and observer notifications carry a total
// order across all stores of one coordinator. The zero clock starts
// before the first commit.
//
// Safe for concurrent use; in practice each store's writer goroutine is
// the only caller of Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock whose first commit will be sequence 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt returns a clock resuming after a known sequence. Tests use
// it to make expected sequence numbers explicit.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next commit sequence. Each call returns a unique,
// strictly increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence without advancing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
