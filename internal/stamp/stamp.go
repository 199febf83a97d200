// Package stamp provides the process-wide monotonic stamp counter used to
// mark nodes touched during a discovery or routing sweep, so that stale
// entries can be detected afterward.
package stamp

import "sync/atomic"

// Counter is a monotonically increasing, concurrency-safe stamp source.
// The zero value is ready to use; stamp 0 is never issued, so callers can
// use 0 as an "untouched" sentinel on a fresh Node.
type Counter struct {
	n atomic.Uint32
}

// New returns a fresh, uniquely-valued stamp greater than any previously
// issued by this Counter.
func (c *Counter) New() uint32 {
	return c.n.Add(1)
}

// Current returns the most recently issued stamp without advancing it.
func (c *Counter) Current() uint32 {
	return c.n.Load()
}
