package exchange

import (
	"sync/atomic"
	"time"
)

// nonceSource issues strictly increasing nonces. Seeded from the wall clock in
// microseconds so restarts start ahead of anything issued before; Bump jumps
// the counter after a venue-side nonce rejection.
type nonceSource struct {
	last atomic.Int64
}

func newNonceSource() *nonceSource {
	n := &nonceSource{}
	n.last.Store(time.Now().UnixMicro())
	return n
}

// Next returns the next nonce: max(now, last+1).
func (n *nonceSource) Next() int64 {
	for {
		prev := n.last.Load()
		next := time.Now().UnixMicro()
		if next <= prev {
			next = prev + 1
		}
		if n.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Bump skips ahead after a nonce rejection so the retry lands beyond whatever
// window the venue considers stale.
func (n *nonceSource) Bump() {
	for {
		prev := n.last.Load()
		next := time.Now().UnixMicro() + 1000
		if next <= prev {
			next = prev + 1000
		}
		if n.last.CompareAndSwap(prev, next) {
			return
		}
	}
}
