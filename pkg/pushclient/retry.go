package pushclient

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryPolicy spaces session creation attempts. The first attempt after a
// session that reached a connected status waits a random delay up to
// firstRetryMaxDelay; every other attempt waits exactly retryDelay.
type retryPolicy struct {
	opts  *ConnectionOptions
	first bool
	rand  func(n int64) int64
}

var _ backoff.BackOff = (*retryPolicy)(nil)

func newRetryPolicy(opts *ConnectionOptions) *retryPolicy {
	return &retryPolicy{opts: opts, rand: rand.Int64N}
}

func (p *retryPolicy) NextBackOff() time.Duration {
	if p.first {
		p.first = false
		limit := p.opts.FirstRetryMaxDelay()
		if limit <= 0 {
			return 0
		}
		return time.Duration(p.rand(int64(limit) + 1))
	}
	return p.opts.RetryDelay()
}

// Reset marks the next attempt as the first one after a stable session.
func (p *retryPolicy) Reset() {
	p.first = true
}

// clear forgets a pending Reset, as on an explicit Connect.
func (p *retryPolicy) clear() {
	p.first = false
}
