package upstream

import (
	"sync"
	"time"
)

// Breaker state machine.
const (
	stateClosed = iota
	stateOpen
	stateHalfOpen
)

// Breaker defaults: 10 one-second buckets, open above 50% errors,
// stay open 30 s, then admit a single half-open probe.
const (
	breakerBuckets   = 10
	breakerBucketDur = time.Second
	breakerThreshold = 0.5
	breakerMinSample = 4
	breakerOpenFor   = 30 * time.Second
)

type bucket struct {
	start    time.Time
	total    int
	failures int
}

// Breaker is a per-provider circuit breaker over a rolling error-rate
// window.
type Breaker struct {
	mu       sync.Mutex
	state    int
	openedAt time.Time
	probing  bool
	buckets  [breakerBuckets]bucket
	now      func() time.Time
}

// NewBreaker returns a closed breaker.
func NewBreaker() *Breaker {
	return &Breaker{now: time.Now}
}

// Allow reports whether a request may proceed. In the open state it
// returns false until the cool-off elapses, then admits one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= breakerOpenFor {
			b.state = stateHalfOpen
			b.probing = true
			return true
		}
		return false
	default: // half-open
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Record reports a request outcome and updates the state machine.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.probing = false
		if success {
			b.state = stateClosed
			b.reset()
		} else {
			b.state = stateOpen
			b.openedAt = b.now()
		}
		return
	}

	bk := b.currentBucket()
	bk.total++
	if !success {
		bk.failures++
	}

	if b.state == stateClosed {
		total, failures := b.windowCounts()
		if total >= breakerMinSample && float64(failures)/float64(total) > breakerThreshold {
			b.state = stateOpen
			b.openedAt = b.now()
		}
	}
}

// currentBucket returns the live bucket, rotating stale ones.
func (b *Breaker) currentBucket() *bucket {
	now := b.now()
	idx := int(now.UnixNano()/int64(breakerBucketDur)) % breakerBuckets
	bk := &b.buckets[idx]
	if now.Sub(bk.start) >= breakerBucketDur {
		bk.start = now.Truncate(breakerBucketDur)
		bk.total = 0
		bk.failures = 0
	}
	return bk
}

// windowCounts sums the buckets still inside the rolling window.
func (b *Breaker) windowCounts() (total, failures int) {
	cutoff := b.now().Add(-breakerBuckets * breakerBucketDur)
	for i := range b.buckets {
		if b.buckets[i].start.After(cutoff) {
			total += b.buckets[i].total
			failures += b.buckets[i].failures
		}
	}
	return total, failures
}

func (b *Breaker) reset() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
}
