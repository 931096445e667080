// Package rate provides the global request throttle of a run.
package rate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LeakyBucket spaces requests evenly at a target rate, shared by every
// virtual user of a run.
//
// # Algorithm
//
// The bucket keeps the time of the next free slot. Each caller reserves that
// slot and pushes it one interval further, so concurrent callers are spread
// out instead of all waking at the same moment. After an idle period at most
// maxBurst requests may go back to back.
//
// # Thread Safety
//
// LeakyBucket is safe for concurrent use from multiple goroutines.
type LeakyBucket struct {
	mu       sync.Mutex
	rate     float64       // Requests per second
	interval time.Duration // 1 / rate
	next     time.Time     // Next free slot
	maxBurst int

	// Metrics
	granted   atomic.Int64 // Slots handed out
	delayed   atomic.Int64 // Slots that required waiting
	totalWait atomic.Int64 // Total wait time in nanoseconds
}

// NewLeakyBucket creates a bucket releasing rate requests per second. A
// non-positive rate defaults to 1.
func NewLeakyBucket(rate float64) *LeakyBucket {
	return NewLeakyBucketWithBurst(rate, 1)
}

// NewLeakyBucketWithBurst creates a bucket that lets up to maxBurst requests
// through back to back after an idle period.
func NewLeakyBucketWithBurst(rate float64, maxBurst int) *LeakyBucket {
	lb := &LeakyBucket{}
	lb.setRate(rate)
	if maxBurst < 1 {
		maxBurst = 1
	}
	lb.maxBurst = maxBurst
	return lb
}

// Next reserves a slot and returns when it starts. The returned time is now
// (or earlier) when the caller may proceed immediately.
func (lb *LeakyBucket) Next() time.Time {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := time.Now()
	earliest := now.Add(-time.Duration(lb.maxBurst-1) * lb.interval)
	slot := lb.next
	if slot.Before(earliest) {
		slot = earliest
	}
	lb.next = slot.Add(lb.interval)

	lb.granted.Add(1)
	if slot.After(now) {
		lb.delayed.Add(1)
		lb.totalWait.Add(int64(slot.Sub(now)))
		return slot
	}
	return now
}

// Wait blocks until the caller's slot starts.
//
// Returns:
//   - nil if the wait completed successfully
//   - ctx.Err() if the context was cancelled
func (lb *LeakyBucket) Wait(ctx context.Context) error {
	wait := time.Until(lb.Next())
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetRate changes the target rate. Slots already handed out are kept; the
// new spacing applies from the next reservation.
func (lb *LeakyBucket) SetRate(rate float64) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.setRate(rate)
}

func (lb *LeakyBucket) setRate(rate float64) {
	if rate <= 0 {
		rate = 1.0
	}
	lb.rate = rate
	lb.interval = time.Duration(float64(time.Second) / rate)
}

// Rate returns the target rate in requests per second.
func (lb *LeakyBucket) Rate() float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.rate
}

// Stats returns statistics about the bucket's operation.
func (lb *LeakyBucket) Stats() Stats {
	return Stats{
		Rate:      lb.Rate(),
		Granted:   lb.granted.Load(),
		Delayed:   lb.delayed.Load(),
		TotalWait: time.Duration(lb.totalWait.Load()),
	}
}

// Stats contains statistics about the leaky bucket.
type Stats struct {
	Rate      float64       `json:"rate"`      // Requests per second
	Granted   int64         `json:"granted"`   // Slots handed out
	Delayed   int64         `json:"delayed"`   // Slots that had to wait
	TotalWait time.Duration `json:"totalWait"` // Total time spent waiting
}
