package traffic

import (
	"sync"
	"time"
)

// maxWindow is the longest window the tracker can answer for.
const maxWindow = 5 * time.Minute

var defaultTracker = NewTracker()

// RecordSuccess records a request that completed without a server-side failure.
func RecordSuccess() {
	defaultTracker.RecordSuccess()
}

// RecordError records a request that failed on the server side (store error, open circuit).
func RecordError() {
	defaultTracker.RecordError()
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.RecordDenied()
}

// RequestCount returns the number of outcomes (success + error + denied) within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors (denied excluded).
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

type bucket struct {
	second  int64
	success int
	errors  int
	denied  int
}

// Tracker counts outcomes in one-second buckets over a fixed ring, so memory
// stays constant regardless of traffic. Windows are rounded up to whole seconds.
type Tracker struct {
	mu      sync.Mutex
	buckets []bucket
	now     func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		buckets: make([]bucket, int(maxWindow/time.Second)),
		now:     time.Now,
	}
}

func (t *Tracker) RecordSuccess() {
	t.record(func(b *bucket) { b.success++ })
}

func (t *Tracker) RecordError() {
	t.record(func(b *bucket) { b.errors++ })
}

func (t *Tracker) RecordDenied() {
	t.record(func(b *bucket) { b.denied++ })
}

// record applies inc to the bucket for the current second, recycling stale buckets.
func (t *Tracker) record(inc func(b *bucket)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sec := t.now().Unix()
	b := &t.buckets[int(sec%int64(len(t.buckets)))]
	if b.second != sec {
		*b = bucket{second: sec}
	}
	inc(b)
}

// sum totals the buckets that fall within window. Must be called with mutex held.
func (t *Tracker) sum(window time.Duration) (success, errors, denied int) {
	if window > maxWindow {
		window = maxWindow
	}
	secs := int64((window + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	nowSec := t.now().Unix()
	for _, b := range t.buckets {
		if b.second > nowSec-secs && b.second <= nowSec {
			success += b.success
			errors += b.errors
			denied += b.denied
		}
	}
	return success, errors, denied
}

// RequestCount returns the total number of outcomes (success + error + denied) within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, e, d := t.sum(window)
	return s + e + d
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _, d := t.sum(window)
	return d
}

// ErrorRate returns (errorCount, totalCount) within the window.
// totalCount includes successes and errors only; denials are excluded from error rate calculation.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, e, _ := t.sum(window)
	return e, s + e
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.buckets {
		t.buckets[i] = bucket{}
	}
}
