package service

import (
	"context"
	"sync"
	"time"

	"github.com/samber/mo"

	"github.com/kjstillabower/userprofile-service/internal/models"
)

// inFlightLoad tracks a single store read that multiple callers may wait for.
type inFlightLoad struct {
	result mo.Option[models.UserProfile]
	err    error
	done   chan struct{} // closed when result is ready
}

// requestCoalescer prevents cache stampede by coalescing concurrent loads of the same id.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[int64]*inFlightLoad
	timeout  time.Duration
}

// newRequestCoalescer creates a requestCoalescer; timeout bounds how long any caller waits.
func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[int64]*inFlightLoad),
		timeout:  timeout,
	}
}

// GetOrDo joins the in-flight load for id or starts one by running fn.
// shared reports whether the caller joined a load started by someone else.
// fn runs detached from the caller, so one caller giving up does not fail the others.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, id int64, fn func() (mo.Option[models.UserProfile], error)) (result mo.Option[models.UserProfile], shared bool, err error) {
	rc.mu.Lock()
	load, shared := rc.inFlight[id]
	if !shared {
		load = &inFlightLoad{done: make(chan struct{})}
		rc.inFlight[id] = load
		go rc.run(id, load, fn)
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-load.done:
		return load.result, shared, load.err
	case <-waitCtx.Done():
		return mo.None[models.UserProfile](), shared, waitCtx.Err()
	}
}

func (rc *requestCoalescer) run(id int64, load *inFlightLoad, fn func() (mo.Option[models.UserProfile], error)) {
	load.result, load.err = fn()
	rc.mu.Lock()
	delete(rc.inFlight, id)
	rc.mu.Unlock()
	close(load.done)
}

// pending returns the number of ids with a load in flight.
func (rc *requestCoalescer) pending() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.inFlight)
}
