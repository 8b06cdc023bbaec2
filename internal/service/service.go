package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/mo"
	"go.uber.org/zap"

	"github.com/kjstillabower/userprofile-service/internal/cache"
	"github.com/kjstillabower/userprofile-service/internal/circuitbreaker"
	"github.com/kjstillabower/userprofile-service/internal/models"
	"github.com/kjstillabower/userprofile-service/internal/observability"
	"github.com/kjstillabower/userprofile-service/internal/paging"
	"github.com/kjstillabower/userprofile-service/internal/store"
)

// ErrNotFound is returned when an update targets a profile that does not exist.
var ErrNotFound = store.ErrNotFound

// UserProfileService orchestrates the profile store and a read-through cache.
// Store calls run through the circuit breaker; cache failures are logged and
// never fail the request.
type UserProfileService struct {
	store     store.Store
	cache     cache.Cache
	ttl       time.Duration
	breaker   *circuitbreaker.CircuitBreaker
	coalescer *requestCoalescer // nil when coalescing is disabled
	guard     writeGuard
}

// Options tunes a UserProfileService. Zero values disable the optional parts.
type Options struct {
	CacheTTL        time.Duration
	CoalesceTimeout time.Duration // 0 disables coalescing
	Breaker         *circuitbreaker.CircuitBreaker
}

// NewUserProfileService creates a service over st. A nil cache disables caching.
func NewUserProfileService(st store.Store, c cache.Cache, opts Options) *UserProfileService {
	if c == nil {
		c = cache.NoopCache{}
	}
	var coalescer *requestCoalescer
	if opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(opts.CoalesceTimeout)
	}
	return &UserProfileService{
		store:     st,
		cache:     c,
		ttl:       opts.CacheTTL,
		breaker:   opts.Breaker,
		coalescer: coalescer,
	}
}

// StoreIsFailure classifies store errors for the circuit breaker. Absent rows
// and caller cancellation say nothing about store health.
func StoreIsFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, store.ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, paging.ErrInvalidSort)
}

// Create persists p and returns it with its assigned id. Any id on p is ignored.
func (s *UserProfileService) Create(ctx context.Context, p models.UserProfile) (models.UserProfile, error) {
	p.ID = nil
	err := s.call(ctx, "create", func(ctx context.Context) error {
		return s.store.Create(ctx, &p)
	})
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("create user profile: %w", err)
	}
	s.guard.write(p.IDValue(), func() { s.cacheSet(ctx, p) })
	observability.LoggerFromContext(ctx).Debug("user profile created", zap.Int64("id", p.IDValue()))
	return p, nil
}

// Get returns the profile for id using cache-aside. None means absent.
func (s *UserProfileService) Get(ctx context.Context, id int64) (mo.Option[models.UserProfile], error) {
	logger := observability.LoggerFromContext(ctx)

	cached, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		logger.Warn("cache get failed", zap.Int64("id", id), zap.Error(err))
	} else if ok {
		observability.CacheHitsTotal.Inc()
		logger.Debug("cache hit", zap.Int64("id", id))
		return mo.Some(cached), nil
	}
	observability.CacheMissesTotal.Inc()

	var result mo.Option[models.UserProfile]
	if s.coalescer != nil {
		var shared bool
		// The load outlives any single caller but is still bounded.
		loadCtx := observability.WithLogger(context.WithoutCancel(ctx), logger)
		result, shared, err = s.coalescer.GetOrDo(ctx, id, func() (mo.Option[models.UserProfile], error) {
			ctx, cancel := context.WithTimeout(loadCtx, s.coalescer.timeout)
			defer cancel()
			return s.load(ctx, id)
		})
		if shared {
			observability.RequestCoalescingHitsTotal.Inc()
		}
	} else {
		result, err = s.load(ctx, id)
	}
	if err != nil {
		return mo.None[models.UserProfile](), fmt.Errorf("get user profile %d: %w", id, err)
	}
	return result, nil
}

// load reads id from the store and fills the cache with what it found, unless a
// write to id began after the read did.
func (s *UserProfileService) load(ctx context.Context, id int64) (mo.Option[models.UserProfile], error) {
	gen := s.guard.snapshot(id)
	var result mo.Option[models.UserProfile]
	err := s.call(ctx, "get", func(ctx context.Context) error {
		var err error
		result, err = s.store.Get(ctx, id)
		return err
	})
	if err != nil {
		return result, err
	}
	if p, ok := result.Get(); ok {
		if !s.guard.fill(id, gen, func() { s.cacheSet(ctx, p) }) {
			observability.LoggerFromContext(ctx).Debug("cache fill skipped after concurrent write", zap.Int64("id", id))
		}
	}
	return result, nil
}

// List returns one page of profiles with the paging envelope.
func (s *UserProfileService) List(ctx context.Context, req paging.Request) (paging.Page[models.UserProfile], error) {
	var content []models.UserProfile
	var total int64
	err := s.call(ctx, "list", func(ctx context.Context) error {
		var err error
		content, total, err = s.store.List(ctx, req)
		return err
	})
	if err != nil {
		return paging.Page[models.UserProfile]{}, fmt.Errorf("list user profiles: %w", err)
	}
	return paging.NewPage(content, req, total), nil
}

// Update replaces email and active of profile id. Returns ErrNotFound when absent.
func (s *UserProfileService) Update(ctx context.Context, id int64, p models.UserProfile) (models.UserProfile, error) {
	p = p.WithID(id)
	err := s.call(ctx, "update", func(ctx context.Context) error {
		return s.store.Update(ctx, p)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.guard.write(id, func() { s.cacheDelete(ctx, id) })
		}
		return models.UserProfile{}, fmt.Errorf("update user profile %d: %w", id, err)
	}
	s.guard.write(id, func() { s.cacheSet(ctx, p) })
	return p, nil
}

// Delete removes profile id and reports whether it existed.
func (s *UserProfileService) Delete(ctx context.Context, id int64) (bool, error) {
	var removed bool
	err := s.call(ctx, "delete", func(ctx context.Context) error {
		var err error
		removed, err = s.store.Delete(ctx, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete user profile %d: %w", id, err)
	}
	s.guard.write(id, func() { s.cacheDelete(ctx, id) })
	return removed, nil
}

// Ping checks store reachability. It bypasses the breaker so health can see recovery.
func (s *UserProfileService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// BreakerState reports the store circuit breaker state.
func (s *UserProfileService) BreakerState() circuitbreaker.State {
	return s.breaker.State()
}

// call runs fn through the breaker and records store metrics.
func (s *UserProfileService) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := s.breaker.Call(ctx, fn)
	observability.ObserveStoreOperation(operation, storeStatus(err), time.Since(start))
	return err
}

func storeStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "rejected"
	default:
		return "error"
	}
}

func (s *UserProfileService) cacheSet(ctx context.Context, p models.UserProfile) {
	if err := s.cache.Set(ctx, p.IDValue(), p, s.ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		observability.LoggerFromContext(ctx).Warn("cache set failed", zap.Int64("id", p.IDValue()), zap.Error(err))
	}
}

func (s *UserProfileService) cacheDelete(ctx context.Context, id int64) {
	if err := s.cache.Delete(ctx, id); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("delete").Inc()
		observability.LoggerFromContext(ctx).Warn("cache delete failed", zap.Int64("id", id), zap.Error(err))
	}
}
