package kvstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ResilientOptions tunes the circuit breaker in front of the primary store.
type ResilientOptions struct {
	Name string
	// FallbackTTL expires keys written to the in-memory fallback, matching
	// the primary's key TTL. Zero keeps them until deleted.
	FallbackTTL time.Duration
	// OnFallback is called each time an operation is served by the fallback.
	OnFallback func(op string, err error)
	// OnStateChange is called when the breaker changes state.
	OnStateChange func(name string, from, to gobreaker.State)
}

// ResilientStore serves from a primary store behind a circuit breaker and
// degrades to an in-memory store when the primary fails or the breaker is
// open. It never returns an error other than ErrNotFound.
type ResilientStore struct {
	primary    Store
	fallback   *MemoryStore
	breaker    *gobreaker.CircuitBreaker
	onFallback func(op string, err error)
}

func NewResilientStore(primary Store, opts ResilientOptions) *ResilientStore {
	if opts.Name == "" {
		opts.Name = "VisitorStore"
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if opts.OnStateChange != nil {
				opts.OnStateChange(name, from, to)
			}
		},
	})

	return &ResilientStore{
		primary:    primary,
		fallback:   NewExpiringMemoryStore(opts.FallbackTTL),
		breaker:    breaker,
		onFallback: opts.OnFallback,
	}
}

func (s *ResilientStore) Get(ctx context.Context, key string) (string, error) {
	type result struct {
		value string
		found bool
	}
	out, err := s.breaker.Execute(func() (interface{}, error) {
		v, err := s.primary.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return result{}, nil
		}
		if err != nil {
			return nil, err
		}
		return result{value: v, found: true}, nil
	})
	if err != nil {
		s.degraded("get", key, err)
		return s.fallback.Get(ctx, key)
	}

	r := out.(result)
	if !r.found {
		return "", ErrNotFound
	}
	return r.value, nil
}

func (s *ResilientStore) Set(ctx context.Context, key, value string) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.primary.Set(ctx, key, value)
	})
	if err != nil {
		s.degraded("set", key, err)
		return s.fallback.Set(ctx, key, value)
	}
	return nil
}

func (s *ResilientStore) Delete(ctx context.Context, keys ...string) error {
	// Fallback copies are always dropped so a recovered primary is not
	// shadowed by stale degraded values.
	_ = s.fallback.Delete(ctx, keys...)

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.primary.Delete(ctx, keys...)
	})
	if err != nil {
		s.degraded("delete", "", err)
	}
	return nil
}

// SweepFallback drops expired keys from the in-memory fallback.
func (s *ResilientStore) SweepFallback() int {
	removed := s.fallback.Sweep()
	if removed > 0 {
		slog.Debug("Swept expired fallback keys", "removed", removed, "remaining", s.fallback.Len())
	}
	return removed
}

// State reports the breaker state.
func (s *ResilientStore) State() gobreaker.State {
	return s.breaker.State()
}

func (s *ResilientStore) degraded(op, key string, err error) {
	slog.Warn("Visitor store unavailable, using in-memory fallback", "op", op, "key", key, "error", err)
	if s.onFallback != nil {
		s.onFallback(op, err)
	}
}
