// Package sessionstore persists per-call VoiceSession state. Every operation
// tries the durable backend first and degrades to a bounded in-process
// fallback when it fails; durable errors are logged, never returned.
package sessionstore

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/vango-go/voicebridge/pkg/gateway/live/callstate"
)

var ErrInvalidCallID = errors.New("sessionstore: call id is required")

// MutateFunc receives the current session (nil when absent) and returns the
// session to write. It may run more than once under contention.
type MutateFunc func(cur *callstate.VoiceSession) *callstate.VoiceSession

// Durable is the shared store behind the fallback.
type Durable interface {
	Mutate(ctx context.Context, callID string, fn MutateFunc) (*callstate.VoiceSession, error)
	Delete(ctx context.Context, callID string) error
	Keys(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// Observer receives degradation signals; metrics.Metrics implements it.
type Observer interface {
	StoreDurableError(op string)
	StoreFallbackEviction()
}

type nopObserver struct{}

func (nopObserver) StoreDurableError(string) {}
func (nopObserver) StoreFallbackEviction()   {}

type Options struct {
	// Durable may be nil, in which case only the fallback is used.
	Durable Durable

	FallbackIdleTimeout time.Duration
	FallbackMaxSessions int

	Logger   *slog.Logger
	Observer Observer
	// Now stamps sessions. Fallback expiry runs on the wall clock.
	Now func() time.Time
}

type Store struct {
	durable  Durable
	fallback *fallback
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

func New(opts Options) *Store {
	s := &Store{
		durable:  opts.Durable,
		logger:   opts.Logger,
		observer: opts.Observer,
		now:      opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.fallback = newFallback(opts.FallbackMaxSessions, opts.FallbackIdleTimeout, func(callID string) {
		s.observer.StoreFallbackEviction()
		s.logger.Info("fallback session evicted", "call_id", callID)
	})
	return s
}

// Get returns the session for callID, creating an empty one if none exists.
// It refreshes the activity timestamp and the durable TTL.
func (s *Store) Get(ctx context.Context, callID string) (*callstate.VoiceSession, error) {
	return s.mutate(ctx, "get", callID, func(sess *callstate.VoiceSession, now time.Time) {
		sess.Touch(now)
	})
}

// Update merges u into the session for callID and returns the merged result.
func (s *Store) Update(ctx context.Context, callID string, u callstate.Update) (*callstate.VoiceSession, error) {
	return s.mutate(ctx, "update", callID, func(sess *callstate.VoiceSession, now time.Time) {
		callstate.Apply(sess, u, now)
	})
}

func (s *Store) mutate(ctx context.Context, op, callID string, apply applyFunc) (*callstate.VoiceSession, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, ErrInvalidCallID
	}
	now := s.now()

	if s.durable != nil {
		// A fallback entry exists only if earlier durable writes failed. Its
		// ops are replayed onto the durable copy so nothing written before
		// the outage is lost.
		replay, hasFallback := s.fallback.pending(callID)
		out, err := s.durable.Mutate(ctx, callID, func(cur *callstate.VoiceSession) *callstate.VoiceSession {
			next := cur.Clone()
			if next == nil {
				next = callstate.New(callID, now)
			}
			for _, p := range replay {
				p.apply(next, p.at)
			}
			apply(next, now)
			return next
		})
		if err == nil {
			s.fallback.remember(callID, out)
			if hasFallback {
				s.fallback.settle(callID, len(replay))
				s.logger.Info("fallback session promoted to durable store", "call_id", callID, "replayed", len(replay))
			}
			return out, nil
		}
		s.degraded(op, callID, err)
	}

	return s.fallback.apply(callID, now, apply, s.durable != nil), nil
}

// Delete removes the session from both stores. A subsequent Get starts fresh.
func (s *Store) Delete(ctx context.Context, callID string) error {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return ErrInvalidCallID
	}
	s.fallback.remove(callID)
	if s.durable != nil {
		if err := s.durable.Delete(ctx, callID); err != nil {
			s.degraded("delete", callID, err)
		}
	}
	return nil
}

// ListActive returns the sorted union of durable and fallback call ids.
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	ids := s.fallback.keys()
	if s.durable != nil {
		keys, err := s.durable.Keys(ctx)
		if err != nil {
			s.degraded("list", "", err)
		} else {
			ids = append(ids, keys...)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// Reachable reports whether the durable backend answers a ping. A store with
// no durable backend is never reachable.
func (s *Store) Reachable(ctx context.Context) bool {
	if s.durable == nil {
		return false
	}
	return s.durable.Ping(ctx) == nil
}

// FallbackLen is the number of sessions currently held in process.
func (s *Store) FallbackLen() int {
	return len(s.fallback.keys())
}

func (s *Store) degraded(op, callID string, err error) {
	s.observer.StoreDurableError(op)
	attrs := []any{"op", op, "error", err}
	if callID != "" {
		attrs = append(attrs, "call_id", callID)
	}
	s.logger.Warn("durable session store failed, using fallback", attrs...)
}
