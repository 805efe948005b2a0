package sessionstore

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vango-go/voicebridge/pkg/gateway/live/callstate"
)

const (
	defaultFallbackSize = 10_000
	defaultFallbackIdle = 30 * time.Minute
)

type applyFunc func(*callstate.VoiceSession, time.Time)

// pendingOp is a mutation accepted while the durable store was failing. It is
// replayed onto the durable copy once a durable write succeeds again.
type pendingOp struct {
	apply applyFunc
	at    time.Time
}

type entry struct {
	sess    *callstate.VoiceSession
	pending []pendingOp
}

// fallback is the bounded in-process store. Entries expire after idle
// without a write, and the least recently written entry goes first when full.
//
// snapshots holds the last session each call wrote durably, so an entry
// created during an outage starts from the call's real state.
type fallback struct {
	mu        sync.Mutex
	lru       *expirable.LRU[string, *entry]
	snapshots *lru.Cache[string, *callstate.VoiceSession]

	// removing is the key being dropped by remove; its evict callback is not
	// an eviction.
	removing atomic.Pointer[string]
}

func newFallback(size int, idle time.Duration, onEvict func(callID string)) *fallback {
	if size <= 0 {
		size = defaultFallbackSize
	}
	if idle <= 0 {
		idle = defaultFallbackIdle
	}
	f := &fallback{}
	f.lru = expirable.NewLRU[string, *entry](size, func(key string, _ *entry) {
		if p := f.removing.Load(); p != nil && *p == key {
			return
		}
		if onEvict != nil {
			onEvict(key)
		}
	}, idle)
	// Only errors for a non-positive size.
	f.snapshots, _ = lru.New[string, *callstate.VoiceSession](size)
	return f
}

// apply runs fn on the held session, creating it from the last durable
// snapshot (or empty) when absent. With track set the op is kept for replay.
func (f *fallback) apply(callID string, now time.Time, fn applyFunc, track bool) *callstate.VoiceSession {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.lru.Peek(callID)
	if !ok {
		e = &entry{}
		if snap, ok := f.snapshots.Peek(callID); ok {
			e.sess = snap.Clone()
		} else {
			e.sess = callstate.New(callID, now)
		}
	}
	fn(e.sess, now)
	if track {
		e.pending = append(e.pending, pendingOp{apply: fn, at: now})
	}
	f.lru.Add(callID, e)
	return e.sess.Clone()
}

// pending returns the ops waiting for replay, or false when the call has no
// fallback entry.
func (f *fallback) pending(callID string) ([]pendingOp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.lru.Peek(callID)
	if !ok {
		return nil, false
	}
	return append([]pendingOp(nil), e.pending...), true
}

// settle drops the first n pending ops, now durable. The entry goes once
// nothing is left; ops added concurrently stay for the next write.
func (f *fallback) settle(callID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.lru.Peek(callID)
	if !ok {
		return
	}
	if n < len(e.pending) {
		e.pending = e.pending[n:]
		return
	}
	f.removeLocked(callID)
}

func (f *fallback) remember(callID string, sess *callstate.VoiceSession) {
	f.snapshots.Add(callID, sess.Clone())
}

func (f *fallback) peek(callID string) (*callstate.VoiceSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.lru.Peek(callID)
	if !ok {
		return nil, false
	}
	return e.sess.Clone(), true
}

// remove forgets the call entirely, snapshot included.
func (f *fallback) remove(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(callID)
	f.snapshots.Remove(callID)
}

func (f *fallback) removeLocked(callID string) {
	f.removing.Store(&callID)
	f.lru.Remove(callID)
	f.removing.Store(nil)
}

func (f *fallback) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lru.Keys()
}
