package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

type Config struct {
	// Accepted media-stream connections per second per remote address.
	RPS   float64
	Burst int

	// Process-wide cap on calls being relayed at once. Zero disables it.
	MaxConcurrentCalls int

	// Bounds for the per-remote limiter cache.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu      sync.Mutex
	remotes *expirable.LRU[string, *rate.Limiter]

	calls chan struct{}
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 10 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		remotes: expirable.NewLRU[string, *rate.Limiter](cfg.MaxEntries, nil, cfg.EntryTTL),
	}
	if cfg.MaxConcurrentCalls > 0 {
		l.calls = make(chan struct{}, cfg.MaxConcurrentCalls)
	}
	return l
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AllowAccept spends one accept token for remote. A denied attempt does not
// consume a token.
func (l *Limiter) AllowAccept(remote string, now time.Time) Decision {
	if l == nil || l.cfg.RPS <= 0 || l.cfg.Burst <= 0 {
		return Decision{Allowed: true}
	}
	if remote == "" {
		remote = "unknown"
	}

	lim := l.limiterFor(remote)
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: 1}
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return Decision{Allowed: true}
	}
	r.CancelAt(now)
	return Decision{RetryAfter: retryAfterSeconds(delay)}
}

// AcquireCall takes a slot from the concurrent-call cap. The returned permit
// must be released when the call ends.
func (l *Limiter) AcquireCall() Decision {
	if l == nil || l.calls == nil {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	select {
	case l.calls <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-l.calls }}}
	default:
		return Decision{RetryAfter: 1}
	}
}

func (l *Limiter) limiterFor(remote string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.remotes.Get(remote)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)
	}
	// Re-adding refreshes the entry's expiry.
	l.remotes.Add(remote, lim)
	return lim
}

// Tracked reports how many remotes currently hold a limiter.
func (l *Limiter) Tracked() int {
	if l == nil {
		return 0
	}
	return l.remotes.Len()
}

func retryAfterSeconds(d time.Duration) int {
	n := int(math.Ceil(d.Seconds()))
	if n < 1 {
		n = 1
	}
	return n
}
