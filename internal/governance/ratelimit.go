package governance

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/polisai/polis-federation/pkg/domain"
	"github.com/polisai/polis-federation/pkg/federation"
	"github.com/polisai/polis-federation/pkg/telemetry"
)

// RateLimitConfig defines per-origin admission limits for inbound federation
// traffic.
type RateLimitConfig struct {
	// Window is the period over which requests are counted.
	Window time.Duration
	// SleepLimit is the number of requests per window admitted without delay.
	SleepLimit int
	// SleepDelay is how long a request over SleepLimit is held back.
	SleepDelay time.Duration
	// RejectLimit is the number of requests per window above which requests
	// are rejected outright.
	RejectLimit int
	// Concurrent is the number of requests per origin processed at once.
	Concurrent int
}

// DefaultRateLimitConfig returns the limits used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Window:      time.Second,
		SleepLimit:  10,
		SleepDelay:  500 * time.Millisecond,
		RejectLimit: 50,
		Concurrent:  3,
	}
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	def := DefaultRateLimitConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.SleepLimit <= 0 {
		c.SleepLimit = def.SleepLimit
	}
	if c.SleepDelay <= 0 {
		c.SleepDelay = def.SleepDelay
	}
	if c.RejectLimit <= 0 {
		c.RejectLimit = def.RejectLimit
	}
	if c.Concurrent <= 0 {
		c.Concurrent = def.Concurrent
	}
	return c
}

// FederationRateLimiter admits inbound requests per origin. Origins over
// their sleep limit are delayed, origins over their reject limit get
// M_LIMIT_EXCEEDED, and at most Concurrent requests of one origin run at a
// time. Limits of one origin never affect another.
type FederationRateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	hosts  map[string]*hostLimiter
	now    func() time.Time
}

// NewFederationRateLimiter creates a limiter. Zero config fields take the
// defaults.
func NewFederationRateLimiter(config RateLimitConfig) *FederationRateLimiter {
	return &FederationRateLimiter{
		config: config.withDefaults(),
		hosts:  make(map[string]*hostLimiter),
		now:    time.Now,
	}
}

// Configure replaces the limits. Origins with requests in flight keep their
// current limits until they go idle.
func (rl *FederationRateLimiter) Configure(config RateLimitConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.config = config.withDefaults()
}

// Config returns the active limits.
func (rl *FederationRateLimiter) Config() RateLimitConfig {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.config
}

// Acquire waits for an admission slot for origin. It fails with a
// RateLimited error when origin is over its reject limit, or with ctx's
// error when ctx is done first.
func (rl *FederationRateLimiter) Acquire(ctx context.Context, origin string) (federation.Admission, error) {
	host := rl.host(origin)
	start := rl.now()

	delay, err := host.admit(start)
	if err != nil {
		rl.releaseHost(origin, host)
		telemetry.RecordRateLimitReject(ctx)
		return nil, err
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			host.leave()
			rl.releaseHost(origin, host)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	select {
	case host.slots <- struct{}{}:
	case <-ctx.Done():
		host.leave()
		rl.releaseHost(origin, host)
		return nil, ctx.Err()
	}

	if waited := rl.now().Sub(start); waited > 0 {
		telemetry.RecordRateLimitWait(ctx, waited)
	}
	return &admission{limiter: rl, origin: origin, host: host}, nil
}

func (rl *FederationRateLimiter) host(origin string) *hostLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	h, ok := rl.hosts[origin]
	if !ok {
		h = newHostLimiter(rl.config)
		rl.hosts[origin] = h
	}
	h.refs++
	return h
}

// releaseHost drops a reference taken by host and forgets idle origins once
// their window has passed.
func (rl *FederationRateLimiter) releaseHost(origin string, h *hostLimiter) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	h.refs--
	if h.refs == 0 && h.idleSince(rl.now()) {
		delete(rl.hosts, origin)
	}
}

// Prune forgets origins with nothing in flight and nothing left in their
// window. It returns the number of origins removed.
func (rl *FederationRateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	removed := 0
	for origin, h := range rl.hosts {
		if h.refs == 0 && h.idleSince(now) {
			delete(rl.hosts, origin)
			removed++
		}
	}
	return removed
}

// Stats returns the current state of every tracked origin.
func (rl *FederationRateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.Lock()
	hosts := make(map[string]*hostLimiter, len(rl.hosts))
	for origin, h := range rl.hosts {
		hosts[origin] = h
	}
	rl.mu.Unlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(hosts))
	for origin, h := range hosts {
		stats[origin] = h.stats(now)
	}
	return stats
}

// RateLimitStats exposes the current state of one origin.
type RateLimitStats struct {
	InWindow  int     `json:"inWindow"`
	Active    int     `json:"active"`
	Available float64 `json:"available"`
}

type admission struct {
	limiter *FederationRateLimiter
	origin  string
	host    *hostLimiter
	once    sync.Once
}

// Release frees the slot. Repeated calls have no effect.
func (a *admission) Release() {
	a.once.Do(func() {
		<-a.host.slots
		a.limiter.releaseHost(a.origin, a.host)
	})
}

// hostLimiter is the state kept for one origin.
type hostLimiter struct {
	config RateLimitConfig
	// pacer lets SleepLimit requests through per Window before delaying.
	pacer *rate.Limiter
	slots chan struct{}

	mu       sync.Mutex
	requests []time.Time
	refs     int
}

func newHostLimiter(config RateLimitConfig) *hostLimiter {
	every := config.Window / time.Duration(config.SleepLimit)
	return &hostLimiter{
		config: config,
		pacer:  rate.NewLimiter(rate.Every(every), config.SleepLimit),
		slots:  make(chan struct{}, config.Concurrent),
	}
}

// admit records a request at now and returns how long it must sleep.
func (h *hostLimiter) admit(now time.Time) (time.Duration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneLocked(now)
	if len(h.requests) >= h.config.RejectLimit {
		return 0, domain.RateLimited()
	}
	h.requests = append(h.requests, now)

	if h.pacer.AllowN(now, 1) {
		return 0, nil
	}
	return h.config.SleepDelay, nil
}

// leave forgets the most recent request of an abandoned acquisition.
func (h *hostLimiter) leave() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.requests); n > 0 {
		h.requests = h.requests[:n-1]
	}
}

func (h *hostLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-h.config.Window)
	i := 0
	for i < len(h.requests) && !h.requests[i].After(cutoff) {
		i++
	}
	h.requests = h.requests[i:]
}

func (h *hostLimiter) idleSince(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(now)
	return len(h.requests) == 0 && len(h.slots) == 0
}

func (h *hostLimiter) stats(now time.Time) RateLimitStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(now)
	return RateLimitStats{
		InWindow:  len(h.requests),
		Active:    len(h.slots),
		Available: h.pacer.TokensAt(now),
	}
}
