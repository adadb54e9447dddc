package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Failed API key lookups cost a bcrypt comparison each, so repeated bad
// credentials from one address are throttled before they reach the handler.
const (
	// DefaultMaxAttemptsPerMinute bounds failed authentication attempts per
	// source address.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs caps the tracking table so a scan across many
	// source addresses cannot grow it without bound.
	DefaultMaxTrackedIPs = 10000

	sweepInterval = time.Minute
	idleEviction  = 5 * time.Minute
)

type trackedIP struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles authentication failures per source address. Only
// failures consume tokens; an address with no recorded failures is never
// throttled.
type RateLimiter struct {
	mu            sync.Mutex
	byIP          map[string]*trackedIP
	maxPerMinute  int
	maxTrackedIPs int
	cancel        context.CancelFunc
}

// NewRateLimiter starts a limiter allowing maxPerMinute failures per address
// (0 means DefaultMaxAttemptsPerMinute) and a background sweeper that drops
// addresses idle longer than five minutes. Call Stop to end the sweeper.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		byIP:          make(map[string]*trackedIP),
		maxPerMinute:  maxPerMinute,
		maxTrackedIPs: DefaultMaxTrackedIPs,
		cancel:        cancel,
	}
	go rl.sweep(ctx)
	return rl
}

// Allow reports whether ip may attempt authentication. Addresses without a
// failure on record are always allowed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	tr, ok := rl.byIP[ip]
	if !ok {
		return true
	}
	tr.lastSeen = time.Now()
	return tr.limiter.Allow()
}

// RecordFailure charges one failed attempt against ip.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.trackLocked(ip, time.Now()).limiter.Allow()
}

// RecordFailureAndAllow charges one failed attempt against ip and reports
// whether ip is still under the limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.trackLocked(ip, time.Now()).limiter.Allow()
}

func (rl *RateLimiter) trackLocked(ip string, now time.Time) *trackedIP {
	tr, ok := rl.byIP[ip]
	if !ok {
		if len(rl.byIP) >= rl.maxTrackedIPs {
			rl.evictOldestLocked()
		}
		tr = &trackedIP{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute),
		}
		rl.byIP[ip] = tr
	}
	tr.lastSeen = now
	return tr
}

// Stop ends the background sweeper.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-idleEviction)
	for ip, tr := range rl.byIP {
		if tr.lastSeen.Before(cutoff) {
			delete(rl.byIP, ip)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldest string
	for ip, tr := range rl.byIP {
		if oldest == "" || tr.lastSeen.Before(rl.byIP[oldest].lastSeen) {
			oldest = ip
		}
	}
	if oldest != "" {
		delete(rl.byIP, oldest)
	}
}

// ExtractIP strips the port from a net/http RemoteAddr. Input that is not a
// host:port pair is returned as-is.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
