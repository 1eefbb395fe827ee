package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/moodchat/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterIdleTTL         = 10 * time.Minute
)

// GlobalConnectionLimiter caps concurrent chat connections on this instance.
type GlobalConnectionLimiter struct {
	current atomic.Int64
	max     int64
}

func NewGlobalConnectionLimiter(max int64) *GlobalConnectionLimiter {
	return &GlobalConnectionLimiter{max: max}
}

// Acquire takes a slot, returning false at capacity.
func (l *GlobalConnectionLimiter) Acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *GlobalConnectionLimiter) Release() {
	l.current.Add(-1)
}

func (l *GlobalConnectionLimiter) Current() int64 {
	return l.current.Load()
}

func (l *GlobalConnectionLimiter) Max() int64 {
	return l.max
}

// CapacityPct returns utilisation as a percentage.
func (l *GlobalConnectionLimiter) CapacityPct() float64 {
	if l.max == 0 {
		return 0
	}
	return float64(l.Current()) / float64(l.max) * 100
}

// IPConnectionLimiter caps concurrent connections per client IP.
type IPConnectionLimiter struct {
	mu     sync.RWMutex
	ips    map[string]int
	maxPer int
}

func NewIPConnectionLimiter(maxPer int) *IPConnectionLimiter {
	return &IPConnectionLimiter{
		ips:    make(map[string]int),
		maxPer: maxPer,
	}
}

func (l *IPConnectionLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *IPConnectionLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.ips[ip]
	switch {
	case count > 1:
		l.ips[ip] = count - 1
	case count == 1:
		delete(l.ips, ip)
	}
}

func (l *IPConnectionLimiter) Count(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ips[ip]
}

// UniqueIPs returns the number of IPs holding at least one connection.
func (l *IPConnectionLimiter) UniqueIPs() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ips)
}

// ConnectionRateLimiter is a token bucket per client IP. Buckets idle for
// longer than rateLimiterIdleTTL are dropped on the next sweep.
type ConnectionRateLimiter struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	cleanupAt time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnectionRateLimiter(clock clockwork.Clock, connectionsPerSecond float64, burst int) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		clock:     clock,
		limiters:  make(map[string]*rateLimiterEntry),
		rate:      rate.Limit(connectionsPerSecond),
		burst:     burst,
		cleanupAt: clock.Now().Add(rateLimiterCleanupInterval),
	}
}

// Allow reports whether ip may open another connection now.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(rateLimiterCleanupInterval)
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1)
}

// cleanup must be called with mu held.
func (l *ConnectionRateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rateLimiterIdleTTL)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

func (l *ConnectionRateLimiter) ActiveLimiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// LimitReason describes why a connection was rejected.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// ConnectionLimits applies the rate, global and per-IP limits together.
type ConnectionLimits struct {
	global *GlobalConnectionLimiter
	perIP  *IPConnectionLimiter
	rate   *ConnectionRateLimiter
}

func NewConnectionLimits(clock clockwork.Clock, globalMax int64, perIPMax int, connectionsPerSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		global: NewGlobalConnectionLimiter(globalMax),
		perIP:  NewIPConnectionLimiter(perIPMax),
		rate:   NewConnectionRateLimiter(clock, connectionsPerSecond, burst),
	}
}

// Acquire takes a connection slot for ip. On rejection nothing is held and
// the reason names the limit that was hit.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.rate.Allow(ip) {
		return false, LimitReasonRate
	}
	if !l.global.Acquire() {
		return false, LimitReasonGlobal
	}
	if !l.perIP.Acquire(ip) {
		l.global.Release()
		return false, LimitReasonPerIP
	}

	metrics.WebSocketConnectionCapacity.Set(l.global.CapacityPct())
	return true, ""
}

func (l *ConnectionLimits) Release(ip string) {
	l.perIP.Release(ip)
	l.global.Release()
	metrics.WebSocketConnectionCapacity.Set(l.global.CapacityPct())
}

func (l *ConnectionLimits) Global() *GlobalConnectionLimiter { return l.global }
func (l *ConnectionLimits) PerIP() *IPConnectionLimiter      { return l.perIP }
func (l *ConnectionLimits) Rate() *ConnectionRateLimiter     { return l.rate }
