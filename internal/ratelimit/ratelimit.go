// Package ratelimit enforces the per-IP WebSocket connection-acceptance
// policy of spec §4.6: reject when current connections from an IP exceed
// maxConnectionsPerIP, or when attempts within rateLimitWindowMs exceed
// maxConnectionsInWindow.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config mirrors the WS connection-acceptance knobs from spec §6.
type Config struct {
	MaxConnectionsPerIP    int
	MaxConnectionsInWindow int
	Window                 time.Duration
}

// DefaultConfig matches spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerIP:    10,
		MaxConnectionsInWindow: 20,
		Window:                 60 * time.Second,
	}
}

// ipState holds one client IP's live connection count and its windowed
// attempt-rate limiter.
type ipState struct {
	active     int
	windowLim  *rate.Limiter
	lastSeen   time.Time
}

// IPLimiter tracks live connection counts and windowed attempt rates per
// client IP. The windowed-attempts check is a golang.org/x/time/rate token
// bucket sized so a full burst of MaxConnectionsInWindow, refilling over
// Window, reproduces the spec's "N attempts per window" semantics; the
// concurrent active-connection count has no rate-limiting analogue and is
// tracked directly.
type IPLimiter struct {
	mu    sync.Mutex
	cfg   Config
	byIP  map[string]*ipState
	nowFn func() time.Time
}

// New creates an IPLimiter.
func New(cfg Config) *IPLimiter {
	if cfg.MaxConnectionsPerIP <= 0 {
		cfg.MaxConnectionsPerIP = 10
	}
	if cfg.MaxConnectionsInWindow <= 0 {
		cfg.MaxConnectionsInWindow = 20
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	return &IPLimiter{
		cfg:   cfg,
		byIP:  make(map[string]*ipState),
		nowFn: time.Now,
	}
}

func (l *IPLimiter) newWindowLimiter() *rate.Limiter {
	refillPerSec := float64(l.cfg.MaxConnectionsInWindow) / l.cfg.Window.Seconds()
	return rate.NewLimiter(rate.Limit(refillPerSec), l.cfg.MaxConnectionsInWindow)
}

// Allow reports whether a new connection attempt from ip should be accepted.
// It records the attempt (for windowed counting) regardless of the outcome,
// matching the policy-order description in spec §4.6: both checks consult
// the attempt history before a connection is admitted.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.byIP[ip]
	if st == nil {
		st = &ipState{windowLim: l.newWindowLimiter()}
		l.byIP[ip] = st
	}
	st.lastSeen = l.nowFn()

	windowOK := st.windowLim.AllowN(st.lastSeen, 1)
	if st.active >= l.cfg.MaxConnectionsPerIP {
		return false
	}
	if !windowOK {
		return false
	}

	st.active++
	return true
}

// Release decrements the active-connection count for ip, called when a
// WebSocket connection for that address closes.
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.byIP[ip]; ok {
		st.active--
		if st.active <= 0 && l.nowFn().Sub(st.lastSeen) > l.cfg.Window {
			delete(l.byIP, ip)
		}
	}
}

// ActiveCount returns the number of live connections tracked for ip.
func (l *IPLimiter) ActiveCount(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.byIP[ip]; ok {
		return st.active
	}
	return 0
}
