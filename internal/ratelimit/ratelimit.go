// Package ratelimit throttles repeated requests from the same origin
// server hitting the produced federation endpoints, adapted from
// dendrite's client-facing per-device rate limiter
// (internal/httputil.RateLimits) to a server-to-server caller identity:
// the caller key is the claimed X-Matrix origin, not a user/device pair.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/arborhs/homeserver/internal/config"
	"github.com/arborhs/homeserver/internal/hserr"
)

var (
	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "homeserver",
			Subsystem: "federationapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of federation requests rejected by rate limiting",
		},
		[]string{"origin"},
	)
	allowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "homeserver",
			Subsystem: "federationapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of federation requests allowed by rate limiting",
		},
		[]string{"origin"},
	)
	registerMetrics sync.Once
)

// Limiter throttles requests from a given origin server, one token
// bucket per origin, reclaimed after a period of inactivity.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	enabled   bool
	threshold int64
	cooloff   time.Duration
	exempt    map[string]struct{}

	cleanupDone chan struct{}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New constructs a Limiter from cfg, starting its idle-entry sweeper if
// rate limiting is enabled.
func New(cfg config.RateLimiting) *Limiter {
	registerMetrics.Do(func() {
		prometheus.MustRegister(rejections, allowed)
	})

	l := &Limiter{
		entries:     make(map[string]*entry),
		enabled:     cfg.Enabled,
		threshold:   cfg.Threshold,
		cooloff:     time.Duration(cfg.CooloffMS) * time.Millisecond,
		exempt:      make(map[string]struct{}, len(cfg.ExemptServerNames)),
		cleanupDone: make(chan struct{}),
	}
	for _, server := range cfg.ExemptServerNames {
		l.exempt[server] = struct{}{}
	}
	if l.enabled {
		go l.sweep()
	}
	return l
}

// sweep periodically evicts buckets idle for over a minute, so a
// long-running server doesn't accumulate one entry per origin it has
// ever heard from.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.cleanupDone:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Minute)
			l.mu.Lock()
			for origin, e := range l.entries {
				if e.lastSeen.Before(cutoff) {
					delete(l.entries, origin)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the sweeper goroutine. Safe to call multiple times.
func (l *Limiter) Close() {
	if !l.enabled {
		return
	}
	select {
	case <-l.cleanupDone:
	default:
		close(l.cleanupDone)
	}
}

// Allow reports whether a request from origin may proceed, returning a
// LimitExceeded error otherwise.
func (l *Limiter) Allow(origin string) error {
	if !l.enabled {
		return nil
	}
	if _, ok := l.exempt[origin]; ok {
		allowed.WithLabelValues(origin).Inc()
		return nil
	}
	if l.threshold <= 0 {
		rejections.WithLabelValues(origin).Inc()
		return hserr.LimitExceeded("%s is sending too many requests too quickly", origin)
	}
	if l.cooloff <= 0 {
		allowed.WithLabelValues(origin).Inc()
		return nil
	}

	burst := int(l.threshold)
	if burst < 1 {
		burst = 1
	}
	requestsPerSecond := rate.Limit(float64(l.threshold) * float64(time.Second) / float64(l.cooloff))
	if requestsPerSecond <= 0 {
		requestsPerSecond = rate.Limit(1)
	}

	l.mu.Lock()
	e, ok := l.entries[origin]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(requestsPerSecond, burst)}
		l.entries[origin] = e
	}
	e.lastSeen = time.Now()
	lim := e.limiter
	l.mu.Unlock()

	if lim.Allow() {
		allowed.WithLabelValues(origin).Inc()
		return nil
	}
	rejections.WithLabelValues(origin).Inc()
	return hserr.LimitExceeded("%s is sending too many requests too quickly", origin)
}
