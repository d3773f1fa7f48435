// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package web

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// A Class groups endpoints that share one rate budget per client.
type Class int

const (
	ClassRead  Class = iota // listings and config reads
	ClassWrite              // submissions and mutations
	ClassProbe              // outbound test notifications

	numClasses
)

// A Limit is the refill rate and burst size of one token bucket.
type Limit struct {
	Rate  rate.Limit
	Burst int
}

// Limits holds one Limit per endpoint class.
type Limits struct {
	Read  Limit
	Write Limit
	Probe Limit
}

// DefaultLimits returns the production budgets: generous for reads (the
// UI polls), stricter for writes, strictest for the notification probe.
func DefaultLimits() Limits {
	return Limits{
		Read:  Limit{Rate: rate.Limit(300.0 / 60), Burst: 30},
		Write: Limit{Rate: rate.Limit(60.0 / 60), Burst: 10},
		Probe: Limit{Rate: rate.Limit(5.0 / 60), Burst: 2},
	}
}

func (l Limits) forClass(c Class) Limit {
	switch c {
	case ClassWrite:
		return l.Write
	case ClassProbe:
		return l.Probe
	default:
		return l.Read
	}
}

// A limiter tracks one token bucket per (client address, class) pair.
type limiter struct {
	limits Limits

	mu        sync.Mutex
	clients   map[string]*clientBuckets
	lastSweep time.Time
}

type clientBuckets struct {
	lastSeen time.Time
	buckets  [numClasses]*rate.Limiter
}

func newLimiter(limits Limits) *limiter {
	return &limiter{limits: limits, clients: make(map[string]*clientBuckets), lastSweep: time.Now()}
}

// staleAfter is how long an idle client's buckets are retained.
const staleAfter = 10 * time.Minute

// allow reports whether the request is within budget, and if not, how
// long the client should wait before retrying.
func (l *limiter) allow(addr string, c Class) (bool, time.Duration) {
	now := time.Now()

	l.mu.Lock()
	cb, ok := l.clients[addr]
	if !ok {
		cb = &clientBuckets{}
		l.clients[addr] = cb
	}
	cb.lastSeen = now
	if cb.buckets[c] == nil {
		lim := l.limits.forClass(c)
		cb.buckets[c] = rate.NewLimiter(lim.Rate, lim.Burst)
	}
	bucket := cb.buckets[c]
	if now.Sub(l.lastSweep) > staleAfter {
		l.sweepLocked(now)
	}
	l.mu.Unlock()

	rsv := bucket.Reserve()
	if !rsv.OK() {
		return false, time.Minute
	}
	if d := rsv.Delay(); d > 0 {
		rsv.Cancel()
		return false, d
	}
	return true, 0
}

func (l *limiter) sweepLocked(now time.Time) {
	for addr, cb := range l.clients {
		if now.Sub(cb.lastSeen) > staleAfter {
			delete(l.clients, addr)
		}
	}
	l.lastSweep = now
}

// limit wraps handlers of one endpoint class with the per-client rate
// check. A limited request is rejected before it can mutate anything.
func (s *Server) limit(c Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr, err := clientAddr(r)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "unidentifiable client address")
				return
			}
			ok, retry := s.limiter.allow(addr.String(), c)
			if !ok {
				secs := int(math.Ceil(retry.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				s.metrics.Count("rate_limited", 1)
				s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded, retry after %ds", secs)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
