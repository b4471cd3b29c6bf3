package share

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter throttles share creation per client address. Idle entries
// are evicted lazily so the map does not grow without bound.
type clientLimiter struct {
	mu sync.Mutex
	// trustProxy enables X-Forwarded-For as the client key; off by default
	// so a direct client cannot pick its own rate-limit bucket.
	trustProxy bool
	perMin     int
	limiters   map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perMinute int, trustProxy bool) *clientLimiter {
	return &clientLimiter{
		trustProxy: trustProxy,
		perMin:     perMinute,
		limiters:   make(map[string]*limiterEntry),
	}
}

// allow reports whether the client behind r may create another share.
func (c *clientLimiter) allow(r *http.Request) bool {
	if c.perMin <= 0 {
		return true
	}
	key := c.clientAddr(r)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.limiters[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(c.perMin)/60.0), c.perMin),
		}
		c.limiters[key] = entry
	}
	entry.lastSeen = now

	if len(c.limiters) > 1024 {
		for k, e := range c.limiters {
			if now.Sub(e.lastSeen) > 10*time.Minute {
				delete(c.limiters, k)
			}
		}
	}
	return entry.limiter.Allow()
}

func (c *clientLimiter) clientAddr(r *http.Request) string {
	if c.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			// Only the first hop: later entries are appended by
			// intermediaries and the rest of the chain is our own edge.
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
