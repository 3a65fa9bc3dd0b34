package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultLimiterIdle is how long a client's bucket survives without requests.
const DefaultLimiterIdle = 3 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter hands out one token bucket per client address. Buckets idle
// for longer than the idle period are dropped on a later request.
type IPRateLimiter struct {
	mu        sync.Mutex
	ips       map[string]*clientLimiter
	r         rate.Limit
	b         int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		ips:  make(map[string]*clientLimiter),
		r:    r,
		b:    b,
		idle: DefaultLimiterIdle,
		now:  time.Now,
	}
}

// GetLimiter returns the bucket for ip, creating it on first use.
func (l *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)
	c, exists := l.ips[ip]
	if !exists {
		c = &clientLimiter{limiter: rate.NewLimiter(l.r, l.b)}
		l.ips[ip] = c
	}
	c.lastSeen = now
	return c.limiter
}

// sweepLocked evicts idle buckets at most once per idle period.
func (l *IPRateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.idle {
		return
	}
	l.lastSweep = now
	for ip, c := range l.ips {
		if now.Sub(c.lastSeen) >= l.idle {
			delete(l.ips, ip)
		}
	}
}

// Len reports how many client buckets are held.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ips)
}

// Allow reports whether the request's client may proceed.
func (l *IPRateLimiter) Allow(r *http.Request) bool {
	if l == nil {
		return true
	}
	return l.GetLimiter(clientIP(r)).Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
