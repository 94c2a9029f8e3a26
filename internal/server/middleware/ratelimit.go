package middleware

import (
	"fmt"
	"log"
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ticketbridge/internal/server/httpx"
)

// RateLimiterConfig configures per-client rate limiting.
type RateLimiterConfig struct {
	// PerMinute is the sustained number of requests allowed per client per minute.
	PerMinute int
	Burst     int
	// CleanupInterval is how often idle clients are forgotten. Clients idle for
	// twice the interval are dropped.
	CleanupInterval time.Duration
	// TrustedProxies are the peers whose X-Forwarded-For is believed. Requests
	// from any other peer are keyed on the connection address.
	TrustedProxies []netip.Prefix
}

// ParseTrustedProxies parses IP addresses and CIDR ranges.
func ParseTrustedProxies(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter limits requests per client IP.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	proxies []netip.Prefix
	now     func() time.Time
	mu      sync.RWMutex
	byIP    map[string]*clientLimiter
	stopCh  chan struct{}
	once    sync.Once
}

// NewRateLimiter returns a RateLimiter and starts its cleanup goroutine; call Stop to end it.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		limit:   rate.Limit(float64(cfg.PerMinute) / 60.0),
		burst:   cfg.Burst,
		ttl:     2 * cfg.CleanupInterval,
		proxies: cfg.TrustedProxies,
		now:     time.Now,
		byIP:    make(map[string]*clientLimiter),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop(cfg.CleanupInterval)
	return rl
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// Middleware rejects requests over the limit with 429 and a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := rl.clientKey(r)
		if !rl.get(ip).Allow() {
			log.Printf("ratelimit: limit exceeded ip=%s path=%s", ip, r.URL.Path)
			rl.writeLimited(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey is the connection address, or for a trusted proxy the rightmost
// X-Forwarded-For hop that is not itself a trusted proxy.
func (rl *RateLimiter) clientKey(r *http.Request) string {
	remote := RemoteIP(r)
	if !rl.trusted(remote) {
		return remote
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !rl.trusted(hop) {
			return hop
		}
	}
	return remote
}

func (rl *RateLimiter) trusted(ip string) bool {
	if len(rl.proxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range rl.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.byIP)
}

func (rl *RateLimiter) get(ip string) *rate.Limiter {
	rl.mu.RLock()
	cl, ok := rl.byIP[ip]
	rl.mu.RUnlock()
	if ok {
		rl.mu.Lock()
		cl.lastAccess = rl.now()
		rl.mu.Unlock()
		return cl.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if cl, ok := rl.byIP[ip]; ok {
		cl.lastAccess = rl.now()
		return cl.limiter
	}
	l := rate.NewLimiter(rl.limit, rl.burst)
	rl.byIP[ip] = &clientLimiter{limiter: l, lastAccess: rl.now()}
	return l
}

func (rl *RateLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, cl := range rl.byIP {
		if now.Sub(cl.lastAccess) > rl.ttl {
			delete(rl.byIP, ip)
		}
	}
}

// writeLimited sets Retry-After to the seconds until one token is refilled.
func (rl *RateLimiter) writeLimited(w http.ResponseWriter) {
	retryAfter := int(math.Ceil(1.0 / float64(rl.limit)))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	httpx.WriteMessage(w, http.StatusTooManyRequests, "too many requests")
}
