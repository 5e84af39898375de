package httpx

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter counts requests per key inside fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// ratePolicy is the budget one route class gets. key picks the bucket a
// request counts against; an empty key falls back to the client IP.
type ratePolicy struct {
	name   string
	limit  int
	window time.Duration
	key    func(*http.Request) string
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitUserRead  = 120
	rateLimitUserWrite = 60
	rateLimitWebsocket = 30
)

// ratePolicies are the budgets for every rate-limited route.
type ratePolicies struct {
	signup, login   ratePolicy
	projects        ratePolicy
	project         ratePolicy
	deployUpload    ratePolicy
	deploymentReads ratePolicy
	logReads        ratePolicy
	logStream       ratePolicy
}

// newRatePolicies builds the table. Signup, login and archive uploads share
// the configured budget; reads and the websocket use fixed ones.
func newRatePolicies(cfg Config) ratePolicies {
	byIP := func(name string) ratePolicy {
		return ratePolicy{name: name, limit: cfg.RateLimitRequests, window: cfg.RateLimitWindow, key: keyByIP}
	}
	read := func(name string) ratePolicy {
		return ratePolicy{name: name, limit: rateLimitUserRead, window: rateWindowDefault, key: keyByUser}
	}
	return ratePolicies{
		signup:          byIP("auth_signup"),
		login:           byIP("auth_login"),
		projects:        ratePolicy{name: "projects", limit: rateLimitUserWrite, window: rateWindowDefault, key: keyByUser},
		project:         ratePolicy{name: "project", limit: rateLimitUserWrite, window: rateWindowDefault, key: keyByUser},
		deployUpload:    ratePolicy{name: "deploy_create", limit: cfg.RateLimitRequests, window: cfg.RateLimitWindow, key: keyByUpload},
		deploymentReads: read("deployments"),
		logReads:        read("logs"),
		logStream:       ratePolicy{name: "logs_ws", limit: rateLimitWebsocket, window: rateWindowRealtime, key: keyByUser},
	}
}

// limited charges the request against p before calling next.
func (r *Router) limited(p ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if p.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := p.key(req)
		if key == "" {
			key = keyByIP(req)
		}
		decision := r.limiter.Allow(p.name+"|"+key, p.limit, p.window)
		setRateHeaders(w.Header(), p.limit, decision)
		if !decision.allowed {
			r.metrics.rateLimited(p.name, bucketKind(key))
			if retry := retryAfter(decision.windowEnd); retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(retry))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// authedLimited authenticates first so per-user keys resolve.
func (r *Router) authedLimited(p ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.limited(p, next))
}

func keyByUser(req *http.Request) string {
	if p, ok := principalFrom(req.Context()); ok {
		return "user:" + p.UserID
	}
	return ""
}

// keyByUpload buckets archive uploads per user and target project, so one
// busy project does not starve a user's others.
func keyByUpload(req *http.Request) string {
	p, ok := principalFrom(req.Context())
	if !ok {
		return ""
	}
	parts := splitPath(strings.TrimPrefix(req.URL.Path, "/projects/"))
	if len(parts) == 0 {
		return "upload:" + p.UserID
	}
	return "upload:" + p.UserID + "/" + parts[0]
}

func keyByIP(req *http.Request) string {
	if ip := clientIP(req); ip != "" {
		return "ip:" + ip
	}
	return "ip:unknown"
}

// bucketKind keeps metric cardinality to the key prefix.
func bucketKind(key string) string {
	if kind, _, ok := strings.Cut(key, ":"); ok && kind != "" {
		return kind
	}
	return "unknown"
}

func setRateHeaders(h http.Header, limit int, d rateDecision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(limit-d.count, 0)))
	if !d.windowEnd.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.windowEnd.Unix(), 10))
	}
}

func retryAfter(windowEnd time.Time) int {
	if windowEnd.IsZero() {
		return 0
	}
	return int(math.Ceil(time.Until(windowEnd).Seconds()))
}

func clientIP(req *http.Request) string {
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	addr := strings.TrimSpace(req.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// windowCounter is the in-process limiter used when Redis is not configured.
// Expired buckets are dropped on a timer.
type windowCounter struct {
	mu      sync.Mutex
	buckets map[string]*windowBucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type windowBucket struct {
	hits int
	ends time.Time
}

const windowSweepEvery = 5 * time.Minute

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	c := &windowCounter{
		buckets: make(map[string]*windowBucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *windowCounter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.buckets[key]
	if b == nil || now.After(b.ends) {
		b = &windowBucket{ends: now.Add(window)}
		c.buckets[key] = b
	}
	if b.hits >= limit {
		return rateDecision{allowed: false, count: b.hits, windowEnd: b.ends}
	}
	b.hits++
	return rateDecision{allowed: true, count: b.hits, windowEnd: b.ends}
}

func (c *windowCounter) sweep() {
	ticker := time.NewTicker(windowSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			for key, b := range c.buckets {
				if now.After(b.ends) {
					delete(c.buckets, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *windowCounter) Close() {
	c.once.Do(func() { close(c.stop) })
}
