// Package ratex throttles credential lifecycle operations per principal.
// It keeps one token bucket per principal+operation pair and answers a
// single question: may this principal perform this operation right now.
package ratex

import (
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the throttling parameters for one operation kind.
type Config struct {
	// OpsPerWindow is the number of operations allowed in the time window
	OpsPerWindow int
	// Window is the time window for rate limiting
	Window time.Duration
	// Burst allows for temporary bursts above the rate limit
	Burst int
}

// Default profiles. Credential minting is deliberately tight: a principal
// creating keys in a loop is either a broken script or an attacker.
// Override with: RATELIMIT_{CREATE,ROTATE}_OPS, _WINDOW_SEC, _BURST.
var (
	CreateLimit = Config{
		OpsPerWindow: 10,
		Window:       time.Minute,
		Burst:        10,
	}

	RotateLimit = Config{
		OpsPerWindow: 5,
		Window:       time.Minute,
		Burst:        5,
	}
)

func init() {
	CreateLimit = ParseConfigFromEnv("CREATE", CreateLimit)
	RotateLimit = ParseConfigFromEnv("ROTATE", RotateLimit)
}

// ParseConfigFromEnv reads throttling configuration from environment
// variables following the pattern RATELIMIT_{prefix}_{field}, e.g.
// RATELIMIT_CREATE_OPS, RATELIMIT_CREATE_WINDOW_SEC, RATELIMIT_CREATE_BURST.
func ParseConfigFromEnv(prefix string, defaults Config) Config {
	cfg := defaults

	if val := os.Getenv("RATELIMIT_" + prefix + "_OPS"); val != "" {
		if ops, err := strconv.Atoi(val); err == nil && ops > 0 {
			cfg.OpsPerWindow = ops
		}
	}

	if val := os.Getenv("RATELIMIT_" + prefix + "_WINDOW_SEC"); val != "" {
		if sec, err := strconv.Atoi(val); err == nil && sec > 0 {
			cfg.Window = time.Duration(sec) * time.Second
		}
	}

	if val := os.Getenv("RATELIMIT_" + prefix + "_BURST"); val != "" {
		if burst, err := strconv.Atoi(val); err == nil && burst > 0 {
			cfg.Burst = burst
		}
	}

	return cfg
}

// Gate holds per-key token buckets for a set of operation kinds. Keys are
// principal+operation so one principal exhausting their budget never
// affects another.
type Gate struct {
	configs  map[string]Config
	limiters sync.Map // map[string]*rate.Limiter

	mu          sync.Mutex
	lastCleanup time.Time
}

// NewGate builds a gate from operation kind to throttling config. Unknown
// operation kinds are allowed unthrottled.
func NewGate(configs map[string]Config) *Gate {
	return &Gate{
		configs:     configs,
		lastCleanup: time.Now(),
	}
}

// Allow reports whether principalID may perform operation now, consuming
// one token when it may.
func (g *Gate) Allow(principalID, operation string) bool {
	cfg, ok := g.configs[operation]
	if !ok {
		return true
	}

	limiter := g.getLimiter(principalID+":"+operation, cfg)
	return limiter.Allow()
}

func (g *Gate) getLimiter(key string, cfg Config) *rate.Limiter {
	// Fast path: limiter already exists
	if limiter, ok := g.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	// Slow path: create new limiter
	perSecond := float64(cfg.OpsPerWindow) / cfg.Window.Seconds()
	limiter := rate.NewLimiter(rate.Limit(perSecond), cfg.Burst)
	actual, _ := g.limiters.LoadOrStore(key, limiter)

	// Periodic cleanup to prevent memory leak
	g.maybeCleanup()

	return actual.(*rate.Limiter)
}

// maybeCleanup removes limiters that have refilled to their full burst,
// which means the key has been idle long enough to forget. Prevents
// unbounded growth from one-off principals.
func (g *Gate) maybeCleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Only cleanup once every 5 minutes
	if time.Since(g.lastCleanup) < 5*time.Minute {
		return
	}

	g.lastCleanup = time.Now()

	g.limiters.Range(func(key, value any) bool {
		limiter := value.(*rate.Limiter)
		if limiter.Tokens() >= float64(limiter.Burst()) {
			g.limiters.Delete(key)
		}
		return true
	})
}
