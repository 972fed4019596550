package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/gchat/internal/metrics"
	"github.com/eldtechnologies/gchat/internal/store"
)

// RateLimitStore holds sliding windows and IP blocks. *store.RedisStore implements it.
type RateLimitStore interface {
	HitWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (store.Window, error)
	RecordViolation(ctx context.Context, ip string, ttl time.Duration) (int64, error)
	BlockIP(ctx context.Context, ip string, duration time.Duration, reason string) error
	IsIPBlocked(ctx context.Context, ip string) (bool, error)
}

// Rule limits requests whose method matches and whose path starts with Prefix.
type Rule struct {
	Method   string
	Prefix   string
	Requests int
	Window   time.Duration
	Key      func(r *http.Request) string
}

func (rule Rule) String() string {
	return rule.Method + " " + rule.Prefix
}

func (rule Rule) matches(r *http.Request) bool {
	return r.Method == rule.Method && strings.HasPrefix(r.URL.Path, rule.Prefix)
}

// DefaultRules are the limits applied when RateLimiterConfig.Rules is empty.
func DefaultRules() []Rule {
	return []Rule{
		{http.MethodPost, "/register", 10, time.Hour, ipKey},
		{http.MethodPost, "/login", 30, time.Minute, ipKey},
		{http.MethodGet, "/users/", 100, time.Minute, ipKey},
		{http.MethodPost, "/messages", 60, time.Minute, sessionOrIPKey},
		{http.MethodGet, "/messages", 240, time.Minute, sessionOrIPKey},
		{http.MethodGet, "/stats", 60, time.Minute, ipKey},
	}
}

const (
	violationWindow = time.Hour
	violationLimit  = 10
	autoBlockFor    = 24 * time.Hour
)

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Block an IP for a day after repeated violations
	Rules            []Rule   // first match wins; DefaultRules when empty
}

// RateLimiter applies sliding-window limits per rule.
type RateLimiter struct {
	store     RateLimitStore
	rules     []Rule
	allow     allowList
	autoBlock bool
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(s RateLimitStore, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	rl := &RateLimiter{
		store:     s,
		rules:     rules,
		allow:     parseAllowList(cfg.Whitelist, logger),
		autoBlock: cfg.AutoBlockEnabled,
		logger:    logger,
		now:       time.Now,
	}

	if !rl.allow.empty() {
		logger.Info().
			Int("addrs", len(rl.allow.addrs)).
			Int("prefixes", len(rl.allow.prefixes)).
			Msg("rate limit whitelist configured")
	}
	return rl
}

// allowList is the parsed whitelist.
type allowList struct {
	addrs    map[netip.Addr]bool
	prefixes []netip.Prefix
}

func parseAllowList(entries []string, logger zerolog.Logger) allowList {
	a := allowList{addrs: make(map[netip.Addr]bool)}
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			a.prefixes = append(a.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid IP in whitelist")
			continue
		}
		a.addrs[addr.Unmap()] = true
	}
	return a
}

func (a allowList) empty() bool {
	return len(a.addrs) == 0 && len(a.prefixes) == 0
}

func (a allowList) contains(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if a.addrs[addr] {
		return true
	}
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the request's client address. chi's RealIP middleware
// has already applied X-Forwarded-For / X-Real-IP to RemoteAddr.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func ipKey(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

// sessionOrIPKey limits authenticated traffic per session, keyed by a token hash.
func sessionOrIPKey(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		sum := sha256.Sum256([]byte(token))
		return "session:" + hex.EncodeToString(sum[:8])
	}
	return ipKey(r)
}

func (rl *RateLimiter) match(r *http.Request) (Rule, bool) {
	for _, rule := range rl.rules {
		if rule.matches(r) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Middleware returns the rate limiting middleware. Store errors fail open.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if rl.allow.contains(ip) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		blocked, err := rl.store.IsIPBlocked(ctx, ip)
		if err != nil {
			rl.logger.Error().Err(err).Msg("ip block lookup failed")
		}
		if blocked {
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			metrics.BlockedRequests.WithLabelValues("ip_block").Inc()
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		rule, ok := rl.match(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		now := rl.now()
		win, err := rl.store.HitWindow(ctx, rule.Key(r), rule.Requests, rule.Window, now)
		if err != nil {
			rl.logger.Error().Err(err).Str("rule", rule.String()).Msg("rate limit check failed")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(win.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(win.ResetAt.Unix(), 10))

		if win.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(math.Ceil(win.ResetAt.Sub(now).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
		metrics.RateLimitHits.WithLabelValues(rule.String()).Inc()
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "rate_limit_exceeded").
			Str("ip", ip).
			Str("rule", rule.String()).
			Msg("rate limit exceeded")

		rl.trackViolation(ctx, ip)
		jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// trackViolation blocks IPs that keep hitting limits, when auto-blocking is on.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlock {
		return
	}

	count, err := rl.store.RecordViolation(ctx, ip, violationWindow)
	if err != nil || count < violationLimit {
		return
	}

	if err := rl.store.BlockIP(ctx, ip, autoBlockFor, "repeated rate limit violations"); err != nil {
		rl.logger.Error().Err(err).Str("ip", ip).Msg("auto-block failed")
		return
	}
	rl.logger.Warn().
		Str("type", "security").
		Str("event", "ip_auto_blocked").
		Str("ip", ip).
		Int64("violations", count).
		Msg("IP auto-blocked for repeated violations")
}
