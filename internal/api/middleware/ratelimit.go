package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/metrics"
)

const (
	violationLimit  = 10
	violationWindow = time.Hour
	blockDuration   = 24 * time.Hour
)

// rateRule limits one route family. Rules are matched in order.
type rateRule struct {
	name     string
	method   string
	prefix   string
	requests int
	window   time.Duration
	key      func(r *http.Request) string
}

var defaultRules = []rateRule{
	{"socket", http.MethodGet, "/ws/chat/", 30, time.Minute, ipKey},
	{"upload", http.MethodPost, "/chat/upload/", 30, time.Minute, tokenOrIPKey},
	{"resolve", http.MethodPost, "/chat/resolve/", 20, time.Minute, tokenOrIPKey},
	{"consultations", http.MethodGet, "/chat/doctor-consultations/", 120, time.Minute, tokenOrIPKey},
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // block an IP for a day after repeated violations
}

// RateLimiter is a Redis sliding-window limiter shared by every instance.
type RateLimiter struct {
	client    *redis.Client
	rules     []rateRule
	exempt    []netip.Prefix
	autoBlock bool
	logger    zerolog.Logger
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		client:    client,
		rules:     defaultRules,
		autoBlock: cfg.AutoBlockEnabled,
		logger:    logger,
	}
	rl.exempt = parseWhitelist(cfg.Whitelist, logger)
	if len(rl.exempt) > 0 {
		logger.Info().Int("entries", len(rl.exempt)).Msg("rate limit whitelist configured")
	}
	return rl
}

// parseWhitelist accepts single addresses and CIDR ranges.
func parseWhitelist(entries []string, logger zerolog.Logger) []netip.Prefix {
	var out []netip.Prefix
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid IP in whitelist")
			continue
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}

func (rl *RateLimiter) exempted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range rl.exempt {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (rl *RateLimiter) match(r *http.Request) (rateRule, bool) {
	for _, rule := range rl.rules {
		if r.Method == rule.method && strings.HasPrefix(r.URL.Path, rule.prefix) {
			return rule, true
		}
	}
	return rateRule{}, false
}

// ipKey keys a request by client IP.
func ipKey(r *http.Request) string {
	return "ip:" + RealIP(r)
}

// tokenOrIPKey keys authenticated requests by a digest of their bearer
// token, anonymous ones by IP.
func tokenOrIPKey(r *http.Request) string {
	token, ok := BearerToken(r)
	if !ok {
		return ipKey(r)
	}
	sum := sha256.Sum256([]byte(token))
	return "token:" + hex.EncodeToString(sum[:8])
}

// RealIP extracts the client IP from proxy headers or the connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// allow records one request against key and reports whether it fits in the
// window. A rejected request does not count toward the window.
func (rl *RateLimiter) allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time, error) {
	now := time.Now()
	member := strconv.FormatInt(now.UnixNano(), 10)

	pipe := rl.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
	count := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.PExpire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, limit, now.Add(window), err
	}

	resetAt := now.Add(window)
	if z := oldest.Val(); len(z) > 0 {
		resetAt = time.UnixMilli(int64(z[0].Score)).Add(window)
	}

	n := int(count.Val())
	if n >= limit {
		rl.client.ZRem(ctx, key, member)
		return false, 0, resetAt, nil
	}
	return true, limit - n - 1, resetAt, nil
}

// Middleware returns the rate limiting middleware. Redis failures let the
// request through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.exempted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocked(r.Context(), ip) {
			rl.logger.Warn().
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		rule, ok := rl.match(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		key := fmt.Sprintf("ratelimit:%s:%s", rule.name, rule.key(r))
		allowed, remaining, resetAt, err := rl.allow(r.Context(), key, rule.requests, rule.window)
		if err != nil {
			rl.logger.Warn().Err(err).Str("rule", rule.name).Msg("rate limit check failed")
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retry := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			metrics.RateLimitHits.WithLabelValues(rule.name).Inc()
			rl.recordViolation(r.Context(), ip)

			rl.logger.Warn().
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("rule", rule.name).
				Str("key", key).
				Msg("rate limit exceeded")
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func blockKey(ip string) string { return "blocked:ip:" + ip }

func (rl *RateLimiter) blocked(ctx context.Context, ip string) bool {
	if !rl.autoBlock {
		return false
	}
	n, err := rl.client.Exists(ctx, blockKey(ip)).Result()
	return err == nil && n > 0
}

// recordViolation blocks an IP once it exceeds violationLimit rejections
// within violationWindow.
func (rl *RateLimiter) recordViolation(ctx context.Context, ip string) {
	if !rl.autoBlock {
		return
	}

	key := "violations:ip:" + ip
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, violationWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return
	}

	if count := incr.Val(); count >= violationLimit {
		rl.client.Set(ctx, blockKey(ip), "repeated rate limit violations", blockDuration)
		rl.logger.Warn().
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP blocked for repeated violations")
	}
}
