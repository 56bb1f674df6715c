// Package ratelimit is a fixed-window request counter shared through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

const defaultPrefix = "corebank:rate_limit"

// Limiter allows limit events per subject and scope in each window. A nil
// Limiter, or one without a client, allows everything.
type Limiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func New(client redis.UniversalClient, prefix string, limit int, window time.Duration) *Limiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Limiter{client: client, prefix: prefix, limit: limit, window: window}
}

func (l *Limiter) enabled() bool {
	return l != nil && l.client != nil && l.limit > 0 && l.window > 0
}

func (l *Limiter) key(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, strings.TrimSpace(scope), strings.ToLower(strings.TrimSpace(subject)))
}

// Allow counts one event and reports whether it is within the limit. When it is
// not, retryAfter is the time left in the current window.
func (l *Limiter) Allow(ctx context.Context, scope, subject string) (allowed bool, retryAfter time.Duration, err error) {
	if !l.enabled() || strings.TrimSpace(subject) == "" {
		return true, 0, nil
	}

	windowMs := l.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	raw, err := fixedWindowScript.Run(ctx, l.client, []string{l.key(scope, subject)}, windowMs).Result()
	if err != nil {
		return true, 0, fmt.Errorf("running limiter script: %w", err)
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return true, 0, fmt.Errorf("unexpected limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return true, 0, fmt.Errorf("unexpected limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}
	if count > int64(l.limit) {
		return false, time.Duration(ttlMs) * time.Millisecond, nil
	}
	return true, 0, nil
}
