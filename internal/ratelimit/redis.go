package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// slidingWindowScript trims the sorted set to the window, then records
// the event only if the remaining count is under the limit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

if redis.call('ZCARD', key) < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
end
return 0
`)

// SlidingWindow is a Limiter whose state lives in Redis, so every
// replica counts against the same window.
type SlidingWindow struct {
	client redis.Scripter
	name   string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewSlidingWindow creates a limiter allowing limit events per window.
// name namespaces its keys from other limiters.
func NewSlidingWindow(client redis.Scripter, name string, limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		client: client,
		name:   name,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records an event for key. On a Redis error the event is allowed
// and the error returned, so callers can log it and fail open.
func (l *SlidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{keyPrefix + l.name + ":" + key},
		l.window.Milliseconds(),
		l.limit,
		l.now().UnixMilli(),
		uuid.NewString(),
	).Int()
	if err != nil {
		return true, fmt.Errorf("ratelimit: %s: %w", l.name, err)
	}
	return res == 1, nil
}
