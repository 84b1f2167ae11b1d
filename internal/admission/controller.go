package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"callsim/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Controller gates session creation per tenant on two shared counters:
// a concurrency counter (held until Release) and a rate counter that lives
// for one window and is then dropped by Redis.
//
// Both checks run inside a single Lua script, so concurrent admissions from
// any number of API processes cannot overshoot either limit.
type Controller struct {
	rdb    redis.UniversalClient
	limits Limits

	prefixConcurrent string
	prefixRate       string
	window           time.Duration
	slotTTL          time.Duration
}

// Limits are tenant-wide admission limits.
type Limits struct {
	MaxConcurrent int
	MaxPerSecond  int
}

type Option func(*Controller)

// WithSlotTTL bounds how long a leaked concurrency counter survives a crashed process.
// The TTL is refreshed on every admission. Zero disables it.
func WithSlotTTL(ttl time.Duration) Option {
	return func(c *Controller) { c.slotTTL = ttl }
}

// WithWindow overrides the one-second rate window.
func WithWindow(window time.Duration) Option {
	return func(c *Controller) { c.window = window }
}

// WithKeyPrefix namespaces both counters so several deployments can share one Redis.
func WithKeyPrefix(prefix string) Option {
	return func(c *Controller) {
		c.prefixConcurrent = prefix + "concurrent:"
		c.prefixRate = prefix + "cps:"
	}
}

func NewController(rdb redis.UniversalClient, limits Limits, opts ...Option) (*Controller, error) {
	if rdb == nil {
		return nil, errors.New("admission: redis client is nil")
	}
	if limits.MaxConcurrent <= 0 || limits.MaxPerSecond <= 0 {
		return nil, fmt.Errorf("admission: limits must be > 0, got %+v", limits)
	}
	c := &Controller{
		rdb:              rdb,
		limits:           limits,
		prefixConcurrent: "concurrent:",
		prefixRate:       "cps:",
		window:           time.Second,
		slotTTL:          time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var admitScript = redis.NewScript(`
-- KEYS[1] = concurrency counter key
-- KEYS[2] = rate window counter key
-- ARGV[1] = max concurrent
-- ARGV[2] = max per window
-- ARGV[3] = window_ms
-- ARGV[4] = slot_ttl_ms (0 disables)
--
-- Returns {code, value}:
--   { 1, concurrent} admitted
--   { 0, concurrent} denied by concurrency limit
--   {-1, rate}       denied by rate limit
local current = redis.call('INCR', KEYS[1])
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return {0, current - 1}
end
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end

local rate = redis.call('INCR', KEYS[2])
if rate == 1 then
  redis.call('PEXPIRE', KEYS[2], ARGV[3])
elseif redis.call('PTTL', KEYS[2]) < 0 then
  -- window key lost its expiry; never let it live forever
  redis.call('PEXPIRE', KEYS[2], ARGV[3])
end

if rate > tonumber(ARGV[2]) then
  redis.call('DECR', KEYS[1])
  return {-1, rate}
end
return {1, current}
`)

var releaseScript = redis.NewScript(`
-- KEYS[1] = concurrency counter key
-- Decrement, never below zero; delete the key once it reaches zero.
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
return n
`)

// TryAdmit reserves one concurrency slot and one unit of the current rate window.
// A denied decision leaves the concurrency counter unchanged.
func (c *Controller) TryAdmit(ctx context.Context, tenant string) (Decision, error) {
	if tenant == "" {
		return Decision{}, errors.New("admission: tenant is required")
	}
	res, err := admitScript.Run(ctx, c.rdb,
		[]string{c.concurrentKey(tenant), c.rateKey(tenant)},
		c.limits.MaxConcurrent,
		c.limits.MaxPerSecond,
		c.window.Milliseconds(),
		c.slotTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("admission: admit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("admission: unexpected script reply %v", res)
	}

	switch res[0] {
	case 1:
		return Decision{Allowed: true}, nil
	case 0:
		return Decision{Reason: ReasonConcurrency, Limit: c.limits.MaxConcurrent}, nil
	default:
		return Decision{Reason: ReasonRate, Limit: c.limits.MaxPerSecond}, nil
	}
}

// Release returns one concurrency slot. Safe to call for a tenant that holds none.
func (c *Controller) Release(ctx context.Context, tenant string) error {
	if tenant == "" {
		return errors.New("admission: tenant is required")
	}
	if err := releaseScript.Run(ctx, c.rdb, []string{c.concurrentKey(tenant)}).Err(); err != nil {
		return fmt.Errorf("admission: release script: %w", err)
	}
	return nil
}

// Concurrent returns the tenant's current concurrency counter.
func (c *Controller) Concurrent(ctx context.Context, tenant string) (int64, error) {
	return c.readCounter(ctx, c.concurrentKey(tenant))
}

// CurrentRate sums every tenant's live rate window counter.
// Expired windows simply do not appear.
func (c *Controller) CurrentRate(ctx context.Context) (int64, error) {
	keys, err := utils.ScanKeys(ctx, c.rdb, c.prefixRate+"*", 200)
	if err != nil {
		return 0, fmt.Errorf("admission: scan rate keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("admission: read rate keys: %w", err)
	}
	var total int64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}

func (c *Controller) readCounter(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("admission: read %q: %w", key, err)
	}
	return n, nil
}

func (c *Controller) concurrentKey(tenant string) string { return c.prefixConcurrent + tenant }
func (c *Controller) rateKey(tenant string) string       { return c.prefixRate + tenant }
