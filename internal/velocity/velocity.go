// Package velocity evaluates sliding-window transaction counters backed
// by Redis (spec §3.5, §5, C6). All counters needed by a ruleset's
// applicable rules are incremented in a single round trip via a Lua
// script, so the check-and-increment is atomic and the engine never
// issues one Redis call per rule.
package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rawblock/cardfraud-engine/internal/fieldreg"
	"github.com/rawblock/cardfraud-engine/internal/ruleset"
	"github.com/rawblock/cardfraud-engine/internal/telemetry"
	"github.com/rawblock/cardfraud-engine/internal/txmodel"
	"github.com/rawblock/cardfraud-engine/pkg/models"
)

// incrScript increments one counter per KEYS entry and reports whether
// each has crossed its threshold, atomically, in a single Redis round
// trip (§5 wire format).
const incrScript = `
local results = {}
for i, key in ipairs(KEYS) do
  local window = tonumber(ARGV[2*i-1])
  local threshold = tonumber(ARGV[2*i])
  local count = redis.call('INCR', key)
  if count == 1 then redis.call('EXPIRE', key, window) end
  local exceeded = 0
  if count >= threshold then exceeded = 1 end
  table.insert(results, count)
  table.insert(results, exceeded)
end
return results
`

// Client wraps a redis.UniversalClient with the bounded-timeout velocity
// contract the evaluator depends on.
type Client struct {
	rdb     redis.UniversalClient
	script  *redis.Script
	timeout time.Duration
	metrics *telemetry.Metrics
}

func New(rdb redis.UniversalClient, timeout time.Duration) *Client {
	return &Client{rdb: rdb, script: redis.NewScript(incrScript), timeout: timeout}
}

// SetMetrics attaches the shared telemetry sink. Optional; every
// Metrics method tolerates a nil receiver.
func (c *Client) SetMetrics(m *telemetry.Metrics) {
	c.metrics = m
}

// keyOf builds the "vel:{ruleID}:{dimension}:{dimensionValue}" counter
// key for one rule's velocity config against a transaction (§5).
func keyOf(ruleID string, vel *ruleset.VelocityConfig, dimensionValue string) string {
	return fmt.Sprintf("vel:%s:%s:%s", ruleID, vel.Dimension, dimensionValue)
}

// dimensionValue resolves the field value a velocity key is partitioned
// by, read from the transaction's custom/standard fields via the rule's
// key template, e.g. "{card_hash}".
func dimensionValue(tx *txmodel.Transaction, vel *ruleset.VelocityConfig) string {
	field := vel.KeyTemplate
	if len(field) >= 2 && field[0] == '{' && field[len(field)-1] == '}' {
		field = field[1 : len(field)-1]
	}
	if id, known := fieldreg.Global.ID(field); known {
		if v, ok := tx.GetString(id); ok {
			return v
		}
	}
	if v, ok := tx.GetCustom(field); ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// Evaluate increments and checks every velocity counter required by the
// given rules against a single transaction, in one bounded-timeout Redis
// round trip. On any Redis failure (including timeout) it returns an
// error and an empty result map; the caller is expected to degrade the
// engine mode rather than block (§4.3, §6 engine-mode protocol).
func (c *Client) Evaluate(ctx context.Context, tx *txmodel.Transaction, rules []*ruleset.Rule) (map[string]models.VelocityResult, error) {
	type pending struct {
		ruleID string
		vel    *ruleset.VelocityConfig
		key    string
	}

	var keys []pending
	for _, r := range rules {
		if r.Velocity == nil {
			continue
		}
		dv := dimensionValue(tx, r.Velocity)
		keys = append(keys, pending{ruleID: r.ID, vel: r.Velocity, key: keyOf(r.ID, r.Velocity, dv)})
	}
	if len(keys) == 0 {
		return map[string]models.VelocityResult{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	redisKeys := make([]string, len(keys))
	args := make([]any, 0, len(keys)*2)
	for i, k := range keys {
		redisKeys[i] = k.key
		args = append(args, k.vel.WindowSeconds, k.vel.Threshold)
	}

	raw, err := c.script.Run(ctx, c.rdb, redisKeys, args...).Result()
	if err != nil {
		c.metrics.IncVelocityError()
		return nil, fmt.Errorf("velocity: redis eval failed: %w", err)
	}

	flat, ok := raw.([]any)
	if !ok || len(flat) != len(keys)*2 {
		c.metrics.IncVelocityError()
		return nil, fmt.Errorf("velocity: unexpected script result shape")
	}

	out := make(map[string]models.VelocityResult, len(keys))
	for i, k := range keys {
		count, _ := toInt64(flat[i*2])
		exceeded, _ := toInt64(flat[i*2+1])
		out[k.ruleID] = models.VelocityResult{
			Dimension:      k.vel.Dimension,
			DimensionValue: dimensionValue(tx, k.vel),
			Count:          count,
			Threshold:      k.vel.Threshold,
			WindowSeconds:  k.vel.WindowSeconds,
			Exceeded:       exceeded == 1,
		}
	}
	return out, nil
}

// Snapshot reads a single velocity counter's current value with a plain
// GET — no INCR, no EXPIRE, no threshold side effect — so a caller can
// observe state as of its own processing time without perturbing the
// counter a later request will still increment (§4.8). A missing key
// (the window has already expired, or nothing has incremented it yet)
// reports a zero count rather than an error.
func (c *Client) Snapshot(ctx context.Context, ruleID string, vel *ruleset.VelocityConfig, dimensionValue string) (models.VelocityResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key := keyOf(ruleID, vel, dimensionValue)
	val, err := c.rdb.Get(ctx, key).Result()
	var count int64
	switch {
	case err == redis.Nil:
		count = 0
	case err != nil:
		c.metrics.IncVelocityError()
		return models.VelocityResult{}, fmt.Errorf("velocity: redis get failed: %w", err)
	default:
		count, err = strconv.ParseInt(val, 10, 64)
		if err != nil {
			c.metrics.IncVelocityError()
			return models.VelocityResult{}, fmt.Errorf("velocity: unexpected counter value %q: %w", val, err)
		}
	}

	return models.VelocityResult{
		Dimension:      vel.Dimension,
		DimensionValue: dimensionValue,
		Count:          count,
		Threshold:      vel.Threshold,
		WindowSeconds:  vel.WindowSeconds,
		Exceeded:       count >= vel.Threshold,
	}, nil
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
