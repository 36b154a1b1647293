// Package outbox durably publishes DecisionEvents after each evaluation
// (spec §3.9, §6, C8). Appends go to a bounded in-memory queue first so
// the evaluation path never blocks on Redis; a background worker drains
// the queue into a Redis Stream, and a separate recovery loop claims
// entries an earlier consumer never acknowledged.
package outbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rawblock/cardfraud-engine/internal/telemetry"
	"github.com/rawblock/cardfraud-engine/pkg/models"
)

const (
	consumerGroup = "dispatchers"

	// fields used inside each stream entry
	fieldPayload = "payload"
)

// Config controls outbox durability and backpressure knobs (§6).
type Config struct {
	QueueSize     int
	Strict        bool // true: reject (503-worthy) when the queue is full; false: drop and count
	MaxRetries    int
	ClaimInterval time.Duration
	PendingAge    time.Duration
	MaxDrainBurst int
}

func DefaultConfig() Config {
	return Config{
		QueueSize:     4096,
		Strict:        false,
		MaxRetries:    5,
		ClaimInterval: 30 * time.Second,
		PendingAge:    30 * time.Second,
		MaxDrainBurst: 256,
	}
}

// DeadLetterSink persists an event that exhausted its retry budget
// (implemented by internal/archive against Postgres).
type DeadLetterSink interface {
	Store(ctx context.Context, streamKey, entryID string, event models.DecisionEvent, lastErr string) error
}

// Encoder serializes a DecisionEvent for the stream payload field.
type Encoder func(models.DecisionEvent) ([]byte, error)

// Decoder deserializes a stream payload back into a DecisionEvent.
type Decoder func([]byte) (models.DecisionEvent, error)

// DownstreamHandler delivers one decoded DecisionEvent to whatever sink
// sits past the outbox (a broker, an analytics pipeline); publishing to
// that sink is out of scope for this engine (§1), so the default
// handler (nil) treats every read as immediately deliverable. A
// deployment that wires a real handler gets genuine at-least-once
// delivery: a handler error leaves the entry unacked, and RunRecovery
// reclaims it once PendingAge elapses.
type DownstreamHandler func(ctx context.Context, event models.DecisionEvent) error

// Enricher augments a decision event immediately before publish, run on
// the worker goroutine so it never costs AUTH latency. This is where a
// velocity snapshot is captured at worker-processing time rather than on
// the request thread, and where an optional MONITORING side-evaluation
// of the transaction can be folded in (§4.8).
type Enricher func(ctx context.Context, event *models.DecisionEvent)

// Outbox owns the bounded queue, the Redis Stream producer, and the
// pending-entry recovery loop for one stream key (e.g. "outbox:auth").
type Outbox struct {
	rdb        redis.UniversalClient
	streamKey  string
	consumer   string
	cfg        Config
	encode     Encoder
	decode     Decoder
	deadLetter DeadLetterSink
	enrich     Enricher
	deliver    DownstreamHandler

	queue   chan models.DecisionEvent
	dropped int64
	metrics *telemetry.Metrics
}

// New builds an Outbox for one stream key. consumer defaults to
// "{hostname}-{pid}" when empty (§6.3).
func New(rdb redis.UniversalClient, streamKey, consumer string, cfg Config, enc Encoder, dec Decoder, dl DeadLetterSink) *Outbox {
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Outbox{
		rdb:        rdb,
		streamKey:  streamKey,
		consumer:   consumer,
		cfg:        cfg,
		encode:     enc,
		decode:     dec,
		deadLetter: dl,
		queue:      make(chan models.DecisionEvent, cfg.QueueSize),
	}
}

// SetEnricher installs the worker-side enrichment hook. Must be called
// before Run starts draining, typically once during wiring.
func (o *Outbox) SetEnricher(fn Enricher) {
	o.enrich = fn
}

// SetMetrics attaches the shared telemetry sink. Optional; a nil
// metrics pointer is handled by every Metrics method already.
func (o *Outbox) SetMetrics(m *telemetry.Metrics) {
	o.metrics = m
}

// SetDownstreamHandler installs the consumer-group delivery hook used by
// RunConsumer. Must be called before RunConsumer starts, typically once
// during wiring.
func (o *Outbox) SetDownstreamHandler(fn DownstreamHandler) {
	o.deliver = fn
}

// EnsureGroup creates the consumer group if it does not already exist.
// Safe to call repeatedly at startup.
func (o *Outbox) EnsureGroup(ctx context.Context) error {
	err := o.rdb.XGroupCreateMkStream(ctx, o.streamKey, consumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("outbox: create group for %s: %w", o.streamKey, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Enqueue hands an event to the in-memory queue without blocking on
// Redis. When the queue is full, Strict mode returns an error the
// caller should surface as engine-degraded; non-strict mode drops the
// event and increments a counter instead (§6.5 backpressure).
func (o *Outbox) Enqueue(event models.DecisionEvent) error {
	select {
	case o.queue <- event:
		return nil
	default:
		if o.cfg.Strict {
			return fmt.Errorf("outbox: queue full for %s", o.streamKey)
		}
		o.dropped++
		o.metrics.IncOutboxDrop()
		log.Printf("[Outbox] dropped event for %s, queue full (total dropped=%d)", o.streamKey, o.dropped)
		return nil
	}
}

// Dropped reports the number of events dropped due to queue backpressure
// since startup, for the outbox-drop telemetry counter (§6.5).
func (o *Outbox) Dropped() int64 {
	return o.dropped
}

// Run drains the in-memory queue into the Redis Stream until ctx is
// canceled. It publishes in bursts of up to MaxDrainBurst to keep a
// single slow XADD from starving newly queued events indefinitely.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case first := <-o.queue:
			batch := []models.DecisionEvent{first}
		drain:
			for len(batch) < o.cfg.MaxDrainBurst {
				select {
				case ev := <-o.queue:
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			for _, ev := range batch {
				if err := o.publish(ctx, ev); err != nil {
					o.metrics.ObserveOutboxPublish(o.streamKey, "error")
					log.Printf("[Outbox] publish failed for %s: %v", o.streamKey, err)
				} else {
					o.metrics.ObserveOutboxPublish(o.streamKey, "ok")
				}
			}
		}
	}
}

func (o *Outbox) publish(ctx context.Context, event models.DecisionEvent) error {
	if o.enrich != nil {
		o.enrich(ctx, &event)
	}
	payload, err := o.encode(event)
	if err != nil {
		return fmt.Errorf("outbox: encode: %w", err)
	}
	return o.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: o.streamKey,
		Values: map[string]any{fieldPayload: payload},
	}).Err()
}

// RunConsumer reads newly published entries as a member of the
// consumer group and acknowledges each one once it has been handed to
// the downstream handler (§4.8 "Pending recovery"). This is the half of
// the pipeline that moves an entry into the group's pending-entries
// list in the first place: without it, nothing is ever claimed by a
// consumer and XPendingExt never has anything to report, so
// RunRecovery's reclaim/dead-letter path can never fire. EnsureGroup
// must have been called before this starts.
func (o *Outbox) RunConsumer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := o.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: o.consumer,
			Streams:  []string{o.streamKey, ">"},
			Count:    int64(o.cfg.MaxDrainBurst),
			Block:    o.cfg.ClaimInterval,
		}).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				log.Printf("[Outbox] consume read failed for %s: %v", o.streamKey, err)
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				o.consumeOne(ctx, msg)
			}
		}
	}
}

func (o *Outbox) consumeOne(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values[fieldPayload].(string)
	if !ok {
		o.rdb.XAck(ctx, o.streamKey, consumerGroup, msg.ID)
		return
	}
	event, err := o.decode([]byte(raw))
	if err != nil {
		o.deadLetterEntry(ctx, msg.ID, "undecodable payload: "+err.Error())
		return
	}
	if o.deliver != nil {
		if err := o.deliver(ctx, event); err != nil {
			log.Printf("[Outbox] downstream delivery failed for %s entry %s, leaving unacked for recovery: %v", o.streamKey, msg.ID, err)
			return
		}
	}
	o.rdb.XAck(ctx, o.streamKey, consumerGroup, msg.ID)
}

// RunRecovery periodically claims pending entries that no consumer
// acknowledged within PendingAge, redelivering them to this consumer and
// dead-lettering any that have exceeded MaxRetries (§6.4 recovery).
func (o *Outbox) RunRecovery(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ClaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.reclaimOnce(ctx); err != nil {
				log.Printf("[Outbox] recovery pass failed for %s: %v", o.streamKey, err)
			}
		}
	}
}

func (o *Outbox) reclaimOnce(ctx context.Context) error {
	pending, err := o.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: o.streamKey,
		Group:  consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  int64(o.cfg.MaxDrainBurst),
		Idle:   o.cfg.PendingAge,
	}).Result()
	if err != nil {
		return fmt.Errorf("outbox: xpending: %w", err)
	}

	for _, p := range pending {
		retries := p.RetryCount
		if retries >= int64(o.cfg.MaxRetries) {
			o.deadLetterEntry(ctx, p.ID, "exceeded max delivery retries")
			continue
		}
		msgs, err := o.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   o.streamKey,
			Group:    consumerGroup,
			Consumer: o.consumer,
			MinIdle:  o.cfg.PendingAge,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			log.Printf("[Outbox] xclaim failed for %s entry %s: %v", o.streamKey, p.ID, err)
			continue
		}
		for _, m := range msgs {
			o.redeliver(ctx, m)
		}
	}
	return nil
}

func (o *Outbox) redeliver(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values[fieldPayload].(string)
	if !ok {
		o.rdb.XAck(ctx, o.streamKey, consumerGroup, msg.ID)
		return
	}
	event, err := o.decode([]byte(raw))
	if err != nil {
		o.deadLetterEntry(ctx, msg.ID, "undecodable payload: "+err.Error())
		return
	}
	if err := o.Enqueue(event); err == nil {
		o.rdb.XAck(ctx, o.streamKey, consumerGroup, msg.ID)
	}
}

func (o *Outbox) deadLetterEntry(ctx context.Context, entryID, reason string) {
	raw, err := o.rdb.XRange(ctx, o.streamKey, entryID, entryID).Result()
	if err != nil || len(raw) == 0 {
		log.Printf("[Outbox] could not fetch %s for dead-letter: %v", entryID, err)
		o.rdb.XAck(ctx, o.streamKey, consumerGroup, entryID)
		return
	}
	payload, _ := raw[0].Values[fieldPayload].(string)
	event, decErr := o.decode([]byte(payload))
	if decErr != nil {
		log.Printf("[Outbox] dead-letter decode failed for %s: %v", entryID, decErr)
	}
	if o.deadLetter != nil {
		if err := o.deadLetter.Store(ctx, o.streamKey, entryID, event, reason); err != nil {
			log.Printf("[Outbox] dead-letter store failed for %s: %v", entryID, err)
		}
	}
	o.rdb.XAck(ctx, o.streamKey, consumerGroup, entryID)
}
