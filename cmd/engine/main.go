package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/rawblock/cardfraud-engine/internal/api"
	"github.com/rawblock/cardfraud-engine/internal/archive"
	"github.com/rawblock/cardfraud-engine/internal/evaluator"
	"github.com/rawblock/cardfraud-engine/internal/loader"
	"github.com/rawblock/cardfraud-engine/internal/outbox"
	"github.com/rawblock/cardfraud-engine/internal/ruleset"
	"github.com/rawblock/cardfraud-engine/internal/telemetry"
	"github.com/rawblock/cardfraud-engine/internal/velocity"
	"github.com/rawblock/cardfraud-engine/pkg/models"
)

func main() {
	log.Println("Starting RawBlock Card Fraud Decisioning Engine...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Export them in the shell
	// before starting the engine.
	// ────────────────────────────────────────────────────────────────────

	redisAddr := requireEnv("REDIS_ADDR")
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{redisAddr},
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Printf("Warning: Redis ping failed, engine will fail-open/degrade on the velocity and outbox paths: %v", err)
	}
	defer rdb.Close()

	var dlSink outbox.DeadLetterSink
	var archiveStore *archive.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		store, err := archive.Connect(dbURL)
		if err != nil {
			log.Printf("Warning: failed to connect to PostgreSQL dead-letter archive, continuing without it: %v", err)
		} else {
			defer store.Close()
			if err := store.InitSchema(context.Background()); err != nil {
				log.Printf("Warning: archive schema init failed: %v", err)
			} else {
				dlSink = store
				archiveStore = store
			}
		}
	} else {
		log.Println("DATABASE_URL not set: dead-letter archive disabled, exhausted outbox retries are dropped")
	}

	// ─── Telemetry ────────────────────────────────────────────────────────

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// ─── Ruleset Registry + Loaders ──────────────────────────────────────

	registry := ruleset.NewRegistry()
	rulesetDir := getEnvOrDefault("RULESET_DIR", "./rulesets")
	source := loader.NewFileSource(rulesetDir)

	decodeArtifact := func(body []byte, art *loader.Artifact) error {
		return json.Unmarshal(body, art)
	}
	loaders := map[string]*loader.Loader{
		evaluator.RulesetKeyAuth:       loader.New(source, registry, decodeArtifact),
		evaluator.RulesetKeyMonitoring: loader.New(source, registry, decodeArtifact),
	}
	for _, ldr := range loaders {
		ldr.SetMetrics(metrics)
	}
	if archiveStore != nil {
		for _, ldr := range loaders {
			ldr.SetHistory(archiveStore)
		}
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	for _, country := range rulesetCountries() {
		for key, ldr := range loaders {
			if err := ldr.LoadOnce(bootCtx, country, key); err != nil {
				log.Printf("Warning: initial load of %s/%s failed, engine starts with no ruleset for this slot: %v", country, key, err)
			}
		}
	}
	bootCancel()

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	reloadInterval := getEnvDuration("RULESET_RELOAD_INTERVAL", 60*time.Second)
	for _, country := range rulesetCountries() {
		for key, ldr := range loaders {
			go ldr.Watch(watchCtx, country, key, reloadInterval)
		}
	}

	// ─── Velocity + Outbox ────────────────────────────────────────────────

	velocityTimeout := getEnvDuration("VELOCITY_TIMEOUT", 5*time.Millisecond)
	velocityClient := velocity.New(rdb, velocityTimeout)
	velocityClient.SetMetrics(metrics)

	encode := func(e models.DecisionEvent) ([]byte, error) { return json.Marshal(e) }
	decode := func(b []byte) (models.DecisionEvent, error) {
		var e models.DecisionEvent
		err := json.Unmarshal(b, &e)
		return e, err
	}

	outboxCfg := outbox.DefaultConfig()
	if os.Getenv("OUTBOX_STRICT") == "true" {
		outboxCfg.Strict = true
	}
	if n, err := strconv.Atoi(os.Getenv("OUTBOX_QUEUE_SIZE")); err == nil && n > 0 {
		outboxCfg.QueueSize = n
	}
	if n, err := strconv.Atoi(os.Getenv("OUTBOX_MAX_RETRIES")); err == nil && n > 0 {
		outboxCfg.MaxRetries = n
	}
	outboxCfg.ClaimInterval = getEnvDuration("OUTBOX_CLAIM_INTERVAL", outboxCfg.ClaimInterval)
	outboxCfg.PendingAge = getEnvDuration("OUTBOX_PENDING_AGE", outboxCfg.PendingAge)

	authOutbox := outbox.New(rdb, "outbox:auth", "", outboxCfg, encode, decode, dlSink)
	monOutbox := outbox.New(rdb, "outbox:monitoring", "", outboxCfg, encode, decode, dlSink)

	authOutbox.SetEnricher(velocitySnapshotEnricher(velocityClient))
	monOutbox.SetEnricher(velocitySnapshotEnricher(velocityClient))
	authOutbox.SetMetrics(metrics)
	monOutbox.SetMetrics(metrics)

	recoveryCtx, recoveryCancel := context.WithCancel(context.Background())
	defer recoveryCancel()

	if err := authOutbox.EnsureGroup(recoveryCtx); err != nil {
		log.Printf("Warning: failed to ensure consumer group for outbox:auth: %v", err)
	}
	if err := monOutbox.EnsureGroup(recoveryCtx); err != nil {
		log.Printf("Warning: failed to ensure consumer group for outbox:monitoring: %v", err)
	}

	go authOutbox.Run(recoveryCtx)
	go authOutbox.RunConsumer(recoveryCtx)
	go authOutbox.RunRecovery(recoveryCtx)
	go monOutbox.Run(recoveryCtx)
	go monOutbox.RunConsumer(recoveryCtx)
	go monOutbox.RunRecovery(recoveryCtx)

	// ─── Evaluator ────────────────────────────────────────────────────────

	cfg := evaluator.DefaultConfig()
	if os.Getenv("REVIEW_MAPS_TO_DECLINE") == "true" {
		cfg.ReviewPolicy = evaluator.ReviewMapsToDecline
	}
	if n, err := strconv.Atoi(os.Getenv("MAX_CONCURRENT")); err == nil && n > 0 {
		cfg.MaxConcurrent = n
	}
	cfg.OutboxStrict = outboxCfg.Strict

	eng := evaluator.New(registry, velocityClient, authOutbox, monOutbox, evaluator.NewShedder(cfg.MaxConcurrent), cfg)

	// ─── Dashboard ──────────────────────────────────────────────────────────

	wsHub := api.NewHub()
	go wsHub.Run()

	// ─── Gin Router ─────────────────────────────────────────────────────

	var deadLetterLister api.DeadLetterLister
	if archiveStore != nil {
		deadLetterLister = archiveStore
	}
	r := api.SetupRouter(eng, registry, loaders, wsHub, metrics, deadLetterLister)

	port := getEnvOrDefault("PORT", "8080")
	log.Printf("Engine running on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// velocitySnapshotEnricher re-reads each velocity counter's current
// value at worker-processing time rather than on the AUTH request
// thread (§4.8): the outbox event's VelocitySnapshot should reflect
// state as of dispatch, not as of the original decision, so it can
// legitimately diverge from VelocityResults if other traffic has
// incremented the same counters in between.
func velocitySnapshotEnricher(vc *velocity.Client) outbox.Enricher {
	return func(ctx context.Context, event *models.DecisionEvent) {
		if len(event.VelocityResults) == 0 {
			return
		}
		snapshot := make(map[string]models.VelocityResult, len(event.VelocityResults))
		for ruleID, res := range event.VelocityResults {
			vel := &ruleset.VelocityConfig{
				Dimension:     res.Dimension,
				WindowSeconds: res.WindowSeconds,
				Threshold:     res.Threshold,
			}
			cur, err := vc.Snapshot(ctx, ruleID, vel, res.DimensionValue)
			if err != nil {
				log.Printf("[Outbox] velocity snapshot failed for rule %s: %v", ruleID, err)
				snapshot[ruleID] = res
				continue
			}
			snapshot[ruleID] = cur
		}
		event.VelocitySnapshot = snapshot
	}
}

// rulesetCountries lists the countries this deployment loads rulesets
// for at boot, from RULESET_COUNTRIES (comma-separated) or just the
// global fallback slot. The empty string is the registry's actual
// global-namespace key (§4.3 "country fallback") — it is not the
// literal string "GLOBAL", so that every country without its own
// ruleset correctly falls back to it (ruleset.Registry.Get).
func rulesetCountries() []string {
	raw := os.Getenv("RULESET_COUNTRIES")
	if raw == "" {
		return []string{""}
	}
	countries := []string{}
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				countries = append(countries, raw[start:i])
			}
			start = i + 1
		}
	}
	return countries
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Export it before starting the engine.", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
