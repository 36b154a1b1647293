// Package models holds the wire-level types shared with external callers:
// the HTTP transport, the artifact store, and the downstream event sink.
package models

import "time"

// Action is a rule's business action.
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionDecline Action = "DECLINE"
	ActionReview  Action = "REVIEW"
)

// EvaluationType selects AUTH first-match vs MONITORING all-match traversal.
type EvaluationType string

const (
	EvaluationAuth       EvaluationType = "AUTH_FIRST_MATCH"
	EvaluationMonitoring EvaluationType = "MONITORING_ALL_MATCH"
)

// EngineMode reports how a decision was produced.
type EngineMode string

const (
	EngineModeNormal   EngineMode = "NORMAL"
	EngineModeDegraded EngineMode = "DEGRADED"
	EngineModeFailOpen EngineMode = "FAIL_OPEN"
	EngineModeReplay   EngineMode = "REPLAY"
)

// EngineErrorCode is the in-band error taxonomy of spec §7.
type EngineErrorCode string

const (
	ErrRedisUnavailable   EngineErrorCode = "REDIS_UNAVAILABLE"
	ErrRulesetNotLoaded   EngineErrorCode = "RULESET_NOT_LOADED"
	ErrEngineException    EngineErrorCode = "ENGINE_EXCEPTION"
	ErrEvaluationError    EngineErrorCode = "EVALUATION_ERROR"
	ErrLoadShedding       EngineErrorCode = "LOAD_SHEDDING"
	ErrMissingDecision    EngineErrorCode = "MISSING_DECISION"
	ErrInvalidDecision    EngineErrorCode = "INVALID_DECISION"
	ErrOutboxUnavailable  EngineErrorCode = "OUTBOX_UNAVAILABLE"
)

// DecisionReason classifies why a decision landed where it did, for the
// downstream event schema (§6.6).
type DecisionReason string

const (
	ReasonRuleMatch     DecisionReason = "RULE_MATCH"
	ReasonVelocityMatch DecisionReason = "VELOCITY_MATCH"
	ReasonSystemDecline DecisionReason = "SYSTEM_DECLINE"
	ReasonDefaultAllow  DecisionReason = "DEFAULT_ALLOW"
)

// VelocityResult is a single rule's sliding-window counter outcome (§3.8).
type VelocityResult struct {
	Dimension      string  `json:"dimension"`
	DimensionValue string  `json:"dimensionValue"`
	Count          int64   `json:"count"`
	Threshold      int64   `json:"threshold"`
	WindowSeconds  int     `json:"windowSeconds"`
	Exceeded       bool    `json:"exceeded"`
	TTLRemaining   *int    `json:"ttlRemaining,omitempty"`
}

// MatchedRule is one rule that contributed to a decision.
type MatchedRule struct {
	RuleID          string            `json:"ruleId"`
	RuleVersionID   string            `json:"ruleVersionId,omitempty"`
	Action          Action            `json:"action"`
	ConditionsMet   bool              `json:"conditionsMet"`
	ConditionValues map[string]string `json:"conditionValues,omitempty"`
	MatchedAt       time.Time         `json:"matchedAt"`
}

// ConditionEval records one condition's evaluation for debug mode (§4.7).
type ConditionEval struct {
	RuleID   string `json:"ruleId"`
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Matched  bool   `json:"matched"`
}

// TimingBreakdown records per-stage latency for an evaluation (§4.7).
type TimingBreakdown struct {
	RulesetLookupUs  int64 `json:"rulesetLookupUs"`
	ScopeTraversalUs int64 `json:"scopeTraversalUs"`
	DispatchUs       int64 `json:"dispatchUs"`
	VelocityUs       int64 `json:"velocityUs"`
	DecisionBuildUs  int64 `json:"decisionBuildUs"`
	OutboxAppendUs   int64 `json:"outboxAppendUs"`
	ContextCreateUs  int64 `json:"contextCreateUs"`
	FinalizationUs   int64 `json:"finalizationUs"`
	TotalUs          int64 `json:"totalUs"`
}

// EngineMetadata carries engine identity alongside a decision.
type EngineMetadata struct {
	EngineVersion    string `json:"engineVersion"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
}

// Decision is the result of evaluating a transaction (§3.7).
type Decision struct {
	DecisionID        string            `json:"decisionId"`
	TransactionID     string            `json:"transactionId"`
	EvaluationType    EvaluationType    `json:"evaluationType"`
	Decision          Action            `json:"decision"`
	EngineMode        EngineMode        `json:"engineMode"`
	EngineErrorCode   EngineErrorCode   `json:"engineErrorCode,omitempty"`
	EngineErrorMsg    string            `json:"engineErrorMessage,omitempty"`
	RulesetKey        string            `json:"rulesetKey,omitempty"`
	RulesetVersion    int               `json:"rulesetVersion,omitempty"`
	RulesetID         string            `json:"rulesetId,omitempty"`
	MatchedRules      []MatchedRule     `json:"matchedRules"`
	VelocityResults   map[string]VelocityResult `json:"velocityResults,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	ProcessingTimeMs   int64            `json:"processingTimeMs"`
	DebugInfo         []ConditionEval   `json:"debugInfo,omitempty"`
	TransactionContext map[string]any   `json:"transactionContext,omitempty"`
	VelocitySnapshot  map[string]VelocityResult `json:"velocitySnapshot,omitempty"`
	EngineMetadata    EngineMetadata    `json:"engineMetadata"`
	TimingBreakdown   *TimingBreakdown  `json:"timingBreakdown,omitempty"`
}

// DecisionEvent is the outbound schema published to the downstream sink (§6.6).
type DecisionEvent struct {
	TransactionID   string                    `json:"transactionId"`
	OccurredAt      time.Time                 `json:"occurredAt"`
	ProducedAt      time.Time                 `json:"producedAt"`
	Transaction     map[string]any            `json:"transaction"`
	Decision        Action                    `json:"decision"`
	DecisionReason  DecisionReason            `json:"decisionReason"`
	EvaluationType  EvaluationType            `json:"evaluationType"`
	RulesetKey      string                    `json:"rulesetKey"`
	RulesetVersion  int                       `json:"rulesetVersion"`
	RulesetID       string                    `json:"rulesetId"`
	MatchedRules    []MatchedRule             `json:"matchedRules"`
	VelocityResults map[string]VelocityResult `json:"velocityResults,omitempty"`
	VelocitySnapshot map[string]VelocityResult `json:"velocitySnapshot,omitempty"`
	TransactionContext map[string]any          `json:"transactionContext,omitempty"`
	EngineMetadata  EngineMetadata            `json:"engineMetadata"`
}

// ArtifactManifest is what the loader reads from the artifact store (§6.2).
type ArtifactManifest struct {
	Version       int       `json:"version"`
	ArtifactURI   string    `json:"artifactUri"`
	Checksum      string    `json:"checksum"` // hex sha256
	SchemaVersion int       `json:"schemaVersion"`
	PublishedAt   time.Time `json:"publishedAt"`
}
