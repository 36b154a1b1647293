package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/cardfraud-engine/internal/archive"
	"github.com/rawblock/cardfraud-engine/internal/evaluator"
	"github.com/rawblock/cardfraud-engine/internal/loader"
	"github.com/rawblock/cardfraud-engine/internal/ruleset"
	"github.com/rawblock/cardfraud-engine/internal/telemetry"
	"github.com/rawblock/cardfraud-engine/internal/txmodel"
	"github.com/rawblock/cardfraud-engine/pkg/models"
)

// DeadLetterLister reads the durable dead-letter archive. Optional:
// a Handler with no lister attached returns 404 for the dead-letters
// endpoint rather than panicking.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, page, limit int) ([]archive.DeadLetter, int, error)
}

// Handler holds every dependency the HTTP transport adapter needs. It is
// a thin shim around the core (spec §1 "HTTP transport ... treated as a
// thin adapter"): no business logic lives here beyond request decoding,
// status-code mapping, and dashboard/metric side-effects.
type Handler struct {
	Evaluator   *evaluator.Evaluator
	Registry    *ruleset.Registry
	Loaders     map[string]*loader.Loader // keyed by ruleset key (CARD_AUTH, CARD_MONITORING)
	Hub         *Hub
	Metrics     *telemetry.Metrics
	DeadLetters DeadLetterLister // nil when no archive store is configured
}

func extractString(raw map[string]any, key string) string {
	if v, ok := raw[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// handleEvaluateAuth implements POST /v1/evaluate/auth (§6.1). Engine-
// layer failures never produce a non-200 response — they are reported
// in-band via engine_mode/engine_error_code (§7).
func (h *Handler) handleEvaluateAuth(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction JSON", "details": err.Error()})
		return
	}

	txID := extractString(raw, "transaction_id")
	country := extractString(raw, "country_code")
	tx := txmodel.FromMap(raw)

	start := time.Now()
	dec := h.Evaluator.EvaluateAuth(c.Request.Context(), tx, country, txID)
	h.observe(models.EvaluationAuth, dec, time.Since(start))
	h.broadcastIfDegraded(dec)

	if dec.EngineErrorCode == models.ErrOutboxUnavailable {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":           "OUTBOX_UNAVAILABLE",
			"engineErrorCode": dec.EngineErrorCode,
		})
		return
	}

	c.JSON(http.StatusOK, dec)
}

// handleEvaluateMonitoring implements POST /v1/evaluate/monitoring (§6.1,
// §4.9). A missing or invalid caller-supplied `decision` is the one
// validation failure that produces a non-200 (§7).
func (h *Handler) handleEvaluateMonitoring(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction JSON", "details": err.Error()})
		return
	}

	txID := extractString(raw, "transaction_id")
	country := extractString(raw, "country_code")
	callerDecision := models.Action(extractString(raw, "decision"))
	tx := txmodel.FromMap(raw)

	start := time.Now()
	dec, err := h.Evaluator.EvaluateMonitoring(c.Request.Context(), tx, country, txID, callerDecision)
	if err != nil {
		if verr, ok := err.(*evaluator.ErrInvalidMonitoringDecision); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Msg, "engineErrorCode": verr.Code})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.observe(models.EvaluationMonitoring, dec, time.Since(start))
	h.broadcastIfDegraded(dec)

	c.JSON(http.StatusOK, dec)
}

// broadcastIfDegraded forwards a decision to the dashboard stream when
// its engine_mode signals a non-NORMAL condition, whichever evaluation
// path produced it.
func (h *Handler) broadcastIfDegraded(dec models.Decision) {
	if h.Hub == nil {
		return
	}
	BroadcastIfDegraded(h.Hub)(dec)
}

func (h *Handler) observe(evalType models.EvaluationType, dec models.Decision, elapsed time.Duration) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.ObserveDecision(string(evalType), string(dec.Decision), string(dec.EngineMode), string(dec.EngineErrorCode), elapsed.Seconds())
	if dec.EngineErrorCode == models.ErrLoadShedding {
		h.Metrics.LoadSheddingTotal.Inc()
	}
}

// handleHealth reports liveness plus whether any ruleset is installed.
func (h *Handler) handleHealth(c *gin.Context) {
	statuses := h.Registry.ListStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":         "operational",
		"engine":         evaluator.EngineVersion,
		"rulesetsLoaded": len(statuses),
	})
}

// handleListRulesets implements GET /v1/rulesets (§4.3 list_status).
func (h *Handler) handleListRulesets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rulesets": h.Registry.ListStatus()})
}

// handleReloadRuleset implements POST /v1/rulesets/:country/:key/reload
// (§4.4 "on demand" fetch).
func (h *Handler) handleReloadRuleset(c *gin.Context) {
	country := c.Param("country")
	key := c.Param("key")

	ldr, ok := h.Loaders[key]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no loader configured for ruleset key " + key})
		return
	}

	if err := ldr.LoadOnce(c.Request.Context(), country, key); err != nil {
		c.JSON(http.StatusAccepted, gin.H{
			"status": "reload_failed_retaining_previous",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "country": country, "key": key})
}

// handleListDeadLetters implements GET /v1/dead-letters (§6.4): events
// that exhausted outbox retry budget and fell to durable storage,
// paginated the way handleListRulesets's sibling admin endpoints are.
func (h *Handler) handleListDeadLetters(c *gin.Context) {
	if h.DeadLetters == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "dead-letter archive not configured"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, total, err := h.DeadLetters.ListDeadLetters(c.Request.Context(), page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": entries, "total": total, "page": page})
}
