// Package api is the HTTP transport adapter (spec §1, §6.1): routing,
// CORS, auth, and rate-limit middleware around the core evaluator. No
// decisioning logic lives here.
package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rawblock/cardfraud-engine/internal/evaluator"
	"github.com/rawblock/cardfraud-engine/internal/loader"
	"github.com/rawblock/cardfraud-engine/internal/ruleset"
	"github.com/rawblock/cardfraud-engine/internal/telemetry"
)

// SetupRouter builds the gin engine: CORS → public group (health,
// metrics, dashboard stream) → bearer-protected group (evaluation +
// admin endpoints). deadLetters may be nil when no archive store is
// configured for this deployment.
func SetupRouter(ev *evaluator.Evaluator, reg *ruleset.Registry, loaders map[string]*loader.Loader, hub *Hub, metrics *telemetry.Metrics, deadLetters DeadLetterLister) *gin.Engine {
	r := gin.Default()

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	h := &Handler{Evaluator: ev, Registry: reg, Loaders: loaders, Hub: hub, Metrics: metrics, DeadLetters: deadLetters}

	pub := r.Group("/")
	{
		pub.GET("/healthz", h.handleHealth)
		pub.GET("/v1/stream", hub.Subscribe)
		if metrics != nil {
			pub.GET("/metrics", gin.WrapH(promhttp.Handler()))
		}
	}

	protected := r.Group("/v1")
	protected.Use(AuthMiddleware())
	protected.Use(NewRateLimiter(6000, 200).Middleware())
	{
		protected.POST("/evaluate/auth", h.handleEvaluateAuth)
		protected.POST("/evaluate/monitoring", h.handleEvaluateMonitoring)
		protected.GET("/rulesets", h.handleListRulesets)
		protected.POST("/rulesets/:country/:key/reload", h.handleReloadRuleset)
		protected.GET("/dead-letters", h.handleListDeadLetters)
	}

	return r
}
