package httpiface

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chat-relay/application/relay"
	"chat-relay/domain/chat"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultMaxBodyBytes = 8 << 20

// RelayService is the application surface the router exposes.
type RelayService interface {
	Relay(ctx context.Context, adm relay.Admission, sink relay.EventSink) error
	Complete(ctx context.Context, adm relay.Admission) (*relay.CompletionResult, error)
	Usage(ctx context.Context, credential string) (*relay.UsageSnapshot, error)
	History(ctx context.Context, credential string, conversationID uuid.UUID, limit int) (*relay.ConversationHistory, error)
}

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// CircuitReporter exposes per-vendor circuit breaker states.
type CircuitReporter interface {
	CircuitStates() map[string]string
}

type Router struct {
	service      RelayService
	corsOrigins  []string
	dbManager    HealthChecker
	circuits     CircuitReporter
	maxBodyBytes int64
}

type Option func(*Router)

// WithHealthChecker adds a database check to /ready and /health.
func WithHealthChecker(db HealthChecker) Option {
	return func(r *Router) { r.dbManager = db }
}

// WithCircuitReporter adds breaker states to /health.
func WithCircuitReporter(c CircuitReporter) Option {
	return func(r *Router) { r.circuits = c }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxBodyBytes = n
		}
	}
}

func NewRouter(service RelayService, corsOrigins []string, opts ...Option) *Router {
	r := &Router{
		service:      service,
		corsOrigins:  corsOrigins,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(r.corsMiddleware())

	// Health endpoints
	router.GET("/live", r.liveness)
	router.GET("/ready", r.readiness)
	router.GET("/health", r.healthCheck)

	api := router.Group("/api")
	api.Use(r.requestIDMiddleware())
	api.POST("/chat", r.chatStream)
	api.POST("/chat/complete", r.chatComplete)
	api.GET("/usage", r.usage)
	api.GET("/conversations/:id/messages", r.conversationMessages)

	return router
}

func (r *Router) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqOrigin := c.GetHeader("Origin")
		if reqOrigin != "" {
			allowOrigin := ""
			if len(r.corsOrigins) == 1 && r.corsOrigins[0] == "*" {
				allowOrigin = "*"
			} else {
				for _, allowed := range r.corsOrigins {
					if allowed == reqOrigin {
						allowOrigin = reqOrigin
						break
					}
				}
			}
			if allowOrigin != "" {
				c.Header("Access-Control-Allow-Origin", allowOrigin)
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware echoes a client-supplied UUID request ID or assigns one.
func (r *Router) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := ""
		for _, header := range []string{"X-Request-ID", "X-Correlation-ID"} {
			if raw := c.GetHeader(header); raw != "" {
				if parsed, err := uuid.Parse(raw); err == nil {
					requestID = parsed.String()
					break
				}
				c.Header("X-Client-Request-ID", raw)
			}
		}
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

func (r *Router) healthCheck(c *gin.Context) {
	checks := gin.H{
		"api": "ok",
	}
	overallOK := true

	if r.dbManager != nil {
		if err := r.dbManager.Health(c.Request.Context()); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			overallOK = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	if r.circuits != nil {
		checks["circuit_breakers"] = r.circuits.CircuitStates()
	}

	status := "healthy"
	code := http.StatusOK
	if !overallOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "chat-relay",
		"version":   "1.0.0",
		"checks":    checks,
	})
}

// liveness probe: process is up and serving HTTP
func (r *Router) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readiness probe: dependencies healthy and ready to serve traffic
func (r *Router) readiness(c *gin.Context) {
	checks := gin.H{}
	ready := true

	if r.dbManager != nil {
		if err := r.dbManager.Health(c.Request.Context()); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			ready = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	if ready {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":    "not_ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// admission reads the request. A body that is too large or unreadable is
// carried on the admission so the orchestrator reports it after
// authentication.
func (r *Router) admission(c *gin.Context) relay.Admission {
	adm := relay.Admission{
		RequestID:  c.GetString("request_id"),
		ClientAddr: c.ClientIP(),
		Credential: c.GetHeader("Authorization"),
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, r.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			adm.BodyErr = &chat.ValidationError{Detail: "request body too large"}
		} else {
			adm.BodyErr = &chat.ValidationError{Detail: "unreadable request body"}
		}
		return adm
	}
	adm.Body = body
	return adm
}

func (r *Router) chatStream(c *gin.Context) {
	adm := r.admission(c)
	sink := newSSESink(c)
	if err := r.service.Relay(c.Request.Context(), adm, sink); err != nil {
		if sink.opened {
			logrus.WithError(err).WithField("request_id", adm.RequestID).Error("Relay failed after the stream opened")
			return
		}
		writeError(c, err)
	}
}

func (r *Router) chatComplete(c *gin.Context) {
	adm := r.admission(c)

	result, err := r.service.Complete(c.Request.Context(), adm)
	if err != nil {
		writeError(c, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"request_id":       adm.RequestID,
		"usage_total":      result.Usage.TotalUnits,
		"usage_prompt":     result.Usage.PromptUnits,
		"usage_completion": result.Usage.CompletionUnits,
		"streaming":        false,
	}).Info("Chat usage")

	c.JSON(http.StatusOK, result)
}

func (r *Router) usage(c *gin.Context) {
	snapshot, err := r.service.Usage(c.Request.Context(), c.GetHeader("Authorization"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (r *Router) conversationMessages(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, &chat.ValidationError{Detail: "conversation id must be a UUID"})
		return
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(c, &chat.ValidationError{Detail: "invalid limit parameter"})
			return
		}
	}

	history, err := r.service.History(c.Request.Context(), c.GetHeader("Authorization"), conversationID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}
