package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/communityforge/inference-gateway/internal/auth"
	"github.com/communityforge/inference-gateway/internal/backend"
)

// Server binds the orchestrator to the HTTP surface.
type Server struct {
	auth *auth.Service
	orch *Orchestrator
}

// NewServer constructs the HTTP server facade.
func NewServer(authService *auth.Service, orch *Orchestrator) *Server {
	return &Server{auth: authService, orch: orch}
}

// Router builds the gin engine with all gateway routes.
func (s *Server) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/.well-known/keys", s.handleKeys)

	v1 := engine.Group("/v1")
	v1.POST("/inference", AuthMiddleware(s.auth, ScopeInference), s.handleInference)
	v1.POST("/usage/reports", AuthMiddleware(s.auth, ScopeReport), s.handleUsageReport)
	return engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleKeys serves the verification key set so sibling services can
// validate gateway tokens without sharing private material.
func (s *Server) handleKeys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"keys": s.auth.PublicKeys()})
}

func (s *Server) handleInference(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"kind": RejectUnauthenticated})
		return
	}

	var req InferenceRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Model) == "" || strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model and prompt are required"})
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idempotency_key is required"})
		return
	}

	if req.Stream {
		s.streamInference(c, identity, req)
		return
	}

	outcome, rejection, errRun := s.orch.Run(c.Request.Context(), identity, req)
	if rejection != nil {
		writeRejection(c, rejection)
		return
	}
	if errRun != nil {
		writeError(c, errRun)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// streamInference writes the response as SSE. Admission failures are
// still plain JSON: nothing has been sent before the first chunk.
func (s *Server) streamInference(c *gin.Context, identity Identity, req InferenceRequest) {
	flusher, canFlush := c.Writer.(http.Flusher)

	headersSent := false
	sendChunk := func(chunk backend.Chunk) error {
		if !headersSent {
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Status(http.StatusOK)
			headersSent = true
		}
		payload, errMarshal := json.Marshal(chunk)
		if errMarshal != nil {
			return errMarshal
		}
		if _, errWrite := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); errWrite != nil {
			return errWrite
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	}

	_, rejection, errRun := s.orch.RunStream(c.Request.Context(), identity, req, sendChunk)
	if rejection != nil {
		writeRejection(c, rejection)
		return
	}
	if errRun != nil {
		if !headersSent {
			writeError(c, errRun)
			return
		}
		// Mid-stream failure: the settlement already happened; all we
		// can do is stop the stream.
		log.WithError(errRun).Debug("gateway: stream ended with error")
		return
	}
	if headersSent {
		fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		if canFlush {
			flusher.Flush()
		}
	}
}

func (s *Server) handleUsageReport(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"kind": RejectUnauthenticated})
		return
	}

	var report UsageReport
	if errBind := c.ShouldBindJSON(&report); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(report.IdempotencyKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idempotency_key is required"})
		return
	}

	outcome, errReport := s.orch.ReportUsage(c.Request.Context(), identity, report)
	if errReport != nil {
		writeError(c, errReport)
		return
	}
	c.JSON(http.StatusAccepted, outcome)
}

func writeRejection(c *gin.Context, rejection *Rejection) {
	if rejection.RetryAfter > 0 {
		seconds := int64(rejection.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		rejection.RetryAfterSeconds = seconds
		c.Header("Retry-After", strconv.FormatInt(seconds, 10))
	}
	c.JSON(rejection.Status(), rejection)
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, backend.ErrUpstreamUnavailable) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unavailable"})
		return
	}
	log.WithError(err).Error("gateway: request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
