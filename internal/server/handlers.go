package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/auroraguard/internal/calibration"
	"github.com/mbd888/auroraguard/internal/engine"
	"github.com/mbd888/auroraguard/internal/health"
	"github.com/mbd888/auroraguard/internal/logging"
	"github.com/mbd888/auroraguard/internal/metrics"
	"github.com/mbd888/auroraguard/internal/traces"
	"github.com/mbd888/auroraguard/internal/txn"
	"github.com/mbd888/auroraguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.POST("/decisions", s.decideHandler)
	v1.GET("/calibration", s.calibrationHandler)
	v1.POST("/calibration/reload", s.calibrationReloadHandler)
	v1.GET("/stream/decisions", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	v1.GET("/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// Synchronous transaction API kept for existing callers.
	s.router.POST("/txn", s.decideHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// maxErrorMessage bounds decoder errors echoed back to callers.
const maxErrorMessage = 256

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string                      `json:"error"`
	Message string                      `json:"message"`
	Fields  validation.ValidationErrors `json:"fields,omitempty"`
}

func (s *Server) decideHandler(c *gin.Context) {
	var req txn.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_json",
			Message: validation.SanitizeString(err.Error(), maxErrorMessage),
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "http.decide", traces.TransactionID(req.TransactionID))
	defer span.End()

	d, err := s.engine.Decide(ctx, &req)
	if err != nil {
		var fields validation.ValidationErrors
		errors.As(err, &fields)
		if errors.Is(err, engine.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: err.Error(),
				Fields:  fields,
			})
			return
		}
		traces.MarkError(span, err)
		logging.L(ctx).Error("decision failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "decision could not be produced",
		})
		return
	}

	c.JSON(http.StatusOK, d)
}

// CalibrationResponse describes the serving curve.
type CalibrationResponse struct {
	Loaded          bool                `json:"loaded"`
	Version         string              `json:"version,omitempty"`
	ModelVersion    string              `json:"model_version,omitempty"`
	ExpectedVersion string              `json:"expected_version,omitempty"`
	Stale           bool                `json:"stale"`
	Points          []calibration.Point `json:"points,omitempty"`
}

func (s *Server) calibrationResponse() CalibrationResponse {
	resp := CalibrationResponse{ExpectedVersion: s.cfg.CalibrationCurveVersion}
	var cur *calibration.Curve
	if s.calibrator != nil {
		cur = s.calibrator.Current()
	}
	if cur == nil {
		resp.Stale = true
		return resp
	}
	resp.Loaded = true
	resp.Version = cur.Version()
	resp.ModelVersion = cur.ModelVersion()
	resp.Points = cur.Points()
	resp.Stale = resp.ExpectedVersion != "" && resp.ExpectedVersion != resp.Version
	return resp
}

func (s *Server) calibrationHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.calibrationResponse())
}

// calibrationReloadHandler re-reads the configured curve file and swaps it
// in whole.
func (s *Server) calibrationReloadHandler(c *gin.Context) {
	if s.cfg.CalibrationCurvePath == "" || s.calibrator == nil {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "not_configured",
			Message: "CALIBRATION_CURVE_PATH is not set",
		})
		return
	}
	curve, err := calibration.LoadFile(s.cfg.CalibrationCurvePath)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "invalid_curve",
			Message: err.Error(),
		})
		return
	}
	prev := s.calibrator.Rotate(curve)
	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version()
	}
	logging.L(c.Request.Context()).Info("calibration curve rotated",
		"from", prevVersion, "to", curve.Version())
	c.JSON(http.StatusOK, s.calibrationResponse())
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   traces.ServiceVersion,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
