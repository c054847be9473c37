package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewmarket/riskguard/internal/gate"
	"github.com/crewmarket/riskguard/internal/logging"
	"github.com/crewmarket/riskguard/internal/signals"
	"github.com/crewmarket/riskguard/internal/validation"
	"github.com/crewmarket/riskguard/internal/velocity"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	PolicyVersion string            `json:"policyVersion"`
	Checks        map[string]string `json:"checks,omitempty"`
	Timestamp     string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.health.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:        status,
		Version:       Version,
		PolicyVersion: s.policy.Current().Version,
		Checks:        checks,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// evaluateHandler runs the full gate. The decision, reasons included, goes
// back to the calling service; end users only ever see PublicMessage.
func (s *Server) evaluateHandler(c *gin.Context) {
	var req gate.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if !validRequest(c, req.Subject, req.Action) {
		return
	}
	if req.IP == "" {
		req.IP = c.ClientIP()
	}

	ctx := logging.WithSubjectID(c.Request.Context(), req.Subject)
	d := s.gate.Evaluate(ctx, req)

	c.JSON(http.StatusOK, gin.H{
		"decision":      d,
		"publicMessage": d.Verdict.PublicMessage(),
	})
}

type checkRequest struct {
	Subject  string         `json:"subject" binding:"required"`
	Action   string         `json:"action" binding:"required"`
	API      bool           `json:"api"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// checkHandler runs only the velocity limiter.
func (s *Server) checkHandler(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if !validRequest(c, req.Subject, req.Action) {
		return
	}

	res, err := s.limiter.Check(c.Request.Context(), req.Subject, req.Action, velocity.Options{
		API:      req.API,
		Metadata: req.Metadata,
	})
	if err != nil && !errors.Is(err, signals.ErrNotRecorded) {
		logging.L(c.Request.Context()).Error("velocity check failed", "action", req.Action, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "dependency_unavailable",
			"message": "Velocity store unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, velocityResponse(res))
}

func velocityResponse(res velocity.Result) gin.H {
	out := gin.H{
		"allowed":     res.Allowed,
		"count":       res.Count,
		"max":         res.Max,
		"severity":    res.Severity,
		"remainingMs": res.Remaining.Milliseconds(),
		"configured":  res.PolicyFound,
	}
	if !res.WindowStart.IsZero() {
		out["windowStart"] = res.WindowStart
	}
	if res.Signal != nil {
		out["signalId"] = res.Signal.ID
	}
	return out
}

// -----------------------------------------------------------------------------
// Review
// -----------------------------------------------------------------------------

type createSignalRequest struct {
	SubjectID  string         `json:"subjectId" binding:"required"`
	Action     string         `json:"action" binding:"required"`
	Severity   int            `json:"severity"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt *time.Time     `json:"occurredAt,omitempty"`
}

// createSignalHandler appends a manual signal. Out-of-range severities are
// stored flagged rather than rejected.
func (s *Server) createSignalHandler(c *gin.Context) {
	var req createSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if !validRequest(c, req.SubjectID, req.Action) {
		return
	}

	at := time.Now().UTC()
	if req.OccurredAt != nil {
		at = req.OccurredAt.UTC()
	}
	sig := signals.New(req.SubjectID, req.Action, req.Severity, signals.SourceManual, req.Metadata, at)

	ctx := c.Request.Context()
	if err := s.signals.Append(ctx, sig); err != nil {
		logging.L(ctx).Error("failed to append manual signal", "subject_id", req.SubjectID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "dependency_unavailable",
			"message": "Signal store unavailable",
		})
		return
	}
	s.invalidateScore(ctx, req.SubjectID)

	c.JSON(http.StatusCreated, sig)
}

const (
	maxResolverLength = 128
	maxNoteLength     = 2000
)

type resolveSignalRequest struct {
	ResolvedBy string `json:"resolvedBy" binding:"required"`
	Note       string `json:"note,omitempty"`
}

func (s *Server) resolveSignalHandler(c *gin.Context) {
	var req resolveSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	req.ResolvedBy = validation.SanitizeString(req.ResolvedBy, maxResolverLength)
	req.Note = validation.SanitizeString(req.Note, maxNoteLength)
	if req.ResolvedBy == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolvedBy is required",
		})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	sig, err := s.signals.Get(ctx, id)
	if errors.Is(err, signals.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Signal not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dependency_unavailable", "message": "Signal store unavailable"})
		return
	}

	res := &signals.Resolution{
		SignalID:   id,
		ResolvedBy: req.ResolvedBy,
		Note:       req.Note,
		ResolvedAt: time.Now().UTC(),
	}
	switch err := s.signals.Resolve(ctx, res); {
	case errors.Is(err, signals.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": "Signal already resolved"})
		return
	case errors.Is(err, signals.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Signal not found"})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dependency_unavailable", "message": "Signal store unavailable"})
		return
	}
	s.invalidateScore(ctx, sig.SubjectID)

	logging.L(ctx).Info("signal resolved", "signal_id", id, "subject_id", sig.SubjectID, "resolved_by", req.ResolvedBy)
	c.JSON(http.StatusOK, res)
}

// invalidateScore drops the cached score so the next evaluation recomputes.
// Failure only delays the new score until the cached one goes stale.
func (s *Server) invalidateScore(ctx context.Context, subjectID string) {
	if err := s.scorer.Invalidate(ctx, subjectID); err != nil {
		logging.L(ctx).Warn("failed to invalidate risk score", "subject_id", subjectID, "error", err)
	}
}

func (s *Server) listDecisionsHandler(c *gin.Context) {
	decisions, err := s.audit.List(c.Request.Context(), c.Param("id"), listLimit(c))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dependency_unavailable", "message": "Audit store unavailable"})
		return
	}
	if decisions == nil {
		decisions = []*gate.Decision{}
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions, "count": len(decisions)})
}

func (s *Server) listSignalsHandler(c *gin.Context) {
	sigs, err := s.signals.List(c.Request.Context(), c.Param("id"), listLimit(c))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dependency_unavailable", "message": "Signal store unavailable"})
		return
	}
	if sigs == nil {
		sigs = []*signals.Signal{}
	}
	c.JSON(http.StatusOK, gin.H{"signals": sigs, "count": len(sigs)})
}

func (s *Server) listDevicesHandler(c *gin.Context) {
	devices, err := s.detector.Devices().List(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dependency_unavailable", "message": "Device store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

func (s *Server) scoreHandler(c *gin.Context) {
	force := c.Query("force") == "1" || c.Query("force") == "true"
	score, err := s.scorer.Score(c.Request.Context(), c.Param("id"), force)
	if err != nil {
		logging.L(c.Request.Context()).Error("risk score failed", "subject_id", c.Param("id"), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dependency_unavailable", "message": "Risk score unavailable"})
		return
	}
	c.JSON(http.StatusOK, score)
}

func (s *Server) velocityHandler(c *gin.Context) {
	api := c.Query("api") == "1" || c.Query("api") == "true"
	res, err := s.limiter.Peek(c.Request.Context(), c.Param("id"), c.Param("action"), api)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dependency_unavailable", "message": "Velocity store unavailable"})
		return
	}
	if !res.PolicyFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_action", "message": "No velocity limit configured for action"})
		return
	}
	c.JSON(http.StatusOK, velocityResponse(res))
}

func (s *Server) policyHandler(c *gin.Context) {
	pol := s.policy.Current()
	c.JSON(http.StatusOK, gin.H{"version": pol.Version, "policy": pol})
}

// validRequest writes a 400 and returns false when subject or action is
// malformed.
func validRequest(c *gin.Context, subject, action string) bool {
	errs := validation.Validate(
		validation.ValidSubject("subject", subject),
		validation.MaxLength("action", action, validation.MaxActionLength),
	)
	if len(errs) == 0 {
		return true
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
	return false
}

func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
