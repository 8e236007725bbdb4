package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"resonance/internal/models"
	"resonance/internal/service"
	"resonance/internal/session"
)

// SessionCookie carries the anonymous session token
const SessionCookie = "resonance_session"

// Engine is the pairing engine as seen by the HTTP layer
type Engine interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*models.SubmitResult, error)
	CheckStatus(ctx context.Context, id string) (*models.StatusResult, error)
	RetryAfter() time.Duration
}

// SubmitRequest is the JSON body of a new submission
type SubmitRequest struct {
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// Handler handles HTTP requests
type Handler struct {
	engine       Engine
	issuer       *session.Issuer
	throttle     *session.Throttle
	secureCookie bool
	logger       *zap.Logger
}

// NewHandler creates a new API handler. throttle may be nil.
func NewHandler(engine Engine, issuer *session.Issuer, throttle *session.Throttle, secureCookie bool, logger *zap.Logger) *Handler {
	return &Handler{
		engine:       engine,
		issuer:       issuer,
		throttle:     throttle,
		secureCookie: secureCookie,
		logger:       logger,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/submissions", h.Submit)
		api.GET("/submissions/:id", h.CheckStatus)
	}

	// Health check
	r.GET("/health", h.HealthCheck)
}

// Submit handles a new submission
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sessionID, ok := h.session(c)
	if !ok {
		return
	}

	if h.throttle != nil {
		release, allowed, err := h.throttle.Acquire(c.Request.Context(), sessionID)
		defer release()
		if err != nil {
			h.logger.Warn("Session throttle unavailable, allowing request", zap.Error(err))
			allowed = true
		}
		if !allowed {
			setRetryAfter(c, h.throttle.Period())
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "daily submission limit reached"})
			return
		}
	}

	result, err := h.engine.Submit(c.Request.Context(), service.SubmitRequest{
		Origin:       c.ClientIP(),
		ContentType:  req.ContentType,
		Content:      req.Content,
		SessionToken: sessionID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	if result.Status == models.ResultMatched {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// CheckStatus returns whether a submission has been paired
func (h *Handler) CheckStatus(c *gin.Context) {
	result, err := h.engine.CheckStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "resonance",
	})
}

// session returns the caller's session id, issuing a new token when the cookie is missing or invalid
func (h *Handler) session(c *gin.Context) (string, bool) {
	if token, err := c.Cookie(SessionCookie); err == nil {
		if id, err := h.issuer.Verify(token); err == nil {
			return id, true
		}
	}

	token, id, expiresAt, err := h.issuer.Issue()
	if err != nil {
		h.logger.Error("Failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return "", false
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, token, int(time.Until(expiresAt).Seconds()), "/", "", h.secureCookie, true)
	return id, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidSubmission):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrRateLimited):
		setRetryAfter(c, h.engine.RetryAfter())
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded, retry later"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
	default:
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func setRetryAfter(c *gin.Context, d time.Duration) {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
}
