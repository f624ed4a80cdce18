package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"appforge/internal/service/ai"
	"appforge/internal/service/assistant"
	"appforge/internal/worker"
)

// writeError maps service errors onto HTTP statuses for the session routes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, assistant.ErrInvalidMessage), errors.Is(err, worker.ErrNoUserMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, assistant.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, assistant.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case errors.Is(err, assistant.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "session changed, reload and retry"})
	case errors.Is(err, worker.ErrReplyInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "a reply is already in progress"})
	case errors.Is(err, worker.ErrDispatcherBusy), errors.Is(err, worker.ErrDispatcherClosed):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	case errors.Is(err, ai.ErrMalformedOutput):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invalid JSON response from AI", "details": err.Error()})
	case errors.Is(err, ai.ErrUpstream), errors.Is(err, ai.ErrProviderNotConfigured):
		c.JSON(http.StatusBadGateway, gin.H{"error": "model request failed", "details": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "details": err.Error()})
	}
}
