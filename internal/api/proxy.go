package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"appforge/internal/models"
	"appforge/internal/service/ai"
)

// The proxy routes forward a request to the model without touching any
// session. A body that is not JSON at all is treated like an upstream
// failure (500); a JSON body missing its field is a 400.

type chatRequest struct {
	Messages json.RawMessage `json:"messages"`
}

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *Handler) aiChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to process chat request",
			"details": err.Error(),
		})
		return
	}
	raw := strings.TrimSpace(string(req.Messages))
	if !strings.HasPrefix(raw, "[") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Valid messages array is required"})
		return
	}
	var turns []chatTurn
	if err := json.Unmarshal(req.Messages, &turns); err != nil || len(turns) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Valid messages array is required"})
		return
	}

	transcript := make([]models.Message, 0, len(turns))
	for _, turn := range turns {
		role, err := models.ParseRole(turn.Role)
		if err != nil {
			role = models.RoleUser
		}
		transcript = append(transcript, models.Message{Role: role, Content: turn.Content})
	}

	result, err := h.proxy.Chat(c.Request.Context(), transcript)
	if err != nil {
		h.logger.Error("ai chat failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to process chat request",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

type codeRequest struct {
	Prompt string `json:"prompt"`
}

func (h *Handler) genAICode(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate code", "details": err.Error()})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Prompt is required"})
		return
	}

	gen, err := h.proxy.GenerateCode(c.Request.Context(), req.Prompt)
	switch {
	case errors.Is(err, ai.ErrMalformedOutput):
		h.logger.Warn("code model returned malformed output", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invalid JSON response from AI"})
		return
	case err != nil:
		h.logger.Error("code generation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate code"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"projectTitle":   gen.ProjectTitle,
		"explanation":    gen.Explanation,
		"files":          gen.Files,
		"generatedFiles": gen.GeneratedFiles,
	})
}
