package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"appforge/internal/auth"
	"appforge/internal/models"
	"appforge/internal/realtime"
	"appforge/internal/sandbox"
	"appforge/internal/service/assistant"
	"appforge/internal/worker"
)

// SessionManager serializes session mutations and runs AI work.
// *worker.Manager implements it.
type SessionManager interface {
	CreateSession(ctx context.Context, userID, content string) (*models.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error)
	AppendUserMessage(ctx context.Context, userID, sessionID, content string, expectedVersion int64) (*models.Session, error)
	UpdateMessages(ctx context.Context, userID, sessionID string, messages []models.Message, expectedVersion int64) (*models.Session, error)
	Files(ctx context.Context, userID, sessionID string) (models.FileMap, error)
	Reply(ctx context.Context, userID, sessionID string) (*models.Session, error)
	Generate(ctx context.Context, userID, sessionID string) (*worker.GenerateResult, error)
}

// Handler wires HTTP routes to the user store, the session manager and the
// stateless generation proxy.
type Handler struct {
	users    *assistant.Service
	auth     *auth.Service
	sessions SessionManager
	proxy    worker.Generator
	hub      *realtime.Hub
	logger   *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(users *assistant.Service, authService *auth.Service, sessions SessionManager, proxy worker.Generator, hub *realtime.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		users:    users,
		auth:     authService,
		sessions: sessions,
		proxy:    proxy,
		hub:      hub,
		logger:   logger,
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/ai-chat", h.aiChat)
	api.POST("/gen-ai-code", h.genAICode)
	api.POST("/users/sync", h.auth.IdentityMiddleware(), h.syncUser)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.GET("/users/me", h.me)
	authed.POST("/users/logout", h.logoutUser)

	sessions := authed.Group("/sessions")
	sessions.POST("", h.createSession)
	sessions.GET("", h.listSessions)
	sessions.GET("/:id", h.getSession)
	sessions.PUT("/:id/messages", h.updateMessages)
	sessions.POST("/:id/messages", h.appendMessage)
	sessions.POST("/:id/reply", h.reply)
	sessions.POST("/:id/generate", h.generate)
	sessions.GET("/:id/files", h.files)
	sessions.GET("/:id/watch", h.watch)
}

type syncRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
	UID     string `json:"uid"`
}

func (h *Handler) syncUser(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.UID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and uid are required"})
		return
	}
	user, status, err := h.users.UpsertUser(c.Request.Context(), assistant.UpsertInput{
		Name:    req.Name,
		Email:   req.Email,
		Picture: req.Picture,
		UID:     req.UID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.SetSessionCookies(c, authToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	code := http.StatusOK
	if status == models.UserStatusCreated {
		code = http.StatusCreated
	}
	c.JSON(code, gin.H{
		"status":     status,
		"user":       user,
		"auth_token": authToken,
		"csrf_token": csrfToken,
	})
}

func (h *Handler) me(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.users.GetUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// logoutUser revokes the current token, or every token of the user when
// called with ?all=true.
func (h *Handler) logoutUser(c *gin.Context) {
	if c.Query("all") == "true" {
		userID, ok := h.authorizedUserID(c)
		if !ok {
			return
		}
		if err := h.auth.RevokeUserTokens(c.Request.Context(), userID); err != nil {
			writeError(c, err)
			return
		}
	} else if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			h.logger.Warn("revoke token failed", "error", err)
		}
	}
	h.auth.ClearSessionCookies(c)
	c.Status(http.StatusNoContent)
}

type contentRequest struct {
	Content string `json:"content"`
	Version *int64 `json:"version"`
}

type messagesRequest struct {
	Messages []models.Message `json:"messages"`
	Version  *int64           `json:"version"`
}

func expectedVersion(v *int64) int64 {
	if v == nil {
		return assistant.AnyVersion
	}
	return *v
}

func (h *Handler) createSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	session, err := h.sessions.CreateSession(c.Request.Context(), userID, req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) listSessions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	list, err := h.sessions.ListSessions(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = make([]models.SessionSummary, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *Handler) getSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	session, err := h.sessions.GetSession(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) updateMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req messagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	session, err := h.sessions.UpdateMessages(c.Request.Context(), userID, c.Param("id"), req.Messages, expectedVersion(req.Version))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) appendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	session, err := h.sessions.AppendUserMessage(c.Request.Context(), userID, c.Param("id"), req.Content, expectedVersion(req.Version))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) reply(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	session, err := h.sessions.Reply(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) generate(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	result, err := h.sessions.Generate(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) files(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	files, err := h.sessions.Files(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"files":              files,
		"dependencies":       sandbox.Dependencies(),
		"template":           sandbox.Template,
		"external_resources": sandbox.ExternalResources,
	})
}

func (h *Handler) watch(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if !c.IsWebsocket() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade required"})
		return
	}
	session, err := h.sessions.GetSession(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	snapshot := &models.SessionEvent{
		Type:      models.EventTranscript,
		SessionID: session.ID,
		Version:   session.Version,
		Title:     session.Title,
		Messages:  session.Messages,
	}
	if err := h.hub.Serve(c.Writer, c.Request, userID, session.ID, snapshot); err != nil {
		h.logger.Warn("websocket accept failed", "session_id", session.ID, "error", err)
	}
}
