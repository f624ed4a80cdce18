package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"appforge/internal/models"
	"appforge/internal/prompt"
	"appforge/internal/redis"
	"appforge/internal/sandbox"
	"appforge/internal/service/ai"
	"appforge/internal/service/assistant"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrReplyInFlight means another instance is already answering the session.
	ErrReplyInFlight = errors.New("reply already in flight")
	// ErrNoUserMessage means there is nothing to generate code from.
	ErrNoUserMessage = errors.New("session has no user message")
)

const defaultLockTTL = 2 * time.Minute

// Store persists sessions. *assistant.Service implements it.
type Store interface {
	CreateSession(ctx context.Context, userID string, first models.Message) (*models.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error)
	UpdateMessages(ctx context.Context, userID, sessionID string, messages []models.Message, expectedVersion int64) (*models.Session, error)
	AppendMessage(ctx context.Context, userID, sessionID string, message models.Message, expectedVersion int64) (*models.Session, error)
	SaveFiles(ctx context.Context, userID, sessionID string, files models.FileMap, title string) (*models.Session, error)
}

// Generator calls the language model. *ai.Service implements it.
type Generator interface {
	Chat(ctx context.Context, transcript []models.Message) (string, error)
	GenerateCode(ctx context.Context, composed string) (*models.Generation, error)
}

// EventSink receives session events for local watchers.
type EventSink interface {
	Publish(event models.SessionEvent)
}

// GenerateResult is the outcome of a code generation turn.
type GenerateResult struct {
	Session    *models.Session    `json:"session"`
	Generation *models.Generation `json:"generation"`
	Files      models.FileMap     `json:"files"`
}

// Manager owns every session mutation: user writes, AI replies and code
// generation. AI calls run on the dispatcher; at most one reply and one
// generation per session are in flight at any time.
type Manager struct {
	store      Store
	gen        Generator
	dispatcher *Dispatcher
	cache      *stateRedis
	sink       EventSink
	logger     *slog.Logger
	flight     singleflight.Group
	lockTTL    time.Duration
	instanceID string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRedis enables the shared session cache, cross-instance locks and the
// event bus.
func WithRedis(client *redis.Client) Option {
	return func(m *Manager) { m.cache = newStateCache(client, m.logger) }
}

// WithEventSink delivers session events to sink.
func WithEventSink(sink EventSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLockTTL bounds how long a crashed instance can hold a session lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

func NewManager(store Store, gen Generator, cfg DispatcherConfig, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		gen:        gen,
		logger:     slog.Default(),
		lockTTL:    defaultLockTTL,
		instanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.cache != nil {
		m.cache.logger = m.logger
	}
	m.dispatcher = NewDispatcher(cfg)
	return m
}

// Start subscribes to the cross-instance event bus until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cache.enabled() || m.sink == nil {
		return nil
	}
	return m.cache.startListener(ctx, m.sink.Publish)
}

// Close stops the worker pool.
func (m *Manager) Close() {
	m.dispatcher.Close()
}

// CreateSession starts a session with the user's first message.
func (m *Manager) CreateSession(ctx context.Context, userID, content string) (*models.Session, error) {
	session, err := m.store.CreateSession(ctx, userID, models.Message{Role: models.RoleUser, Content: content})
	if err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session_id", session.ID, "user_id", userID)
	m.afterTranscriptWrite(ctx, session)
	return session, nil
}

// GetSession returns the session, from the shared cache when possible.
func (m *Manager) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	if session, ok := m.cache.loadSession(ctx, userID, sessionID); ok {
		return session, nil
	}
	session, err := m.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	m.cache.cacheSession(ctx, session)
	return session, nil
}

// ListSessions lists the user's sessions.
func (m *Manager) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	return m.store.ListSessions(ctx, userID)
}

// AppendUserMessage adds a user turn to the transcript.
func (m *Manager) AppendUserMessage(ctx context.Context, userID, sessionID, content string, expectedVersion int64) (*models.Session, error) {
	session, err := m.store.AppendMessage(ctx, userID, sessionID, models.Message{Role: models.RoleUser, Content: content}, expectedVersion)
	if err != nil {
		return nil, err
	}
	m.afterTranscriptWrite(ctx, session)
	return session, nil
}

// UpdateMessages applies a whole-transcript update (see assistant.Service.UpdateMessages).
func (m *Manager) UpdateMessages(ctx context.Context, userID, sessionID string, messages []models.Message, expectedVersion int64) (*models.Session, error) {
	session, err := m.store.UpdateMessages(ctx, userID, sessionID, messages, expectedVersion)
	if err != nil {
		return nil, err
	}
	m.afterTranscriptWrite(ctx, session)
	return session, nil
}

// Files returns the session's merged file map, or the default project when
// nothing has been generated yet.
func (m *Manager) Files(ctx context.Context, userID, sessionID string) (models.FileMap, error) {
	session, err := m.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if len(session.FileData) == 0 {
		return sandbox.DefaultFiles(), nil
	}
	return sandbox.Apply(session.FileData), nil
}

// Reply answers the newest user turn. When the transcript already ends with
// an AI turn the session is returned unchanged and no model call is made.
// Concurrent calls for the same session share one model call.
func (m *Manager) Reply(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	v, err := m.shared(ctx, "reply:"+userID+":"+sessionID, sessionID, func(ctx context.Context) (any, error) {
		return m.reply(ctx, userID, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Session), nil
}

// Generate builds code for the latest user message, merges it over the
// default project and stores the result on the session.
func (m *Manager) Generate(ctx context.Context, userID, sessionID string) (*GenerateResult, error) {
	v, err := m.shared(ctx, "generate:"+userID+":"+sessionID, sessionID, func(ctx context.Context) (any, error) {
		return m.generate(ctx, userID, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*GenerateResult), nil
}

// shared runs fn once per flight key on the worker pool. The run is detached
// from the caller that started it, so a disconnecting leader neither aborts
// the model call nor fails the callers that joined it; each caller only
// stops waiting when its own ctx ends.
func (m *Manager) shared(ctx context.Context, flightKey, jobKey string, fn func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(flightKey, func() (any, error) {
		return m.runJob(detached, jobKey, fn)
	})
	select {
	case res := <-ch:
		if res.Shared {
			m.logger.Debug("joined in-flight call", "key", flightKey)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) reply(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	session, err := m.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !models.AwaitingReply(session.Messages) {
		return session, nil
	}

	ok, release := m.cache.lock(ctx, redisReplyLockKey+sessionID, m.instanceID, m.lockTTL)
	if !ok {
		return nil, ErrReplyInFlight
	}
	defer release()

	// another instance may have answered while we waited for the lock
	session, err = m.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !models.AwaitingReply(session.Messages) {
		return session, nil
	}

	started := time.Now()
	text, err := m.gen.Chat(ai.WithToolSession(ctx, sessionID), session.Messages)
	if err != nil {
		m.logger.Warn("reply failed", "session_id", sessionID, "version", session.Version, "error", err)
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty reply", ai.ErrUpstream)
	}

	updated, err := m.store.AppendMessage(ctx, userID, sessionID, models.Message{Role: models.RoleAI, Content: text}, session.Version)
	if err != nil {
		if errors.Is(err, assistant.ErrVersionConflict) {
			m.logger.Info("discarding stale reply", "session_id", sessionID, "answered_version", session.Version)
		}
		return nil, err
	}
	m.logger.Info("reply stored", "session_id", sessionID, "version", updated.Version, "duration", time.Since(started))
	m.afterTranscriptWrite(ctx, updated)
	return updated, nil
}

func (m *Manager) generate(ctx context.Context, userID, sessionID string) (*GenerateResult, error) {
	session, err := m.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	latest, ok := models.LatestUserMessage(session.Messages)
	if !ok {
		return nil, ErrNoUserMessage
	}

	ok, release := m.cache.lock(ctx, redisGenerateLockKey+sessionID, m.instanceID, m.lockTTL)
	if !ok {
		return nil, ErrReplyInFlight
	}
	defer release()

	gen, err := m.gen.GenerateCode(ctx, prompt.BuildCode(latest.Content))
	if err != nil {
		return nil, err
	}
	merged := sandbox.Apply(gen.Files)
	updated, err := m.store.SaveFiles(ctx, userID, sessionID, merged, gen.ProjectTitle)
	if err != nil {
		return nil, err
	}
	m.logger.Info("files stored", "session_id", sessionID, "files", len(merged), "generated", len(gen.Files))
	m.cache.cacheSession(ctx, updated)
	m.publish(ctx, models.SessionEvent{
		Type:      models.EventFiles,
		SessionID: updated.ID,
		UserID:    updated.UserID,
		Version:   updated.Version,
		Title:     updated.Title,
		Files:     merged,
	})
	return &GenerateResult{Session: updated, Generation: gen, Files: merged}, nil
}

type jobResult struct {
	value any
	err   error
}

// runJob executes fn on the worker pool and waits for it. Jobs whose caller
// has gone away before a worker picks them up are skipped.
func (m *Manager) runJob(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	done := make(chan jobResult, 1)
	err := m.dispatcher.Submit(Job{
		Key: key,
		Run: func() {
			if err := ctx.Err(); err != nil {
				done <- jobResult{err: err}
				return
			}
			v, err := fn(ctx)
			done <- jobResult{value: v, err: err}
		},
	})
	if err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) afterTranscriptWrite(ctx context.Context, session *models.Session) {
	m.cache.cacheSession(ctx, session)
	m.publish(ctx, models.SessionEvent{
		Type:      models.EventTranscript,
		SessionID: session.ID,
		UserID:    session.UserID,
		Version:   session.Version,
		Title:     session.Title,
		Messages:  session.Messages,
	})
}

// publish goes through redis when enabled so every instance, this one
// included, hears it exactly once through the listener.
func (m *Manager) publish(ctx context.Context, event models.SessionEvent) {
	if m.cache.enabled() {
		err := m.cache.publishEvent(context.WithoutCancel(ctx), event)
		if err == nil {
			return
		}
		m.logger.Warn("publish session event failed", "session_id", event.SessionID, "error", err)
	}
	if m.sink != nil {
		m.sink.Publish(event)
	}
}
