package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"appforge/internal/models"
	"appforge/internal/redis"
)

const (
	redisEventChannel    = "appforge:events"
	redisSessionPrefix   = "appforge:session:"
	redisReplyLockKey    = "appforge:lock:reply:"
	redisGenerateLockKey = "appforge:lock:generate:"
	redisStateTTL        = 30 * time.Minute
)

// stateRedis is the shared session cache and event bus. All methods are
// no-ops on a nil receiver or client.
type stateRedis struct {
	client *redis.Client
	logger *slog.Logger
}

func newStateCache(client *redis.Client, logger *slog.Logger) *stateRedis {
	if client == nil {
		return nil
	}
	return &stateRedis{client: client, logger: logger}
}

func (r *stateRedis) enabled() bool {
	return r != nil && r.client != nil
}

// startListener forwards events published by any instance to handler.
func (r *stateRedis) startListener(ctx context.Context, handler func(models.SessionEvent)) error {
	if !r.enabled() || handler == nil {
		return nil
	}
	return r.client.Subscribe(ctx, redisEventChannel, func(payload string) {
		var event models.SessionEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			r.logger.Warn("decode session event failed", "error", err)
			return
		}
		handler(event)
	})
}

func (r *stateRedis) publishEvent(ctx context.Context, event models.SessionEvent) error {
	if !r.enabled() {
		return errors.New("redis disabled")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, redisEventChannel, payload)
}

func (r *stateRedis) cacheSession(ctx context.Context, session *models.Session) {
	if !r.enabled() || session == nil || session.ID == "" {
		return
	}
	data, err := json.Marshal(session)
	if err != nil {
		r.logger.Warn("encode cached session failed", "session_id", session.ID, "error", err)
		return
	}
	if err := r.client.Set(ctx, redisSessionPrefix+session.ID, data, redisStateTTL); err != nil {
		r.logger.Warn("cache session failed", "session_id", session.ID, "error", err)
	}
}

// loadSession returns the cached session if userID owns it.
func (r *stateRedis) loadSession(ctx context.Context, userID, sessionID string) (*models.Session, bool) {
	if !r.enabled() || sessionID == "" {
		return nil, false
	}
	raw, err := r.client.Get(ctx, redisSessionPrefix+sessionID)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.Warn("load cached session failed", "session_id", sessionID, "error", err)
		}
		return nil, false
	}
	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		r.logger.Warn("decode cached session failed", "session_id", sessionID, "error", err)
		return nil, false
	}
	if session.UserID != userID {
		return nil, false
	}
	return &session, true
}

func (r *stateRedis) invalidateSession(ctx context.Context, sessionID string) {
	if !r.enabled() || sessionID == "" {
		return
	}
	if err := r.client.Del(ctx, redisSessionPrefix+sessionID); err != nil {
		r.logger.Warn("invalidate cached session failed", "session_id", sessionID, "error", err)
	}
}

// lock takes the cross-instance lock for key. The returned release func is
// never nil. A redis failure degrades to the in-process guard only.
func (r *stateRedis) lock(ctx context.Context, key, owner string, ttl time.Duration) (bool, func()) {
	noop := func() {}
	if !r.enabled() {
		return true, noop
	}
	ok, err := r.client.TryLock(ctx, key, owner, ttl)
	if err != nil {
		r.logger.Warn("redis lock unavailable", "key", key, "error", err)
		return true, noop
	}
	if !ok {
		return false, noop
	}
	return true, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.client.Unlock(ctx, key, owner); err != nil {
			r.logger.Warn("redis unlock failed", "key", key, "error", err)
		}
	}
}
