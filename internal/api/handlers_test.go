package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"appforge/internal/auth"
	"appforge/internal/config"
	"appforge/internal/models"
	"appforge/internal/realtime"
	"appforge/internal/service/ai"
	"appforge/internal/service/assistant"
	"appforge/internal/storage"
	"appforge/internal/worker"
)

func TestSessionReplyFlow(t *testing.T) {
	srv := newTestServer(t)
	srv.gen.reply = "Sure, a todo app with dark mode."
	authHeader := signIn(t, srv.router, "bob@example.com")

	createResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions",
		map[string]string{"content": "Build a todo app"}, authHeader)
	assertStatus(t, createResp, http.StatusCreated)
	var created models.Session
	decodeJSON(t, createResp.Body.Bytes(), &created)
	if created.ID == "" || created.Version != 1 || len(created.Messages) != 1 {
		t.Fatalf("unexpected created session: %+v", created)
	}

	replyResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions/"+created.ID+"/reply", nil, authHeader)
	assertStatus(t, replyResp, http.StatusOK)
	var replied models.Session
	decodeJSON(t, replyResp.Body.Bytes(), &replied)
	if len(replied.Messages) != 2 || replied.Version != 2 {
		t.Fatalf("expected two turns at version 2, got %+v", replied)
	}
	if last := replied.Messages[1]; last.Role != models.RoleAI || last.Content != srv.gen.reply {
		t.Fatalf("unexpected ai turn: %+v", last)
	}

	// transcript now ends with an ai turn: no further model call
	again := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions/"+created.ID+"/reply", nil, authHeader)
	assertStatus(t, again, http.StatusOK)
	if got := srv.gen.chatCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one chat call, got %d", got)
	}
	if n := countMessages(t, srv.db, created.ID); n != 2 {
		t.Fatalf("expected 2 stored messages, got %d", n)
	}

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var list struct {
		Sessions []models.SessionSummary `json:"sessions"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &list)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != created.ID {
		t.Fatalf("unexpected session list: %+v", list.Sessions)
	}

	logoutResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/logout", nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)
	meResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/users/me", nil, authHeader)
	assertStatus(t, meResp, http.StatusUnauthorized)
}

func TestLogoutAllRevokesEveryToken(t *testing.T) {
	srv := newTestServer(t)
	first := signIn(t, srv.router, "hal@example.com")
	second := signIn(t, srv.router, "hal@example.com")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/logout?all=true", nil, first)
	assertStatus(t, resp, http.StatusNoContent)

	me := doJSONRequest(t, srv.router, http.MethodGet, "/api/users/me", nil, second)
	assertStatus(t, me, http.StatusUnauthorized)
}

func TestCreateSessionRequiresSignIn(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions",
		map[string]string{"content": "Build a todo app"}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	var count int
	if err := srv.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("signed-out create persisted %d sessions", count)
	}
}

func TestSyncUserCreatedThenExists(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]string{"name": "Ann", "email": "Ann@Example.com", "uid": "uid-ann"}

	first := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/sync", body, nil)
	assertStatus(t, first, http.StatusCreated)
	second := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/sync", body, nil)
	assertStatus(t, second, http.StatusOK)

	var payload struct {
		Status string      `json:"status"`
		User   models.User `json:"user"`
	}
	decodeJSON(t, second.Body.Bytes(), &payload)
	if payload.Status != models.UserStatusExists || payload.User.Email != "ann@example.com" {
		t.Fatalf("unexpected sync payload: %+v", payload)
	}

	missing := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/sync", map[string]string{"name": "x"}, nil)
	assertStatus(t, missing, http.StatusBadRequest)
}

func TestReplyUpstreamFailureKeepsTranscript(t *testing.T) {
	srv := newTestServer(t)
	srv.gen.chatErr = fmt.Errorf("%w: quota exceeded", ai.ErrUpstream)
	authHeader := signIn(t, srv.router, "carol@example.com")
	id := createSession(t, srv.router, authHeader, "Build a blog")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions/"+id+"/reply", nil, authHeader)
	assertStatus(t, resp, http.StatusBadGateway)
	var body map[string]string
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body["error"] == "" || !strings.Contains(body["details"], "quota exceeded") {
		t.Fatalf("expected error and details, got %v", body)
	}
	if n := countMessages(t, srv.db, id); n != 1 {
		t.Fatalf("failed reply changed transcript: %d messages", n)
	}
}

func TestGenerateStoresMergedFiles(t *testing.T) {
	srv := newTestServer(t)
	srv.gen.generation = &models.Generation{
		ProjectTitle: "Todo",
		Files: models.FileMap{
			"/App.js":  {Code: "export default function App() {}"},
			"/App.css": {Code: ".app {}"},
		},
	}
	authHeader := signIn(t, srv.router, "dan@example.com")
	id := createSession(t, srv.router, authHeader, "Build a todo app")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions/"+id+"/generate", nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var result struct {
		Files models.FileMap `json:"files"`
	}
	decodeJSON(t, resp.Body.Bytes(), &result)
	if _, ok := result.Files["/public/index.html"]; !ok {
		t.Fatalf("default file missing from merge: %v", keys(result.Files))
	}
	if result.Files["/App.css"].Code != ".app {}" {
		t.Fatalf("generated file should win over default")
	}

	filesResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions/"+id+"/files", nil, authHeader)
	assertStatus(t, filesResp, http.StatusOK)
	var files struct {
		Files        models.FileMap    `json:"files"`
		Dependencies map[string]string `json:"dependencies"`
		Template     string            `json:"template"`
	}
	decodeJSON(t, filesResp.Body.Bytes(), &files)
	if _, ok := files.Files["/App.js"]; !ok {
		t.Fatalf("stored files missing /App.js: %v", keys(files.Files))
	}
	if files.Template != "react" || files.Dependencies["tailwindcss"] == "" {
		t.Fatalf("unexpected sandbox settings: %+v", files)
	}

	sessResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions/"+id, nil, authHeader)
	assertStatus(t, sessResp, http.StatusOK)
	var session models.Session
	decodeJSON(t, sessResp.Body.Bytes(), &session)
	if session.Title != "Todo" {
		t.Fatalf("title = %q, want Todo", session.Title)
	}
}

func TestGenerateMalformedOutputSavesNothing(t *testing.T) {
	srv := newTestServer(t)
	srv.gen.codeErr = fmt.Errorf("%w: unexpected end of JSON input", ai.ErrMalformedOutput)
	authHeader := signIn(t, srv.router, "erin@example.com")
	id := createSession(t, srv.router, authHeader, "Build a todo app")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions/"+id+"/generate", nil, authHeader)
	assertStatus(t, resp, http.StatusInternalServerError)
	var body map[string]any
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body["error"] != "Invalid JSON response from AI" {
		t.Fatalf("unexpected error body: %v", body)
	}
	if _, ok := body["files"]; ok {
		t.Fatalf("malformed output must not return files")
	}

	var stored sql.NullString
	if err := srv.db.QueryRow(`SELECT file_data FROM sessions WHERE id = ?`, id).Scan(&stored); err != nil {
		t.Fatalf("read file_data: %v", err)
	}
	if stored.Valid && stored.String != "" {
		t.Fatalf("malformed output persisted files: %s", stored.String)
	}
}

func TestForeignSessionIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	owner := signIn(t, srv.router, "owner@example.com")
	stranger := signIn(t, srv.router, "stranger@example.com")
	id := createSession(t, srv.router, owner, "Build a todo app")

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/api/sessions/" + id, nil},
		{http.MethodPost, "/api/sessions/" + id + "/reply", nil},
		{http.MethodPost, "/api/sessions/" + id + "/messages", map[string]string{"content": "hi"}},
		{http.MethodGet, "/api/sessions/" + id + "/files", nil},
	} {
		resp := doJSONRequest(t, srv.router, tc.method, tc.path, tc.body, stranger)
		if resp.Code != http.StatusNotFound {
			t.Fatalf("%s %s: status %d, want 404", tc.method, tc.path, resp.Code)
		}
	}
	if srv.gen.chatCalls.Load() != 0 {
		t.Fatalf("foreign reply reached the model")
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	srv := newTestServer(t)
	authHeader := signIn(t, srv.router, "fay@example.com")
	id := createSession(t, srv.router, authHeader, "Build a todo app")

	ok := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions/"+id+"/messages",
		map[string]any{"content": "with tags", "version": 1}, authHeader)
	assertStatus(t, ok, http.StatusOK)

	stale := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions/"+id+"/messages",
		map[string]any{"content": "and dark mode", "version": 1}, authHeader)
	assertStatus(t, stale, http.StatusConflict)

	invalid := doJSONRequest(t, srv.router, http.MethodPut, "/api/sessions/"+id+"/messages",
		map[string]any{"messages": []map[string]string{{"role": "robot", "content": "x"}}}, authHeader)
	assertStatus(t, invalid, http.StatusBadRequest)
}

func TestProxyRoutes(t *testing.T) {
	cases := []struct {
		name       string
		path       string
		body       string
		chatErr    error
		codeErr    error
		wantStatus int
		wantError  string
	}{
		{name: "chat missing messages", path: "/api/ai-chat", body: `{}`, wantStatus: http.StatusBadRequest, wantError: "Valid messages array is required"},
		{name: "chat empty messages", path: "/api/ai-chat", body: `{"messages":[]}`, wantStatus: http.StatusBadRequest, wantError: "Valid messages array is required"},
		{name: "chat messages not array", path: "/api/ai-chat", body: `{"messages":"hi"}`, wantStatus: http.StatusBadRequest, wantError: "Valid messages array is required"},
		{name: "chat upstream failure", path: "/api/ai-chat", body: `{"messages":[{"role":"user","content":"hi"}]}`, chatErr: ai.ErrUpstream, wantStatus: http.StatusInternalServerError, wantError: "Failed to process chat request"},
		{name: "chat ok", path: "/api/ai-chat", body: `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`, wantStatus: http.StatusOK},
		{name: "code missing prompt", path: "/api/gen-ai-code", body: `{}`, wantStatus: http.StatusBadRequest, wantError: "Prompt is required"},
		{name: "code malformed output", path: "/api/gen-ai-code", body: `{"prompt":"todo"}`, codeErr: ai.ErrMalformedOutput, wantStatus: http.StatusInternalServerError, wantError: "Invalid JSON response from AI"},
		{name: "code upstream failure", path: "/api/gen-ai-code", body: `{"prompt":"todo"}`, codeErr: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantError: "Failed to generate code"},
		{name: "code ok", path: "/api/gen-ai-code", body: `{"prompt":"todo"}`, wantStatus: http.StatusOK},
		{name: "code malformed body", path: "/api/gen-ai-code", body: `{"prompt":`, wantStatus: http.StatusInternalServerError, wantError: "Failed to generate code"},
		{name: "chat malformed body", path: "/api/ai-chat", body: `not json`, wantStatus: http.StatusInternalServerError, wantError: "Failed to process chat request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t)
			srv.gen.reply = "result text"
			srv.gen.chatErr = tc.chatErr
			srv.gen.codeErr = tc.codeErr
			srv.gen.generation = &models.Generation{ProjectTitle: "Todo", Files: models.FileMap{"/App.js": {Code: "x"}}}

			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			srv.router.ServeHTTP(rec, req)

			assertStatus(t, rec, tc.wantStatus)
			var body map[string]any
			decodeJSON(t, rec.Body.Bytes(), &body)
			if tc.wantError != "" && body["error"] != tc.wantError {
				t.Fatalf("error = %v, want %q", body["error"], tc.wantError)
			}
			if tc.wantStatus == http.StatusOK {
				if tc.path == "/api/ai-chat" && body["result"] != "result text" {
					t.Fatalf("unexpected chat body: %v", body)
				}
				if tc.path == "/api/gen-ai-code" && body["projectTitle"] != "Todo" {
					t.Fatalf("unexpected code body: %v", body)
				}
			}
		})
	}
}

func TestWatchStreamsTranscriptEvents(t *testing.T) {
	srv := newTestServer(t)
	srv.gen.reply = "On it."
	authHeader := signIn(t, srv.router, "gus@example.com")
	id := createSession(t, srv.router, authHeader, "Build a todo app")
	token := strings.TrimPrefix(authHeader["Authorization"], "Bearer ")

	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + id + "/watch?token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial watch: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	snapshot := readEvent(t, ctx, conn)
	if snapshot.Type != models.EventTranscript || snapshot.Version != 1 || len(snapshot.Messages) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions/"+id+"/reply", nil, authHeader)
	assertStatus(t, resp, http.StatusOK)

	event := readEvent(t, ctx, conn)
	if event.Version != 2 || len(event.Messages) != 2 || event.Messages[1].Content != "On it." {
		t.Fatalf("unexpected transcript event: %+v", event)
	}
}

type fakeGenerator struct {
	reply      string
	chatErr    error
	codeErr    error
	generation *models.Generation
	chatCalls  atomic.Int32
}

func (f *fakeGenerator) Chat(_ context.Context, _ []models.Message) (string, error) {
	f.chatCalls.Add(1)
	if f.chatErr != nil {
		return "", f.chatErr
	}
	return f.reply, nil
}

func (f *fakeGenerator) GenerateCode(_ context.Context, _ string) (*models.Generation, error) {
	if f.codeErr != nil {
		return nil, f.codeErr
	}
	return f.generation, nil
}

type testServer struct {
	router *gin.Engine
	db     *sql.DB
	gen    *fakeGenerator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users := assistant.NewService(db)
	authSvc := auth.NewService(db, nil, time.Hour)
	gen := &fakeGenerator{}
	hub := realtime.NewHub(logger)
	mgr := worker.NewManager(users, gen, worker.DispatcherConfig{
		MinWorkers:  1,
		MaxWorkers:  2,
		QueueSize:   8,
		IdleTimeout: time.Minute,
	}, worker.WithEventSink(hub), worker.WithLogger(logger))
	t.Cleanup(mgr.Close)

	handler := NewHandler(users, authSvc, mgr, gen, hub, logger)
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, db: db, gen: gen}
}

func signIn(t *testing.T, router *gin.Engine, email string) map[string]string {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/api/users/sync", map[string]string{
		"name":  "tester",
		"email": email,
		"uid":   "uid-" + email,
	}, nil)
	if resp.Code != http.StatusCreated && resp.Code != http.StatusOK {
		t.Fatalf("sync user: status %d, body: %s", resp.Code, resp.Body.String())
	}
	var body struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.AuthToken == "" {
		t.Fatalf("expected auth token from sync")
	}
	return map[string]string{"Authorization": "Bearer " + body.AuthToken}
}

func createSession(t *testing.T, router *gin.Engine, headers map[string]string, content string) string {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/api/sessions", map[string]string{"content": content}, headers)
	assertStatus(t, resp, http.StatusCreated)
	var session models.Session
	decodeJSON(t, resp.Body.Bytes(), &session)
	return session.ID
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) models.SessionEvent {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event models.SessionEvent
	decodeJSON(t, data, &event)
	return event
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func countMessages(t *testing.T, db *sql.DB, sessionID string) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func keys(files models.FileMap) []string {
	out := make([]string, 0, len(files))
	for path := range files {
		out = append(out, path)
	}
	return out
}
