package assistant

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"appforge/internal/config"
	"appforge/internal/models"
	"appforge/internal/storage"
)

func TestUpsertUserCreatesThenExists(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, status, err := svc.UpsertUser(ctx, UpsertInput{Name: "Ada", Email: "Ada@Example.com", UID: "g-1"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if status != models.UserStatusCreated {
		t.Fatalf("status = %s, want created", status)
	}
	again, status, err := svc.UpsertUser(ctx, UpsertInput{Name: "Other", Email: "ada@example.com", UID: "g-2"})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if status != models.UserStatusExists || again.ID != user.ID || again.Name != "Ada" {
		t.Fatalf("expected existing user, got %s %+v", status, again)
	}
	byEmail, err := svc.GetUserByEmail(ctx, "ADA@example.com")
	if err != nil || byEmail.ID != user.ID {
		t.Fatalf("get by email: %+v %v", byEmail, err)
	}
	if _, err := svc.GetUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestUpsertUserConcurrentCreatesOneRow(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, _, err := svc.UpsertUser(ctx, UpsertInput{Name: "Bo", Email: "bo@example.com", UID: "g"})
			if err != nil {
				t.Errorf("upsert %d: %v", i, err)
				return
			}
			ids[i] = u.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent upserts returned different users: %v", ids)
		}
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users WHERE email = ?`, "bo@example.com").Scan(&count); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if count != 1 {
		t.Fatalf("users with email = %d, want 1", count)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user := createUser(t, svc, "cy@example.com")

	session, err := svc.CreateSession(ctx, user.ID, models.Message{Role: models.RoleUser, Content: "Build a todo app"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Version != 1 || len(session.Messages) != 1 || session.Title != "Build a todo app" {
		t.Fatalf("unexpected session: %+v", session)
	}

	got, err := svc.GetSession(ctx, user.ID, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != models.RoleUser {
		t.Fatalf("unexpected transcript: %+v", got.Messages)
	}

	other := createUser(t, svc, "eve@example.com")
	if _, err := svc.GetSession(ctx, other.ID, session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("foreign get: expected ErrSessionNotFound, got %v", err)
	}

	list, err := svc.ListSessions(ctx, user.ID)
	if err != nil || len(list) != 1 || list[0].ID != session.ID {
		t.Fatalf("list sessions: %+v %v", list, err)
	}
}

func TestCreateSessionRejectsInvalidMessage(t *testing.T) {
	svc, _ := newTestService(t)
	user := createUser(t, svc, "dee@example.com")
	cases := []models.Message{
		{Role: "system", Content: "hi"},
		{Role: models.RoleUser, Content: "   "},
	}
	for _, msg := range cases {
		if _, err := svc.CreateSession(context.Background(), user.ID, msg); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("message %+v: expected ErrInvalidMessage, got %v", msg, err)
		}
	}
}

func TestUpdateMessagesAppendsTail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user := createUser(t, svc, "fay@example.com")
	session, err := svc.CreateSession(ctx, user.ID, models.Message{Role: models.RoleUser, Content: "hello"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	next := append(session.Messages,
		models.Message{Role: "assistant", Content: "I'll build it"},
		models.Message{Role: models.RoleUser, Content: "add dark mode"},
	)
	updated, err := svc.UpdateMessages(ctx, user.ID, session.ID, next, 1)
	if err != nil {
		t.Fatalf("update messages: %v", err)
	}
	if updated.Version != 3 || len(updated.Messages) != 3 {
		t.Fatalf("unexpected update: version=%d messages=%d", updated.Version, len(updated.Messages))
	}
	if updated.Messages[1].Role != models.RoleAI {
		t.Fatalf("assistant alias not normalized: %s", updated.Messages[1].Role)
	}

	// same list again is a no-op
	same, err := svc.UpdateMessages(ctx, user.ID, session.ID, updated.Messages, AnyVersion)
	if err != nil || same.Version != 3 {
		t.Fatalf("idempotent update: version=%d err=%v", same.Version, err)
	}
}

func TestUpdateMessagesConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user := createUser(t, svc, "gus@example.com")
	session, err := svc.CreateSession(ctx, user.ID, models.Message{Role: models.RoleUser, Content: "hello"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := svc.AppendMessage(ctx, user.ID, session.ID, models.Message{Role: models.RoleAI, Content: "hi"}, 1); err != nil {
		t.Fatalf("append: %v", err)
	}

	cases := []struct {
		name     string
		messages []models.Message
		version  int64
	}{
		{"stale version", []models.Message{{Role: models.RoleUser, Content: "hello"}, {Role: models.RoleAI, Content: "hi"}, {Role: models.RoleUser, Content: "x"}}, 1},
		{"drops history", []models.Message{{Role: models.RoleUser, Content: "hello"}}, AnyVersion},
		{"rewrites history", []models.Message{{Role: models.RoleUser, Content: "hello"}, {Role: models.RoleAI, Content: "changed"}}, AnyVersion},
	}
	for _, tc := range cases {
		if _, err := svc.UpdateMessages(ctx, user.ID, session.ID, tc.messages, tc.version); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("%s: expected ErrVersionConflict, got %v", tc.name, err)
		}
	}

	got, err := svc.GetSession(ctx, user.ID, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Version != 2 || len(got.Messages) != 2 {
		t.Fatalf("conflicting writes changed the transcript: %+v", got)
	}
}

func TestAppendMessageForeignSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	owner := createUser(t, svc, "hal@example.com")
	other := createUser(t, svc, "ivy@example.com")
	session, err := svc.CreateSession(ctx, owner.ID, models.Message{Role: models.RoleUser, Content: "hello"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	_, err = svc.AppendMessage(ctx, other.ID, session.ID, models.Message{Role: models.RoleUser, Content: "x"}, AnyVersion)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSaveFiles(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user := createUser(t, svc, "jo@example.com")
	session, err := svc.CreateSession(ctx, user.ID, models.Message{Role: models.RoleUser, Content: "a landing page"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	files := models.FileMap{"/App.js": {Code: "export default function App() {}"}}
	saved, err := svc.SaveFiles(ctx, user.ID, session.ID, files, "Landing Page")
	if err != nil {
		t.Fatalf("save files: %v", err)
	}
	if saved.Title != "Landing Page" || saved.FileData["/App.js"].Code == "" {
		t.Fatalf("files not stored: %+v", saved)
	}
	if saved.Version != 1 {
		t.Fatalf("saving files must not bump the transcript version: %d", saved.Version)
	}
	if _, err := svc.SaveFiles(ctx, "nobody", session.ID, files, ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestTitleFromTruncates(t *testing.T) {
	long := "Build me a very detailed project management dashboard with charts and a calendar view"
	got := titleFrom(long)
	if len([]rune(got)) != maxTitleRunes+1 {
		t.Fatalf("title length = %d", len([]rune(got)))
	}
	if titleFrom("  two\n words ") != "two words" {
		t.Fatalf("whitespace not collapsed")
	}
}

func newTestService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewService(db), db
}

func createUser(t *testing.T, svc *Service, email string) *models.User {
	t.Helper()
	user, _, err := svc.UpsertUser(context.Background(), UpsertInput{Name: email, Email: email, UID: "uid-" + email})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}
