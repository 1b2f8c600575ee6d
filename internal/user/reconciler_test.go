package user

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maciej-peta/oauth-chmury/internal/backend"
	"github.com/maciej-peta/oauth-chmury/internal/metrics"
	"github.com/maciej-peta/oauth-chmury/internal/model"
)

// --- モック定義 ---

type mockBackend struct {
	getUserFn    func(ctx context.Context, accessToken, subjectID string) (*backend.UserRecord, error)
	createUserFn func(ctx context.Context, accessToken string, record backend.UserRecord) error
}

func (m *mockBackend) GetUser(ctx context.Context, accessToken, subjectID string) (*backend.UserRecord, error) {
	if m.getUserFn != nil {
		return m.getUserFn(ctx, accessToken, subjectID)
	}
	return &backend.UserRecord{AuthID: subjectID}, nil
}

func (m *mockBackend) CreateUser(ctx context.Context, accessToken string, record backend.UserRecord) error {
	if m.createUserFn != nil {
		return m.createUserFn(ctx, accessToken, record)
	}
	return nil
}

type mockMetrics struct {
	metrics.Nop
	mu       sync.Mutex
	outcomes []string
}

func (m *mockMetrics) RecordReconciliation(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

var _ Backend = (*mockBackend)(nil)
var _ Backend = (*backend.Client)(nil)
var _ Logger = (*slog.Logger)(nil)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testSession() *model.Session {
	return &model.Session{
		Identity: model.Identity{
			SubjectID: "abc123",
			Name:      "Ann",
			Email:     "ann@example.com",
		},
		AccessToken: "tok",
		Strategy:    model.SessionStrategyStatelessSigned,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

// --- テスト ---

// fakeUsersAPI はGET /users/{id}に指定ステータスを返し、POST /usersの呼び出しを記録する。
type fakeUsersAPI struct {
	lookupStatus int
	lookupBody   string // 空でなければ200の本文としてそのまま返す
	posts        atomic.Int32
	mu           sync.Mutex
	lastPost     backend.UserRecord
}

func (f *fakeUsersAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/users/"):
		if f.lookupStatus != http.StatusOK {
			http.Error(w, http.StatusText(f.lookupStatus), f.lookupStatus)
			return
		}
		if f.lookupBody != "" {
			io.WriteString(w, f.lookupBody)
			return
		}
		json.NewEncoder(w).Encode(backend.UserRecord{AuthID: strings.TrimPrefix(r.URL.Path, "/users/")})
	case r.Method == http.MethodPost && r.URL.Path == "/users":
		f.posts.Add(1)
		f.mu.Lock()
		json.NewDecoder(r.Body).Decode(&f.lastPost)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	default:
		http.NotFound(w, r)
	}
}

func TestReconcile_UnknownSubject_CreatesExactlyOnce(t *testing.T) {
	api := &fakeUsersAPI{lookupStatus: http.StatusNotFound}
	server := httptest.NewServer(api)
	defer server.Close()

	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	client := backend.NewClient(server.Client(), server.URL, logger)
	r := NewReconciler(client, logger, nil, 0)

	if err := r.Reconcile(context.Background(), testSession()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if got := api.posts.Load(); got != 1 {
		t.Fatalf("POST /users calls = %d, want 1", got)
	}
	want := backend.UserRecord{AuthID: "abc123", Name: "Ann", Email: "ann@example.com", AccountTypeID: "1"}
	if api.lastPost != want {
		t.Errorf("posted %+v, want %+v", api.lastPost, want)
	}
}

func TestReconcile_KnownSubject_NoCreate(t *testing.T) {
	api := &fakeUsersAPI{lookupStatus: http.StatusOK}
	server := httptest.NewServer(api)
	defer server.Close()

	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	client := backend.NewClient(server.Client(), server.URL, logger)
	r := NewReconciler(client, logger, nil, 0)

	if err := r.Reconcile(context.Background(), testSession()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if got := api.posts.Load(); got != 0 {
		t.Errorf("POST /users calls = %d, want 0", got)
	}
	if !strings.Contains(buf.String(), "user already registered") {
		t.Errorf("expected debug log for existing user, got %s", buf.String())
	}
}

func TestReconcile_KnownSubject_PlainTextBody_NoCreate(t *testing.T) {
	api := &fakeUsersAPI{lookupStatus: http.StatusOK, lookupBody: "OK"}
	server := httptest.NewServer(api)
	defer server.Close()

	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	mc := &mockMetrics{}
	client := backend.NewClient(server.Client(), server.URL, logger)
	r := NewReconciler(client, logger, mc, 0)

	if err := r.Reconcile(context.Background(), testSession()); err != nil {
		t.Fatalf("Reconcile() error = %v, want nil for 200", err)
	}
	if got := api.posts.Load(); got != 0 {
		t.Errorf("POST /users calls = %d, want 0", got)
	}
	if strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("200 lookup must not log at ERROR, got %s", buf.String())
	}
	if len(mc.outcomes) != 1 || mc.outcomes[0] != metrics.ReconcileExists {
		t.Errorf("outcomes = %v, want [%s]", mc.outcomes, metrics.ReconcileExists)
	}
}

func TestReconcile_LookupFailure_NoCreate(t *testing.T) {
	created := false
	mb := &mockBackend{
		getUserFn: func(ctx context.Context, accessToken, subjectID string) (*backend.UserRecord, error) {
			return nil, &backend.StatusError{StatusCode: http.StatusInternalServerError, Body: "db down"}
		},
		createUserFn: func(ctx context.Context, accessToken string, record backend.UserRecord) error {
			created = true
			return nil
		},
	}
	mm := &mockMetrics{}
	var buf bytes.Buffer
	r := NewReconciler(mb, newTestLogger(&buf), mm, 0)

	err := r.Reconcile(context.Background(), testSession())
	if !model.HasCode(err, model.ErrCodeReconciliationFailed) {
		t.Fatalf("error = %v, want %s", err, model.ErrCodeReconciliationFailed)
	}
	if created {
		t.Error("CreateUser must not be called when lookup fails with a non-404 error")
	}
	if len(mm.outcomes) != 1 || mm.outcomes[0] != metrics.ReconcileLookupFailed {
		t.Errorf("outcomes = %v, want [%s]", mm.outcomes, metrics.ReconcileLookupFailed)
	}
}

func TestReconcile_CreateFailure_LoggedNotRetried(t *testing.T) {
	calls := 0
	mb := &mockBackend{
		getUserFn: func(ctx context.Context, accessToken, subjectID string) (*backend.UserRecord, error) {
			return nil, backend.ErrUserNotFound
		},
		createUserFn: func(ctx context.Context, accessToken string, record backend.UserRecord) error {
			calls++
			return errors.New("connection reset")
		},
	}
	mm := &mockMetrics{}
	var buf bytes.Buffer
	r := NewReconciler(mb, newTestLogger(&buf), mm, 0)

	err := r.Reconcile(context.Background(), testSession())
	if !model.HasCode(err, model.ErrCodeReconciliationFailed) {
		t.Fatalf("error = %v, want %s", err, model.ErrCodeReconciliationFailed)
	}
	if calls != 1 {
		t.Errorf("CreateUser calls = %d, want 1", calls)
	}
	if !strings.Contains(buf.String(), "user creation failed") {
		t.Errorf("expected error log, got %s", buf.String())
	}
	if len(mm.outcomes) != 1 || mm.outcomes[0] != metrics.ReconcileCreateFailed {
		t.Errorf("outcomes = %v, want [%s]", mm.outcomes, metrics.ReconcileCreateFailed)
	}
}

func TestReconcile_NoSession_NoBackendCalls(t *testing.T) {
	mb := &mockBackend{
		getUserFn: func(ctx context.Context, accessToken, subjectID string) (*backend.UserRecord, error) {
			t.Error("GetUser must not be called without a session")
			return nil, nil
		},
	}
	var buf bytes.Buffer
	r := NewReconciler(mb, newTestLogger(&buf), nil, 0)

	tests := []struct {
		name string
		sess *model.Session
	}{
		{"nil session", nil},
		{"no token", &model.Session{Identity: model.Identity{SubjectID: "abc123"}}},
		{"no subject", &model.Session{AccessToken: "tok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Reconcile(context.Background(), tt.sess); !model.HasCode(err, model.ErrCodeUnauthorized) {
				t.Errorf("error = %v, want %s", err, model.ErrCodeUnauthorized)
			}
		})
	}
}

func TestSpawn_RunsInBackgroundAndSignalsDone(t *testing.T) {
	created := make(chan backend.UserRecord, 1)
	mb := &mockBackend{
		getUserFn: func(ctx context.Context, accessToken, subjectID string) (*backend.UserRecord, error) {
			return nil, backend.ErrUserNotFound
		},
		createUserFn: func(ctx context.Context, accessToken string, record backend.UserRecord) error {
			created <- record
			return nil
		},
	}
	var buf bytes.Buffer
	r := NewReconciler(mb, newTestLogger(&buf), nil, time.Second)

	select {
	case <-r.Spawn(testSession()):
	case <-time.After(2 * time.Second):
		t.Fatal("Spawn did not finish")
	}

	select {
	case rec := <-created:
		if rec.AuthID != "abc123" {
			t.Errorf("AuthID = %q, want %q", rec.AuthID, "abc123")
		}
	default:
		t.Fatal("expected CreateUser to be called")
	}
}

func TestSpawn_RecoversPanic(t *testing.T) {
	mb := &mockBackend{
		getUserFn: func(ctx context.Context, accessToken, subjectID string) (*backend.UserRecord, error) {
			panic("boom")
		},
	}
	var buf bytes.Buffer
	r := NewReconciler(mb, newTestLogger(&buf), nil, 0)

	select {
	case <-r.Spawn(testSession()):
	case <-time.After(2 * time.Second):
		t.Fatal("Spawn did not finish")
	}

	if !strings.Contains(buf.String(), "panic during user reconciliation") {
		t.Errorf("expected panic to be logged, got %s", buf.String())
	}
}

func TestSpawn_DetachedFromCallerContext(t *testing.T) {
	var gotErr error
	mb := &mockBackend{
		getUserFn: func(ctx context.Context, accessToken, subjectID string) (*backend.UserRecord, error) {
			gotErr = ctx.Err()
			return &backend.UserRecord{AuthID: subjectID}, nil
		},
	}
	var buf bytes.Buffer
	r := NewReconciler(mb, newTestLogger(&buf), nil, 0)

	<-r.Spawn(testSession())
	if gotErr != nil {
		t.Errorf("background context should be live, got %v", gotErr)
	}
}
