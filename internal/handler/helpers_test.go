package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maciej-peta/oauth-chmury/internal/convert"
	"github.com/maciej-peta/oauth-chmury/internal/model"
	"github.com/maciej-peta/oauth-chmury/internal/session"
)

// --- モック定義 ---

type mockAuthService struct {
	getLoginURLFn    func(state string) string
	handleCallbackFn func(ctx context.Context, code string) (*model.Session, error)
}

func (m *mockAuthService) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return "https://idp.example.com/authorize?state=" + state
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, code)
	}
	return testSession("auth0|abc123"), nil
}

type mockSessionWriter struct {
	saveFn  func(w http.ResponseWriter, sess *model.Session) error
	saved   []*model.Session
	cleared int
}

func (m *mockSessionWriter) Save(w http.ResponseWriter, sess *model.Session) error {
	if m.saveFn != nil {
		if err := m.saveFn(w, sess); err != nil {
			return err
		}
	}
	m.saved = append(m.saved, sess)
	return nil
}

func (m *mockSessionWriter) Clear(w http.ResponseWriter) {
	m.cleared++
}

type mockReconciler struct {
	mu       sync.Mutex
	subjects []string
}

func (m *mockReconciler) Spawn(sess *model.Session) <-chan struct{} {
	m.mu.Lock()
	m.subjects = append(m.subjects, sess.Identity.SubjectID)
	m.mu.Unlock()
	done := make(chan struct{})
	close(done)
	return done
}

func (m *mockReconciler) spawned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subjects...)
}

type mockConverter struct {
	calls     atomic.Int32
	convertFn func(ctx context.Context, accessToken, sourceMIME, targetMIME string, data []byte) ([]byte, string, error)
}

func (m *mockConverter) Convert(ctx context.Context, accessToken, sourceMIME, targetMIME string, data []byte) ([]byte, string, error) {
	m.calls.Add(1)
	if m.convertFn != nil {
		return m.convertFn(ctx, accessToken, sourceMIME, targetMIME, data)
	}
	return []byte("converted:" + string(data)), targetMIME, nil
}

type signInRecorder struct {
	mu      sync.Mutex
	results []bool
}

func (s *signInRecorder) RecordSignIn(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, success)
}
func (s *signInRecorder) RecordReconciliation(string)           {}
func (s *signInRecorder) RecordConversion(string)               {}
func (s *signInRecorder) RecordConversionLatency(time.Duration) {}
func (s *signInRecorder) RecordGuardRedirect()                  {}
func (s *signInRecorder) RecordHTTPStatus(int)                  {}

// --- ヘルパー ---

func testSession(subject string) *model.Session {
	return &model.Session{
		Identity: model.Identity{
			SubjectID:  subject,
			Name:       "Ann",
			Email:      "ann@example.com",
			PictureURL: "https://cdn.example.com/ann.png",
		},
		AccessToken: "access-" + subject,
		Strategy:    model.SessionStrategyStatelessSigned,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func withSession(r *http.Request, sess *model.Session) *http.Request {
	return r.WithContext(session.NewContext(r.Context(), sess))
}

func newTestDriver(c convert.Converter) *convert.Driver {
	return convert.NewDriver(c, nil, slog.New(slog.NewJSONHandler(io.Discard, nil)), 0)
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}
