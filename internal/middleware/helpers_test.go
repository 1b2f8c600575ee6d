package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/maciej-peta/oauth-chmury/internal/model"
	"github.com/maciej-peta/oauth-chmury/internal/session"
)

// withSession はsubjectを持つセッションをリクエストコンテキストに注入する。
func withSession(r *http.Request, subject string) *http.Request {
	sess := &model.Session{
		Identity:    model.Identity{SubjectID: subject},
		AccessToken: "tok-" + subject,
		Strategy:    model.SessionStrategyStatelessSigned,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	return r.WithContext(session.NewContext(r.Context(), sess))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// fakeMetrics は記録された値を保持するMetricsCollector。
type fakeMetrics struct {
	mu          sync.Mutex
	conversions []string
	redirects   int
	statuses    []int
}

func (f *fakeMetrics) RecordSignIn(bool)                      {}
func (f *fakeMetrics) RecordReconciliation(string)            {}
func (f *fakeMetrics) RecordConversionLatency(time.Duration) {}

func (f *fakeMetrics) RecordConversion(outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversions = append(f.conversions, outcome)
}

func (f *fakeMetrics) RecordGuardRedirect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirects++
}

func (f *fakeMetrics) RecordHTTPStatus(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, code)
}
