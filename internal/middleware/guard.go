package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/maciej-peta/oauth-chmury/internal/metrics"
	"github.com/maciej-peta/oauth-chmury/internal/model"
	"github.com/maciej-peta/oauth-chmury/internal/session"
)

// Decision はルートガードの判定結果。
type Decision int

const (
	// DecisionAllow はリクエストをそのまま通す。
	DecisionAllow Decision = iota
	// DecisionRedirectToLogin はログイン入口へリダイレクトする。
	DecisionRedirectToLogin
)

// String は判定結果の名前を返す。
func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "ALLOW"
	case DecisionRedirectToLogin:
		return "REDIRECT_TO_LOGIN"
	default:
		return "UNKNOWN"
	}
}

// RouteGuard は保護パスへの未認証アクセスをログイン入口へリダイレクトする。
// ネットワーク呼び出しは行わず、コンテキスト上の検証済みセッションのみを参照する。
type RouteGuard struct {
	prefixes  []string
	loginPath string
	metrics   metrics.MetricsCollector
}

// NewRouteGuard はRouteGuardを生成する。空のプレフィックスは無視する。
func NewRouteGuard(protectedPrefixes []string, loginPath string, mc metrics.MetricsCollector) *RouteGuard {
	prefixes := make([]string, 0, len(protectedPrefixes))
	for _, p := range protectedPrefixes {
		if p != "" {
			prefixes = append(prefixes, p)
		}
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &RouteGuard{
		prefixes:  prefixes,
		loginPath: loginPath,
		metrics:   mc,
	}
}

// IsProtected はパスが保護パスのいずれかで始まるかを判定する。
func (g *RouteGuard) IsProtected(path string) bool {
	for _, p := range g.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Decide はパスとセッションから判定を下す。
func (g *RouteGuard) Decide(path string, sess *model.Session) Decision {
	if g.IsProtected(path) && !sess.HasToken() {
		return DecisionRedirectToLogin
	}
	return DecisionAllow
}

// Middleware はルートガードのミドルウェアを返す。
// リダイレクトは307で、ログイン後の戻り先パラメータは付与しない。
func (g *RouteGuard) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g.Decide(r.URL.Path, session.FromContext(r.Context())) == DecisionRedirectToLogin {
				slog.Debug("redirecting unauthenticated request to login",
					slog.String("path", r.URL.Path),
				)
				g.metrics.RecordGuardRedirect()
				http.Redirect(w, r, g.loginPath, http.StatusTemporaryRedirect)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
