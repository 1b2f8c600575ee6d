package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maciej-peta/oauth-chmury/internal/convert"
	"github.com/maciej-peta/oauth-chmury/internal/metrics"
	"github.com/maciej-peta/oauth-chmury/internal/middleware"
)

// LoginPath はログイン入口のパス。RouteGuardのリダイレクト先。
const LoginPath = "/api/auth/signin"

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// セッション
	SessionReader middleware.SessionReader
	SessionWriter SessionWriter

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig
	CSRFConfig  middleware.CSRFConfig

	// レスポンスヘッダー
	SecurityHeaders middleware.SecurityHeadersConfig

	// ルートガード
	ProtectedPaths []string

	// ユーザー照合
	Reconciler UserReconciler

	// 変換
	Driver        *convert.Driver
	MaxUploadSize int64
	RateLimiter   *middleware.RateLimiter

	// 観測
	Logger         *slog.Logger
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → SessionLoader → Logging → Metrics → RouteGuard → CSRF
//
// RouteGuardはルート解決より前に全リクエストへ適用する。
// ヘルスチェックとメトリクスはCSRFの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	mc := deps.Metrics
	if mc == nil {
		mc = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(mc))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.SecurityHeaders))
	r.Use(middleware.NewSessionLoader(deps.SessionReader))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(mc))
	r.Use(middleware.NewRouteGuard(deps.ProtectedPaths, LoginPath, mc).Middleware())

	// --- 運用エンドポイント ---
	r.Get("/api/health", Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.SessionWriter, mc, deps.AuthConfig)
	pageHandler := NewPageHandler(deps.Reconciler)
	convertHandler := NewConvertHandler(deps.Driver, deps.MaxUploadSize)

	// --- ブラウザ向けルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		// ページ
		r.Get("/", pageHandler.Index)
		r.Get("/user-info", pageHandler.UserInfo)
		r.Handle("/static/*", StaticHandler())

		// 認証ルート（OAuthフロー）
		r.Route("/api/auth", func(r chi.Router) {
			r.Get("/signin", authHandler.SignIn)
			r.Get("/callback/auth0", authHandler.Callback)
			r.Post("/signout", authHandler.SignOut)
			r.Get("/session", authHandler.Session)
			r.Get("/csrf", middleware.NewCSRFTokenHandler().ServeHTTP)
		})

		// 変換（認証必須・subjectごとのレート制限）
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRequireSession())
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.ConvertMiddleware())
			}
			r.Post("/api/convert", convertHandler.Convert)
		})
	})

	return r
}
