// Package app はアプリケーションの初期化と起動を行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maciej-peta/oauth-chmury/internal/auth"
	"github.com/maciej-peta/oauth-chmury/internal/backend"
	"github.com/maciej-peta/oauth-chmury/internal/config"
	"github.com/maciej-peta/oauth-chmury/internal/convert"
	"github.com/maciej-peta/oauth-chmury/internal/handler"
	"github.com/maciej-peta/oauth-chmury/internal/logger"
	"github.com/maciej-peta/oauth-chmury/internal/metrics"
	"github.com/maciej-peta/oauth-chmury/internal/middleware"
	"github.com/maciej-peta/oauth-chmury/internal/session"
	"github.com/maciej-peta/oauth-chmury/internal/user"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "3000"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if name, ok := unknownCommand(args); ok {
		slog.Warn("unknown command, starting web server",
			slog.String("command", name),
			slog.String("usage", Usage()),
		)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runServe(ctx, cfg)
}

// Components はNewComponentsで構築した依存関係。
type Components struct {
	Handler     http.Handler
	Registry    *prometheus.Registry
	RateLimiter *middleware.RateLimiter
}

// Close はバックグラウンドのリソースを解放する。
func (c *Components) Close() {
	c.RateLimiter.Stop()
}

// NewComponents は設定から全依存関係をワイヤリングし、HTTPハンドラーを構築する。
func NewComponents(cfg *config.Config, log *slog.Logger) (*Components, error) {
	if len(cfg.SessionSecret) < 32 {
		return nil, errors.New("SESSION_SECRET must be at least 32 bytes")
	}

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. バックエンドAPIクライアント
	// タイムアウトはDriverとReconcilerがコンテキストで設定する
	backendClient := backend.NewClient(&http.Client{}, cfg.BackendURL, log)

	// 3. 認証
	oauthProvider := auth.NewAuth0Provider(auth.Auth0Config{
		ClientID:     cfg.Auth0ClientID,
		ClientSecret: cfg.Auth0ClientSecret,
		RedirectURL:  cfg.RedirectURL(),
		IssuerURL:    cfg.IssuerURL(),
		Audience:     cfg.Auth0Audience,
		Scope:        cfg.Auth0Scope,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
	})
	authService := auth.NewService(oauthProvider, auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge})

	// 4. セッション
	store := session.NewStore(session.NewCodec([]byte(cfg.SessionSecret)), session.CookieConfig{
		Domain: cfg.CookieDomain,
		Secure: cfg.CookieSecure,
	})

	// 5. ドメインサービス
	reconciler := user.NewReconciler(backendClient, log, collector, cfg.BackendTimeout)
	driver := convert.NewDriver(backendClient, collector, log, cfg.BackendTimeout)
	limiter := middleware.NewRateLimiter(middleware.ConvertRateLimiterConfig(cfg.RateLimitConvert), collector)

	// 6. ルーター
	router := handler.NewRouter(&handler.RouterDeps{
		SessionReader: store,
		SessionWriter: store,
		AuthService:   authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:      cfg.BaseURL,
			CookieSecure: cfg.CookieSecure,
		},
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		SecurityHeaders: middleware.SecurityHeadersConfig{HTTPS: cfg.CookieSecure},
		ProtectedPaths:  cfg.ProtectedPaths,
		Reconciler:      reconciler,
		Driver:          driver,
		MaxUploadSize:   cfg.MaxUploadSize,
		RateLimiter:     limiter,
		Logger:          log,
		Metrics:         collector,
		MetricsHandler:  metrics.Handler(reg),
	})

	return &Components{
		Handler:     router,
		Registry:    reg,
		RateLimiter: limiter,
	}, nil
}

// runServe はWebサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	components, err := NewComponents(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer components.Close()

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           components.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// WriteTimeoutなし。変換の待ち時間はBACKEND_TIMEOUTで制御する
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	return serve(ctx, server, ln)
}

// serve はlnでHTTPサーバーを起動し、ctxのキャンセルでシャットダウンする。
// サーバーの異常終了とシャットダウンの失敗はいずれもエラーとして返す。
func serve(ctx context.Context, server *http.Server, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("web server starting", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down web server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /api/health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/api/health", port))
}

func checkHealth(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
