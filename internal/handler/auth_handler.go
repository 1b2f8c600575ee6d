// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/maciej-peta/oauth-chmury/internal/auth"
	"github.com/maciej-peta/oauth-chmury/internal/metrics"
	"github.com/maciej-peta/oauth-chmury/internal/middleware"
	"github.com/maciej-peta/oauth-chmury/internal/model"
	"github.com/maciej-peta/oauth-chmury/internal/session"
)

const oauthStateCookie = "oauth_state"

// signInErrorParam はサインイン失敗時にログイン画面へ渡すクエリパラメータ。
const signInErrorParam = "error"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*model.Session, error)
}

// SessionWriter はセッションCookieの書き込みと破棄を行うインターフェース。
// *session.Storeが満たす。
type SessionWriter interface {
	Save(w http.ResponseWriter, sess *model.Session) error
	Clear(w http.ResponseWriter)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL      string
	CookieSecure bool
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	store   SessionWriter
	metrics metrics.MetricsCollector
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, store SessionWriter, mc metrics.MetricsCollector, config AuthHandlerConfig) *AuthHandler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &AuthHandler{
		service: service,
		store:   store,
		metrics: mc,
		config:  config,
	}
}

// SignIn はOAuthフローを開始する。
// GET /api/auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	state, err := auth.GenerateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/api/auth",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /api/auth/callback/auth0?code=xxx&state=yyy
//
// 成功時はセッションCookieを書き込んでトップへリダイレクトする。
// 失敗時はセッションを書き込まず、エラー付きでログイン画面へ戻す。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.Bool("has_cookie", err == nil))
		if err == nil {
			h.clearStateCookie(w)
		}
		h.failSignIn(w, r)
		return
	}

	// stateは1回限り
	h.clearStateCookie(w)

	// IdPがエラーを返した場合（同意拒否など）
	if idpErr := r.URL.Query().Get("error"); idpErr != "" {
		slog.Warn("identity provider returned an error",
			slog.String("error", idpErr),
			slog.String("description", r.URL.Query().Get("error_description")),
		)
		h.failSignIn(w, r)
		return
	}

	// 2. 認可コードの交換
	sess, err := h.service.HandleCallback(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		h.failSignIn(w, r)
		return
	}

	// 3. セッションCookieを設定
	if err := h.store.Save(w, sess); err != nil {
		slog.Error("failed to save session", slog.String("error", err.Error()))
		h.failSignIn(w, r)
		return
	}

	h.metrics.RecordSignIn(true)
	http.Redirect(w, r, h.config.BaseURL+"/", http.StatusTemporaryRedirect)
}

// SignOut はセッションCookieを破棄する。
// POST /api/auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if sess := session.FromContext(r.Context()); sess != nil {
		slog.Info("user signed out", slog.String("subject_id", sess.Identity.SubjectID))
	}
	h.store.Clear(w)
	http.Redirect(w, r, h.config.BaseURL+"/", http.StatusSeeOther)
}

// sessionResponse は現在のセッションのJSON表現。アクセストークンは含めない。
type sessionResponse struct {
	User    *sessionUser `json:"user"`
	Expires string       `json:"expires,omitempty"`
}

type sessionUser struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"image,omitempty"`
}

// Session は現在のセッションのユーザー情報を返す。未認証時はuserがnull。
// GET /api/auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{}
	if sess := session.FromContext(r.Context()); sess.HasToken() {
		resp.User = &sessionUser{
			ID:      sess.Identity.SubjectID,
			Name:    sess.Identity.Name,
			Email:   sess.Identity.Email,
			Picture: sess.Identity.PictureURL,
		}
		resp.Expires = sess.ExpiresAt.UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(resp)
}

func (h *AuthHandler) failSignIn(w http.ResponseWriter, r *http.Request) {
	h.metrics.RecordSignIn(false)
	http.Redirect(w, r, h.config.BaseURL+"/?"+signInErrorParam+"="+model.ErrCodeAuthExchangeFailed, http.StatusSeeOther)
}

func (h *AuthHandler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/api/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
