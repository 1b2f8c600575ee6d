package handler

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maciej-peta/oauth-chmury/internal/convert"
	"github.com/maciej-peta/oauth-chmury/internal/middleware"
	"github.com/maciej-peta/oauth-chmury/internal/model"
	"github.com/maciej-peta/oauth-chmury/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// ページ名
const (
	pageLogin    = "login"
	pageMain     = "main"
	pageUserInfo = "user_info"
)

var pages = parsePages(pageLogin, pageMain, pageUserInfo)

// parsePages はページごとにレイアウトと本文テンプレートを組み合わせる。
// 全ページが"content"を定義するため、ページ単位で別のテンプレートセットにする。
func parsePages(names ...string) map[string]*template.Template {
	out := make(map[string]*template.Template, len(names))
	for _, name := range names {
		out[name] = template.Must(template.ParseFS(templateFS,
			"templates/layout.html", "templates/"+name+".html"))
	}
	return out
}

// UserReconciler はメイン画面の表示時にバックエンドのユーザーレコードを照合する。
// *user.Reconcilerが満たす。
type UserReconciler interface {
	Spawn(sess *model.Session) <-chan struct{}
}

// formatOption は変換先セレクトボックスの選択肢。
type formatOption struct {
	MIME  string
	Label string
}

type pageData struct {
	Title     string
	Error     string
	User      model.Identity
	ExpiresAt string
	CSRFToken string
	Formats   []formatOption
	Accept    string
}

// PageHandler はサーバーサイドレンダリングのページを提供する。
type PageHandler struct {
	reconciler UserReconciler
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(reconciler UserReconciler) *PageHandler {
	return &PageHandler{reconciler: reconciler}
}

// Index はログイン画面またはメイン画面を返す。
// GET /
//
// セッションがある場合はユーザー照合をバックグラウンドで開始する。
// 照合の結果は待たず、失敗してもページ表示には影響しない。
func (h *PageHandler) Index(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if !sess.HasToken() {
		data := pageData{Title: "Sign in"}
		if r.URL.Query().Get(signInErrorParam) != "" {
			data.Error = "Sign-in failed. Please try again."
		}
		h.render(w, pageLogin, data)
		return
	}

	h.reconciler.Spawn(sess)

	h.render(w, pageMain, pageData{
		Title:     "Image format converter",
		User:      sess.Identity,
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
		Formats:   formatOptions(),
		Accept:    strings.Join(convert.AllowedTypes, ", "),
	})
}

// UserInfo はログインユーザーのプロフィール画面を返す。
// GET /user-info（RouteGuardで保護される）
func (h *PageHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if !sess.HasToken() {
		http.Redirect(w, r, "/api/auth/signin", http.StatusTemporaryRedirect)
		return
	}

	h.render(w, pageUserInfo, pageData{
		Title:     "User info",
		User:      sess.Identity,
		ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC1123),
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
	})
}

// render はテンプレートをバッファに描画してから書き込む。
// 描画に失敗した場合は不完全なHTMLを書き込まない。
func (h *PageHandler) render(w http.ResponseWriter, page string, data pageData) {
	var buf bytes.Buffer
	if err := pages[page].ExecuteTemplate(&buf, "layout", data); err != nil {
		slog.Error("failed to render page",
			slog.String("page", page),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	buf.WriteTo(w)
}

// StaticHandler は埋め込みの静的ファイル（スクリプトとスタイル）を返す。
// GET /static/*
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

func formatOptions() []formatOption {
	opts := make([]formatOption, 0, len(convert.AllowedTypes))
	for _, t := range convert.AllowedTypes {
		label := strings.ToUpper(strings.TrimPrefix(t, "image/"))
		if t == convert.TypeJPEG {
			label = "JPG"
		}
		opts = append(opts, formatOption{MIME: t, Label: label})
	}
	return opts
}
