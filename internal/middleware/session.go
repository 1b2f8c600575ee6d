// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"net/http"

	"github.com/maciej-peta/oauth-chmury/internal/model"
	"github.com/maciej-peta/oauth-chmury/internal/session"
)

// SessionReader はリクエストから現在のセッションを導出するインターフェース。
// *session.Storeが満たす。
type SessionReader interface {
	Current(r *http.Request) *model.Session
}

// NewSessionLoader はセッションCookieを1回だけ検証し、結果をリクエストコンテキストに格納する。
// 未認証でもリクエストは拒否しない（拒否はRouteGuardとRequireSessionの役割）。
func NewSessionLoader(reader SessionReader) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := reader.Current(r)
			if sess == nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), sess)))
		})
	}
}

// NewRequireSession はAPI用の認証必須ミドルウェアを返す。
// セッションがない場合は401とUNAUTHORIZEDのJSONエラーを返す。
// NewSessionLoaderの後に配置すること。
func NewRequireSession() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !session.FromContext(r.Context()).HasToken() {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// subjectFromRequest はセッションのsubjectを返す。未認証なら空文字列。
func subjectFromRequest(r *http.Request) string {
	if sess := session.FromContext(r.Context()); sess != nil {
		return sess.Identity.SubjectID
	}
	return ""
}
