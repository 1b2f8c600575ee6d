package session

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/maciej-peta/oauth-chmury/internal/model"
)

// CookieName はセッショントークンを保持するCookieの名前。
const CookieName = "session_token"

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Domain string
	Secure bool
}

// Store はリクエストのCookieから現在のセッションを導出する。
// メモリ上に状態を持たないため、複数プロセスで共有せずに水平スケールできる。
type Store struct {
	codec  *Codec
	cookie CookieConfig
}

// NewStore はStoreを生成する。
func NewStore(codec *Codec, cookie CookieConfig) *Store {
	return &Store{
		codec:  codec,
		cookie: cookie,
	}
}

// Current はリクエストのセッションCookieを検証して現在のセッションを返す。
// Cookieがない場合や検証に失敗した場合はnilを返し、エラーにはしない。
func (s *Store) Current(r *http.Request) *model.Session {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	sess, err := s.codec.Decode(cookie.Value)
	if err != nil {
		slog.Debug("session cookie rejected", slog.String("error", err.Error()))
		return nil
	}
	return sess
}

// Save はセッションを署名してCookieに書き込む。
// Cookieの有効期間はセッションの有効期限に合わせる。
func (s *Store) Save(w http.ResponseWriter, sess *model.Session) error {
	token, err := s.codec.Encode(sess)
	if err != nil {
		return err
	}

	maxAge := int(math.Ceil(time.Until(sess.ExpiresAt).Seconds()))
	if maxAge < 1 {
		maxAge = 1
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Domain:   s.cookie.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear はセッションCookieを削除する。
func (s *Store) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey struct{}

// NewContext はセッションを格納したコンテキストを返す。
// 1リクエストにつき1回、セッションローダーミドルウェアから呼ばれる。
func NewContext(ctx context.Context, sess *model.Session) context.Context {
	return context.WithValue(ctx, contextKey{}, sess)
}

// FromContext はコンテキストからセッションを取り出す。
// 未認証の場合はnilを返す。
func FromContext(ctx context.Context) *model.Session {
	sess, _ := ctx.Value(contextKey{}).(*model.Session)
	return sess
}
