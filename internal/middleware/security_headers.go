package middleware

import "net/http"

// contentSecurityPolicy はページに許可するリソースの取得元。
// スクリプトは自オリジンの静的ファイルのみ、プロフィール画像はIdPのhttps URLを許可する。
const contentSecurityPolicy = "default-src 'self'; script-src 'self'; style-src 'self'; " +
	"img-src 'self' https: data: blob:; connect-src 'self'; form-action 'self'; frame-ancestors 'none'"

// strictTransportSecurity はhttpsで公開する場合のみ付与する。
const strictTransportSecurity = "max-age=31536000; includeSubDomains"

// SecurityHeadersConfig はセキュリティヘッダーの設定。
type SecurityHeadersConfig struct {
	// HTTPS はBASE_URLがhttpsの場合にtrue。HSTSを付与する。
	HTTPS bool
}

// NewSecurityHeadersMiddleware は全レスポンスにセキュリティヘッダーを付与する。
// 画像とページはIdPのプロフィール画像を除き自オリジンからのみ読み込む。
func NewSecurityHeadersMiddleware(config SecurityHeadersConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "same-origin")
			h.Set("Cross-Origin-Opener-Policy", "same-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Content-Security-Policy", contentSecurityPolicy)
			if config.HTTPS {
				h.Set("Strict-Transport-Security", strictTransportSecurity)
			}
			next.ServeHTTP(w, r)
		})
	}
}
