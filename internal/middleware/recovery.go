package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/maciej-peta/oauth-chmury/internal/metrics"
)

// NewRecoveryMiddleware はハンドラーのpanicを回復し、INTERNAL_ERRORの500を返す。
// 内側のメトリクスミドルウェアはpanicで記録を飛ばされるため、ここで500を記録する。
func NewRecoveryMiddleware(mc metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("panic recovered",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("subject_id", subjectFromRequest(r)),
					slog.String("stack", string(debug.Stack())),
				)
				mc.RecordHTTPStatus(http.StatusInternalServerError)
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
