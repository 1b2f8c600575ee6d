package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/maciej-peta/oauth-chmury/internal/metrics"
	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	ConvertRate     rate.Limit    // 変換のレート（req/sec）
	ConvertBurst    int           // 変換のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// ConvertRateLimiterConfig は1分あたりの変換回数からレート制限設定を作る。
// perMinuteが0以下の場合はデフォルトの30回/分とする。
func ConvertRateLimiterConfig(perMinute int) RateLimiterConfig {
	if perMinute <= 0 {
		perMinute = 30
	}
	return RateLimiterConfig{
		ConvertRate:     rate.Limit(float64(perMinute) / 60.0),
		ConvertBurst:    perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// subjectLimiter はsubjectごとのレートリミッターとアクセス時刻を保持する。
type subjectLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はセッションのsubjectごとに変換リクエストのレート制限を管理する。
type RateLimiter struct {
	config  RateLimiterConfig
	metrics metrics.MetricsCollector

	mu       sync.Mutex
	limiters map[string]*subjectLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, mc metrics.MetricsCollector) *RateLimiter {
	if mc == nil {
		mc = metrics.Nop{}
	}
	rl := &RateLimiter{
		config:   config,
		metrics:  mc,
		limiters: make(map[string]*subjectLimiter),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// ConvertMiddleware は変換エンドポイント用のレート制限ミドルウェアを返す。
// NewRequireSessionの後に配置すること。
func (rl *RateLimiter) ConvertMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := subjectFromRequest(r)
			if subject == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !rl.allow(subject) {
				rl.metrics.RecordConversion(metrics.ConversionRateLimited)
				slog.Warn("rate limit exceeded",
					slog.String("subject_id", subject),
					slog.String("limit_type", "convert"),
				)
				writeRateLimitResponse(w, rl.config.ConvertRate)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// allow はsubjectのリミッターからトークンを1つ消費できるかを返す。
func (rl *RateLimiter) allow(subject string) bool {
	rl.mu.Lock()
	sl, exists := rl.limiters[subject]
	if !exists {
		sl = &subjectLimiter{
			limiter: rate.NewLimiter(rl.config.ConvertRate, rl.config.ConvertBurst),
		}
		rl.limiters[subject] = sl
	}
	sl.lastAccess = time.Now()
	rl.mu.Unlock()

	return sl.limiter.Allow()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for subject, sl := range rl.limiters {
		if now.Sub(sl.lastAccess) > ttl {
			delete(rl.limiters, subject)
		}
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "Too many conversions. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
	})
}
