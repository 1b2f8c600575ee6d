// Package user はバックエンド上のユーザーレコードの遅延登録を提供する。
// 照合はセッション付きのメイン画面表示ごとに1回、参照→未登録なら作成の順で行う。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/maciej-peta/oauth-chmury/internal/backend"
	"github.com/maciej-peta/oauth-chmury/internal/metrics"
	"github.com/maciej-peta/oauth-chmury/internal/model"
)

// Backend はユーザーレコードを保持するバックエンドのインターフェース。
type Backend interface {
	GetUser(ctx context.Context, accessToken, subjectID string) (*backend.UserRecord, error)
	CreateUser(ctx context.Context, accessToken string, record backend.UserRecord) error
}

// Logger は照合結果の出力先。*slog.Loggerが満たす。
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Reconciler はセッションのsubjectがバックエンドに登録済みかを確認し、未登録なら作成する。
// 同時に複数回走っても重複排除はしない（バックエンド側で冪等に扱う前提）。
type Reconciler struct {
	backend Backend
	logger  Logger
	metrics metrics.MetricsCollector
	timeout time.Duration
}

// NewReconciler はReconcilerを生成する。
// timeoutが0の場合、バックグラウンド実行にタイムアウトを設けない。
func NewReconciler(b Backend, logger Logger, mc metrics.MetricsCollector, timeout time.Duration) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Reconciler{
		backend: b,
		logger:  logger,
		metrics: mc,
		timeout: timeout,
	}
}

// Reconcile は照合を1回実行する。
// 200なら何もしない。404ならPOST /usersで作成する（失敗してもリトライしない）。
// それ以外の参照失敗では作成を試みない。
// 返すエラーはログ用であり、画面には伝播させないこと。
func (r *Reconciler) Reconcile(ctx context.Context, sess *model.Session) error {
	if !sess.HasToken() || sess.Identity.SubjectID == "" {
		return model.NewUnauthorizedError()
	}
	subjectID := sess.Identity.SubjectID

	_, err := r.backend.GetUser(ctx, sess.AccessToken, subjectID)
	if err == nil {
		r.logger.Debug("user already registered", slog.String("subject_id", subjectID))
		r.metrics.RecordReconciliation(metrics.ReconcileExists)
		return nil
	}

	if !errors.Is(err, backend.ErrUserNotFound) {
		r.logger.Error("user lookup failed",
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordReconciliation(metrics.ReconcileLookupFailed)
		return model.NewReconciliationFailedError(subjectID, err)
	}

	record := backend.UserRecord{
		AuthID:        subjectID,
		Name:          sess.Identity.Name,
		Email:         sess.Identity.Email,
		AccountTypeID: backend.DefaultAccountTypeID,
	}
	if err := r.backend.CreateUser(ctx, sess.AccessToken, record); err != nil {
		r.logger.Error("user creation failed",
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordReconciliation(metrics.ReconcileCreateFailed)
		return model.NewReconciliationFailedError(subjectID, err)
	}

	r.logger.Info("user registered", slog.String("subject_id", subjectID))
	r.metrics.RecordReconciliation(metrics.ReconcileCreated)
	return nil
}

// Spawn は照合をバックグラウンドで開始し、完了時にcloseされるチャネルを返す。
// リクエストのコンテキストとは切り離して実行するため、レスポンス送信後も継続する。
// パニックは回復してログに記録する。
func (r *Reconciler) Spawn(sess *model.Session) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("panic during user reconciliation",
					slog.String("error", fmt.Sprintf("%v", rec)),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()

		ctx := context.Background()
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}

		// 結果はReconcile内でログ済み
		_ = r.Reconcile(ctx, sess)
	}()

	return done
}
