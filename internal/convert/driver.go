package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maciej-peta/oauth-chmury/internal/backend"
	"github.com/maciej-peta/oauth-chmury/internal/metrics"
	"github.com/maciej-peta/oauth-chmury/internal/model"
)

// ErrNoSession はセッションまたはアクセストークンがない状態で変換しようとしたことを示す。
var ErrNoSession = model.NewUnauthorizedError()

// unreachableMessage はバックエンドに到達できなかった場合に表示するメッセージ。
const unreachableMessage = "Conversion service is unavailable."

// Converter は変換APIのインターフェース。*backend.Clientが満たす。
type Converter interface {
	Convert(ctx context.Context, accessToken, sourceMIME, targetMIME string, data []byte) ([]byte, string, error)
}

// Driver は変換APIの呼び出しを駆動する。
// 同一subjectにつき同時に1件だけ変換を実行する。リトライはしない。
type Driver struct {
	converter Converter
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	timeout   time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewDriver はDriverを生成する。timeoutが0の場合は変換呼び出しにタイムアウトを設けない。
func NewDriver(c Converter, mc metrics.MetricsCollector, logger *slog.Logger, timeout time.Duration) *Driver {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		converter: c,
		metrics:   mc,
		logger:    logger,
		timeout:   timeout,
		inFlight:  make(map[string]struct{}),
	}
}

// Run はジョブを変換先タイプへ変換し、ダウンロード用のファイルを返す。
// 変換先が変換元と同じ場合はネットワーク呼び出しを行わずNO_OP_CONVERSIONを返す。
// 非2xxレスポンスはサーバーのテキストをそのままメッセージとするCONVERSION_FAILEDになる。
func (d *Driver) Run(ctx context.Context, sess *model.Session, job *Job, targetType string) (*Download, error) {
	if !sess.HasToken() {
		return nil, ErrNoSession
	}
	if job == nil || !IsAllowed(job.SourceType) {
		d.metrics.RecordConversion(metrics.ConversionUnsupported)
		if job == nil {
			return nil, model.NewInvalidUploadError("no file selected")
		}
		return nil, model.NewUnsupportedTypeError(job.SourceType)
	}

	targetType = NormalizeType(targetType)
	if !IsAllowed(targetType) {
		d.metrics.RecordConversion(metrics.ConversionUnsupported)
		return nil, model.NewUnsupportedTypeError(targetType)
	}
	if targetType == job.SourceType {
		d.metrics.RecordConversion(metrics.ConversionNoOp)
		return nil, model.NewNoOpConversionError()
	}

	key := sess.Identity.SubjectID
	if !d.acquire(key) {
		d.metrics.RecordConversion(metrics.ConversionInProgress)
		return nil, model.NewConversionInProgressError()
	}
	defer d.release(key)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	logger := d.logger.With(
		slog.String("job_id", job.ID),
		slog.String("subject_id", key),
		slog.String("source", job.SourceType),
		slog.String("target", targetType),
	)
	logger.Info("conversion started", slog.Int("bytes", len(job.Data)))

	start := time.Now()
	data, contentType, err := d.converter.Convert(ctx, sess.AccessToken, job.SourceType, targetType, job.Data)
	d.metrics.RecordConversionLatency(time.Since(start))
	if err != nil {
		d.metrics.RecordConversion(metrics.ConversionFailed)
		logger.Warn("conversion failed", slog.String("error", err.Error()))
		return nil, model.NewConversionFailedError(failureMessage(err))
	}

	d.metrics.RecordConversion(metrics.ConversionSuccess)
	logger.Info("conversion finished", slog.Int("bytes", len(data)))

	return &Download{
		FileName:    DownloadFileName(job.FileName, targetType),
		ContentType: contentType,
		Data:        data,
	}, nil
}

// InFlight は指定subjectの変換が実行中かを返す。
func (d *Driver) InFlight(subjectID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[subjectID]
	return ok
}

func (d *Driver) acquire(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[key]; busy {
		return false
	}
	d.inFlight[key] = struct{}{}
	return true
}

func (d *Driver) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, key)
}

// failureMessage は画面に表示する変換失敗メッセージを組み立てる。
// サーバーがテキストを返した場合はそのまま使う。
func failureMessage(err error) string {
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Body != "" {
			return statusErr.Body
		}
		return fmt.Sprintf("Server returned %d", statusErr.StatusCode)
	}
	return unreachableMessage
}
