package convert

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maciej-peta/oauth-chmury/internal/backend"
	"github.com/maciej-peta/oauth-chmury/internal/model"
)

// --- モック定義 ---

type mockConverter struct {
	calls     atomic.Int32
	convertFn func(ctx context.Context, accessToken, sourceMIME, targetMIME string, data []byte) ([]byte, string, error)
}

func (m *mockConverter) Convert(ctx context.Context, accessToken, sourceMIME, targetMIME string, data []byte) ([]byte, string, error) {
	m.calls.Add(1)
	if m.convertFn != nil {
		return m.convertFn(ctx, accessToken, sourceMIME, targetMIME, data)
	}
	return []byte("converted"), targetMIME, nil
}

var _ Converter = (*mockConverter)(nil)
var _ Converter = (*backend.Client)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testSession(subject string) *model.Session {
	return &model.Session{
		Identity:    model.Identity{SubjectID: subject},
		AccessToken: "tok",
		Strategy:    model.SessionStrategyStatelessSigned,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func mustJob(t *testing.T, name, mime string) *Job {
	t.Helper()
	job, err := NewJob(name, mime, []byte("file-bytes"))
	if err != nil {
		t.Fatalf("NewJob() error = %v", err)
	}
	return job
}

// --- テスト ---

func TestDriver_Run_AgainstBackend_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jpeg/png" {
			t.Errorf("path = %s, want /jpeg/png", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "image/jpeg" {
			t.Errorf("Content-Type = %q, want image/jpeg", got)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer server.Close()

	client := backend.NewClient(server.Client(), server.URL, discardLogger())
	d := NewDriver(client, nil, discardLogger(), 0)

	dl, err := d.Run(context.Background(), testSession("abc123"), mustJob(t, "photo.jpg", TypeJPEG), TypePNG)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if dl.FileName != "photo.png" {
		t.Errorf("FileName = %q, want %q", dl.FileName, "photo.png")
	}
	if dl.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", dl.ContentType)
	}
	if !bytes.Equal(dl.Data, []byte("png-bytes")) {
		t.Errorf("Data = %q, want %q", dl.Data, "png-bytes")
	}
}

func TestDriver_Run_ServerTextSurfacedVerbatim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported codec", http.StatusBadRequest)
	}))
	defer server.Close()

	client := backend.NewClient(server.Client(), server.URL, discardLogger())
	d := NewDriver(client, nil, discardLogger(), 0)

	_, err := d.Run(context.Background(), testSession("abc123"), mustJob(t, "photo.webp", TypeWebP), TypeJPEG)

	apiErr, ok := model.AsAPIError(err)
	if !ok || apiErr.Code != model.ErrCodeConversionFailed {
		t.Fatalf("error = %v, want %s", err, model.ErrCodeConversionFailed)
	}
	if apiErr.Message != "unsupported codec" {
		t.Errorf("Message = %q, want %q", apiErr.Message, "unsupported codec")
	}
}

func TestDriver_Run_FailureMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"empty body", &backend.StatusError{StatusCode: http.StatusBadGateway}, "Server returned 502"},
		{"transport error", errors.New("dial tcp: connection refused"), unreachableMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := &mockConverter{
				convertFn: func(ctx context.Context, accessToken, sourceMIME, targetMIME string, data []byte) ([]byte, string, error) {
					return nil, "", tt.err
				},
			}
			d := NewDriver(mc, nil, discardLogger(), 0)

			_, err := d.Run(context.Background(), testSession("abc123"), mustJob(t, "a.png", TypePNG), TypeJPEG)
			apiErr, ok := model.AsAPIError(err)
			if !ok || apiErr.Message != tt.want {
				t.Errorf("error = %v, want message %q", err, tt.want)
			}
		})
	}
}

func TestDriver_Run_NoOp_NoNetworkCall(t *testing.T) {
	mc := &mockConverter{}
	d := NewDriver(mc, nil, discardLogger(), 0)

	_, err := d.Run(context.Background(), testSession("abc123"), mustJob(t, "a.png", TypePNG), TypePNG)
	if !model.HasCode(err, model.ErrCodeNoOpConversion) {
		t.Fatalf("error = %v, want %s", err, model.ErrCodeNoOpConversion)
	}
	if mc.calls.Load() != 0 {
		t.Errorf("converter calls = %d, want 0", mc.calls.Load())
	}
}

func TestDriver_Run_Rejections_NoNetworkCall(t *testing.T) {
	tests := []struct {
		name     string
		sess     *model.Session
		job      *Job
		target   string
		wantCode string
	}{
		{"no session", nil, &Job{SourceType: TypePNG}, TypeJPEG, model.ErrCodeUnauthorized},
		{"no token", &model.Session{Identity: model.Identity{SubjectID: "s"}}, &Job{SourceType: TypePNG}, TypeJPEG, model.ErrCodeUnauthorized},
		{"no job", testSession("s"), nil, TypeJPEG, model.ErrCodeInvalidUpload},
		{"unsupported source", testSession("s"), &Job{SourceType: "image/gif"}, TypeJPEG, model.ErrCodeUnsupportedType},
		{"unsupported target", testSession("s"), &Job{SourceType: TypePNG}, "image/bmp", model.ErrCodeUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := &mockConverter{}
			d := NewDriver(mc, nil, discardLogger(), 0)

			_, err := d.Run(context.Background(), tt.sess, tt.job, tt.target)
			if !model.HasCode(err, tt.wantCode) {
				t.Errorf("error = %v, want %s", err, tt.wantCode)
			}
			if mc.calls.Load() != 0 {
				t.Errorf("converter calls = %d, want 0", mc.calls.Load())
			}
		})
	}
}

func TestDriver_Run_SingleInFlightPerSubject(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	mc := &mockConverter{
		convertFn: func(ctx context.Context, accessToken, sourceMIME, targetMIME string, data []byte) ([]byte, string, error) {
			close(started)
			<-release
			return []byte("ok"), targetMIME, nil
		},
	}
	d := NewDriver(mc, nil, discardLogger(), 0)

	firstJob := mustJob(t, "a.png", TypePNG)
	firstDone := make(chan error, 1)
	go func() {
		_, err := d.Run(context.Background(), testSession("abc123"), firstJob, TypeJPEG)
		firstDone <- err
	}()
	<-started

	if !d.InFlight("abc123") {
		t.Error("expected conversion to be in flight")
	}

	_, err := d.Run(context.Background(), testSession("abc123"), mustJob(t, "b.png", TypePNG), TypeWebP)
	if !model.HasCode(err, model.ErrCodeConversionInProgress) {
		t.Errorf("second Run error = %v, want %s", err, model.ErrCodeConversionInProgress)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Run error = %v", err)
	}
	if d.InFlight("abc123") {
		t.Error("in-flight marker should be released")
	}
	if mc.calls.Load() != 1 {
		t.Errorf("converter calls = %d, want 1", mc.calls.Load())
	}
}

func TestDriver_Run_OtherSubjectsNotBlocked(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	mc := &mockConverter{
		convertFn: func(ctx context.Context, accessToken, sourceMIME, targetMIME string, data []byte) ([]byte, string, error) {
			started <- struct{}{}
			<-release
			return []byte("ok"), targetMIME, nil
		},
	}
	d := NewDriver(mc, nil, discardLogger(), 0)

	job := mustJob(t, "a.png", TypePNG)
	errs := make(chan error, 2)
	for _, subject := range []string{"alice", "bob"} {
		go func(subject string) {
			_, err := d.Run(context.Background(), testSession(subject), job, TypeJPEG)
			errs <- err
		}(subject)
	}
	<-started
	<-started
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Run error = %v", err)
		}
	}
}

func TestDriver_Run_TimeoutApplied(t *testing.T) {
	mc := &mockConverter{
		convertFn: func(ctx context.Context, accessToken, sourceMIME, targetMIME string, data []byte) ([]byte, string, error) {
			<-ctx.Done()
			return nil, "", ctx.Err()
		},
	}
	d := NewDriver(mc, nil, discardLogger(), 20*time.Millisecond)

	_, err := d.Run(context.Background(), testSession("abc123"), mustJob(t, "a.png", TypePNG), TypeJPEG)
	if !model.HasCode(err, model.ErrCodeConversionFailed) {
		t.Errorf("error = %v, want %s", err, model.ErrCodeConversionFailed)
	}
}
