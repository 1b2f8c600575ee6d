package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/maciej-peta/oauth-chmury/internal/convert"
	"github.com/maciej-peta/oauth-chmury/internal/middleware"
	"github.com/maciej-peta/oauth-chmury/internal/model"
	"github.com/maciej-peta/oauth-chmury/internal/session"
)

// DefaultMaxUploadSize はアップロードサイズ上限のデフォルト値（10MiB）。
const DefaultMaxUploadSize int64 = 10 << 20

// sniffLen はContent-Type推定に使う先頭バイト数。
const sniffLen = 512

// multipartSlack はファイル本体以外のマルチパート部分（境界、パートヘッダー、targetフィールド）に許す上限。
const multipartSlack int64 = 64 << 10

// ConvertHandler は画像変換エンドポイントのHTTPハンドラー。
type ConvertHandler struct {
	driver        *convert.Driver
	maxUploadSize int64
}

// NewConvertHandler はConvertHandlerを生成する。
// maxUploadSizeが0以下の場合はDefaultMaxUploadSizeを使う。
func NewConvertHandler(driver *convert.Driver, maxUploadSize int64) *ConvertHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	return &ConvertHandler{
		driver:        driver,
		maxUploadSize: maxUploadSize,
	}
}

// Convert はアップロードされた画像を変換して添付ファイルとして返す。
// POST /api/convert（multipart: file, target）
func (h *ConvertHandler) Convert(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if !sess.HasToken() {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	// 実行中の変換があれば本文を読む前に断る
	if h.driver.InFlight(sess.Identity.SubjectID) {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewConversionInProgressError())
		return
	}

	bodyLimit := h.maxUploadSize + multipartSlack
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || r.ContentLength > bodyLimit {
			h.writeTooLarge(w)
			return
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidUploadError("malformed multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidUploadError("missing file"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		slog.Warn("failed to read uploaded file", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidUploadError("unreadable file"))
		return
	}
	if int64(len(data)) > h.maxUploadSize {
		h.writeTooLarge(w)
		return
	}

	form := convert.NewForm(h.driver)
	dl, err := runForm(r, sess, form, header.Filename, partContentType(header, data), data)
	if err != nil {
		logRejected(sess.Identity.SubjectID, form, err)
		middleware.WriteError(w, middleware.StatusForError(err), err)
		return
	}

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.FileName}))
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(dl.Data)
}

// runForm は選択、変換先の指定、変換の順にフォームを進める。
func runForm(r *http.Request, sess *model.Session, form *convert.Form, fileName, sourceType string, data []byte) (*convert.Download, error) {
	if err := form.SelectFile(fileName, sourceType, data); err != nil {
		return nil, err
	}
	if err := form.SetTarget(r.FormValue("target")); err != nil {
		return nil, err
	}
	return form.Convert(r.Context(), sess)
}

// logRejected は変換が成立しなかったリクエストを、フォームが止まった状態とともに記録する。
// バックエンドの失敗はWARN、入力の不備はINFOとする。
func logRejected(subjectID string, form *convert.Form, err error) {
	attrs := []any{
		slog.String("subject_id", subjectID),
		slog.String("state", string(form.State())),
		slog.String("error", err.Error()),
	}
	if model.HasCode(err, model.ErrCodeConversionFailed) {
		slog.Warn("conversion failed", attrs...)
		return
	}
	slog.Info("conversion request rejected", attrs...)
}

func (h *ConvertHandler) writeTooLarge(w http.ResponseWriter) {
	middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge,
		model.NewInvalidUploadError("file exceeds "+strconv.FormatInt(h.maxUploadSize, 10)+" bytes"))
}

// partContentType はパートヘッダーのContent-Typeを返す。
// 未指定または汎用的なタイプの場合は内容から推定する。
func partContentType(header *multipart.FileHeader, data []byte) string {
	ct := convert.NormalizeType(header.Header.Get("Content-Type"))
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	n := len(data)
	if n > sniffLen {
		n = sniffLen
	}
	return convert.NormalizeType(http.DetectContentType(data[:n]))
}
