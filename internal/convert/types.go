// Package convert は単一ファイルの画像変換リクエストを駆動する。
// 受け付けるMIMEタイプの検証、変換APIの呼び出し、ダウンロード名の生成を行う。
package convert

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/maciej-peta/oauth-chmury/internal/backend"
	"github.com/maciej-peta/oauth-chmury/internal/model"
)

// 受け付けるMIMEタイプ
const (
	TypeJPEG = "image/jpeg"
	TypePNG  = "image/png"
	TypeWebP = "image/webp"
)

// AllowedTypes は変換元・変換先として受け付けるMIMEタイプの一覧（表示順）。
var AllowedTypes = []string{TypeJPEG, TypePNG, TypeWebP}

// IsAllowed はMIMEタイプが受け付け対象かを判定する。
func IsAllowed(mimeType string) bool {
	for _, t := range AllowedTypes {
		if t == mimeType {
			return true
		}
	}
	return false
}

// NormalizeType はContent-Typeのパラメータを落として小文字化する。
// "image/jpg"はimage/jpegとして扱う。
func NormalizeType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	t := strings.ToLower(strings.TrimSpace(contentType))
	if t == "image/jpg" || t == "image/pjpeg" {
		return TypeJPEG
	}
	return t
}

// Job は1回の変換リクエストを表す。永続化しない。
type Job struct {
	ID         string
	FileName   string
	SourceType string
	Data       []byte
}

// NewJob はJobを生成する。受け付け対象外のMIMEタイプはUNSUPPORTED_TYPEエラー。
func NewJob(fileName, sourceType string, data []byte) (*Job, error) {
	sourceType = NormalizeType(sourceType)
	if !IsAllowed(sourceType) {
		return nil, model.NewUnsupportedTypeError(sourceType)
	}
	return &Job{
		ID:         uuid.New().String(),
		FileName:   fileName,
		SourceType: sourceType,
		Data:       data,
	}, nil
}

// Download は変換結果としてブラウザに返すファイル。
type Download struct {
	FileName    string
	ContentType string
	Data        []byte
}

var extPattern = regexp.MustCompile(`\.[^.]+$`)

// DownloadFileName は元のファイル名の拡張子を変換先のサブタイプに置き換える。
// 拡張子がない場合は付け足す（photo.jpg → photo.png）。
func DownloadFileName(original, targetType string) string {
	ext := "." + backend.Subtype(targetType)
	if original == "" {
		return "converted" + ext
	}
	if extPattern.MatchString(original) {
		return extPattern.ReplaceAllLiteralString(original, ext)
	}
	return original + ext
}
