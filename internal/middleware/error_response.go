package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/maciej-peta/oauth-chmury/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteError はerrがAPIErrorならそのまま、それ以外は内部エラーとして書き込む。
func WriteError(w http.ResponseWriter, statusCode int, err error) {
	if apiErr, ok := model.AsAPIError(err); ok {
		WriteErrorResponse(w, statusCode, apiErr)
		return
	}
	WriteInternalServerError(w)
}

// StatusForError はAPIErrorのコードに対応するHTTPステータスを返す。
func StatusForError(err error) int {
	apiErr, ok := model.AsAPIError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch apiErr.Code {
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeUnsupportedType:
		return http.StatusUnsupportedMediaType
	case model.ErrCodeNoOpConversion, model.ErrCodeInvalidUpload:
		return http.StatusBadRequest
	case model.ErrCodeConversionInProgress:
		return http.StatusConflict
	case model.ErrCodeConversionFailed:
		return http.StatusBadGateway
	case model.ErrCodeAuthExchangeFailed:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Please wait a moment and try again.",
	})
}
