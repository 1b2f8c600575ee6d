// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, conversion, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthExchangeFailed   = "AUTH_EXCHANGE_FAILED"
	ErrCodeUnsupportedType      = "UNSUPPORTED_TYPE"
	ErrCodeNoOpConversion       = "NO_OP_CONVERSION"
	ErrCodeConversionFailed     = "CONVERSION_FAILED"
	ErrCodeConversionInProgress = "CONVERSION_IN_PROGRESS"
	ErrCodeReconciliationFailed = "RECONCILIATION_FAILED"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeInvalidUpload        = "INVALID_UPLOAD"
	ErrCodeCSRFTokenInvalid     = "CSRF_TOKEN_INVALID"
)

// AsAPIError はerrチェーンからAPIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// HasCode はerrが指定コードのAPIErrorかどうかを判定する。
func HasCode(err error, code string) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}

// NewAuthExchangeFailedError はIdPとの認可コード交換失敗エラーを生成する。
// そのサインイン試行は終了し、ユーザーは未認証のまま残る。
func NewAuthExchangeFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthExchangeFailed,
		Message:  fmt.Sprintf("Sign-in failed: %s", reason),
		Category: "auth",
		Action:   "Try signing in again.",
	}
}

// NewUnsupportedTypeError は受け付けないMIMEタイプのファイルが選択された場合のエラーを生成する。
func NewUnsupportedTypeError(mimeType string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedType,
		Message:  "Chosen file type is not on the list of accepted types.",
		Category: "validation",
		Action:   fmt.Sprintf("Select a JPEG, PNG or WEBP image (got %q).", mimeType),
	}
}

// NewNoOpConversionError は変換元と変換先が同じ形式の場合のエラーを生成する。
func NewNoOpConversionError() *APIError {
	return &APIError{
		Code:     ErrCodeNoOpConversion,
		Message:  "File is already that type.",
		Category: "validation",
		Action:   "Choose a different target format.",
	}
}

// NewConversionFailedError はバックエンドが変換を拒否した場合のエラーを生成する。
// serverMessageはそのままユーザーに表示される。
func NewConversionFailedError(serverMessage string) *APIError {
	return &APIError{
		Code:     ErrCodeConversionFailed,
		Message:  serverMessage,
		Category: "conversion",
		Action:   "Select the file again or retry the conversion.",
	}
}

// NewConversionInProgressError は同一UIで変換が実行中の場合のエラーを生成する。
func NewConversionInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeConversionInProgress,
		Message:  "A conversion is already running.",
		Category: "conversion",
		Action:   "Wait for the current conversion to finish.",
	}
}

// NewReconciliationFailedError はバックエンドへのユーザー登録が失敗した場合のエラーを生成する。
// ログ専用でありUIには表示しない。
func NewReconciliationFailedError(subjectID string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeReconciliationFailed,
		Message:  fmt.Sprintf("user reconciliation failed for %s: %v", subjectID, cause),
		Category: "system",
		Action:   "",
	}
}

// NewUnauthorizedError は有効なセッションがない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication required.",
		Category: "auth",
		Action:   "Sign in and try again.",
	}
}

// NewInvalidUploadError はアップロードされたフォームが不正な場合のエラーを生成する。
func NewInvalidUploadError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUpload,
		Message:  fmt.Sprintf("Invalid upload: %s", reason),
		Category: "validation",
		Action:   "Select an image file and a target format.",
	}
}

// NewCSRFError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFTokenInvalid,
		Message:  "CSRF token validation failed.",
		Category: "auth",
		Action:   "Reload the page and try again.",
	}
}
