// Package backend は変換APIバックエンドのHTTPクライアントを提供する。
// すべての呼び出しはセッションのアクセストークンをBearerとして付与する。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// DefaultAccountTypeID は新規ユーザー作成時のアカウント種別。
const DefaultAccountTypeID = "1"

// maxErrorBodySize はエラーレスポンスとして読み取る本文の上限。
const maxErrorBodySize = 64 << 10

// ErrUserNotFound はバックエンドにユーザーが存在しない（404）ことを示す。
var ErrUserNotFound = errors.New("user not found")

// ErrMissingToken はアクセストークンなしで呼び出されたことを示す。
var ErrMissingToken = errors.New("access token is required")

// StatusError はバックエンドが想定外のステータスを返したことを表す。
// Bodyはサーバーが返したテキストをそのまま保持する。
type StatusError struct {
	StatusCode int
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// UserRecord はバックエンドが保持するユーザーレコード。
type UserRecord struct {
	AuthID        string `json:"auth_id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	AccountTypeID string `json:"account_type_id"`
}

// Client は変換APIバックエンドのクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLの末尾のスラッシュは取り除く。
func NewClient(httpClient *http.Client, baseURL string, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// GetUser はsubject識別子でユーザーを取得する。
// 404の場合はErrUserNotFound、それ以外の非200は*StatusErrorを返す。
// 200の本文がJSONとして読めない場合もsubjectIDだけを持つレコードを返す。
func (c *Client) GetUser(ctx context.Context, accessToken, subjectID string) (*UserRecord, error) {
	endpoint := c.baseURL + "/users/" + url.PathEscape(subjectID)

	resp, err := c.do(ctx, http.MethodGet, endpoint, accessToken, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUserNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, readStatusError(resp)
	}

	// 200は登録済み。本文はレコードとして読めなくても存在の判定には影響しない
	record := UserRecord{AuthID: subjectID}
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		c.logger.Debug("user response body is not a user record",
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		return &UserRecord{AuthID: subjectID}, nil
	}
	return &record, nil
}

// CreateUser はユーザーレコードを作成する。2xx以外は*StatusErrorを返す。
func (c *Client) CreateUser(ctx context.Context, accessToken string, record UserRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/users", accessToken, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readStatusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Convert は画像バイト列を変換APIに送り、変換後のバイト列とContent-Typeを返す。
// エンドポイントは /{変換元サブタイプ}/{変換先サブタイプ}。
func (c *Client) Convert(ctx context.Context, accessToken, sourceMIME, targetMIME string, data []byte) ([]byte, string, error) {
	endpoint := c.baseURL + "/" + Subtype(sourceMIME) + "/" + Subtype(targetMIME)

	resp, err := c.do(ctx, http.MethodPost, endpoint, accessToken, sourceMIME, bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", readStatusError(resp)
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read converted file: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = targetMIME
	}
	return out, contentType, nil
}

// do はBearerトークンを付与してリクエストを実行する。
func (c *Client) do(ctx context.Context, method, endpoint, accessToken, contentType string, body io.Reader) (*http.Response, error) {
	if accessToken == "" {
		return nil, ErrMissingToken
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build backend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("backend request failed",
			slog.String("method", method),
			slog.String("endpoint", req.URL.Path),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	return resp, nil
}

// Subtype はMIMEタイプのサブタイプ部分を返す（"image/png" → "png"）。
func Subtype(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	mime = strings.TrimSpace(mime)
	if i := strings.IndexByte(mime, '/'); i >= 0 {
		return mime[i+1:]
	}
	return mime
}

func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return &StatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
