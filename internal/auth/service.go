// Package auth はOAuth認可コードフローによるセッション確立を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/maciej-peta/oauth-chmury/internal/model"
)

// OAuthResult はIdPとのコード交換で得られた結果を表す。
// SubjectIDはIdPの恒久的なユーザーキーで、メールアドレスではない。
type OAuthResult struct {
	AccessToken string
	Expiry      time.Time // ゼロ値の場合は有効期限不明
	SubjectID   string
	Name        string
	Email       string
	PictureURL  string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthResult, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間の上限（秒）
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth  OAuthProvider
	config ServiceConfig
	now    func() time.Time
}

// NewService はServiceを生成する。
func NewService(oauth OAuthProvider, config ServiceConfig) *Service {
	return &Service{
		oauth:  oauth,
		config: config,
		now:    time.Now,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback は認可コードを交換してセッションを構築する。
// 失敗時はAUTH_EXCHANGE_FAILEDの*model.APIErrorを返し、部分的なセッションは返さない。
// 有効期限はアクセストークンの期限とSessionMaxAgeのうち早い方。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	if code == "" {
		return nil, model.NewAuthExchangeFailedError("missing authorization code")
	}

	result, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		slog.Warn("oauth code exchange failed", slog.String("error", err.Error()))
		return nil, model.NewAuthExchangeFailedError(err.Error())
	}
	if result == nil || result.AccessToken == "" || result.SubjectID == "" {
		return nil, model.NewAuthExchangeFailedError("identity provider returned no token or subject")
	}

	now := s.now()
	expiresAt := now.Add(time.Duration(s.config.SessionMaxAge) * time.Second)
	if !result.Expiry.IsZero() && result.Expiry.Before(expiresAt) {
		expiresAt = result.Expiry
	}
	if !expiresAt.After(now) {
		return nil, model.NewAuthExchangeFailedError("access token already expired")
	}

	slog.Info("user signed in", slog.String("subject_id", result.SubjectID))

	return &model.Session{
		Identity: model.Identity{
			SubjectID:  result.SubjectID,
			Name:       result.Name,
			Email:      result.Email,
			PictureURL: result.PictureURL,
		},
		AccessToken: result.AccessToken,
		Strategy:    model.SessionStrategyStatelessSigned,
		ExpiresAt:   expiresAt,
	}, nil
}

// GenerateState はOAuthのstateパラメータ用の暗号的に安全な乱数文字列を生成する。
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
