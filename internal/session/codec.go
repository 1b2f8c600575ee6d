// Package session は署名付きCookieによるステートレスなセッション保持を提供する。
// サーバー側にセッションテーブルを持たず、リクエストごとにCookieを検証して復元する。
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maciej-peta/oauth-chmury/internal/model"
)

// defaultIssuer はセッショントークンのiss claim。
const defaultIssuer = "imgconv-web"

// VerificationError はセッショントークンの検証失敗を表す。
// 呼び出し側はいずれの理由でも「セッションなし」として扱うこと。
type VerificationError struct {
	Reason string
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session verification failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("session verification failed (%s)", e.Reason)
}

// Unwrap は原因エラーを返す。
func (e *VerificationError) Unwrap() error {
	return e.Err
}

// 検証失敗の理由
const (
	ReasonEmpty      = "empty"
	ReasonInvalid    = "invalid"
	ReasonExpired    = "expired"
	ReasonIncomplete = "incomplete"
)

// sessionClaims はセッショントークンに格納するclaim。
// subはIdPのsubject識別子。
type sessionClaims struct {
	jwt.RegisteredClaims
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Picture     string `json:"picture,omitempty"`
	AccessToken string `json:"access_token"`
	Strategy    string `json:"strategy"`
}

// Codec はセッションをHS256署名付きJWTとしてエンコード・デコードする。
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewCodec はCodecを生成する。secretはSESSION_SECRETの値。
func NewCodec(secret []byte) *Codec {
	return &Codec{
		secret: secret,
		issuer: defaultIssuer,
		now:    time.Now,
	}
}

// Encode はセッションを署名付きトークン文字列に変換する。
// subject、アクセストークン、有効期限のいずれかが欠けている場合はエラーを返す。
func (c *Codec) Encode(s *model.Session) (string, error) {
	if s == nil || s.Identity.SubjectID == "" || s.AccessToken == "" {
		return "", errors.New("session must carry subject and access token")
	}
	if s.ExpiresAt.IsZero() {
		return "", errors.New("session must carry an expiry")
	}

	now := c.now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.Identity.SubjectID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
		Name:        s.Identity.Name,
		Email:       s.Identity.Email,
		Picture:     s.Identity.PictureURL,
		AccessToken: s.AccessToken,
		Strategy:    model.SessionStrategyStatelessSigned,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session: %w", err)
	}
	return token, nil
}

// Decode はトークン文字列を検証してセッションを復元する。
// 署名不正・期限切れ・形式不正はすべて*VerificationErrorとして返す。
func (c *Codec) Decode(token string) (*model.Session, error) {
	if token == "" {
		return nil, &VerificationError{Reason: ReasonEmpty}
	}

	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &VerificationError{Reason: ReasonExpired, Err: err}
		}
		return nil, &VerificationError{Reason: ReasonInvalid, Err: err}
	}

	if claims.Subject == "" || claims.AccessToken == "" {
		return nil, &VerificationError{Reason: ReasonIncomplete}
	}

	return &model.Session{
		Identity: model.Identity{
			SubjectID:  claims.Subject,
			Name:       claims.Name,
			Email:      claims.Email,
			PictureURL: claims.Picture,
		},
		AccessToken: claims.AccessToken,
		Strategy:    model.SessionStrategyStatelessSigned,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}
