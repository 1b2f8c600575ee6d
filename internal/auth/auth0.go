package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// Auth0Config はAuth0(OIDC)プロバイダーの設定。
type Auth0Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	IssuerURL    string // 末尾スラッシュ付き（例: https://tenant.eu.auth0.com/）
	Audience     string
	Scope        string

	// nilの場合はhttp.DefaultClientを使う
	HTTPClient *http.Client
}

// Auth0Provider はAuth0の認可コードフローによる認証を提供する。
type Auth0Provider struct {
	oauth       *oauth2.Config
	audience    string
	userInfoURL string
	httpClient  *http.Client
}

// NewAuth0Provider はAuth0Providerを生成する。
// 認可・トークン・ユーザー情報の各エンドポイントはIssuerURLから導出する。
func NewAuth0Provider(cfg Auth0Config) *Auth0Provider {
	issuer := cfg.IssuerURL
	if !strings.HasSuffix(issuer, "/") {
		issuer += "/"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Auth0Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       strings.Fields(cfg.Scope),
			Endpoint: oauth2.Endpoint{
				AuthURL:   issuer + "authorize",
				TokenURL:  issuer + "oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		audience:    cfg.Audience,
		userInfoURL: issuer + "userinfo",
		httpClient:  httpClient,
	}
}

// GetLoginURL は認可エンドポイントへのURLを生成する。
// audienceを付与してバックエンドAPI向けのアクセストークンを要求する。
func (p *Auth0Provider) GetLoginURL(state string) string {
	var opts []oauth2.AuthCodeOption
	if p.audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", p.audience))
	}
	return p.oauth.AuthCodeURL(state, opts...)
}

// auth0UserInfo はユーザー情報エンドポイントのレスポンス。
type auth0UserInfo struct {
	Sub     string `json:"sub"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

// ExchangeCode は認可コードをアクセストークンに交換し、ユーザー情報を取得する。
func (p *Auth0Provider) ExchangeCode(ctx context.Context, code string) (*OAuthResult, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	// 1. 認可コードをアクセストークンに交換
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	// 2. アクセストークンでユーザー情報を取得
	info, err := p.fetchUserInfo(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	return &OAuthResult{
		AccessToken: token.AccessToken,
		Expiry:      token.Expiry,
		SubjectID:   info.Sub,
		Name:        info.Name,
		Email:       info.Email,
		PictureURL:  info.Picture,
	}, nil
}

// fetchUserInfo はアクセストークンでユーザー情報を取得する。
func (p *Auth0Provider) fetchUserInfo(ctx context.Context, accessToken string) (*auth0UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var info auth0UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}

	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in user info response")
	}

	return &info, nil
}

// compile-time interface check
var _ OAuthProvider = (*Auth0Provider)(nil)
