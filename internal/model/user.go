// Package model はドメインモデルを定義する。
package model

import "time"

// SessionStrategyStatelessSigned は署名付きCookieのみでセッションを表現する方式。
// サーバー側にセッションテーブルを持たない。
const SessionStrategyStatelessSigned = "stateless-signed"

// Identity はIdPが発行したユーザー識別情報を表す。
// セッション中は不変。SubjectIDがバックエンドのユーザーレコードの主キーとなる。
type Identity struct {
	SubjectID  string
	Name       string
	Email      string
	PictureURL string
}

// Session はユーザーのログインセッションを表す。
// 発行後は変更されず、再ログインで丸ごと置き換えられるかサインアウトで破棄される。
type Session struct {
	Identity    Identity
	AccessToken string
	Strategy    string
	ExpiresAt   time.Time
}

// HasToken はバックエンド呼び出しに使えるアクセストークンを持つかを判定する。
func (s *Session) HasToken() bool {
	return s != nil && s.AccessToken != ""
}
