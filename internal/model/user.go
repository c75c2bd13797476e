// Package model はドメインモデルを定義する。
package model

import "time"

// Role はトークンのroleクレームで表されるユーザー権限を表す。
// 空文字列はロール指定なしを意味する。
type Role string

const (
	RoleNone  Role = ""
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User は外部IdP（Atlas）から受け取ったユーザー情報を表す。
// register-or-link呼び出しでローカルのユーザーレコードに反映される。
type User struct {
	ExternalID string
	Email      string
	Username   string
	Role       Role
}

// Linkable はregister-or-link呼び出しに必要な最低限の情報（IDとメール）を持つかを判定する。
func (u *User) Linkable() bool {
	return u != nil && u.ExternalID != "" && u.Email != ""
}

// LocalUser はローカルREST APIが保持するユーザーレコードを表す。
type LocalUser struct {
	ID         string
	Username   string
	Email      string
	ExternalID string
}

// Session はブラウザごとの認証セッションを表す。
// ExpiresAtとRoleはアクセストークンのペイロードから導出される。
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Role         Role
}

// ValidAt は指定時刻においてセッションが有効かどうかを返す。
// now < ExpiresAt の場合のみ有効とする。
func (s *Session) ValidAt(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return now.Before(s.ExpiresAt)
}
