// Package tokenstore はブラウザごとのベアラートークン（access/refresh）の永続化を提供する。
//
// Storeは検証を行わない。有効期限の判定はtokenパッケージの責務。
package tokenstore

import (
	"context"
	"fmt"

	"github.com/hitoshi/taskdesk/internal/model"
	"github.com/hitoshi/taskdesk/internal/token"
)

// 永続化キー
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// KeyValue は文字列キーバリューの永続化インターフェース。
// Getはキーが存在しない場合に空文字列を返す。
type KeyValue interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Store は2つのトークンをKeyValueに保存・読み出し・削除する。
type Store struct {
	kv KeyValue
}

// New はKeyValueをラップしたStoreを生成する。
func New(kv KeyValue) *Store {
	return &Store{kv: kv}
}

// Save はセッションのトークンを保存する。
func (s *Store) Save(ctx context.Context, session *model.Session) error {
	if err := s.kv.Set(ctx, KeyAccessToken, session.AccessToken); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	if err := s.kv.Set(ctx, KeyRefreshToken, session.RefreshToken); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// Load は保存済みのセッションを返す。どちらかのトークンが無い場合はnilを返す。
// ExpiresAtとRoleはアクセストークンから導出し、デコードできない場合はゼロ値のままにする。
func (s *Store) Load(ctx context.Context) (*model.Session, error) {
	access, err := s.kv.Get(ctx, KeyAccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}
	refresh, err := s.kv.Get(ctx, KeyRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if access == "" || refresh == "" {
		return nil, nil
	}

	session := &model.Session{
		AccessToken:  access,
		RefreshToken: refresh,
	}
	if claims, err := token.Decode(access); err == nil {
		session.ExpiresAt = claims.ExpiresAt
		session.Role = claims.Role
	}

	return session, nil
}

// Clear は両方のトークンを削除する。何も保存されていなくてもエラーにしない。
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeyAccessToken); err != nil {
		return fmt.Errorf("failed to clear access token: %w", err)
	}
	if err := s.kv.Delete(ctx, KeyRefreshToken); err != nil {
		return fmt.Errorf("failed to clear refresh token: %w", err)
	}
	return nil
}
