// Package user はローカルユーザープロフィールのドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/taskdesk/internal/model"
)

// GuestName はプロフィールを取得できない場合の表示名。
const GuestName = "Guest"

// ProfileFetcher はローカルREST APIのプロフィール取得インターフェース。
type ProfileFetcher interface {
	Profile(ctx context.Context, accessToken string) (*model.LocalUser, error)
}

// Registrar はローカルREST APIのregister-or-linkインターフェース。
type Registrar interface {
	Register(ctx context.Context, user model.User) (*model.LocalUser, error)
}

// IdentityProvider は外部IdPのユーザー情報取得インターフェース。
type IdentityProvider interface {
	Me(ctx context.Context, accessToken string) (*model.User, error)
}

// Service はプロフィール取得のサービス層。
// ローカルにユーザーレコードが無い場合はIdPのプロフィールからregister-or-linkを1回行う。
type Service struct {
	profiles  ProfileFetcher
	registrar Registrar
	identity  IdentityProvider
}

// NewService はServiceの新しいインスタンスを生成する。identityがnilの場合は復旧を行わない。
func NewService(profiles ProfileFetcher, registrar Registrar, identity IdentityProvider) *Service {
	return &Service{
		profiles:  profiles,
		registrar: registrar,
		identity:  identity,
	}
}

// Profile はアクセストークンに紐づくローカルユーザーを返す。
func (s *Service) Profile(ctx context.Context, accessToken string) (*model.LocalUser, error) {
	// 1. ローカルプロフィールを取得
	local, err := s.profiles.Profile(ctx, accessToken)
	if err == nil {
		return local, nil
	}
	if model.StatusOf(err) != http.StatusNotFound || s.identity == nil {
		return nil, err
	}

	slog.Info("ローカルユーザーが存在しないため、IdPのプロフィールからリンクします")

	// 2. IdPのプロフィールを取得
	user, meErr := s.identity.Me(ctx, accessToken)
	if meErr != nil {
		return nil, fmt.Errorf("IdPプロフィールの取得に失敗しました: %w", meErr)
	}
	if !user.Linkable() {
		return nil, err
	}

	// 3. register-or-link
	local, err = s.registrar.Register(ctx, *user)
	if err != nil {
		return nil, fmt.Errorf("ユーザーのリンクに失敗しました: %w", err)
	}

	slog.Info("ローカルユーザーをリンクしました",
		slog.String("user_id", local.ID),
	)

	return local, nil
}

// DisplayName はプロフィールの表示名を返す。取得できない場合はGuestNameを返す。
func DisplayName(local *model.LocalUser) string {
	if local == nil || local.Username == "" {
		return GuestName
	}
	return local.Username
}
