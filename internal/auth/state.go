// Package auth はセッションの確立と破棄を管理する認証コーディネーターを提供する。
//
// 状態は checking から authenticated または unauthenticated のいずれかへ遷移する。
// 入力はURLのトークン受け渡し、保存済みセッション、Identity Bridgeのメッセージの3種類。
package auth

import (
	"context"
	"net/url"

	"github.com/hitoshi/taskdesk/internal/model"
)

// State は認証状態を表す。
type State string

const (
	StateChecking        State = "checking"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
)

// Resolution はリクエストごとの認証状態の解決結果。
type Resolution struct {
	State   State
	Session *model.Session
	// CleanURL はURLからトークンパラメータを取り除いた遷移先。
	// nilでなければ呼び出し側はこのURLへリダイレクトする。
	CleanURL *url.URL
}

// Authenticated はセッションが確立済みかを返す。
func (r *Resolution) Authenticated() bool {
	return r != nil && r.State == StateAuthenticated
}

type resolutionKey struct{}

// ContextWithResolution は解決結果をコンテキストに格納する。
func ContextWithResolution(ctx context.Context, res *Resolution) context.Context {
	return context.WithValue(ctx, resolutionKey{}, res)
}

// ResolutionFromContext はコンテキストから解決結果を取得する。
func ResolutionFromContext(ctx context.Context) (*Resolution, bool) {
	res, ok := ctx.Value(resolutionKey{}).(*Resolution)
	return res, ok && res != nil
}
