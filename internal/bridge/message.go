// Package bridge はAtlasの埋め込みiframe（Identity Bridge）とホストページ間の
// メッセージ契約を定義する。
//
// ページ上のスクリプトはwindowのmessageイベントを {origin, data} の形で
// そのままサーバーへ中継する。オリジンの検証とメッセージの解釈はサーバー側で行う。
package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/hitoshi/taskdesk/internal/model"
)

// メッセージ種別タグ
const (
	TypeIframeHeight    = "ATLAS_IFRAME_HEIGHT"
	TypeAuthSuccess     = "ATLAS_AUTH_SUCCESS"
	TypeRegisterSuccess = "ATLAS_REGISTER_SUCCESS"
	TypeAuthError       = "ATLAS_AUTH_ERROR"
)

var (
	// ErrUntrustedOrigin は送信元オリジンが固定のプロバイダーオリジンと一致しない場合のエラー。
	// 呼び出し側はこのメッセージを黙って破棄する。
	ErrUntrustedOrigin = errors.New("message from untrusted origin")
	// ErrUnknownType は未知の種別タグを持つメッセージのエラー。
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidPayload はメッセージ本体を解釈できない場合のエラー。
	ErrInvalidPayload = errors.New("invalid message payload")
)

// Envelope はページから中継されるmessageイベントの内容。
type Envelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// Message はブリッジメッセージのタグ付きユニオン。
// 実装はこのパッケージ内の4種類に限られる。
type Message interface {
	Type() string
	isMessage()
}

// Tokens はプロバイダーが発行したトークンの組。
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// Complete は両方のトークンが揃っているかを返す。
func (t *Tokens) Complete() bool {
	return t != nil && t.AccessToken != "" && t.RefreshToken != ""
}

// HeightMessage はiframeのリサイズ通知。
type HeightMessage struct {
	Height int
}

// AuthSuccessMessage はログイン成功通知。Userは再ログイン時に省略される。
type AuthSuccessMessage struct {
	Tokens *Tokens
	User   *model.User
}

// RegisterSuccessMessage は登録成功通知。Tokensは省略されることがある。
type RegisterSuccessMessage struct {
	Tokens *Tokens
	User   *model.User
}

// AuthErrorMessage は認証エラー通知。
type AuthErrorMessage struct {
	Description string
}

func (HeightMessage) Type() string          { return TypeIframeHeight }
func (AuthSuccessMessage) Type() string     { return TypeAuthSuccess }
func (RegisterSuccessMessage) Type() string { return TypeRegisterSuccess }
func (AuthErrorMessage) Type() string       { return TypeAuthError }

func (HeightMessage) isMessage()          {}
func (AuthSuccessMessage) isMessage()     {}
func (RegisterSuccessMessage) isMessage() {}
func (AuthErrorMessage) isMessage()       {}

// wireData はdataの全種別共通のJSON表現。
type wireData struct {
	Type   string          `json:"type"`
	Height json.Number     `json:"height"`
	Tokens *wireTokens     `json:"tokens"`
	User   *wireUser       `json:"user"`
	Error  json.RawMessage `json:"error"`
}

type wireTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type wireUser struct {
	ID       json.RawMessage `json:"id"`
	Email    string          `json:"email"`
	Username string          `json:"username"`
	Role     string          `json:"role"`
}

// Decode はオリジンを検証してからメッセージを種別ごとの型に変換する。
// pinnedOriginと完全一致しないオリジンはErrUntrustedOriginで拒否する。
func Decode(env Envelope, pinnedOrigin string) (Message, error) {
	if pinnedOrigin == "" || env.Origin != pinnedOrigin {
		return nil, fmt.Errorf("%w: %q", ErrUntrustedOrigin, env.Origin)
	}

	var data wireData
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch data.Type {
	case TypeIframeHeight:
		h, err := data.Height.Float64()
		if err != nil || h < 0 {
			return nil, fmt.Errorf("%w: height must be a non-negative integer", ErrInvalidPayload)
		}
		return HeightMessage{Height: int(math.Ceil(h))}, nil
	case TypeAuthSuccess:
		return AuthSuccessMessage{Tokens: data.Tokens.toTokens(), User: data.User.toUser()}, nil
	case TypeRegisterSuccess:
		return RegisterSuccessMessage{Tokens: data.Tokens.toTokens(), User: data.User.toUser()}, nil
	case TypeAuthError:
		return AuthErrorMessage{Description: errorDescription(data.Error)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, data.Type)
	}
}

func (t *wireTokens) toTokens() *Tokens {
	if t == nil {
		return nil
	}
	return &Tokens{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}
}

func (u *wireUser) toUser() *model.User {
	if u == nil {
		return nil
	}
	return &model.User{
		ExternalID: rawID(u.ID),
		Email:      u.Email,
		Username:   u.Username,
		Role:       model.Role(u.Role),
	}
}

// rawID は数値または文字列のIDを文字列に変換する。
func rawID(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// errorDescription はerrorフィールド（{message}または文字列）から説明文を取り出す。
func errorDescription(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// 埋め込みモード
const (
	ModeLogin    = "login"
	ModeRegister = "register"
)

// EmbedURL はAtlasの埋め込みページURL（<origin>/embed/<mode>/<projectID>）を生成する。
func EmbedURL(origin, mode, projectID string) (string, error) {
	if mode != ModeLogin && mode != ModeRegister {
		return "", fmt.Errorf("unsupported embed mode: %s", mode)
	}
	if projectID == "" {
		return "", fmt.Errorf("project ID is required")
	}
	return url.JoinPath(origin, "embed", mode, projectID)
}
