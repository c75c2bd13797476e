// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, task, system
	Action   string // ユーザー向け対処方法
	Status   int    // 上流APIのHTTPステータス（不明な場合は0）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUpstream        = "UPSTREAM_ERROR"
	ErrCodeTaskNotFound    = "TASK_NOT_FOUND"
	ErrCodeTitleRequired   = "TITLE_REQUIRED"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeLinkFailed      = "LINK_FAILED"
	ErrCodeTokensMissing   = "TOKENS_MISSING"
	ErrCodeUserDataMissing = "USER_DATA_MISSING"
	ErrCodeInvalidMessage  = "INVALID_MESSAGE"
)

// NewUpstreamError はローカルREST APIが2xx以外を返した場合のエラーを生成する。
// messageにはサーバーが返したメッセージをそのまま格納する。
func NewUpstreamError(status int, message string) *APIError {
	if message == "" {
		message = http.StatusText(status)
	}
	code := ErrCodeUpstream
	category := "system"
	action := "しばらく待ってから再度お試しください。"
	switch status {
	case http.StatusNotFound:
		code = ErrCodeTaskNotFound
		category = "task"
		action = "一覧を再読み込みしてください。"
	case http.StatusUnauthorized, http.StatusForbidden:
		code = ErrCodeUnauthorized
		category = "auth"
		action = "ログインし直してください。"
	}
	return &APIError{
		Code:     code,
		Message:  message,
		Category: category,
		Action:   action,
		Status:   status,
	}
}

// NewTitleRequiredError はタスクタイトル未入力エラーを生成する。
func NewTitleRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTitleRequired,
		Message:  "Please input task title!",
		Category: "validation",
		Action:   "タイトルを入力してください。",
	}
}

// NewTokensMissingError はブリッジメッセージにトークンが含まれない場合のエラーを生成する。
func NewTokensMissingError() *APIError {
	return &APIError{
		Code:     ErrCodeTokensMissing,
		Message:  "Authentication failed: Tokens not received.",
		Category: "auth",
		Action:   "もう一度ログインしてください。",
	}
}

// NewUserDataMissingError は登録完了メッセージにユーザー情報が含まれない場合のエラーを生成する。
func NewUserDataMissingError() *APIError {
	return &APIError{
		Code:     ErrCodeUserDataMissing,
		Message:  "Registration failed: Required user data not received from Atlas.",
		Category: "auth",
		Action:   "もう一度登録してください。",
	}
}

// NewLinkFailedError はregister-or-link呼び出しの失敗エラーを生成する。
// causeが*APIErrorの場合はサーバーのメッセージを引き継ぐ。
func NewLinkFailedError(cause error) *APIError {
	message := "Failed to process authentication. Please try again."
	status := 0
	var apiErr *APIError
	if errors.As(cause, &apiErr) {
		message = apiErr.Message
		status = apiErr.Status
	}
	return &APIError{
		Code:     ErrCodeLinkFailed,
		Message:  message,
		Category: "auth",
		Action:   "もう一度ログインしてください。",
		Status:   status,
	}
}

// NewInvalidMessageError は解釈できないブリッジメッセージのエラーを生成する。
func NewInvalidMessageError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMessage,
		Message:  fmt.Sprintf("無効なメッセージです: %s", reason),
		Category: "validation",
		Action:   "ページを再読み込みしてください。",
	}
}

// StatusOf はerrが*APIErrorの場合にその上流ステータスを返す。
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
