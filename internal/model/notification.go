package model

// NotificationLevel は通知の種類を表す。
type NotificationLevel string

const (
	NotificationSuccess NotificationLevel = "success"
	NotificationError   NotificationLevel = "error"
	NotificationInfo    NotificationLevel = "info"
)

// Notification はユーザーに一度だけ表示する一時的な通知。
type Notification struct {
	Level   NotificationLevel `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
}

// NewErrorNotification はAPIErrorから失敗通知を生成する。
func NewErrorNotification(title string, err *APIError) *Notification {
	return &Notification{Level: NotificationError, Title: title, Message: err.Message}
}
