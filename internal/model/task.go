package model

// Task は認証済みユーザーが所有するタスクを表す。
type Task struct {
	ID        string
	Title     string
	Completed bool
}

// TaskInput はタスクの作成・更新リクエストの内容。
// nilフィールドは送信しない（部分更新）。
type TaskInput struct {
	Title     *string
	Completed *bool
}
