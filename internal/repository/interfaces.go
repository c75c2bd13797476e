// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"
)

// ClientStorageRepository はブラウザ（クライアントID）ごとのキーバリューの永続化インターフェース。
// トークンストアのPostgreSQLバックエンドとして使用する。
type ClientStorageRepository interface {
	// Get は指定クライアントのキーに対応する値を取得する。見つからない場合はfalseを返す。
	Get(ctx context.Context, clientID, key string) (string, bool, error)

	// Set は値を冪等にUPSERTする。
	Set(ctx context.Context, clientID, key, value string) error

	// Delete は指定クライアントのキーを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, clientID, key string) error

	// DeleteStale はbefore以前に更新されたエントリを全て削除し、削除件数を返す。
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}
