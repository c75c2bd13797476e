// Package cleanup はクライアントストレージ（client_storage）の定期削除ジョブを提供する。
// 一定期間更新されていないブラウザのトークンを削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StaleDeleter はbefore以前に更新されたエントリを削除するインターフェース。
type StaleDeleter interface {
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// Recorder は削除件数を記録するメトリクスのインターフェース。
type Recorder interface {
	RecordClientStorageCleanup(deleted int64)
}

// CleanupJob は保持期間を超過したクライアントストレージの削除ジョブ。
// 冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	repo     StaleDeleter
	logger   *slog.Logger
	recorder Recorder
	TTL      time.Duration // 最終更新からの保持期間（デフォルト: 30日）
	now      func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(repo StaleDeleter, logger *slog.Logger, recorder Recorder) *CleanupJob {
	return &CleanupJob{
		repo:     repo,
		logger:   logger,
		recorder: recorder,
		TTL:      30 * 24 * time.Hour,
		now:      time.Now,
	}
}

// Run は最終更新がTTLより古いエントリを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	before := j.now().Add(-j.TTL)

	deleted, err := j.repo.DeleteStale(ctx, before)
	if err != nil {
		j.logger.Error("クライアントストレージのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("ttl", j.TTL),
		)
		return fmt.Errorf("クライアントストレージのクリーンアップに失敗: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordClientStorageCleanup(deleted)
	}

	j.logger.Info("クライアントストレージのクリーンアップが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Duration("ttl", j.TTL),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、その後intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。個々の実行エラーはログに記録して継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Warn("初回クリーンアップに失敗しました。次回の周期で再試行します")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
