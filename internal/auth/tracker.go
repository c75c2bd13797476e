package auth

import (
	"sync"
	"time"
)

// TrackerConfig はTrackerの設定を保持する。
type TrackerConfig struct {
	StaleAfter      time.Duration // この時間を過ぎた進行中エントリは無視する
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultTrackerConfig はデフォルトの設定を返す。
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		StaleAfter:      time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// inFlight はクライアントごとの進行中のregister-or-link呼び出しを表す。
type inFlight struct {
	count     int
	startedAt time.Time
}

// Tracker はクライアントIDごとに進行中のregister-or-link呼び出しを記録する。
// 呼び出し中の同一クライアントからのリクエストは checking として扱われる。
type Tracker struct {
	config TrackerConfig

	mu      sync.Mutex
	entries map[string]*inFlight
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTracker は新しいTrackerを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewTracker(config TrackerConfig) *Tracker {
	t := &Tracker{
		config:  config,
		entries: make(map[string]*inFlight),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	go t.cleanupLoop()

	return t
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Begin は呼び出しの開始を記録する。
func (t *Tracker) Begin(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[clientID]
	if !ok || t.stale(e) {
		e = &inFlight{}
		t.entries[clientID] = e
	}
	e.count++
	e.startedAt = t.now()
}

// End は呼び出しの終了を記録する。
func (t *Tracker) End(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[clientID]
	if !ok {
		return
	}
	e.count--
	if e.count <= 0 {
		delete(t.entries, clientID)
	}
}

// InFlight は指定クライアントの呼び出しが進行中かを返す。
func (t *Tracker) InFlight(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[clientID]
	return ok && e.count > 0 && !t.stale(e)
}

// Forget は指定クライアントの記録を破棄する。
func (t *Tracker) Forget(clientID string) {
	t.mu.Lock()
	delete(t.entries, clientID)
	t.mu.Unlock()
}

// Count は現在記録されているクライアント数を返す。テスト用。
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) stale(e *inFlight) bool {
	return t.config.StaleAfter > 0 && t.now().Sub(e.startedAt) > t.config.StaleAfter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (t *Tracker) cleanupLoop() {
	interval := t.config.CleanupInterval
	if interval <= 0 {
		interval = DefaultTrackerConfig().CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanup()
		case <-t.stopCh:
			return
		}
	}
}

// cleanup はStaleAfterを超えたエントリを削除する。
func (t *Tracker) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for clientID, e := range t.entries {
		if t.stale(e) {
			delete(t.entries, clientID)
		}
	}
}
