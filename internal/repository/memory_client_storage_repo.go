package repository

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	updatedAt time.Time
}

// MemoryClientStorageRepo はプロセス内メモリを使用したクライアントストレージリポジトリ。
// ローカル開発とテストで使用する。
type MemoryClientStorageRepo struct {
	mu      sync.RWMutex
	entries map[string]map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryClientStorageRepo はMemoryClientStorageRepoを生成する。
func NewMemoryClientStorageRepo() *MemoryClientStorageRepo {
	return &MemoryClientStorageRepo{
		entries: make(map[string]map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get は指定クライアントのキーに対応する値を取得する。
func (r *MemoryClientStorageRepo) Get(ctx context.Context, clientID, key string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[clientID][key]
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set は値を保存する。
func (r *MemoryClientStorageRepo) Set(ctx context.Context, clientID, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[clientID] == nil {
		r.entries[clientID] = make(map[string]memoryEntry)
	}
	r.entries[clientID][key] = memoryEntry{value: value, updatedAt: r.now()}
	return nil
}

// Delete は指定クライアントのキーを削除する。
func (r *MemoryClientStorageRepo) Delete(ctx context.Context, clientID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries[clientID], key)
	if len(r.entries[clientID]) == 0 {
		delete(r.entries, clientID)
	}
	return nil
}

// DeleteStale はbefore以前に更新されたエントリを削除する。
func (r *MemoryClientStorageRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for clientID, kv := range r.entries {
		for key, e := range kv {
			if e.updatedAt.Before(before) {
				delete(kv, key)
				deleted++
			}
		}
		if len(kv) == 0 {
			delete(r.entries, clientID)
		}
	}
	return deleted, nil
}

// compile-time interface check
var _ ClientStorageRepository = (*MemoryClientStorageRepo)(nil)
