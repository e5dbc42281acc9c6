package collab

import (
	"sync"
	"time"
)

// VersionRecord 是单个文档的版本状态：
// 单调递增的版本号 + 最近一次被应用变更的 id 和时间。
type VersionRecord struct {
	Version        uint64    `json:"version"`
	LastMutationID string    `json:"lastMutationId,omitempty"`
	LastMutatedAt  time.Time `json:"lastMutatedAt"`
}

// VersionStore 是"这个文档现在是第几版"的唯一事实来源。
// 显式注册表对象，由外部注入，不做包级全局状态（方便隔离测试）。
type VersionStore struct {
	mu      sync.RWMutex
	records map[string]*VersionRecord
}

func NewVersionStore() *VersionStore {
	return &VersionStore{records: make(map[string]*VersionRecord)}
}

// GetOrInit 懒创建一个 0 版本记录，返回副本
func (s *VersionStore) GetOrInit(docID string) VersionRecord {
	s.mu.RLock()
	rec := s.records[docID]
	s.mu.RUnlock()
	if rec == nil {
		s.mu.Lock()
		if rec = s.records[docID]; rec == nil {
			rec = &VersionRecord{Version: 0, LastMutatedAt: time.Now()}
			s.records[docID] = rec
		}
		s.mu.Unlock()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *rec
}

// InitializeFrom 用客户端首次接入时带来的持久化版本覆盖记录。
// 重置属于显式重新初始化，版本号"只增不减"的不变量不覆盖这里。
func (s *VersionStore) InitializeFrom(docID string, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[docID] = &VersionRecord{Version: version, LastMutatedAt: time.Now()}
}

// Increment 原子地把版本 +1 并记录触发的变更 id。
// 同一文档严格连续：不跳号，两个变更不会拿到同一个版本。
func (s *VersionStore) Increment(docID string, mutationID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[docID]
	if rec == nil {
		rec = &VersionRecord{}
		s.records[docID] = rec
	}
	rec.Version++
	rec.LastMutationID = mutationID
	rec.LastMutatedAt = time.Now()
	return rec.Version
}

// CleanupInactive 淘汰超过 maxAge 没动过的版本记录，返回被淘汰的文档 id，
// 引擎用返回值顺带清掉对应的权威状态和待重试队列。
func (s *VersionStore) CleanupInactive(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for docID, rec := range s.records {
		if rec.LastMutatedAt.Before(cutoff) {
			delete(s.records, docID)
			evicted = append(evicted, docID)
		}
	}
	return evicted
}
