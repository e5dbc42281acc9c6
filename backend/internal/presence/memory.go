package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore 是进程内的 presence 注册表（没配 Redis 时的默认实现，也是单测实现）。
// 显式对象注入传输层，不放包级全局 map，避免测试之间互相泄漏。
type memStore struct {
	mu  sync.Mutex
	ttl time.Duration
	// docID -> sessionID -> session
	docs map[string]map[string]*Session

	// 测试钩子：可替换的时钟
	now func() time.Time
}

func NewMemoryStore(ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &memStore{
		ttl:  ttl,
		docs: make(map[string]map[string]*Session),
		now:  time.Now,
	}
}

func (m *memStore) Join(ctx context.Context, docID string, s Session) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// uuid v4 底层走 crypto/rand，满足"密码学派生的唯一会话 id"
	s.SessionID = uuid.NewString()
	s.DocID = docID
	s.LastSeen = m.now()
	if m.docs[docID] == nil {
		m.docs[docID] = make(map[string]*Session)
	}
	// 同一 userID 允许多会话（多标签页），这里不做唯一约束
	m.docs[docID][s.SessionID] = &s
	return s.SessionID, nil
}

func (m *memStore) Heartbeat(ctx context.Context, docID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lookup(docID, sessionID)
	if s == nil {
		return false, nil
	}
	s.LastSeen = m.now()
	return true, nil
}

func (m *memStore) UpdateCursor(ctx context.Context, docID, sessionID string, pos *Position) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lookup(docID, sessionID)
	if s == nil {
		return false, nil
	}
	s.Cursor = pos
	s.LastSeen = m.now()
	return true, nil
}

func (m *memStore) UpdateViewport(ctx context.Context, docID, sessionID string, vp *Viewport) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lookup(docID, sessionID)
	if s == nil {
		return false, nil
	}
	s.Viewport = vp
	s.LastSeen = m.now()
	return true, nil
}

func (m *memStore) Leave(ctx context.Context, docID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessions, ok := m.docs[docID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.docs, docID)
		}
	}
	return nil
}

func (m *memStore) ListActive(ctx context.Context, docID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := m.docs[docID]
	if len(sessions) == 0 {
		return nil, nil
	}
	cutoff := m.now().Add(-m.ttl)
	out := make([]Session, 0, len(sessions))
	for id, s := range sessions {
		if s.LastSeen.Before(cutoff) {
			// 读的时候顺带懒回收
			delete(sessions, id)
			continue
		}
		out = append(out, *s)
	}
	if len(sessions) == 0 {
		delete(m.docs, docID)
	}
	return out, nil
}

func (m *memStore) DocStats(ctx context.Context, docID string) (Stats, error) {
	sessions, err := m.ListActive(ctx, docID)
	if err != nil {
		return Stats{}, err
	}
	return StatsOf(sessions), nil
}

func (m *memStore) Sweep(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.ttl)
	for docID, sessions := range m.docs {
		for id, s := range sessions {
			if s.LastSeen.Before(cutoff) {
				delete(sessions, id)
			}
		}
		if len(sessions) == 0 {
			delete(m.docs, docID)
		}
	}
	return nil
}

// 持锁调用
func (m *memStore) lookup(docID, sessionID string) *Session {
	sessions := m.docs[docID]
	if sessions == nil {
		return nil
	}
	s := sessions[sessionID]
	if s == nil {
		return nil
	}
	if s.LastSeen.Before(m.now().Add(-m.ttl)) {
		// 已过期的会话不再权威，直接移除并当作未知
		delete(sessions, sessionID)
		return nil
	}
	return s
}
