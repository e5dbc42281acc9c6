package store

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"studioSync/backend/internal/presence"
)

// Document 是文档元数据行（newsletter 本体由上层应用持久化，
// 这里只关心定角色要用的归属和分享令牌）
type Document struct {
	ID        string `gorm:"primaryKey;column:id"`
	OwnerID   string `gorm:"column:owner_id"`
	Title     string `gorm:"column:title"`
	EditToken string `gorm:"column:edit_token"`
	ViewToken string `gorm:"column:view_token"`
}

func (Document) TableName() string { return "documents" }

type cachedDoc struct {
	doc       *Document
	fetchedAt time.Time
}

// DocumentStore 查文档元数据并解析会话角色。
// 角色每个事件都会被查一次，所以带一层短 TTL 缓存 +
// singleflight 合并并发回源（join 风暴时一个 docID 只打一次库）。
type DocumentStore struct {
	db       *gorm.DB
	sf       singleflight.Group
	mu       sync.RWMutex
	cache    map[string]cachedDoc
	cacheTTL time.Duration
}

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{
		db:       db,
		cache:    make(map[string]cachedDoc),
		cacheTTL: 5 * time.Second,
	}
}

// GetDocument 带缓存的元数据读取；不存在返回 (nil, nil)
func (s *DocumentStore) GetDocument(ctx context.Context, docID string) (*Document, error) {
	s.mu.RLock()
	if c, ok := s.cache[docID]; ok && time.Since(c.fetchedAt) < s.cacheTTL {
		s.mu.RUnlock()
		return c.doc, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.sf.Do(docID, func() (any, error) {
		var doc Document
		err := s.db.WithContext(ctx).First(&doc, "id = ?", docID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.put(docID, nil)
			return (*Document)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		s.put(docID, &doc)
		return &doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

func (s *DocumentStore) put(docID string, doc *Document) {
	s.mu.Lock()
	s.cache[docID] = cachedDoc{doc: doc, fetchedAt: time.Now()}
	s.mu.Unlock()
}

// ResolveRole 解析一次会话对文档的角色：
// - userID 是 owner_id   -> owner
// - 分享令牌对上 edit_token -> editor
// - 其余（含匿名）        -> viewer
// 文档还没落库（新建未保存）时，已登录用户按 editor 放行，匿名按 viewer。
// 查库失败宁可降级 viewer，也不能放行写。
func (s *DocumentStore) ResolveRole(ctx context.Context, docID, userID, shareToken string) presence.Role {
	doc, err := s.GetDocument(ctx, docID)
	if err != nil {
		log.Printf("resolve role error (doc=%s): %v", docID, err)
		return presence.RoleViewer
	}
	if doc == nil {
		if userID != "" {
			return presence.RoleEditor
		}
		return presence.RoleViewer
	}
	if userID != "" && userID == doc.OwnerID {
		return presence.RoleOwner
	}
	if shareToken != "" && shareToken == doc.EditToken {
		return presence.RoleEditor
	}
	return presence.RoleViewer
}
