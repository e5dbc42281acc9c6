package handlers

import (
	"github.com/gin-gonic/gin"

	"studioSync/backend/internal/presence"
)

type PresenceHandler struct {
	store presence.Store
}

func NewPresenceHandler(store presence.Store) *PresenceHandler {
	return &PresenceHandler{store: store}
}

// DocStats 返回文档房间的在线统计（owner/editor/viewer 分桶），
// 给侧边栏的"N 人正在编辑"用
func (h *PresenceHandler) DocStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		docID := c.Param("docID")
		if docID == "" {
			c.JSON(400, gin.H{"error": "Document ID missing"})
			return
		}
		stats, err := h.store.DocStats(c.Request.Context(), docID)
		if err != nil {
			// presence 挂了就回零值，读接口不报 5xx
			c.JSON(200, presence.Stats{})
			return
		}
		c.JSON(200, stats)
	}
}

// Sessions 返回文档房间的可见会话列表（viewer 不展示）
func (h *PresenceHandler) Sessions() gin.HandlerFunc {
	return func(c *gin.Context) {
		docID := c.Param("docID")
		if docID == "" {
			c.JSON(400, gin.H{"error": "Document ID missing"})
			return
		}
		sessions, err := h.store.ListActive(c.Request.Context(), docID)
		if err != nil {
			c.JSON(200, gin.H{"sessions": []presence.Session{}})
			return
		}
		c.JSON(200, gin.H{"sessions": presence.VisibleSessions(sessions)})
	}
}
