package handlers

import (
	"github.com/gin-gonic/gin"

	"studioSync/backend/internal/block"
	"studioSync/backend/internal/store"
)

type SnapshotHandler struct {
	snapshots *store.SnapshotStore
}

func NewSnapshotHandler(snapshots *store.SnapshotStore) *SnapshotHandler {
	return &SnapshotHandler{snapshots: snapshots}
}

// Latest 返回文档最近一次存档，客户端在 mutation:init 前拿它做本地基线。
// 没有存档时返回空列表和版本 0（全新文档从零开始）。
func (h *SnapshotHandler) Latest() gin.HandlerFunc {
	return func(c *gin.Context) {
		docID := c.Param("docID")
		if docID == "" {
			c.JSON(400, gin.H{"error": "Document ID missing"})
			return
		}
		blocks, version, err := h.snapshots.LoadLatestSnapshot(c.Request.Context(), docID)
		if err != nil {
			c.JSON(500, gin.H{"error": "load snapshot failed"})
			return
		}
		if blocks == nil {
			blocks = []block.Block{}
		}
		c.JSON(200, gin.H{
			"docId":   docID,
			"version": version,
			"blocks":  blocks,
		})
	}
}
