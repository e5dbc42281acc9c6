package ws

import (
	"sync"
)

// Hub 维护 docID -> 连接集合 的房间表。
// 房间里存的是连接而不是 userID：一个用户可以开多个标签页/设备，
// 广播必须逐连接发。
type Hub struct {
	// 读写锁保护 rooms，加入/离开/广播都要先拿锁
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// BroadcastRoom 发给房间内所有连接
func (h *Hub) BroadcastRoom(docID string, msg OutboundMessage) {
	h.mu.RLock()
	conns := h.rooms[docID]
	targets := make([]*Conn, 0, len(conns))
	for c := range conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.SendMessage_Enqueue(msg)
	}
}

// BroadcastOthers 发给房间内除 exclude 外的连接
// （mutation:broadcast 用：提交者已乐观应用，不用再收一遍）
func (h *Hub) BroadcastOthers(docID string, exclude *Conn, msg OutboundMessage) {
	h.mu.RLock()
	conns := h.rooms[docID]
	targets := make([]*Conn, 0, len(conns))
	for c := range conns {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.SendMessage_Enqueue(msg)
	}
}
