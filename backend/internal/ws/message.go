package ws

import (
	"studioSync/backend/internal/block"
	"studioSync/backend/internal/collab"
	"studioSync/backend/internal/mutation"
	"studioSync/backend/internal/presence"
)

// 客户端入站事件（所有 C→S 事件共用一个胖结构，按 Type 取字段）
type ClientMessage struct {
	Type        string `json:"type"`
	DocID       string `json:"docId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	// presence:cursor / presence:viewport；nil 即清除
	Position *presence.Position `json:"position,omitempty"`
	Viewport *presence.Viewport `json:"viewport,omitempty"`

	// mutation:init
	Blocks  []block.Block `json:"blocks,omitempty"`
	Version uint64        `json:"version,omitempty"`

	// mutation:submit
	Mutation *mutation.Mutation `json:"mutation,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// S→C: presence:joined 把会话 id 交给加入者
type PresenceJoinedMessage struct {
	Type      string `json:"type"` // 固定 "presence:joined"
	SessionID string `json:"sessionId"`
}

// S→C: presence:update 房间全量快照（发给加入者 + 广播给房间）。
// viewer 会话不出现在列表里，但 Stats 按全部角色统计。
type PresenceUpdateMessage struct {
	Type     string             `json:"type"` // 固定 "presence:update"
	DocID    string             `json:"docId"`
	Sessions []presence.Session `json:"sessions"`
	Stats    presence.Stats     `json:"stats"`
}

// S→C: presence:cursor-update 广播光标给房间内其他会话
type CursorUpdateMessage struct {
	Type      string             `json:"type"` // 固定 "presence:cursor-update"
	SessionID string             `json:"sessionId"`
	Position  *presence.Position `json:"position"` // null 表示清除
}

// S→C: presence:error 非致命的 presence 错误，绝不影响编辑
type PresenceErrorMessage struct {
	Type    string `json:"type"` // 固定 "presence:error"
	Message string `json:"message"`
}

// S→C: mutation:init-ack 确认权威基线并返回服务端的规范状态
type InitAckMessage struct {
	Type    string        `json:"type"` // 固定 "mutation:init-ack"
	DocID   string        `json:"docId"`
	Version uint64        `json:"version"`
	Blocks  []block.Block `json:"blocks"`
}

// S→C: mutation:ack 只发给提交者
type MutationAckMessage struct {
	Type string `json:"type"` // 固定 "mutation:ack"
	collab.Ack
}

// S→C: mutation:broadcast 把被接受的变更推给其他会话
// 提交者自己不收（已乐观应用过）
type MutationBroadcastMessage struct {
	Type           string             `json:"type"` // 固定 "mutation:broadcast"
	DocID          string             `json:"docId"`
	Mutation       *mutation.Mutation `json:"mutation"`
	AppliedVersion uint64             `json:"appliedVersion"`
	AppliedBy      string             `json:"appliedBy,omitempty"`
}

// S→C: mutation:state-update 发给整个房间的全量对账快照，
// 点对点广播丢了也能靠它收敛
type StateUpdateMessage struct {
	Type    string        `json:"type"` // 固定 "mutation:state-update"
	DocID   string        `json:"docId"`
	Blocks  []block.Block `json:"blocks"`
	Version uint64        `json:"version"`
}

func (m PresenceJoinedMessage) MessageType() string    { return m.Type }
func (m PresenceUpdateMessage) MessageType() string    { return m.Type }
func (m CursorUpdateMessage) MessageType() string      { return m.Type }
func (m PresenceErrorMessage) MessageType() string     { return m.Type }
func (m InitAckMessage) MessageType() string           { return m.Type }
func (m MutationAckMessage) MessageType() string       { return m.Type }
func (m MutationBroadcastMessage) MessageType() string { return m.Type }
func (m StateUpdateMessage) MessageType() string       { return m.Type }
