package presence

import (
	"context"
	"time"
)

// 会话角色：由外部鉴权（所有权/分享令牌）确定后随事件携带
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// 光标位置（画布坐标）
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// 视口描述：客户端当前看到的画布区域
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Session 是一个已连接参与者的临时记录。
// 永远不落盘：心跳超时即失效。
type Session struct {
	SessionID   string    `json:"sessionId"`
	DocID       string    `json:"docId"`
	UserID      string    `json:"userId,omitempty"`
	AnonymousID string    `json:"anonymousId,omitempty"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"displayName,omitempty"`
	Cursor      *Position `json:"cursor,omitempty"`
	Viewport    *Viewport `json:"viewport,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
}

type Stats struct {
	Owners  int `json:"owners"`
	Editors int `json:"editors"`
	Viewers int `json:"viewers"`
	Total   int `json:"total"`
}

// Store 跟踪"谁连在哪个文档上"，绝不影响文档内容。
// 所有操作 best-effort：presence 挂了最多是看不到在线状态，编辑不受影响。
type Store interface {
	// Join 生成会话 id 并注册会话。同一用户可以开多个标签页（多会话）。
	Join(ctx context.Context, docID string, s Session) (string, error)
	// Heartbeat 刷新最近心跳；会话已过期/未知时返回 false，调用方应重新 Join
	Heartbeat(ctx context.Context, docID, sessionID string) (bool, error)
	// UpdateCursor 设置或清除光标（pos 为 nil 即清除），会话契约同 Heartbeat
	UpdateCursor(ctx context.Context, docID, sessionID string, pos *Position) (bool, error)
	// UpdateViewport 同上；视口变化不触发广播（低优先级）
	UpdateViewport(ctx context.Context, docID, sessionID string, vp *Viewport) (bool, error)
	// Leave 立即移除，幂等
	Leave(ctx context.Context, docID, sessionID string) error
	// ListActive 返回心跳未超时的会话，顺带懒回收过期会话
	ListActive(ctx context.Context, docID string) ([]Session, error)
	// DocStats 是 ListActive 的按角色聚合
	DocStats(ctx context.Context, docID string) (Stats, error)
	// Sweep 主动清理所有文档的过期会话（后台定时器调用），
	// 让内存回收不依赖读流量
	Sweep(ctx context.Context) error
}

// VisibleSessions 过滤出要对房间展示的会话：viewer 不出现在
// presence 列表里（只进统计），owner/editor 正常展示。
func VisibleSessions(sessions []Session) []Session {
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Role == RoleViewer {
			continue
		}
		out = append(out, s)
	}
	return out
}

// StatsOf 按角色聚合
func StatsOf(sessions []Session) Stats {
	var st Stats
	for _, s := range sessions {
		switch s.Role {
		case RoleOwner:
			st.Owners++
		case RoleEditor:
			st.Editors++
		case RoleViewer:
			st.Viewers++
		}
	}
	st.Total = len(sessions)
	return st
}
