package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"studioSync/backend/internal/collab"
	"studioSync/backend/internal/presence"
)

// RoleResolver 由外部协作方（文档元数据存储）实现：
// 角色每个事件都重新解析，不信任 join 时缓存的"是编辑者"标记
type RoleResolver interface {
	ResolveRole(ctx context.Context, docID, userID, shareToken string) presence.Role
}

type Conn struct {
	ws  *websocket.Conn
	hub *Hub

	docID       string
	sessionID   string
	userID      string
	anonymousID string
	displayName string
	shareToken  string

	// 出站队列；writeLoop 持续消费。
	// 别的连接的广播可能在本连接退房后还拿着旧快照来 enqueue，
	// close 和 enqueue 必须在同一把锁下判定，不能裸 close
	sendMu     sync.Mutex
	sendClosed bool
	send       chan OutboundMessage

	engine   *collab.Engine
	presence presence.Store
	roles    RoleResolver
	// 信号量控制，限制同时在途的提交
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, userID, anonymousID, displayName, shareToken string,
	engine *collab.Engine, store presence.Store, roles RoleResolver, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:          ws,
		hub:         hub,
		userID:      userID,
		anonymousID: anonymousID,
		displayName: displayName,
		shareToken:  shareToken,
		send:        make(chan OutboundMessage, 32),
		engine:      engine,
		presence:    store,
		roles:       roles,
		sem:         sem,
	}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		// 连接已走断连流程，迟到的广播直接丢
		return
	}
	select {
	case c.send <- msg:
	default:
		// 队列满了直接丢；漏掉的广播靠 state-update 对账补齐
	}
}

// closeSend 关闭出站队列让 writeLoop 退出，幂等
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// resolveRole 每个事件现场解析角色。
// 解析不了（角色服务异常）时降级成 viewer，宁可拒绝写也不放行
func (c *Conn) resolveRole(ctx context.Context, docID string) presence.Role {
	if c.roles == nil {
		return presence.RoleViewer
	}
	return c.roles.ResolveRole(ctx, docID, c.userID, c.shareToken)
}

// presenceError 尽力而为地回一条 presence:error，绝不关连接
func (c *Conn) presenceError(msg string) {
	c.SendMessage_Enqueue(PresenceErrorMessage{Type: "presence:error", Message: msg})
}

// identity 用于 appliedBy / 过滤自己的广播
func (c *Conn) identity() string {
	if c.userID != "" {
		return c.userID
	}
	return c.anonymousID
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		// 断连即离开：presence 移除 + 房间移除 + 通知其他人
		if c.docID != "" {
			if c.sessionID != "" {
				if err := c.presence.Leave(ctx, c.docID, c.sessionID); err != nil {
					log.Printf("presence leave on disconnect error (doc=%s session=%s): %v", c.docID, c.sessionID, err)
				}
			}
			c.hub.Leave(c.docID, c)
			c.broadcastPresenceUpdate(ctx, c.docID)
		}
		c.closeSend()
	}()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%s, doc=%s): %v", c.identity(), c.docID, err)
			return
		}

		switch msg.Type {
		case "presence:join":
			c.handleJoin(ctx, msg)

		case "presence:heartbeat":
			ok, err := c.presence.Heartbeat(ctx, msg.DocID, msg.SessionID)
			if err != nil {
				log.Printf("heartbeat error: %v", err)
				c.presenceError("heartbeat failed")
				continue
			}
			if !ok {
				// 会话已过期，客户端该重新 join
				c.presenceError("unknown session, rejoin required")
			}

		case "presence:cursor":
			ok, err := c.presence.UpdateCursor(ctx, msg.DocID, msg.SessionID, msg.Position)
			if err != nil {
				log.Printf("update cursor error: %v", err)
				c.presenceError("cursor update failed")
				continue
			}
			if !ok {
				c.presenceError("unknown session, rejoin required")
				continue
			}
			c.hub.BroadcastOthers(msg.DocID, c, CursorUpdateMessage{
				Type:      "presence:cursor-update",
				SessionID: msg.SessionID,
				Position:  msg.Position,
			})

		case "presence:viewport":
			// 视口是低优先级信息，不广播，随下一次常规更新被动带出
			ok, err := c.presence.UpdateViewport(ctx, msg.DocID, msg.SessionID, msg.Viewport)
			if err != nil {
				log.Printf("update viewport error: %v", err)
				c.presenceError("viewport update failed")
				continue
			}
			if !ok {
				c.presenceError("unknown session, rejoin required")
			}

		case "presence:leave":
			if err := c.presence.Leave(ctx, msg.DocID, msg.SessionID); err != nil {
				log.Printf("presence leave error: %v", err)
			}
			c.hub.Leave(msg.DocID, c)
			if c.sessionID == msg.SessionID {
				c.sessionID = ""
			}
			c.broadcastPresenceUpdate(ctx, msg.DocID)

		case "mutation:init":
			// 建立权威基线；文档已 Ready 时服务端状态优先
			blocks, version := c.engine.Initialize(msg.DocID, msg.Blocks, msg.Version)
			c.SendMessage_Enqueue(InitAckMessage{
				Type:    "mutation:init-ack",
				DocID:   msg.DocID,
				Version: version,
				Blocks:  blocks,
			})

		case "mutation:submit":
			if msg.Mutation == nil {
				c.SendMessage_Enqueue(MutationAckMessage{
					Type: "mutation:ack",
					Ack:  collab.Ack{Accepted: false, Reason: "MISSING_MUTATION"},
				})
				continue
			}
			c.handleMutationSubmit(ctx, msg)

		default:
			// 未知类型忽略
			log.Printf("ignored unknown message type %q (user=%s)", msg.Type, c.identity())
		}
	}
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	// 角色由服务端解析，不信客户端在 join 里声明的角色
	role := c.resolveRole(ctx, msg.DocID)
	displayName := msg.DisplayName
	if displayName == "" {
		displayName = c.displayName
	}

	sessionID, err := c.presence.Join(ctx, msg.DocID, presence.Session{
		UserID:      c.userID,
		AnonymousID: c.anonymousID,
		Role:        role,
		DisplayName: displayName,
	})
	if err != nil {
		// presence 故障只降级成"看不到在线状态"，编辑通道照常
		log.Printf("presence join error (doc=%s): %v", msg.DocID, err)
		c.presenceError("presence unavailable")
	}

	if c.docID != "" && c.docID != msg.DocID {
		// 切换房间：先离开旧的
		c.hub.Leave(c.docID, c)
		if c.sessionID != "" {
			_ = c.presence.Leave(ctx, c.docID, c.sessionID)
		}
	}
	c.docID = msg.DocID
	c.sessionID = sessionID
	c.hub.Join(msg.DocID, c)

	if sessionID != "" {
		c.SendMessage_Enqueue(PresenceJoinedMessage{Type: "presence:joined", SessionID: sessionID})
	}
	// 加入者拿全量快照，房间其他人收更新后的全量快照
	c.broadcastPresenceUpdate(ctx, msg.DocID)
}

// broadcastPresenceUpdate 给整个房间（含触发者）发一份房间快照。
// 列表里只展示 owner/editor，viewer 只进统计。
func (c *Conn) broadcastPresenceUpdate(ctx context.Context, docID string) {
	sessions, err := c.presence.ListActive(ctx, docID)
	if err != nil {
		log.Printf("list active error (doc=%s): %v", docID, err)
		return
	}
	c.hub.BroadcastRoom(docID, PresenceUpdateMessage{
		Type:     "presence:update",
		DocID:    docID,
		Sessions: presence.VisibleSessions(sessions),
		Stats:    presence.StatsOf(sessions),
	})
}

func (c *Conn) handleMutationSubmit(ctx context.Context, msg ClientMessage) {
	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.SendMessage_Enqueue(MutationAckMessage{
			Type: "mutation:ack",
			Ack:  collab.Ack{MutationID: msg.Mutation.ID, Accepted: false, Reason: err.Error()},
		})
		return
	}
	defer c.sem.Release()

	m := msg.Mutation
	// 作者身份由服务端盖章，客户端填的不算数
	m.UserID = c.userID
	docID := m.DocID
	if docID == "" {
		docID = msg.DocID
		m.DocID = docID
	}

	// 每次提交都重新查角色（分享令牌可能已被吊销）
	role := c.resolveRole(submitCtx, docID)
	res := c.engine.Process(m, role)

	// 结果只回给提交者；其他会话永远只见到被成功应用的变更
	c.SendMessage_Enqueue(MutationAckMessage{Type: "mutation:ack", Ack: res.Ack})
	if !res.Ack.Accepted {
		return
	}

	c.hub.BroadcastOthers(docID, c, MutationBroadcastMessage{
		Type:           "mutation:broadcast",
		DocID:          docID,
		Mutation:       m,
		AppliedVersion: res.Ack.AppliedVersion,
		AppliedBy:      c.identity(),
	})

	// 提交成功后顺手重试队列里的冲突变更（唯一的冲突恢复机制）
	for _, a := range c.engine.ProcessPending(docID) {
		c.hub.BroadcastRoom(docID, MutationBroadcastMessage{
			Type:           "mutation:broadcast",
			DocID:          docID,
			Mutation:       a.Mutation,
			AppliedVersion: a.Version,
			AppliedBy:      a.Mutation.UserID,
		})
	}

	// 全量 state-update 发给整个房间：点对点广播漏了也能对账收敛
	if blocks, version, ok := c.engine.Snapshot(docID); ok {
		c.hub.BroadcastRoom(docID, StateUpdateMessage{
			Type:    "mutation:state-update",
			DocID:   docID,
			Blocks:  blocks,
			Version: version,
		})
	}
}

func (c *Conn) writeLoop() {
	// 持续消费出站队列直到 send 被关闭
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
