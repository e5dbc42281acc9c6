// Package client 是协议的客户端一半：本地乐观应用 + 对账。
// 编辑器进程（或集成测试）用它和协作服务端保持块列表同步。
package client

import (
	"context"
	"errors"
	"log"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"studioSync/backend/internal/block"
	"studioSync/backend/internal/mutation"
	"studioSync/backend/internal/presence"
)

var ErrViewerReadOnly = errors.New("VIEWER_READ_ONLY")

// 服务端下行消息统一解码进一个胖信封，按 type 取字段
type serverEnvelope struct {
	Type      string             `json:"type"`
	DocID     string             `json:"docId,omitempty"`
	SessionID string             `json:"sessionId,omitempty"`
	Message   string             `json:"message,omitempty"`
	Sessions  []presence.Session `json:"sessions,omitempty"`
	Position  *presence.Position `json:"position,omitempty"`

	Blocks  []block.Block `json:"blocks,omitempty"`
	Version uint64        `json:"version,omitempty"`

	MutationID     string             `json:"mutationId,omitempty"`
	Accepted       bool               `json:"accepted,omitempty"`
	AppliedVersion uint64             `json:"appliedVersion,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	Mutation       *mutation.Mutation `json:"mutation,omitempty"`
	AppliedBy      string             `json:"appliedBy,omitempty"`
}

// 上行消息
type clientEnvelope struct {
	Type        string             `json:"type"`
	DocID       string             `json:"docId,omitempty"`
	SessionID   string             `json:"sessionId,omitempty"`
	DisplayName string             `json:"displayName,omitempty"`
	Position    *presence.Position `json:"position,omitempty"`
	Viewport    *presence.Viewport `json:"viewport,omitempty"`
	Blocks      []block.Block      `json:"blocks,omitempty"`
	Version     uint64             `json:"version,omitempty"`
	Mutation    *mutation.Mutation `json:"mutation,omitempty"`
}

type Options struct {
	DocID       string
	UserID      string
	Role        presence.Role
	DisplayName string
	// 初始本地状态（通常来自上次持久化的 newsletter）
	Blocks  []block.Block
	Version uint64
}

// Client 维护乐观本地状态并和服务端对账。
// 提交的变更带上最近已知版本做 baseVersion；
// 被拒绝的变更不自动回滚本地乐观效果——等下一条 state-update 收敛
// （沿用的已知缺口，见 DESIGN.md）。
type Client struct {
	mu sync.Mutex

	// gorilla 的连接只允许一个并发 writer：心跳定时器和交互提交
	// 会从不同 goroutine 同时写，所有出站写都要串行过这把锁
	writeMu sync.Mutex
	conn    *websocket.Conn // 可为 nil（纯状态机，测试用）

	docID       string
	userID      string
	role        presence.Role
	displayName string
	sessionID   string

	blocks  []block.Block
	version uint64
	// 已发出、还没收到 ack 的变更
	pendingAcks map[string]*mutation.Mutation

	peers []presence.Session

	// 状态变化回调（UI 重绘入口），持锁外调用
	OnChange func(blocks []block.Block, version uint64)

	done chan struct{}
}

// New 构造一个未联网的客户端状态机（测试/本地模式）
func New(opts Options) *Client {
	return &Client{
		docID:       opts.DocID,
		userID:      opts.UserID,
		role:        opts.Role,
		displayName: opts.DisplayName,
		blocks:      block.CloneList(opts.Blocks),
		version:     opts.Version,
		pendingAcks: make(map[string]*mutation.Mutation),
		done:        make(chan struct{}),
	}
}

// Dial 连上协作服务端并完成 join + init 握手。
// rawURL 形如 ws://host:port/collab/ws；token 走查询参数。
func Dial(ctx context.Context, rawURL, token, shareToken string, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	if shareToken != "" {
		q.Set("shareToken", shareToken)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	c := New(opts)
	c.conn = conn
	go c.readLoop()

	if err := c.write(clientEnvelope{Type: "presence:join", DocID: opts.DocID, DisplayName: opts.DisplayName}); err != nil {
		conn.Close()
		return nil, err
	}
	// 带着本地块列表和最近持久化版本建立权威基线
	if err := c.write(clientEnvelope{Type: "mutation:init", DocID: opts.DocID, Blocks: c.Blocks(), Version: opts.Version}); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Blocks 当前乐观本地状态的副本
func (c *Client) Blocks() []block.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return block.CloneList(c.blocks)
}

func (c *Client) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) Peers() []presence.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]presence.Session(nil), c.peers...)
}

// PendingCount 在途（未 ack）变更数
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingAcks)
}

// SubmitMutation 乐观应用 + 发给服务端。
// viewer 在客户端就挡掉（服务端还会独立再查一次）。
// 变更会盖上最近已知版本作为 baseVersion。
func (c *Client) SubmitMutation(m *mutation.Mutation) error {
	if c.role == presence.RoleViewer {
		return ErrViewerReadOnly
	}
	c.mu.Lock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.DocID = c.docID
	m.UserID = c.userID
	m.BaseVersion = c.version

	// 乐观应用：本地先生效，等 ack/state-update 对账
	next, err := mutation.Apply(c.blocks, m)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.blocks = next
	c.pendingAcks[m.ID] = m
	c.mu.Unlock()

	c.notify()
	return c.write(clientEnvelope{Type: "mutation:submit", DocID: c.docID, Mutation: m})
}

// Heartbeat 保活；30 秒超时，调用方应以 10~15 秒的周期发
func (c *Client) Heartbeat() error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	return c.write(clientEnvelope{Type: "presence:heartbeat", DocID: c.docID, SessionID: sessionID})
}

// UpdateCursor 移动/清除（nil）光标
func (c *Client) UpdateCursor(pos *presence.Position) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	return c.write(clientEnvelope{Type: "presence:cursor", DocID: c.docID, SessionID: sessionID, Position: pos})
}

// UpdateViewport 上报视口（服务端不广播）
func (c *Client) UpdateViewport(vp *presence.Viewport) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	return c.write(clientEnvelope{Type: "presence:viewport", DocID: c.docID, SessionID: sessionID, Viewport: vp})
}

// Close 显式 leave 后关闭连接
func (c *Client) Close() error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID != "" {
		_ = c.write(clientEnvelope{Type: "presence:leave", DocID: c.docID, SessionID: sessionID})
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Done 连接读循环退出后关闭
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var env serverEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			log.Printf("client read error (doc=%s): %v", c.docID, err)
			return
		}
		c.Dispatch(env)
	}
}

// Dispatch 处理一条服务端下行消息（导出给纯状态机测试用）
func (c *Client) Dispatch(env serverEnvelope) {
	switch env.Type {
	case "presence:joined":
		c.mu.Lock()
		c.sessionID = env.SessionID
		c.mu.Unlock()

	case "presence:update":
		c.mu.Lock()
		c.peers = env.Sessions
		c.mu.Unlock()

	case "presence:cursor-update", "presence:error":
		// 光标渲染交给上层；presence 错误只记日志
		if env.Type == "presence:error" {
			log.Printf("presence error (doc=%s): %s", c.docID, env.Message)
		}

	case "mutation:init-ack":
		c.handleInitAck(env)

	case "mutation:ack":
		c.handleAck(env)

	case "mutation:broadcast":
		c.handleBroadcast(env)

	case "mutation:state-update":
		c.handleStateUpdate(env)
	}
}

// init-ack：初始化阶段服务端说了算，返回状态和本地不同就整体替换
func (c *Client) handleInitAck(env serverEnvelope) {
	c.mu.Lock()
	c.blocks = block.CloneList(env.Blocks)
	if c.blocks == nil {
		c.blocks = []block.Block{}
	}
	c.version = env.Version
	c.mu.Unlock()
	c.notify()
}

// ack：出在途集合；接受则推进本地版本。
// 被拒绝不回滚乐观效果，等 state-update 对账（已知缺口）
func (c *Client) handleAck(env serverEnvelope) {
	c.mu.Lock()
	delete(c.pendingAcks, env.MutationID)
	if env.Accepted && env.AppliedVersion > c.version {
		c.version = env.AppliedVersion
	}
	c.mu.Unlock()
}

// broadcast：自己发的忽略（已乐观应用），别人的按同一套 apply 语义落本地
func (c *Client) handleBroadcast(env serverEnvelope) {
	if env.Mutation == nil {
		return
	}
	c.mu.Lock()
	if env.AppliedBy != "" && env.AppliedBy == c.userID {
		c.mu.Unlock()
		return
	}
	next, err := mutation.Apply(c.blocks, env.Mutation)
	if err != nil {
		// 本地应用不上就等 state-update 兜底
		c.mu.Unlock()
		log.Printf("apply broadcast error (doc=%s mutation=%s): %v", c.docID, env.Mutation.ID, err)
		return
	}
	c.blocks = next
	if env.AppliedVersion > c.version {
		c.version = env.AppliedVersion
	}
	c.mu.Unlock()
	c.notify()
}

// state-update：严格更新的版本才整体替换（权威对账，
// 会覆盖还没被确认的乐观变更——刻意的最终一致取舍）
func (c *Client) handleStateUpdate(env serverEnvelope) {
	c.mu.Lock()
	if env.Version <= c.version {
		c.mu.Unlock()
		return
	}
	c.blocks = block.CloneList(env.Blocks)
	if c.blocks == nil {
		c.blocks = []block.Block{}
	}
	c.version = env.Version
	c.mu.Unlock()
	c.notify()
}

func (c *Client) notify() {
	if c.OnChange == nil {
		return
	}
	c.mu.Lock()
	blocks := block.CloneList(c.blocks)
	version := c.version
	c.mu.Unlock()
	c.OnChange(blocks, version)
}

func (c *Client) write(env clientEnvelope) error {
	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}
