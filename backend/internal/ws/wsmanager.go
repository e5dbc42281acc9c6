package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"studioSync/backend/internal/collab"
	"studioSync/backend/internal/presence"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub      *Hub
	engine   *collab.Engine
	presence presence.Store
	roles    RoleResolver
	sem      *collab.SemaphoreControl
}

func NewManager(hub *Hub, engine *collab.Engine, store presence.Store, roles RoleResolver, sem *collab.SemaphoreControl) *Manager {
	return &Manager{hub: hub, engine: engine, presence: store, roles: roles, sem: sem}
}

// WebSocketConnect 把一个已鉴权的 HTTP 请求升级成协作通道。
// userId/anonymousId/username 由鉴权中间件写进 gin.Context；
// shareToken 走查询参数（浏览器 WebSocket 发不了自定义 Header）。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	anonymousID := c.GetString("anonymousId")
	displayName := c.GetString("username")
	shareToken := strings.TrimSpace(c.Query("shareToken"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, userID, anonymousID, displayName, shareToken,
		m.engine, m.presence, m.roles, m.sem)

	// 先启动写循环，保证后续写入 send 的消息能被及时发送
	go wsConn.writeLoop()

	// 读循环阻塞到连接关闭
	wsConn.readLoop(c.Request.Context())
}
