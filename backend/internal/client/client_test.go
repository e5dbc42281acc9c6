package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"studioSync/backend/internal/block"
	"studioSync/backend/internal/mutation"
	"studioSync/backend/internal/presence"
)

func newEditorClient() *Client {
	return New(Options{
		DocID:  "doc1",
		UserID: "u1",
		Role:   presence.RoleEditor,
		Blocks: []block.Block{
			{ID: "b1", Type: block.TypeText, Position: block.Position{X: 10, Y: 20}},
		},
		Version: 5,
	})
}

func TestClient_SubmitOptimistic(t *testing.T) {
	c := newEditorClient()
	m := &mutation.Mutation{
		Type: mutation.TypeMoveBlock, BlockID: "b1",
		Position: &block.Position{X: 300, Y: 400},
	}
	if err := c.SubmitMutation(m); err != nil {
		t.Fatalf("SubmitMutation error: %v", err)
	}

	// 提交时自动盖章
	if m.ID == "" || m.DocID != "doc1" || m.UserID != "u1" || m.BaseVersion != 5 {
		t.Fatalf("mutation not stamped: %+v", m)
	}
	// 本地乐观生效，版本等 ack 才推进
	if got := c.Blocks()[0].Position.X; got != 300 {
		t.Fatalf("optimistic position.X = %v, want 300", got)
	}
	if c.Version() != 5 {
		t.Fatalf("Version = %d, want 5 before ack", c.Version())
	}
	if c.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", c.PendingCount())
	}
}

func TestClient_ViewerCannotSubmit(t *testing.T) {
	c := New(Options{DocID: "doc1", Role: presence.RoleViewer})
	err := c.SubmitMutation(&mutation.Mutation{Type: mutation.TypeMoveBlock, BlockID: "b1"})
	if err != ErrViewerReadOnly {
		t.Fatalf("SubmitMutation = %v, want ErrViewerReadOnly", err)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", c.PendingCount())
	}
}

func TestClient_InitAckReplacesState(t *testing.T) {
	c := newEditorClient()
	// 初始化阶段服务端说了算
	c.Dispatch(serverEnvelope{
		Type:    "mutation:init-ack",
		DocID:   "doc1",
		Blocks:  []block.Block{{ID: "srv1"}, {ID: "srv2"}},
		Version: 9,
	})
	blocks := c.Blocks()
	if len(blocks) != 2 || blocks[0].ID != "srv1" {
		t.Fatalf("blocks = %v, want server state", blocks)
	}
	if c.Version() != 9 {
		t.Fatalf("Version = %d, want 9", c.Version())
	}
}

func TestClient_AckAccepted(t *testing.T) {
	c := newEditorClient()
	m := &mutation.Mutation{
		Type: mutation.TypeMoveBlock, BlockID: "b1",
		Position: &block.Position{X: 1, Y: 1},
	}
	c.SubmitMutation(m)

	c.Dispatch(serverEnvelope{
		Type:           "mutation:ack",
		MutationID:     m.ID,
		Accepted:       true,
		AppliedVersion: 6,
	})
	if c.Version() != 6 {
		t.Fatalf("Version = %d, want 6", c.Version())
	}
	if c.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", c.PendingCount())
	}
}

func TestClient_AckRejectedKeepsOptimisticState(t *testing.T) {
	c := newEditorClient()
	m := &mutation.Mutation{
		Type: mutation.TypeMoveBlock, BlockID: "b1",
		Position: &block.Position{X: 777, Y: 0},
	}
	c.SubmitMutation(m)

	c.Dispatch(serverEnvelope{
		Type:       "mutation:ack",
		MutationID: m.ID,
		Accepted:   false,
		Reason:     "VERSION_CONFLICT",
	})
	// 被拒绝不回滚：乐观效果留着等 state-update 收敛
	if got := c.Blocks()[0].Position.X; got != 777 {
		t.Fatalf("position.X = %v, want optimistic 777", got)
	}
	if c.Version() != 5 {
		t.Fatalf("Version = %d, want 5", c.Version())
	}
	if c.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", c.PendingCount())
	}
}

func TestClient_BroadcastSkipsOwn(t *testing.T) {
	c := newEditorClient()
	c.Dispatch(serverEnvelope{
		Type:      "mutation:broadcast",
		AppliedBy: "u1", // 自己发的，已乐观应用过
		Mutation: &mutation.Mutation{
			ID: "m1", DocID: "doc1", Type: mutation.TypeMoveBlock,
			BlockID: "b1", Position: &block.Position{X: 999, Y: 999},
		},
		AppliedVersion: 6,
	})
	if got := c.Blocks()[0].Position.X; got != 10 {
		t.Fatalf("position.X = %v, want untouched 10", got)
	}
}

func TestClient_BroadcastAppliesOthers(t *testing.T) {
	c := newEditorClient()
	c.Dispatch(serverEnvelope{
		Type:      "mutation:broadcast",
		AppliedBy: "u2",
		Mutation: &mutation.Mutation{
			ID: "m1", DocID: "doc1", Type: mutation.TypeAddBlock,
			Block: &block.Block{ID: "b2", Type: block.TypeImage},
		},
		AppliedVersion: 6,
	})
	blocks := c.Blocks()
	if len(blocks) != 2 || blocks[1].ID != "b2" {
		t.Fatalf("blocks = %v, want peer's block applied", blocks)
	}
	if c.Version() != 6 {
		t.Fatalf("Version = %d, want 6", c.Version())
	}
}

func TestClient_StateUpdateOnlyNewer(t *testing.T) {
	c := newEditorClient()

	// 旧版本的 state-update 忽略
	c.Dispatch(serverEnvelope{
		Type:    "mutation:state-update",
		Blocks:  []block.Block{{ID: "old"}},
		Version: 5,
	})
	if got := c.Blocks()[0].ID; got != "b1" {
		t.Fatalf("blocks[0].ID = %q, stale update applied", got)
	}

	// 更新的版本整体替换
	c.Dispatch(serverEnvelope{
		Type:    "mutation:state-update",
		Blocks:  []block.Block{{ID: "fresh"}},
		Version: 8,
	})
	if got := c.Blocks()[0].ID; got != "fresh" {
		t.Fatalf("blocks[0].ID = %q, want fresh", got)
	}
	if c.Version() != 8 {
		t.Fatalf("Version = %d, want 8", c.Version())
	}
}

func TestClient_PresenceJoinedAndPeers(t *testing.T) {
	c := newEditorClient()
	c.Dispatch(serverEnvelope{Type: "presence:joined", SessionID: "s-123"})
	if c.SessionID() != "s-123" {
		t.Fatalf("SessionID = %q, want s-123", c.SessionID())
	}

	c.Dispatch(serverEnvelope{
		Type: "presence:update",
		Sessions: []presence.Session{
			{SessionID: "s-123", Role: presence.RoleEditor},
			{SessionID: "s-456", Role: presence.RoleOwner},
		},
	})
	if got := len(c.Peers()); got != 2 {
		t.Fatalf("Peers = %d, want 2", got)
	}
}

// 心跳定时器和交互提交会从不同 goroutine 同时写连接，
// 出站写必须串行（-race 下跑，回归并发写竞态）
func TestClient_ConcurrentWritesSerialized(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// 只收不回：测试关心客户端这一侧的写路径
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), wsURL, "", "", Options{
		DocID:  "doc1",
		UserID: "u1",
		Role:   presence.RoleEditor,
		Blocks: []block.Block{{ID: "b1", Type: block.TypeText}},
	})
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer c.Close()
	// 给 Heartbeat 一个会话 id，让它真的走写路径
	c.Dispatch(serverEnvelope{Type: "presence:joined", SessionID: "s-1"})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := c.Heartbeat(); err != nil {
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			err := c.SubmitMutation(&mutation.Mutation{
				Type: mutation.TypeMoveBlock, BlockID: "b1",
				Position: &block.Position{X: float64(i), Y: 0},
			})
			if err != nil {
				return
			}
		}
	}()
	wg.Wait()
}

func TestClient_OnChangeFires(t *testing.T) {
	c := newEditorClient()
	var calls int
	var lastVersion uint64
	c.OnChange = func(blocks []block.Block, version uint64) {
		calls++
		lastVersion = version
	}

	c.SubmitMutation(&mutation.Mutation{
		Type: mutation.TypeMoveBlock, BlockID: "b1",
		Position: &block.Position{X: 1, Y: 2},
	})
	c.Dispatch(serverEnvelope{
		Type:    "mutation:state-update",
		Blocks:  []block.Block{{ID: "b1"}},
		Version: 7,
	})
	if calls != 2 {
		t.Fatalf("OnChange calls = %d, want 2", calls)
	}
	if lastVersion != 7 {
		t.Fatalf("last notified version = %d, want 7", lastVersion)
	}
}
