package presence

import (
	"context"
	"testing"
	"time"
)

// 可控时钟，测超时不用真睡
func newClockedStore(ttl time.Duration) (*memStore, *time.Time) {
	m := NewMemoryStore(ttl).(*memStore)
	now := time.Now()
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMemoryStore_JoinAndList(t *testing.T) {
	ctx := context.Background()
	m, _ := newClockedStore(30 * time.Second)

	id1, err := m.Join(ctx, "doc1", Session{UserID: "u1", Role: RoleOwner, DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("Join error: %v", err)
	}
	id2, _ := m.Join(ctx, "doc1", Session{UserID: "u2", Role: RoleEditor})
	if id1 == "" || id1 == id2 {
		t.Fatalf("session ids not unique: %q %q", id1, id2)
	}

	sessions, err := m.ListActive(ctx, "doc1")
	if err != nil {
		t.Fatalf("ListActive error: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("ListActive = %d sessions, want 2", len(sessions))
	}
}

func TestMemoryStore_MultiTab(t *testing.T) {
	// 同一用户开两个标签页：两条独立会话
	ctx := context.Background()
	m, _ := newClockedStore(30 * time.Second)
	m.Join(ctx, "doc1", Session{UserID: "u1", Role: RoleEditor})
	m.Join(ctx, "doc1", Session{UserID: "u1", Role: RoleEditor})

	sessions, _ := m.ListActive(ctx, "doc1")
	if len(sessions) != 2 {
		t.Fatalf("ListActive = %d, want 2", len(sessions))
	}
}

func TestMemoryStore_HeartbeatUnknownSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newClockedStore(30 * time.Second)
	ok, err := m.Heartbeat(ctx, "doc1", "no-such-session")
	if err != nil {
		t.Fatalf("Heartbeat error: %v", err)
	}
	if ok {
		t.Fatal("Heartbeat on unknown session = true, want false")
	}
}

func TestMemoryStore_TimeoutEviction(t *testing.T) {
	ctx := context.Background()
	m, now := newClockedStore(30 * time.Second)

	id1, _ := m.Join(ctx, "doc1", Session{UserID: "u1", Role: RoleEditor})
	id2, _ := m.Join(ctx, "doc1", Session{UserID: "u2", Role: RoleEditor})

	// 25 秒后 u1 心跳续命，u2 不动
	*now = now.Add(25 * time.Second)
	if ok, _ := m.Heartbeat(ctx, "doc1", id1); !ok {
		t.Fatal("heartbeat within ttl = false, want true")
	}

	// 再过 10 秒：u2 距上次活动 35 秒，超时出列
	*now = now.Add(10 * time.Second)
	sessions, _ := m.ListActive(ctx, "doc1")
	if len(sessions) != 1 || sessions[0].SessionID != id1 {
		t.Fatalf("ListActive = %v, want only refreshed session", sessions)
	}

	// 超时会话的心跳返回 false，调用方应重新 Join
	if ok, _ := m.Heartbeat(ctx, "doc1", id2); ok {
		t.Fatal("heartbeat after timeout = true, want false")
	}
}

func TestMemoryStore_CursorAndViewport(t *testing.T) {
	ctx := context.Background()
	m, _ := newClockedStore(30 * time.Second)
	id, _ := m.Join(ctx, "doc1", Session{UserID: "u1", Role: RoleEditor})

	if ok, _ := m.UpdateCursor(ctx, "doc1", id, &Position{X: 12, Y: 34}); !ok {
		t.Fatal("UpdateCursor = false")
	}
	if ok, _ := m.UpdateViewport(ctx, "doc1", id, &Viewport{X: 0, Y: 0, Zoom: 1.5}); !ok {
		t.Fatal("UpdateViewport = false")
	}

	sessions, _ := m.ListActive(ctx, "doc1")
	s := sessions[0]
	if s.Cursor == nil || s.Cursor.X != 12 {
		t.Fatalf("cursor = %+v", s.Cursor)
	}
	if s.Viewport == nil || s.Viewport.Zoom != 1.5 {
		t.Fatalf("viewport = %+v", s.Viewport)
	}

	// nil 清除光标
	m.UpdateCursor(ctx, "doc1", id, nil)
	sessions, _ = m.ListActive(ctx, "doc1")
	if sessions[0].Cursor != nil {
		t.Fatalf("cursor not cleared: %+v", sessions[0].Cursor)
	}
}

func TestMemoryStore_LeaveIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newClockedStore(30 * time.Second)
	id, _ := m.Join(ctx, "doc1", Session{UserID: "u1", Role: RoleEditor})

	if err := m.Leave(ctx, "doc1", id); err != nil {
		t.Fatalf("Leave error: %v", err)
	}
	if err := m.Leave(ctx, "doc1", id); err != nil {
		t.Fatalf("second Leave error: %v", err)
	}
	sessions, _ := m.ListActive(ctx, "doc1")
	if len(sessions) != 0 {
		t.Fatalf("ListActive = %v, want empty", sessions)
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	m, now := newClockedStore(30 * time.Second)
	m.Join(ctx, "doc1", Session{UserID: "u1", Role: RoleEditor})
	m.Join(ctx, "doc2", Session{UserID: "u2", Role: RoleViewer})

	*now = now.Add(time.Minute)
	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	for _, doc := range []string{"doc1", "doc2"} {
		sessions, _ := m.ListActive(ctx, doc)
		if len(sessions) != 0 {
			t.Fatalf("%s still has sessions after sweep", doc)
		}
	}
}

func TestVisibleSessionsAndStats(t *testing.T) {
	// viewer 进统计但不进展示列表
	sessions := []Session{
		{SessionID: "s1", Role: RoleOwner},
		{SessionID: "s2", Role: RoleEditor},
		{SessionID: "s3", Role: RoleViewer},
		{SessionID: "s4", Role: RoleViewer},
	}
	visible := VisibleSessions(sessions)
	if len(visible) != 2 {
		t.Fatalf("VisibleSessions = %d, want 2", len(visible))
	}
	for _, s := range visible {
		if s.Role == RoleViewer {
			t.Fatalf("viewer leaked into visible list: %+v", s)
		}
	}

	st := StatsOf(sessions)
	if st.Owners != 1 || st.Editors != 1 || st.Viewers != 2 || st.Total != 4 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMemoryStore_DocStats(t *testing.T) {
	ctx := context.Background()
	m, _ := newClockedStore(30 * time.Second)
	m.Join(ctx, "doc1", Session{UserID: "u1", Role: RoleOwner})
	m.Join(ctx, "doc1", Session{Role: RoleViewer, AnonymousID: "anon-1"})

	st, err := m.DocStats(ctx, "doc1")
	if err != nil {
		t.Fatalf("DocStats error: %v", err)
	}
	if st.Owners != 1 || st.Viewers != 1 || st.Total != 2 {
		t.Fatalf("stats = %+v", st)
	}
}
