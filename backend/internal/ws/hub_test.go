package ws

import "testing"

// 不建真连接，直接用带队列的裸 Conn 测房间路由
func newQueuedConn() *Conn {
	return &Conn{send: make(chan OutboundMessage, 32)}
}

func drain(c *Conn) []OutboundMessage {
	var out []OutboundMessage
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestHub_BroadcastRoom(t *testing.T) {
	h := NewHub()
	c1, c2, c3 := newQueuedConn(), newQueuedConn(), newQueuedConn()
	h.Join("doc1", c1)
	h.Join("doc1", c2)
	h.Join("doc2", c3)

	h.BroadcastRoom("doc1", PresenceErrorMessage{Type: "presence:error", Message: "x"})

	if got := len(drain(c1)); got != 1 {
		t.Fatalf("c1 got %d messages, want 1", got)
	}
	if got := len(drain(c2)); got != 1 {
		t.Fatalf("c2 got %d messages, want 1", got)
	}
	// 别的房间收不到
	if got := len(drain(c3)); got != 0 {
		t.Fatalf("c3 got %d messages, want 0", got)
	}
}

func TestHub_BroadcastOthersExcludesSubmitter(t *testing.T) {
	h := NewHub()
	c1, c2 := newQueuedConn(), newQueuedConn()
	h.Join("doc1", c1)
	h.Join("doc1", c2)

	h.BroadcastOthers("doc1", c1, PresenceErrorMessage{Type: "presence:error", Message: "x"})

	if got := len(drain(c1)); got != 0 {
		t.Fatalf("submitter got %d messages, want 0", got)
	}
	if got := len(drain(c2)); got != 1 {
		t.Fatalf("peer got %d messages, want 1", got)
	}
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	h := NewHub()
	c1, c2 := newQueuedConn(), newQueuedConn()
	h.Join("doc1", c1)
	h.Join("doc1", c2)
	h.Leave("doc1", c1)

	h.BroadcastRoom("doc1", PresenceErrorMessage{Type: "presence:error", Message: "x"})
	if got := len(drain(c1)); got != 0 {
		t.Fatalf("left conn got %d messages, want 0", got)
	}
	if got := len(drain(c2)); got != 1 {
		t.Fatalf("remaining conn got %d messages, want 1", got)
	}
}

func TestConn_EnqueueAfterCloseIsNoOp(t *testing.T) {
	h := NewHub()
	c := newQueuedConn()
	h.Join("doc1", c)

	// 广播方拿着退房前的连接快照，断连后还可能 enqueue：不能 panic
	c.closeSend()
	c.SendMessage_Enqueue(PresenceErrorMessage{Type: "presence:error", Message: "x"})
	h.BroadcastRoom("doc1", PresenceErrorMessage{Type: "presence:error", Message: "x"})

	// 幂等关闭
	c.closeSend()
}

func TestConn_EnqueueDropsWhenFull(t *testing.T) {
	c := &Conn{send: make(chan OutboundMessage, 2)}
	// 队列满后继续 enqueue 不能阻塞也不能 panic
	for i := 0; i < 10; i++ {
		c.SendMessage_Enqueue(PresenceErrorMessage{Type: "presence:error", Message: "x"})
	}
	if got := len(c.send); got != 2 {
		t.Fatalf("queued = %d, want 2", got)
	}
}
