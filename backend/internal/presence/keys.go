package presence

import "fmt"

// 键语义：
// - roomKey(docID):              房间在线会话（ZSet<sessionId, expireAtUnix>，score=expireAt）
// - sessionsKey(docID):          房间内 sessionId→会话元数据 JSON（Hash）
// - cursorKey(docID,sessionID):  会话光标 JSON（String，带 TTL）
// - viewportKey(docID,sessionID): 会话视口 JSON（String，带 TTL）

const (
	keyRoomFmt     = "presence:room:{docID:%s}"          // ZSet<sessionId, expireAtUnix>
	keySessionsFmt = "presence:room:sessions:{docID:%s}" // Hash<sessionId -> json>
	keyCursorFmt   = "presence:cursor:%s:%s"             // String JSON with TTL
	keyViewportFmt = "presence:viewport:%s:%s"           // String JSON with TTL
)

func roomKey(docID string) string     { return fmt.Sprintf(keyRoomFmt, docID) }
func sessionsKey(docID string) string { return fmt.Sprintf(keySessionsFmt, docID) }
func cursorKey(docID, sessionID string) string {
	return fmt.Sprintf(keyCursorFmt, docID, sessionID)
}
func viewportKey(docID, sessionID string) string {
	return fmt.Sprintf(keyViewportFmt, docID, sessionID)
}
