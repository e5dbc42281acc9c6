package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// redisStore：基于 Redis 的 Store 实现，多副本部署时共享在线状态。
// ZSET score 使用 expireAt（Unix 秒）表达"逻辑 TTL"，
// 过期会话靠读路径上的 Lua 脚本和后台 Sweep 清理。
type redisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &redisStore{rdb: rdb, ttl: ttl}
}

// 会话元数据在 sessions Hash 里存 JSON；光标/视口单独放带 TTL 的键，
// 高频更新不用反复重写整条元数据
type sessionMeta struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId,omitempty"`
	AnonymousID string `json:"anonymousId,omitempty"`
	Role        Role   `json:"role"`
	DisplayName string `json:"displayName,omitempty"`
}

func (r *redisStore) Join(ctx context.Context, docID string, s Session) (string, error) {
	sessionID := uuid.NewString()
	meta := sessionMeta{
		SessionID:   sessionID,
		UserID:      s.UserID,
		AnonymousID: s.AnonymousID,
		Role:        s.Role,
		DisplayName: s.DisplayName,
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	expireAt := time.Now().Add(r.ttl).Unix()
	tx := r.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: sessionID})
	tx.HSet(ctx, sessionsKey(docID), sessionID, b)
	if _, err := tx.Exec(ctx); err != nil {
		return "", err
	}
	return sessionID, nil
}

func (r *redisStore) Heartbeat(ctx context.Context, docID, sessionID string) (bool, error) {
	ok, err := r.alive(ctx, docID, sessionID)
	if err != nil || !ok {
		return false, err
	}
	expireAt := time.Now().Add(r.ttl).Unix()
	err = r.rdb.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: sessionID}).Err()
	return err == nil, err
}

func (r *redisStore) UpdateCursor(ctx context.Context, docID, sessionID string, pos *Position) (bool, error) {
	ok, err := r.alive(ctx, docID, sessionID)
	if err != nil || !ok {
		return false, err
	}
	key := cursorKey(docID, sessionID)
	if pos == nil {
		return true, r.rdb.Del(ctx, key).Err()
	}
	b, err := json.Marshal(pos)
	if err != nil {
		return false, err
	}
	return true, r.rdb.Set(ctx, key, b, r.ttl).Err()
}

func (r *redisStore) UpdateViewport(ctx context.Context, docID, sessionID string, vp *Viewport) (bool, error) {
	ok, err := r.alive(ctx, docID, sessionID)
	if err != nil || !ok {
		return false, err
	}
	key := viewportKey(docID, sessionID)
	if vp == nil {
		return true, r.rdb.Del(ctx, key).Err()
	}
	b, err := json.Marshal(vp)
	if err != nil {
		return false, err
	}
	return true, r.rdb.Set(ctx, key, b, r.ttl).Err()
}

func (r *redisStore) Leave(ctx context.Context, docID, sessionID string) error {
	tx := r.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), sessionID)
	tx.HDel(ctx, sessionsKey(docID), sessionID)
	tx.Del(ctx, cursorKey(docID, sessionID))
	tx.Del(ctx, viewportKey(docID, sessionID))
	_, err := tx.Exec(ctx)
	return err
}

// 过期会话的清理脚本：
// 读路径顺带执行，保证 ListActive 永远不返回超时会话
const expireScript = `
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = sessionsKey(docID)
-- ARGV[1] = now (unix seconds)

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`

func (r *redisStore) ListActive(ctx context.Context, docID string) ([]Session, error) {
	// step1: 清理过期会话（score=expireAt，<= now 视为过期）
	now := time.Now().Unix()
	script := redis.NewScript(expireScript)
	if _, err := script.Run(ctx, r.rdb, []string{roomKey(docID), sessionsKey(docID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查在线会话 id
	aliveIDs, err := r.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量取元数据
	metas, err := r.rdb.HMGet(ctx, sessionsKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step4: 光标/视口批量读（pipeline）
	pipe := r.rdb.Pipeline()
	cursorCmds := make([]*redis.StringCmd, len(aliveIDs))
	viewportCmds := make([]*redis.StringCmd, len(aliveIDs))
	for i, id := range aliveIDs {
		cursorCmds[i] = pipe.Get(ctx, cursorKey(docID, id))
		viewportCmds[i] = pipe.Get(ctx, viewportKey(docID, id))
	}
	// Get 对不存在的键返回 redis.Nil，整个 pipeline 的 err 也会是 redis.Nil，忽略
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(aliveIDs))
	for i, raw := range metas {
		s := Session{SessionID: aliveIDs[i], DocID: docID, LastSeen: time.Now()}
		if str, ok := raw.(string); ok && str != "" {
			var meta sessionMeta
			if err := json.Unmarshal([]byte(str), &meta); err == nil {
				s.UserID = meta.UserID
				s.AnonymousID = meta.AnonymousID
				s.Role = meta.Role
				s.DisplayName = meta.DisplayName
			}
		}
		if b, err := cursorCmds[i].Bytes(); err == nil {
			var pos Position
			if json.Unmarshal(b, &pos) == nil {
				s.Cursor = &pos
			}
		}
		if b, err := viewportCmds[i].Bytes(); err == nil {
			var vp Viewport
			if json.Unmarshal(b, &vp) == nil {
				s.Viewport = &vp
			}
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (r *redisStore) DocStats(ctx context.Context, docID string) (Stats, error) {
	sessions, err := r.ListActive(ctx, docID)
	if err != nil {
		return Stats{}, err
	}
	return StatsOf(sessions), nil
}

// Sweep 扫全部房间跑一遍过期脚本，内存回收不依赖读流量
func (r *redisStore) Sweep(ctx context.Context) error {
	script := redis.NewScript(expireScript)
	now := time.Now().Unix()
	iter := r.rdb.Scan(ctx, 0, "presence:room:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// sessionsKey 也以 presence:room: 开头，要跳过
		if strings.Contains(k, ":sessions:") {
			continue
		}
		docID := strings.TrimPrefix(k, "presence:room:")
		docID = strings.TrimPrefix(docID, "{docID:")
		docID = strings.TrimSuffix(docID, "}")
		if docID == "" {
			continue
		}
		if _, err := script.Run(ctx, r.rdb, []string{roomKey(docID), sessionsKey(docID)}, now).Int(); err != nil && err != redis.Nil {
			return err
		}
	}
	return iter.Err()
}

// alive 判断会话是否仍在 TTL 内（score > now）
func (r *redisStore) alive(ctx context.Context, docID, sessionID string) (bool, error) {
	score, err := r.rdb.ZScore(ctx, roomKey(docID), sessionID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return int64(score) > time.Now().Unix(), nil
}
