package collab

import "time"

// MutationEvent 发到 Kafka 的"变更已应用"事件，按 docId 分区，
// 给下游（自动存档/活动流）消费
type MutationEvent struct {
	EventType  string    `json:"eventType"` // 固定 "MUTATION_APPLIED"
	DocID      string    `json:"docId"`
	MutationID string    `json:"mutationId"`
	Version    uint64    `json:"version"`
	UserID     string    `json:"userId,omitempty"`
	Kind       string    `json:"kind"` // 操作类型（move_block / add_block / ...）
	AppliedAt  time.Time `json:"appliedAt"`
}
