package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"studioSync/backend/internal/block"
	"studioSync/backend/internal/mutation"
	"studioSync/backend/internal/presence"
)

var (
	ErrVersionConflict   = errors.New("VERSION_CONFLICT")
	ErrViewerReadOnly    = errors.New("VIEWER_READ_ONLY")
	ErrDocNotInitialized = errors.New("DOC_NOT_INITIALIZED")
)

// Ack 只发给提交者本人；其他会话永远只看到被成功应用的变更
type Ack struct {
	MutationID     string `json:"mutationId"`
	Accepted       bool   `json:"accepted"`
	AppliedVersion uint64 `json:"appliedVersion,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Result 是 Process 的产出：给提交者的 ack + 是否需要广播 +
// 应用后的全量权威快照（广播/state-update 用）
type Result struct {
	Ack             Ack
	ShouldBroadcast bool
	Blocks          []block.Block
	Version         uint64
}

// Applied 记录一条被成功应用的变更（重试队列回放时也用它对外广播）
type Applied struct {
	Mutation  *mutation.Mutation
	Version   uint64
	AppliedAt time.Time
}

// 单个文档的权威状态。
// Uninitialized -> Ready：只有显式 Initialize 带来起始快照后才进入 Ready，
// 在那之前的提交一律拒绝，不会被悄悄吞掉。
type docState struct {
	ready  bool
	blocks []block.Block
	// 版本冲突的变更停在这里等待重试，有界，满了丢最老的
	pending []*mutation.Mutation
}

// Engine 是文档内容变更的唯一仲裁者。
// 权威块列表只能由它改写；版本号推进全部走注入的 VersionStore。
// 注意这不是 OT/CRDT：baseVersion 落后于当前版本的变更直接判冲突进队列，
// 并发编辑的输家等重试而不是被合并（刻意保留的简化，见 DESIGN.md）。
type Engine struct {
	mu   sync.Mutex
	docs map[string]*docState

	versions   *VersionStore
	pendingCap int

	// 事件外发（可为 nil，纯内存运行）
	dispatcher *KafkaDispatcher
}

func NewEngine(versions *VersionStore, dispatcher *KafkaDispatcher, pendingCap int) *Engine {
	if pendingCap <= 0 {
		pendingCap = 256
	}
	return &Engine{
		docs:       make(map[string]*docState),
		versions:   versions,
		pendingCap: pendingCap,
		dispatcher: dispatcher,
	}
}

// Initialize 用客户端提供的快照建立权威基线。
// 文档已经 Ready 时以服务端为准，直接返回现有权威状态（server wins）。
// 新基线会清空旧的待重试队列：新会话不该回放旧冲突。
func (e *Engine) Initialize(docID string, blocks []block.Block, version uint64) ([]block.Block, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ds := e.docs[docID]
	if ds != nil && ds.ready {
		rec := e.versions.GetOrInit(docID)
		return block.CloneList(ds.blocks), rec.Version
	}
	ds = &docState{
		ready:  true,
		blocks: block.CloneList(blocks),
	}
	if ds.blocks == nil {
		ds.blocks = []block.Block{}
	}
	e.docs[docID] = ds
	e.versions.InitializeFrom(docID, version)
	return block.CloneList(ds.blocks), version
}

// Process 是唯一入口：validate -> canApply -> apply。
// canApply 失败的变更进待重试队列并立即返回 accepted=false，不阻塞调用方。
func (e *Engine) Process(m *mutation.Mutation, role presence.Role) Result {
	// 服务端独立兜底：viewer 严格只读，不信客户端的声明
	if role == presence.RoleViewer || role == "" {
		return rejected(m, ErrViewerReadOnly.Error())
	}
	if err := mutation.Validate(m); err != nil {
		return rejected(m, err.Error())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ds := e.docs[m.DocID]
	if ds == nil || !ds.ready {
		return rejected(m, ErrDocNotInitialized.Error())
	}

	current := e.versions.GetOrInit(m.DocID).Version
	if m.BaseVersion < current {
		// 粗粒度悲观检查：不是基于最新版本的变更一律判冲突，
		// 排进队列等 ProcessPending，不做智能合并
		e.enqueuePending(ds, m)
		return rejected(m, ErrVersionConflict.Error())
	}

	next, err := mutation.Apply(ds.blocks, m)
	if err != nil {
		// 应用中途出错对该变更是终态，权威状态保持原样
		return rejected(m, err.Error())
	}

	ds.blocks = next
	newVersion := e.versions.Increment(m.DocID, m.ID)
	e.publish(m, newVersion)

	return Result{
		Ack: Ack{
			MutationID:     m.ID,
			Accepted:       true,
			AppliedVersion: newVersion,
		},
		ShouldBroadcast: true,
		Blocks:          block.CloneList(ds.blocks),
		Version:         newVersion,
	}
}

// ProcessPending 把队列里的变更逐个对当前版本重试，
// 应用成功的移出队列并返回，其余留在原地。
// 这是唯一的冲突恢复机制，由传输层在每次成功提交后顺手触发。
func (e *Engine) ProcessPending(docID string) []Applied {
	e.mu.Lock()
	defer e.mu.Unlock()

	ds := e.docs[docID]
	if ds == nil || !ds.ready || len(ds.pending) == 0 {
		return nil
	}

	var applied []Applied
	remaining := ds.pending[:0]
	for _, m := range ds.pending {
		current := e.versions.GetOrInit(docID).Version
		if m.BaseVersion < current {
			remaining = append(remaining, m)
			continue
		}
		next, err := mutation.Apply(ds.blocks, m)
		if err != nil {
			// 重试时的应用失败是终态，直接出队
			log.Printf("pending mutation dropped doc=%s mutation=%s err=%v", docID, m.ID, err)
			continue
		}
		ds.blocks = next
		v := e.versions.Increment(docID, m.ID)
		e.publish(m, v)
		applied = append(applied, Applied{Mutation: m, Version: v, AppliedAt: time.Now()})
	}
	ds.pending = remaining
	return applied
}

// PendingCount 当前文档待重试队列长度（测试/观测用）
func (e *Engine) PendingCount(docID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ds := e.docs[docID]; ds != nil {
		return len(ds.pending)
	}
	return 0
}

// Snapshot 返回应用后立即取到的全量一致快照，绝不返回半截状态
func (e *Engine) Snapshot(docID string) ([]block.Block, uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds := e.docs[docID]
	if ds == nil || !ds.ready {
		return nil, 0, false
	}
	return block.CloneList(ds.blocks), e.versions.GetOrInit(docID).Version, true
}

// ActiveDocuments 返回当前 Ready 的文档 id（自动存快照的巡检用）
func (e *Engine) ActiveDocuments() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.docs))
	for docID, ds := range e.docs {
		if ds.ready {
			out = append(out, docID)
		}
	}
	return out
}

// CleanupInactive 清理闲置文档：版本记录、权威状态、待重试队列一起走
func (e *Engine) CleanupInactive(maxAge time.Duration) int {
	evicted := e.versions.CleanupInactive(maxAge)
	if len(evicted) == 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, docID := range evicted {
		delete(e.docs, docID)
	}
	return len(evicted)
}

func (e *Engine) enqueuePending(ds *docState, m *mutation.Mutation) {
	if len(ds.pending) >= e.pendingCap {
		// 有界队列，挤掉最老的一条
		ds.pending = ds.pending[1:]
	}
	ds.pending = append(ds.pending, m)
}

func (e *Engine) publish(m *mutation.Mutation, version uint64) {
	if e.dispatcher == nil {
		return
	}
	evt := MutationEvent{
		EventType:  "MUTATION_APPLIED",
		DocID:      m.DocID,
		MutationID: m.ID,
		Version:    version,
		UserID:     m.UserID,
		Kind:       string(m.Type),
		AppliedAt:  time.Now(),
	}
	// 不阻塞主提交链路，送不进队列就丢（事件流不要求强一致）
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.dispatcher.Enqueue(ctx, evt); err != nil {
		log.Printf("mutation event dropped doc=%s mutation=%s err=%v", m.DocID, m.ID, err)
	}
}

func rejected(m *mutation.Mutation, reason string) Result {
	id := ""
	if m != nil {
		id = m.ID
	}
	return Result{Ack: Ack{MutationID: id, Accepted: false, Reason: reason}}
}
