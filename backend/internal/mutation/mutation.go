package mutation

import (
	"errors"
	"fmt"

	"studioSync/backend/internal/block"
)

// 变更操作类型（区分联合）
type Type string

const (
	TypeMoveBlock         Type = "move_block"
	TypeResizeBlock       Type = "resize_block"
	TypeUpdateBlock       Type = "update_block"
	TypeAddBlock          Type = "add_block"
	TypeDeleteBlock       Type = "delete_block"
	TypeUpdateBlockStyles Type = "update_block_styles"
	TypeUndo              Type = "undo"
	TypeRedo              Type = "redo"
)

// Mutation 是客户端发起的一次原子修改意图。
// 提交后不可变：要么被接受进入文档历史，要么被拒绝且毫无影响。
type Mutation struct {
	ID     string `json:"id"`
	DocID  string `json:"docId"`
	UserID string `json:"userId,omitempty"` // 匿名 viewer 为空
	// 客户端时间戳（毫秒），只做记录，不参与排序
	ClientTimestamp int64 `json:"clientTimestamp,omitempty"`
	// 客户端提交时假设文档所处的版本
	BaseVersion uint64 `json:"baseVersion"`
	Type        Type   `json:"type"`

	// 按操作类型取用的载荷字段
	BlockID  string          `json:"blockId,omitempty"`
	Block    *block.Block    `json:"block,omitempty"`    // add_block：完整块
	Position *block.Position `json:"position,omitempty"` // move_block
	Size     *block.Size     `json:"size,omitempty"`     // resize_block
	Updates  map[string]any  `json:"updates,omitempty"`  // update_block
	Styles   map[string]any  `json:"styles,omitempty"`   // update_block_styles

	// undo/redo：被撤销/重做的目标变更 id，以及内嵌的逆操作/重放操作
	TargetMutationID string    `json:"targetMutationId,omitempty"`
	Inverse          *Mutation `json:"inverse,omitempty"`
}

var (
	ErrMissingID       = errors.New("MISSING_MUTATION_ID")
	ErrMissingDocID    = errors.New("MISSING_DOC_ID")
	ErrMissingType     = errors.New("MISSING_MUTATION_TYPE")
	ErrMissingBlockID  = errors.New("MISSING_BLOCK_ID")
	ErrMissingBlock    = errors.New("MISSING_BLOCK")
	ErrMissingUpdates  = errors.New("MISSING_UPDATES")
	ErrMissingTarget   = errors.New("MISSING_TARGET_MUTATION")
	ErrMissingInverse  = errors.New("MISSING_EMBEDDED_MUTATION")
	ErrUnknownType     = errors.New("UNKNOWN_MUTATION_TYPE")
	ErrDuplicateBlock  = errors.New("DUPLICATE_BLOCK_ID")
	ErrInvalidChildren = errors.New("INVALID_CHILDREN")
	ErrInverseTooDeep  = errors.New("INVERSE_CHAIN_TOO_DEEP")
)

// undo/redo 内嵌变更的最大嵌套层数。正常客户端最多产生
// undo-of-undo（2 层），超出的链按结构非法拒绝，防止恶意深链打爆递归
const maxInverseDepth = 4

// Validate 做结构性校验：必填字段齐全才放行。
// 权限和版本检查不在这里，由引擎负责。
func Validate(m *Mutation) error {
	if m == nil {
		return ErrMissingType
	}
	if m.ID == "" {
		return ErrMissingID
	}
	if m.DocID == "" {
		return ErrMissingDocID
	}
	if m.Type == "" {
		return ErrMissingType
	}
	switch m.Type {
	case TypeMoveBlock, TypeResizeBlock, TypeDeleteBlock, TypeUpdateBlockStyles:
		if m.BlockID == "" {
			return ErrMissingBlockID
		}
	case TypeUpdateBlock:
		if m.BlockID == "" {
			return ErrMissingBlockID
		}
		if m.Updates == nil {
			return ErrMissingUpdates
		}
	case TypeAddBlock:
		if m.Block == nil || m.Block.ID == "" {
			return ErrMissingBlock
		}
	case TypeUndo, TypeRedo:
		if m.TargetMutationID == "" {
			return ErrMissingTarget
		}
		if m.Inverse == nil {
			return ErrMissingInverse
		}
		depth := 0
		for inv := m.Inverse; inv != nil; inv = inv.Inverse {
			depth++
			if depth > maxInverseDepth {
				return ErrInverseTooDeep
			}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownType, m.Type)
	}
	return nil
}

// Apply 对块列表应用一个变更，返回新的列表。
// 输入列表不会被修改（先整体拷贝），出错时返回 nil，调用方状态保持不变。
//
// 注意：move/resize/update/update_styles 找不到目标块时按"静默 no-op"处理，
// 仍然视为成功（已删除的块被迟到的更新命中不算错误）。这是沿用的宽松语义，
// 收紧与否见 DESIGN.md。
func Apply(blocks []block.Block, m *Mutation) ([]block.Block, error) {
	return applyDepth(blocks, m, 0)
}

func applyDepth(blocks []block.Block, m *Mutation, depth int) ([]block.Block, error) {
	next := block.CloneList(blocks)
	if next == nil {
		next = []block.Block{}
	}

	switch m.Type {
	case TypeMoveBlock:
		if i := block.FindIndex(next, m.BlockID); i >= 0 && m.Position != nil {
			next[i].Position = *m.Position
		}

	case TypeResizeBlock:
		if i := block.FindIndex(next, m.BlockID); i >= 0 && m.Size != nil {
			next[i].Size = *m.Size
		}

	case TypeUpdateBlock:
		if i := block.FindIndex(next, m.BlockID); i >= 0 {
			if err := applyUpdates(&next[i], m.Updates); err != nil {
				return nil, err
			}
			if len(next[i].Children) > 0 {
				if err := block.ValidateChildren(next); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidChildren, err)
				}
			}
		}

	case TypeUpdateBlockStyles:
		if i := block.FindIndex(next, m.BlockID); i >= 0 {
			if next[i].Styles == nil {
				next[i].Styles = make(map[string]any, len(m.Styles))
			}
			for k, v := range m.Styles {
				next[i].Styles[k] = v
			}
		}

	case TypeAddBlock:
		// 幂等保护：同一块被重复投递时第二次拒绝
		if block.FindIndex(next, m.Block.ID) >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBlock, m.Block.ID)
		}
		next = append(next, m.Block.Clone())
		if len(m.Block.Children) > 0 {
			if err := block.ValidateChildren(next); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidChildren, err)
			}
		}

	case TypeDeleteBlock:
		// 不存在时也是成功的 no-op
		out := next[:0]
		for _, b := range next {
			if b.ID != m.BlockID {
				out = append(out, b)
			}
		}
		next = out

	case TypeUndo, TypeRedo:
		// undo/redo 不是独立实现的操作，而是递归重放内嵌的变更。
		// Apply 也可能被未走 Validate 的路径调用，这里独立兜底深度和空指针
		if m.Inverse == nil {
			return nil, ErrMissingInverse
		}
		if depth >= maxInverseDepth {
			return nil, ErrInverseTooDeep
		}
		return applyDepth(blocks, m.Inverse, depth+1)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, m.Type)
	}

	return next, nil
}

// applyUpdates 把 update_block 的更新包落到块上。
// 只认识已知字段，未知键忽略。
func applyUpdates(b *block.Block, updates map[string]any) error {
	for key, raw := range updates {
		switch key {
		case "content":
			if s, ok := raw.(string); ok {
				b.Content = s
			}
		case "type":
			if s, ok := raw.(string); ok {
				b.Type = s
			}
		case "zIndex":
			if n, ok := toFloat(raw); ok {
				b.ZIndex = int(n)
			}
		case "position":
			if mp, ok := raw.(map[string]any); ok {
				if x, ok := toFloat(mp["x"]); ok {
					b.Position.X = x
				}
				if y, ok := toFloat(mp["y"]); ok {
					b.Position.Y = y
				}
			}
		case "size":
			if mp, ok := raw.(map[string]any); ok {
				if w, ok := toFloat(mp["width"]); ok {
					b.Size.Width = w
				}
				if h, ok := toFloat(mp["height"]); ok {
					b.Size.Height = h
				}
			}
		case "styles":
			if mp, ok := raw.(map[string]any); ok {
				if b.Styles == nil {
					b.Styles = make(map[string]any, len(mp))
				}
				for k, v := range mp {
					b.Styles[k] = v
				}
			}
		case "children":
			switch v := raw.(type) {
			case []string:
				b.Children = append([]string(nil), v...)
			case []any:
				// JSON 解码出来是 []any
				children := make([]string, 0, len(v))
				for _, item := range v {
					if s, ok := item.(string); ok {
						children = append(children, s)
					}
				}
				b.Children = children
			}
		}
	}
	return nil
}

// JSON 数字解码出来是 float64，内部传参可能是 int
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
