package block

import (
	"errors"
	"fmt"
)

// 画布上的块类型
const (
	TypeText      = "text"
	TypeImage     = "image"
	TypeShape     = "shape"
	TypeContainer = "container"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Block 是文档的原子内容单元（文本/图片/形状/容器）。
// 权威状态由服务端的块列表独占持有，客户端只保留乐观镜像。
type Block struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Position Position `json:"position"`
	Size     Size     `json:"size"`
	ZIndex   int      `json:"zIndex"`
	// 样式包：类型相关的视觉属性（颜色/字体/圆角等）
	Styles map[string]any `json:"styles,omitempty"`
	// 内容：text 块的文本，或 image 块的图片引用
	Content string `json:"content,omitempty"`
	// container 块的子块 id 列表；只允许引用同文档内存在的块，且不能成环
	Children []string `json:"children,omitempty"`
}

var (
	ErrUnknownChild  = errors.New("UNKNOWN_CHILD_BLOCK")
	ErrChildrenCycle = errors.New("CHILDREN_CYCLE")
)

// Clone 深拷贝一个块，避免调用方和引擎共享底层 map/slice
func (b Block) Clone() Block {
	out := b
	if b.Styles != nil {
		out.Styles = make(map[string]any, len(b.Styles))
		for k, v := range b.Styles {
			out.Styles[k] = v
		}
	}
	if b.Children != nil {
		out.Children = append([]string(nil), b.Children...)
	}
	return out
}

func CloneList(blocks []Block) []Block {
	if blocks == nil {
		return nil
	}
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = b.Clone()
	}
	return out
}

// FindIndex 按 id 查块，找不到返回 -1
func FindIndex(blocks []Block, id string) int {
	for i := range blocks {
		if blocks[i].ID == id {
			return i
		}
	}
	return -1
}

// ValidateChildren 校验 container 的引用约束：
// 子块 id 必须都存在于同一文档，且沿 children 边不能走出环。
func ValidateChildren(blocks []Block) error {
	byID := make(map[string]*Block, len(blocks))
	for i := range blocks {
		byID[blocks[i].ID] = &blocks[i]
	}
	for i := range blocks {
		for _, child := range blocks[i].Children {
			if _, ok := byID[child]; !ok {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownChild, blocks[i].ID, child)
			}
		}
	}

	// 染色法找环：0 未访问 / 1 在栈上 / 2 已完成
	state := make(map[string]int, len(blocks))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case 1:
			return fmt.Errorf("%w: %s", ErrChildrenCycle, id)
		case 2:
			return nil
		}
		state[id] = 1
		for _, child := range byID[id].Children {
			if err := visit(child); err != nil {
				return err
			}
		}
		state[id] = 2
		return nil
	}
	for i := range blocks {
		if err := visit(blocks[i].ID); err != nil {
			return err
		}
	}
	return nil
}
