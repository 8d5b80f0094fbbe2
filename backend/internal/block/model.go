package block

import (
	"errors"
	"fmt"
)

var (
	ErrBlockNotFound   = errors.New("BLOCK_NOT_FOUND")
	ErrDuplicateID     = errors.New("DUPLICATE_BLOCK_ID")
	ErrIndexOutOfRange = errors.New("INDEX_OUT_OF_RANGE")
)

// Model 是编辑会话独占的内存块文档
// 不加锁：所有读写都在会话的单一事件循环里串行执行
type Model struct {
	blocks []Block
}

func NewModel(doc Document) *Model {
	m := &Model{}
	m.Replace(doc)
	return m
}

func (m *Model) Len() int { return len(m.blocks) }

// GetAll 返回副本，调用方改动不会影响模型
func (m *Model) GetAll() []Block {
	return Clone(m.blocks)
}

func (m *Model) Document() Document {
	return Document{Blocks: m.GetAll()}
}

func (m *Model) GetByID(id string) (Block, bool) {
	idx := m.IndexOf(id)
	if idx < 0 {
		return Block{}, false
	}
	return m.blocks[idx].Clone(), true
}

// IndexOf 未找到返回 -1
func (m *Model) IndexOf(id string) int {
	for i := range m.blocks {
		if m.blocks[i].ID == id {
			return i
		}
	}
	return -1
}

// InsertAt 超出末尾的下标按追加处理（与 editor.js blocks.insert 一致）
func (m *Model) InsertAt(index int, b Block) error {
	if index < 0 {
		return fmt.Errorf("insert at %d: %w", index, ErrIndexOutOfRange)
	}
	if b.ID == "" {
		b.ID = NewID()
	}
	if m.IndexOf(b.ID) >= 0 {
		return fmt.Errorf("insert %s: %w", b.ID, ErrDuplicateID)
	}
	if index > len(m.blocks) {
		index = len(m.blocks)
	}
	m.blocks = append(m.blocks, Block{})
	copy(m.blocks[index+1:], m.blocks[index:])
	m.blocks[index] = b.Clone()
	return nil
}

func (m *Model) DeleteAt(index int) error {
	if index < 0 || index >= len(m.blocks) {
		return fmt.Errorf("delete at %d: %w", index, ErrIndexOutOfRange)
	}
	m.blocks = append(m.blocks[:index], m.blocks[index+1:]...)
	return nil
}

// MoveTo 单个逻辑操作：块值整体搬移，id 与数据不经历删除/重建
// 语义同 editor.js blocks.move：执行后块位于 to
func (m *Model) MoveTo(from, to int) error {
	n := len(m.blocks)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("move %d -> %d: %w", from, to, ErrIndexOutOfRange)
	}
	if from == to {
		return nil
	}
	moved := m.blocks[from]
	if from < to {
		copy(m.blocks[from:to], m.blocks[from+1:to+1])
	} else {
		copy(m.blocks[to+1:from+1], m.blocks[to:from])
	}
	m.blocks[to] = moved
	return nil
}

func (m *Model) UpdateData(id string, data map[string]any) error {
	idx := m.IndexOf(id)
	if idx < 0 {
		return fmt.Errorf("update %s: %w", id, ErrBlockNotFound)
	}
	m.blocks[idx].Data = CloneData(data)
	return nil
}

// SetType 块类型变化时使用（例如 paragraph 转 header），数据不变
func (m *Model) SetType(id, typ string) error {
	idx := m.IndexOf(id)
	if idx < 0 {
		return fmt.Errorf("retype %s: %w", id, ErrBlockNotFound)
	}
	m.blocks[idx].Type = typ
	return nil
}

// Replace 整体替换（渲染历史快照时使用）；重复 id 只保留第一次出现
func (m *Model) Replace(doc Document) {
	seen := make(map[string]struct{}, len(doc.Blocks))
	blocks := make([]Block, 0, len(doc.Blocks))
	for _, b := range doc.Blocks {
		if b.ID == "" {
			b.ID = NewID()
		}
		if _, dup := seen[b.ID]; dup {
			continue
		}
		seen[b.ID] = struct{}{}
		blocks = append(blocks, b.Clone())
	}
	m.blocks = blocks
}

func (m *Model) Clear() {
	m.blocks = nil
}
