package history

import (
	"context"

	"github.com/sirupsen/logrus"

	"notesServer/backend/internal/block"
	"notesServer/backend/internal/metrics"
)

const DefaultMaxLength = 100

// Surface 编辑界面：历史管理器从它取快照，也通过它渲染历史状态
type Surface interface {
	Render(ctx context.Context, doc block.Document) error
	Clear(ctx context.Context) error
	Save(ctx context.Context) (block.Document, error)
}

type Options struct {
	MaxLength int
	Shortcuts Shortcuts
	Logger    *logrus.Entry
}

// Manager 线性撤销/重做历史
//   - entries 保存快照的深拷贝，与活动文档不共享任何引用
//   - position 指向当前状态；-1 表示退回到第一个快照之前（空文档）
//   - 新编辑发生在中间位置时，丢弃后面的 redo 分支
type Manager struct {
	surface Surface

	entries   [][]block.Block
	position  int
	maxLength int

	// undo/redo 渲染期间为 false，渲染触发的 RegisterChange 被丢弃
	shouldSaveHistory bool

	undo []Chord
	redo []Chord

	log *logrus.Entry
}

func NewManager(surface Surface, opt Options) *Manager {
	if opt.MaxLength <= 0 {
		opt.MaxLength = DefaultMaxLength
	}
	if len(opt.Shortcuts.Undo) == 0 && len(opt.Shortcuts.Redo) == 0 {
		opt.Shortcuts = DefaultShortcuts()
	}
	if opt.Logger == nil {
		opt.Logger = logrus.NewEntry(logrus.New())
	}
	return &Manager{
		surface:           surface,
		position:          -1,
		maxLength:         opt.MaxLength,
		shouldSaveHistory: true,
		undo:              parseChords(opt.Shortcuts.Undo),
		redo:              parseChords(opt.Shortcuts.Redo),
		log:               opt.Logger,
	}
}

// RegisterChange 由防抖器触发：取当前文档，与 position 处的快照比较，不同才入栈
func (m *Manager) RegisterChange(ctx context.Context) {
	if !m.shouldSaveHistory {
		return
	}
	doc, err := m.surface.Save(ctx)
	if err != nil {
		// 保存失败只跳过这一轮，历史栈保持原样
		m.log.WithError(err).Warn("history: save failed, skip change")
		return
	}
	if m.didUpdate(doc.Blocks) {
		m.Push(doc.Blocks)
	}
}

func (m *Manager) didUpdate(blocks []block.Block) bool {
	return !block.Equal(m.current(), blocks)
}

func (m *Manager) current() []block.Block {
	if m.position < 0 || m.position >= len(m.entries) {
		return nil
	}
	return m.entries[m.position]
}

// Push 记录新快照
func (m *Manager) Push(blocks []block.Block) {
	if m.position+1 >= m.maxLength {
		evict := m.position + 1 - m.maxLength + 1
		if evict > len(m.entries) {
			evict = len(m.entries)
		}
		m.entries = m.entries[evict:]
		m.position -= evict
	}
	if m.position > len(m.entries)-1 {
		m.position = len(m.entries) - 1
	}
	// 丢弃 redo 分支；重新分配避免与旧底层数组共享
	kept := make([][]block.Block, m.position+1, m.maxLength)
	copy(kept, m.entries[:m.position+1])
	m.entries = append(kept, block.Clone(blocks))
	m.position++
	metrics.HistoryEvents.WithLabelValues("push").Inc()
}

func (m *Manager) Undo(ctx context.Context) error {
	if m.position < 0 {
		return nil
	}
	m.position--
	metrics.HistoryEvents.WithLabelValues("undo").Inc()
	return m.render(ctx, m.current())
}

func (m *Manager) Redo(ctx context.Context) error {
	if m.position+1 >= len(m.entries) {
		return nil
	}
	m.position++
	metrics.HistoryEvents.WithLabelValues("redo").Inc()
	return m.render(ctx, m.current())
}

// HandleKey 匹配撤销/重做快捷键；返回是否命中（命中时前端应 preventDefault）
func (m *Manager) HandleKey(ctx context.Context, e KeyEvent) (bool, error) {
	switch {
	case matchesAny(m.undo, e):
		return true, m.Undo(ctx)
	case matchesAny(m.redo, e):
		return true, m.Redo(ctx)
	default:
		return false, nil
	}
}

func (m *Manager) render(ctx context.Context, blocks []block.Block) error {
	m.shouldSaveHistory = false
	defer func() { m.shouldSaveHistory = true }()

	if err := m.surface.Clear(ctx); err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}
	return m.surface.Render(ctx, block.Document{Blocks: block.Clone(blocks)})
}

// Suppressed 渲染历史状态期间为 true
func (m *Manager) Suppressed() bool { return !m.shouldSaveHistory }

func (m *Manager) Position() int { return m.position }

func (m *Manager) Len() int { return len(m.entries) }

func (m *Manager) MaxLength() int { return m.maxLength }

// Entry 返回第 i 个快照的副本
func (m *Manager) Entry(i int) ([]block.Block, bool) {
	if i < 0 || i >= len(m.entries) {
		return nil, false
	}
	return block.Clone(m.entries[i]), true
}
