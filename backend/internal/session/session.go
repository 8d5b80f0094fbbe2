package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"notesServer/backend/internal/block"
	"notesServer/backend/internal/debounce"
	"notesServer/backend/internal/history"
	"notesServer/backend/internal/lock"
	"notesServer/backend/internal/metrics"
	"notesServer/backend/internal/reconcile"
)

type Options struct {
	HistoryMaxLength int
	Shortcuts        history.Shortcuts
	DebounceWindow   time.Duration
	IgnoredClasses   []string
	QueueSize        int
	Logger           *logrus.Entry
}

// Session 一个客户端编辑一篇笔记的会话控制器
// 模型、锁、历史、防抖器都是它的字段，不存在全局状态，同一进程可以有任意多个会话
//
// 所有读写都投递到 Run 的单一事件循环里执行：
//   - 远端快照的协调（计算 + 执行）一次完整做完才处理下一条
//   - 本地编辑与远端协调由事件循环串行化
type Session struct {
	noteID string

	model     *block.Model
	locks     *lock.Coordinator
	history   *history.Manager
	debouncer *debounce.Debouncer
	sink      Sink
	cleared   bool

	tasks     chan func(ctx context.Context)
	done      chan struct{}
	closeOnce sync.Once

	log *logrus.Entry
}

func New(noteID string, doc block.Document, sink Sink, opt Options) *Session {
	if opt.Logger == nil {
		opt.Logger = logrus.NewEntry(logrus.New())
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 64
	}
	s := &Session{
		noteID: noteID,
		model:  block.NewModel(doc),
		sink:   sink,
		tasks:  make(chan func(ctx context.Context), opt.QueueSize),
		done:   make(chan struct{}),
		log:    opt.Logger.WithField("noteId", noteID),
	}
	s.locks = lock.NewCoordinator(func(e lock.Event) { s.sink.Lock(s.noteID, e) })
	s.history = history.NewManager(modelSurface{s: s}, history.Options{
		MaxLength: opt.HistoryMaxLength,
		Shortcuts: opt.Shortcuts,
		Logger:    s.log,
	})
	s.debouncer = debounce.New(opt.DebounceWindow, s.postRegisterChange,
		debounce.WithPredicate(debounce.ContentPredicate(opt.IgnoredClasses...)),
		debounce.WithDestroy(s.Close),
	)
	// 初始内容作为第一个历史快照
	if s.model.Len() > 0 {
		s.history.Push(s.model.GetAll())
	}
	return s
}

func (s *Session) NoteID() string { return s.noteID }

// Run 事件循环，阻塞直到 ctx 结束或 Close
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-s.done:
			return nil
		case task := <-s.tasks:
			select {
			case <-s.done:
				// 界面已销毁：排队中的操作不再执行
				return nil
			default:
			}
			task(ctx)
		}
	}
}

// Close 停止防抖并丢弃排队中的任务；之后所有调用返回 ErrClosed
// 对端看到的锁由连接层在断开时清理
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.debouncer.Stop()
		close(s.done)
		s.log.Debug("session closed")
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) post(task func(ctx context.Context)) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.tasks <- task:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// do 投递并等待执行完成
func (s *Session) do(fn func(ctx context.Context) error) error {
	errCh := make(chan error, 1)
	if err := s.post(func(ctx context.Context) { errCh <- fn(ctx) }); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// ApplyRemote 把远端快照协调进本地文档，返回已推送给客户端的操作
func (s *Session) ApplyRemote(doc block.Document) ([]reconcile.Operation, error) {
	var ops []reconcile.Operation
	err := s.do(func(ctx context.Context) error {
		ops = s.applyRemote(doc)
		return nil
	})
	return ops, err
}

// PostRemote 异步版本，供广播使用（广播方不能等待其他会话的事件循环）
func (s *Session) PostRemote(doc block.Document) error {
	doc = doc.Clone()
	return s.post(func(ctx context.Context) { s.applyRemote(doc) })
}

func (s *Session) applyRemote(doc block.Document) []reconcile.Operation {
	incoming, dropped := reconcile.Normalize(doc.Blocks)
	if len(dropped) > 0 {
		s.log.WithField("dropped", dropped).Warn("remote snapshot has blocks without id or duplicate ids")
	}

	current := s.model.GetAll()
	locked := s.locks.Locked()
	lockedID := ""
	if locked >= 0 && locked < len(current) {
		lockedID = current[locked].ID
	}

	ops := reconcile.Reconcile(current, incoming, locked)
	if len(ops) == 0 {
		return nil
	}
	for kind, n := range reconcile.Count(ops) {
		metrics.ReconcileOps.WithLabelValues(string(kind)).Add(float64(n))
	}

	applied, err := reconcile.Apply(s.model, ops)
	if err != nil {
		metrics.ReconcileFailures.Add(float64(len(ops) - applied))
		s.log.WithError(err).WithField("applied", applied).Warn("reconcile: some operations skipped")
	}

	// 锁跟随块：被锁的块被移动则锁跟到新下标，被删除则释放
	if lockedID != "" {
		switch idx := s.model.IndexOf(lockedID); {
		case idx < 0:
			s.log.WithField("blockId", lockedID).Warn("reconcile: remote snapshot removed the block under local edit")
			s.locks.Unlock()
		case idx != locked:
			s.locks.Lock(idx)
		}
	}

	s.sink.Operations(s.noteID, ops)
	return ops
}

// Load 用持久化内容覆盖当前文档并推送给客户端，内容不同则记一条历史
func (s *Session) Load(doc block.Document) error {
	doc = doc.Clone()
	return s.do(func(ctx context.Context) error {
		s.locks.Unlock()
		s.model.Replace(doc)
		s.sink.Render(s.noteID, s.model.Document())
		s.history.RegisterChange(ctx)
		return nil
	})
}

// Replace 客户端上报了完整的本地文档（editor onChange -> save）
func (s *Session) Replace(doc block.Document) error {
	doc = doc.Clone()
	return s.do(func(ctx context.Context) error {
		s.model.Replace(doc)
		return nil
	})
}

// Edit 客户端上报的细粒度本地编辑
func (s *Session) Edit(ops ...reconcile.Operation) error {
	return s.do(func(ctx context.Context) error {
		_, err := reconcile.Apply(s.model, ops)
		return err
	})
}

func (s *Session) FocusEnter(index int) error {
	return s.do(func(ctx context.Context) error {
		s.locks.Lock(index)
		return nil
	})
}

func (s *Session) FocusExit() error {
	return s.do(func(ctx context.Context) error {
		s.locks.Unlock()
		return nil
	})
}

// Locked 当前本地锁定的下标
func (s *Session) Locked() (int, error) {
	idx := lock.NoLock
	err := s.do(func(ctx context.Context) error {
		idx = s.locks.Locked()
		return nil
	})
	return idx, err
}

// Mutate 原始变更通知，经防抖后登记历史
func (s *Session) Mutate(batch ...debounce.Mutation) bool {
	if s.isClosed() {
		return false
	}
	return s.debouncer.Notify(batch...)
}

// Subscribe 把会话挂到一个变更源上，返回取消订阅函数
func (s *Session) Subscribe(src debounce.Source) func() {
	return src.OnContentMutation(nil, func(batch []debounce.Mutation) { s.Mutate(batch...) })
}

// FlushHistory 立即登记等待中的变更（保存前、断开前使用）
func (s *Session) FlushHistory() error {
	s.debouncer.Flush()
	// 排在回调投递的任务之后：返回时登记已经完成
	return s.do(func(context.Context) error { return nil })
}

func (s *Session) postRegisterChange() {
	if err := s.post(func(ctx context.Context) { s.history.RegisterChange(ctx) }); err != nil {
		s.log.WithError(err).Debug("history: change dropped")
	}
}

// RegisterChange 同步登记一次历史（测试和显式保存使用）
func (s *Session) RegisterChange() error {
	return s.do(func(ctx context.Context) error {
		s.history.RegisterChange(ctx)
		return nil
	})
}

func (s *Session) Undo() error {
	return s.do(func(ctx context.Context) error {
		defer s.flushClear()
		return s.history.Undo(ctx)
	})
}

func (s *Session) Redo() error {
	return s.do(func(ctx context.Context) error {
		defer s.flushClear()
		return s.history.Redo(ctx)
	})
}

func (s *Session) flushClear() {
	if s.cleared {
		s.cleared = false
		s.sink.Render(s.noteID, block.Document{Blocks: []block.Block{}})
	}
}

func (s *Session) HandleKey(e history.KeyEvent) (bool, error) {
	handled := false
	err := s.do(func(ctx context.Context) error {
		defer s.flushClear()
		var err error
		handled, err = s.history.HandleKey(ctx, e)
		return err
	})
	return handled, err
}

// Snapshot 当前文档副本
func (s *Session) Snapshot() (block.Document, error) {
	var doc block.Document
	err := s.do(func(ctx context.Context) error {
		doc = s.model.Document()
		return nil
	})
	return doc, err
}

// HistoryState 返回 (position, entries)
func (s *Session) HistoryState() (int, int, error) {
	var pos, n int
	err := s.do(func(ctx context.Context) error {
		pos, n = s.history.Position(), s.history.Len()
		return nil
	})
	return pos, n, err
}
