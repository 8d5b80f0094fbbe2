package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"notesServer/backend/internal/block"
	"notesServer/backend/internal/entity"
	"notesServer/backend/internal/reconcile"
	"notesServer/backend/internal/repo"
)

// Service 笔记协作服务：保存每篇笔记的最新快照，并给各会话提供广播来源
type Service interface {
	CreateNote(ctx context.Context, authorID uint64, author, title string) (entity.Note, error)
	ListNotes(ctx context.Context) ([]entity.Note, error)
	FindNote(ctx context.Context, noteID string) (entity.Note, error)

	// UpdateNote 提交客户端的完整快照；内容没变返回 ErrNoChange
	UpdateNote(ctx context.Context, noteID string, authorID uint64, clientID string, clientSeq uint64,
		doc block.Document) (Revision, error)

	LoadNote(ctx context.Context, noteID string) (block.Document, uint64, error)

	// 用于握手/追平
	SnapshotsSince(ctx context.Context, noteID string, fromRevision uint64, limit int) ([]Revision, error)

	SaveSnapshot(ctx context.Context, noteID string) error

	// SearchNotes 提及补全：标题前缀匹配（不区分大小写），q 为空返回空
	SearchNotes(ctx context.Context, q string) ([]NoteMention, error)

	// SearchBlocks 找出所有通过提及锚点引用了 targetID 的块
	SearchBlocks(ctx context.Context, targetID string) ([]BlockRef, error)
}

// Revision 一次被接受的快照提交
type Revision struct {
	EventID   string         `json:"eventId"`
	NoteID    string         `json:"noteId"`
	Revision  uint64         `json:"revision"`
	AuthorID  uint64         `json:"authorId"`
	ClientID  string         `json:"clientId,omitempty"`
	ClientSeq uint64         `json:"clientSeq,omitempty"`
	Document  block.Document `json:"document"`
	// 规范化时丢弃的重复/空 id
	Dropped   []string  `json:"dropped,omitempty"`
	AppliedAt time.Time `json:"appliedAt"`
}

var (
	ErrNoteNotFound          = errors.New("NOTE_NOT_FOUND")
	ErrNoChange              = errors.New("NO_CHANGE")
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrStoreNotInitialized   = errors.New("STORE_NOT_INITIALIZED")
)

const (
	DefaultRingCap     = 256
	DefaultSearchLimit = 20
)

type noteState struct {
	mu       sync.RWMutex
	revision uint64
	doc      block.Document
	ring     []Revision
	// 去重窗口：某 clientId 最近的最大 clientSeq
	lastSeqByClient map[string]uint64
}

type ServiceOptions struct {
	RingCap int
	// 入队等待上限，超时的事件直接丢弃
	EnqueueTimeout time.Duration
	Logger         *logrus.Entry
}

// InMemoryService 内存中持有所有已打开笔记的状态，持久化交给 repo
type InMemoryService struct {
	mu      sync.RWMutex
	notes   map[string]*noteState
	ringCap int

	noteRepo     repo.NoteRepo
	snapshotRepo repo.SnapshotRepo
	events       EventPublisher

	enqueueTimeout time.Duration
	log            *logrus.Entry
}

var _ Service = (*InMemoryService)(nil)

func NewInMemoryService(noteRepo repo.NoteRepo, snapshotRepo repo.SnapshotRepo, events EventPublisher, opt ServiceOptions) *InMemoryService {
	if opt.RingCap <= 0 {
		opt.RingCap = DefaultRingCap
	}
	if opt.EnqueueTimeout <= 0 {
		opt.EnqueueTimeout = 50 * time.Millisecond
	}
	if opt.Logger == nil {
		opt.Logger = logrus.NewEntry(logrus.New())
	}
	return &InMemoryService{
		notes:          make(map[string]*noteState),
		ringCap:        opt.RingCap,
		noteRepo:       noteRepo,
		snapshotRepo:   snapshotRepo,
		events:         events,
		enqueueTimeout: opt.EnqueueTimeout,
		log:            opt.Logger,
	}
}

func (s *InMemoryService) CreateNote(ctx context.Context, authorID uint64, author, title string) (entity.Note, error) {
	if s.noteRepo == nil {
		return entity.Note{}, ErrStoreNotInitialized
	}
	empty := block.Document{Blocks: []block.Block{}}
	content, err := json.Marshal(empty)
	if err != nil {
		return entity.Note{}, err
	}
	note := entity.Note{
		ID:        uuid.NewString(),
		Title:     title,
		Author:    author,
		AuthorID:  authorID,
		Content:   string(content),
		CreatedAt: time.Now(),
	}
	if err := s.noteRepo.CreateNote(ctx, &note); err != nil {
		return entity.Note{}, fmt.Errorf("create note: %w", err)
	}

	s.mu.Lock()
	s.notes[note.ID] = s.newState(0, empty)
	s.mu.Unlock()

	s.publish(ctx, NoteEvent{
		EventType: EventNoteCreated,
		EventID:   uuid.NewString(),
		NoteID:    note.ID,
		Title:     note.Title,
		AuthorID:  authorID,
		Author:    author,
		AppliedAt: note.CreatedAt,
	})
	return note, nil
}

func (s *InMemoryService) ListNotes(ctx context.Context) ([]entity.Note, error) {
	if s.noteRepo == nil {
		return nil, ErrStoreNotInitialized
	}
	return s.noteRepo.ListNotes(ctx)
}

func (s *InMemoryService) FindNote(ctx context.Context, noteID string) (entity.Note, error) {
	if s.noteRepo == nil {
		return entity.Note{}, ErrStoreNotInitialized
	}
	note, err := s.noteRepo.FindNote(ctx, noteID)
	if err != nil {
		return entity.Note{}, err
	}
	if note == nil {
		return entity.Note{}, ErrNoteNotFound
	}
	return *note, nil
}

func (s *InMemoryService) newState(rev uint64, doc block.Document) *noteState {
	return &noteState{
		revision:        rev,
		doc:             doc,
		ring:            make([]Revision, 0, s.ringCap),
		lastSeqByClient: make(map[string]uint64),
	}
}

// state 取已打开笔记的状态；未打开时从持久层加载（优先最新快照，其次 notes.content）
func (s *InMemoryService) state(ctx context.Context, noteID string) (*noteState, error) {
	s.mu.RLock()
	ns := s.notes[noteID]
	s.mu.RUnlock()
	if ns != nil {
		return ns, nil
	}

	rev, doc, err := s.loadPersisted(ctx, noteID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ns = s.notes[noteID]; ns == nil {
		ns = s.newState(rev, doc)
		s.notes[noteID] = ns
	}
	return ns, nil
}

func (s *InMemoryService) loadPersisted(ctx context.Context, noteID string) (uint64, block.Document, error) {
	if s.noteRepo == nil {
		return 0, block.Document{}, ErrNoteNotFound
	}
	note, err := s.noteRepo.FindNote(ctx, noteID)
	if err != nil {
		return 0, block.Document{}, err
	}
	if note == nil {
		return 0, block.Document{}, ErrNoteNotFound
	}

	rev, content := note.Revision, []byte(note.Content)
	if s.snapshotRepo != nil {
		snapRev, snap, err := s.snapshotRepo.LatestSnapshot(ctx, noteID)
		if err != nil {
			s.log.WithError(err).WithField("noteId", noteID).Warn("load latest snapshot failed, fall back to note content")
		} else if snap != nil && snapRev >= rev {
			rev, content = snapRev, snap
		}
	}

	doc := block.Document{Blocks: []block.Block{}}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &doc); err != nil {
			return 0, block.Document{}, fmt.Errorf("decode note %s: %w", noteID, err)
		}
	}
	blocks, dropped := reconcile.Normalize(doc.Blocks)
	if len(dropped) > 0 {
		s.log.WithFields(logrus.Fields{"noteId": noteID, "dropped": dropped}).Warn("persisted note has duplicate block ids")
	}
	doc.Blocks = blocks
	return rev, doc, nil
}

func (s *InMemoryService) UpdateNote(ctx context.Context, noteID string, authorID uint64, clientID string, clientSeq uint64, doc block.Document) (Revision, error) {
	ns, err := s.state(ctx, noteID)
	if err != nil {
		return Revision{}, err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()

	// 幂等/去重：同一 clientId 只接受递增的序号；clientSeq 为 0 表示客户端不编号
	if clientID != "" && clientSeq > 0 {
		if last := ns.lastSeqByClient[clientID]; clientSeq <= last {
			return Revision{}, ErrDuplicateOrOutOfOrder
		}
		ns.lastSeqByClient[clientID] = clientSeq
	}

	blocks, dropped := reconcile.Normalize(doc.Blocks)
	if len(dropped) > 0 {
		s.log.WithFields(logrus.Fields{"noteId": noteID, "clientId": clientID, "dropped": dropped}).
			Warn("update has blocks without id or duplicate ids")
	}
	if block.Equal(ns.doc.Blocks, blocks) {
		return Revision{}, ErrNoChange
	}

	next := block.Document{Time: doc.Time, Version: doc.Version, Blocks: block.Clone(blocks)}
	ns.revision++
	ns.doc = next
	applied := Revision{
		EventID:   uuid.NewString(),
		NoteID:    noteID,
		Revision:  ns.revision,
		AuthorID:  authorID,
		ClientID:  clientID,
		ClientSeq: clientSeq,
		Document:  next.Clone(),
		Dropped:   dropped,
		AppliedAt: time.Now(),
	}

	// 环形缓冲：满了丢最老的一条
	if cap(ns.ring) > 0 && len(ns.ring) == cap(ns.ring) {
		copy(ns.ring[0:], ns.ring[1:])
		ns.ring = ns.ring[:len(ns.ring)-1]
	}
	ns.ring = append(ns.ring, applied)

	evtDoc := next.Clone()
	s.publish(ctx, NoteEvent{
		EventType:  EventNoteUpdated,
		EventID:    applied.EventID,
		NoteID:     noteID,
		Revision:   applied.Revision,
		AuthorID:   authorID,
		ClientID:   clientID,
		ClientSeq:  clientSeq,
		BlockCount: len(next.Blocks),
		Document:   &evtDoc,
		AppliedAt:  applied.AppliedAt,
	})

	return applied, nil
}

// publish 不阻塞主流程：入队超时只记日志
func (s *InMemoryService) publish(ctx context.Context, evt NoteEvent) {
	if s.events == nil {
		return
	}
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.enqueueTimeout)
	defer cancel()
	if err := s.events.Enqueue(enqueueCtx, evt); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"noteId":    evt.NoteID,
			"eventType": evt.EventType,
		}).Warn("note event dropped")
	}
}

func (s *InMemoryService) LoadNote(ctx context.Context, noteID string) (block.Document, uint64, error) {
	ns, err := s.state(ctx, noteID)
	if err != nil {
		return block.Document{}, 0, err
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.doc.Clone(), ns.revision, nil
}

func (s *InMemoryService) SnapshotsSince(ctx context.Context, noteID string, fromRevision uint64, limit int) ([]Revision, error) {
	s.mu.RLock()
	ns := s.notes[noteID]
	s.mu.RUnlock()
	if ns == nil {
		return nil, nil
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	var out []Revision
	for _, r := range ns.ring {
		if r.Revision > fromRevision {
			r.Document = r.Document.Clone()
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryService) SaveSnapshot(ctx context.Context, noteID string) error {
	if s.snapshotRepo == nil && s.noteRepo == nil {
		return ErrStoreNotInitialized
	}
	s.mu.RLock()
	ns := s.notes[noteID]
	s.mu.RUnlock()
	if ns == nil {
		return ErrNoteNotFound
	}

	ns.mu.RLock()
	rev := ns.revision
	content, err := json.Marshal(ns.doc)
	ns.mu.RUnlock()
	if err != nil {
		return err
	}

	if s.snapshotRepo != nil {
		if err := s.snapshotRepo.SaveNoteSnapshot(ctx, noteID, rev, content); err != nil {
			return fmt.Errorf("save snapshot %s@%d: %w", noteID, rev, err)
		}
	}
	if s.noteRepo != nil {
		if err := s.noteRepo.UpdateContent(ctx, noteID, rev, string(content)); err != nil {
			return fmt.Errorf("update note content %s@%d: %w", noteID, rev, err)
		}
	}
	return nil
}

// SaveAll 把所有已打开的笔记落库（关闭服务前调用），返回合并后的错误
func (s *InMemoryService) SaveAll(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.notes))
	for id := range s.notes {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := s.SaveSnapshot(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *InMemoryService) SearchBlocks(ctx context.Context, targetID string) ([]BlockRef, error) {
	if targetID == "" {
		return nil, nil
	}
	notes, err := s.ListNotes(ctx)
	if err != nil {
		return nil, err
	}
	var out []BlockRef
	for _, n := range notes {
		doc, _, err := s.LoadNote(ctx, n.ID)
		if err != nil {
			s.log.WithError(err).WithField("noteId", n.ID).Warn("search: load note failed")
			continue
		}
		out = append(out, findMentions(n.ID, doc.Blocks, targetID)...)
	}
	return out, nil
}

func (s *InMemoryService) SearchNotes(ctx context.Context, q string) ([]NoteMention, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return []NoteMention{}, nil
	}
	if s.noteRepo == nil {
		return nil, ErrStoreNotInitialized
	}
	notes, err := s.noteRepo.SearchNotes(ctx, q, DefaultSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search notes %q: %w", q, err)
	}
	out := make([]NoteMention, 0, len(notes))
	for _, n := range notes {
		out = append(out, NoteMention{ID: n.ID, Name: n.Title})
	}
	return out, nil
}
