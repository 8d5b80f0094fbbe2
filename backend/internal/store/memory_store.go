package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"notesServer/backend/internal/entity"
	"notesServer/backend/internal/repo"
)

// MemoryStore 未配置 MySQL 时使用（本地开发、测试），同时实现两个契约
type MemoryStore struct {
	mu        sync.RWMutex
	notes     map[string]entity.Note
	snapshots map[string]map[uint64][]byte
}

var (
	_ repo.NoteRepo     = (*MemoryStore)(nil)
	_ repo.SnapshotRepo = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notes:     make(map[string]entity.Note),
		snapshots: make(map[string]map[uint64][]byte),
	}
}

func (m *MemoryStore) CreateNote(_ context.Context, note *entity.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[note.ID] = *note
	return nil
}

func (m *MemoryStore) ListNotes(_ context.Context) ([]entity.Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]entity.Note, 0, len(m.notes))
	for _, n := range m.notes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) FindNote(_ context.Context, noteID string) (*entity.Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notes[noteID]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (m *MemoryStore) SearchNotes(_ context.Context, prefix string, limit int) ([]entity.Note, error) {
	prefix = strings.ToLower(prefix)
	m.mu.RLock()
	out := make([]entity.Note, 0)
	for _, n := range m.notes {
		if strings.HasPrefix(strings.ToLower(n.Title), prefix) {
			n.Content = ""
			out = append(out, n)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title == out[j].Title {
			return out[i].ID < out[j].ID
		}
		return out[i].Title < out[j].Title
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateContent(_ context.Context, noteID string, rev uint64, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[noteID]
	if !ok || n.Revision >= rev {
		return nil
	}
	n.Content = content
	n.Revision = rev
	m.notes[noteID] = n
	return nil
}

func (m *MemoryStore) SaveNoteSnapshot(_ context.Context, noteID string, rev uint64, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRev := m.snapshots[noteID]
	if byRev == nil {
		byRev = make(map[uint64][]byte)
		m.snapshots[noteID] = byRev
	}
	if _, ok := byRev[rev]; ok {
		return nil
	}
	byRev[rev] = append([]byte(nil), content...)
	return nil
}

func (m *MemoryStore) LatestSnapshot(_ context.Context, noteID string) (uint64, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest  uint64
		content []byte
	)
	for rev, c := range m.snapshots[noteID] {
		if rev >= latest {
			latest, content = rev, c
		}
	}
	if content == nil {
		return 0, nil, nil
	}
	return latest, append([]byte(nil), content...), nil
}
