package repo

import (
	"context"

	"notesServer/backend/internal/entity"
)

// NoteRepo 笔记元数据与内容的持久化契约
// FindNote 没找到返回 nil, nil
type NoteRepo interface {
	CreateNote(ctx context.Context, note *entity.Note) error
	ListNotes(ctx context.Context) ([]entity.Note, error)
	FindNote(ctx context.Context, noteID string) (*entity.Note, error)
	// SearchNotes 标题前缀匹配（不区分大小写），按标题排序，最多 limit 条
	SearchNotes(ctx context.Context, prefix string, limit int) ([]entity.Note, error)
	// UpdateContent 只在 rev 比已存版本新时写入
	UpdateContent(ctx context.Context, noteID string, rev uint64, content string) error
}

// SnapshotRepo 按版本追加的内容快照
// LatestSnapshot 没有快照返回 0, nil, nil
type SnapshotRepo interface {
	SaveNoteSnapshot(ctx context.Context, noteID string, rev uint64, content []byte) error
	LatestSnapshot(ctx context.Context, noteID string) (uint64, []byte, error)
}
