package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"notesServer/backend/internal/entity"
	"notesServer/backend/internal/repo"
)

type mysqlNoteRepo struct {
	db *gorm.DB
}

var _ repo.NoteRepo = (*mysqlNoteRepo)(nil)

func NewNoteStore(db *gorm.DB) repo.NoteRepo {
	return &mysqlNoteRepo{db: db}
}

func (r *mysqlNoteRepo) CreateNote(ctx context.Context, note *entity.Note) error {
	return r.db.WithContext(ctx).Create(note).Error
}

func (r *mysqlNoteRepo) ListNotes(ctx context.Context) ([]entity.Note, error) {
	var notes []entity.Note
	err := r.db.WithContext(ctx).
		Select("id", "title", "author", "author_id", "revision", "created_at", "updated_at").
		Order("created_at ASC").
		Find(&notes).Error
	return notes, err
}

func (r *mysqlNoteRepo) FindNote(ctx context.Context, noteID string) (*entity.Note, error) {
	var note entity.Note
	err := r.db.WithContext(ctx).Where("id = ?", noteID).First(&note).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &note, nil
}

// LIKE 通配符按字面量匹配
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *mysqlNoteRepo) SearchNotes(ctx context.Context, prefix string, limit int) ([]entity.Note, error) {
	var notes []entity.Note
	err := r.db.WithContext(ctx).
		Select("id", "title", "author", "author_id", "revision", "created_at", "updated_at").
		Where("LOWER(title) LIKE ?", likeEscaper.Replace(strings.ToLower(prefix))+"%").
		Order("title ASC").
		Limit(limit).
		Find(&notes).Error
	return notes, err
}

func (r *mysqlNoteRepo) UpdateContent(ctx context.Context, noteID string, rev uint64, content string) error {
	// 版本号只前进：旧快照晚到时什么都不改
	return r.db.WithContext(ctx).
		Model(&entity.Note{}).
		Where("id = ? AND revision < ?", noteID, rev).
		Updates(map[string]any{"content": content, "revision": rev}).Error
}
