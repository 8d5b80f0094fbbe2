package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"notesServer/backend/internal/repo"
)

const createSnapshotTable = `CREATE TABLE IF NOT EXISTS note_snapshots (
	note_id    VARCHAR(64) NOT NULL,
	revision   BIGINT UNSIGNED NOT NULL,
	content    LONGTEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (note_id, revision)
)`

type SnapshotStore struct{ db *sql.DB }

var _ repo.SnapshotRepo = (*SnapshotStore)(nil)

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createSnapshotTable)
	return err
}

func (s *SnapshotStore) SaveNoteSnapshot(ctx context.Context, noteID string, rev uint64, content []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO note_snapshots (note_id, revision, content)
		VALUES (?, ?, ?)`,
		noteID,
		rev,
		string(content),
	)
	if err != nil {
		// 同一版本已经存过：保存是幂等的
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context, noteID string) (uint64, []byte, error) {
	var (
		rev     uint64
		content string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT revision, content FROM note_snapshots WHERE note_id = ? ORDER BY revision DESC LIMIT 1`,
		noteID,
	).Scan(&rev, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return rev, []byte(content), nil
}
