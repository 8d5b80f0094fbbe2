package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesServer/backend/internal/entity"
)

func TestMemoryStoreNotes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := time.Now()
	require.NoError(t, s.CreateNote(ctx, &entity.Note{ID: "b", Title: "second", CreatedAt: now.Add(time.Second)}))
	require.NoError(t, s.CreateNote(ctx, &entity.Note{ID: "a", Title: "first", CreatedAt: now}))

	notes, err := s.ListNotes(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "a", notes[0].ID)
	assert.Equal(t, "b", notes[1].ID)

	missing, err := s.FindNote(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpdateContent(ctx, "a", 2, `{"blocks":[]}`))
	// 旧版本不覆盖
	require.NoError(t, s.UpdateContent(ctx, "a", 1, `stale`))
	n, err := s.FindNote(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, uint64(2), n.Revision)
	assert.Equal(t, `{"blocks":[]}`, n.Content)
}

func TestMemoryStoreSearchNotes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, n := range []entity.Note{
		{ID: "1", Title: "Groceries", Content: "big"},
		{ID: "2", Title: "group chat"},
		{ID: "3", Title: "Meeting"},
		{ID: "4", Title: "GROW"},
	} {
		n := n
		require.NoError(t, s.CreateNote(ctx, &n))
	}

	notes, err := s.SearchNotes(ctx, "gro", 0)
	require.NoError(t, err)
	require.Len(t, notes, 3)
	// 按标题排序，结果不带正文
	assert.Equal(t, []string{"GROW", "Groceries", "group chat"}, []string{notes[0].Title, notes[1].Title, notes[2].Title})
	assert.Empty(t, notes[1].Content)

	notes, err = s.SearchNotes(ctx, "GRO", 2)
	require.NoError(t, err)
	assert.Len(t, notes, 2)

	notes, err = s.SearchNotes(ctx, "eting", 0)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestMemoryStoreSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rev, content, err := s.LatestSnapshot(ctx, "n1")
	require.NoError(t, err)
	assert.Zero(t, rev)
	assert.Nil(t, content)

	require.NoError(t, s.SaveNoteSnapshot(ctx, "n1", 1, []byte("one")))
	require.NoError(t, s.SaveNoteSnapshot(ctx, "n1", 3, []byte("three")))
	// 重复版本视为成功，内容不变
	require.NoError(t, s.SaveNoteSnapshot(ctx, "n1", 3, []byte("other")))

	rev, content, err = s.LatestSnapshot(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rev)
	assert.Equal(t, "three", string(content))
}
