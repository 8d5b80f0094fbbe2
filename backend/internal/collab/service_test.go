package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesServer/backend/internal/block"
	"notesServer/backend/internal/entity"
	"notesServer/backend/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []NoteEvent
}

func (p *recordingPublisher) Enqueue(_ context.Context, evt NoteEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) all() []NoteEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]NoteEvent(nil), p.events...)
}

func para(id, text string) block.Block {
	return block.Block{ID: id, Type: "paragraph", Data: map[string]any{"text": text}}
}

func newTestService(t *testing.T) (*InMemoryService, *store.MemoryStore, *recordingPublisher) {
	t.Helper()
	mem := store.NewMemoryStore()
	pub := &recordingPublisher{}
	return NewInMemoryService(mem, mem, pub, ServiceOptions{RingCap: 3}), mem, pub
}

func TestCreateAndFindNote(t *testing.T) {
	ctx := context.Background()
	svc, _, pub := newTestService(t)

	note, err := svc.CreateNote(ctx, 7, "alice", "Groceries")
	require.NoError(t, err)
	assert.NotEmpty(t, note.ID)

	found, err := svc.FindNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, "Groceries", found.Title)

	_, err = svc.FindNote(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoteNotFound)

	notes, err := svc.ListNotes(ctx)
	require.NoError(t, err)
	assert.Len(t, notes, 1)

	doc, rev, err := svc.LoadNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Zero(t, rev)
	assert.Empty(t, doc.Blocks)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventNoteCreated, events[0].EventType)
}

func TestUpdateNoteRevisions(t *testing.T) {
	ctx := context.Background()
	svc, _, pub := newTestService(t)
	note, err := svc.CreateNote(ctx, 1, "alice", "n")
	require.NoError(t, err)

	r1, err := svc.UpdateNote(ctx, note.ID, 1, "c1", 1, block.Document{Blocks: []block.Block{para("1", "a")}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r1.Revision)

	// 同样内容：不前进版本
	_, err = svc.UpdateNote(ctx, note.ID, 1, "c1", 2, block.Document{Blocks: []block.Block{para("1", "a")}})
	assert.ErrorIs(t, err, ErrNoChange)

	// 重复序号
	_, err = svc.UpdateNote(ctx, note.ID, 1, "c1", 2, block.Document{Blocks: []block.Block{para("1", "b")}})
	assert.ErrorIs(t, err, ErrDuplicateOrOutOfOrder)

	r2, err := svc.UpdateNote(ctx, note.ID, 2, "c2", 1, block.Document{Blocks: []block.Block{para("1", "b"), para("2", "c")}})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r2.Revision)

	doc, rev, err := svc.LoadNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rev)
	assert.Equal(t, []string{"1", "2"}, doc.IDs())

	events := pub.all()
	require.Len(t, events, 3)
	assert.Equal(t, EventNoteUpdated, events[2].EventType)
	assert.Equal(t, 2, events[2].BlockCount)
}

func TestUpdateNoteNormalizesDuplicates(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	note, err := svc.CreateNote(ctx, 1, "alice", "n")
	require.NoError(t, err)

	r, err := svc.UpdateNote(ctx, note.ID, 1, "", 0, block.Document{Blocks: []block.Block{
		para("1", "first"), para("1", "second"), para("", "anon"),
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, r.Document.IDs())
	assert.Equal(t, "first", r.Document.Blocks[0].Data["text"])
	assert.NotEmpty(t, r.Dropped)
}

func TestUpdateUnknownNote(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.UpdateNote(context.Background(), "nope", 1, "", 0, block.Document{})
	assert.ErrorIs(t, err, ErrNoteNotFound)
}

func TestSnapshotsSinceRing(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	note, err := svc.CreateNote(ctx, 1, "alice", "n")
	require.NoError(t, err)

	for i, text := range []string{"a", "b", "c", "d", "e"} {
		_, err := svc.UpdateNote(ctx, note.ID, 1, "c", uint64(i+1), block.Document{Blocks: []block.Block{para("1", text)}})
		require.NoError(t, err)
	}

	// 环形缓冲容量 3：只剩 3,4,5
	revs, err := svc.SnapshotsSince(ctx, note.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, revs, 3)
	assert.Equal(t, uint64(3), revs[0].Revision)

	revs, err = svc.SnapshotsSince(ctx, note.ID, 4, 0)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, "e", revs[0].Document.Blocks[0].Data["text"])

	revs, err = svc.SnapshotsSince(ctx, note.ID, 0, 2)
	require.NoError(t, err)
	assert.Len(t, revs, 2)
}

func TestSaveSnapshotAndReload(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := newTestService(t)
	note, err := svc.CreateNote(ctx, 1, "alice", "n")
	require.NoError(t, err)
	_, err = svc.UpdateNote(ctx, note.ID, 1, "", 0, block.Document{Blocks: []block.Block{para("1", "saved")}})
	require.NoError(t, err)

	require.NoError(t, svc.SaveSnapshot(ctx, note.ID))
	assert.ErrorIs(t, svc.SaveSnapshot(ctx, "nope"), ErrNoteNotFound)

	stored, err := mem.FindNote(ctx, note.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, uint64(1), stored.Revision)

	// 新服务实例从持久层恢复
	fresh := NewInMemoryService(mem, mem, nil, ServiceOptions{})
	doc, rev, err := fresh.LoadNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)
	assert.Equal(t, "saved", doc.Blocks[0].Data["text"])
}

func TestLoadPrefersNewerSnapshot(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.CreateNote(ctx, &entity.Note{ID: "n", Content: `{"blocks":[{"id":"old","type":"paragraph","data":{}}]}`, Revision: 1}))
	snap, err := json.Marshal(block.Document{Blocks: []block.Block{para("new", "x")}})
	require.NoError(t, err)
	require.NoError(t, mem.SaveNoteSnapshot(ctx, "n", 4, snap))

	svc := NewInMemoryService(mem, mem, nil, ServiceOptions{})
	doc, rev, err := svc.LoadNote(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rev)
	assert.Equal(t, []string{"new"}, doc.IDs())
}

func TestSaveAll(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := newTestService(t)
	a, err := svc.CreateNote(ctx, 1, "alice", "a")
	require.NoError(t, err)
	b, err := svc.CreateNote(ctx, 1, "alice", "b")
	require.NoError(t, err)
	_, err = svc.UpdateNote(ctx, a.ID, 1, "", 0, block.Document{Blocks: []block.Block{para("1", "x")}})
	require.NoError(t, err)
	_, err = svc.UpdateNote(ctx, b.ID, 1, "", 0, block.Document{Blocks: []block.Block{para("1", "y")}})
	require.NoError(t, err)

	require.NoError(t, svc.SaveAll(ctx))
	for _, id := range []string{a.ID, b.ID} {
		rev, content, err := mem.LatestSnapshot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), rev)
		assert.NotEmpty(t, content)
	}
}

func TestServiceWithoutStore(t *testing.T) {
	svc := NewInMemoryService(nil, nil, nil, ServiceOptions{})
	_, err := svc.CreateNote(context.Background(), 1, "a", "t")
	assert.ErrorIs(t, err, ErrStoreNotInitialized)
	_, _, err = svc.LoadNote(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoteNotFound)
	assert.ErrorIs(t, svc.SaveSnapshot(context.Background(), "x"), ErrStoreNotInitialized)
}

func TestSearchBlocks(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	target, err := svc.CreateNote(ctx, 1, "alice", "Target")
	require.NoError(t, err)
	other, err := svc.CreateNote(ctx, 1, "alice", "Other")
	require.NoError(t, err)

	mention := `see <a rel="tag" href="http://localhost:5173/notes/` + target.ID + `">@Target</a>`
	_, err = svc.UpdateNote(ctx, other.ID, 1, "", 0, block.Document{Blocks: []block.Block{
		para("p1", "plain text"),
		para("p2", mention),
		{ID: "l1", Type: "list", Data: map[string]any{"items": []any{
			map[string]any{"content": `<a rel="tag" href="` + target.ID + `">@Target</a>`, "items": []any{}},
		}}},
		// id 出现在文字里但不在锚点里：不算
		para("p3", "id "+target.ID),
		// 编辑器提及插件写出的格式
		para("p4", `see <a href="#`+target.ID+`" rel="tag">Target</a>`),
		para("p5", `<a href="http://localhost:5173/#`+target.ID+`">@Target</a>`),
		// 只是前缀相同的另一个 id
		para("p6", `<a href="#`+target.ID+`x" rel="tag">Nope</a>`),
	}})
	require.NoError(t, err)

	refs, err := svc.SearchBlocks(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, refs, 4)
	assert.Equal(t, other.ID, refs[0].NoteID)
	assert.Equal(t, "p2", refs[0].BlockID)
	assert.Equal(t, mention, refs[0].Text)
	assert.Equal(t, "l1", refs[1].BlockID)
	assert.Equal(t, "p4", refs[2].BlockID)
	assert.Equal(t, "p5", refs[3].BlockID)

	refs, err = svc.SearchBlocks(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestFindMentionsFragmentHref(t *testing.T) {
	blocks := []block.Block{para("b1", `see <a href="#n1" rel="tag">Target</a>`)}
	refs := findMentions("other", blocks, "n1")
	require.Len(t, refs, 1)
	assert.Equal(t, BlockRef{NoteID: "other", BlockID: "b1", Text: `see <a href="#n1" rel="tag">Target</a>`}, refs[0])

	assert.Empty(t, findMentions("other", blocks, "n"))
	assert.True(t, mentions(`<a rel="tag" href="n1/">x</a>`, "n1"))
	assert.False(t, mentions(`<a rel="tag" href="#n10">x</a>`, "n1"))
}

func TestSearchNotes(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	for _, title := range []string{"Travel plans", "trash", "Work"} {
		_, err := svc.CreateNote(ctx, 1, "alice", title)
		require.NoError(t, err)
	}

	got, err := svc.SearchNotes(ctx, "TR")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Travel plans", got[0].Name)
	assert.Equal(t, "trash", got[1].Name)
	assert.NotEmpty(t, got[0].ID)

	// 空查询不查库
	got, err = svc.SearchNotes(ctx, "  ")
	require.NoError(t, err)
	assert.Empty(t, got)

	empty := NewInMemoryService(nil, nil, nil, ServiceOptions{})
	_, err = empty.SearchNotes(ctx, "x")
	assert.ErrorIs(t, err, ErrStoreNotInitialized)
}
