package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesServer/backend/internal/block"
	"notesServer/backend/internal/debounce"
	"notesServer/backend/internal/history"
	"notesServer/backend/internal/lock"
	"notesServer/backend/internal/reconcile"
)

type recordingSink struct {
	mu      sync.Mutex
	ops     [][]reconcile.Operation
	renders []block.Document
	locks   []lock.Event
}

func (r *recordingSink) Operations(_ string, ops []reconcile.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, ops)
}

func (r *recordingSink) Render(_ string, doc block.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders = append(r.renders, doc)
}

func (r *recordingSink) Lock(_ string, e lock.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks = append(r.locks, e)
}

func (r *recordingSink) lastRender() (block.Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.renders) == 0 {
		return block.Document{}, false
	}
	return r.renders[len(r.renders)-1], true
}

func (r *recordingSink) lockEvents() []lock.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lock.Event(nil), r.locks...)
}

func para(id, text string) block.Block {
	return block.Block{ID: id, Type: "paragraph", Data: map[string]any{"text": text}}
}

func doc(blocks ...block.Block) block.Document {
	return block.Document{Blocks: blocks}
}

func startSession(t *testing.T, initial block.Document, opt Options) (*Session, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	s := New("note-1", initial, sink, opt)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, sink
}

func TestSessionApplyRemote(t *testing.T) {
	s, sink := startSession(t, doc(para("1", "a"), para("2", "b")), Options{})

	ops, err := s.ApplyRemote(doc(para("2", "b"), para("1", "x")))
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "Update(1)", ops[0].String())
	assert.Equal(t, "Move(0, 1)", ops[1].String())

	got, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "1"}, got.IDs())
	assert.Equal(t, "x", got.Blocks[1].Data["text"])

	sink.mu.Lock()
	assert.Len(t, sink.ops, 1)
	sink.mu.Unlock()

	// 相同快照：无操作，也不推送
	ops, err = s.ApplyRemote(doc(para("2", "b"), para("1", "x")))
	require.NoError(t, err)
	assert.Empty(t, ops)
	sink.mu.Lock()
	assert.Len(t, sink.ops, 1)
	sink.mu.Unlock()
}

func TestSessionLockProtectsContent(t *testing.T) {
	s, sink := startSession(t, doc(para("1", "a"), para("2", "b")), Options{})

	require.NoError(t, s.FocusEnter(0))
	_, err := s.ApplyRemote(doc(para("1", "remote"), para("2", "B")))
	require.NoError(t, err)

	got, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "a", got.Blocks[0].Data["text"])
	assert.Equal(t, "B", got.Blocks[1].Data["text"])

	require.NoError(t, s.FocusExit())
	events := sink.lockEvents()
	require.Len(t, events, 2)
	assert.Equal(t, lock.Event{Kind: lock.EventLocked, Index: 0}, events[0])
	assert.Equal(t, lock.EventUnlocked, events[1].Kind)
}

func TestSessionLockFollowsMovedBlock(t *testing.T) {
	s, sink := startSession(t, doc(para("1", "a"), para("2", "b"), para("3", "c")), Options{})

	require.NoError(t, s.FocusEnter(0))
	_, err := s.ApplyRemote(doc(para("2", "b"), para("3", "c"), para("1", "a")))
	require.NoError(t, err)

	idx, err := s.Locked()
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	events := sink.lockEvents()
	assert.Equal(t, lock.Event{Kind: lock.EventLocked, Index: 2}, events[len(events)-1])
}

func TestSessionLockReleasedWhenBlockDeleted(t *testing.T) {
	s, _ := startSession(t, doc(para("1", "a"), para("2", "b")), Options{})

	require.NoError(t, s.FocusEnter(1))
	_, err := s.ApplyRemote(doc(para("1", "a")))
	require.NoError(t, err)

	idx, err := s.Locked()
	require.NoError(t, err)
	assert.Equal(t, lock.NoLock, idx)
}

func TestSessionUndoRedo(t *testing.T) {
	s, sink := startSession(t, doc(para("1", "a")), Options{})

	require.NoError(t, s.Edit(reconcile.Insert(1, para("2", "b"))))
	require.NoError(t, s.RegisterChange())

	pos, n, err := s.HistoryState()
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Undo())
	got, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, got.IDs())
	rendered, ok := sink.lastRender()
	require.True(t, ok)
	assert.Equal(t, []string{"1"}, rendered.IDs())

	require.NoError(t, s.Redo())
	got, err = s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, got.IDs())

	// 退到第一个快照之前：空文档
	require.NoError(t, s.Undo())
	require.NoError(t, s.Undo())
	got, err = s.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, got.Blocks)
	rendered, _ = sink.lastRender()
	assert.Empty(t, rendered.Blocks)
}

func TestSessionHandleKey(t *testing.T) {
	s, _ := startSession(t, doc(para("1", "a")), Options{})
	require.NoError(t, s.Edit(reconcile.Update("1", map[string]any{"text": "ab"})))
	require.NoError(t, s.RegisterChange())

	handled, err := s.HandleKey(history.KeyEvent{Key: "z", Code: "KeyZ", Meta: true})
	require.NoError(t, err)
	assert.True(t, handled)
	got, _ := s.Snapshot()
	assert.Equal(t, "a", got.Blocks[0].Data["text"])

	handled, err = s.HandleKey(history.KeyEvent{Key: "z", Code: "KeyZ", Ctrl: true, Shift: true})
	require.NoError(t, err)
	assert.True(t, handled)
	got, _ = s.Snapshot()
	assert.Equal(t, "ab", got.Blocks[0].Data["text"])

	handled, err = s.HandleKey(history.KeyEvent{Key: "b", Code: "KeyB", Ctrl: true})
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestSessionDebouncedHistory(t *testing.T) {
	s, _ := startSession(t, doc(para("1", "a")), Options{DebounceWindow: 20 * time.Millisecond})

	require.NoError(t, s.Edit(reconcile.Update("1", map[string]any{"text": "ab"})))
	for i := 0; i < 5; i++ {
		assert.True(t, s.Mutate(debounce.Mutation{Kind: debounce.KindCharacterData}))
	}
	// 属性变更（工具栏）不计入
	assert.False(t, s.Mutate(debounce.Mutation{
		Kind:   debounce.KindAttributes,
		Target: debounce.Target{Classes: []string{"ce-block"}},
	}))

	assert.Eventually(t, func() bool {
		_, n, err := s.HistoryState()
		return err == nil && n == 2
	}, time.Second, 10*time.Millisecond)
}

func TestSessionTeardownCloses(t *testing.T) {
	s, _ := startSession(t, doc(para("1", "a")), Options{})

	assert.False(t, s.Mutate(debounce.Mutation{Kind: debounce.KindChildList, Target: debounce.Target{Holder: true}}))
	_, err := s.Snapshot()
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, s.Mutate(debounce.Mutation{Kind: debounce.KindCharacterData}))
	_, err = s.ApplyRemote(doc())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSessionLoadRegistersHistory(t *testing.T) {
	s, sink := startSession(t, doc(), Options{})

	require.NoError(t, s.Load(doc(para("1", "a"))))
	rendered, ok := sink.lastRender()
	require.True(t, ok)
	assert.Equal(t, []string{"1"}, rendered.IDs())

	pos, n, err := s.HistoryState()
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
	assert.Equal(t, 1, n)
}

func TestSessionPostRemoteOrdering(t *testing.T) {
	s, _ := startSession(t, doc(para("1", "a")), Options{})

	require.NoError(t, s.PostRemote(doc(para("1", "a"), para("2", "b"))))
	require.NoError(t, s.PostRemote(doc(para("2", "b"))))

	got, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, got.IDs())
}

func TestSessionSubscribe(t *testing.T) {
	s, _ := startSession(t, doc(para("1", "a")), Options{DebounceWindow: 10 * time.Millisecond})
	feed := debounce.NewFeed()
	unsubscribe := s.Subscribe(feed)
	defer unsubscribe()

	require.NoError(t, s.Edit(reconcile.Update("1", map[string]any{"text": "b"})))
	feed.Publish([]debounce.Mutation{{Kind: debounce.KindCharacterData}})

	assert.Eventually(t, func() bool {
		_, n, err := s.HistoryState()
		return err == nil && n == 2
	}, time.Second, 5*time.Millisecond)
}
