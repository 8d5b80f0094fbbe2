package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesServer/backend/internal/block"
)

func testRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestKeysShareHashTag(t *testing.T) {
	assert.Equal(t, "presence:room:{noteID:n1}", roomKey("n1"))
	assert.Equal(t, "presence:names:{noteID:n1}", namesKey("n1"))
	assert.Equal(t, "lock:{noteID:n1}", lockKey("n1"))
	assert.Equal(t, "note:{noteID:n1}", noteKey("n1"))
	assert.Equal(t, "note:rev:{noteID:n1}", noteRevKey("n1"))
}

func TestRandomTTLRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		ttl := getRandomTTL()
		assert.GreaterOrEqual(t, ttl, BaseTTL)
		assert.Less(t, ttl, BaseTTL+Jitter)
	}
}

func TestPresence(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	p := NewRedisPresence(rdb)
	noteID := uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, roomKey(noteID), namesKey(noteID)) })

	require.NoError(t, p.AddMember(ctx, noteID, 1, "alice", time.Minute))
	require.NoError(t, p.AddMember(ctx, noteID, 2, "bob", time.Minute))
	// 已过期
	require.NoError(t, p.AddMember(ctx, noteID, 3, "carol", -time.Minute))

	members, err := p.GetAliveMembersWithNames(ctx, noteID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []PresenceMember{{UserID: 1, Username: "alice"}, {UserID: 2, Username: "bob"}}, members)

	notes, err := p.GetNotes(ctx)
	require.NoError(t, err)
	assert.Contains(t, notes, noteID)

	require.NoError(t, p.RemoveMember(ctx, noteID, 2))
	members, err = p.GetAliveMembersWithNames(ctx, noteID)
	require.NoError(t, err)
	assert.Equal(t, []PresenceMember{{UserID: 1, Username: "alice"}}, members)
}

func TestPeerLocks(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	l := NewRedisPeerLocks(rdb)
	noteID := uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, lockKey(noteID)) })

	require.NoError(t, l.SetLock(ctx, noteID, 1, 0, time.Minute))
	require.NoError(t, l.SetLock(ctx, noteID, 2, 3, time.Minute))
	require.NoError(t, l.SetLock(ctx, noteID, 1, 2, time.Minute))

	locks, err := l.GetLocks(ctx, noteID)
	require.NoError(t, err)
	assert.Equal(t, map[uint64]int{1: 2, 2: 3}, locks)

	require.NoError(t, l.ClearLock(ctx, noteID, 1))
	locks, err = l.GetLocks(ctx, noteID)
	require.NoError(t, err)
	assert.Equal(t, map[uint64]int{2: 3}, locks)
}

func TestNoteCacheSingleflightAndNullMarker(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	c := NewNoteCache(rdb)
	noteID := uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, noteKey(noteID), noteRevKey(noteID)) })

	var calls atomic.Int32
	fetch := func(context.Context) (CachedNote, bool, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return CachedNote{Revision: 2, Document: block.Document{Blocks: []block.Block{{ID: "1", Type: "paragraph"}}}}, true, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			note, exists, err := c.Get(ctx, noteID, fetch)
			assert.NoError(t, err)
			assert.True(t, exists)
			assert.Equal(t, uint64(2), note.Revision)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())

	// 已缓存：不再回源
	_, _, err := c.Get(ctx, noteID, fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, c.Invalidate(ctx, noteID, 2))
	_, _, err = c.Get(ctx, noteID, fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	missingID := uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, noteKey(missingID)) })
	var missCalls atomic.Int32
	missing := func(context.Context) (CachedNote, bool, error) {
		missCalls.Add(1)
		return CachedNote{}, false, nil
	}
	for i := 0; i < 3; i++ {
		_, exists, err := c.Get(ctx, missingID, missing)
		require.NoError(t, err)
		assert.False(t, exists)
	}
	// 空值标记挡住后续回源
	assert.Equal(t, int32(1), missCalls.Load())
}

func TestNoteCacheFetchError(t *testing.T) {
	rdb := testRedis(t)
	c := NewNoteCache(rdb)
	boom := errors.New("db down")
	_, _, err := c.Get(context.Background(), uuid.NewString(), func(context.Context) (CachedNote, bool, error) {
		return CachedNote{}, false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestNoteCacheStaleWriteBackDropped(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	c := NewNoteCache(rdb)
	noteID := uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, noteKey(noteID), noteRevKey(noteID)) })

	// 回源读到 rev 1 时，内容已更新到 rev 2 并失效了缓存
	inFetch := make(chan struct{})
	release := make(chan struct{})
	slow := func(context.Context) (CachedNote, bool, error) {
		close(inFetch)
		<-release
		return CachedNote{Revision: 1}, true, nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		note, exists, err := c.Get(ctx, noteID, slow)
		assert.NoError(t, err)
		assert.True(t, exists)
		// 本次调用仍返回自己读到的结果
		assert.Equal(t, uint64(1), note.Revision)
	}()
	<-inFetch
	require.NoError(t, c.Invalidate(ctx, noteID, 2))
	close(release)
	<-done

	// 旧版本没有写回
	_, err := rdb.Get(ctx, noteKey(noteID)).Result()
	assert.ErrorIs(t, err, redis.Nil)

	var calls atomic.Int32
	fresh := func(context.Context) (CachedNote, bool, error) {
		calls.Add(1)
		return CachedNote{Revision: 2}, true, nil
	}
	note, _, err := c.Get(ctx, noteID, fresh)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), note.Revision)
	note, _, err = c.Get(ctx, noteID, fresh)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), note.Revision)
	assert.Equal(t, int32(1), calls.Load())

	// 水位只升不降
	require.NoError(t, c.Invalidate(ctx, noteID, 1))
	floor, err := rdb.Get(ctx, noteRevKey(noteID)).Int()
	require.NoError(t, err)
	assert.Equal(t, 2, floor)
}
