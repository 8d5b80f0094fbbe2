package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PeerLocks 协作者各自锁定的块下标，新加入的连接据此知道哪些块正在被别人编辑
// 只是提示信息：会话内的锁协调不依赖它
type PeerLocks interface {
	SetLock(ctx context.Context, noteID string, userID uint64, index int, ttl time.Duration) error
	ClearLock(ctx context.Context, noteID string, userID uint64) error
	GetLocks(ctx context.Context, noteID string) (map[uint64]int, error)
}

type redisPeerLocks struct {
	rdb redis.UniversalClient
}

func NewRedisPeerLocks(rdb redis.UniversalClient) PeerLocks {
	return &redisPeerLocks{rdb: rdb}
}

func (l *redisPeerLocks) SetLock(ctx context.Context, noteID string, userID uint64, index int, ttl time.Duration) error {
	tx := l.rdb.TxPipeline()
	tx.HSet(ctx, lockKey(noteID), userID, index)
	// 整张表随最后一次加锁续期，断线未解锁的条目最多残留一个 TTL
	tx.Expire(ctx, lockKey(noteID), ttl)
	_, err := tx.Exec(ctx)
	return err
}

func (l *redisPeerLocks) ClearLock(ctx context.Context, noteID string, userID uint64) error {
	return l.rdb.HDel(ctx, lockKey(noteID), strconv.FormatUint(userID, 10)).Err()
}

func (l *redisPeerLocks) GetLocks(ctx context.Context, noteID string) (map[uint64]int, error) {
	raw, err := l.rdb.HGetAll(ctx, lockKey(noteID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]int, len(raw))
	for k, v := range raw {
		uid, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			continue
		}
		idx, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out[uid] = idx
	}
	return out, nil
}
