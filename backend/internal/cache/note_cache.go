package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"notesServer/backend/internal/block"
)

const (
	BaseTTL          = 10 * time.Minute // 基础过期时间
	Jitter           = 2 * time.Minute  // 随机抖动范围
	NullTTL          = time.Minute
	EmptyCacheMarker = "-1" // 空值标记
)

// getRandomTTL 随机 TTL，防止缓存雪崩
func getRandomTTL() time.Duration {
	return BaseTTL + time.Duration(rand.Int63n(int64(Jitter)))
}

// CachedNote 缓存中的笔记内容
type CachedNote struct {
	Revision uint64         `json:"revision"`
	Document block.Document `json:"document"`
}

// FetchFunc 回源：exists=false 表示笔记不存在
type FetchFunc func(ctx context.Context) (note CachedNote, exists bool, err error)

// NoteCache 笔记内容的读缓存（HTTP 读接口用）：singleflight 合并回源 + 空值标记防穿透
type NoteCache struct {
	rdb redis.UniversalClient
	sf  singleflight.Group
}

func NewNoteCache(rdb redis.UniversalClient) *NoteCache {
	return &NoteCache{rdb: rdb}
}

func (c *NoteCache) read(ctx context.Context, noteID string) (CachedNote, bool, bool, error) {
	res, err := c.rdb.Get(ctx, noteKey(noteID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return CachedNote{}, false, false, nil
		}
		return CachedNote{}, false, false, err
	}
	if res == EmptyCacheMarker {
		// 命中空值标记
		return CachedNote{}, true, false, nil
	}
	var note CachedNote
	if err := json.Unmarshal([]byte(res), &note); err != nil {
		return CachedNote{}, false, false, err
	}
	return note, true, true, nil
}

// 写回前比较版本水位：回源期间内容已更新（Invalidate 抬高了水位）则丢弃旧结果
// KEYS[1] = noteKey, KEYS[2] = noteRevKey, ARGV[1] = payload, ARGV[2] = revision, ARGV[3] = ttl (ms)
var writeIfFresh = redis.NewScript(`
local floor = tonumber(redis.call("GET", KEYS[2]) or "0")
if tonumber(ARGV[2]) < floor then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// 抬高水位（只升不降）并删除内容
// KEYS[1] = noteKey, KEYS[2] = noteRevKey, ARGV[1] = revision, ARGV[2] = ttl (ms)
var invalidateAt = redis.NewScript(`
local floor = tonumber(redis.call("GET", KEYS[2]) or "0")
if tonumber(ARGV[1]) > floor then
	redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
else
	redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
redis.call("DEL", KEYS[1])
return 1
`)

// 水位要比任何一次回源活得久
const revFloorTTL = BaseTTL + Jitter

// write 返回是否真正写入
func (c *NoteCache) write(ctx context.Context, noteID string, note CachedNote) (bool, error) {
	b, err := json.Marshal(note)
	if err != nil {
		return false, err
	}
	n, err := writeIfFresh.Run(ctx, c.rdb, []string{noteKey(noteID), noteRevKey(noteID)},
		b, note.Revision, getRandomTTL().Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *NoteCache) writeNull(ctx context.Context, noteID string) error {
	return c.rdb.Set(ctx, noteKey(noteID), EmptyCacheMarker, NullTTL).Err()
}

// Get 返回 (内容, 是否存在, error)
func (c *NoteCache) Get(ctx context.Context, noteID string, fetch FetchFunc) (CachedNote, bool, error) {
	type result struct {
		note   CachedNote
		exists bool
	}
	val, err, _ := c.sf.Do(noteID, func() (interface{}, error) {
		note, hit, exists, err := c.read(ctx, noteID)
		if err == nil && hit {
			return result{note: note, exists: exists}, nil
		}
		// redis 出错时直接回源，不写回

		note, exists, ferr := fetch(ctx)
		if ferr != nil {
			return nil, ferr
		}
		if err == nil {
			if !exists {
				_ = c.writeNull(ctx, noteID)
			} else {
				_, _ = c.write(ctx, noteID, note)
			}
		}
		return result{note: note, exists: exists}, nil
	})
	if err != nil {
		return CachedNote{}, false, err
	}
	r, ok := val.(result)
	if !ok {
		return CachedNote{}, false, errors.New("internal type error")
	}
	return CachedNote{Revision: r.note.Revision, Document: r.note.Document.Clone()}, r.exists, nil
}

// Invalidate 内容变到 revision 后删除缓存；之后只有不低于 revision 的回源结果会被写回
func (c *NoteCache) Invalidate(ctx context.Context, noteID string, revision uint64) error {
	return invalidateAt.Run(ctx, c.rdb, []string{noteKey(noteID), noteRevKey(noteID)},
		revision, revFloorTTL.Milliseconds()).Err()
}
