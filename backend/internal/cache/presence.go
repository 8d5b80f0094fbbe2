package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, noteID string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, noteID string, userID uint64) error
	GetNotes(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, noteID string) ([]PresenceMember, error)
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

// 具体实现：基于 redis 的 PresenceCache（单机与集群都用 UniversalClient）
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期成员
// KEYS[1] = roomKey, KEYS[2] = namesKey, ARGV[1] = now (unix seconds)
var expireMembers = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember 刷新心跳也直接调用它
func (p *redisPresence) AddMember(ctx context.Context, noteID string, userID uint64, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(noteID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(noteID), userID, username)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, noteID string, userID uint64) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(noteID), userID)
	tx.HDel(ctx, namesKey(noteID), strconv.FormatUint(userID, 10))
	_, err := tx.Exec(ctx)
	return err
}

// GetNotes 当前有人在线的笔记
func (p *redisPresence) GetNotes(ctx context.Context) ([]string, error) {
	var notes []string
	iter := p.rdb.Scan(ctx, 0, roomPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		noteID := strings.TrimSuffix(strings.TrimPrefix(iter.Val(), roomPrefix), "}")
		if noteID != "" {
			notes = append(notes, noteID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return notes, nil
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, noteID string) ([]PresenceMember, error) {
	now := time.Now().Unix()
	err := expireMembers.Run(ctx, p.rdb, []string{roomKey(noteID), namesKey(noteID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(noteID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(noteID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		uid, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, err
		}
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{UserID: uid, Username: name})
	}
	return members, nil
}
