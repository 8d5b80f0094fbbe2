package cache

import "fmt"

// 键语义：
// - roomKey(noteID):    房间成员 ZSet<userId>，score = 逻辑过期时间（Unix 秒）
// - namesKey(noteID):   房间内 userId→username（Hash）
// - lockKey(noteID):    协作者编辑锁 userId→块下标（Hash，整体 TTL）
// - noteKey(noteID):    笔记内容读缓存（String JSON，随机 TTL）
// - noteRevKey(noteID): 最近一次失效时的版本号，低于它的回源结果不写回
//
// {} 内是 hash tag：同一篇笔记的键落在同一个 slot，Lua 脚本可以同时操作它们

const (
	keyRoomFmt  = "presence:room:{noteID:%s}"
	keyNamesFmt = "presence:names:{noteID:%s}"
	keyLockFmt  = "lock:{noteID:%s}"
	keyNoteFmt  = "note:{noteID:%s}"
	keyRevFmt   = "note:rev:{noteID:%s}"

	roomPrefix = "presence:room:{noteID:"
)

func roomKey(noteID string) string  { return fmt.Sprintf(keyRoomFmt, noteID) }
func namesKey(noteID string) string { return fmt.Sprintf(keyNamesFmt, noteID) }
func lockKey(noteID string) string  { return fmt.Sprintf(keyLockFmt, noteID) }
func noteKey(noteID string) string  { return fmt.Sprintf(keyNoteFmt, noteID) }

func noteRevKey(noteID string) string { return fmt.Sprintf(keyRevFmt, noteID) }
