package ws

import (
	"sort"
	"sync"

	"notesServer/backend/internal/block"
	"notesServer/backend/internal/cache"
)

type Hub struct {
	// presence / locks 可以为 nil（未配置 Redis）
	presence cache.PresenceCache
	locks    cache.PeerLocks

	mu sync.RWMutex
	// noteID -> 房间内的连接；一个用户可以开多个标签页，所以按连接存而不是按 userID
	rooms map[string]map[*Conn]struct{}
	// 所有在线连接（noteCreated 这类全局广播）
	conns map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache, l cache.PeerLocks) *Hub {
	return &Hub{
		presence: p,
		locks:    l,
		rooms:    make(map[string]map[*Conn]struct{}),
		conns:    make(map[*Conn]struct{}),
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

// Join 将连接加入指定笔记房间
func (h *Hub) Join(noteID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[noteID] == nil {
		h.rooms[noteID] = make(map[*Conn]struct{})
	}
	h.rooms[noteID][c] = struct{}{}
}

// Leave 将连接从指定笔记房间移除
func (h *Hub) Leave(noteID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[noteID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, noteID)
		}
	}
}

// room 房间连接的快照，遍历时不持锁
func (h *Hub) room(noteID string, except *Conn) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[noteID]))
	for c := range h.rooms[noteID] {
		if c != except {
			out = append(out, c)
		}
	}
	return out
}

// Notes 本实例上有连接打开的笔记
func (h *Hub) Notes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms))
	for noteID := range h.rooms {
		out = append(out, noteID)
	}
	sort.Strings(out)
	return out
}

// RoomSize 本实例上打开该笔记的连接数
func (h *Hub) RoomSize(noteID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[noteID])
}

// Broadcast 发给房间内除 except 外的所有连接
func (h *Hub) Broadcast(noteID string, except *Conn, msg OutboundMessage) {
	for _, c := range h.room(noteID, except) {
		c.SendMessage_Enqueue(msg)
	}
}

// BroadcastAll 发给所有在线连接
func (h *Hub) BroadcastAll(msg OutboundMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}

// BroadcastSnapshot 把新快照交给房间内其他连接的会话去协调
// 只投递不等待：各会话在自己的事件循环里协调并推送 reconcile 消息
func (h *Hub) BroadcastSnapshot(noteID string, except *Conn, revision uint64, doc block.Document) {
	for _, c := range h.room(noteID, except) {
		c.deliverRemote(noteID, revision, doc)
	}
}

func (h *Hub) BroadcastPresence(noteID string, members []cache.PresenceMember) {
	msg := ServerMessage{Type: MsgPresence, NoteID: noteID, Members: members}
	for _, c := range h.room(noteID, nil) {
		c.SendMessage_Enqueue(msg)
	}
}

// CloseAll 关闭所有在线连接；各连接的 readLoop 随之退出并做离开清理
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.shutdown()
	}
}
