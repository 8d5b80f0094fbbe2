package ws

import (
	"notesServer/backend/internal/block"
	"notesServer/backend/internal/cache"
	"notesServer/backend/internal/collab"
	"notesServer/backend/internal/debounce"
	"notesServer/backend/internal/entity"
	"notesServer/backend/internal/history"
	"notesServer/backend/internal/lock"
	"notesServer/backend/internal/reconcile"
)

// 客户端 -> 服务端
const (
	MsgHeartbeat        = "heartbeat"
	MsgFindAllNotes     = "findAllNotes"
	MsgFindOneNote      = "findOneNote"
	MsgJoinNote         = "joinNote"
	MsgCreateNote       = "createNote"
	MsgCreateTag        = "createTag"
	MsgUpdateNote       = "updateNote"
	MsgLock             = "lock"
	MsgUnlock           = "unlock"
	MsgFocusIn          = "focusIn"
	MsgFocusOut         = "focusOut"
	MsgMutation         = "mutation"
	MsgEdit             = "edit"
	MsgUndo             = "undo"
	MsgRedo             = "redo"
	MsgKeydown          = "keydown"
	MsgSearchNoteBlocks = "searchNoteBlocks"
	MsgSearchNotes      = "searchNotes"
	MsgSaveNote         = "saveNote"
	MsgHistory          = "history"
)

// 服务端 -> 客户端
const (
	MsgWelcome     = "welcome"
	MsgNoteUpdated = "noteUpdated"
	MsgNoteCreated = "noteCreated"
	MsgReconcile   = "reconcile"
	MsgRender      = "render"
	MsgPeerLock    = "peerLock"
	MsgPresence    = "presence"
	MsgError       = "error"
)

// ClientMessage 所有客户端消息共用一个结构，按 Type 取需要的字段
// 文档字段平铺（time/version/blocks），与前端 OutputData & {noteId} 一致
type ClientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	NoteID    string `json:"noteId,omitempty"`
	Title     string `json:"title,omitempty"`
	Name      string `json:"name,omitempty"`
	// searchNoteBlocks 的目标实体
	UUID string `json:"uuid,omitempty"`
	// searchNotes 的标题前缀
	Query string `json:"q,omitempty"`

	ClientID     string `json:"clientId,omitempty"`
	ClientSeq    uint64 `json:"clientSeq,omitempty"`
	FromRevision uint64 `json:"fromRevision,omitempty"`
	Limit        int    `json:"limit,omitempty"`

	Index *int `json:"index,omitempty"`

	Time    int64         `json:"time,omitempty"`
	Version string        `json:"version,omitempty"`
	Blocks  []block.Block `json:"blocks,omitempty"`

	Ops       []reconcile.Operation `json:"ops,omitempty"`
	Mutations []debounce.Mutation   `json:"mutations,omitempty"`
	Key       *history.KeyEvent     `json:"key,omitempty"`
}

func (m ClientMessage) Document() block.Document {
	blocks := m.Blocks
	if blocks == nil {
		blocks = []block.Block{}
	}
	return block.Document{Time: m.Time, Version: m.Version, Blocks: blocks}
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string    { return m.Type }
func (m ReconcileMessage) MessageType() string { return m.Type }
func (m PeerLockMessage) MessageType() string  { return m.Type }

type ServerMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	NoteID    string `json:"noteId,omitempty"`
	UserID    uint64 `json:"userId,omitempty"`
	Revision  uint64 `json:"revision,omitempty"`
	Handled   bool   `json:"handled,omitempty"`

	Document  *block.Document        `json:"document,omitempty"`
	Note      *entity.Note           `json:"note,omitempty"`
	Notes     []entity.Note          `json:"notes,omitempty"`
	Items     []collab.BlockRef      `json:"items,omitempty"`
	Mentions  []collab.NoteMention   `json:"mentions,omitempty"`
	Revisions []collab.Revision      `json:"revisions,omitempty"`
	Members   []cache.PresenceMember `json:"members,omitempty"`
	Locks     map[uint64]int         `json:"locks,omitempty"`
	Content   string                 `json:"content,omitempty"`
}

// ReconcileMessage 远端快照协调出的操作，前端按顺序原地执行
type ReconcileMessage struct {
	Type   string                `json:"type"` // 固定 "reconcile"
	NoteID string                `json:"noteId"`
	Ops    []reconcile.Operation `json:"ops"`
}

// PeerLockMessage 协作者进入/离开某块
type PeerLockMessage struct {
	Type     string         `json:"type"` // 固定 "peerLock"
	NoteID   string         `json:"noteId"`
	UserID   uint64         `json:"userId"`
	Username string         `json:"username,omitempty"`
	Kind     lock.EventKind `json:"kind"`
	Index    int            `json:"index"`
}
