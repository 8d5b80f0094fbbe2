package collab

import (
	"time"

	"notesServer/backend/internal/block"
)

const (
	EventNoteCreated = "NOTE_CREATED"
	EventNoteUpdated = "NOTE_UPDATED"
)

// NoteEvent 写入 Kafka 的笔记变更事件，以 noteId 做分区 key
type NoteEvent struct {
	EventType string `json:"eventType"`
	EventID   string `json:"eventId"`
	NoteID    string `json:"noteId"`
	Title     string `json:"title,omitempty"`
	Revision  uint64 `json:"revision"`
	AuthorID  uint64 `json:"authorId"`
	Author    string `json:"author,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	// 针对同一个 clientId 的本地递增序号
	ClientSeq  uint64          `json:"clientSeq,omitempty"`
	BlockCount int             `json:"blockCount"`
	Document   *block.Document `json:"document,omitempty"`
	AppliedAt  time.Time       `json:"appliedAt"`
}
