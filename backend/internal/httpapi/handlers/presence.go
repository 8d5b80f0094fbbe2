package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"notesServer/backend/internal/cache"
)

// RoomCounter 本实例上的 websocket 房间（ws.Hub 实现）
type RoomCounter interface {
	Notes() []string
	RoomSize(noteID string) int
}

type PresenceHandler struct {
	presence cache.PresenceCache // 未配置 Redis 时为 nil，只返回本实例的连接数
	rooms    RoomCounter
	log      *logrus.Entry
}

func NewPresenceHandler(p cache.PresenceCache, rooms RoomCounter, log *logrus.Entry) *PresenceHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &PresenceHandler{presence: p, rooms: rooms, log: log}
}

func (h *PresenceHandler) Register(r gin.IRoutes) {
	r.GET("/presence", h.ListPresence)
	r.GET("/notes/:id/presence", h.NotePresence)
}

type notePresence struct {
	NoteID      string                 `json:"noteId"`
	Members     []cache.PresenceMember `json:"members"`
	Connections int                    `json:"connections"`
}

func (h *PresenceHandler) load(ctx context.Context, noteID string) (notePresence, error) {
	out := notePresence{NoteID: noteID, Members: []cache.PresenceMember{}, Connections: h.rooms.RoomSize(noteID)}
	if h.presence == nil {
		return out, nil
	}
	members, err := h.presence.GetAliveMembersWithNames(ctx, noteID)
	if err != nil {
		return out, err
	}
	if members != nil {
		out.Members = members
	}
	return out, nil
}

// ListPresence 所有有人在线的笔记：Redis 里的全局在线 + 本实例的房间
func (h *PresenceHandler) ListPresence(c *gin.Context) {
	ctx := c.Request.Context()
	seen := make(map[string]struct{})
	for _, id := range h.rooms.Notes() {
		seen[id] = struct{}{}
	}
	if h.presence != nil {
		ids, err := h.presence.GetNotes(ctx)
		if err != nil {
			h.log.WithError(err).Error("list presence notes failed")
			c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "internal error"})
			return
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	notes := make([]notePresence, 0, len(ids))
	for _, id := range ids {
		p, err := h.load(ctx, id)
		if err != nil {
			h.log.WithError(err).WithField("noteId", id).Warn("load presence failed")
			continue
		}
		// 成员都过期且本实例无连接的房间不返回
		if len(p.Members) == 0 && p.Connections == 0 {
			continue
		}
		notes = append(notes, p)
	}
	c.JSON(http.StatusOK, gin.H{"notes": notes})
}

func (h *PresenceHandler) NotePresence(c *gin.Context) {
	p, err := h.load(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.log.WithError(err).WithField("noteId", c.Param("id")).Error("load presence failed")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "internal error"})
		return
	}
	c.JSON(http.StatusOK, p)
}
