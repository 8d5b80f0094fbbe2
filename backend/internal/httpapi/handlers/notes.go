package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"notesServer/backend/internal/cache"
	"notesServer/backend/internal/collab"
)

type NotesHandler struct {
	svc   collab.Service
	cache *cache.NoteCache // 可以为 nil
	log   *logrus.Entry
}

func NewNotesHandler(svc collab.Service, nc *cache.NoteCache, log *logrus.Entry) *NotesHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &NotesHandler{svc: svc, cache: nc, log: log}
}

func (h *NotesHandler) Register(r gin.IRoutes) {
	r.GET("/notes", h.ListNotes)
	r.POST("/notes", h.CreateNote)
	r.GET("/notes/search", h.SearchNotes)
	r.GET("/notes/:id", h.GetNote)
	r.GET("/notes/:id/history", h.NoteHistory)
	r.GET("/notes/:id/mentions", h.Mentions)
}

func (h *NotesHandler) ListNotes(c *gin.Context) {
	notes, err := h.svc.ListNotes(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": notes})
}

type createNoteRequest struct {
	Title string `json:"title" binding:"required"`
}

func (h *NotesHandler) CreateNote(c *gin.Context) {
	var req createNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": err.Error()})
		return
	}
	note, err := h.svc.CreateNote(c.Request.Context(), c.GetUint64("userId"), c.GetString("username"), req.Title)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

// GetNote 元数据 + 内容；内容走 Redis 读缓存
func (h *NotesHandler) GetNote(c *gin.Context) {
	ctx := c.Request.Context()
	noteID := c.Param("id")

	note, err := h.svc.FindNote(ctx, noteID)
	if err != nil {
		h.fail(c, err)
		return
	}

	content, exists, err := h.loadContent(ctx, noteID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !exists {
		h.fail(c, collab.ErrNoteNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"note":     note,
		"noteId":   noteID,
		"revision": content.Revision,
		"time":     content.Document.Time,
		"version":  content.Document.Version,
		"blocks":   content.Document.Blocks,
	})
}

func (h *NotesHandler) loadContent(ctx context.Context, noteID string) (cache.CachedNote, bool, error) {
	fetch := func(ctx context.Context) (cache.CachedNote, bool, error) {
		doc, rev, err := h.svc.LoadNote(ctx, noteID)
		if errors.Is(err, collab.ErrNoteNotFound) {
			return cache.CachedNote{}, false, nil
		}
		if err != nil {
			return cache.CachedNote{}, false, err
		}
		return cache.CachedNote{Revision: rev, Document: doc}, true, nil
	}
	if h.cache == nil {
		return fetch(ctx)
	}
	return h.cache.Get(ctx, noteID, fetch)
}

func (h *NotesHandler) NoteHistory(c *gin.Context) {
	from, err := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": "from must be a revision number"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": "limit must be a non-negative number"})
		return
	}
	revs, err := h.svc.SnapshotsSince(c.Request.Context(), c.Param("id"), from, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"noteId": c.Param("id"), "revisions": revs})
}

// SearchNotes 提及补全：?q= 标题前缀
func (h *NotesHandler) SearchNotes(c *gin.Context) {
	items, err := h.svc.SearchNotes(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Mentions 引用了该笔记的块
func (h *NotesHandler) Mentions(c *gin.Context) {
	items, err := h.svc.SearchBlocks(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *NotesHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, collab.ErrNoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": err.Error()})
	case errors.Is(err, collab.ErrStoreNotInitialized):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": err.Error()})
	default:
		h.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "internal error"})
	}
}
