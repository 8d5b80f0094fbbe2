package session

import (
	"context"
	"errors"

	"notesServer/backend/internal/block"
	"notesServer/backend/internal/history"
	"notesServer/backend/internal/lock"
	"notesServer/backend/internal/reconcile"
)

var ErrClosed = errors.New("SESSION_CLOSED")

// Sink 会话向外推送的出口（一般是 websocket 连接）
// 这些方法在会话事件循环内被调用，实现方不能同步回调会话本身，否则会死锁
type Sink interface {
	// 远端快照协调后的操作，前端按顺序原地执行
	Operations(noteID string, ops []reconcile.Operation)
	// 撤销/重做后的整篇渲染
	Render(noteID string, doc block.Document)
	// 本地加锁/解锁，广播给协作者
	Lock(noteID string, e lock.Event)
}

// modelSurface 以块模型充当编辑界面：渲染即替换模型并推送给客户端
type modelSurface struct {
	s *Session
}

var _ history.Surface = modelSurface{}

func (m modelSurface) Render(_ context.Context, doc block.Document) error {
	if m.s.isClosed() {
		return ErrClosed
	}
	m.s.model.Replace(doc)
	m.s.cleared = false
	m.s.sink.Render(m.s.noteID, m.s.model.Document())
	return nil
}

func (m modelSurface) Clear(_ context.Context) error {
	if m.s.isClosed() {
		return ErrClosed
	}
	m.s.model.Clear()
	// 目标是空文档时不会再有 Render，由 flushClear 补推一次空渲染
	m.s.cleared = true
	return nil
}

func (m modelSurface) Save(_ context.Context) (block.Document, error) {
	if m.s.isClosed() {
		return block.Document{}, ErrClosed
	}
	return m.s.model.Document(), nil
}
