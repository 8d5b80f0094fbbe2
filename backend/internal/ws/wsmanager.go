package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"notesServer/backend/internal/cache"
	"notesServer/backend/internal/collab"
	"notesServer/backend/internal/history"
	"notesServer/backend/internal/session"
)

type Options struct {
	HistoryMaxLength int
	Shortcuts        history.Shortcuts
	DebounceWindow   time.Duration
	IgnoredClasses   []string

	PresenceTTL   time.Duration
	LockTTL       time.Duration
	SubmitTimeout time.Duration

	// Origin 前缀白名单；空 Origin 总是放行
	AllowedOrigins []string
	Logger         *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 600 * time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 120 * time.Second
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 200 * time.Millisecond
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{
			"http://localhost",
			"http://127.0.0.1",
			"https://localhost",
			"https://127.0.0.1",
		}
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.New())
	}
	return o
}

// Session 每个连接打开笔记时使用的会话参数
func (o Options) Session(log *logrus.Entry) session.Options {
	return session.Options{
		HistoryMaxLength: o.HistoryMaxLength,
		Shortcuts:        o.Shortcuts,
		DebounceWindow:   o.DebounceWindow,
		IgnoredClasses:   o.IgnoredClasses,
		Logger:           log,
	}
}

type Manager struct {
	h        *Hub
	svc      collab.Service
	sem      *collab.SemaphoreControl
	cache    *cache.NoteCache
	opt      Options
	upgrader websocket.Upgrader

	// 关停时拒绝新连接并等待现有连接的读循环结束
	mu      sync.Mutex
	closing bool
	active  sync.WaitGroup
}

var ErrManagerClosed = errors.New("WS_MANAGER_CLOSED")

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl, nc *cache.NoteCache, opt Options) *Manager {
	opt = opt.withDefaults()
	m := &Manager{h: h, svc: svc, sem: sem, cache: nc, opt: opt}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境不发送 Origin，或为 "null"
		return true
	}
	for _, p := range m.opt.AllowedOrigins {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect userId/username 由鉴权中间件写入 gin.Context
func (m *Manager) WebSocketConnect(c *gin.Context) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": ErrManagerClosed.Error()})
		return
	}
	m.active.Add(1)
	m.mu.Unlock()
	defer m.active.Done()

	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.opt.Logger.WithError(err).WithField("origin", c.Request.Header.Get("Origin")).Warn("websocket upgrade error")
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.h, userID, username, m.svc, m.sem, m.cache, m.opt)
	m.h.Register(wsConn)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		wsConn.writeLoop()
	}()
	wsConn.SendMessage_Enqueue(ServerMessage{Type: MsgWelcome, UserID: userID, Content: username})

	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
	<-writeDone
}

// Shutdown 断开所有连接并等待它们完成离开清理；之后的升级请求返回 503
// 返回后不会再有连接向协作服务提交快照
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	m.h.CloseAll()

	done := make(chan struct{})
	go func() {
		m.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
