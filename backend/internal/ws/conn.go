package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"notesServer/backend/internal/block"
	"notesServer/backend/internal/cache"
	"notesServer/backend/internal/collab"
	"notesServer/backend/internal/lock"
	"notesServer/backend/internal/reconcile"
	"notesServer/backend/internal/session"
)

const sendQueueSize = 64

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	userID   uint64
	username string
	clientID string

	send   chan OutboundMessage
	sendMu sync.RWMutex
	closed bool

	// 协作服务
	svc collab.Service
	// 信号量控制
	sem   *collab.SemaphoreControl
	cache *cache.NoteCache
	opt   Options

	// 当前打开的笔记与会话；只有 readLoop 会修改
	mu         sync.RWMutex
	noteID     string
	sess       *session.Session
	cancelSess context.CancelFunc
	sessDone   chan struct{}

	// Redis 锁表写入：按笔记只保留最新状态，由一个 goroutine 顺序写
	lockMu      sync.Mutex
	lockPending map[string]lock.Event
	lockClosed  bool
	lockWake    chan struct{}
	lockDone    chan struct{}

	log *logrus.Entry
}

var _ session.Sink = (*Conn)(nil)

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string, svc collab.Service, sem *collab.SemaphoreControl, nc *cache.NoteCache, opt Options) *Conn {
	c := &Conn{
		ws:          ws,
		hub:         hub,
		userID:      userID,
		username:    username,
		send:        make(chan OutboundMessage, sendQueueSize),
		svc:         svc,
		sem:         sem,
		cache:       nc,
		opt:         opt,
		lockPending: make(map[string]lock.Event),
		lockWake:    make(chan struct{}, 1),
		lockDone:    make(chan struct{}),
		log:         opt.Logger.WithFields(logrus.Fields{"userId": userID, "username": username}),
	}
	go c.lockWriter()
	return c
}

// SendMessage_Enqueue 非阻塞入队；队列满或连接已关闭则丢弃
func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.log.WithField("type", msg.MessageType()).Warn("send queue full, drop message")
	}
}

func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) reply(req ClientMessage, msg ServerMessage) {
	msg.RequestID = req.RequestID
	if msg.Type == "" {
		msg.Type = req.Type
	}
	c.SendMessage_Enqueue(msg)
}

func (c *Conn) replyError(req ClientMessage, err error) {
	c.SendMessage_Enqueue(ServerMessage{Type: MsgError, RequestID: req.RequestID, NoteID: req.NoteID, Content: err.Error()})
}

func (c *Conn) current() (string, *session.Session) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.noteID, c.sess
}

// ===== session.Sink =====

func (c *Conn) Operations(noteID string, ops []reconcile.Operation) {
	c.SendMessage_Enqueue(ReconcileMessage{Type: MsgReconcile, NoteID: noteID, Ops: ops})
}

func (c *Conn) Render(noteID string, doc block.Document) {
	c.SendMessage_Enqueue(ServerMessage{Type: MsgRender, NoteID: noteID, Document: &doc})
}

// Lock 在会话事件循环里被调用：Redis 写入放到后台，不占用事件循环
func (c *Conn) Lock(noteID string, e lock.Event) {
	c.hub.Broadcast(noteID, c, PeerLockMessage{
		Type:     MsgPeerLock,
		NoteID:   noteID,
		UserID:   c.userID,
		Username: c.username,
		Kind:     e.Kind,
		Index:    e.Index,
	})
	c.queueLockWrite(noteID, e)
}

// queueLockWrite 不阻塞；同一笔记未写出的旧状态直接被覆盖
func (c *Conn) queueLockWrite(noteID string, e lock.Event) {
	if c.hub.locks == nil {
		return
	}
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	if c.lockClosed {
		return
	}
	c.lockPending[noteID] = e
	select {
	case c.lockWake <- struct{}{}:
	default:
	}
}

func (c *Conn) lockWriter() {
	defer close(c.lockDone)
	for range c.lockWake {
		c.flushLockWrites()
	}
	c.flushLockWrites()
}

func (c *Conn) flushLockWrites() {
	c.lockMu.Lock()
	pending := c.lockPending
	c.lockPending = make(map[string]lock.Event)
	c.lockMu.Unlock()

	for noteID, e := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), c.opt.SubmitTimeout)
		var err error
		if e.Kind == lock.EventLocked {
			err = c.hub.locks.SetLock(ctx, noteID, c.userID, e.Index, c.opt.LockTTL)
		} else {
			err = c.hub.locks.ClearLock(ctx, noteID, c.userID)
		}
		cancel()
		if err != nil {
			c.log.WithError(err).WithField("noteId", noteID).Warn("peer lock table update failed")
		}
	}
}

// stopLockWriter 写完排队中的锁状态后返回
func (c *Conn) stopLockWriter() {
	c.lockMu.Lock()
	if !c.lockClosed {
		c.lockClosed = true
		close(c.lockWake)
	}
	c.lockMu.Unlock()
	<-c.lockDone
}

// deliverRemote 由 Hub 调用，把其他连接提交的快照交给本连接的会话
func (c *Conn) deliverRemote(noteID string, revision uint64, doc block.Document) {
	current, sess := c.current()
	if sess == nil || current != noteID {
		return
	}
	if err := sess.PostRemote(doc); err != nil {
		if !errors.Is(err, session.ErrClosed) {
			c.log.WithError(err).Warn("deliver remote snapshot failed")
		}
		return
	}
	c.SendMessage_Enqueue(ServerMessage{Type: MsgNoteUpdated, NoteID: noteID, Revision: revision})
}

// ===== 笔记房间 =====

func (c *Conn) openNote(ctx context.Context, noteID string) (block.Document, uint64, error) {
	doc, rev, err := c.svc.LoadNote(ctx, noteID)
	if err != nil {
		return block.Document{}, 0, err
	}

	c.leaveNote(ctx)

	sess := session.New(noteID, doc, c, c.opt.Session(c.log))
	sessCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Run(sessCtx)
	}()

	c.mu.Lock()
	c.noteID, c.sess, c.cancelSess, c.sessDone = noteID, sess, cancel, done
	c.mu.Unlock()

	c.hub.Join(noteID, c)
	c.touchPresence(ctx, noteID)
	return doc, rev, nil
}

// leaveNote 关闭当前会话并清理房间、在线状态和锁
func (c *Conn) leaveNote(ctx context.Context) {
	c.mu.Lock()
	noteID, sess, cancel, done := c.noteID, c.sess, c.cancelSess, c.sessDone
	c.noteID, c.sess, c.cancelSess, c.sessDone = "", nil, nil, nil
	c.mu.Unlock()
	if sess == nil {
		return
	}

	c.hub.Leave(noteID, c)
	sess.Close()
	cancel()
	<-done

	c.hub.Broadcast(noteID, c, PeerLockMessage{Type: MsgPeerLock, NoteID: noteID, UserID: c.userID, Kind: lock.EventUnlocked, Index: lock.NoLock})
	// 与会话里的锁事件走同一条写入队列，清除不会被更早的加锁覆盖
	c.queueLockWrite(noteID, lock.Event{Kind: lock.EventUnlocked, Index: lock.NoLock})

	if c.hub.presence != nil {
		cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), c.opt.SubmitTimeout)
		defer cancelCleanup()
		if err := c.hub.presence.RemoveMember(cleanupCtx, noteID, c.userID); err != nil {
			c.log.WithError(err).Warn("remove presence failed")
		}
	}
}

func (c *Conn) touchPresence(ctx context.Context, noteID string) {
	if c.hub.presence == nil || noteID == "" {
		return
	}
	if err := c.hub.presence.AddMember(ctx, noteID, c.userID, c.username, c.opt.PresenceTTL); err != nil {
		c.log.WithError(err).Warn("add member failed")
		return
	}
	members, err := c.hub.presence.GetAliveMembersWithNames(ctx, noteID)
	if err != nil {
		c.log.WithError(err).Warn("get members failed")
		return
	}
	c.hub.BroadcastPresence(noteID, members)
}

// publish 把会话的本地状态提交给协作服务并广播给房间里的其他人
func (c *Conn) publish(ctx context.Context, noteID string, clientSeq uint64, doc block.Document) (uint64, error) {
	submitCtx, cancel := context.WithTimeout(ctx, c.opt.SubmitTimeout)
	defer cancel()

	if c.sem != nil {
		if err := c.sem.Acquire(submitCtx); err != nil {
			return 0, err
		}
		defer c.sem.Release()
	}

	rev, err := c.svc.UpdateNote(submitCtx, noteID, c.userID, c.clientID, clientSeq, doc)
	if err != nil {
		return 0, err
	}
	c.hub.BroadcastSnapshot(noteID, c, rev.Revision, rev.Document)
	if c.cache != nil {
		if err := c.cache.Invalidate(submitCtx, noteID, rev.Revision); err != nil {
			c.log.WithError(err).Debug("invalidate note cache failed")
		}
	}
	return rev.Revision, nil
}

// publishSession 会话内容因撤销/重做/细粒度编辑改变后提交
func (c *Conn) publishSession(ctx context.Context, req ClientMessage, sess *session.Session) {
	doc, err := sess.Snapshot()
	if err != nil {
		c.replyError(req, err)
		return
	}
	rev, err := c.publish(ctx, sess.NoteID(), 0, doc)
	if err != nil && !errors.Is(err, collab.ErrNoChange) {
		c.replyError(req, err)
		return
	}
	c.reply(req, ServerMessage{NoteID: sess.NoteID(), Revision: rev})
}

func (c *Conn) requireSession(req ClientMessage) *session.Session {
	_, sess := c.current()
	if sess == nil {
		c.replyError(req, ErrNoNoteOpen)
	}
	return sess
}

var ErrNoNoteOpen = errors.New("NO_NOTE_OPEN")

func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case MsgHeartbeat:
		noteID, _ := c.current()
		c.touchPresence(ctx, noteID)
		c.reply(msg, ServerMessage{Content: "ok"})

	case MsgFindAllNotes:
		notes, err := c.svc.ListNotes(ctx)
		if err != nil {
			c.replyError(msg, err)
			return
		}
		c.reply(msg, ServerMessage{Notes: notes})

	case MsgFindOneNote:
		doc, rev, err := c.svc.LoadNote(ctx, msg.NoteID)
		if err != nil {
			c.replyError(msg, err)
			return
		}
		c.reply(msg, ServerMessage{NoteID: msg.NoteID, Revision: rev, Document: &doc})

	case MsgJoinNote:
		doc, rev, err := c.openNote(ctx, msg.NoteID)
		if err != nil {
			c.replyError(msg, err)
			return
		}
		resp := ServerMessage{NoteID: msg.NoteID, Revision: rev, Document: &doc}
		if c.hub.locks != nil {
			locks, err := c.hub.locks.GetLocks(ctx, msg.NoteID)
			if err != nil {
				c.log.WithError(err).Warn("get peer locks failed")
			}
			delete(locks, c.userID)
			resp.Locks = locks
		}
		c.reply(msg, resp)

	case MsgCreateNote, MsgCreateTag:
		title := msg.Title
		if title == "" {
			title = msg.Name
		}
		note, err := c.svc.CreateNote(ctx, c.userID, c.username, title)
		if err != nil {
			c.replyError(msg, err)
			return
		}
		c.reply(msg, ServerMessage{NoteID: note.ID, Note: &note})
		c.hub.BroadcastAll(ServerMessage{Type: MsgNoteCreated, NoteID: note.ID, Note: &note})

	case MsgUpdateNote:
		noteID, sess := c.current()
		if msg.NoteID == "" {
			msg.NoteID = noteID
		}
		doc := msg.Document()
		if sess != nil && noteID == msg.NoteID {
			// 会话镜像客户端的本地文档
			if err := sess.Replace(doc); err != nil {
				c.replyError(msg, err)
				return
			}
		}
		rev, err := c.publish(ctx, msg.NoteID, msg.ClientSeq, doc)
		if err != nil && !errors.Is(err, collab.ErrNoChange) {
			c.replyError(msg, err)
			return
		}
		c.reply(msg, ServerMessage{NoteID: msg.NoteID, Revision: rev})

	case MsgLock, MsgFocusIn:
		sess := c.requireSession(msg)
		if sess == nil {
			return
		}
		if msg.Index == nil {
			c.replyError(msg, errors.New("MISSING_INDEX"))
			return
		}
		if err := sess.FocusEnter(*msg.Index); err != nil {
			c.replyError(msg, err)
		}

	case MsgUnlock, MsgFocusOut:
		sess := c.requireSession(msg)
		if sess == nil {
			return
		}
		if err := sess.FocusExit(); err != nil {
			c.replyError(msg, err)
		}

	case MsgMutation:
		sess := c.requireSession(msg)
		if sess == nil {
			return
		}
		sess.Mutate(msg.Mutations...)

	case MsgEdit:
		sess := c.requireSession(msg)
		if sess == nil {
			return
		}
		if err := sess.Edit(msg.Ops...); err != nil {
			// 部分操作失败：已执行的部分照常提交
			c.log.WithError(err).Warn("edit: some operations skipped")
		}
		c.publishSession(ctx, msg, sess)

	case MsgUndo, MsgRedo:
		sess := c.requireSession(msg)
		if sess == nil {
			return
		}
		var err error
		if msg.Type == MsgUndo {
			err = sess.Undo()
		} else {
			err = sess.Redo()
		}
		if err != nil {
			c.replyError(msg, err)
			return
		}
		c.publishSession(ctx, msg, sess)

	case MsgKeydown:
		sess := c.requireSession(msg)
		if sess == nil || msg.Key == nil {
			return
		}
		handled, err := sess.HandleKey(*msg.Key)
		if err != nil {
			c.replyError(msg, err)
			return
		}
		if !handled {
			c.reply(msg, ServerMessage{Handled: false})
			return
		}
		c.publishSession(ctx, msg, sess)

	case MsgSearchNoteBlocks:
		items, err := c.svc.SearchBlocks(ctx, msg.UUID)
		if err != nil {
			c.replyError(msg, err)
			return
		}
		c.reply(msg, ServerMessage{Items: items})

	case MsgSearchNotes:
		mentions, err := c.svc.SearchNotes(ctx, msg.Query)
		if err != nil {
			c.replyError(msg, err)
			return
		}
		c.reply(msg, ServerMessage{Mentions: mentions})

	case MsgSaveNote:
		noteID, sess := c.current()
		if msg.NoteID == "" {
			msg.NoteID = noteID
		}
		if sess != nil {
			_ = sess.FlushHistory()
		}
		if err := c.svc.SaveSnapshot(ctx, msg.NoteID); err != nil {
			c.replyError(msg, err)
			return
		}
		c.reply(msg, ServerMessage{NoteID: msg.NoteID, Content: "saved"})

	case MsgHistory:
		noteID := msg.NoteID
		if noteID == "" {
			noteID, _ = c.current()
		}
		revs, err := c.svc.SnapshotsSince(ctx, noteID, msg.FromRevision, msg.Limit)
		if err != nil {
			c.replyError(msg, err)
			return
		}
		c.reply(msg, ServerMessage{NoteID: noteID, Revisions: revs})

	default:
		c.replyError(msg, errors.New("UNKNOWN_MESSAGE_TYPE"))
	}
}

// shutdown 服务端主动断开：先发 close 帧，再关底层连接让阻塞的读返回
func (c *Conn) shutdown() {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.ws.Close()
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.leaveNote(ctx)
		c.stopLockWriter()
		c.hub.Unregister(c)
		c.closeSend()
	}()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("read json error")
			}
			return
		}
		if msg.ClientID != "" {
			c.clientID = msg.ClientID
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.ws.WriteJSON(msg); err != nil {
			c.log.WithError(err).Debug("write json error")
		}
	}
}
