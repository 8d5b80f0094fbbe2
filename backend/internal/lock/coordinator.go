package lock

// NoLock 表示当前没有正在本地编辑的块（与前端 locked.current = -1 对齐）
const NoLock = -1

type EventKind string

const (
	EventLocked   EventKind = "lock"
	EventUnlocked EventKind = "unlock"
)

// Event 由协调器在加锁/解锁时发出，传输层可广播给其他协作者
type Event struct {
	Kind  EventKind `json:"kind"`
	Index int       `json:"index"`
}

// Coordinator 记录本地光标所在的块下标
// 这只是本地的协作提示，不是分布式互斥：它只能减少远端快照覆盖正在输入内容的概率
type Coordinator struct {
	locked int
	notify func(Event)
}

// NewCoordinator notify 可以为 nil
func NewCoordinator(notify func(Event)) *Coordinator {
	return &Coordinator{locked: NoLock, notify: notify}
}

// Lock 在 focus 进入某块时调用；已有锁时直接替换（不排队）
func (c *Coordinator) Lock(index int) {
	if index < 0 {
		// 光标不在任何块内
		return
	}
	c.locked = index
	c.emit(Event{Kind: EventLocked, Index: index})
}

// Unlock 在 blur 时调用；没有锁时什么都不发
func (c *Coordinator) Unlock() {
	if c.locked < 0 {
		return
	}
	prev := c.locked
	c.locked = NoLock
	c.emit(Event{Kind: EventUnlocked, Index: prev})
}

func (c *Coordinator) IsLocked(index int) bool {
	return c.locked >= 0 && c.locked == index
}

// Locked 返回当前锁定下标，没有锁时为 NoLock
func (c *Coordinator) Locked() int {
	return c.locked
}

func (c *Coordinator) emit(e Event) {
	if c.notify != nil {
		c.notify(e)
	}
}
