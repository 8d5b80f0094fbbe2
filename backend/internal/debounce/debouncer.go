package debounce

import (
	"sync"
	"time"

	"notesServer/backend/internal/metrics"
)

const DefaultWindow = 200 * time.Millisecond

// Debouncer 把一串高频变更通知合并成一次回调
// 只有一个定时器槽位：每条内容变更都会重置它，静默 window 之后回调一次
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	timer   *time.Timer
	gen     uint64 // 每次重置 +1，过期定时器据此作废
	pending bool
	stopped bool

	pred      Predicate
	fn        func()
	onDestroy func()
}

type Option func(*Debouncer)

func WithPredicate(p Predicate) Option {
	return func(d *Debouncer) { d.pred = p }
}

// WithDestroy 检测到编辑器根节点被拆除时调用（之后不再接收通知）
func WithDestroy(fn func()) Option {
	return func(d *Debouncer) { d.onDestroy = fn }
}

func New(window time.Duration, fn func(), opts ...Option) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	d := &Debouncer{window: window, fn: fn, pred: ContentPredicate()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify 处理一批原始变更；只要有一条是内容变更就重置定时器
// 返回这一批是否被计为内容变更
func (d *Debouncer) Notify(batch ...Mutation) bool {
	contentMutated := false
	teardown := false
	for _, m := range batch {
		if IsTeardown(m) {
			teardown = true
			continue
		}
		if d.pred(m) {
			contentMutated = true
		}
	}

	if teardown {
		d.destroy()
		return false
	}
	if contentMutated {
		d.Trigger()
	}
	return contentMutated
}

// Trigger 不经分类直接重置定时器
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if !d.pending || d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()

	metrics.DebounceFires.Inc()
	d.fn()
}

// Flush 立即执行等待中的回调（没有等待中的回调则什么都不做）
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	gen := d.gen
	d.mu.Unlock()
	d.fire(gen)
}

// Pending 是否有尚未触发的回调
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Stop 取消等待中的回调，之后的通知全部忽略
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
}

func (d *Debouncer) destroy() {
	d.Stop()
	if d.onDestroy != nil {
		d.onDestroy()
	}
}
