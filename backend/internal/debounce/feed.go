package debounce

import "sync"

// Source 变更通知的订阅接口；具体检测方式（DOM observer、显式编辑事件……）由实现决定
type Source interface {
	OnContentMutation(pred Predicate, handler func([]Mutation)) (unsubscribe func())
}

// Feed 是内存版 Source：传输层把客户端上报的变更 Publish 进来
type Feed struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	pred    Predicate
	handler func([]Mutation)
}

var _ Source = (*Feed)(nil)

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]subscription)}
}

func (f *Feed) OnContentMutation(pred Predicate, handler func([]Mutation)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = subscription{pred: pred, handler: handler}
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

// Publish 只把满足订阅者谓词的变更交给它；一条都不满足则不调用
func (f *Feed) Publish(batch []Mutation) {
	f.mu.RLock()
	subs := make([]subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.RUnlock()

	for _, s := range subs {
		matched := batch
		if s.pred != nil {
			matched = nil
			for _, m := range batch {
				if s.pred(m) {
					matched = append(matched, m)
				}
			}
		}
		if len(matched) > 0 {
			s.handler(matched)
		}
	}
}
