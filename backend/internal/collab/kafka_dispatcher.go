package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"notesServer/backend/internal/metrics"
)

var ErrDispatcherClosed = errors.New("DISPATCHER_CLOSED")

// EventPublisher 服务只依赖"入队"这一个动作，没有 Kafka 时可以传 nil
type EventPublisher interface {
	Enqueue(ctx context.Context, evt NoteEvent) error
}

// KafkaDispatcher 本地有界队列 + worker 异步发送 + 有限重试
//   - UpdateNote 只负责入队，不等待 Kafka
//   - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
//   - 队列满时允许降级（丢弃），避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan NoteEvent

	// 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	// closed 与 close(queue) 在 mu 写锁下一起变更，Enqueue 持读锁发送
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	log       *logrus.Entry
}

var _ EventPublisher = (*KafkaDispatcher)(nil)

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *logrus.Entry
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = time.Second
	}
	if opt.Logger == nil {
		opt.Logger = logrus.NewEntry(logrus.New())
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan NoteEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		log:         opt.Logger.WithField("topic", topic),
	}

	d.start()
	return d
}

// Enqueue 队列满时等待直到 ctx 结束；Kafka 不要求每个事件都送达
// Close 之后返回 ErrDispatcherClosed
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt NoteEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.NoteEventsDropped.Inc()
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		metrics.NoteEventsDropped.Inc()
		return ctx.Err()
	}
}

// Close 停止接收并等待队列中的事件发完；可重复调用
// 正在等待入队的 Enqueue 最多阻塞到它自己的 ctx 结束
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt NoteEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待（不影响主链路）
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			metrics.NoteEventsDropped.Inc()
			d.log.WithError(err).WithFields(logrus.Fields{
				"noteId":   evt.NoteID,
				"eventId":  evt.EventID,
				"revision": evt.Revision,
				"worker":   workerID,
			}).Error("kafka send failed, drop event")
			return
		}

		time.Sleep(d.backoff(attempt))
	}
}

// backoff 每次翻倍，封顶 maxBackoff
func (d *KafkaDispatcher) backoff(attempt int) time.Duration {
	if attempt >= 30 {
		return d.maxBackoff
	}
	b := d.baseBackoff * time.Duration(1<<attempt)
	if b > d.maxBackoff || b <= 0 {
		b = d.maxBackoff
	}
	return b
}

func (d *KafkaDispatcher) sendOnce(evt NoteEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.NoteID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
