package run

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// MemoryQueue 是进程内的有界运行队列，适合单实例部署与测试。失败的消息会
// 重新排到队尾，达到最大次数或队列已满时丢弃并记录死信。
type MemoryQueue struct {
	tickets     chan Ticket
	maxAttempts int
	dropped     atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{tickets: make(chan Ticket, size), maxAttempts: DefaultMaxAttempts}
}

// Publish 将运行投递到队列，队列满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, runID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errors.New("队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.tickets <- NewTicket(runID):
		return nil
	}
}

// Consume 启动 workerCount 个协程处理消息，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			q.work(ctx, handler)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler) {
	for {
		var t Ticket
		select {
		case <-ctx.Done():
			return
		case next, ok := <-q.tickets:
			if !ok {
				return
			}
			t = next
		}
		err := handler(ctx, t)
		if err == nil {
			continue
		}
		if retry, ok := t.next(q.maxAttempts); ok && q.requeue(retry) {
			continue
		}
		q.dropped.Add(1)
		logDeadLetter("memory", t, err)
	}
}

// requeue 不阻塞地放回消息，失败说明队列已满或已关闭。
func (q *MemoryQueue) requeue(t Ticket) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.tickets <- t:
		return true
	default:
		return false
	}
}

// Dropped 返回进入死信的消息数。
func (q *MemoryQueue) Dropped() int64 { return q.dropped.Load() }

// Close 关闭队列，工作协程在取完剩余消息后退出。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tickets)
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
