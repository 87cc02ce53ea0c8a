package run

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
	// MaxAttempts 为 0 时使用 DefaultMaxAttempts。
	MaxAttempts int
}

// RabbitMQQueue 通过 RabbitMQ 分发运行消息。消息体为 JSON 编码的 Ticket，
// 处理失败时确认原消息并发布 Attempt+1 的新消息，用尽次数后发布到
// "<queue>.dead"。
type RabbitMQQueue struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	dead        string
	maxAttempts int
	// amqp.Channel 的发布不是并发安全的。
	publishMu sync.Mutex
}

// NewRabbitMQQueue 建立连接并声明工作队列与死信队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{queue: cfg.Queue, maxAttempts: cfg.MaxAttempts}
	if q.queue == "" {
		q.queue = "chorus.runs"
	}
	q.dead = q.queue + ".dead"
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}

	var err error
	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	if q.ch, err = q.conn.Channel(); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := q.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	for _, name := range []string{q.queue, q.dead} {
		if _, err := q.ch.QueueDeclare(name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("声明 RabbitMQ 队列 %s 失败: %w", name, err)
		}
	}
	return q, nil
}

// Publish 将运行投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, runID string) error {
	return q.publish(ctx, q.queue, NewTicket(runID))
}

func (q *RabbitMQQueue) publish(ctx context.Context, queue string, t Ticket) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	body, err := encodeTicket(t)
	if err != nil {
		return err
	}
	q.publishMu.Lock()
	defer q.publishMu.Unlock()
	return q.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    t.RunID,
		Timestamp:    t.EnqueuedAt,
		Body:         body,
	})
}

// Consume 以手动确认模式消费队列，直到 ctx 结束或 channel 关闭。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.handle(ctx, d, handler)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	writeCtx := context.WithoutCancel(ctx)
	t, err := decodeTicket(d.Body)
	if err != nil {
		// 无法解析的消息不会被任何 worker 处理成功，直接拒绝且不重新入队。
		_ = d.Nack(false, false)
		logDeadLetter(q.queue, Ticket{}, err)
		return
	}
	handlerErr := handler(ctx, t)
	if handlerErr == nil {
		_ = d.Ack(false)
		return
	}
	target, next := q.dead, t
	if retry, ok := t.next(q.maxAttempts); ok {
		target, next = q.queue, retry
	}
	if err := q.publish(writeCtx, target, next); err != nil {
		// 发布失败时交回 broker 重新投递，Attempt 不变。
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
	if target == q.dead {
		logDeadLetter(q.queue, t, handlerErr)
	}
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitMQQueue)(nil)
