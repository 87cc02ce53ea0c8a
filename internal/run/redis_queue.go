package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
	// MaxAttempts 为 0 时使用 DefaultMaxAttempts。
	MaxAttempts int
}

// RedisQueue 把运行消息存放在 Redis list 中：LPUSH 入队，BRPOP 出队。
// 失败的消息以 Attempt+1 重新入队，用尽次数后写入 "<queue>:dead"。
type RedisQueue struct {
	client      *redis.Client
	queue       string
	dead        string
	wait        time.Duration
	maxAttempts int
}

// NewRedisQueue 连接 Redis 并创建队列。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	q := NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait)
	if cfg.MaxAttempts > 0 {
		q.maxAttempts = cfg.MaxAttempts
	}
	return q, nil
}

// NewRedisQueueWithClient 复用已有的 Redis 客户端。
func NewRedisQueueWithClient(client *redis.Client, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "chorus:runs:queue"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, dead: queue + ":dead", wait: wait, maxAttempts: DefaultMaxAttempts}
}

// Publish 将运行投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, runID string) error {
	return q.push(ctx, q.queue, NewTicket(runID), false)
}

func (q *RedisQueue) push(ctx context.Context, list string, t Ticket, front bool) error {
	body, err := encodeTicket(t)
	if err != nil {
		return err
	}
	cmd := q.client.LPush
	if front {
		// BRPOP 从右侧取，RPUSH 让重投的消息优先处理。
		cmd = q.client.RPush
	}
	if err := cmd(ctx, list, body).Err(); err != nil {
		return fmt.Errorf("Redis 写入 %s 失败: %w", list, err)
	}
	return nil
}

// Consume 启动 workerCount 个 BRPOP 循环。任一协程遇到连接错误时全部退出。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			if err := q.work(ctx, handler); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("Redis 取运行失败: %w", err)
		case len(values) != 2:
			continue
		}

		t, err := decodeTicket([]byte(values[1]))
		if err != nil {
			_ = q.client.LPush(ctx, q.dead, values[1]).Err()
			logDeadLetter(q.queue, Ticket{}, err)
			continue
		}
		handlerErr := handler(ctx, t)
		if handlerErr == nil {
			continue
		}
		// 重投或死信写入与 worker 是否退出无关。
		writeCtx := context.WithoutCancel(ctx)
		if retry, ok := t.next(q.maxAttempts); ok {
			if err := q.push(writeCtx, q.queue, retry, true); err == nil {
				continue
			}
		}
		_ = q.push(writeCtx, q.dead, t, false)
		logDeadLetter(q.queue, t, handlerErr)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
