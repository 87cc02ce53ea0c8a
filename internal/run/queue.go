package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Chorus-Network/pkg/logger"
)

// DefaultMaxAttempts 是一条运行消息在进入死信前最多被处理的次数。
const DefaultMaxAttempts = 3

// Ticket 是队列中的一条运行消息。Attempt 从 0 开始，每次重投加一。
type Ticket struct {
	RunID      string    `json:"run_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewTicket 为首次入队的运行创建消息。
func NewTicket(runID string) Ticket {
	return Ticket{RunID: runID, EnqueuedAt: time.Now().UTC()}
}

// next 返回重投用的消息；超过 maxAttempts 时 ok 为 false。
func (t Ticket) next(maxAttempts int) (Ticket, bool) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if t.Attempt+1 >= maxAttempts {
		return t, false
	}
	return Ticket{RunID: t.RunID, Attempt: t.Attempt + 1, EnqueuedAt: time.Now().UTC()}, true
}

func encodeTicket(t Ticket) ([]byte, error) {
	return json.Marshal(t)
}

func decodeTicket(body []byte) (Ticket, error) {
	var t Ticket
	if err := json.Unmarshal(body, &t); err != nil {
		return Ticket{}, fmt.Errorf("解析运行消息失败: %w", err)
	}
	if strings.TrimSpace(t.RunID) == "" {
		return Ticket{}, fmt.Errorf("运行消息缺少 run_id")
	}
	return t, nil
}

// Handler 处理一条运行消息。返回错误时队列按 Ticket.Attempt 决定重投或进入死信。
type Handler func(ctx context.Context, t Ticket) error

// Producer 负责向队列投递运行。
type Producer interface {
	Publish(ctx context.Context, runID string) error
	Close() error
}

// Consumer 负责从队列中消费运行。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// logDeadLetter 记录放弃处理的运行消息。
func logDeadLetter(queue string, t Ticket, cause error) {
	logger.Audit().Error("运行消息进入死信",
		slog.String("queue", queue),
		slog.String("run_id", t.RunID),
		slog.Int("attempt", t.Attempt),
		slog.Any("error", cause),
	)
}
