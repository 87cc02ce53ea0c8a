package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"Chorus-Network/internal/credits"
	"Chorus-Network/pkg/logger"
)

// EventKind distinguishes run-level from node-level events.
type EventKind string

const (
	EventRun  EventKind = "run"
	EventNode EventKind = "node"
)

// Event is a state transition of a run or of one of its nodes.
type Event struct {
	Kind       EventKind      `json:"kind"`
	RunID      string         `json:"run_id"`
	PipelineID string         `json:"pipeline_id"`
	NodeID     string         `json:"node_id,omitempty"`
	Status     string         `json:"status"`
	AgentID    string         `json:"agent_id,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	Cost       credits.Amount `json:"cost,omitempty"`
	Message    string         `json:"message,omitempty"`
	Timestamp  time.Time      `json:"timestamp_utc"`
}

// Observer receives run events. Publish errors are logged and never affect
// the run.
type Observer interface {
	Publish(ctx context.Context, e Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, e Event) error

// Publish implements Observer.
func (f ObserverFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Observers fans an event out to several observers.
type Observers []Observer

// Publish implements Observer.
func (o Observers) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, obs := range o {
		if obs == nil {
			continue
		}
		if err := obs.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogObserver writes events to a structured logger.
type LogObserver struct {
	Logger *slog.Logger
}

// Publish implements Observer.
func (o LogObserver) Publish(ctx context.Context, e Event) error {
	l := o.Logger
	if l == nil {
		l = logger.Named("pipeline")
	}
	attrs := []any{
		slog.String("kind", string(e.Kind)),
		slog.String("run_id", e.RunID),
		slog.String("pipeline_id", e.PipelineID),
		slog.String("status", e.Status),
	}
	if e.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", e.NodeID))
	}
	if e.AgentID != "" {
		attrs = append(attrs, slog.String("agent_id", e.AgentID))
	}
	if e.Message != "" {
		attrs = append(attrs, slog.String("message", e.Message))
	}
	l.InfoContext(ctx, "pipeline event", attrs...)
	return nil
}

// RedisPublisherConfig configures RedisPublisher.
type RedisPublisherConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix is prepended to the run id to build the channel name.
	Prefix string
}

// RedisPublisher publishes every event as JSON on "<prefix>:<run_id>" so that
// clients can follow a run with SUBSCRIBE, or all runs with PSUBSCRIBE.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(cfg RedisPublisherConfig) (*RedisPublisher, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, cfg.Prefix), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "chorus:runs"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the channel used for runID.
func (p *RedisPublisher) Channel(runID string) string {
	return p.prefix + ":" + runID
}

// Publish implements Observer.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(e.RunID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
