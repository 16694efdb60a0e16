package events

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"dhan-autoexit/internal/metrics"
)

// DefaultChannel is the Redis pub/sub channel events are published on.
const DefaultChannel = "autoexit:events"

// RedisPublisher forwards events to a Redis channel from its own goroutine.
// Publish only enqueues; events are dropped when the queue is full.
type RedisPublisher struct {
	rdb     goredis.UniversalClient
	channel string
	queue   chan Event
	m       *metrics.Metrics
	log     *zap.Logger
}

func NewRedisPublisher(rdb goredis.UniversalClient, channel string, m *metrics.Metrics, log *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPublisher{
		rdb:     rdb,
		channel: channel,
		queue:   make(chan Event, 1024),
		m:       m,
		log:     log.Named("redis-events"),
	}
}

// Publish implements Sink.
func (p *RedisPublisher) Publish(ev Event) {
	select {
	case p.queue <- ev:
	default:
		p.m.EventDropped()
	}
}

// Run drains the queue until ctx is cancelled.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err = p.rdb.Publish(pubCtx, p.channel, payload).Err()
			cancel()
			if err != nil {
				p.log.Warn("publish failed", zap.Int64("seq", ev.Seq), zap.String("type", string(ev.Type)), zap.Error(err))
			}
		}
	}
}
