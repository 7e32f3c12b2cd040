package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "apptsched:job:"

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisPublisher mirrors events to redis so several server processes can
// feed each other's subscribers.
type RedisPublisher struct {
	rdb    *goredis.Client
	origin string
	logger *zap.Logger
}

var _ Publisher = (*RedisPublisher)(nil)

func NewRedisPublisher(ctx context.Context, url string, logger *zap.Logger) (*RedisPublisher, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisPublisher{rdb: rdb, origin: uuid.NewString(), logger: logger.Named("redis")}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	raw, err := json.Marshal(envelope{Origin: p.origin, Event: e})
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, channelPrefix+e.JobID, raw).Err()
}

// Forward delivers events published by other processes to local until ctx
// is done. Events this process published are skipped.
func (p *RedisPublisher) Forward(ctx context.Context, local Publisher) error {
	sub := p.rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				p.logger.Warn("bad event payload", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			if env.Origin == p.origin {
				continue
			}
			_ = local.Publish(ctx, env.Event)
		}
	}
}

func (p *RedisPublisher) Close() error { return p.rdb.Close() }
