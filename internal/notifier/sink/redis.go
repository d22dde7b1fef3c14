package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"shoutbot/internal/notifier"
)

const defaultRedisChannel = "shoutbot:notify"

// Redis publishes each notification as JSON on a pub/sub channel.
type Redis struct {
	rdb     *redis.Client
	channel string
}

type redisPayload struct {
	notifier.Notification
	At time.Time `json:"at"`
}

func NewRedis(ctx context.Context, addr, password string, db int, channel string) (*Redis, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis sink: addr is required")
	}
	if strings.TrimSpace(channel) == "" {
		channel = defaultRedisChannel
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis sink: ping %s: %w", addr, err)
	}
	return &Redis{rdb: rdb, channel: channel}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Send(ctx context.Context, n notifier.Notification) error {
	b, err := json.Marshal(redisPayload{Notification: n, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, b).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
