package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "shoutbot/pkg/logx"
)

// redisStore layout (prefix defaults to "shoutbot:"):
//   - <prefix>doc:<key>      string, JSON body
//   - <prefix>runs:<plugin>  list, newest first, trimmed to the history size
//   - <prefix>dedup:<key>    string with TTL
type redisStore struct {
	rdb     *redis.Client
	log     logx.Logger
	prefix  string
	maxRuns int
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "shoutbot:"
	}
	return &redisStore{rdb: rdb, log: log, prefix: prefix, maxRuns: historySize(cfg.HistorySize)}, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) GetDoc(ctx context.Context, key string) (json.RawMessage, error) {
	b, err := s.rdb.Get(ctx, s.prefix+"doc:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func (s *redisStore) PutDoc(ctx context.Context, key string, doc json.RawMessage) error {
	return s.rdb.Set(ctx, s.prefix+"doc:"+key, []byte(doc), 0).Err()
}

func (s *redisStore) AppendRun(ctx context.Context, r RunRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := s.prefix + "runs:" + r.Plugin
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, int64(s.maxRuns-1))
		return nil
	})
	return err
}

func (s *redisStore) ListRuns(ctx context.Context, plugin string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = s.maxRuns
	}
	items, err := s.rdb.LRange(ctx, s.prefix+"runs:"+plugin, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(items))
	for _, it := range items {
		var r RunRecord
		if err := json.Unmarshal([]byte(it), &r); err != nil {
			s.log.Debug("skip malformed run record", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return s.rdb.Del(ctx, s.prefix+"dedup:"+key).Err()
	}
	return s.rdb.Set(ctx, s.prefix+"dedup:"+key, until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.rdb.Get(ctx, s.prefix+"dedup:"+key).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
