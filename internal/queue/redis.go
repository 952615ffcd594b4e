package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisAddr = "localhost:6379"

// Redis keeps items in a list: RPUSH to the tail, BLPOP from the head.
type Redis struct {
	client *redis.Client
	name   string
}

// OpenRedis connects and pings; an unreachable server is ErrUnavailable.
func OpenRedis(ctx context.Context, name string, cfg RedisConfig) (*Redis, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultRedisAddr
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dial,
	})
	q := NewRedis(client, name)
	if err := q.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

func NewRedis(client *redis.Client, name string) *Redis {
	if name == "" {
		name = DefaultName
	}
	return &Redis{client: client, name: name}
}

func (q *Redis) Push(ctx context.Context, item []byte) error {
	if len(item) == 0 {
		return ErrEmptyItem
	}
	if err := q.client.RPush(ctx, q.name, item).Err(); err != nil {
		return q.wrap(ctx, "push", err)
	}
	return nil
}

// Pop rounds timeout up to one second, the BLPOP resolution.
func (q *Redis) Pop(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := q.client.BLPop(ctx, timeout, q.name).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, q.wrap(ctx, "pop", err)
	}
	// res is [key, value].
	if len(res) != 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}

func (q *Redis) Clear(ctx context.Context) (int, error) {
	var n *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		n = p.LLen(ctx, q.name)
		p.Del(ctx, q.name)
		return nil
	})
	if err != nil {
		return 0, q.wrap(ctx, "clear", err)
	}
	return int(n.Val()), nil
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, q.wrap(ctx, "len", err)
	}
	return int(n), nil
}

func (q *Redis) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return q.wrap(ctx, "ping", err)
	}
	return nil
}

func (q *Redis) Close() error { return q.client.Close() }

func (q *Redis) wrap(ctx context.Context, op string, err error) error {
	if cerr := ctxErr(ctx, err); cerr != nil {
		return cerr
	}
	return unavailable(op, err)
}
