// Package queue implements the durable FIFO the dispatch loop consumes.
//
// Drivers: redis (the production backend), sqlite (single-host, pure Go) and
// memory (tests and demos). All of them share the same contract: Push appends
// to the tail, Pop removes the head and returns (nil, false, nil) when the
// timeout elapses with nothing to deliver.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relaybridge/pkg/logx"
)

var (
	// ErrUnavailable wraps every backend connectivity failure.
	ErrUnavailable = errors.New("queue unavailable")
	// ErrEmptyItem is returned by Push for a zero-length payload.
	ErrEmptyItem = errors.New("queue: empty item")

	errClosed = errors.New("queue closed")
)

const DefaultName = "whatsapp_queue"

type Queue interface {
	Push(ctx context.Context, item []byte) error
	// Pop blocks up to timeout for the oldest item.
	// A cancelled ctx returns ctx.Err().
	Pop(ctx context.Context, timeout time.Duration) ([]byte, bool, error)
	// Clear removes every item and returns how many were dropped.
	Clear(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

type Config struct {
	Driver      string
	Name        string
	Path        string
	BusyTimeout time.Duration
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Open builds the driver selected by cfg.Driver.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Queue, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = DefaultName
	}
	log = log.With(logx.String("comp", "queue"), logx.String("queue", name))

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "redis":
		q, err := OpenRedis(ctx, name, cfg.Redis)
		if err != nil {
			return nil, err
		}
		log.Info("queue connected", logx.String("driver", "redis"), logx.String("addr", cfg.Redis.Addr))
		return q, nil
	case "sqlite":
		q, err := OpenSQLite(ctx, name, cfg.Path, cfg.BusyTimeout)
		if err != nil {
			return nil, err
		}
		log.Info("queue opened", logx.String("driver", "sqlite"), logx.String("path", cfg.Path))
		return q, nil
	case "memory":
		log.Warn("queue is in-memory; items do not survive restarts")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// ctxErr reports a cancellation that happened while err was produced.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}
	return nil
}
