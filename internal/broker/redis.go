package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"postqueue/pkg/logx"
)

// Config configures the Redis broker.
//
// The same Redis DB serves as queue transport and result backend, matching
// the deployment this replaces.
type Config struct {
	Addr     string
	Password string
	DB       int

	Namespace string // key prefix, default "postqueue"
	Queue     string // queue name, default "default"

	ResultTTL   time.Duration // default 24h
	DialTimeout time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "localhost:6379"
	}
	if strings.TrimSpace(c.Namespace) == "" {
		c.Namespace = "postqueue"
	}
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = "default"
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 24 * time.Hour
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

// queueKey returns the list key messages travel through.
func (c Config) queueKey() string {
	return c.Namespace + ":queue:" + c.Queue
}

func (c Config) resultKey(id string) string {
	return c.Namespace + ":result:" + id
}

// Redis implements Broker on a single Redis instance.
type Redis struct {
	cfg Config
	log logx.Logger
	rdb *redis.Client
}

// NewRedis builds the broker and verifies connectivity with one Ping.
// The ping is advisory: a broker that is down at startup is reported but
// does not prevent construction, the health watchdog owns recovery.
func NewRedis(ctx context.Context, cfg Config, log logx.Logger) *Redis {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	b := &Redis{cfg: cfg, log: log, rdb: rdb}
	pctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := b.Ping(pctx); err != nil {
		log.Warn("broker not reachable yet", logx.String("addr", cfg.Addr), logx.Err(err))
	} else {
		log.Info("broker connected", logx.String("addr", cfg.Addr), logx.String("queue", cfg.queueKey()))
	}
	return b
}

func (b *Redis) Enqueue(ctx context.Context, m *Message) error {
	payload, err := encodeMessage(m)
	if err != nil {
		return err
	}
	if err := b.rdb.LPush(ctx, b.cfg.queueKey(), payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", m.Task, err)
	}
	b.log.Debug("message enqueued", logx.String("task", m.Task), logx.String("id", m.ID))
	return nil
}

// Dequeue pops the oldest message, blocking up to timeout.
// Returns (nil, nil) when the queue stayed empty.
func (b *Redis) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	res, err := b.rdb.BRPop(ctx, timeout, b.cfg.queueKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply shape (%d elements)", len(res))
	}
	return decodeMessage([]byte(res[1]))
}

func (b *Redis) Len(ctx context.Context) (int64, error) {
	n, err := b.rdb.LLen(ctx, b.cfg.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}

func (b *Redis) StoreResult(ctx context.Context, r *Result) error {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("result id required")
	}
	payload, err := encodeResult(r)
	if err != nil {
		return err
	}
	if err := b.rdb.Set(ctx, b.cfg.resultKey(r.ID), payload, b.cfg.ResultTTL).Err(); err != nil {
		return fmt.Errorf("store result %s: %w", r.ID, err)
	}
	return nil
}

func (b *Redis) GetResult(ctx context.Context, id string) (*Result, bool, error) {
	raw, err := b.rdb.Get(ctx, b.cfg.resultKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get result %s: %w", id, err)
	}
	r, err := decodeResult(raw)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (b *Redis) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *Redis) Close() error {
	return b.rdb.Close()
}
