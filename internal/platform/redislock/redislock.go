package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/scenegraph-backend/internal/platform/envutil"
	"github.com/yungbote/scenegraph-backend/internal/platform/httpx"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

// Locker serializes work on a key across processes. Release is idempotent.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
	Poll     time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Addr:     envutil.String("REDIS_ADDR", ""),
		Password: envutil.String("REDIS_PASSWORD", ""),
		DB:       envutil.Int("REDIS_DB", 0),
		Prefix:   envutil.String("REDIS_LOCK_PREFIX", "scenegraph:lock:"),
		TTL:      envutil.Duration("SESSION_LOCK_TTL", 2*time.Minute),
		Poll:     100 * time.Millisecond,
	}
}

// Compare-and-delete so a holder whose lease expired cannot free a newer holder's lock.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type redisLocker struct {
	log    *logger.Logger
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

func New(log *logger.Logger, cfg Config) (Locker, func() error, error) {
	if log == nil {
		return nil, nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(log, rdb, cfg), rdb.Close, nil
}

func NewWithClient(log *logger.Logger, rdb goredis.UniversalClient, cfg Config) Locker {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	poll := cfg.Poll
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "scenegraph:lock:"
	}
	return &redisLocker{
		log:    log.With("client", "RedisLocker"),
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		poll:   poll,
	}
}

// Acquire polls SET NX PX until the lock is free or ctx ends. While held,
// the lease is extended every ttl/3.
func (l *redisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errors.New("redislock: key required")
	}
	full := l.prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.rdb.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redislock: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		if err := httpx.Sleep(ctx, httpx.JitterSleep(l.poll)); err != nil {
			return nil, err
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(full, token, stop, done)

	released := false
	return func() {
		if released {
			return
		}
		released = true
		close(stop)
		<-done
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.rdb, []string{full}, token).Err(); err != nil {
			l.log.Warn("redis lock release failed", "key", key, "error", err)
		}
	}, nil
}

func (l *redisLocker) keepAlive(full, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := refreshScript.Run(ctx, l.rdb, []string{full}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.log.Warn("redis lock refresh failed", "key", full, "error", err)
				continue
			}
			if n == 0 {
				l.log.Warn("redis lock lost", "key", full)
				return
			}
		}
	}
}
