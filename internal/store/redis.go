package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis holds the client shared by the token store and the audit queue.
type Redis struct {
	Client *redis.Client
}

// NewRedis accepts either host:port or a redis:// URL. Socket reads and
// writes are bounded by timeout so a stalled server surfaces as
// ErrUnavailable instead of hanging a scan.
func NewRedis(addr string, timeout time.Duration) (*Redis, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		opts = parsed
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	opts.DialTimeout = 2 * timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	opts.ContextTimeoutEnabled = true
	return &Redis{Client: redis.NewClient(opts)}, nil
}

func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
