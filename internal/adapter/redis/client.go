package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/YoussefKamal098/note-verse-sub001/internal/broker"
)

// Roles of the dedicated clients kept outside the broker pool.
const (
	RoleState  broker.Role = "state"
	RoleHealth broker.Role = "health"
)

// ParseOptions parses a redis:// or rediss:// URL into client options.
func ParseOptions(redisURL string) (*goredis.Options, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return opts, nil
}

// NewClient creates a client for role from a copy of base, with metrics
// attached.
func NewClient(base *goredis.Options, role broker.Role, m *metrics.RedisMetrics) *goredis.Client {
	opts := *base
	opts.ClientName = "gateway-" + string(role)

	rdb := goredis.NewClient(&opts)
	if m != nil {
		rdb.AddHook(NewMetricsHook(role, m))
	}
	return rdb
}

// Connect creates a client for role and verifies it with PING.
func Connect(ctx context.Context, base *goredis.Options, role broker.Role, m *metrics.RedisMetrics) (*goredis.Client, error) {
	rdb := NewClient(base, role, m)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}
