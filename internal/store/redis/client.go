// Package redis fans out eventually-consistent portfolio and signal
// snapshots through Redis: a latest-value key, an optional trimmed stream
// and a pub/sub channel per write.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Client.Get for a missing key.
var ErrNotFound = errors.New("redis: key not found")

// Write is one snapshot fan-out. Empty Stream skips the XADD; empty
// Channel skips the PUBLISH.
type Write struct {
	LatestKey string
	Stream    string
	MaxLen    int64
	Channel   string
	Data      string
	TTL       time.Duration
}

// Client is the subset of Redis the publisher and reader need.
type Client interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (string, error)
	Write(ctx context.Context, w Write) error
	Close() error
}

// Config configures the Redis connection.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// GoClient implements Client over go-redis.
type GoClient struct {
	client *goredis.Client
}

// Dial connects and pings the server.
func Dial(cfg Config) (*GoClient, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("[redis] connected", "addr", cfg.Addr)
	return &GoClient{client: client}, nil
}

// Ping checks connectivity.
func (c *GoClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get reads a string key.
func (c *GoClient) Get(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// Write pipelines SET latest + XADD + PUBLISH in one round trip.
func (c *GoClient) Write(ctx context.Context, w Write) error {
	pipe := c.client.Pipeline()

	if w.LatestKey != "" {
		pipe.Set(ctx, w.LatestKey, w.Data, w.TTL)
	}
	if w.Stream != "" {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: w.Stream,
			MaxLen: w.MaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": w.Data},
		})
	}
	if w.Channel != "" {
		pipe.Publish(ctx, w.Channel, w.Data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline %s: %w", w.LatestKey, err)
	}
	return nil
}

// Close closes the Redis client.
func (c *GoClient) Close() error {
	return c.client.Close()
}
