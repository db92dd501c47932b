// Package redis wraps go-redis with the hash-write-and-publish pattern used
// to expose scooter state to other services.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/librescoot/scooter-ota/pkg/log"
)

// ErrNotFound is returned when a hash or field does not exist.
var ErrNotFound = errors.New("not found")

// Client is a thin redis client. All methods are safe for concurrent use.
type Client struct {
	client *redis.Client
	logger log.Logger
}

// New connects to redis and verifies the connection with a PING.
func New(ctx context.Context, opts *Options, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Std()
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	return &Client{
		client: client,
		logger: logger.WithName("redis"),
	}, nil
}

// WriteHash sets the given fields of a hash.
func (c *Client) WriteHash(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return c.client.HSet(ctx, key, fields).Err()
}

// WriteAndPublish sets the fields of a hash and publishes message on
// channel in one pipeline.
func (c *Client) WriteAndPublish(ctx context.Context, key string, fields map[string]any, channel, message string) error {
	pipe := c.client.Pipeline()
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields)
	}
	pipe.Publish(ctx, channel, message)
	_, err := pipe.Exec(ctx)
	if err != nil {
		c.logger.Debug("pipeline failed", "key", key, "channel", channel, "error", err)
	}
	return err
}

// Expire sets a time to live on key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// ReadHash returns every field of a hash.
func (c *Client) ReadHash(ctx context.Context, key string) (map[string]string, error) {
	vals, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return vals, nil
}

// Subscribe subscribes to a channel. The returned func closes the
// subscription.
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan *redis.Message, func()) {
	pubsub := c.client.Subscribe(ctx, channel)
	return pubsub.Channel(), func() { _ = pubsub.Close() }
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.client.Close()
}
