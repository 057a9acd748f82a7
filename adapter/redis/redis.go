// Package redis publishes run events over Redis pub/sub.
//
// Each event is PUBLISHed as JSON to a channel and, when a TTL is set,
// also stored under trackd:run:<run_id> so late subscribers can fetch the
// last outcome of a run.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/trackd/adapter"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "trackd:run_finalized"

// KeyPrefix prefixes the per-run status keys.
const KeyPrefix = "trackd:run:"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the Redis adapter.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel (default trackd:run_finalized).
	Channel string
	// StatusTTL keeps the event under KeyPrefix+run_id. Zero disables it.
	StatusTTL time.Duration
	// Timeout bounds each attempt (default 5s).
	Timeout time.Duration
	// Retries is the number of retries after the first attempt.
	Retries int
}

// Adapter publishes run events with Redis PUBLISH.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New creates a Redis adapter. The URL is parsed but not dialed.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.StatusTTL < 0 {
		return nil, fmt.Errorf("status TTL must be >= 0, got %s", cfg.StatusTTL)
	}

	return &Adapter{config: cfg, client: goredis.NewClient(opts)}, nil
}

// Publish sends the event, retrying with backoff.
func (a *Adapter) Publish(ctx context.Context, event *adapter.RunFinalizedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	return adapter.Deliver(ctx, "redis", a.config.Retries, nil, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
		return a.send(ctx, event.RunID, body)
	})
}

// send stores the status key and publishes in one round trip.
func (a *Adapter) send(ctx context.Context, runID string, body []byte) error {
	_, err := a.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		if a.config.StatusTTL > 0 && runID != "" {
			p.Set(ctx, KeyPrefix+runID, body, a.config.StatusTTL)
		}
		p.Publish(ctx, a.config.Channel, body)
		return nil
	})
	return err
}

// Close releases the connection pool.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
