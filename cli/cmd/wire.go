package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/pithecene-io/trackd/adapter"
	"github.com/pithecene-io/trackd/adapter/redis"
	"github.com/pithecene-io/trackd/adapter/webhook"
	"github.com/pithecene-io/trackd/cli/config"
	"github.com/pithecene-io/trackd/lode"
	"github.com/pithecene-io/trackd/log"
	"github.com/pithecene-io/trackd/metrics"
	"github.com/pithecene-io/trackd/policy"
)

// effectivePolicy resolves the sync policy name. Without storage there is
// nothing to sync to, so every policy degrades to noop.
func effectivePolicy(name string, haveStorage bool) string {
	if !haveStorage {
		return "noop"
	}
	if name == "" {
		return "strict"
	}
	return name
}

func storageBackend(cfg *config.Config) string {
	if cfg.Sync.Backend == "" {
		return "fs"
	}
	return cfg.Sync.Backend
}

// buildLodeClient creates the storage client for the configured backend.
func buildLodeClient(ctx context.Context, cfg *config.Config, lcfg lode.Config) (*lode.LodeClient, error) {
	switch storageBackend(cfg) {
	case "fs":
		if err := os.MkdirAll(cfg.Sync.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create storage root: %w", err)
		}
		return lode.NewLodeClient(lcfg, cfg.Sync.Path)
	case "s3":
		bucket, prefix := lode.ParseS3Path(cfg.Sync.Path)
		return lode.NewLodeS3Client(ctx, lcfg, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Sync.Region,
			Endpoint:     cfg.Sync.Endpoint,
			UsePathStyle: cfg.Sync.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s (must be fs or s3)", cfg.Sync.Backend)
	}
}

// buildPolicy creates the sync policy over an instrumented lode sink.
func buildPolicy(name string, sc config.SyncConfig, client lode.Client, collector *metrics.Collector, logger *log.Logger) (policy.Policy, error) {
	if name == "noop" {
		return policy.NewNoopPolicy(), nil
	}
	if client == nil {
		return nil, fmt.Errorf("%s policy requires storage", name)
	}
	sink := lode.NewInstrumentedSink(lode.NewSink(client), collector)

	switch name {
	case "strict":
		return policy.NewStrictPolicy(sink), nil
	case "streaming":
		p, err := policy.NewStreamingPolicy(sink, policy.StreamingConfig{
			FlushCount:    sc.FlushCount,
			FlushInterval: sc.FlushInterval.Duration,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown policy: %s", name)
	}
}

// buildAdapter creates the run-finalized notifier, or nil when none is
// configured.
func buildAdapter(ac config.AdapterConfig) (adapter.Adapter, error) {
	switch ac.Type {
	case "":
		return nil, nil
	case "redis":
		retries := redis.DefaultRetries
		if ac.Retries != nil {
			retries = *ac.Retries
		}
		a, err := redis.New(redis.Config{
			URL:       ac.URL,
			Channel:   ac.Channel,
			StatusTTL: ac.StatusTTL.Duration,
			Timeout:   ac.Timeout.Duration,
			Retries:   retries,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "webhook":
		retries := webhook.DefaultRetries
		if ac.Retries != nil {
			retries = *ac.Retries
		}
		a, err := webhook.New(webhook.Config{
			URL:     ac.URL,
			Headers: ac.Headers,
			Secret:  ac.Secret,
			Timeout: ac.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown adapter type: %s (must be redis or webhook)", ac.Type)
	}
}
