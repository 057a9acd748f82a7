package lode

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/trackd/ipc"
	"github.com/pithecene-io/trackd/policy"
)

// partitionKeys is the Hive layout shared by the write and read paths.
var partitionKeys = []string{"entity", "project", "day", "run_id", "record_type"}

// LodeClient is the Lode-backed Client. Each WriteEntries call stores one
// compressed segment and one dataset snapshot.
type LodeClient struct {
	dataset lode.Dataset
	config  Config

	storeFactory lode.StoreFactory
	storeOnce    sync.Once
	store        lode.Store
	storeErr     error
}

// NewLodeClient creates a client with filesystem storage under root.
func NewLodeClient(cfg Config, root string) (*LodeClient, error) {
	return NewLodeClientWithFactory(cfg, lode.NewFSFactory(root))
}

// NewLodeClientWithFactory creates a client with a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewLodeClientWithFactory(cfg Config, factory lode.StoreFactory) (*LodeClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	ds, err := newDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}
	return newClient(ds, cfg, factory), nil
}

func newDataset(id string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(id),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

func newClient(ds lode.Dataset, cfg Config, factory lode.StoreFactory) *LodeClient {
	return &LodeClient{dataset: ds, config: cfg, storeFactory: factory}
}

// WriteEntries stores the batch. The segment goes first: rewriting it on
// retry is harmless, and a dataset snapshot never points past a segment
// that is missing.
func (c *LodeClient) WriteEntries(ctx context.Context, entries []policy.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	var segment []byte
	records := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := entryData(e)
		if err != nil {
			return err
		}
		segment = ipc.AppendFrame(segment, data)
		records = append(records, toSyncRecordMap(e, data, c.config))
	}

	store, err := c.getOrCreateStore()
	if err != nil {
		return WrapInitError(err, c.config.Dataset)
	}
	path := c.segmentPath(entries[0].Offset, entries[len(entries)-1].End)
	if err := store.Put(ctx, path, bytes.NewReader(compressSegment(segment))); err != nil {
		return WrapWriteError(err, path)
	}

	if _, err := c.dataset.Write(ctx, records, lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.config.Dataset)
	}
	return nil
}

// Close releases client resources.
func (c *LodeClient) Close() error {
	return nil
}

// getOrCreateStore lazily initializes the Store from the factory.
func (c *LodeClient) getOrCreateStore() (lode.Store, error) {
	c.storeOnce.Do(func() {
		c.store, c.storeErr = c.storeFactory()
	})
	return c.store, c.storeErr
}

// runPrefix is the Hive partition prefix of the run, without record_type.
func (c *LodeClient) runPrefix() string {
	return fmt.Sprintf("datasets/%s/partitions/entity=%s/project=%s/day=%s/run_id=%s",
		c.config.Dataset,
		c.config.Entity,
		c.config.Project,
		c.config.Day,
		c.config.RunID,
	)
}

var _ Client = (*LodeClient)(nil)
