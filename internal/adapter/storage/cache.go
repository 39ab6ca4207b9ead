// internal/adapter/storage/cache.go

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/nearby"
	"nomadnet/internal/logging"
)

// ErrNotFound is returned when nothing has been cached yet
var ErrNotFound = errors.New("not cached")

// Keys for BadgerDB storage, prefixed by user id so sessions never see
// each other's last-known state
const (
	snapshotKey = "nearby_snapshot"
	locationKey = "committed_location"
)

// Cache persists the last-known snapshot and committed location
type Cache struct {
	db     *badger.DB
	userID string
}

// OpenCache opens a cache at dir; an empty dir keeps everything in memory
func OpenCache(dir, userID string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return NewCache(db, userID), nil
}

// NewCache wraps an open database
func NewCache(db *badger.DB, userID string) *Cache {
	return &Cache{db: db, userID: userID}
}

// Close closes the database
func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveSnapshot stores the exported snapshot
func (c *Cache) SaveSnapshot(ctx context.Context, snap nearby.Snapshot) error {
	return c.put(snapshotKey, snap)
}

// LoadSnapshot returns the last saved snapshot
func (c *Cache) LoadSnapshot(ctx context.Context) (nearby.Snapshot, error) {
	var snap nearby.Snapshot
	if err := c.get(snapshotKey, &snap); err != nil {
		return nearby.Snapshot{}, err
	}
	return snap, nil
}

// SaveLocation stores the committed location
func (c *Cache) SaveLocation(ctx context.Context, loc geo.CommittedLocation) error {
	return c.put(locationKey, loc)
}

// LoadLocation returns the last saved committed location
func (c *Cache) LoadLocation(ctx context.Context) (geo.CommittedLocation, error) {
	var loc geo.CommittedLocation
	if err := c.get(locationKey, &loc); err != nil {
		return geo.CommittedLocation{}, err
	}
	return loc, nil
}

func (c *Cache) key(name string) []byte {
	return []byte(c.userID + ":" + name)
}

func (c *Cache) put(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	return c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(c.key(name), data); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
		return nil
	})
}

func (c *Cache) get(name string, v any) error {
	return c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", name, err)
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// SnapshotSource is the store being checkpointed
type SnapshotSource interface {
	Export() nearby.Snapshot
}

// Checkpointer saves the snapshot to the cache whenever it changed
type Checkpointer struct {
	cache    *Cache
	source   SnapshotSource
	interval time.Duration
	log      zerolog.Logger

	lastVersion uint64
}

// NewCheckpointer creates a new checkpointer
func NewCheckpointer(cache *Cache, source SnapshotSource, interval time.Duration) *Checkpointer {
	return &Checkpointer{
		cache:    cache,
		source:   source,
		interval: interval,
		log:      logging.With("cache"),
	}
}

// Flush saves the snapshot if its version moved since the last save
func (c *Checkpointer) Flush(ctx context.Context) error {
	snap := c.source.Export()
	if snap.Version == c.lastVersion {
		return nil
	}

	if err := c.cache.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	c.lastVersion = snap.Version
	c.log.Debug().Uint64("version", snap.Version).Int("entities", snap.Len()).Msg("Snapshot checkpointed")
	return nil
}

// Run flushes on every interval and once more when ctx ends
func (c *Checkpointer) Run(ctx context.Context) {
	// A non-positive interval only writes the final checkpoint
	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			if err := c.Flush(context.Background()); err != nil {
				c.log.Warn().Err(err).Msg("Final checkpoint failed")
			}
			return
		case <-tick:
			if err := c.Flush(ctx); err != nil {
				c.log.Warn().Err(err).Msg("Checkpoint failed")
			}
		}
	}
}
