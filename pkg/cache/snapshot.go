package cache

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stellar-lumens/lumens-supply/pkg/types"
)

// ErrNotReady is returned while no snapshot has been published yet.
var ErrNotReady = errors.New("supply snapshot not ready")

// Store keys written on every publish.
const (
	KeySnapshot          = "lumens:v3"
	KeySnapshotV1        = "lumens:v1"
	KeyTotalSupply       = "lumens:total_supply"
	KeyCirculatingSupply = "lumens:circulating_supply"
	KeyTotalSupplySum    = "lumens:total_supply_sum"
)

// SnapshotCache owns the current snapshot and the projections served from
// the store. The refresher is its only writer; HTTP handlers read it
// concurrently.
type SnapshotCache struct {
	mu    sync.RWMutex
	snap  *types.Snapshot
	store Store
	log   zerolog.Logger
}

func NewSnapshotCache(store Store, log zerolog.Logger) *SnapshotCache {
	if store == nil {
		store = NewMemoryStore()
	}
	return &SnapshotCache{store: store, log: log.With().Str("component", "cache").Logger()}
}

func (c *SnapshotCache) Get() (*types.Snapshot, error) {
	c.mu.RLock()
	s := c.snap
	c.mu.RUnlock()
	if s == nil {
		return nil, ErrNotReady
	}
	return s, nil
}

// Publish writes the snapshot and its projections to the store and then
// swaps it in. If any write fails the previous snapshot stays current and its
// projections are written back.
func (c *SnapshotCache) Publish(s *types.Snapshot) error {
	if s == nil {
		return errors.New("publish nil snapshot")
	}
	next, err := projections(s)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write(next); err != nil {
		if c.snap != nil {
			prev, perr := projections(c.snap)
			if perr == nil {
				perr = c.write(prev)
			}
			if perr != nil {
				c.log.Error().Err(perr).Msg("could not restore previous projections")
			}
		}
		return err
	}
	c.snap = s
	c.log.Info().Int64("ledger", s.LedgerSequence).Str("etag", s.ETag).Msg("snapshot published")
	return nil
}

type entry struct{ key, value string }

// projections encodes everything the store holds for s. KeySnapshot comes
// last so a persisted snapshot implies its projections were written.
func projections(s *types.Snapshot) ([]entry, error) {
	full, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "encode snapshot")
	}
	v1, err := json.Marshal(s.V1())
	if err != nil {
		return nil, errors.Wrap(err, "encode v1 snapshot")
	}
	return []entry{
		{KeySnapshotV1, string(v1)},
		{KeyTotalSupply, s.TotalSupply.String()},
		{KeyCirculatingSupply, s.Circulating.String()},
		{KeyTotalSupplySum, s.TotalSupplySum.String()},
		{KeySnapshot, string(full)},
	}, nil
}

func (c *SnapshotCache) write(entries []entry) error {
	for _, e := range entries {
		if err := c.store.Set(e.key, e.value); err != nil {
			return errors.Wrapf(err, "store %s", e.key)
		}
	}
	return nil
}

// Projection returns the current snapshot with the stored value under key.
// Both are read under the publish lock, so they always belong together.
func (c *SnapshotCache) Projection(key string) (*types.Snapshot, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return nil, "", ErrNotReady
	}
	v, err := c.store.Get(key)
	if errors.Is(err, ErrMiss) {
		return nil, "", ErrNotReady
	}
	if err != nil {
		return nil, "", errors.Wrapf(err, "load %s", key)
	}
	return c.snap, v, nil
}

// Restore loads the last persisted snapshot, if any. It returns ErrMiss when
// the store holds none.
func (c *SnapshotCache) Restore() (*types.Snapshot, error) {
	raw, err := c.store.Get(KeySnapshot)
	if err != nil {
		return nil, err
	}
	var s types.Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, errors.Wrap(err, "decode persisted snapshot")
	}
	c.mu.Lock()
	if c.snap == nil {
		c.snap = &s
	}
	c.mu.Unlock()
	c.log.Info().Int64("ledger", s.LedgerSequence).Str("updated_at", s.UpdatedAt.String()).Msg("snapshot restored")
	return &s, nil
}

// Ready reports whether a snapshot is available.
func (c *SnapshotCache) Ready() bool {
	_, err := c.Get()
	return err == nil
}
