package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar-lumens/lumens-supply/pkg/types"
)

func sampleSnapshot(seq int64, total string) *types.Snapshot {
	t := decimal.RequireFromString(total)
	non := decimal.RequireFromString("30000000000.5")
	return &types.Snapshot{
		UpdatedAt:      time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		LedgerSequence: seq,
		ETag:           "etag-" + total,
		TotalSupply:    t,
		NonCirculating: non,
		Circulating:    t.Sub(non),
		TotalSupplySum: t,
		Programs:       types.Programs{Growth: decimal.RequireFromString("12.3456789")},
	}
}

func stores(t *testing.T) map[string]Store {
	b, err := OpenBadger("", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return map[string]Store{"memory": NewMemoryStore(), "badger": b}
}

func TestStoreMiss(t *testing.T) {
	for name, s := range stores(t) {
		_, err := s.Get("nope")
		assert.True(t, errors.Is(err, ErrMiss), "%s: %v", name, err)

		require.NoError(t, s.Set("k", "v1"), name)
		require.NoError(t, s.Set("k", "v2"), name)
		v, err := s.Get("k")
		require.NoError(t, err, name)
		assert.Equal(t, "v2", v, name)
	}
}

func TestSnapshotCacheNotReady(t *testing.T) {
	c := NewSnapshotCache(nil, zerolog.Nop())
	_, err := c.Get()
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.False(t, c.Ready())
}

func TestPublishWritesProjections(t *testing.T) {
	store := NewMemoryStore()
	c := NewSnapshotCache(store, zerolog.Nop())
	snap := sampleSnapshot(10, "105443900852.7793964")
	require.NoError(t, c.Publish(snap))

	got, err := c.Get()
	require.NoError(t, err)
	assert.Same(t, snap, got)

	v, err := store.Get(KeyTotalSupply)
	require.NoError(t, err)
	assert.Equal(t, "105443900852.7793964", v)
	v, err = store.Get(KeyCirculatingSupply)
	require.NoError(t, err)
	assert.Equal(t, "75443900852.2793964", v)
	v, err = store.Get(KeyTotalSupplySum)
	require.NoError(t, err)
	assert.Equal(t, "105443900852.7793964", v)
	v, err = store.Get(KeySnapshotV1)
	require.NoError(t, err)
	assert.Contains(t, v, `"totalCoins":"105443900852.7793964"`)

	assert.Error(t, c.Publish(nil))
	got, _ = c.Get()
	assert.Same(t, snap, got)
}

func TestRestoreFromBadger(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBadger(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, NewSnapshotCache(b, zerolog.Nop()).Publish(sampleSnapshot(77, "100")))
	require.NoError(t, b.Close())

	b, err = OpenBadger(dir, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()
	c := NewSnapshotCache(b, zerolog.Nop())
	restored, err := c.Restore()
	require.NoError(t, err)
	assert.Equal(t, int64(77), restored.LedgerSequence)
	assert.True(t, restored.Programs.Growth.Equal(decimal.RequireFromString("12.3456789")))

	got, err := c.Get()
	require.NoError(t, err)
	assert.Equal(t, "etag-100", got.ETag)
}

func TestRestoreEmpty(t *testing.T) {
	c := NewSnapshotCache(NewMemoryStore(), zerolog.Nop())
	_, err := c.Restore()
	assert.True(t, errors.Is(err, ErrMiss))
	assert.False(t, c.Ready())
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	c := NewSnapshotCache(nil, zerolog.Nop())
	require.NoError(t, c.Publish(sampleSnapshot(1, "100")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s, err := c.Get()
				if assert.NoError(t, err) {
					assert.True(t, s.Circulating.Add(s.NonCirculating).Equal(s.TotalSupply))
				}
			}
		}()
	}
	for i := int64(2); i < 50; i++ {
		require.NoError(t, c.Publish(sampleSnapshot(i, decimal.NewFromInt(100+i).String())))
	}
	wg.Wait()
}

// flakyStore fails the Set calls whose 1-based index is listed in failAt.
type flakyStore struct {
	*MemoryStore
	mu     sync.Mutex
	sets   int
	failAt map[int]bool
}

func (f *flakyStore) Set(key, value string) error {
	f.mu.Lock()
	f.sets++
	fail := f.failAt[f.sets]
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Set(key, value)
}

func TestFailedStoreWriteKeepsPreviousSnapshot(t *testing.T) {
	// the first publish takes five writes; fail the third write of the second
	store := &flakyStore{MemoryStore: NewMemoryStore(), failAt: map[int]bool{8: true}}
	c := NewSnapshotCache(store, zerolog.Nop())

	first := sampleSnapshot(1, "100")
	require.NoError(t, c.Publish(first))

	err := c.Publish(sampleSnapshot(2, "200"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	got, err := c.Get()
	require.NoError(t, err)
	assert.Same(t, first, got)

	for key, want := range map[string]string{
		KeyTotalSupply:       "100",
		KeyCirculatingSupply: "-29999999900.5",
		KeyTotalSupplySum:    "100",
	} {
		snap, v, err := c.Projection(key)
		require.NoError(t, err, key)
		assert.Same(t, first, snap, key)
		assert.Equal(t, want, v, key)
	}
	_, v1, err := c.Projection(KeySnapshotV1)
	require.NoError(t, err)
	assert.Contains(t, v1, `"totalCoins":"100"`)
}

func TestFailedFirstPublishStaysNotReady(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failAt: map[int]bool{2: true}}
	c := NewSnapshotCache(store, zerolog.Nop())

	require.Error(t, c.Publish(sampleSnapshot(1, "100")))
	assert.False(t, c.Ready())
	_, _, err := c.Projection(KeySnapshotV1)
	assert.True(t, errors.Is(err, ErrNotReady))

	_, err = c.Restore()
	assert.True(t, errors.Is(err, ErrMiss), "snapshot key is written last")
}

func TestProjectionReadsStore(t *testing.T) {
	store := NewMemoryStore()
	c := NewSnapshotCache(store, zerolog.Nop())

	_, _, err := c.Projection(KeyTotalSupply)
	assert.True(t, errors.Is(err, ErrNotReady))

	snap := sampleSnapshot(3, "300")
	require.NoError(t, c.Publish(snap))
	got, v, err := c.Projection(KeyTotalSupply)
	require.NoError(t, err)
	assert.Same(t, snap, got)
	assert.Equal(t, "300", v)

	_, _, err = c.Projection("lumens:unknown")
	assert.True(t, errors.Is(err, ErrNotReady))
}
