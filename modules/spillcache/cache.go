// Package spillcache implements a memory-bounded cache backed by a flat
// scratch file: every Put is durably written to disk, and an in-RAM
// ristretto tier accelerates repeat Gets without making ristretto's
// best-effort admission the source of truth (ristretto may silently refuse
// or asynchronously drop an admitted entry, which the loader's caches
// cannot tolerate — the delta chains they serve would silently corrupt).
//
// Grounded on modules/zeta/backend/odb.go's ristretto-backed object
// database, generalized from an LRU-only accelerator into a write-through
// cache with durable disk backing, plus a hint-driven eviction contract
// modeled on _examples/original_source/swh/loader/mercurial/bundle20_loader.py's
// build_manifest_hints()/TreeCache: a caller that knows a key's remaining
// reference count up front (SetHint) gets it evicted the instant that
// count is exhausted (Get), instead of the cache growing unbounded for the
// rest of the visit.
package spillcache

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
)

// Codec serializes/deserializes cache values for the on-disk spill file.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(b []byte) (V, error)
}

// Cache is a hybrid hot-RAM/cold-disk cache keyed by K. Reference counts
// ("hints") record how many more reads a caller expects for a key, so
// callers like the manifest reconstruction loop can Forget a basenode's
// entry the moment the bundle topology says nothing will reference it
// again, bounding disk growth over a long loader run. When no hint was
// ever set for a key, MaxDiskBytes bounds growth instead, evicting the
// oldest surviving entries first once the spill file's live payload total
// crosses it.
type Cache[K comparable, V any] struct {
	mu sync.Mutex

	hot   *ristretto.Cache[K, V]
	codec Codec[V]

	spillFile *os.File
	index     map[K]spillLocation // entries written to disk
	hints     map[K]int           // remaining-use hints, decremented on Get
	order     []K                 // spill insertion order, oldest first, for FIFO eviction

	maxCost       int64
	maxDiskBytes  int64
	liveDiskBytes int64
}

type spillLocation struct {
	offset int64
	length int64
}

// Config controls the hot tier's size and where the spill file lives.
type Config struct {
	// MaxCost bounds the hot tier's ristretto cost budget (roughly bytes).
	MaxCost int64
	// SpillPath is the backing file every Put is written to; New creates it
	// truncated and Close removes it.
	SpillPath string
	// MaxDiskBytes bounds the live (un-Forgotten) payload total the spill
	// file is allowed to hold; 0 means unbounded. Entries are evicted
	// oldest-first once this is crossed — callers whose keys carry
	// deterministic reference counts should prefer SetHint/Forget instead,
	// which evicts precisely rather than by insertion age.
	MaxDiskBytes int64
}

// New builds a Cache. codec is used to serialize values that spill to disk.
func New[K comparable, V any](cfg Config, codec Codec[V]) (*Cache[K, V], error) {
	f, err := os.OpenFile(cfg.SpillPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("spillcache: open spill file: %w", err)
	}

	c := &Cache[K, V]{
		codec:        codec,
		spillFile:    f,
		index:        make(map[K]spillLocation),
		hints:        make(map[K]int),
		maxCost:      cfg.MaxCost,
		maxDiskBytes: cfg.MaxDiskBytes,
	}

	hot, err := ristretto.NewCache(&ristretto.Config[K, V]{
		NumCounters: 1e6,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("spillcache: build hot tier: %w", err)
	}
	c.hot = hot
	return c, nil
}

// SetHint records how many more times key is expected to be fetched. Put
// leaves the hint untouched, so a hint may be set before the key is Put.
func (c *Cache[K, V]) SetHint(key K, remaining int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hints[key] = remaining
}

// Put durably writes value under key to the spill file and, if cost fits
// the configured budget, also offers it to the hot tier for fast re-reads.
// If MaxDiskBytes is set and the write takes the live total over it, the
// oldest surviving entries with no hint recorded against them are then
// evicted, per the eviction contract's FIFO fallback.
func (c *Cache[K, V]) Put(key K, value V, cost int64) error {
	if err := c.spill(key, value); err != nil {
		return err
	}
	if cost <= c.maxCost {
		c.hot.Set(key, value, cost)
	}
	return nil
}

func (c *Cache[K, V]) spill(key K, value V) error {
	enc, err := c.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("spillcache: encode: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	offset, err := c.spillFile.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("spillcache: seek spill file: %w", err)
	}
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(enc)))
	if _, err := c.spillFile.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("spillcache: write spill length: %w", err)
	}
	if _, err := c.spillFile.Write(enc); err != nil {
		return fmt.Errorf("spillcache: write spill payload: %w", err)
	}
	c.index[key] = spillLocation{offset: offset + 8, length: int64(len(enc))}
	c.order = append(c.order, key)
	c.liveDiskBytes += int64(len(enc))

	c.evictForSizeLocked(key)
	return nil
}

// evictForSizeLocked evicts the oldest surviving entries (other than the
// one just inserted and any key with a hint) until liveDiskBytes fits
// maxDiskBytes. Caller must hold c.mu.
func (c *Cache[K, V]) evictForSizeLocked(justInserted K) {
	if c.maxDiskBytes <= 0 {
		return
	}
	var kept []K
	i := 0
	for c.liveDiskBytes > c.maxDiskBytes && i < len(c.order) {
		k := c.order[i]
		i++
		loc, ok := c.index[k]
		if !ok {
			continue // already forgotten
		}
		if _, hinted := c.hints[k]; hinted || k == justInserted {
			kept = append(kept, k)
			continue
		}
		delete(c.index, k)
		c.liveDiskBytes -= loc.length
		c.hot.Del(k)
	}
	if i > 0 {
		c.order = append(kept, c.order[i:]...)
	}
}

// Get retrieves value for key, checking the hot tier first and then the
// spill file. ok is false if key was never Put. A key whose hint reaches
// zero as a result of this call is evicted immediately afterward: the
// bundle topology has told the cache no descendant will ask for it again.
func (c *Cache[K, V]) Get(key K) (value V, ok bool, err error) {
	if v, found := c.hot.Get(key); found {
		if c.decrementHint(key) {
			c.Forget(key)
		}
		return v, true, nil
	}

	c.mu.Lock()
	loc, found := c.index[key]
	c.mu.Unlock()
	if !found {
		var zero V
		return zero, false, nil
	}

	buf := make([]byte, loc.length)
	if _, err := c.spillFile.ReadAt(buf, loc.offset); err != nil {
		var zero V
		return zero, false, fmt.Errorf("spillcache: read spill payload: %w", err)
	}
	v, err := c.codec.Decode(buf)
	if err != nil {
		var zero V
		return zero, false, fmt.Errorf("spillcache: decode: %w", err)
	}
	if c.decrementHint(key) {
		c.Forget(key)
	}
	return v, true, nil
}

// decrementHint reports whether key carried a hint that just reached zero.
// A key with no hint recorded (SetHint never called) always returns false.
func (c *Cache[K, V]) decrementHint(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.hints[key]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(c.hints, key)
		return true
	}
	c.hints[key] = n - 1
	return false
}

// Forget evicts key from both tiers; used once the bundle topology
// guarantees no later delta will reference it as a basenode.
func (c *Cache[K, V]) Forget(key K) {
	c.hot.Del(key)
	c.mu.Lock()
	if loc, ok := c.index[key]; ok {
		c.liveDiskBytes -= loc.length
	}
	delete(c.index, key)
	delete(c.hints, key)
	c.mu.Unlock()
}

// Close releases the hot tier and removes the spill file.
func (c *Cache[K, V]) Close() error {
	c.hot.Close()
	path := c.spillFile.Name()
	if err := c.spillFile.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
