// Package cache provides caching for restored gene vectors, rendered
// maps, and query results.
package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	GeneCacheSizeMB int
	GeneTTL         time.Duration
	QueryCacheSize  int
}

// Manager manages the gene vector and query caches.
type Manager struct {
	geneCache  *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	geneCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.GeneTTL,
		CleanWindow:        cfg.GeneTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       4 * 1024 * 1024, // one float64 vector per entry
		HardMaxCacheSize:   cfg.GeneCacheSizeMB,
		Verbose:            false,
	}

	geneCache, err := bigcache.New(context.Background(), geneCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create gene cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		geneCache:  geneCache,
		queryCache: queryCache,
	}, nil
}

// RestoreEntry is the cached form of a gene restoration: the vector plus
// the thresholding diagnostics, so a cache hit reports the same threshold,
// restoration mask, and counts as the computation that populated it.
type RestoreEntry struct {
	Values        []float64
	Threshold     float64
	Restored      []bool
	RestoredCount int
	ZeroedCount   int
}

// GetRestore retrieves a restored gene entry from cache.
func (m *Manager) GetRestore(key string) (*RestoreEntry, bool) {
	data, err := m.geneCache.Get(key)
	if err != nil {
		return nil, false
	}
	entry, err := decodeRestore(data)
	if err != nil {
		return nil, false
	}
	return entry, true
}

// SetRestore stores a restored gene entry in cache.
func (m *Manager) SetRestore(key string, entry *RestoreEntry) error {
	return m.geneCache.Set(key, encodeRestore(entry))
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// GeneKey generates a cache key for a restored gene vector.
func GeneKey(dataset, gene, method string, rankK int, prob float64, rescale bool) string {
	return fmt.Sprintf("gene:%s:%s:%s:%d:%g:%t", dataset, gene, method, rankK, prob, rescale)
}

// MapKey generates a cache key for a rendered map image.
func MapKey(dataset, kind, subject, colormap string, size int) string {
	return fmt.Sprintf("map:%s:%s:%s:%s:%d", dataset, kind, subject, colormap, size)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"gene_cache_len":  m.geneCache.Len(),
		"gene_cache_cap":  m.geneCache.Capacity(),
		"query_cache_len": m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.geneCache.Close()
}

// Layout: threshold (8), restored count (4), zeroed count (4), n (4),
// n float64 values, n mask bytes. Little endian throughout.
func encodeRestore(entry *RestoreEntry) []byte {
	n := len(entry.Values)
	buf := make([]byte, 20+9*n)
	binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(entry.Threshold))
	binary.LittleEndian.PutUint32(buf[8:], uint32(entry.RestoredCount))
	binary.LittleEndian.PutUint32(buf[12:], uint32(entry.ZeroedCount))
	binary.LittleEndian.PutUint32(buf[16:], uint32(n))
	for i, v := range entry.Values {
		binary.LittleEndian.PutUint64(buf[20+i*8:], math.Float64bits(v))
	}
	mask := buf[20+8*n:]
	for i := range entry.Restored {
		if entry.Restored[i] {
			mask[i] = 1
		}
	}
	return buf
}

func decodeRestore(data []byte) (*RestoreEntry, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("restore entry too short: %d bytes", len(data))
	}
	n := int(binary.LittleEndian.Uint32(data[16:]))
	if len(data) != 20+9*n {
		return nil, fmt.Errorf("restore entry length %d does not match %d cells", len(data), n)
	}
	entry := &RestoreEntry{
		Threshold:     math.Float64frombits(binary.LittleEndian.Uint64(data[0:])),
		RestoredCount: int(binary.LittleEndian.Uint32(data[8:])),
		ZeroedCount:   int(binary.LittleEndian.Uint32(data[12:])),
		Values:        make([]float64, n),
		Restored:      make([]bool, n),
	}
	for i := range entry.Values {
		entry.Values[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[20+i*8:]))
	}
	mask := data[20+8*n:]
	for i := range entry.Restored {
		entry.Restored[i] = mask[i] == 1
	}
	return entry, nil
}
