package dataset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/loopgen/loopgen/pkg/chunkdb"
)

// Cache is a BadgerDB-backed cache for resolved audio windows. It is a
// performance layer only: misses and write failures are silently treated
// as cache misses, correctness never depends on it.
type Cache struct {
	db *badger.DB
}

// CacheOptions configures the window cache.
type CacheOptions struct {
	// Dir is the directory for the cache files. Required unless InMemory.
	Dir string

	// InMemory runs badger without disk persistence, for tests.
	InMemory bool
}

// NewCache opens the window cache.
func NewCache(opts CacheOptions) (*Cache, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("dataset: CacheOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("dataset: open cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the cache.
func (c *Cache) Close() error { return c.db.Close() }

// cacheKey includes everything that affects the resolved samples.
func cacheKey(chunk chunkdb.Chunk, rate, samples int) []byte {
	return fmt.Appendf(nil, "win:%s:%.3f:%.3f:%d:%d", chunk.Path, chunk.Offset, chunk.Duration, rate, samples)
}

// Get returns a cached window, or ok=false on any miss or error.
func (c *Cache) Get(chunk chunkdb.Chunk, rate, samples int) ([]float32, bool) {
	var pcm []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(chunk, rate, samples))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != samples*4 {
				return errors.New("dataset: cache entry size mismatch")
			}
			pcm = decodeSamples(val)
			return nil
		})
	})
	if err != nil {
		return nil, false
	}
	return pcm, true
}

// Put stores a window. Failures are dropped; the caller re-resolves next
// time.
func (c *Cache) Put(chunk chunkdb.Chunk, rate, samples int, pcm []float32) {
	_ = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheKey(chunk, rate, samples), encodeSamples(pcm))
	})
}

func encodeSamples(pcm []float32) []byte {
	buf := make([]byte, len(pcm)*4)
	for i, s := range pcm {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func decodeSamples(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
