// Package blockchain fronts the blockchain gateway (spec §4.E) with an
// LRU-bounded per-height block cache that coalesces concurrent queries for
// the same height into a single upstream request.
package blockchain

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/proximax-storage/supercontract-executor/internal/model"
)

// Block is the cached unit (spec §4.E: "Block = {hash, time}").
type Block struct {
	Hash model.BlockHash
	Time uint64
}

// Gateway is the external blockchain-gateway collaborator (spec §6:
// "block(height) → Block{hash, block_time}"), out of scope per spec §1.
// The production binding is NATS request-reply (see natsgateway.go); tests
// use an in-memory fake satisfying this interface.
type Gateway interface {
	Block(ctx context.Context, height uint64) (Block, error)
}

// BlockCallback receives the result of a cache lookup, possibly shared
// across several callers coalesced onto one upstream query.
type BlockCallback func(Block, error)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supercontract_executor_blockchain_cache_hits_total",
		Help: "Number of block(height) lookups served from cache.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supercontract_executor_blockchain_cache_misses_total",
		Help: "Number of block(height) lookups that issued an upstream query.",
	})
	cacheCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supercontract_executor_blockchain_cache_coalesced_total",
		Help: "Number of block(height) lookups joined to an in-flight upstream query.",
	})
)

// Cache is the LRU-bounded block cache of spec §4.E.
type Cache struct {
	mu       sync.Mutex
	gateway  Gateway
	logger   *zerolog.Logger
	maxSize  int
	cached   map[uint64]Block
	order    []uint64 // FIFO-by-insertion eviction order
	inFlight map[uint64][]BlockCallback
}

// NewCache constructs a cache fronting gateway, bounded to maxSize entries
// (spec §4.E invariant: "eviction is FIFO-by-insertion once cache_size >
// max_cache_size").
func NewCache(gateway Gateway, maxSize int, logger *zerolog.Logger) *Cache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Cache{
		gateway:  gateway,
		logger:   logger,
		maxSize:  maxSize,
		cached:   make(map[uint64]Block),
		inFlight: make(map[uint64][]BlockCallback),
	}
}

// Block implements spec §4.E's block(height, callback): if cached, reply
// synchronously; else if an in-flight query for this height exists,
// register the callback as an additional subscriber; else issue an
// upstream query and register both cache population and the original
// callback (spec §4.E, §8 property 6).
func (c *Cache) Block(ctx context.Context, height uint64, cb BlockCallback) {
	c.mu.Lock()
	if b, ok := c.cached[height]; ok {
		c.mu.Unlock()
		cacheHits.Inc()
		cb(b, nil)
		return
	}
	if _, inFlight := c.inFlight[height]; inFlight {
		c.inFlight[height] = append(c.inFlight[height], cb)
		c.mu.Unlock()
		cacheCoalesced.Inc()
		return
	}
	c.inFlight[height] = []BlockCallback{cb}
	c.mu.Unlock()
	cacheMisses.Inc()

	go c.fetch(ctx, height)
}

func (c *Cache) fetch(ctx context.Context, height uint64) {
	block, err := c.gateway.Block(ctx, height)

	c.mu.Lock()
	callbacks := c.inFlight[height]
	delete(c.inFlight, height)
	if err == nil {
		c.insertLocked(height, block)
	}
	c.mu.Unlock()

	if err != nil && c.logger != nil {
		c.logger.Warn().Err(err).Uint64("height", height).Msg("blockchain gateway query failed")
	}
	for _, cb := range callbacks {
		cb(block, err)
	}
}

func (c *Cache) insertLocked(height uint64, block Block) {
	if _, exists := c.cached[height]; !exists {
		c.order = append(c.order, height)
	}
	c.cached[height] = block
	for len(c.order) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.cached, oldest)
	}
}

// Len reports the number of cached entries, for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cached)
}

// Set populates height directly, without an upstream query, resolving
// any callers already coalesced onto it. Used by the AddBlockInfo RPC
// (spec §4.J), which pushes block data the hosting node already has
// instead of making the executor pull it back over the same link.
func (c *Cache) Set(height uint64, block Block) {
	c.mu.Lock()
	c.insertLocked(height, block)
	callbacks := c.inFlight[height]
	delete(c.inFlight, height)
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(block, nil)
	}
}
