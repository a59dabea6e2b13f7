// Package cache keeps the latest observed price per symbol.
package cache

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
)

const numShards = 16

// Price is the last trade seen for a symbol.
type Price struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size,omitempty"`
	Timestamp time.Time `json:"timestamp"` // exchange time of the trade
	UpdatedAt time.Time `json:"updatedAt"` // local time it was cached
}

// PriceCache is sharded by symbol so the hot write path from the stream
// reader rarely contends with API reads.
type PriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]Price
}

func NewPriceCache() *PriceCache {
	c := &PriceCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]Price),
		}
	}
	return c
}

func (c *PriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores p unless a newer trade for the symbol is already cached.
func (c *PriceCache) Set(p Price) {
	if p.Price <= 0 {
		return
	}
	p.Symbol = strings.ToUpper(p.Symbol)
	p.UpdatedAt = c.now()
	shard := c.getShard(p.Symbol)
	shard.mu.Lock()
	if cur, ok := shard.items[p.Symbol]; ok && !p.Timestamp.IsZero() && p.Timestamp.Before(cur.Timestamp) {
		shard.mu.Unlock()
		return
	}
	shard.items[p.Symbol] = p
	shard.mu.Unlock()
}

func (c *PriceCache) Get(symbol string) (Price, bool) {
	symbol = strings.ToUpper(symbol)
	shard := c.getShard(symbol)
	shard.mu.RLock()
	p, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return p, ok
}

// Len returns total items across all shards.
func (c *PriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries not updated within maxAge.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, p := range shard.items {
			if p.UpdatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// All returns every cached price ordered by symbol.
func (c *PriceCache) All() []Price {
	var out []Price
	for _, shard := range c.shards {
		shard.mu.RLock()
		for _, p := range shard.items {
			out = append(out, p)
		}
		shard.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
