package market

import (
	"sort"
	"sync"
)

// Cache holds the latest tick per symbol. Feed callbacks write into it from
// their own goroutines while the evaluation loop reads; entries are stored and
// returned by value so a reader never sees a partially written Tick.
type Cache struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

func NewCache() *Cache {
	return &Cache{ticks: make(map[string]Tick)}
}

// Put stores t as the latest tick for its symbol. Last value wins.
func (c *Cache) Put(t Tick) {
	c.mu.Lock()
	c.ticks[t.Symbol] = t
	c.mu.Unlock()
}

// Latest returns the most recent tick for symbol.
func (c *Cache) Latest(symbol string) (Tick, bool) {
	c.mu.RLock()
	t, ok := c.ticks[symbol]
	c.mu.RUnlock()
	return t, ok
}

// Snapshot copies the whole cache.
func (c *Cache) Snapshot() map[string]Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Tick, len(c.ticks))
	for k, v := range c.ticks {
		out[k] = v
	}
	return out
}

// Symbols lists cached symbols in lexical order.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.ticks))
	for k := range c.ticks {
		out = append(out, k)
	}
	c.mu.RUnlock()

	sort.Strings(out)
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ticks)
}
