package tap

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/engine-tap/internal/metrics"
)

// CatalogEntry describes one event name seen on the stream
type CatalogEntry struct {
	Name        string    `json:"name"`
	Count       int64     `json:"count"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	LastPayload any       `json:"lastPayload,omitempty"`
}

// Catalog keeps the last payload and a counter per event name. Rarely seen
// names are evicted first; entries idle longer than the expiration are
// dropped on access.
type Catalog struct {
	entries    *lru.TwoQueueCache
	mutex      sync.Mutex
	metrics    *metrics.Metrics
	expiration time.Duration
}

// NewCatalog creates a catalog with the given capacity. A zero expiration
// keeps entries until evicted.
func NewCatalog(capacity int, expiration time.Duration) (*Catalog, error) {
	cache, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}

	return &Catalog{
		entries:    cache,
		metrics:    metrics.GetMetrics(),
		expiration: expiration,
	}, nil
}

// Observe records one occurrence of name at t
func (c *Catalog) Observe(name string, payload any, t time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry := &CatalogEntry{Name: name, FirstSeen: t}
	if value, found := c.entries.Get(name); found {
		prev := value.(*CatalogEntry)
		if !c.expired(prev, t) {
			entry = prev
		}
	} else {
		c.metrics.TapCatalogOps.WithLabelValues("insert").Inc()
	}

	entry.Count++
	entry.LastSeen = t
	entry.LastPayload = payload
	c.entries.Add(name, entry)
}

// Get returns a copy of the entry for name
func (c *Catalog) Get(name string) (CatalogEntry, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	value, found := c.entries.Peek(name)
	if !found {
		c.metrics.TapCatalogOps.WithLabelValues("miss").Inc()
		return CatalogEntry{}, false
	}

	entry := value.(*CatalogEntry)
	if c.expired(entry, time.Now()) {
		c.entries.Remove(name)
		c.metrics.TapCatalogOps.WithLabelValues("expired").Inc()
		return CatalogEntry{}, false
	}

	c.metrics.TapCatalogOps.WithLabelValues("hit").Inc()
	return *entry, true
}

// Entries returns copies of all live entries sorted by name
func (c *Catalog) Entries() []CatalogEntry {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	out := make([]CatalogEntry, 0, c.entries.Len())
	for _, key := range c.entries.Keys() {
		value, found := c.entries.Peek(key)
		if !found {
			continue
		}
		entry := value.(*CatalogEntry)
		if c.expired(entry, now) {
			c.entries.Remove(key)
			continue
		}
		out = append(out, *entry)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of cached names
func (c *Catalog) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.entries.Len()
}

func (c *Catalog) expired(e *CatalogEntry, now time.Time) bool {
	return c.expiration > 0 && now.Sub(e.LastSeen) > c.expiration
}
