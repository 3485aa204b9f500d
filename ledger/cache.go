package ledger

import (
	"context"

	"github.com/dgraph-io/ristretto"
)

// Cached memoizes GetTransaction for transactions the ledger has confirmed.
// Confirmed transactions never change, so repeated verification of the same
// reference is served locally. Unknown references are never cached.
type Cached struct {
	Adapter
	cache *ristretto.Cache
}

func NewCached(next Adapter, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{Adapter: next, cache: cache}, nil
}

func (c *Cached) GetTransaction(ctx context.Context, reference string) (*Transaction, error) {
	if v, ok := c.cache.Get(reference); ok {
		return v.(*Transaction), nil
	}
	tx, err := c.Adapter.GetTransaction(ctx, reference)
	if err != nil || tx == nil {
		return tx, err
	}
	c.cache.Set(reference, tx, 1)
	return tx, nil
}

// Wait blocks until buffered cache writes are applied.
func (c *Cached) Wait() {
	c.cache.Wait()
}

func (c *Cached) Close() {
	c.cache.Close()
}
