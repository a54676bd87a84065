package client

import (
	"context"
	"sync"
	"time"
)

// CacheState is where the client's policy listing sits in its lifecycle.
type CacheState int

const (
	// CacheUnknown means nothing has been fetched yet.
	CacheUnknown CacheState = iota
	// CacheValid means the listing was current at the last check.
	CacheValid
	// CacheStale means the service reported a newer version.
	CacheStale
)

func (s CacheState) String() string {
	switch s {
	case CacheValid:
		return "valid"
	case CacheStale:
		return "stale"
	default:
		return "unknown"
	}
}

type listingCache struct {
	mu        sync.Mutex
	state     CacheState
	listing   *Listing
	checkedAt time.Time
}

// CacheState reports the state of the cached listing and its version.
func (c *Client) CacheState() (CacheState, int64) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	if c.cache.listing == nil {
		return c.cache.state, 0
	}
	return c.cache.state, c.cache.listing.Version
}

// Policies returns the cached listing, revalidating it with POST /cache-check
// and refetching when the service holds a newer version.
//
// If revalidation fails the previous listing is returned alongside the error
// so callers can keep serving it.
func (c *Client) Policies(ctx context.Context) (*Listing, error) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	if c.cache.state == CacheValid && c.CheckInterval > 0 && time.Since(c.cache.checkedAt) < c.CheckInterval {
		return c.cache.listing, nil
	}

	if c.cache.state == CacheValid {
		v, err := c.CheckCache(ctx, c.cache.listing.Version)
		if err != nil {
			return c.cache.listing, err
		}
		if v.Valid {
			c.cache.checkedAt = time.Now()
			return c.cache.listing, nil
		}
		c.cache.state = CacheStale
	}

	listing, err := c.ListPolicies(ctx)
	if err != nil {
		return c.cache.listing, err
	}
	c.cache.listing = listing
	c.cache.state = CacheValid
	c.cache.checkedAt = time.Now()
	return listing, nil
}

// Invalidate drops the cached listing.
func (c *Client) Invalidate() {
	c.cache.mu.Lock()
	c.cache.state = CacheUnknown
	c.cache.listing = nil
	c.cache.mu.Unlock()
}
