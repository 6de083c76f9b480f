package tiercache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/discochess/tiercache/internal/store"
)

// releaseTimeout bounds the remote cleanup done by CloudCell.Delete.
const releaseTimeout = 30 * time.Second

// FetchFunc produces a cloud cell's payload.
type FetchFunc func(ctx context.Context) ([]byte, error)

// CloudCell holds a deferred remote fetch. The first Read invokes the fetch;
// concurrent readers share that call and later readers get the resolved
// result without another round trip. A failed fetch is not memoized.
//
// The shared fetch is detached from the cancellation of whichever reader
// started it. Each reader stops waiting when its own context is done.
type CloudCell struct {
	key     string
	stats   *EntryStats
	sized   sizeWatch
	group   singleflight.Group
	release func(ctx context.Context) error

	mu       sync.RWMutex
	fetch    FetchFunc
	data     []byte
	resolved bool
	retired  bool
}

// NewCloudCell returns an unresolved cell that fetches its payload with fetch.
func NewCloudCell(key string, fetch FetchFunc) *CloudCell {
	return newCloudCell(key, fetch, nil)
}

func newCloudCell(key string, fetch FetchFunc, release func(ctx context.Context) error) *CloudCell {
	return &CloudCell{
		key:     key,
		stats:   NewEntryStats(0, time.Now()),
		fetch:   fetch,
		release: release,
	}
}

func (c *CloudCell) Key() string        { return c.key }
func (c *CloudCell) Tier() Tier         { return TierCloud }
func (c *CloudCell) Stats() *EntryStats { return c.stats }
func (c *CloudCell) sizing() *sizeWatch { return &c.sized }

// Resolved reports whether the payload has been fetched or written.
func (c *CloudCell) Resolved() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolved
}

func (c *CloudCell) Read(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	if c.retired {
		c.mu.RUnlock()
		return nil, retiredErr(c.key)
	}
	if c.resolved {
		data := c.data
		c.mu.RUnlock()
		return data, nil
	}
	fetch := c.fetch
	c.mu.RUnlock()
	if fetch == nil {
		return nil, backingErr(TierCloud, c.key, "fetch", ErrNoMedium)
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(c.key, func() (any, error) {
		// A fetch that finished after the check above already resolved us.
		c.mu.RLock()
		if c.resolved {
			data := c.data
			c.mu.RUnlock()
			return data, nil
		}
		c.mu.RUnlock()

		data, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		stored := !c.retired && !c.resolved
		if stored {
			c.data = data
			c.resolved = true
			c.stats.SetSize(int64(len(data)))
		}
		c.mu.Unlock()

		if stored {
			c.sized.resize(int64(len(data)))
		}
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, backingErr(TierCloud, c.key, "fetch", res.Err, store.ErrNotFound)
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, backingErr(TierCloud, c.key, "fetch", ctx.Err())
	}
}

// Write resolves the cell with value. The deferred fetch is not invoked
// afterwards.
func (c *CloudCell) Write(ctx context.Context, value []byte) error {
	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		return retiredErr(c.key)
	}
	c.data = value
	c.resolved = true
	c.stats.SetSize(int64(len(value)))
	c.mu.Unlock()

	c.sized.resize(int64(len(value)))
	return nil
}

// Delete drops the resolved payload and releases any remote object the
// cell owns.
func (c *CloudCell) Delete() error {
	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		return nil
	}
	c.data = nil
	c.fetch = nil
	c.retired = true
	release := c.release
	c.mu.Unlock()

	if release == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := release(ctx); err != nil {
		return backingErr(TierCloud, c.key, "release", err)
	}
	return nil
}

// Size returns the size of the resolved payload, or 0 if unresolved.
func (c *CloudCell) Size() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.retired {
		return 0, retiredErr(c.key)
	}
	return int64(len(c.data)), nil
}
