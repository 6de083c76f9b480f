package tiercache

import (
	"context"
	"sync"

	"github.com/discochess/tiercache/internal/store/diskstore"
)

// DiskCell holds a reference to a compressed payload file.
// Create disk cells with Media.NewDiskCell.
type DiskCell struct {
	key   string
	stats *EntryStats
	disk  *diskstore.Store
	sized sizeWatch

	mu      sync.RWMutex
	path    string
	retired bool
}

func (c *DiskCell) Key() string        { return c.key }
func (c *DiskCell) Tier() Tier         { return TierDisk }
func (c *DiskCell) Stats() *EntryStats { return c.stats }
func (c *DiskCell) sizing() *sizeWatch { return &c.sized }

// Path returns the payload file path.
func (c *DiskCell) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

func (c *DiskCell) Read(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	path, retired := c.path, c.retired
	c.mu.RUnlock()
	if retired {
		return nil, retiredErr(c.key)
	}

	data, err := c.disk.Read(ctx, path)
	if err != nil {
		return nil, backingErr(TierDisk, c.key, "read", err, diskstore.ErrNotFound)
	}
	return data, nil
}

// Write stores value in a new file and removes the previous one.
func (c *DiskCell) Write(ctx context.Context, value []byte) error {
	c.mu.RLock()
	retired := c.retired
	c.mu.RUnlock()
	if retired {
		return retiredErr(c.key)
	}

	path, err := c.disk.Write(ctx, c.key, value)
	if err != nil {
		return backingErr(TierDisk, c.key, "write", err)
	}
	size, err := c.disk.Size(path)
	if err != nil {
		c.disk.Remove(path)
		return backingErr(TierDisk, c.key, "stat", err, diskstore.ErrNotFound)
	}

	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		c.disk.Remove(path)
		return retiredErr(c.key)
	}
	old := c.path
	c.path = path
	c.mu.Unlock()

	c.stats.SetSize(size)
	c.sized.resize(size)
	if err := c.disk.Remove(old); err != nil {
		return backingErr(TierDisk, c.key, "remove", err)
	}
	return nil
}

// Delete removes the payload file.
func (c *DiskCell) Delete() error {
	c.mu.Lock()
	path := c.path
	c.path = ""
	c.retired = true
	c.mu.Unlock()

	if err := c.disk.Remove(path); err != nil {
		return backingErr(TierDisk, c.key, "remove", err)
	}
	return nil
}

// Size returns the on-disk size of the payload file.
func (c *DiskCell) Size() (int64, error) {
	c.mu.RLock()
	path, retired := c.path, c.retired
	c.mu.RUnlock()
	if retired {
		return 0, retiredErr(c.key)
	}

	size, err := c.disk.Size(path)
	if err != nil {
		return 0, backingErr(TierDisk, c.key, "stat", err, diskstore.ErrNotFound)
	}
	return size, nil
}
