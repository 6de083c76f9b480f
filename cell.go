package tiercache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Cell is one cached entry. Its payload representation depends on the tier.
//
// A Cell is owned by at most one Cache at a time. After Delete the cell is
// retired and further reads and writes fail with ErrCellRetired.
type Cell interface {
	// Key returns the identifier the cell is stored under.
	Key() string

	// Tier returns the medium holding the payload.
	Tier() Tier

	// Stats returns the cell's access telemetry.
	Stats() *EntryStats

	// Read returns the payload. Disk and cloud cells may block on I/O.
	// The returned slice must not be modified.
	Read(ctx context.Context) ([]byte, error)

	// Write replaces the payload and updates the recorded size.
	Write(ctx context.Context, value []byte) error

	// Delete releases the payload and any resource held for it.
	Delete() error

	// Size returns the byte size of the current payload.
	Size() (int64, error)
}

// Compile-time checks that every variant implements Cell.
var (
	_ Cell = (*RamCell)(nil)
	_ Cell = (*DiskCell)(nil)
	_ Cell = (*CloudCell)(nil)
)

// sizeWatch tracks a cell's payload size and tells the owning cache when
// it changes.
type sizeWatch struct {
	mu       sync.Mutex
	size     int64
	onResize func()
}

// watch installs fn, replacing any previous callback, and returns the
// current size. A nil fn stops notifications.
func (w *sizeWatch) watch(fn func()) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onResize = fn
	return w.size
}

func (w *sizeWatch) current() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// resize records size and runs the callback. Callers must not hold the
// cell's own lock.
func (w *sizeWatch) resize(size int64) {
	w.mu.Lock()
	if w.size == size {
		w.mu.Unlock()
		return
	}
	w.size = size
	fn := w.onResize
	w.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// resizable is implemented by cells whose size can change while cached.
type resizable interface {
	sizing() *sizeWatch
}

// RamCell holds its payload in memory.
type RamCell struct {
	key   string
	stats *EntryStats
	sized sizeWatch

	mu      sync.RWMutex
	data    []byte
	retired bool
}

// NewRamCell returns a cell holding data.
func NewRamCell(key string, data []byte) *RamCell {
	return &RamCell{
		key:   key,
		stats: NewEntryStats(int64(len(data)), time.Now()),
		sized: sizeWatch{size: int64(len(data))},
		data:  data,
	}
}

func (c *RamCell) Key() string        { return c.key }
func (c *RamCell) Tier() Tier         { return TierRam }
func (c *RamCell) Stats() *EntryStats { return c.stats }
func (c *RamCell) sizing() *sizeWatch { return &c.sized }

func (c *RamCell) Read(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.retired {
		return nil, retiredErr(c.key)
	}
	return c.data, nil
}

func (c *RamCell) Write(ctx context.Context, value []byte) error {
	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		return retiredErr(c.key)
	}
	c.data = value
	c.stats.SetSize(int64(len(value)))
	c.mu.Unlock()

	c.sized.resize(int64(len(value)))
	return nil
}

func (c *RamCell) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = nil
	c.retired = true
	return nil
}

func (c *RamCell) Size() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.retired {
		return 0, retiredErr(c.key)
	}
	return int64(len(c.data)), nil
}

func retiredErr(key string) error {
	return fmt.Errorf("%w: %q", ErrCellRetired, key)
}
