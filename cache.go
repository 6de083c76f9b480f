package tiercache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/discochess/tiercache/internal/stats"
)

// Cache is a capacity-bounded map from key to cell for one tier.
//
// Cells are ranked by score. When an admission does not fit, the lowest
// ranked unpinned cells are evicted until it does; if no such set of cells
// exists the admission fails with ErrCapacityExceeded and nothing is
// evicted. While started, a periodic pass reconciles sizes, re-ranks and
// evicts any overflow, and admissions that need eviction are handed to a
// forced re-rank worker.
//
// A Cache is safe for concurrent use by multiple goroutines.
type Cache[T Cell] struct {
	tier         Tier
	capacity     int64
	logger       *zap.Logger
	stats        stats.Collector
	clock        func() time.Time
	interval     time.Duration
	admitTimeout time.Duration
	ghosts       *lru.Cache[string, struct{}]
	pressure     chan *admission[T]

	// mu guards cell membership and size accounting.
	mu     sync.Mutex
	cells  map[string]*entry[T]
	used   int64
	seq    uint64
	owner  promoter
	report Report

	// lifeMu guards the background loop lifecycle.
	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup
}

// RamCache, DiskCache and CloudCache are the caches for each tier.
type (
	RamCache   = Cache[*RamCell]
	DiskCache  = Cache[*DiskCell]
	CloudCache = Cache[*CloudCell]
)

type entry[T Cell] struct {
	cell   T
	size   int64
	seq    uint64
	pinned bool
}

// ranked is an entry with the score it had when ranked.
type ranked[T Cell] struct {
	key   string
	e     *entry[T]
	score float64
}

// Admission states.
const (
	admissionPending int32 = iota
	admissionClaimed
	admissionAbandoned
)

// admission is a Set waiting for the forced re-rank worker. Exactly one of
// claim (worker) and abandon (caller) succeeds, so a caller that gave up
// never has its cell inserted later.
type admission[T Cell] struct {
	key   string
	cell  T
	size  int64
	state atomic.Int32
	done  chan error
}

func (a *admission[T]) claim() bool {
	return a.state.CompareAndSwap(admissionPending, admissionClaimed)
}

func (a *admission[T]) abandon() bool {
	return a.state.CompareAndSwap(admissionPending, admissionAbandoned)
}

// NewCache creates a stopped cache for tier with a byte budget of capacity.
func NewCache[T Cell](tier Tier, capacity int64, opts ...Option) *Cache[T] {
	cfg := buildOptions(opts)

	c := &Cache[T]{
		tier:         tier,
		capacity:     capacity,
		logger:       cfg.logger.With(zap.Stringer("tier", tier)),
		stats:        cfg.stats,
		clock:        cfg.clock,
		interval:     cfg.rerankInterval,
		admitTimeout: cfg.admitTimeout,
		pressure:     make(chan *admission[T]),
		cells:        make(map[string]*entry[T]),
	}
	if cfg.ghostSize > 0 {
		// lru.New only fails for a non-positive size.
		c.ghosts, _ = lru.New[string, struct{}](cfg.ghostSize)
	}
	return c
}

// NewRamCache creates a cache for in-memory cells.
func NewRamCache(capacity int64, opts ...Option) *RamCache {
	return NewCache[*RamCell](TierRam, capacity, opts...)
}

// NewDiskCache creates a cache for disk cells.
func NewDiskCache(capacity int64, opts ...Option) *DiskCache {
	return NewCache[*DiskCell](TierDisk, capacity, opts...)
}

// NewCloudCache creates a cache for cloud cells.
func NewCloudCache(capacity int64, opts ...Option) *CloudCache {
	return NewCache[*CloudCell](TierCloud, capacity, opts...)
}

// Tier returns the tier this cache holds.
func (c *Cache[T]) Tier() Tier { return c.tier }

// Capacity returns the byte budget.
func (c *Cache[T]) Capacity() int64 { return c.capacity }

// Used returns the bytes accounted to live cells.
func (c *Cache[T]) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Free returns the unused part of the budget.
func (c *Cache[T]) Free() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity - c.used
}

// Len returns the number of live cells.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cells)
}

// Contains reports whether key is present. It does not record a hit.
func (c *Cache[T]) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cells[key]
	return ok
}

// Get returns the cell stored under key and records a hit on it.
// Returns ErrKeyNotFound if the key is absent.
func (c *Cache[T]) Get(key string) (T, error) {
	c.mu.Lock()
	e, ok := c.cells[key]
	c.mu.Unlock()

	if !ok {
		c.stats.IncCounter(stats.MetricMisses, c.tier.String(), 1)
		var zero T
		return zero, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	e.cell.Stats().RecordHit(c.clock())
	c.stats.IncCounter(stats.MetricHits, c.tier.String(), 1)
	return e.cell, nil
}

// Set stores cell under key, replacing and deleting any previous cell.
//
// If the cell does not fit, lower ranked cells are evicted first. While the
// cache is running that work is done by the forced re-rank worker and Set
// waits for it, bounded by the admit timeout. Returns ErrCapacityExceeded if
// enough space cannot be freed, in which case nothing was inserted or
// evicted, and ErrStopped if the cache stops while Set is waiting.
func (c *Cache[T]) Set(ctx context.Context, key string, cell T) error {
	if cell.Key() != key {
		return fmt.Errorf("%w: cell %q stored as %q", ErrKeyMismatch, cell.Key(), key)
	}
	size, err := cell.Size()
	if err != nil {
		return fmt.Errorf("sizing cell %q: %w", key, err)
	}

	// Lifecycle state is read before mu: Stop holds lifeMu while the
	// workers drain, and the workers take mu.
	running, stopped := c.lifecycle()

	c.mu.Lock()
	if running && size <= c.capacity && !c.fitsLocked(key, size) {
		c.mu.Unlock()
		return c.awaitAdmission(ctx, &admission[T]{
			key:  key,
			cell: cell,
			size: size,
			done: make(chan error, 1),
		}, stopped)
	}
	released, err := c.admitLocked(key, cell, size, "direct")
	c.mu.Unlock()

	c.release(released)
	return err
}

func (c *Cache[T]) awaitAdmission(ctx context.Context, req *admission[T], stopped <-chan struct{}) error {
	timer := time.NewTimer(c.admitTimeout)
	defer timer.Stop()

	select {
	case c.pressure <- req:
	case <-stopped:
		return ErrStopped
	case <-timer.C:
		c.rejected(req.key, req.size, "timeout")
		return fmt.Errorf("%w: %s admission of %q timed out", ErrCapacityExceeded, c.tier, req.key)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-timer.C:
		if req.abandon() {
			c.rejected(req.key, req.size, "timeout")
			return fmt.Errorf("%w: %s admission of %q timed out", ErrCapacityExceeded, c.tier, req.key)
		}
	case <-ctx.Done():
		if req.abandon() {
			return ctx.Err()
		}
	}
	// The worker claimed the request first and will report its outcome.
	return <-req.done
}

// Delete removes key and deletes its cell.
// Returns ErrKeyNotFound if the key is absent.
func (c *Cache[T]) Delete(key string) error {
	c.mu.Lock()
	e, ok := c.cells[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	c.removeLocked(key, e)
	c.mu.Unlock()

	if err := e.cell.Delete(); err != nil {
		return fmt.Errorf("deleting cell %q: %w", key, err)
	}
	return nil
}

// Clear deletes every cell.
func (c *Cache[T]) Clear() error {
	c.mu.Lock()
	old := c.cells
	c.cells = make(map[string]*entry[T])
	c.used = 0
	c.publishLocked()
	c.mu.Unlock()

	var errs []error
	for key, e := range old {
		unwatch(e.cell)
		if err := e.cell.Delete(); err != nil {
			errs = append(errs, fmt.Errorf("deleting cell %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Pin protects key from eviction. Pins survive replacement of the cell.
func (c *Cache[T]) Pin(key string) error {
	return c.setPinned(key, true)
}

// Unpin makes key evictable again.
func (c *Cache[T]) Unpin(key string) error {
	return c.setPinned(key, false)
}

func (c *Cache[T]) setPinned(key string, pinned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cells[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	e.pinned = pinned
	return nil
}

// Iterate returns the cells in ascending score order, next to evict first.
// The order is captured when Iterate is called; ranging over the returned
// sequence again replays the same snapshot.
func (c *Cache[T]) Iterate() iter.Seq[T] {
	c.mu.Lock()
	order := c.rankLocked(c.clock())
	c.mu.Unlock()

	cells := make([]T, len(order))
	for i, r := range order {
		cells[i] = r.e.cell
	}
	return func(yield func(T) bool) {
		for _, cell := range cells {
			if !yield(cell) {
				return
			}
		}
	}
}

// PromoteRequest asks the owning Hierarchy to move cell to a neighbouring
// tier if its score crosses that tier's thresholds. It returns the cell now
// holding the entry: cell itself when no move happened.
// Returns ErrNotAttached if the cache is not part of a Hierarchy.
func (c *Cache[T]) PromoteRequest(ctx context.Context, cell T) (Cell, error) {
	c.mu.Lock()
	owner := c.owner
	c.mu.Unlock()

	if owner == nil {
		return cell, ErrNotAttached
	}
	return owner.promote(ctx, c.tier, cell)
}

// Start launches the periodic and forced re-rank workers.
// Calling Start on a running cache is a no-op.
func (c *Cache[T]) Start() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.running = true

	c.wg.Add(2)
	go c.periodicLoop(ctx)
	go c.forcedLoop(ctx)

	c.logger.Debug("rerank workers started", zap.Duration("interval", c.interval))
}

// Stop cancels the workers and waits for them to exit.
// Calling Stop on a stopped cache is a no-op.
func (c *Cache[T]) Stop() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if !c.running {
		return
	}

	c.running = false
	c.cancel()
	close(c.stopped)
	c.wg.Wait()

	c.logger.Debug("rerank workers stopped")
}

// Running reports whether the workers are running.
func (c *Cache[T]) Running() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.running
}

func (c *Cache[T]) lifecycle() (bool, <-chan struct{}) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.running, c.stopped
}

func (c *Cache[T]) fitsLocked(key string, size int64) bool {
	var prev int64
	if e, ok := c.cells[key]; ok {
		prev = e.size
	}
	return c.used-prev+size <= c.capacity
}

// admitLocked inserts cell, evicting lower ranked cells if it does not fit.
// It returns the cells that left the cache; the caller deletes them after
// releasing mu.
func (c *Cache[T]) admitLocked(key string, cell T, size int64, reason string) ([]Cell, error) {
	if size > c.capacity {
		c.rejected(key, size, "larger than capacity")
		return nil, c.capacityErrLocked(key, size)
	}

	prev, replacing := c.cells[key]
	var prevSize int64
	if replacing {
		prevSize = prev.size
	}

	var released []Cell
	if need := c.used - prevSize + size - c.capacity; need > 0 {
		victims, ok := c.planEvictionLocked(need, key)
		if !ok {
			c.rejected(key, size, "no evictable cells")
			return nil, c.capacityErrLocked(key, size)
		}
		for _, v := range victims {
			released = append(released, c.evictLocked(v, "pressure"))
		}
	}

	pinned := false
	if replacing {
		pinned = prev.pinned
		c.removeLocked(key, prev)
		if Cell(prev.cell) != Cell(cell) {
			released = append(released, prev.cell)
		}
		c.logger.Debug("cell evicted",
			zap.String("key", key),
			zap.Float64("score", prev.cell.Stats().Score(c.clock())),
			zap.String("reason", "replaced"),
		)
	}

	c.seq++
	e := &entry[T]{cell: cell, size: size, seq: c.seq, pinned: pinned}
	c.cells[key] = e
	c.used += size
	if r, ok := any(cell).(resizable); ok {
		// The cell may have changed size since it was measured.
		if cur := r.sizing().watch(func() { c.resized(key, e) }); cur != size {
			c.used += cur - e.size
			e.size = cur
			released = append(released, c.shedLocked()...)
		}
	}

	readmitted := c.ghosts != nil && c.ghosts.Remove(key)
	if readmitted {
		c.stats.IncCounter(stats.MetricReadmissions, c.tier.String(), 1)
	}
	c.stats.IncCounter(stats.MetricAdmissions, c.tier.String(), 1)
	c.publishLocked()

	c.logger.Debug("cell admitted",
		zap.String("key", key),
		zap.Int64("size", e.size),
		zap.Float64("score", cell.Stats().Score(c.clock())),
		zap.String("reason", reason),
		zap.Bool("readmitted", readmitted),
	)
	return released, nil
}

// planEvictionLocked picks the lowest ranked evictable cells whose sizes
// add up to at least need. It reports false if no such set exists.
func (c *Cache[T]) planEvictionLocked(need int64, exclude string) ([]ranked[T], bool) {
	var (
		victims []ranked[T]
		freed   int64
	)
	for _, r := range c.rankLocked(c.clock()) {
		if freed >= need {
			break
		}
		// Zero-sized cells free nothing.
		if r.e.pinned || r.e.size == 0 || r.key == exclude {
			continue
		}
		victims = append(victims, r)
		freed += r.e.size
	}
	return victims, freed >= need
}

// rankLocked scores every cell at now and sorts ascending. Equal scores
// rank the earlier insertion first.
func (c *Cache[T]) rankLocked(now time.Time) []ranked[T] {
	order := make([]ranked[T], 0, len(c.cells))
	for key, e := range c.cells {
		order = append(order, ranked[T]{key: key, e: e, score: e.cell.Stats().Score(now)})
	}
	slices.SortFunc(order, func(a, b ranked[T]) int {
		switch {
		case a.score < b.score:
			return -1
		case a.score > b.score:
			return 1
		case a.e.seq < b.e.seq:
			return -1
		case a.e.seq > b.e.seq:
			return 1
		}
		return 0
	})
	return order
}

func (c *Cache[T]) evictLocked(r ranked[T], reason string) Cell {
	c.removeLocked(r.key, r.e)
	if c.ghosts != nil {
		c.ghosts.Add(r.key, struct{}{})
	}
	c.stats.IncCounter(stats.MetricEvictions, c.tier.String(), 1)
	c.logger.Debug("cell evicted",
		zap.String("key", r.key),
		zap.Float64("score", r.score),
		zap.Int64("size", r.e.size),
		zap.String("reason", reason),
	)
	return r.e.cell
}

// removeLocked drops e from the map and the accounting together.
func (c *Cache[T]) removeLocked(key string, e *entry[T]) {
	delete(c.cells, key)
	c.used -= e.size
	unwatch(e.cell)
	c.publishLocked()
}

func unwatch(cell Cell) {
	if r, ok := cell.(resizable); ok {
		r.sizing().watch(nil)
	}
}

// resized applies a size change reported by a live cell, evicting lower
// ranked cells if the cache is now over budget.
func (c *Cache[T]) resized(key string, e *entry[T]) {
	r, ok := any(e.cell).(resizable)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.cells[key] != e {
		c.mu.Unlock()
		return
	}
	size := r.sizing().current()
	c.used += size - e.size
	e.size = size
	released := c.shedLocked()
	c.publishLocked()
	c.mu.Unlock()

	c.logger.Debug("cell resized", zap.String("key", key), zap.Int64("size", size))
	c.release(released)
}

// shedLocked evicts the lowest ranked unpinned cells until used is back
// within capacity.
func (c *Cache[T]) shedLocked() []Cell {
	if c.used <= c.capacity {
		return nil
	}
	var released []Cell
	for _, r := range c.rankLocked(c.clock()) {
		if c.used <= c.capacity {
			break
		}
		if r.e.pinned || r.e.size == 0 {
			continue
		}
		released = append(released, c.evictLocked(r, "overflow"))
	}
	return released
}

func (c *Cache[T]) publishLocked() {
	c.stats.SetGauge(stats.MetricUsedBytes, c.tier.String(), c.used)
	c.stats.SetGauge(stats.MetricEntries, c.tier.String(), int64(len(c.cells)))
}

func (c *Cache[T]) capacityErrLocked(key string, size int64) error {
	return fmt.Errorf("%w: %s cell %q needs %d bytes, %d of %d in use",
		ErrCapacityExceeded, c.tier, key, size, c.used, c.capacity)
}

func (c *Cache[T]) rejected(key string, size int64, reason string) {
	c.stats.IncCounter(stats.MetricRejections, c.tier.String(), 1)
	c.logger.Info("admission rejected",
		zap.String("key", key),
		zap.Int64("size", size),
		zap.String("reason", reason),
	)
}

// release deletes cells that have left the cache.
func (c *Cache[T]) release(cells []Cell) {
	for _, cell := range cells {
		if err := cell.Delete(); err != nil {
			c.logger.Warn("failed to delete cell", zap.String("key", cell.Key()), zap.Error(err))
		}
	}
}
