package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/discochess/tiercache/internal/retrier"
	"github.com/discochess/tiercache/internal/stats"
)

// Thresholds decide when a cell leaves its tier.
type Thresholds struct {
	// Promote moves a cell one tier up when its score reaches Promote.
	// Zero disables promotion.
	Promote float64

	// Demote moves a cell one tier down when its score falls below Demote.
	// Zero disables demotion.
	Demote float64
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() map[Tier]Thresholds {
	return map[Tier]Thresholds{
		TierRam:   {Demote: 0.4},
		TierDisk:  {Promote: 1.5, Demote: 0.25},
		TierCloud: {Promote: 1.0},
	}
}

// Hierarchy owns one cache per tier and moves cells between them.
// A Hierarchy is safe for concurrent use by multiple goroutines.
type Hierarchy struct {
	media  *Media
	ram    *RamCache
	disk   *DiskCache
	cloud  *CloudCache
	caches [len(tiers)]tierStore

	thresholds    map[Tier]Thresholds
	logger        *zap.Logger
	stats         stats.Collector
	clock         func() time.Time
	tracer        trace.Tracer
	retry         *retrier.Retrier
	sweepInterval time.Duration

	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHierarchy attaches the three caches to a new Hierarchy. Promotion
// requests on any of the caches are handled by the Hierarchy from then on.
func NewHierarchy(media *Media, ram *RamCache, disk *DiskCache, cloud *CloudCache, opts ...Option) (*Hierarchy, error) {
	if media == nil || ram == nil || disk == nil || cloud == nil {
		return nil, errors.New("tiercache: hierarchy needs media and a cache for every tier")
	}

	cfg := buildOptions(opts)
	cfg.readRetry.Retryable = retrier.IsTemporary
	r, err := retrier.New(cfg.readRetry)
	if err != nil {
		return nil, fmt.Errorf("configuring read retry: %w", err)
	}

	h := &Hierarchy{
		media:         media,
		ram:           ram,
		disk:          disk,
		cloud:         cloud,
		thresholds:    cfg.thresholds,
		logger:        cfg.logger,
		stats:         cfg.stats,
		clock:         cfg.clock,
		tracer:        cfg.tracer,
		retry:         r,
		sweepInterval: cfg.sweepInterval,
	}
	h.caches[TierRam] = ram
	h.caches[TierDisk] = disk
	h.caches[TierCloud] = cloud
	for _, c := range h.caches {
		c.attach(h)
	}
	return h, nil
}

// Ram returns the memory tier cache.
func (h *Hierarchy) Ram() *RamCache { return h.ram }

// Disk returns the disk tier cache.
func (h *Hierarchy) Disk() *DiskCache { return h.disk }

// Cloud returns the cloud tier cache.
func (h *Hierarchy) Cloud() *CloudCache { return h.cloud }

// Media returns the backing media.
func (h *Hierarchy) Media() *Media { return h.media }

// Start starts every cache and, if configured, the sweep worker.
func (h *Hierarchy) Start() {
	for _, c := range h.caches {
		c.Start()
	}

	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()
	if h.running || h.sweepInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.running = true
	h.wg.Add(1)
	go h.sweepLoop(ctx)
}

// Stop stops the sweep worker and every cache. Safe to call repeatedly.
func (h *Hierarchy) Stop() {
	h.lifeMu.Lock()
	if h.running {
		h.running = false
		h.cancel()
		h.wg.Wait()
	}
	h.lifeMu.Unlock()

	for _, c := range h.caches {
		c.Stop()
	}
}

// Put stores data in the memory tier and drops any copy held by a slower tier.
// The new cell's stats start at the hierarchy clock.
func (h *Hierarchy) Put(ctx context.Context, key string, data []byte) error {
	cell := NewRamCell(key, data)
	cell.stats = NewEntryStats(int64(len(data)), h.clock())
	if err := h.ram.Set(ctx, key, cell); err != nil {
		return err
	}
	for _, tier := range tiers[TierDisk:] {
		if err := h.caches[tier].remove(key); err != nil && !errors.Is(err, ErrKeyNotFound) {
			h.logger.Warn("failed to drop stale copy",
				zap.String("key", key),
				zap.Stringer("tier", tier),
				zap.Error(err))
		}
	}
	return nil
}

// Get searches the tiers fastest first and returns the payload and the tier
// it was found in. The hit may promote or demote the cell.
// Returns ErrKeyNotFound if no tier holds key.
func (h *Hierarchy) Get(ctx context.Context, key string) ([]byte, Tier, error) {
	data, tier, err := h.get(ctx, key)
	if errors.Is(err, ErrCellRetired) {
		// The cell migrated between lookup and read.
		return h.get(ctx, key)
	}
	return data, tier, err
}

func (h *Hierarchy) get(ctx context.Context, key string) ([]byte, Tier, error) {
	for _, tier := range tiers {
		c := h.caches[tier]
		cell, err := c.lookup(key)
		if err != nil {
			continue
		}

		var data []byte
		err = h.retry.Run(ctx, func() error {
			var err error
			data, err = cell.Read(ctx)
			return err
		})
		if err != nil {
			if errors.Is(err, ErrPayloadMissing) {
				h.drop(c, key, cell)
				continue
			}
			return nil, tier, err
		}

		if _, err := h.promote(ctx, tier, cell); err != nil && !errors.Is(err, ErrKeyNotFound) {
			h.logger.Warn("promotion request failed",
				zap.String("key", key),
				zap.Stringer("tier", tier),
				zap.Error(err))
		}
		return data, tier, nil
	}
	return nil, TierRam, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
}

// drop removes cell from c if c still holds it.
func (h *Hierarchy) drop(c tierStore, key string, cell Cell) {
	c.lock()
	held := c.holdsLocked(key, cell)
	if held {
		c.detachLocked(key)
	}
	c.unlock()

	if held {
		h.logger.Warn("dropped cell with missing payload",
			zap.String("key", key),
			zap.Stringer("tier", c.Tier()))
		c.release([]Cell{cell})
	}
}

// Sweep issues a promotion request for every cell. Cells are snapshotted
// before any move, so each cell moves at most one tier per sweep.
// It returns the number of cells moved.
func (h *Hierarchy) Sweep(ctx context.Context) (int, error) {
	var snapshots [len(tiers)][]Cell
	for _, tier := range tiers {
		snapshots[tier] = h.caches[tier].snapshot()
	}

	moved := 0
	var errs []error
	for _, tier := range tiers {
		for _, cell := range snapshots[tier] {
			if err := ctx.Err(); err != nil {
				return moved, err
			}
			next, err := h.promote(ctx, tier, cell)
			if err != nil {
				if !errors.Is(err, ErrKeyNotFound) {
					errs = append(errs, err)
				}
				continue
			}
			if next != cell {
				moved++
			}
		}
	}
	return moved, errors.Join(errs...)
}

func (h *Hierarchy) sweepLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			moved, err := h.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				h.logger.Warn("sweep failed", zap.Int("moved", moved), zap.Error(err))
			}
		}
	}
}

// promote moves cell one tier if its score crosses the thresholds of from.
func (h *Hierarchy) promote(ctx context.Context, from Tier, cell Cell) (Cell, error) {
	score := cell.Stats().Score(h.clock())
	to, reason, ok := h.decide(from, score)
	if !ok {
		return cell, nil
	}
	return h.migrate(ctx, from, to, cell, score, reason)
}

func (h *Hierarchy) decide(from Tier, score float64) (Tier, string, bool) {
	th := h.thresholds[from]
	if th.Promote > 0 && score >= th.Promote && from > TierRam && h.media.Supports(from-1) {
		return from - 1, "promote", true
	}
	if score < th.Demote && from < TierCloud && h.media.Supports(from+1) {
		return from + 1, "demote", true
	}
	return from, "", false
}

// migrate morphs cell into tier to, then swaps it between caches with both
// locked in tier order. On any failure the source cell stays where it was.
func (h *Hierarchy) migrate(ctx context.Context, from, to Tier, cell Cell, score float64, reason string) (Cell, error) {
	key := cell.Key()
	ctx, span := h.tracer.Start(ctx, "tiercache.migrate", trace.WithAttributes(
		attribute.String("key", key),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
		attribute.String("reason", reason),
		attribute.Float64("score", score),
	))
	defer span.End()

	fail := func(err error) (Cell, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Warn("migration aborted",
			zap.String("key", key),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Error(err))
		return cell, err
	}

	moved, err := h.media.Morph(ctx, cell, to)
	if err != nil {
		return fail(err)
	}
	size, err := moved.Size()
	if err != nil {
		moved.Delete()
		return fail(err)
	}

	src, dst := h.caches[from], h.caches[to]
	first, second := src, dst
	if to < from {
		first, second = dst, src
	}
	first.lock()
	second.lock()

	if !src.holdsLocked(key, cell) {
		second.unlock()
		first.unlock()
		moved.Delete()
		return cell, fmt.Errorf("%w: %q left the %s cache during migration", ErrKeyNotFound, key, from)
	}
	released, err := dst.admitCellLocked(key, moved, size, reason)
	if err == nil {
		src.detachLocked(key)
	}

	second.unlock()
	first.unlock()

	if err != nil {
		moved.Delete()
		return fail(fmt.Errorf("admitting %q to %s: %w", key, to, err))
	}
	dst.release(released)
	src.release([]Cell{cell})

	h.stats.IncCounter(stats.MetricMigrations, to.String(), 1)
	h.logger.Info("cell migrated",
		zap.String("key", key),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Float64("score", score),
		zap.String("reason", reason))
	return moved, nil
}
