package tiercache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/tiercache/internal/stats"
)

func (c *Cache[T]) periodicLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Rerank(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("periodic rerank failed", zap.Error(err))
			}
		}
	}
}

func (c *Cache[T]) forcedLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.pressure:
			if !req.claim() {
				continue
			}
			req.done <- c.forcedRerank(req)
		}
	}
}

// forcedRerank admits a waiting request, evicting the lowest ranked cells
// at the current time until it fits.
func (c *Cache[T]) forcedRerank(req *admission[T]) (err error) {
	var released []Cell
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tiercache: forced rerank panicked: %v", r)
			c.logger.Error("forced rerank panicked", zap.Any("panic", r))
		}
		c.release(released)
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	released, err = c.admitLocked(req.key, req.cell, req.size, "pressure")
	return err
}

// Rerank runs one periodic pass immediately. It re-probes every cell's
// size, drops cells whose payload has vanished, re-ranks and evicts down to
// capacity, and refreshes the Report. Probe failures other than a missing
// payload leave the cell in place and are returned joined.
func (c *Cache[T]) Rerank(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tiercache: rerank panicked: %v", r)
		}
		c.stats.ObserveHistogram(stats.MetricRerankSeconds, c.tier.String(), time.Since(start).Seconds())
	}()

	c.mu.Lock()
	snapshot := maps.Clone(c.cells)
	c.mu.Unlock()

	// Sizes are probed without holding mu; disk cells stat their file.
	type probe struct {
		size int64
		err  error
	}
	probes := make(map[string]probe, len(snapshot))
	for key, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		size, err := e.cell.Size()
		probes[key] = probe{size: size, err: err}
	}

	var (
		errs     []error
		released []Cell
	)
	defer func() { c.release(released) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	for key, p := range probes {
		e, ok := c.cells[key]
		if !ok || e != snapshot[key] {
			// Replaced or removed since the snapshot.
			continue
		}
		switch {
		case p.err == nil:
			c.used += p.size - e.size
			e.size = p.size
		case errors.Is(p.err, ErrPayloadMissing):
			released = append(released, c.evictLocked(ranked[T]{
				key:   key,
				e:     e,
				score: e.cell.Stats().Score(now),
			}, "lost"))
		default:
			errs = append(errs, p.err)
		}
	}

	released = append(released, c.shedLocked()...)
	c.publishLocked()

	c.report = c.buildReportLocked(now)
	return errors.Join(errs...)
}

// Report returns the summary built by the most recent Rerank.
func (c *Cache[T]) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

// promoter moves cells between tiers. Implemented by Hierarchy.
type promoter interface {
	promote(ctx context.Context, from Tier, cell Cell) (Cell, error)
}

// tierStore is the type-erased view of a Cache used for cross-tier moves.
type tierStore interface {
	Tier() Tier
	Start()
	Stop()
	Len() int

	lock()
	unlock()
	attach(p promoter)
	lookup(key string) (Cell, error)
	remove(key string) error
	snapshot() []Cell
	holdsLocked(key string, cell Cell) bool
	admitCellLocked(key string, cell Cell, size int64, reason string) ([]Cell, error)
	detachLocked(key string)
	release(cells []Cell)
}

// Compile-time checks that every tier cache implements tierStore.
var (
	_ tierStore = (*RamCache)(nil)
	_ tierStore = (*DiskCache)(nil)
	_ tierStore = (*CloudCache)(nil)
)

func (c *Cache[T]) lock()   { c.mu.Lock() }
func (c *Cache[T]) unlock() { c.mu.Unlock() }

func (c *Cache[T]) attach(p promoter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = p
}

func (c *Cache[T]) lookup(key string) (Cell, error) {
	cell, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	return cell, nil
}

func (c *Cache[T]) remove(key string) error {
	return c.Delete(key)
}

func (c *Cache[T]) snapshot() []Cell {
	var cells []Cell
	for cell := range c.Iterate() {
		cells = append(cells, cell)
	}
	return cells
}

func (c *Cache[T]) holdsLocked(key string, cell Cell) bool {
	e, ok := c.cells[key]
	return ok && Cell(e.cell) == cell
}

func (c *Cache[T]) admitCellLocked(key string, cell Cell, size int64, reason string) ([]Cell, error) {
	typed, ok := cell.(T)
	if !ok {
		return nil, fmt.Errorf("tiercache: %T cannot be stored in the %s cache", cell, c.tier)
	}
	return c.admitLocked(key, typed, size, reason)
}

// detachLocked removes key without deleting its cell.
func (c *Cache[T]) detachLocked(key string) {
	if e, ok := c.cells[key]; ok {
		c.removeLocked(key, e)
	}
}
