package tiercache

import (
	"time"

	"go.uber.org/atomic"
)

// Score weights.
const (
	hitWeight     = 0.5
	recencyWeight = 0.3
	sizeWeight    = 0.2

	bytesPerMB = 1024 * 1024
)

// EntryStats tracks access and size telemetry for one cell.
// All methods are safe for concurrent use.
type EntryStats struct {
	hits    *atomic.Int64
	lastHit *atomic.Time
	size    *atomic.Int64
}

// NewEntryStats returns stats for a cell of the given size created at now.
func NewEntryStats(size int64, now time.Time) *EntryStats {
	return &EntryStats{
		hits:    atomic.NewInt64(0),
		lastHit: atomic.NewTime(now),
		size:    atomic.NewInt64(size),
	}
}

// RecordHit counts an access at now.
func (s *EntryStats) RecordHit(now time.Time) {
	s.hits.Inc()
	s.lastHit.Store(now)
}

// RecordHitWithSize counts an access at now and overwrites the size.
func (s *EntryStats) RecordHitWithSize(now time.Time, size int64) {
	s.RecordHit(now)
	s.size.Store(size)
}

// SetSize overwrites the recorded size.
func (s *EntryStats) SetSize(size int64) {
	s.size.Store(size)
}

// HitCount returns the number of recorded hits.
func (s *EntryStats) HitCount() int64 { return s.hits.Load() }

// LastHit returns the time of the last hit, or creation time if never hit.
func (s *EntryStats) LastHit() time.Time { return s.lastHit.Load() }

// Size returns the recorded size in bytes.
func (s *EntryStats) Size() int64 { return s.size.Load() }

// Score returns the eviction score at now. Lower scores are evicted first.
//
//	score = 0.5*hits + 0.3/(1+hoursSinceLastHit) + 0.2/(1+sizeMB)
func (s *EntryStats) Score(now time.Time) float64 {
	hours := now.Sub(s.lastHit.Load()).Hours()
	if hours < 0 {
		hours = 0
	}
	sizeMB := float64(s.size.Load()) / bytesPerMB

	return hitWeight*float64(s.hits.Load()) +
		recencyWeight/(1+hours) +
		sizeWeight/(1+sizeMB)
}

// Clone returns an independent copy.
func (s *EntryStats) Clone() *EntryStats {
	return &EntryStats{
		hits:    atomic.NewInt64(s.hits.Load()),
		lastHit: atomic.NewTime(s.lastHit.Load()),
		size:    atomic.NewInt64(s.size.Load()),
	}
}
