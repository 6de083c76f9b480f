package tiercache

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Report summarises a cache as of its last periodic re-rank.
type Report struct {
	Tier     Tier
	At       time.Time
	Entries  int
	Pinned   int
	Used     int64
	Capacity int64

	// Score distribution across live cells. Zero when the cache is empty.
	MinScore    float64
	MaxScore    float64
	MeanScore   float64
	StdDevScore float64
	MedianScore float64
}

// Utilization returns Used as a fraction of Capacity.
func (r Report) Utilization() float64 {
	if r.Capacity <= 0 {
		return 0
	}
	return float64(r.Used) / float64(r.Capacity)
}

func (c *Cache[T]) buildReportLocked(now time.Time) Report {
	order := c.rankLocked(now)

	r := Report{
		Tier:     c.tier,
		At:       now,
		Entries:  len(order),
		Used:     c.used,
		Capacity: c.capacity,
	}
	if len(order) == 0 {
		return r
	}

	// rankLocked sorts ascending, which stat.Quantile requires.
	scores := make([]float64, len(order))
	for i, o := range order {
		scores[i] = o.score
		if o.e.pinned {
			r.Pinned++
		}
	}

	r.MinScore = floats.Min(scores)
	r.MaxScore = floats.Max(scores)
	r.MedianScore = stat.Quantile(0.5, stat.Empirical, scores, nil)
	if len(scores) > 1 {
		r.MeanScore, r.StdDevScore = stat.MeanStdDev(scores, nil)
	} else {
		r.MeanScore = scores[0]
	}
	return r
}
