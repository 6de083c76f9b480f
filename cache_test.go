package tiercache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/discochess/tiercache/internal/stats"
)

func ramCell(key string, n int) *RamCell {
	return NewRamCell(key, bytes.Repeat([]byte("x"), n))
}

// ramCellAt returns a cell whose stats were created at t0, so cells built
// with the same t0 and size score identically.
func ramCellAt(key string, n int, t0 time.Time) *RamCell {
	c := ramCell(key, n)
	c.stats = NewEntryStats(int64(n), t0)
	return c
}

func fixedClock(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func keys[T Cell](c *Cache[T]) []string {
	var out []string
	for cell := range c.Iterate() {
		out = append(out, cell.Key())
	}
	return out
}

// checkAccounting verifies used bytes match the live cells and stay in budget.
func checkAccounting[T Cell](t *testing.T, c *Cache[T]) {
	t.Helper()
	var sum int64
	for cell := range c.Iterate() {
		size, err := cell.Size()
		if err != nil {
			t.Fatalf("Size(%q) error = %v", cell.Key(), err)
		}
		sum += size
	}
	if used := c.Used(); used != sum {
		t.Fatalf("Used() = %d, want sum of cell sizes %d", used, sum)
	}
	if c.Used() > c.Capacity() {
		t.Fatalf("Used() = %d exceeds capacity %d", c.Used(), c.Capacity())
	}
}

// countingCollector records counter totals by name and tier.
type countingCollector struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newCountingCollector() *countingCollector {
	return &countingCollector{counters: make(map[string]int64)}
}

func (c *countingCollector) IncCounter(name, tier string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name+"/"+tier] += delta
}

func (c *countingCollector) SetGauge(name, tier string, value int64)           {}
func (c *countingCollector) ObserveHistogram(name, tier string, value float64) {}

func (c *countingCollector) get(name, tier string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name+"/"+tier]
}

func TestCache_EvictsLowestScoreUnderPressure(t *testing.T) {
	for _, running := range []bool{false, true} {
		t.Run(fmt.Sprintf("running=%v", running), func(t *testing.T) {
			ctx := context.Background()
			c := NewRamCache(10)
			if running {
				c.Start()
				defer c.Stop()
			}

			if err := c.Set(ctx, "a", ramCell("a", 6)); err != nil {
				t.Fatalf("Set(a) error = %v", err)
			}
			if err := c.Set(ctx, "b", ramCell("b", 6)); err != nil {
				t.Fatalf("Set(b) error = %v", err)
			}

			if _, err := c.Get("a"); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("Get(a) error = %v, want ErrKeyNotFound", err)
			}
			if !c.Contains("b") {
				t.Error("b was not admitted")
			}
			if c.Used() != 6 {
				t.Errorf("Used() = %d, want 6", c.Used())
			}
			checkAccounting(t, c)
		})
	}
}

func TestCache_IterateAscendingScore(t *testing.T) {
	ctx := context.Background()
	c := NewRamCache(100)

	_ = c.Set(ctx, "x", ramCell("x", 10))
	for i := 0; i < 5; i++ {
		if _, err := c.Get("x"); err != nil {
			t.Fatalf("Get(x) error = %v", err)
		}
	}
	_ = c.Set(ctx, "y", ramCell("y", 10))

	if err := c.Rerank(ctx); err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}

	got := keys(c)
	if len(got) != 2 || got[0] != "y" || got[1] != "x" {
		t.Errorf("Iterate() = %v, want [y x]", got)
	}
}

func TestCache_IterateIsRestartableSnapshot(t *testing.T) {
	ctx := context.Background()
	c := NewRamCache(100)
	_ = c.Set(ctx, "a", ramCell("a", 1))
	_ = c.Set(ctx, "b", ramCell("b", 1))

	seq := c.Iterate()
	_ = c.Delete("a")

	for round := 0; round < 2; round++ {
		n := 0
		for range seq {
			n++
		}
		if n != 2 {
			t.Errorf("round %d yielded %d cells, want 2", round, n)
		}
	}
}

func TestCache_CapacityExceeded(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		pin     bool
		size    int
	}{
		{"all pinned", false, true, 6},
		{"all pinned running", true, true, 6},
		{"larger than capacity", false, false, 11},
		{"larger than capacity running", true, false, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c := NewRamCache(10)
			if tt.running {
				c.Start()
				defer c.Stop()
			}

			if err := c.Set(ctx, "a", ramCell("a", 6)); err != nil {
				t.Fatalf("Set(a) error = %v", err)
			}
			if tt.pin {
				if err := c.Pin("a"); err != nil {
					t.Fatalf("Pin(a) error = %v", err)
				}
			}

			err := c.Set(ctx, "b", ramCell("b", tt.size))
			if !errors.Is(err, ErrCapacityExceeded) {
				t.Fatalf("Set(b) error = %v, want ErrCapacityExceeded", err)
			}
			if c.Used() != 6 {
				t.Errorf("Used() = %d, want 6", c.Used())
			}
			if c.Contains("b") {
				t.Error("rejected cell was inserted")
			}
			if !c.Contains("a") {
				t.Error("existing cell was evicted by a rejected admission")
			}
		})
	}
}

func TestCache_NoPartialEviction(t *testing.T) {
	ctx := context.Background()
	c := NewRamCache(10)

	_ = c.Set(ctx, "small", ramCell("small", 2))
	_ = c.Set(ctx, "pinned", ramCell("pinned", 8))
	_ = c.Pin("pinned")

	// Evicting "small" frees 2 bytes, not the 3 needed.
	if err := c.Set(ctx, "new", ramCell("new", 5)); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Set() error = %v, want ErrCapacityExceeded", err)
	}
	if !c.Contains("small") {
		t.Error("small was evicted even though the admission failed")
	}
	if c.Used() != 10 {
		t.Errorf("Used() = %d, want 10", c.Used())
	}
}

func TestCache_TieEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewRamCache(30, fixedClock(t0))

	for _, k := range []string{"a", "b", "c"} {
		if err := c.Set(ctx, k, ramCellAt(k, 10, t0)); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}

	_ = c.Set(ctx, "d", ramCellAt("d", 10, t0))
	if c.Contains("a") {
		t.Error("a should be evicted first")
	}

	_ = c.Set(ctx, "e", ramCellAt("e", 10, t0))
	if c.Contains("b") {
		t.Error("b should be evicted second")
	}
	if !c.Contains("c") || !c.Contains("d") || !c.Contains("e") {
		t.Errorf("unexpected contents: %v", keys(c))
	}
}

func TestCache_ReplaceDeletesPrevious(t *testing.T) {
	ctx := context.Background()
	c := NewRamCache(100)

	old := ramCell("k", 5)
	_ = c.Set(ctx, "k", old)
	_ = c.Pin("k")

	if err := c.Set(ctx, "k", ramCell("k", 7)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if c.Used() != 7 || c.Len() != 1 {
		t.Errorf("Used() = %d, Len() = %d, want 7 and 1", c.Used(), c.Len())
	}
	if _, err := old.Read(ctx); !errors.Is(err, ErrCellRetired) {
		t.Errorf("old cell Read() error = %v, want ErrCellRetired", err)
	}

	// The pin belongs to the key.
	if err := c.Set(ctx, "big", ramCell("big", 95)); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Set(big) error = %v, want ErrCapacityExceeded", err)
	}
}

func TestCache_ReplaceWithSameCell(t *testing.T) {
	ctx := context.Background()
	c := NewRamCache(100)

	cell := ramCell("k", 5)
	_ = c.Set(ctx, "k", cell)
	if err := c.Set(ctx, "k", cell); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := cell.Read(ctx); err != nil {
		t.Errorf("Read() after re-Set() error = %v", err)
	}
	if c.Used() != 5 {
		t.Errorf("Used() = %d, want 5", c.Used())
	}
}

func TestCache_Delete(t *testing.T) {
	ctx := context.Background()
	c := NewRamCache(100)

	if err := c.Delete("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrKeyNotFound", err)
	}

	cell := ramCell("k", 5)
	_ = c.Set(ctx, "k", cell)
	if err := c.Delete("k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if c.Used() != 0 || c.Len() != 0 {
		t.Errorf("Used() = %d, Len() = %d, want 0", c.Used(), c.Len())
	}
	if _, err := cell.Read(ctx); !errors.Is(err, ErrCellRetired) {
		t.Errorf("Read() after Delete() error = %v, want ErrCellRetired", err)
	}
}

func TestCache_KeyMismatch(t *testing.T) {
	c := NewRamCache(100)
	if err := c.Set(context.Background(), "other", ramCell("k", 1)); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("Set() error = %v, want ErrKeyMismatch", err)
	}
}

func TestCache_GetRecordsHit(t *testing.T) {
	ctx := context.Background()
	t0 := time.Now()
	c := NewRamCache(100, fixedClock(t0))
	cell := ramCellAt("k", 5, t0.Add(-time.Hour))
	_ = c.Set(ctx, "k", cell)

	before := cell.Stats().Score(t0)
	if _, err := c.Get("k"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if after := cell.Stats().Score(t0); after <= before {
		t.Errorf("Score() after Get() = %v, want > %v", after, before)
	}

	c.Contains("k")
	if got := cell.Stats().HitCount(); got != 1 {
		t.Errorf("HitCount() = %d, want 1; Contains() must not record hits", got)
	}
}

func TestCache_AccountingInvariant(t *testing.T) {
	ctx := context.Background()
	c := NewRamCache(64)
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("k%d", rng.IntN(12))
		switch rng.IntN(4) {
		case 0, 1:
			err := c.Set(ctx, key, ramCell(key, rng.IntN(30)))
			if err != nil && !errors.Is(err, ErrCapacityExceeded) {
				t.Fatalf("Set() error = %v", err)
			}
		case 2:
			_, _ = c.Get(key)
		case 3:
			_ = c.Delete(key)
		}
		checkAccounting(t, c)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewRamCache(256, WithRerankInterval(time.Millisecond))
	c.Start()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(g), 7))
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", rng.IntN(32))
				switch rng.IntN(3) {
				case 0:
					_ = c.Set(ctx, key, ramCell(key, 1+rng.IntN(40)))
				case 1:
					_, _ = c.Get(key)
				case 2:
					_ = c.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()
	c.Stop()

	checkAccounting(t, c)
}

func TestCache_StartStopIdempotent(t *testing.T) {
	c := NewRamCache(10)

	c.Stop()
	if c.Running() {
		t.Fatal("Running() = true before Start()")
	}

	c.Start()
	c.Start()
	if !c.Running() {
		t.Fatal("Running() = false after Start()")
	}

	c.Stop()
	c.Stop()
	if c.Running() {
		t.Fatal("Running() = true after Stop()")
	}

	// Restart after stop.
	c.Start()
	defer c.Stop()
	if !c.Running() {
		t.Fatal("Running() = false after restart")
	}
}

func TestCache_SetWhileStoppedEvictsInline(t *testing.T) {
	ctx := context.Background()
	c := NewRamCache(10)
	c.Start()
	_ = c.Set(ctx, "a", ramCell("a", 6))
	c.Stop()

	if err := c.Set(ctx, "b", ramCell("b", 6)); err != nil {
		t.Fatalf("Set() after Stop() error = %v", err)
	}
	if c.Contains("a") {
		t.Error("a should have been evicted inline")
	}
}

func TestCache_AwaitAdmission(t *testing.T) {
	tests := []struct {
		name    string
		ctx     func() context.Context
		stopped bool
		want    error
	}{
		{
			name: "timeout",
			ctx:  context.Background,
			want: ErrCapacityExceeded,
		},
		{
			name:    "stopped",
			ctx:     context.Background,
			stopped: true,
			want:    ErrStopped,
		},
		{
			name: "cancelled",
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			want: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// No worker is running, so the request is never received.
			c := NewRamCache(10, WithAdmitTimeout(20*time.Millisecond))
			stopped := make(chan struct{})
			if tt.stopped {
				close(stopped)
			}
			req := &admission[*RamCell]{key: "k", cell: ramCell("k", 1), size: 1, done: make(chan error, 1)}

			err := c.awaitAdmission(tt.ctx(), req, stopped)
			if !errors.Is(err, tt.want) {
				t.Errorf("awaitAdmission() error = %v, want %v", err, tt.want)
			}
			if c.Contains("k") {
				t.Error("abandoned admission was inserted")
			}
		})
	}
}

func TestAdmission_ClaimOrAbandon(t *testing.T) {
	req := &admission[*RamCell]{}
	if !req.abandon() {
		t.Fatal("abandon() of pending request failed")
	}
	if req.claim() {
		t.Error("claim() succeeded after abandon()")
	}

	req = &admission[*RamCell]{}
	if !req.claim() {
		t.Fatal("claim() of pending request failed")
	}
	if req.abandon() {
		t.Error("abandon() succeeded after claim()")
	}
}

func TestCache_PeriodicRerank(t *testing.T) {
	ctx := context.Background()
	c := NewRamCache(100, WithRerankInterval(5*time.Millisecond))
	_ = c.Set(ctx, "a", ramCell("a", 4))
	_ = c.Set(ctx, "b", ramCell("b", 6))

	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for c.Report().Entries != 2 {
		if time.Now().After(deadline) {
			t.Fatal("periodic rerank did not produce a report")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r := c.Report()
	if r.Tier != TierRam || r.Used != 10 || r.Capacity != 100 {
		t.Errorf("Report() = %+v", r)
	}
	if r.MinScore > r.MeanScore || r.MeanScore > r.MaxScore {
		t.Errorf("score summary out of order: %+v", r)
	}
	if r.Utilization() != 0.1 {
		t.Errorf("Utilization() = %v, want 0.1", r.Utilization())
	}
}

func TestCache_RerankDropsLostCells(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMedia(t)
	c := NewDiskCache(1 << 20)

	kept, _ := m.NewDiskCell(ctx, "kept", []byte("kept"))
	lost, _ := m.NewDiskCell(ctx, "lost", []byte("lost"))
	_ = c.Set(ctx, "kept", kept)
	_ = c.Set(ctx, "lost", lost)

	if err := os.Remove(lost.Path()); err != nil {
		t.Fatal(err)
	}
	if err := c.Rerank(ctx); err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}

	if c.Contains("lost") {
		t.Error("cell with a missing payload was kept")
	}
	if !c.Contains("kept") {
		t.Error("healthy cell was dropped")
	}
	checkAccounting(t, c)
}

func TestCache_RerankEvictsOverflow(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMedia(t)
	c := NewDiskCache(10)

	a, _ := m.NewDiskCell(ctx, "a", []byte("aaaa"))
	b, _ := m.NewDiskCell(ctx, "b", []byte("bbbb"))
	_ = c.Set(ctx, "a", a)
	_ = c.Set(ctx, "b", b)

	// A payload file rewritten behind the cache's back is only seen by a
	// rerank.
	if err := os.WriteFile(a.Path(), bytes.Repeat([]byte("a"), 8), 0o644); err != nil {
		t.Fatal(err)
	}
	if c.Used() != 8 {
		t.Fatalf("Used() before rerank = %d, want 8", c.Used())
	}

	if err := c.Rerank(ctx); err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if c.Len() != 1 || c.Used() != 4 {
		t.Errorf("Len() = %d, Used() = %d, want 1 and 4", c.Len(), c.Used())
	}
	if c.Contains("a") {
		t.Error("a ranks lowest and should have been evicted")
	}
	checkAccounting(t, c)
}

func TestCache_TracksCloudResolution(t *testing.T) {
	ctx := context.Background()
	c := NewCloudCache(10)

	k := NewCloudCell("k", func(ctx context.Context) ([]byte, error) {
		return bytes.Repeat([]byte("y"), 8), nil
	})
	r := NewCloudCell("r", nil)
	if err := r.Write(ctx, []byte("12345")); err != nil {
		t.Fatalf("Write(r) error = %v", err)
	}
	if err := c.Set(ctx, "k", k); err != nil {
		t.Fatalf("Set(k) error = %v", err)
	}
	if err := c.Set(ctx, "r", r); err != nil {
		t.Fatalf("Set(r) error = %v", err)
	}
	checkAccounting(t, c)

	cell, err := c.Get("k")
	if err != nil {
		t.Fatalf("Get(k) error = %v", err)
	}
	if _, err := cell.Read(ctx); err != nil {
		t.Fatalf("Read(k) error = %v", err)
	}

	// k grew to 8 bytes; the unhit r makes room.
	if c.Contains("r") || !c.Contains("k") {
		t.Errorf("keys after resolve = %v, want [k]", keys(c))
	}
	if c.Used() != 8 {
		t.Errorf("Used() = %d, want 8", c.Used())
	}
	checkAccounting(t, c)

	j := NewCloudCell("j", nil)
	_ = j.Write(ctx, []byte("12345"))
	if err := c.Set(ctx, "j", j); err != nil {
		t.Fatalf("Set(j) error = %v", err)
	}
	checkAccounting(t, c)
}

func TestCache_TracksCellWrites(t *testing.T) {
	ctx := context.Background()
	c := NewRamCache(10)
	a := ramCell("a", 2)
	b := ramCell("b", 2)
	_ = c.Set(ctx, "a", a)
	_ = c.Set(ctx, "b", b)

	if err := a.Write(ctx, []byte("123456")); err != nil {
		t.Fatalf("Write(a) error = %v", err)
	}
	if c.Used() != 8 {
		t.Errorf("Used() after growing a = %d, want 8", c.Used())
	}
	checkAccounting(t, c)

	// Growing past capacity evicts the lowest ranked cell.
	if err := b.Write(ctx, []byte("12345")); err != nil {
		t.Fatalf("Write(b) error = %v", err)
	}
	checkAccounting(t, c)
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	// Cells that left the cache no longer affect it.
	_ = c.Delete("a")
	_ = c.Delete("b")
	_ = a.Write(ctx, []byte("ignored"))
	if c.Used() != 0 {
		t.Errorf("Used() after delete = %d, want 0", c.Used())
	}
}

func TestCache_Clear(t *testing.T) {
	ctx := context.Background()
	c := NewRamCache(100)
	a := ramCell("a", 3)
	_ = c.Set(ctx, "a", a)
	_ = c.Set(ctx, "b", ramCell("b", 4))

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if c.Len() != 0 || c.Used() != 0 || c.Free() != 100 {
		t.Errorf("Len() = %d, Used() = %d, Free() = %d", c.Len(), c.Used(), c.Free())
	}
	if _, err := a.Read(ctx); !errors.Is(err, ErrCellRetired) {
		t.Errorf("Read() after Clear() error = %v, want ErrCellRetired", err)
	}
}

func TestCache_Readmission(t *testing.T) {
	ctx := context.Background()
	collector := newCountingCollector()
	c := NewRamCache(10, WithStats(collector))

	_ = c.Set(ctx, "a", ramCell("a", 6))
	_ = c.Set(ctx, "b", ramCell("b", 6)) // evicts a
	_ = c.Set(ctx, "a", ramCell("a", 6)) // evicts b, a is back

	if got := collector.get(stats.MetricReadmissions, "ram"); got != 1 {
		t.Errorf("readmissions = %d, want 1", got)
	}
	if got := collector.get(stats.MetricEvictions, "ram"); got != 2 {
		t.Errorf("evictions = %d, want 2", got)
	}
	if got := collector.get(stats.MetricAdmissions, "ram"); got != 3 {
		t.Errorf("admissions = %d, want 3", got)
	}
}

func TestCache_LogsEvictions(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	c := NewRamCache(10, WithLogger(zap.New(core)))

	_ = c.Set(ctx, "a", ramCell("a", 6))
	_ = c.Set(ctx, "b", ramCell("b", 6))

	evicted := logs.FilterMessage("cell evicted").All()
	if len(evicted) != 1 {
		t.Fatalf("got %d eviction logs, want 1", len(evicted))
	}
	fields := evicted[0].ContextMap()
	if fields["key"] != "a" || fields["reason"] != "pressure" || fields["tier"] != "ram" {
		t.Errorf("eviction fields = %v", fields)
	}
	if _, ok := fields["score"].(float64); !ok {
		t.Errorf("eviction log has no score: %v", fields)
	}

	admitted := logs.FilterMessage("cell admitted").All()
	if len(admitted) != 2 {
		t.Fatalf("got %d admission logs, want 2", len(admitted))
	}
	fields = admitted[1].ContextMap()
	if fields["key"] != "b" || fields["reason"] != "direct" || fields["tier"] != "ram" {
		t.Errorf("admission fields = %v", fields)
	}
	if score, ok := fields["score"].(float64); !ok || score <= 0 {
		t.Errorf("admission score = %v, want a positive score", fields["score"])
	}
}

func TestCache_PromoteRequestNotAttached(t *testing.T) {
	c := NewRamCache(10)
	cell := ramCell("k", 1)
	got, err := c.PromoteRequest(context.Background(), cell)
	if !errors.Is(err, ErrNotAttached) {
		t.Errorf("PromoteRequest() error = %v, want ErrNotAttached", err)
	}
	if got != Cell(cell) {
		t.Error("PromoteRequest() should return the original cell")
	}
}
