package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"text/tabwriter"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/discochess/tiercache"
	"github.com/discochess/tiercache/fx/tiercachefx"
	"github.com/discochess/tiercache/internal/stats"
	"github.com/discochess/tiercache/internal/stats/prometheus"
	"github.com/discochess/tiercache/internal/store"
	"github.com/discochess/tiercache/internal/store/diskstore"
	"github.com/discochess/tiercache/internal/store/resilientstore"
)

// simConfig describes one simulated workload.
type simConfig struct {
	DataDir string
	Codec   string
	Remote  string

	Keys       int
	Ops        int
	Size       int
	Skew       float64
	Seed       uint64
	Step       time.Duration
	SweepEvery int

	RamCapacity   int64
	DiskCapacity  int64
	CloudCapacity int64
}

var sim = simConfig{
	Keys:          2000,
	Ops:           20000,
	Size:          4096,
	Skew:          1.2,
	Seed:          1,
	Step:          time.Second,
	SweepEvery:    500,
	RamCapacity:   1 << 20,
	DiskCapacity:  16 << 20,
	CloudCapacity: 1 << 30,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a skewed read/write workload through the hierarchy",
	Long: `Run a Zipf-distributed workload through a fresh hierarchy.

Each operation reads a key, writing it on a miss. Simulated time advances
by --step per operation so cells age and migrate between tiers. A sweep
runs every --sweep-every operations. Per-tier reports and counters are
printed at the end.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := sim
		cfg.DataDir, cfg.Codec, cfg.Remote = dataDir, codecName, remoteURL
		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()
		return runSimulation(cmd.Context(), cfg, log, cmd.OutOrStdout())
	},
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&sim.Keys, "keys", sim.Keys, "number of distinct keys")
	f.IntVar(&sim.Ops, "ops", sim.Ops, "number of operations")
	f.IntVar(&sim.Size, "size", sim.Size, "payload size in bytes")
	f.Float64Var(&sim.Skew, "skew", sim.Skew, "zipf exponent, must be greater than 1")
	f.Uint64Var(&sim.Seed, "seed", sim.Seed, "random seed")
	f.DurationVar(&sim.Step, "step", sim.Step, "simulated time per operation")
	f.IntVar(&sim.SweepEvery, "sweep-every", sim.SweepEvery, "operations between sweeps, 0 disables")
	f.Int64Var(&sim.RamCapacity, "ram", sim.RamCapacity, "ram tier capacity in bytes")
	f.Int64Var(&sim.DiskCapacity, "disk", sim.DiskCapacity, "disk tier capacity in bytes")
	f.Int64Var(&sim.CloudCapacity, "cloud", sim.CloudCapacity, "cloud tier capacity in bytes")
	rootCmd.AddCommand(simulateCmd)
}

func (c simConfig) validate() error {
	switch {
	case c.Keys < 2:
		return errors.New("keys must be at least 2")
	case c.Ops < 0:
		return errors.New("ops must not be negative")
	case c.Size < 0:
		return errors.New("size must not be negative")
	case c.Skew <= 1:
		return errors.New("skew must be greater than 1")
	}
	return nil
}

// simResult counts where each read was served from.
type simResult struct {
	hits   map[tiercache.Tier]int
	misses int
	sweeps int
	moved  int
}

func runSimulation(ctx context.Context, cfg simConfig, log *zap.Logger, out io.Writer) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	c, err := tiercachefx.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}
	disk, err := diskstore.New(cfg.DataDir, c)
	if err != nil {
		return err
	}

	registry := promclient.NewRegistry()
	collector := prometheus.New(registry)

	remote, err := openRemote(ctx, cfg.Remote, c)
	if err != nil {
		return err
	}
	if remote != nil {
		defer remote.Close()
		remote, err = resilientstore.New(remote,
			resilientstore.WithLogger(log.Named("remote")),
			resilientstore.WithCollector(collector),
		)
		if err != nil {
			return err
		}
	}

	clock := atomic.NewTime(time.Now())
	h, err := newSimHierarchy(disk, remote, cfg, log, collector, clock.Load)
	if err != nil {
		return err
	}
	h.Start()
	defer h.Stop()

	res, err := drive(ctx, h, cfg, clock, log)
	if err != nil {
		return err
	}

	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	return printResult(ctx, out, h, res, families)
}

func newSimHierarchy(disk *diskstore.Store, remote store.ObjectStore, cfg simConfig, log *zap.Logger, collector stats.Collector, now func() time.Time) (*tiercache.Hierarchy, error) {
	opts := []tiercache.Option{
		tiercache.WithLogger(log),
		tiercache.WithStats(collector),
		tiercache.WithClock(now),
	}
	return tiercache.NewHierarchy(
		tiercache.NewMedia(disk, remote, opts...),
		tiercache.NewRamCache(cfg.RamCapacity, opts...),
		tiercache.NewDiskCache(cfg.DiskCapacity, opts...),
		tiercache.NewCloudCache(cfg.CloudCapacity, opts...),
		opts...,
	)
}

func drive(ctx context.Context, h *tiercache.Hierarchy, cfg simConfig, clock *atomic.Time, log *zap.Logger) (simResult, error) {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	zipf := rand.NewZipf(rng, cfg.Skew, 1, uint64(cfg.Keys-1))
	payload := make([]byte, cfg.Size)
	for i := range payload {
		payload[i] = byte(rng.IntN(16))
	}

	res := simResult{hits: make(map[tiercache.Tier]int)}
	for i := 0; i < cfg.Ops; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		clock.Store(clock.Load().Add(cfg.Step))

		key := fmt.Sprintf("key-%06d", zipf.Uint64())
		_, tier, err := h.Get(ctx, key)
		switch {
		case err == nil:
			res.hits[tier]++
		case errors.Is(err, tiercache.ErrKeyNotFound):
			res.misses++
			if err := h.Put(ctx, key, payload); err != nil && !errors.Is(err, tiercache.ErrCapacityExceeded) {
				return res, fmt.Errorf("put %q: %w", key, err)
			}
		default:
			return res, fmt.Errorf("get %q: %w", key, err)
		}

		if cfg.SweepEvery > 0 && (i+1)%cfg.SweepEvery == 0 {
			moved, err := h.Sweep(ctx)
			if err != nil {
				log.Warn("sweep failed", zap.Int("op", i), zap.Error(err))
			}
			res.sweeps++
			res.moved += moved
		}
	}
	return res, nil
}

type reporter interface {
	Rerank(ctx context.Context) error
	Report() tiercache.Report
}

func printResult(ctx context.Context, out io.Writer, h *tiercache.Hierarchy, res simResult, families []*dto.MetricFamily) error {
	migrations := counterByTier(families, stats.MetricMigrations)
	evictions := counterByTier(families, stats.MetricEvictions)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tENTRIES\tUSED\tCAPACITY\tUTIL\tHITS\tMIGRATED IN\tEVICTED\tMEDIAN SCORE")
	for _, c := range []reporter{h.Ram(), h.Disk(), h.Cloud()} {
		if err := c.Rerank(ctx); err != nil {
			return err
		}
		r := c.Report()
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.1f%%\t%d\t%.0f\t%.0f\t%.3f\n",
			r.Tier, r.Entries, formatBytes(r.Used), formatBytes(r.Capacity), 100*r.Utilization(),
			res.hits[r.Tier], migrations[r.Tier.String()], evictions[r.Tier.String()], r.MedianScore)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nMisses: %d  Sweeps: %d  Moved by sweeps: %d\n", res.misses, res.sweeps, res.moved)
	return nil
}

// counterByTier sums the counter named name by its tier label.
func counterByTier(families []*dto.MetricFamily, name string) map[string]float64 {
	totals := make(map[string]float64)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == prometheus.TierLabel {
					totals[lp.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	return totals
}
