// Package tiercachefx provides an fx module for a Ram/Disk/Cloud tier hierarchy.
package tiercachefx

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/tiercache"
	"github.com/discochess/tiercache/internal/codec"
	"github.com/discochess/tiercache/internal/codec/gzipcodec"
	"github.com/discochess/tiercache/internal/codec/noopcodec"
	"github.com/discochess/tiercache/internal/codec/zstdcodec"
	"github.com/discochess/tiercache/internal/stats"
	"github.com/discochess/tiercache/internal/stats/logger"
	"github.com/discochess/tiercache/internal/stats/prometheus"
	"github.com/discochess/tiercache/internal/store"
	"github.com/discochess/tiercache/internal/store/diskstore"
	"github.com/discochess/tiercache/internal/store/resilientstore"
)

// Default capacities in bytes.
const (
	DefaultRamCapacity   = 64 << 20
	DefaultDiskCapacity  = 1 << 30
	DefaultCloudCapacity = 16 << 30
)

// Config holds configuration for the hierarchy.
type Config struct {
	// DataDir is the directory disk cells are written to.
	DataDir string

	// Per-tier byte budgets. Zero selects the default.
	RamCapacity   int64
	DiskCapacity  int64
	CloudCapacity int64

	// Codec compresses disk and remote payloads: "zstd" (default), "gzip" or "none".
	Codec string

	// RerankInterval is the periodic re-rank period of each cache.
	// Zero selects the library default.
	RerankInterval time.Duration

	// SweepInterval enables the background promotion sweep when positive.
	SweepInterval time.Duration
}

// Module provides a *tiercache.Hierarchy whose caches run for the lifetime
// of the application. Requires a Config and a *zap.Logger.
//
// A store.ObjectStore, if provided, backs the cloud tier; without one,
// cells are never demoted past disk. A prometheus.Registerer, if provided,
// receives the cache metrics; otherwise they are logged at debug level.
var Module = fx.Module("tiercache",
	fx.Provide(
		newStatsCollector,
		newHierarchy,
	),
)

// CollectorParams holds dependencies for choosing a metrics sink.
type CollectorParams struct {
	fx.In

	Logger     *zap.Logger
	Registerer promclient.Registerer `optional:"true"`
}

func newStatsCollector(p CollectorParams) stats.Collector {
	if p.Registerer != nil {
		return prometheus.New(p.Registerer)
	}
	return logger.New(p.Logger.Named("tiercache.stats"))
}

// Params holds dependencies for creating the hierarchy.
type Params struct {
	fx.In

	Config    Config
	Logger    *zap.Logger
	Collector stats.Collector
	Remote    store.ObjectStore `optional:"true"`
	Lifecycle fx.Lifecycle
}

// Result holds the provided hierarchy.
type Result struct {
	fx.Out

	Hierarchy *tiercache.Hierarchy
}

func newHierarchy(p Params) (Result, error) {
	cfg := p.Config

	c, err := CodecByName(cfg.Codec)
	if err != nil {
		return Result{}, err
	}
	disk, err := diskstore.New(cfg.DataDir, c)
	if err != nil {
		return Result{}, err
	}

	log := p.Logger.Named("tiercache")
	opts := []tiercache.Option{
		tiercache.WithLogger(log),
		tiercache.WithStats(p.Collector),
		tiercache.WithSweepInterval(cfg.SweepInterval),
	}
	if cfg.RerankInterval > 0 {
		opts = append(opts, tiercache.WithRerankInterval(cfg.RerankInterval))
	}

	var remote store.ObjectStore
	if p.Remote != nil {
		remote, err = resilientstore.New(p.Remote,
			resilientstore.WithLogger(log.Named("remote")),
			resilientstore.WithCollector(p.Collector),
		)
		if err != nil {
			return Result{}, err
		}
	}

	h, err := tiercache.NewHierarchy(
		tiercache.NewMedia(disk, remote, opts...),
		tiercache.NewRamCache(orDefault(cfg.RamCapacity, DefaultRamCapacity), opts...),
		tiercache.NewDiskCache(orDefault(cfg.DiskCapacity, DefaultDiskCapacity), opts...),
		tiercache.NewCloudCache(orDefault(cfg.CloudCapacity, DefaultCloudCapacity), opts...),
		opts...,
	)
	if err != nil {
		return Result{}, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			h.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			h.Stop()
			return nil
		},
	})

	return Result{Hierarchy: h}, nil
}

// CodecByName returns the codec selected by a Config.Codec value.
func CodecByName(name string) (codec.Codec, error) {
	switch name {
	case "", "zstd":
		return zstdcodec.New(), nil
	case "gzip":
		return gzipcodec.New(), nil
	case "none":
		return noopcodec.New(), nil
	default:
		return nil, fmt.Errorf("tiercachefx: unknown codec %q", name)
	}
}

func orDefault(v, def int64) int64 {
	if v > 0 {
		return v
	}
	return def
}
