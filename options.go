package tiercache

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/discochess/tiercache/internal/retrier"
	"github.com/discochess/tiercache/internal/stats"
)

const tracerName = "github.com/discochess/tiercache"

// Option configures a Cache, Media or Hierarchy. Each constructor reads the
// settings that apply to it and ignores the rest.
type Option interface {
	apply(*options)
}

// options holds the shared configuration.
type options struct {
	logger         *zap.Logger
	stats          stats.Collector
	clock          func() time.Time
	tracer         trace.Tracer
	rerankInterval time.Duration
	admitTimeout   time.Duration
	ghostSize      int
	spillPrefix    string
	sweepInterval  time.Duration
	thresholds     map[Tier]Thresholds
	readRetry      retrier.Config
}

// defaultOptions returns the default configuration.
func defaultOptions() options {
	return options{
		logger:         zap.NewNop(),
		stats:          stats.NewNoop(),
		clock:          time.Now,
		tracer:         otel.Tracer(tracerName),
		rerankInterval: 30 * time.Second,
		admitTimeout:   5 * time.Second,
		ghostSize:      1024,
		spillPrefix:    ".tiercache/",
		thresholds:     DefaultThresholds(),
		readRetry: retrier.Config{
			MaxAttempts: 2,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    100 * time.Millisecond,
			Factor:      2,
			Jitter:      0.1,
		},
	}
}

func buildOptions(opts []Option) options {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return cfg
}

// optionFunc wraps a function to implement Option.
type optionFunc func(*options)

// Compile-time check that optionFunc implements Option.
var _ Option = optionFunc(nil)

func (f optionFunc) apply(o *options) { f(o) }

// WithLogger sets the logger.
// If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *options) {
		if l != nil {
			o.logger = l
		}
	})
}

// WithStats sets the stats collector.
// If not set, a no-op collector is used.
func WithStats(c stats.Collector) Option {
	return optionFunc(func(o *options) {
		if c != nil {
			o.stats = c
		}
	})
}

// WithClock replaces time.Now for scoring.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(o *options) {
		if now != nil {
			o.clock = now
		}
	})
}

// WithTracer sets the tracer used for morph and migration spans.
func WithTracer(t trace.Tracer) Option {
	return optionFunc(func(o *options) {
		if t != nil {
			o.tracer = t
		}
	})
}

// WithRerankInterval sets how often the periodic re-rank runs.
// Default is 30s.
func WithRerankInterval(d time.Duration) Option {
	return optionFunc(func(o *options) {
		if d > 0 {
			o.rerankInterval = d
		}
	})
}

// WithAdmitTimeout bounds how long Set waits for a forced re-rank.
// Default is 5s.
func WithAdmitTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) {
		if d > 0 {
			o.admitTimeout = d
		}
	})
}

// WithGhostSize sets how many evicted keys are remembered to detect
// re-admission. Zero disables tracking. Default is 1024.
func WithGhostSize(n int) Option {
	return optionFunc(func(o *options) {
		o.ghostSize = n
	})
}

// WithSpillPrefix sets the remote key prefix for payloads demoted to the
// cloud tier. Default is ".tiercache/".
func WithSpillPrefix(prefix string) Option {
	return optionFunc(func(o *options) {
		o.spillPrefix = prefix
	})
}

// WithThresholds overrides the promotion thresholds for one tier.
func WithThresholds(tier Tier, th Thresholds) Option {
	return optionFunc(func(o *options) {
		m := make(map[Tier]Thresholds, len(o.thresholds)+1)
		for k, v := range o.thresholds {
			m[k] = v
		}
		m[tier] = th
		o.thresholds = m
	})
}

// WithReadRetry sets the retry policy for reads through a Hierarchy.
// Only temporary backing store failures are retried.
func WithReadRetry(cfg retrier.Config) Option {
	return optionFunc(func(o *options) {
		o.readRetry = cfg
	})
}

// WithSweepInterval makes a started Hierarchy issue promotion requests for
// every cell at the given interval. Zero, the default, disables sweeping.
func WithSweepInterval(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.sweepInterval = d
	})
}
