// Package resilientstore wraps an object store with retries, a circuit
// breaker and tracing.
package resilientstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/discochess/tiercache/internal/retrier"
	"github.com/discochess/tiercache/internal/stats"
	"github.com/discochess/tiercache/internal/store"
)

const tracerName = "github.com/discochess/tiercache/internal/store/resilientstore"

// Compile-time check that Store implements store.ObjectStore.
var _ store.ObjectStore = (*Store)(nil)

// DefaultBreakerSettings trips after five consecutive failures and probes
// again after thirty seconds.
func DefaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "tiercache-remote",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
}

// Store decorates an ObjectStore.
type Store struct {
	inner     store.ObjectStore
	breaker   *gobreaker.CircuitBreaker
	retrier   *retrier.Retrier
	tracer    trace.Tracer
	logger    *zap.Logger
	collector stats.Collector
	tier      string
}

type options struct {
	breaker   gobreaker.Settings
	retry     retrier.Config
	tracer    trace.Tracer
	logger    *zap.Logger
	collector stats.Collector
	tier      string
}

// Option configures a Store.
type Option func(*options)

// WithBreakerSettings replaces the circuit breaker settings.
func WithBreakerSettings(s gobreaker.Settings) Option {
	return func(o *options) { o.breaker = s }
}

// WithRetryConfig replaces the retry parameters. Retryable is always
// overridden so that missing objects and cancellations are never retried.
func WithRetryConfig(cfg retrier.Config) Option {
	return func(o *options) { o.retry = cfg }
}

// WithTracer sets the tracer. Defaults to the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCollector records fetch latencies.
func WithCollector(c stats.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithTier sets the tier label used for metrics. Defaults to "cloud".
func WithTier(tier string) Option {
	return func(o *options) { o.tier = tier }
}

// New wraps inner.
func New(inner store.ObjectStore, opts ...Option) (*Store, error) {
	o := options{
		breaker:   DefaultBreakerSettings(),
		retry:     retrier.DefaultConfig(),
		tracer:    otel.Tracer(tracerName),
		logger:    zap.NewNop(),
		collector: stats.NewNoop(),
		tier:      "cloud",
	}
	for _, opt := range opts {
		opt(&o)
	}

	o.retry.Retryable = retryable
	r, err := retrier.New(o.retry)
	if err != nil {
		return nil, fmt.Errorf("configuring retrier: %w", err)
	}

	o.breaker.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, store.ErrNotFound)
	}

	return &Store{
		inner:     inner,
		breaker:   gobreaker.NewCircuitBreaker(o.breaker),
		retrier:   r,
		tracer:    o.tracer,
		logger:    o.logger,
		collector: o.collector,
		tier:      o.tier,
	}, nil
}

// GetObject fetches key through the breaker, retrying transient failures.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "ObjectStore.GetObject", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	start := time.Now()
	var data []byte
	err := s.execute(ctx, func() error {
		var err error
		data, err = s.inner.GetObject(ctx, key)
		return err
	})
	s.collector.ObserveHistogram(stats.MetricRemoteFetchSeconds, s.tier, time.Since(start).Seconds())

	if err != nil {
		s.fail(span, "get", key, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("bytes", len(data)))
	return data, nil
}

// PutObject uploads data through the breaker, retrying transient failures.
func (s *Store) PutObject(ctx context.Context, key string, data []byte) error {
	ctx, span := s.tracer.Start(ctx, "ObjectStore.PutObject",
		trace.WithAttributes(attribute.String("key", key), attribute.Int("bytes", len(data))))
	defer span.End()

	err := s.execute(ctx, func() error {
		return s.inner.PutObject(ctx, key, data)
	})
	if err != nil {
		s.fail(span, "put", key, err)
	}
	return err
}

// DeleteObject removes key through the breaker, retrying transient failures.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	ctx, span := s.tracer.Start(ctx, "ObjectStore.DeleteObject", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	err := s.execute(ctx, func() error {
		return s.inner.DeleteObject(ctx, key)
	})
	if err != nil {
		s.fail(span, "delete", key, err)
	}
	return err
}

// State reports the circuit breaker state.
func (s *Store) State() gobreaker.State {
	return s.breaker.State()
}

// Close closes the wrapped store.
func (s *Store) Close() error {
	return s.inner.Close()
}

func (s *Store) execute(ctx context.Context, fn func() error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.retrier.Run(ctx, fn)
	})
	return err
}

func (s *Store) fail(span trace.Span, op, key string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Warn("remote store operation failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
