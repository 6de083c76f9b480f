package tiercache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/discochess/tiercache/internal/store"
	"github.com/discochess/tiercache/internal/store/diskstore"
)

// Media holds the backing stores for the disk and cloud tiers. It builds
// cells for those tiers and converts cells between tiers.
// Either store may be nil, in which case that tier cannot be targeted.
type Media struct {
	disk        *diskstore.Store
	remote      store.ObjectStore
	spillPrefix string
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewMedia returns media backed by disk and remote.
func NewMedia(disk *diskstore.Store, remote store.ObjectStore, opts ...Option) *Media {
	cfg := buildOptions(opts)
	return &Media{
		disk:        disk,
		remote:      remote,
		spillPrefix: cfg.spillPrefix,
		logger:      cfg.logger,
		tracer:      cfg.tracer,
	}
}

// Supports reports whether cells can be created in tier.
func (m *Media) Supports(tier Tier) bool {
	switch tier {
	case TierRam:
		return true
	case TierDisk:
		return m.disk != nil
	case TierCloud:
		return m.remote != nil
	default:
		return false
	}
}

// NewDiskCell writes data to disk and returns a cell referencing it.
func (m *Media) NewDiskCell(ctx context.Context, key string, data []byte) (*DiskCell, error) {
	if m.disk == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMedium, TierDisk)
	}

	path, err := m.disk.Write(ctx, key, data)
	if err != nil {
		return nil, backingErr(TierDisk, key, "write", err)
	}
	size, err := m.disk.Size(path)
	if err != nil {
		m.disk.Remove(path)
		return nil, backingErr(TierDisk, key, "stat", err, diskstore.ErrNotFound)
	}

	return &DiskCell{
		key:   key,
		stats: NewEntryStats(size, time.Now()),
		disk:  m.disk,
		sized: sizeWatch{size: size},
		path:  path,
	}, nil
}

// RemoteCell returns an unresolved cell that reads key from the remote
// store. The cell does not own the remote object; deleting the cell leaves
// it in place.
func (m *Media) RemoteCell(key string) (*CloudCell, error) {
	if m.remote == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMedium, TierCloud)
	}
	remote := m.remote
	return NewCloudCell(key, func(ctx context.Context) ([]byte, error) {
		return remote.GetObject(ctx, key)
	}), nil
}

// spill uploads data under a fresh spill key and returns a cell that owns
// the uploaded object.
func (m *Media) spill(ctx context.Context, key string, data []byte) (*CloudCell, error) {
	if m.remote == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMedium, TierCloud)
	}

	objectKey := m.spillPrefix + key + "/" + uuid.NewString()
	if err := m.remote.PutObject(ctx, objectKey, data); err != nil {
		return nil, backingErr(TierCloud, key, "spill", err)
	}

	remote := m.remote
	fetch := func(ctx context.Context) ([]byte, error) {
		return remote.GetObject(ctx, objectKey)
	}
	release := func(ctx context.Context) error {
		return remote.DeleteObject(ctx, objectKey)
	}
	return newCloudCell(key, fetch, release), nil
}

// conversion identifies a morph direction.
type conversion struct {
	from, to Tier
}

// convertFunc builds a cell in the target tier from the source payload.
type convertFunc func(ctx context.Context, m *Media, key string, data []byte) (Cell, error)

var conversions = map[conversion]convertFunc{
	{TierRam, TierDisk}:   toDisk,
	{TierCloud, TierDisk}: toDisk,
	{TierDisk, TierRam}:   toRam,
	{TierCloud, TierRam}:  toRam,
	{TierRam, TierCloud}:  toCloud,
	{TierDisk, TierCloud}: toCloud,
}

func toRam(_ context.Context, _ *Media, key string, data []byte) (Cell, error) {
	return NewRamCell(key, data), nil
}

func toDisk(ctx context.Context, m *Media, key string, data []byte) (Cell, error) {
	return m.NewDiskCell(ctx, key, data)
}

func toCloud(ctx context.Context, m *Media, key string, data []byte) (Cell, error) {
	return m.spill(ctx, key, data)
}

// Morph returns a new cell in tier to carrying src's key, payload and a copy
// of its stats. src is left intact; the caller retires it, normally by
// removing it from its cache. Failures are reported as *ConversionError.
func (m *Media) Morph(ctx context.Context, src Cell, to Tier) (Cell, error) {
	from := src.Tier()
	ctx, span := m.tracer.Start(ctx, "tiercache.Morph", trace.WithAttributes(
		attribute.String("key", src.Key()),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
	defer span.End()

	dst, err := m.morph(ctx, src, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &ConversionError{Key: src.Key(), From: from, To: to, Err: err}
	}
	return dst, nil
}

func (m *Media) morph(ctx context.Context, src Cell, to Tier) (Cell, error) {
	convert, ok := conversions[conversion{src.Tier(), to}]
	if !ok {
		return nil, errors.New("unsupported conversion")
	}

	data, err := src.Read(ctx)
	if err != nil {
		return nil, err
	}
	dst, err := convert(ctx, m, src.Key(), data)
	if err != nil {
		return nil, err
	}

	size, err := dst.Size()
	if err != nil {
		dst.Delete()
		return nil, err
	}
	stats := src.Stats().Clone()
	stats.SetSize(size)
	setStats(dst, stats)

	m.logger.Debug("cell morphed",
		zap.String("key", src.Key()),
		zap.Stringer("from", src.Tier()),
		zap.Stringer("to", to),
		zap.Int64("size", size),
	)
	return dst, nil
}

// setStats replaces the stats of a freshly built cell.
func setStats(c Cell, s *EntryStats) {
	switch c := c.(type) {
	case *RamCell:
		c.stats = s
	case *DiskCell:
		c.stats = s
	case *CloudCell:
		c.stats = s
	}
}
