package tiercache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func sourceCell(t *testing.T, m *Media, tier Tier, key string, data []byte) Cell {
	t.Helper()
	switch tier {
	case TierRam:
		return NewRamCell(key, data)
	case TierDisk:
		c, err := m.NewDiskCell(context.Background(), key, data)
		if err != nil {
			t.Fatalf("NewDiskCell() error = %v", err)
		}
		return c
	default:
		return NewCloudCell(key, func(ctx context.Context) ([]byte, error) {
			return data, nil
		})
	}
}

func TestMedia_Morph(t *testing.T) {
	payload := []byte("the same bytes in every tier")

	tests := []struct {
		from, to Tier
	}{
		{TierRam, TierDisk},
		{TierRam, TierCloud},
		{TierDisk, TierRam},
		{TierDisk, TierCloud},
		{TierCloud, TierRam},
		{TierCloud, TierDisk},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"_to_"+tt.to.String(), func(t *testing.T) {
			ctx := context.Background()
			m, _ := newTestMedia(t)
			src := sourceCell(t, m, tt.from, "k", payload)

			want, err := src.Read(ctx)
			if err != nil {
				t.Fatalf("source Read() error = %v", err)
			}

			dst, err := m.Morph(ctx, src, tt.to)
			if err != nil {
				t.Fatalf("Morph() error = %v", err)
			}
			if dst.Tier() != tt.to {
				t.Errorf("Tier() = %v, want %v", dst.Tier(), tt.to)
			}
			if dst.Key() != "k" {
				t.Errorf("Key() = %q, want %q", dst.Key(), "k")
			}

			got, err := dst.Read(ctx)
			if err != nil {
				t.Fatalf("destination Read() error = %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("destination Read() = %q, want %q", got, want)
			}
		})
	}
}

func TestMedia_MorphCarriesStats(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMedia(t)

	src := NewRamCell("k", []byte("payload"))
	hitAt := time.Now().Add(-time.Minute)
	src.Stats().RecordHit(hitAt)
	src.Stats().RecordHit(hitAt)

	dst, err := m.Morph(ctx, src, TierDisk)
	if err != nil {
		t.Fatalf("Morph() error = %v", err)
	}
	if dst.Stats() == src.Stats() {
		t.Fatal("Morph() shared stats with the source")
	}
	if dst.Stats().HitCount() != 2 {
		t.Errorf("HitCount() = %d, want 2", dst.Stats().HitCount())
	}
	if !dst.Stats().LastHit().Equal(hitAt) {
		t.Errorf("LastHit() = %v, want %v", dst.Stats().LastHit(), hitAt)
	}
	size, _ := dst.Size()
	if dst.Stats().Size() != size {
		t.Errorf("Stats().Size() = %d, want %d", dst.Stats().Size(), size)
	}
}

func TestMedia_MorphLeavesSourceIntact(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMedia(t)
	src := NewRamCell("k", []byte("still here"))

	if _, err := m.Morph(ctx, src, TierDisk); err != nil {
		t.Fatalf("Morph() error = %v", err)
	}
	got, err := src.Read(ctx)
	if err != nil || string(got) != "still here" {
		t.Errorf("source Read() = %q, %v", got, err)
	}
}

func TestMedia_MorphErrors(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMedia(t)
	noRemote := NewMedia(m.disk, nil)

	failing := NewCloudCell("k", func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("unreachable")
	})

	tests := []struct {
		name  string
		media *Media
		src   Cell
		to    Tier
		want  error
	}{
		{"same tier", m, NewRamCell("k", []byte("x")), TierRam, nil},
		{"no remote", noRemote, NewRamCell("k", []byte("x")), TierCloud, ErrNoMedium},
		{"unreadable source", m, failing, TierRam, ErrBackingStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.media.Morph(ctx, tt.src, tt.to)

			var ce *ConversionError
			if !errors.As(err, &ce) {
				t.Fatalf("Morph() error = %v, want *ConversionError", err)
			}
			if !errors.Is(err, ErrConversion) {
				t.Errorf("errors.Is(err, ErrConversion) = false")
			}
			if ce.From != tt.src.Tier() || ce.To != tt.to {
				t.Errorf("ConversionError = %+v", ce)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Morph() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMedia_SpillOwnsObject(t *testing.T) {
	ctx := context.Background()
	m, remote := newTestMedia(t, WithSpillPrefix("spill/"))

	dst, err := m.Morph(ctx, NewRamCell("k", []byte("spilled")), TierCloud)
	if err != nil {
		t.Fatalf("Morph() error = %v", err)
	}
	if remote.Len() != 1 {
		t.Fatalf("remote objects = %d, want 1", remote.Len())
	}
	if size, _ := dst.Size(); size != 0 {
		t.Errorf("Size() of unresolved spill = %d, want 0", size)
	}

	if err := dst.Delete(); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if remote.Len() != 0 {
		t.Errorf("remote objects after Delete() = %d, want 0", remote.Len())
	}
}
