// Package tiercache provides a capacity-bounded, multi-tier cache whose
// entries ("cells") live in memory, on disk, or behind a deferred remote
// fetch, and migrate between those tiers as their access scores change.
//
// Example usage:
//
//	disk, err := diskstore.New("/var/cache/tiercache", zstdcodec.New())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	media := tiercache.NewMedia(disk, remote)
//	h, err := tiercache.NewHierarchy(media,
//	    tiercache.NewRamCache(64<<20),
//	    tiercache.NewDiskCache(1<<30),
//	    tiercache.NewCloudCache(8<<30),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	h.Start()
//	defer h.Stop()
//
//	if err := h.Put(ctx, "reports/2024.csv", data); err != nil {
//	    log.Fatal(err)
//	}
//	data, tier, err := h.Get(ctx, "reports/2024.csv")
package tiercache

// Tier identifies a backing medium. Tiers are ordered from fastest to
// slowest, and cross-tier moves lock caches in that order.
type Tier int

// Supported tiers.
const (
	TierRam Tier = iota
	TierDisk
	TierCloud
)

// tiers lists every tier in lock order.
var tiers = [...]Tier{TierRam, TierDisk, TierCloud}

// String returns the lowercase tier name, used as the metrics label.
func (t Tier) String() string {
	switch t {
	case TierRam:
		return "ram"
	case TierDisk:
		return "disk"
	case TierCloud:
		return "cloud"
	default:
		return "unknown"
	}
}
