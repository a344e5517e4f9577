package cache

// SsdFile identifies one file of the SSD tier holding persisted entries.
type SsdFile interface {
	// FileName returns the backing file's path, for diagnostics.
	FileName() string
}

// GroupStats is the SSD tier's admission filter: it decides which RAM
// entries are worth persisting, based on per-group access tracking.
type GroupStats interface {
	// ShouldSaveToSsd reports whether an entry of the given load group and
	// tracking id passes the admission filter.
	ShouldSaveToSsd(groupID, trackingID uint64) bool

	// UpdateSsdFilter recalibrates the filter to admit roughly targetBytes
	// of the hottest groups.
	UpdateSsdFilter(targetBytes uint64)
}

// SsdCache is the narrow surface of the SSD tier the RAM cache consumes.
// The RAM cache never reads from SSD itself; it only offers write batches
// and honors the write-in-progress flag during eviction.
type SsdCache interface {
	// WriteInProgress reports whether a write batch is outstanding.
	WriteInProgress() bool

	// StartWrite attempts to claim the writer role. Returns true iff this
	// caller now owns the write; the claim is released when the batch
	// passed to Write completes.
	StartWrite() bool

	// Write persists the pinned entries. The SSD tier owns the pins and
	// releases them when done. Must only be called after a successful
	// StartWrite.
	Write(pins []CachePin)

	// MaxBytes returns the SSD tier's capacity.
	MaxBytes() uint64

	// GroupStats returns the admission filter.
	GroupStats() GroupStats

	// Stats returns a snapshot of the tier's counters.
	Stats() SsdCacheStats
}

// SsdCacheStats is a snapshot of the SSD tier's activity.
type SsdCacheStats struct {
	EntriesWritten uint64
	BytesWritten   uint64
	EntriesRead    uint64
	BytesRead      uint64
}
