package cache

import (
	"log/slog"
	"time"

	"github.com/IvanBrykalov/datacache/fileid"
	"github.com/IvanBrykalov/datacache/memory"
)

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

type realClock struct{}

func (realClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// VerifyHook is invoked on every exclusive→shared transition, while the
// entry already has a read pin. Use for integrity checks on loaded data.
type VerifyHook func(entry *CacheEntry)

// Options configures the cache. Zero values are safe; defaults are applied
// in New():
//   - NumShards <= 0 => 16; otherwise rounded up to a power of two
//   - nil FileIDs    => fileid.Default()
//   - nil Logger     => slog.Default()
//   - nil Clock      => time.Now()
type Options struct {
	// Allocator supplies page memory. Required.
	Allocator memory.Allocator

	// NumShards partitions the key space. Rounded up to a power of two.
	NumShards int

	// SsdCache, if non-nil, is the SSD tier offered write batches of
	// saveable entries. Nil disables SSD candidacy entirely.
	SsdCache SsdCache

	// FileIDs interns file numbers. Entries hold leases on their file id
	// for their resident lifetime.
	FileIDs *fileid.Interner

	// VerifyHook is called on each exclusive→shared transition.
	VerifyHook VerifyHook

	// Logger receives rare diagnostics (allocation backoff, SSD save
	// gating, superseded entries).
	Logger *slog.Logger

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock
}
