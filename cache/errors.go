package cache

import "errors"

// ErrNoCacheSpace is returned when storage for a new entry could not be
// allocated. Retriable: the caller may call MakeSpace or simply read
// without caching.
var ErrNoCacheSpace = errors.New("cache: no space for cache entry")
