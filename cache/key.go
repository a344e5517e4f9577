package cache

import (
	"github.com/IvanBrykalov/datacache/fileid"
	"github.com/IvanBrykalov/datacache/internal/util"
)

// RawFileCacheKey addresses one cached byte range: an interned file number
// plus the range's starting offset in the file. A key is valid iff
// FileNum != 0. Raw keys carry no reference on the file id; they are only
// safe to use while the caller holds the id alive some other way.
type RawFileCacheKey struct {
	FileNum uint64
	Offset  uint64
}

func (k RawFileCacheKey) hash() uint64 {
	return util.Fnv64aPair(k.FileNum, k.Offset)
}

// FileCacheKey is the owning form of a key held by a resident entry: the
// file number is a refcounted lease so the id stays live for the entry's
// lifetime. Clearing the lease makes the entry unaddressable.
type FileCacheKey struct {
	FileNum fileid.Lease
	Offset  uint64
}

func (k *FileCacheKey) raw() RawFileCacheKey {
	return RawFileCacheKey{FileNum: k.FileNum.ID(), Offset: k.Offset}
}
