package cache

// CachePin keeps an entry addressable and non-evictable. A pin owns at most
// one reference; copying the struct does not copy the reference, so pass
// pins by value only when handing ownership over, and use Clone to add a
// reader. Release must be called exactly once per owned reference; Release
// on an empty pin is a no-op.
type CachePin struct {
	entry *CacheEntry
}

// Empty reports whether the pin references no entry.
func (p *CachePin) Empty() bool { return p.entry == nil }

// Entry returns the pinned entry, or nil for an empty pin.
func (p *CachePin) Entry() *CacheEntry { return p.entry }

// checkedEntry returns the entry and panics on an empty pin. Internal paths
// that require a live pin use this instead of nil checks at every step.
func (p *CachePin) checkedEntry() *CacheEntry {
	if p.entry == nil {
		panic("cache: use of empty CachePin")
	}
	return p.entry
}

// Clone returns an additional shared pin on the same entry. Panics if the
// pin is empty or exclusive; exclusive pins are single-owner.
func (p *CachePin) Clone() CachePin {
	e := p.checkedEntry()
	e.addReference()
	return CachePin{entry: e}
}

// Release drops the reference and empties the pin.
func (p *CachePin) Release() {
	if p.entry != nil {
		p.entry.release()
		p.entry = nil
	}
}

func (p *CachePin) setEntry(e *CacheEntry) { p.entry = e }
