package pagemodel

import (
	"fmt"
	"sync"
)

// AddressSpace is the authoritative index structure of a file-backed
// mapping: offsets resolve to pages through it. Anonymous pages carry a
// nil mapping and are found only through page tables.
type AddressSpace struct {
	name       string
	fileBacked bool
	dirtyAccounted bool

	mu    sync.Mutex
	pages map[uint64]*Page
}

// NewAddressSpace creates an index structure. dirtyAccounted marks
// mappings whose dirty pages participate in per-node dirty accounting.
func NewAddressSpace(name string, dirtyAccounted bool) *AddressSpace {
	return &AddressSpace{
		name:           name,
		fileBacked:     true,
		dirtyAccounted: dirtyAccounted,
		pages:          make(map[uint64]*Page),
	}
}

func (as *AddressSpace) Name() string        { return as.name }
func (as *AddressSpace) FileBacked() bool    { return as.fileBacked }
func (as *AddressSpace) DirtyAccounted() bool { return as.dirtyAccounted }

// LockIndex serializes index mutation and the refcount freeze window of
// an exchange. It is the xas-lock analogue.
func (as *AddressSpace) LockIndex()   { as.mu.Lock() }
func (as *AddressSpace) UnlockIndex() { as.mu.Unlock() }

// EntryLocked returns the page stored at idx. Caller holds the index lock.
func (as *AddressSpace) EntryLocked(idx uint64) *Page {
	return as.pages[idx]
}

// StoreLocked installs p at idx. Caller holds the index lock.
func (as *AddressSpace) StoreLocked(idx uint64, p *Page) {
	as.pages[idx] = p
}

// AddPage registers a page with this mapping at the given offset. The
// index structure holds one cache reference on the page.
func (as *AddressSpace) AddPage(p *Page, idx uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if _, busy := as.pages[idx]; busy {
		return fmt.Errorf("mapping %s: offset %d already populated", as.name, idx)
	}
	as.pages[idx] = p
	p.SetMappingIdentity(as, idx)
	p.Get()
	return nil
}

// Lookup resolves an offset to its page, taking a speculative reference
// the way a concurrent page-cache lookup would. Returns nil when the
// slot is empty or the page is mid-exchange (count frozen).
func (as *AddressSpace) Lookup(idx uint64) *Page {
	as.mu.Lock()
	p := as.pages[idx]
	as.mu.Unlock()
	if p == nil || !p.TryGet() {
		return nil
	}
	return p
}
