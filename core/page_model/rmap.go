package pagemodel

import "sync"

// RmapHandle is a scoped capability over a page's reverse mapping,
// captured before unmapping so page-table entries can be restored
// afterwards. Release must be called exactly once on every exit path;
// it is idempotent to keep rollback chains simple.
type RmapHandle struct {
	page    *Page
	index   uint64
	entries []*PTE

	mu       sync.Mutex
	released bool
}

// AcquireRmap snapshots the reverse mapping of p. Returns nil when the
// page has no page-table references at all, which implies it cannot be
// remapped while the caller holds the page latch.
func AcquireRmap(p *Page) *RmapHandle {
	p.rmapMu.Lock()
	defer p.rmapMu.Unlock()
	if len(p.rmap) == 0 {
		return nil
	}
	entries := make([]*PTE, len(p.rmap))
	copy(entries, p.rmap)
	return &RmapHandle{page: p, index: p.Index(), entries: entries}
}

// Release drops the handle. Idempotent.
func (h *RmapHandle) Release() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.released = true
	h.entries = nil
	h.mu.Unlock()
}

// UnmapPage replaces every page-table entry of p with a migration
// placeholder. Resolvers block on the placeholder until RestorePTEs.
// The references the entries held stay pinned to p for the duration.
// Returns the number of entries converted.
func UnmapPage(p *Page) int {
	p.rmapMu.Lock()
	entries := make([]*PTE, len(p.rmap))
	copy(entries, p.rmap)
	p.rmapMu.Unlock()

	n := 0
	for _, pte := range entries {
		pte.pt.mu.Lock()
		if pte.page == p && !pte.pending {
			pte.pending = true
			p.mapCount.Add(-1)
			n++
		}
		pte.pt.mu.Unlock()
	}
	return n
}

// RestorePTEs re-establishes the page-table entries recorded in h,
// pointing them at target (the original page on rollback, the exchange
// partner on success). The walk depends on the page's current index
// matching the one captured at acquire time; entries outside that range
// are not found. Returns the number of entries restored.
func (h *RmapHandle) RestorePTEs(target *Page) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	entries := h.entries
	h.mu.Unlock()
	if len(entries) == 0 {
		return 0
	}
	// The range walk resolves via the faulting page's index; a swapped
	// index means the captured entries are invisible to the walk.
	if h.page.Index() != h.index {
		return 0
	}

	n := 0
	for _, pte := range entries {
		pte.pt.mu.Lock()
		if pte.page == h.page && pte.pending {
			if target != h.page {
				// The mapping reference moves with the entry.
				target.Get()
				moveRmapEntry(h.page, target, pte)
				pte.page = target
				h.page.Put()
			}
			pte.pending = false
			target.mapCount.Add(1)
			n++
			pte.pt.cond.Broadcast()
		}
		pte.pt.mu.Unlock()
	}
	return n
}

func moveRmapEntry(from, to *Page, pte *PTE) {
	from.rmapMu.Lock()
	for i, e := range from.rmap {
		if e == pte {
			from.rmap = append(from.rmap[:i], from.rmap[i+1:]...)
			break
		}
	}
	from.rmapMu.Unlock()
	to.rmapMu.Lock()
	to.rmap = append(to.rmap, pte)
	to.rmapMu.Unlock()
}

// --- Private filesystem metadata ---

// SetPrivateData attaches filesystem-private metadata to the page.
// pinned models metadata held elsewhere that cannot be dropped.
func (p *Page) SetPrivateData(pinned bool) {
	p.mu.Lock()
	p.flags |= FlagPrivate
	p.privatePinned = pinned
	p.mu.Unlock()
}

// TryReleasePrivate attempts to drop private metadata from a page with
// no owning mapping. Fails when the metadata is held elsewhere.
func (p *Page) TryReleasePrivate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flags&FlagPrivate == 0 {
		return true
	}
	if p.privatePinned {
		return false
	}
	p.flags &^= FlagPrivate
	return true
}

// HasPrivate reports whether fs-private metadata is attached.
func (p *Page) HasPrivate() bool { return p.TestFlag(FlagPrivate) }
