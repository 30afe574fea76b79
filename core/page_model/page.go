package pagemodel

import (
	"sync"
	"sync/atomic"
)

// --- Page Descriptors ---

const (
	// PageShift is log2 of the base frame size.
	PageShift = 12
	// PageSize is the base frame size in bytes. Frames of higher orders
	// are PageSize << order bytes.
	PageSize = 1 << PageShift
)

// PFN identifies a physical frame.
type PFN uint64

// InvalidPFN indicates an unallocated or torn-down descriptor.
const InvalidPFN PFN = 0

// Flag is one bit of page status. The set mirrors the status bits the
// exchange protocol must carry across a content swap.
type Flag uint32

const (
	FlagError Flag = 1 << iota
	FlagReferenced
	FlagUptodate
	FlagActive
	FlagUnevictable
	FlagChecked
	FlagMappedToDisk
	FlagDirty
	FlagYoung
	FlagIdle
	FlagSwapCached
	FlagWriteback
	FlagDoubleMap
	FlagSwapBacked
	FlagPrivate
)

// LRUKind says which eviction list a page sits on, if any.
type LRUKind int

const (
	LRUNone LRUKind = iota
	LRUActive
	LRUInactive
)

// Page is an in-memory descriptor for one physical frame.
//
// The latch is the sole serialization primitive for mutating the page's
// mapping, index and flags during an exchange. The reference count is
// managed separately with atomic transitions so that concurrent lookups
// can take speculative references without the latch.
type Page struct {
	pfn   PFN
	order int
	data  []byte

	node  *Node
	memcg *AccountGroup

	refs     atomic.Int64
	mapCount atomic.Int64

	latch sync.Mutex

	// mu protects flags, mapping, index, numaHint and the writeback
	// waiter below. It is a leaf lock, never held across calls out.
	mu       sync.Mutex
	wbDone   *sync.Cond
	flags    Flag
	mapping  *AddressSpace
	index    uint64
	numaHint int

	// privatePinned marks fs-private metadata that cannot be dropped.
	privatePinned bool

	// lru state, guarded by the owning node's list mutex.
	lru lruState

	// rmapMu protects the reverse-mapping entries of this page.
	rmapMu sync.Mutex
	rmap   []*PTE
}

// NewPage allocates a descriptor plus its data frame. The new page starts
// with one reference, the one its eviction list (or isolator) holds.
func NewPage(pfn PFN, order int) *Page {
	p := &Page{
		pfn:      pfn,
		order:    order,
		data:     make([]byte, PageSize<<order),
		numaHint: -1,
	}
	p.wbDone = sync.NewCond(&p.mu)
	p.refs.Store(1)
	return p
}

func (p *Page) PFN() PFN          { return p.pfn }
func (p *Page) Order() int        { return p.order }
func (p *Page) Size() int         { return len(p.data) }
func (p *Page) Data() []byte      { return p.data }
func (p *Page) Node() *Node       { return p.node }
func (p *Page) Memcg() *AccountGroup {
	return p.memcg
}

// BasePages is the number of base-order frames this page spans.
func (p *Page) BasePages() int { return 1 << p.order }

// --- Reference counting ---

func (p *Page) RefCount() int { return int(p.refs.Load()) }

// Get takes an additional reference.
func (p *Page) Get() { p.refs.Add(1) }

// RefAdd adjusts the count by n. Used when a mapping structure absorbs
// or releases a cache reference during an exchange.
func (p *Page) RefAdd(n int) { p.refs.Add(int64(n)) }

// TryGet takes a reference unless the count is zero (page freed or
// frozen). This is the only safe way to reference a page not already
// pinned by the caller.
func (p *Page) TryGet() bool {
	for {
		c := p.refs.Load()
		if c == 0 {
			return false
		}
		if p.refs.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// Put drops one reference. When the last reference goes away the frame
// is released back to its node's accounting.
func (p *Page) Put() {
	if p.refs.Add(-1) == 0 {
		p.release()
	}
}

// Freeze atomically transitions the count from expected to zero, taking
// exclusive ownership of the counter. While frozen, TryGet fails, which
// keeps concurrent index lookups from acquiring the page mid-exchange.
func (p *Page) Freeze(expected int) bool {
	return p.refs.CompareAndSwap(int64(expected), 0)
}

// Unfreeze publishes a new count after a Freeze.
func (p *Page) Unfreeze(count int) {
	p.refs.Store(int64(count))
}

func (p *Page) release() {
	if p.node != nil {
		p.node.detachPage(p)
	}
	if p.memcg != nil {
		p.memcg.uncharge(p)
	}
}

// --- Map count ---

func (p *Page) MapCount() int  { return int(p.mapCount.Load()) }
func (p *Page) Mapped() bool   { return p.mapCount.Load() > 0 }

// --- Latch ---

// Lock acquires the page latch, blocking until available.
func (p *Page) Lock() { p.latch.Lock() }

// TryLock attempts the page latch without blocking.
func (p *Page) TryLock() bool { return p.latch.TryLock() }

// Unlock releases the page latch.
func (p *Page) Unlock() { p.latch.Unlock() }

// --- Flags ---

func (p *Page) TestFlag(f Flag) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flags&f != 0
}

func (p *Page) SetFlag(f Flag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flags |= f
}

func (p *Page) ClearFlag(f Flag) {
	p.mu.Lock()
	wake := f&FlagWriteback != 0 && p.flags&FlagWriteback != 0
	p.flags &^= f
	p.mu.Unlock()
	if wake {
		p.wbDone.Broadcast()
	}
}

// TestClearFlag reads and clears f in one step, the way deferred flag
// snapshots are captured during a metadata exchange.
func (p *Page) TestClearFlag(f Flag) bool {
	p.mu.Lock()
	set := p.flags&f != 0
	wake := set && f&FlagWriteback != 0
	p.flags &^= f
	p.mu.Unlock()
	if wake {
		p.wbDone.Broadcast()
	}
	return set
}

// WaitWriteback blocks until any in-flight writeback completes.
func (p *Page) WaitWriteback() {
	p.mu.Lock()
	for p.flags&FlagWriteback != 0 {
		p.wbDone.Wait()
	}
	p.mu.Unlock()
}

// --- NUMA hint ---

// NumaHintExchange swaps in a new access hint and returns the previous
// one, preserving locality information across migrations.
func (p *Page) NumaHintExchange(hint int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.numaHint
	p.numaHint = hint
	return old
}

// --- Mapping identity ---

// Mapping returns the owning address space, nil for anonymous pages.
func (p *Page) Mapping() *AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapping
}

// Index returns the page's offset within its owning mapping.
func (p *Page) Index() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

// SetIndex is used by the remap step to temporarily restore the
// pre-exchange index so reverse-map walks resolve the right range.
// Caller must hold the page latch.
func (p *Page) SetIndex(idx uint64) {
	p.mu.Lock()
	p.index = idx
	p.mu.Unlock()
}

// SetMappingIdentity installs both identity fields at once. Caller must
// hold the page latch (and the index lock for file-backed mappings).
func (p *Page) SetMappingIdentity(m *AddressSpace, idx uint64) {
	p.mu.Lock()
	p.mapping = m
	p.index = idx
	p.mu.Unlock()
}

// ExchangeMemcg swaps the accounting-group ownership of two pages and
// re-points the usage charges accordingly. Caller must hold both page
// latches.
func ExchangeMemcg(a, b *Page) {
	if a.memcg == b.memcg {
		return
	}
	if a.memcg != nil {
		a.memcg.uncharge(a)
	}
	if b.memcg != nil {
		b.memcg.uncharge(b)
	}
	a.memcg, b.memcg = b.memcg, a.memcg
	if a.memcg != nil {
		a.memcg.charge(a)
	}
	if b.memcg != nil {
		b.memcg.charge(b)
	}
}
