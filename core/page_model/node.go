package pagemodel

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// NodeID identifies a memory node (NUMA node or tier).
type NodeID int

type lruState struct {
	elem *list.Element
	kind LRUKind
}

// Node models one memory node: its capacity accounting and its two
// eviction lists. The list mutex is held only for membership changes,
// never across unmap/copy/remap phases.
type Node struct {
	id       NodeID
	maxPages int64

	mu       sync.Mutex
	active   *list.List
	inactive *list.List

	nrPages    atomic.Int64
	nrIsolated atomic.Int64

	// file-page residency, patched when a mapping exchange moves a
	// file-backed identity across nodes.
	nrFilePages atomic.Int64
	nrFileDirty atomic.Int64
}

// NewNode creates a node that can hold at most maxPages base pages.
func NewNode(id NodeID, maxPages int64) *Node {
	return &Node{
		id:       id,
		maxPages: maxPages,
		active:   list.New(),
		inactive: list.New(),
	}
}

func (n *Node) ID() NodeID      { return n.id }
func (n *Node) MaxPages() int64 { return n.maxPages }

// NrPages is the number of base pages resident on this node.
func (n *Node) NrPages() int64 { return n.nrPages.Load() }

// FreePages is the remaining base-page capacity. May go negative when a
// node is over its budget.
func (n *Node) FreePages() int64 { return n.maxPages - n.nrPages.Load() }

// NrIsolated is the number of base pages currently off the eviction
// lists for migration or exchange.
func (n *Node) NrIsolated() int64 { return n.nrIsolated.Load() }

func (n *Node) NrFilePages() int64 { return n.nrFilePages.Load() }
func (n *Node) NrFileDirty() int64 { return n.nrFileDirty.Load() }

// ModFilePages adjusts file-page residency by n base pages.
func (n *Node) ModFilePages(delta int64) { n.nrFilePages.Add(delta) }

// ModFileDirty adjusts dirty file-page residency by n base pages.
func (n *Node) ModFileDirty(delta int64) { n.nrFileDirty.Add(delta) }

// AttachPage makes the node the owner of p, charges the accounting
// group, and places the page on the eviction list matching its flags.
func (n *Node) AttachPage(p *Page, g *AccountGroup) {
	p.node = n
	p.memcg = g
	n.nrPages.Add(int64(p.BasePages()))
	if g != nil {
		g.charge(p)
	}
	n.PutbackLRU(p)
}

// AdoptPage transfers residency of p to this node without touching LRU
// membership. Used by the migrate driver once content has landed.
func (n *Node) AdoptPage(p *Page) {
	old := p.node
	if old == n {
		return
	}
	if old != nil {
		old.nrPages.Add(-int64(p.BasePages()))
	}
	n.nrPages.Add(int64(p.BasePages()))
	if p.memcg != nil {
		p.memcg.transfer(p, old, n)
	}
	p.node = n
}

func (n *Node) detachPage(p *Page) {
	n.nrPages.Add(-int64(p.BasePages()))
}

// PutbackLRU returns an isolated page to the eviction list selected by
// its active flag and drops the node's isolated count if the page was
// isolated. The page keeps its reference; list membership carries it.
func (n *Node) PutbackLRU(p *Page) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p.lru.kind != LRUNone {
		return
	}
	if p.TestFlag(FlagActive) {
		p.lru.elem = n.active.PushFront(p)
		p.lru.kind = LRUActive
	} else {
		p.lru.elem = n.inactive.PushFront(p)
		p.lru.kind = LRUInactive
	}
}

// IsolatePage removes p from whatever eviction list it is on. The
// reference the list held transfers to the isolator. Returns false if
// the page is not on any list (already isolated or being freed).
func (n *Node) IsolatePage(p *Page) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isolateLocked(p)
}

func (n *Node) isolateLocked(p *Page) bool {
	switch p.lru.kind {
	case LRUActive:
		n.active.Remove(p.lru.elem)
	case LRUInactive:
		n.inactive.Remove(p.lru.elem)
	default:
		return false
	}
	p.lru.elem = nil
	p.lru.kind = LRUNone
	n.nrIsolated.Add(int64(p.BasePages()))
	return true
}

// ReturnIsolated is PutbackLRU plus the isolated-count decrement, the
// normal completion path for a page that went through isolation.
func (n *Node) ReturnIsolated(p *Page) {
	n.nrIsolated.Add(-int64(p.BasePages()))
	n.PutbackLRU(p)
}

// DropIsolated retires an isolated page that was freed from under the
// isolator: the isolation reference is the last one.
func (n *Node) DropIsolated(p *Page) {
	n.nrIsolated.Add(-int64(p.BasePages()))
	p.ClearFlag(FlagActive | FlagUnevictable)
	p.Put()
}

// ScanLRU walks one eviction list from the cold end, invoking visit for
// each page under the list mutex. visit returns true to take the page
// off the list (the caller inherits the list reference), false to leave
// it. Scanning stops when visit reports done or the list is exhausted.
func (n *Node) ScanLRU(kind LRUKind, visit func(p *Page) (take, done bool)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var l *list.List
	switch kind {
	case LRUActive:
		l = n.active
	case LRUInactive:
		l = n.inactive
	default:
		return
	}
	for e := l.Back(); e != nil; {
		prev := e.Prev()
		p := e.Value.(*Page)
		take, done := visit(p)
		if take {
			n.isolateLocked(p)
		}
		if done {
			return
		}
		e = prev
	}
}

// LRULen returns the page count of one eviction list.
func (n *Node) LRULen(kind LRUKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch kind {
	case LRUActive:
		return n.active.Len()
	case LRUInactive:
		return n.inactive.Len()
	}
	return 0
}
