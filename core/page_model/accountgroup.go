package pagemodel

import (
	"sync"
	"sync/atomic"
)

// AccountGroup is the memory-accounting group a page is charged to
// (the cgroup analogue). Counters are plain atomics, never taken under
// a page latch.
type AccountGroup struct {
	name string

	mu     sync.Mutex
	limits map[NodeID]int64
	usage  map[NodeID]*atomic.Int64
}

// NewAccountGroup creates a group with per-node page limits. Nodes
// absent from limits are treated as unlimited.
func NewAccountGroup(name string, limits map[NodeID]int64) *AccountGroup {
	g := &AccountGroup{
		name:   name,
		limits: make(map[NodeID]int64, len(limits)),
		usage:  make(map[NodeID]*atomic.Int64),
	}
	for id, l := range limits {
		g.limits[id] = l
	}
	return g
}

func (g *AccountGroup) Name() string { return g.name }

func (g *AccountGroup) counter(id NodeID) *atomic.Int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.usage[id]
	if !ok {
		c = &atomic.Int64{}
		g.usage[id] = c
	}
	return c
}

// SizeOnNode is the number of base pages this group has resident on the
// given node.
func (g *AccountGroup) SizeOnNode(id NodeID) int64 {
	return g.counter(id).Load()
}

// MaxOnNode is the group's page budget on the node. Returns a very
// large value when unlimited.
func (g *AccountGroup) MaxOnNode(id NodeID) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limits[id]; ok {
		return l
	}
	return int64(1) << 62
}

// FreeOnNode is the remaining budget on the node; may go negative.
func (g *AccountGroup) FreeOnNode(id NodeID) int64 {
	return g.MaxOnNode(id) - g.SizeOnNode(id)
}

// ActiveSizeOnNode counts the group's pages on the node's active list.
// A walk is fine here: the caller is the (slow) bulk-manage path.
func (g *AccountGroup) ActiveSizeOnNode(n *Node) int64 {
	var total int64
	n.ScanLRU(LRUActive, func(p *Page) (bool, bool) {
		if p.memcg == g {
			total += int64(p.BasePages())
		}
		return false, false
	})
	return total
}

func (g *AccountGroup) charge(p *Page) {
	if p.node != nil {
		g.counter(p.node.id).Add(int64(p.BasePages()))
	}
}

func (g *AccountGroup) uncharge(p *Page) {
	if p.node != nil {
		g.counter(p.node.id).Add(-int64(p.BasePages()))
	}
}

func (g *AccountGroup) transfer(p *Page, from, to *Node) {
	n := int64(p.BasePages())
	if from != nil {
		g.counter(from.id).Add(-n)
	}
	if to != nil {
		g.counter(to.id).Add(n)
	}
}
