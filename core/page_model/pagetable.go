package pagemodel

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PTE is one page-table entry. While pending is set the entry is a
// migration placeholder: resolvers block on it instead of observing a
// torn page.
type PTE struct {
	pt      *PageTable
	vaddr   uint64
	page    *Page
	pending bool
}

// PageTable maps virtual addresses to pages for one process.
type PageTable struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[uint64]*PTE
}

func NewPageTable() *PageTable {
	pt := &PageTable{entries: make(map[uint64]*PTE)}
	pt.cond = sync.NewCond(&pt.mu)
	return pt
}

// Map installs a page-table entry for p at vaddr. Each entry holds one
// reference on the page and contributes one to its map count.
func (pt *PageTable) Map(vaddr uint64, p *Page) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, busy := pt.entries[vaddr]; busy {
		return fmt.Errorf("vaddr %#x already mapped", vaddr)
	}
	pte := &PTE{pt: pt, vaddr: vaddr, page: p}
	pt.entries[vaddr] = pte
	p.Get()
	p.mapCount.Add(1)
	p.rmapMu.Lock()
	p.rmap = append(p.rmap, pte)
	p.rmapMu.Unlock()
	return nil
}

// Resolve walks to the page backing vaddr, blocking while the entry is
// a migration placeholder (the faulting-thread behavior).
func (pt *PageTable) Resolve(vaddr uint64) (*Page, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pte, ok := pt.entries[vaddr]
	if !ok {
		return nil, fmt.Errorf("vaddr %#x not mapped", vaddr)
	}
	for pte.pending {
		pt.cond.Wait()
	}
	return pte.page, nil
}

// ResolveNoWait is Resolve without blocking; ok is false while the
// entry is migration-pending.
func (pt *PageTable) ResolveNoWait(vaddr uint64) (p *Page, ok bool, err error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pte, present := pt.entries[vaddr]
	if !present {
		return nil, false, fmt.Errorf("vaddr %#x not mapped", vaddr)
	}
	if pte.pending {
		return nil, false, nil
	}
	return pte.page, true, nil
}

// Unmap permanently removes the entry at vaddr, dropping its reference.
func (pt *PageTable) Unmap(vaddr uint64) {
	pt.mu.Lock()
	pte, ok := pt.entries[vaddr]
	if !ok {
		pt.mu.Unlock()
		return
	}
	delete(pt.entries, vaddr)
	p := pte.page
	pt.mu.Unlock()

	p.rmapMu.Lock()
	for i, e := range p.rmap {
		if e == pte {
			p.rmap = append(p.rmap[:i], p.rmap[i+1:]...)
			break
		}
	}
	p.rmapMu.Unlock()
	p.mapCount.Add(-1)
	p.Put()
}

// Process owns a page table and an accounting group; the bulk-manage
// entry point operates on one process at a time.
type Process struct {
	Pid   int
	PT    *PageTable
	Memcg *AccountGroup

	manageActive atomic.Bool
}

// NewProcess creates a process with an empty page table.
func NewProcess(pid int, memcg *AccountGroup) *Process {
	return &Process{Pid: pid, PT: NewPageTable(), Memcg: memcg}
}

// TryBeginManage claims the per-address-space single-flight guard for a
// bulk manage operation.
func (pr *Process) TryBeginManage() bool { return pr.manageActive.CompareAndSwap(false, true) }

// EndManage releases the guard.
func (pr *Process) EndManage() { pr.manageActive.Store(false) }
