package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	copyengine "github.com/sushant-115/tierswap/core/copy_engine"
	pagemodel "github.com/sushant-115/tierswap/core/page_model"
)

// ErrNoSpace reports that the target node cannot take the page without
// breaching its capacity.
var ErrNoSpace = errors.New("exchange: no space on target node")

// pfnSeed hands out frame numbers for newly allocated pages, well away
// from anything test or caller fixtures would use.
var pfnSeed atomic.Uint64

func init() { pfnSeed.Store(1 << 32) }

func allocPFN() pagemodel.PFN {
	return pagemodel.PFN(pfnSeed.Add(1))
}

// MigratePage moves an isolated page to target: a fresh frame is
// allocated there, content and status copied over, the mapping identity
// and page-table entries repointed, and the old frame retired. Unlike
// an exchange this consumes free capacity on target.
//
// The caller keeps ownership of the isolation reference, which ends up
// on the returned page. The old page is gone on success.
func (e *Exchanger) MigratePage(ctx context.Context, p *pagemodel.Page, target *pagemodel.Node, mode Mode) (*pagemodel.Page, error) {
	if target == p.Node() {
		return p, nil
	}
	if target.FreePages() < int64(p.BasePages()) {
		return nil, ErrNoSpace
	}

	if !p.TryLock() {
		if mode.async() {
			return nil, ErrWouldBlock
		}
		p.Lock()
	}
	unlock := func() { p.Unlock() }

	if mode&ModeSync != 0 {
		p.WaitWriteback()
	} else if p.TestFlag(pagemodel.FlagWriteback) {
		unlock()
		return nil, fmt.Errorf("%w: writeback in flight", ErrBusy)
	}

	idx := p.Index()
	h := pagemodel.AcquireRmap(p)
	held := pagemodel.UnmapPage(p)
	if p.Mapped() {
		h.RestorePTEs(p)
		h.Release()
		unlock()
		return nil, fmt.Errorf("%w: concurrent mapper", ErrBusy)
	}

	np := pagemodel.NewPage(allocPFN(), p.Order())
	np.Lock()
	target.AttachPage(np, p.Memcg())
	target.IsolatePage(np) // keep it off the lists until done
	np.SetMappingIdentity(nil, idx)

	if err := e.migrateMapping(p, np, held); err != nil {
		target.DropIsolated(np)
		np.Unlock()
		h.RestorePTEs(p)
		h.Release()
		unlock()
		return nil, err
	}

	e.copyContent(ctx, p, np, mode)
	e.copyStatus(p, np)

	h.RestorePTEs(np)
	h.Release()

	np.Unlock()
	unlock()

	// the new page carries its own isolation reference; the old frame
	// is retired once its last reference drops
	oldNode := p.Node()
	oldNode.DropIsolated(p)
	if e.metrics != nil {
		e.metrics.PagesMigratedCounter.Add(ctx, int64(np.BasePages()))
	}
	e.log.Debug("page migrated",
		zap.Uint64("pfn", uint64(np.PFN())),
		zap.Int("from_node", int(oldNode.ID())),
		zap.Int("to_node", int(target.ID())),
	)
	return np, nil
}

// migrateMapping repoints the page's identity at np. Anonymous pages
// only need the reference check; file-backed pages additionally have
// their index slot repointed under the index lock with the count
// frozen.
func (e *Exchanger) migrateMapping(p, np *pagemodel.Page, held int) error {
	as := p.Mapping()
	if as == nil {
		if p.RefCount() != 1+held {
			return fmt.Errorf("%w: unexpected references", ErrBusy)
		}
		return nil
	}

	idx := p.Index()
	wasDirty := p.TestFlag(pagemodel.FlagDirty)

	as.LockIndex()
	if as.EntryLocked(idx) != p {
		as.UnlockIndex()
		return fmt.Errorf("%w: file slot moved under us", ErrBusy)
	}
	expected := 2 + held
	if !p.Freeze(expected) {
		as.UnlockIndex()
		return fmt.Errorf("%w: file page has unexpected references", ErrBusy)
	}
	as.StoreLocked(idx, np)
	np.SetMappingIdentity(as, idx)
	np.Get() // the cache reference
	p.SetMappingIdentity(nil, idx)
	p.Unfreeze(expected - 1)
	as.UnlockIndex()

	n := int64(p.BasePages())
	if from, to := p.Node(), np.Node(); from != to {
		if from != nil {
			from.ModFilePages(-n)
		}
		if to != nil {
			to.ModFilePages(n)
		}
		if as.DirtyAccounted() && wasDirty {
			if from != nil {
				from.ModFileDirty(-n)
			}
			if to != nil {
				to.ModFileDirty(n)
			}
		}
	}
	return nil
}

func (e *Exchanger) copyContent(ctx context.Context, p, np *pagemodel.Page, mode Mode) {
	node := int(np.Node().ID())
	if mode.multithread() {
		err := e.copier.CopyPagesParallel(np.Data(), p.Data(), node)
		if errors.Is(err, copyengine.ErrNoWorkers) {
			if e.metrics != nil {
				e.metrics.FallbacksCounter.Add(ctx, 1)
			}
			err = e.copier.CopyPages(np.Data(), p.Data())
		}
		_ = err
	} else {
		_ = e.copier.CopyPages(np.Data(), p.Data())
	}
}

func (e *Exchanger) copyStatus(p, np *pagemodel.Page) {
	applyFlags(np, captureFlags(p))
	if p.TestClearFlag(pagemodel.FlagSwapBacked) {
		np.SetFlag(pagemodel.FlagSwapBacked)
	}
	np.NumaHintExchange(p.NumaHintExchange(-1))
}
