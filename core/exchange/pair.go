package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	copyengine "github.com/sushant-115/tierswap/core/copy_engine"
	pagemodel "github.com/sushant-115/tierswap/core/page_model"
	internaltelemetry "github.com/sushant-115/tierswap/internal/telemetry"
)

// PairState tracks how far a pair has advanced through the protocol.
// Past PairMappingSwapped the exchange is committed and must run to
// completion; rollback is only possible before that point.
type PairState int32

const (
	PairInit PairState = iota
	PairLocked
	PairUnmapped
	PairMappingSwapped
	PairContentCopied
	PairRemapped
	PairDone
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairInit:
		return "init"
	case PairLocked:
		return "locked"
	case PairUnmapped:
		return "unmapped"
	case PairMappingSwapped:
		return "mapping_swapped"
	case PairContentCopied:
		return "content_copied"
	case PairRemapped:
		return "remapped"
	case PairDone:
		return "done"
	case PairFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Pair is one from/to exchange in flight. Both pages must be isolated
// by the caller before the pair is handed to an Exchanger and stay
// isolated until it reports back.
type Pair struct {
	From *pagemodel.Page
	To   *pagemodel.Page

	state PairState
	err   error

	// identity captured before the unmap step; the restore walk needs
	// the original index values.
	fromIdx uint64
	toIdx   uint64

	fromRmap *pagemodel.RmapHandle
	toRmap   *pagemodel.RmapHandle

	// references the unmap step left pinned on each side
	fromHeld int
	toHeld   int

	locked bool
}

func NewPair(from, to *pagemodel.Page) *Pair {
	return &Pair{From: from, To: to}
}

func (p *Pair) State() PairState { return p.state }
func (p *Pair) Err() error       { return p.err }

func (p *Pair) fail(err error) error {
	p.state = PairFailed
	p.err = err
	return err
}

// reset rearms a failed pair for another attempt.
func (p *Pair) reset() {
	p.fromRmap.Release()
	p.toRmap.Release()
	*p = Pair{From: p.From, To: p.To}
}

// Exchanger drives pairs through the exchange protocol. One Exchanger
// is safe for concurrent use; per-pair state lives on the Pair.
type Exchanger struct {
	copier  *copyengine.Engine
	log     *zap.Logger
	metrics *internaltelemetry.ExchangeMetrics
}

// NewExchanger wires an exchanger. copier, log and metrics may each be
// nil; defaults are a zero-config copy engine, a no-op logger and no
// instrumentation.
func NewExchanger(copier *copyengine.Engine, log *zap.Logger, metrics *internaltelemetry.ExchangeMetrics) *Exchanger {
	if copier == nil {
		copier = copyengine.New(copyengine.Config{})
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Exchanger{copier: copier, log: log, metrics: metrics}
}

// ExchangePair runs one pair through the full protocol: lock, unmap,
// mapping swap, content swap, flag swap, remap, unlock. On ErrBusy,
// ErrWouldBlock or ErrUnsupported the pair is fully rolled back and
// both pages are exactly as before.
func (e *Exchanger) ExchangePair(ctx context.Context, p *Pair, mode Mode) error {
	start := time.Now()
	if e.metrics != nil {
		e.metrics.PairsStartedCounter.Add(ctx, 1)
	}

	if err := e.prepare(ctx, p, mode, !mode.async()); err != nil {
		return err
	}
	if err := e.commitMapping(p); err != nil {
		return err
	}
	e.swapContent(ctx, p, mode)
	e.finish(p)
	e.unlockPair(p)
	p.state = PairDone

	if e.metrics != nil {
		e.metrics.PairsSucceededCounter.Add(ctx, 1)
		e.metrics.ExchangeLatencyHistogram.Record(ctx, time.Since(start).Microseconds())
	}
	e.log.Debug("pair exchanged",
		zap.Uint64("from_pfn", uint64(p.From.PFN())),
		zap.Uint64("to_pfn", uint64(p.To.PFN())),
		zap.Int("bytes", p.From.Size()),
	)
	return nil
}

// prepare takes the pair to the unmapped state: latches held, writeback
// drained, reverse mappings captured, page-table entries converted to
// migration placeholders, private metadata dropped. On error everything
// is unwound and the latches released.
func (e *Exchanger) prepare(ctx context.Context, p *Pair, mode Mode, blocking bool) error {
	if p.From.Size() != p.To.Size() {
		return p.fail(fmt.Errorf("%w: size mismatch %d vs %d", ErrUnsupported, p.From.Size(), p.To.Size()))
	}

	// lock order is always from then to
	if !p.From.TryLock() {
		if !blocking {
			return p.fail(ErrWouldBlock)
		}
		p.From.Lock()
	}
	if !p.To.TryLock() {
		if !blocking {
			p.From.Unlock()
			return p.fail(ErrWouldBlock)
		}
		p.To.Lock()
	}
	p.locked = true
	p.state = PairLocked

	if mode&ModeSync != 0 {
		p.From.WaitWriteback()
		p.To.WaitWriteback()
	} else if p.From.TestFlag(pagemodel.FlagWriteback) || p.To.TestFlag(pagemodel.FlagWriteback) {
		e.unlockPair(p)
		return p.fail(fmt.Errorf("%w: writeback in flight", ErrBusy))
	}

	if p.From.Mapping() != nil {
		e.unlockPair(p)
		return p.fail(fmt.Errorf("%w: file-backed from side", ErrUnsupported))
	}

	p.fromIdx = p.From.Index()
	p.toIdx = p.To.Index()
	p.fromRmap = pagemodel.AcquireRmap(p.From)
	p.toRmap = pagemodel.AcquireRmap(p.To)

	p.fromHeld = pagemodel.UnmapPage(p.From)
	p.toHeld = pagemodel.UnmapPage(p.To)
	p.state = PairUnmapped

	// a mapper that slipped in between capture and unmap
	if p.From.Mapped() || p.To.Mapped() {
		e.rollbackUnmapped(p)
		return p.fail(fmt.Errorf("%w: concurrent mapper", ErrBusy))
	}

	if p.To.HasPrivate() && !p.To.TryReleasePrivate() {
		e.rollbackUnmapped(p)
		return p.fail(fmt.Errorf("%w: private metadata pinned", ErrBusy))
	}
	if p.From.HasPrivate() && !p.From.TryReleasePrivate() {
		e.rollbackUnmapped(p)
		return p.fail(fmt.Errorf("%w: private metadata pinned", ErrBusy))
	}
	return nil
}

// commitMapping swaps the mapping identities. A nil return commits the
// exchange; an error return means the pair was rolled back and
// unlocked.
func (e *Exchanger) commitMapping(p *Pair) error {
	if err := exchangeMapping(p.From, p.To, p.fromHeld, p.toHeld); err != nil {
		e.rollbackUnmapped(p)
		return p.fail(err)
	}
	p.state = PairMappingSwapped
	return nil
}

// swapContent exchanges the frame contents. Runs after the commit point
// so it must not fail: a dry worker budget degrades to the single
// threaded path.
func (e *Exchanger) swapContent(ctx context.Context, p *Pair, mode Mode) {
	node := 0
	if n := p.To.Node(); n != nil {
		node = int(n.ID())
	}
	if mode.multithread() {
		err := e.copier.SwapPagesParallel(p.From.Data(), p.To.Data(), node)
		if errors.Is(err, copyengine.ErrNoWorkers) {
			if e.metrics != nil {
				e.metrics.FallbacksCounter.Add(ctx, 1)
			}
			e.log.Debug("no copy workers on node, using single thread", zap.Int("node", node))
			err = e.copier.SwapPages(p.From.Data(), p.To.Data())
		}
		_ = err
	} else {
		_ = e.copier.SwapPages(p.From.Data(), p.To.Data())
	}
	p.state = PairContentCopied
	if e.metrics != nil {
		e.metrics.BytesExchangedCounter.Add(ctx, int64(p.From.Size())*2)
	}
}

// finish swaps the status bits and restores the page-table entries
// crosswise: entries that mapped from now resolve to to and vice versa.
func (e *Exchanger) finish(p *Pair) {
	exchangeFlags(p.From, p.To)

	// The restore walk finds entries through the pre-exchange index, so
	// each side briefly wears its old index again.
	cur := p.From.Index()
	p.From.SetIndex(p.fromIdx)
	p.fromRmap.RestorePTEs(p.To)
	p.From.SetIndex(cur)

	cur = p.To.Index()
	p.To.SetIndex(p.toIdx)
	p.toRmap.RestorePTEs(p.From)
	p.To.SetIndex(cur)

	p.fromRmap.Release()
	p.toRmap.Release()
	p.state = PairRemapped
}

// rollbackUnmapped restores the page-table entries onto their original
// pages and releases the latches. Valid only before the commit point.
func (e *Exchanger) rollbackUnmapped(p *Pair) {
	p.fromRmap.RestorePTEs(p.From)
	p.toRmap.RestorePTEs(p.To)
	p.fromRmap.Release()
	p.toRmap.Release()
	e.unlockPair(p)
}

func (e *Exchanger) unlockPair(p *Pair) {
	if !p.locked {
		return
	}
	p.To.Unlock()
	p.From.Unlock()
	p.locked = false
}
