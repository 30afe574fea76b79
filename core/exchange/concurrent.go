package exchange

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	copyengine "github.com/sushant-115/tierswap/core/copy_engine"
)

const (
	// concurMaxPasses bounds how often the phased engine re-attempts
	// pairs that came back busy.
	concurMaxPasses = 10

	// concurForcePass is the last pass that still trylocks; later
	// passes block on the latches.
	concurForcePass = 2
)

// ExchangePagesConcur runs a batch through the phased engine: all pairs
// are locked and unmapped, then all mappings swapped, then all contents
// swapped in one multi-worker operation, then all pairs remapped and
// unlocked. Busy pairs roll over to the next pass.
//
// Pairs the phased engine cannot batch, higher-order pages and anything
// file-backed, are diverted to the serialized engine.
func (e *Exchanger) ExchangePagesConcur(ctx context.Context, pairs []*Pair, mode Mode) []Result {
	byPair := make(map[*Pair]Result, len(pairs))

	var batchable, serialized []*Pair
	for _, p := range pairs {
		if p.From.Order() > 0 || p.To.Order() > 0 ||
			p.From.Mapping() != nil || p.To.Mapping() != nil {
			serialized = append(serialized, p)
		} else {
			batchable = append(batchable, p)
		}
	}
	if len(serialized) > 0 {
		e.log.Debug("diverting pairs to the serialized engine",
			zap.Int("count", len(serialized)))
	}

	pending := batchable
	for pass := 0; pass < concurMaxPasses && len(pending) > 0; pass++ {
		if ctx.Err() != nil {
			break
		}
		force := pass > concurForcePass
		var next []*Pair

		// phase 1: lock and unmap
		var prepared []*Pair
		for _, p := range pending {
			if p.From.RefCount() == 1 || p.To.RefCount() == 1 {
				p.state = PairDone
				if e.metrics != nil {
					e.metrics.PairsRetiredCounter.Add(ctx, 1)
				}
				byPair[p] = Result{Pair: p, Retired: true}
				continue
			}
			if p.state != PairInit {
				p.reset()
			}
			if e.metrics != nil {
				e.metrics.PairsStartedCounter.Add(ctx, 1)
			}
			if err := e.prepare(ctx, p, mode, force); err != nil {
				if errors.Is(err, ErrBusy) || errors.Is(err, ErrWouldBlock) {
					next = append(next, p)
				} else {
					byPair[p] = Result{Pair: p, Err: err}
				}
				continue
			}
			prepared = append(prepared, p)
		}

		// phase 2: swap mappings
		var committed []*Pair
		for _, p := range prepared {
			if err := e.commitMapping(p); err != nil {
				if errors.Is(err, ErrBusy) {
					next = append(next, p)
				} else {
					byPair[p] = Result{Pair: p, Err: err}
				}
				continue
			}
			committed = append(committed, p)
		}

		// phase 3: swap all contents in one operation
		e.swapContentBatch(ctx, committed, mode)

		// phase 4: flags, remap, unlock
		for _, p := range committed {
			e.finish(p)
			e.unlockPair(p)
			p.state = PairDone
			if e.metrics != nil {
				e.metrics.PairsSucceededCounter.Add(ctx, 1)
			}
			byPair[p] = Result{Pair: p}
		}

		pending = next
	}

	// pairs still pending after the last pass stay busy
	for _, p := range pending {
		if e.metrics != nil {
			e.metrics.PairsFailedCounter.Add(ctx, 1)
		}
		byPair[p] = Result{Pair: p, Err: p.err}
		if p.err == nil {
			byPair[p] = Result{Pair: p, Err: fmt.Errorf("%w: still contended after %d passes", ErrBusy, concurMaxPasses)}
		}
	}

	for _, r := range e.ExchangePages(ctx, serialized, mode&^ModeConcur) {
		byPair[r.Pair] = r
	}

	results := make([]Result, 0, len(pairs))
	for _, p := range pairs {
		if r, ok := byPair[p]; ok {
			results = append(results, r)
		} else {
			results = append(results, Result{Pair: p, Err: ctx.Err()})
		}
	}
	return results
}

// swapContentBatch exchanges the contents of all committed pairs as one
// list operation so the worker pool spans the whole batch. Falls back
// to per-pair single-threaded swaps when the node budget is empty.
func (e *Exchanger) swapContentBatch(ctx context.Context, committed []*Pair, mode Mode) {
	if len(committed) == 0 {
		return
	}
	node := 0
	if n := committed[0].To.Node(); n != nil {
		node = int(n.ID())
	}

	var total int64
	fromBufs := make([][]byte, len(committed))
	toBufs := make([][]byte, len(committed))
	for i, p := range committed {
		fromBufs[i] = p.From.Data()
		toBufs[i] = p.To.Data()
		total += int64(p.From.Size()) * 2
	}

	if mode.multithread() {
		err := e.copier.SwapPageLists(fromBufs, toBufs, node)
		if errors.Is(err, copyengine.ErrNoWorkers) {
			if e.metrics != nil {
				e.metrics.FallbacksCounter.Add(ctx, 1)
			}
			for i := range fromBufs {
				_ = e.copier.SwapPages(fromBufs[i], toBufs[i])
			}
		}
	} else {
		for i := range fromBufs {
			_ = e.copier.SwapPages(fromBufs[i], toBufs[i])
		}
	}
	for _, p := range committed {
		p.state = PairContentCopied
	}
	if e.metrics != nil {
		e.metrics.BytesExchangedCounter.Add(ctx, total)
	}
}
