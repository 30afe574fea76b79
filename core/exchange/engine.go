package exchange

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// maxRetries is how many times a pair is re-attempted on a transient
// failure before the engine gives up on it.
const maxRetries = 3

// Result is the outcome of one pair. Retired means a page was freed
// from under isolation before the exchange ran; nothing was moved and
// nothing needed to be.
type Result struct {
	Pair    *Pair
	Err     error
	Retired bool
}

// ExchangePages runs pairs one at a time, retrying transient failures.
// Every pair gets a Result in input order; one pair failing never
// affects the others.
func (e *Exchanger) ExchangePages(ctx context.Context, pairs []*Pair, mode Mode) []Result {
	results := make([]Result, 0, len(pairs))
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			results = append(results, Result{Pair: p, Err: err})
			continue
		}
		results = append(results, e.exchangeWithRetry(ctx, p, mode))
	}

	var ok, retired, failed int
	for _, r := range results {
		switch {
		case r.Retired:
			retired++
		case r.Err != nil:
			failed++
		default:
			ok++
		}
	}
	e.log.Info("exchange batch finished",
		zap.Int("pairs", len(pairs)),
		zap.Int("succeeded", ok),
		zap.Int("retired", retired),
		zap.Int("failed", failed),
	)
	return results
}

func (e *Exchanger) exchangeWithRetry(ctx context.Context, p *Pair, mode Mode) Result {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		// A page whose only reference is the isolation reference was
		// freed by its last user; the pair has nothing left to move.
		if p.From.RefCount() == 1 || p.To.RefCount() == 1 {
			p.state = PairDone
			if e.metrics != nil {
				e.metrics.PairsRetiredCounter.Add(ctx, 1)
			}
			return Result{Pair: p, Retired: true}
		}
		if attempt > 0 {
			p.reset()
		}
		err = e.ExchangePair(ctx, p, mode)
		if err == nil {
			return Result{Pair: p}
		}
		if !errors.Is(err, ErrBusy) && !errors.Is(err, ErrWouldBlock) {
			break
		}
		e.log.Debug("pair busy, retrying",
			zap.Uint64("from_pfn", uint64(p.From.PFN())),
			zap.Int("attempt", attempt+1),
		)
	}
	if e.metrics != nil {
		e.metrics.PairsFailedCounter.Add(ctx, 1)
	}
	return Result{Pair: p, Err: err}
}
