package memmanage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/tierswap/core/exchange"
	pagemodel "github.com/sushant-115/tierswap/core/page_model"
)

// AddrPair names one requested exchange by virtual address.
type AddrPair struct {
	FromAddr uint64
	ToAddr   uint64
}

// PairStatus is the per-request outcome of ExchangeAddressPairs. A nil
// Err means the pair was exchanged; Retired means one side was freed
// before the exchange ran.
type PairStatus struct {
	Request AddrPair
	Err     error
	Retired bool
}

// ExchangeAddressPairs exchanges explicitly named page pairs of one
// process. Each request is validated, isolated and run independently;
// one bad pair never blocks the rest. Requests are reported back in
// input order.
func (m *Manager) ExchangeAddressPairs(ctx context.Context, proc *pagemodel.Process, reqs []AddrPair) []PairStatus {
	statuses := make([]PairStatus, len(reqs))
	var pairs []*exchange.Pair
	var pairIdx []int

	for i, req := range reqs {
		statuses[i].Request = req
		from, err := m.resolveForExchange(proc, req.FromAddr)
		if err != nil {
			statuses[i].Err = err
			continue
		}
		to, err := m.resolveForExchange(proc, req.ToAddr)
		if err != nil {
			statuses[i].Err = err
			continue
		}
		if from.Order() != to.Order() {
			statuses[i].Err = fmt.Errorf("%w: order %d vs %d", ErrOrderMismatch, from.Order(), to.Order())
			continue
		}
		if !from.Node().IsolatePage(from) {
			statuses[i].Err = fmt.Errorf("%w: %#x", ErrIsolate, req.FromAddr)
			continue
		}
		if !to.Node().IsolatePage(to) {
			from.Node().ReturnIsolated(from)
			statuses[i].Err = fmt.Errorf("%w: %#x", ErrIsolate, req.ToAddr)
			continue
		}
		m.noteIsolated(ctx, 2)
		pairs = append(pairs, exchange.NewPair(from, to))
		pairIdx = append(pairIdx, i)
	}

	if len(pairs) == 0 {
		return statuses
	}
	if err := m.wait(ctx, basePagesOf(pairs)); err != nil {
		for j, p := range pairs {
			m.finishIsolatedPair(p)
			statuses[pairIdx[j]].Err = err
		}
		return statuses
	}

	var results []exchange.Result
	if m.cfg.Mode&exchange.ModeConcur != 0 {
		results = m.exch.ExchangePagesConcur(ctx, pairs, m.cfg.Mode)
	} else {
		results = m.exch.ExchangePages(ctx, pairs, m.cfg.Mode)
	}

	for j, r := range results {
		i := pairIdx[j]
		statuses[i].Err = r.Err
		statuses[i].Retired = r.Retired
		m.finishIsolatedPair(r.Pair)
	}

	m.log.Debug("address pair exchange finished",
		zap.Int("pid", proc.Pid),
		zap.Int("requested", len(reqs)),
		zap.Int("attempted", len(pairs)),
	)
	return statuses
}

func (m *Manager) resolveForExchange(proc *pagemodel.Process, addr uint64) (*pagemodel.Page, error) {
	p, ok, err := proc.PT.ResolveNoWait(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %#x", ErrNotMapped, addr)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %#x migration pending", exchange.ErrBusy, addr)
	}
	if !m.cfg.AllowSharedPages && p.MapCount() > 1 {
		return nil, fmt.Errorf("%w: %#x", ErrSharedPage, addr)
	}
	return p, nil
}

func (m *Manager) finishIsolatedPair(p *exchange.Pair) {
	m.finishIsolated(p.From.Node(), p.From)
	m.finishIsolated(p.To.Node(), p.To)
}
