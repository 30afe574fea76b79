// Package memmanage decides which pages move where: it scans eviction
// lists, isolates hot and cold candidates, and drives them through the
// migration and exchange engines with capacity and bandwidth limits.
package memmanage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/tierswap/core/exchange"
	pagemodel "github.com/sushant-115/tierswap/core/page_model"
	internaltelemetry "github.com/sushant-115/tierswap/internal/telemetry"
)

var (
	// ErrManageInFlight reports a second bulk manage call for a process
	// that already has one running.
	ErrManageInFlight = errors.New("memmanage: manage already in flight for process")

	// ErrNotMapped reports an address with no page-table entry.
	ErrNotMapped = errors.New("memmanage: address not mapped")

	// ErrOrderMismatch reports a requested pair whose pages differ in
	// size.
	ErrOrderMismatch = errors.New("memmanage: page order mismatch")

	// ErrSharedPage reports a page with multiple mappers when shared
	// pages are not allowed.
	ErrSharedPage = errors.New("memmanage: page mapped more than once")

	// ErrIsolate reports a page that could not be pulled off its
	// eviction list, usually because another operation holds it.
	ErrIsolate = errors.New("memmanage: page cannot be isolated")
)

const (
	// DefaultBatchSize is how many pairs one manage round moves.
	DefaultBatchSize = 16

	// DefaultPutbackHeadroom is how many batches worth of free pages
	// the fast node keeps clear of plain migrations; beyond that,
	// candidates are exchanged instead of migrated.
	DefaultPutbackHeadroom = 2
)

// MoveFlags selects which movements a manage call may perform.
type MoveFlags uint32

const (
	// MovePromote migrates hot slow-node pages into spare fast-node
	// capacity.
	MovePromote MoveFlags = 1 << iota

	// MoveExchange pairs hot pages left over after promotion with cold
	// fast-node pages and swaps them in place.
	MoveExchange

	// MoveDemote migrates cold fast-node pages down to the slow node
	// ahead of promotion, freeing room instead of exchanging into it.
	MoveDemote
)

// DefaultMoves is what a zero Moves config selects: promotion into
// free space, pairwise exchange once it runs out.
const DefaultMoves = MovePromote | MoveExchange

// Config is the orchestration policy. The zero value gets defaults for
// every field.
type Config struct {
	// BatchSize bounds hot pages isolated per manage round.
	BatchSize int `yaml:"batch_size"`

	// PutbackHeadroom is the free-capacity reserve on the fast node,
	// in batches.
	PutbackHeadroom int `yaml:"putback_headroom"`

	// AllowSharedPages permits moving pages with more than one mapper.
	AllowSharedPages bool `yaml:"allow_shared_pages"`

	// MigrateRate throttles page movement, in base pages per second.
	// Zero means unlimited.
	MigrateRate float64 `yaml:"migrate_rate"`

	// MigrateBurst is the limiter burst, in base pages.
	MigrateBurst int `yaml:"migrate_burst"`

	// Mode is handed through to the engines.
	Mode exchange.Mode `yaml:"-"`

	// Moves picks which movements Manage may perform. Zero means
	// DefaultMoves.
	Moves MoveFlags `yaml:"-"`

	// Hot decides whether a page on the slow node is worth promoting.
	// Defaults to the referenced and young bits.
	Hot func(*pagemodel.Page) bool `yaml:"-"`

	// Cold decides whether a page on the fast node can be demoted.
	// Defaults to neither referenced nor young.
	Cold func(*pagemodel.Page) bool `yaml:"-"`
}

// Stats summarizes one manage round.
type Stats struct {
	BatchID      string
	IsolatedHot  int
	IsolatedCold int
	Migrated     int
	Demoted      int
	Exchanged    int
	Retired      int
	PutBack      int
	Failed       int
}

// Manager owns the policy side of page movement.
type Manager struct {
	cfg     Config
	exch    *exchange.Exchanger
	log     *zap.Logger
	metrics *internaltelemetry.ExchangeMetrics
	limiter *rate.Limiter
}

// NewManager wires a manager. exch must not be nil; log and metrics may
// be.
func NewManager(cfg Config, exch *exchange.Exchanger, log *zap.Logger, metrics *internaltelemetry.ExchangeMetrics) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PutbackHeadroom <= 0 {
		cfg.PutbackHeadroom = DefaultPutbackHeadroom
	}
	if cfg.Hot == nil {
		// active-list membership is the baseline hotness signal; the
		// referenced and young bits catch pages the aging pass already
		// stripped
		cfg.Hot = func(p *pagemodel.Page) bool {
			return p.TestFlag(pagemodel.FlagActive) ||
				p.TestFlag(pagemodel.FlagReferenced) ||
				p.TestFlag(pagemodel.FlagYoung)
		}
	}
	if cfg.Cold == nil {
		cfg.Cold = func(p *pagemodel.Page) bool {
			return !p.TestFlag(pagemodel.FlagReferenced) && !p.TestFlag(pagemodel.FlagYoung)
		}
	}
	if cfg.Moves == 0 {
		cfg.Moves = DefaultMoves
	}
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.MigrateRate > 0 {
		limit = rate.Limit(cfg.MigrateRate)
	}
	burst := cfg.MigrateBurst
	if burst <= 0 {
		burst = 2 * cfg.BatchSize
	}
	return &Manager{
		cfg:     cfg,
		exch:    exch,
		log:     log,
		metrics: metrics,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Manage works off a page budget for one process: hot pages on the
// slow node move to the fast node, in groups of at most BatchSize,
// until the budget is spent or no candidate makes progress. Promotion
// uses plain migration while the fast node has spare capacity beyond
// the headroom and pairwise exchange with cold fast-node pages after
// that; Config.Moves narrows this to promotion-only or adds cold-page
// demotion. A budget of zero or less means one batch. Only one manage
// call per process runs at a time.
func (m *Manager) Manage(ctx context.Context, proc *pagemodel.Process, fast, slow *pagemodel.Node, pageBudget int) (Stats, error) {
	if !proc.TryBeginManage() {
		return Stats{}, ErrManageInFlight
	}
	defer proc.EndManage()

	stats := Stats{BatchID: uuid.NewString()}
	log := m.log.With(zap.String("batch_id", stats.BatchID), zap.Int("pid", proc.Pid))

	m.shrinkList(fast)
	m.shrinkList(slow)

	budget := pageBudget
	if budget <= 0 {
		budget = m.cfg.BatchSize
	}
	for budget > 0 {
		moved := m.manageBatch(ctx, log, proc, fast, slow, budget, &stats)
		if moved == 0 {
			break
		}
		budget -= moved
	}

	log.Info("manage finished",
		zap.Int("isolated_hot", stats.IsolatedHot),
		zap.Int("isolated_cold", stats.IsolatedCold),
		zap.Int("migrated", stats.Migrated),
		zap.Int("demoted", stats.Demoted),
		zap.Int("exchanged", stats.Exchanged),
		zap.Int("retired", stats.Retired),
		zap.Int("put_back", stats.PutBack),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

// manageBatch isolates and moves at most one BatchSize group, capped
// by the remaining budget, and reports how many base pages it actually
// moved.
func (m *Manager) manageBatch(ctx context.Context, log *zap.Logger, proc *pagemodel.Process, fast, slow *pagemodel.Node, budget int, stats *Stats) int {
	take := m.cfg.BatchSize
	if budget < take {
		take = budget
	}
	moved := 0

	if m.cfg.Moves&MoveDemote != 0 {
		cold := m.isolate(fast, pagemodel.LRUInactive, nil, m.cfg.Cold, take)
		stats.IsolatedCold += len(cold)
		for _, p := range cold {
			if err := m.wait(ctx, p.BasePages()); err != nil {
				m.putback(fast, p, stats)
				continue
			}
			np, err := m.exch.MigratePage(ctx, p, slow, m.cfg.Mode)
			if err != nil {
				log.Debug("demotion failed, putting page back",
					zap.Uint64("pfn", uint64(p.PFN())), zap.Error(err))
				m.putback(fast, p, stats)
				stats.Failed++
				continue
			}
			m.unisolated(1)
			slow.ReturnIsolated(np)
			stats.Demoted++
			moved += np.BasePages()
		}
	}

	hot := m.isolate(slow, pagemodel.LRUActive, proc.Memcg, m.cfg.Hot, take)
	stats.IsolatedHot += len(hot)
	if len(hot) == 0 {
		log.Debug("no hot candidates on slow node")
		return moved
	}

	// spend spare fast-node capacity first, it is cheaper than an
	// exchange and frees nothing on the slow side prematurely
	headroom := int64(m.cfg.PutbackHeadroom * m.cfg.BatchSize)
	var toMigrate, toExchange []*pagemodel.Page
	free := fast.FreePages() - headroom
	for _, p := range hot {
		if m.cfg.Moves&MovePromote != 0 && free >= int64(p.BasePages()) {
			free -= int64(p.BasePages())
			toMigrate = append(toMigrate, p)
		} else {
			toExchange = append(toExchange, p)
		}
	}

	for _, p := range toMigrate {
		if err := m.wait(ctx, p.BasePages()); err != nil {
			m.putback(slow, p, stats)
			continue
		}
		np, err := m.exch.MigratePage(ctx, p, fast, m.cfg.Mode)
		if err != nil {
			log.Debug("migration failed, putting page back",
				zap.Uint64("pfn", uint64(p.PFN())), zap.Error(err))
			m.putback(slow, p, stats)
			stats.Failed++
			continue
		}
		m.unisolated(1)
		fast.ReturnIsolated(np)
		stats.Migrated++
		moved += np.BasePages()
	}

	if len(toExchange) > 0 {
		if m.cfg.Moves&MoveExchange == 0 {
			for _, p := range toExchange {
				m.putback(slow, p, stats)
			}
		} else {
			cold := m.isolate(fast, pagemodel.LRUInactive, nil, m.cfg.Cold, len(toExchange))
			stats.IsolatedCold += len(cold)
			moved += m.exchangeIsolated(ctx, toExchange, cold, fast, slow, stats)
		}
	}
	return moved
}

// exchangeIsolated pairs hot slow-node pages with cold fast-node pages
// of matching order and runs them through the engine, reporting how
// many base pages were promoted. Unpairable pages go straight back to
// their lists.
func (m *Manager) exchangeIsolated(ctx context.Context, hot, cold []*pagemodel.Page, fast, slow *pagemodel.Node, stats *Stats) int {
	var pairs []*exchange.Pair
	usedCold := make([]bool, len(cold))

	for _, h := range hot {
		if !m.cfg.AllowSharedPages && h.MapCount() > 1 {
			m.putback(slow, h, stats)
			stats.Failed++
			continue
		}
		matched := false
		for i, c := range cold {
			if usedCold[i] || c.Order() != h.Order() {
				continue
			}
			if !m.cfg.AllowSharedPages && c.MapCount() > 1 {
				continue
			}
			usedCold[i] = true
			pairs = append(pairs, exchange.NewPair(h, c))
			matched = true
			break
		}
		if !matched {
			m.putback(slow, h, stats)
		}
	}
	for i, c := range cold {
		if !usedCold[i] {
			m.putback(fast, c, stats)
		}
	}
	if len(pairs) == 0 {
		return 0
	}

	if err := m.wait(ctx, basePagesOf(pairs)); err != nil {
		for _, p := range pairs {
			m.putback(slow, p.From, stats)
			m.putback(fast, p.To, stats)
		}
		return 0
	}

	var results []exchange.Result
	if m.cfg.Mode&exchange.ModeConcur != 0 {
		results = m.exch.ExchangePagesConcur(ctx, pairs, m.cfg.Mode)
	} else {
		results = m.exch.ExchangePages(ctx, pairs, m.cfg.Mode)
	}

	moved := 0
	for _, r := range results {
		switch {
		case r.Retired:
			stats.Retired++
			m.finishIsolated(slow, r.Pair.From)
			m.finishIsolated(fast, r.Pair.To)
		case r.Err != nil:
			stats.Failed++
			m.putback(slow, r.Pair.From, stats)
			m.putback(fast, r.Pair.To, stats)
		default:
			stats.Exchanged++
			m.unisolated(2)
			slow.ReturnIsolated(r.Pair.From)
			fast.ReturnIsolated(r.Pair.To)
			moved += r.Pair.From.BasePages()
		}
	}
	return moved
}

// finishIsolated returns a page to its list, or retires it when the
// isolation reference is the last one.
func (m *Manager) finishIsolated(n *pagemodel.Node, p *pagemodel.Page) {
	m.unisolated(1)
	if p.RefCount() == 1 {
		n.DropIsolated(p)
		return
	}
	n.ReturnIsolated(p)
}

func (m *Manager) putback(n *pagemodel.Node, p *pagemodel.Page, stats *Stats) {
	m.unisolated(1)
	n.ReturnIsolated(p)
	stats.PutBack++
}

func (m *Manager) unisolated(n int) {
	if m.metrics != nil {
		m.metrics.IsolatedUpDownCounter.Add(context.Background(), -int64(n))
	}
}

// isolate pulls up to max pages matching want off one eviction list,
// optionally restricted to one accounting group.
func (m *Manager) isolate(n *pagemodel.Node, kind pagemodel.LRUKind, memcg *pagemodel.AccountGroup, want func(*pagemodel.Page) bool, max int) []*pagemodel.Page {
	var taken []*pagemodel.Page
	n.ScanLRU(kind, func(p *pagemodel.Page) (bool, bool) {
		if memcg != nil && p.Memcg() != memcg {
			return false, false
		}
		if !want(p) {
			return false, false
		}
		taken = append(taken, p)
		return true, len(taken) >= max
	})
	if len(taken) > 0 {
		m.noteIsolated(context.Background(), len(taken))
	}
	return taken
}

func (m *Manager) noteIsolated(ctx context.Context, n int) {
	if m.metrics != nil {
		m.metrics.IsolatedUpDownCounter.Add(ctx, int64(n))
	}
}

// shrinkList ages one node's active list: pages whose referenced bit is
// clear demote to the inactive list, pages with it set get another
// round. At most two batches move per call.
func (m *Manager) shrinkList(n *pagemodel.Node) {
	limit := 2 * m.cfg.BatchSize
	var demote []*pagemodel.Page
	scanned := 0
	n.ScanLRU(pagemodel.LRUActive, func(p *pagemodel.Page) (bool, bool) {
		scanned++
		if p.TestClearFlag(pagemodel.FlagReferenced) {
			return false, scanned >= limit
		}
		demote = append(demote, p)
		return true, len(demote) >= limit || scanned >= limit
	})
	for _, p := range demote {
		p.ClearFlag(pagemodel.FlagActive)
		n.ReturnIsolated(p)
	}
}

func (m *Manager) wait(ctx context.Context, basePages int) error {
	if basePages > m.limiter.Burst() {
		basePages = m.limiter.Burst()
	}
	return m.limiter.WaitN(ctx, basePages)
}

func basePagesOf(pairs []*exchange.Pair) int {
	total := 0
	for _, p := range pairs {
		total += p.From.BasePages() + p.To.BasePages()
	}
	return total
}
