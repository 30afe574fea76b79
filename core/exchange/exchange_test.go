package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pagemodel "github.com/sushant-115/tierswap/core/page_model"
)

type fixture struct {
	fast *pagemodel.Node
	slow *pagemodel.Node
	proc *pagemodel.Process
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		fast: pagemodel.NewNode(0, 1<<20),
		slow: pagemodel.NewNode(1, 1<<20),
		proc: pagemodel.NewProcess(1, nil),
	}
}

// newMappedPage attaches a page of the given order to a node, fills it
// with a byte pattern and maps it at vaddr.
func (f *fixture) newMappedPage(t *testing.T, n *pagemodel.Node, pfn pagemodel.PFN, order int, vaddr uint64, fill byte) *pagemodel.Page {
	t.Helper()
	p := pagemodel.NewPage(pfn, order)
	for i := range p.Data() {
		p.Data()[i] = fill
	}
	n.AttachPage(p, nil)
	require.NoError(t, f.proc.PT.Map(vaddr, p))
	return p
}

// isolatePair pulls both pages off their eviction lists the way the
// orchestrator does before handing a pair to the engine.
func (f *fixture) isolatePair(t *testing.T, from, to *pagemodel.Page) *Pair {
	t.Helper()
	require.True(t, from.Node().IsolatePage(from))
	require.True(t, to.Node().IsolatePage(to))
	return NewPair(from, to)
}

func requireUniform(t *testing.T, buf []byte, b byte) {
	t.Helper()
	for i := range buf {
		require.Equalf(t, b, buf[i], "byte %d diverged", i)
	}
}

func TestExchangeAnonPairSwapsEverything(t *testing.T) {
	f := newFixture(t)
	from := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0xAA)
	to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0xBB)
	from.SetFlag(pagemodel.FlagDirty)
	to.SetFlag(pagemodel.FlagReferenced)
	from.NumaHintExchange(7)
	to.NumaHintExchange(3)

	fromRefs, toRefs := from.RefCount(), to.RefCount()
	p := f.isolatePair(t, from, to)

	e := NewExchanger(nil, nil, nil)
	require.NoError(t, e.ExchangePair(context.Background(), p, ModeSync))
	require.Equal(t, PairDone, p.State())

	// content swapped in place
	requireUniform(t, from.Data(), 0xBB)
	requireUniform(t, to.Data(), 0xAA)

	// the virtual addresses now resolve crosswise
	got, err := f.proc.PT.Resolve(0x1000)
	require.NoError(t, err)
	require.Same(t, to, got)
	requireUniform(t, got.Data(), 0xAA)

	got, err = f.proc.PT.Resolve(0x2000)
	require.NoError(t, err)
	require.Same(t, from, got)

	// flags travelled with the content
	require.True(t, to.TestFlag(pagemodel.FlagDirty))
	require.False(t, from.TestFlag(pagemodel.FlagDirty))
	require.True(t, from.TestFlag(pagemodel.FlagReferenced))

	// NUMA hints swapped
	require.Equal(t, 3, from.NumaHintExchange(3))
	require.Equal(t, 7, to.NumaHintExchange(7))

	// references are exactly what they were before isolation
	require.Equal(t, fromRefs, from.RefCount())
	require.Equal(t, toRefs, to.RefCount())
	require.Equal(t, 1, from.MapCount())
	require.Equal(t, 1, to.MapCount())

	// frames never changed nodes
	require.Same(t, f.slow, from.Node())
	require.Same(t, f.fast, to.Node())

	f.slow.ReturnIsolated(from)
	f.fast.ReturnIsolated(to)
	require.Equal(t, int64(0), f.slow.NrIsolated())
}

func TestExchangeRoundTripRestoresOriginal(t *testing.T) {
	f := newFixture(t)
	from := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0x11)
	to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0x22)
	from.SetFlag(pagemodel.FlagActive)

	e := NewExchanger(nil, nil, nil)

	p := f.isolatePair(t, from, to)
	require.NoError(t, e.ExchangePair(context.Background(), p, ModeSync))
	f.slow.ReturnIsolated(from)
	f.fast.ReturnIsolated(to)

	p = f.isolatePair(t, from, to)
	require.NoError(t, e.ExchangePair(context.Background(), p, ModeSync))
	f.slow.ReturnIsolated(from)
	f.fast.ReturnIsolated(to)

	requireUniform(t, from.Data(), 0x11)
	requireUniform(t, to.Data(), 0x22)
	require.True(t, from.TestFlag(pagemodel.FlagActive))
	require.False(t, to.TestFlag(pagemodel.FlagActive))

	got, err := f.proc.PT.Resolve(0x1000)
	require.NoError(t, err)
	require.Same(t, from, got)
}

func TestExchangeAnonToFilePage(t *testing.T) {
	f := newFixture(t)
	as := pagemodel.NewAddressSpace("datafile", true)

	from := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0xAA)
	from.SetFlag(pagemodel.FlagSwapBacked)

	to := pagemodel.NewPage(2, 0)
	for i := range to.Data() {
		to.Data()[i] = 0xBB
	}
	f.fast.AttachPage(to, nil)
	require.NoError(t, as.AddPage(to, 9))
	require.NoError(t, f.proc.PT.Map(0x2000, to))
	to.SetFlag(pagemodel.FlagDirty)
	f.fast.ModFilePages(1)
	f.fast.ModFileDirty(1)

	p := f.isolatePair(t, from, to)
	e := NewExchanger(nil, nil, nil)
	require.NoError(t, e.ExchangePair(context.Background(), p, ModeSync))

	// the file slot now points at the frame holding the file data
	require.Same(t, as, from.Mapping())
	require.Equal(t, uint64(9), from.Index())
	requireUniform(t, from.Data(), 0xBB)
	cached := as.Lookup(9)
	require.Same(t, from, cached)
	cached.Put()

	// the to side became anonymous
	require.Nil(t, to.Mapping())
	requireUniform(t, to.Data(), 0xAA)
	require.True(t, to.TestFlag(pagemodel.FlagSwapBacked))
	require.False(t, from.TestFlag(pagemodel.FlagSwapBacked))

	// dirty state follows the file identity
	require.True(t, from.TestFlag(pagemodel.FlagDirty))
	require.False(t, to.TestFlag(pagemodel.FlagDirty))

	// file residency moved with the identity
	require.Equal(t, int64(0), f.fast.NrFilePages())
	require.Equal(t, int64(1), f.slow.NrFilePages())
	require.Equal(t, int64(0), f.fast.NrFileDirty())
	require.Equal(t, int64(1), f.slow.NrFileDirty())

	// cache ref sits on from now: isolation + cache + migrated pte
	require.Equal(t, 3, from.RefCount())
	require.Equal(t, 2, to.RefCount())

	// both virtual addresses still resolve, crosswise
	got, err := f.proc.PT.Resolve(0x1000)
	require.NoError(t, err)
	require.Same(t, to, got)
	got, err = f.proc.PT.Resolve(0x2000)
	require.NoError(t, err)
	require.Same(t, from, got)
}

func TestExchangeFileBackedFromIsUnsupported(t *testing.T) {
	f := newFixture(t)
	as := pagemodel.NewAddressSpace("datafile", false)

	from := pagemodel.NewPage(1, 0)
	f.slow.AttachPage(from, nil)
	require.NoError(t, as.AddPage(from, 0))
	require.NoError(t, f.proc.PT.Map(0x1000, from))

	to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0xBB)

	p := f.isolatePair(t, from, to)
	e := NewExchanger(nil, nil, nil)
	err := e.ExchangePair(context.Background(), p, ModeSync)
	require.ErrorIs(t, err, ErrUnsupported)
	require.Equal(t, PairFailed, p.State())

	// nothing moved
	got, resolveErr := f.proc.PT.Resolve(0x1000)
	require.NoError(t, resolveErr)
	require.Same(t, from, got)
	require.Same(t, as, from.Mapping())
}

func TestExchangeBusyOnExtraReference(t *testing.T) {
	f := newFixture(t)
	from := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0xAA)
	to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0xBB)

	to.Get() // a racing user holds the page
	p := f.isolatePair(t, from, to)

	e := NewExchanger(nil, nil, nil)
	err := e.ExchangePair(context.Background(), p, ModeSync)
	require.ErrorIs(t, err, ErrBusy)

	// full rollback: entries resolve to the original pages
	got, resolveErr := f.proc.PT.Resolve(0x1000)
	require.NoError(t, resolveErr)
	require.Same(t, from, got)
	requireUniform(t, from.Data(), 0xAA)
	require.Equal(t, 1, from.MapCount())

	to.Put()

	// with the extra reference gone a retry succeeds
	p.reset()
	require.NoError(t, e.ExchangePair(context.Background(), p, ModeSync))
	requireUniform(t, from.Data(), 0xBB)
}

func TestExchangePinnedPrivateMetadataRollsBack(t *testing.T) {
	f := newFixture(t)
	from := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0xAA)
	to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0xBB)
	to.SetPrivateData(true)

	p := f.isolatePair(t, from, to)
	e := NewExchanger(nil, nil, nil)
	err := e.ExchangePair(context.Background(), p, ModeSync)
	require.ErrorIs(t, err, ErrBusy)

	got, resolveErr := f.proc.PT.Resolve(0x2000)
	require.NoError(t, resolveErr)
	require.Same(t, to, got)
	requireUniform(t, to.Data(), 0xBB)
}

func TestExchangeWouldBlockUnderAsync(t *testing.T) {
	f := newFixture(t)
	from := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0xAA)
	to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0xBB)

	from.Lock()
	defer from.Unlock()

	p := f.isolatePair(t, from, to)
	e := NewExchanger(nil, nil, nil)
	err := e.ExchangePair(context.Background(), p, ModeAsync)
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestExchangeWritebackBusyWithoutSync(t *testing.T) {
	f := newFixture(t)
	from := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0xAA)
	to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0xBB)
	to.SetFlag(pagemodel.FlagWriteback)

	p := f.isolatePair(t, from, to)
	e := NewExchanger(nil, nil, nil)
	err := e.ExchangePair(context.Background(), p, 0)
	require.ErrorIs(t, err, ErrBusy)
}

func TestExchangeWaitsOutWritebackUnderSync(t *testing.T) {
	f := newFixture(t)
	from := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0xAA)
	to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0xBB)
	to.SetFlag(pagemodel.FlagWriteback)

	go func() {
		time.Sleep(20 * time.Millisecond)
		to.ClearFlag(pagemodel.FlagWriteback)
	}()

	p := f.isolatePair(t, from, to)
	e := NewExchanger(nil, nil, nil)
	require.NoError(t, e.ExchangePair(context.Background(), p, ModeSync))
	requireUniform(t, from.Data(), 0xBB)
}

func TestExchangeSizeMismatchUnsupported(t *testing.T) {
	f := newFixture(t)
	from := f.newMappedPage(t, f.slow, 1, 1, 0x1000, 0xAA)
	to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0xBB)

	p := f.isolatePair(t, from, to)
	e := NewExchanger(nil, nil, nil)
	require.ErrorIs(t, e.ExchangePair(context.Background(), p, ModeSync), ErrUnsupported)
}

func TestSequentialEngineFreedPageRetires(t *testing.T) {
	f := newFixture(t)
	from := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0xAA)
	to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0xBB)

	p := f.isolatePair(t, from, to)
	f.proc.PT.Unmap(0x1000) // the last user drops the page mid-flight
	require.Equal(t, 1, from.RefCount())

	e := NewExchanger(nil, nil, nil)
	results := e.ExchangePages(context.Background(), []*Pair{p}, ModeSync)
	require.Len(t, results, 1)
	require.True(t, results[0].Retired)
	require.NoError(t, results[0].Err)
	requireUniform(t, to.Data(), 0xBB)
}

func TestSequentialEngineBatchIndependence(t *testing.T) {
	f := newFixture(t)
	e := NewExchanger(nil, nil, nil)

	good1From := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0x01)
	good1To := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0x02)

	badFrom := f.newMappedPage(t, f.slow, 3, 1, 0x3000, 0x03) // size mismatch
	badTo := f.newMappedPage(t, f.fast, 4, 0, 0x5000, 0x04)

	good2From := f.newMappedPage(t, f.slow, 5, 0, 0x6000, 0x05)
	good2To := f.newMappedPage(t, f.fast, 6, 0, 0x7000, 0x06)

	pairs := []*Pair{
		f.isolatePair(t, good1From, good1To),
		f.isolatePair(t, badFrom, badTo),
		f.isolatePair(t, good2From, good2To),
	}

	results := e.ExchangePages(context.Background(), pairs, ModeSync)
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	require.ErrorIs(t, results[1].Err, ErrUnsupported)
	require.NoError(t, results[2].Err)

	requireUniform(t, good1From.Data(), 0x02)
	requireUniform(t, good2From.Data(), 0x06)
	requireUniform(t, badFrom.Data(), 0x03)
}

func TestSequentialEngineRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	from := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0xAA)
	to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0xBB)

	to.Get()
	p := f.isolatePair(t, from, to)

	e := NewExchanger(nil, nil, nil)
	results := e.ExchangePages(context.Background(), []*Pair{p}, ModeSync)
	require.ErrorIs(t, results[0].Err, ErrBusy, "all retries exhaust against a held reference")
	to.Put()
}

func TestConcurrentEngineMatchesSequentialOutcome(t *testing.T) {
	run := func(t *testing.T, concur bool) ([]byte, []byte, *pagemodel.Page, *pagemodel.Page, *fixture) {
		f := newFixture(t)
		from := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0xAA)
		to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0xBB)
		from.SetFlag(pagemodel.FlagActive)

		p := f.isolatePair(t, from, to)
		e := NewExchanger(nil, nil, nil)
		var results []Result
		if concur {
			results = e.ExchangePagesConcur(context.Background(), []*Pair{p}, ModeSync|ModeConcur|ModeMultithread)
		} else {
			results = e.ExchangePages(context.Background(), []*Pair{p}, ModeSync|ModeMultithread)
		}
		require.Len(t, results, 1)
		require.NoError(t, results[0].Err)
		return from.Data(), to.Data(), from, to, f
	}

	seqFrom, seqTo, sf, st, _ := run(t, false)
	conFrom, conTo, cf, ct, _ := run(t, true)

	require.Equal(t, seqFrom, conFrom)
	require.Equal(t, seqTo, conTo)
	require.Equal(t, sf.RefCount(), cf.RefCount())
	require.Equal(t, st.RefCount(), ct.RefCount())
	require.Equal(t, sf.TestFlag(pagemodel.FlagActive), cf.TestFlag(pagemodel.FlagActive))
	require.Equal(t, st.TestFlag(pagemodel.FlagActive), ct.TestFlag(pagemodel.FlagActive))
}

func TestConcurrentEngineDivertsHugeAndFilePairs(t *testing.T) {
	f := newFixture(t)
	e := NewExchanger(nil, nil, nil)

	hugeFrom := f.newMappedPage(t, f.slow, 1, 1, 0x10000, 0x0A)
	hugeTo := f.newMappedPage(t, f.fast, 2, 1, 0x20000, 0x0B)

	as := pagemodel.NewAddressSpace("datafile", false)
	anonFrom := f.newMappedPage(t, f.slow, 3, 0, 0x30000, 0x0C)
	fileTo := pagemodel.NewPage(4, 0)
	for i := range fileTo.Data() {
		fileTo.Data()[i] = 0x0D
	}
	f.fast.AttachPage(fileTo, nil)
	require.NoError(t, as.AddPage(fileTo, 1))
	require.NoError(t, f.proc.PT.Map(0x40000, fileTo))

	plainFrom := f.newMappedPage(t, f.slow, 5, 0, 0x50000, 0x0E)
	plainTo := f.newMappedPage(t, f.fast, 6, 0, 0x60000, 0x0F)

	pairs := []*Pair{
		f.isolatePair(t, hugeFrom, hugeTo),
		f.isolatePair(t, anonFrom, fileTo),
		f.isolatePair(t, plainFrom, plainTo),
	}

	results := e.ExchangePagesConcur(context.Background(), pairs, ModeSync|ModeConcur)
	require.Len(t, results, 3)
	for i, r := range results {
		require.NoErrorf(t, r.Err, "pair %d", i)
	}

	requireUniform(t, hugeFrom.Data(), 0x0B)
	requireUniform(t, hugeTo.Data(), 0x0A)
	requireUniform(t, anonFrom.Data(), 0x0D)
	require.Same(t, as, anonFrom.Mapping())
	requireUniform(t, plainFrom.Data(), 0x0F)
}

func TestConcurrentEngineStillBusyAfterPasses(t *testing.T) {
	f := newFixture(t)
	from := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0xAA)
	to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0xBB)

	to.Get()
	p := f.isolatePair(t, from, to)

	e := NewExchanger(nil, nil, nil)
	results := e.ExchangePagesConcur(context.Background(), []*Pair{p}, ModeSync|ModeConcur)
	require.ErrorIs(t, results[0].Err, ErrBusy)
	to.Put()

	requireUniform(t, from.Data(), 0xAA)
	got, err := f.proc.PT.Resolve(0x1000)
	require.NoError(t, err)
	require.Same(t, from, got)
}

func TestFlagSnapshotExclusivity(t *testing.T) {
	p := pagemodel.NewPage(1, 0)
	p.SetFlag(pagemodel.FlagUnevictable)
	s := captureFlags(p)
	s.active = true // stale capture must not produce both list bits
	applyFlags(p, s)
	require.True(t, p.TestFlag(pagemodel.FlagUnevictable))
	require.False(t, p.TestFlag(pagemodel.FlagActive))
}

func TestExchangeMovesDoubleMapBit(t *testing.T) {
	f := newFixture(t)
	from := f.newMappedPage(t, f.slow, 1, 1, 0x10000, 0xAA)
	to := f.newMappedPage(t, f.fast, 2, 1, 0x20000, 0xBB)
	from.SetFlag(pagemodel.FlagDoubleMap)

	p := f.isolatePair(t, from, to)
	e := NewExchanger(nil, nil, nil)
	require.NoError(t, e.ExchangePair(context.Background(), p, ModeSync))

	require.True(t, to.TestFlag(pagemodel.FlagDoubleMap),
		"double-map bit should travel to the page now holding the content")
	require.False(t, from.TestFlag(pagemodel.FlagDoubleMap))
}

func TestExchangeClearsSwapCacheOnBoth(t *testing.T) {
	f := newFixture(t)
	from := f.newMappedPage(t, f.slow, 1, 0, 0x1000, 0xAA)
	to := f.newMappedPage(t, f.fast, 2, 0, 0x2000, 0xBB)
	from.SetFlag(pagemodel.FlagSwapCached)
	to.SetFlag(pagemodel.FlagSwapCached)

	p := f.isolatePair(t, from, to)
	e := NewExchanger(nil, nil, nil)
	require.NoError(t, e.ExchangePair(context.Background(), p, ModeSync))

	require.False(t, from.TestFlag(pagemodel.FlagSwapCached))
	require.False(t, to.TestFlag(pagemodel.FlagSwapCached))
}
