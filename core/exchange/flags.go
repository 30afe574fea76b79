package exchange

import (
	pagemodel "github.com/sushant-115/tierswap/core/page_model"
)

// flagSnapshot is the plain-bool capture of one page's transferable
// status bits, taken with test-and-clear so nothing is counted twice.
type flagSnapshot struct {
	hasError     bool
	referenced   bool
	uptodate     bool
	active       bool
	unevictable  bool
	checked      bool
	mappedToDisk bool
	dirty        bool
	young        bool
	idle         bool
	doubleMap    bool
}

func captureFlags(p *pagemodel.Page) flagSnapshot {
	return flagSnapshot{
		hasError:     p.TestClearFlag(pagemodel.FlagError),
		referenced:   p.TestClearFlag(pagemodel.FlagReferenced),
		uptodate:     p.TestClearFlag(pagemodel.FlagUptodate),
		active:       p.TestClearFlag(pagemodel.FlagActive),
		unevictable:  p.TestClearFlag(pagemodel.FlagUnevictable),
		checked:      p.TestClearFlag(pagemodel.FlagChecked),
		mappedToDisk: p.TestClearFlag(pagemodel.FlagMappedToDisk),
		dirty:        p.TestClearFlag(pagemodel.FlagDirty),
		young:        p.TestClearFlag(pagemodel.FlagYoung),
		idle:         p.TestClearFlag(pagemodel.FlagIdle),
		doubleMap:    p.TestClearFlag(pagemodel.FlagDoubleMap),
	}
}

func applyFlags(p *pagemodel.Page, s flagSnapshot) {
	if s.hasError {
		p.SetFlag(pagemodel.FlagError)
	}
	if s.referenced {
		p.SetFlag(pagemodel.FlagReferenced)
	}
	if s.uptodate {
		p.SetFlag(pagemodel.FlagUptodate)
	}
	// a page sits on exactly one of the active and unevictable sets
	if s.unevictable {
		p.SetFlag(pagemodel.FlagUnevictable)
	} else if s.active {
		p.SetFlag(pagemodel.FlagActive)
	}
	if s.checked {
		p.SetFlag(pagemodel.FlagChecked)
	}
	if s.mappedToDisk {
		p.SetFlag(pagemodel.FlagMappedToDisk)
	}
	if s.dirty {
		p.SetFlag(pagemodel.FlagDirty)
	}
	if s.young {
		p.SetFlag(pagemodel.FlagYoung)
	}
	if s.idle {
		p.SetFlag(pagemodel.FlagIdle)
	}
	if s.doubleMap {
		p.SetFlag(pagemodel.FlagDoubleMap)
	}
}

// exchangeFlags swaps the transferable status bits, the NUMA access
// hints and the accounting-group ownership of a pair. Both latches must
// be held and neither page may be under writeback.
func exchangeFlags(from, to *pagemodel.Page) {
	fromSnap := captureFlags(from)
	toSnap := captureFlags(to)
	applyFlags(from, toSnap)
	applyFlags(to, fromSnap)

	// neither identity stays in the swap cache after its contents move
	from.ClearFlag(pagemodel.FlagSwapCached)
	to.ClearFlag(pagemodel.FlagSwapCached)

	fromHint := from.NumaHintExchange(-1)
	toHint := to.NumaHintExchange(fromHint)
	from.NumaHintExchange(toHint)

	pagemodel.ExchangeMemcg(from, to)
}
