package exchange

import (
	"fmt"

	pagemodel "github.com/sushant-115/tierswap/core/page_model"
)

// exchangeMapping swaps the mapping identities of a pair. fromExtra and
// toExtra are the references the unmap step left pinned on each page;
// the reference checks fail with ErrBusy when anything else still holds
// the pages.
//
// Three shapes exist:
//   - anon / anon: a reference check and an index swap, no index
//     structure to touch.
//   - anon from, file-backed to: the file slot is repointed at the from
//     page under the index lock with the to side's count frozen, and
//     the per-node file residency counters are patched.
//   - file-backed from: not handled, ErrUnsupported.
//
// Both page latches must be held. Past a nil return the exchange is
// committed: content, flags and page-table restore must follow.
func exchangeMapping(from, to *pagemodel.Page, fromExtra, toExtra int) error {
	if from.Mapping() != nil {
		return fmt.Errorf("%w: file-backed from side", ErrUnsupported)
	}

	fromIdx, toIdx := from.Index(), to.Index()
	as := to.Mapping()

	if as == nil {
		// Isolation holds one reference on each side; anything beyond
		// that and the pinned page-table references is a racing user.
		if from.RefCount() != 1+fromExtra || to.RefCount() != 1+toExtra {
			return fmt.Errorf("%w: unexpected references on anon pair", ErrBusy)
		}
		from.SetMappingIdentity(nil, toIdx)
		to.SetMappingIdentity(nil, fromIdx)
		return nil
	}

	// The dirty residency patch below needs the file side's dirty state
	// as it stands before the flag exchange.
	toWasDirty := to.TestFlag(pagemodel.FlagDirty)

	as.LockIndex()
	if as.EntryLocked(toIdx) != to {
		as.UnlockIndex()
		return fmt.Errorf("%w: file slot moved under us", ErrBusy)
	}

	// Isolation plus the index structure's cache reference plus the
	// pinned page-table references. Freezing wins the race against
	// speculative lookups for the whole identity swap.
	expected := 2 + toExtra
	if !to.Freeze(expected) {
		as.UnlockIndex()
		return fmt.Errorf("%w: file page has unexpected references", ErrBusy)
	}
	if from.RefCount() != 1+fromExtra {
		to.Unfreeze(expected)
		as.UnlockIndex()
		return fmt.Errorf("%w: unexpected references on anon side", ErrBusy)
	}

	as.StoreLocked(toIdx, from)
	from.SetMappingIdentity(as, toIdx)
	to.SetMappingIdentity(nil, fromIdx)

	// swap-backed follows the anon identity
	fromSwapBacked := from.TestClearFlag(pagemodel.FlagSwapBacked)
	toSwapBacked := to.TestClearFlag(pagemodel.FlagSwapBacked)
	if fromSwapBacked {
		to.SetFlag(pagemodel.FlagSwapBacked)
	}
	if toSwapBacked {
		from.SetFlag(pagemodel.FlagSwapBacked)
	}

	// The cache reference moves to the page now in the slot.
	from.Get()
	to.Unfreeze(expected - 1)
	as.UnlockIndex()

	// File residency follows the identity across nodes.
	n := int64(to.BasePages())
	if fromNode, toNode := from.Node(), to.Node(); fromNode != toNode {
		if toNode != nil {
			toNode.ModFilePages(-n)
		}
		if fromNode != nil {
			fromNode.ModFilePages(n)
		}
		if as.DirtyAccounted() && toWasDirty {
			if toNode != nil {
				toNode.ModFileDirty(-n)
			}
			if fromNode != nil {
				fromNode.ModFileDirty(n)
			}
		}
	}
	return nil
}
