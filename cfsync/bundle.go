package cfsync

import "sync"

// BundleHeightRange is the fixed width, in block heights, of one bundle.
const BundleHeightRange = 1000

// BundleState is a bundle's position in its one-way lifecycle:
// Init -> Waiting/Tip -> Pruned. A bundle never regresses except back to
// its pre-claim state when a worker fails partway through it.
type BundleState uint8

const (
	// BundleInit means no filter header is known for this range yet.
	BundleInit BundleState = iota
	// BundleWaiting means filter headers are validated and persisted but
	// the filter payloads haven't been checked against the wallet's
	// scripts yet.
	BundleWaiting
	// BundleTip is BundleWaiting's counterpart for the one bundle that
	// overlaps the current header tip: its upper edge can still grow as
	// more headers arrive, so it's never the same width twice.
	BundleTip
	// BundlePruned means every filter in the range has been checked and
	// every match has a persisted full block; the bundle contributes no
	// further work.
	BundlePruned
)

func (s BundleState) String() string {
	switch s {
	case BundleInit:
		return "init"
	case BundleWaiting:
		return "waiting"
	case BundleTip:
		return "tip"
	case BundlePruned:
		return "pruned"
	default:
		return "unknown"
	}
}

// bundle is the in-memory record of one 1000-height range. Durable state is
// chainstore.Store.IsBundlePruned; everything short of Pruned is rebuilt
// from the header and filter-header chain tips on every Coordinator.New.
// claimed is tracked separately from state: state reflects what's true
// about the range (filter headers ready, and whether it's still the
// growing tip), while claimed is the single compare-and-set that keeps two
// workers from processing the same bundle at once. Folding both into one
// field would mean a bundle promoted straight to Waiting by
// refreshBundleStates could never be told apart from one already claimed.
type bundle struct {
	mu      sync.Mutex
	index   uint32
	state   BundleState
	claimed bool
}

// claim atomically takes an unclaimed Waiting or Tip bundle, the single
// compare-and-set that keeps two workers from processing the same bundle
// at once.
func (b *bundle) claim() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed {
		return false
	}
	switch b.state {
	case BundleWaiting, BundleTip:
		b.claimed = true
		return true
	default:
		return false
	}
}

// release clears a claim left behind by a worker that failed partway
// through the bundle, so another worker can retry it.
func (b *bundle) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.claimed = false
}

func (b *bundle) markPruned() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BundlePruned
	b.claimed = false
}

func (b *bundle) currentState() BundleState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// startHeight is the first height this bundle covers.
func (b *bundle) startHeight() uint32 {
	return b.index * BundleHeightRange
}

// endHeightExclusive is the first height beyond this bundle's range,
// clipped to chainTipHeight+1 so a Tip bundle only ever claims to cover
// what's actually been header-synced.
func (b *bundle) endHeightExclusive(chainTipHeight uint32) uint32 {
	end := b.startHeight() + BundleHeightRange
	if end > chainTipHeight+1 {
		end = chainTipHeight + 1
	}
	return end
}
