// Package engine glues ChainStore, HeaderSync, the CFSync Coordinator, and
// WalletReconciler together behind the Blockchain façade a wallet actually
// calls: setup/sync, get_tx, broadcast, height, capabilities.
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil/gcs"
	"github.com/btcsuite/btcutil/gcs/builder"
	"github.com/pkt-cash/pktd/btcutil/er"

	"github.com/pkt-cash/lwcore/cfsync"
	"github.com/pkt-cash/lwcore/chainstore"
	"github.com/pkt-cash/lwcore/config"
	"github.com/pkt-cash/lwcore/headersync"
	"github.com/pkt-cash/lwcore/peerapi"
	"github.com/pkt-cash/lwcore/progress"
	"github.com/pkt-cash/lwcore/walletapi"
	"github.com/pkt-cash/lwcore/walletreconciler"
)

// Capability is one feature a Blockchain backend can advertise to a
// wallet.
type Capability int

const (
	// FullHistory means get_tx/setup can recover the wallet's full
	// transaction history from genesis, not just from some snapshot
	// point.
	FullHistory Capability = iota
)

// Blockchain is the sync engine a wallet drives: one ChainStore, one
// Coordinator built fresh per Setup call, and the set of configured peers.
// peers[0] is always the designated peer for header sync, mempool
// refresh, and broadcast; every configured peer (including peers[0]) runs
// a CFSync worker in parallel against the shared store and bundle cursor.
type Blockchain struct {
	cfg        *config.Config
	peers      []peerapi.Peer
	store      *chainstore.Store
	filterType wire.FilterType
	metrics    *Metrics
}

// New constructs a Blockchain. cfg must already have passed Validate; peers
// must be non-empty and in the same order as cfg.Peers.
func New(cfg *config.Config, peers []peerapi.Peer, store *chainstore.Store) (*Blockchain, er.R) {
	if len(peers) == 0 {
		return nil, ErrNoPeers.Default()
	}
	return &Blockchain{
		cfg:        cfg,
		peers:      peers,
		store:      store,
		filterType: wire.GCSFilterRegular,
		metrics:    NewMetrics(),
	}, nil
}

// Metrics exposes the Prometheus collectors this Blockchain updates, for
// the caller to register against whatever registry it uses.
func (b *Blockchain) Metrics() *Metrics {
	return b.metrics
}

// Capabilities reports the feature set this backend supports.
func (b *Blockchain) Capabilities() map[Capability]struct{} {
	return map[Capability]struct{}{FullHistory: {}}
}

// GetHeight returns the current header chain tip height.
func (b *Blockchain) GetHeight() (uint32, er.R) {
	return b.store.GetHeight()
}

// GetTx returns a mempool hit from the designated peer if present;
// otherwise nil. This backend makes no historical-lookup guarantee beyond
// what's already reconciled into the wallet database.
func (b *Blockchain) GetTx(txid chainhash.Hash) (*wire.MsgTx, er.R) {
	if len(b.peers) == 0 {
		return nil, ErrNoPeers.Default()
	}
	inv := wire.NewInvVect(wire.InvTypeTx, &txid)
	return b.peers[0].Mempool().GetTx(inv), nil
}

// Broadcast forwards tx to the designated peer. The returned error reflects
// only the local send; peer-side rejection arrives asynchronously.
func (b *Blockchain) Broadcast(tx *wire.MsgTx) er.R {
	if len(b.peers) == 0 {
		return ErrNoPeers.Default()
	}
	return b.peers[0].BroadcastTx(tx)
}

// defaultFeeEstimate is returned by EstimateFee; this backend does not
// implement real fee estimation.
const defaultFeeEstimate = 1000

// EstimateFee returns a defaulted fee rate; this backend does not
// implement real fee estimation.
func (b *Blockchain) EstimateFee(confTarget uint32) (uint64, er.R) {
	return defaultFeeEstimate, nil
}

// Setup blocks until the wallet database is fully reconciled against the
// current chain tip: it header-syncs from the designated peer, downloads
// and validates filter headers, fans out filter/block download across
// every configured peer, and finally replays matched blocks and the
// mempool into the wallet database. Progress percentages reported to sink
// are weakly monotonic and end with (100, "Done") on success.
func (b *Blockchain) Setup(database walletapi.Database, sink progress.Sink) er.R {
	if len(b.peers) == 0 {
		return ErrNoPeers.Default()
	}
	primary := b.peers[0]

	reportingSink := progress.FuncSink(func(percent float64, message string) error {
		b.metrics.ProgressPct.Set(percent)
		return sink.Update(percent, message)
	})
	msink := progress.NewMutexSink(reportingSink)

	localTip, err := b.store.GetHeight()
	if err != nil {
		return err
	}
	headersToFetch := uint32(0)
	if startHeight := primary.GetVersion().StartHeight; startHeight > int32(localTip) {
		headersToFetch = uint32(startHeight) - localTip
	}

	if err := headersync.Sync(primary, b.store, func(h uint32) {
		b.metrics.SyncHeight.Set(float64(h))
	}); err != nil {
		return err
	}

	coord, err := cfsync.New(b.store, b.cfg.SkipBlocks, b.filterType)
	if err != nil {
		return err
	}
	if err := coord.PrepareSync(primary); err != nil {
		return err
	}

	bundlesToFetch := uint32(coord.TotalBundles() - coord.PrunedBundles())
	model := progress.NewModel(headersToFetch, bundlesToFetch)
	if err := msink.Update(model.HeadersDonePercent(), "Headers synced"); err != nil {
		return er.E(err)
	}

	newTip, err := b.store.GetHeight()
	if err != nil {
		return err
	}

	var lastSyncedBlockMu sync.Mutex
	lastSyncedBlock := newTip + 1
	var bundlesDone uint32

	onMatch := defaultMatchPolicy(b.store, database, &lastSyncedBlockMu, &lastSyncedBlock)
	onBundleDone := func(index uint32) er.R {
		b.metrics.BundlesPruned.Inc()
		n := atomic.AddUint32(&bundlesDone, 1)
		pct := model.FiltersPercent(n)
		msg := fmt.Sprintf("Syncing filters (%d/%d bundles)", n, bundlesToFetch)
		if err := msink.Update(pct, msg); err != nil {
			return er.E(err)
		}
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan er.R, len(b.peers))
	for _, peer := range b.peers {
		wg.Add(1)
		go func(p peerapi.Peer) {
			defer wg.Done()
			errCh <- coord.CaptureThreadForSync(p, onMatch, onBundleDone)
		}(peer)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}

	if err := walletreconciler.Setup(database, b.store, primary, lastSyncedBlock); err != nil {
		return err
	}

	if err := msink.Update(100, "Done"); err != nil {
		return er.E(err)
	}
	return nil
}

// defaultMatchPolicy is the BIP158 match_any policy against the wallet's
// watched scripts; on a match, skip the redownload if
// the right block is already persisted, otherwise lower lastSyncedBlock to
// the minimum height seen so far and request the block. Kept as a plain
// closure over cfsync.MatchFunc rather than a Coordinator method, so
// Coordinator itself never depends on wallet-matching policy.
func defaultMatchPolicy(
	store *chainstore.Store,
	database walletapi.Database,
	mu *sync.Mutex,
	lastSyncedBlock *uint32,
) cfsync.MatchFunc {
	return func(blockHash *chainhash.Hash, filter *gcs.Filter) (bool, er.R) {
		scripts, err := database.IterScriptPubKeys(nil)
		if err != nil {
			return false, ErrUpstream.New("", err)
		}
		if len(scripts) == 0 {
			return false, nil
		}

		key := builder.DeriveKey(blockHash)
		matched, merr := filter.MatchAny(key, scripts)
		if merr != nil {
			return false, er.E(merr)
		}
		if !matched {
			return false, nil
		}

		height, err := store.HeightFromHash(blockHash)
		if err != nil {
			return false, err
		}

		existing, err := store.GetFullBlock(height)
		if err == nil {
			if existing.Hash() != nil && *existing.Hash() == *blockHash {
				return false, nil
			}
		} else if !chainstore.ErrHeightNotFound.Is(err) {
			return false, err
		}

		mu.Lock()
		if height < *lastSyncedBlock {
			*lastSyncedBlock = height
		}
		mu.Unlock()
		return true, nil
	}
}
