package cfsync

import (
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkt-cash/pktd/pktwallet/walletdb"

	_ "github.com/pkt-cash/pktd/pktwallet/walletdb/bdb"

	"github.com/pkt-cash/lwcore/chainstore"
)

func createTestStore(t *testing.T) (func(), *chainstore.Store) {
	tempDir, errr := ioutil.TempDir("", "cfsync_test")
	if errr != nil {
		t.Fatalf("unable to create temp dir: %v", errr)
	}
	dbPath := filepath.Join(tempDir, "test.db")
	db, err := walletdb.Create("bdb", dbPath, true)
	if err != nil {
		t.Fatalf("unable to create test db: %v", err)
	}
	store, err := chainstore.Open(db, &chaincfg.SimNetParams)
	if err != nil {
		t.Fatalf("unable to open store: %v", err)
	}
	cleanUp := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}
	return cleanUp, store
}

func writeHeaderChain(t *testing.T, store *chainstore.Store, numHeaders uint32) {
	tip, err := store.ChainTip()
	if err != nil {
		t.Fatalf("unable to fetch chain tip: %v", err)
	}
	rand.Seed(time.Now().UnixNano())
	prev := tip.BlockHeader
	prevHeight := tip.Height
	headers := make([]chainstore.Header, numHeaders)
	for i := uint32(0); i < numHeaders; i++ {
		h := &wire.BlockHeader{
			Bits:      prev.Bits,
			Nonce:     uint32(rand.Int31()),
			Timestamp: prev.Timestamp.Add(time.Minute),
			PrevBlock: prev.BlockHash(),
		}
		headers[i] = chainstore.Header{BlockHeader: h, Height: prevHeight + 1 + i}
		prev = h
	}
	if err := store.WriteHeaders(headers...); err != nil {
		t.Fatalf("unable to write headers: %v", err)
	}
}

func TestCoordinatorNewWithNoFilterHeadersLeavesEverythingInit(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	writeHeaderChain(t, store, 150)

	c, err := New(store, 0, wire.GCSFilterRegular)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.TotalBundles() != 1 {
		t.Fatalf("expected 1 bundle covering heights 0-150, got %d", c.TotalBundles())
	}
	if c.PrunedBundles() != 0 {
		t.Fatalf("expected no pruned bundles yet, got %d", c.PrunedBundles())
	}
	if got := c.bundles[0].currentState(); got != BundleInit {
		t.Fatalf("expected bundle 0 to be Init (no filter headers synced), got %v", got)
	}
}

func TestCoordinatorNewMarksSkippedRangePruned(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	// Two full bundles plus a partial third.
	writeHeaderChain(t, store, 2*BundleHeightRange+500)

	c, err := New(store, 2*BundleHeightRange, wire.GCSFilterRegular)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.TotalBundles() != 3 {
		t.Fatalf("expected 3 bundles, got %d", c.TotalBundles())
	}
	if got := c.bundles[0].currentState(); got != BundlePruned {
		t.Fatalf("expected bundle 0 to be force-pruned below skipBlocks, got %v", got)
	}
	if got := c.bundles[1].currentState(); got != BundlePruned {
		t.Fatalf("expected bundle 1 to be force-pruned below skipBlocks, got %v", got)
	}
	if got := c.bundles[2].currentState(); got != BundleInit {
		t.Fatalf("expected bundle 2 (above skipBlocks, no filter headers yet) to be Init, got %v", got)
	}
	if c.PrunedBundles() != 2 {
		t.Fatalf("expected PrunedBundles()=2, got %d", c.PrunedBundles())
	}
}

func TestCoordinatorNewRecognizesPersistedPrunedMarker(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	writeHeaderChain(t, store, 150)
	if err := store.SetBundlePruned(0); err != nil {
		t.Fatalf("unable to mark bundle pruned: %v", err)
	}

	c, err := New(store, 0, wire.GCSFilterRegular)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := c.bundles[0].currentState(); got != BundlePruned {
		t.Fatalf("expected the persisted Pruned marker to be honored, got %v", got)
	}
}

func TestCoordinatorNewClassifiesTipBundle(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	writeHeaderChain(t, store, 150)

	// Manually extend the filter-header chain to the header tip, as
	// PrepareSync would, without exercising the network round trip.
	tip, err := store.ChainTip()
	if err != nil {
		t.Fatalf("unable to fetch chain tip: %v", err)
	}
	fhTip, err := store.FilterHeaderChainTip()
	if err != nil {
		t.Fatalf("unable to fetch filter header chain tip: %v", err)
	}
	snap, err := store.BeginFilterHeaderSnapshot(fhTip.Height)
	if err != nil {
		t.Fatalf("unable to begin filter header snapshot: %v", err)
	}
	prev := fhTip.FilterHash
	var batch []chainstore.FilterHeader
	for h := fhTip.Height + 1; h <= tip.Height; h++ {
		hdr, err := store.FetchHeaderByHeight(h)
		if err != nil {
			t.Fatalf("unable to fetch header at height %d: %v", h, err)
		}
		// A synthetic stand-in for the block's real filter hash: this test
		// only exercises Coordinator.New's bundle classification, not
		// filter-payload validity, so any distinct per-height value chains
		// correctly.
		fh := chainFilterHeader(hdr.BlockHash(), prev)
		batch = append(batch, chainstore.FilterHeader{HeaderHash: hdr.BlockHash(), FilterHash: fh, Height: h})
		prev = fh
	}
	if err := snap.WriteFilterHeaders(batch...); err != nil {
		t.Fatalf("unable to write filter headers: %v", err)
	}
	if err := store.ApplySnapshot(snap); err != nil {
		t.Fatalf("unable to apply snapshot: %v", err)
	}

	c, err := New(store, 0, wire.GCSFilterRegular)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := c.bundles[0].currentState(); got != BundleTip {
		t.Fatalf("expected bundle 0 to be Tip once filter headers cover the full header chain, got %v", got)
	}
	if !c.bundles[0].claim() {
		t.Fatalf("expected the Tip bundle to be claimable")
	}
}
