package chainstore

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
)

func createTestStore(t *testing.T) (func(), *Store) {
	tempDir, errr := ioutil.TempDir("", "chainstore_test")
	if errr != nil {
		t.Fatalf("unable to create temp dir: %v", errr)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := walletdb.Create("bdb", dbPath, true)
	if err != nil {
		t.Fatalf("unable to create test db: %v", err)
	}

	store, err := Open(db, &chaincfg.SimNetParams)
	if err != nil {
		t.Fatalf("unable to open store: %v", err)
	}

	cleanUp := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}
	return cleanUp, store
}

// reopen simulates a process restart: it closes nothing (the caller owns
// the *Store's db) but re-runs Open against the same db, exercising
// bootstrap's "already seeded" path and recoverLeftoverSnapshots.
func reopen(t *testing.T, db walletdb.DB) *Store {
	store, err := Open(db, &chaincfg.SimNetParams)
	if err != nil {
		t.Fatalf("unable to re-open store: %v", err)
	}
	return store
}

func makeHeaderChain(t *testing.T, store *Store, numHeaders uint32) []Header {
	tip, err := store.ChainTip()
	if err != nil {
		t.Fatalf("unable to fetch chain tip: %v", err)
	}
	prev := tip.BlockHeader
	prevHeight := tip.Height

	rand.Seed(time.Now().UnixNano())
	headers := make([]Header, numHeaders)
	for i := uint32(0); i < numHeaders; i++ {
		h := &wire.BlockHeader{
			Bits:      prev.Bits,
			Nonce:     uint32(rand.Int31()),
			Timestamp: prev.Timestamp.Add(time.Minute),
			PrevBlock: prev.BlockHash(),
		}
		headers[i] = Header{BlockHeader: h, Height: prevHeight + 1 + i}
		prev = h
	}
	return headers
}

func TestStoreBootstrapSeedsGenesis(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	tip, err := store.ChainTip()
	if err != nil {
		t.Fatalf("unable to fetch chain tip: %v", err)
	}
	if tip.Height != 0 {
		t.Fatalf("expected genesis tip at height 0, got %d", tip.Height)
	}

	fhTip, err := store.FilterHeaderChainTip()
	if err != nil {
		t.Fatalf("unable to fetch filter header chain tip: %v", err)
	}
	if fhTip.Height != 0 {
		t.Fatalf("expected genesis filter header at height 0, got %d", fhTip.Height)
	}
	if fhTip.HeaderHash != *chaincfg.SimNetParams.GenesisHash {
		t.Fatalf("genesis filter header keyed on wrong hash")
	}
}

func TestStoreWriteAndFetchHeaders(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	const numHeaders = 100
	headers := makeHeaderChain(t, store, numHeaders)

	if err := store.WriteHeaders(headers...); err != nil {
		t.Fatalf("unable to write headers: %v", err)
	}

	tip, err := store.ChainTip()
	if err != nil {
		t.Fatalf("unable to fetch chain tip: %v", err)
	}
	last := headers[len(headers)-1]
	if tip.Height != last.Height {
		t.Fatalf("tip height mismatch: expected %d, got %d", last.Height, tip.Height)
	}
	if tip.BlockHash() != last.BlockHash() {
		t.Fatalf("tip hash mismatch")
	}

	if err := store.CheckConnectivity(); err != nil {
		t.Fatalf("headers don't connect: %v", err)
	}

	for _, h := range headers {
		byHeight, err := store.FetchHeaderByHeight(h.Height)
		if err != nil {
			t.Fatalf("unable to fetch header by height %d: %v", h.Height, err)
		}
		if byHeight.BlockHash() != h.BlockHash() {
			t.Fatalf("header at height %d doesn't match", h.Height)
		}

		hash := h.BlockHash()
		byHash, err := store.FetchHeader(&hash)
		if err != nil {
			t.Fatalf("unable to fetch header by hash: %v", err)
		}
		if byHash.Height != h.Height {
			t.Fatalf("height mismatch for header %v: expected %d, got %d",
				hash, h.Height, byHash.Height)
		}
	}
}

func TestStoreRollbackLastBlock(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	headers := makeHeaderChain(t, store, 10)
	if err := store.WriteHeaders(headers...); err != nil {
		t.Fatalf("unable to write headers: %v", err)
	}

	secondToLast := headers[len(headers)-2]
	rolledBack, err := store.RollbackLastBlock()
	if err != nil {
		t.Fatalf("unable to roll back: %v", err)
	}
	if rolledBack.Height != secondToLast.Height {
		t.Fatalf("rollback returned wrong height: expected %d, got %d",
			secondToLast.Height, rolledBack.Height)
	}
	if rolledBack.BlockHash() != secondToLast.BlockHash() {
		t.Fatalf("rollback returned wrong hash")
	}

	tip, err := store.ChainTip()
	if err != nil {
		t.Fatalf("unable to fetch chain tip: %v", err)
	}
	if tip.Height != secondToLast.Height {
		t.Fatalf("tip not updated by rollback: expected %d, got %d",
			secondToLast.Height, tip.Height)
	}
}

func TestStoreWorkMonotonic(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	before, err := store.Work()
	if err != nil {
		t.Fatalf("unable to fetch work: %v", err)
	}

	headers := makeHeaderChain(t, store, 5)
	if err := store.WriteHeaders(headers...); err != nil {
		t.Fatalf("unable to write headers: %v", err)
	}

	after, err := store.Work()
	if err != nil {
		t.Fatalf("unable to fetch work: %v", err)
	}
	if after.Cmp(before) <= 0 {
		t.Fatalf("expected cumulative work to increase: before=%v after=%v", before, after)
	}

	if _, err := store.RollbackLastBlock(); err != nil {
		t.Fatalf("unable to roll back: %v", err)
	}
	afterRollback, err := store.Work()
	if err != nil {
		t.Fatalf("unable to fetch work: %v", err)
	}
	if afterRollback.Cmp(after) >= 0 {
		t.Fatalf("expected work to decrease after rollback: before=%v after=%v", after, afterRollback)
	}
}

func TestStoreWriteHeadersRejectsGap(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	headers := makeHeaderChain(t, store, 5)
	headers[2].Height++ // introduce a gap at the third header

	err := store.WriteHeaders(headers...)
	if err == nil {
		t.Fatalf("expected an error writing a non-contiguous batch")
	}
	if !ErrNotConnected.Is(err) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestStoreFetchHeaderAncestors(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	const numHeaders = 50
	headers := makeHeaderChain(t, store, numHeaders)
	if err := store.WriteHeaders(headers...); err != nil {
		t.Fatalf("unable to write headers: %v", err)
	}

	firstHash := headers[0].BlockHash()
	ancestors, err := store.FetchHeaderAncestors(numHeaders, &firstHash)
	if err != nil {
		t.Fatalf("unable to fetch ancestors: %v", err)
	}
	if len(ancestors) != numHeaders {
		t.Fatalf("expected %d ancestors, got %d", numHeaders, len(ancestors))
	}
	for i, h := range ancestors {
		if h.BlockHash() != headers[i].BlockHash() {
			t.Fatalf("ancestor %d hash mismatch", i)
		}
	}
}

func TestStoreLatestBlockLocator(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	headers := makeHeaderChain(t, store, 20)
	if err := store.WriteHeaders(headers...); err != nil {
		t.Fatalf("unable to write headers: %v", err)
	}

	locator, err := store.LatestBlockLocator()
	if err != nil {
		t.Fatalf("unable to build block locator: %v", err)
	}
	if len(locator) == 0 {
		t.Fatalf("expected a non-empty block locator")
	}
	tip, _ := store.ChainTip()
	tipHash := tip.BlockHash()
	if *locator[0] != tipHash {
		t.Fatalf("expected locator to start at the tip")
	}
	genesisHash := *chaincfg.SimNetParams.GenesisHash
	if *locator[len(locator)-1] != genesisHash {
		t.Fatalf("expected locator to end at genesis")
	}
}
