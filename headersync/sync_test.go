package headersync

import (
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/gcs"
	"github.com/pkt-cash/pktd/btcutil/er"
	"github.com/pkt-cash/pktd/pktwallet/walletdb"

	_ "github.com/pkt-cash/pktd/pktwallet/walletdb/bdb"

	"github.com/pkt-cash/lwcore/chainstore"
	"github.com/pkt-cash/lwcore/peerapi"
)

func createTestStore(t *testing.T) (func(), *chainstore.Store) {
	tempDir, errr := ioutil.TempDir("", "headersync_test")
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

// buildValidChain extends from genesis numHeaders blocks, reusing genesis
// bits and a one-minute timestamp step so every header clears simnet's PoW
// target and stays below the retarget/reduce-min-difficulty thresholds.
func buildValidChain(t *testing.T, store *chainstore.Store, numHeaders uint32) []*wire.BlockHeader {
	tip, err := store.ChainTip()
	if err != nil {
		t.Fatalf("unable to fetch chain tip: %v", err)
	}
	rand.Seed(1)
	prev := tip.BlockHeader
	out := make([]*wire.BlockHeader, numHeaders)
	for i := uint32(0); i < numHeaders; i++ {
		h := &wire.BlockHeader{
			Bits:      prev.Bits,
			Nonce:     uint32(rand.Int31()),
			Timestamp: prev.Timestamp.Add(time.Minute),
			PrevBlock: prev.BlockHash(),
		}
		target := blockchain.CompactToBig(h.Bits)
		for {
			hash := h.BlockHash()
			if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
				break
			}
			h.Nonce++
		}
		out[i] = h
		prev = h
	}
	return out
}

// fakePeer serves a single fixed batch of headers on the first call to
// HeadersByLocator and an empty batch afterward, simulating a peer that
// has nothing further once it has sent everything it has.
type fakePeer struct {
	headers []*wire.BlockHeader
	served  bool
}

func (p *fakePeer) Addr() string               { return "fake:0" }
func (p *fakePeer) GetNetwork() wire.BitcoinNet { return wire.SimNet }
func (p *fakePeer) GetVersion() peerapi.Version { return peerapi.Version{} }

func (p *fakePeer) HeadersByLocator([]*chainhash.Hash, *chainhash.Hash, time.Duration) ([]*wire.BlockHeader, er.R) {
	if p.served {
		return nil, nil
	}
	p.served = true
	return p.headers, nil
}

func (p *fakePeer) CFHeadersByRange(wire.FilterType, uint32, *chainhash.Hash, time.Duration) (*peerapi.CFHeadersResponse, er.R) {
	return nil, nil
}

func (p *fakePeer) CFiltersByRange(wire.FilterType, uint32, *chainhash.Hash, time.Duration) ([]*gcs.Filter, er.R) {
	return nil, nil
}

func (p *fakePeer) GetBlock(*chainhash.Hash, time.Duration) (*btcutil.Block, er.R) { return nil, nil }
func (p *fakePeer) AskForMempool() er.R                                           { return nil }
func (p *fakePeer) Mempool() peerapi.Mempool                                      { return nil }
func (p *fakePeer) BroadcastTx(*wire.MsgTx) er.R                                  { return nil }

func TestSyncExtendsChainWithValidHeaders(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	headers := buildValidChain(t, store, 20)
	peer := &fakePeer{headers: headers}

	var lastProgress uint32
	err := Sync(peer, store, func(h uint32) { lastProgress = h })
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	tip, err := store.ChainTip()
	if err != nil {
		t.Fatalf("unable to fetch chain tip: %v", err)
	}
	if tip.Height != 20 {
		t.Fatalf("expected tip height 20, got %d", tip.Height)
	}
	if tip.BlockHash() != headers[len(headers)-1].BlockHash() {
		t.Fatalf("tip hash mismatch after sync")
	}
	if lastProgress != 20 {
		t.Fatalf("expected onProgress to report height 20, got %d", lastProgress)
	}
}

func TestSyncRejectsBrokenLinkage(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	headers := buildValidChain(t, store, 5)
	headers[2].PrevBlock = chainhash.Hash{0xff}
	peer := &fakePeer{headers: headers}

	err := Sync(peer, store, nil)
	if err == nil {
		t.Fatalf("expected Sync to reject a header with broken linkage")
	}

	tip, ferr := store.ChainTip()
	if ferr != nil {
		t.Fatalf("unable to fetch chain tip: %v", ferr)
	}
	if tip.Height != 0 {
		t.Fatalf("expected the store to remain untouched at genesis, got tip height %d", tip.Height)
	}
}

func TestSyncWithNothingNewLeavesStoreUntouched(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	tipBeforeSync, err := store.ChainTip()
	if err != nil {
		t.Fatalf("unable to fetch chain tip: %v", err)
	}

	peer := &fakePeer{headers: nil}
	if err := Sync(peer, store, nil); err != nil {
		t.Fatalf("Sync should silently return when the peer has nothing new, got error: %v", err)
	}

	tipAfter, err := store.ChainTip()
	if err != nil {
		t.Fatalf("unable to fetch chain tip: %v", err)
	}
	if tipAfter.BlockHash() != tipBeforeSync.BlockHash() {
		t.Fatalf("expected the store's tip to be unchanged when the peer offers nothing")
	}
}
