package engine

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/gcs"
	"github.com/btcsuite/btcutil/gcs/builder"
	"github.com/pkt-cash/pktd/btcutil/er"
	"github.com/pkt-cash/pktd/pktwallet/walletdb"

	_ "github.com/pkt-cash/pktd/pktwallet/walletdb/bdb"

	"github.com/pkt-cash/lwcore/chainstore"
	"github.com/pkt-cash/lwcore/config"
	"github.com/pkt-cash/lwcore/peerapi"
	"github.com/pkt-cash/lwcore/walletapi"
)

func createTestStore(t *testing.T) (func(), *chainstore.Store) {
	tempDir, errr := ioutil.TempDir("", "engine_test")
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

// fakeDatabase is a minimal walletapi.Database that only ever reports a
// fixed set of watched scripts; blockchain_test.go doesn't need the
// batch-mutation half of the interface.
type fakeDatabase struct {
	scripts [][]byte
}

func (f *fakeDatabase) IterScriptPubKeys(filter *walletapi.ScriptType) ([][]byte, er.R) {
	return f.scripts, nil
}
func (f *fakeDatabase) IsMine(script []byte) (bool, er.R)  { return false, nil }
func (f *fakeDatabase) GetPathFromScriptPubKey(script []byte) (walletapi.ScriptType, uint32, bool, er.R) {
	return 0, 0, false, nil
}
func (f *fakeDatabase) GetPreviousOutput(op wire.OutPoint) (*wire.TxOut, er.R) { return nil, nil }
func (f *fakeDatabase) GetLastIndex(st walletapi.ScriptType) (uint32, er.R)    { return 0, nil }
func (f *fakeDatabase) SetLastIndex(st walletapi.ScriptType, index uint32) er.R {
	return nil
}
func (f *fakeDatabase) IterTxs(includeRaw bool) ([]walletapi.TransactionDetails, er.R) {
	return nil, nil
}
func (f *fakeDatabase) BeginBatch() walletapi.Batch          { return &fakeBatch{} }
func (f *fakeDatabase) CommitBatch(b walletapi.Batch) er.R   { return nil }

type fakeBatch struct{}

func (b *fakeBatch) SetUTXO(u *walletapi.UTXO) er.R                  { return nil }
func (b *fakeBatch) DelUTXO(op wire.OutPoint) er.R                   { return nil }
func (b *fakeBatch) SetTx(tx *walletapi.TransactionDetails) er.R     { return nil }
func (b *fakeBatch) DelTx(txid chainhash.Hash, saveRaw bool) er.R    { return nil }

type fakeMempool struct {
	txs []*wire.MsgTx
}

func (m *fakeMempool) IterTxs() []*wire.MsgTx              { return m.txs }
func (m *fakeMempool) GetTx(inv *wire.InvVect) *wire.MsgTx { return nil }

type fakePeer struct {
	addr            string
	mempool         *fakeMempool
	broadcast       []*wire.MsgTx
	askedForMempool bool
}

func (p *fakePeer) Addr() string               { return p.addr }
func (p *fakePeer) GetNetwork() wire.BitcoinNet { return wire.SimNet }
func (p *fakePeer) GetVersion() peerapi.Version { return peerapi.Version{} }

func (p *fakePeer) HeadersByLocator([]*chainhash.Hash, *chainhash.Hash, time.Duration) ([]*wire.BlockHeader, er.R) {
	return nil, nil
}

func (p *fakePeer) CFHeadersByRange(wire.FilterType, uint32, *chainhash.Hash, time.Duration) (*peerapi.CFHeadersResponse, er.R) {
	return nil, nil
}

func (p *fakePeer) CFiltersByRange(wire.FilterType, uint32, *chainhash.Hash, time.Duration) ([]*gcs.Filter, er.R) {
	return nil, nil
}

func (p *fakePeer) GetBlock(*chainhash.Hash, time.Duration) (*btcutil.Block, er.R) { return nil, nil }
func (p *fakePeer) AskForMempool() er.R                                           { p.askedForMempool = true; return nil }
func (p *fakePeer) Mempool() peerapi.Mempool                                      { return p.mempool }
func (p *fakePeer) BroadcastTx(tx *wire.MsgTx) er.R {
	p.broadcast = append(p.broadcast, tx)
	return nil
}

func TestNewRejectsEmptyPeerList(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	cfg := &config.Config{}
	if _, err := New(cfg, nil, store); err == nil {
		t.Fatalf("expected New to reject an empty peer list")
	}
}

func TestBlockchainDelegatesToDesignatedPeer(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	primary := &fakePeer{addr: "primary:0", mempool: &fakeMempool{}}
	secondary := &fakePeer{addr: "secondary:0", mempool: &fakeMempool{}}

	cfg := &config.Config{}
	bc, err := New(cfg, []peerapi.Peer{primary, secondary}, store)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, makeTestScript(1)))
	if err := bc.Broadcast(tx); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if len(primary.broadcast) != 1 {
		t.Fatalf("expected the broadcast to go through the designated (first) peer")
	}
	if len(secondary.broadcast) != 0 {
		t.Fatalf("did not expect the non-designated peer to see the broadcast")
	}
}

func TestCapabilitiesAdvertisesFullHistory(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	bc, err := New(&config.Config{}, []peerapi.Peer{&fakePeer{mempool: &fakeMempool{}}}, store)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	caps := bc.Capabilities()
	if _, ok := caps[FullHistory]; !ok {
		t.Fatalf("expected FullHistory to be advertised")
	}
}

func makeTestScript(tag byte) []byte {
	s := make([]byte, 20)
	for i := range s {
		s[i] = tag
	}
	return s
}

func TestDefaultMatchPolicyMatchesWatchedScriptAndLowersWatermark(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	watched := makeTestScript(7)
	db := &fakeDatabase{scripts: [][]byte{watched}}

	header := &wire.BlockHeader{Timestamp: time.Unix(1, 0)}
	blockHash := header.BlockHash()
	if err := store.WriteHeaders(chainstore.Header{BlockHeader: header, Height: 1}); err != nil {
		t.Fatalf("unable to write header: %v", err)
	}

	key := builder.DeriveKey(&blockHash)
	filter, ferr := gcs.NewFilter(builder.DefaultP, builder.DefaultM, key, [][]byte{watched})
	if ferr != nil {
		t.Fatalf("unable to build filter: %v", ferr)
	}

	var mu sync.Mutex
	lastSynced := uint32(100)
	match := defaultMatchPolicy(store, db, &mu, &lastSynced)

	needsDownload, err := match(&blockHash, filter)
	if err != nil {
		t.Fatalf("defaultMatchPolicy failed: %v", err)
	}
	if !needsDownload {
		t.Fatalf("expected a match against a watched script to request a download")
	}
	if lastSynced != 1 {
		t.Fatalf("expected lastSyncedBlock to drop to 1, got %d", lastSynced)
	}
}

func TestDefaultMatchPolicySkipsAlreadyStoredBlock(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	watched := makeTestScript(8)
	db := &fakeDatabase{scripts: [][]byte{watched}}

	header := &wire.BlockHeader{Timestamp: time.Unix(2, 0)}
	blockHash := header.BlockHash()
	if err := store.WriteHeaders(chainstore.Header{BlockHeader: header, Height: 1}); err != nil {
		t.Fatalf("unable to write header: %v", err)
	}
	block := btcutil.NewBlock(wire.NewMsgBlock(header))
	if err := store.WriteFullBlock(1, block); err != nil {
		t.Fatalf("unable to write full block: %v", err)
	}

	key := builder.DeriveKey(&blockHash)
	filter, ferr := gcs.NewFilter(builder.DefaultP, builder.DefaultM, key, [][]byte{watched})
	if ferr != nil {
		t.Fatalf("unable to build filter: %v", ferr)
	}

	var mu sync.Mutex
	lastSynced := uint32(100)
	match := defaultMatchPolicy(store, db, &mu, &lastSynced)

	needsDownload, err := match(&blockHash, filter)
	if err != nil {
		t.Fatalf("defaultMatchPolicy failed: %v", err)
	}
	if needsDownload {
		t.Fatalf("expected an already-persisted matching block to skip redownload")
	}
	if lastSynced != 100 {
		t.Fatalf("did not expect lastSyncedBlock to move when no download is needed")
	}
}

func TestDefaultMatchPolicyIgnoresUnwatchedBlock(t *testing.T) {
	cleanUp, store := createTestStore(t)
	defer cleanUp()

	db := &fakeDatabase{scripts: [][]byte{makeTestScript(1)}}

	header := &wire.BlockHeader{Timestamp: time.Unix(3, 0)}
	blockHash := header.BlockHash()
	if err := store.WriteHeaders(chainstore.Header{BlockHeader: header, Height: 1}); err != nil {
		t.Fatalf("unable to write header: %v", err)
	}

	key := builder.DeriveKey(&blockHash)
	filter, ferr := gcs.NewFilter(builder.DefaultP, builder.DefaultM, key, [][]byte{makeTestScript(2)})
	if ferr != nil {
		t.Fatalf("unable to build filter: %v", ferr)
	}

	var mu sync.Mutex
	lastSynced := uint32(100)
	match := defaultMatchPolicy(store, db, &mu, &lastSynced)

	needsDownload, err := match(&blockHash, filter)
	if err != nil {
		t.Fatalf("defaultMatchPolicy failed: %v", err)
	}
	if needsDownload {
		t.Fatalf("did not expect a match when none of the wallet's scripts are in the filter")
	}
	if lastSynced != 100 {
		t.Fatalf("did not expect lastSyncedBlock to move without a match")
	}
}
