// Package peerapi declares the interfaces the sync core consumes from the
// peer-connection layer. Peer socket handling, the P2P handshake, SOCKS5
// dialing, and the wire message codec all live outside this module; a
// concrete Peer is supplied by the caller (see cmd/lwcored/peerconn for a
// minimal example).
package peerapi

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/gcs"
	"github.com/pkt-cash/pktd/btcutil/er"
)

// Version carries the subset of the peer's version handshake the core
// needs to size a sync run.
type Version struct {
	StartHeight int32
}

// Peer is the blocking RPC surface the core calls against a single
// connected full-node peer. All methods are request/response round trips
// bounded by the timeout the caller passes; expiry is reported by the
// implementation's own error value, which the core returns unchanged.
type Peer interface {
	// Addr is the peer's dial address, used only for log/error context.
	Addr() string

	GetNetwork() wire.BitcoinNet
	GetVersion() Version

	// HeadersByLocator requests up to wire.MaxBlockHeadersPerMsg headers
	// starting after the best-known locator entry.
	HeadersByLocator(locator []*chainhash.Hash, stopHash *chainhash.Hash, timeout time.Duration) ([]*wire.BlockHeader, er.R)

	// CFHeadersByRange requests committed filter headers for the blocks
	// from startHeight through the block identified by stopHash.
	CFHeadersByRange(filterType wire.FilterType, startHeight uint32, stopHash *chainhash.Hash, timeout time.Duration) (*CFHeadersResponse, er.R)

	// CFiltersByRange requests the filter payloads for the blocks from
	// startHeight through the block identified by stopHash.
	CFiltersByRange(filterType wire.FilterType, startHeight uint32, stopHash *chainhash.Hash, timeout time.Duration) ([]*gcs.Filter, er.R)

	// GetBlock requests a single full block by hash.
	GetBlock(hash *chainhash.Hash, timeout time.Duration) (*btcutil.Block, er.R)

	// AskForMempool tells the peer to (re)send its mempool inventory;
	// the result shows up via the Mempool snapshot below.
	AskForMempool() er.R

	// Mempool returns a read-only snapshot of the peer's last-known
	// mempool, refreshed by AskForMempool.
	Mempool() Mempool

	// BroadcastTx forwards tx for relay. The returned error reflects only
	// the local send; peer-side rejection arrives asynchronously and is
	// not observed by this call.
	BroadcastTx(tx *wire.MsgTx) er.R
}

// CFHeadersResponse is the raw response to a cfheaders request: the filter
// header preceding the range plus the chain of per-block filter hashes needed to
// reconstruct each committed header.
type CFHeadersResponse struct {
	FilterType       wire.FilterType
	StopHash         chainhash.Hash
	PrevFilterHeader chainhash.Hash
	FilterHashes     []chainhash.Hash
}

// Mempool is a read-only snapshot of a peer's unconfirmed transactions.
// The core treats it as immutable once obtained; the peer layer owns
// refreshing it.
type Mempool interface {
	IterTxs() []*wire.MsgTx
	GetTx(inv *wire.InvVect) *wire.MsgTx
}
