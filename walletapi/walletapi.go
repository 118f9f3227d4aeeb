// Package walletapi declares the wallet-database contract the sync core
// consumes. UTXO storage, script-ownership classification, and address
// derivation all live in the wallet itself, outside this module.
package walletapi

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkt-cash/pktd/btcutil/er"
)

// ScriptType distinguishes the two halves of a wallet's derivation tree.
type ScriptType uint8

const (
	// External addresses are handed out to third parties (receive
	// addresses).
	External ScriptType = iota
	// Internal addresses are used for change outputs.
	Internal
)

// UTXO is an unspent output the wallet has classified as its own.
type UTXO struct {
	OutPoint   wire.OutPoint
	TxOut      wire.TxOut
	ScriptType ScriptType
}

// TransactionDetails is the wallet-facing record of a transaction that
// moved the wallet's balance, confirmed or not.
type TransactionDetails struct {
	Txid      chainhash.Hash
	Tx        *wire.MsgTx
	Received  uint64
	Sent      uint64
	Height    *uint32 // nil means unconfirmed (mempool)
	Timestamp uint64
	Fees      uint64
}

// Database is the batch-mutation contract the wallet database exposes to
// the sync core. Every write goes through Batch so a reconciliation pass
// either commits in full or not at all.
type Database interface {
	// IterScriptPubKeys returns the watched output scripts. A nil filter
	// means "all scripts".
	IterScriptPubKeys(filter *ScriptType) ([][]byte, er.R)

	// IsMine reports whether script belongs to the wallet.
	IsMine(script []byte) (bool, er.R)

	// GetPathFromScriptPubKey returns the derivation path for script, if
	// the wallet recognizes it.
	GetPathFromScriptPubKey(script []byte) (scriptType ScriptType, childIndex uint32, ok bool, err er.R)

	// GetPreviousOutput resolves an outpoint's output if known to the
	// database (i.e. it was ever an output the wallet recorded).
	GetPreviousOutput(op wire.OutPoint) (*wire.TxOut, er.R)

	GetLastIndex(st ScriptType) (uint32, er.R)
	SetLastIndex(st ScriptType, index uint32) er.R

	// IterTxs returns all transaction records currently stored. When
	// includeRaw is false, TransactionDetails.Tx may be nil.
	IterTxs(includeRaw bool) ([]TransactionDetails, er.R)

	BeginBatch() Batch
	CommitBatch(b Batch) er.R
}

// Batch accumulates UTXO/transaction mutations for one atomic commit.
type Batch interface {
	SetUTXO(u *UTXO) er.R
	DelUTXO(op wire.OutPoint) er.R
	SetTx(tx *TransactionDetails) er.R
	DelTx(txid chainhash.Hash, saveRaw bool) er.R
}
