package walletreconciler

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/pkt-cash/pktd/btcutil/er"

	"github.com/pkt-cash/lwcore/chainstore"
	"github.com/pkt-cash/lwcore/peerapi"
	"github.com/pkt-cash/lwcore/walletapi"
)

// BuriedConfirmations is the pruning horizon: full blocks below
// tip-BuriedConfirmations are no longer needed once their transactions
// have been reconciled into the wallet database, so their payloads are
// dropped from chainstore. The exact value is a policy knob, not a
// protocol requirement.
const BuriedConfirmations = 100

// ProcessTx applies one transaction's effect on the wallet database: it
// resolves spent UTXOs belonging to the wallet, records new UTXOs paid to
// watched scripts, and, if the transaction moved any of the wallet's
// balance, persists a TransactionDetails for it. internalMaxDeriv and
// externalMaxDeriv are updated in place to the highest derivation index
// observed so far across a whole reconciliation pass; sawInternal and
// sawExternal report whether this call touched either one at all, since a
// genuinely observed index of 0 is indistinguishable from "untouched" by
// comparing the pointers' values alone.
func ProcessTx(
	database walletapi.Database,
	tx *wire.MsgTx,
	height *uint32,
	timestamp uint64,
	internalMaxDeriv *uint32,
	externalMaxDeriv *uint32,
) (sawInternal, sawExternal bool, err er.R) {
	batch := database.BeginBatch()

	var incoming, outgoing, inputsSum, outputsSum uint64

	for _, in := range tx.TxIn {
		prevOut, err := database.GetPreviousOutput(in.PreviousOutPoint)
		if err != nil {
			return false, false, ErrUpstream.New("", err)
		}
		if prevOut == nil {
			continue
		}
		inputsSum += uint64(prevOut.Value)

		mine, err := database.IsMine(prevOut.PkScript)
		if err != nil {
			return false, false, ErrUpstream.New("", err)
		}
		if mine {
			outgoing += uint64(prevOut.Value)
			if err := batch.DelUTXO(in.PreviousOutPoint); err != nil {
				return false, false, ErrUpstream.New("", err)
			}
		}
	}

	txid := tx.TxHash()
	for i, out := range tx.TxOut {
		outputsSum += uint64(out.Value)

		scriptType, child, ok, err := database.GetPathFromScriptPubKey(out.PkScript)
		if err != nil {
			return sawInternal, sawExternal, ErrUpstream.New("", err)
		}
		if !ok {
			continue
		}

		if err := batch.SetUTXO(&walletapi.UTXO{
			OutPoint:   wire.OutPoint{Hash: txid, Index: uint32(i)},
			TxOut:      *out,
			ScriptType: scriptType,
		}); err != nil {
			return sawInternal, sawExternal, ErrUpstream.New("", err)
		}
		incoming += uint64(out.Value)

		switch scriptType {
		case walletapi.Internal:
			sawInternal = true
			if child > *internalMaxDeriv {
				*internalMaxDeriv = child
			}
		case walletapi.External:
			sawExternal = true
			if child > *externalMaxDeriv {
				*externalMaxDeriv = child
			}
		}
	}

	if incoming > 0 || outgoing > 0 {
		var fees uint64
		if inputsSum > outputsSum {
			fees = inputsSum - outputsSum
		}
		if err := batch.SetTx(&walletapi.TransactionDetails{
			Txid:      txid,
			Tx:        tx,
			Received:  incoming,
			Sent:      outgoing,
			Height:    height,
			Timestamp: timestamp,
			Fees:      fees,
		}); err != nil {
			return sawInternal, sawExternal, ErrUpstream.New("", err)
		}
	}

	if err := database.CommitBatch(batch); err != nil {
		return sawInternal, sawExternal, ErrUpstream.New("", err)
	}
	return sawInternal, sawExternal, nil
}

// Setup runs the post-filter-sync reconciliation pass: it drops any
// wallet-recorded transaction that may have been invalidated by a reorg,
// refreshes the peer's mempool, replays every persisted full block in
// ascending height followed by the mempool, advances each script type's
// derivation index to cover everything just observed, and finally prunes
// full blocks buried deep enough that they'll never need replaying again.
//
// Mempool transactions are reconciled with timestamp=0: a mempool entry
// has no confirmation time, and recording height=nil already distinguishes
// it as unconfirmed, so the zero timestamp is a deliberate sentinel rather
// than a placeholder that should eventually be filled in.
func Setup(database walletapi.Database, store *chainstore.Store, peer peerapi.Peer, lastSyncedBlock uint32) er.R {
	details, err := database.IterTxs(false)
	if err != nil {
		return ErrUpstream.New("", err)
	}
	batch := database.BeginBatch()
	for _, d := range details {
		if d.Height != nil && *d.Height < lastSyncedBlock {
			continue
		}
		if err := batch.DelTx(d.Txid, false); err != nil {
			return ErrUpstream.New("", err)
		}
	}
	if err := database.CommitBatch(batch); err != nil {
		return ErrUpstream.New("", err)
	}

	if err := peer.AskForMempool(); err != nil {
		return err
	}

	var internalMaxDeriv, externalMaxDeriv uint32
	var haveInternal, haveExternal bool

	replay := func(tx *wire.MsgTx, height *uint32, timestamp uint64) er.R {
		sawInternal, sawExternal, err := ProcessTx(database, tx, height, timestamp, &internalMaxDeriv, &externalMaxDeriv)
		if err != nil {
			return err
		}
		if sawInternal {
			haveInternal = true
		}
		if sawExternal {
			haveExternal = true
		}
		return nil
	}

	if err := store.IterFullBlocks(func(height uint32, block *btcutil.Block) er.R {
		h := height
		for _, tx := range block.MsgBlock().Transactions {
			if err := replay(tx, &h, 0); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	for _, tx := range peer.Mempool().IterTxs() {
		if err := replay(tx, nil, 0); err != nil {
			return err
		}
	}

	if haveExternal {
		current, err := database.GetLastIndex(walletapi.External)
		if err != nil {
			return ErrUpstream.New("", err)
		}
		if externalMaxDeriv+1 > current {
			if err := database.SetLastIndex(walletapi.External, externalMaxDeriv+1); err != nil {
				return ErrUpstream.New("", err)
			}
		}
	}
	if haveInternal {
		current, err := database.GetLastIndex(walletapi.Internal)
		if err != nil {
			return ErrUpstream.New("", err)
		}
		if internalMaxDeriv+1 > current {
			if err := database.SetLastIndex(walletapi.Internal, internalMaxDeriv+1); err != nil {
				return ErrUpstream.New("", err)
			}
		}
	}

	tip, err := store.GetHeight()
	if err != nil {
		return err
	}
	buriedHeight := uint32(0)
	if tip > BuriedConfirmations {
		buriedHeight = tip - BuriedConfirmations
	}
	return store.DeleteBlocksUntil(buriedHeight)
}
