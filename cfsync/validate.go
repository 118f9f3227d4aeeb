package cfsync

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil/gcs"
	"github.com/btcsuite/btcutil/gcs/builder"
	"github.com/lightninglabs/neutrino/chainsync"
	"github.com/pkt-cash/pktd/btcutil/er"
)

// chainFilterHeader applies the BIP157 chaining rule directly to a filter
// hash: header_h = SHA256d(filterHash_h || header_{h-1}). This is the same
// computation gcs/builder.MakeHeaderForFilter performs, but that helper
// takes a *gcs.Filter and hashes it itself; during bulk filter-header sync
// the wire only carries the hash, never the filter payload, so the chaining
// step has to operate on the hash directly.
func chainFilterHeader(filterHash, prevHeader chainhash.Hash) chainhash.Hash {
	var buf [2 * chainhash.HashSize]byte
	copy(buf[:chainhash.HashSize], filterHash[:])
	copy(buf[chainhash.HashSize:], prevHeader[:])
	return chainhash.DoubleHashH(buf[:])
}

// checkpointControl cross-checks a computed filter header against any
// hard-coded checkpoint the upstream chainsync package carries for this
// network and height; an unknown height is not an error, it just means
// there's nothing to check.
func checkpointControl(params *chaincfg.Params, filterType wire.FilterType, height uint32, header chainhash.Hash) er.R {
	if err := chainsync.ControlCFHeader(*params, filterType, height, &header); err != nil {
		return er.E(err)
	}
	return nil
}

// verifyFilterAgainstHeader re-derives the committed header for a
// downloaded filter payload from its actual bytes and compares it against
// the already-persisted, already-chain-validated FilterHeader for that
// height. A mismatch means the peer sent a filter that doesn't match the
// commitment it agreed to during prepare_sync.
func verifyFilterAgainstHeader(filter *gcs.Filter, prevFilterHeader, wantFilterHash chainhash.Hash) er.R {
	got, err := builder.MakeHeaderForFilter(filter, prevFilterHeader)
	if err != nil {
		return er.E(err)
	}
	if got != wantFilterHash {
		return ErrInvalidFilter.Default()
	}
	return nil
}
