package headersync

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkt-cash/pktd/btcutil/er"

	"github.com/pkt-cash/lwcore/chainstore"
	"github.com/pkt-cash/lwcore/peerapi"
)

// requestTimeout bounds each headers-by-locator round trip.
const requestTimeout = 30 * time.Second

// maxHeadersPerBatch is the network's per-message header cap; a batch
// shorter than this signals the peer has nothing further to offer.
const maxHeadersPerBatch = 2000

// maxFutureDrift is how far a header's timestamp may sit beyond the local
// clock before it's rejected, matching the 2-hour window Bitcoin Core uses.
const maxFutureDrift = 2 * time.Hour

// medianTimeBlocks is how many immediate ancestors contribute to a block's
// median-time-past floor.
const medianTimeBlocks = 11

// ProgressFunc is called with the highest height accumulated so far,
// whenever a batch is accepted into the in-progress snapshot.
type ProgressFunc func(newHeight uint32)

// Sync extends store's header chain from a single peer: it opens a
// snapshot rooted at the current tip, pulls headers forward in batches,
// validates each one, and applies the snapshot only if it ends up heavier
// than the chain it started from. The store itself is never touched if the
// peer has nothing new, or if the peer's chain turns out lighter.
func Sync(peer peerapi.Peer, store *chainstore.Store, onProgress ProgressFunc) er.R {
	params := store.Params()

	localTip, err := store.ChainTip()
	if err != nil {
		return err
	}
	localWork, err := store.Work()
	if err != nil {
		return err
	}

	snap, err := store.BeginHeaderSnapshot(localTip.Height)
	if err != nil {
		return err
	}

	tipHash := localTip.BlockHash()
	for {
		headers, err := peer.HeadersByLocator([]*chainhash.Hash{&tipHash}, nil, requestTimeout)
		if err != nil {
			return err
		}
		if len(headers) == 0 {
			break
		}

		curHeight, err := snap.Height()
		if err != nil {
			return err
		}
		curHash := tipHash

		for _, hdr := range headers {
			if hdr.PrevBlock != curHash {
				return ErrInvalidHeaders.New("", er.Errorf(
					"header at height %d does not link to %v", curHeight+1, curHash))
			}
			if err := validateHeader(params, snap, curHeight, hdr); err != nil {
				return err
			}
			curHeight++
			curHash = hdr.BlockHash()
			// Written one at a time so the next header's ancestor lookups
			// (its predecessor, the median-time-past window) can see it.
			if err := snap.WriteHeaders(chainstore.Header{BlockHeader: hdr, Height: curHeight}); err != nil {
				return err
			}
		}

		tipHash = curHash
		if onProgress != nil {
			onProgress(curHeight)
		}

		if len(headers) < maxHeadersPerBatch {
			break
		}
	}

	snapWork, err := snap.Work()
	if err != nil {
		return err
	}
	if snapWork.Cmp(localWork) > 0 {
		return store.ApplySnapshot(snap)
	}
	// Lighter (or equal) than what we started with: per spec 7, this is
	// silently discarded, not an error. The transient bucket is left for
	// recoverLeftoverSnapshots to drop on next startup if we crash first,
	// but the common case is simply never calling ApplySnapshot.
	return nil
}

// validateHeader checks linkage's counterpart consensus rules: the
// retarget-derived difficulty bits, proof-of-work meeting that target, and
// a timestamp that is neither too far in the future nor below the median
// of the preceding headers. ancestor lookups fall through the snapshot to
// the live chain for heights at or below its base.
func validateHeader(params *chaincfg.Params, snap *chainstore.Snapshot, prevHeight uint32, hdr *wire.BlockHeader) er.R {
	prev, err := snap.GetHeader(prevHeight)
	if err != nil {
		return err
	}

	wantBits, err := nextRequiredDifficulty(params, snap, prev, hdr.Timestamp)
	if err != nil {
		return err
	}
	if hdr.Bits != wantBits {
		return ErrInvalidHeaders.New("", er.Errorf(
			"header at height %d has bits %08x, want %08x", prevHeight+1, hdr.Bits, wantBits))
	}

	target := blockchain.CompactToBig(hdr.Bits)
	if target.Sign() <= 0 || target.Cmp(params.PowLimit) > 0 {
		return ErrInvalidHeaders.New("", er.Errorf("header at height %d has an out-of-range target", prevHeight+1))
	}
	hash := hdr.BlockHash()
	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return ErrInvalidHeaders.New("", er.Errorf("header at height %d does not meet its target", prevHeight+1))
	}

	if hdr.Timestamp.After(time.Now().Add(maxFutureDrift)) {
		return ErrInvalidHeaders.New("", er.Errorf("header at height %d is too far in the future", prevHeight+1))
	}
	mtp, err := medianTimePast(snap, prevHeight)
	if err != nil {
		return err
	}
	if !hdr.Timestamp.After(mtp) {
		return ErrInvalidHeaders.New("", er.Errorf("header at height %d is not after the median time past", prevHeight+1))
	}

	return nil
}

// medianTimePast returns the median timestamp of the medianTimeBlocks
// headers ending at height (inclusive).
func medianTimePast(snap *chainstore.Snapshot, height uint32) (time.Time, er.R) {
	n := medianTimeBlocks
	if int(height)+1 < n {
		n = int(height) + 1
	}
	times := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		h, err := snap.GetHeader(height - uint32(i))
		if err != nil {
			return time.Time{}, err
		}
		times = append(times, h.Timestamp)
	}
	sortTimes(times)
	return times[len(times)/2], nil
}

func sortTimes(times []time.Time) {
	for i := 1; i < len(times); i++ {
		for j := i; j > 0 && times[j].Before(times[j-1]); j-- {
			times[j], times[j-1] = times[j-1], times[j]
		}
	}
}

// nextRequiredDifficulty reimplements Bitcoin's 2016-block retarget rule.
// btcd's own blockchain.BlockChain.calcNextRequiredDifficulty is an
// unexported method tied to an in-memory chain index, so this is a direct
// transcription against the chainstore ancestor lookups instead, built
// from the same exported big-number helpers (CompactToBig/BigToCompact).
func nextRequiredDifficulty(params *chaincfg.Params, snap *chainstore.Snapshot, prev *chainstore.Header, newBlockTime time.Time) (uint32, er.R) {
	if params.ReduceMinDifficulty &&
		newBlockTime.After(prev.Timestamp.Add(2*params.TargetTimePerBlock)) {
		return params.PowLimitBits, nil
	}

	blocksPerRetarget := uint32(params.TargetTimespan / params.TargetTimePerBlock)
	nextHeight := prev.Height + 1
	if blocksPerRetarget == 0 || nextHeight%blocksPerRetarget != 0 {
		return prev.Bits, nil
	}

	firstHeight := nextHeight - blocksPerRetarget
	first, err := snap.GetHeader(firstHeight)
	if err != nil {
		return 0, err
	}

	actualTimespan := prev.Timestamp.Sub(first.Timestamp)
	minTimespan := params.TargetTimespan / time.Duration(params.RetargetAdjustmentFactor)
	maxTimespan := params.TargetTimespan * time.Duration(params.RetargetAdjustmentFactor)
	if actualTimespan < minTimespan {
		actualTimespan = minTimespan
	} else if actualTimespan > maxTimespan {
		actualTimespan = maxTimespan
	}

	oldTarget := blockchain.CompactToBig(prev.Bits)
	newTarget := new(big.Int).Mul(oldTarget, big.NewInt(int64(actualTimespan)))
	newTarget.Div(newTarget, big.NewInt(int64(params.TargetTimespan)))
	if newTarget.Cmp(params.PowLimit) > 0 {
		newTarget = params.PowLimit
	}
	return blockchain.BigToCompact(newTarget), nil
}
