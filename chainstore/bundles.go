package chainstore

import (
	"github.com/pkt-cash/pktd/btcutil/er"
	"github.com/pkt-cash/pktd/pktwallet/walletdb"
)

// bundleStateBucketName holds the one piece of CFSync bundle state that
// can't be recovered by re-reading the other column families: whether a
// bundle's filters have been fully checked and its matching blocks fetched.
// Filter headers alone can't distinguish a Waiting bundle from a Pruned one,
// since filter payloads are discarded (not just the headers kept) once a
// bundle finishes, so both states leave the filters column family empty for
// that range. A bundle index present in this bucket is Pruned; absence
// means Init, Waiting, or Tip, which the caller can tell apart by comparing
// against the filter-header and header chain tips instead.
var bundleStateBucketName = []byte("bundle_state")

var bundlePrunedMarker = []byte{1}

// SetBundlePruned durably records that every filter and, where matched,
// every full block in bundle index has been accounted for. This is the one
// fact CFSync needs to survive a restart without reprocessing a bundle it
// already finished.
func (s *Store) SetBundlePruned(index uint32) er.R {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) er.R {
		b, err := tx.CreateTopLevelBucket(bundleStateBucketName)
		if err != nil {
			return err
		}
		return b.Put(heightKey(index), bundlePrunedMarker)
	})
}

// IsBundlePruned reports whether bundle index was previously marked Pruned.
func (s *Store) IsBundlePruned(index uint32) (bool, er.R) {
	var pruned bool
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		b := tx.ReadBucket(bundleStateBucketName)
		if b == nil {
			return nil
		}
		pruned = b.Get(heightKey(index)) != nil
		return nil
	})
	if err != nil {
		return false, err
	}
	return pruned, nil
}

// PrunedBundleCount returns how many bundle indices are currently marked
// Pruned, used to size the progress model at startup.
func (s *Store) PrunedBundleCount() (uint32, er.R) {
	var count uint32
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		b := tx.ReadBucket(bundleStateBucketName)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, _ []byte) er.R {
			count++
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
