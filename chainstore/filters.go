package chainstore

import (
	"github.com/btcsuite/btcutil/gcs"
	"github.com/pkt-cash/pktd/pktwallet/walletdb"
	"github.com/pkt-cash/pktd/btcutil/er"
)

// filtersBucketName is a simpler, height-keyed-only column family: filter
// payloads have no chain-linkage of their own (they're validated against
// the filter_headers chain, not against each other) and are only ever kept
// long enough to be matched against the wallet's watch set, then discarded.
var filtersBucketName = []byte("filters")

// WriteFilter stores the raw encoded filter for height, overwriting any
// previous payload at that height.
func (s *Store) WriteFilter(height uint32, filter *gcs.Filter) er.R {
	raw, err := filter.NBytes()
	if err != nil {
		return er.E(err)
	}
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) er.R {
		bkt, err := tx.CreateTopLevelBucket(filtersBucketName)
		if err != nil {
			return err
		}
		return bkt.Put(heightKey(height), raw)
	})
}

// Filter returns the stored filter at height, or nil if none is stored
// there (either never downloaded, or already discarded post-match).
func (s *Store) Filter(height uint32) (*gcs.Filter, er.R) {
	var raw []byte
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		bkt := tx.ReadBucket(filtersBucketName)
		if bkt == nil {
			return nil
		}
		raw = bkt.Get(heightKey(height))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	filter, ferr := gcs.FromNBytes(builderP, builderM, raw)
	if ferr != nil {
		return nil, er.E(ferr)
	}
	return filter, nil
}

// DeleteFilters removes the stored filter payloads for
// [startHeight, startHeight+count), once a bundle has finished matching
// them against the wallet's watch set.
func (s *Store) DeleteFilters(startHeight, count uint32) er.R {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) er.R {
		bkt := tx.ReadWriteBucket(filtersBucketName)
		if bkt == nil {
			return nil
		}
		for h := startHeight; h < startHeight+count; h++ {
			if err := bkt.Delete(heightKey(h)); err != nil {
				return err
			}
		}
		return nil
	})
}

// builderP and builderM are the BIP158 basic filter parameters (P, M),
// fixed by the protocol.
const (
	builderP = 19
	builderM = 784931
)
