// Package chainstore is the on-disk chain-state layer: four logically
// independent column families (headers, filter_headers, filters,
// full_blocks) sharing one walletdb database, plus an atomic
// snapshot-and-promote mechanism header sync and filter-header sync both
// use to commit a batch of validated work in one stroke.
//
// It is grounded on neutrino/headerfs, generalized from two copy-pasted
// header stores (block headers, filter headers) into one parameterized
// entryIndex, and extended with the filters/full_blocks column families and
// snapshot promotion that headerfs never needed.
package chainstore

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkt-cash/pktd/pktwallet/walletdb"
	"github.com/pkt-cash/pktd/btcutil/er"
)

// Store is a single handle onto all four column families plus the
// snapshot machinery, backed by one walletdb.DB.
type Store struct {
	db     walletdb.DB
	params *chaincfg.Params
}

// Open opens (bootstrapping if empty) a Store backed by db. On first open
// for a given network, the genesis block header and the filter header of
// the genesis block's basic filter are seeded so every later height has a
// well-defined ancestor chain. Any snapshot column families left over from
// a prior crash are resolved by recoverLeftoverSnapshots before Open returns.
func Open(db walletdb.DB, params *chaincfg.Params) (*Store, er.R) {
	s := &Store{db: db, params: params}
	if err := s.bootstrap(); err != nil {
		return nil, err
	}
	if err := s.recoverLeftoverSnapshots(); err != nil {
		return nil, err
	}
	return s, nil
}

// Params returns the chain parameters the store was opened with, so that
// callers needing consensus rules (retargeting, checkpoint sets) don't have
// to be handed a second copy of the same value.
func (s *Store) Params() *chaincfg.Params {
	return s.params
}

func (s *Store) bootstrap() er.R {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) er.R {
		hIdx, err := newEntryIndex(tx, headersBucketName)
		if err != nil {
			return err
		}
		if _, err := hIdx.chainTip(tx); ErrHeightNotFound.Is(err) {
			genesis := s.params.GenesisBlock.Header
			if err := s.writeHeadersTx(tx, hIdx, []Header{{BlockHeader: &genesis, Height: 0}}, nil, nil); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		fIdx, err := newEntryIndex(tx, filterHeadersBucketName)
		if err != nil {
			return err
		}
		if _, err := fIdx.chainTip(tx); ErrHeightNotFound.Is(err) {
			genesisFH, err := genesisFilterHeader(s.params)
			if err != nil {
				return err
			}
			batch := entryBatch{{hash: *s.params.GenesisHash, height: 0, payload: (*genesisFH)[:]}}
			if err := fIdx.addEntries(tx, batch, nil); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		return nil
	})
}
