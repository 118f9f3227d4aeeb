package chainstore

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcutil/gcs/builder"
	"github.com/pkt-cash/pktd/pktwallet/walletdb"
	"github.com/pkt-cash/pktd/btcutil/er"
)

// FilterHeader is a committed filter header for one block, keyed (like
// Header) by the block hash it belongs to; FilterHash is the BIP157
// chained commitment value itself. This mirrors neutrino/headerfs's
// FilterHeaderStore, which keys its filters index by block hash and stores
// the filter commitment as the payload rather than as the index key.
type FilterHeader struct {
	HeaderHash chainhash.Hash
	FilterHash chainhash.Hash
	Height     uint32
}

// genesisFilterHeader computes the BIP157 filter header for height 0: the
// double-SHA256 of the genesis block's basic filter hash concatenated with
// the zero hash, since there is no height -1 filter header to chain from.
func genesisFilterHeader(params *chaincfg.Params) (*chainhash.Hash, er.R) {
	basicFilter, err := builder.BuildBasicFilter(params.GenesisBlock, nil)
	if err != nil {
		return nil, er.E(err)
	}
	fh, err := builder.MakeHeaderForFilter(basicFilter, params.GenesisBlock.Header.PrevBlock)
	if err != nil {
		return nil, er.E(err)
	}
	return &fh, nil
}

// FilterHeaderChainTip returns the best known filter header and the height
// it commits to.
func (s *Store) FilterHeaderChainTip() (*FilterHeader, er.R) {
	var out *FilterHeader
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		ei := &entryIndex{name: filterHeadersBucketName}
		ent, err := ei.chainTip(tx)
		if err != nil {
			return err
		}
		fh, err := chainhash.NewHash(ent.payload)
		if err != nil {
			return err
		}
		out = &FilterHeader{HeaderHash: ent.hash, FilterHash: *fh, Height: ent.height}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchFilterHeaderByHeight returns the committed filter header at height.
func (s *Store) FetchFilterHeaderByHeight(height uint32) (*FilterHeader, er.R) {
	var out *FilterHeader
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		ei := &entryIndex{name: filterHeadersBucketName}
		ent, err := ei.entryByHeight(tx, height)
		if err != nil {
			return err
		}
		fh, err := chainhash.NewHash(ent.payload)
		if err != nil {
			return err
		}
		out = &FilterHeader{HeaderHash: ent.hash, FilterHash: *fh, Height: ent.height}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WriteFilterHeaders appends filter headers to the live filter-header
// chain.
func (s *Store) WriteFilterHeaders(headers ...FilterHeader) er.R {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) er.R {
		ei, err := newEntryIndex(tx, filterHeadersBucketName)
		if err != nil {
			return err
		}
		batch := make(entryBatch, 0, len(headers))
		for _, h := range headers {
			fh := h.FilterHash
			batch = append(batch, entry{hash: h.HeaderHash, height: h.Height, payload: fh[:]})
		}
		return ei.addEntries(tx, batch, nil)
	})
}
