package chainstore

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkt-cash/pktd/pktwallet/walletdb"
	"github.com/pkt-cash/pktd/btcutil/er"
)

// headersBucketName and filterHeadersBucketName are the live column
// families. Transient snapshot column families reuse a "_<name>:<id>"
// naming convention so they're recognizable in a database dump.
var (
	headersBucketName       = []byte("headers")
	filterHeadersBucketName = []byte("filter_headers")
)

const headerSize = 80

// Header is a block header paired with the height it was confirmed to
// occupy by the local chain. Compare neutrino/headerfs.BlockHeader, which
// wraps the same pair.
type Header struct {
	*wire.BlockHeader
	Height uint32
}

func (s *Store) serializeHeader(h *wire.BlockHeader) ([]byte, er.R) {
	var buf [headerSize]byte
	w := fixedWriter{buf: buf[:0]}
	if err := h.Serialize(&w); err != nil {
		return nil, er.E(err)
	}
	return w.buf, nil
}

func (s *Store) deserializeHeader(raw []byte) (*wire.BlockHeader, er.R) {
	if len(raw) < headerSize {
		return nil, ErrDataCorruption.New("", er.Errorf("short header payload: %d bytes", len(raw)))
	}
	h := &wire.BlockHeader{}
	if err := h.Deserialize(bytesReader(raw[:headerSize])); err != nil {
		return nil, er.E(err)
	}
	return h, nil
}

// ChainTip returns the height and header of the best known chain tip.
func (s *Store) ChainTip() (*Header, er.R) {
	var out *Header
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		ei := &entryIndex{name: headersBucketName}
		ent, err := ei.chainTip(tx)
		if err != nil {
			return err
		}
		hdr, err := s.deserializeHeader(ent.payload)
		if err != nil {
			return err
		}
		out = &Header{BlockHeader: hdr, Height: ent.height}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetHeight returns the height of the current chain tip.
func (s *Store) GetHeight() (uint32, er.R) {
	tip, err := s.ChainTip()
	if err != nil {
		return 0, err
	}
	return tip.Height, nil
}

// FetchHeader returns the header identified by hash, along with its height.
func (s *Store) FetchHeader(hash *chainhash.Hash) (*Header, er.R) {
	var out *Header
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		ei := &entryIndex{name: headersBucketName}
		ent, err := ei.entryByHash(tx, hash)
		if err != nil {
			return err
		}
		hdr, err := s.deserializeHeader(ent.payload)
		if err != nil {
			return err
		}
		out = &Header{BlockHeader: hdr, Height: ent.height}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchHeaderByHeight returns the header confirmed at height on the
// current best chain.
func (s *Store) FetchHeaderByHeight(height uint32) (*Header, er.R) {
	var out *Header
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		ei := &entryIndex{name: headersBucketName}
		ent, err := ei.entryByHeight(tx, height)
		if err != nil {
			return err
		}
		hdr, err := s.deserializeHeader(ent.payload)
		if err != nil {
			return err
		}
		out = &Header{BlockHeader: hdr, Height: ent.height}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchHeaderAncestors returns numHeaders headers starting at (and
// including) startHash, walking the chain forward to higher heights.
func (s *Store) FetchHeaderAncestors(numHeaders uint32, startHash *chainhash.Hash) ([]Header, er.R) {
	start, err := s.FetchHeader(startHash)
	if err != nil {
		return nil, err
	}
	var out []Header
	err = walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		ei := &entryIndex{name: headersBucketName}
		for i := uint32(0); i < numHeaders; i++ {
			ent, err := ei.entryByHeight(tx, start.Height+i)
			if err != nil {
				return err
			}
			hdr, err := s.deserializeHeader(ent.payload)
			if err != nil {
				return err
			}
			out = append(out, Header{BlockHeader: hdr, Height: ent.height})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HeightFromHash returns the height at which hash is confirmed on the
// current best chain.
func (s *Store) HeightFromHash(hash *chainhash.Hash) (uint32, er.R) {
	h, err := s.FetchHeader(hash)
	if err != nil {
		return 0, err
	}
	return h.Height, nil
}

// WriteHeaders appends headers to the live chain, which must extend the
// current tip contiguously (or, if the store is empty, must begin at
// height 0). Work is accumulated incrementally so Work() stays O(1).
func (s *Store) WriteHeaders(headers ...Header) er.R {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) er.R {
		ei, err := newEntryIndex(tx, headersBucketName)
		if err != nil {
			return err
		}
		return s.writeHeadersTx(tx, ei, headers, nil, nil)
	})
}

// writeHeadersTx appends headers to ei, which may be the live headers
// column family or an in-progress snapshot's transient one, maintaining
// the per-height cumulative work index (workat) as it goes so Work() never
// needs to rescan the chain.
//
// priorTip/priorWork, if both non-nil, seed the chain this batch extends
// (used when ei has no entries of its own yet but logically continues an
// ancestor living in a different column family, e.g. a fresh Snapshot
// continuing the live chain). If nil, ei's own existing tip and work are
// used, or the batch is treated as a new chain starting from height 0.
func (s *Store) writeHeadersTx(tx walletdb.ReadWriteTx, ei *entryIndex, headers []Header, priorTip *entry, priorWork *big.Int) er.R {
	if len(headers) == 0 {
		return nil
	}
	cum := priorWork
	if cum == nil {
		cum = new(big.Int)
		if tip, err := ei.chainTip(tx); err == nil {
			raw, err := ei.getWorkAt(tx, tip.height)
			if err != nil {
				return err
			}
			cum.SetBytes(raw)
		} else if !ErrHeightNotFound.Is(err) {
			return err
		}
	}
	batch := make(entryBatch, 0, len(headers))
	for _, h := range headers {
		raw, err := s.serializeHeader(h.BlockHeader)
		if err != nil {
			return err
		}
		batch = append(batch, entry{hash: h.BlockHash(), height: h.Height, payload: raw})
	}
	if err := ei.addEntries(tx, batch, priorTip); err != nil {
		return err
	}
	for _, h := range headers {
		cum.Add(cum, blockchain.CalcWork(h.Bits))
		if err := ei.setWorkAt(tx, h.Height, cum.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Work returns the cumulative proof-of-work committed by the current best
// chain.
func (s *Store) Work() (*big.Int, er.R) {
	var out *big.Int
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		ei := &entryIndex{name: headersBucketName}
		tip, err := ei.chainTip(tx)
		if err != nil {
			return err
		}
		raw, err := ei.getWorkAt(tx, tip.height)
		if err != nil {
			return err
		}
		out = new(big.Int).SetBytes(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RollbackLastBlock removes the current tip header, returning the new
// (previous) tip.
func (s *Store) RollbackLastBlock() (*Header, er.R) {
	var out *Header
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) er.R {
		ei := &entryIndex{name: headersBucketName}
		ent, err := ei.truncate(tx, true)
		if err != nil {
			return err
		}
		hdr, err := s.deserializeHeader(ent.payload)
		if err != nil {
			return err
		}
		out = &Header{BlockHeader: hdr, Height: ent.height}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestBlockLocator returns a block locator built from the current best
// chain, following the standard doubling-then-every-block-near-tip
// convention used throughout the Bitcoin P2P protocol.
func (s *Store) LatestBlockLocator() (blockchain.BlockLocator, er.R) {
	tip, err := s.ChainTip()
	if err != nil {
		return nil, err
	}
	return s.blockLocatorFromHeight(tip.Height)
}

func (s *Store) blockLocatorFromHeight(height uint32) (blockchain.BlockLocator, er.R) {
	var locator blockchain.BlockLocator
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		ei := &entryIndex{name: headersBucketName}
		step := uint32(1)
		h := height
		for {
			ent, err := ei.entryByHeight(tx, h)
			if err != nil {
				return err
			}
			hash := ent.hash
			locator = append(locator, &hash)
			if h == 0 {
				return nil
			}
			if len(locator) >= 10 {
				step *= 2
			}
			if h < step {
				h = 0
			} else {
				h -= step
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return locator, nil
}

// CheckConnectivity walks the full header chain verifying each header's
// PrevBlock links to the previous entry, returning ErrDataCorruption at
// the first broken link found.
func (s *Store) CheckConnectivity() er.R {
	return walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		ei := &entryIndex{name: headersBucketName}
		tip, err := ei.chainTip(tx)
		if err != nil {
			return err
		}
		cur := tip
		for cur.height > 0 {
			prev, err := ei.entryByHeight(tx, cur.height-1)
			if err != nil {
				return err
			}
			hdr, err := s.deserializeHeader(cur.payload)
			if err != nil {
				return err
			}
			if hdr.PrevBlock != prev.hash {
				return ErrDataCorruption.New("", er.Errorf(
					"header at height %d does not link to height %d", cur.height, prev.height))
			}
			cur = prev
		}
		return nil
	})
}
