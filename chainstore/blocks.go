package chainstore

import (
	"bytes"

	"github.com/btcsuite/btcutil"
	"github.com/pkt-cash/pktd/pktwallet/walletdb"
	"github.com/pkt-cash/pktd/btcutil/er"
)

// fullBlocksBucketName holds full blocks that matched the wallet's watch
// set, height-keyed only (compare filtersBucketName). These survive until
// DeleteBlocksUntil prunes them, once the wallet reconciler has buried them
// deep enough that a reorg touching them is no longer credible.
var fullBlocksBucketName = []byte("full_blocks")

// WriteFullBlock persists a block that matched during filter sync so the
// wallet reconciler can later replay its transactions.
func (s *Store) WriteFullBlock(height uint32, block *btcutil.Block) er.R {
	var buf bytes.Buffer
	if err := block.MsgBlock().Serialize(&buf); err != nil {
		return er.E(err)
	}
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) er.R {
		bkt, err := tx.CreateTopLevelBucket(fullBlocksBucketName)
		if err != nil {
			return err
		}
		return bkt.Put(heightKey(height), buf.Bytes())
	})
}

// GetFullBlock returns the stored block at height, or ErrHeightNotFound if
// none is stored there.
func (s *Store) GetFullBlock(height uint32) (*btcutil.Block, er.R) {
	var raw []byte
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		bkt := tx.ReadBucket(fullBlocksBucketName)
		if bkt == nil {
			return ErrHeightNotFound.New("", er.Errorf("no full blocks stored"))
		}
		raw = bkt.Get(heightKey(height))
		if raw == nil {
			return ErrHeightNotFound.New("", er.Errorf("height %d", height))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	block, berr := btcutil.NewBlockFromBytes(raw)
	if berr != nil {
		return nil, er.E(berr)
	}
	block.SetHeight(int32(height))
	return block, nil
}

// DeleteBlocksUntil removes every stored full block with height strictly
// below buriedHeight.
func (s *Store) DeleteBlocksUntil(buriedHeight uint32) er.R {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) er.R {
		bkt := tx.ReadWriteBucket(fullBlocksBucketName)
		if bkt == nil {
			return nil
		}
		var stale [][]byte
		if err := bkt.ForEach(func(k, v []byte) er.R {
			if heightFromKey(k) < buriedHeight {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// IterFullBlocks calls visit once per stored block in ascending height
// order, stopping at the first error it returns.
func (s *Store) IterFullBlocks(visit func(height uint32, block *btcutil.Block) er.R) er.R {
	return walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		bkt := tx.ReadBucket(fullBlocksBucketName)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) er.R {
			height := heightFromKey(k)
			block, err := btcutil.NewBlockFromBytes(v)
			if err != nil {
				return er.E(err)
			}
			block.SetHeight(int32(height))
			return visit(height, block)
		})
	})
}
