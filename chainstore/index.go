package chainstore

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkt-cash/pktd/pktwallet/walletdb"
	"github.com/pkt-cash/pktd/btcutil/er"
)

var (
	tipKey     = []byte("tip")
	hdrBucket  = []byte("hdr")
	byhtBucket = []byte("byheight")
	workBucket = []byte("workat")
)

// entryIndex is a chain-linked (height, hash) -> payload index living in its
// own top-level walletdb bucket. It generalizes neutrino/headerfs's
// headerIndex, which hardcoded two copies of this exact structure (one for
// block headers, one for filter headers) nested under a shared "headers"
// bucket. Here each chain (headers, filter_headers, and any in-flight
// snapshot of either) gets its own top-level bucket, named directly after
// the column family, so that a snapshot can be merged into its parent and
// then dropped wholesale with a single DeleteTopLevelBucket.
type entryIndex struct {
	name []byte
}

// newEntryIndex opens (creating if needed) the column family named name.
func newEntryIndex(tx walletdb.ReadWriteTx, name []byte) (*entryIndex, er.R) {
	ei := &entryIndex{name: name}
	if err := ei.createBuckets(tx); err != nil {
		return nil, err
	}
	return ei, nil
}

func (e *entryIndex) createBuckets(tx walletdb.ReadWriteTx) er.R {
	root, err := e.rwRoot(tx)
	if err != nil {
		return err
	}
	if _, err := root.CreateBucketIfNotExists(hdrBucket); err != nil {
		return err
	}
	if _, err := root.CreateBucketIfNotExists(byhtBucket); err != nil {
		return err
	}
	if _, err := root.CreateBucketIfNotExists(workBucket); err != nil {
		return err
	}
	return nil
}

func (e *entryIndex) rwRoot(tx walletdb.ReadWriteTx) (walletdb.ReadWriteBucket, er.R) {
	root := tx.ReadWriteBucket(e.name)
	if root == nil {
		r, err := tx.CreateTopLevelBucket(e.name)
		if err != nil {
			return nil, err
		}
		root = r
	}
	return root, nil
}

func (e *entryIndex) roRoot(tx walletdb.ReadTx) (walletdb.ReadBucket, er.R) {
	root := tx.ReadBucket(e.name)
	if root == nil {
		return nil, walletdb.ErrBucketNotFound.Default()
	}
	return root, nil
}

// drop deletes the column family wholesale. Used both to discard a spent
// snapshot and, on recovery, to discard a snapshot whose accumulated work
// didn't beat the live chain.
func (e *entryIndex) drop(tx walletdb.ReadWriteTx) er.R {
	if err := tx.DeleteTopLevelBucket(e.name); err != nil && !walletdb.ErrBucketNotFound.Is(err) {
		return err
	}
	return nil
}

// exists reports whether the column family's top-level bucket is present.
func (e *entryIndex) exists(tx walletdb.ReadTx) bool {
	return tx.ReadBucket(e.name) != nil
}

type entryBatch []entry

func (b entryBatch) Len() int      { return len(b) }
func (b entryBatch) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b entryBatch) Less(i, j int) bool {
	return b[i].height < b[j].height
}

// addEntries writes a batch of entries chained onto priorTip. A nil
// priorTip means "use this column family's own existing tip, or accept any
// starting height if it has none yet" (true genesis). Passing an explicit
// priorTip lets a caller chain new entries onto an ancestor that lives in
// a different column family entirely, which is how a Snapshot's first
// write continues from the live chain's base height without that entry
// existing in the snapshot's own bucket.
func (e *entryIndex) addEntries(tx walletdb.ReadWriteTx, batch entryBatch, priorTip *entry) er.R {
	if len(batch) == 0 {
		return nil
	}
	root, err := e.rwRoot(tx)
	if err != nil {
		return err
	}
	hdr := root.NestedReadWriteBucket(hdrBucket)
	byht := root.NestedReadWriteBucket(byhtBucket)

	sort.Sort(batch)

	tip := priorTip
	if tip == nil {
		existing, err := e.chainTip(tx)
		if err != nil && !ErrHeightNotFound.Is(err) {
			return err
		} else if err == nil {
			tip = existing
		}
	}

	for _, ent := range batch {
		if tip != nil && ent.height != tip.height+1 {
			return ErrNotConnected.New("", er.Errorf(
				"entry at height %d does not extend tip at height %d", ent.height, tip.height))
		}
		hk := heightKey(ent.height)
		buf := make([]byte, 0, len(hk)+len(ent.payload))
		buf = append(buf, hk...)
		buf = append(buf, ent.payload...)
		if err := hdr.Put(ent.hash[:], buf); err != nil {
			return err
		}
		if err := byht.Put(hk, ent.hash[:]); err != nil {
			return err
		}
		t := ent
		tip = &t
	}
	return root.Put(tipKey, tip.hash[:])
}

func (e *entryIndex) entryByHash(tx walletdb.ReadTx, hash *chainhash.Hash) (*entry, er.R) {
	root, err := e.roRoot(tx)
	if err != nil {
		return nil, err
	}
	hdr := root.NestedReadBucket(hdrBucket)
	raw := hdr.Get(hash[:])
	if raw == nil {
		return nil, ErrHashNotFound.New("", er.Errorf("hash %v", hash))
	}
	if len(raw) < 4 {
		return nil, ErrDataCorruption.New("", er.Errorf("short entry for hash %v", hash))
	}
	return &entry{
		hash:    *hash,
		height:  heightFromKey(raw[:4]),
		payload: raw[4:],
	}, nil
}

func (e *entryIndex) entryByHeight(tx walletdb.ReadTx, height uint32) (*entry, er.R) {
	root, err := e.roRoot(tx)
	if err != nil {
		return nil, err
	}
	byht := root.NestedReadBucket(byhtBucket)
	hash := byht.Get(heightKey(height))
	if hash == nil {
		return nil, ErrHeightNotFound.New("", er.Errorf("height %d", height))
	}
	ch, err := chainhash.NewHash(hash)
	if err != nil {
		return nil, err
	}
	ent, err := e.entryByHash(tx, ch)
	if err != nil {
		return nil, err
	}
	if ent.height != height {
		return nil, ErrDataCorruption.New("", er.Errorf(
			"entry %v indexed at height %d actually has height %d", ch, height, ent.height))
	}
	return ent, nil
}

// chainTip returns the (height, hash) of the current tip of this column
// family, or ErrHeightNotFound if it is empty.
func (e *entryIndex) chainTip(tx walletdb.ReadTx) (*entry, er.R) {
	root, err := e.roRoot(tx)
	if err != nil {
		return nil, err
	}
	raw := root.Get(tipKey)
	if raw == nil {
		return nil, ErrHeightNotFound.New("", er.Errorf("column family %s is empty", e.name))
	}
	ch, err := chainhash.NewHash(raw)
	if err != nil {
		return nil, err
	}
	return e.entryByHash(tx, ch)
}

// truncate removes the current tip entry (optionally deleting its row
// entirely) and rewrites the tip pointer to the previous entry, returning
// it. Used both for single-block rollback and to unwind a column family
// back to a snapshot's base height.
func (e *entryIndex) truncate(tx walletdb.ReadWriteTx, deleteFlag bool) (*entry, er.R) {
	root, err := e.rwRoot(tx)
	if err != nil {
		return nil, err
	}
	tip, err := e.chainTip(tx)
	if err != nil {
		return nil, err
	}
	if tip.height == 0 {
		return nil, ErrNotConnected.New("", er.Errorf("cannot truncate past genesis"))
	}
	prev, err := e.entryByHeight(tx, tip.height-1)
	if err != nil {
		return nil, err
	}
	if err := root.Put(tipKey, prev.hash[:]); err != nil {
		return nil, err
	}
	if deleteFlag {
		hdr := root.NestedReadWriteBucket(hdrBucket)
		byht := root.NestedReadWriteBucket(byhtBucket)
		work := root.NestedReadWriteBucket(workBucket)
		hk := heightKey(tip.height)
		if bytes.Equal(byht.Get(hk), tip.hash[:]) {
			if err := byht.Delete(hk); err != nil {
				return nil, err
			}
		}
		if err := hdr.Delete(tip.hash[:]); err != nil {
			return nil, err
		}
		if work != nil {
			if err := work.Delete(hk); err != nil {
				return nil, err
			}
		}
	}
	return prev, nil
}

// setWorkAt/getWorkAt store the cumulative proof-of-work through and
// including height, so Work() stays O(1) even though truncation can
// unwind an arbitrary number of entries.
func (e *entryIndex) setWorkAt(tx walletdb.ReadWriteTx, height uint32, work []byte) er.R {
	root, err := e.rwRoot(tx)
	if err != nil {
		return err
	}
	return root.NestedReadWriteBucket(workBucket).Put(heightKey(height), work)
}

func (e *entryIndex) getWorkAt(tx walletdb.ReadTx, height uint32) ([]byte, er.R) {
	root, err := e.roRoot(tx)
	if err != nil {
		return nil, err
	}
	return root.NestedReadBucket(workBucket).Get(heightKey(height)), nil
}

// truncateToHeight repeatedly truncates until the tip is at height,
// deleting every entry above it. It is a no-op if the tip is already at or
// below height.
func (e *entryIndex) truncateToHeight(tx walletdb.ReadWriteTx, height uint32) er.R {
	for {
		tip, err := e.chainTip(tx)
		if ErrHeightNotFound.Is(err) {
			return nil
		} else if err != nil {
			return err
		}
		if tip.height <= height {
			return nil
		}
		if _, err := e.truncate(tx, true); err != nil {
			return err
		}
	}
}

// setMeta/getMeta store small auxiliary values (e.g. a snapshot's base
// height) directly in the column family's root bucket, alongside the tip
// pointer.
func (e *entryIndex) setMeta(tx walletdb.ReadWriteTx, key, val []byte) er.R {
	root, err := e.rwRoot(tx)
	if err != nil {
		return err
	}
	return root.Put(key, val)
}

func (e *entryIndex) getMeta(tx walletdb.ReadTx, key []byte) ([]byte, er.R) {
	root, err := e.roRoot(tx)
	if err != nil {
		return nil, err
	}
	return root.Get(key), nil
}
