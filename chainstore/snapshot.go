package chainstore

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"math/rand"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkt-cash/pktd/btcutil/er"
	"github.com/pkt-cash/pktd/pktwallet/walletdb"
)

// snapshotKind selects which chain a Snapshot extends.
type snapshotKind uint8

const (
	snapshotHeaders snapshotKind = iota
	snapshotFilterHeaders
)

func (k snapshotKind) liveBucket() []byte {
	if k == snapshotFilterHeaders {
		return filterHeadersBucketName
	}
	return headersBucketName
}

// Snapshot is a handle returned by BeginHeaderSnapshot or
// BeginFilterHeaderSnapshot: a fresh, transient column
// family that new entries are written into, invisible to every other
// reader until ApplySnapshot commits it. This is how atomic batch
// replacement is built on a KV store that lacks atomic bucket rename:
// write the batch into its own namespace and merge it into the live one in
// a single transaction, rather than literally renaming buckets in place.
//
// Unlike a true column-family rename, ApplySnapshot here rolls the live
// chain back to the snapshot's base height (a no-op in the common case
// where base is already the live tip) and then appends the snapshot's
// entries on top, all inside one walletdb update. That is strictly
// cheaper than copying the snapshot's own data down to genesis, and it
// produces the same externally observable atomicity: readers see either
// the entire old chain or the entire new one, never a partial mix.
type Snapshot struct {
	store    *Store
	kind     snapshotKind
	name     []byte
	base     uint32
	baseHash chainhash.Hash
}

// baseHeightKey/baseHashKey are also stamped into the snapshot bucket's own
// meta keys (redundant with the manifest entry) purely so an operator
// inspecting the database directly can identify a snapshot bucket without
// cross-referencing the manifest.
var baseHeightKey = []byte("base_height")
var baseHashKey = []byte("base_hash")

// snapshotManifestBucket records every currently in-flight snapshot
// (name -> kind|base height|base hash), since the walletdb interface this
// store is built on has no way to enumerate top-level buckets by name
// alone. recoverLeftoverSnapshots reads this manifest at startup instead
// of probing for "_headers:"/"_filter_headers:"-prefixed buckets directly.
var snapshotManifestBucket = []byte("snapshot_manifest")

func encodeManifestEntry(kind snapshotKind, base uint32, baseHash chainhash.Hash) []byte {
	out := make([]byte, 1+4+chainhash.HashSize)
	out[0] = byte(kind)
	copy(out[1:5], heightKey(base))
	copy(out[5:], baseHash[:])
	return out
}

func decodeManifestEntry(raw []byte) (kind snapshotKind, base uint32, baseHash chainhash.Hash, ok bool) {
	if len(raw) != 1+4+chainhash.HashSize {
		return 0, 0, chainhash.Hash{}, false
	}
	kind = snapshotKind(raw[0])
	base = heightFromKey(raw[1:5])
	copy(baseHash[:], raw[5:])
	return kind, base, baseHash, true
}

// beginSnapshot opens a transient column family rooted at baseHeight,
// which must be a height already present on the live chain of the given
// kind. Headers written into the returned Snapshot are invisible to every
// other reader of the store until ApplySnapshot commits them.
func (s *Store) beginSnapshot(kind snapshotKind, baseHeight uint32) (*Snapshot, er.R) {
	var snap *Snapshot
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) er.R {
		live := &entryIndex{name: kind.liveBucket()}
		baseEnt, err := live.entryByHeight(tx, baseHeight)
		if err != nil {
			return err
		}
		id := make([]byte, 8)
		rand.Read(id)
		name := []byte(fmt.Sprintf("_%s:%s", kind.liveBucket(), hex.EncodeToString(id)))
		ei, err := newEntryIndex(tx, name)
		if err != nil {
			return err
		}
		if err := ei.setMeta(tx, baseHeightKey, heightKey(baseHeight)); err != nil {
			return err
		}
		if err := ei.setMeta(tx, baseHashKey, baseEnt.hash[:]); err != nil {
			return err
		}
		manifest, err := tx.CreateTopLevelBucket(snapshotManifestBucket)
		if err != nil {
			return err
		}
		if err := manifest.Put(name, encodeManifestEntry(kind, baseHeight, baseEnt.hash)); err != nil {
			return err
		}
		snap = &Snapshot{store: s, kind: kind, name: name, base: baseHeight, baseHash: baseEnt.hash}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// dropSnapshotBucket deletes a transient snapshot column family and its
// manifest entry together, so the two never disagree about whether a
// snapshot is still in flight.
func (s *Store) dropSnapshotBucket(tx walletdb.ReadWriteTx, ei *entryIndex) er.R {
	if err := ei.drop(tx); err != nil {
		return err
	}
	manifest := tx.ReadWriteBucket(snapshotManifestBucket)
	if manifest == nil {
		return nil
	}
	return manifest.Delete(ei.name)
}

// BeginHeaderSnapshot opens a snapshot of the block-header chain, as used
// by headersync.
func (s *Store) BeginHeaderSnapshot(baseHeight uint32) (*Snapshot, er.R) {
	return s.beginSnapshot(snapshotHeaders, baseHeight)
}

// BeginFilterHeaderSnapshot opens a snapshot of the filter-header chain,
// as used by cfsync's bulk prepare_sync download.
func (s *Store) BeginFilterHeaderSnapshot(baseHeight uint32) (*Snapshot, er.R) {
	return s.beginSnapshot(snapshotFilterHeaders, baseHeight)
}

// WriteHeaders appends headers (which must be the block-header kind) to
// the snapshot, contiguous from its base height onward.
func (snap *Snapshot) WriteHeaders(headers ...Header) er.R {
	return walletdb.Update(snap.store.db, func(tx walletdb.ReadWriteTx) er.R {
		ei, err := newEntryIndex(tx, snap.name)
		if err != nil {
			return err
		}
		_, tipErr := ei.chainTip(tx)
		if tipErr != nil && !ErrHeightNotFound.Is(tipErr) {
			return tipErr
		}
		if tipErr == nil || len(headers) == 0 {
			return snap.store.writeHeadersTx(tx, ei, headers, nil, nil)
		}
		if headers[0].Height != snap.base+1 {
			return ErrNotConnected.New("", er.Errorf(
				"snapshot rooted at %d must begin writing at %d, got %d",
				snap.base, snap.base+1, headers[0].Height))
		}
		live := &entryIndex{name: snap.kind.liveBucket()}
		baseWorkRaw, err := live.getWorkAt(tx, snap.base)
		if err != nil {
			return err
		}
		priorTip := &entry{hash: snap.baseHash, height: snap.base}
		priorWork := new(big.Int).SetBytes(baseWorkRaw)
		return snap.store.writeHeadersTx(tx, ei, headers, priorTip, priorWork)
	})
}

// WriteFilterHeaders appends filter headers to the snapshot.
func (snap *Snapshot) WriteFilterHeaders(headers ...FilterHeader) er.R {
	return walletdb.Update(snap.store.db, func(tx walletdb.ReadWriteTx) er.R {
		ei, err := newEntryIndex(tx, snap.name)
		if err != nil {
			return err
		}
		_, tipErr := ei.chainTip(tx)
		if tipErr != nil && !ErrHeightNotFound.Is(tipErr) {
			return tipErr
		}
		var priorTip *entry
		if tipErr != nil && len(headers) > 0 {
			if headers[0].Height != snap.base+1 {
				return ErrNotConnected.New("", er.Errorf(
					"snapshot rooted at %d must begin writing at %d, got %d",
					snap.base, snap.base+1, headers[0].Height))
			}
			priorTip = &entry{hash: snap.baseHash, height: snap.base}
		}
		batch := make(entryBatch, 0, len(headers))
		for _, h := range headers {
			fh := h.FilterHash
			batch = append(batch, entry{hash: h.HeaderHash, height: h.Height, payload: fh[:]})
		}
		return ei.addEntries(tx, batch, priorTip)
	})
}

// GetHeader reads a header by height, falling through to the live chain
// for heights at or below the snapshot's base.
func (snap *Snapshot) GetHeader(height uint32) (*Header, er.R) {
	if height <= snap.base {
		return snap.store.FetchHeaderByHeight(height)
	}
	var out *Header
	err := walletdb.View(snap.store.db, func(tx walletdb.ReadTx) er.R {
		ei := &entryIndex{name: snap.name}
		ent, err := ei.entryByHeight(tx, height)
		if err != nil {
			return err
		}
		hdr, err := snap.store.deserializeHeader(ent.payload)
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

// Height returns the snapshot's own tip height (its base if nothing has
// been written to it yet).
func (snap *Snapshot) Height() (uint32, er.R) {
	var height uint32
	err := walletdb.View(snap.store.db, func(tx walletdb.ReadTx) er.R {
		ei := &entryIndex{name: snap.name}
		tip, err := ei.chainTip(tx)
		if ErrHeightNotFound.Is(err) {
			height = snap.base
			return nil
		} else if err != nil {
			return err
		}
		height = tip.height
		return nil
	})
	if err != nil {
		return 0, err
	}
	return height, nil
}

// ApplySnapshot atomically promotes snap: it verifies the snapshot's base
// still matches the live chain (nothing raced it), rolls the live chain
// back to the base height (discarding any now-superseded entries above
// it, the reorg case), replays the snapshot's entries onto the live chain,
// and finally drops the now-empty transient column family. A crash before
// this call leaves the live chain untouched and the transient bucket on
// disk for recoverLeftoverSnapshots to resolve; a crash during it is undone or
// completed atomically by the underlying walletdb transaction.
func (s *Store) ApplySnapshot(snap *Snapshot) er.R {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) er.R {
		return s.applySnapshotTx(tx, snap)
	})
}

func (s *Store) applySnapshotTx(tx walletdb.ReadWriteTx, snap *Snapshot) er.R {
	live := &entryIndex{name: snap.kind.liveBucket()}
	baseNow, err := live.entryByHeight(tx, snap.base)
	if ErrHeightNotFound.Is(err) {
		return ErrNotConnected.New("", er.Errorf(
			"snapshot base at height %d is no longer on the live chain", snap.base))
	} else if err != nil {
		return err
	}
	if baseNow.hash != snap.baseHash {
		return ErrNotConnected.New("", er.Errorf(
			"snapshot base at height %d no longer matches the live chain", snap.base))
	}

	snapIdx := &entryIndex{name: snap.name}
	tip, err := snapIdx.chainTip(tx)
	if ErrHeightNotFound.Is(err) {
		// Snapshot accumulated nothing beyond its base; nothing to merge.
		return s.dropSnapshotBucket(tx, snapIdx)
	} else if err != nil {
		return err
	}

	if err := live.truncateToHeight(tx, snap.base); err != nil {
		return err
	}

	if snap.kind == snapshotHeaders {
		headers := make([]Header, 0, tip.height-snap.base)
		for h := snap.base + 1; h <= tip.height; h++ {
			ent, err := snapIdx.entryByHeight(tx, h)
			if err != nil {
				return err
			}
			hdr, err := s.deserializeHeader(ent.payload)
			if err != nil {
				return err
			}
			headers = append(headers, Header{BlockHeader: hdr, Height: h})
		}
		if err := s.writeHeadersTx(tx, live, headers, nil, nil); err != nil {
			return err
		}
	} else {
		batch := make(entryBatch, 0, tip.height-snap.base)
		for h := snap.base + 1; h <= tip.height; h++ {
			ent, err := snapIdx.entryByHeight(tx, h)
			if err != nil {
				return err
			}
			batch = append(batch, ent)
		}
		if err := live.addEntries(tx, batch, nil); err != nil {
			return err
		}
	}

	return s.dropSnapshotBucket(tx, snapIdx)
}

// recoverLeftoverSnapshots resolves every transient snapshot bucket left
// behind by a prior crash, as recorded in snapshotManifestBucket: each is
// either promoted (if its accumulated work exceeds the live chain's, for
// header snapshots) or dropped.
func (s *Store) recoverLeftoverSnapshots() er.R {
	for _, kind := range []snapshotKind{snapshotHeaders, snapshotFilterHeaders} {
		if err := s.recoverLeftoverSnapshotsOfKind(kind); err != nil {
			return err
		}
	}
	return nil
}

type leftoverSnapshot struct {
	name     []byte
	base     uint32
	baseHash chainhash.Hash
}

func (s *Store) recoverLeftoverSnapshotsOfKind(kind snapshotKind) er.R {
	var leftovers []leftoverSnapshot
	if err := walletdb.View(s.db, func(tx walletdb.ReadTx) er.R {
		manifest := tx.ReadBucket(snapshotManifestBucket)
		if manifest == nil {
			return nil
		}
		return manifest.ForEach(func(name, raw []byte) er.R {
			entKind, base, baseHash, ok := decodeManifestEntry(raw)
			if !ok || entKind != kind {
				return nil
			}
			n := make([]byte, len(name))
			copy(n, name)
			leftovers = append(leftovers, leftoverSnapshot{name: n, base: base, baseHash: baseHash})
			return nil
		})
	}); err != nil {
		return err
	}

	for _, lo := range leftovers {
		if err := s.recoverOneLeftoverSnapshot(kind, lo); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) recoverOneLeftoverSnapshot(kind snapshotKind, lo leftoverSnapshot) er.R {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) er.R {
		ei := &entryIndex{name: lo.name}
		snap := &Snapshot{store: s, kind: kind, name: lo.name, base: lo.base, baseHash: lo.baseHash}

		if kind == snapshotHeaders {
			tip, err := ei.chainTip(tx)
			if ErrHeightNotFound.Is(err) {
				return s.dropSnapshotBucket(tx, ei)
			} else if err != nil {
				return err
			}
			work, err := ei.getWorkAt(tx, tip.height)
			if err != nil {
				return err
			}
			live := &entryIndex{name: kind.liveBucket()}
			liveTip, err := live.chainTip(tx)
			if err != nil {
				return err
			}
			liveWork, err := live.getWorkAt(tx, liveTip.height)
			if err != nil {
				return err
			}
			if new(big.Int).SetBytes(work).Cmp(new(big.Int).SetBytes(liveWork)) <= 0 {
				return s.dropSnapshotBucket(tx, ei)
			}
		}
		return s.applySnapshotTx(tx, snap)
	})
}

// Work returns the snapshot chain's cumulative work through its own tip.
// Only meaningful for header snapshots; filter-header snapshots have no
// work concept and always see the live chain's work fall through.
func (snap *Snapshot) Work() (*big.Int, er.R) {
	height, err := snap.Height()
	if err != nil {
		return nil, err
	}
	if snap.kind == snapshotFilterHeaders || height <= snap.base {
		return snap.store.Work()
	}
	var out *big.Int
	err = walletdb.View(snap.store.db, func(tx walletdb.ReadTx) er.R {
		ei := &entryIndex{name: snap.name}
		raw, err := ei.getWorkAt(tx, height)
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
