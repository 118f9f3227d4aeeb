package chainstore

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// entry is the internal (height, hash) -> payload record shared by the
// headers and filter_headers column families, generalized from
// neutrino/headerfs's headerEntry (which hardcoded two near-identical
// copies, one per header type).
type entry struct {
	hash    chainhash.Hash
	height  uint32
	payload []byte
}

// heightKey renders height as a fixed-width big-endian key so range scans
// across a column family stay lexicographically ordered by height.
func heightKey(height uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, height)
	return b
}

func heightFromKey(k []byte) uint32 {
	return binary.BigEndian.Uint32(k)
}
