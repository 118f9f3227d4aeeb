package chainstore

import "github.com/pkt-cash/pktd/btcutil/er"

// Err is the error namespace for every failure chainstore can surface,
// following the neutrino/headerfs convention of one ErrorType per package
// with a flat set of codes underneath.
var Err er.ErrorType = er.NewErrorType("chainstore.Err")

var (
	// ErrHeightNotFound is returned when a height has no corresponding
	// entry in the column family being queried.
	ErrHeightNotFound = Err.CodeWithDetail("ErrHeightNotFound", "no entry for the given height")

	// ErrHashNotFound is returned when a hash has no corresponding entry
	// in the column family being queried.
	ErrHashNotFound = Err.CodeWithDetail("ErrHashNotFound", "no entry for the given hash")

	// ErrDataCorruption is returned when on-disk bytes fail to decode
	// into the shape the reader expected, e.g. a truncated header row.
	ErrDataCorruption = Err.CodeWithDetail("ErrDataCorruption", "stored chain data is malformed")

	// ErrNotConnected is returned when a batch of headers or a snapshot
	// does not chain onto the tip it claims to extend.
	ErrNotConnected = Err.CodeWithDetail("ErrNotConnected", "entry does not connect to the expected chain tip")

	// ErrStorage wraps an underlying walletdb failure.
	ErrStorage = Err.CodeWithDetail("ErrStorage", "underlying storage failure")
)
