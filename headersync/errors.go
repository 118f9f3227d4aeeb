package headersync

import "github.com/pkt-cash/pktd/btcutil/er"

// Err is the error namespace for every failure headersync can surface.
var Err er.ErrorType = er.NewErrorType("headersync.Err")

var (
	// ErrInvalidHeaders is returned when a peer's header batch fails
	// linkage, retarget, proof-of-work, or timestamp validation. The
	// peer should be dropped; no existing state is touched.
	ErrInvalidHeaders = Err.CodeWithDetail("ErrInvalidHeaders", "header chain fails validation")

	// ErrTimeout names the peer-timeout failure. Sync does not construct
	// it: when a HeadersByLocator round trip exceeds requestTimeout, Sync
	// returns the peer's own error unchanged.
	ErrTimeout = Err.CodeWithDetail("ErrTimeout", "peer did not reply in time")
)
