package cfsync

import "github.com/pkt-cash/pktd/btcutil/er"

// Err is the error namespace for every failure cfsync can surface.
var Err er.ErrorType = er.NewErrorType("cfsync.Err")

var (
	// ErrInvalidResponse is returned when a peer's filter-header or
	// filter response doesn't correlate with what was requested (wrong
	// count, wrong range, unparseable message).
	ErrInvalidResponse = Err.CodeWithDetail("ErrInvalidResponse", "peer response does not correlate with the request")

	// ErrInvalidFilterHeader is returned when a committed filter header
	// doesn't chain from its predecessor, or fails a hard-checkpoint
	// cross-check.
	ErrInvalidFilterHeader = Err.CodeWithDetail("ErrInvalidFilterHeader", "filter header commitment mismatch")

	// ErrInvalidFilter is returned when a filter payload doesn't hash to
	// its already-stored, already-validated filter header.
	ErrInvalidFilter = Err.CodeWithDetail("ErrInvalidFilter", "filter payload fails verification against its header")

	// ErrMissingBlock is returned when a peer can't supply a block the
	// chain requires, or supplies one that doesn't match its header.
	ErrMissingBlock = Err.CodeWithDetail("ErrMissingBlock", "peer is missing a block the chain requires")
)
