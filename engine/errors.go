package engine

import "github.com/pkt-cash/pktd/btcutil/er"

// Err is the error namespace for every failure engine can surface.
var Err er.ErrorType = er.NewErrorType("engine.Err")

var (
	// ErrNoPeers is returned by New and Setup when no peer is configured;
	// there is no designated peer to drive header sync, mempool refresh,
	// or broadcast without one.
	ErrNoPeers = Err.CodeWithDetail("ErrNoPeers", "no peers configured")

	// ErrUpstream wraps a failure from the wallet database surfaced while
	// evaluating the match policy.
	ErrUpstream = Err.CodeWithDetail("ErrUpstream", "wallet database operation failed")
)
