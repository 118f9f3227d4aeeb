package walletreconciler

import "github.com/pkt-cash/pktd/btcutil/er"

// Err is the error namespace for every failure walletreconciler can
// surface.
var Err er.ErrorType = er.NewErrorType("walletreconciler.Err")

// ErrUpstream wraps a failure returned by the walletapi.Database this
// reconciler was handed; the core itself never constructs storage errors
// of its own in this package.
var ErrUpstream = Err.CodeWithDetail("ErrUpstream", "wallet database operation failed")
