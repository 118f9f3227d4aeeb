// Package config defines the structured, serializable configuration
// consumed by the sync engine. Parsing a config file or flag set into this
// struct is the caller's job; this package only defines the shape and a
// couple of small validating helpers.
package config

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkt-cash/pktd/btcutil/er"
)

// PeerConfig describes one configured peer connection.
type PeerConfig struct {
	// Address is "host:port" of the peer to dial.
	Address string `long:"address" description:"peer address, host:port"`

	// SOCKS5, if set, is the "host:port" of a SOCKS5 proxy to dial the
	// peer through. Proxy dialing itself is out of this module's scope;
	// cmd/lwcored's peer adapter does not read this field.
	SOCKS5 string `long:"socks5" description:"optional SOCKS5 proxy address"`

	// SOCKS5User and SOCKS5Pass are optional proxy credentials that go
	// with SOCKS5; like it, they are not read by cmd/lwcored's peer adapter.
	SOCKS5User string `long:"socks5-user" description:"optional SOCKS5 username"`
	SOCKS5Pass string `long:"socks5-pass" description:"optional SOCKS5 password"`
}

// Config is the full configuration of a sync engine instance.
type Config struct {
	Peers []PeerConfig `long:"peer" description:"peer to connect to, may be repeated"`

	// Network selects the chain parameters (mainnet, testnet3, simnet or
	// regtest).
	Network string `long:"network" description:"chain network" default:"mainnet"`

	// StorageDir is where ChainStore keeps its on-disk database.
	StorageDir string `long:"storagedir" description:"directory to store chain state"`

	// SkipBlocks, if set, stops the engine from scanning filters below
	// this height at all.
	SkipBlocks uint32 `long:"skipblocks" description:"do not scan filters below this height"`
}

var Err er.ErrorType = er.NewErrorType("config.Err")

var ErrNoPeers = Err.CodeWithDetail("ErrNoPeers", "no peers configured")
var ErrUnknownNetwork = Err.CodeWithDetail("ErrUnknownNetwork", "unrecognized network name")

// ChainParams resolves Network to the matching chaincfg.Params.
func (c *Config) ChainParams() (*chaincfg.Params, er.R) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, ErrUnknownNetwork.New(c.Network, nil)
	}
}

// Validate checks the structural invariants required at construction time
// (empty peer list is NoPeers, surfaced eagerly rather than failing deep
// inside Setup).
func (c *Config) Validate() er.R {
	if len(c.Peers) == 0 {
		return ErrNoPeers.Default()
	}
	if _, err := c.ChainParams(); err != nil {
		return err
	}
	return nil
}
