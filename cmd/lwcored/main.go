// cmd/lwcored is a minimal daemon driving a single engine.Blockchain
// against a wallet database: parse flags/config file, dial every
// configured peer, run Setup to full reconciliation, then idle until
// interrupted (serving Prometheus metrics if --metricsbind is set).
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/pkt-cash/pktd/btcutil/er"
	"github.com/pkt-cash/pktd/pktwallet/walletdb"

	_ "github.com/pkt-cash/pktd/pktwallet/walletdb/bdb"

	"github.com/pkt-cash/lwcore/chainstore"
	"github.com/pkt-cash/lwcore/cmd/lwcored/peerconn"
	"github.com/pkt-cash/lwcore/config"
	"github.com/pkt-cash/lwcore/engine"
	"github.com/pkt-cash/lwcore/peerapi"
	"github.com/pkt-cash/lwcore/progress"
	"github.com/pkt-cash/lwcore/walletapi"
)

// daemonConfig wraps config.Config with CLI-only fields that don't belong
// in the core engine's own Config shape.
type daemonConfig struct {
	config.Config
	LogLevel   string `long:"loglevel" description:"log level (trace|debug|info|warn|error)" default:"info"`
	MetricsBind string `long:"metricsbind" description:"address to serve Prometheus metrics on, empty disables it"`
}

var log btclog.Logger

func main() {
	var cfg daemonConfig
	parser := flags.NewParser(&cfg, flags.Default)
	if _, errr := parser.Parse(); errr != nil {
		if flagsErr, ok := errr.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	backend := btclog.NewBackend(os.Stdout)
	log = backend.Logger("LWCR")
	level, ok := btclog.LevelFromString(cfg.LogLevel)
	if !ok {
		fmt.Fprintf(os.Stderr, "unrecognized loglevel %q\n", cfg.LogLevel)
		os.Exit(1)
	}
	log.SetLevel(level)

	if err := cfg.Validate(); err != nil {
		log.Errorf("invalid configuration: %v", err)
		os.Exit(1)
	}

	if err := run(&cfg); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cfg *daemonConfig) er.R {
	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}

	if cfg.StorageDir == "" {
		cfg.StorageDir = "."
	}
	if errr := os.MkdirAll(cfg.StorageDir, 0700); errr != nil {
		return er.E(errr)
	}
	dbPath := filepath.Join(cfg.StorageDir, "chainstore.db")

	db, errr := walletdb.Open("bdb", dbPath, true)
	if errr != nil {
		if !walletdb.ErrDbDoesNotExist.Is(errr) {
			return errr
		}
		db, errr = walletdb.Create("bdb", dbPath, true)
		if errr != nil {
			return errr
		}
	}
	defer db.Close()

	store, err := chainstore.Open(db, params)
	if err != nil {
		return err
	}

	peers := make([]peerapi.Peer, 0, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		plog := btclog.NewBackend(os.Stdout).Logger("PEER")
		p, err := peerconn.Dial(pc.Address, params, plog)
		if err != nil {
			log.Warnf("unable to connect to %s: %v", pc.Address, err)
			continue
		}
		log.Infof("connected to %s (start height %d)", pc.Address, p.GetVersion().StartHeight)
		peers = append(peers, p)
	}
	if len(peers) == 0 {
		return config.ErrNoPeers.Default()
	}

	bc, err := engine.New(&cfg.Config, peers, store)
	if err != nil {
		return err
	}

	if cfg.MetricsBind != "" {
		reg := prometheus.NewRegistry()
		bc.Metrics().MustRegister(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Infof("metrics listening on %s", cfg.MetricsBind)
			if errr := http.ListenAndServe(cfg.MetricsBind, mux); errr != nil {
				log.Errorf("metrics server stopped: %v", errr)
			}
		}()
	}

	sink := progress.FuncSink(func(percent float64, message string) error {
		log.Infof("sync %.1f%%: %s", percent, message)
		return nil
	})

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	done := make(chan er.R, 1)
	go func() {
		done <- bc.Setup(noopDatabase{}, sink)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		log.Info("sync complete")
	case <-interrupt:
		log.Info("interrupt received during sync, exiting")
		return nil
	}

	<-interrupt
	log.Info("shutdown complete")
	return nil
}

// noopDatabase is a placeholder walletapi.Database used until this binary
// is wired to a real wallet; it watches nothing, so Setup's match policy
// never requests a block download.
type noopDatabase struct{}

func (noopDatabase) IterScriptPubKeys(filter *walletapi.ScriptType) ([][]byte, er.R) {
	return nil, nil
}
func (noopDatabase) IsMine([]byte) (bool, er.R) { return false, nil }
func (noopDatabase) GetPathFromScriptPubKey([]byte) (walletapi.ScriptType, uint32, bool, er.R) {
	return 0, 0, false, nil
}
func (noopDatabase) GetPreviousOutput(wire.OutPoint) (*wire.TxOut, er.R) { return nil, nil }
func (noopDatabase) GetLastIndex(walletapi.ScriptType) (uint32, er.R)    { return 0, nil }
func (noopDatabase) SetLastIndex(walletapi.ScriptType, uint32) er.R      { return nil }
func (noopDatabase) IterTxs(bool) ([]walletapi.TransactionDetails, er.R) { return nil, nil }
func (noopDatabase) BeginBatch() walletapi.Batch                         { return noopBatch{} }
func (noopDatabase) CommitBatch(walletapi.Batch) er.R                    { return nil }

type noopBatch struct{}

func (noopBatch) SetUTXO(*walletapi.UTXO) er.R                  { return nil }
func (noopBatch) DelUTXO(wire.OutPoint) er.R                     { return nil }
func (noopBatch) SetTx(*walletapi.TransactionDetails) er.R       { return nil }
func (noopBatch) DelTx(chainhash.Hash, bool) er.R                { return nil }
