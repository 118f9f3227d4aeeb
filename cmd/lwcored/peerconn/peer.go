// Package peerconn is a minimal real TCP peer connection implementing
// peerapi.Peer: version handshake, then blocking request/response for
// headers, compact filter headers/filters, blocks, mempool, and
// broadcast. It exists so cmd/lwcored has something to dial against; a
// production deployment would likely swap this for a connection pool with
// retry/ban-score/SOCKS5 support.
package peerconn

import (
	"container/list"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/gcs"
	"github.com/btcsuite/btcutil/gcs/builder"
	"github.com/btcsuite/btclog"
	"github.com/pkt-cash/pktd/btcutil/er"

	"github.com/pkt-cash/lwcore/peerapi"
)

// protocolVersion is the wire protocol version this client speaks.
// BIP157/158 filter messages are sent at FeeFilterVersion.
const protocolVersion = wire.FeeFilterVersion

// Err is the error namespace for peerconn failures.
var Err er.ErrorType = er.NewErrorType("peerconn.Err")

var (
	ErrTimeout       = Err.CodeWithDetail("ErrTimeout", "peer did not respond in time")
	ErrHandshake     = Err.CodeWithDetail("ErrHandshake", "version handshake failed")
	ErrUnexpectedMsg = Err.CodeWithDetail("ErrUnexpectedMsg", "peer sent an unexpected message")
)

// mempoolSnapshot is the Mempool implementation backing Peer.Mempool.
type mempoolSnapshot struct {
	mu  sync.Mutex
	txs map[chainhash.Hash]*wire.MsgTx
}

func newMempoolSnapshot() *mempoolSnapshot {
	return &mempoolSnapshot{txs: make(map[chainhash.Hash]*wire.MsgTx)}
}

func (m *mempoolSnapshot) IterTxs() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*wire.MsgTx, 0, len(m.txs))
	for _, tx := range m.txs {
		out = append(out, tx)
	}
	return out
}

func (m *mempoolSnapshot) GetTx(inv *wire.InvVect) *wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs[inv.Hash]
}

func (m *mempoolSnapshot) set(tx *wire.MsgTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.TxHash()] = tx
}

// pendingReq is a single in-flight request awaiting a reply on the read
// loop; result receives the value accept returns for the first message
// it accepts.
type pendingReq struct {
	accept func(wire.Message) (interface{}, bool)
	result chan interface{}
}

// Peer is a single connected full-node peer speaking the Bitcoin/PKT wire
// protocol directly over TCP, implementing peerapi.Peer.
type Peer struct {
	addr    string
	net     wire.BitcoinNet
	params  *chaincfg.Params
	conn    net.Conn
	log     btclog.Logger
	version peerapi.Version

	mempool *mempoolSnapshot

	mu      sync.Mutex
	pending *list.List // of *pendingReq

	writeMu sync.Mutex
}

// Dial connects to addr, completes the version handshake, and returns a
// running Peer. The returned Peer's read loop keeps running until the
// connection breaks; callers only see that as the next request timing
// out or erroring.
func Dial(addr string, params *chaincfg.Params, log btclog.Logger) (*Peer, er.R) {
	conn, errr := net.DialTimeout("tcp", addr, 10*time.Second)
	if errr != nil {
		return nil, er.E(errr)
	}
	p := &Peer{
		addr:    addr,
		net:     params.Net,
		params:  params,
		conn:    conn,
		log:     log,
		mempool: newMempoolSnapshot(),
		pending: list.New(),
	}
	if err := p.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	go p.readLoop()
	return p, nil
}

func (p *Peer) handshake() er.R {
	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
	you := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
	nonce, errr := wire.RandomUint64()
	if errr != nil {
		return er.E(errr)
	}
	localVersion := wire.NewMsgVersion(me, you, nonce, 0)
	localVersion.AddUserAgent("lwcored", "0.1.0")
	if err := p.send(localVersion); err != nil {
		return err
	}

	gotVersion := false
	gotVerAck := false
	for !gotVersion || !gotVerAck {
		_, msg, _, errr := wire.ReadMessageN(p.conn, protocolVersion, p.net)
		if errr != nil {
			return er.E(errr)
		}
		switch m := msg.(type) {
		case *wire.MsgVersion:
			p.version = peerapi.Version{StartHeight: m.LastBlock}
			gotVersion = true
			if err := p.send(wire.NewMsgVerAck()); err != nil {
				return err
			}
		case *wire.MsgVerAck:
			gotVerAck = true
		case *wire.MsgReject:
			return ErrHandshake.New(fmt.Sprintf("peer rejected handshake: %s", m.Reason), nil)
		default:
			// Ignore anything else (e.g. a premature ping) during the
			// handshake window.
		}
	}
	return nil
}

func (p *Peer) send(msg wire.Message) er.R {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, errr := wire.WriteMessageN(p.conn, msg, protocolVersion, p.net); errr != nil {
		return er.E(errr)
	}
	return nil
}

// register files a pending request that readLoop will try to satisfy with
// accept; it returns a channel the caller blocks on.
func (p *Peer) register(accept func(wire.Message) (interface{}, bool)) (*list.Element, chan interface{}) {
	req := &pendingReq{accept: accept, result: make(chan interface{}, 1)}
	p.mu.Lock()
	el := p.pending.PushBack(req)
	p.mu.Unlock()
	return el, req.result
}

func (p *Peer) unregister(el *list.Element) {
	p.mu.Lock()
	p.pending.Remove(el)
	p.mu.Unlock()
}

// await blocks on ch for up to timeout, unregistering el on expiry.
func (p *Peer) await(el *list.Element, ch chan interface{}, timeout time.Duration) (interface{}, er.R) {
	select {
	case v, ok := <-ch:
		if !ok {
			return nil, er.Errorf("connection to %s closed", p.addr)
		}
		return v, nil
	case <-time.After(timeout):
		p.unregister(el)
		return nil, ErrTimeout.New(fmt.Sprintf("waiting on %s", p.addr), nil)
	}
}

// readLoop demultiplexes every inbound message: it first offers the
// message to each pending request (oldest first) and, failing a match,
// handles a handful of unsolicited message types (ping, inv, ad-hoc tx)
// itself.
func (p *Peer) readLoop() {
	for {
		_, msg, _, errr := wire.ReadMessageN(p.conn, protocolVersion, p.net)
		if errr != nil {
			p.failAllPending()
			return
		}

		if p.dispatchToPending(msg) {
			continue
		}

		switch m := msg.(type) {
		case *wire.MsgPing:
			p.send(wire.NewMsgPong(m.Nonce))
		case *wire.MsgTx:
			p.mempool.set(m)
		case *wire.MsgInv:
			p.handleInv(m)
		default:
			// Unsolicited and uninteresting; drop it.
		}
	}
}

func (p *Peer) dispatchToPending(msg wire.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.pending.Front(); e != nil; e = e.Next() {
		req := e.Value.(*pendingReq)
		if v, ok := req.accept(msg); ok {
			p.pending.Remove(e)
			req.result <- v
			return true
		}
	}
	return false
}

func (p *Peer) failAllPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.pending.Front(); e != nil; e = e.Next() {
		close(e.Value.(*pendingReq).result)
	}
	p.pending.Init()
}

// handleInv asks for any transaction inventory it doesn't already have
// mempool-cached, feeding AskForMempool/Mempool.
func (p *Peer) handleInv(inv *wire.MsgInv) {
	getData := wire.NewMsgGetData()
	for _, iv := range inv.InvList {
		if iv.Type == wire.InvTypeTx {
			getData.AddInvVect(iv)
		}
	}
	if len(getData.InvList) > 0 {
		p.send(getData)
	}
}

// Addr implements peerapi.Peer.
func (p *Peer) Addr() string { return p.addr }

// GetNetwork implements peerapi.Peer.
func (p *Peer) GetNetwork() wire.BitcoinNet { return p.net }

// GetVersion implements peerapi.Peer.
func (p *Peer) GetVersion() peerapi.Version { return p.version }

// HeadersByLocator implements peerapi.Peer.
func (p *Peer) HeadersByLocator(locator []*chainhash.Hash, stopHash *chainhash.Hash, timeout time.Duration) ([]*wire.BlockHeader, er.R) {
	req := wire.NewMsgGetHeaders()
	for _, h := range locator {
		req.AddBlockLocatorHash(h)
	}
	if stopHash != nil {
		req.HashStop = *stopHash
	}

	el, ch := p.register(func(msg wire.Message) (interface{}, bool) {
		h, ok := msg.(*wire.MsgHeaders)
		return h, ok
	})
	if err := p.send(req); err != nil {
		p.unregister(el)
		return nil, err
	}
	v, err := p.await(el, ch, timeout)
	if err != nil {
		return nil, err
	}
	headers := v.(*wire.MsgHeaders)
	out := make([]*wire.BlockHeader, len(headers.Headers))
	copy(out, headers.Headers)
	return out, nil
}

// CFHeadersByRange implements peerapi.Peer.
func (p *Peer) CFHeadersByRange(filterType wire.FilterType, startHeight uint32, stopHash *chainhash.Hash, timeout time.Duration) (*peerapi.CFHeadersResponse, er.R) {
	req := wire.NewMsgGetCFHeaders(filterType, startHeight, stopHash)

	el, ch := p.register(func(msg wire.Message) (interface{}, bool) {
		m, ok := msg.(*wire.MsgCFHeaders)
		if !ok || m.FilterType != filterType || m.StopHash != *stopHash {
			return nil, false
		}
		return m, true
	})
	if err := p.send(req); err != nil {
		p.unregister(el)
		return nil, err
	}
	v, err := p.await(el, ch, timeout)
	if err != nil {
		return nil, err
	}
	m := v.(*wire.MsgCFHeaders)
	hashes := make([]chainhash.Hash, len(m.FilterHashes))
	for i, h := range m.FilterHashes {
		hashes[i] = *h
	}
	return &peerapi.CFHeadersResponse{
		FilterType:       m.FilterType,
		StopHash:         m.StopHash,
		PrevFilterHeader: m.PrevFilterHeader,
		FilterHashes:     hashes,
	}, nil
}

// CFiltersByRange implements peerapi.Peer.
func (p *Peer) CFiltersByRange(filterType wire.FilterType, startHeight uint32, stopHash *chainhash.Hash, timeout time.Duration) ([]*gcs.Filter, er.R) {
	req := wire.NewMsgGetCFilters(filterType, startHeight, stopHash)

	var mu sync.Mutex
	var filters []*gcs.Filter
	done := make(chan er.R, 1)

	el, ch := p.register(func(msg wire.Message) (interface{}, bool) {
		m, ok := msg.(*wire.MsgCFilter)
		if !ok || m.FilterType != filterType {
			return nil, false
		}
		filter, gerr := gcs.FromNBytes(builder.DefaultP, builder.DefaultM, m.Data)
		mu.Lock()
		if gerr == nil {
			filters = append(filters, filter)
		}
		mu.Unlock()
		if gerr != nil {
			select {
			case done <- er.E(gerr):
			default:
			}
		}
		if m.BlockHash == *stopHash {
			select {
			case done <- nil:
			default:
			}
			return m, true
		}
		return nil, false
	})
	if err := p.send(req); err != nil {
		p.unregister(el)
		return nil, err
	}
	select {
	case err := <-done:
		p.unregister(el)
		if err != nil {
			return nil, err
		}
		return filters, nil
	case <-time.After(timeout):
		p.unregister(el)
		return nil, ErrTimeout.New(fmt.Sprintf("waiting on %s", p.addr), nil)
	}
}

// GetBlock implements peerapi.Peer.
func (p *Peer) GetBlock(hash *chainhash.Hash, timeout time.Duration) (*btcutil.Block, er.R) {
	getData := wire.NewMsgGetData()
	getData.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, hash))

	el, ch := p.register(func(msg wire.Message) (interface{}, bool) {
		m, ok := msg.(*wire.MsgBlock)
		if !ok {
			return nil, false
		}
		bh := m.BlockHash()
		return m, bh == *hash
	})
	if err := p.send(getData); err != nil {
		p.unregister(el)
		return nil, err
	}
	v, err := p.await(el, ch, timeout)
	if err != nil {
		return nil, err
	}
	return btcutil.NewBlock(v.(*wire.MsgBlock)), nil
}

// AskForMempool implements peerapi.Peer.
func (p *Peer) AskForMempool() er.R {
	return p.send(wire.NewMsgMemPool())
}

// Mempool implements peerapi.Peer.
func (p *Peer) Mempool() peerapi.Mempool { return p.mempool }

// BroadcastTx implements peerapi.Peer.
func (p *Peer) BroadcastTx(tx *wire.MsgTx) er.R {
	return p.send(tx)
}
