// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package spvpeer implements a light client's view of a single bitcoin peer:
// connection establishment, the version handshake, keepalive, and correlated
// request/response queries for headers, compact filters, and blocks.
package spvpeer

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/btcsuite/spvwallet/bloom"
	"github.com/btcsuite/spvwallet/chaincfg"
	"github.com/btcsuite/spvwallet/wire"
)

const (
	// maxProtocolVersion is the protocol version advertised to remote
	// peers.
	maxProtocolVersion = wire.ProtocolVersion

	// defaultDialTimeout is the default timeout for establishing the TCP
	// connection.
	defaultDialTimeout = 30 * time.Second

	// defaultRequestTimeout is the default timeout for a correlated
	// request to receive its response.
	defaultRequestTimeout = 60 * time.Second

	// defaultBroadcastWait is how long a transaction broadcast listens
	// for a reject message before assuming acceptance.
	defaultBroadcastWait = 5 * time.Second

	// pingInterval is the interval of time to wait in between sending
	// ping messages.
	pingInterval = 2 * time.Minute

	// outputBufferSize is the number of elements the output channel uses.
	outputBufferSize = 50

	// subscriberBufferSize is the number of messages buffered per
	// receive subscriber before messages are dropped.
	subscriberBufferSize = 64
)

// PeerState describes the connection lifecycle of a peer.
type PeerState int32

// These constants define the possible peer connection states.
const (
	StateDisconnected PeerState = iota
	StateConnecting
	StateVersionSent
	StateHandshaking
	StateReady
)

// String returns the PeerState in human-readable form.
func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateVersionSent:
		return "version sent"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Config is the peer configuration.
type Config struct {
	// ChainParams identifies the network the peer is connected to.
	ChainParams *chaincfg.Params

	// UserAgentName and UserAgentVersion identify this client to remote
	// peers.
	UserAgentName    string
	UserAgentVersion string

	// NewestBlock returns the hash and height of the best known block
	// for the version message.  May be nil, in which case height 0 is
	// advertised.
	NewestBlock func() (*wire.Hash, int32, error)

	// DialTimeout is the TCP connect timeout.  Zero selects the default.
	DialTimeout time.Duration

	// RequestTimeout bounds every correlated request.  Zero selects the
	// default.
	RequestTimeout time.Duration

	// RequiredServices are service flags the remote peer must advertise
	// in its version message.
	RequiredServices wire.ServiceFlag

	// Dial establishes the connection.  May be nil, in which case
	// net.DialTimeout is used.  Tests use this to inject pipes.
	Dial func(addr string, timeout time.Duration) (net.Conn, error)
}

// outMsg is a message to send on the peer's output queue along with an
// optional channel that is closed once the message has hit the wire.
type outMsg struct {
	msg      wire.Message
	doneChan chan<- struct{}
}

// Peer represents a connection to a single remote bitcoin node.  All
// exported methods are safe for concurrent use.
type Peer struct {
	// The following variables must only be used atomically.
	bytesReceived uint64
	bytesSent     uint64
	state         int32
	lastPingNonce uint64

	cfg  Config
	addr string

	conn     net.Conn
	connMtx  sync.Mutex
	services wire.ServiceFlag // remote services, set during handshake

	outputQueue chan outMsg

	recvSubscribers map[chan wire.Message]struct{}
	mtxSubscribers  sync.Mutex

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPeer returns an unconnected peer for the given address.
func NewPeer(addr string, cfg Config) *Peer {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		}
	}
	return &Peer{
		cfg:             cfg,
		addr:            addr,
		outputQueue:     make(chan outMsg, outputBufferSize),
		recvSubscribers: make(map[chan wire.Message]struct{}),
		quit:            make(chan struct{}),
	}
}

// Addr returns the peer's address.
func (p *Peer) Addr() string {
	return p.addr
}

// State returns the peer's current connection state.
func (p *Peer) State() PeerState {
	return PeerState(atomic.LoadInt32(&p.state))
}

// Services returns the service flags the remote peer advertised during the
// handshake.
func (p *Peer) Services() wire.ServiceFlag {
	return p.services
}

// NetTotals returns the bytes received from and sent to the remote peer.
func (p *Peer) NetTotals() (uint64, uint64) {
	return atomic.LoadUint64(&p.bytesReceived),
		atomic.LoadUint64(&p.bytesSent)
}

func (p *Peer) setState(s PeerState) {
	atomic.StoreInt32(&p.state, int32(s))
}

// Connect dials the remote peer and performs the version handshake.  It
// returns once the peer is ready for queries or the context is canceled.
func (p *Peer) Connect(ctx context.Context) error {
	if p.State() != StateDisconnected {
		return peerError(ErrConnect, "peer already connected", nil)
	}
	p.setState(StateConnecting)

	conn, err := p.cfg.Dial(p.addr, p.cfg.DialTimeout)
	if err != nil {
		p.setState(StateDisconnected)
		return peerError(ErrConnect, "failed to connect to "+p.addr, err)
	}
	p.connMtx.Lock()
	p.conn = conn
	p.connMtx.Unlock()

	if err := p.negotiateProtocol(ctx); err != nil {
		p.Disconnect()
		return err
	}
	p.setState(StateReady)
	log.Debugf("Connected to %s (services %v)", p.addr, p.services)

	p.wg.Add(3)
	go p.inHandler()
	go p.outHandler()
	go p.pingHandler()
	return nil
}

// negotiateProtocol performs the version/verack exchange directly on the
// connection before the IO handler goroutines are started.
func (p *Peer) negotiateProtocol(ctx context.Context) error {
	var height int32
	if p.cfg.NewestBlock != nil {
		_, h, err := p.cfg.NewestBlock()
		if err != nil {
			return peerError(ErrHandshake, "best block unavailable", err)
		}
		height = h
	}

	verMsg, err := wire.NewMsgVersionFromConn(p.conn, rand.Uint64(), height)
	if err != nil {
		return peerError(ErrHandshake, "failed to build version message", err)
	}
	verMsg.UserAgent = wire.DefaultUserAgent
	if p.cfg.UserAgentName != "" {
		verMsg.UserAgent = "/" + p.cfg.UserAgentName + ":" +
			p.cfg.UserAgentVersion + "/"
	}
	verMsg.DisableRelayTx = true

	if err := p.writeMessage(verMsg); err != nil {
		return peerError(ErrHandshake, "failed to send version", err)
	}
	p.setState(StateVersionSent)

	// The remote peer answers with its own version followed by a verack.
	// Both must arrive before the handshake deadline.
	deadline := time.Now().Add(p.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.conn.SetReadDeadline(deadline)
	defer p.conn.SetReadDeadline(time.Time{})

	gotVersion, gotVerAck := false, false
	for !gotVersion || !gotVerAck {
		select {
		case <-ctx.Done():
			return peerError(ErrHandshake, "handshake canceled", ctx.Err())
		default:
		}
		msg, err := p.readMessage()
		if err != nil {
			return peerError(ErrHandshake, "handshake read failed", err)
		}
		switch m := msg.(type) {
		case *wire.MsgVersion:
			if gotVersion {
				return peerError(ErrProtocol,
					"duplicate version message", nil)
			}
			gotVersion = true
			p.services = m.Services
			if m.Services&p.cfg.RequiredServices !=
				p.cfg.RequiredServices {
				return peerError(ErrHandshake,
					"peer does not provide required services", nil)
			}
			p.setState(StateHandshaking)
			if err := p.writeMessage(wire.NewMsgVerAck()); err != nil {
				return peerError(ErrHandshake,
					"failed to send verack", err)
			}
		case *wire.MsgVerAck:
			gotVerAck = true
		default:
			// Anything else before the handshake completes is a
			// protocol violation.
			return peerError(ErrProtocol, "message "+msg.Command()+
				" received before handshake completed", nil)
		}
	}
	return nil
}

// Disconnect closes the connection and stops the handler goroutines.  It is
// safe to call multiple times.
func (p *Peer) Disconnect() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.connMtx.Lock()
		if p.conn != nil {
			p.conn.Close()
		}
		p.connMtx.Unlock()
		p.setState(StateDisconnected)
		log.Debugf("Disconnected from %s", p.addr)
	})
}

// WaitForDisconnect blocks until the peer's handler goroutines have exited.
func (p *Peer) WaitForDisconnect() {
	<-p.quit
	p.wg.Wait()
}

func (p *Peer) writeMessage(msg wire.Message) error {
	n, err := wire.WriteMessage(p.conn, msg, maxProtocolVersion,
		p.cfg.ChainParams.Net)
	atomic.AddUint64(&p.bytesSent, uint64(n))
	if err == nil {
		log.Tracef("Sent %s to %s: %s", msg.Command(), p.addr,
			newLogClosure(func() string {
				return spew.Sdump(msg)
			}))
	}
	return err
}

func (p *Peer) readMessage() (wire.Message, error) {
	n, msg, _, err := wire.ReadMessage(p.conn, maxProtocolVersion,
		p.cfg.ChainParams.Net)
	atomic.AddUint64(&p.bytesReceived, uint64(n))
	if err == nil {
		log.Tracef("Received %s from %s: %s", msg.Command(), p.addr,
			newLogClosure(func() string {
				return spew.Sdump(msg)
			}))
	}
	return msg, err
}

// QueueMessage queues a message to be sent to the remote peer.  The
// optional doneChan is closed once the message has been written to the
// connection, or when the peer disconnects.
func (p *Peer) QueueMessage(msg wire.Message, doneChan chan<- struct{}) {
	select {
	case p.outputQueue <- outMsg{msg: msg, doneChan: doneChan}:
	case <-p.quit:
		if doneChan != nil {
			close(doneChan)
		}
	}
}

// subscribeRecvMsg adds a subscription for all messages received from the
// remote peer.  Sends to the subscriber channel never block; messages the
// channel can't accept are dropped.
func (p *Peer) subscribeRecvMsg(sub chan wire.Message) {
	p.mtxSubscribers.Lock()
	p.recvSubscribers[sub] = struct{}{}
	p.mtxSubscribers.Unlock()
}

// unsubscribeRecvMsgs removes a previously added subscription.
func (p *Peer) unsubscribeRecvMsgs(sub chan wire.Message) {
	p.mtxSubscribers.Lock()
	delete(p.recvSubscribers, sub)
	p.mtxSubscribers.Unlock()
}

// Subscribe returns a channel receiving every message from the remote peer
// along with a cancel function.  Used by the sync manager to observe
// unsolicited inv and headers announcements.
func (p *Peer) Subscribe() (<-chan wire.Message, func()) {
	sub := make(chan wire.Message, subscriberBufferSize)
	p.subscribeRecvMsg(sub)
	return sub, func() { p.unsubscribeRecvMsgs(sub) }
}

// inHandler reads messages from the remote peer and dispatches them to
// subscribers.  It must be run as a goroutine.
func (p *Peer) inHandler() {
	defer p.wg.Done()
out:
	for {
		msg, err := p.readMessage()
		if err != nil {
			select {
			case <-p.quit:
			default:
				log.Debugf("Read from %s failed: %v", p.addr, err)
				p.Disconnect()
			}
			break out
		}

		switch m := msg.(type) {
		case *wire.MsgPing:
			p.QueueMessage(wire.NewMsgPong(m.Nonce), nil)
		case *wire.MsgPong:
			if m.Nonce == atomic.LoadUint64(&p.lastPingNonce) {
				atomic.StoreUint64(&p.lastPingNonce, 0)
			}
		}

		p.mtxSubscribers.Lock()
		for sub := range p.recvSubscribers {
			select {
			case sub <- msg:
			default:
				log.Warnf("Subscriber channel full, dropping "+
					"%s from %s", msg.Command(), p.addr)
			}
		}
		p.mtxSubscribers.Unlock()
	}
	log.Tracef("Peer input handler done for %s", p.addr)
}

// outHandler writes queued messages to the remote peer.  It must be run as
// a goroutine.
func (p *Peer) outHandler() {
	defer p.wg.Done()
out:
	for {
		select {
		case out := <-p.outputQueue:
			err := p.writeMessage(out.msg)
			if out.doneChan != nil {
				close(out.doneChan)
			}
			if err != nil {
				log.Debugf("Write to %s failed: %v", p.addr, err)
				p.Disconnect()
				break out
			}
		case <-p.quit:
			break out
		}
	}

	// Release any queued senders waiting on done channels.
cleanup:
	for {
		select {
		case out := <-p.outputQueue:
			if out.doneChan != nil {
				close(out.doneChan)
			}
		default:
			break cleanup
		}
	}
	log.Tracef("Peer output handler done for %s", p.addr)
}

// pingHandler periodically pings the remote peer and disconnects it when a
// ping goes unanswered for a full interval.  It must be run as a goroutine.
func (p *Peer) pingHandler() {
	defer p.wg.Done()
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-pingTicker.C:
			if atomic.LoadUint64(&p.lastPingNonce) != 0 {
				log.Debugf("Peer %s did not answer ping, "+
					"disconnecting", p.addr)
				p.Disconnect()
				return
			}
			nonce := rand.Uint64()
			atomic.StoreUint64(&p.lastPingNonce, nonce)
			p.QueueMessage(wire.NewMsgPing(nonce), nil)
		case <-p.quit:
			return
		}
	}
}

// waitForResponse subscribes to the peer's messages, sends the request, and
// returns the first message accepted by the filter.  Every unsolicited
// message that arrives in the meantime is ignored.
func (p *Peer) waitForResponse(ctx context.Context, req wire.Message,
	accept func(wire.Message) (wire.Message, bool)) (wire.Message, error) {

	if p.State() != StateReady {
		return nil, peerError(ErrDisconnected, "peer is not ready", nil)
	}

	sub := make(chan wire.Message, subscriberBufferSize)
	p.subscribeRecvMsg(sub)
	defer p.unsubscribeRecvMsgs(sub)

	p.QueueMessage(req, nil)

	timeout := time.NewTimer(p.cfg.RequestTimeout)
	defer timeout.Stop()
	for {
		select {
		case msg := <-sub:
			if resp, ok := accept(msg); ok {
				return resp, nil
			}
		case <-timeout.C:
			// A peer that goes silent on a request cannot be
			// trusted with the next one.
			p.Disconnect()
			return nil, peerError(ErrTimeout, "request "+
				req.Command()+" to "+p.addr+" timed out", nil)
		case <-ctx.Done():
			return nil, peerError(ErrTimeout, "request canceled",
				ctx.Err())
		case <-p.quit:
			return nil, peerError(ErrDisconnected,
				"peer disconnected during request", nil)
		}
	}
}

// GetHeaders requests block headers after the passed locator up to the
// optional stop hash and returns the peer's headers message.
func (p *Peer) GetHeaders(ctx context.Context, locator []*wire.Hash,
	stopHash *wire.Hash) (*wire.MsgHeaders, error) {

	req := wire.NewMsgGetHeaders()
	if stopHash != nil {
		req.HashStop = *stopHash
	}
	for _, hash := range locator {
		if err := req.AddBlockLocatorHash(hash); err != nil {
			return nil, peerError(ErrProtocol,
				"bad block locator", err)
		}
	}

	resp, err := p.waitForResponse(ctx, req,
		func(msg wire.Message) (wire.Message, bool) {
			m, ok := msg.(*wire.MsgHeaders)
			return m, ok
		})
	if err != nil {
		return nil, err
	}
	return resp.(*wire.MsgHeaders), nil
}

// GetCFHeaders requests compact filter headers for the block range from
// startHeight up to the block with stopHash.
func (p *Peer) GetCFHeaders(ctx context.Context, startHeight uint32,
	stopHash *wire.Hash) (*wire.MsgCFHeaders, error) {

	req := wire.NewMsgGetCFHeaders(wire.GCSFilterRegular, startHeight,
		stopHash)
	resp, err := p.waitForResponse(ctx, req,
		func(msg wire.Message) (wire.Message, bool) {
			m, ok := msg.(*wire.MsgCFHeaders)
			if !ok || !m.StopHash.IsEqual(stopHash) {
				return nil, false
			}
			return m, true
		})
	if err != nil {
		return nil, err
	}
	return resp.(*wire.MsgCFHeaders), nil
}

// GetCFilters requests compact filter bodies for the block range from
// startHeight through the block with stopHash and returns them in the order
// received.  The caller supplies the expected count, which is bounded by
// the protocol's per-message maximum.
func (p *Peer) GetCFilters(ctx context.Context, startHeight uint32,
	stopHash *wire.Hash, count int) ([]*wire.MsgCFilter, error) {

	if p.State() != StateReady {
		return nil, peerError(ErrDisconnected, "peer is not ready", nil)
	}

	sub := make(chan wire.Message, subscriberBufferSize)
	p.subscribeRecvMsg(sub)
	defer p.unsubscribeRecvMsgs(sub)

	req := wire.NewMsgGetCFilters(wire.GCSFilterRegular, startHeight,
		stopHash)
	p.QueueMessage(req, nil)

	filters := make([]*wire.MsgCFilter, 0, count)
	timeout := time.NewTimer(p.cfg.RequestTimeout)
	defer timeout.Stop()
	for len(filters) < count {
		select {
		case msg := <-sub:
			if m, ok := msg.(*wire.MsgCFilter); ok {
				filters = append(filters, m)
			}
		case <-timeout.C:
			p.Disconnect()
			return nil, peerError(ErrTimeout, "getcfilters to "+
				p.addr+" timed out", nil)
		case <-ctx.Done():
			return nil, peerError(ErrTimeout, "request canceled",
				ctx.Err())
		case <-p.quit:
			return nil, peerError(ErrDisconnected,
				"peer disconnected during request", nil)
		}
	}
	return filters, nil
}

// GetBlock requests the full block with the given hash, preferring the
// witness-serialized form when the peer supports it.
func (p *Peer) GetBlock(ctx context.Context, blockHash *wire.Hash) (*wire.MsgBlock, error) {
	invType := wire.InvTypeBlock
	if p.services&wire.SFNodeWitness == wire.SFNodeWitness {
		invType = wire.InvTypeWitnessBlock
	}
	req := wire.NewMsgGetData()
	if err := req.AddInvVect(wire.NewInvVect(invType, blockHash)); err != nil {
		return nil, peerError(ErrProtocol, "bad getdata inventory", err)
	}

	resp, err := p.waitForResponse(ctx, req,
		func(msg wire.Message) (wire.Message, bool) {
			switch m := msg.(type) {
			case *wire.MsgBlock:
				hash := m.BlockHash()
				if hash.IsEqual(blockHash) {
					return m, true
				}
			case *wire.MsgNotFound:
				for _, iv := range m.InvList {
					if iv.Hash.IsEqual(blockHash) {
						return m, true
					}
				}
			}
			return nil, false
		})
	if err != nil {
		return nil, err
	}
	if _, ok := resp.(*wire.MsgNotFound); ok {
		return nil, peerError(ErrProtocol, "peer "+p.addr+
			" does not have block "+blockHash.String(), nil)
	}
	return resp.(*wire.MsgBlock), nil
}

// GetMerkleBlock loads the passed bloom filter on the remote peer and
// requests a merkle block for the given block hash.  It returns the merkle
// block and the matched transactions the peer sent along with it.
func (p *Peer) GetMerkleBlock(ctx context.Context, blockHash *wire.Hash,
	filter *bloom.Filter) (*wire.MsgMerkleBlock, []*wire.MsgTx, error) {

	if p.services&wire.SFNodeBloom != wire.SFNodeBloom {
		return nil, nil, peerError(ErrProtocol, "peer "+p.addr+
			" does not support bloom filtering", nil)
	}
	if p.State() != StateReady {
		return nil, nil, peerError(ErrDisconnected, "peer is not ready", nil)
	}

	sub := make(chan wire.Message, subscriberBufferSize)
	p.subscribeRecvMsg(sub)
	defer p.unsubscribeRecvMsgs(sub)

	p.QueueMessage(filter.MsgFilterLoad(), nil)
	req := wire.NewMsgGetData()
	err := req.AddInvVect(wire.NewInvVect(wire.InvTypeFilteredBlock,
		blockHash))
	if err != nil {
		return nil, nil, peerError(ErrProtocol, "bad getdata inventory", err)
	}
	p.QueueMessage(req, nil)

	// The merkle block arrives first; the transactions matching the
	// filter follow as individual tx messages.
	var (
		merkleBlock *wire.MsgMerkleBlock
		matched     []*wire.Hash
		txs         []*wire.MsgTx
	)
	timeout := time.NewTimer(p.cfg.RequestTimeout)
	defer timeout.Stop()
	for {
		select {
		case msg := <-sub:
			switch m := msg.(type) {
			case *wire.MsgMerkleBlock:
				hash := m.Header.BlockHash()
				if !hash.IsEqual(blockHash) {
					continue
				}
				merkleBlock = m
				matched, err = m.ExtractMatches()
				if err != nil {
					return nil, nil, peerError(ErrProtocol,
						"invalid partial merkle tree", err)
				}
				if len(matched) == 0 {
					return merkleBlock, nil, nil
				}
			case *wire.MsgTx:
				if merkleBlock == nil {
					continue
				}
				txHash := m.TxHash()
				for _, want := range matched {
					if txHash.IsEqual(want) {
						txs = append(txs, m)
						break
					}
				}
				if len(txs) == len(matched) {
					return merkleBlock, txs, nil
				}
			case *wire.MsgNotFound:
				for _, iv := range m.InvList {
					if iv.Hash.IsEqual(blockHash) {
						return nil, nil, peerError(
							ErrProtocol, "peer "+
								p.addr+" does not "+
								"have block "+
								blockHash.String(),
							nil)
					}
				}
			}
		case <-timeout.C:
			p.Disconnect()
			return nil, nil, peerError(ErrTimeout,
				"merkleblock request to "+p.addr+" timed out", nil)
		case <-ctx.Done():
			return nil, nil, peerError(ErrTimeout,
				"request canceled", ctx.Err())
		case <-p.quit:
			return nil, nil, peerError(ErrDisconnected,
				"peer disconnected during request", nil)
		}
	}
}

// BroadcastTx sends the transaction to the remote peer and listens for a
// reject message naming its hash.  Silence within the broadcast window is
// treated as acceptance.
func (p *Peer) BroadcastTx(ctx context.Context, tx *wire.MsgTx) error {
	if p.State() != StateReady {
		return peerError(ErrDisconnected, "peer is not ready", nil)
	}

	sub := make(chan wire.Message, subscriberBufferSize)
	p.subscribeRecvMsg(sub)
	defer p.unsubscribeRecvMsgs(sub)

	txHash := tx.TxHash()
	done := make(chan struct{})
	p.QueueMessage(tx, done)
	select {
	case <-done:
	case <-p.quit:
		return peerError(ErrDisconnected,
			"peer disconnected during broadcast", nil)
	}

	wait := time.NewTimer(defaultBroadcastWait)
	defer wait.Stop()
	for {
		select {
		case msg := <-sub:
			if m, ok := msg.(*wire.MsgReject); ok {
				if m.Cmd == wire.CmdTx && m.Hash.IsEqual(&txHash) {
					return peerError(ErrRejected,
						"transaction "+txHash.String()+
							" rejected: "+m.Reason, nil)
				}
			}
		case <-wait.C:
			return nil
		case <-ctx.Done():
			return peerError(ErrTimeout, "broadcast canceled",
				ctx.Err())
		case <-p.quit:
			return peerError(ErrDisconnected,
				"peer disconnected during broadcast", nil)
		}
	}
}
