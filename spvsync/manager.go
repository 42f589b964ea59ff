// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package spvsync implements the wallet's chain sync orchestrator.  It
// drives a single event loop through peer connection, header sync, compact
// filter sync, and steady-state monitoring, applying everything it learns
// to the chain store and emitting events for the wallet layer.
package spvsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/btcsuite/spvwallet/chaincfg"
	"github.com/btcsuite/spvwallet/chaindb"
	"github.com/btcsuite/spvwallet/gcs"
	"github.com/btcsuite/spvwallet/spvpeer"
	"github.com/btcsuite/spvwallet/wire"
)

const (
	// DefaultRetentionWindow is the number of recent blocks whose
	// headers and filters are retained; older ones are pruned.
	DefaultRetentionWindow = 144

	// defaultPollInterval is how often the monitoring state polls the
	// connected peer for a new chain tip.
	defaultPollInterval = 30 * time.Second

	// defaultFilterBatchSize is the number of filter headers and filter
	// bodies requested per batch.
	defaultFilterBatchSize = 1000

	// defaultBlockFetchWorkers bounds the number of concurrent block
	// fetches after filter matches.
	defaultBlockFetchWorkers = 3

	// connectRetryInterval is how long to wait before retrying when no
	// peer is reachable.
	connectRetryInterval = 5 * time.Second

	// maxTimeOffset is the maximum duration a block time is allowed to
	// be ahead of the current time.
	maxTimeOffset = 2 * time.Hour

	// eventBufferSize is the capacity of the event channel.  Events are
	// dropped when the consumer falls this far behind.
	eventBufferSize = 100
)

var (
	// ErrShutdown is returned by operations interrupted by Stop.
	ErrShutdown = errors.New("sync manager shutting down")

	// ErrNotConnected is returned when an operation needs a peer and no
	// peer is connected.
	ErrNotConnected = errors.New("no peer connected")
)

// SyncState describes what the sync manager is currently doing.
type SyncState int32

// These constants define the sync manager states.
const (
	StateIdle SyncState = iota
	StateConnectingPeers
	StateSyncingHeaders
	StateSyncingFilters
	StateMonitoring
	StateRescanning
)

// String returns the SyncState in human-readable form.
func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnectingPeers:
		return "connecting"
	case StateSyncingHeaders:
		return "syncing headers"
	case StateSyncingFilters:
		return "syncing filters"
	case StateMonitoring:
		return "monitoring"
	case StateRescanning:
		return "rescanning"
	}
	return "unknown"
}

// SyncStatus is a point-in-time snapshot of the sync manager.
type SyncStatus struct {
	State        SyncState
	IsConnected  bool
	IsSyncing    bool
	PeerAddr     string
	Height       uint32
	FilterHeight uint32
	LastError    error
}

// Config is the sync manager configuration.
type Config struct {
	// Store is the chain store everything is applied to.
	Store *chaindb.Store

	// ChainParams identifies the network being synced.
	ChainParams *chaincfg.Params

	// Peers hands out connected peers and tracks bans.
	Peers *spvpeer.Manager

	// RetentionWindow is the number of recent blocks to retain.  Zero
	// selects the default.
	RetentionWindow uint32

	// FilterBatchSize is the number of filters requested per batch.
	// Zero selects the default.
	FilterBatchSize uint32

	// BlockFetchWorkers bounds concurrent block fetches.  Zero selects
	// the default.
	BlockFetchWorkers int

	// PollTicker drives tip polling while monitoring.  May be nil, in
	// which case a default interval ticker is used.  Tests inject a
	// force ticker.
	PollTicker ticker.Ticker
}

// addWatchMsg is an internal command registering new watch scripts.
type addWatchMsg struct {
	scripts [][]byte
	rescan  bool
	reply   chan error
}

// broadcastMsg is an internal command broadcasting a transaction through
// the connected peer.
type broadcastMsg struct {
	tx    *wire.MsgTx
	reply chan error
}

// SyncManager keeps the chain store synced with the network.  All chain
// mutation happens on its single event loop goroutine.
type SyncManager struct {
	cfg Config

	mtx        sync.Mutex
	running    bool
	generation int
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	// status fields, guarded by statusMtx so Status never blocks on the
	// event loop.
	statusMtx    sync.Mutex
	state        SyncState
	peerAddr     string
	height       uint32
	filterHeight uint32
	lastErr      error

	peer *spvpeer.Peer // owned by the event loop

	commandChan chan interface{}
	events      chan Event
}

// NewSyncManager returns a sync manager for the given configuration.
func NewSyncManager(cfg Config) *SyncManager {
	if cfg.RetentionWindow == 0 {
		cfg.RetentionWindow = DefaultRetentionWindow
	}
	if cfg.FilterBatchSize == 0 {
		cfg.FilterBatchSize = defaultFilterBatchSize
	}
	if cfg.BlockFetchWorkers == 0 {
		cfg.BlockFetchWorkers = defaultBlockFetchWorkers
	}
	if cfg.PollTicker == nil {
		cfg.PollTicker = ticker.New(defaultPollInterval)
	}
	return &SyncManager{
		cfg:         cfg,
		state:       StateIdle,
		commandChan: make(chan interface{}, 16),
		events:      make(chan Event, eventBufferSize),
	}
}

// Events returns the channel sync events are delivered on.  Events are
// dropped rather than blocking the sync loop when the channel is full.
func (s *SyncManager) Events() <-chan Event {
	return s.events
}

// Start launches the sync event loop.  Calling Start on a running manager
// is a no-op.  A stopped manager can be started again; the new run uses a
// fresh generation so stragglers from the previous one are ignored.
func (s *SyncManager) Start() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.generation++

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.setState(StateConnectingPeers)

	log.Infof("Sync manager starting (generation %d)", s.generation)
	s.wg.Add(1)
	go s.run(ctx, s.generation)
}

// Stop terminates the event loop and disconnects the current peer.  It
// blocks until the loop has exited.  Calling Stop on a stopped manager is
// a no-op.
func (s *SyncManager) Stop() {
	s.mtx.Lock()
	if !s.running {
		s.mtx.Unlock()
		return
	}
	s.running = false
	s.cancel()
	if s.peer != nil {
		s.peer.Disconnect()
	}
	s.mtx.Unlock()

	s.wg.Wait()
	s.setState(StateIdle)
	log.Info("Sync manager stopped")
}

// Status returns a snapshot of the sync manager state.
func (s *SyncManager) Status() SyncStatus {
	s.statusMtx.Lock()
	defer s.statusMtx.Unlock()
	return SyncStatus{
		State:        s.state,
		IsConnected:  s.peerAddr != "",
		IsSyncing:    s.state == StateSyncingHeaders || s.state == StateSyncingFilters,
		PeerAddr:     s.peerAddr,
		Height:       s.height,
		FilterHeight: s.filterHeight,
		LastError:    s.lastErr,
	}
}

// AddWatchScripts registers additional output scripts to watch for.  When
// rescan is set, the retained filter window is re-matched against the new
// scripts before the call returns.
func (s *SyncManager) AddWatchScripts(scripts [][]byte, rescan bool) error {
	reply := make(chan error, 1)
	msg := &addWatchMsg{scripts: scripts, rescan: rescan, reply: reply}
	if err := s.sendCommand(msg); err != nil {
		return err
	}
	return <-reply
}

// BroadcastTx relays the transaction through the connected peer.
func (s *SyncManager) BroadcastTx(tx *wire.MsgTx) error {
	reply := make(chan error, 1)
	msg := &broadcastMsg{tx: tx, reply: reply}
	if err := s.sendCommand(msg); err != nil {
		return err
	}
	return <-reply
}

func (s *SyncManager) sendCommand(cmd interface{}) error {
	s.mtx.Lock()
	running := s.running
	s.mtx.Unlock()
	if !running {
		return ErrShutdown
	}
	select {
	case s.commandChan <- cmd:
		return nil
	case <-time.After(time.Minute):
		return ErrShutdown
	}
}

func (s *SyncManager) setState(state SyncState) {
	s.statusMtx.Lock()
	s.state = state
	s.statusMtx.Unlock()
	log.Debugf("Sync state: %v", state)
}

func (s *SyncManager) setHeights(header, filter uint32) {
	s.statusMtx.Lock()
	if header > 0 {
		s.height = header
	}
	if filter > 0 {
		s.filterHeight = filter
	}
	s.statusMtx.Unlock()
}

func (s *SyncManager) setError(err error) {
	s.statusMtx.Lock()
	s.lastErr = err
	s.statusMtx.Unlock()
}

func (s *SyncManager) setPeerAddr(addr string) {
	s.statusMtx.Lock()
	s.peerAddr = addr
	s.statusMtx.Unlock()
}

// emit delivers an event without ever blocking the sync loop.
func (s *SyncManager) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Warnf("Event channel full, dropping %T", ev)
	}
}

// run is the sync manager's event loop.  It must be run as a goroutine.
func (s *SyncManager) run(ctx context.Context, generation int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			s.dropPeer("", false)
			log.Tracef("Sync loop done (generation %d)", generation)
			return
		default:
		}

		var err error
		switch s.Status().State {
		case StateConnectingPeers:
			err = s.connectPeer(ctx)
		case StateSyncingHeaders:
			err = s.syncHeaders(ctx)
		case StateSyncingFilters:
			err = s.syncFilters(ctx)
		case StateMonitoring:
			err = s.monitor(ctx)
		default:
			err = s.connectPeer(ctx)
		}
		if err != nil && ctx.Err() == nil {
			s.setError(err)
			log.Warnf("Sync error in state %v: %v",
				s.Status().State, err)
			s.dropPeer(err.Error(), false)
			s.setState(StateConnectingPeers)
		}
	}
}

// dropPeer disconnects the current peer, optionally banning its address.
func (s *SyncManager) dropPeer(reason string, ban bool) {
	s.mtx.Lock()
	peer := s.peer
	s.peer = nil
	s.mtx.Unlock()
	if peer == nil {
		return
	}
	if ban {
		s.cfg.Peers.BanPeer(peer.Addr(), reason)
	}
	peer.Disconnect()
	s.setPeerAddr("")
	s.emit(ConnectionChanged{Connected: false, PeerAddr: peer.Addr()})
}

// connectPeer acquires the next usable peer and transitions to header
// sync.  When no peer is reachable it waits and tries again.
func (s *SyncManager) connectPeer(ctx context.Context) error {
	peer, err := s.cfg.Peers.NextPeer(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.setError(err)
		log.Warnf("No reachable peers: %v; retrying in %v", err,
			connectRetryInterval)
		select {
		case <-time.After(connectRetryInterval):
		case <-ctx.Done():
		}
		return nil
	}

	s.mtx.Lock()
	s.peer = peer
	s.mtx.Unlock()
	s.setPeerAddr(peer.Addr())
	s.emit(ConnectionChanged{Connected: true, PeerAddr: peer.Addr()})
	s.setState(StateSyncingHeaders)
	return nil
}

// currentPeer returns the event loop's peer, or nil.
func (s *SyncManager) currentPeer() *spvpeer.Peer {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.peer
}

// syncHeaders requests and validates header batches until the peer has no
// more to give, then moves on to filter sync.
func (s *SyncManager) syncHeaders(ctx context.Context) error {
	peer := s.currentPeer()
	if peer == nil {
		s.setState(StateConnectingPeers)
		return nil
	}

	for {
		s.drainCommands(ctx)

		locator, err := s.cfg.Store.BlockLocator()
		if err != nil {
			return err
		}
		msg, err := peer.GetHeaders(ctx, locator, nil)
		if err != nil {
			return err
		}
		if len(msg.Headers) == 0 {
			break
		}

		_, tipHeight, _, err := s.cfg.Store.ChainTip()
		if err != nil {
			return err
		}
		if err := s.validateHeaders(msg.Headers, tipHeight); err != nil {
			// A peer serving invalid headers is banned; the
			// stored chain is untouched.
			s.dropPeer(err.Error(), true)
			s.setState(StateConnectingPeers)
			return nil
		}
		if err := s.cfg.Store.PutHeaders(msg.Headers...); err != nil {
			if chaindb.IsError(err, chaindb.ErrLinkage) {
				s.dropPeer(err.Error(), true)
				s.setState(StateConnectingPeers)
				return nil
			}
			return err
		}

		newTip := tipHeight + uint32(len(msg.Headers))
		s.setHeights(newTip, 0)
		s.emit(HeadersApplied{
			StartHeight: tipHeight + 1,
			TipHeight:   newTip,
		})
		log.Infof("Applied %d headers, tip now %d", len(msg.Headers),
			newTip)

		if len(msg.Headers) < wire.MaxBlockHeadersPerMsg {
			break
		}
	}

	s.setState(StateSyncingFilters)
	return nil
}

// validateHeaders checks proof of work, linkage, timestamps, and
// checkpoints for a batch of headers extending the stored tip.
func (s *SyncManager) validateHeaders(headers []*wire.BlockHeader,
	tipHeight uint32) error {

	params := s.cfg.ChainParams
	maxTimestamp := time.Now().Add(maxTimeOffset)

	prevHash, _, _, err := s.cfg.Store.ChainTip()
	if err != nil {
		return err
	}
	height := tipHeight
	for _, header := range headers {
		height++
		if !header.PrevBlock.IsEqual(prevHash) {
			return errors.New("header does not connect to previous")
		}
		if !params.CheckProofOfWork(header) {
			return errors.New("header proof of work is invalid")
		}
		if header.Timestamp.After(maxTimestamp) {
			return errors.New("header timestamp too far in the future")
		}
		blockHash := header.BlockHash()
		if !params.IsValidCheckpoint(int32(height), &blockHash) {
			return errors.New("header conflicts with checkpoint")
		}
		prevHash = &blockHash
	}
	return nil
}

// syncFilters brings the filter chain up to the header tip: filter headers
// first, verified against the previous filter header, then filter bodies
// verified against the filter hashes, matched, and applied in height order.
func (s *SyncManager) syncFilters(ctx context.Context) error {
	peer := s.currentPeer()
	if peer == nil {
		s.setState(StateConnectingPeers)
		return nil
	}

	_, tipHeight, _, err := s.cfg.Store.ChainTip()
	if err != nil {
		return err
	}

	// Figure out where the filter chain currently ends.  A fresh store
	// has no filter headers at all and starts from the genesis filter.
	var start uint32
	filterTip, err := s.cfg.Store.FilterHeaderTip()
	switch {
	case err == nil:
		if filterTip >= tipHeight {
			s.setState(StateMonitoring)
			return nil
		}
		start = filterTip + 1
	case chaindb.IsError(err, chaindb.ErrFilterNotFound):
		start = 0
	default:
		return err
	}

	for start <= tipHeight {
		s.drainCommands(ctx)

		stop := start + s.cfg.FilterBatchSize - 1
		if stop > tipHeight {
			stop = tipHeight
		}
		if err := s.syncFilterBatch(ctx, peer, start, stop); err != nil {
			return err
		}

		// Prune headers and filters that fell out of the retention
		// window.
		if stop+1 > s.cfg.RetentionWindow {
			floor := stop - s.cfg.RetentionWindow + 1
			if _, err := s.cfg.Store.CleanupOlderThan(floor); err != nil {
				return err
			}
		}

		s.setHeights(0, stop)
		s.emit(SyncProgress{HeaderHeight: tipHeight, FilterHeight: stop})
		start = stop + 1
	}

	s.setState(StateMonitoring)
	return nil
}

// syncFilterBatch fetches, verifies, stores, and matches the filters for
// the block range [start, stop].
func (s *SyncManager) syncFilterBatch(ctx context.Context,
	peer *spvpeer.Peer, start, stop uint32) error {

	stopHeader, err := s.cfg.Store.HeaderByHeight(stop)
	if err != nil {
		return err
	}
	stopHash := stopHeader.BlockHash()
	count := int(stop - start + 1)

	cfh, err := peer.GetCFHeaders(ctx, start, &stopHash)
	if err != nil {
		return err
	}
	if len(cfh.FilterHashes) != count {
		return errors.New("wrong number of filter hashes in cfheaders")
	}

	// Verify the peer's previous filter header matches our stored chain,
	// then extend it in memory.  Nothing is persisted until every fetch
	// for the batch has succeeded; the filter header tip doubles as the
	// resume point, so it must never run ahead of the stored filter
	// bodies and wallet state.
	var prev wire.Hash
	if start > 0 {
		stored, err := s.cfg.Store.FilterHeader(start - 1)
		if err != nil {
			return err
		}
		prev = *stored
	}
	if !cfh.PrevFilterHeader.IsEqual(&prev) {
		return errors.New("cfheaders does not extend stored filter chain")
	}
	filterHeaders := make([]wire.Hash, count)
	for i, filterHash := range cfh.FilterHashes {
		var buf [2 * wire.HashSize]byte
		copy(buf[:], filterHash[:])
		copy(buf[wire.HashSize:], prev[:])
		filterHeaders[i] = wire.DoubleHashH(buf[:])
		prev = filterHeaders[i]
	}

	// Fetch the filter bodies and index them by block hash; heights are
	// recovered from the stored header index.
	filters, err := peer.GetCFilters(ctx, start, &stopHash, count)
	if err != nil {
		return err
	}
	filterData := make(map[wire.Hash][]byte, count)
	for _, f := range filters {
		filterData[f.BlockHash] = f.Data
	}

	watched, err := s.cfg.Store.WatchedScripts()
	if err != nil {
		return err
	}

	// Verify every filter body against the committed filter hash and
	// match it against the watch set.  No writes yet.
	blockHashes := make([]wire.Hash, count)
	bodies := make([]*gcs.Filter, count)
	var matchedHeights []uint32
	var matchedHashes []wire.Hash
	for height := start; height <= stop; height++ {
		i := height - start
		header, err := s.cfg.Store.HeaderByHeight(height)
		if err != nil {
			return err
		}
		blockHash := header.BlockHash()
		data, ok := filterData[blockHash]
		if !ok {
			return errors.New("peer did not send filter for block " +
				blockHash.String())
		}

		// The body must hash to the filter hash committed by the
		// verified filter header chain.
		wantHash := cfh.FilterHashes[i]
		gotHash := wire.DoubleHashH(data)
		if !gotHash.IsEqual(wantHash) {
			return errors.New("filter body does not match filter hash")
		}

		filter, err := gcs.FromNBytes(s.cfg.ChainParams.FilterP,
			s.cfg.ChainParams.FilterM, data)
		if err != nil {
			return err
		}
		blockHashes[i] = blockHash
		bodies[i] = filter

		if len(watched) == 0 {
			continue
		}
		key := gcs.KeyFromHash(&blockHash)
		matched, err := filter.MatchAny(key, watched)
		if err != nil {
			return err
		}
		if matched {
			matchedHeights = append(matchedHeights, height)
			matchedHashes = append(matchedHashes, blockHash)
		}
	}

	// Download any matched blocks before committing the batch, so a peer
	// dying at any point up to here leaves the filter tip untouched and
	// the next peer re-fetches the whole range.
	blocks, err := s.fetchBlocks(ctx, peer, matchedHashes)
	if err != nil {
		return err
	}

	// Apply the batch in height order.  Each height stores the filter
	// body and applies any matched block before the filter header that
	// commits to it, so an interrupted commit resumes on the first
	// height that was not fully applied.
	next := 0
	for height := start; height <= stop; height++ {
		i := height - start
		err := s.cfg.Store.PutFilter(&blockHashes[i], bodies[i])
		if err != nil {
			return err
		}
		if next < len(matchedHeights) && matchedHeights[next] == height {
			if err := s.scanBlock(blocks[next], height); err != nil {
				return err
			}
			s.emit(FilterMatched{
				Height:    height,
				BlockHash: blockHashes[i],
			})
			next++
		}
		err = s.cfg.Store.PutFilterHeader(height, &filterHeaders[i])
		if err != nil {
			return err
		}
	}
	return nil
}

// fetchBlocks downloads the given blocks with bounded parallelism,
// preserving order.
func (s *SyncManager) fetchBlocks(ctx context.Context, peer *spvpeer.Peer,
	hashes []wire.Hash) ([]*wire.MsgBlock, error) {

	if len(hashes) == 0 {
		return nil, nil
	}

	blocks := make([]*wire.MsgBlock, len(hashes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BlockFetchWorkers)
	for i := range hashes {
		i := i
		g.Go(func() error {
			block, err := peer.GetBlock(gctx, &hashes[i])
			if err != nil {
				return err
			}
			blocks[i] = block
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

// scanBlock applies a block's transactions to the wallet state: outputs
// paying watched scripts become UTXOs, inputs spending known UTXOs mark
// them spent, and relevant transactions are recorded.
func (s *SyncManager) scanBlock(block *wire.MsgBlock, height uint32) error {
	scripts, err := s.cfg.Store.WatchedScripts()
	if err != nil {
		return err
	}
	watched := make(map[string]struct{}, len(scripts))
	for _, script := range scripts {
		watched[string(script)] = struct{}{}
	}

	for _, tx := range block.Transactions {
		txHash := tx.TxHash()
		var received, sent int64
		relevant := false

		for _, txIn := range tx.TxIn {
			utxo, err := s.cfg.Store.FetchUTXO(&txIn.PreviousOutPoint)
			if err != nil {
				if chaindb.IsError(err, chaindb.ErrUTXONotFound) {
					continue
				}
				return err
			}
			if utxo.Spent {
				// Already marked at broadcast time by this very
				// transaction; still count it.  A different
				// spender means a conflict we have no use for.
				if !utxo.SpentBy.IsEqual(&txHash) {
					continue
				}
				sent += utxo.Value
				relevant = true
				continue
			}
			err = s.cfg.Store.SpendUTXO(&txIn.PreviousOutPoint,
				&txHash)
			if err != nil {
				return err
			}
			sent += utxo.Value
			relevant = true
		}

		for i, txOut := range tx.TxOut {
			if _, ok := watched[string(txOut.PkScript)]; !ok {
				continue
			}
			utxo := &chaindb.UTXO{
				OutPoint: wire.OutPoint{
					Hash:  txHash,
					Index: uint32(i),
				},
				Value:    txOut.Value,
				PkScript: txOut.PkScript,
				Height:   height,
			}
			if err := s.cfg.Store.PutUTXO(utxo); err != nil {
				return err
			}
			received += txOut.Value
			relevant = true
		}

		if !relevant {
			continue
		}
		rec := &chaindb.TxRecord{
			Hash:      txHash,
			Height:    height,
			Timestamp: block.Header.Timestamp,
			Received:  received,
			Sent:      sent,
			Tx:        tx,
		}
		if err := s.cfg.Store.PutTransaction(rec); err != nil {
			return err
		}
		log.Infof("Relevant transaction %v in block %d "+
			"(received %d, sent %d)", txHash, height, received, sent)
		s.emit(TxConfirmed{
			TxHash:   txHash,
			Height:   height,
			Received: received,
			Sent:     sent,
		})
	}
	return nil
}

// monitor is the steady state: poll the peer for new blocks and serve
// commands until something changes state.
func (s *SyncManager) monitor(ctx context.Context) error {
	s.cfg.PollTicker.Resume()
	defer s.cfg.PollTicker.Pause()

	for {
		select {
		case cmd := <-s.commandChan:
			s.handleCommand(ctx, cmd)
		case <-s.cfg.PollTicker.Ticks():
			hasNew, err := s.pollTip(ctx)
			if err != nil {
				return err
			}
			if hasNew {
				s.setState(StateSyncingHeaders)
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// pollTip asks the peer for headers after our tip and switches back to
// header sync when there are any.
func (s *SyncManager) pollTip(ctx context.Context) (bool, error) {
	peer := s.currentPeer()
	if peer == nil {
		s.setState(StateConnectingPeers)
		return false, nil
	}
	locator, err := s.cfg.Store.BlockLocator()
	if err != nil {
		return false, err
	}
	msg, err := peer.GetHeaders(ctx, locator, nil)
	if err != nil {
		return false, err
	}
	return len(msg.Headers) > 0, nil
}

// drainCommands serves queued commands without blocking.
func (s *SyncManager) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-s.commandChan:
			s.handleCommand(ctx, cmd)
		default:
			return
		}
	}
}

// handleCommand serves a single command on the event loop.
func (s *SyncManager) handleCommand(ctx context.Context, cmd interface{}) {
	switch msg := cmd.(type) {
	case *addWatchMsg:
		msg.reply <- s.handleAddWatch(ctx, msg)

	case *broadcastMsg:
		peer := s.currentPeer()
		if peer == nil {
			msg.reply <- ErrNotConnected
			return
		}
		msg.reply <- peer.BroadcastTx(ctx, msg.tx)

	default:
		log.Warnf("Unknown command type %T", cmd)
	}
}

// handleAddWatch registers the scripts and, when requested, rescans the
// retained filter window against them.
func (s *SyncManager) handleAddWatch(ctx context.Context, msg *addWatchMsg) error {
	for _, script := range msg.scripts {
		if err := s.cfg.Store.AddWatchScript(script); err != nil {
			return err
		}
	}
	if !msg.rescan {
		return nil
	}

	prevState := s.Status().State
	s.setState(StateRescanning)
	defer s.setState(prevState)

	matched, err := s.rescanWindow(ctx, msg.scripts)
	if err != nil {
		return err
	}
	s.emit(RescanFinished{Matched: matched})
	return nil
}

// rescanWindow re-matches the retained filters against the given scripts
// and scans any matching blocks.
func (s *SyncManager) rescanWindow(ctx context.Context, scripts [][]byte) (int, error) {
	_, tipHeight, _, err := s.cfg.Store.ChainTip()
	if err != nil {
		return 0, err
	}

	var floor uint32
	if tipHeight+1 > s.cfg.RetentionWindow {
		floor = tipHeight - s.cfg.RetentionWindow + 1
	}

	peer := s.currentPeer()
	matched := 0
	for height := floor; height <= tipHeight; height++ {
		header, err := s.cfg.Store.HeaderByHeight(height)
		if err != nil {
			if chaindb.IsError(err, chaindb.ErrHeaderNotFound) {
				continue
			}
			return matched, err
		}
		blockHash := header.BlockHash()
		ok, err := s.cfg.Store.MatchFilter(&blockHash, scripts)
		if err != nil {
			if chaindb.IsError(err, chaindb.ErrFilterNotFound) {
				continue
			}
			return matched, err
		}
		if !ok {
			continue
		}
		matched++
		s.emit(FilterMatched{Height: height, BlockHash: blockHash})

		if peer == nil {
			continue
		}
		block, err := peer.GetBlock(ctx, &blockHash)
		if err != nil {
			return matched, err
		}
		if err := s.scanBlock(block, height); err != nil {
			return matched, err
		}
	}
	return matched, nil
}
