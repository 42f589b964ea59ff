// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spvsync

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/btcsuite/spvwallet/chaincfg"
	"github.com/btcsuite/spvwallet/chaindb"
	"github.com/btcsuite/spvwallet/gcs"
	"github.com/btcsuite/spvwallet/spvpeer"
	"github.com/btcsuite/spvwallet/wire"
)

// watchedScript is a P2WPKH script the test wallet watches for.
var watchedScript = []byte{
	0x00, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
	11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
}

// otherScript is a script the wallet does not watch.
var otherScript = []byte{
	0x00, 0x14, 20, 19, 18, 17, 16, 15, 14, 13, 12, 11,
	10, 9, 8, 7, 6, 5, 4, 3, 2, 1,
}

// testChain is a miniature regtest chain a fake node serves to the sync
// manager: blocks, their filters, and the filter header chain.
type testChain struct {
	mtx     sync.Mutex
	params  *chaincfg.Params
	blocks  []*wire.MsgBlock
	filters []*gcs.Filter

	// dropCFilters makes the fake node hang up instead of answering that
	// many getcfilters requests, one per connection.
	dropCFilters int
}

// newTestChain builds a chain of n blocks on top of the regtest genesis
// block.  payScript selects the coinbase output script per height.
func newTestChain(t *testing.T, n int, payScript func(height uint32) []byte) *testChain {
	t.Helper()
	params := &chaincfg.RegressionNetParams

	c := &testChain{params: params}

	// Height 0 is the real genesis header with a placeholder body; the
	// sync manager never fetches it, but its filter participates in the
	// filter header chain.
	genesis := &wire.MsgBlock{Header: *params.GenesisBlock}
	c.blocks = append(c.blocks, genesis)
	c.filters = append(c.filters, c.buildFilter(t, params.GenesisHash,
		otherScript))

	for height := uint32(1); height <= uint32(n); height++ {
		c.extend(t, payScript(height))
	}
	return c
}

// extend mines one more block whose coinbase pays the given script.
func (c *testChain) extend(t *testing.T, payScript []byte) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	prev := c.blocks[len(c.blocks)-1].BlockHash()
	height := uint32(len(c.blocks))

	coinbase := wire.NewMsgTx(wire.TxVersion)
	coinbase.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0xffffffff},
		[]byte{byte(height), 0x01}, nil))
	coinbase.AddTxOut(wire.NewTxOut(50e8, payScript))

	header := wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: coinbase.TxHash(),
		Timestamp:  time.Unix(1600000000+int64(height)*600, 0),
		Bits:       c.params.PowLimitBits,
	}
	// Regtest difficulty is trivial; a short nonce search suffices.
	for !c.params.CheckProofOfWork(&header) {
		header.Nonce++
	}

	block := &wire.MsgBlock{Header: header}
	block.AddTransaction(coinbase)
	c.blocks = append(c.blocks, block)

	blockHash := header.BlockHash()
	c.filters = append(c.filters, c.buildFilter(t, &blockHash, payScript))
}

func (c *testChain) buildFilter(t *testing.T, blockHash *wire.Hash,
	scripts ...[]byte) *gcs.Filter {

	key := gcs.KeyFromHash(blockHash)
	filter, err := gcs.BuildGCSFilter(c.params.FilterP, c.params.FilterM,
		key, scripts)
	require.NoError(t, err)
	return filter
}

// filterHeaders computes the filter header chain for heights [0, stop].
func (c *testChain) filterHeaders(t *testing.T, stop uint32) []wire.Hash {
	headers := make([]wire.Hash, stop+1)
	var prev wire.Hash
	for h := uint32(0); h <= stop; h++ {
		nBytes, err := c.filters[h].NBytes()
		require.NoError(t, err)
		filterHash := wire.DoubleHashH(nBytes)

		var buf [2 * wire.HashSize]byte
		copy(buf[:], filterHash[:])
		copy(buf[wire.HashSize:], prev[:])
		headers[h] = wire.DoubleHashH(buf[:])
		prev = headers[h]
	}
	return headers
}

// heightOf returns the height of the given block hash, or false.
func (c *testChain) heightOf(hash *wire.Hash) (uint32, bool) {
	for h, block := range c.blocks {
		blockHash := block.BlockHash()
		if blockHash.IsEqual(hash) {
			return uint32(h), true
		}
	}
	return 0, false
}

// dropNextCFilters arms the fake node to drop the connection on the next
// getcfilters request instead of answering it.
func (c *testChain) dropNextCFilters() {
	c.mtx.Lock()
	c.dropCFilters++
	c.mtx.Unlock()
}

// takeCFiltersDrop consumes one armed connection drop, if any.
func (c *testChain) takeCFiltersDrop() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.dropCFilters == 0 {
		return false
	}
	c.dropCFilters--
	return true
}

// handle maps one request message to its responses, emulating a node that
// serves the test chain.
func (c *testChain) handle(t *testing.T, msg wire.Message) []wire.Message {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch m := msg.(type) {
	case *wire.MsgGetHeaders:
		// Serve headers after the first locator hash we know.
		start := uint32(0)
		for _, locHash := range m.BlockLocatorHashes {
			if h, ok := c.heightOf(locHash); ok {
				start = h
				break
			}
		}
		resp := wire.NewMsgHeaders()
		for h := start + 1; h < uint32(len(c.blocks)); h++ {
			header := c.blocks[h].Header
			require.NoError(t, resp.AddBlockHeader(&header))
		}
		return []wire.Message{resp}

	case *wire.MsgGetCFHeaders:
		stop, ok := c.heightOf(&m.StopHash)
		if !ok {
			return nil
		}
		fh := c.filterHeaders(t, stop)
		resp := wire.NewMsgCFHeaders()
		resp.StopHash = m.StopHash
		if m.StartHeight > 0 {
			resp.PrevFilterHeader = fh[m.StartHeight-1]
		}
		for h := m.StartHeight; h <= stop; h++ {
			nBytes, err := c.filters[h].NBytes()
			require.NoError(t, err)
			filterHash := wire.DoubleHashH(nBytes)
			require.NoError(t, resp.AddCFHash(&filterHash))
		}
		return []wire.Message{resp}

	case *wire.MsgGetCFilters:
		stop, ok := c.heightOf(&m.StopHash)
		if !ok {
			return nil
		}
		var resps []wire.Message
		for h := m.StartHeight; h <= stop; h++ {
			blockHash := c.blocks[h].BlockHash()
			nBytes, err := c.filters[h].NBytes()
			require.NoError(t, err)
			resps = append(resps, wire.NewMsgCFilter(
				wire.GCSFilterRegular, &blockHash, nBytes))
		}
		return resps

	case *wire.MsgGetData:
		var resps []wire.Message
		for _, iv := range m.InvList {
			if h, ok := c.heightOf(&iv.Hash); ok {
				resps = append(resps, c.blocks[h])
			}
		}
		return resps
	}
	return nil
}

// serveChain runs a fake node serving the test chain and returns its
// address.
func serveChain(t *testing.T, chain *testChain) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	btcnet := chain.params.Net
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()

				_, msg, _, err := wire.ReadMessage(conn,
					wire.ProtocolVersion, btcnet)
				if err != nil {
					return
				}
				if _, ok := msg.(*wire.MsgVersion); !ok {
					return
				}
				verMsg, err := wire.NewMsgVersionFromConn(conn, 1, 0)
				if err != nil {
					return
				}
				verMsg.Services = wire.SFNodeNetwork |
					wire.SFNodeCF | wire.SFNodeWitness
				wire.WriteMessage(conn, verMsg,
					wire.ProtocolVersion, btcnet)
				wire.WriteMessage(conn, wire.NewMsgVerAck(),
					wire.ProtocolVersion, btcnet)

				for {
					_, msg, _, err := wire.ReadMessage(conn,
						wire.ProtocolVersion, btcnet)
					if err != nil {
						return
					}
					switch m := msg.(type) {
					case *wire.MsgVerAck:
						continue
					case *wire.MsgPing:
						wire.WriteMessage(conn,
							wire.NewMsgPong(m.Nonce),
							wire.ProtocolVersion, btcnet)
						continue
					case *wire.MsgGetCFilters:
						if chain.takeCFiltersDrop() {
							return
						}
					}
					for _, resp := range chain.handle(t, msg) {
						_, err := wire.WriteMessage(conn,
							resp, wire.ProtocolVersion,
							btcnet)
						if err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()

	return lis.Addr().String()
}

// newTestManager wires a sync manager to a fake node serving the chain.
func newTestManager(t *testing.T, chain *testChain, addr string) (*SyncManager, *chaindb.Store, *ticker.Force) {
	t.Helper()

	store, err := chaindb.Open(filepath.Join(t.TempDir(), "chain.db"),
		chain.params)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	force := ticker.NewForce(time.Hour)
	mgr := NewSyncManager(Config{
		Store:       store,
		ChainParams: chain.params,
		Peers: spvpeer.NewManager(spvpeer.ManagerConfig{
			PeerConfig: spvpeer.Config{
				ChainParams:    chain.params,
				RequestTimeout: 5 * time.Second,
			},
			ConnectPeers: []string{addr},
		}),
		PollTicker: force,
	})
	return mgr, store, force
}

// waitForState polls until the sync manager reaches the wanted state.
func waitForState(t *testing.T, mgr *SyncManager, want SyncState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mgr.Status().State == want
	}, 10*time.Second, 10*time.Millisecond)
}

func TestSyncToTip(t *testing.T) {
	// Block 3 pays the watched script; the rest do not.
	chain := newTestChain(t, 5, func(height uint32) []byte {
		if height == 3 {
			return watchedScript
		}
		return otherScript
	})
	addr := serveChain(t, chain)
	mgr, store, _ := newTestManager(t, chain, addr)

	require.NoError(t, store.AddWatchScript(watchedScript))

	mgr.Start()
	defer mgr.Stop()
	waitForState(t, mgr, StateMonitoring)

	status := mgr.Status()
	require.True(t, status.IsConnected)
	require.False(t, status.IsSyncing)
	require.Equal(t, uint32(5), status.Height)
	require.Equal(t, uint32(5), status.FilterHeight)

	// The watched coinbase from block 3 became a UTXO.
	balance, err := store.Balance(0, 5)
	require.NoError(t, err)
	require.Equal(t, int64(50e8), balance)

	utxos, err := store.SpendableUTXOs(0, 5)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, uint32(3), utxos[0].Height)
	require.Equal(t, watchedScript, utxos[0].PkScript)

	recs, err := store.Transactions(0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(50e8), recs[0].Received)
	require.Zero(t, recs[0].Sent)
}

func TestFilterSyncResumesAfterPeerFailure(t *testing.T) {
	// Block 3 pays the watched script.  The node hangs up after serving
	// cfheaders but before serving any filter bodies, then serves the
	// chain fully once the manager reconnects.
	chain := newTestChain(t, 5, func(height uint32) []byte {
		if height == 3 {
			return watchedScript
		}
		return otherScript
	})
	chain.dropNextCFilters()
	addr := serveChain(t, chain)
	mgr, store, _ := newTestManager(t, chain, addr)
	require.NoError(t, store.AddWatchScript(watchedScript))

	mgr.Start()
	defer mgr.Stop()
	waitForState(t, mgr, StateMonitoring)

	// The filter header tip may never run ahead of the stored bodies:
	// every height up to the tip has both its filter header and filter
	// body.
	tip, err := store.FilterHeaderTip()
	require.NoError(t, err)
	require.Equal(t, uint32(5), tip)
	for h := uint32(0); h <= tip; h++ {
		_, err := store.FilterHeader(h)
		require.NoError(t, err, "missing filter header at height %d", h)
		header, err := store.HeaderByHeight(h)
		require.NoError(t, err)
		blockHash := header.BlockHash()
		_, err = store.FilterByBlockHash(&blockHash)
		require.NoError(t, err, "missing filter body at height %d", h)
	}

	// The watched output in block 3 was matched despite the mid-sync
	// hangup.
	balance, err := store.Balance(0, 5)
	require.NoError(t, err)
	require.Equal(t, int64(50e8), balance)
}

func TestSyncEvents(t *testing.T) {
	chain := newTestChain(t, 4, func(height uint32) []byte {
		if height == 2 {
			return watchedScript
		}
		return otherScript
	})
	addr := serveChain(t, chain)
	mgr, store, _ := newTestManager(t, chain, addr)
	require.NoError(t, store.AddWatchScript(watchedScript))

	mgr.Start()
	defer mgr.Stop()

	var (
		sawConnected bool
		sawHeaders   bool
		sawMatch     bool
		sawTx        bool
	)
	deadline := time.After(10 * time.Second)
	for !sawConnected || !sawHeaders || !sawMatch || !sawTx {
		select {
		case ev := <-mgr.Events():
			switch e := ev.(type) {
			case ConnectionChanged:
				sawConnected = sawConnected || e.Connected
			case HeadersApplied:
				require.Equal(t, uint32(4), e.TipHeight)
				sawHeaders = true
			case FilterMatched:
				require.Equal(t, uint32(2), e.Height)
				sawMatch = true
			case TxConfirmed:
				require.Equal(t, uint32(2), e.Height)
				require.Equal(t, int64(50e8), e.Received)
				sawTx = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for sync events")
		}
	}
}

func TestMonitoringDetectsNewBlocks(t *testing.T) {
	chain := newTestChain(t, 2, func(uint32) []byte { return otherScript })
	addr := serveChain(t, chain)
	mgr, store, force := newTestManager(t, chain, addr)
	require.NoError(t, store.AddWatchScript(watchedScript))

	mgr.Start()
	defer mgr.Stop()
	waitForState(t, mgr, StateMonitoring)

	// Extend the remote chain with a block paying the wallet, then
	// force poll ticks until the new block has been applied.  Ticks sent
	// before the monitor loop resumes its ticker are dropped, so keep
	// nudging.
	chain.extend(t, watchedScript)

	require.Eventually(t, func() bool {
		select {
		case force.Force <- time.Now():
		default:
		}
		balance, err := store.Balance(0, 3)
		return err == nil && balance == 50e8
	}, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		status := mgr.Status()
		return status.State == StateMonitoring && status.Height == 3
	}, 10*time.Second, 10*time.Millisecond)
}

func TestAddWatchScriptsRescan(t *testing.T) {
	// Block 1 pays a script nothing watches during the initial sync.
	chain := newTestChain(t, 3, func(height uint32) []byte {
		if height == 1 {
			return watchedScript
		}
		return otherScript
	})
	addr := serveChain(t, chain)
	mgr, store, _ := newTestManager(t, chain, addr)

	mgr.Start()
	defer mgr.Stop()
	waitForState(t, mgr, StateMonitoring)

	balance, err := store.Balance(0, 3)
	require.NoError(t, err)
	require.Zero(t, balance)

	// Watching the script now and rescanning finds the old output.
	require.NoError(t, mgr.AddWatchScripts([][]byte{watchedScript}, true))

	require.Eventually(t, func() bool {
		balance, err := store.Balance(0, 3)
		return err == nil && balance == 50e8
	}, 10*time.Second, 10*time.Millisecond)
}

func TestValidateHeadersRejectsBadChain(t *testing.T) {
	chain := newTestChain(t, 2, func(uint32) []byte { return otherScript })

	store, err := chaindb.Open(filepath.Join(t.TempDir(), "chain.db"),
		chain.params)
	require.NoError(t, err)
	defer store.Close()

	mgr := NewSyncManager(Config{
		Store:       store,
		ChainParams: chain.params,
	})

	good := []*wire.BlockHeader{
		&chain.blocks[1].Header, &chain.blocks[2].Header,
	}
	require.NoError(t, mgr.validateHeaders(good, 0))

	// Broken linkage.
	broken := *good[1]
	broken.PrevBlock[0] ^= 0xff
	require.Error(t, mgr.validateHeaders(
		[]*wire.BlockHeader{good[0], &broken}, 0))

	// Insufficient proof of work: regtest genesis bits with a mainnet
	// strength target claimed.
	weak := *good[0]
	weak.Bits = 0x1d00ffff
	require.Error(t, mgr.validateHeaders([]*wire.BlockHeader{&weak}, 0))

	// Timestamp too far in the future.
	future := *good[0]
	future.Timestamp = time.Now().Add(3 * time.Hour)
	for !chain.params.CheckProofOfWork(&future) {
		future.Nonce++
	}
	require.Error(t, mgr.validateHeaders([]*wire.BlockHeader{&future}, 0))

	// A checkpointed height accepts only the exact checkpoint hash.
	blockHash2 := chain.blocks[2].BlockHash()
	ckParams := *chain.params
	ckParams.Checkpoints = []chaincfg.Checkpoint{
		{Height: 2, Hash: &blockHash2},
	}
	ckMgr := NewSyncManager(Config{Store: store, ChainParams: &ckParams})
	require.NoError(t, ckMgr.validateHeaders(good, 0))

	var wrongHash wire.Hash
	wrongHash[0] = 0xab
	ckParams.Checkpoints = []chaincfg.Checkpoint{
		{Height: 2, Hash: &wrongHash},
	}
	require.Error(t, ckMgr.validateHeaders(good, 0))
}
