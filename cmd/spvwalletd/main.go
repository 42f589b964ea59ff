// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/btcsuite/spvwallet/chaindb"
	"github.com/btcsuite/spvwallet/internal/prompt"
	"github.com/btcsuite/spvwallet/internal/zero"
	"github.com/btcsuite/spvwallet/spvpeer"
	"github.com/btcsuite/spvwallet/spvsync"
	"github.com/btcsuite/spvwallet/wallet"
	"github.com/btcsuite/spvwallet/wire"
)

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the
// program can be exited with an error exit status.
func walletMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s", version())
	log.Infof("Active network: %s", activeNet.Name)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		log.Errorf("Failed to create data directory: %v", err)
		return err
	}

	store, err := chaindb.Open(filepath.Join(cfg.DataDir, chainDbName),
		activeNet)
	if err != nil {
		log.Errorf("Failed to open chain store: %v", err)
		return err
	}
	defer store.Close()

	peers := spvpeer.NewManager(spvpeer.ManagerConfig{
		PeerConfig: spvpeer.Config{
			ChainParams:      activeNet,
			UserAgentName:    "spvwalletd",
			UserAgentVersion: version(),
			DialTimeout:      cfg.DialTimeout,
			RequestTimeout:   cfg.RequestTimeout,
			RequiredServices: wire.SFNodeNetwork |
				wire.SFNodeWitness | wire.SFNodeCF,
			NewestBlock: func() (*wire.Hash, int32, error) {
				hash, height, _, err := store.ChainTip()
				if err != nil {
					return nil, 0, err
				}
				return hash, int32(height), nil
			},
		},
		ConnectPeers: cfg.ConnectPeers,
	})

	syncMgr := spvsync.NewSyncManager(spvsync.Config{
		Store:           store,
		ChainParams:     activeNet,
		Peers:           peers,
		RetentionWindow: cfg.RetentionWindow,
		FilterBatchSize: cfg.FilterBatchSize,
	})

	w := wallet.New(wallet.Config{
		Store:       store,
		ChainParams: activeNet,
		Sync:        syncMgr,
	})

	// Create or unlock the wallet before going online.
	if err := setupWallet(w, cfg); err != nil {
		log.Errorf("Failed to set up wallet: %v", err)
		return err
	}

	syncMgr.Start()
	go logSyncEvents(syncMgr)

	addInterruptHandler(func() {
		log.Info("Stopping sync manager...")
		syncMgr.Stop()
		w.Lock()
	})

	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return nil
}

// setupWallet creates the wallet when requested and unlocks it, prompting
// for the passphrase and, for new wallets, the mnemonic backup.
func setupWallet(w *wallet.Wallet, cfg *config) error {
	exists, err := w.Exists()
	if err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)

	if !exists {
		if !cfg.Create {
			return fmt.Errorf("no wallet exists in %s; use --create "+
				"to create one", cfg.DataDir)
		}

		pass, err := prompt.PrivatePass(reader)
		if err != nil {
			return err
		}
		defer zero.Bytes(pass)

		mnemonic, restored, err := prompt.Mnemonic(reader)
		if err != nil {
			return err
		}
		if restored {
			if err := w.RestoreWallet(mnemonic, pass); err != nil {
				return err
			}
			log.Info("Wallet restored from mnemonic; a rescan " +
				"will pick up previous activity within the " +
				"retained filter window")
			return nil
		}

		newMnemonic, err := w.CreateWallet(pass)
		if err != nil {
			return err
		}
		return prompt.ConfirmSeedBackup(reader, newMnemonic)
	}

	pass, err := prompt.UnlockPass(reader)
	if err != nil {
		return err
	}
	defer zero.Bytes(pass)
	return w.Unlock(pass)
}

// logSyncEvents drains the sync manager's event channel and surfaces the
// interesting events in the log.
func logSyncEvents(syncMgr *spvsync.SyncManager) {
	for ev := range syncMgr.Events() {
		switch e := ev.(type) {
		case spvsync.ConnectionChanged:
			if e.Connected {
				log.Infof("Connected to peer %s", e.PeerAddr)
			} else {
				log.Infof("Lost peer %s", e.PeerAddr)
			}
		case spvsync.HeadersApplied:
			n := int(e.TipHeight - e.StartHeight + 1)
			log.Infof("Processed %d %s, tip height %d", n,
				pickNoun(n, "header", "headers"), e.TipHeight)
		case spvsync.SyncProgress:
			log.Debugf("Filter sync progress: %d/%d",
				e.FilterHeight, e.HeaderHeight)
		case spvsync.FilterMatched:
			log.Debugf("Filter match at height %d (%v)", e.Height,
				e.BlockHash)
		case spvsync.TxConfirmed:
			log.Infof("Relevant transaction %v confirmed at "+
				"height %d (received %d, sent %d)", e.TxHash,
				e.Height, e.Received, e.Sent)
		case spvsync.RescanFinished:
			log.Infof("Rescan finished: %d matching %s", e.Matched,
				pickNoun(e.Matched, "block", "blocks"))
		}
	}
}
