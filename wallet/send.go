// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/btcsuite/spvwallet/btcaddr"
	"github.com/btcsuite/spvwallet/chaincfg"
	"github.com/btcsuite/spvwallet/chaindb"
	"github.com/btcsuite/spvwallet/wallet/txauthor"
	"github.com/btcsuite/spvwallet/wallet/txrules"
	"github.com/btcsuite/spvwallet/wallet/txsizes"
	"github.com/btcsuite/spvwallet/wire"
)

// defaultMinConf is the confirmation requirement for spendable outputs.
const defaultMinConf = 1

// ErrNoSyncManager is returned by SendTransaction when the wallet has no
// sync manager to broadcast through.
var ErrNoSyncManager = errors.New("wallet has no sync manager")

// secretsSource re-derives private keys for signing from the in-memory
// account key using the recorded derivation paths.
type secretsSource struct {
	w *Wallet
}

// GetKey returns the private key for the given address.  All wallet keys
// use the compressed pubkey serialization.
func (s secretsSource) GetKey(addr btcaddr.Address) (*secp256k1.PrivateKey, bool, error) {
	var hash160 [20]byte
	switch a := addr.(type) {
	case *btcaddr.PubKeyHash:
		hash160 = *a.Hash160()
	case *btcaddr.WitnessPubKeyHash:
		hash160 = *a.Hash160()
	default:
		return nil, false, errors.New("address type cannot be signed for")
	}

	w := s.w
	w.mtx.Lock()
	path, ok := w.paths[hash160]
	if !ok {
		w.mtx.Unlock()
		return nil, false, errors.New("no derivation path for address " +
			addr.EncodeAddress())
	}
	branchKey, err := w.branchKey(path.branch)
	w.mtx.Unlock()
	if err != nil {
		return nil, false, err
	}
	defer branchKey.Zero()

	child, err := branchKey.Derive(path.index)
	if err != nil {
		return nil, false, err
	}
	defer child.Zero()

	privKey, err := child.ECPrivKey()
	if err != nil {
		return nil, false, err
	}
	return privKey, true, nil
}

// ChainParams returns the network parameters the wallet's addresses belong
// to.
func (s secretsSource) ChainParams() *chaincfg.Params {
	return s.w.params
}

// inputSource returns a txauthor input source drawing from the wallet's
// spendable outputs, largest first.
func (w *Wallet) inputSource(tipHeight uint32) (txauthor.InputSource, error) {
	utxos, err := w.cfg.Store.SpendableUTXOs(defaultMinConf, tipHeight)
	if err != nil {
		return nil, err
	}

	// Current inputs and their total value.  These are closed over by
	// the returned input source and reused across multiple calls.
	var (
		currentTotal   int64
		currentInputs  []*wire.TxIn
		currentValues  []int64
		currentScripts [][]byte
	)
	return func(target int64) (int64, []*wire.TxIn, []int64, [][]byte, error) {
		for currentTotal < target && len(utxos) != 0 {
			u := utxos[0]
			utxos = utxos[1:]
			nextInput := wire.NewTxIn(&u.OutPoint, nil, nil)
			currentTotal += u.Value
			currentInputs = append(currentInputs, nextInput)
			currentValues = append(currentValues, u.Value)
			currentScripts = append(currentScripts, u.PkScript)
		}
		return currentTotal, currentInputs, currentValues,
			currentScripts, nil
	}, nil
}

// changeSource returns a change source paying to the wallet's internal
// branch.  When dryRun is set the change script is derived without
// advancing the address index.
func (w *Wallet) changeSource(dryRun bool) *txauthor.ChangeSource {
	return &txauthor.ChangeSource{
		NewScript: func() ([]byte, error) {
			var addr btcaddr.Address
			var err error
			if dryRun {
				addr, err = w.peekChangeAddress()
			} else {
				addr, err = w.NewChangeAddress()
			}
			if err != nil {
				return nil, err
			}
			return btcaddr.PayToAddrScript(addr)
		},
		ScriptSize: txsizes.P2WPKHPkScriptSize,
	}
}

// peekChangeAddress derives the next internal address without advancing
// the index.
func (w *Wallet) peekChangeAddress() (btcaddr.Address, error) {
	w.mtx.Lock()
	branchKey, err := w.branchKey(internalBranch)
	index := w.intIndex
	w.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	defer branchKey.Zero()

	child, err := branchKey.Derive(index)
	if err != nil {
		return nil, err
	}
	defer child.Zero()
	return child.WitnessAddress(w.params)
}

// authorTransaction creates an unsigned transaction paying the outputs at
// the given fee rate in satoshis per kilo-vbyte.
func (w *Wallet) authorTransaction(outputs []*wire.TxOut, feeRatePerKb int64,
	dryRun bool) (*txauthor.AuthoredTx, error) {

	if len(outputs) == 0 {
		return nil, errors.New("transaction has no outputs")
	}
	for _, output := range outputs {
		err := txrules.CheckOutput(output, feeRatePerKb)
		if err != nil {
			return nil, err
		}
	}

	if w.Locked() {
		return nil, ErrLocked
	}

	_, tipHeight, _, err := w.cfg.Store.ChainTip()
	if err != nil {
		return nil, err
	}
	inputSource, err := w.inputSource(tipHeight)
	if err != nil {
		return nil, err
	}
	return txauthor.NewUnsignedTransaction(outputs, feeRatePerKb,
		inputSource, w.changeSource(dryRun))
}

// EstimateFee returns the fee in satoshis a transaction paying the given
// outputs at the given fee rate would cost, without creating or signing
// one.  Coin selection and sizing match SendTransaction exactly.
func (w *Wallet) EstimateFee(outputs []*wire.TxOut, feeRatePerKb int64) (int64, error) {
	authored, err := w.authorTransaction(outputs, feeRatePerKb, true)
	if err != nil {
		return 0, err
	}
	return authored.TotalInput - txauthor.SumOutputValues(authored.Tx.TxOut), nil
}

// SendTransaction creates, signs, and broadcasts a transaction paying the
// given outputs at the given fee rate in satoshis per kilo-vbyte.  On
// success the spent outputs are marked and a transaction record is stored,
// and the transaction hash is returned.
//
// An insufficient balance surfaces as a txauthor.InputSourceError;
// rejection by the network surfaces as a spvpeer error.
func (w *Wallet) SendTransaction(outputs []*wire.TxOut, feeRatePerKb int64) (*wire.Hash, error) {
	if w.cfg.Sync == nil {
		return nil, ErrNoSyncManager
	}

	authored, err := w.authorTransaction(outputs, feeRatePerKb, false)
	if err != nil {
		return nil, err
	}
	if err := authored.AddAllInputScripts(secretsSource{w}); err != nil {
		return nil, err
	}

	tx := authored.Tx
	txHash := tx.TxHash()
	if err := w.cfg.Sync.BroadcastTx(tx); err != nil {
		return nil, err
	}

	// The network has the transaction; mark its inputs spent so they are
	// not selected again, and record it as unconfirmed.  Confirmation is
	// filled in when the containing block is scanned.
	for _, txIn := range tx.TxIn {
		err := w.cfg.Store.SpendUTXO(&txIn.PreviousOutPoint, &txHash)
		if err != nil {
			return nil, err
		}
	}

	var received int64
	if authored.ChangeIndex >= 0 {
		received = tx.TxOut[authored.ChangeIndex].Value
	}
	rec := &chaindb.TxRecord{
		Hash:      txHash,
		Timestamp: time.Now(),
		Received:  received,
		Sent:      authored.TotalInput,
		Tx:        tx,
	}
	if err := w.cfg.Store.PutTransaction(rec); err != nil {
		return nil, err
	}

	log.Infof("Broadcast transaction %v (fee %d sat/kvB)", txHash,
		feeRatePerKb)
	return &txHash, nil
}
