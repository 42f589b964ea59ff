// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btcsuite/spvwallet/btcaddr"
	"github.com/btcsuite/spvwallet/chaincfg"
	"github.com/btcsuite/spvwallet/chaindb"
	"github.com/btcsuite/spvwallet/wallet/txauthor"
	"github.com/btcsuite/spvwallet/wire"
)

// testPass is the wallet passphrase used throughout the tests.
var testPass = []byte("test-passphrase")

// newTestWallet returns an offline wallet backed by a fresh regtest store.
// A small lookahead keeps the scrypt and derivation work cheap.
func newTestWallet(t *testing.T) (*Wallet, *chaindb.Store) {
	t.Helper()
	store, err := chaindb.Open(filepath.Join(t.TempDir(), "chain.db"),
		&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	w := New(Config{
		Store:       store,
		ChainParams: &chaincfg.RegressionNetParams,
		Lookahead:   5,
	})
	return w, store
}

func TestCreateWallet(t *testing.T) {
	w, _ := newTestWallet(t)

	exists, err := w.Exists()
	require.NoError(t, err)
	require.False(t, exists)

	mnemonic, err := w.CreateWallet(testPass)
	require.NoError(t, err)
	require.NotEmpty(t, mnemonic)
	require.False(t, w.Locked())

	exists, err = w.Exists()
	require.NoError(t, err)
	require.True(t, exists)

	// A second create must not clobber the stored seed.
	_, err = w.CreateWallet(testPass)
	require.ErrorIs(t, err, ErrWalletExists)
}

func TestUnlock(t *testing.T) {
	w, _ := newTestWallet(t)
	_, err := w.CreateWallet(testPass)
	require.NoError(t, err)

	addrBefore, err := w.NewReceiveAddress(OutputP2WPKH)
	require.NoError(t, err)

	w.Lock()
	require.True(t, w.Locked())

	_, err = w.NewReceiveAddress(OutputP2WPKH)
	require.ErrorIs(t, err, ErrLocked)

	wrong := []byte("not the passphrase")
	require.ErrorIs(t, w.Unlock(wrong), ErrWrongPassphrase)
	require.True(t, w.Locked())

	require.NoError(t, w.Unlock(testPass))
	require.False(t, w.Locked())

	// The next address continues the sequence rather than repeating.
	addrAfter, err := w.NewReceiveAddress(OutputP2WPKH)
	require.NoError(t, err)
	require.NotEqual(t, addrBefore.EncodeAddress(),
		addrAfter.EncodeAddress())
}

func TestUnlockNoWallet(t *testing.T) {
	w, _ := newTestWallet(t)
	require.ErrorIs(t, w.Unlock(testPass), ErrNoWallet)
}

func TestRestoreWalletDeterminism(t *testing.T) {
	w1, _ := newTestWallet(t)
	mnemonic, err := w1.CreateWallet(testPass)
	require.NoError(t, err)

	// Restoring the mnemonic in a fresh store with a different
	// passphrase yields the same key material.
	w2, _ := newTestWallet(t)
	require.NoError(t, w2.RestoreWallet(mnemonic, []byte("other pass")))

	for i := 0; i < 3; i++ {
		a1, err := w1.NewReceiveAddress(OutputP2WPKH)
		require.NoError(t, err)
		a2, err := w2.NewReceiveAddress(OutputP2WPKH)
		require.NoError(t, err)
		require.Equal(t, a1.EncodeAddress(), a2.EncodeAddress())
	}

	c1, err := w1.NewChangeAddress()
	require.NoError(t, err)
	c2, err := w2.NewChangeAddress()
	require.NoError(t, err)
	require.Equal(t, c1.EncodeAddress(), c2.EncodeAddress())
}

func TestRestoreWalletBadMnemonic(t *testing.T) {
	w, _ := newTestWallet(t)
	err := w.RestoreWallet("garbage words that are not a mnemonic", testPass)
	require.Error(t, err)

	exists, err := w.Exists()
	require.NoError(t, err)
	require.False(t, exists)
}

func TestAddressTypes(t *testing.T) {
	w, _ := newTestWallet(t)
	_, err := w.CreateWallet(testPass)
	require.NoError(t, err)

	segwit, err := w.NewReceiveAddress(OutputP2WPKH)
	require.NoError(t, err)
	_, ok := segwit.(*btcaddr.WitnessPubKeyHash)
	require.True(t, ok)

	legacy, err := w.NewReceiveAddress(OutputP2PKH)
	require.NoError(t, err)
	_, ok = legacy.(*btcaddr.PubKeyHash)
	require.True(t, ok)

	// Regtest bech32 addresses carry the bcrt prefix.
	require.Equal(t, "bcrt", segwit.EncodeAddress()[:4])
}

func TestAddressIndexPersistence(t *testing.T) {
	w1, store := newTestWallet(t)
	mnemonic, err := w1.CreateWallet(testPass)
	require.NoError(t, err)

	var derived []string
	for i := 0; i < 3; i++ {
		addr, err := w1.NewReceiveAddress(OutputP2WPKH)
		require.NoError(t, err)
		derived = append(derived, addr.EncodeAddress())
	}

	// A new wallet instance over the same store picks up where the
	// first left off.
	w2 := New(Config{
		Store:       store,
		ChainParams: &chaincfg.RegressionNetParams,
		Lookahead:   5,
	})
	require.NoError(t, w2.Unlock(testPass))
	next, err := w2.NewReceiveAddress(OutputP2WPKH)
	require.NoError(t, err)
	require.NotContains(t, derived, next.EncodeAddress())

	// It matches the fourth address of a wallet restored from scratch.
	w3, _ := newTestWallet(t)
	require.NoError(t, w3.RestoreWallet(mnemonic, testPass))
	var fourth btcaddr.Address
	for i := 0; i < 4; i++ {
		fourth, err = w3.NewReceiveAddress(OutputP2WPKH)
		require.NoError(t, err)
	}
	require.Equal(t, fourth.EncodeAddress(), next.EncodeAddress())
}

func TestLookaheadRegistration(t *testing.T) {
	w, store := newTestWallet(t)
	_, err := w.CreateWallet(testPass)
	require.NoError(t, err)

	// Both script forms are watched for each of the lookahead indexes
	// on both branches.
	scripts, err := store.WatchedScripts()
	require.NoError(t, err)
	require.Len(t, scripts, 2*2*5)

	// Deriving an address extends the window by one index.
	_, err = w.NewReceiveAddress(OutputP2WPKH)
	require.NoError(t, err)
	scripts, err = store.WatchedScripts()
	require.NoError(t, err)
	require.Len(t, scripts, 2*2*5+2)
}

// fundWallet gives the wallet a confirmed spendable output of the given
// value and returns its pkScript.
func fundWallet(t *testing.T, w *Wallet, store *chaindb.Store, value int64) []byte {
	t.Helper()

	addr, err := w.NewReceiveAddress(OutputP2WPKH)
	require.NoError(t, err)
	pkScript, err := btcaddr.PayToAddrScript(addr)
	require.NoError(t, err)

	var fundingHash wire.Hash
	fundingHash[0] = 0xfa
	require.NoError(t, store.PutUTXO(&chaindb.UTXO{
		OutPoint: wire.OutPoint{Hash: fundingHash, Index: 0},
		Value:    value,
		PkScript: pkScript,
		Height:   0,
	}))
	return pkScript
}

func TestBalance(t *testing.T) {
	w, store := newTestWallet(t)
	_, err := w.CreateWallet(testPass)
	require.NoError(t, err)

	balance, err := w.Balance(0)
	require.NoError(t, err)
	require.Zero(t, balance)

	fundWallet(t, w, store, 1e8)
	balance, err = w.Balance(1)
	require.NoError(t, err)
	require.Equal(t, int64(1e8), balance)
}

func TestEstimateFee(t *testing.T) {
	w, store := newTestWallet(t)
	_, err := w.CreateWallet(testPass)
	require.NoError(t, err)
	fundWallet(t, w, store, 1e8)

	output := wire.NewTxOut(5e7, make([]byte, 22))
	fee, err := w.EstimateFee([]*wire.TxOut{output}, 1000)
	require.NoError(t, err)

	// One P2WPKH input, one payment output, one change output is well
	// under a kilo-vbyte at 1000 sat/kvB.
	require.Greater(t, fee, int64(0))
	require.Less(t, fee, int64(1000))

	// Estimating does not advance the change address index.
	_, intIndex, err := store.AddressIndexes()
	require.NoError(t, err)
	require.Zero(t, intIndex)
}

func TestEstimateFeeInsufficientFunds(t *testing.T) {
	w, _ := newTestWallet(t)
	_, err := w.CreateWallet(testPass)
	require.NoError(t, err)

	output := wire.NewTxOut(5e7, make([]byte, 22))
	_, err = w.EstimateFee([]*wire.TxOut{output}, 1000)

	var insufficient txauthor.InputSourceError
	require.ErrorAs(t, err, &insufficient)
}

func TestAuthorAndSign(t *testing.T) {
	w, store := newTestWallet(t)
	_, err := w.CreateWallet(testPass)
	require.NoError(t, err)
	pkScript := fundWallet(t, w, store, 1e8)

	output := wire.NewTxOut(5e7, make([]byte, 22))
	authored, err := w.authorTransaction([]*wire.TxOut{output}, 1000, false)
	require.NoError(t, err)

	require.Len(t, authored.Tx.TxIn, 1)
	require.Equal(t, [][]byte{pkScript}, authored.PrevScripts)
	require.Equal(t, int64(1e8), authored.TotalInput)

	// Change goes to a fresh internal P2WPKH output.
	require.GreaterOrEqual(t, authored.ChangeIndex, 0)
	change := authored.Tx.TxOut[authored.ChangeIndex]
	require.True(t, btcaddr.IsPayToWitnessPubKeyHash(change.PkScript))

	require.NoError(t, authored.AddAllInputScripts(secretsSource{w}))

	// P2WPKH spends carry a two-element witness and no sig script.
	witness := authored.Tx.TxIn[0].Witness
	require.Len(t, witness, 2)
	require.NotEmpty(t, witness[0])
	require.Len(t, witness[1], 33)
	require.Empty(t, authored.Tx.TxIn[0].SignatureScript)
}

func TestSendTransactionRequiresSync(t *testing.T) {
	w, store := newTestWallet(t)
	_, err := w.CreateWallet(testPass)
	require.NoError(t, err)
	fundWallet(t, w, store, 1e8)

	output := wire.NewTxOut(5e7, make([]byte, 22))
	_, err = w.SendTransaction([]*wire.TxOut{output}, 1000)
	require.ErrorIs(t, err, ErrNoSyncManager)
}

func TestSignLockedWallet(t *testing.T) {
	w, store := newTestWallet(t)
	_, err := w.CreateWallet(testPass)
	require.NoError(t, err)
	fundWallet(t, w, store, 1e8)
	w.Lock()

	output := wire.NewTxOut(5e7, make([]byte, 22))
	_, err = w.authorTransaction([]*wire.TxOut{output}, 1000, false)
	require.ErrorIs(t, err, ErrLocked)
}
