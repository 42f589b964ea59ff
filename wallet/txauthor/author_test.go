// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txauthor

import (
	"bytes"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/btcsuite/spvwallet/btcaddr"
	"github.com/btcsuite/spvwallet/chaincfg"
	"github.com/btcsuite/spvwallet/wallet/txrules"
	"github.com/btcsuite/spvwallet/wallet/txsizes"
	"github.com/btcsuite/spvwallet/wire"
)

func p2pkhOutputs(amounts ...int64) []*wire.TxOut {
	v := make([]*wire.TxOut, 0, len(amounts))
	for _, a := range amounts {
		outScript := make([]byte, txsizes.P2PKHPkScriptSize)
		outScript[0] = btcaddr.OpDup
		outScript[1] = btcaddr.OpHash160
		outScript[2] = btcaddr.OpData20
		outScript[23] = btcaddr.OpEqualVerify
		outScript[24] = btcaddr.OpCheckSig
		v = append(v, wire.NewTxOut(a, outScript))
	}
	return v
}

// makeInputSource returns an input source that yields the passed unspent
// output values, paying to P2PKH scripts, in order until the target is met.
func makeInputSource(unspents []int64) InputSource {
	// Return outputs in order.
	currentTotal := int64(0)
	currentInputs := make([]*wire.TxIn, 0, len(unspents))
	currentInputValues := make([]int64, 0, len(unspents))
	currentScripts := make([][]byte, 0, len(unspents))
	f := func(target int64) (int64, []*wire.TxIn, []int64, [][]byte, error) {
		for currentTotal < target && len(unspents) != 0 {
			u := unspents[0]
			unspents = unspents[1:]
			nextInput := wire.NewTxIn(&wire.OutPoint{}, nil, nil)
			currentTotal += u
			currentInputs = append(currentInputs, nextInput)
			currentInputValues = append(currentInputValues, u)
			currentScripts = append(currentScripts,
				p2pkhOutputs(0)[0].PkScript)
		}
		return currentTotal, currentInputs, currentInputValues,
			currentScripts, nil
	}
	return InputSource(f)
}

func testChangeSource() *ChangeSource {
	return &ChangeSource{
		NewScript: func() ([]byte, error) {
			return p2pkhOutputs(0)[0].PkScript, nil
		},
		ScriptSize: txsizes.P2PKHPkScriptSize,
	}
}

// TestNewUnsignedTransaction exercises coin selection, fee calculation, and
// change handling over a table of scenarios.
func TestNewUnsignedTransaction(t *testing.T) {
	tests := []struct {
		UnspentOutputs   []int64
		Outputs          []*wire.TxOut
		RelayFee         int64
		ExpectedChange   bool
		InputSourceError bool
	}{
		// Spend exactly what is available: no fee headroom.
		{
			UnspentOutputs:   []int64{1e8},
			Outputs:          p2pkhOutputs(1e8),
			RelayFee:         1e3,
			InputSourceError: true,
		},
		// Typical send with change.
		{
			UnspentOutputs: []int64{100000, 50000},
			Outputs:        p2pkhOutputs(120000),
			RelayFee:       1e3,
			ExpectedChange: true,
		},
		// Output + fee leaves a leftover below dust: absorbed as fee.
		{
			UnspentOutputs: []int64{1e8},
			Outputs:        p2pkhOutputs(1e8 - 600),
			RelayFee:       1e3,
			ExpectedChange: false,
		},
		// Large leftover becomes change.
		{
			UnspentOutputs: []int64{1e8},
			Outputs:        p2pkhOutputs(1e6),
			RelayFee:       1e3,
			ExpectedChange: true,
		},
		// Two outputs funded by two inputs.
		{
			UnspentOutputs: []int64{1e8, 1e8},
			Outputs:        p2pkhOutputs(1e8, 5e7),
			RelayFee:       1e3,
			ExpectedChange: true,
		},
		// Not enough funds at all.
		{
			UnspentOutputs:   []int64{1000},
			Outputs:          p2pkhOutputs(1e6),
			RelayFee:         1e3,
			InputSourceError: true,
		},
	}

	for i, test := range tests {
		inputSource := makeInputSource(test.UnspentOutputs)
		tx, err := NewUnsignedTransaction(test.Outputs, test.RelayFee,
			inputSource, testChangeSource())
		if test.InputSourceError {
			var insufficient InsufficientFundsError
			require.ErrorAs(t, err, &insufficient, "test %d", i)
			continue
		}
		require.NoError(t, err, "test %d", i)

		if test.ExpectedChange {
			require.GreaterOrEqual(t, tx.ChangeIndex, 0, "test %d", i)
		} else {
			require.Negative(t, tx.ChangeIndex, "test %d", i)
		}

		// Inputs must cover outputs plus the implied fee, and the fee
		// must meet the relay rate for the worst case signed size.
		outputSum := SumOutputValues(tx.Tx.TxOut)
		fee := tx.TotalInput - outputSum
		require.Positive(t, fee, "test %d", i)

		maxSize := txsizes.EstimateVirtualSize(len(tx.Tx.TxIn), 0,
			test.Outputs, txsizes.P2PKHPkScriptSize)
		require.GreaterOrEqual(t, fee,
			txrules.FeeForSerializeSize(test.RelayFee, maxSize)-
				txrules.FeeForSerializeSize(test.RelayFee, txsizes.P2PKHOutputSize),
			"test %d: fee below relay minimum", i)

		if tx.ChangeIndex >= 0 {
			change := tx.Tx.TxOut[tx.ChangeIndex]
			require.False(t, txrules.IsDustOutput(change,
				txrules.DefaultRelayFeePerKb), "test %d", i)
		}
	}
}

// secretsStore maps addresses to private keys for signing tests.
type secretsStore struct {
	params *chaincfg.Params
	keys   map[string]*secp256k1.PrivateKey
}

func (s *secretsStore) GetKey(addr btcaddr.Address) (*secp256k1.PrivateKey, bool, error) {
	key, ok := s.keys[addr.EncodeAddress()]
	if !ok {
		return nil, false, &missingKeyError{}
	}
	return key, true, nil
}

func (s *secretsStore) ChainParams() *chaincfg.Params {
	return s.params
}

type missingKeyError struct{}

func (*missingKeyError) Error() string { return "no key for address" }

// TestAddAllInputScripts signs both P2PKH and P2WPKH inputs and verifies the
// script and witness structure along with RFC6979 determinism.
func TestAddAllInputScripts(t *testing.T) {
	params := &chaincfg.MainNetParams
	privKey := secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{0x2a}, 32))
	pubKey := privKey.PubKey().SerializeCompressed()
	pkHash := btcaddr.Hash160(pubKey)

	p2pkhAddr, err := btcaddr.NewPubKeyHash(pkHash, params)
	require.NoError(t, err)
	p2pkhScript, err := btcaddr.PayToAddrScript(p2pkhAddr)
	require.NoError(t, err)

	p2wpkhAddr, err := btcaddr.NewWitnessPubKeyHash(pkHash, params)
	require.NoError(t, err)
	p2wpkhScript, err := btcaddr.PayToAddrScript(p2wpkhAddr)
	require.NoError(t, err)

	secrets := &secretsStore{
		params: params,
		keys: map[string]*secp256k1.PrivateKey{
			p2pkhAddr.EncodeAddress():  privKey,
			p2wpkhAddr.EncodeAddress(): privKey,
		},
	}

	prevHash, _ := wire.NewHashFromStr("f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16")
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, 0), nil, nil))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, 1), nil, nil))
	tx.AddTxOut(wire.NewTxOut(90000, p2pkhScript))

	prevScripts := [][]byte{p2pkhScript, p2wpkhScript}
	inputValues := []int64{60000, 50000}

	require.NoError(t, AddAllInputScripts(tx, prevScripts, inputValues, secrets))

	// P2PKH input: scriptSig is push(sig) push(pubkey), no witness.
	sigScript := tx.TxIn[0].SignatureScript
	require.NotEmpty(t, sigScript)
	sigLen := int(sigScript[0])
	require.Equal(t, byte(SigHashAll), sigScript[sigLen])
	require.Equal(t, pubKey, sigScript[len(sigScript)-33:])
	require.Empty(t, tx.TxIn[0].Witness)

	// P2WPKH input: empty scriptSig, two item witness of [sig, pubkey].
	require.Empty(t, tx.TxIn[1].SignatureScript)
	require.Len(t, tx.TxIn[1].Witness, 2)
	witSig := tx.TxIn[1].Witness[0]
	require.Equal(t, byte(SigHashAll), witSig[len(witSig)-1])
	require.Equal(t, pubKey, tx.TxIn[1].Witness[1])

	// Deterministic signatures: signing an identical transaction again
	// yields identical scripts.
	tx2 := wire.NewMsgTx(wire.TxVersion)
	tx2.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, 0), nil, nil))
	tx2.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, 1), nil, nil))
	tx2.AddTxOut(wire.NewTxOut(90000, p2pkhScript))
	require.NoError(t, AddAllInputScripts(tx2, prevScripts, inputValues, secrets))
	require.Equal(t, tx.TxIn[0].SignatureScript, tx2.TxIn[0].SignatureScript)
	require.Equal(t, tx.TxIn[1].Witness, tx2.TxIn[1].Witness)

	// Unknown script types must be rejected.
	tx3 := wire.NewMsgTx(wire.TxVersion)
	tx3.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, 0), nil, nil))
	err = AddAllInputScripts(tx3, [][]byte{{0x6a}}, []int64{1}, secrets)
	require.Error(t, err)
}

// TestUnsignedTransactionSignedSize authors and signs a transaction and
// checks the final size does not exceed the worst case estimate used for
// fees.
func TestUnsignedTransactionSignedSize(t *testing.T) {
	params := &chaincfg.MainNetParams
	privKey := secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{0x11}, 32))
	pkHash := btcaddr.Hash160(privKey.PubKey().SerializeCompressed())
	addr, err := btcaddr.NewPubKeyHash(pkHash, params)
	require.NoError(t, err)
	script, err := btcaddr.PayToAddrScript(addr)
	require.NoError(t, err)

	secrets := &secretsStore{
		params: params,
		keys:   map[string]*secp256k1.PrivateKey{addr.EncodeAddress(): privKey},
	}

	unspents := []int64{100000, 50000}
	currentTotal := int64(0)
	var inputs []*wire.TxIn
	var values []int64
	var scripts [][]byte
	inputSource := func(target int64) (int64, []*wire.TxIn, []int64, [][]byte, error) {
		for currentTotal < target && len(unspents) != 0 {
			u := unspents[0]
			unspents = unspents[1:]
			inputs = append(inputs, wire.NewTxIn(&wire.OutPoint{Index: uint32(len(inputs))}, nil, nil))
			values = append(values, u)
			scripts = append(scripts, script)
			currentTotal += u
		}
		return currentTotal, inputs, values, scripts, nil
	}

	atx, err := NewUnsignedTransaction(p2pkhOutputs(120000), 1000,
		InputSource(inputSource), testChangeSource())
	require.NoError(t, err)
	require.NoError(t, atx.AddAllInputScripts(secrets))

	estimate := txsizes.EstimateVirtualSize(len(atx.Tx.TxIn), 0,
		p2pkhOutputs(120000), txsizes.P2PKHPkScriptSize)
	require.LessOrEqual(t, atx.Tx.SerializeSize(), estimate)
}
