// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txauthor provides transaction creation code for wallets.
package txauthor

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/btcsuite/spvwallet/btcaddr"
	"github.com/btcsuite/spvwallet/chaincfg"
	"github.com/btcsuite/spvwallet/wallet/txrules"
	"github.com/btcsuite/spvwallet/wallet/txsizes"
	"github.com/btcsuite/spvwallet/wire"
)

// SumOutputValues sums up the list of TxOuts and returns the total amount in
// satoshis.
func SumOutputValues(outputs []*wire.TxOut) (totalOutput int64) {
	for _, txOut := range outputs {
		totalOutput += txOut.Value
	}
	return totalOutput
}

// InputSource provides transaction inputs referencing spendable outputs to
// construct a transaction outputting some target amount.  If the target
// amount can not be satisfied, this can be signaled by returning a total
// amount less than the target or by returning a more detailed error
// implementing InputSourceError.
type InputSource func(target int64) (total int64, inputs []*wire.TxIn,
	inputValues []int64, scripts [][]byte, err error)

// InputSourceError describes the failure to provide enough input value from
// unspent transaction outputs to meet a target amount.  A typed error is
// used so input sources can provide their own implementations describing the
// reason for the error, for example, due to spendable policies or locked
// coins rather than the wallet not having enough available input value.
type InputSourceError interface {
	error
	InputSourceError()
}

// InsufficientFundsError is the default implementation of
// InputSourceError.
type InsufficientFundsError struct{}

// InputSourceError generates the InputSourceError interface for an
// InsufficientFundsError.
func (InsufficientFundsError) InputSourceError() {}

// Error satisfies the error interface.
func (InsufficientFundsError) Error() string {
	return "insufficient funds available to construct transaction"
}

// AuthoredTx holds the state of a newly-created transaction and the change
// output (if one was added).
type AuthoredTx struct {
	Tx              *wire.MsgTx
	PrevScripts     [][]byte
	PrevInputValues []int64
	TotalInput      int64
	ChangeIndex     int // negative if no change
}

// ChangeSource provides change output scripts for transaction creation.
type ChangeSource struct {
	// NewScript is a closure that produces unique change output scripts
	// per invocation.
	NewScript func() ([]byte, error)

	// ScriptSize is the size in bytes of scripts produced by NewScript.
	ScriptSize int
}

// NewUnsignedTransaction creates an unsigned transaction paying to one or
// more non-change outputs.  An appropriate transaction fee is included based
// on the transaction virtual size and the given fee rate, in satoshis per
// 1000 vbytes.
//
// Transaction inputs are chosen by repeatedly evaluating the function
// fetchInputs with increasing targets until the returned input value covers
// the output total plus the fee for the current estimated size.
//
// If any remaining output value can be returned to the wallet via a change
// output without violating mempool dust rules, a change output with the
// change source's script is appended.  Otherwise the leftover value is added
// to the transaction fee.
//
// If successful, the transaction, total input value spent, and all previous
// output scripts are returned.  If the input source was unable to provide
// enough input value to pay for every output and any necessary fees, an
// InputSourceError is returned.
func NewUnsignedTransaction(outputs []*wire.TxOut, feeRatePerKb int64,
	fetchInputs InputSource, changeSource *ChangeSource) (*AuthoredTx, error) {

	targetAmount := SumOutputValues(outputs)
	estimatedSize := txsizes.EstimateVirtualSize(0, 1, outputs,
		changeSource.ScriptSize)
	targetFee := txrules.FeeForSerializeSize(feeRatePerKb, estimatedSize)

	for {
		inputAmount, inputs, inputValues, scripts, err := fetchInputs(
			targetAmount + targetFee)
		if err != nil {
			return nil, err
		}
		if inputAmount < targetAmount+targetFee {
			return nil, InsufficientFundsError{}
		}

		// We count the types of inputs, which we'll use to estimate
		// the vsize of the transaction.
		var numP2PKH, numP2WPKH int
		for _, pkScript := range scripts {
			switch {
			case btcaddr.IsPayToWitnessPubKeyHash(pkScript):
				numP2WPKH++
			default:
				numP2PKH++
			}
		}

		maxSignedSize := txsizes.EstimateVirtualSize(numP2PKH,
			numP2WPKH, outputs, changeSource.ScriptSize)
		maxRequiredFee := txrules.FeeForSerializeSize(feeRatePerKb,
			maxSignedSize)
		remainingAmount := inputAmount - targetAmount
		if remainingAmount < maxRequiredFee {
			targetFee = maxRequiredFee
			continue
		}

		unsignedTransaction := &wire.MsgTx{
			Version:  wire.TxVersion,
			TxIn:     inputs,
			TxOut:    outputs,
			LockTime: 0,
		}

		changeIndex := -1
		changeAmount := inputAmount - targetAmount - maxRequiredFee
		if changeAmount != 0 && !txrules.IsDustAmount(changeAmount,
			changeSource.ScriptSize, txrules.DefaultRelayFeePerKb) {

			changeScript, err := changeSource.NewScript()
			if err != nil {
				return nil, err
			}
			change := wire.NewTxOut(changeAmount, changeScript)
			l := len(outputs)
			unsignedTransaction.TxOut = append(outputs[:l:l], change)
			changeIndex = l
		}

		return &AuthoredTx{
			Tx:              unsignedTransaction,
			PrevScripts:     scripts,
			PrevInputValues: inputValues,
			TotalInput:      inputAmount,
			ChangeIndex:     changeIndex,
		}, nil
	}
}

// SecretsSource provides private keys necessary for constructing transaction
// input signatures.  Secrets are looked up by the corresponding Address for
// the previous output script.  Addresses for lookup are created using the
// source's blockchain parameters, which means a single SecretsSource can
// only manage secrets for a single chain.
type SecretsSource interface {
	// GetKey returns the private key for the given address along with
	// whether the corresponding public key is compressed.
	GetKey(btcaddr.Address) (*secp256k1.PrivateKey, bool, error)

	// ChainParams returns the network parameters the addresses belong to.
	ChainParams() *chaincfg.Params
}

// AddAllInputScripts modifies a transaction by adding input scripts for each
// input.  Previous output scripts being redeemed by each input are passed in
// prevPkScripts and the slice length must match the number of inputs.
// Private keys are looked up using a SecretsSource based on the previous
// output script.
func AddAllInputScripts(tx *wire.MsgTx, prevPkScripts [][]byte,
	inputValues []int64, secrets SecretsSource) error {

	inputs := tx.TxIn
	chainParams := secrets.ChainParams()

	if len(inputs) != len(prevPkScripts) {
		return errors.New("tx.TxIn and prevPkScripts slices must have " +
			"equal length")
	}
	if len(inputs) != len(inputValues) {
		return errors.New("tx.TxIn and inputValues slices must have " +
			"equal length")
	}

	// The BIP0143 intermediate hashes are shared by every witness input.
	// They commit to outputs and prevouts, so they must be computed after
	// any change output has been added and before any signing happens.
	var hashCache *sigHashes

	for i := range inputs {
		pkScript := prevPkScripts[i]

		switch {
		case btcaddr.IsPayToWitnessPubKeyHash(pkScript):
			if hashCache == nil {
				hashCache = newSigHashes(tx)
			}
			err := spendWitnessKeyHash(inputs[i], pkScript,
				inputValues[i], chainParams, secrets, tx,
				hashCache, i)
			if err != nil {
				return err
			}

		case btcaddr.IsPayToPubKeyHash(pkScript):
			err := spendPubKeyHash(inputs[i], pkScript, chainParams,
				secrets, tx, i)
			if err != nil {
				return err
			}

		default:
			return errors.New("spending a non-standard previous " +
				"output script is not supported")
		}
	}

	return nil
}

// spendPubKeyHash generates and sets a valid signature script for spending
// the passed P2PKH output script.
func spendPubKeyHash(txIn *wire.TxIn, pkScript []byte,
	chainParams *chaincfg.Params, secrets SecretsSource, tx *wire.MsgTx,
	idx int) error {

	// Look up the key pair for the address the previous output pays to.
	_, addr, err := btcaddr.ExtractPkScriptAddr(pkScript, chainParams)
	if err != nil {
		return err
	}
	privKey, compressed, err := secrets.GetKey(addr)
	if err != nil {
		return err
	}

	sigScript, err := SignatureScript(tx, idx, pkScript, SigHashAll,
		privKey, compressed)
	if err != nil {
		return err
	}
	txIn.SignatureScript = sigScript

	return nil
}

// spendWitnessKeyHash generates and sets a valid witness for spending the
// passed P2WPKH output script with the specified input amount.  The input
// amount *must* correspond to the output value of the previous pkScript, or
// else verification will fail since the sighash digest algorithm defined in
// BIP0143 includes the input value in the sighash.
func spendWitnessKeyHash(txIn *wire.TxIn, pkScript []byte, inputValue int64,
	chainParams *chaincfg.Params, secrets SecretsSource, tx *wire.MsgTx,
	hashCache *sigHashes, idx int) error {

	// First obtain the key pair associated with this P2WPKH address.
	_, addr, err := btcaddr.ExtractPkScriptAddr(pkScript, chainParams)
	if err != nil {
		return err
	}
	privKey, _, err := secrets.GetKey(addr)
	if err != nil {
		return err
	}

	// P2WPKH spends always use the compressed pubkey serialization.
	pkHash := btcaddr.Hash160(privKey.PubKey().SerializeCompressed())
	witness, err := WitnessSignature(tx, hashCache, idx, inputValue,
		pkHash, SigHashAll, privKey)
	if err != nil {
		return err
	}
	txIn.Witness = witness

	return nil
}

// AddAllInputScripts modifies an authored transaction by adding input
// scripts for each input of an authored transaction.  Private keys are
// looked up using a SecretsSource based on the previous output script.
func (tx *AuthoredTx) AddAllInputScripts(secrets SecretsSource) error {
	return AddAllInputScripts(tx.Tx, tx.PrevScripts, tx.PrevInputValues,
		secrets)
}
