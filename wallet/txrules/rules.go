// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txrules provides transaction standardness and relay policy rules.
// All amounts are in satoshis.
package txrules

import (
	"errors"

	"github.com/btcsuite/spvwallet/wire"
)

// DefaultRelayFeePerKb is the default minimum relay fee policy for a
// mempool, in satoshis per 1000 vbytes.
const DefaultRelayFeePerKb int64 = 1000

// DustThreshold is the output value below which a standard P2PKH output is
// considered dust under the default relay policy.
const DustThreshold int64 = 546

// GetDustThreshold is used to define the amount below which output will be
// determined as dust, given the size of the input which redeems it.
func GetDustThreshold(scriptSize int, relayFeePerKb int64) int64 {
	// Calculate the total (estimated) cost to the network.  This is
	// calculated using the serialize size of the output plus the serial
	// size of a transaction input which redeems it.  The output is assumed
	// to be compressed P2PKH as this is the most common script type.  Use
	// the average size of a compressed P2PKH redeem input (148) rather
	// than the largest possible.
	totalSize := 8 + wire.VarIntSerializeSize(uint64(scriptSize)) +
		scriptSize + 148

	// Dust is defined as an output value where the total cost to the
	// network (output size + input size) is greater than 1/3 of the relay
	// fee.
	return 3 * int64(totalSize) * relayFeePerKb / 1000
}

// IsDustAmount determines whether a transaction output value and script
// length would cause the output to be considered dust.  Transactions with
// dust outputs are not standard and are rejected by mempools with default
// policies.
func IsDustAmount(amount int64, scriptSize int, relayFeePerKb int64) bool {
	return amount < GetDustThreshold(scriptSize, relayFeePerKb)
}

// IsDustOutput determines whether a transaction output is considered dust.
// Transactions with dust outputs are not standard and are rejected by
// mempools with default policies.
func IsDustOutput(output *wire.TxOut, relayFeePerKb int64) bool {
	return IsDustAmount(output.Value, len(output.PkScript), relayFeePerKb)
}

// Transaction rule violations.
var (
	ErrAmountNegative   = errors.New("transaction output amount is negative")
	ErrAmountExceedsMax = errors.New("transaction output amount exceeds maximum value")
	ErrOutputIsDust     = errors.New("transaction output is dust")
)

// CheckOutput performs simple consensus and policy tests on a transaction
// output.
func CheckOutput(output *wire.TxOut, relayFeePerKb int64) error {
	if output.Value < 0 {
		return ErrAmountNegative
	}
	if output.Value > wire.MaxSatoshi {
		return ErrAmountExceedsMax
	}
	if IsDustOutput(output, relayFeePerKb) {
		return ErrOutputIsDust
	}
	return nil
}

// FeeForSerializeSize calculates the required fee for a transaction of some
// arbitrary size given a mempool's relay fee policy.
func FeeForSerializeSize(relayFeePerKb int64, txSerializeSize int) int64 {
	fee := relayFeePerKb * int64(txSerializeSize) / 1000

	if fee == 0 && relayFeePerKb > 0 {
		fee = relayFeePerKb
	}

	if fee < 0 || fee > wire.MaxSatoshi {
		fee = wire.MaxSatoshi
	}

	return fee
}
