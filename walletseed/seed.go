// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package walletseed provides BIP0039 mnemonic encoding of wallet seeds.
package walletseed

import (
	"errors"

	"github.com/tyler-smith/go-bip39"
)

// ErrInvalidMnemonic describes an error in which a mnemonic phrase fails the
// BIP0039 wordlist or checksum validation.
var ErrInvalidMnemonic = errors.New("invalid mnemonic phrase")

// EntropyBits is the entropy size in bits used for newly generated wallet
// mnemonics.  256 bits yields a 24 word phrase.
const EntropyBits = 256

// NewMnemonic generates a fresh random mnemonic phrase with EntropyBits of
// entropy.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(EntropyBits)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// SeedFromMnemonic derives the 64 byte wallet seed from a mnemonic phrase
// and optional passphrase, validating the phrase against the BIP0039 english
// wordlist and checksum first.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
}

// ValidateMnemonic returns ErrInvalidMnemonic when the phrase is not a valid
// BIP0039 mnemonic.
func ValidateMnemonic(mnemonic string) error {
	if !bip39.IsMnemonicValid(mnemonic) {
		return ErrInvalidMnemonic
	}
	return nil
}
