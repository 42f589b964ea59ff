// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletseed

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSeedFromMnemonicVector tests seed derivation against the standard
// BIP0039 reference vector for the all-"abandon" phrase.
func TestSeedFromMnemonicVector(t *testing.T) {
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon " +
		"abandon abandon abandon abandon about"

	seed, err := SeedFromMnemonic(mnemonic, "TREZOR")
	require.NoError(t, err)

	want := "c55257c360c07c72029aebc1b53c05ed0362ada38ead3e3e9efa3708e534" +
		"95531f09a6987599d18264c1e1c92f2cf141630c7a3c4ab7c81b2f001698e7463b04"
	require.Equal(t, want, hex.EncodeToString(seed))
	require.Len(t, seed, 64)
}

// TestMnemonicValidation exercises rejection of malformed phrases.
func TestMnemonicValidation(t *testing.T) {
	// Wrong word.
	bad := "abandon abandon abandon abandon abandon abandon abandon " +
		"abandon abandon abandon abandon banana"
	_, err := SeedFromMnemonic(bad, "")
	require.ErrorIs(t, err, ErrInvalidMnemonic)
	require.ErrorIs(t, ValidateMnemonic(bad), ErrInvalidMnemonic)

	// Bad checksum: all "abandon" without the closing "about".
	badChecksum := strings.TrimSpace(strings.Repeat("abandon ", 12))
	_, err = SeedFromMnemonic(badChecksum, "")
	require.ErrorIs(t, err, ErrInvalidMnemonic)

	require.ErrorIs(t, ValidateMnemonic(""), ErrInvalidMnemonic)
}

// TestNewMnemonic checks generated phrases are valid and 24 words long.
func TestNewMnemonic(t *testing.T) {
	mnemonic, err := NewMnemonic()
	require.NoError(t, err)
	require.Len(t, strings.Fields(mnemonic), 24)
	require.NoError(t, ValidateMnemonic(mnemonic))

	// Two generated phrases must differ.
	other, err := NewMnemonic()
	require.NoError(t, err)
	require.NotEqual(t, mnemonic, other)

	// The same mnemonic with different passphrases yields different seeds.
	a, err := SeedFromMnemonic(mnemonic, "")
	require.NoError(t, err)
	b, err := SeedFromMnemonic(mnemonic, "pass")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
