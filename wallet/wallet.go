// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet provides the consumer-facing wallet: key management on top
// of BIP32/BIP39/BIP44, address generation, balance and history queries,
// and transaction creation, signing, and broadcast.  Chain state comes from
// the chaindb store kept current by the spvsync sync manager.
package wallet

import (
	"errors"
	"sync"

	"github.com/btcsuite/spvwallet/btcaddr"
	"github.com/btcsuite/spvwallet/chaincfg"
	"github.com/btcsuite/spvwallet/chaindb"
	"github.com/btcsuite/spvwallet/hdkeychain"
	"github.com/btcsuite/spvwallet/internal/zero"
	"github.com/btcsuite/spvwallet/snacl"
	"github.com/btcsuite/spvwallet/spvsync"
	"github.com/btcsuite/spvwallet/walletseed"
)

const (
	// defaultLookahead is the number of addresses past the last used one
	// on each branch whose scripts are registered for filter matching.
	defaultLookahead = 20

	// externalBranch and internalBranch are the BIP44 change field
	// values for receive and change addresses.
	externalBranch uint32 = 0
	internalBranch uint32 = 1

	// bip44Purpose is the BIP43 purpose field for BIP44 derivation.
	bip44Purpose = 44
)

var (
	// ErrWalletExists is returned by CreateWallet and RestoreWallet when
	// the store already holds wallet key material.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrNoWallet is returned by Unlock when no wallet has been created
	// in the store yet.
	ErrNoWallet = errors.New("no wallet exists in this store")

	// ErrLocked is returned by operations that need private key material
	// while the wallet is locked.
	ErrLocked = errors.New("wallet is locked")

	// ErrWrongPassphrase is returned by Unlock when the passphrase does
	// not decrypt the stored seed.
	ErrWrongPassphrase = errors.New("incorrect passphrase")
)

// OutputType selects the kind of output script a new address pays to.
type OutputType int

// These constants define the supported output script kinds.
const (
	// OutputP2WPKH is a pay-to-witness-pubkey-hash (BIP84 style) output.
	OutputP2WPKH OutputType = iota

	// OutputP2PKH is a legacy pay-to-pubkey-hash output.
	OutputP2PKH
)

// String returns the OutputType in human-readable form.
func (ot OutputType) String() string {
	switch ot {
	case OutputP2WPKH:
		return "p2wpkh"
	case OutputP2PKH:
		return "p2pkh"
	}
	return "unknown"
}

// Config is the wallet configuration.
type Config struct {
	// Store holds chain and wallet state.
	Store *chaindb.Store

	// ChainParams identifies the network the wallet operates on.
	ChainParams *chaincfg.Params

	// Sync broadcasts transactions and registers watched scripts while
	// running.  It may be nil for offline use; watch scripts are then
	// registered directly with the store.
	Sync *spvsync.SyncManager

	// Lookahead overrides the number of future addresses watched on each
	// branch.  Zero selects the default.
	Lookahead uint32
}

// keyPath locates a private key within the BIP44 account.
type keyPath struct {
	branch uint32
	index  uint32
}

// Wallet is a BIP44 wallet backed by a chain store.  Private key material
// only exists in memory while the wallet is unlocked.
type Wallet struct {
	cfg    Config
	params *chaincfg.Params

	mtx      sync.Mutex
	acctKey  *hdkeychain.ExtendedKey // m/44'/coin'/0', nil while locked
	extIndex uint32                  // next unused external child index
	intIndex uint32                  // next unused internal child index

	// paths maps a pubkey hash160 to its derivation path so the secrets
	// source can re-derive private keys during signing.
	paths map[[20]byte]keyPath
}

// New returns a wallet bound to the given store.  The wallet starts locked;
// use CreateWallet, RestoreWallet, or Unlock before requesting addresses or
// spending.
func New(cfg Config) *Wallet {
	if cfg.Lookahead == 0 {
		cfg.Lookahead = defaultLookahead
	}
	return &Wallet{
		cfg:    cfg,
		params: cfg.ChainParams,
		paths:  make(map[[20]byte]keyPath),
	}
}

// Exists reports whether the store already holds wallet key material.
func (w *Wallet) Exists() (bool, error) {
	blob, err := w.cfg.Store.EncryptedSeed()
	if err != nil {
		return false, err
	}
	return blob != nil, nil
}

// CreateWallet generates a new random seed, encrypts it under the
// passphrase, stores it, and returns the BIP39 mnemonic encoding the seed
// source entropy.  The mnemonic is the only backup; it is never stored.
// The wallet is left unlocked.
func (w *Wallet) CreateWallet(passphrase []byte) (string, error) {
	exists, err := w.Exists()
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrWalletExists
	}

	mnemonic, err := walletseed.NewMnemonic()
	if err != nil {
		return "", err
	}
	if err := w.initFromMnemonic(mnemonic, passphrase); err != nil {
		return "", err
	}
	log.Info("Created new wallet")
	return mnemonic, nil
}

// RestoreWallet recreates wallet key material from an existing BIP39
// mnemonic, encrypts the derived seed under the passphrase, and stores it.
// The wallet is left unlocked.  Recovering funds additionally requires a
// rescan, which the caller drives through the sync manager.
func (w *Wallet) RestoreWallet(mnemonic string, passphrase []byte) error {
	exists, err := w.Exists()
	if err != nil {
		return err
	}
	if exists {
		return ErrWalletExists
	}

	if err := walletseed.ValidateMnemonic(mnemonic); err != nil {
		return err
	}
	if err := w.initFromMnemonic(mnemonic, passphrase); err != nil {
		return err
	}
	log.Info("Restored wallet from mnemonic")
	return nil
}

// initFromMnemonic derives the seed, stores it encrypted, and unlocks the
// in-memory key material.
func (w *Wallet) initFromMnemonic(mnemonic string, passphrase []byte) error {
	seed, err := walletseed.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return err
	}
	defer zero.Bytes(seed)

	sk, err := snacl.NewSecretKey(&passphrase, snacl.DefaultN,
		snacl.DefaultR, snacl.DefaultP)
	if err != nil {
		return err
	}
	defer sk.Zero()

	encSeed, err := sk.Encrypt(seed)
	if err != nil {
		return err
	}

	// The stored blob is the marshalled scrypt parameters followed by
	// the secretbox ciphertext; the parameter length is fixed.
	blob := append(sk.Marshal(), encSeed...)
	if err := w.cfg.Store.PutEncryptedSeed(blob); err != nil {
		return err
	}

	return w.unlockWithSeed(seed)
}

// Unlock decrypts the stored seed with the passphrase and derives the
// in-memory account key.  The watched script set is extended to cover the
// lookahead window of both branches.
func (w *Wallet) Unlock(passphrase []byte) error {
	blob, err := w.cfg.Store.EncryptedSeed()
	if err != nil {
		return err
	}
	if blob == nil {
		return ErrNoWallet
	}

	paramsLen := len((&snacl.SecretKey{
		Key: new(snacl.CryptoKey),
	}).Marshal())
	if len(blob) <= paramsLen {
		return errors.New("stored seed blob is malformed")
	}

	var sk snacl.SecretKey
	if err := sk.Unmarshal(blob[:paramsLen]); err != nil {
		return err
	}
	defer sk.Zero()
	if err := sk.DeriveKey(&passphrase); err != nil {
		if err == snacl.ErrInvalidPassword {
			return ErrWrongPassphrase
		}
		return err
	}

	seed, err := sk.Decrypt(blob[paramsLen:])
	if err != nil {
		return err
	}
	defer zero.Bytes(seed)

	return w.unlockWithSeed(seed)
}

// unlockWithSeed derives the BIP44 account key from the seed and registers
// the lookahead window.
func (w *Wallet) unlockWithSeed(seed []byte) error {
	master, err := hdkeychain.NewMaster(seed, w.params)
	if err != nil {
		return err
	}
	defer master.Zero()

	// m/44'/coin'/0'
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + bip44Purpose)
	if err != nil {
		return err
	}
	defer purpose.Zero()
	coin, err := purpose.Derive(hdkeychain.HardenedKeyStart +
		w.params.HDCoinType)
	if err != nil {
		return err
	}
	defer coin.Zero()
	acct, err := coin.Derive(hdkeychain.HardenedKeyStart)
	if err != nil {
		return err
	}

	extIndex, intIndex, err := w.cfg.Store.AddressIndexes()
	if err != nil {
		acct.Zero()
		return err
	}

	w.mtx.Lock()
	if w.acctKey != nil {
		w.acctKey.Zero()
	}
	w.acctKey = acct
	w.extIndex = extIndex
	w.intIndex = intIndex
	w.mtx.Unlock()

	return w.extendLookahead()
}

// Lock removes all private key material from memory.
func (w *Wallet) Lock() {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.acctKey != nil {
		w.acctKey.Zero()
		w.acctKey = nil
	}
	for k := range w.paths {
		delete(w.paths, k)
	}
	log.Info("Wallet locked")
}

// Locked reports whether private key material is absent from memory.
func (w *Wallet) Locked() bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.acctKey == nil
}

// branchKey derives the non-hardened branch key under the account.
func (w *Wallet) branchKey(branch uint32) (*hdkeychain.ExtendedKey, error) {
	if w.acctKey == nil {
		return nil, ErrLocked
	}
	return w.acctKey.Derive(branch)
}

// childScripts returns both the P2PKH and P2WPKH scripts paying to the
// given child key, recording its derivation path for later signing.
func (w *Wallet) childScripts(branchKey *hdkeychain.ExtendedKey, branch,
	index uint32) ([][]byte, error) {

	child, err := branchKey.Derive(index)
	if err != nil {
		return nil, err
	}
	defer child.Zero()

	pubKey, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}
	pkHash := btcaddr.Hash160(pubKey.SerializeCompressed())

	var key [20]byte
	copy(key[:], pkHash)
	w.mtx.Lock()
	w.paths[key] = keyPath{branch: branch, index: index}
	w.mtx.Unlock()

	p2pkh, err := btcaddr.NewPubKeyHash(pkHash, w.params)
	if err != nil {
		return nil, err
	}
	p2wpkh, err := btcaddr.NewWitnessPubKeyHash(pkHash, w.params)
	if err != nil {
		return nil, err
	}

	p2pkhScript, err := btcaddr.PayToAddrScript(p2pkh)
	if err != nil {
		return nil, err
	}
	p2wpkhScript, err := btcaddr.PayToAddrScript(p2wpkh)
	if err != nil {
		return nil, err
	}
	return [][]byte{p2pkhScript, p2wpkhScript}, nil
}

// extendLookahead registers watch scripts for every address up to the
// lookahead window past the next unused index on both branches.  Both
// script forms are watched since the output type is chosen per address.
func (w *Wallet) extendLookahead() error {
	w.mtx.Lock()
	extIndex, intIndex := w.extIndex, w.intIndex
	w.mtx.Unlock()

	var scripts [][]byte
	for _, b := range []struct {
		branch uint32
		limit  uint32
	}{
		{externalBranch, extIndex + w.cfg.Lookahead},
		{internalBranch, intIndex + w.cfg.Lookahead},
	} {
		w.mtx.Lock()
		branchKey, err := w.branchKey(b.branch)
		w.mtx.Unlock()
		if err != nil {
			return err
		}
		for index := uint32(0); index < b.limit; index++ {
			childScripts, err := w.childScripts(branchKey, b.branch,
				index)
			if err != nil {
				branchKey.Zero()
				return err
			}
			scripts = append(scripts, childScripts...)
		}
		branchKey.Zero()
	}

	return w.registerWatchScripts(scripts, false)
}

// registerWatchScripts adds the scripts to the watched set, going through
// the sync manager when it is running so matching can pick them up.
func (w *Wallet) registerWatchScripts(scripts [][]byte, rescan bool) error {
	if w.cfg.Sync != nil {
		err := w.cfg.Sync.AddWatchScripts(scripts, rescan)
		if err != spvsync.ErrShutdown {
			return err
		}
	}
	for _, script := range scripts {
		if err := w.cfg.Store.AddWatchScript(script); err != nil {
			return err
		}
	}
	return nil
}

// newAddress derives the next address on the given branch, persists the
// advanced index, and extends the watch lookahead.
func (w *Wallet) newAddress(branch uint32, outputType OutputType) (btcaddr.Address, error) {
	w.mtx.Lock()
	branchKey, err := w.branchKey(branch)
	if err != nil {
		w.mtx.Unlock()
		return nil, err
	}
	var index uint32
	if branch == externalBranch {
		index = w.extIndex
		w.extIndex++
	} else {
		index = w.intIndex
		w.intIndex++
	}
	extIndex, intIndex := w.extIndex, w.intIndex
	w.mtx.Unlock()
	defer branchKey.Zero()

	child, err := branchKey.Derive(index)
	if err != nil {
		return nil, err
	}
	defer child.Zero()

	var addr btcaddr.Address
	switch outputType {
	case OutputP2WPKH:
		addr, err = child.WitnessAddress(w.params)
	case OutputP2PKH:
		addr, err = child.Address(w.params)
	default:
		return nil, errors.New("unsupported output type")
	}
	if err != nil {
		return nil, err
	}

	if err := w.cfg.Store.PutAddressIndexes(extIndex, intIndex); err != nil {
		return nil, err
	}

	// Watch the scripts for the window that just advanced.
	scripts, err := w.childScripts(branchKey, branch,
		index+w.cfg.Lookahead)
	if err != nil {
		return nil, err
	}
	if err := w.registerWatchScripts(scripts, false); err != nil {
		return nil, err
	}

	log.Debugf("Derived new %v address %v (branch %d index %d)",
		outputType, addr, branch, index)
	return addr, nil
}

// NewReceiveAddress returns the next unused external address paying to the
// requested output type.
func (w *Wallet) NewReceiveAddress(outputType OutputType) (btcaddr.Address, error) {
	return w.newAddress(externalBranch, outputType)
}

// NewChangeAddress returns the next unused internal address.  Change always
// pays to a P2WPKH output.
func (w *Wallet) NewChangeAddress() (btcaddr.Address, error) {
	return w.newAddress(internalBranch, OutputP2WPKH)
}

// Balance returns the total value of unspent outputs with at least minConf
// confirmations, in satoshis.
func (w *Wallet) Balance(minConf uint32) (int64, error) {
	_, tipHeight, _, err := w.cfg.Store.ChainTip()
	if err != nil {
		return 0, err
	}
	return w.cfg.Store.Balance(minConf, tipHeight)
}

// ListTransactions returns the wallet's transaction history, newest first,
// with skip/limit pagination.  A limit of zero returns everything.
func (w *Wallet) ListTransactions(limit, skip int) ([]*chaindb.TxRecord, error) {
	return w.cfg.Store.Transactions(limit, skip)
}
