// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaindb

import (
	"encoding/binary"

	"go.etcd.io/bbolt"
)

var (
	encryptedSeedName = []byte("encseed")
	extIndexName      = []byte("extidx")
	intIndexName      = []byte("intidx")
)

// PutEncryptedSeed stores the wallet's encrypted seed blob.  The blob is
// opaque to the store; callers are responsible for encryption.
func (s *Store) PutEncryptedSeed(blob []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(walletMetaBucketName).Put(encryptedSeedName, blob)
	})
	if err != nil {
		return storeError(ErrDatabase, "failed to store encrypted seed", err)
	}
	return nil
}

// EncryptedSeed returns the stored encrypted seed blob, or nil when no
// wallet has been created in this store.
func (s *Store) EncryptedSeed() ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(walletMetaBucketName).Get(encryptedSeedName)
		if v != nil {
			blob = make([]byte, len(v))
			copy(blob, v)
		}
		return nil
	})
	if err != nil {
		return nil, storeError(ErrDatabase, "failed to fetch encrypted seed", err)
	}
	return blob, nil
}

// PutAddressIndexes persists the next unused external and internal address
// child indexes.
func (s *Store) PutAddressIndexes(external, internal uint32) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(walletMetaBucketName)
		if err := bucket.Put(extIndexName, uint32ToBytes(external)); err != nil {
			return err
		}
		return bucket.Put(intIndexName, uint32ToBytes(internal))
	})
	if err != nil {
		return storeError(ErrDatabase, "failed to store address indexes", err)
	}
	return nil
}

// AddressIndexes returns the next unused external and internal address
// child indexes.  Both are zero for a fresh wallet.
func (s *Store) AddressIndexes() (uint32, uint32, error) {
	var external, internal uint32
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(walletMetaBucketName)
		if v := bucket.Get(extIndexName); len(v) == 4 {
			external = binary.BigEndian.Uint32(v)
		}
		if v := bucket.Get(intIndexName); len(v) == 4 {
			internal = binary.BigEndian.Uint32(v)
		}
		return nil
	})
	if err != nil {
		return 0, 0, storeError(ErrDatabase, "failed to fetch address indexes", err)
	}
	return external, internal, nil
}
