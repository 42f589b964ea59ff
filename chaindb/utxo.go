// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaindb

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/btcsuite/spvwallet/wire"
)

// UTXO describes an unspent (or spent but retained) transaction output
// controlled by the wallet.
type UTXO struct {
	// OutPoint is the output's location in the chain.
	OutPoint wire.OutPoint

	// Value is the output value in satoshis.
	Value int64

	// PkScript is the output script.
	PkScript []byte

	// Height is the height of the block containing the output.
	Height uint32

	// Spent is set once a transaction spending this output has been
	// observed.  Spent outputs are retained for history.
	Spent bool

	// SpentBy is the hash of the spending transaction when Spent is set.
	SpentBy wire.Hash
}

// Confirmations returns the number of confirmations of the output at the
// given chain tip height.
func (u *UTXO) Confirmations(tipHeight uint32) uint32 {
	if u.Height > tipHeight {
		return 0
	}
	return tipHeight - u.Height + 1
}

// TxRecord describes a wallet-relevant transaction and its effect on the
// wallet's balance.
type TxRecord struct {
	// Hash is the transaction hash.
	Hash wire.Hash

	// Height is the height of the confirming block.
	Height uint32

	// Timestamp is the confirming block's timestamp.
	Timestamp time.Time

	// Received is the total value in satoshis of outputs paying to
	// wallet scripts.
	Received int64

	// Sent is the total value in satoshis of wallet outputs spent by the
	// transaction's inputs.
	Sent int64

	// Tx is the full transaction.
	Tx *wire.MsgTx
}

// canonicalOutPoint returns the 36-byte key for an outpoint: the transaction
// hash followed by the big-endian output index.
func canonicalOutPoint(op *wire.OutPoint) []byte {
	key := make([]byte, 36)
	copy(key, op.Hash[:])
	binary.BigEndian.PutUint32(key[32:], op.Index)
	return key
}

func serializeUTXO(u *UTXO) []byte {
	// value(8) || height(4) || spent(1) || spentby(32) || pkscript
	value := make([]byte, 45+len(u.PkScript))
	binary.BigEndian.PutUint64(value, uint64(u.Value))
	binary.BigEndian.PutUint32(value[8:], u.Height)
	if u.Spent {
		value[12] = 1
	}
	copy(value[13:], u.SpentBy[:])
	copy(value[45:], u.PkScript)
	return value
}

func deserializeUTXO(key, value []byte) (*UTXO, error) {
	if len(key) != 36 || len(value) < 45 {
		return nil, storeError(ErrSerialization, "bad utxo entry", nil)
	}
	u := &UTXO{
		Value:  int64(binary.BigEndian.Uint64(value)),
		Height: binary.BigEndian.Uint32(value[8:]),
		Spent:  value[12] == 1,
	}
	copy(u.OutPoint.Hash[:], key[:32])
	u.OutPoint.Index = binary.BigEndian.Uint32(key[32:])
	copy(u.SpentBy[:], value[13:45])
	u.PkScript = make([]byte, len(value)-45)
	copy(u.PkScript, value[45:])
	return u, nil
}

// PutUTXO stores an unspent output.  Storing an outpoint that already exists
// overwrites the previous entry.
func (s *Store) PutUTXO(u *UTXO) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		key := canonicalOutPoint(&u.OutPoint)
		return tx.Bucket(utxosBucketName).Put(key, serializeUTXO(u))
	})
	if err != nil {
		return storeError(ErrDatabase, "failed to store utxo", err)
	}
	return nil
}

// SpendUTXO marks the output as spent by the given transaction.  The entry
// is retained so transaction history remains complete.
func (s *Store) SpendUTXO(op *wire.OutPoint, spentBy *wire.Hash) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(utxosBucketName)
		key := canonicalOutPoint(op)
		value := bucket.Get(key)
		if value == nil {
			return storeError(ErrUTXONotFound,
				"no utxo for outpoint "+op.String(), nil)
		}
		u, err := deserializeUTXO(key, value)
		if err != nil {
			return err
		}
		u.Spent = true
		u.SpentBy = *spentBy
		return bucket.Put(key, serializeUTXO(u))
	})
	if err != nil {
		if _, ok := err.(StoreError); ok {
			return err
		}
		return storeError(ErrDatabase, "failed to spend utxo", err)
	}
	return nil
}

// FetchUTXO returns the stored output for the given outpoint.
func (s *Store) FetchUTXO(op *wire.OutPoint) (*UTXO, error) {
	var utxo *UTXO
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := canonicalOutPoint(op)
		value := tx.Bucket(utxosBucketName).Get(key)
		if value == nil {
			return storeError(ErrUTXONotFound,
				"no utxo for outpoint "+op.String(), nil)
		}
		var err error
		utxo, err = deserializeUTXO(key, value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return utxo, nil
}

// SpendableUTXOs returns all unspent outputs with at least minConf
// confirmations at the given tip height, sorted by value descending.
func (s *Store) SpendableUTXOs(minConf uint32, tipHeight uint32) ([]*UTXO, error) {
	var utxos []*UTXO
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(utxosBucketName).ForEach(func(k, v []byte) error {
			u, err := deserializeUTXO(k, v)
			if err != nil {
				return err
			}
			if u.Spent {
				return nil
			}
			if u.Confirmations(tipHeight) < minConf {
				return nil
			}
			utxos = append(utxos, u)
			return nil
		})
	})
	if err != nil {
		if _, ok := err.(StoreError); ok {
			return nil, err
		}
		return nil, storeError(ErrDatabase, "failed to read utxos", err)
	}
	sort.Slice(utxos, func(i, j int) bool {
		return utxos[i].Value > utxos[j].Value
	})
	return utxos, nil
}

// Balance returns the total value in satoshis of unspent outputs with at
// least minConf confirmations at the given tip height.
func (s *Store) Balance(minConf uint32, tipHeight uint32) (int64, error) {
	utxos, err := s.SpendableUTXOs(minConf, tipHeight)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, u := range utxos {
		total += u.Value
	}
	return total, nil
}

func serializeTxRecord(rec *TxRecord) ([]byte, error) {
	// height(4) || timestamp(8) || received(8) || sent(8) || tx
	var buf bytes.Buffer
	buf.Grow(28 + rec.Tx.SerializeSize())
	var fixed [28]byte
	binary.BigEndian.PutUint32(fixed[0:], rec.Height)
	binary.BigEndian.PutUint64(fixed[4:], uint64(rec.Timestamp.Unix()))
	binary.BigEndian.PutUint64(fixed[12:], uint64(rec.Received))
	binary.BigEndian.PutUint64(fixed[20:], uint64(rec.Sent))
	buf.Write(fixed[:])
	if err := rec.Tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeTxRecord(key, value []byte) (*TxRecord, error) {
	if len(key) != 32 || len(value) < 28 {
		return nil, storeError(ErrSerialization, "bad tx record entry", nil)
	}
	rec := &TxRecord{
		Height:    binary.BigEndian.Uint32(value[0:]),
		Timestamp: time.Unix(int64(binary.BigEndian.Uint64(value[4:])), 0),
		Received:  int64(binary.BigEndian.Uint64(value[12:])),
		Sent:      int64(binary.BigEndian.Uint64(value[20:])),
		Tx:        wire.NewMsgTx(wire.TxVersion),
	}
	copy(rec.Hash[:], key)
	err := rec.Tx.Deserialize(bytes.NewReader(value[28:]))
	if err != nil {
		return nil, storeError(ErrSerialization,
			"failed to deserialize tx record", err)
	}
	return rec, nil
}

// PutTransaction stores a wallet transaction record, overwriting any
// previous record for the same transaction hash.
func (s *Store) PutTransaction(rec *TxRecord) error {
	value, err := serializeTxRecord(rec)
	if err != nil {
		return storeError(ErrSerialization,
			"failed to serialize tx record", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(txsBucketName).Put(rec.Hash[:], value)
	})
	if err != nil {
		return storeError(ErrDatabase, "failed to store tx record", err)
	}
	return nil
}

// Transactions returns stored wallet transactions sorted by confirmation
// height descending, skipping the first skip records and returning at most
// limit records.  A limit of zero returns all remaining records.
func (s *Store) Transactions(limit, skip int) ([]*TxRecord, error) {
	var records []*TxRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(txsBucketName).ForEach(func(k, v []byte) error {
			rec, err := deserializeTxRecord(k, v)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		if _, ok := err.(StoreError); ok {
			return nil, err
		}
		return nil, storeError(ErrDatabase, "failed to read tx records", err)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Height != records[j].Height {
			return records[i].Height > records[j].Height
		}
		return bytes.Compare(records[i].Hash[:], records[j].Hash[:]) < 0
	})

	if skip >= len(records) {
		return nil, nil
	}
	records = records[skip:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}
