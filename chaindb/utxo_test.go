// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaindb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btcsuite/spvwallet/wire"
)

func makeUTXO(txByte byte, index uint32, value int64, height uint32) *UTXO {
	u := &UTXO{
		Value:    value,
		PkScript: []byte{0x00, 0x14, txByte},
		Height:   height,
	}
	u.OutPoint.Hash[0] = txByte
	u.OutPoint.Index = index
	return u
}

func TestUTXORoundTrip(t *testing.T) {
	s := openTestStore(t)

	u := makeUTXO(1, 3, 50000, 100)
	require.NoError(t, s.PutUTXO(u))

	got, err := s.FetchUTXO(&u.OutPoint)
	require.NoError(t, err)
	require.Equal(t, u, got)

	var missing wire.OutPoint
	missing.Hash[0] = 0xee
	_, err = s.FetchUTXO(&missing)
	require.True(t, IsError(err, ErrUTXONotFound))
}

func TestSpendUTXO(t *testing.T) {
	s := openTestStore(t)

	u := makeUTXO(1, 0, 25000, 10)
	require.NoError(t, s.PutUTXO(u))

	var spender wire.Hash
	spender[0] = 0x99
	require.NoError(t, s.SpendUTXO(&u.OutPoint, &spender))

	got, err := s.FetchUTXO(&u.OutPoint)
	require.NoError(t, err)
	require.True(t, got.Spent)
	require.True(t, got.SpentBy.IsEqual(&spender))

	// Spent outputs no longer count as spendable or toward the balance.
	utxos, err := s.SpendableUTXOs(0, 10)
	require.NoError(t, err)
	require.Empty(t, utxos)

	balance, err := s.Balance(0, 10)
	require.NoError(t, err)
	require.Zero(t, balance)

	// Spending an unknown outpoint fails.
	var missing wire.OutPoint
	missing.Hash[0] = 0xee
	err = s.SpendUTXO(&missing, &spender)
	require.True(t, IsError(err, ErrUTXONotFound))
}

func TestSpendableUTXOsMinConf(t *testing.T) {
	s := openTestStore(t)

	// Heights 100, 95, and 90; at tip 100 they have 1, 6, and 11
	// confirmations respectively.
	require.NoError(t, s.PutUTXO(makeUTXO(1, 0, 10000, 100)))
	require.NoError(t, s.PutUTXO(makeUTXO(2, 0, 20000, 95)))
	require.NoError(t, s.PutUTXO(makeUTXO(3, 0, 30000, 90)))

	utxos, err := s.SpendableUTXOs(0, 100)
	require.NoError(t, err)
	require.Len(t, utxos, 3)

	// Sorted by value descending.
	require.Equal(t, int64(30000), utxos[0].Value)
	require.Equal(t, int64(10000), utxos[2].Value)

	utxos, err = s.SpendableUTXOs(6, 100)
	require.NoError(t, err)
	require.Len(t, utxos, 2)

	utxos, err = s.SpendableUTXOs(12, 100)
	require.NoError(t, err)
	require.Empty(t, utxos)

	balance, err := s.Balance(6, 100)
	require.NoError(t, err)
	require.Equal(t, int64(50000), balance)
}

func TestConfirmations(t *testing.T) {
	u := makeUTXO(1, 0, 1000, 100)
	require.Equal(t, uint32(1), u.Confirmations(100))
	require.Equal(t, uint32(11), u.Confirmations(110))
	require.Zero(t, u.Confirmations(99))
}

func makeTxRecord(hashByte byte, height uint32, received, sent int64) *TxRecord {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: uint32(hashByte)}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(received, []byte{0x6a}))
	rec := &TxRecord{
		Height:    height,
		Timestamp: time.Unix(1600000000+int64(height), 0),
		Received:  received,
		Sent:      sent,
		Tx:        tx,
	}
	rec.Hash = tx.TxHash()
	return rec
}

func TestTransactionHistory(t *testing.T) {
	s := openTestStore(t)

	recs := []*TxRecord{
		makeTxRecord(1, 100, 5000, 0),
		makeTxRecord(2, 200, 0, 3000),
		makeTxRecord(3, 150, 1000, 1000),
	}
	for _, rec := range recs {
		require.NoError(t, s.PutTransaction(rec))
	}

	// All records, newest first.
	got, err := s.Transactions(0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, uint32(200), got[0].Height)
	require.Equal(t, uint32(150), got[1].Height)
	require.Equal(t, uint32(100), got[2].Height)

	// Full round trip of the record fields.
	require.Equal(t, recs[1].Hash, got[0].Hash)
	require.Equal(t, recs[1].Sent, got[0].Sent)
	require.Equal(t, recs[1].Timestamp.Unix(), got[0].Timestamp.Unix())
	require.Equal(t, recs[1].Tx.TxHash(), got[0].Tx.TxHash())

	// Pagination.
	got, err = s.Transactions(1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint32(150), got[0].Height)

	got, err = s.Transactions(10, 3)
	require.NoError(t, err)
	require.Empty(t, got)

	// Overwriting a record does not duplicate it.
	require.NoError(t, s.PutTransaction(recs[0]))
	got, err = s.Transactions(0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
}
