// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chaindb implements the wallet's persistent chain state: block
// headers, compact filter headers and filters, watched scripts, unspent
// outputs, and wallet transactions.  Storage is a single bbolt database with
// one bucket per collection.  All reads are snapshot-consistent through
// bbolt's View transactions.
package chaindb

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"go.etcd.io/bbolt"

	"github.com/btcsuite/spvwallet/chaincfg"
	"github.com/btcsuite/spvwallet/gcs"
	"github.com/btcsuite/spvwallet/wire"
)

const (
	// latestDBVersion is the most recent database version.
	latestDBVersion = 1

	// defaultFilterCacheSize is the maximum size in bytes of the filter
	// LRU cache kept in front of the filter bucket.
	defaultFilterCacheSize = 4 * 1024 * 1024

	// dbOpenTimeout is how long to wait on the bbolt file lock before
	// giving up.
	dbOpenTimeout = 5 * time.Second
)

// Bucket and key names for the database.
var (
	headersBucketName    = []byte("headers")
	heightIdxBucketName  = []byte("heightidx")
	cfHeadersBucketName  = []byte("cfheaders")
	cfiltersBucketName   = []byte("cfilters")
	watchBucketName      = []byte("watch")
	utxosBucketName      = []byte("utxos")
	txsBucketName        = []byte("txs")
	metaBucketName       = []byte("meta")
	walletMetaBucketName = []byte("walletmeta")

	dbVersionName    = []byte("dbver")
	dbCreateDateName = []byte("dbcreated")
	tipHeightName    = []byte("tipheight")
	tipHashName      = []byte("tiphash")
)

// uint32ToBytes converts a 32 bit unsigned integer into a 4-byte slice in
// big-endian order so bucket cursors iterate keys in height order.
func uint32ToBytes(number uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, number)
	return buf
}

// cacheableFilter wraps a gcs filter so it can be stored in the LRU cache.
type cacheableFilter struct {
	filter *gcs.Filter
}

// Size returns the serialized size of the filter in bytes.
func (c *cacheableFilter) Size() (uint64, error) {
	b, err := c.filter.NBytes()
	if err != nil {
		return 0, err
	}
	return uint64(len(b)), nil
}

func newFilterCache() *lru.Cache[wire.Hash, *cacheableFilter] {
	return lru.NewCache[wire.Hash, *cacheableFilter](defaultFilterCacheSize)
}

// Store provides persistent chain and wallet state backed by a bbolt
// database.  It is safe for concurrent use.
type Store struct {
	db     *bbolt.DB
	params *chaincfg.Params

	filterCache *lru.Cache[wire.Hash, *cacheableFilter]
}

// Open opens the store at the given path, creating and initializing it with
// the network's genesis block if needed.
func Open(path string, params *chaincfg.Params) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, storeError(ErrDatabase, "failed to open database", err)
	}

	s := &Store{
		db:          db,
		params:      params,
		filterCache: newFilterCache(),
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			headersBucketName, heightIdxBucketName,
			cfHeadersBucketName, cfiltersBucketName,
			watchBucketName, utxosBucketName, txsBucketName,
			metaBucketName, walletMetaBucketName,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		meta := tx.Bucket(metaBucketName)
		if meta.Get(dbVersionName) != nil {
			return nil
		}

		// Fresh database: store the version, creation time, and the
		// genesis block as the initial chain tip.
		verBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(verBytes, latestDBVersion)
		if err := meta.Put(dbVersionName, verBytes); err != nil {
			return err
		}
		created := make([]byte, 8)
		binary.BigEndian.PutUint64(created, uint64(time.Now().Unix()))
		if err := meta.Put(dbCreateDateName, created); err != nil {
			return err
		}

		return putHeader(tx, params.GenesisBlock, 0)
	})
	if err != nil {
		db.Close()
		if _, ok := err.(StoreError); ok {
			return nil, err
		}
		return nil, storeError(ErrDatabase, "failed to initialize database", err)
	}

	log.Infof("Opened chain store %s", path)
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// serializeHeaderEntry returns the 84-byte header bucket value: the 80-byte
// serialized header followed by the big-endian height.
func serializeHeaderEntry(header *wire.BlockHeader, height uint32) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(84)
	if err := header.Serialize(&buf); err != nil {
		return nil, err
	}
	buf.Write(uint32ToBytes(height))
	return buf.Bytes(), nil
}

func deserializeHeaderEntry(value []byte) (*wire.BlockHeader, uint32, error) {
	if len(value) != 84 {
		return nil, 0, storeError(ErrSerialization,
			"bad header entry length", nil)
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(value[:80])); err != nil {
		return nil, 0, storeError(ErrSerialization,
			"failed to deserialize header", err)
	}
	return &header, binary.BigEndian.Uint32(value[80:]), nil
}

// putHeader writes a header at the given height and advances the stored tip.
// It must be called within an update transaction.
func putHeader(tx *bbolt.Tx, header *wire.BlockHeader, height uint32) error {
	entry, err := serializeHeaderEntry(header, height)
	if err != nil {
		return err
	}
	blockHash := header.BlockHash()

	if err := tx.Bucket(headersBucketName).Put(blockHash[:], entry); err != nil {
		return err
	}
	err = tx.Bucket(heightIdxBucketName).Put(uint32ToBytes(height), blockHash[:])
	if err != nil {
		return err
	}

	meta := tx.Bucket(metaBucketName)
	if err := meta.Put(tipHeightName, uint32ToBytes(height)); err != nil {
		return err
	}
	return meta.Put(tipHashName, blockHash[:])
}

// PutHeaders extends the stored header chain with the passed headers.  The
// first header must connect to the current chain tip and each subsequent
// header to the one before it; violating linkage returns an ErrLinkage
// StoreError with no headers stored.
func (s *Store) PutHeaders(headers ...*wire.BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucketName)
		tipHash := meta.Get(tipHashName)
		tipHeight := binary.BigEndian.Uint32(meta.Get(tipHeightName))

		prevHash := tipHash
		height := tipHeight
		for _, header := range headers {
			if !bytes.Equal(header.PrevBlock[:], prevHash) {
				return storeError(ErrLinkage,
					"header does not connect to stored tip", nil)
			}
			height++
			if err := putHeader(tx, header, height); err != nil {
				return err
			}
			blockHash := header.BlockHash()
			prevHash = blockHash[:]
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(StoreError); ok {
			return err
		}
		return storeError(ErrDatabase, "failed to store headers", err)
	}
	return nil
}

// Header returns the stored header and its height for the given block hash.
func (s *Store) Header(blockHash *wire.Hash) (*wire.BlockHeader, uint32, error) {
	var header *wire.BlockHeader
	var height uint32
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(headersBucketName).Get(blockHash[:])
		if value == nil {
			return storeError(ErrHeaderNotFound,
				"no header for block "+blockHash.String(), nil)
		}
		var err error
		header, height, err = deserializeHeaderEntry(value)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return header, height, nil
}

// HeaderByHeight returns the stored header at the given height.
func (s *Store) HeaderByHeight(height uint32) (*wire.BlockHeader, error) {
	var header *wire.BlockHeader
	err := s.db.View(func(tx *bbolt.Tx) error {
		hash := tx.Bucket(heightIdxBucketName).Get(uint32ToBytes(height))
		if hash == nil {
			return storeError(ErrHeaderNotFound,
				"no header at stored height", nil)
		}
		value := tx.Bucket(headersBucketName).Get(hash)
		if value == nil {
			return storeError(ErrHeaderNotFound,
				"height index entry without header", nil)
		}
		var err error
		header, _, err = deserializeHeaderEntry(value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return header, nil
}

// ChainTip returns the hash, height, and header of the best stored block.
func (s *Store) ChainTip() (*wire.Hash, uint32, *wire.BlockHeader, error) {
	var (
		tipHash   wire.Hash
		tipHeight uint32
		header    *wire.BlockHeader
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucketName)
		copy(tipHash[:], meta.Get(tipHashName))
		tipHeight = binary.BigEndian.Uint32(meta.Get(tipHeightName))

		value := tx.Bucket(headersBucketName).Get(tipHash[:])
		if value == nil {
			return storeError(ErrHeaderNotFound, "tip header missing", nil)
		}
		var err error
		header, _, err = deserializeHeaderEntry(value)
		return err
	})
	if err != nil {
		return nil, 0, nil, err
	}
	return &tipHash, tipHeight, header, nil
}

// BlockLocator returns a block locator for the current chain tip: the last
// 10 block hashes followed by exponentially more distant hashes back to the
// genesis block.
func (s *Store) BlockLocator() ([]*wire.Hash, error) {
	var locator []*wire.Hash
	err := s.db.View(func(tx *bbolt.Tx) error {
		heightIdx := tx.Bucket(heightIdxBucketName)
		meta := tx.Bucket(metaBucketName)
		tipHeight := int64(binary.BigEndian.Uint32(meta.Get(tipHeightName)))

		step := int64(1)
		for height := tipHeight; height >= 0; height -= step {
			hashBytes := heightIdx.Get(uint32ToBytes(uint32(height)))
			if hashBytes == nil {
				// Pruned below the retention floor; the locator
				// simply ends early.
				break
			}
			var hash wire.Hash
			copy(hash[:], hashBytes)
			locator = append(locator, &hash)

			if len(locator) >= 10 {
				step *= 2
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeError(ErrDatabase, "failed to build locator", err)
	}
	// Always anchor the locator with the genesis hash.
	if len(locator) == 0 ||
		!locator[len(locator)-1].IsEqual(s.params.GenesisHash) {
		locator = append(locator, s.params.GenesisHash)
	}
	return locator, nil
}

// PutFilterHeader stores the filter header for the block at the given
// height.  Except for the genesis block, the filter header for the previous
// height must already be stored.
func (s *Store) PutFilterHeader(height uint32, filterHeader *wire.Hash) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(cfHeadersBucketName)
		if height > 0 {
			if bucket.Get(uint32ToBytes(height-1)) == nil {
				return storeError(ErrLinkage,
					"filter header does not extend stored chain", nil)
			}
		}
		return bucket.Put(uint32ToBytes(height), filterHeader[:])
	})
	if err != nil {
		if _, ok := err.(StoreError); ok {
			return err
		}
		return storeError(ErrDatabase, "failed to store filter header", err)
	}
	return nil
}

// FilterHeader returns the stored filter header for the given height.
func (s *Store) FilterHeader(height uint32) (*wire.Hash, error) {
	var header wire.Hash
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(cfHeadersBucketName).Get(uint32ToBytes(height))
		if value == nil {
			return storeError(ErrFilterNotFound,
				"no filter header at stored height", nil)
		}
		copy(header[:], value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &header, nil
}

// FilterHeaderTip returns the height of the highest stored filter header.
func (s *Store) FilterHeaderTip() (uint32, error) {
	var height uint32
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(cfHeadersBucketName).Cursor()
		k, _ := c.Last()
		if k == nil {
			return storeError(ErrFilterNotFound,
				"no filter headers stored", nil)
		}
		height = binary.BigEndian.Uint32(k)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return height, nil
}

// PutFilter stores the compact filter for the given block and caches it.
func (s *Store) PutFilter(blockHash *wire.Hash, filter *gcs.Filter) error {
	nBytes, err := filter.NBytes()
	if err != nil {
		return storeError(ErrSerialization, "failed to serialize filter", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cfiltersBucketName).Put(blockHash[:], nBytes)
	})
	if err != nil {
		return storeError(ErrDatabase, "failed to store filter", err)
	}
	s.filterCache.Put(*blockHash, &cacheableFilter{filter: filter})
	return nil
}

// FilterByBlockHash returns the compact filter for the given block, serving
// from the LRU cache when possible.
func (s *Store) FilterByBlockHash(blockHash *wire.Hash) (*gcs.Filter, error) {
	if cached, err := s.filterCache.Get(*blockHash); err == nil {
		return cached.filter, nil
	} else if err != cache.ErrElementNotFound {
		return nil, storeError(ErrDatabase, "filter cache failure", err)
	}

	var filter *gcs.Filter
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(cfiltersBucketName).Get(blockHash[:])
		if value == nil {
			return storeError(ErrFilterNotFound,
				"no filter for block "+blockHash.String(), nil)
		}
		var err error
		filter, err = gcs.FromNBytes(s.params.FilterP, s.params.FilterM,
			value)
		if err != nil {
			return storeError(ErrSerialization,
				"failed to deserialize filter", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.filterCache.Put(*blockHash, &cacheableFilter{filter: filter})
	return filter, nil
}

// MatchFilter returns whether the filter for the given block matches any of
// the candidate scripts.  An empty filter matches nothing.
func (s *Store) MatchFilter(blockHash *wire.Hash, candidates [][]byte) (bool, error) {
	filter, err := s.FilterByBlockHash(blockHash)
	if err != nil {
		return false, err
	}
	key := gcs.KeyFromHash(blockHash)
	matched, err := filter.MatchAny(key, candidates)
	if err != nil {
		return false, storeError(ErrSerialization, "filter match failure", err)
	}
	return matched, nil
}

// AddWatchScript registers an output script to watch for.  Adding the same
// script twice is a no-op.
func (s *Store) AddWatchScript(script []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(watchBucketName).Put(script, []byte{})
	})
	if err != nil {
		return storeError(ErrDatabase, "failed to store watch script", err)
	}
	return nil
}

// WatchedScripts returns all registered watch scripts.
func (s *Store) WatchedScripts() ([][]byte, error) {
	var scripts [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(watchBucketName).ForEach(func(k, _ []byte) error {
			script := make([]byte, len(k))
			copy(script, k)
			scripts = append(scripts, script)
			return nil
		})
	})
	if err != nil {
		return nil, storeError(ErrDatabase, "failed to read watch scripts", err)
	}
	return scripts, nil
}

// CleanupOlderThan removes block headers, filter headers, and filters for
// all heights strictly below the given floor.  Unspent outputs and wallet
// transactions are never removed.  It returns the number of pruned heights.
func (s *Store) CleanupOlderThan(floor uint32) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		heightIdx := tx.Bucket(heightIdxBucketName)
		headers := tx.Bucket(headersBucketName)
		cfHeaders := tx.Bucket(cfHeadersBucketName)
		cfilters := tx.Bucket(cfiltersBucketName)

		c := heightIdx.Cursor()
		for k, hash := c.First(); k != nil; k, hash = c.Next() {
			height := binary.BigEndian.Uint32(k)
			if height >= floor {
				break
			}
			if err := headers.Delete(hash); err != nil {
				return err
			}
			if err := cfilters.Delete(hash); err != nil {
				return err
			}
			if err := cfHeaders.Delete(k); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return 0, storeError(ErrDatabase, "failed to prune chain data", err)
	}
	if pruned > 0 {
		log.Debugf("Pruned %d heights below %d", pruned, floor)
	}
	return pruned, nil
}
