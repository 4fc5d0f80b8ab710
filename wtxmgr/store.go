// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wtxmgr records the outputs received by the wallet's addresses, the
// heights they were mined at, and the transactions spending them.
package wtxmgr

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Key names for the buckets of the transaction store namespace.
var (
	// bucketCredits holds one nested bucket per address id. Each nested
	// bucket maps a big endian sequence number to a credit, so iterating
	// it yields credits in the order they were added.
	bucketCredits = []byte("credits")

	// bucketOutPoints maps a serialized outpoint to the address id and
	// sequence number of its credit.
	bucketOutPoints = []byte("outpoints")

	// bucketMeta holds the chain tip.
	bucketMeta = []byte("meta")

	keyTip = []byte("tip")
)

// Store records credits for the wallet's addresses.
type Store struct {
	chainParams *chaincfg.Params
}

// Create creates the buckets of a new transaction store in ns. The chain tip
// starts at height zero.
func Create(ns walletdb.ReadWriteBucket) error {
	if ns.NestedReadWriteBucket(bucketMeta) != nil {
		return storeError(ErrAlreadyExists, "tx store already exists",
			nil)
	}

	for _, name := range [][]byte{
		bucketCredits, bucketOutPoints, bucketMeta,
	} {
		if _, err := ns.CreateBucket(name); err != nil {
			str := "failed to create bucket " + string(name)
			return storeError(ErrDatabase, str, err)
		}
	}

	return putTip(ns.NestedReadWriteBucket(bucketMeta), 0)
}

// Open opens the transaction store kept in ns.
func Open(ns walletdb.ReadBucket, chainParams *chaincfg.Params) (*Store,
	error) {

	if ns.NestedReadBucket(bucketMeta) == nil {
		return nil, storeError(ErrNoExist, "tx store does not exist",
			nil)
	}

	return &Store{chainParams: chainParams}, nil
}

// ChainParams returns the network the store records credits for.
func (s *Store) ChainParams() *chaincfg.Params {
	return s.chainParams
}

func uint32Key(v uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], v)
	return k[:]
}

func outPointKey(op *wire.OutPoint) []byte {
	k := make([]byte, 36)
	copy(k, op.Hash[:])
	binary.BigEndian.PutUint32(k[32:], op.Index)
	return k
}

func putTip(meta walletdb.ReadWriteBucket, height int32) error {
	if err := meta.Put(keyTip, uint32Key(uint32(height))); err != nil {
		return storeError(ErrDatabase, "failed to store tip", err)
	}
	return nil
}

// Tip returns the height of the best block known to the store.
func (s *Store) Tip(ns walletdb.ReadBucket) (int32, error) {
	v := ns.NestedReadBucket(bucketMeta).Get(keyTip)
	if len(v) != 4 {
		return 0, storeError(ErrData, "tip has unexpected length",
			nil)
	}
	return int32(binary.BigEndian.Uint32(v)), nil
}

// SetTip records a new best block height.
func (s *Store) SetTip(ns walletdb.ReadWriteBucket, height int32) error {
	if height < 0 {
		return storeError(ErrInput, "negative tip height", nil)
	}

	log.Debugf("Setting chain tip to height %d", height)

	return putTip(ns.NestedReadWriteBucket(bucketMeta), height)
}

// AddCredit records an output received by an address. Adding an outpoint
// twice fails with ErrAlreadyExists.
func (s *Store) AddCredit(ns walletdb.ReadWriteBucket, c *Credit) error {
	if c.Amount <= 0 {
		return storeError(ErrInput, "credit amount must be positive",
			nil)
	}
	if c.Height < Unconfirmed {
		return storeError(ErrInput, "invalid credit height", nil)
	}

	outPoints := ns.NestedReadWriteBucket(bucketOutPoints)
	opKey := outPointKey(&c.OutPoint)
	if outPoints.Get(opKey) != nil {
		return storeError(ErrAlreadyExists, "credit for outpoint "+
			c.OutPoint.String()+" already exists", nil)
	}

	addrBucket, err := ns.NestedReadWriteBucket(bucketCredits).
		CreateBucketIfNotExists(uint32Key(c.AddrID))
	if err != nil {
		return storeError(ErrDatabase, "failed to create address "+
			"bucket", err)
	}

	seq, err := addrBucket.NextSequence()
	if err != nil {
		return storeError(ErrDatabase, "failed to get sequence", err)
	}
	seqKey := make([]byte, 8)
	binary.BigEndian.PutUint64(seqKey, seq)

	v, err := serializeCredit(c)
	if err != nil {
		return storeError(ErrData, "failed to encode credit", err)
	}
	if err := addrBucket.Put(seqKey, v); err != nil {
		return storeError(ErrDatabase, "failed to store credit", err)
	}

	idx := append(uint32Key(c.AddrID), seqKey...)
	if err := outPoints.Put(opKey, idx); err != nil {
		return storeError(ErrDatabase, "failed to index credit", err)
	}

	log.Debugf("Added credit %v of %v for address %d", c.OutPoint,
		c.Amount, c.AddrID)

	return nil
}

// creditLocation returns the address bucket and key holding the credit for
// an outpoint.
func creditLocation(ns walletdb.ReadBucket, op *wire.OutPoint) ([]byte,
	[]byte, error) {

	idx := ns.NestedReadBucket(bucketOutPoints).Get(outPointKey(op))
	if idx == nil {
		return nil, nil, storeError(ErrCreditNotFound, "no credit "+
			"for outpoint "+op.String(), nil)
	}
	if len(idx) != 12 {
		return nil, nil, storeError(ErrData, "outpoint index has "+
			"unexpected length", nil)
	}

	return idx[:4], idx[4:], nil
}

// Credit returns the credit recorded for an outpoint.
func (s *Store) Credit(ns walletdb.ReadBucket, op *wire.OutPoint) (*Credit,
	error) {

	addrKey, seqKey, err := creditLocation(ns, op)
	if err != nil {
		return nil, err
	}

	addrBucket := ns.NestedReadBucket(bucketCredits).NestedReadBucket(
		addrKey,
	)
	if addrBucket == nil {
		return nil, storeError(ErrData, "missing address bucket", nil)
	}

	v := addrBucket.Get(seqKey)
	if v == nil {
		return nil, storeError(ErrData, "missing indexed credit", nil)
	}

	c, err := deserializeCredit(v)
	if err != nil {
		return nil, storeError(ErrData, "failed to decode credit", err)
	}

	return c, nil
}

// updateCredit rewrites a stored credit.
func updateCredit(ns walletdb.ReadWriteBucket, op *wire.OutPoint,
	update func(*Credit) error) error {

	addrKey, seqKey, err := creditLocation(ns, op)
	if err != nil {
		return err
	}

	addrBucket := ns.NestedReadWriteBucket(bucketCredits).
		NestedReadWriteBucket(addrKey)
	if addrBucket == nil {
		return storeError(ErrData, "missing address bucket", nil)
	}

	c, err := deserializeCredit(addrBucket.Get(seqKey))
	if err != nil {
		return storeError(ErrData, "failed to decode credit", err)
	}
	if err := update(c); err != nil {
		return err
	}

	v, err := serializeCredit(c)
	if err != nil {
		return storeError(ErrData, "failed to encode credit", err)
	}
	if err := addrBucket.Put(seqKey, v); err != nil {
		return storeError(ErrDatabase, "failed to store credit", err)
	}

	return nil
}

// ConfirmCredit records the height of the block that mined a credit.
func (s *Store) ConfirmCredit(ns walletdb.ReadWriteBucket, op *wire.OutPoint,
	height int32) error {

	if height < 0 {
		return storeError(ErrInput, "negative block height", nil)
	}

	return updateCredit(ns, op, func(c *Credit) error {
		c.Height = height
		return nil
	})
}

// MarkSpent records that a credit is spent by the transaction spender.
// Marking a credit spent by a different transaction fails with
// ErrAlreadySpent.
func (s *Store) MarkSpent(ns walletdb.ReadWriteBucket, op *wire.OutPoint,
	spender chainhash.Hash) error {

	return updateCredit(ns, op, func(c *Credit) error {
		prev := c.SpentBy.UnwrapOr(spender)
		if prev != spender {
			return storeError(ErrAlreadySpent, "output "+
				op.String()+" already spent by "+prev.String(),
				nil)
		}

		c.SpentBy = fn.Some(spender)

		log.Debugf("Marked credit %v spent by %v", op, spender)

		return nil
	})
}

// Credits returns every credit of an address, spent ones included, in the
// order they were added.
func (s *Store) Credits(ns walletdb.ReadBucket, addrID uint32) ([]Credit,
	error) {

	addrBucket := ns.NestedReadBucket(bucketCredits).NestedReadBucket(
		uint32Key(addrID),
	)
	if addrBucket == nil {
		return nil, nil
	}

	var credits []Credit
	err := addrBucket.ForEach(func(_, v []byte) error {
		c, err := deserializeCredit(v)
		if err != nil {
			return storeError(ErrData, "failed to decode credit",
				err)
		}
		credits = append(credits, *c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return credits, nil
}

// UnspentCredits returns the unspent credits of the given addresses having at
// least minConf confirmations. Credits are ordered by the position of their
// address in addrIDs, then by the order they were added.
func (s *Store) UnspentCredits(ns walletdb.ReadBucket, addrIDs []uint32,
	minConf int32) ([]Credit, error) {

	tip, err := s.Tip(ns)
	if err != nil {
		return nil, err
	}

	var unspent []Credit
	for _, id := range addrIDs {
		credits, err := s.Credits(ns, id)
		if err != nil {
			return nil, err
		}

		for _, c := range credits {
			if c.Spent() || c.Confirmations(tip) < minConf {
				continue
			}
			unspent = append(unspent, c)
		}
	}

	return unspent, nil
}
