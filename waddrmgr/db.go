// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// LatestMgrVersion is the most recent manager version.
	LatestMgrVersion = 1
)

// Key names for the buckets of the address manager namespace. Entities are
// kept in tables keyed by their numeric ids and reference each other by id.
var (
	// mainBucketName holds the manager version.
	mainBucketName = []byte("main")

	// walletBucketName maps wallet ids to wallet rows.
	walletBucketName = []byte("wallets")

	// walletNameIdxBucketName maps wallet names to wallet ids.
	walletNameIdxBucketName = []byte("walletnameidx")

	// acctBucketName maps account ids to account rows.
	acctBucketName = []byte("accounts")

	// acctNameIdxBucketName maps a wallet id followed by an account name
	// to the account id.
	acctNameIdxBucketName = []byte("acctnameidx")

	// addrBucketName maps address ids to address rows.
	addrBucketName = []byte("addresses")

	// addrScriptIdxBucketName maps output scripts to address ids.
	addrScriptIdxBucketName = []byte("addrscriptidx")

	// acctAddrIdxBucketName holds one nested bucket per account id whose
	// keys are the ids of the account's addresses.
	acctAddrIdxBucketName = []byte("acctaddridx")

	mgrVersionName = []byte("mgrver")
)

// uint32ToBytes converts a 32 bit unsigned integer into a 4-byte slice in
// big-endian order so ids sort numerically.
func uint32ToBytes(number uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, number)
	return buf
}

// createManagerNS creates the initial namespace structure needed for all of
// the manager data.
func createManagerNS(ns walletdb.ReadWriteBucket) error {
	for _, name := range [][]byte{
		mainBucketName, walletBucketName, walletNameIdxBucketName,
		acctBucketName, acctNameIdxBucketName, addrBucketName,
		addrScriptIdxBucketName, acctAddrIdxBucketName,
	} {
		if _, err := ns.CreateBucket(name); err != nil {
			str := "failed to create bucket " + string(name)
			return managerError(ErrDatabase, str, err)
		}
	}

	mainBucket := ns.NestedReadWriteBucket(mainBucketName)
	err := mainBucket.Put(mgrVersionName, uint32ToBytes(LatestMgrVersion))
	if err != nil {
		str := "failed to store manager version"
		return managerError(ErrDatabase, str, err)
	}

	return nil
}

// fetchManagerVersion fetches the current manager version from the database.
func fetchManagerVersion(ns walletdb.ReadBucket) (uint32, error) {
	mainBucket := ns.NestedReadBucket(mainBucketName)
	if mainBucket == nil {
		return 0, managerError(ErrNoExist, "address manager does not "+
			"exist", nil)
	}

	verBytes := mainBucket.Get(mgrVersionName)
	if len(verBytes) != 4 {
		str := "required version number not stored in database"
		return 0, managerError(ErrData, str, nil)
	}

	return binary.BigEndian.Uint32(verBytes), nil
}

// encodeRecords serializes records as a TLV stream.
func encodeRecords(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decodeRecords parses a TLV stream into records and fails if any of the
// records is missing.
func decodeRecords(v []byte, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(v))
	if err != nil {
		return err
	}

	for _, r := range records {
		if _, ok := parsed[r.Type()]; !ok {
			return fmt.Errorf("record missing type %d", r.Type())
		}
	}

	return nil
}

// dbWallet is the stored form of a wallet.
type dbWallet struct {
	name string

	// secretParams are the marshalled snacl parameters of the key derived
	// from the wallet passphrase.
	secretParams []byte

	// cryptoKeyEnc is the random crypto key protecting the wallet's
	// private key material, encrypted with the passphrase key.
	cryptoKeyEnc []byte

	// masterKeyEnc is the serialized master extended private key,
	// encrypted with the crypto key.
	masterKeyEnc []byte

	// fingerprint is the fingerprint of the master public key as used in
	// PSBT derivation records.
	fingerprint uint32
}

const (
	typeWalletName        tlv.Type = 1
	typeWalletSecret      tlv.Type = 2
	typeWalletCryptoKey   tlv.Type = 3
	typeWalletMasterKey   tlv.Type = 4
	typeWalletFingerprint tlv.Type = 5
)

func walletRecords(w *dbWallet, name *[]byte) []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(typeWalletName, name),
		tlv.MakePrimitiveRecord(typeWalletSecret, &w.secretParams),
		tlv.MakePrimitiveRecord(typeWalletCryptoKey, &w.cryptoKeyEnc),
		tlv.MakePrimitiveRecord(typeWalletMasterKey, &w.masterKeyEnc),
		tlv.MakePrimitiveRecord(typeWalletFingerprint, &w.fingerprint),
	}
}

func serializeWallet(w *dbWallet) ([]byte, error) {
	name := []byte(w.name)
	return encodeRecords(walletRecords(w, &name)...)
}

func deserializeWallet(v []byte) (*dbWallet, error) {
	var (
		w    dbWallet
		name []byte
	)
	if err := decodeRecords(v, walletRecords(&w, &name)...); err != nil {
		return nil, err
	}
	w.name = string(name)

	return &w, nil
}

// dbAccount is the stored form of an account.
type dbAccount struct {
	walletID uint32
	name     string
	number   uint32
	addrType uint8
	coinType uint32

	// pubKey is the serialized extended public key of the account.
	pubKey []byte

	// privKeyEnc is the serialized extended private key of the account,
	// encrypted with the wallet's crypto key.
	privKeyEnc []byte

	nextExternal uint32
	nextInternal uint32
}

const (
	typeAcctWalletID     tlv.Type = 1
	typeAcctName         tlv.Type = 2
	typeAcctNumber       tlv.Type = 3
	typeAcctAddrType     tlv.Type = 4
	typeAcctCoinType     tlv.Type = 5
	typeAcctPubKey       tlv.Type = 6
	typeAcctPrivKey      tlv.Type = 7
	typeAcctNextExternal tlv.Type = 8
	typeAcctNextInternal tlv.Type = 9
)

func accountRecords(a *dbAccount, name *[]byte) []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(typeAcctWalletID, &a.walletID),
		tlv.MakePrimitiveRecord(typeAcctName, name),
		tlv.MakePrimitiveRecord(typeAcctNumber, &a.number),
		tlv.MakePrimitiveRecord(typeAcctAddrType, &a.addrType),
		tlv.MakePrimitiveRecord(typeAcctCoinType, &a.coinType),
		tlv.MakePrimitiveRecord(typeAcctPubKey, &a.pubKey),
		tlv.MakePrimitiveRecord(typeAcctPrivKey, &a.privKeyEnc),
		tlv.MakePrimitiveRecord(typeAcctNextExternal, &a.nextExternal),
		tlv.MakePrimitiveRecord(typeAcctNextInternal, &a.nextInternal),
	}
}

func serializeAccount(a *dbAccount) ([]byte, error) {
	name := []byte(a.name)
	return encodeRecords(accountRecords(a, &name)...)
}

func deserializeAccount(v []byte) (*dbAccount, error) {
	var (
		a    dbAccount
		name []byte
	)
	if err := decodeRecords(v, accountRecords(&a, &name)...); err != nil {
		return nil, err
	}
	a.name = string(name)

	return &a, nil
}

// dbAddress is the stored form of an address.
type dbAddress struct {
	account  uint32
	internal uint8
	index    uint32
	pkScript []byte
	pubKey   []byte
	used     uint8
}

const (
	typeAddrAccount  tlv.Type = 1
	typeAddrInternal tlv.Type = 2
	typeAddrIndex    tlv.Type = 3
	typeAddrPkScript tlv.Type = 4
	typeAddrPubKey   tlv.Type = 5
	typeAddrUsed     tlv.Type = 6
)

func addressRecords(a *dbAddress) []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(typeAddrAccount, &a.account),
		tlv.MakePrimitiveRecord(typeAddrInternal, &a.internal),
		tlv.MakePrimitiveRecord(typeAddrIndex, &a.index),
		tlv.MakePrimitiveRecord(typeAddrPkScript, &a.pkScript),
		tlv.MakePrimitiveRecord(typeAddrPubKey, &a.pubKey),
		tlv.MakePrimitiveRecord(typeAddrUsed, &a.used),
	}
}

func serializeAddress(a *dbAddress) ([]byte, error) {
	return encodeRecords(addressRecords(a)...)
}

func deserializeAddress(v []byte) (*dbAddress, error) {
	var a dbAddress
	if err := decodeRecords(v, addressRecords(&a)...); err != nil {
		return nil, err
	}

	return &a, nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// putRow stores a serialized row under an id.
func putRow(ns walletdb.ReadWriteBucket, bucket []byte, id uint32,
	v []byte) error {

	err := ns.NestedReadWriteBucket(bucket).Put(uint32ToBytes(id), v)
	if err != nil {
		str := fmt.Sprintf("failed to store %s row %d", bucket, id)
		return managerError(ErrDatabase, str, err)
	}

	return nil
}

// nextID returns the next id of a table. Ids start at one.
func nextID(ns walletdb.ReadWriteBucket, bucket []byte) (uint32, error) {
	seq, err := ns.NestedReadWriteBucket(bucket).NextSequence()
	if err != nil {
		str := fmt.Sprintf("failed to allocate %s id", bucket)
		return 0, managerError(ErrDatabase, str, err)
	}
	if seq > 0xffffffff {
		str := fmt.Sprintf("%s ids exhausted", bucket)
		return 0, managerError(ErrTooManyAddresses, str, nil)
	}

	return uint32(seq), nil
}

// fetchWallet loads a wallet row.
func fetchWallet(ns walletdb.ReadBucket, id uint32) (*dbWallet, error) {
	v := ns.NestedReadBucket(walletBucketName).Get(uint32ToBytes(id))
	if v == nil {
		str := fmt.Sprintf("wallet %d not found", id)
		return nil, managerError(ErrWalletNotFound, str, nil)
	}

	w, err := deserializeWallet(v)
	if err != nil {
		str := fmt.Sprintf("failed to decode wallet %d", id)
		return nil, managerError(ErrData, str, err)
	}

	return w, nil
}

// fetchWalletID looks up a wallet id by name.
func fetchWalletID(ns walletdb.ReadBucket, name string) (uint32, error) {
	v := ns.NestedReadBucket(walletNameIdxBucketName).Get([]byte(name))
	if v == nil {
		str := fmt.Sprintf("wallet %q not found", name)
		return 0, managerError(ErrWalletNotFound, str, nil)
	}
	if len(v) != 4 {
		return 0, managerError(ErrData, "malformed wallet index", nil)
	}

	return binary.BigEndian.Uint32(v), nil
}

// acctNameKey returns the account name index key for a wallet.
func acctNameKey(walletID uint32, name string) []byte {
	return append(uint32ToBytes(walletID), name...)
}

// fetchAccountRow loads an account row.
func fetchAccountRow(ns walletdb.ReadBucket, id uint32) (*dbAccount, error) {
	v := ns.NestedReadBucket(acctBucketName).Get(uint32ToBytes(id))
	if v == nil {
		str := fmt.Sprintf("account %d not found", id)
		return nil, managerError(ErrAccountNotFound, str, nil)
	}

	a, err := deserializeAccount(v)
	if err != nil {
		str := fmt.Sprintf("failed to decode account %d", id)
		return nil, managerError(ErrData, str, err)
	}

	return a, nil
}

// fetchAddressRow loads an address row.
func fetchAddressRow(ns walletdb.ReadBucket, id uint32) (*dbAddress, error) {
	v := ns.NestedReadBucket(addrBucketName).Get(uint32ToBytes(id))
	if v == nil {
		str := fmt.Sprintf("address %d not found", id)
		return nil, managerError(ErrAddressNotFound, str, nil)
	}

	a, err := deserializeAddress(v)
	if err != nil {
		str := fmt.Sprintf("failed to decode address %d", id)
		return nil, managerError(ErrData, str, err)
	}

	return a, nil
}
