// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/spendwallet/internal/zero"
	"github.com/btcsuite/spendwallet/snacl"
)

// ScryptOptions is used to hold the scrypt parameters needed when deriving new
// passphrase keys.
type ScryptOptions struct {
	N, R, P int
}

// DefaultScryptOptions is the default options used with scrypt.
var DefaultScryptOptions = ScryptOptions{
	N: snacl.DefaultN,
	R: snacl.DefaultR,
	P: snacl.DefaultP,
}

// FastScryptOptions are the scrypt options that should be used for testing
// purposes only where speed is more important than security.
var FastScryptOptions = ScryptOptions{
	N: 16,
	R: 8,
	P: 1,
}

// Manager keeps wallets, their accounts and the addresses derived for them.
// Private key material is only ever stored encrypted with a key derived from
// the wallet passphrase.
//
// The manager holds no state besides its configuration. All persistent state
// lives in the namespace passed to each method, so callers serialize access
// through the database transactions they open.
type Manager struct {
	chainParams   *chaincfg.Params
	scryptOptions *ScryptOptions
}

// Create creates a new address manager in the given namespace.
func Create(ns walletdb.ReadWriteBucket) error {
	if _, err := fetchManagerVersion(ns); err == nil {
		return managerError(ErrAlreadyExists, "address manager "+
			"already exists", nil)
	}

	return createManagerNS(ns)
}

// Open loads an existing address manager from the given namespace. The
// scrypt options are used when new wallet passphrase keys are derived; nil
// selects DefaultScryptOptions.
func Open(ns walletdb.ReadBucket, chainParams *chaincfg.Params,
	scryptOptions *ScryptOptions) (*Manager, error) {

	version, err := fetchManagerVersion(ns)
	if err != nil {
		return nil, err
	}
	if version != LatestMgrVersion {
		str := fmt.Sprintf("unsupported manager version %d", version)
		return nil, managerError(ErrData, str, nil)
	}

	if scryptOptions == nil {
		scryptOptions = &DefaultScryptOptions
	}

	return &Manager{
		chainParams:   chainParams,
		scryptOptions: scryptOptions,
	}, nil
}

// ChainParams returns the chain parameters for this address manager.
func (m *Manager) ChainParams() *chaincfg.Params {
	return m.chainParams
}

// CreateWallet creates a wallet named name whose keys are derived from seed.
// The master key is stored encrypted under passphrase.
func (m *Manager) CreateWallet(ns walletdb.ReadWriteBucket, name string,
	seed, passphrase []byte) (uint32, error) {

	if name == "" {
		return 0, managerError(ErrInvalidAccount, "wallet name is "+
			"empty", nil)
	}
	nameIdx := ns.NestedReadWriteBucket(walletNameIdxBucketName)
	if nameIdx.Get([]byte(name)) != nil {
		str := fmt.Sprintf("wallet %q already exists", name)
		return 0, managerError(ErrAlreadyExists, str, nil)
	}

	master, err := hdkeychain.NewMaster(seed, m.chainParams)
	if err != nil {
		str := "failed to derive master extended key"
		return 0, managerError(ErrKeyChain, str, err)
	}
	defer master.Zero()

	masterPub, err := master.ECPubKey()
	if err != nil {
		str := "failed to derive master public key"
		return 0, managerError(ErrKeyChain, str, err)
	}
	fingerprint := binary.LittleEndian.Uint32(
		btcutil.Hash160(masterPub.SerializeCompressed())[:4],
	)

	// The passphrase derives a key protecting a random crypto key, which
	// in turn protects the master key. Changing the passphrase would then
	// only require re-encrypting the crypto key.
	secretKey, err := snacl.NewSecretKey(
		&passphrase, m.scryptOptions.N, m.scryptOptions.R,
		m.scryptOptions.P,
	)
	if err != nil {
		str := "failed to derive passphrase key"
		return 0, managerError(ErrCrypto, str, err)
	}
	defer secretKey.Zero()

	cryptoKey, err := snacl.GenerateCryptoKey()
	if err != nil {
		str := "failed to generate crypto key"
		return 0, managerError(ErrCrypto, str, err)
	}
	defer cryptoKey.Zero()

	cryptoKeyEnc, err := secretKey.Encrypt(cryptoKey[:])
	if err != nil {
		str := "failed to encrypt crypto key"
		return 0, managerError(ErrCrypto, str, err)
	}

	masterKeyStr := []byte(master.String())
	masterKeyEnc, err := cryptoKey.Encrypt(masterKeyStr)
	zero.Bytes(masterKeyStr)
	if err != nil {
		str := "failed to encrypt master key"
		return 0, managerError(ErrCrypto, str, err)
	}

	row, err := serializeWallet(&dbWallet{
		name:         name,
		secretParams: secretKey.Marshal(),
		cryptoKeyEnc: cryptoKeyEnc,
		masterKeyEnc: masterKeyEnc,
		fingerprint:  fingerprint,
	})
	if err != nil {
		return 0, managerError(ErrData, "failed to encode wallet", err)
	}

	id, err := nextID(ns, walletBucketName)
	if err != nil {
		return 0, err
	}
	if err := putRow(ns, walletBucketName, id, row); err != nil {
		return 0, err
	}
	if err := nameIdx.Put([]byte(name), uint32ToBytes(id)); err != nil {
		str := "failed to index wallet name"
		return 0, managerError(ErrDatabase, str, err)
	}

	log.Infof("Created wallet %q (id %d)", name, id)

	return id, nil
}

// unlockCryptoKey derives the passphrase key of a wallet and uses it to
// decrypt the wallet's crypto key.
func unlockCryptoKey(w *dbWallet, passphrase []byte) (*snacl.CryptoKey,
	error) {

	var secretKey snacl.SecretKey
	if err := secretKey.Unmarshal(w.secretParams); err != nil {
		str := "failed to unmarshal passphrase key parameters"
		return nil, managerError(ErrData, str, err)
	}
	defer secretKey.Zero()

	if err := secretKey.DeriveKey(&passphrase); err != nil {
		if errors.Is(err, snacl.ErrInvalidPassword) {
			str := "invalid passphrase for wallet " + w.name
			return nil, managerError(ErrWrongPassphrase, str, nil)
		}
		str := "failed to derive passphrase key"
		return nil, managerError(ErrCrypto, str, err)
	}

	decrypted, err := secretKey.Decrypt(w.cryptoKeyEnc)
	if err != nil {
		str := "failed to decrypt crypto key"
		return nil, managerError(ErrCrypto, str, err)
	}
	defer zero.Bytes(decrypted)

	if len(decrypted) != snacl.KeySize {
		return nil, managerError(ErrData, "crypto key has unexpected "+
			"length", nil)
	}

	var cryptoKey snacl.CryptoKey
	copy(cryptoKey[:], decrypted)

	return &cryptoKey, nil
}

// decryptExtendedKey opens an encrypted serialized extended key.
func decryptExtendedKey(cryptoKey *snacl.CryptoKey,
	enc []byte) (*hdkeychain.ExtendedKey, error) {

	keyStr, err := cryptoKey.Decrypt(enc)
	if err != nil {
		str := "failed to decrypt extended key"
		return nil, managerError(ErrCrypto, str, err)
	}
	defer zero.Bytes(keyStr)

	key, err := hdkeychain.NewKeyFromString(string(keyStr))
	if err != nil {
		str := "failed to parse extended key"
		return nil, managerError(ErrKeyChain, str, err)
	}

	return key, nil
}

// deriveHardened derives the hardened children of key along path.
func deriveHardened(key *hdkeychain.ExtendedKey,
	path ...uint32) (*hdkeychain.ExtendedKey, error) {

	for _, i := range path {
		child, err := key.Derive(hdkeychain.HardenedKeyStart + i)
		if err != nil {
			return nil, err
		}
		key = child
	}

	return key, nil
}

// NewAccount creates an account named acctName in a wallet. Accounts are
// numbered per wallet and key scope in creation order. The passphrase is
// needed to derive the account keys from the wallet's master key.
func (m *Manager) NewAccount(ns walletdb.ReadWriteBucket, walletName,
	acctName string, addrType AddressType,
	passphrase []byte) (*Account, error) {

	if acctName == "" {
		return nil, managerError(ErrInvalidAccount, "account name is "+
			"empty", nil)
	}
	scope, err := ScopeForAddressType(addrType, m.chainParams)
	if err != nil {
		return nil, err
	}

	walletID, err := fetchWalletID(ns, walletName)
	if err != nil {
		return nil, err
	}
	nameIdx := ns.NestedReadWriteBucket(acctNameIdxBucketName)
	if nameIdx.Get(acctNameKey(walletID, acctName)) != nil {
		str := fmt.Sprintf("account %q already exists in wallet %q",
			acctName, walletName)
		return nil, managerError(ErrAlreadyExists, str, nil)
	}

	// The next account number of the scope is the number of accounts the
	// wallet already has in it.
	var number uint32
	err = ns.NestedReadBucket(acctBucketName).ForEach(func(_, v []byte) error {
		row, err := deserializeAccount(v)
		if err != nil {
			return managerError(ErrData, "failed to decode account",
				err)
		}
		if row.walletID == walletID && row.addrType == uint8(addrType) {
			number++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	w, err := fetchWallet(ns, walletID)
	if err != nil {
		return nil, err
	}
	cryptoKey, err := unlockCryptoKey(w, passphrase)
	if err != nil {
		return nil, err
	}
	defer cryptoKey.Zero()

	master, err := decryptExtendedKey(cryptoKey, w.masterKeyEnc)
	if err != nil {
		return nil, err
	}
	defer master.Zero()

	acctKey, err := deriveHardened(
		master, scope.Purpose, scope.Coin, number,
	)
	if err != nil {
		str := fmt.Sprintf("failed to derive account %d of scope %v",
			number, scope.String())
		return nil, managerError(ErrKeyChain, str, err)
	}
	defer acctKey.Zero()

	acctPub, err := acctKey.Neuter()
	if err != nil {
		str := "failed to convert account key to public"
		return nil, managerError(ErrKeyChain, str, err)
	}

	acctKeyStr := []byte(acctKey.String())
	privKeyEnc, err := cryptoKey.Encrypt(acctKeyStr)
	zero.Bytes(acctKeyStr)
	if err != nil {
		str := "failed to encrypt account key"
		return nil, managerError(ErrCrypto, str, err)
	}

	row, err := serializeAccount(&dbAccount{
		walletID:   walletID,
		name:       acctName,
		number:     number,
		addrType:   uint8(addrType),
		coinType:   scope.Coin,
		pubKey:     []byte(acctPub.String()),
		privKeyEnc: privKeyEnc,
	})
	if err != nil {
		return nil, managerError(ErrData, "failed to encode account",
			err)
	}

	id, err := nextID(ns, acctBucketName)
	if err != nil {
		return nil, err
	}
	if err := putRow(ns, acctBucketName, id, row); err != nil {
		return nil, err
	}
	err = nameIdx.Put(acctNameKey(walletID, acctName), uint32ToBytes(id))
	if err != nil {
		str := "failed to index account name"
		return nil, managerError(ErrDatabase, str, err)
	}

	log.Infof("Created account %s/%s (id %d) at %s/%d'", walletName,
		acctName, id, scope.String(), number)

	return &Account{
		ID:       id,
		WalletID: walletID,
		Wallet:   walletName,
		Name:     acctName,
		Number:   number,
		AddrType: addrType,
		CoinType: scope.Coin,
	}, nil
}

// ResolveAccount looks up the account a reference names. An unknown wallet
// or account fails with ErrAccountNotFound.
func (m *Manager) ResolveAccount(ns walletdb.ReadBucket,
	ref AccountRef) (*Account, error) {

	walletID, err := fetchWalletID(ns, ref.WalletName)
	if IsError(err, ErrWalletNotFound) {
		str := fmt.Sprintf("account %v not found", ref)
		return nil, managerError(ErrAccountNotFound, str, err)
	}
	if err != nil {
		return nil, err
	}

	v := ns.NestedReadBucket(acctNameIdxBucketName).Get(
		acctNameKey(walletID, ref.AccountName),
	)
	if v == nil {
		str := fmt.Sprintf("account %v not found", ref)
		return nil, managerError(ErrAccountNotFound, str, nil)
	}
	if len(v) != 4 {
		return nil, managerError(ErrData, "malformed account index",
			nil)
	}

	return m.Account(ns, binary.BigEndian.Uint32(v))
}

// Account returns the account with the given id.
func (m *Manager) Account(ns walletdb.ReadBucket, id uint32) (*Account,
	error) {

	row, err := fetchAccountRow(ns, id)
	if err != nil {
		return nil, err
	}
	w, err := fetchWallet(ns, row.walletID)
	if err != nil {
		return nil, err
	}

	return &Account{
		ID:       id,
		WalletID: row.walletID,
		Wallet:   w.name,
		Name:     row.name,
		Number:   row.number,
		AddrType: AddressType(row.addrType),
		CoinType: row.coinType,
	}, nil
}

// NewAddress derives the next address on the external or internal branch of
// an account and persists it.
func (m *Manager) NewAddress(ns walletdb.ReadWriteBucket, acctID uint32,
	internal bool) (*ManagedAddress, error) {

	row, err := fetchAccountRow(ns, acctID)
	if err != nil {
		return nil, err
	}

	acctPub, err := hdkeychain.NewKeyFromString(string(row.pubKey))
	if err != nil {
		str := fmt.Sprintf("failed to parse public key of account %d",
			acctID)
		return nil, managerError(ErrKeyChain, str, err)
	}

	branch, next := ExternalBranch, &row.nextExternal
	if internal {
		branch, next = InternalBranch, &row.nextInternal
	}
	branchKey, err := acctPub.Derive(branch)
	if err != nil {
		str := fmt.Sprintf("failed to derive branch %d", branch)
		return nil, managerError(ErrKeyChain, str, err)
	}

	// There is an extremely small chance that a particular child is
	// invalid, so use a loop to derive the next valid child.
	var child *hdkeychain.ExtendedKey
	index := *next
	for {
		if index >= hdkeychain.HardenedKeyStart {
			str := fmt.Sprintf("account %d branch %d exhausted",
				acctID, branch)
			return nil, managerError(ErrTooManyAddresses, str, nil)
		}

		child, err = branchKey.Derive(index)
		if errors.Is(err, hdkeychain.ErrInvalidChild) {
			index++
			continue
		}
		if err != nil {
			str := fmt.Sprintf("failed to derive child %d", index)
			return nil, managerError(ErrKeyChain, str, err)
		}
		break
	}
	*next = index + 1

	pubKey, err := child.ECPubKey()
	if err != nil {
		str := "failed to extract public key"
		return nil, managerError(ErrKeyChain, str, err)
	}
	addr, err := encodeAddress(
		AddressType(row.addrType), pubKey, m.chainParams,
	)
	if err != nil {
		str := "failed to encode address"
		return nil, managerError(ErrKeyChain, str, err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		str := "failed to create output script"
		return nil, managerError(ErrKeyChain, str, err)
	}

	id, err := nextID(ns, addrBucketName)
	if err != nil {
		return nil, err
	}
	ma := &ManagedAddress{
		ID:       id,
		Account:  acctID,
		Internal: internal,
		Index:    index,
		PkScript: pkScript,
		PubKey:   pubKey.SerializeCompressed(),
	}
	if err := putAddress(ns, ma); err != nil {
		return nil, err
	}

	err = ns.NestedReadWriteBucket(addrScriptIdxBucketName).Put(
		pkScript, uint32ToBytes(id),
	)
	if err != nil {
		str := "failed to index address script"
		return nil, managerError(ErrDatabase, str, err)
	}

	acctAddrs, err := ns.NestedReadWriteBucket(acctAddrIdxBucketName).
		CreateBucketIfNotExists(uint32ToBytes(acctID))
	if err != nil {
		str := "failed to create account address index"
		return nil, managerError(ErrDatabase, str, err)
	}
	err = acctAddrs.Put(uint32ToBytes(id), []byte{boolToUint8(internal)})
	if err != nil {
		str := "failed to index account address"
		return nil, managerError(ErrDatabase, str, err)
	}

	acctRow, err := serializeAccount(row)
	if err != nil {
		return nil, managerError(ErrData, "failed to encode account",
			err)
	}
	if err := putRow(ns, acctBucketName, acctID, acctRow); err != nil {
		return nil, err
	}

	log.Debugf("Derived address %v (id %d) for account %d at %d/%d",
		addr, id, acctID, branch, index)

	return ma, nil
}

// putAddress stores an address row.
func putAddress(ns walletdb.ReadWriteBucket, ma *ManagedAddress) error {
	row, err := serializeAddress(&dbAddress{
		account:  ma.Account,
		internal: boolToUint8(ma.Internal),
		index:    ma.Index,
		pkScript: ma.PkScript,
		pubKey:   ma.PubKey,
		used:     boolToUint8(ma.Used),
	})
	if err != nil {
		return managerError(ErrData, "failed to encode address", err)
	}

	return putRow(ns, addrBucketName, ma.ID, row)
}

// ChangeAddress returns the first unused internal address of an account, or
// derives a new one if all of them are used. The returned address is marked
// used so it is never handed out again.
func (m *Manager) ChangeAddress(ns walletdb.ReadWriteBucket,
	acctID uint32) (*ManagedAddress, error) {

	addrs, err := m.AccountAddresses(ns, acctID)
	if err != nil {
		return nil, err
	}

	var change *ManagedAddress
	for i := range addrs {
		if addrs[i].Internal && !addrs[i].Used {
			change = &addrs[i]
			break
		}
	}
	if change == nil {
		change, err = m.NewAddress(ns, acctID, true)
		if err != nil {
			return nil, err
		}
	}

	change.Used = true
	if err := putAddress(ns, change); err != nil {
		return nil, err
	}

	return change, nil
}

// MarkUsed marks an address as used.
func (m *Manager) MarkUsed(ns walletdb.ReadWriteBucket, addrID uint32) error {
	ma, err := m.Address(ns, addrID)
	if err != nil {
		return err
	}
	if ma.Used {
		return nil
	}

	ma.Used = true
	return putAddress(ns, ma)
}

// ReleaseAddress marks an internal address of an account unused, so
// ChangeAddress returns it again.
func (m *Manager) ReleaseAddress(ns walletdb.ReadWriteBucket, acctID,
	addrID uint32) error {

	ma, err := m.Address(ns, addrID)
	if err != nil {
		return err
	}
	if ma.Account != acctID || !ma.Internal {
		str := fmt.Sprintf("address %d is not a change address of "+
			"account %d", addrID, acctID)
		return managerError(ErrAddressNotFound, str, nil)
	}
	if !ma.Used {
		return nil
	}

	ma.Used = false
	return putAddress(ns, ma)
}

// Address returns the address with the given id.
func (m *Manager) Address(ns walletdb.ReadBucket, id uint32) (*ManagedAddress,
	error) {

	row, err := fetchAddressRow(ns, id)
	if err != nil {
		return nil, err
	}

	return &ManagedAddress{
		ID:       id,
		Account:  row.account,
		Internal: row.internal == 1,
		Index:    row.index,
		PkScript: row.pkScript,
		PubKey:   row.pubKey,
		Used:     row.used == 1,
	}, nil
}

// AddressByScript returns the address paid to by an output script.
func (m *Manager) AddressByScript(ns walletdb.ReadBucket,
	pkScript []byte) (*ManagedAddress, error) {

	v := ns.NestedReadBucket(addrScriptIdxBucketName).Get(pkScript)
	if v == nil {
		return nil, managerError(ErrAddressNotFound, "no address for "+
			"script", nil)
	}
	if len(v) != 4 {
		return nil, managerError(ErrData, "malformed script index", nil)
	}

	return m.Address(ns, binary.BigEndian.Uint32(v))
}

// AccountAddresses returns every address of an account ordered by id.
func (m *Manager) AccountAddresses(ns walletdb.ReadBucket,
	acctID uint32) ([]ManagedAddress, error) {

	if _, err := fetchAccountRow(ns, acctID); err != nil {
		return nil, err
	}

	acctAddrs := ns.NestedReadBucket(acctAddrIdxBucketName).
		NestedReadBucket(uint32ToBytes(acctID))
	if acctAddrs == nil {
		return nil, nil
	}

	var addrs []ManagedAddress
	err := acctAddrs.ForEach(func(k, _ []byte) error {
		ma, err := m.Address(ns, binary.BigEndian.Uint32(k))
		if err != nil {
			return err
		}
		addrs = append(addrs, *ma)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return addrs, nil
}

// DerivationPath returns the full derivation path of an address along with
// the fingerprint of the master key of its wallet.
func (m *Manager) DerivationPath(ns walletdb.ReadBucket,
	addrID uint32) (DerivationPath, uint32, error) {

	ma, err := m.Address(ns, addrID)
	if err != nil {
		return DerivationPath{}, 0, err
	}
	acct, err := fetchAccountRow(ns, ma.Account)
	if err != nil {
		return DerivationPath{}, 0, err
	}
	w, err := fetchWallet(ns, acct.walletID)
	if err != nil {
		return DerivationPath{}, 0, err
	}

	path := DerivationPath{
		Scope: KeyScope{
			Purpose: scopePurposes[AddressType(acct.addrType)],
			Coin:    acct.coinType,
		},
		Account: acct.number,
		Branch:  ma.Branch(),
		Index:   ma.Index,
	}

	return path, w.fingerprint, nil
}

// PrivKey unlocks the wallet owning an address with passphrase and returns
// the private key of the address. A wrong passphrase fails with
// ErrWrongPassphrase.
func (m *Manager) PrivKey(ns walletdb.ReadBucket, addrID uint32,
	passphrase []byte) (*btcec.PrivateKey, error) {

	ma, err := m.Address(ns, addrID)
	if err != nil {
		return nil, err
	}
	acct, err := fetchAccountRow(ns, ma.Account)
	if err != nil {
		return nil, err
	}
	w, err := fetchWallet(ns, acct.walletID)
	if err != nil {
		return nil, err
	}

	cryptoKey, err := unlockCryptoKey(w, passphrase)
	if err != nil {
		return nil, err
	}
	defer cryptoKey.Zero()

	acctKey, err := decryptExtendedKey(cryptoKey, acct.privKeyEnc)
	if err != nil {
		return nil, err
	}
	defer acctKey.Zero()

	branchKey, err := acctKey.Derive(ma.Branch())
	if err != nil {
		str := fmt.Sprintf("failed to derive branch %d", ma.Branch())
		return nil, managerError(ErrKeyChain, str, err)
	}
	defer branchKey.Zero()

	child, err := branchKey.Derive(ma.Index)
	if err != nil {
		str := fmt.Sprintf("failed to derive child %d", ma.Index)
		return nil, managerError(ErrKeyChain, str, err)
	}
	defer child.Zero()

	privKey, err := child.ECPrivKey()
	if err != nil {
		str := "failed to extract private key"
		return nil, managerError(ErrKeyChain, str, err)
	}

	return privKey, nil
}
