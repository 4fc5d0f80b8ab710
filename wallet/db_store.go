// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/spendwallet/waddrmgr"
	"github.com/btcsuite/spendwallet/wtxmgr"
)

var (
	// waddrmgrNamespaceKey is the namespace key that the waddrmgr package
	// uses.
	waddrmgrNamespaceKey = []byte("waddrmgr")

	// wtxmgrNamespaceKey is the namespace key that the wtxmgr package uses.
	wtxmgrNamespaceKey = []byte("wtxmgr")
)

// DBStore keeps accounts and their outputs in a walletdb database. It is the
// AccountStore and CreditSource of a TxBuilder, and offers the bookkeeping a
// wallet needs on top of that.
//
// Each method runs in its own database transaction, so DBStore is safe for
// concurrent access.
type DBStore struct {
	db          walletdb.DB
	chainParams *chaincfg.Params
	addrMgr     *waddrmgr.Manager
	txStore     *wtxmgr.Store
}

// A compile time check to ensure that DBStore implements the interfaces.
var (
	_ AccountStore = (*DBStore)(nil)
	_ CreditSource = (*DBStore)(nil)
)

// CreateDBStore creates the namespaces of a new store in db.
func CreateDBStore(db walletdb.DB) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		addrmgrNs, err := tx.CreateTopLevelBucket(waddrmgrNamespaceKey)
		if err != nil {
			return err
		}
		txmgrNs, err := tx.CreateTopLevelBucket(wtxmgrNamespaceKey)
		if err != nil {
			return err
		}

		if err := waddrmgr.Create(addrmgrNs); err != nil {
			return err
		}
		return wtxmgr.Create(txmgrNs)
	})
}

// OpenDBStore opens the store kept in db. nil scrypt options select
// waddrmgr.DefaultScryptOptions.
func OpenDBStore(db walletdb.DB, chainParams *chaincfg.Params,
	scryptOptions *waddrmgr.ScryptOptions) (*DBStore, error) {

	s := &DBStore{db: db, chainParams: chainParams}
	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		addrmgrNs := tx.ReadBucket(waddrmgrNamespaceKey)
		txmgrNs := tx.ReadBucket(wtxmgrNamespaceKey)
		if addrmgrNs == nil || txmgrNs == nil {
			return walletdb.ErrBucketNotFound
		}

		var err error
		s.addrMgr, err = waddrmgr.Open(
			addrmgrNs, chainParams, scryptOptions,
		)
		if err != nil {
			return err
		}

		s.txStore, err = wtxmgr.Open(txmgrNs, chainParams)
		return err
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

// ChainParams returns the network the store keeps addresses for.
func (s *DBStore) ChainParams() *chaincfg.Params {
	return s.chainParams
}

// update runs f in a read-write transaction over both namespaces.
func (s *DBStore) update(f func(addrmgrNs,
	txmgrNs walletdb.ReadWriteBucket) error) error {

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		return f(
			tx.ReadWriteBucket(waddrmgrNamespaceKey),
			tx.ReadWriteBucket(wtxmgrNamespaceKey),
		)
	})
}

// view runs f in a read-only transaction over both namespaces.
func (s *DBStore) view(f func(addrmgrNs, txmgrNs walletdb.ReadBucket) error) error {
	return walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		return f(
			tx.ReadBucket(waddrmgrNamespaceKey),
			tx.ReadBucket(wtxmgrNamespaceKey),
		)
	})
}

// CreateWallet creates a wallet whose keys are derived from seed and
// protected by passphrase.
func (s *DBStore) CreateWallet(name string, seed, passphrase []byte) error {
	return s.update(func(ns, _ walletdb.ReadWriteBucket) error {
		_, err := s.addrMgr.CreateWallet(ns, name, seed, passphrase)
		return err
	})
}

// NewAccount creates an account of a wallet. The passphrase of the wallet is
// needed to derive the account keys.
func (s *DBStore) NewAccount(ref waddrmgr.AccountRef,
	addrType waddrmgr.AddressType, passphrase []byte) (*waddrmgr.Account,
	error) {

	var acct *waddrmgr.Account
	err := s.update(func(ns, _ walletdb.ReadWriteBucket) error {
		var err error
		acct, err = s.addrMgr.NewAccount(
			ns, ref.WalletName, ref.AccountName, addrType,
			passphrase,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	return acct, nil
}

// NewAddress derives the next external address of an account.
func (s *DBStore) NewAddress(ref waddrmgr.AccountRef) (
	*waddrmgr.ManagedAddress, error) {

	var addr *waddrmgr.ManagedAddress
	err := s.update(func(ns, _ walletdb.ReadWriteBucket) error {
		acct, err := s.addrMgr.ResolveAccount(ns, ref)
		if err != nil {
			return err
		}

		addr, err = s.addrMgr.NewAddress(ns, acct.ID, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	return addr, nil
}

// ResolveAccount returns the account a reference names.
//
// This is part of the AccountStore interface.
func (s *DBStore) ResolveAccount(ref waddrmgr.AccountRef) (*waddrmgr.Account,
	error) {

	var acct *waddrmgr.Account
	err := s.view(func(ns, _ walletdb.ReadBucket) error {
		var err error
		acct, err = s.addrMgr.ResolveAccount(ns, ref)
		return err
	})
	if err != nil {
		return nil, err
	}

	return acct, nil
}

// ChangeAddress returns an unused internal address of an account and marks it
// used.
//
// This is part of the AccountStore interface.
func (s *DBStore) ChangeAddress(acct *waddrmgr.Account) (
	*waddrmgr.ManagedAddress, error) {

	var addr *waddrmgr.ManagedAddress
	err := s.update(func(ns, _ walletdb.ReadWriteBucket) error {
		var err error
		addr, err = s.addrMgr.ChangeAddress(ns, acct.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Allocated change address %d (index %d) of %v", addr.ID,
		addr.Index, acct.Ref())

	return addr, nil
}

// ReleaseChangeAddress marks a change address of an account unused again.
//
// This is part of the AccountStore interface.
func (s *DBStore) ReleaseChangeAddress(acct *waddrmgr.Account,
	addr *waddrmgr.ManagedAddress) error {

	err := s.update(func(ns, _ walletdb.ReadWriteBucket) error {
		return s.addrMgr.ReleaseAddress(ns, acct.ID, addr.ID)
	})
	if err != nil {
		return err
	}

	log.Debugf("Released change address %d of %v", addr.ID, acct.Ref())

	return nil
}

// accountAddress returns the address paid to by pkScript if it belongs to
// acct.
func (s *DBStore) accountAddress(ns walletdb.ReadBucket,
	acct *waddrmgr.Account, pkScript []byte) (*waddrmgr.ManagedAddress,
	error) {

	addr, err := s.addrMgr.AddressByScript(ns, pkScript)
	if err != nil {
		return nil, err
	}
	if addr.Account != acct.ID {
		return nil, waddrmgr.ManagerError{
			ErrorCode:   waddrmgr.ErrAddressNotFound,
			Description: "script pays another account",
		}
	}

	return addr, nil
}

// AddressByScript returns the address of an account paid to by pkScript.
//
// This is part of the AccountStore interface.
func (s *DBStore) AddressByScript(acct *waddrmgr.Account,
	pkScript []byte) (*waddrmgr.ManagedAddress, error) {

	var addr *waddrmgr.ManagedAddress
	err := s.view(func(ns, _ walletdb.ReadBucket) error {
		var err error
		addr, err = s.accountAddress(ns, acct, pkScript)
		return err
	})
	if err != nil {
		return nil, err
	}

	return addr, nil
}

// UnlockKey returns the private key of an address of an account.
//
// This is part of the AccountStore interface.
func (s *DBStore) UnlockKey(acct *waddrmgr.Account,
	addr *waddrmgr.ManagedAddress, credential []byte) (*btcec.PrivateKey,
	error) {

	if addr.Account != acct.ID {
		return nil, fmt.Errorf("address %d is not an address of %v",
			addr.ID, acct.Ref())
	}

	var key *btcec.PrivateKey
	err := s.view(func(ns, _ walletdb.ReadBucket) error {
		var err error
		key, err = s.addrMgr.PrivKey(ns, addr.ID, credential)
		return err
	})
	if err != nil {
		return nil, err
	}

	return key, nil
}

// Derivation returns the BIP32 derivation of an address of an account.
//
// This is part of the AccountStore interface.
func (s *DBStore) Derivation(acct *waddrmgr.Account,
	addr *waddrmgr.ManagedAddress) (*psbt.Bip32Derivation, error) {

	if addr.Account != acct.ID {
		return nil, fmt.Errorf("address %d is not an address of %v",
			addr.ID, acct.Ref())
	}

	var (
		path        waddrmgr.DerivationPath
		fingerprint uint32
	)
	err := s.view(func(ns, _ walletdb.ReadBucket) error {
		var err error
		path, fingerprint, err = s.addrMgr.DerivationPath(ns, addr.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &psbt.Bip32Derivation{
		PubKey:               addr.PubKey,
		MasterKeyFingerprint: fingerprint,
		Bip32Path:            path.Path(),
	}, nil
}

// ListSpendable returns the unspent outputs of an account with at least
// minConfs confirmations. confirmedOnly leaves out unconfirmed outputs.
//
// This is part of the CreditSource interface.
func (s *DBStore) ListSpendable(ref waddrmgr.AccountRef, minConfs int32,
	confirmedOnly bool) ([]wtxmgr.Credit, error) {

	if confirmedOnly && minConfs < 1 {
		minConfs = 1
	}

	var credits []wtxmgr.Credit
	err := s.view(func(addrmgrNs, txmgrNs walletdb.ReadBucket) error {
		acct, err := s.addrMgr.ResolveAccount(addrmgrNs, ref)
		if err != nil {
			return err
		}

		addrs, err := s.addrMgr.AccountAddresses(addrmgrNs, acct.ID)
		if err != nil {
			return err
		}
		addrIDs := make([]uint32, 0, len(addrs))
		for _, addr := range addrs {
			addrIDs = append(addrIDs, addr.ID)
		}

		credits, err = s.txStore.UnspentCredits(
			txmgrNs, addrIDs, minConfs,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	return credits, nil
}

// AddCredit records an output paying to an address of the store. Heights of
// wtxmgr.Unconfirmed record an unconfirmed output. The address is marked used.
func (s *DBStore) AddCredit(op wire.OutPoint, txOut *wire.TxOut,
	height int32) (*waddrmgr.ManagedAddress, error) {

	var addr *waddrmgr.ManagedAddress
	err := s.update(func(addrmgrNs, txmgrNs walletdb.ReadWriteBucket) error {
		var err error
		addr, err = s.addrMgr.AddressByScript(addrmgrNs, txOut.PkScript)
		if err != nil {
			return err
		}

		err = s.txStore.AddCredit(txmgrNs, &wtxmgr.Credit{
			OutPoint: op,
			Amount:   btcutil.Amount(txOut.Value),
			PkScript: txOut.PkScript,
			AddrID:   addr.ID,
			Height:   height,
		})
		if err != nil {
			return err
		}

		return s.addrMgr.MarkUsed(addrmgrNs, addr.ID)
	})
	if err != nil {
		return nil, err
	}

	return addr, nil
}

// RecordSpend marks the outputs of the store spent by tx as spent, and
// records the outputs of tx paying to addresses of the store as unconfirmed
// credits.
func (s *DBStore) RecordSpend(tx *wire.MsgTx) error {
	txHash := tx.TxHash()

	return s.update(func(addrmgrNs, txmgrNs walletdb.ReadWriteBucket) error {
		for _, in := range tx.TxIn {
			op := in.PreviousOutPoint
			_, err := s.txStore.Credit(txmgrNs, &op)
			if wtxmgr.IsError(err, wtxmgr.ErrCreditNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			err = s.txStore.MarkSpent(txmgrNs, &op, txHash)
			if err != nil {
				return err
			}
		}

		for i, out := range tx.TxOut {
			addr, err := s.addrMgr.AddressByScript(
				addrmgrNs, out.PkScript,
			)
			if waddrmgr.IsError(err, waddrmgr.ErrAddressNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			err = s.txStore.AddCredit(txmgrNs, &wtxmgr.Credit{
				OutPoint: *wire.NewOutPoint(&txHash, uint32(i)),
				Amount:   btcutil.Amount(out.Value),
				PkScript: out.PkScript,
				AddrID:   addr.ID,
				Height:   wtxmgr.Unconfirmed,
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
}

// ConfirmCredit records the height of the block that mined an output.
func (s *DBStore) ConfirmCredit(op wire.OutPoint, height int32) error {
	return s.update(func(_, txmgrNs walletdb.ReadWriteBucket) error {
		return s.txStore.ConfirmCredit(txmgrNs, &op, height)
	})
}

// SetTip records the height of the best block.
func (s *DBStore) SetTip(height int32) error {
	return s.update(func(_, txmgrNs walletdb.ReadWriteBucket) error {
		return s.txStore.SetTip(txmgrNs, height)
	})
}

// Tip returns the height of the best block.
func (s *DBStore) Tip() (int32, error) {
	var tip int32
	err := s.view(func(_, txmgrNs walletdb.ReadBucket) error {
		var err error
		tip, err = s.txStore.Tip(txmgrNs)
		return err
	})
	return tip, err
}

// Balance returns the total value of the unspent outputs of an account with
// at least minConfs confirmations.
func (s *DBStore) Balance(ref waddrmgr.AccountRef,
	minConfs int32) (btcutil.Amount, error) {

	credits, err := s.ListSpendable(ref, minConfs, false)
	if err != nil {
		return 0, err
	}

	var total btcutil.Amount
	for _, c := range credits {
		total += c.Amount
	}
	return total, nil
}
