// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// This file contains mock implementations of the collaborators of the
// TxBuilder. They are used in various tests to isolate the builder from the
// underlying database.

package wallet

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/spendwallet/waddrmgr"
	"github.com/btcsuite/spendwallet/wallet/txrules"
	"github.com/btcsuite/spendwallet/wtxmgr"
	"github.com/stretchr/testify/mock"
)

// mockAccountStore is a mock implementation of the AccountStore interface.
type mockAccountStore struct {
	mock.Mock
}

// A compile-time assertion to ensure that mockAccountStore implements the
// AccountStore interface.
var _ AccountStore = (*mockAccountStore)(nil)

// ResolveAccount implements the AccountStore interface.
func (m *mockAccountStore) ResolveAccount(
	ref waddrmgr.AccountRef) (*waddrmgr.Account, error) {

	args := m.Called(ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*waddrmgr.Account), args.Error(1)
}

// ChangeAddress implements the AccountStore interface.
func (m *mockAccountStore) ChangeAddress(
	acct *waddrmgr.Account) (*waddrmgr.ManagedAddress, error) {

	args := m.Called(acct)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*waddrmgr.ManagedAddress), args.Error(1)
}

// ReleaseChangeAddress implements the AccountStore interface.
func (m *mockAccountStore) ReleaseChangeAddress(acct *waddrmgr.Account,
	addr *waddrmgr.ManagedAddress) error {

	args := m.Called(acct, addr)
	return args.Error(0)
}

// AddressByScript implements the AccountStore interface.
func (m *mockAccountStore) AddressByScript(acct *waddrmgr.Account,
	pkScript []byte) (*waddrmgr.ManagedAddress, error) {

	args := m.Called(acct, pkScript)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*waddrmgr.ManagedAddress), args.Error(1)
}

// UnlockKey implements the AccountStore interface.
func (m *mockAccountStore) UnlockKey(acct *waddrmgr.Account,
	addr *waddrmgr.ManagedAddress, credential []byte) (*btcec.PrivateKey,
	error) {

	args := m.Called(acct, addr, credential)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*btcec.PrivateKey), args.Error(1)
}

// Derivation implements the AccountStore interface.
func (m *mockAccountStore) Derivation(acct *waddrmgr.Account,
	addr *waddrmgr.ManagedAddress) (*psbt.Bip32Derivation, error) {

	args := m.Called(acct, addr)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*psbt.Bip32Derivation), args.Error(1)
}

// mockCreditSource is a mock implementation of the CreditSource interface.
type mockCreditSource struct {
	mock.Mock
}

// A compile-time assertion to ensure that mockCreditSource implements the
// CreditSource interface.
var _ CreditSource = (*mockCreditSource)(nil)

// ListSpendable implements the CreditSource interface.
func (m *mockCreditSource) ListSpendable(ref waddrmgr.AccountRef,
	minConfs int32, confirmedOnly bool) ([]wtxmgr.Credit, error) {

	args := m.Called(ref, minConfs, confirmedOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]wtxmgr.Credit), args.Error(1)
}

// mockFeePolicy is a mock implementation of the FeePolicy interface.
type mockFeePolicy struct {
	mock.Mock
}

// A compile-time assertion to ensure that mockFeePolicy implements the
// FeePolicy interface.
var _ FeePolicy = (*mockFeePolicy)(nil)

// FeeRate implements the FeePolicy interface.
func (m *mockFeePolicy) FeeRate(confTarget uint32) (txrules.SatPerKVByte,
	error) {

	args := m.Called(confTarget)
	return args.Get(0).(txrules.SatPerKVByte), args.Error(1)
}

// mockers bundles the mocked collaborators of a TxBuilder.
type mockers struct {
	accounts *mockAccountStore
	credits  *mockCreditSource
	fees     *mockFeePolicy
}

// newMockers returns fresh mocks.
func newMockers() *mockers {
	return &mockers{
		accounts: &mockAccountStore{},
		credits:  &mockCreditSource{},
		fees:     &mockFeePolicy{},
	}
}

// builder returns a TxBuilder over the mocks using the default relay fee
// rates.
func (m *mockers) builder() *TxBuilder {
	return NewTxBuilder(Config{
		Accounts:    m.accounts,
		Credits:     m.credits,
		Fees:        m.fees,
		ChainParams: &chainParams,
	})
}

// assertExpectations asserts that every expected call was made.
func (m *mockers) assertExpectations(t mock.TestingT) {
	m.accounts.AssertExpectations(t)
	m.credits.AssertExpectations(t)
	m.fees.AssertExpectations(t)
}
