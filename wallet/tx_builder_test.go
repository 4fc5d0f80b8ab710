// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spendwallet/waddrmgr"
	"github.com/btcsuite/spendwallet/wallet/txauthor"
	"github.com/btcsuite/spendwallet/wallet/txrules"
	"github.com/btcsuite/spendwallet/wallet/txsizes"
	"github.com/btcsuite/spendwallet/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	chainParams = chaincfg.RegressionNetParams

	testRef = waddrmgr.AccountRef{
		WalletName:  "default",
		AccountName: "savings",
	}

	testAccount = &waddrmgr.Account{
		ID:       1,
		WalletID: 1,
		Wallet:   "default",
		Name:     "savings",
		AddrType: waddrmgr.WitnessPubKey,
		CoinType: 1,
	}

	errNotFound = waddrmgr.ManagerError{
		ErrorCode: waddrmgr.ErrAddressNotFound,
	}
)

// p2wkhScript returns a P2WPKH output script whose key hash repeats b.
func p2wkhScript(b byte) []byte {
	script := []byte{txscript.OP_0, txscript.OP_DATA_20}
	return append(script, bytes.Repeat([]byte{b}, 20)...)
}

// testCredit returns a P2WPKH credit of the test account.
func testCredit(idx byte, amount btcutil.Amount, height int32) wtxmgr.Credit {
	return wtxmgr.Credit{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{idx}, Index: 0},
		Amount:   amount,
		PkScript: p2wkhScript(0x10 + idx),
		AddrID:   uint32(idx),
		Height:   height,
	}
}

// changeAddr returns an unused internal address of the test account.
func changeAddr() *waddrmgr.ManagedAddress {
	return &waddrmgr.ManagedAddress{
		ID:       100,
		Account:  testAccount.ID,
		Internal: true,
		PkScript: p2wkhScript(0xcc),
		Used:     true,
	}
}

// requireBuildError asserts that err is a BuildError with the given code.
func requireBuildError(t *testing.T, err error, code ErrorCode) {
	t.Helper()

	require.Error(t, err)
	require.Truef(t, IsError(err, code), "want %v, got %v", code, err)
}

// requireBalanced asserts that the inputs of a result pay for its outputs
// and fee exactly.
func requireBalanced(t *testing.T, res *BuildResult,
	templateInputs btcutil.Amount) {

	t.Helper()

	in := templateInputs + txauthor.SumCreditValues(res.Inputs)
	out := txauthor.SumOutputValues(res.Tx.TxOut)
	require.Equal(t, in, out+res.Fee)
}

// TestBuildTransaction checks the layout, fee and change of built
// transactions.
func TestBuildTransaction(t *testing.T) {
	t.Parallel()

	const btc = btcutil.SatoshiPerBitcoin

	testCases := []struct {
		name       string
		credits    []wtxmgr.Credit
		recipients []btcutil.Amount
		feeRate    txrules.SatPerKVByte
		wantIns    int
		wantOuts   int
		wantVSize  int
		wantFee    btcutil.Amount
	}{
		{
			// One 50 BTC coin paying 7500 sat at 20 sat/vbyte:
			// one P2WPKH input, recipient and change are 141
			// vbytes.
			name:       "single recipient with change",
			credits:    []wtxmgr.Credit{testCredit(1, 50*btc, 1)},
			recipients: []btcutil.Amount{7500},
			feeRate:    20000,
			wantIns:    1,
			wantOuts:   2,
			wantVSize:  141,
			wantFee:    2820,
		},
		{
			name: "three coins for three recipients",
			credits: []wtxmgr.Credit{
				testCredit(1, 50*btc, 1),
				testCredit(2, 50*btc, 1),
				testCredit(3, 50*btc, 1),
				testCredit(4, 50*btc, 1),
			},
			recipients: []btcutil.Amount{50 * btc, 50 * btc, 49 * btc},
			feeRate:    1000,
			wantIns:    3,
			wantOuts:   4,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := newMockers()
			m.accounts.On("ResolveAccount", testRef).Return(
				testAccount, nil,
			)
			m.credits.On("ListSpendable", testRef, int32(1), false).
				Return(tc.credits, nil)
			m.accounts.On("ChangeAddress", testAccount).Return(
				changeAddr(), nil,
			)

			req := &BuildRequest{
				Account:   testRef,
				MinConfs:  1,
				FeeSource: ExplicitFee(tc.feeRate),
			}
			for i, amt := range tc.recipients {
				req.Recipients = append(req.Recipients, Recipient{
					PkScript: p2wkhScript(0xa0 + byte(i)),
					Amount:   amt,
				})
			}

			res, err := m.builder().BuildTransaction(
				context.Background(), req,
			)
			require.NoError(t, err)
			m.assertExpectations(t)

			require.Len(t, res.Tx.TxIn, tc.wantIns)
			require.Len(t, res.Tx.TxOut, tc.wantOuts)
			require.Len(t, res.Inputs, tc.wantIns)
			require.False(t, res.Signed)
			requireBalanced(t, res, 0)

			// Recipients come first, in request order, and change
			// last.
			for i, r := range req.Recipients {
				require.Equal(t, r.PkScript, res.Tx.TxOut[i].PkScript)
				require.EqualValues(t, r.Amount,
					res.Tx.TxOut[i].Value)
			}
			require.Equal(t, len(req.Recipients), res.ChangeIndex)
			require.Equal(t, changeAddr().PkScript,
				res.Tx.TxOut[res.ChangeIndex].PkScript)
			require.True(t, res.ChangeAddress.IsSome())

			// Inputs are spent in candidate order.
			for i, in := range res.Tx.TxIn {
				require.Equal(t, tc.credits[i].OutPoint,
					in.PreviousOutPoint)
			}

			types := make([]txsizes.InputType, tc.wantIns)
			for i := range types {
				types[i] = txsizes.WitnessPubKeyHashInput
			}
			vsize := txsizes.EstimateVirtualSize(
				types, res.Tx.TxOut, 0,
			)
			require.Equal(t, vsize, res.VSize)
			require.Equal(t, tc.feeRate.FeeForVSize(vsize), res.Fee)

			if tc.wantVSize != 0 {
				require.Equal(t, tc.wantVSize, res.VSize)
				require.Equal(t, tc.wantFee, res.Fee)
			}
		})
	}
}

// TestBuildTransactionErrors checks that failing builds report the right
// error code and stop before touching the collaborators they don't need.
func TestBuildTransactionErrors(t *testing.T) {
	t.Parallel()

	recipient := Recipient{PkScript: p2wkhScript(0xaa), Amount: 5000}

	testCases := []struct {
		name       string
		recipients []Recipient
		feeSource  FeeSource
		setupMocks func(m *mockers)
		wantCode   ErrorCode
	}{
		{
			name:       "no recipients",
			feeSource:  ExplicitFee(1000),
			setupMocks: func(m *mockers) {},
			wantCode:   ErrInvalidAmount,
		},
		{
			name: "zero amount",
			recipients: []Recipient{
				recipient,
				{PkScript: p2wkhScript(0xab), Amount: 0},
			},
			feeSource:  ExplicitFee(1000),
			setupMocks: func(m *mockers) {},
			wantCode:   ErrInvalidAmount,
		},
		{
			name: "negative amount",
			recipients: []Recipient{
				{PkScript: p2wkhScript(0xab), Amount: -1},
			},
			feeSource:  ExplicitFee(1000),
			setupMocks: func(m *mockers) {},
			wantCode:   ErrInvalidAmount,
		},
		{
			name: "more than the money supply",
			recipients: []Recipient{
				{
					PkScript: p2wkhScript(0xab),
					Amount:   btcutil.MaxSatoshi,
				},
				recipient,
			},
			feeSource:  ExplicitFee(1000),
			setupMocks: func(m *mockers) {},
			wantCode:   ErrInvalidAmount,
		},
		{
			name: "missing output script",
			recipients: []Recipient{
				{Amount: 5000},
			},
			feeSource:  ExplicitFee(1000),
			setupMocks: func(m *mockers) {},
			wantCode:   ErrInvalidRequest,
		},
		{
			name:       "unknown account",
			recipients: []Recipient{recipient},
			feeSource:  ExplicitFee(1000),
			setupMocks: func(m *mockers) {
				m.accounts.On("ResolveAccount", testRef).Return(
					nil, waddrmgr.ManagerError{
						ErrorCode: waddrmgr.ErrAccountNotFound,
					},
				)
			},
			wantCode: ErrAccountNotFound,
		},
		{
			name:       "insufficient funds",
			recipients: []Recipient{recipient},
			feeSource:  ExplicitFee(1000),
			setupMocks: func(m *mockers) {
				m.accounts.On("ResolveAccount", testRef).Return(
					testAccount, nil,
				)
				m.credits.On("ListSpendable", testRef, int32(0),
					false).Return([]wtxmgr.Credit{
					testCredit(1, 1000, 1),
					testCredit(2, 4000, 1),
				}, nil)
			},
			wantCode: ErrInsufficientFunds,
		},
		{
			name:       "no spendable outputs",
			recipients: []Recipient{recipient},
			feeSource:  ExplicitFee(1000),
			setupMocks: func(m *mockers) {
				m.accounts.On("ResolveAccount", testRef).Return(
					testAccount, nil,
				)
				m.credits.On("ListSpendable", testRef, int32(0),
					false).Return([]wtxmgr.Credit(nil), nil)
			},
			wantCode: ErrInsufficientFunds,
		},
		{
			name:       "fee below relay floor",
			recipients: []Recipient{recipient},
			feeSource:  ExplicitFee(0),
			setupMocks: func(m *mockers) {
				m.accounts.On("ResolveAccount", testRef).Return(
					testAccount, nil,
				)
				m.credits.On("ListSpendable", testRef, int32(0),
					false).Return([]wtxmgr.Credit{
					testCredit(1, 100000, 1),
				}, nil)
			},
			wantCode: ErrFeeTooLow,
		},
		{
			name:       "missing fee source",
			recipients: []Recipient{recipient},
			setupMocks: func(m *mockers) {
				m.accounts.On("ResolveAccount", testRef).Return(
					testAccount, nil,
				)
				m.credits.On("ListSpendable", testRef, int32(0),
					false).Return([]wtxmgr.Credit{
					testCredit(1, 100000, 1),
				}, nil)
			},
			wantCode: ErrInvalidRequest,
		},
		{
			name:       "negative fee rate",
			recipients: []Recipient{recipient},
			feeSource:  ExplicitFee(-1),
			setupMocks: func(m *mockers) {
				m.accounts.On("ResolveAccount", testRef).Return(
					testAccount, nil,
				)
				m.credits.On("ListSpendable", testRef, int32(0),
					false).Return([]wtxmgr.Credit{
					testCredit(1, 100000, 1),
				}, nil)
			},
			wantCode: ErrInvalidRequest,
		},
		{
			name:       "external change address",
			recipients: []Recipient{recipient},
			feeSource:  ExplicitFee(1000),
			setupMocks: func(m *mockers) {
				m.accounts.On("ResolveAccount", testRef).Return(
					testAccount, nil,
				)
				m.credits.On("ListSpendable", testRef, int32(0),
					false).Return([]wtxmgr.Credit{
					testCredit(1, 100000, 1),
				}, nil)

				addr := changeAddr()
				addr.Internal = false
				m.accounts.On("ChangeAddress", testAccount).
					Return(addr, nil)
			},
			wantCode: ErrInvalidRequest,
		},
		{
			name:       "change address paid by a recipient",
			recipients: []Recipient{recipient},
			feeSource:  ExplicitFee(1000),
			setupMocks: func(m *mockers) {
				m.accounts.On("ResolveAccount", testRef).Return(
					testAccount, nil,
				)
				m.credits.On("ListSpendable", testRef, int32(0),
					false).Return([]wtxmgr.Credit{
					testCredit(1, 100000, 1),
				}, nil)

				addr := changeAddr()
				addr.PkScript = recipient.PkScript
				m.accounts.On("ChangeAddress", testAccount).
					Return(addr, nil)
				m.accounts.On("ReleaseChangeAddress",
					testAccount, addr).Return(nil)
			},
			wantCode: ErrInvalidRequest,
		},
		{
			name:       "zero rate from the fee policy",
			recipients: []Recipient{recipient},
			feeSource:  TieredFee(FeeTierMedium),
			setupMocks: func(m *mockers) {
				m.accounts.On("ResolveAccount", testRef).Return(
					testAccount, nil,
				)
				m.credits.On("ListSpendable", testRef, int32(0),
					false).Return([]wtxmgr.Credit{
					testCredit(1, 100000, 1),
				}, nil)
				m.fees.On("FeeRate", uint32(20)).Return(
					txrules.SatPerKVByte(0), nil,
				)
			},
			wantCode: ErrFeeTooLow,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := newMockers()
			tc.setupMocks(m)

			req := &BuildRequest{
				Account:    testRef,
				Recipients: tc.recipients,
				FeeSource:  tc.feeSource,
			}
			_, err := m.builder().BuildTransaction(
				context.Background(), req,
			)
			requireBuildError(t, err, tc.wantCode)
			m.assertExpectations(t)
		})
	}
}

// TestBuildTransactionDustChange checks that change below the dust limit is
// folded into the fee and no change address is allocated.
func TestBuildTransactionDustChange(t *testing.T) {
	t.Parallel()

	m := newMockers()
	m.accounts.On("ResolveAccount", testRef).Return(testAccount, nil)
	m.credits.On("ListSpendable", testRef, int32(0), false).Return(
		[]wtxmgr.Credit{testCredit(1, 1000000, 1)}, nil,
	)

	// At 1 sat/vbyte the transaction is 141 vbytes with change, leaving
	// 536 sat of change, which is dust for a P2WPKH script.
	req := &BuildRequest{
		Account: testRef,
		Recipients: []Recipient{{
			PkScript: p2wkhScript(0xaa),
			Amount:   1000000 - 141 - 536,
		}},
		FeeSource: ExplicitFee(1000),
	}
	res, err := m.builder().BuildTransaction(context.Background(), req)
	require.NoError(t, err)
	m.assertExpectations(t)
	m.accounts.AssertNotCalled(t, "ChangeAddress", mock.Anything)

	require.Len(t, res.Tx.TxOut, 1)
	require.Equal(t, -1, res.ChangeIndex)
	require.True(t, res.ChangeAddress.IsNone())
	require.Equal(t, btcutil.Amount(141+536), res.Fee)
	require.Equal(t, 110, res.VSize)
	requireBalanced(t, res, 0)
}

// TestBuildTransactionTieredFee checks that fee tiers are priced by the fee
// policy at their confirmation target.
func TestBuildTransactionTieredFee(t *testing.T) {
	t.Parallel()

	m := newMockers()
	m.accounts.On("ResolveAccount", testRef).Return(testAccount, nil)
	m.credits.On("ListSpendable", testRef, int32(0), false).Return(
		[]wtxmgr.Credit{testCredit(1, 1000000, 1)}, nil,
	)
	m.accounts.On("ChangeAddress", testAccount).Return(changeAddr(), nil)
	m.fees.On("FeeRate", uint32(5)).Return(
		txrules.SatPerKVByte(20000), nil,
	)

	req := &BuildRequest{
		Account: testRef,
		Recipients: []Recipient{{
			PkScript: p2wkhScript(0xaa),
			Amount:   7500,
		}},
		FeeSource: TieredFee(FeeTierHigh),
	}
	res, err := m.builder().BuildTransaction(context.Background(), req)
	require.NoError(t, err)
	m.assertExpectations(t)

	require.Equal(t, btcutil.Amount(2820), res.Fee)
}

// TestBuildTransactionFeePolicyError checks that fee policy failures abort
// the build.
func TestBuildTransactionFeePolicyError(t *testing.T) {
	t.Parallel()

	errPolicy := errors.New("no estimate")

	m := newMockers()
	m.accounts.On("ResolveAccount", testRef).Return(testAccount, nil)
	m.credits.On("ListSpendable", testRef, int32(0), false).Return(
		[]wtxmgr.Credit{testCredit(1, 1000000, 1)}, nil,
	)
	m.fees.On("FeeRate", uint32(50)).Return(
		txrules.SatPerKVByte(0), errPolicy,
	)

	req := &BuildRequest{
		Account: testRef,
		Recipients: []Recipient{{
			PkScript: p2wkhScript(0xaa),
			Amount:   7500,
		}},
		FeeSource: TieredFee(FeeTierLow),
	}
	_, err := m.builder().BuildTransaction(context.Background(), req)
	require.ErrorIs(t, err, errPolicy)
	m.assertExpectations(t)
}

// TestBuildTransactionShuffle checks that moving the change output keeps the
// fee and the balance of the transaction.
func TestBuildTransactionShuffle(t *testing.T) {
	t.Parallel()

	credits := []wtxmgr.Credit{testCredit(1, 1000000, 1)}
	recipients := []Recipient{
		{PkScript: p2wkhScript(0xa1), Amount: 10000},
		{PkScript: p2wkhScript(0xa2), Amount: 20000},
		{PkScript: p2wkhScript(0xa3), Amount: 30000},
	}

	for i := 0; i < 10; i++ {
		m := newMockers()
		m.accounts.On("ResolveAccount", testRef).Return(
			testAccount, nil,
		)
		m.credits.On("ListSpendable", testRef, int32(0), false).Return(
			credits, nil,
		)
		m.accounts.On("ChangeAddress", testAccount).Return(
			changeAddr(), nil,
		)

		req := &BuildRequest{
			Account:    testRef,
			Recipients: recipients,
			FeeSource:  ExplicitFee(1000),
			Shuffle:    true,
		}
		res, err := m.builder().BuildTransaction(
			context.Background(), req,
		)
		require.NoError(t, err)

		require.Len(t, res.Tx.TxOut, 4)
		require.Equal(t, changeAddr().PkScript,
			res.Tx.TxOut[res.ChangeIndex].PkScript)
		requireBalanced(t, res, 0)

		// The recipients keep their relative order.
		var paid []Recipient
		for j, out := range res.Tx.TxOut {
			if j == res.ChangeIndex {
				continue
			}
			paid = append(paid, Recipient{
				PkScript: out.PkScript,
				Amount:   btcutil.Amount(out.Value),
			})
		}
		require.Equal(t, recipients, paid)
	}
}

// TestBuildTransactionCancelled checks that a cancelled context stops the
// pipeline.
func TestBuildTransactionCancelled(t *testing.T) {
	t.Parallel()

	m := newMockers()
	m.accounts.On("ResolveAccount", testRef).Return(testAccount, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := &BuildRequest{
		Account: testRef,
		Recipients: []Recipient{{
			PkScript: p2wkhScript(0xaa),
			Amount:   7500,
		}},
		FeeSource: ExplicitFee(1000),
	}
	_, err := m.builder().BuildTransaction(ctx, req)
	require.ErrorIs(t, err, context.Canceled)
	m.assertExpectations(t)
	m.credits.AssertNotCalled(t, "ListSpendable", mock.Anything,
		mock.Anything, mock.Anything)
}

// TestBuildTransactionWrongCredential checks that a bad credential fails
// before any change address is allocated.
func TestBuildTransactionWrongCredential(t *testing.T) {
	t.Parallel()

	credit := testCredit(1, 1000000, 1)
	addr := &waddrmgr.ManagedAddress{
		ID:       credit.AddrID,
		Account:  testAccount.ID,
		PkScript: credit.PkScript,
	}

	m := newMockers()
	m.accounts.On("ResolveAccount", testRef).Return(testAccount, nil)
	m.credits.On("ListSpendable", testRef, int32(0), false).Return(
		[]wtxmgr.Credit{credit}, nil,
	)
	m.accounts.On("AddressByScript", testAccount, credit.PkScript).Return(
		addr, nil,
	)
	m.accounts.On("UnlockKey", testAccount, addr, []byte("wrong")).Return(
		nil, waddrmgr.ManagerError{
			ErrorCode: waddrmgr.ErrWrongPassphrase,
		},
	)

	req := &BuildRequest{
		Account: testRef,
		Recipients: []Recipient{{
			PkScript: p2wkhScript(0xaa),
			Amount:   7500,
		}},
		Credential: fn.Some([]byte("wrong")),
		FeeSource:  ExplicitFee(1000),
	}
	_, err := m.builder().BuildTransaction(context.Background(), req)
	requireBuildError(t, err, ErrAuthenticationFailure)
	m.assertExpectations(t)
	m.accounts.AssertNotCalled(t, "ChangeAddress", mock.Anything)
}

// keyedCredit returns a P2WPKH credit of the test account paying key.
func keyedCredit(t *testing.T, idx byte, amount btcutil.Amount,
	key *btcec.PrivateKey) wtxmgr.Credit {

	t.Helper()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()),
		&chainParams,
	)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	c := testCredit(idx, amount, 1)
	c.PkScript = pkScript
	return c
}

// testKey returns a private key whose scalar repeats b.
func testKey(b byte) *btcec.PrivateKey {
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{b}, 32))
	return key
}

// TestBuildTransactionInvalidSignature checks that a change address is
// handed back when the signed transaction fails validation.
func TestBuildTransactionInvalidSignature(t *testing.T) {
	t.Parallel()

	credit := keyedCredit(t, 1, 1000000, testKey(0x21))
	addr := &waddrmgr.ManagedAddress{
		ID:       credit.AddrID,
		Account:  testAccount.ID,
		PkScript: credit.PkScript,
	}
	change := changeAddr()

	m := newMockers()
	m.accounts.On("ResolveAccount", testRef).Return(testAccount, nil)
	m.credits.On("ListSpendable", testRef, int32(0), false).Return(
		[]wtxmgr.Credit{credit}, nil,
	)
	m.accounts.On("AddressByScript", testAccount, credit.PkScript).Return(
		addr, nil,
	)

	// The store hands out a key that doesn't belong to the address.
	m.accounts.On("UnlockKey", testAccount, addr, []byte("secret")).Return(
		testKey(0x55), nil,
	)
	m.accounts.On("ChangeAddress", testAccount).Return(change, nil)
	m.accounts.On("ReleaseChangeAddress", testAccount, change).Return(nil)

	req := &BuildRequest{
		Account: testRef,
		Recipients: []Recipient{{
			PkScript: p2wkhScript(0xaa),
			Amount:   7500,
		}},
		Credential: fn.Some([]byte("secret")),
		FeeSource:  ExplicitFee(1000),
	}
	_, err := m.builder().BuildTransaction(context.Background(), req)
	require.ErrorContains(t, err, "signed transaction is invalid")
	m.assertExpectations(t)
}

// TestBuildTransactionReleaseFailure checks that a failed release doesn't
// mask the error of the build.
func TestBuildTransactionReleaseFailure(t *testing.T) {
	t.Parallel()

	recipient := Recipient{PkScript: p2wkhScript(0xaa), Amount: 7500}
	change := changeAddr()
	change.PkScript = recipient.PkScript

	m := newMockers()
	m.accounts.On("ResolveAccount", testRef).Return(testAccount, nil)
	m.credits.On("ListSpendable", testRef, int32(0), false).Return(
		[]wtxmgr.Credit{testCredit(1, 100000, 1)}, nil,
	)
	m.accounts.On("ChangeAddress", testAccount).Return(change, nil)
	m.accounts.On("ReleaseChangeAddress", testAccount, change).Return(
		errors.New("database closed"),
	)

	req := &BuildRequest{
		Account:    testRef,
		Recipients: []Recipient{recipient},
		FeeSource:  ExplicitFee(1000),
	}
	_, err := m.builder().BuildTransaction(context.Background(), req)
	requireBuildError(t, err, ErrInvalidRequest)
	m.assertExpectations(t)
}

// TestEstimateFee checks that the estimated fee is the fee of the built
// transaction, and that estimating allocates no change address.
func TestEstimateFee(t *testing.T) {
	t.Parallel()

	credits := []wtxmgr.Credit{
		testCredit(1, 40000, 1),
		testCredit(2, 40000, 1),
		testCredit(3, 40000, 1),
	}
	req := &BuildRequest{
		Account: testRef,
		Recipients: []Recipient{{
			PkScript: p2wkhScript(0xaa),
			Amount:   70000,
		}},
		FeeSource: ExplicitFee(5000),
	}

	m := newMockers()
	m.accounts.On("ResolveAccount", testRef).Return(testAccount, nil)
	m.credits.On("ListSpendable", testRef, int32(0), false).Return(
		credits, nil,
	)

	fee, err := m.builder().EstimateFee(context.Background(), req)
	require.NoError(t, err)
	m.assertExpectations(t)
	m.accounts.AssertNotCalled(t, "ChangeAddress", mock.Anything)

	m.accounts.On("ChangeAddress", testAccount).Return(changeAddr(), nil)
	res, err := m.builder().BuildTransaction(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, res.Fee, fee)
	require.Len(t, res.Inputs, 2)

	// Estimation rejects what building rejects.
	req.Recipients[0].Amount = 0
	_, err = m.builder().EstimateFee(context.Background(), req)
	requireBuildError(t, err, ErrInvalidAmount)
}

// TestFundTransaction checks that funding keeps the inputs and outputs of
// the transaction and appends new inputs and change.
func TestFundTransaction(t *testing.T) {
	t.Parallel()

	owned := testCredit(1, 40000, 1)
	credits := []wtxmgr.Credit{
		owned,
		testCredit(2, 100000, 1),
	}
	foreignScript := p2wkhScript(0xaa)

	newTx := func() *wire.MsgTx {
		tx := wire.NewMsgTx(wire.TxVersion)
		tx.AddTxIn(wire.NewTxIn(&owned.OutPoint, nil, nil))
		tx.AddTxOut(wire.NewTxOut(100000, foreignScript))
		return tx
	}

	m := newMockers()
	m.accounts.On("ResolveAccount", testRef).Return(testAccount, nil)
	m.credits.On("ListSpendable", testRef, mock.Anything, false).Return(
		credits, nil,
	)
	m.accounts.On("AddressByScript", testAccount, foreignScript).Return(
		nil, errNotFound,
	)
	m.accounts.On("ChangeAddress", testAccount).Return(changeAddr(), nil)

	tx := newTx()
	req := &BuildRequest{
		Account:   testRef,
		MinConfs:  1,
		FeeSource: ExplicitFee(1000),
		Shuffle:   true,
	}
	res, err := m.builder().FundTransaction(context.Background(), req, tx)
	require.NoError(t, err)
	m.assertExpectations(t)

	// The transaction is funded in place.
	require.Same(t, tx, res.Tx)
	require.Len(t, tx.TxIn, 2)
	require.Equal(t, owned.OutPoint, tx.TxIn[0].PreviousOutPoint)
	require.Equal(t, credits[1].OutPoint, tx.TxIn[1].PreviousOutPoint)
	require.Equal(t, []wtxmgr.Credit{credits[1]}, res.Inputs)

	// Outputs keep their positions, so shuffling is ignored.
	require.Len(t, tx.TxOut, 2)
	require.Equal(t, newTx().TxOut[0], tx.TxOut[0])
	require.Equal(t, 1, res.ChangeIndex)
	requireBalanced(t, res, owned.Amount)
}

// TestFundTransactionExistingChange checks that an output paying an internal
// address of the account collects the change.
func TestFundTransactionExistingChange(t *testing.T) {
	t.Parallel()

	credits := []wtxmgr.Credit{testCredit(1, 100000, 1)}
	foreignScript := p2wkhScript(0xaa)
	change := changeAddr()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(50000, foreignScript))
	tx.AddTxOut(wire.NewTxOut(1000, change.PkScript))

	m := newMockers()
	m.accounts.On("ResolveAccount", testRef).Return(testAccount, nil)
	m.credits.On("ListSpendable", testRef, int32(0), false).Return(
		credits, nil,
	)
	m.accounts.On("AddressByScript", testAccount, foreignScript).Return(
		nil, errNotFound,
	)
	m.accounts.On("AddressByScript", testAccount, change.PkScript).Return(
		change, nil,
	)

	req := &BuildRequest{Account: testRef, FeeSource: ExplicitFee(1000)}
	res, err := m.builder().FundTransaction(context.Background(), req, tx)
	require.NoError(t, err)
	m.assertExpectations(t)
	m.accounts.AssertNotCalled(t, "ChangeAddress", mock.Anything)

	require.Len(t, tx.TxOut, 2)
	require.Equal(t, 1, res.ChangeIndex)
	require.Equal(t, change, res.ChangeAddress.UnwrapOr(nil))
	require.EqualValues(t, 50000, tx.TxOut[0].Value)
	require.EqualValues(t, 100000-50000-res.Fee, tx.TxOut[1].Value)
	requireBalanced(t, res, 0)
}

// TestFundTransactionSignsAllInputs checks that a funded transaction is
// signed over its existing inputs as well as the new ones.
func TestFundTransactionSignsAllInputs(t *testing.T) {
	t.Parallel()

	owned := keyedCredit(t, 1, 40000, testKey(0x21))
	extra := keyedCredit(t, 2, 100000, testKey(0x22))
	ownedAddr := &waddrmgr.ManagedAddress{
		ID:       owned.AddrID,
		Account:  testAccount.ID,
		PkScript: owned.PkScript,
	}
	extraAddr := &waddrmgr.ManagedAddress{
		ID:       extra.AddrID,
		Account:  testAccount.ID,
		PkScript: extra.PkScript,
	}
	foreignScript := p2wkhScript(0xaa)
	credential := []byte("secret")

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&owned.OutPoint, nil, nil))
	tx.AddTxOut(wire.NewTxOut(100000, foreignScript))

	m := newMockers()
	m.accounts.On("ResolveAccount", testRef).Return(testAccount, nil)
	m.credits.On("ListSpendable", testRef, mock.Anything, false).Return(
		[]wtxmgr.Credit{owned, extra}, nil,
	)
	m.accounts.On("AddressByScript", testAccount, foreignScript).Return(
		nil, errNotFound,
	)
	m.accounts.On("AddressByScript", testAccount, owned.PkScript).Return(
		ownedAddr, nil,
	)
	m.accounts.On("AddressByScript", testAccount, extra.PkScript).Return(
		extraAddr, nil,
	)
	m.accounts.On("UnlockKey", testAccount, ownedAddr, credential).Return(
		testKey(0x21), nil,
	)
	m.accounts.On("UnlockKey", testAccount, extraAddr, credential).Return(
		testKey(0x22), nil,
	)
	m.accounts.On("ChangeAddress", testAccount).Return(changeAddr(), nil)

	req := &BuildRequest{
		Account:    testRef,
		Credential: fn.Some(credential),
		FeeSource:  ExplicitFee(1000),
	}
	res, err := m.builder().FundTransaction(context.Background(), req, tx)
	require.NoError(t, err)
	m.assertExpectations(t)

	require.True(t, res.Signed)
	require.Len(t, tx.TxIn, 2)
	require.Equal(t, []wtxmgr.Credit{extra}, res.Inputs)
	requireBalanced(t, res, owned.Amount)

	err = txauthor.ValidateInputScripts(
		tx, [][]byte{owned.PkScript, extra.PkScript},
		[]btcutil.Amount{owned.Amount, extra.Amount}, []int{0, 1},
	)
	require.NoError(t, err)
}

// TestFundTransactionRestoresInputs checks that a built transaction stripped
// of its change and all but one input is funded back to the same shape.
func TestFundTransactionRestoresInputs(t *testing.T) {
	t.Parallel()

	credits := []wtxmgr.Credit{
		testCredit(1, 100000, 1),
		testCredit(2, 100000, 1),
		testCredit(3, 100000, 1),
		testCredit(4, 100000, 1),
	}
	recipients := []Recipient{
		{PkScript: p2wkhScript(0xa1), Amount: 100000},
		{PkScript: p2wkhScript(0xa2), Amount: 100000},
		{PkScript: p2wkhScript(0xa3), Amount: 90000},
	}

	m := newMockers()
	m.accounts.On("ResolveAccount", testRef).Return(testAccount, nil)
	m.credits.On("ListSpendable", testRef, mock.Anything, false).Return(
		credits, nil,
	)
	m.accounts.On("ChangeAddress", testAccount).Return(changeAddr(), nil)
	for _, r := range recipients {
		m.accounts.On("AddressByScript", testAccount, r.PkScript).
			Return(nil, errNotFound)
	}

	req := &BuildRequest{
		Account:    testRef,
		Recipients: recipients,
		FeeSource:  ExplicitFee(1000),
	}
	built, err := m.builder().BuildTransaction(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, built.Tx.TxIn, 3)
	require.Len(t, built.Tx.TxOut, 4)

	// Drop the change and two of the inputs.
	tx := built.Tx
	tx.TxOut = append(
		tx.TxOut[:built.ChangeIndex], tx.TxOut[built.ChangeIndex+1:]...,
	)
	tx.TxIn = tx.TxIn[:1]
	kept := tx.TxIn[0].PreviousOutPoint

	fundReq := &BuildRequest{Account: testRef, FeeSource: ExplicitFee(1000)}
	res, err := m.builder().FundTransaction(
		context.Background(), fundReq, tx,
	)
	require.NoError(t, err)
	m.assertExpectations(t)

	require.Len(t, tx.TxIn, 3)
	require.Len(t, tx.TxOut, 4)
	require.Equal(t, kept, tx.TxIn[0].PreviousOutPoint)
	require.Len(t, res.Inputs, 2)
	for _, c := range res.Inputs {
		require.NotEqual(t, kept, c.OutPoint)
	}
	for i, r := range recipients {
		require.Equal(t, r.PkScript, tx.TxOut[i].PkScript)
		require.EqualValues(t, r.Amount, tx.TxOut[i].Value)
	}
	require.Equal(t, btcutil.Amount(300000)-res.Fee,
		txauthor.SumOutputValues(tx.TxOut))
	requireBalanced(t, res, credits[0].Amount)
}

// TestFundTransactionErrors checks that failed funding leaves the
// transaction alone.
func TestFundTransactionErrors(t *testing.T) {
	t.Parallel()

	owned := testCredit(1, 40000, 1)
	unknown := wire.OutPoint{Hash: chainhash.Hash{0xee}, Index: 3}
	foreignScript := p2wkhScript(0xaa)

	testCases := []struct {
		name       string
		recipients []Recipient
		inputs     []wire.OutPoint
		outputs    []int64
		setupMocks func(m *mockers)
		wantCode   ErrorCode
	}{
		{
			name: "recipients given",
			recipients: []Recipient{{
				PkScript: foreignScript, Amount: 1000,
			}},
			outputs:    []int64{1000},
			setupMocks: func(m *mockers) {},
			wantCode:   ErrInvalidRequest,
		},
		{
			name:       "no outputs",
			setupMocks: func(m *mockers) {},
			wantCode:   ErrInvalidAmount,
		},
		{
			name:       "negative output",
			outputs:    []int64{5000, -1},
			setupMocks: func(m *mockers) {},
			wantCode:   ErrInvalidAmount,
		},
		{
			name:    "unknown input",
			inputs:  []wire.OutPoint{owned.OutPoint, unknown},
			outputs: []int64{1000},
			setupMocks: func(m *mockers) {
				m.accounts.On("ResolveAccount", testRef).Return(
					testAccount, nil,
				)
				m.credits.On("ListSpendable", testRef, int32(0),
					false).Return([]wtxmgr.Credit{owned}, nil)
			},
			wantCode: ErrUnknownInput,
		},
		{
			name:    "duplicate input",
			inputs:  []wire.OutPoint{owned.OutPoint, owned.OutPoint},
			outputs: []int64{1000},
			setupMocks: func(m *mockers) {
				m.accounts.On("ResolveAccount", testRef).Return(
					testAccount, nil,
				)
				m.credits.On("ListSpendable", testRef, int32(0),
					false).Return([]wtxmgr.Credit{owned}, nil)
			},
			wantCode: ErrInvalidRequest,
		},
		{
			name:    "insufficient funds",
			inputs:  []wire.OutPoint{owned.OutPoint},
			outputs: []int64{50000},
			setupMocks: func(m *mockers) {
				m.accounts.On("ResolveAccount", testRef).Return(
					testAccount, nil,
				)
				m.credits.On("ListSpendable", testRef, int32(0),
					false).Return([]wtxmgr.Credit{owned}, nil)
				m.accounts.On("AddressByScript", testAccount,
					foreignScript).Return(nil, errNotFound)
			},
			wantCode: ErrInsufficientFunds,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := newMockers()
			tc.setupMocks(m)

			tx := wire.NewMsgTx(wire.TxVersion)
			for i := range tc.inputs {
				tx.AddTxIn(wire.NewTxIn(&tc.inputs[i], nil, nil))
			}
			for _, v := range tc.outputs {
				tx.AddTxOut(wire.NewTxOut(v, foreignScript))
			}
			orig := tx.Copy()

			req := &BuildRequest{
				Account:    testRef,
				Recipients: tc.recipients,
				FeeSource:  ExplicitFee(1000),
			}
			_, err := m.builder().FundTransaction(
				context.Background(), req, tx,
			)
			requireBuildError(t, err, tc.wantCode)
			m.assertExpectations(t)
			require.Equal(t, orig, tx)
		})
	}

	_, err := newMockers().builder().FundTransaction(
		context.Background(), &BuildRequest{}, nil,
	)
	requireBuildError(t, err, ErrInvalidRequest)
}

// TestMaxSpendable checks the sweep value and fee of an account.
func TestMaxSpendable(t *testing.T) {
	t.Parallel()

	sweepVSize := func(n int) int {
		types := make([]txsizes.InputType, n)
		for i := range types {
			types[i] = txsizes.WitnessPubKeyHashInput
		}
		return txsizes.EstimateVirtualSize(types, []*wire.TxOut{
			wire.NewTxOut(0, p2wkhScript(0)),
		}, 0)
	}

	testCases := []struct {
		name          string
		credits       []wtxmgr.Credit
		confirmedOnly bool
		feeRate       txrules.SatPerKVByte
		wantAmount    btcutil.Amount
		wantFee       btcutil.Amount
	}{
		{
			name:    "no credits",
			credits: nil,
		},
		{
			name: "two credits",
			credits: []wtxmgr.Credit{
				testCredit(1, 100000, 1),
				testCredit(2, 100000, wtxmgr.Unconfirmed),
			},
			feeRate: 1000,
			wantAmount: 200000 - txrules.SatPerKVByte(1000).
				FeeForVSize(sweepVSize(2)),
			wantFee: txrules.SatPerKVByte(1000).FeeForVSize(
				sweepVSize(2),
			),
		},
		{
			name: "confirmed only",
			credits: []wtxmgr.Credit{
				testCredit(1, 100000, 1),
			},
			confirmedOnly: true,
			feeRate:       3000,
			wantAmount: 100000 - txrules.SatPerKVByte(3000).
				FeeForVSize(sweepVSize(1)),
			wantFee: txrules.SatPerKVByte(3000).FeeForVSize(
				sweepVSize(1),
			),
		},
		{
			name: "fee eats everything",
			credits: []wtxmgr.Credit{
				testCredit(1, 50, 1),
			},
			feeRate: 1000,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := newMockers()
			m.accounts.On("ResolveAccount", testRef).Return(
				testAccount, nil,
			)
			m.credits.On("ListSpendable", testRef, int32(0),
				tc.confirmedOnly).Return(tc.credits, nil)
			if len(tc.credits) > 0 {
				m.fees.On("FeeRate", uint32(20)).Return(
					tc.feeRate, nil,
				)
			}

			amount, fee, err := m.builder().MaxSpendable(
				context.Background(), testRef, FeeTierMedium,
				tc.confirmedOnly,
			)
			require.NoError(t, err)
			m.assertExpectations(t)

			require.Equal(t, tc.wantAmount, amount)
			require.Equal(t, tc.wantFee, fee)
		})
	}
}

// TestMaxSpendableUnknownAccount checks that sweeping an unknown account
// fails.
func TestMaxSpendableUnknownAccount(t *testing.T) {
	t.Parallel()

	m := newMockers()
	m.accounts.On("ResolveAccount", testRef).Return(
		nil, waddrmgr.ManagerError{ErrorCode: waddrmgr.ErrWalletNotFound},
	)

	_, _, err := m.builder().MaxSpendable(
		context.Background(), testRef, FeeTierHigh, false,
	)
	requireBuildError(t, err, ErrAccountNotFound)
	m.assertExpectations(t)
}
