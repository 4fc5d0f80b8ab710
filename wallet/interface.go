// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spendwallet/waddrmgr"
	"github.com/btcsuite/spendwallet/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Interface defines the public API of the transaction builder.
//
// Every method runs select, resolve fee, assemble and sign as one synchronous
// pipeline. The context is checked between these stages. No method marks
// outputs spent, so two concurrent builds may select the same output; the
// loser is rejected once the winner is committed elsewhere.
type Interface interface {
	// BuildTransaction creates a transaction paying the recipients of the
	// request from the spendable outputs of its account. The transaction
	// is signed if the request carries a credential.
	BuildTransaction(ctx context.Context, req *BuildRequest) (*BuildResult,
		error)

	// FundTransaction adds inputs, and change if needed, to tx so it pays
	// its outputs and the fee. The inputs and outputs tx already has are
	// kept in place. The request must not name recipients. tx is only
	// replaced if funding succeeds.
	FundTransaction(ctx context.Context, req *BuildRequest,
		tx *wire.MsgTx) (*BuildResult, error)

	// FundPsbt funds a PSBT packet the way FundTransaction funds a
	// transaction. The new inputs carry their UTXO and derivation info,
	// but none of them are signed.
	FundPsbt(ctx context.Context, req *BuildRequest,
		packet *psbt.Packet) (*BuildResult, error)

	// EstimateFee returns the fee BuildTransaction would pay for the same
	// request, without allocating change or signing.
	EstimateFee(ctx context.Context, req *BuildRequest) (btcutil.Amount,
		error)

	// MaxSpendable returns the value a transaction sweeping all spendable
	// outputs of an account into one output would pay, and its fee. Both
	// are zero if the account has nothing to spend or the fee would eat
	// everything.
	MaxSpendable(ctx context.Context, ref waddrmgr.AccountRef,
		tier FeeTier, confirmedOnly bool) (btcutil.Amount,
		btcutil.Amount, error)
}

// AccountStore gives the builder access to accounts, their addresses and
// keys.
type AccountStore interface {
	// ResolveAccount returns the account a reference names.
	ResolveAccount(ref waddrmgr.AccountRef) (*waddrmgr.Account, error)

	// ChangeAddress returns an internal address of the account that was
	// not used before, deriving and persisting a new one if needed. The
	// address isn't returned again unless it is released.
	ChangeAddress(acct *waddrmgr.Account) (*waddrmgr.ManagedAddress,
		error)

	// ReleaseChangeAddress hands a change address that no transaction
	// ended up paying back to the account, so it is returned again by
	// ChangeAddress.
	ReleaseChangeAddress(acct *waddrmgr.Account,
		addr *waddrmgr.ManagedAddress) error

	// AddressByScript returns the address of the account an output
	// script pays to.
	AddressByScript(acct *waddrmgr.Account,
		pkScript []byte) (*waddrmgr.ManagedAddress, error)

	// UnlockKey returns the private key of an address of the account,
	// unlocked with credential.
	UnlockKey(acct *waddrmgr.Account, addr *waddrmgr.ManagedAddress,
		credential []byte) (*btcec.PrivateKey, error)

	// Derivation returns the BIP32 derivation of an address of the
	// account.
	Derivation(acct *waddrmgr.Account,
		addr *waddrmgr.ManagedAddress) (*psbt.Bip32Derivation, error)
}

// CreditSource lists the outputs an account can spend.
type CreditSource interface {
	// ListSpendable returns the unspent outputs of the addresses of an
	// account having at least minConfs confirmations, ordered by address
	// and then by the order they were received in. If confirmedOnly is
	// set, unconfirmed outputs are left out whatever minConfs is.
	ListSpendable(ref waddrmgr.AccountRef, minConfs int32,
		confirmedOnly bool) ([]wtxmgr.Credit, error)
}

// Recipient is a payment of a transaction.
type Recipient struct {
	PkScript []byte
	Amount   btcutil.Amount
}

// BuildRequest describes a transaction to build. It is never modified.
type BuildRequest struct {
	// Account is the account paying for the transaction.
	Account waddrmgr.AccountRef

	// Recipients are paid in the given order.
	Recipients []Recipient

	// Credential unlocks the account keys. Without it the transaction is
	// not signed and must not be treated as final.
	Credential fn.Option[[]byte]

	// MinConfs is the number of confirmations an output needs to be
	// selected.
	MinConfs int32

	// FeeSource names the fee rate to pay.
	FeeSource FeeSource

	// Shuffle moves the change output to a random position.
	Shuffle bool
}

// BuildResult is a transaction produced by the builder.
type BuildResult struct {
	// Tx is the transaction.
	Tx *wire.MsgTx

	// Fee is the absolute fee paid by Tx. Inputs always equal outputs
	// plus Fee.
	Fee btcutil.Amount

	// VSize is the estimated virtual size of Tx once signed.
	VSize int

	// ChangeAddress is the address the change output pays to, if there is
	// one.
	ChangeAddress fn.Option[*waddrmgr.ManagedAddress]

	// ChangeIndex is the index of the change output, or -1.
	ChangeIndex int

	// Inputs are the outputs newly selected to fund Tx, in input order.
	Inputs []wtxmgr.Credit

	// Signed tells whether the new inputs of Tx were signed.
	Signed bool
}
