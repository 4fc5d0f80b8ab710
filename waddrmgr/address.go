// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/spendwallet/wallet/txsizes"
)

// AddressType represents the various address types waddrmgr is currently able
// to generate, and maintain.
//
// NOTE: These MUST be stable as they're used for scope address schema
// recognition within the database.
type AddressType uint8

const (
	// PubKeyHash is a regular p2pkh address.
	PubKeyHash AddressType = iota

	// NestedWitnessPubKey represents a p2wkh output nested within a p2sh
	// output. Using this address type, the wallet can receive funds from
	// other wallet's which don't yet recognize the new segwit standard
	// output types. Receiving funds to this address maintains the
	// scalability, and malleability fixes due to segwit in a backwards
	// compatible manner.
	NestedWitnessPubKey

	// WitnessPubKey represents a p2wkh (pay-to-witness-key-hash) address
	// type.
	WitnessPubKey

	// TaprootPubKey represents a p2tr (pay-to-taproot) address type that
	// uses BIP-0086 (no script path, only key spend path).
	TaprootPubKey
)

// String returns the name of the address type.
func (t AddressType) String() string {
	switch t {
	case PubKeyHash:
		return "p2pkh"
	case NestedWitnessPubKey:
		return "np2wkh"
	case WitnessPubKey:
		return "p2wkh"
	case TaprootPubKey:
		return "p2tr"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseAddressType parses the name of an address type as printed by String.
func ParseAddressType(s string) (AddressType, error) {
	for _, t := range []AddressType{
		PubKeyHash, NestedWitnessPubKey, WitnessPubKey, TaprootPubKey,
	} {
		if t.String() == s {
			return t, nil
		}
	}

	str := fmt.Sprintf("unknown address type %q", s)
	return 0, managerError(ErrInvalidAccount, str, nil)
}

// KeyScope represents a restricted key scope from the primary root key within
// the HD chain. Accounts of a scope are derived at
// m/purpose'/cointype'/account'.
type KeyScope struct {
	// Purpose is the purpose of this key scope. This is the first child of
	// the master HD key.
	Purpose uint32

	// Coin is a value that represents the particular coin which is the
	// child of the purpose key.
	Coin uint32
}

// String returns a human readable version describing the keypath encapsulated
// by the target key scope.
func (k *KeyScope) String() string {
	return fmt.Sprintf("m/%v'/%v'", k.Purpose, k.Coin)
}

// scopePurposes maps every address type to the BIP43 purpose of the scope
// its accounts are derived under.
var scopePurposes = map[AddressType]uint32{
	PubKeyHash:          44,
	NestedWitnessPubKey: 49,
	WitnessPubKey:       84,
	TaprootPubKey:       86,
}

// ScopeForAddressType returns the key scope for accounts of an address type on
// the given network.
func ScopeForAddressType(t AddressType, params *chaincfg.Params) (KeyScope,
	error) {

	purpose, ok := scopePurposes[t]
	if !ok {
		str := fmt.Sprintf("unsupported address type %v", t)
		return KeyScope{}, managerError(ErrInvalidAccount, str, nil)
	}

	return KeyScope{Purpose: purpose, Coin: params.HDCoinType}, nil
}

// Branches of an account.
const (
	ExternalBranch uint32 = 0
	InternalBranch uint32 = 1
)

// DerivationPath is the full BIP32 path of an address key:
// m/purpose'/cointype'/account'/branch/index.
type DerivationPath struct {
	Scope   KeyScope
	Account uint32
	Branch  uint32
	Index   uint32
}

// Path returns the path as the list of child indexes used by PSBT derivation
// records.
func (p DerivationPath) Path() []uint32 {
	const hardened = 0x80000000

	return []uint32{
		p.Scope.Purpose + hardened,
		p.Scope.Coin + hardened,
		p.Account + hardened,
		p.Branch,
		p.Index,
	}
}

// AccountRef names an account by its wallet and account names.
type AccountRef struct {
	WalletName  string
	AccountName string
}

// String returns the ref as wallet/account.
func (r AccountRef) String() string {
	return r.WalletName + "/" + r.AccountName
}

// Account is an account of a wallet. All of its addresses share one address
// type.
type Account struct {
	// ID is the manager-wide id of the account.
	ID uint32

	// WalletID is the id of the wallet owning the account.
	WalletID uint32

	// Wallet is the name of the wallet owning the account.
	Wallet string

	// Name is unique within the wallet.
	Name string

	// Number is the hardened account index within the account's key
	// scope.
	Number uint32

	// AddrType is the type of every address of the account.
	AddrType AddressType

	// CoinType is the BIP44 coin type the account is bound to.
	CoinType uint32
}

// Ref returns the reference that resolves to the account.
func (a *Account) Ref() AccountRef {
	return AccountRef{WalletName: a.Wallet, AccountName: a.Name}
}

// Scope returns the key scope of the account.
func (a *Account) Scope() KeyScope {
	return KeyScope{Purpose: scopePurposes[a.AddrType], Coin: a.CoinType}
}

// ScriptSize returns the size of the output scripts of the account.
func (a *Account) ScriptSize() int {
	return ScriptSize(a.AddrType)
}

// ScriptSize returns the size of the output script paying to an address of
// the given type.
func ScriptSize(t AddressType) int {
	switch t {
	case PubKeyHash:
		return txsizes.P2PKHPkScriptSize
	case NestedWitnessPubKey:
		return txsizes.NestedP2WPKHPkScriptSize
	case WitnessPubKey:
		return txsizes.P2WPKHPkScriptSize
	case TaprootPubKey:
		return txsizes.P2TRPkScriptSize
	default:
		return 0
	}
}

// ManagedAddress is an address derived for an account.
type ManagedAddress struct {
	// ID is the manager-wide id of the address.
	ID uint32

	// Account is the id of the account the address belongs to.
	Account uint32

	// Internal is set for change addresses.
	Internal bool

	// Index is the child index of the address within its branch.
	Index uint32

	// PkScript is the output script paying to the address.
	PkScript []byte

	// PubKey is the compressed public key of the address.
	PubKey []byte

	// Used is set once the address has received an output or has been
	// handed out as change.
	Used bool
}

// Branch returns the branch the address was derived on.
func (a *ManagedAddress) Branch() uint32 {
	if a.Internal {
		return InternalBranch
	}
	return ExternalBranch
}

// Address decodes the output script of the address for the given network.
func (a *ManagedAddress) Address(params *chaincfg.Params) (btcutil.Address,
	error) {

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(a.PkScript, params)
	if err != nil {
		return nil, err
	}
	if len(addrs) != 1 {
		return nil, fmt.Errorf("address script pays %d addresses",
			len(addrs))
	}

	return addrs[0], nil
}

// encodeAddress returns the address paying to pubKey for an address type.
func encodeAddress(t AddressType, pubKey *btcec.PublicKey,
	params *chaincfg.Params) (btcutil.Address, error) {

	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())

	switch t {
	case PubKeyHash:
		return btcutil.NewAddressPubKeyHash(pubKeyHash, params)

	case NestedWitnessPubKey:
		// For this address type we'll generate an address which is
		// backwards compatible to Bitcoin nodes running 0.6.0 onwards,
		// but allows us to take advantage of segwit's scripting
		// improvements, and malleability fixes.

		// First, we'll generate a normal p2wkh address from the pubkey
		// hash.
		witAddr, err := btcutil.NewAddressWitnessPubKeyHash(
			pubKeyHash, params,
		)
		if err != nil {
			return nil, err
		}

		// Next we'll generate the witness program which can be used as
		// a pkScript to pay to this generated address.
		witnessProgram, err := txscript.PayToAddrScript(witAddr)
		if err != nil {
			return nil, err
		}

		// Finally, we'll use the witness program itself as the pre-image
		// to a p2sh address. In order to spend, we first use the
		// witnessProgram as the sigScript, then present the proper
		// <sig, pubkey> pair as the witness.
		return btcutil.NewAddressScriptHash(witnessProgram, params)

	case WitnessPubKey:
		return btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)

	case TaprootPubKey:
		tapKey := txscript.ComputeTaprootKeyNoScript(pubKey)
		return btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(tapKey), params,
		)

	default:
		return nil, fmt.Errorf("unsupported address type %v", t)
	}
}
