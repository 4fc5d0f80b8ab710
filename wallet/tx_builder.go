// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet builds, funds and signs transactions spending the outputs of
// a wallet account.
package wallet

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spendwallet/waddrmgr"
	"github.com/btcsuite/spendwallet/wallet/txauthor"
	"github.com/btcsuite/spendwallet/wallet/txrules"
	"github.com/btcsuite/spendwallet/wallet/txsizes"
	"github.com/btcsuite/spendwallet/wtxmgr"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Config holds the collaborators and policy of a TxBuilder.
type Config struct {
	// Accounts resolves accounts and hands out change addresses and keys.
	Accounts AccountStore

	// Credits lists the spendable outputs of accounts.
	Credits CreditSource

	// Fees quotes fee rates for fee tiers.
	Fees FeePolicy

	// ChainParams are the parameters of the network the transactions are
	// built for.
	ChainParams *chaincfg.Params

	// MinRelayFeeRate is the lowest fee rate a built transaction may pay.
	// Zero selects txrules.DefaultRelayFeePerKb.
	MinRelayFeeRate txrules.SatPerKVByte

	// DustRelayFeeRate decides whether a change output is dust. Zero
	// selects txrules.DefaultRelayFeePerKb.
	DustRelayFeeRate txrules.SatPerKVByte
}

// TxBuilder builds transactions for the accounts of an AccountStore.
type TxBuilder struct {
	cfg Config
}

// A compile time check to ensure that TxBuilder implements the interface.
var _ Interface = (*TxBuilder)(nil)

// NewTxBuilder returns a builder using the given configuration.
func NewTxBuilder(cfg Config) *TxBuilder {
	if cfg.MinRelayFeeRate == 0 {
		cfg.MinRelayFeeRate = txrules.DefaultRelayFeePerKb
	}
	if cfg.DustRelayFeeRate == 0 {
		cfg.DustRelayFeeRate = txrules.DefaultRelayFeePerKb
	}

	return &TxBuilder{cfg: cfg}
}

// finishOptions tell finish what to do with a resolved transaction.
type finishOptions struct {
	// shuffle moves a change output to a random position.
	shuffle bool

	// sign signs the new inputs if the request carries a credential.
	sign bool

	// signTemplate also signs the template inputs. They must all spend
	// outputs of the account.
	signTemplate bool

	// change is the address of a change output the template already has.
	change fn.Option[*waddrmgr.ManagedAddress]
}

// checkCtx fails if ctx is done. It is called between pipeline stages.
func checkCtx(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return nil
}

// recipientOutputs validates the recipients of a request and returns them as
// transaction outputs.
func recipientOutputs(recipients []Recipient) ([]*wire.TxOut, error) {
	if len(recipients) == 0 {
		return nil, buildError(ErrInvalidAmount, "no recipients", nil)
	}

	var total btcutil.Amount
	outputs := make([]*wire.TxOut, 0, len(recipients))
	for i, r := range recipients {
		if r.Amount <= 0 {
			str := fmt.Sprintf("recipient %d: amount %v is not "+
				"positive", i, r.Amount)
			return nil, buildError(ErrInvalidAmount, str, nil)
		}
		if len(r.PkScript) == 0 {
			str := fmt.Sprintf("recipient %d: empty output script", i)
			return nil, buildError(ErrInvalidRequest, str, nil)
		}

		total += r.Amount
		if total > btcutil.MaxSatoshi {
			str := fmt.Sprintf("recipients pay more than %v",
				btcutil.Amount(btcutil.MaxSatoshi))
			return nil, buildError(ErrInvalidAmount, str, nil)
		}

		outputs = append(outputs, wire.NewTxOut(
			int64(r.Amount), r.PkScript,
		))
	}

	return outputs, nil
}

// resolveAccount resolves the account a request is paid from.
func (b *TxBuilder) resolveAccount(ref waddrmgr.AccountRef) (
	*waddrmgr.Account, error) {

	acct, err := b.cfg.Accounts.ResolveAccount(ref)
	if err != nil {
		str := fmt.Sprintf("unable to resolve account %v", ref)
		return nil, classifyError(str, err)
	}

	return acct, nil
}

// resolve selects the inputs of a template and settles its fee. Outputs
// already spent by the template are never selected again.
func (b *TxBuilder) resolve(ctx context.Context, acct *waddrmgr.Account,
	req *BuildRequest, tmpl *txauthor.Template) (*txauthor.FeeResolution,
	error) {

	if err := checkCtx(ctx, "coin selection"); err != nil {
		return nil, err
	}

	candidates, err := b.cfg.Credits.ListSpendable(
		acct.Ref(), req.MinConfs, false,
	)
	if err != nil {
		return nil, classifyError("unable to list spendable outputs",
			err)
	}

	feeRate, err := resolveFeeRate(req.FeeSource, b.cfg.Fees)
	if err != nil {
		return nil, err
	}

	existing := make([]wire.OutPoint, 0, len(tmpl.Inputs))
	for _, c := range tmpl.Inputs {
		existing = append(existing, c.OutPoint)
	}
	selector := txauthor.NewCoinSelector(candidates, existing)

	res, err := txauthor.ResolveFee(tmpl, selector, txauthor.FeeParams{
		FeeRate:          feeRate,
		DustRelayFee:     b.cfg.DustRelayFeeRate,
		ChangeScriptSize: acct.ScriptSize(),
	})
	if err != nil {
		return nil, classifyError("unable to fund transaction", err)
	}

	minFee := txrules.MinRelayFee(res.VSize, b.cfg.MinRelayFeeRate)
	if res.Fee < minFee {
		str := fmt.Sprintf("fee %v is below the minimum relay fee %v "+
			"of a %d vbyte transaction", res.Fee, minFee, res.VSize)
		return nil, buildError(ErrFeeTooLow, str, nil)
	}

	log.Debugf("Resolved fee %v at %v for %v: %d new inputs, change %v, "+
		"%d vbytes after %d %s", res.Fee, feeRate, acct.Ref(),
		len(res.Inputs), res.Change, res.VSize, res.Rounds,
		pickNoun(res.Rounds, "round", "rounds"))

	return res, nil
}

// keyring is a txauthor.SecretsSource over the unlocked keys of a build. Keys
// are indexed by the output script they sign for.
type keyring struct {
	params *chaincfg.Params
	keys   map[string]*btcec.PrivateKey
}

// A compile time check to ensure that keyring implements the interface.
var _ txauthor.SecretsSource = (*keyring)(nil)

// GetKey returns the private key of an address.
func (k *keyring) GetKey(addr btcutil.Address) (*btcec.PrivateKey, bool,
	error) {

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, false, err
	}

	key, ok := k.keys[string(pkScript)]
	if !ok {
		return nil, false, fmt.Errorf("no key for address %v",
			addr.EncodeAddress())
	}

	return key, true, nil
}

// GetScript fails, accounts only hold single key addresses.
func (k *keyring) GetScript(addr btcutil.Address) ([]byte, error) {
	return nil, fmt.Errorf("no script for address %v", addr.EncodeAddress())
}

// ChainParams returns the network the keys are used on.
func (k *keyring) ChainParams() *chaincfg.Params {
	return k.params
}

// zero clears every key of the keyring.
func (k *keyring) zero() {
	for script, key := range k.keys {
		key.Zero()
		delete(k.keys, script)
	}
}

// unlockKeys unlocks the keys of the addresses that credits pay to.
func (b *TxBuilder) unlockKeys(acct *waddrmgr.Account,
	credits []wtxmgr.Credit, credential []byte) (*keyring, error) {

	keys := &keyring{
		params: b.cfg.ChainParams,
		keys:   make(map[string]*btcec.PrivateKey, len(credits)),
	}
	for _, c := range credits {
		if _, ok := keys.keys[string(c.PkScript)]; ok {
			continue
		}

		addr, err := b.cfg.Accounts.AddressByScript(acct, c.PkScript)
		if err != nil {
			keys.zero()
			str := fmt.Sprintf("unable to find address of %v",
				c.OutPoint)
			return nil, classifyError(str, err)
		}

		key, err := b.cfg.Accounts.UnlockKey(acct, addr, credential)
		if err != nil {
			keys.zero()
			str := fmt.Sprintf("unable to unlock key of address %d",
				addr.ID)
			return nil, classifyError(str, err)
		}

		keys.keys[string(c.PkScript)] = key
	}

	return keys, nil
}

// finish lays out a resolved transaction, allocating a change address if
// needed, and signs its inputs. A change address allocated here is released
// again if the transaction can't be completed.
func (b *TxBuilder) finish(ctx context.Context, acct *waddrmgr.Account,
	req *BuildRequest, tmpl *txauthor.Template,
	res *txauthor.FeeResolution, opts finishOptions) (*BuildResult, error) {

	// Keys are unlocked before any change address is handed out, so a bad
	// credential leaves the account untouched.
	var keys *keyring
	if opts.sign && req.Credential.IsSome() {
		if err := checkCtx(ctx, "key unlock"); err != nil {
			return nil, err
		}

		signing := res.Inputs
		if opts.signTemplate {
			signing = append(
				append([]wtxmgr.Credit(nil), tmpl.Inputs...),
				res.Inputs...,
			)
		}

		var err error
		keys, err = b.unlockKeys(
			acct, signing, req.Credential.UnwrapOr(nil),
		)
		if err != nil {
			return nil, err
		}
		defer keys.zero()
	}

	if err := checkCtx(ctx, "assembly"); err != nil {
		return nil, err
	}

	changeAddr := opts.change
	var allocated *waddrmgr.ManagedAddress
	changeSource := &txauthor.ChangeSource{
		ScriptSize: acct.ScriptSize(),
		NewScript: func() ([]byte, error) {
			addr, err := b.cfg.Accounts.ChangeAddress(acct)
			if err != nil {
				return nil, classifyError("unable to allocate "+
					"change address", err)
			}
			if !addr.Internal {
				str := fmt.Sprintf("change address %d is "+
					"external", addr.ID)
				return nil, buildError(ErrInvalidRequest, str,
					nil)
			}
			allocated = addr

			for _, out := range tmpl.Tx.TxOut {
				if bytes.Equal(out.PkScript, addr.PkScript) {
					str := fmt.Sprintf("change address %d "+
						"is paid by the transaction",
						addr.ID)
					return nil, buildError(
						ErrInvalidRequest, str, nil,
					)
				}
			}

			changeAddr = fn.Some(addr)
			return addr.PkScript, nil
		},
	}

	authored, err := b.authorTx(ctx, tmpl, res, changeSource, keys, opts)
	if err != nil {
		if allocated != nil {
			b.releaseChange(acct, allocated)
		}
		return nil, err
	}

	log.Tracef("Built transaction %v", newLogClosure(func() string {
		return spew.Sdump(authored.Tx)
	}))

	return &BuildResult{
		Tx:            authored.Tx,
		Fee:           authored.Fee,
		VSize:         authored.VSize,
		ChangeAddress: changeAddr,
		ChangeIndex:   authored.ChangeIndex,
		Inputs:        authored.NewInputs,
		Signed:        keys != nil,
	}, nil
}

// authorTx assembles a resolved transaction and signs it if keys are given.
func (b *TxBuilder) authorTx(ctx context.Context, tmpl *txauthor.Template,
	res *txauthor.FeeResolution, changeSource *txauthor.ChangeSource,
	keys *keyring, opts finishOptions) (*txauthor.AuthoredTx, error) {

	authored, err := txauthor.Assemble(tmpl, res, changeSource)
	if err != nil {
		return nil, classifyError("unable to assemble transaction", err)
	}

	if opts.shuffle {
		authored.RandomizeChangePosition()
	}

	if keys == nil {
		return authored, nil
	}

	if err := checkCtx(ctx, "signing"); err != nil {
		return nil, err
	}

	sign := authored.AddInputScripts
	validate := authored.ValidateInputScripts
	if opts.signTemplate {
		sign = authored.AddAllInputScripts
		validate = authored.ValidateAllInputScripts
	}

	if err := sign(keys); err != nil {
		return nil, fmt.Errorf("unable to sign transaction: %w", err)
	}
	if err := validate(); err != nil {
		return nil, fmt.Errorf("signed transaction is invalid: %w", err)
	}

	return authored, nil
}

// releaseChange hands an unused change address back to the account.
func (b *TxBuilder) releaseChange(acct *waddrmgr.Account,
	addr *waddrmgr.ManagedAddress) {

	if err := b.cfg.Accounts.ReleaseChangeAddress(acct, addr); err != nil {
		log.Warnf("Unable to release change address %d of %v: %v",
			addr.ID, acct.Ref(), err)
	}
}

// BuildTransaction creates a transaction paying the recipients of the request
// from the spendable outputs of its account. The transaction is signed if the
// request carries a credential.
//
// This is part of the Interface interface.
func (b *TxBuilder) BuildTransaction(ctx context.Context,
	req *BuildRequest) (*BuildResult, error) {

	if req == nil {
		return nil, buildError(ErrInvalidRequest, "nil request", nil)
	}

	outputs, err := recipientOutputs(req.Recipients)
	if err != nil {
		return nil, err
	}

	acct, err := b.resolveAccount(req.Account)
	if err != nil {
		return nil, err
	}

	tmpl := txauthor.NewTemplate(outputs)
	res, err := b.resolve(ctx, acct, req, tmpl)
	if err != nil {
		return nil, err
	}

	result, err := b.finish(ctx, acct, req, tmpl, res, finishOptions{
		shuffle: req.Shuffle,
		sign:    true,
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Built transaction %v paying %d %s from %v with fee %v",
		result.Tx.TxHash(), len(req.Recipients),
		pickNoun(len(req.Recipients), "recipient", "recipients"),
		acct.Ref(), result.Fee)

	return result, nil
}

// EstimateFee returns the fee BuildTransaction would pay for the same request.
// No change address is allocated and no key is unlocked.
//
// This is part of the Interface interface.
func (b *TxBuilder) EstimateFee(ctx context.Context,
	req *BuildRequest) (btcutil.Amount, error) {

	if req == nil {
		return 0, buildError(ErrInvalidRequest, "nil request", nil)
	}

	outputs, err := recipientOutputs(req.Recipients)
	if err != nil {
		return 0, err
	}

	acct, err := b.resolveAccount(req.Account)
	if err != nil {
		return 0, err
	}

	res, err := b.resolve(ctx, acct, req, txauthor.NewTemplate(outputs))
	if err != nil {
		return 0, err
	}

	return res.Fee, nil
}

// fundingInput values an input of a transaction to be funded that does not
// spend an output of the account.
type fundingInput func(idx int, op wire.OutPoint) (wtxmgr.Credit, bool)

// fundingTemplate turns a transaction to be funded into a template. Its inputs
// are looked up among the outputs of the account, falling back to foreign,
// and its first output paying an internal address of the account becomes the
// change output.
func (b *TxBuilder) fundingTemplate(acct *waddrmgr.Account, tx *wire.MsgTx,
	foreign fundingInput) (*txauthor.Template,
	fn.Option[*waddrmgr.ManagedAddress], error) {

	none := fn.None[*waddrmgr.ManagedAddress]()

	owned, err := b.cfg.Credits.ListSpendable(acct.Ref(), 0, false)
	if err != nil {
		return nil, none, classifyError("unable to list spendable "+
			"outputs", err)
	}
	byOutPoint := make(map[wire.OutPoint]wtxmgr.Credit, len(owned))
	for _, c := range owned {
		byOutPoint[c.OutPoint] = c
	}

	inputs := make([]wtxmgr.Credit, 0, len(tx.TxIn))
	seen := make(map[wire.OutPoint]struct{}, len(tx.TxIn))
	for i, in := range tx.TxIn {
		op := in.PreviousOutPoint
		if _, ok := seen[op]; ok {
			str := fmt.Sprintf("input %d spends %v twice", i, op)
			return nil, none, buildError(ErrInvalidRequest, str, nil)
		}
		seen[op] = struct{}{}

		c, ok := byOutPoint[op]
		if !ok && foreign != nil {
			c, ok = foreign(i, op)
		}
		if !ok {
			str := fmt.Sprintf("input %d spends unknown output %v",
				i, op)
			return nil, none, buildError(ErrUnknownInput, str, nil)
		}
		inputs = append(inputs, c)
	}

	for i, out := range tx.TxOut {
		addr, err := b.cfg.Accounts.AddressByScript(acct, out.PkScript)
		if waddrmgr.IsError(err, waddrmgr.ErrAddressNotFound) {
			continue
		}
		if err != nil {
			return nil, none, classifyError("unable to look up "+
				"output script", err)
		}

		if addr.Internal {
			log.Debugf("Output %d of funded transaction pays "+
				"change address %d", i, addr.ID)

			return &txauthor.Template{
				Tx:          tx.Copy(),
				Inputs:      inputs,
				ChangeIndex: i,
			}, fn.Some(addr), nil
		}
	}

	return &txauthor.Template{
		Tx:          tx.Copy(),
		Inputs:      inputs,
		ChangeIndex: -1,
	}, none, nil
}

// validateFundingTx checks that a transaction can be funded.
func validateFundingTx(req *BuildRequest, tx *wire.MsgTx) error {
	if req == nil {
		return buildError(ErrInvalidRequest, "nil request", nil)
	}
	if tx == nil {
		return buildError(ErrInvalidRequest, "no transaction to fund",
			nil)
	}
	if len(req.Recipients) != 0 {
		return buildError(ErrInvalidRequest, "recipients can't be "+
			"added to a funded transaction", nil)
	}

	var total btcutil.Amount
	for i, out := range tx.TxOut {
		if out.Value < 0 {
			str := fmt.Sprintf("output %d has negative value %v", i,
				btcutil.Amount(out.Value))
			return buildError(ErrInvalidAmount, str, nil)
		}
		total += btcutil.Amount(out.Value)
	}
	if total <= 0 {
		return buildError(ErrInvalidAmount, "transaction pays nothing",
			nil)
	}

	return nil
}

// fund adds inputs and change to tx. tx is replaced only once the funded
// transaction is complete.
func (b *TxBuilder) fund(ctx context.Context, req *BuildRequest,
	tx *wire.MsgTx, foreign fundingInput, sign bool) (*BuildResult,
	*waddrmgr.Account, error) {

	acct, err := b.resolveAccount(req.Account)
	if err != nil {
		return nil, nil, err
	}

	tmpl, change, err := b.fundingTemplate(acct, tx, foreign)
	if err != nil {
		return nil, nil, err
	}

	res, err := b.resolve(ctx, acct, req, tmpl)
	if err != nil {
		return nil, nil, err
	}

	// The outputs of a funded transaction keep their positions.
	result, err := b.finish(ctx, acct, req, tmpl, res, finishOptions{
		sign:         sign,
		signTemplate: sign,
		change:       change,
	})
	if err != nil {
		return nil, nil, err
	}

	*tx = *result.Tx
	result.Tx = tx

	log.Infof("Funded transaction %v with %d new %s from %v, fee %v",
		tx.TxHash(), len(result.Inputs),
		pickNoun(len(result.Inputs), "input", "inputs"), acct.Ref(),
		result.Fee)

	return result, acct, nil
}

// FundTransaction adds inputs, and change if needed, to tx so it pays its
// outputs and the fee. The inputs of tx must spend outputs of the account.
// With a credential every input is signed, the existing ones included.
//
// This is part of the Interface interface.
func (b *TxBuilder) FundTransaction(ctx context.Context, req *BuildRequest,
	tx *wire.MsgTx) (*BuildResult, error) {

	if err := validateFundingTx(req, tx); err != nil {
		return nil, err
	}

	result, _, err := b.fund(ctx, req, tx, nil, true)
	return result, err
}

// MaxSpendable returns the value a transaction sweeping every spendable output
// of an account into one output of the account's type would pay, and its fee.
//
// This is part of the Interface interface.
func (b *TxBuilder) MaxSpendable(ctx context.Context, ref waddrmgr.AccountRef,
	tier FeeTier, confirmedOnly bool) (btcutil.Amount, btcutil.Amount,
	error) {

	acct, err := b.resolveAccount(ref)
	if err != nil {
		return 0, 0, err
	}

	if err := checkCtx(ctx, "coin selection"); err != nil {
		return 0, 0, err
	}

	credits, err := b.cfg.Credits.ListSpendable(
		acct.Ref(), 0, confirmedOnly,
	)
	if err != nil {
		return 0, 0, classifyError("unable to list spendable outputs",
			err)
	}
	if len(credits) == 0 {
		return 0, 0, nil
	}

	feeRate, err := resolveFeeRate(TieredFee(tier), b.cfg.Fees)
	if err != nil {
		return 0, 0, err
	}

	inputs := make([]txsizes.InputType, 0, len(credits))
	for _, c := range credits {
		inputs = append(inputs, txsizes.ClassifyInput(c.PkScript))
	}
	sweep := []*wire.TxOut{
		wire.NewTxOut(0, make([]byte, acct.ScriptSize())),
	}
	vsize := txsizes.EstimateVirtualSize(inputs, sweep, 0)

	fee := feeRate.FeeForVSize(vsize)
	total := txauthor.SumCreditValues(credits)
	if total <= fee {
		return 0, 0, nil
	}

	return total - fee, fee, nil
}
