// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txauthor

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spendwallet/wallet/txrules"
	"github.com/btcsuite/spendwallet/wallet/txsizes"
	"github.com/btcsuite/spendwallet/wtxmgr"
)

// ErrFeeNotConverged is returned when the fee and the input set do not settle
// within the allowed number of rounds.
var ErrFeeNotConverged = errors.New("fee estimation did not converge")

// CoinSelector hands out candidate credits in their given order. The cursor
// survives across calls, so every call only ever adds inputs to what was
// selected before.
type CoinSelector struct {
	candidates []wtxmgr.Credit
	skip       map[wire.OutPoint]struct{}
	cursor     int
}

// NewCoinSelector returns a selector over candidates. Candidates spending one
// of the outpoints in existing are never selected, since they are already
// inputs of the transaction being funded.
func NewCoinSelector(candidates []wtxmgr.Credit,
	existing []wire.OutPoint) *CoinSelector {

	skip := make(map[wire.OutPoint]struct{}, len(existing))
	for _, op := range existing {
		skip[op] = struct{}{}
	}

	return &CoinSelector{
		candidates: candidates,
		skip:       skip,
	}
}

// Len returns the total number of candidates of the selector.
func (s *CoinSelector) Len() int {
	return len(s.candidates)
}

// Select accumulates candidates until have plus the value of the newly
// selected credits reaches target. The newly selected credits and their total
// value are returned. If the candidates run out first, an InputSourceError is
// returned and the selected credits stay consumed.
func (s *CoinSelector) Select(have, target btcutil.Amount) ([]wtxmgr.Credit,
	btcutil.Amount, error) {

	var (
		selected []wtxmgr.Credit
		total    btcutil.Amount
	)
	for have+total < target {
		if s.cursor >= len(s.candidates) {
			return selected, total, insufficientFundsError{
				target:    target,
				available: have + total,
			}
		}

		c := s.candidates[s.cursor]
		s.cursor++

		if _, ok := s.skip[c.OutPoint]; ok {
			continue
		}

		selected = append(selected, c)
		total += c.Amount
	}

	return selected, total, nil
}

// FeeParams are the fee settings of a single resolution.
type FeeParams struct {
	// FeeRate is the rate the transaction pays.
	FeeRate txrules.SatPerKVByte

	// DustRelayFee is the relay fee rate used to decide whether a change
	// output would be dust.
	DustRelayFee txrules.SatPerKVByte

	// ChangeScriptSize is the size of the change script a new change
	// output would carry.
	ChangeScriptSize int
}

// FeeResolution is the outcome of resolving the fee of a template.
type FeeResolution struct {
	// Inputs are the newly selected credits, in selection order.
	Inputs []wtxmgr.Credit

	// TotalInput is the value of all inputs, template inputs included.
	TotalInput btcutil.Amount

	// Fee is the absolute fee. It can exceed the fee implied by the rate
	// when change below the dust limit was folded into it.
	Fee btcutil.Amount

	// Change is the value paid back to the wallet. When the template names
	// a change output the value is added to it, otherwise a positive value
	// asks for a new change output.
	Change btcutil.Amount

	// VSize is the estimated virtual size of the signed transaction.
	VSize int

	// Rounds is the number of rounds the resolution took.
	Rounds int
}

// inputTypes returns the size class of every input of the transaction.
func inputTypes(groups ...[]wtxmgr.Credit) []txsizes.InputType {
	var types []txsizes.InputType
	for _, credits := range groups {
		for _, c := range credits {
			types = append(types, txsizes.ClassifyInput(c.PkScript))
		}
	}
	return types
}

// ResolveFee selects coins for the template until its outputs and the fee
// are covered. The fee depends on the size of the transaction, which depends
// on the inputs selected for it, so this is iterated:
//
//  1. select coins until the inputs cover the outputs plus the last fee
//     estimate
//  2. compute the fee of the transaction with and without a change output
//  3. if the change left over is above the dust limit, pay it to change
//  4. if the inputs still cover the fee without change, fold the remainder
//     into the fee
//  5. otherwise raise the target to the outputs plus the no-change fee and
//     start over
//
// Every unfinished round selects at least one more coin, so the number of
// rounds is bounded by the number of candidates.
func ResolveFee(tmpl *Template, selector *CoinSelector,
	params FeeParams) (*FeeResolution, error) {

	if err := tmpl.validate(); err != nil {
		return nil, err
	}

	var (
		outputs        = tmpl.Tx.TxOut
		target         = SumOutputValues(outputs)
		existingChange = tmpl.ChangeIndex >= 0

		selected []wtxmgr.Credit
		total    = SumCreditValues(tmpl.Inputs)
		need     = target
	)

	feeFor := func(changeScriptSize int) (btcutil.Amount, int) {
		vsize := txsizes.EstimateVirtualSize(
			inputTypes(tmpl.Inputs, selected), outputs,
			changeScriptSize,
		)
		return params.FeeRate.FeeForVSize(vsize), vsize
	}

	maxRounds := selector.Len() + 2
	for round := 1; round <= maxRounds; round++ {
		more, value, err := selector.Select(total, need)
		selected = append(selected, more...)
		total += value
		if err != nil {
			feeNoChange, _ := feeFor(0)
			return nil, txSelectionError{
				targetAmount: target,
				txFee:        feeNoChange,
				availableAmt: total,
			}
		}

		res := &FeeResolution{
			Inputs:     selected,
			TotalInput: total,
			Rounds:     round,
		}

		feeNoChange, vsizeNoChange := feeFor(0)

		// An existing change output absorbs whatever is left, however
		// small, since it can't be removed.
		if existingChange {
			if total >= target+feeNoChange {
				res.Fee = feeNoChange
				res.Change = total - target - feeNoChange
				res.VSize = vsizeNoChange
				return res, nil
			}

			need = target + feeNoChange
			continue
		}

		feeWithChange, vsizeWithChange := feeFor(params.ChangeScriptSize)
		if total >= target+feeWithChange {
			change := total - target - feeWithChange
			if !txrules.IsDustAmount(
				change, params.ChangeScriptSize,
				params.DustRelayFee,
			) {

				res.Fee = feeWithChange
				res.Change = change
				res.VSize = vsizeWithChange
				return res, nil
			}
		}

		if total >= target+feeNoChange {
			res.Fee = total - target
			res.VSize = vsizeNoChange
			return res, nil
		}

		need = target + feeNoChange
	}

	return nil, fmt.Errorf("%w after %d rounds", ErrFeeNotConverged,
		maxRounds)
}
