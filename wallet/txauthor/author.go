// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txauthor provides transaction creation code for wallets.
package txauthor

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spendwallet/wtxmgr"
)

// SumOutputValues sums up the list of TxOuts and returns an Amount.
func SumOutputValues(outputs []*wire.TxOut) (totalOutput btcutil.Amount) {
	for _, txOut := range outputs {
		totalOutput += btcutil.Amount(txOut.Value)
	}
	return totalOutput
}

// SumCreditValues sums up the amounts of a list of credits.
func SumCreditValues(credits []wtxmgr.Credit) (total btcutil.Amount) {
	for _, c := range credits {
		total += c.Amount
	}
	return total
}

// InputSourceError describes the failure to provide enough input value from
// unspent transaction outputs to meet a target amount.  A typed error is used
// so input sources can provide their own implementations describing the reason
// for the error, for example, due to spendable policies or locked coins rather
// than the wallet not having enough available input value.
type InputSourceError interface {
	error
	InputSourceError()
}

// Default implementation of InputSourceError.
type insufficientFundsError struct {
	target    btcutil.Amount
	available btcutil.Amount
}

func (insufficientFundsError) InputSourceError() {}

func (e insufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds available to construct "+
		"transaction: need %v, have %v", e.target, e.available)
}

// txSelectionError is defined so that we can signal the missing
// amount to the calling software, so that one can easily create
// transactions which satisfy the fee requirements.
type txSelectionError struct {
	targetAmount btcutil.Amount
	txFee        btcutil.Amount
	availableAmt btcutil.Amount
}

func (txSelectionError) InputSourceError() {}

func (e txSelectionError) Error() string {
	return fmt.Sprintf("insufficient funds available to construct "+
		"transaction: amount: %v, minimum fee: %v, available amount: %v",
		e.targetAmount, e.txFee, e.availableAmt)
}

// Template is the part of a transaction that is fixed before any coins are
// selected. Its outputs are the payments the transaction makes and its inputs
// are kept verbatim and in order; newly selected inputs are appended after
// them.
type Template struct {
	// Tx carries the fixed inputs and outputs. It is never modified.
	Tx *wire.MsgTx

	// Inputs are the previous outputs spent by Tx.TxIn, in the same
	// order.
	Inputs []wtxmgr.Credit

	// ChangeIndex is the index of an output of Tx that collects any
	// change, or -1 if a new change output is to be appended.
	ChangeIndex int
}

// NewTemplate returns a template for a fresh transaction paying outputs.
func NewTemplate(outputs []*wire.TxOut) *Template {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, out := range outputs {
		tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
	}

	return &Template{Tx: tx, ChangeIndex: -1}
}

// validate makes sure the template is consistent.
func (t *Template) validate() error {
	if t.Tx == nil {
		return errors.New("template carries no transaction")
	}
	if len(t.Tx.TxIn) != len(t.Inputs) {
		return fmt.Errorf("template has %d inputs but %d previous "+
			"outputs", len(t.Tx.TxIn), len(t.Inputs))
	}
	for i, in := range t.Tx.TxIn {
		if in.PreviousOutPoint != t.Inputs[i].OutPoint {
			return fmt.Errorf("template input %d spends %v, "+
				"previous output is %v", i,
				in.PreviousOutPoint, t.Inputs[i].OutPoint)
		}
	}
	if t.ChangeIndex >= len(t.Tx.TxOut) {
		return fmt.Errorf("change index %d out of range",
			t.ChangeIndex)
	}
	return nil
}

// AuthoredTx holds the state of a newly-created transaction and the change
// output (if one was added).
type AuthoredTx struct {
	Tx              *wire.MsgTx
	PrevScripts     [][]byte
	PrevInputValues []btcutil.Amount
	TotalInput      btcutil.Amount
	ChangeIndex     int // negative if no change

	// Fee is the absolute fee paid by Tx.
	Fee btcutil.Amount

	// VSize is the worst case virtual size of Tx once signed.
	VSize int

	// NewInputs are the credits selected for this transaction. They
	// spend the inputs starting at FirstNewInput.
	NewInputs     []wtxmgr.Credit
	FirstNewInput int
}

// NewInputIndexes returns the input indexes of the newly selected inputs.
func (tx *AuthoredTx) NewInputIndexes() []int {
	idxs := make([]int, 0, len(tx.NewInputs))
	for i := range tx.NewInputs {
		idxs = append(idxs, tx.FirstNewInput+i)
	}
	return idxs
}

// AllInputIndexes returns the indexes of every input of the transaction.
func (tx *AuthoredTx) AllInputIndexes() []int {
	idxs := make([]int, len(tx.Tx.TxIn))
	for i := range idxs {
		idxs[i] = i
	}
	return idxs
}

// ChangeSource provides change output scripts for transaction creation.
type ChangeSource struct {
	// NewScript is a closure that produces unique change output scripts per
	// invocation.
	NewScript func() ([]byte, error)

	// ScriptSize is the size in bytes of scripts produced by `NewScript`.
	ScriptSize int
}

// Assemble lays out the transaction described by the template and a fee
// resolution: the template inputs followed by the newly selected ones, the
// template outputs followed by a new change output when one is needed. The
// change script is only requested from the change source when a new change
// output is actually added.
func Assemble(tmpl *Template, res *FeeResolution,
	changeSource *ChangeSource) (*AuthoredTx, error) {

	if err := tmpl.validate(); err != nil {
		return nil, err
	}

	tx := tmpl.Tx.Copy()
	inputs := make([]wtxmgr.Credit, 0, len(tmpl.Inputs)+len(res.Inputs))
	inputs = append(inputs, tmpl.Inputs...)
	inputs = append(inputs, res.Inputs...)

	for _, c := range res.Inputs {
		outPoint := c.OutPoint
		tx.AddTxIn(wire.NewTxIn(&outPoint, nil, nil))
	}

	changeIndex := -1
	switch {
	case tmpl.ChangeIndex >= 0:
		changeIndex = tmpl.ChangeIndex
		tx.TxOut[changeIndex].Value += int64(res.Change)

	case res.Change > 0:
		script, err := changeSource.NewScript()
		if err != nil {
			return nil, err
		}
		if len(script) != changeSource.ScriptSize {
			return nil, fmt.Errorf("change script is %d bytes, "+
				"sized for %d", len(script),
				changeSource.ScriptSize)
		}

		changeIndex = len(tx.TxOut)
		tx.AddTxOut(wire.NewTxOut(int64(res.Change), script))
	}

	prevScripts := make([][]byte, 0, len(inputs))
	prevValues := make([]btcutil.Amount, 0, len(inputs))
	for _, c := range inputs {
		prevScripts = append(prevScripts, c.PkScript)
		prevValues = append(prevValues, c.Amount)
	}

	authored := &AuthoredTx{
		Tx:              tx,
		PrevScripts:     prevScripts,
		PrevInputValues: prevValues,
		TotalInput:      res.TotalInput,
		ChangeIndex:     changeIndex,
		Fee:             res.Fee,
		VSize:           res.VSize,
		NewInputs:       res.Inputs,
		FirstNewInput:   len(tmpl.Inputs),
	}

	// The layout must spend exactly what the resolution accounted for.
	if out := SumOutputValues(tx.TxOut); out+res.Fee != res.TotalInput {
		return nil, fmt.Errorf("assembled transaction does not "+
			"balance: inputs %v, outputs %v, fee %v",
			res.TotalInput, out, res.Fee)
	}

	return authored, nil
}

// RandomizeOutputPosition moves a transaction's output to a random position.
// The other outputs keep their relative order.  The new index is returned.
// This should be done before signing.
func RandomizeOutputPosition(outputs []*wire.TxOut, index int) int {
	r := int(cprng.Int31n(int32(len(outputs))))

	out := outputs[index]
	switch {
	case r < index:
		copy(outputs[r+1:index+1], outputs[r:index])
	case r > index:
		copy(outputs[index:r], outputs[index+1:r+1])
	}
	outputs[r] = out

	return r
}

// RandomizeChangePosition randomizes the position of an authored transaction's
// change output.  This should be done before signing.
func (tx *AuthoredTx) RandomizeChangePosition() {
	if tx.ChangeIndex < 0 {
		return
	}
	tx.ChangeIndex = RandomizeOutputPosition(tx.Tx.TxOut, tx.ChangeIndex)
}
