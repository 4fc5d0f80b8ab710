// Copyright (c) 2020 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spendwallet/waddrmgr"
	"github.com/btcsuite/spendwallet/wtxmgr"
)

// FundPsbt funds a PSBT packet the way FundTransaction funds a transaction.
// Inputs of the packet that don't spend outputs of the account are valued
// from the UTXO information of their PInput. The new inputs are decorated
// with their UTXO and BIP32 derivation info, and a new change output with its
// derivation info. Nothing is signed, whether the request carries a
// credential or not.
//
// NOTE: The packet is only modified if funding succeeds. No lock is taken on
// the selected outputs, so the caller must make sure they aren't spent by
// another transaction before the packet is signed.
//
// This is part of the Interface interface.
func (b *TxBuilder) FundPsbt(ctx context.Context, req *BuildRequest,
	packet *psbt.Packet) (*BuildResult, error) {

	if packet == nil || packet.UnsignedTx == nil {
		return nil, buildError(ErrInvalidRequest, "no packet to fund",
			nil)
	}

	// Make sure the packet is well formed. The outputs are checked along
	// with the rest of the transaction below.
	if err := psbt.VerifyInputOutputLen(packet, false, false); err != nil {
		return nil, buildError(ErrInvalidRequest, "malformed packet",
			err)
	}

	if err := validateFundingTx(req, packet.UnsignedTx); err != nil {
		return nil, err
	}

	foreign := func(idx int, op wire.OutPoint) (wtxmgr.Credit, bool) {
		utxo, err := packetUtxo(packet, idx)
		if err != nil {
			log.Debugf("Unable to value input %d of packet: %v",
				idx, err)
			return wtxmgr.Credit{}, false
		}

		return wtxmgr.Credit{
			OutPoint: op,
			Amount:   btcutil.Amount(utxo.Value),
			PkScript: utxo.PkScript,
			Height:   wtxmgr.Unconfirmed,
		}, true
	}

	// Work on a copy, so the packet is left alone if funding fails.
	tx := packet.UnsignedTx.Copy()
	numOutputs := len(tx.TxOut)

	result, acct, err := b.fund(ctx, req, tx, foreign, false)
	if err != nil {
		return nil, err
	}

	// A change output appended by funding has a freshly allocated
	// address, which goes back to the account if the packet can't be
	// completed.
	newChange := result.ChangeIndex >= numOutputs
	fail := func(err error) (*BuildResult, error) {
		if newChange {
			result.ChangeAddress.WhenSome(
				func(addr *waddrmgr.ManagedAddress) {
					b.releaseChange(acct, addr)
				},
			)
		}
		return nil, err
	}

	inputs := make([]psbt.PInput, 0, len(result.Inputs))
	for _, c := range result.Inputs {
		in, err := b.inputInfo(acct, c)
		if err != nil {
			return fail(err)
		}
		inputs = append(inputs, *in)
	}

	var outputs []psbt.POutput
	if newChange {
		addr := result.ChangeAddress.UnwrapOr(nil)
		if addr == nil {
			return nil, fmt.Errorf("change output %d has no address",
				result.ChangeIndex)
		}
		out, err := b.outputInfo(acct, addr)
		if err != nil {
			return fail(err)
		}
		outputs = append(outputs, *out)
	}

	*packet.UnsignedTx = *tx
	result.Tx = packet.UnsignedTx
	packet.Inputs = append(packet.Inputs, inputs...)
	packet.Outputs = append(packet.Outputs, outputs...)

	return result, nil
}

// packetUtxo returns the output spent by an input of a packet, as described
// by its PInput.
func packetUtxo(packet *psbt.Packet, idx int) (*wire.TxOut, error) {
	in := packet.Inputs[idx]
	op := packet.UnsignedTx.TxIn[idx].PreviousOutPoint

	switch {
	case in.WitnessUtxo != nil:
		return in.WitnessUtxo, nil

	case in.NonWitnessUtxo != nil:
		if in.NonWitnessUtxo.TxHash() != op.Hash {
			return nil, fmt.Errorf("non-witness utxo is not the "+
				"previous transaction of %v", op)
		}
		if int(op.Index) >= len(in.NonWitnessUtxo.TxOut) {
			return nil, fmt.Errorf("previous transaction has no "+
				"output %d", op.Index)
		}
		return in.NonWitnessUtxo.TxOut[op.Index], nil

	default:
		return nil, fmt.Errorf("input %d carries no utxo", idx)
	}
}

// PsbtPrevOutputFetcher returns a txscript.PrevOutFetcher built from the UTXO
// information in a PSBT packet. Inputs without usable UTXO information are
// skipped.
func PsbtPrevOutputFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range packet.UnsignedTx.TxIn {
		utxo, err := packetUtxo(packet, idx)
		if err != nil {
			continue
		}
		fetcher.AddPrevOut(txIn.PreviousOutPoint, utxo)
	}

	return fetcher
}

// inputInfo returns the PInput of a newly selected input.
func (b *TxBuilder) inputInfo(acct *waddrmgr.Account,
	c wtxmgr.Credit) (*psbt.PInput, error) {

	addr, err := b.cfg.Accounts.AddressByScript(acct, c.PkScript)
	if err != nil {
		str := fmt.Sprintf("unable to find address of %v", c.OutPoint)
		return nil, classifyError(str, err)
	}
	derivation, err := b.cfg.Accounts.Derivation(acct, addr)
	if err != nil {
		str := fmt.Sprintf("unable to derive address %d", addr.ID)
		return nil, classifyError(str, err)
	}

	utxo := wire.NewTxOut(int64(c.Amount), c.PkScript)
	in := &psbt.PInput{}

	switch acct.AddrType {
	case waddrmgr.WitnessPubKey:
		addInputInfoSegWitV0(in, utxo, derivation, nil)

	case waddrmgr.NestedWitnessPubKey:
		// An offline signer needs the redeem script to spend a nested
		// output.
		witnessProgram, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(btcutil.Hash160(derivation.PubKey)).
			Script()
		if err != nil {
			return nil, err
		}
		addInputInfoSegWitV0(in, utxo, derivation, witnessProgram)

	case waddrmgr.TaprootPubKey:
		addInputInfoSegWitV1(in, utxo, derivation)

	default:
		// Legacy inputs are only safe to sign with the full previous
		// transaction, which the credit store does not keep.
		log.Debugf("Input %v of type %v carries derivation info only",
			c.OutPoint, acct.AddrType)

		in.SighashType = txscript.SigHashAll
		in.Bip32Derivation = []*psbt.Bip32Derivation{derivation}
	}

	return in, nil
}

// addInputInfoSegWitV0 adds the UTXO and BIP32 derivation info for a SegWit v0
// PSBT input (p2wkh, np2wkh).
func addInputInfoSegWitV0(in *psbt.PInput, utxo *wire.TxOut,
	derivationInfo *psbt.Bip32Derivation, redeemScript []byte) {

	in.WitnessUtxo = utxo
	in.SighashType = txscript.SigHashAll

	// Include the derivation path for each input.
	in.Bip32Derivation = []*psbt.Bip32Derivation{
		derivationInfo,
	}

	// For normal P2WKH this will be nil.
	in.RedeemScript = redeemScript
}

// addInputInfoSegWitV1 adds the UTXO and BIP32 derivation info for a SegWit v1
// PSBT input (p2tr).
func addInputInfoSegWitV1(in *psbt.PInput, utxo *wire.TxOut,
	derivationInfo *psbt.Bip32Derivation) {

	// For SegWit v1 we only need the witness UTXO information.
	in.WitnessUtxo = utxo
	in.SighashType = txscript.SigHashDefault

	in.Bip32Derivation = []*psbt.Bip32Derivation{
		derivationInfo,
	}

	// The output key is tweaked from the derived key, which is the
	// internal key of the output.
	xOnly := derivationInfo.PubKey[1:]
	in.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
		XOnlyPubKey:          xOnly,
		MasterKeyFingerprint: derivationInfo.MasterKeyFingerprint,
		Bip32Path:            derivationInfo.Bip32Path,
	}}
	in.TaprootInternalKey = xOnly
}

// outputInfo returns the POutput of a new change output.
func (b *TxBuilder) outputInfo(acct *waddrmgr.Account,
	addr *waddrmgr.ManagedAddress) (*psbt.POutput, error) {

	derivation, err := b.cfg.Accounts.Derivation(acct, addr)
	if err != nil {
		str := fmt.Sprintf("unable to derive change address %d",
			addr.ID)
		return nil, classifyError(str, err)
	}

	out := &psbt.POutput{
		Bip32Derivation: []*psbt.Bip32Derivation{
			derivation,
		},
	}

	// Include the Taproot derivation path as well if this is a P2TR output.
	if acct.AddrType == waddrmgr.TaprootPubKey {
		schnorrPubKey := derivation.PubKey[1:]
		out.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
			XOnlyPubKey:          schnorrPubKey,
			MasterKeyFingerprint: derivation.MasterKeyFingerprint,
			Bip32Path:            derivation.Bip32Path,
		}}
		out.TaprootInternalKey = schnorrPubKey
	}

	return out, nil
}
