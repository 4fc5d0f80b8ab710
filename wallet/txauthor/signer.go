// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txauthor

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spendwallet/wallet/txsizes"
)

// SecretsSource provides private keys and redeem scripts necessary for
// constructing transaction input signatures.  Secrets are looked up by the
// corresponding Address for the previous output script.  Addresses for lookup
// are created using the source's blockchain parameters and means a single
// SecretsSource can only manage secrets for a single chain.
type SecretsSource interface {
	txscript.KeyDB
	txscript.ScriptDB
	ChainParams() *chaincfg.Params
}

// AddInputScripts signs the inputs of tx at the given indexes. Previous
// output scripts and values of every input of tx are passed in prevPkScripts
// and inputValues, whose lengths must match the number of inputs, since the
// segwit and taproot sighashes commit to them. Inputs that are not listed are
// left untouched.
func AddInputScripts(tx *wire.MsgTx, prevPkScripts [][]byte,
	inputValues []btcutil.Amount, secrets SecretsSource,
	indexes []int) error {

	inputFetcher, err := TXPrevOutFetcher(tx, prevPkScripts, inputValues)
	if err != nil {
		return err
	}

	hashCache := txscript.NewTxSigHashes(tx, inputFetcher)
	chainParams := secrets.ChainParams()

	for _, i := range indexes {
		if i < 0 || i >= len(tx.TxIn) {
			return fmt.Errorf("input index %d out of range", i)
		}

		txIn := tx.TxIn[i]
		pkScript := prevPkScripts[i]
		value := int64(inputValues[i])

		switch txsizes.ClassifyInput(pkScript) {
		// If this is a p2sh output, who's script hash pre-image is a
		// witness program, then we'll need to use a modified signing
		// function which generates both the sigScript, and the witness
		// script.
		case txsizes.NestedWitnessPubKeyHashInput:
			err = spendNestedWitnessPubKeyHash(
				txIn, pkScript, value, chainParams, secrets,
				tx, hashCache, i,
			)

		case txsizes.WitnessPubKeyHashInput:
			err = spendWitnessKeyHash(
				txIn, pkScript, value, chainParams, secrets,
				tx, hashCache, i,
			)

		case txsizes.TaprootInput:
			err = spendTaprootKey(
				txIn, pkScript, value, chainParams, secrets,
				tx, hashCache, i,
			)

		default:
			var script []byte
			script, err = txscript.SignTxOutput(
				chainParams, tx, i, pkScript,
				txscript.SigHashAll, secrets, secrets,
				txIn.SignatureScript,
			)
			txIn.SignatureScript = script
		}
		if err != nil {
			return fmt.Errorf("unable to sign input %d: %w", i, err)
		}
	}

	return nil
}

// signingKey returns the private key for the single address encoded in
// pkScript along with the hash160 of its public key in the serialization the
// key was registered with.
func signingKey(pkScript []byte, chainParams *chaincfg.Params,
	secrets SecretsSource) (*btcec.PrivateKey, []byte, bool, error) {

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, chainParams)
	if err != nil {
		return nil, nil, false, err
	}
	if len(addrs) != 1 {
		return nil, nil, false, fmt.Errorf("script pays %d addresses",
			len(addrs))
	}

	privKey, compressed, err := secrets.GetKey(addrs[0])
	if err != nil {
		return nil, nil, false, err
	}

	pubKey := privKey.PubKey()
	if compressed {
		return privKey, btcutil.Hash160(pubKey.SerializeCompressed()),
			true, nil
	}

	return privKey, btcutil.Hash160(pubKey.SerializeUncompressed()), false,
		nil
}

// witnessProgramFor returns the version 0 p2wkh witness program for a pubkey
// hash.
func witnessProgramFor(pubKeyHash []byte,
	chainParams *chaincfg.Params) ([]byte, error) {

	p2wkhAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		pubKeyHash, chainParams,
	)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(p2wkhAddr)
}

// spendWitnessKeyHash generates, and sets a valid witness for spending the
// passed pkScript with the specified input amount. The input amount *must*
// correspond to the output value of the previous pkScript, or else verification
// will fail since the new sighash digest algorithm defined in BIP0143 includes
// the input value in the sighash.
func spendWitnessKeyHash(txIn *wire.TxIn, pkScript []byte,
	inputValue int64, chainParams *chaincfg.Params, secrets SecretsSource,
	tx *wire.MsgTx, hashCache *txscript.TxSigHashes, idx int) error {

	privKey, pubKeyHash, compressed, err := signingKey(
		pkScript, chainParams, secrets,
	)
	if err != nil {
		return err
	}

	witnessProgram, err := witnessProgramFor(pubKeyHash, chainParams)
	if err != nil {
		return err
	}
	witness, err := txscript.WitnessSignature(tx, hashCache, idx,
		inputValue, witnessProgram, txscript.SigHashAll, privKey,
		compressed)
	if err != nil {
		return err
	}

	txIn.Witness = witness

	return nil
}

// spendTaprootKey generates, and sets a valid key path witness for spending
// the passed pkScript with the specified input amount. BIP0341 sighashes
// commit to the amounts and scripts of all inputs, so the hash cache must
// have been built from the complete set of previous outputs.
func spendTaprootKey(txIn *wire.TxIn, pkScript []byte,
	inputValue int64, chainParams *chaincfg.Params, secrets SecretsSource,
	tx *wire.MsgTx, hashCache *txscript.TxSigHashes, idx int) error {

	// If the pkScript commits to a different internal key or to a script
	// root, we simply won't find a corresponding private key here.
	privKey, _, _, err := signingKey(pkScript, chainParams, secrets)
	if err != nil {
		return err
	}

	witness, err := txscript.TaprootWitnessSignature(
		tx, hashCache, idx, inputValue, pkScript,
		txscript.SigHashDefault, privKey,
	)
	if err != nil {
		return err
	}

	txIn.Witness = witness

	return nil
}

// spendNestedWitnessPubKeyHash generates both a sigScript, and valid witness
// for spending the passed pkScript with the specified input amount. The
// sigScript is a single push of the version 0 p2wkh witness program of the
// queried key, and the witness stack is identical to that of one which spends
// a regular p2wkh output.
func spendNestedWitnessPubKeyHash(txIn *wire.TxIn, pkScript []byte,
	inputValue int64, chainParams *chaincfg.Params, secrets SecretsSource,
	tx *wire.MsgTx, hashCache *txscript.TxSigHashes, idx int) error {

	privKey, pubKeyHash, compressed, err := signingKey(
		pkScript, chainParams, secrets,
	)
	if err != nil {
		return err
	}

	witnessProgram, err := witnessProgramFor(pubKeyHash, chainParams)
	if err != nil {
		return err
	}
	sigScript, err := txscript.NewScriptBuilder().
		AddData(witnessProgram).
		Script()
	if err != nil {
		return err
	}
	txIn.SignatureScript = sigScript

	witness, err := txscript.WitnessSignature(tx, hashCache, idx,
		inputValue, witnessProgram, txscript.SigHashAll, privKey,
		compressed)
	if err != nil {
		return err
	}

	txIn.Witness = witness

	return nil
}

// AddInputScripts signs the newly selected inputs of an authored transaction.
// Template inputs are never touched.
func (tx *AuthoredTx) AddInputScripts(secrets SecretsSource) error {
	return AddInputScripts(
		tx.Tx, tx.PrevScripts, tx.PrevInputValues, secrets,
		tx.NewInputIndexes(),
	)
}

// AddAllInputScripts signs every input of an authored transaction, template
// inputs included. All of them must spend outputs the secrets can sign for.
func (tx *AuthoredTx) AddAllInputScripts(secrets SecretsSource) error {
	return AddInputScripts(
		tx.Tx, tx.PrevScripts, tx.PrevInputValues, secrets,
		tx.AllInputIndexes(),
	)
}

// ValidateInputScripts runs the script engine over the inputs of tx at the
// given indexes.
func ValidateInputScripts(tx *wire.MsgTx, prevPkScripts [][]byte,
	inputValues []btcutil.Amount, indexes []int) error {

	fetcher, err := TXPrevOutFetcher(tx, prevPkScripts, inputValues)
	if err != nil {
		return err
	}
	hashCache := txscript.NewTxSigHashes(tx, fetcher)

	for _, i := range indexes {
		vm, err := txscript.NewEngine(
			prevPkScripts[i], tx, i, txscript.StandardVerifyFlags,
			nil, hashCache, int64(inputValues[i]), fetcher,
		)
		if err != nil {
			return fmt.Errorf("cannot create script engine: %w", err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("cannot validate input %d: %w", i, err)
		}
	}

	return nil
}

// ValidateInputScripts verifies the signatures of the newly selected inputs.
func (tx *AuthoredTx) ValidateInputScripts() error {
	return ValidateInputScripts(
		tx.Tx, tx.PrevScripts, tx.PrevInputValues, tx.NewInputIndexes(),
	)
}

// ValidateAllInputScripts verifies the signatures of every input.
func (tx *AuthoredTx) ValidateAllInputScripts() error {
	return ValidateInputScripts(
		tx.Tx, tx.PrevScripts, tx.PrevInputValues, tx.AllInputIndexes(),
	)
}

// TXPrevOutFetcher creates a txscript.PrevOutFetcher from a given slice of
// previous pk scripts and input values.
func TXPrevOutFetcher(tx *wire.MsgTx, prevPkScripts [][]byte,
	inputValues []btcutil.Amount) (*txscript.MultiPrevOutFetcher, error) {

	if len(tx.TxIn) != len(prevPkScripts) {
		return nil, errors.New("tx.TxIn and prevPkScripts slices " +
			"must have equal length")
	}
	if len(tx.TxIn) != len(inputValues) {
		return nil, errors.New("tx.TxIn and inputValues slices " +
			"must have equal length")
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txin := range tx.TxIn {
		fetcher.AddPrevOut(txin.PreviousOutPoint, &wire.TxOut{
			Value:    int64(inputValues[idx]),
			PkScript: prevPkScripts[idx],
		})
	}

	return fetcher, nil
}
