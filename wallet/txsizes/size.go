// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txsizes estimates the virtual size of signed transactions before
// they are signed, based on the kinds of previous outputs they spend.
package txsizes

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Worst case script and input/output size estimates.
const (
	// RedeemP2PKHSigScriptSize is the worst case (largest) serialize size
	// of a transaction input script that redeems a compressed P2PKH output.
	// It is calculated as:
	//
	//   - OP_DATA_73
	//   - 72 bytes DER signature + 1 byte sighash
	//   - OP_DATA_33
	//   - 33 bytes serialized compressed pubkey
	RedeemP2PKHSigScriptSize = 1 + 73 + 1 + 33

	// P2PKHPkScriptSize is the size of a transaction output script that
	// pays to a compressed pubkey hash.
	P2PKHPkScriptSize = 1 + 1 + 1 + 20 + 1 + 1

	// P2WPKHPkScriptSize is the size of a transaction output script that
	// pays to a witness pubkey hash.
	P2WPKHPkScriptSize = 1 + 1 + 20

	// NestedP2WPKHPkScriptSize is the size of a P2SH output script that
	// commits to a P2WPKH witness program.
	NestedP2WPKHPkScriptSize = 1 + 1 + 20 + 1

	// P2TRPkScriptSize is the size of a transaction output script that
	// pays to a taproot output key.
	P2TRPkScriptSize = 1 + 1 + 32

	// RedeemNestedP2WPKHScriptSize is the size of the sigScript that
	// pushes the P2WPKH witness program of a nested spend:
	//
	//   - OP_DATA_22
	//   - OP_0
	//   - OP_DATA_20
	//   - 20 byte key hash
	RedeemNestedP2WPKHScriptSize = 1 + 1 + 1 + 20

	// RedeemP2WPKHInputWitnessWeight is the worst case weight of a witness
	// for spending P2WPKH and nested P2WPKH outputs:
	//
	//   - 1 wu item count
	//   - 1 wu length of the signature push
	//   - 72 wu DER signature + 1 wu sighash
	//   - 1 wu length of the pubkey push
	//   - 33 wu serialized compressed pubkey
	RedeemP2WPKHInputWitnessWeight = 1 + 1 + 73 + 1 + 33

	// RedeemP2TRInputWitnessWeight is the worst case weight of a key path
	// witness for spending P2TR outputs:
	//
	//   - 1 wu item count
	//   - 1 wu length of the signature push
	//   - 64 wu BIP-340 signature + 1 wu sighash
	RedeemP2TRInputWitnessWeight = 1 + 1 + 65

	// inputOverhead is the part of every input that does not depend on
	// the script being spent: 32 bytes previous txid, 4 bytes output
	// index and 4 bytes sequence.
	inputOverhead = 32 + 4 + 4

	// txOverhead covers the version and the lock time.
	txOverhead = 4 + 4

	// segwitMarkerWeight is the weight of the segwit marker and flag.
	segwitMarkerWeight = 2
)

// InputType is the kind of previous output an input spends. It decides how
// large the unlocking data of that input will be once signed.
type InputType uint8

const (
	// PubKeyHashInput spends a compressed P2PKH output.
	PubKeyHashInput InputType = iota

	// WitnessPubKeyHashInput spends a native P2WPKH output.
	WitnessPubKeyHashInput

	// NestedWitnessPubKeyHashInput spends a P2SH output wrapping a P2WPKH
	// program.
	NestedWitnessPubKeyHashInput

	// TaprootInput spends a P2TR output along the key path.
	TaprootInput
)

// String returns a human readable name for the input type.
func (t InputType) String() string {
	switch t {
	case PubKeyHashInput:
		return "p2pkh"
	case WitnessPubKeyHashInput:
		return "p2wpkh"
	case NestedWitnessPubKeyHashInput:
		return "np2wpkh"
	case TaprootInput:
		return "p2tr"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// unlockSize describes the signed footprint of one input of a type.
type unlockSize struct {
	// sigScript is the serialized sigScript length, not including its
	// compact size prefix.
	sigScript int

	// witnessWeight is the weight of the witness stack, zero for legacy
	// inputs.
	witnessWeight int
}

// unlockSizes holds the unlock footprint per previous output type.
var unlockSizes = map[InputType]unlockSize{
	PubKeyHashInput: {
		sigScript: RedeemP2PKHSigScriptSize,
	},
	WitnessPubKeyHashInput: {
		witnessWeight: RedeemP2WPKHInputWitnessWeight,
	},
	NestedWitnessPubKeyHashInput: {
		sigScript:     RedeemNestedP2WPKHScriptSize,
		witnessWeight: RedeemP2WPKHInputWitnessWeight,
	},
	TaprootInput: {
		witnessWeight: RedeemP2TRInputWitnessWeight,
	},
}

// ClassifyInput returns the input type needed to spend pkScript. Scripts
// that are not witness programs or P2SH are sized as compressed P2PKH, which
// is the largest of the supported kinds.
func ClassifyInput(pkScript []byte) InputType {
	switch {
	// If this is a p2sh output, we assume this is a nested P2WKH.
	case txscript.IsPayToScriptHash(pkScript):
		return NestedWitnessPubKeyHashInput

	case txscript.IsPayToWitnessPubKeyHash(pkScript):
		return WitnessPubKeyHashInput

	case txscript.IsPayToTaproot(pkScript):
		return TaprootInput

	default:
		return PubKeyHashInput
	}
}

// InputSize returns the non-witness serialize size of a signed input of the
// given type.
func InputSize(t InputType) int {
	u := unlockSizes[t]
	return inputOverhead + wire.VarIntSerializeSize(uint64(u.sigScript)) +
		u.sigScript
}

// OutputSize returns the serialize size of an output carrying a script of
// scriptSize bytes.
func OutputSize(scriptSize int) int {
	return 8 + wire.VarIntSerializeSize(uint64(scriptSize)) + scriptSize
}

// SumOutputSerializeSizes sums up the serialized size of the supplied outputs.
func SumOutputSerializeSizes(outputs []*wire.TxOut) (serializeSize int) {
	for _, txOut := range outputs {
		serializeSize += txOut.SerializeSize()
	}
	return serializeSize
}

// EstimateVirtualSize returns a worst case virtual size estimate for a signed
// transaction spending inputs of the given types and paying txOuts. When
// changeScriptSize is positive one more output carrying a script of that size
// is accounted for.
func EstimateVirtualSize(inputs []InputType, txOuts []*wire.TxOut,
	changeScriptSize int) int {

	outputCount := len(txOuts)
	changeOutputSize := 0
	if changeScriptSize > 0 {
		changeOutputSize = OutputSize(changeScriptSize)
		outputCount++
	}

	baseSize := txOverhead +
		wire.VarIntSerializeSize(uint64(len(inputs))) +
		wire.VarIntSerializeSize(uint64(outputCount)) +
		SumOutputSerializeSizes(txOuts) +
		changeOutputSize

	var (
		witnessWeight int
		witnessIns    int
	)
	for _, in := range inputs {
		baseSize += InputSize(in)

		u := unlockSizes[in]
		if u.witnessWeight > 0 {
			witnessWeight += u.witnessWeight
			witnessIns++
		}
	}

	// Once any input carries a witness, every input serializes a witness
	// stack, so legacy inputs pay one empty item count each.
	if witnessIns > 0 {
		witnessWeight += segwitMarkerWeight + len(inputs) - witnessIns
	}

	// Round the witness discount up so the estimate never undershoots.
	return baseSize + (witnessWeight+blockchain.WitnessScaleFactor-1)/
		blockchain.WitnessScaleFactor
}

// GetMinInputVirtualSize returns the minimum number of vbytes that spending
// pkScript adds to a transaction.
func GetMinInputVirtualSize(pkScript []byte) int {
	t := ClassifyInput(pkScript)
	return InputSize(t) +
		(unlockSizes[t].witnessWeight+blockchain.WitnessScaleFactor-1)/
			blockchain.WitnessScaleFactor
}
