// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txrules

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SatPerKVByte is a fee rate in satoshis per 1000 virtual bytes.
type SatPerKVByte btcutil.Amount

// DefaultRelayFeePerKb is the default minimum relay fee policy for a mempool.
const DefaultRelayFeePerKb SatPerKVByte = 1000

// String returns the fee rate with its unit.
func (r SatPerKVByte) String() string {
	return fmt.Sprintf("%d sat/kvB", int64(r))
}

// FeeForVSize calculates the fee for a transaction of vsize virtual bytes
// paying this rate, rounding up to the next satoshi.
func (r SatPerKVByte) FeeForVSize(vsize int) btcutil.Amount {
	if r <= 0 || vsize <= 0 {
		return 0
	}

	fee := (int64(r)*int64(vsize) + 999) / 1000
	if fee > btcutil.MaxSatoshi {
		return btcutil.MaxSatoshi
	}

	return btcutil.Amount(fee)
}

// MinRelayFee returns the smallest fee a transaction of vsize virtual bytes
// must pay to be relayed by a mempool enforcing relayFeePerKb.
func MinRelayFee(vsize int, relayFeePerKb SatPerKVByte) btcutil.Amount {
	return relayFeePerKb.FeeForVSize(vsize)
}

// IsDustAmount determines whether a transaction output value and script length would
// cause the output to be considered dust.  Transactions with dust outputs are
// not standard and are rejected by mempools with default policies.
func IsDustAmount(amount btcutil.Amount, scriptSize int,
	relayFeePerKb SatPerKVByte) bool {

	// Calculate the total (estimated) cost to the network.  This is
	// calculated using the serialize size of the output plus the serial
	// size of a transaction input which redeems it.  The output is assumed
	// to be compressed P2PKH as this is the most common script type.  Use
	// the average size of a compressed P2PKH redeem input (148) rather than
	// the largest possible (txsizes.RedeemP2PKHInputSize).
	totalSize := 8 + wire.VarIntSerializeSize(uint64(scriptSize)) +
		scriptSize + 148

	// Dust is defined as an output value where the total cost to the network
	// (output size + input size) is greater than 1/3 of the relay fee.
	return int64(amount)*1000/(3*int64(totalSize)) < int64(relayFeePerKb)
}

// IsDustOutput determines whether a transaction output is considered dust.
// Transactions with dust outputs are not standard and are rejected by mempools
// with default policies.
func IsDustOutput(output *wire.TxOut, relayFeePerKb SatPerKVByte) bool {
	// Unspendable outputs which solely carry data are not checked for dust.
	if txscript.GetScriptClass(output.PkScript) == txscript.NullDataTy {
		return false
	}

	// All other unspendable outputs are considered dust.
	if txscript.IsUnspendable(output.PkScript) {
		return true
	}

	return IsDustAmount(btcutil.Amount(output.Value), len(output.PkScript),
		relayFeePerKb)
}

// Transaction rule violations
var (
	ErrAmountNegative   = errors.New("transaction output amount is negative")
	ErrAmountExceedsMax = errors.New("transaction output amount exceeds maximum value")
	ErrOutputIsDust     = errors.New("transaction output is dust")
)

// CheckOutput performs simple consensus and policy tests on a transaction
// output.
func CheckOutput(output *wire.TxOut, relayFeePerKb SatPerKVByte) error {
	if output.Value < 0 {
		return ErrAmountNegative
	}
	if output.Value > btcutil.MaxSatoshi {
		return ErrAmountExceedsMax
	}
	if IsDustOutput(output, relayFeePerKb) {
		return ErrOutputIsDust
	}
	return nil
}
