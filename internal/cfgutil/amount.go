// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/spendwallet/wallet/txrules"
)

// AmountFlag embeds a btcutil.Amount and implements the flags.Marshaler and
// Unmarshaler interfaces so it can be used as a config struct field.
type AmountFlag struct {
	btcutil.Amount
}

// NewAmountFlag creates an AmountFlag with a default btcutil.Amount.
func NewAmountFlag(defaultValue btcutil.Amount) *AmountFlag {
	return &AmountFlag{defaultValue}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (a *AmountFlag) MarshalFlag() (string, error) {
	return a.Amount.String(), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (a *AmountFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSuffix(value, " BTC")
	valueF64, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	amount, err := btcutil.NewAmount(valueF64)
	if err != nil {
		return err
	}
	a.Amount = amount
	return nil
}

// FeeRateFlag embeds a fee rate in satoshis per kilo-virtual-byte and
// implements the flags.Marshaler and Unmarshaler interfaces. Values are given
// in sat/vbyte, with up to three decimals.
type FeeRateFlag struct {
	txrules.SatPerKVByte
}

// NewFeeRateFlag creates a FeeRateFlag with a default rate.
func NewFeeRateFlag(defaultValue txrules.SatPerKVByte) *FeeRateFlag {
	return &FeeRateFlag{defaultValue}
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (f *FeeRateFlag) MarshalFlag() (string, error) {
	return strconv.FormatFloat(
		float64(f.SatPerKVByte)/1000, 'f', -1, 64,
	), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (f *FeeRateFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSuffix(value, " sat/vb")
	satPerVByte, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	if satPerVByte < 0 {
		return fmt.Errorf("negative fee rate %v", value)
	}

	f.SatPerKVByte = txrules.SatPerKVByte(math.Round(satPerVByte * 1000))
	return nil
}
