// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/btcsuite/spendwallet/wallet/txrules"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// FeeTier is a coarse confirmation urgency.
type FeeTier uint8

const (
	// FeeTierLow targets confirmation within a day or so.
	FeeTierLow FeeTier = iota

	// FeeTierMedium targets confirmation within a few hours.
	FeeTierMedium

	// FeeTierHigh targets confirmation within the next few blocks.
	FeeTierHigh
)

// String returns the name of the tier.
func (t FeeTier) String() string {
	switch t {
	case FeeTierLow:
		return "low"
	case FeeTierMedium:
		return "medium"
	case FeeTierHigh:
		return "high"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ConfTarget returns the number of blocks a transaction paying the tier's fee
// rate is expected to confirm in.
func (t FeeTier) ConfTarget() uint32 {
	switch t {
	case FeeTierLow:
		return 50
	case FeeTierHigh:
		return 5
	default:
		return 20
	}
}

// ParseFeeTier parses the name of a tier as printed by String.
func ParseFeeTier(s string) (FeeTier, error) {
	for _, t := range []FeeTier{FeeTierLow, FeeTierMedium, FeeTierHigh} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown fee tier %q", s)
}

// FeeSource says where the fee rate of a transaction comes from: either the
// fee policy for a tier, or an explicit rate. The zero value names neither
// and is rejected.
type FeeSource = fn.Either[FeeTier, txrules.SatPerKVByte]

// TieredFee returns a fee source asking the fee policy for the rate of a
// tier.
func TieredFee(tier FeeTier) FeeSource {
	return fn.NewLeft[FeeTier, txrules.SatPerKVByte](tier)
}

// ExplicitFee returns a fee source paying a fixed rate.
func ExplicitFee(rate txrules.SatPerKVByte) FeeSource {
	return fn.NewRight[FeeTier, txrules.SatPerKVByte](rate)
}

// FeePolicy maps confirmation targets to fee rates.
type FeePolicy interface {
	// FeeRate returns the fee rate a transaction should pay to confirm
	// within confTarget blocks.
	FeeRate(confTarget uint32) (txrules.SatPerKVByte, error)
}

// StaticFeePolicy is a FeePolicy with one fixed rate per tier.
type StaticFeePolicy struct {
	Low    txrules.SatPerKVByte
	Medium txrules.SatPerKVByte
	High   txrules.SatPerKVByte
}

// A compile time check to ensure that StaticFeePolicy implements the
// interface.
var _ FeePolicy = (*StaticFeePolicy)(nil)

// FeeRate returns the rate of the most urgent tier whose confirmation target
// is met by confTarget.
func (p *StaticFeePolicy) FeeRate(confTarget uint32) (txrules.SatPerKVByte,
	error) {

	switch {
	case confTarget <= FeeTierHigh.ConfTarget():
		return p.High, nil
	case confTarget <= FeeTierMedium.ConfTarget():
		return p.Medium, nil
	default:
		return p.Low, nil
	}
}

// resolveFeeRate returns the fee rate named by a fee source.
func resolveFeeRate(src FeeSource, policy FeePolicy) (txrules.SatPerKVByte,
	error) {

	if !src.IsLeft() && !src.IsRight() {
		return 0, buildError(ErrInvalidRequest, "no fee source given",
			nil)
	}

	rate, err := fn.ElimEither(src,
		func(tier FeeTier) fn.Result[txrules.SatPerKVByte] {
			rate, err := policy.FeeRate(tier.ConfTarget())
			if err != nil {
				return fn.Err[txrules.SatPerKVByte](err)
			}

			log.Debugf("Fee policy quoted %v for %v tier (%d blocks)",
				rate, tier, tier.ConfTarget())

			return fn.Ok(rate)
		},
		func(rate txrules.SatPerKVByte) fn.Result[txrules.SatPerKVByte] {
			return fn.Ok(rate)
		},
	).Unpack()
	if err != nil {
		return 0, fmt.Errorf("unable to get fee rate: %w", err)
	}

	if rate < 0 {
		str := fmt.Sprintf("negative fee rate %v", rate)
		return 0, buildError(ErrInvalidRequest, str, nil)
	}

	return rate, nil
}
