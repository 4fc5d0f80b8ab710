// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"testing"

	"github.com/btcsuite/spendwallet/wallet/txrules"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestFeeTiers checks tier names and confirmation targets.
func TestFeeTiers(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		tier       FeeTier
		name       string
		confTarget uint32
	}{
		{FeeTierLow, "low", 50},
		{FeeTierMedium, "medium", 20},
		{FeeTierHigh, "high", 5},
	}

	for _, tc := range testCases {
		require.Equal(t, tc.name, tc.tier.String())
		require.Equal(t, tc.confTarget, tc.tier.ConfTarget())

		tier, err := ParseFeeTier(tc.name)
		require.NoError(t, err)
		require.Equal(t, tc.tier, tier)
	}

	_, err := ParseFeeTier("urgent")
	require.Error(t, err)
	require.Equal(t, "unknown(7)", FeeTier(7).String())
}

// TestStaticFeePolicy checks that confirmation targets map to the rate of the
// most urgent tier they meet.
func TestStaticFeePolicy(t *testing.T) {
	t.Parallel()

	policy := &StaticFeePolicy{Low: 1000, Medium: 5000, High: 20000}

	testCases := []struct {
		confTarget uint32
		want       txrules.SatPerKVByte
	}{
		{1, 20000},
		{5, 20000},
		{6, 5000},
		{20, 5000},
		{21, 1000},
		{1008, 1000},
	}

	for _, tc := range testCases {
		rate, err := policy.FeeRate(tc.confTarget)
		require.NoError(t, err)
		require.Equalf(t, tc.want, rate, "target %d", tc.confTarget)
	}
}

// TestResolveFeeRate checks how fee sources are turned into rates.
func TestResolveFeeRate(t *testing.T) {
	t.Parallel()

	errPolicy := errors.New("estimator offline")

	testCases := []struct {
		name       string
		src        FeeSource
		setupMocks func(p *mockFeePolicy)
		want       txrules.SatPerKVByte
		wantErr    error
		wantCode   fn.Option[ErrorCode]
	}{
		{
			name:       "explicit",
			src:        ExplicitFee(12345),
			setupMocks: func(p *mockFeePolicy) {},
			want:       12345,
		},
		{
			name:       "explicit zero",
			src:        ExplicitFee(0),
			setupMocks: func(p *mockFeePolicy) {},
			want:       0,
		},
		{
			name: "tiered",
			src:  TieredFee(FeeTierMedium),
			setupMocks: func(p *mockFeePolicy) {
				p.On("FeeRate", uint32(20)).Return(
					txrules.SatPerKVByte(4000), nil,
				)
			},
			want: 4000,
		},
		{
			name: "policy failure",
			src:  TieredFee(FeeTierLow),
			setupMocks: func(p *mockFeePolicy) {
				p.On("FeeRate", uint32(50)).Return(
					txrules.SatPerKVByte(0), errPolicy,
				)
			},
			wantErr: errPolicy,
		},
		{
			name: "negative quote",
			src:  TieredFee(FeeTierHigh),
			setupMocks: func(p *mockFeePolicy) {
				p.On("FeeRate", uint32(5)).Return(
					txrules.SatPerKVByte(-1), nil,
				)
			},
			wantCode: fn.Some(ErrInvalidRequest),
		},
		{
			name:       "no source",
			setupMocks: func(p *mockFeePolicy) {},
			wantCode:   fn.Some(ErrInvalidRequest),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			policy := &mockFeePolicy{}
			tc.setupMocks(policy)

			rate, err := resolveFeeRate(tc.src, policy)
			policy.AssertExpectations(t)

			switch {
			case tc.wantErr != nil:
				require.ErrorIs(t, err, tc.wantErr)

			case tc.wantCode.IsSome():
				requireBuildError(
					t, err, tc.wantCode.UnwrapOr(0),
				)

			default:
				require.NoError(t, err)
				require.Equal(t, tc.want, rate)
			}
		})
	}
}
