// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/spendwallet/waddrmgr"
	"github.com/btcsuite/spendwallet/wallet/txauthor"
	"github.com/stretchr/testify/require"
)

// TestErrorCodeStringer tests the stringized output for the ErrorCode type.
func TestErrorCodeStringer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   ErrorCode
		want string
	}{
		{ErrInvalidAmount, "ErrInvalidAmount"},
		{ErrAccountNotFound, "ErrAccountNotFound"},
		{ErrInsufficientFunds, "ErrInsufficientFunds"},
		{ErrFeeTooLow, "ErrFeeTooLow"},
		{ErrAuthenticationFailure, "ErrAuthenticationFailure"},
		{ErrFeeNotConverged, "ErrFeeNotConverged"},
		{ErrUnknownInput, "ErrUnknownInput"},
		{ErrInvalidRequest, "ErrInvalidRequest"},
		{0xffff, "Unknown ErrorCode (65535)"},
	}

	for i, test := range tests {
		require.Equalf(t, test.want, test.in.String(), "#%d", i)
	}
}

// TestClassifyError checks how collaborator errors map to error codes.
func TestClassifyError(t *testing.T) {
	t.Parallel()

	errDB := errors.New("disk on fire")

	testCases := []struct {
		name     string
		err      error
		wantCode ErrorCode
		classify bool
	}{
		{
			name: "account not found",
			err: waddrmgr.ManagerError{
				ErrorCode: waddrmgr.ErrAccountNotFound,
			},
			wantCode: ErrAccountNotFound,
			classify: true,
		},
		{
			name: "wallet not found",
			err: fmt.Errorf("lookup: %w", waddrmgr.ManagerError{
				ErrorCode: waddrmgr.ErrWalletNotFound,
			}),
			wantCode: ErrAccountNotFound,
			classify: true,
		},
		{
			name: "wrong passphrase",
			err: waddrmgr.ManagerError{
				ErrorCode: waddrmgr.ErrWrongPassphrase,
			},
			wantCode: ErrAuthenticationFailure,
			classify: true,
		},
		{
			name: "fee not converged",
			err: fmt.Errorf("%w after 4 rounds",
				txauthor.ErrFeeNotConverged),
			wantCode: ErrFeeNotConverged,
			classify: true,
		},
		{
			name:     "already classified",
			err:      buildError(ErrUnknownInput, "spent elsewhere", nil),
			wantCode: ErrUnknownInput,
			classify: true,
		},
		{
			name: "unrelated manager error",
			err: waddrmgr.ManagerError{
				ErrorCode: waddrmgr.ErrAddressNotFound,
			},
		},
		{
			name: "database failure",
			err:  errDB,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := classifyError("doing things", tc.err)
			require.ErrorIs(t, err, tc.err)

			if !tc.classify {
				var buildErr BuildError
				require.False(t, errors.As(err, &buildErr))
				require.Contains(t, err.Error(), "doing things")
				return
			}
			requireBuildError(t, err, tc.wantCode)
		})
	}
}
