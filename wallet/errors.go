// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/spendwallet/waddrmgr"
	"github.com/btcsuite/spendwallet/wallet/txauthor"
)

// ErrorCode identifies a kind of build failure.
type ErrorCode int

// These constants are used to identify a specific BuildError.
const (
	// ErrInvalidAmount indicates that a requested payment is zero or
	// negative, or that nothing is being paid at all.
	ErrInvalidAmount ErrorCode = iota

	// ErrAccountNotFound indicates that the account reference of a request
	// does not resolve to an account.
	ErrAccountNotFound

	// ErrInsufficientFunds indicates that the spendable outputs of the
	// account can't cover the payments and the fee.
	ErrInsufficientFunds

	// ErrFeeTooLow indicates that the resolved fee is below the minimum
	// relay fee of the transaction.
	ErrFeeTooLow

	// ErrAuthenticationFailure indicates that the credential of a request
	// can't unlock the keys needed to sign.
	ErrAuthenticationFailure

	// ErrFeeNotConverged indicates that the fee and the selected inputs
	// did not settle within the allowed number of rounds.
	ErrFeeNotConverged

	// ErrUnknownInput indicates that a transaction to be funded spends an
	// output that is neither a spendable output of the account nor
	// described by the caller.
	ErrUnknownInput

	// ErrInvalidRequest indicates a malformed request, such as a missing
	// fee source or a missing transaction to fund.
	ErrInvalidRequest
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidAmount:         "ErrInvalidAmount",
	ErrAccountNotFound:       "ErrAccountNotFound",
	ErrInsufficientFunds:     "ErrInsufficientFunds",
	ErrFeeTooLow:             "ErrFeeTooLow",
	ErrAuthenticationFailure: "ErrAuthenticationFailure",
	ErrFeeNotConverged:       "ErrFeeNotConverged",
	ErrUnknownInput:          "ErrUnknownInput",
	ErrInvalidRequest:        "ErrInvalidRequest",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// BuildError is the single error type returned by the transaction builder.
// The ErrorCode tells the kind of failure apart, and Err holds the error of a
// collaborator that caused it, if any.
type BuildError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e BuildError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e BuildError) Unwrap() error {
	return e.Err
}

// buildError creates a BuildError given a set of arguments.
func buildError(c ErrorCode, desc string, err error) BuildError {
	return BuildError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a BuildError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	var e BuildError
	return errors.As(err, &e) && e.ErrorCode == code
}

// classifyError turns an error of a collaborator into a BuildError. Errors
// that are already BuildErrors are returned as is, and errors of an unknown
// kind, such as database failures, are only annotated.
func classifyError(desc string, err error) error {
	var (
		buildErr BuildError
		inputErr txauthor.InputSourceError
	)
	switch {
	case errors.As(err, &buildErr):
		return err

	case waddrmgr.IsError(err, waddrmgr.ErrAccountNotFound),
		waddrmgr.IsError(err, waddrmgr.ErrWalletNotFound):

		return buildError(ErrAccountNotFound, desc, err)

	case waddrmgr.IsError(err, waddrmgr.ErrWrongPassphrase):
		return buildError(ErrAuthenticationFailure, desc, err)

	case errors.As(err, &inputErr):
		return buildError(ErrInsufficientFunds, desc, err)

	case errors.Is(err, txauthor.ErrFeeNotConverged):
		return buildError(ErrFeeNotConverged, desc, err)

	default:
		return fmt.Errorf("%s: %w", desc, err)
	}
}
