// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific TxStoreError.
const (
	// ErrDatabase indicates an error with the underlying database.  When
	// this error code is set, the Err field of the TxStoreError will be
	// set to the underlying error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrData describes an error where data stored in the transaction
	// database is incorrect.  This may be due to missing values, values of
	// wrong sizes, or data from different buckets that is inconsistent with
	// itself.  If the failure was not due to data corruption, this error
	// category indicates a programming error in this package.
	ErrData

	// ErrInput describes an error where the variables passed into this
	// function by the caller are obviously incorrect.
	ErrInput

	// ErrNoExist indicates that the transaction store namespace has not
	// been created.
	ErrNoExist

	// ErrAlreadyExists indicates that a credit for an outpoint is already
	// recorded.
	ErrAlreadyExists

	// ErrCreditNotFound indicates that the requested credit is not known
	// to the store.
	ErrCreditNotFound

	// ErrAlreadySpent indicates that a credit was already marked spent by
	// another transaction.
	ErrAlreadySpent
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:       "ErrDatabase",
	ErrData:           "ErrData",
	ErrInput:          "ErrInput",
	ErrNoExist:        "ErrNoExist",
	ErrAlreadyExists:  "ErrAlreadyExists",
	ErrCreditNotFound: "ErrCreditNotFound",
	ErrAlreadySpent:   "ErrAlreadySpent",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// TxStoreError provides a single type for errors that can happen during tx
// store operation. It is similar to waddrmgr.ManagerError.
type TxStoreError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e TxStoreError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e TxStoreError) Unwrap() error {
	return e.Err
}

// storeError creates a TxStoreError given a set of arguments.
func storeError(c ErrorCode, desc string, err error) TxStoreError {
	return TxStoreError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether err is a TxStoreError with a matching error code.
func IsError(err error, code ErrorCode) bool {
	var e TxStoreError
	return errors.As(err, &e) && e.ErrorCode == code
}
