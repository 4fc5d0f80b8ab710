// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific ManagerError.
const (
	// ErrDatabase indicates an error with the underlying database.  When
	// this error code is set, the Err field of the ManagerError will be
	// set to the underlying error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrData indicates that data stored by the manager is malformed.
	ErrData

	// ErrKeyChain indicates an error with the key chain typically either
	// due to the inability to create an extended key or deriving a child
	// extended key.  When this error code is set, the Err field of the
	// ManagerError will be set to the underlying error.
	ErrKeyChain

	// ErrCrypto indicates an error with the cryptography related operations
	// such as decrypting or encrypting data, parsing an EC public key,
	// or deriving a secret key from a password.  When this error code is
	// set, the Err field of the ManagerError will be set to the underlying
	// error.
	ErrCrypto

	// ErrNoExist indicates that the address manager namespace has not been
	// created.
	ErrNoExist

	// ErrAlreadyExists indicates that the specified wallet, account or
	// namespace already exists.
	ErrAlreadyExists

	// ErrInvalidAccount indicates that the requested account name or type
	// is not valid.
	ErrInvalidAccount

	// ErrWalletNotFound indicates that the requested wallet does not
	// exist.
	ErrWalletNotFound

	// ErrAccountNotFound indicates that the requested account does not
	// exist.
	ErrAccountNotFound

	// ErrAddressNotFound indicates that the requested address is not known
	// to the account.
	ErrAddressNotFound

	// ErrWrongPassphrase indicates that the specified passphrase is
	// incorrect.  This could be for either public or private master keys.
	ErrWrongPassphrase

	// ErrTooManyAddresses indicates that more than the maximum allowed
	// number of addresses per account have been requested.
	ErrTooManyAddresses
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:         "ErrDatabase",
	ErrData:             "ErrData",
	ErrKeyChain:         "ErrKeyChain",
	ErrCrypto:           "ErrCrypto",
	ErrNoExist:          "ErrNoExist",
	ErrAlreadyExists:    "ErrAlreadyExists",
	ErrInvalidAccount:   "ErrInvalidAccount",
	ErrWalletNotFound:   "ErrWalletNotFound",
	ErrAccountNotFound:  "ErrAccountNotFound",
	ErrAddressNotFound:  "ErrAddressNotFound",
	ErrWrongPassphrase:  "ErrWrongPassphrase",
	ErrTooManyAddresses: "ErrTooManyAddresses",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// ManagerError provides a single type for errors that can happen during address
// manager operation.  It is used to indicate several types of failures
// including errors with caller requests such as invalid accounts or requesting
// private keys against a locked address manager, errors with the database
// (ErrDatabase), errors with key chain derivation (ErrKeyChain), and errors
// related to crypto (ErrCrypto).
//
// The caller can use type assertions to determine if an error is a
// ManagerError and access the ErrorCode field to ascertain the specific reason
// for the failure.
//
// The ErrDatabase, ErrKeyChain, and ErrCrypto error codes will also have the
// Err field set with the underlying error.
type ManagerError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e ManagerError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e ManagerError) Unwrap() error {
	return e.Err
}

// managerError creates a ManagerError given a set of arguments.
func managerError(c ErrorCode, desc string, err error) ManagerError {
	return ManagerError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a ManagerError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	var e ManagerError
	return errors.As(err, &e) && e.ErrorCode == code
}
