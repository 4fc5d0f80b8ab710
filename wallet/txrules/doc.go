// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package txrules provides functions that help establish whether or not a
transaction abides by the non-consensus relay rules of a default mempool.

Fee Rates

Fee rates are expressed as an integer number of satoshis per 1000 virtual
bytes. The fee for a transaction of a given virtual size is always rounded up,
so a fee computed here never pays less than the quoted rate.

Dust

An output is dust when spending it would cost more than a third of its value
at the relay fee rate. Please refer to policy.go in btcd for more information
about the importance of this rule.
*/
package txrules
