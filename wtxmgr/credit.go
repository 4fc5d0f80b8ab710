// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// Unconfirmed is the height of a credit that is not mined yet.
const Unconfirmed int32 = -1

// Credit is an output received by one of the wallet's addresses.
type Credit struct {
	wire.OutPoint

	// Amount is the value of the output.
	Amount btcutil.Amount

	// PkScript is the script the output pays to.
	PkScript []byte

	// AddrID is the id of the address the output pays to, as assigned by
	// the address manager.
	AddrID uint32

	// Height is the height of the block that mined the output, or
	// Unconfirmed.
	Height int32

	// SpentBy is the hash of the transaction spending the output, if one
	// is known.
	SpentBy fn.Option[chainhash.Hash]
}

// Confirmations returns the number of confirmations of the credit for a chain
// whose best block is at tip.
func (c *Credit) Confirmations(tip int32) int32 {
	if c.Height == Unconfirmed || c.Height > tip {
		return 0
	}
	return tip - c.Height + 1
}

// Spent returns whether the credit is spent by a known transaction.
func (c *Credit) Spent() bool {
	return c.SpentBy.IsSome()
}

const (
	typeCreditTxHash   tlv.Type = 1
	typeCreditIndex    tlv.Type = 2
	typeCreditAmount   tlv.Type = 3
	typeCreditPkScript tlv.Type = 4
	typeCreditAddrID   tlv.Type = 5
	typeCreditHeight   tlv.Type = 6
	typeCreditSpentBy  tlv.Type = 7
)

// serializeCredit encodes a credit as a TLV stream. The height and spender are
// only written when set.
func serializeCredit(c *Credit) ([]byte, error) {
	var (
		txHash   = [32]byte(c.Hash)
		index    = c.Index
		amount   = uint64(c.Amount)
		pkScript = c.PkScript
		addrID   = c.AddrID
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeCreditTxHash, &txHash),
		tlv.MakePrimitiveRecord(typeCreditIndex, &index),
		tlv.MakePrimitiveRecord(typeCreditAmount, &amount),
		tlv.MakePrimitiveRecord(typeCreditPkScript, &pkScript),
		tlv.MakePrimitiveRecord(typeCreditAddrID, &addrID),
	}

	if c.Height != Unconfirmed {
		height := uint32(c.Height)
		records = append(records, tlv.MakePrimitiveRecord(
			typeCreditHeight, &height,
		))
	}

	c.SpentBy.WhenSome(func(h chainhash.Hash) {
		spender := [32]byte(h)
		records = append(records, tlv.MakePrimitiveRecord(
			typeCreditSpentBy, &spender,
		))
	})

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// deserializeCredit decodes a credit written by serializeCredit.
func deserializeCredit(v []byte) (*Credit, error) {
	var (
		txHash   [32]byte
		index    uint32
		amount   uint64
		pkScript []byte
		addrID   uint32
		height   uint32
		spender  [32]byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeCreditTxHash, &txHash),
		tlv.MakePrimitiveRecord(typeCreditIndex, &index),
		tlv.MakePrimitiveRecord(typeCreditAmount, &amount),
		tlv.MakePrimitiveRecord(typeCreditPkScript, &pkScript),
		tlv.MakePrimitiveRecord(typeCreditAddrID, &addrID),
		tlv.MakePrimitiveRecord(typeCreditHeight, &height),
		tlv.MakePrimitiveRecord(typeCreditSpentBy, &spender),
	)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(v))
	if err != nil {
		return nil, err
	}

	for _, typ := range []tlv.Type{
		typeCreditTxHash, typeCreditIndex, typeCreditAmount,
		typeCreditPkScript, typeCreditAddrID,
	} {
		if _, ok := parsed[typ]; !ok {
			return nil, fmt.Errorf("credit record missing type %d",
				typ)
		}
	}

	c := &Credit{
		OutPoint: wire.OutPoint{
			Hash:  chainhash.Hash(txHash),
			Index: index,
		},
		Amount:   btcutil.Amount(amount),
		PkScript: pkScript,
		AddrID:   addrID,
		Height:   Unconfirmed,
		SpentBy:  fn.None[chainhash.Hash](),
	}
	if _, ok := parsed[typeCreditHeight]; ok {
		c.Height = int32(height)
	}
	if _, ok := parsed[typeCreditSpentBy]; ok {
		c.SpentBy = fn.Some(chainhash.Hash(spender))
	}

	return c, nil
}
