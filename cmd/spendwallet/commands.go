// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spendwallet/internal/cfgutil"
	"github.com/btcsuite/spendwallet/internal/prompt"
	"github.com/btcsuite/spendwallet/internal/zero"
	"github.com/btcsuite/spendwallet/waddrmgr"
	"github.com/btcsuite/spendwallet/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// accountFlags name the account a command works on.
type accountFlags struct {
	Wallet  string `short:"w" long:"wallet" description:"Name of the wallet" default:"default"`
	Account string `short:"a" long:"account" description:"Name of the account" default:"default"`
}

func (f *accountFlags) ref() waddrmgr.AccountRef {
	return waddrmgr.AccountRef{
		WalletName:  f.Wallet,
		AccountName: f.Account,
	}
}

// feeFlags choose the fee rate of a transaction.
type feeFlags struct {
	FeeTier string               `long:"feetier" description:"Fee tier {low, medium, high}" default:"medium"`
	FeeRate *cfgutil.FeeRateFlag `long:"feerate" description:"Explicit fee rate in sat/vbyte, overriding the fee tier"`
}

// source returns the fee source named by the flags.
func (f *feeFlags) source() (wallet.FeeSource, error) {
	if f.FeeRate != nil {
		return wallet.ExplicitFee(f.FeeRate.SatPerKVByte), nil
	}

	tier, err := wallet.ParseFeeTier(f.FeeTier)
	if err != nil {
		return wallet.FeeSource{}, err
	}
	return wallet.TieredFee(tier), nil
}

// storeFunc is run with an open store by withStore.
type storeFunc func(ctx context.Context, store *wallet.DBStore) error

// withStore validates the configuration, opens the store and runs f. The
// store is created first if create is set and it doesn't exist yet.
func withStore(create bool, f storeFunc) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	loader := wallet.NewLoader(
		cfg.chainParams, cfg.DataDir, cfg.NoFreelistSync,
		wallet.DefaultDBTimeout,
	)

	exists, err := loader.StoreExists()
	if err != nil {
		return err
	}

	var store *wallet.DBStore
	switch {
	case exists:
		store, err = loader.OpenExistingStore()

	case create:
		log.Infof("Creating store in %s", cfg.DataDir)
		store, err = loader.CreateNewStore()

	default:
		return fmt.Errorf("no store in %s, create a wallet first",
			cfg.DataDir)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := loader.UnloadStore(); err != nil {
			log.Errorf("Unable to close store: %v", err)
		}
	}()

	ctx, cancel := interruptContext()
	defer cancel()

	return f(ctx, store)
}

// newBuilder returns a transaction builder over a store using the configured
// fee policy.
func newBuilder(store *wallet.DBStore) *wallet.TxBuilder {
	return wallet.NewTxBuilder(wallet.Config{
		Accounts:        store,
		Credits:         store,
		Fees:            cfg.feePolicy(),
		ChainParams:     cfg.chainParams,
		MinRelayFeeRate: cfg.MinRelayFee.SatPerKVByte,
	})
}

// decodeAddress decodes an address of the configured network and returns the
// script paying to it.
func decodeAddress(s string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(s, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not for %s", s,
			params.Name)
	}

	return txscript.PayToAddrScript(addr)
}

// parseRecipients parses recipients given as <address>=<amount in BTC>.
func parseRecipients(recipients []string,
	params *chaincfg.Params) ([]wallet.Recipient, error) {

	parsed := make([]wallet.Recipient, 0, len(recipients))
	for _, r := range recipients {
		addr, amount, ok := strings.Cut(r, "=")
		if !ok {
			return nil, fmt.Errorf("recipient %q is not of the form "+
				"<address>=<amount>", r)
		}

		pkScript, err := decodeAddress(addr, params)
		if err != nil {
			return nil, err
		}

		var amt cfgutil.AmountFlag
		if err := amt.UnmarshalFlag(amount); err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", amount,
				err)
		}

		parsed = append(parsed, wallet.Recipient{
			PkScript: pkScript,
			Amount:   amt.Amount,
		})
	}

	return parsed, nil
}

// serializeTx returns the hex encoding of a transaction.
func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// printResult prints a build result followed by the encoded transaction.
func printResult(res *wallet.BuildResult, encoded string) {
	fmt.Printf("txid:    %v\n", res.Tx.TxHash())
	fmt.Printf("fee:     %v\n", res.Fee)
	fmt.Printf("vsize:   %d\n", res.VSize)
	fmt.Printf("inputs:  %d new\n", len(res.Inputs))
	if res.ChangeIndex >= 0 {
		fmt.Printf("change:  output %d\n", res.ChangeIndex)
	}
	fmt.Printf("signed:  %v\n", res.Signed)
	fmt.Println(encoded)
}

// createWalletCommand creates a wallet in the store.
type createWalletCommand struct {
	Wallet string `short:"w" long:"wallet" description:"Name of the new wallet" default:"default"`
}

func (c *createWalletCommand) Execute(_ []string) error {
	return withStore(true, func(_ context.Context,
		store *wallet.DBStore) error {

		passphrase, seed, err := prompt.Setup(bufio.NewReader(os.Stdin))
		if err != nil {
			return err
		}
		defer zero.Bytes(seed)
		defer zero.Bytes(passphrase)

		err = store.CreateWallet(c.Wallet, seed, passphrase)
		if err != nil {
			return err
		}

		log.Infof("Created wallet %q", c.Wallet)
		return nil
	})
}

// newAccountCommand creates an account of a wallet.
type newAccountCommand struct {
	accountFlags

	AddrType string `short:"t" long:"type" description:"Address type of the account {p2pkh, np2wkh, p2wkh, p2tr}" default:"p2wkh"`
}

func (c *newAccountCommand) Execute(_ []string) error {
	addrType, err := waddrmgr.ParseAddressType(c.AddrType)
	if err != nil {
		return err
	}

	return withStore(false, func(_ context.Context,
		store *wallet.DBStore) error {

		passphrase, err := prompt.Passphrase(c.Wallet)
		if err != nil {
			return err
		}
		defer zero.Bytes(passphrase)

		acct, err := store.NewAccount(c.ref(), addrType, passphrase)
		if err != nil {
			return err
		}

		scope := acct.Scope()
		fmt.Printf("Created %v account %v (m/%d'/%d'/%d')\n", addrType,
			acct.Ref(), scope.Purpose, scope.Coin, acct.Number)
		return nil
	})
}

// newAddressCommand derives a receiving address of an account.
type newAddressCommand struct {
	accountFlags
}

func (c *newAddressCommand) Execute(_ []string) error {
	return withStore(false, func(_ context.Context,
		store *wallet.DBStore) error {

		addr, err := store.NewAddress(c.ref())
		if err != nil {
			return err
		}

		encoded, err := addr.Address(store.ChainParams())
		if err != nil {
			return err
		}

		fmt.Println(encoded.EncodeAddress())
		return nil
	})
}

// addUtxoCommand records an output paying to an address of the store.
type addUtxoCommand struct {
	OutPoint string             `long:"outpoint" description:"Output as <txid>:<index>" required:"true"`
	Address  string             `long:"address" description:"Address the output pays to" required:"true"`
	Amount   cfgutil.AmountFlag `long:"amount" description:"Value of the output in BTC" required:"true"`
	Height   int32              `long:"height" description:"Height of the block that mined the output, -1 if unconfirmed" default:"-1"`
}

func (c *addUtxoCommand) Execute(_ []string) error {
	op, err := wire.NewOutPointFromString(c.OutPoint)
	if err != nil {
		return fmt.Errorf("invalid outpoint %q: %w", c.OutPoint, err)
	}

	return withStore(false, func(_ context.Context,
		store *wallet.DBStore) error {

		pkScript, err := decodeAddress(c.Address, store.ChainParams())
		if err != nil {
			return err
		}

		txOut := wire.NewTxOut(int64(c.Amount.Amount), pkScript)
		addr, err := store.AddCredit(*op, txOut, c.Height)
		if err != nil {
			return err
		}

		log.Infof("Recorded %v paying %v to address %d", op,
			c.Amount.Amount, addr.ID)
		return nil
	})
}

// setTipCommand records the height of the best block.
type setTipCommand struct {
	Height int32 `long:"height" description:"Height of the best block" required:"true"`
}

func (c *setTipCommand) Execute(_ []string) error {
	return withStore(false, func(_ context.Context,
		store *wallet.DBStore) error {

		return store.SetTip(c.Height)
	})
}

// balanceCommand prints the balance of an account.
type balanceCommand struct {
	accountFlags

	MinConfs int32 `long:"minconf" description:"Minimum number of confirmations of counted outputs"`
}

func (c *balanceCommand) Execute(_ []string) error {
	return withStore(false, func(_ context.Context,
		store *wallet.DBStore) error {

		balance, err := store.Balance(c.ref(), c.MinConfs)
		if err != nil {
			return err
		}

		fmt.Println(balance)
		return nil
	})
}

// sendCommand builds a transaction paying recipients from an account.
type sendCommand struct {
	accountFlags
	feeFlags

	To       []string `long:"to" description:"Recipient as <address>=<amount in BTC>, may be repeated" required:"true"`
	MinConfs int32    `long:"minconf" description:"Minimum number of confirmations of spent outputs"`
	Shuffle  bool     `long:"shuffle" description:"Move the change output to a random position"`
	Unsigned bool     `long:"unsigned" description:"Don't sign the transaction"`
	Record   bool     `long:"record" description:"Record the signed transaction as spending the outputs of the store"`
}

// request returns the build request of the command.
func (c *sendCommand) request(params *chaincfg.Params) (*wallet.BuildRequest,
	error) {

	recipients, err := parseRecipients(c.To, params)
	if err != nil {
		return nil, err
	}
	feeSource, err := c.source()
	if err != nil {
		return nil, err
	}

	return &wallet.BuildRequest{
		Account:    c.ref(),
		Recipients: recipients,
		MinConfs:   c.MinConfs,
		FeeSource:  feeSource,
		Shuffle:    c.Shuffle,
	}, nil
}

func (c *sendCommand) Execute(_ []string) error {
	return withStore(false, func(ctx context.Context,
		store *wallet.DBStore) error {

		req, err := c.request(store.ChainParams())
		if err != nil {
			return err
		}

		if !c.Unsigned {
			passphrase, err := prompt.Passphrase(c.Wallet)
			if err != nil {
				return err
			}
			defer zero.Bytes(passphrase)

			req.Credential = fn.Some(passphrase)
		}

		res, err := newBuilder(store).BuildTransaction(ctx, req)
		if err != nil {
			return err
		}

		encoded, err := serializeTx(res.Tx)
		if err != nil {
			return err
		}
		printResult(res, encoded)

		if c.Record && res.Signed {
			return store.RecordSpend(res.Tx)
		}
		return nil
	})
}

// estimateFeeCommand prints the fee a send would pay.
type estimateFeeCommand struct {
	accountFlags
	feeFlags

	To       []string `long:"to" description:"Recipient as <address>=<amount in BTC>, may be repeated" required:"true"`
	MinConfs int32    `long:"minconf" description:"Minimum number of confirmations of spent outputs"`
}

func (c *estimateFeeCommand) Execute(_ []string) error {
	return withStore(false, func(ctx context.Context,
		store *wallet.DBStore) error {

		send := sendCommand{
			accountFlags: c.accountFlags,
			feeFlags:     c.feeFlags,
			To:           c.To,
			MinConfs:     c.MinConfs,
		}
		req, err := send.request(store.ChainParams())
		if err != nil {
			return err
		}

		fee, err := newBuilder(store).EstimateFee(ctx, req)
		if err != nil {
			return err
		}

		fmt.Println(fee)
		return nil
	})
}

// fundCommand funds a transaction or a PSBT packet from an account.
type fundCommand struct {
	accountFlags
	feeFlags

	Tx       string `long:"tx" description:"Hex encoded transaction to fund and sign"`
	Psbt     string `long:"psbt" description:"Base64 encoded PSBT packet to fund"`
	MinConfs int32  `long:"minconf" description:"Minimum number of confirmations of spent outputs"`
}

func (c *fundCommand) Execute(_ []string) error {
	if (c.Tx == "") == (c.Psbt == "") {
		return errors.New("exactly one of --tx and --psbt is needed")
	}

	return withStore(false, func(ctx context.Context,
		store *wallet.DBStore) error {

		feeSource, err := c.source()
		if err != nil {
			return err
		}
		req := &wallet.BuildRequest{
			Account:   c.ref(),
			MinConfs:  c.MinConfs,
			FeeSource: feeSource,
		}
		b := newBuilder(store)

		if c.Psbt != "" {
			packet, err := psbt.NewFromRawBytes(
				strings.NewReader(c.Psbt), true,
			)
			if err != nil {
				return fmt.Errorf("invalid packet: %w", err)
			}

			res, err := b.FundPsbt(ctx, req, packet)
			if err != nil {
				return err
			}

			encoded, err := packet.B64Encode()
			if err != nil {
				return err
			}
			printResult(res, encoded)
			return nil
		}

		rawTx, err := hex.DecodeString(c.Tx)
		if err != nil {
			return fmt.Errorf("invalid transaction: %w", err)
		}
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
			return fmt.Errorf("invalid transaction: %w", err)
		}

		passphrase, err := prompt.Passphrase(c.Wallet)
		if err != nil {
			return err
		}
		defer zero.Bytes(passphrase)
		req.Credential = fn.Some(passphrase)

		res, err := b.FundTransaction(ctx, req, tx)
		if err != nil {
			return err
		}

		encoded, err := serializeTx(res.Tx)
		if err != nil {
			return err
		}
		printResult(res, encoded)
		return nil
	})
}

// maxSpendableCommand prints what sweeping an account would pay.
type maxSpendableCommand struct {
	accountFlags

	FeeTier       string `long:"feetier" description:"Fee tier {low, medium, high}" default:"medium"`
	ConfirmedOnly bool   `long:"confirmedonly" description:"Leave out unconfirmed outputs"`
}

func (c *maxSpendableCommand) Execute(_ []string) error {
	tier, err := wallet.ParseFeeTier(c.FeeTier)
	if err != nil {
		return err
	}

	return withStore(false, func(ctx context.Context,
		store *wallet.DBStore) error {

		amount, fee, err := newBuilder(store).MaxSpendable(
			ctx, c.ref(), tier, c.ConfirmedOnly,
		)
		if err != nil {
			return err
		}

		fmt.Printf("amount:  %v\n", amount)
		fmt.Printf("fee:     %v\n", fee)
		return nil
	})
}
