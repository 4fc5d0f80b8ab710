// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
)

// cfg is the configuration shared by all commands. Commands validate it
// before use.
var cfg = defaultConfig()

// command is a subcommand of spendwallet.
type command struct {
	name  string
	short string
	long  string
	data  flags.Commander
}

var commands = []command{
	{
		name:  "createwallet",
		short: "Create a wallet",
		long: "Create a wallet from a new or existing seed, creating " +
			"the store first if needed.",
		data: &createWalletCommand{},
	},
	{
		name:  "newaccount",
		short: "Create an account",
		long:  "Create an account of the given address type.",
		data:  &newAccountCommand{},
	},
	{
		name:  "newaddress",
		short: "Derive a receiving address",
		long:  "Derive the next receiving address of an account.",
		data:  &newAddressCommand{},
	},
	{
		name:  "addutxo",
		short: "Record an output paying to the wallet",
		long: "Record an output paying to an address of the store so " +
			"it can be spent.",
		data: &addUtxoCommand{},
	},
	{
		name:  "settip",
		short: "Set the best block height",
		long: "Set the height of the best block, which decides the " +
			"confirmations of recorded outputs.",
		data: &setTipCommand{},
	},
	{
		name:  "balance",
		short: "Show the balance of an account",
		long:  "Show the value of the spendable outputs of an account.",
		data:  &balanceCommand{},
	},
	{
		name:  "send",
		short: "Build a transaction",
		long: "Build, and unless --unsigned is given sign, a " +
			"transaction paying the recipients from an account.",
		data: &sendCommand{},
	},
	{
		name:  "estimatefee",
		short: "Estimate the fee of a transaction",
		long: "Show the fee send would pay for the same recipients " +
			"without building the transaction.",
		data: &estimateFeeCommand{},
	},
	{
		name:  "fund",
		short: "Fund a transaction or PSBT packet",
		long: "Add inputs and change to a transaction or PSBT packet " +
			"so it pays its outputs and the fee.",
		data: &fundCommand{},
	},
	{
		name:  "maxspendable",
		short: "Show the value an account can send",
		long: "Show the value and fee of a transaction sweeping all " +
			"spendable outputs of an account.",
		data: &maxSpendableCommand{},
	},
}

func main() {
	// Work around defer not working after os.Exit.
	if err := spendMain(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error to stderr. It does not exit so deferred functions
// still run.
func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	fmt.Fprintln(os.Stderr)
}

// spendMain parses the configuration and runs the chosen command.
func spendMain() error {
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	for _, c := range commands {
		_, err := parser.AddCommand(c.name, c.short, c.long, c.data)
		if err != nil {
			fatalf("Unable to add command %s: %v", c.name, err)
			return err
		}
	}

	if err := loadConfig(parser); err != nil {
		fatalf("Unable to load config: %v", err)
		return err
	}

	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	_, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Println(err)
			return nil
		}

		fatalf("%v", err)
		return err
	}

	return nil
}
