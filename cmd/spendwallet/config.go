// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/spendwallet/internal/cfgutil"
	"github.com/btcsuite/spendwallet/wallet"
	"github.com/btcsuite/spendwallet/wallet/txrules"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "spendwallet.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "spendwallet.log"
	defaultNetwork        = "mainnet"
	defaultWalletName     = "default"
	defaultAccountName    = "default"
)

var (
	defaultAppDataDir = btcutil.AppDataDir("spendwallet", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

// feeRateConfig holds the fee rates quoted for the fee tiers.
type feeRateConfig struct {
	Low    *cfgutil.FeeRateFlag `long:"low" description:"Fee rate of the low tier in sat/vbyte"`
	Medium *cfgutil.FeeRateFlag `long:"medium" description:"Fee rate of the medium tier in sat/vbyte"`
	High   *cfgutil.FeeRateFlag `long:"high" description:"Fee rate of the high tier in sat/vbyte"`
}

type config struct {
	// General application behavior
	ConfigFile     string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir        string `short:"b" long:"datadir" description:"Directory to store the wallet database"`
	Network        string `long:"network" description:"Bitcoin network {mainnet, testnet3, regtest, simnet, signet}"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	LogDir         string `long:"logdir" description:"Directory to log output."`
	NoFreelistSync bool   `long:"nofreelistsync" description:"Don't sync the free list of the database to disk"`

	// Fee policy
	MinRelayFee *cfgutil.FeeRateFlag `long:"minrelayfee" description:"Lowest fee rate a transaction may pay in sat/vbyte"`
	FeeRates    feeRateConfig        `group:"Fee rates" namespace:"feerate"`

	chainParams *chaincfg.Params
}

// defaultConfig returns a config holding the default settings.
func defaultConfig() *config {
	return &config{
		ConfigFile:  defaultConfigFile,
		DataDir:     defaultAppDataDir,
		Network:     defaultNetwork,
		DebugLevel:  defaultLogLevel,
		LogDir:      defaultLogDir,
		MinRelayFee: cfgutil.NewFeeRateFlag(txrules.DefaultRelayFeePerKb),
		FeeRates: feeRateConfig{
			Low:    cfgutil.NewFeeRateFlag(1000),
			Medium: cfgutil.NewFeeRateFlag(5000),
			High:   cfgutil.NewFeeRateFlag(20000),
		},
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Do not try to clean the empty string.
	if path == "" {
		return ""
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if os.PathSeparator == '/' {
		pathSeparators = "/"
	} else {
		pathSeparators = string(os.PathSeparator) + "/"
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// networkParams returns the parameters of a network by name.
func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

// loadConfig reads the config file named by the command line, if it exists,
// into the parser's configuration. Command line options are parsed afterwards
// by the caller so they take precedence.
func loadConfig(parser *flags.Parser) error {
	// Pre-parse the command line options to see if an alternative config
	// file was specified.
	preCfg := struct {
		ConfigFile string `short:"C" long:"configfile"`
	}{
		ConfigFile: defaultConfigFile,
	}
	preParser := flags.NewParser(
		&preCfg, flags.HelpFlag|flags.IgnoreUnknown,
	)
	if _, err := preParser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			// The full parser prints the help text.
			return nil
		}
		return err
	}

	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	exists, err := cfgutil.RegularFileExists(configFile)
	if err != nil {
		return err
	}
	if !exists {
		if preCfg.ConfigFile != defaultConfigFile {
			return fmt.Errorf("config file %s does not exist",
				configFile)
		}
		return nil
	}

	return flags.NewIniParser(parser).ParseFile(configFile)
}

// validate checks the configuration and fills in the derived settings. It
// must run before any command touches the wallet.
func (cfg *config) validate() error {
	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	params, err := networkParams(cfg.Network)
	if err != nil {
		return err
	}
	cfg.chainParams = params

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// Wallets of different networks live in different directories.
	netDir := params.Name
	cfg.DataDir = filepath.Join(cfg.DataDir, netDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, netDir)

	// Initialize the log rotator and the logging levels.
	err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	if err != nil {
		return err
	}
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return err
	}

	rates := cfg.FeeRates
	if rates.Low.SatPerKVByte > rates.Medium.SatPerKVByte ||
		rates.Medium.SatPerKVByte > rates.High.SatPerKVByte {

		return fmt.Errorf("fee rates must not decrease with urgency: "+
			"low %v, medium %v, high %v", rates.Low.SatPerKVByte,
			rates.Medium.SatPerKVByte, rates.High.SatPerKVByte)
	}

	return nil
}

// feePolicy returns the fee policy quoting the configured tier rates.
func (cfg *config) feePolicy() *wallet.StaticFeePolicy {
	return &wallet.StaticFeePolicy{
		Low:    cfg.FeeRates.Low.SatPerKVByte,
		Medium: cfg.FeeRates.Medium.SatPerKVByte,
		High:   cfg.FeeRates.High.SatPerKVByte,
	}
}
