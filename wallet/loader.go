// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/spendwallet/internal/cfgutil"
	"github.com/btcsuite/spendwallet/waddrmgr"
)

const (
	// WalletDBName specified the database filename for the wallet.
	WalletDBName = "wallet.db"

	// DefaultDBTimeout is the default timeout value when opening the wallet
	// database.
	DefaultDBTimeout = 60 * time.Second
)

var (
	// ErrLoaded describes the error condition of attempting to load or
	// create a store when the loader has already done so.
	ErrLoaded = errors.New("wallet already loaded")

	// ErrNotLoaded describes the error condition of attempting to close a
	// loaded store when a store has not been loaded.
	ErrNotLoaded = errors.New("wallet is not loaded")

	// ErrExists describes the error condition of attempting to create a new
	// store when one exists already.
	ErrExists = errors.New("wallet already exists")
)

// loaderConfig contains the configuration options for the loader.
type loaderConfig struct {
	scryptOptions *waddrmgr.ScryptOptions
}

// LoaderOption is a configuration option for the loader.
type LoaderOption func(*loaderConfig)

// WithScryptOptions sets the scrypt parameters used to derive the keys
// protecting the wallets created in the store.
func WithScryptOptions(opts *waddrmgr.ScryptOptions) LoaderOption {
	return func(c *loaderConfig) {
		c.scryptOptions = opts
	}
}

// Loader creates and opens the database file of a DBStore.
//
// Loader is safe for concurrent access.
type Loader struct {
	cfg            loaderConfig
	chainParams    *chaincfg.Params
	dbDirPath      string
	noFreelistSync bool
	timeout        time.Duration
	store          *DBStore
	db             walletdb.DB
	mu             sync.Mutex
}

// NewLoader constructs a Loader keeping its database in dbDirPath.
func NewLoader(chainParams *chaincfg.Params, dbDirPath string,
	noFreelistSync bool, timeout time.Duration,
	opts ...LoaderOption) *Loader {

	var cfg loaderConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Loader{
		cfg:            cfg,
		chainParams:    chainParams,
		dbDirPath:      dbDirPath,
		noFreelistSync: noFreelistSync,
		timeout:        timeout,
	}
}

// CreateNewStore creates a new, empty store.
func (l *Loader) CreateNewStore() (*DBStore, error) {
	defer l.mu.Unlock()
	l.mu.Lock()

	if l.store != nil {
		return nil, ErrLoaded
	}

	exists, err := l.StoreExists()
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrExists
	}

	if err := os.MkdirAll(l.dbDirPath, 0700); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(l.dbDirPath, WalletDBName)
	db, err := walletdb.Create(
		"bdb", dbPath, l.noFreelistSync, l.timeout, false,
	)
	if err != nil {
		return nil, err
	}

	if err := CreateDBStore(db); err != nil {
		l.closeOnError(db)
		return nil, err
	}

	return l.open(db)
}

// OpenExistingStore opens the store of the loader's database path.
func (l *Loader) OpenExistingStore() (*DBStore, error) {
	defer l.mu.Unlock()
	l.mu.Lock()

	if l.store != nil {
		return nil, ErrLoaded
	}

	dbPath := filepath.Join(l.dbDirPath, WalletDBName)
	db, err := walletdb.Open(
		"bdb", dbPath, l.noFreelistSync, l.timeout, false,
	)
	if err != nil {
		log.Errorf("Failed to open database: %v", err)
		return nil, err
	}

	return l.open(db)
}

// open opens the store kept in db. Requires mutex to be locked.
func (l *Loader) open(db walletdb.DB) (*DBStore, error) {
	store, err := OpenDBStore(db, l.chainParams, l.cfg.scryptOptions)
	if err != nil {
		// If opening the store fails, we must close the backing
		// database to allow future calls to walletdb.Open().
		l.closeOnError(db)
		return nil, err
	}

	l.db = db
	l.store = store

	return store, nil
}

func (l *Loader) closeOnError(db walletdb.DB) {
	if err := db.Close(); err != nil {
		log.Warnf("Error closing database: %v", err)
	}
}

// StoreExists returns whether a database file exists at the loader's path.
// This may return an error for unexpected I/O failures, or when something
// other than a file is in the way.
func (l *Loader) StoreExists() (bool, error) {
	dbPath := filepath.Join(l.dbDirPath, WalletDBName)
	return cfgutil.RegularFileExists(dbPath)
}

// LoadedStore returns the loaded store, if any, and a bool for whether the
// store has been loaded or not.
func (l *Loader) LoadedStore() (*DBStore, bool) {
	l.mu.Lock()
	s := l.store
	l.mu.Unlock()
	return s, s != nil
}

// UnloadStore closes the database of the loaded store. This returns
// ErrNotLoaded if no store has been loaded. The Loader may be reused if this
// function returns without error.
func (l *Loader) UnloadStore() error {
	defer l.mu.Unlock()
	l.mu.Lock()

	if l.store == nil {
		return ErrNotLoaded
	}

	if err := l.db.Close(); err != nil {
		return err
	}

	l.store = nil
	l.db = nil
	return nil
}
