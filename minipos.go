// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dymurray/minipos/chain"
	"github.com/dymurray/minipos/paymgr"
	"github.com/dymurray/minipos/pool"
	"github.com/dymurray/minipos/server"
)

var cfg *config

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := posMain(); err != nil {
		os.Exit(1)
	}
}

// posMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the
// program can be exited with an error exit status.
func posMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s", version())

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		log.Errorf("Unable to create data directory: %v", err)
		return err
	}

	oracle := chain.NewExplorer(cfg.ExplorerURL)

	addrPool, err := pool.New(pool.Config{
		Addresses: cfg.Addresses,
		XPub:      cfg.XPub,
		CashAddr:  cfg.CashAddr,
		Params:    activeNet.Params,
		BCHParams: activeNet.bchParams,
		ListPath:  filepath.Join(cfg.DataDir, defaultAddressFilename),
	})
	if err != nil {
		log.Errorf("Unable to create address pool: %v", err)
		return err
	}

	ledger, err := paymgr.NewLedger(filepath.Join(cfg.DataDir, defaultLedgerDirname))
	if err != nil {
		log.Errorf("Unable to open ledger: %v", err)
		return err
	}

	// Derived addresses in CashAddr form are encoded without the URI
	// prefix, so the QR payload carries it explicitly.
	uriPrefix := ""
	if cfg.CashAddr {
		uriPrefix = activeNet.bchParams.CashAddressPrefix
	}

	mgr, err := paymgr.New(paymgr.Config{
		Oracle:               oracle,
		Pool:                 addrPool,
		Ledger:               ledger,
		LockTimeout:          time.Duration(cfg.LockTimeout) * time.Second,
		NormalFeeRate:        cfg.NormalFee,
		LowFeeRate:           cfg.LowFee,
		PropagationThreshold: cfg.Propagation,
		NoPropagation:        cfg.Propagation == 0,
		RateSource:           cfg.RateSource,
		URIPrefix:            uriPrefix,
		RequestExpiry:        time.Duration(cfg.Expiry) * time.Second,
	})
	if err != nil {
		log.Errorf("Unable to create payment manager: %v", err)
		return err
	}

	notifier := &paymgr.Notifier{}

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.Handler(mgr, notifier),
	}

	// Shutdown the server if an interrupt signal is received.
	addInterruptHandler(func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Errorf("HTTP server shutdown: %v", err)
		}
	})

	go func() {
		log.Infof("Point-of-sale server listening on %s", cfg.Listen)
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP server: %v", err)
			simulateInterrupt()
		}
	}()

	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return nil
}
