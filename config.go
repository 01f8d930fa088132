// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/dymurray/minipos/chain"
)

const (
	defaultConfigFilename  = "minipos.conf"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "minipos.log"
	defaultAddressFilename = "addresses.txt"
	defaultLedgerDirname   = "ledger"
	defaultListen          = ":8080"
	defaultCurrency        = "USD"
	defaultRateSource      = chain.RateSourceKraken
	defaultLockTimeout     = 60
	defaultExpiry          = 180
	defaultNormalFee       = 1.0
	defaultLowFee          = 0.5
	defaultPropagation     = 60
)

var (
	miniposHomeDir    = btcutil.AppDataDir("minipos", false)
	defaultConfigFile = filepath.Join(miniposHomeDir, defaultConfigFilename)
	defaultDataDir    = miniposHomeDir
	defaultLogDir     = filepath.Join(miniposHomeDir, defaultLogDirname)
)

type config struct {
	// General application behavior
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store the address list and payment ledger"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	TestNet     bool   `long:"testnet" description:"Use the test network (default mainnet)"`

	// Address sources
	Addresses []string `long:"address" description:"Receiving address added to the pool; may be repeated, served oldest first"`
	XPub      string   `long:"xpub" description:"Extended public key for deriving fresh addresses once the static list runs dry"`
	CashAddr  bool     `long:"cashaddr" description:"Render derived addresses in CashAddr format"`

	// Invoice and acceptance policy
	Currency    string  `long:"currency" description:"Default fiat currency for invoices"`
	RateSource  string  `long:"ratesource" description:"Exchange rate source {kraken, coingecko}"`
	ExplorerURL string  `long:"explorer" description:"Base URL of the block explorer REST API"`
	LockTimeout uint    `long:"locktimeout" description:"Seconds a request may go unpolled before its address is reclaimed"`
	Expiry      uint    `long:"expiry" description:"Seconds the welcome screen shows an invoice before restarting"`
	NormalFee   float64 `long:"normalfee" description:"Fee per byte at or above which a payment is accepted immediately"`
	LowFee      float64 `long:"lowfee" description:"Fee per byte below which a propagating payment is reported as low fee"`
	Propagation int     `long:"propagation" description:"Peer count required before accepting a below-normal-fee payment; 0 disables the check"`

	// HTTP server
	Listen string `long:"listen" description:"Interface/port to serve the point-of-sale API on"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(miniposHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace":
		fallthrough
	case "debug":
		fallthrough
	case "info":
		fallthrough
	case "warn":
		fallthrough
	case "error":
		fallthrough
	case "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in the server functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile:  defaultConfigFile,
		DataDir:     defaultDataDir,
		LogDir:      defaultLogDir,
		DebugLevel:  defaultLogLevel,
		Currency:    defaultCurrency,
		RateSource:  defaultRateSource,
		LockTimeout: defaultLockTimeout,
		Expiry:      defaultExpiry,
		NormalFee:   defaultNormalFee,
		LowFee:      defaultLowFee,
		Propagation: defaultPropagation,
		Listen:      defaultListen,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Choose the active network params based on the selected network.
	if cfg.TestNet {
		activeNet = &testNetParams
	}
	if cfg.ExplorerURL == "" {
		cfg.ExplorerURL = activeNet.explorerURL
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNet.Params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %v", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// A server with no way to issue addresses cannot function; refuse to
	// start rather than fail at the first invoice.
	if len(cfg.Addresses) == 0 && cfg.XPub == "" {
		err := fmt.Errorf("loadConfig: no receiving addresses and no " +
			"extended public key configured")
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	if !chain.KnownRateSource(cfg.RateSource) {
		err := fmt.Errorf("loadConfig: unknown rate source %q", cfg.RateSource)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	if cfg.LowFee > cfg.NormalFee {
		err := fmt.Errorf("loadConfig: lowfee (%v) must not exceed "+
			"normalfee (%v)", cfg.LowFee, cfg.NormalFee)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
