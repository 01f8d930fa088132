// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/btcsuite/btcd/chaincfg"
	bchchaincfg "github.com/gcash/bchd/chaincfg"
)

var activeNet = &mainNetParams

// params groups the per-network parameters: the btcsuite params used for
// legacy address handling and key derivation, the bchd params used for
// CashAddr rendering, and the default explorer endpoint.
type params struct {
	*chaincfg.Params
	bchParams   *bchchaincfg.Params
	explorerURL string
}

// mainNetParams contains parameters specific to running on the main
// network.
var mainNetParams = params{
	Params:      &chaincfg.MainNetParams,
	bchParams:   &bchchaincfg.MainNetParams,
	explorerURL: "https://rest.bitcoin.com/v2",
}

// testNetParams contains parameters specific to running on the test
// network (version 3).
var testNetParams = params{
	Params:      &chaincfg.TestNet3Params,
	bchParams:   &bchchaincfg.TestNet3Params,
	explorerURL: "https://trest.bitcoin.com/v2",
}
