// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	bchchaincfg "github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchutil"
)

// externalBranch is the BIP44 change value for receiving addresses.
const externalBranch = 0

// ErrInvalidChild is returned by DeriveAddress when the index produces an
// invalid child key.  Callers should skip the index and try the next one.
var ErrInvalidChild = errors.New("invalid child key at index")

// ParseXPub parses and sanity checks an extended public key.  Private keys
// are rejected since the server must never hold spending material.
func ParseXPub(xpub string, params *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("parsing extended key: %v", err)
	}
	if key.IsPrivate() {
		return nil, errors.New("extended key is private; supply the public key")
	}
	if !key.IsForNet(params) {
		return nil, fmt.Errorf("extended key is not for network %s", params.Name)
	}
	return key, nil
}

// DeriveAddress derives the receiving address at m/0/index under the given
// extended public key.  With cashFormat the address is rendered in CashAddr
// form, otherwise in legacy base58 form.  Derivation is pure: the same key
// and index always produce the same address.
func DeriveAddress(key *hdkeychain.ExtendedKey, index uint32, cashFormat bool,
	params *chaincfg.Params, bchParams *bchchaincfg.Params) (string, error) {

	branch, err := key.Derive(externalBranch)
	if err != nil {
		return "", fmt.Errorf("deriving external branch: %v", err)
	}
	child, err := branch.Derive(index)
	switch {
	case errors.Is(err, hdkeychain.ErrInvalidChild):
		return "", fmt.Errorf("%w %d", ErrInvalidChild, index)
	case err != nil:
		return "", fmt.Errorf("deriving child %d: %v", index, err)
	}

	legacy, err := child.Address(params)
	if err != nil {
		return "", fmt.Errorf("address for child %d: %v", index, err)
	}
	if !cashFormat {
		return legacy.EncodeAddress(), nil
	}

	cash, err := bchutil.NewAddressPubKeyHash(legacy.Hash160()[:], bchParams)
	if err != nil {
		return "", fmt.Errorf("cashaddr for child %d: %v", index, err)
	}
	return cash.EncodeAddress(), nil
}

// ValidateAddress reports whether candidate parses as either a legacy or a
// CashAddr address for the configured network.
func ValidateAddress(candidate string, params *chaincfg.Params,
	bchParams *bchchaincfg.Params) bool {

	if addr, err := btcutil.DecodeAddress(candidate, params); err == nil {
		return addr.IsForNet(params)
	}
	if addr, err := bchutil.DecodeAddress(candidate, bchParams); err == nil {
		return addr.IsForNet(bchParams)
	}
	return false
}
