// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package paymgr

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/dymurray/minipos/chain"
)

// fakeOracle implements chain.Oracle with pluggable behavior per method.
// Methods without a configured function return zero values, except
// ExchangeRate which defaults to a fixed usable rate so invoice creation
// works out of the box.
type fakeOracle struct {
	mu sync.Mutex

	lastTxid    func(address string) (*chainhash.Hash, error)
	txDetail    func(txid *chainhash.Hash) (*chain.TxDetail, error)
	propagation func(txid *chainhash.Hash, threshold int) (int, bool, error)
	rate        func(currency, source string) (float64, error)

	// call counters, guarded by mu.
	lastTxidCalls int
	txDetailCalls int
}

func (o *fakeOracle) LastTxid(_ context.Context, address string) (*chainhash.Hash, error) {
	o.mu.Lock()
	o.lastTxidCalls++
	o.mu.Unlock()
	if o.lastTxid == nil {
		return nil, nil
	}
	return o.lastTxid(address)
}

func (o *fakeOracle) TxDetail(_ context.Context, txid *chainhash.Hash) (*chain.TxDetail, error) {
	o.mu.Lock()
	o.txDetailCalls++
	o.mu.Unlock()
	if o.txDetail == nil {
		return nil, errors.New("unexpected TxDetail call")
	}
	return o.txDetail(txid)
}

func (o *fakeOracle) PropagationCount(_ context.Context, txid *chainhash.Hash,
	threshold int, _ bool) (int, bool, error) {

	if o.propagation == nil {
		return 0, false, errors.New("unexpected PropagationCount call")
	}
	return o.propagation(txid, threshold)
}

func (o *fakeOracle) ExchangeRate(_ context.Context, currency, source string) (float64, error) {
	if o.rate == nil {
		return 300, nil
	}
	return o.rate(currency, source)
}

func (o *fakeOracle) detailCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.txDetailCalls
}
