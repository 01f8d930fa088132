// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package paymgr

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/dymurray/minipos/pool"
)

// reqState is a payment request's position in its lifecycle.  The terminal
// outcomes (recorded, timed out, cancelled) have no state value: reaching
// one destroys the request and removes its tag from the table.
type reqState uint8

const (
	// stateAwaitingTx: no acceptable transaction observed yet.
	stateAwaitingTx reqState = iota

	// statePendingPolicy: an exact-amount transaction was accepted and
	// awaits fee/propagation policy.
	statePendingPolicy

	// stateAwaitingConf: the accepted transaction was flagged as a
	// double spend and is held until it confirms.
	stateAwaitingConf
)

// request is one in-flight invoice.  A request exists only while its
// address is locked to it.  Its fields are guarded by mu; the reconciliation
// driver holds mu across a full transition, which serializes concurrent
// polls for the same tag without ever blocking polls for other tags.
type request struct {
	tag   string
	entry pool.Entry

	createdAt time.Time

	// lastTouched is refreshed on every successful poll and drives
	// timeout eviction.
	lastTouched time.Time

	amount   btcutil.Amount
	fiat     float64
	currency string

	// seen holds every txid already evaluated and rejected (or
	// credited), so a stale or mismatched transaction is never
	// re-evaluated.  It grows monotonically.
	seen map[chainhash.Hash]struct{}

	// confirmedTxid is the accepted transaction.  Set at most once,
	// immutable thereafter.
	confirmedTxid *chainhash.Hash

	awaitingConf bool
	lowFee       bool

	state reqState
}

func (r *request) markSeen(txid chainhash.Hash) {
	r.seen[txid] = struct{}{}
}

func (r *request) hasSeen(txid chainhash.Hash) bool {
	_, ok := r.seen[txid]
	return ok
}

// expiredAt reports whether the request has outlived the lock timeout at
// the given instant.
func (r *request) expiredAt(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.lastTouched) >= timeout
}
