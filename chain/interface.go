// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrTxNotFound is returned by TxDetail when the backend positively reports
// that no transaction exists with the requested id, as opposed to a transient
// lookup failure.
var ErrTxNotFound = errors.New("transaction not found")

// TxDetail describes a single unconfirmed or confirmed transaction as seen by
// the explorer backend.
type TxDetail struct {
	// Time is the time the transaction was first seen by the backend.
	Time time.Time

	// Outputs maps each output address to the amount paid to it.  An
	// address paid by multiple outputs appears once with the summed
	// amount.
	Outputs map[string]btcutil.Amount

	// DoubleSpend is set when the backend has observed a competing
	// transaction spending one of this transaction's inputs.
	DoubleSpend bool

	// FeePerByte is the transaction fee divided by its serialized size.
	FeePerByte float64

	// Confirmations is the number of blocks confirming the transaction,
	// zero while it is only in the mempool.
	Confirmations int32
}

// Oracle is the read-only view of the network that payment reconciliation
// runs against.  Implementations are expected to be safe for concurrent use.
// All methods that perform I/O accept a context and may fail transiently;
// callers treat every error as retryable unless documented otherwise.
type Oracle interface {
	// LastTxid returns the id of the most recent transaction involving
	// the address, or nil if the address has no transactions yet.
	LastTxid(ctx context.Context, address string) (*chainhash.Hash, error)

	// TxDetail fetches the detail of a single transaction.  It returns
	// ErrTxNotFound if the backend reports the id as unknown.
	TxDetail(ctx context.Context, txid *chainhash.Hash) (*TxDetail, error)

	// PropagationCount reports how many network peers have been observed
	// relaying the transaction, bounded above by threshold.  When
	// stopOnDoubleSpend is set the count may stop early if a double
	// spend is seen; the returned bool reports whether one was.
	PropagationCount(ctx context.Context, txid *chainhash.Hash,
		threshold int, stopOnDoubleSpend bool) (int, bool, error)

	// ExchangeRate returns the current price of one coin in the given
	// fiat currency, quoted by the named source.
	ExchangeRate(ctx context.Context, currency, source string) (float64, error)
}
