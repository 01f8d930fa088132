// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package paymgr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/dymurray/minipos/chain"
)

// paidDetail builds a TxDetail paying exactly amount to address with a
// timestamp safely after invoice creation.
func paidDetail(address string, amount btcutil.Amount) *chain.TxDetail {
	return &chain.TxDetail{
		Time:       time.Now().Add(time.Minute),
		Outputs:    map[string]btcutil.Amount{address: amount},
		FeePerByte: 2.0,
	}
}

// TestPollNotYetIdempotent verifies that polling with no on-chain activity
// always reports not-yet and never mutates the seen set.
func TestPollNotYetIdempotent(t *testing.T) {
	require := require.New(t)

	oracle := &fakeOracle{}
	m, _ := newTestManager(t, oracle)

	invoice, err := m.CreateInvoice(context.Background(), 10, "USD")
	require.NoError(err)

	for i := 0; i < 5; i++ {
		result := m.Poll(context.Background(), invoice.Tag)
		require.Equal(CodeNotYet, result.Code)
	}

	m.mu.Lock()
	req := m.table[invoice.Tag]
	m.mu.Unlock()
	require.Empty(req.seen)
}

// TestPollPaidImmediately covers scenario B: an exact-amount payment at or
// above the normal fee rate is recorded on the first observation, the
// ledger gains one line, and the address returns to the pool.
func TestPollPaidImmediately(t *testing.T) {
	require := require.New(t)

	txid := testTxid(t, 0)
	oracle := &fakeOracle{}
	m, p := newTestManager(t, oracle)

	invoice, err := m.CreateInvoice(context.Background(), 10, "USD")
	require.NoError(err)

	oracle.lastTxid = func(string) (*chainhash.Hash, error) { return txid, nil }
	oracle.txDetail = func(*chainhash.Hash) (*chain.TxDetail, error) {
		return paidDetail(invoice.Address, invoice.Amount), nil
	}

	result := m.Poll(context.Background(), invoice.Tag)
	require.Equal(CodePaid, result.Code)
	require.Equal(txid, result.Txid)
	require.Equal("p "+txid.String(), result.Wire())

	// The address is back in the pool and the tag is gone.
	require.Equal(2, p.FreeCount())
	require.Equal(CodeExpired, m.Poll(context.Background(), invoice.Tag).Code)

	// Exactly one tab-separated ledger line was written.
	entries, err := os.ReadDir(m.cfg.Ledger.dir)
	require.NoError(err)
	require.Len(entries, 1)
	data, err := os.ReadFile(filepath.Join(m.cfg.Ledger.dir, entries[0].Name()))
	require.NoError(err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(lines, 1)
	fields := strings.Split(lines[0], "\t")
	require.Len(fields, 6)
	require.Equal(invoice.Address, fields[1])
	require.Equal("0.03333333", fields[2])
	require.Equal("10.00 USD", fields[3])
	require.Equal(invoice.Tag, fields[4])
	require.Equal(txid.String(), fields[5])
}

// TestPollExactAmountRequired verifies a payment short by one base unit is
// absorbed into the seen set, reported as not-yet, and never re-evaluated.
func TestPollExactAmountRequired(t *testing.T) {
	require := require.New(t)

	txid := testTxid(t, 0)
	oracle := &fakeOracle{}
	m, _ := newTestManager(t, oracle)

	invoice, err := m.CreateInvoice(context.Background(), 10, "USD")
	require.NoError(err)

	oracle.lastTxid = func(string) (*chainhash.Hash, error) { return txid, nil }
	oracle.txDetail = func(*chainhash.Hash) (*chain.TxDetail, error) {
		return paidDetail(invoice.Address, invoice.Amount-1), nil
	}

	require.Equal(CodeNotYet, m.Poll(context.Background(), invoice.Tag).Code)
	require.Equal(1, oracle.detailCalls())

	// The same txid is not fetched again on subsequent polls.
	require.Equal(CodeNotYet, m.Poll(context.Background(), invoice.Tag).Code)
	require.Equal(1, oracle.detailCalls())
}

// TestPollStaleTransaction verifies a transaction older than the invoice
// is treated as a replay on a reused address: absorbed, never accepted.
func TestPollStaleTransaction(t *testing.T) {
	require := require.New(t)

	txid := testTxid(t, 0)
	oracle := &fakeOracle{}
	m, _ := newTestManager(t, oracle)

	invoice, err := m.CreateInvoice(context.Background(), 10, "USD")
	require.NoError(err)

	oracle.lastTxid = func(string) (*chainhash.Hash, error) { return txid, nil }
	oracle.txDetail = func(*chainhash.Hash) (*chain.TxDetail, error) {
		detail := paidDetail(invoice.Address, invoice.Amount)
		detail.Time = time.Now().Add(-time.Hour)
		return detail, nil
	}

	require.Equal(CodeNotYet, m.Poll(context.Background(), invoice.Tag).Code)
	require.Equal(CodeNotYet, m.Poll(context.Background(), invoice.Tag).Code)
	require.Equal(1, oracle.detailCalls())
}

// TestPollWrongAddress verifies a transaction that does not pay the
// invoice address at all is screened out.
func TestPollWrongAddress(t *testing.T) {
	require := require.New(t)

	txid := testTxid(t, 0)
	oracle := &fakeOracle{}
	m, _ := newTestManager(t, oracle)

	invoice, err := m.CreateInvoice(context.Background(), 10, "USD")
	require.NoError(err)

	oracle.lastTxid = func(string) (*chainhash.Hash, error) { return txid, nil }
	oracle.txDetail = func(*chainhash.Hash) (*chain.TxDetail, error) {
		return paidDetail("somewhere-else", invoice.Amount), nil
	}

	require.Equal(CodeNotYet, m.Poll(context.Background(), invoice.Tag).Code)
	require.Equal(1, oracle.detailCalls())
}

// TestPollServerError verifies oracle failures are reported as transient
// server errors without mutating request state.
func TestPollServerError(t *testing.T) {
	require := require.New(t)

	oracle := &fakeOracle{
		lastTxid: func(string) (*chainhash.Hash, error) {
			return nil, errors.New("explorer timeout")
		},
	}
	m, _ := newTestManager(t, oracle)

	invoice, err := m.CreateInvoice(context.Background(), 10, "USD")
	require.NoError(err)

	require.Equal(CodeServerError, m.Poll(context.Background(), invoice.Tag).Code)

	// Once the oracle recovers the same request proceeds normally.
	txid := testTxid(t, 0)
	oracle.lastTxid = func(string) (*chainhash.Hash, error) { return txid, nil }
	oracle.txDetail = func(*chainhash.Hash) (*chain.TxDetail, error) {
		return paidDetail(invoice.Address, invoice.Amount), nil
	}
	require.Equal(CodePaid, m.Poll(context.Background(), invoice.Tag).Code)
}

// TestPollReplaySafety verifies a transaction already credited to one
// invoice can never satisfy a second invoice reusing the same address and
// amount.
func TestPollReplaySafety(t *testing.T) {
	require := require.New(t)

	txid := testTxid(t, 0)
	oracle := &fakeOracle{}
	m, p := newTestManager(t, oracle, testAddrs[0])

	first, err := m.CreateInvoice(context.Background(), 10, "USD")
	require.NoError(err)

	oracle.lastTxid = func(string) (*chainhash.Hash, error) { return txid, nil }
	oracle.txDetail = func(*chainhash.Hash) (*chain.TxDetail, error) {
		return paidDetail(first.Address, first.Amount), nil
	}
	require.Equal(CodePaid, m.Poll(context.Background(), first.Tag).Code)
	require.Equal(1, p.FreeCount())

	// The second invoice reuses the released address with an identical
	// amount, and the explorer still reports the old transaction.
	second, err := m.CreateInvoice(context.Background(), 10, "USD")
	require.NoError(err)
	require.Equal(first.Address, second.Address)
	require.Equal(first.Amount, second.Amount)

	for i := 0; i < 3; i++ {
		require.Equal(CodeNotYet, m.Poll(context.Background(), second.Tag).Code)
	}
}

// TestPollLowFeePropagation covers scenario C: a low-fee payment reports
// low-fee until the propagation threshold is met, then records.
func TestPollLowFeePropagation(t *testing.T) {
	require := require.New(t)

	txid := testTxid(t, 0)
	peers := 10
	oracle := &fakeOracle{}
	m, p := newTestManager(t, oracle)

	invoice, err := m.CreateInvoice(context.Background(), 10, "USD")
	require.NoError(err)

	oracle.lastTxid = func(string) (*chainhash.Hash, error) { return txid, nil }
	oracle.txDetail = func(*chainhash.Hash) (*chain.TxDetail, error) {
		detail := paidDetail(invoice.Address, invoice.Amount)
		detail.FeePerByte = 0.2
		return detail, nil
	}
	oracle.propagation = func(_ *chainhash.Hash, threshold int) (int, bool, error) {
		require.Equal(DefaultPropagationThreshold, threshold)
		return peers, false, nil
	}

	// First observation accepts the tx but holds it for propagation.
	require.Equal(CodeNotYet, m.Poll(context.Background(), invoice.Tag).Code)

	// Under-propagated polls report the low fee with the txid.
	for i := 0; i < 3; i++ {
		result := m.Poll(context.Background(), invoice.Tag)
		require.Equal(CodeLowFee, result.Code)
		require.Equal("lf "+txid.String(), result.Wire())
	}

	peers = DefaultPropagationThreshold
	result := m.Poll(context.Background(), invoice.Tag)
	require.Equal(CodePaid, result.Code)
	require.Equal(2, p.FreeCount())
}

// TestPollDoubleSpend covers scenario D: a double-spend-flagged payment is
// held, keeps reporting double-spend while the flag persists at zero
// confirmations, reverts to not-yet when the flag clears, and records at
// the first confirmation.
func TestPollDoubleSpend(t *testing.T) {
	require := require.New(t)

	txid := testTxid(t, 0)
	flagged := true
	confirmations := int32(0)
	oracle := &fakeOracle{}
	m, p := newTestManager(t, oracle)

	invoice, err := m.CreateInvoice(context.Background(), 10, "USD")
	require.NoError(err)

	oracle.lastTxid = func(string) (*chainhash.Hash, error) { return txid, nil }
	oracle.txDetail = func(*chainhash.Hash) (*chain.TxDetail, error) {
		detail := paidDetail(invoice.Address, invoice.Amount)
		detail.DoubleSpend = flagged
		detail.Confirmations = confirmations
		return detail, nil
	}

	result := m.Poll(context.Background(), invoice.Tag)
	require.Equal(CodeDoubleSpend, result.Code)
	require.Equal("ds "+txid.String(), result.Wire())

	// Still flagged, still unconfirmed.
	require.Equal(CodeDoubleSpend, m.Poll(context.Background(), invoice.Tag).Code)

	// Flag clears but no confirmation yet.
	flagged = false
	require.Equal(CodeNotYet, m.Poll(context.Background(), invoice.Tag).Code)

	// First confirmation is final.
	confirmations = 1
	require.Equal(CodePaid, m.Poll(context.Background(), invoice.Tag).Code)
	require.Equal(2, p.FreeCount())
}

// TestPollDoubleSpendDuringPropagation verifies the propagation re-check
// diverts to the confirmation wait when a double spend appears late.
func TestPollDoubleSpendDuringPropagation(t *testing.T) {
	require := require.New(t)

	txid := testTxid(t, 0)
	oracle := &fakeOracle{}
	m, _ := newTestManager(t, oracle)

	invoice, err := m.CreateInvoice(context.Background(), 10, "USD")
	require.NoError(err)

	oracle.lastTxid = func(string) (*chainhash.Hash, error) { return txid, nil }
	oracle.txDetail = func(*chainhash.Hash) (*chain.TxDetail, error) {
		detail := paidDetail(invoice.Address, invoice.Amount)
		detail.FeePerByte = 0.7
		return detail, nil
	}
	oracle.propagation = func(*chainhash.Hash, int) (int, bool, error) {
		return 5, true, nil
	}

	require.Equal(CodeNotYet, m.Poll(context.Background(), invoice.Tag).Code)
	require.Equal(CodeDoubleSpend, m.Poll(context.Background(), invoice.Tag).Code)

	// Now in the confirmation wait: zero confirmations with the detail
	// no longer flagged reads as not-yet.
	require.Equal(CodeNotYet, m.Poll(context.Background(), invoice.Tag).Code)
}

// TestPollTagValidation verifies malformed tags are client errors while
// well-formed unknown tags read as expired.
func TestPollTagValidation(t *testing.T) {
	require := require.New(t)

	m, _ := newTestManager(t, &fakeOracle{})

	require.Equal(CodeClientError, m.Poll(context.Background(), "short").Code)
	require.Equal(CodeClientError, m.Poll(context.Background(), "UPPER?!").Code)
	require.Equal(CodeExpired, m.Poll(context.Background(), "abc1234").Code)
}
