// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package paymgr owns the payment-request table and drives each request
// through its lifecycle: an address is locked to a fresh invoice, polls
// reconcile the invoice against unconfirmed transactions reported by the
// chain oracle, and the request ends by being recorded to the ledger,
// cancelled, or evicted on timeout.  Every terminal path returns the
// address to the pool, or retires it when it came from key derivation.
package paymgr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/dymurray/minipos/chain"
	"github.com/dymurray/minipos/pool"
)

const (
	// DefaultLockTimeout is how long a request may go without a
	// successful poll before it is evicted and its address reclaimed.
	// It is deliberately independent of the welcome-screen expiry
	// setting, which only controls what the client displays.
	DefaultLockTimeout = 60 * time.Second

	// DefaultNormalFeeRate is the fee per byte at or above which a
	// payment is accepted without waiting for propagation.
	DefaultNormalFeeRate = 1.0

	// DefaultLowFeeRate is the fee per byte below which a still
	// propagating payment is reported to the client as low fee.
	DefaultLowFeeRate = 0.5

	// DefaultPropagationThreshold is the peer count at which a payment
	// below the normal fee rate is considered sufficiently propagated.
	// Zero disables the propagation check entirely.
	DefaultPropagationThreshold = 60

	// tagAttempts bounds retries when a freshly generated tag collides
	// with one already in flight.
	tagAttempts = 5
)

var (
	// ErrRateUnavailable is returned by CreateInvoice when no exchange
	// rate could be fetched.
	ErrRateUnavailable = errors.New("exchange rate unavailable")

	// ErrNoAddress is returned by CreateInvoice when the pool is
	// exhausted.  This is resource exhaustion, not a transient fault.
	ErrNoAddress = pool.ErrPoolEmpty
)

// Config parameterizes a Manager.
type Config struct {
	Oracle chain.Oracle
	Pool   *pool.Pool
	Ledger *Ledger

	// LockTimeout, fee rates, and the propagation threshold default to
	// the package constants when zero.
	LockTimeout          time.Duration
	NormalFeeRate        float64
	LowFeeRate           float64
	PropagationThreshold int

	// NoPropagation disables the propagation check, accepting any
	// exact-amount payment regardless of fee.
	NoPropagation bool

	// RateSource names the exchange-rate source passed to the oracle.
	RateSource string

	// URIPrefix is prepended (with a colon) to addresses in QR
	// payloads, e.g. "bitcoincash".  Empty means a bare address.
	URIPrefix string

	// RequestExpiry is the welcome-screen expiry surfaced in invoices.
	RequestExpiry time.Duration
}

// Invoice is the outcome of a successful invoice creation.
type Invoice struct {
	Tag       string
	Address   string
	Amount    btcutil.Amount
	QRPayload string
	Expiry    time.Duration
}

// Manager owns all in-flight payment requests.  The table mutex guards the
// tag index only; each request carries its own mutex, held for the length
// of one state transition.  Lock order is always request before table, and
// the table mutex is never held across oracle or ledger I/O.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	table map[string]*managedRequest

	replay *replayCache
}

// managedRequest pairs a request with the mutex serializing its
// transitions.
type managedRequest struct {
	mu sync.Mutex
	request
}

// New builds a Manager, seeding the replay cache from the current and
// previous day's ledger so a same-day restart cannot credit a transaction
// twice.
func New(cfg Config) (*Manager, error) {
	if cfg.Oracle == nil || cfg.Pool == nil || cfg.Ledger == nil {
		return nil, errors.New("paymgr: oracle, pool, and ledger are required")
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.NormalFeeRate == 0 {
		cfg.NormalFeeRate = DefaultNormalFeeRate
	}
	if cfg.LowFeeRate == 0 {
		cfg.LowFeeRate = DefaultLowFeeRate
	}
	if cfg.PropagationThreshold == 0 && !cfg.NoPropagation {
		cfg.PropagationThreshold = DefaultPropagationThreshold
	}
	if cfg.NoPropagation {
		cfg.PropagationThreshold = 0
	}

	m := &Manager{
		cfg:    cfg,
		table:  make(map[string]*managedRequest),
		replay: newReplayCache(),
	}
	if err := cfg.Ledger.seedReplay(m.replay, time.Now()); err != nil {
		return nil, err
	}
	log.Infof("Payment manager ready: %d replay-cache entries, lock timeout %v",
		m.replay.size(), cfg.LockTimeout)
	return m, nil
}

// CreateInvoice converts the fiat amount at the current exchange rate,
// locks an address from the pool, and registers a new payment request.  The
// conversion happens exactly once; the rate is never refreshed for an
// existing invoice.
func (m *Manager) CreateInvoice(ctx context.Context, fiat float64, currency string) (*Invoice, error) {
	if fiat <= 0 {
		return nil, fmt.Errorf("invalid amount %v", fiat)
	}

	// Creation doubles as the eviction sweep so abandoned invoices
	// cannot starve the pool even if nobody polls them again.
	m.sweep(time.Now())

	rate, err := m.cfg.Oracle.ExchangeRate(ctx, currency, m.cfg.RateSource)
	if err != nil {
		log.Warnf("Exchange rate fetch failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	if rate <= 0 {
		return nil, fmt.Errorf("%w: non-positive rate %v", ErrRateUnavailable, rate)
	}
	amount, err := btcutil.NewAmount(fiat / rate)
	if err != nil || amount <= 0 {
		return nil, fmt.Errorf("%w: conversion of %v %s at %v failed",
			ErrRateUnavailable, fiat, currency, rate)
	}

	entry, err := m.cfg.Pool.Acquire()
	if err != nil {
		return nil, err
	}

	req, err := m.register(entry, amount, fiat, currency)
	if err != nil {
		// The address must not leak when registration fails.
		if rerr := m.cfg.Pool.Release(entry); rerr != nil {
			log.Errorf("Releasing %s after failed registration: %v",
				entry.Address, rerr)
		}
		return nil, err
	}

	log.Infof("Invoice %s: %v to %s (%.2f %s at %v)",
		req.tag, amount, entry.Address, fiat, currency, rate)
	return &Invoice{
		Tag:       req.tag,
		Address:   entry.Address,
		Amount:    amount,
		QRPayload: m.qrPayload(entry.Address, amount),
		Expiry:    m.cfg.RequestExpiry,
	}, nil
}

// register inserts a new request under a fresh tag, retrying on the rare
// collision with an in-flight tag.  An in-flight tag is never overwritten.
func (m *Manager) register(entry pool.Entry, amount btcutil.Amount,
	fiat float64, currency string) (*managedRequest, error) {

	for attempt := 0; attempt < tagAttempts; attempt++ {
		tag, err := newTag()
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if _, exists := m.table[tag]; exists {
			m.mu.Unlock()
			log.Warnf("Tag collision on %s, retrying", tag)
			continue
		}
		now := time.Now()
		req := &managedRequest{request: request{
			tag:         tag,
			entry:       entry,
			createdAt:   now,
			lastTouched: now,
			amount:      amount,
			fiat:        fiat,
			currency:    currency,
			seen:        make(map[chainhash.Hash]struct{}),
			state:       stateAwaitingTx,
		}}
		m.table[tag] = req
		m.mu.Unlock()
		return req, nil
	}
	return nil, errors.New("could not generate a unique tag")
}

// Cancel destroys the request for tag and returns its address to the pool.
// Cancelling an unknown tag is a no-op.
func (m *Manager) Cancel(tag string) {
	m.mu.Lock()
	req, ok := m.table[tag]
	m.mu.Unlock()
	if !ok {
		return
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	if !m.remove(req) {
		return
	}
	if err := m.cfg.Pool.Release(req.entry); err != nil {
		log.Errorf("Releasing %s on cancel: %v", req.entry.Address, err)
	}
	log.Infof("Invoice %s cancelled, released %s", tag, req.entry.Address)
}

// sweep evicts every request whose lock timeout has elapsed.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	candidates := make([]*managedRequest, 0, len(m.table))
	for _, req := range m.table {
		candidates = append(candidates, req)
	}
	m.mu.Unlock()

	for _, req := range candidates {
		req.mu.Lock()
		if m.live(req) && req.expiredAt(now, m.cfg.LockTimeout) {
			m.evict(req)
		}
		req.mu.Unlock()
	}
}

// evict removes a timed-out request and reclaims its address.  The caller
// must hold the request mutex.
func (m *Manager) evict(req *managedRequest) {
	if !m.remove(req) {
		return
	}
	if err := m.cfg.Pool.Release(req.entry); err != nil {
		log.Errorf("Releasing %s on timeout: %v", req.entry.Address, err)
	}
	log.Infof("Invoice %s timed out, released %s", req.tag, req.entry.Address)
}

// live reports whether req is still the table's entry for its tag.  The
// caller must hold the request mutex; a request evicted by a concurrent
// poll must not be transitioned again.
func (m *Manager) live(req *managedRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table[req.tag] == req
}

// remove deletes req from the table if still present, reporting whether it
// was.  The caller must hold the request mutex.
func (m *Manager) remove(req *managedRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table[req.tag] != req {
		return false
	}
	delete(m.table, req.tag)
	return true
}

// qrPayload renders the payment URI encoded into the invoice QR code.
func (m *Manager) qrPayload(address string, amount btcutil.Amount) string {
	payload := address
	if m.cfg.URIPrefix != "" {
		payload = m.cfg.URIPrefix + ":" + address
	}
	return payload + "?amount=" + strconv.FormatFloat(amount.ToBTC(), 'f', 8, 64)
}
