// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package paymgr

import (
	"context"
	"strings"
	"time"

	"github.com/dymurray/minipos/chain"
)

// Poll advances the payment request for tag by one state transition and
// returns the outcome.  It is the sole contract exposed to polling clients:
// every failure mode degrades to a result code, nothing escapes as a fault.
// Polls for different tags never block each other; concurrent polls for the
// same tag are serialized by the request mutex.
func (m *Manager) Poll(ctx context.Context, tag string) Result {
	if !validTag(tag) {
		return Result{Code: CodeClientError}
	}

	m.mu.Lock()
	req, ok := m.table[tag]
	m.mu.Unlock()
	if !ok {
		// Unknown tags and destroyed requests look identical to the
		// client: the invoice is gone and polling should stop.
		return expired()
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	if !m.live(req) {
		return expired()
	}

	now := time.Now()
	if req.expiredAt(now, m.cfg.LockTimeout) {
		m.evict(req)
		return expired()
	}

	switch req.state {
	case stateAwaitingTx:
		return m.pollAwaitingTx(ctx, req, now)
	case statePendingPolicy:
		return m.pollPendingPolicy(ctx, req, now)
	case stateAwaitingConf:
		return m.pollAwaitingConf(ctx, req, now)
	}
	return serverError()
}

// pollAwaitingTx looks for a new transaction on the request's address and
// screens it.  Screened-out transactions are absorbed into the seen set and
// reported as "not yet": they are expected noise, not anomalies.
func (m *Manager) pollAwaitingTx(ctx context.Context, req *managedRequest, now time.Time) Result {
	txid, err := m.cfg.Oracle.LastTxid(ctx, req.entry.Address)
	if err != nil {
		log.Debugf("Invoice %s: last-txid lookup failed: %v", req.tag, err)
		return serverError()
	}
	if txid == nil || req.hasSeen(*txid) || m.replay.contains(*txid) {
		req.lastTouched = now
		return notYet()
	}

	detail, err := m.cfg.Oracle.TxDetail(ctx, txid)
	if err != nil {
		// A not-found here means the explorer's views are racing each
		// other; the next poll resolves it either way.
		log.Debugf("Invoice %s: detail fetch for %v failed: %v",
			req.tag, txid, err)
		return serverError()
	}

	switch {
	case detail.Time.Before(req.createdAt):
		// A transaction older than the invoice is a stale replay on a
		// reused address.  Never evaluate it again.
		log.Infof("Invoice %s: ignoring stale tx %v (%v before %v)",
			req.tag, txid, detail.Time, req.createdAt)
		req.markSeen(*txid)
		req.lastTouched = now
		return notYet()

	case missingAddress(detail, req.entry.Address):
		log.Infof("Invoice %s: tx %v does not pay %s", req.tag, txid,
			req.entry.Address)
		req.markSeen(*txid)
		req.lastTouched = now
		return notYet()

	case detail.Outputs[req.entry.Address] != req.amount:
		// Exact match only; even one base unit short is a different
		// payment.
		log.Infof("Invoice %s: tx %v pays %v, want %v", req.tag, txid,
			detail.Outputs[req.entry.Address], req.amount)
		req.markSeen(*txid)
		req.lastTouched = now
		return notYet()
	}

	req.confirmedTxid = txid
	req.markSeen(*txid)
	req.state = statePendingPolicy
	log.Infof("Invoice %s: accepted tx %v, applying policy", req.tag, txid)
	return m.applyPolicy(req, detail, now)
}

// applyPolicy runs the one-shot acceptance policy on a freshly accepted
// transaction.
func (m *Manager) applyPolicy(req *managedRequest, detail *chain.TxDetail, now time.Time) Result {
	if detail.DoubleSpend {
		req.awaitingConf = true
		req.state = stateAwaitingConf
		req.lastTouched = now
		log.Warnf("Invoice %s: tx %v flagged as double spend", req.tag,
			req.confirmedTxid)
		return doubleSpend(req.confirmedTxid)
	}
	if detail.FeePerByte >= m.cfg.NormalFeeRate {
		return m.record(req, now)
	}
	if detail.FeePerByte < m.cfg.LowFeeRate {
		req.lowFee = true
	}
	if m.cfg.PropagationThreshold == 0 {
		return m.record(req, now)
	}
	req.lastTouched = now
	return notYet()
}

// pollPendingPolicy re-checks propagation for a transaction below the
// normal fee rate.
func (m *Manager) pollPendingPolicy(ctx context.Context, req *managedRequest, now time.Time) Result {
	count, isDoubleSpend, err := m.cfg.Oracle.PropagationCount(ctx,
		req.confirmedTxid, m.cfg.PropagationThreshold, true)
	if err != nil {
		log.Debugf("Invoice %s: propagation check for %v failed: %v",
			req.tag, req.confirmedTxid, err)
		return serverError()
	}
	if isDoubleSpend {
		req.awaitingConf = true
		req.state = stateAwaitingConf
		req.lastTouched = now
		log.Warnf("Invoice %s: double spend of %v during propagation",
			req.tag, req.confirmedTxid)
		return doubleSpend(req.confirmedTxid)
	}
	if count < m.cfg.PropagationThreshold {
		req.lastTouched = now
		if req.lowFee {
			return lowFee(req.confirmedTxid)
		}
		return notYet()
	}
	return m.record(req, now)
}

// pollAwaitingConf watches a double-spend-flagged transaction.  The first
// confirmation is treated as final and the payment is recorded without
// re-running fee or propagation checks; a block settling the transaction
// supersedes any mempool-level signal.
func (m *Manager) pollAwaitingConf(ctx context.Context, req *managedRequest, now time.Time) Result {
	detail, err := m.cfg.Oracle.TxDetail(ctx, req.confirmedTxid)
	if err != nil {
		log.Debugf("Invoice %s: confirmation check for %v failed: %v",
			req.tag, req.confirmedTxid, err)
		return serverError()
	}
	if detail.Confirmations >= 1 {
		return m.record(req, now)
	}
	req.lastTouched = now
	if detail.DoubleSpend {
		return doubleSpend(req.confirmedTxid)
	}
	return notYet()
}

// record writes the accepted payment to the ledger, adds it to the replay
// cache, destroys the request, and reclaims the address.  A ledger failure
// leaves the request intact so the next poll retries; nothing is credited
// until the ledger line is durable.  The caller must hold the request
// mutex.
func (m *Manager) record(req *managedRequest, now time.Time) Result {
	rec := &Record{
		Time:     now,
		Address:  req.entry.Address,
		Amount:   req.amount,
		Fiat:     req.fiat,
		Currency: req.currency,
		Tag:      req.tag,
		Txid:     *req.confirmedTxid,
	}
	if err := m.cfg.Ledger.Append(rec); err != nil {
		log.Errorf("Invoice %s: ledger append failed: %v", req.tag, err)
		return serverError()
	}
	m.replay.add(*req.confirmedTxid)

	if m.remove(req) {
		var err error
		if req.entry.Derived {
			err = m.cfg.Pool.Retire(req.entry)
		} else {
			err = m.cfg.Pool.Release(req.entry)
		}
		if err != nil {
			log.Errorf("Invoice %s: reclaiming %s: %v", req.tag,
				req.entry.Address, err)
		}
	}

	log.Infof("Invoice %s: paid by %v (%v to %s)", req.tag,
		req.confirmedTxid, req.amount, req.entry.Address)
	return paid(req.confirmedTxid)
}

// missingAddress reports whether detail pays nothing to address.  A
// transaction can momentarily show up against an address it does not pay
// when explorer views race; screening it out here keeps the poll loop
// honest.
func missingAddress(detail *chain.TxDetail, address string) bool {
	_, ok := detail.Outputs[address]
	return !ok
}

// validTag reports whether tag is well formed: exactly tagLength symbols
// from the tag alphabet.
func validTag(tag string) bool {
	if len(tag) != tagLength {
		return false
	}
	for _, r := range tag {
		if !strings.ContainsRune(tagAlphabet, r) {
			return false
		}
	}
	return true
}
