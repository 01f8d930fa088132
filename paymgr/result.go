// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package paymgr

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// Code is the outcome of one poll of a payment request.
type Code uint8

// Poll outcomes.  DoubleSpend and LowFee are not errors; they are states a
// client renders just like the others.
const (
	// CodeNotYet reports that no acceptable payment has been observed.
	CodeNotYet Code = iota

	// CodePaid reports that the payment was accepted and recorded.
	CodePaid

	// CodeExpired reports that the request timed out or never existed.
	CodeExpired

	// CodeServerError reports a transient upstream failure; the client
	// should simply keep polling.
	CodeServerError

	// CodeClientError reports a malformed request from the client.
	CodeClientError

	// CodeDoubleSpend reports that the observed payment is flagged as a
	// double spend and is being held for confirmation.
	CodeDoubleSpend

	// CodeLowFee reports that the observed payment pays a low fee and is
	// still propagating.
	CodeLowFee
)

// String returns a human readable name for the code.
func (c Code) String() string {
	switch c {
	case CodeNotYet:
		return "not-yet"
	case CodePaid:
		return "paid"
	case CodeExpired:
		return "expired"
	case CodeServerError:
		return "server-error"
	case CodeClientError:
		return "client-error"
	case CodeDoubleSpend:
		return "double-spend"
	case CodeLowFee:
		return "low-fee"
	}
	return "unknown"
}

// Result is the discriminated outcome returned by Poll.  Txid is set for
// the codes that refer to a concrete transaction.
type Result struct {
	Code Code
	Txid *chainhash.Hash
}

// Wire renders the result in the short textual form existing point-of-sale
// clients already parse.  These codes are part of the client contract and
// must not change.
func (r Result) Wire() string {
	switch r.Code {
	case CodeNotYet:
		return "n"
	case CodePaid:
		return "p " + r.Txid.String()
	case CodeExpired:
		return "e"
	case CodeServerError:
		return "se"
	case CodeClientError:
		return "ce"
	case CodeDoubleSpend:
		return "ds " + r.Txid.String()
	case CodeLowFee:
		return "lf " + r.Txid.String()
	}
	return "se"
}

func notYet() Result      { return Result{Code: CodeNotYet} }
func expired() Result     { return Result{Code: CodeExpired} }
func serverError() Result { return Result{Code: CodeServerError} }

func paid(txid *chainhash.Hash) Result {
	return Result{Code: CodePaid, Txid: txid}
}
func doubleSpend(txid *chainhash.Hash) Result {
	return Result{Code: CodeDoubleSpend, Txid: txid}
}
func lowFee(txid *chainhash.Hash) Result {
	return Result{Code: CodeLowFee, Txid: txid}
}
