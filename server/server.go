// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package server exposes the payment manager over HTTP.  It is a thin
// translation layer: JSON in, result codes out, no policy of its own.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dymurray/minipos/paymgr"
)

// invoiceRequest is the body of POST /invoice.
type invoiceRequest struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// invoiceReply is the body of a successful POST /invoice.
type invoiceReply struct {
	Tag     string  `json:"tag"`
	Address string  `json:"address"`
	Amount  string  `json:"amount"`
	QR      string  `json:"qr"`
	Expiry  float64 `json:"expiry"`
}

// Handler returns the HTTP handler serving the point-of-sale API.  The poll
// endpoint speaks the short textual result codes that deployed clients
// already parse.
func Handler(mgr *paymgr.Manager, notifier *paymgr.Notifier) http.Handler {
	r := chi.NewRouter()

	r.Post("/invoice", func(w http.ResponseWriter, req *http.Request) {
		var body invoiceRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if body.Amount <= 0 || body.Currency == "" {
			http.Error(w, "amount and currency are required",
				http.StatusBadRequest)
			return
		}

		invoice, err := mgr.CreateInvoice(req.Context(), body.Amount,
			body.Currency)
		switch {
		case errors.Is(err, paymgr.ErrNoAddress):
			http.Error(w, "no receiving address available",
				http.StatusServiceUnavailable)
			return
		case errors.Is(err, paymgr.ErrRateUnavailable):
			http.Error(w, "exchange rate unavailable",
				http.StatusBadGateway)
			return
		case err != nil:
			log.Errorf("Invoice creation failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, &invoiceReply{
			Tag:     invoice.Tag,
			Address: invoice.Address,
			Amount:  strconv.FormatFloat(invoice.Amount.ToBTC(), 'f', 8, 64),
			QR:      invoice.QRPayload,
			Expiry:  invoice.Expiry.Seconds(),
		})
	})

	r.Get("/poll/{tag}", func(w http.ResponseWriter, req *http.Request) {
		result := mgr.Poll(req.Context(), chi.URLParam(req, "tag"))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(result.Wire()))
	})

	r.Post("/cancel/{tag}", func(w http.ResponseWriter, req *http.Request) {
		mgr.Cancel(chi.URLParam(req, "tag"))
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		state, err := notifier.State()
		reply := struct {
			Job   string `json:"job"`
			Error string `json:"error,omitempty"`
		}{Job: state.String()}
		if err != nil {
			reply.Error = err.Error()
		}
		writeJSON(w, &reply)
	})

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Encoding reply: %v", err)
	}
}
