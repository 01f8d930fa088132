// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Rate sources understood by ExchangeRate.
const (
	RateSourceKraken    = "kraken"
	RateSourceCoinGecko = "coingecko"
)

// KnownRateSource reports whether name is a supported exchange-rate source.
// Configuration validation uses this at startup so an unknown source fails
// fast instead of at the first invoice.
func KnownRateSource(name string) bool {
	switch name {
	case RateSourceKraken, RateSourceCoinGecko:
		return true
	}
	return false
}

// ExchangeRate quotes one coin in the given fiat currency from the named
// source.  The quote is fetched fresh on every call; callers decide how long
// a quote stays good.
func (e *Explorer) ExchangeRate(ctx context.Context, currency, source string) (float64, error) {
	switch source {
	case RateSourceKraken:
		return e.krakenRate(ctx, currency)
	case RateSourceCoinGecko:
		return e.coinGeckoRate(ctx, currency)
	}
	return 0, fmt.Errorf("unknown rate source %q", source)
}

func (e *Explorer) krakenRate(ctx context.Context, currency string) (float64, error) {
	pair := "BCH" + strings.ToUpper(currency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://api.kraken.com/0/public/Ticker?pair="+pair, nil)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("kraken: status %d", resp.StatusCode)
	}

	var reply struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			C []string `json:"c"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return 0, fmt.Errorf("kraken: decoding ticker: %v", err)
	}
	if len(reply.Error) != 0 {
		return 0, fmt.Errorf("kraken: %s", strings.Join(reply.Error, "; "))
	}
	for _, ticker := range reply.Result {
		if len(ticker.C) == 0 {
			break
		}
		price, err := strconv.ParseFloat(ticker.C[0], 64)
		if err != nil {
			return 0, fmt.Errorf("kraken: bad price %q: %v", ticker.C[0], err)
		}
		return price, nil
	}
	return 0, fmt.Errorf("kraken: no ticker for pair %s", pair)
}

func (e *Explorer) coinGeckoRate(ctx context.Context, currency string) (float64, error) {
	cur := strings.ToLower(currency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://api.coingecko.com/api/v3/simple/price?ids=bitcoin-cash&vs_currencies="+cur, nil)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coingecko: status %d", resp.StatusCode)
	}

	var reply map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return 0, fmt.Errorf("coingecko: decoding price: %v", err)
	}
	price, ok := reply["bitcoin-cash"][cur]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("coingecko: no price for %s", currency)
	}
	return price, nil
}
