// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// defaultRequestTimeout bounds every explorer round trip.  The poll
	// loop retries on the next poll, so a short timeout is preferable to
	// a hung handler.
	defaultRequestTimeout = 10 * time.Second
)

// Explorer is an Oracle backed by the REST API of a block explorer.  It
// carries no state beyond the HTTP client and is safe for concurrent use.
type Explorer struct {
	baseURL string
	client  *http.Client
}

// NewExplorer returns an Explorer querying the REST API rooted at baseURL.
func NewExplorer(baseURL string) *Explorer {
	return &Explorer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

// get performs one GET round trip and decodes the JSON body into out.  Any
// transport error, non-200 status, or undecodable body is returned as an
// error for the caller to classify.
func (e *Explorer) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrTxNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("explorer: %s returned status %d", path,
			resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("explorer: decoding %s: %v", path, err)
	}
	return nil
}

// LastTxid returns the most recent txid involving the address, nil if the
// address has no history.
func (e *Explorer) LastTxid(ctx context.Context, address string) (*chainhash.Hash, error) {
	var reply struct {
		Txs []string `json:"txs"`
	}
	path := "/address/" + url.PathEscape(address) + "/transactions"
	if err := e.get(ctx, path, &reply); err != nil {
		return nil, err
	}
	if len(reply.Txs) == 0 {
		return nil, nil
	}
	hash, err := chainhash.NewHashFromStr(reply.Txs[0])
	if err != nil {
		return nil, fmt.Errorf("explorer: bad txid %q: %v", reply.Txs[0], err)
	}
	return hash, nil
}

// TxDetail fetches and normalizes the explorer's view of one transaction.
func (e *Explorer) TxDetail(ctx context.Context, txid *chainhash.Hash) (*TxDetail, error) {
	var reply struct {
		Time *int64 `json:"time"`
		Vout []struct {
			Value     *float64 `json:"value"`
			Addresses []string `json:"addresses"`
		} `json:"vout"`
		DoubleSpend   bool   `json:"doubleSpend"`
		Fees          *int64 `json:"fees"`
		Size          *int64 `json:"size"`
		Confirmations *int32 `json:"confirmations"`
	}
	if err := e.get(ctx, "/tx/"+txid.String(), &reply); err != nil {
		return nil, err
	}

	// A reply missing required fields is indistinguishable from a broken
	// backend, so it is reported as an error rather than zero values.
	if reply.Time == nil || reply.Size == nil || reply.Fees == nil ||
		reply.Confirmations == nil || *reply.Size == 0 {

		return nil, fmt.Errorf("explorer: malformed detail for %v", txid)
	}

	detail := &TxDetail{
		Time:          time.Unix(*reply.Time, 0),
		Outputs:       make(map[string]btcutil.Amount),
		DoubleSpend:   reply.DoubleSpend,
		FeePerByte:    float64(*reply.Fees) / float64(*reply.Size),
		Confirmations: *reply.Confirmations,
	}
	for _, out := range reply.Vout {
		if out.Value == nil {
			return nil, fmt.Errorf("explorer: malformed output in %v", txid)
		}
		amt, err := btcutil.NewAmount(*out.Value)
		if err != nil {
			return nil, fmt.Errorf("explorer: bad output value in %v: %v",
				txid, err)
		}
		for _, addr := range out.Addresses {
			detail.Outputs[addr] += amt
		}
	}
	return detail, nil
}

// PropagationCount asks the explorer how many peers have relayed the
// transaction.
func (e *Explorer) PropagationCount(ctx context.Context, txid *chainhash.Hash,
	threshold int, stopOnDoubleSpend bool) (int, bool, error) {

	var reply struct {
		Peers       *int `json:"peers"`
		DoubleSpend bool `json:"doubleSpend"`
	}
	path := fmt.Sprintf("/tx/%v/propagation?max=%d", txid, threshold)
	if stopOnDoubleSpend {
		path += "&stopondoublespend=1"
	}
	if err := e.get(ctx, path, &reply); err != nil {
		return 0, false, err
	}
	if reply.Peers == nil {
		return 0, false, fmt.Errorf("explorer: malformed propagation reply for %v", txid)
	}
	return *reply.Peers, reply.DoubleSpend, nil
}
