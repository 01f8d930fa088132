// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package paymgr

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	ledgerFilePrefix = "ledger-"
	ledgerFileSuffix = ".txt"
	ledgerTimeFormat = "2006-01-02 15:04:05"
	ledgerDateFormat = "2006-01-02"
)

// Ledger appends accepted payments to a dated, tab-separated, append-only
// log: one file per calendar date, created on first write.  Appends are
// serialized by a single mutex; writes are small and infrequent enough that
// finer grained locking buys nothing.
type Ledger struct {
	mu  sync.Mutex
	dir string
}

// Record is one accepted payment.
type Record struct {
	Time     time.Time
	Address  string
	Amount   btcutil.Amount
	Fiat     float64
	Currency string
	Tag      string
	Txid     chainhash.Hash
}

// NewLedger returns a Ledger writing under dir, creating it if needed.
func NewLedger(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating ledger dir: %v", err)
	}
	return &Ledger{dir: dir}, nil
}

// Append writes one record to the ledger file for the record's date.
func (l *Ledger) Append(rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir,
		ledgerFilePrefix+rec.Time.Format(ledgerDateFormat)+ledgerFileSuffix)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("opening ledger: %v", err)
	}
	defer f.Close()

	line := strings.Join([]string{
		rec.Time.Format(ledgerTimeFormat),
		rec.Address,
		strconv.FormatFloat(rec.Amount.ToBTC(), 'f', 8, 64),
		fmt.Sprintf("%.2f %s", rec.Fiat, rec.Currency),
		rec.Tag,
		rec.Txid.String(),
	}, "\t")
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("appending ledger: %v", err)
	}
	return nil
}

// seedReplay loads the txids of the ledger files for now's date and the
// previous date into cache, so a same-day restart cannot re-record a
// payment that was already credited.
func (l *Ledger) seedReplay(cache *replayCache, now time.Time) error {
	for _, day := range []time.Time{now.AddDate(0, 0, -1), now} {
		path := filepath.Join(l.dir,
			ledgerFilePrefix+day.Format(ledgerDateFormat)+ledgerFileSuffix)
		if err := seedReplayFile(cache, path); err != nil {
			return err
		}
	}
	return nil
}

func seedReplayFile(cache *replayCache, path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening ledger for replay seed: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) == 0 {
			continue
		}
		txid, err := chainhash.NewHashFromStr(fields[len(fields)-1])
		if err != nil {
			// A mangled line must not poison startup; skip it but
			// leave a trace for the operator.
			log.Warnf("Skipping malformed ledger line in %s", path)
			continue
		}
		cache.add(*txid)
	}
	return scanner.Err()
}
