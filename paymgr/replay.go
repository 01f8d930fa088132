// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package paymgr

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// replayCache tracks transaction ids that have already been credited to a
// recorded payment, so a transaction that paid off one invoice can never be
// replayed to satisfy a later invoice reusing the same address and amount.
//
// There is no eviction: the set is seeded from the current and previous
// day's ledger at startup and grows only for the process lifetime, which
// daily ledger rotation keeps naturally bounded.
type replayCache struct {
	sync.RWMutex

	txids map[chainhash.Hash]struct{}
}

func newReplayCache() *replayCache {
	return &replayCache{
		txids: make(map[chainhash.Hash]struct{}),
	}
}

// contains reports whether txid has already been credited.
func (c *replayCache) contains(txid chainhash.Hash) bool {
	c.RLock()
	defer c.RUnlock()

	_, ok := c.txids[txid]
	return ok
}

// add marks txid as credited.
func (c *replayCache) add(txid chainhash.Hash) {
	c.Lock()
	defer c.Unlock()

	c.txids[txid] = struct{}{}
}

// size returns the number of cached ids.
func (c *replayCache) size() int {
	c.RLock()
	defer c.RUnlock()

	return len(c.txids)
}
