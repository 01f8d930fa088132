// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pool manages the set of receiving addresses handed out to
// invoices.  Free addresses are served in FIFO order; when the free list is
// exhausted and an extended public key is configured, fresh addresses are
// derived on demand.  All state is guarded by a single pool-wide mutex since
// acquisition, release, and the derivation watermark all affect cross-invoice
// invariants.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	bchchaincfg "github.com/gcash/bchd/chaincfg"

	"github.com/dymurray/minipos/chain"
)

var (
	// ErrPoolEmpty is returned by Acquire when no free address remains
	// and no extended key is configured to derive more.
	ErrPoolEmpty = errors.New("no receiving address available")

	// ErrNoSource is returned by New when neither a static address list
	// nor an extended public key is configured.  This is a fatal startup
	// condition: the server would be unable to issue a single invoice.
	ErrNoSource = errors.New("no addresses and no extended public key configured")
)

// Entry is one receiving address.  Derived entries carry the derivation
// index they were generated at; static entries have Derived unset and a
// zero Index.
type Entry struct {
	Address string
	Index   uint32
	Derived bool
}

// Config describes the address sources and persistence of a Pool.
type Config struct {
	// Addresses is the operator-supplied static address list, served in
	// the order given.
	Addresses []string

	// XPub, when non-empty, enables on-demand derivation once the static
	// list runs dry.
	XPub string

	// CashAddr selects CashAddr rendering for derived addresses.
	CashAddr bool

	Params    *chaincfg.Params
	BCHParams *bchchaincfg.Params

	// ListPath is the durable address list.  The file is rewritten in
	// full after every mutation.  An empty path disables persistence.
	ListPath string
}

// Pool is the address pool.  It is safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	free    []Entry
	retired []Entry

	// nextIndex is the derivation watermark: the lowest index never yet
	// issued.  It only advances.
	nextIndex uint32

	key *hdkeychain.ExtendedKey
	cfg Config
}

// New builds a Pool from cfg.  If the durable list file exists its contents
// take precedence over cfg.Addresses, so a restart resumes where the
// previous process left off.
func New(cfg Config) (*Pool, error) {
	if len(cfg.Addresses) == 0 && cfg.XPub == "" {
		return nil, ErrNoSource
	}

	p := &Pool{cfg: cfg}
	if cfg.XPub != "" {
		key, err := chain.ParseXPub(cfg.XPub, cfg.Params)
		if err != nil {
			return nil, err
		}
		p.key = key
	}

	loaded, err := p.loadList()
	if err != nil {
		return nil, err
	}
	if !loaded {
		for _, addr := range cfg.Addresses {
			if !chain.ValidateAddress(addr, cfg.Params, cfg.BCHParams) {
				return nil, fmt.Errorf("invalid address %q in address list", addr)
			}
			p.free = append(p.free, Entry{Address: addr})
		}
		if err := p.writeListLocked(); err != nil {
			return nil, err
		}
	}

	log.Infof("Address pool ready: %d free, %d retired, derivation %v",
		len(p.free), len(p.retired), p.key != nil)
	return p, nil
}

// Acquire hands out the oldest free address, deriving a fresh one when the
// free list is empty and an extended key is configured.  The returned entry
// is owned by the caller until passed back to Release or Retire exactly
// once.
func (p *Pool) Acquire() (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) > 0 {
		entry := p.free[0]
		p.free = p.free[1:]
		if err := p.writeListLocked(); err != nil {
			// Put it back; better to fail the invoice than to
			// leak the address from the durable list.
			p.free = append([]Entry{entry}, p.free...)
			return Entry{}, err
		}
		return entry, nil
	}

	if p.key == nil {
		return Entry{}, ErrPoolEmpty
	}
	entry, err := p.deriveLocked()
	if err != nil {
		return Entry{}, err
	}
	if err := p.writeListLocked(); err != nil {
		return Entry{}, err
	}
	log.Debugf("Derived address %s at index %d", entry.Address, entry.Index)
	return entry, nil
}

// Release returns an address to the tail of the free list.  The caller must
// guarantee at most one Release or Retire per acquisition; a double free
// would let two invoices share one address.
func (p *Pool) Release(entry Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = append(p.free, entry)
	return p.writeListLocked()
}

// Retire permanently removes an address from circulation.  Retiring the
// highest index ever issued immediately derives one replacement so the
// derivation watermark is recoverable from the durable list after a
// restart.
func (p *Pool) Retire(entry Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.retired = append(p.retired, entry)
	if entry.Derived && entry.Index+1 == p.nextIndex {
		replacement, err := p.deriveLocked()
		if err != nil {
			return err
		}
		p.free = append(p.free, replacement)
		log.Debugf("Watermark replacement %s at index %d",
			replacement.Address, replacement.Index)
	}
	return p.writeListLocked()
}

// FreeCount returns the number of addresses currently free.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// deriveLocked derives the entry at the watermark, skipping the rare
// indices that produce invalid child keys.  Must be called with the pool
// mutex held.
func (p *Pool) deriveLocked() (Entry, error) {
	for {
		index := p.nextIndex
		addr, err := chain.DeriveAddress(p.key, index, p.cfg.CashAddr,
			p.cfg.Params, p.cfg.BCHParams)
		if errors.Is(err, chain.ErrInvalidChild) {
			p.nextIndex++
			continue
		}
		if err != nil {
			return Entry{}, err
		}
		p.nextIndex++
		return Entry{Address: addr, Index: index, Derived: true}, nil
	}
}
