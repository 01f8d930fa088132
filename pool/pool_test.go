// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	bchchaincfg "github.com/gcash/bchd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/dymurray/minipos/chain"
)

var testAddrs = []string{
	"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
	"1CounterpartyXXXXXXXXXXXXXXXUWLpVr",
	"1BitcoinEaterAddressDontSendf59kuE",
}

// testXPub is the BIP32 test vector 1 master public key.
const testXPub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8Nqtwy" +
	"bGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

func staticPool(t *testing.T, addrs ...string) *Pool {
	t.Helper()
	p, err := New(Config{
		Addresses: addrs,
		Params:    &chaincfg.MainNetParams,
		BCHParams: &bchchaincfg.MainNetParams,
	})
	require.NoError(t, err)
	return p
}

// TestAcquireFIFO verifies addresses are served oldest first and a
// released address rejoins at the tail.
func TestAcquireFIFO(t *testing.T) {
	require := require.New(t)

	p := staticPool(t, testAddrs...)

	first, err := p.Acquire()
	require.NoError(err)
	require.Equal(testAddrs[0], first.Address)

	second, err := p.Acquire()
	require.NoError(err)
	require.Equal(testAddrs[1], second.Address)

	// Releasing the first address puts it behind the remaining third.
	require.NoError(p.Release(first))
	third, err := p.Acquire()
	require.NoError(err)
	require.Equal(testAddrs[2], third.Address)
	again, err := p.Acquire()
	require.NoError(err)
	require.Equal(testAddrs[0], again.Address)
}

// TestAcquireEmpty verifies exhaustion without a derivation key is the
// distinct pool-empty condition.
func TestAcquireEmpty(t *testing.T) {
	require := require.New(t)

	p := staticPool(t, testAddrs[0])
	_, err := p.Acquire()
	require.NoError(err)

	_, err = p.Acquire()
	require.ErrorIs(err, ErrPoolEmpty)
}

// TestNewValidation verifies startup rejects a configuration with no
// address source and rejects invalid addresses.
func TestNewValidation(t *testing.T) {
	require := require.New(t)

	_, err := New(Config{
		Params:    &chaincfg.MainNetParams,
		BCHParams: &bchchaincfg.MainNetParams,
	})
	require.ErrorIs(err, ErrNoSource)

	_, err = New(Config{
		Addresses: []string{"not-an-address"},
		Params:    &chaincfg.MainNetParams,
		BCHParams: &bchchaincfg.MainNetParams,
	})
	require.Error(err)
}

// TestDerivation verifies on-demand derivation once the static list runs
// dry: distinct valid addresses at increasing indices.
func TestDerivation(t *testing.T) {
	require := require.New(t)

	p, err := New(Config{
		XPub:      testXPub,
		Params:    &chaincfg.MainNetParams,
		BCHParams: &bchchaincfg.MainNetParams,
	})
	require.NoError(err)

	seen := make(map[string]struct{})
	var last Entry
	for i := 0; i < 3; i++ {
		entry, err := p.Acquire()
		require.NoError(err)
		require.True(entry.Derived)
		require.True(chain.ValidateAddress(entry.Address,
			&chaincfg.MainNetParams, &bchchaincfg.MainNetParams))

		_, dup := seen[entry.Address]
		require.False(dup, "duplicate address %s", entry.Address)
		seen[entry.Address] = struct{}{}
		last = entry
	}
	require.Equal(uint32(2), last.Index)
}

// TestRetireWatermark verifies retiring the highest index ever issued
// derives exactly one replacement, while retiring a lower index does not.
func TestRetireWatermark(t *testing.T) {
	require := require.New(t)

	p, err := New(Config{
		XPub:      testXPub,
		Params:    &chaincfg.MainNetParams,
		BCHParams: &bchchaincfg.MainNetParams,
	})
	require.NoError(err)

	low, err := p.Acquire()
	require.NoError(err)
	high, err := p.Acquire()
	require.NoError(err)
	require.Equal(uint32(1), high.Index)
	require.Zero(p.FreeCount())

	// Highest index retired: one replacement appears at the next index.
	require.NoError(p.Retire(high))
	require.Equal(1, p.FreeCount())
	replacement, err := p.Acquire()
	require.NoError(err)
	require.Equal(uint32(2), replacement.Index)

	// Lower index retired: no replacement.
	require.NoError(p.Retire(low))
	require.Zero(p.FreeCount())
}

// TestPersistence verifies the durable list survives a restart: a new pool
// over the same file resumes with the same free set and watermark.
func TestPersistence(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "addresses.txt")
	cfg := Config{
		Addresses: testAddrs[:2],
		XPub:      testXPub,
		Params:    &chaincfg.MainNetParams,
		BCHParams: &bchchaincfg.MainNetParams,
		ListPath:  path,
	}

	p, err := New(cfg)
	require.NoError(err)

	taken, err := p.Acquire()
	require.NoError(err)
	require.Equal(testAddrs[0], taken.Address)

	// Restart: the file, not the config list, is authoritative.
	restarted, err := New(cfg)
	require.NoError(err)
	require.Equal(1, restarted.FreeCount())

	next, err := restarted.Acquire()
	require.NoError(err)
	require.Equal(testAddrs[1], next.Address)

	// The static list is now dry: derivation continues at the persisted
	// watermark.
	derived, err := restarted.Acquire()
	require.NoError(err)
	require.True(derived.Derived)
	require.Equal(uint32(0), derived.Index)
}
