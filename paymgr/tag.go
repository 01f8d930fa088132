// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package paymgr

import (
	"crypto/rand"
	"fmt"
)

// tagAlphabet is the 36-symbol alphabet tags are drawn from.  Seven symbols
// give a 36^7 space, ample for point-of-sale concurrency but not a
// cryptographic uniqueness guarantee, which is why creation still checks for
// collision with in-flight tags.
const (
	tagAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	tagLength   = 7
)

// newTag generates a random tag.
func newTag() (string, error) {
	buf := make([]byte, tagLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating tag: %v", err)
	}
	for i, b := range buf {
		buf[i] = tagAlphabet[int(b)%len(tagAlphabet)]
	}
	return string(buf), nil
}
