// Package common holds small value types shared across the paladin-core
// packages, mirroring the role go-ethereum's common package plays for the
// rest of that codebase.
package common

import (
	"encoding/hex"
	"fmt"
)

// AccountKeyLength is the fixed width of an AccountKey, matching a Solana-style
// 32-byte public key.
const AccountKeyLength = 32

// AccountKey is a fixed-width account identifier. Equality and hashing are
// byte-wise.
type AccountKey [AccountKeyLength]byte

// BytesToAccountKey copies b into the trailing bytes of an AccountKey,
// left-padding with zeros; if b is longer than AccountKeyLength, only its
// last AccountKeyLength bytes are kept.
func BytesToAccountKey(b []byte) AccountKey {
	var a AccountKey
	if len(b) > AccountKeyLength {
		b = b[len(b)-AccountKeyLength:]
	}
	copy(a[AccountKeyLength-len(b):], b)
	return a
}

// IsZero reports whether k is the all-zero key, used as a sentinel (e.g. the
// lockup-pool entry terminator).
func (k AccountKey) IsZero() bool {
	return k == AccountKey{}
}

func (k AccountKey) String() string {
	return hex.EncodeToString(k[:])
}

func (k AccountKey) Format(s fmt.State, c rune) {
	fmt.Fprintf(s, "%s", k.String())
}
