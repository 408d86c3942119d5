package ratelimit

import (
	"encoding/binary"
	"errors"

	"github.com/paladin-labs/paladin-core/common"
)

// lockupEntrySize is the encoded byte width of one lockup-pool entry:
// lockup_key(32) + amount(u64) + metadata(32).
const lockupEntrySize = common.AccountKeyLength + 8 + 32

// MaxLockupEntries bounds the fixed-size entries array in the lockup-pool layout.
const MaxLockupEntries = 1024

const discriminatorSize = 8

// LockupEntry is one decoded row of the on-chain lockup-pool account.
type LockupEntry struct {
	Key    common.AccountKey
	Amount uint64
}

var ErrLockupPoolTooShort = errors.New("ratelimit: lockup pool account data too short")

// DecodeLockupPool parses the raw account bytes laid out as:
// {discriminator(8), entries[1024]: {lockup_key(32), amount(u64),
// metadata(32)}, entries_len(usize)}. Entries are sorted descending by
// amount; a lockup_key of all zeros terminates the list early.
func DecodeLockupPool(data []byte) ([]LockupEntry, error) {
	need := discriminatorSize + MaxLockupEntries*lockupEntrySize + 8
	if len(data) < need {
		return nil, ErrLockupPoolTooShort
	}
	entriesLen := binary.LittleEndian.Uint64(data[discriminatorSize+MaxLockupEntries*lockupEntrySize:])
	if entriesLen > MaxLockupEntries {
		entriesLen = MaxLockupEntries
	}

	out := make([]LockupEntry, 0, entriesLen)
	off := discriminatorSize
	for i := uint64(0); i < entriesLen; i++ {
		var key common.AccountKey
		copy(key[:], data[off:off+common.AccountKeyLength])
		if key.IsZero() {
			break
		}
		amount := binary.LittleEndian.Uint64(data[off+common.AccountKeyLength : off+common.AccountKeyLength+8])
		out = append(out, LockupEntry{Key: key, Amount: amount})
		off += lockupEntrySize
	}
	return out, nil
}
