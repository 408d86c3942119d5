package ratelimit

import (
	"encoding/binary"
	"testing"
)

func buildLockupPool(entries []LockupEntry) []byte {
	buf := make([]byte, discriminatorSize+MaxLockupEntries*lockupEntrySize+8)
	off := discriminatorSize
	for _, e := range entries {
		copy(buf[off:], e.Key[:])
		binary.LittleEndian.PutUint64(buf[off+32:], e.Amount)
		off += lockupEntrySize
	}
	binary.LittleEndian.PutUint64(buf[discriminatorSize+MaxLockupEntries*lockupEntrySize:], uint64(len(entries)))
	return buf
}

func TestDecodeLockupPoolRoundTrip(t *testing.T) {
	entries := []LockupEntry{
		{Key: key('A'), Amount: 1000},
		{Key: key('B'), Amount: 500},
	}
	data := buildLockupPool(entries)

	got, err := DecodeLockupPool(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Amount != 1000 || got[1].Amount != 500 {
		t.Fatalf("unexpected decode result: %+v", got)
	}
}

func TestDecodeLockupPoolTooShort(t *testing.T) {
	if _, err := DecodeLockupPool(make([]byte, 16)); err != ErrLockupPoolTooShort {
		t.Fatalf("expected ErrLockupPoolTooShort, got %v", err)
	}
}

func TestDecodeLockupPoolZeroKeyTerminatesEarly(t *testing.T) {
	entries := []LockupEntry{
		{Key: key('A'), Amount: 1000},
	}
	data := buildLockupPool(entries)
	// entries_len claims 2 but the second slot was never written (all zero).
	binary.LittleEndian.PutUint64(data[discriminatorSize+MaxLockupEntries*lockupEntrySize:], 2)

	got, err := DecodeLockupPool(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected decoding to stop at the zero-key sentinel, got %d entries", len(got))
	}
}
