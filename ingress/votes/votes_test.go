package votes

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/paladin-labs/paladin-core/common"
	corevotes "github.com/paladin-labs/paladin-core/core/votes"
)

// fixedDecoder reads {validator(32), slot(8 LE)} out of the datagram and
// keeps the whole datagram as the packet.
type fixedDecoder struct{}

func (fixedDecoder) DecodeVote(raw []byte) (corevotes.VoteUpdate, error) {
	if len(raw) < common.AccountKeyLength+8 {
		return corevotes.VoteUpdate{}, errors.New("short vote datagram")
	}
	return corevotes.VoteUpdate{
		Validator: common.BytesToAccountKey(raw[:common.AccountKeyLength]),
		Slot:      binary.LittleEndian.Uint64(raw[common.AccountKeyLength : common.AccountKeyLength+8]),
		Packet:    raw,
	}, nil
}

type stakedView struct {
	epoch  uint64
	stakes map[common.AccountKey]uint64
}

func (v stakedView) CurrentEpoch() uint64 { return v.epoch }
func (v stakedView) StakedNodes(uint64) map[common.AccountKey]uint64 {
	return v.stakes
}
func (v stakedView) FeatureFlags(uint64) map[string]bool { return nil }

func TestServeInsertsStakedVote(t *testing.T) {
	validator := common.BytesToAccountKey([]byte("validator-1"))
	cache := corevotes.New()
	cache.CacheEpochBoundaryInfo(stakedView{
		epoch:  1,
		stakes: map[common.AccountKey]uint64{validator: 100},
	})

	l, err := New("127.0.0.1:0", fixedDecoder{}, cache)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	conn, err := net.Dial("udp", l.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	datagram := make([]byte, common.AccountKeyLength+8)
	copy(datagram, validator[:])
	binary.LittleEndian.PutUint64(datagram[common.AccountKeyLength:], 42)
	if _, err := conn.Write(datagram); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if slot, _, _, ok := cache.Get(validator); ok {
			if slot != 42 {
				t.Fatalf("slot = %d, want 42", slot)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for vote to land in the cache")
}

func TestServeFiltersZeroStakeValidator(t *testing.T) {
	validator := common.BytesToAccountKey([]byte("unstaked"))
	cache := corevotes.New()

	l, err := New("127.0.0.1:0", fixedDecoder{}, cache)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	conn, err := net.Dial("udp", l.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	datagram := make([]byte, common.AccountKeyLength+8)
	copy(datagram, validator[:])
	if _, err := conn.Write(datagram); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if _, _, _, ok := cache.Get(validator); ok {
		t.Fatal("zero-stake validator must not enter the cache")
	}
}
