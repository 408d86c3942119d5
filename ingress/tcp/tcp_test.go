package tcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/paladin-labs/paladin-core/core/paladin"
	"github.com/paladin-labs/paladin-core/core/types"
	"github.com/paladin-labs/paladin-core/ingress/bincode"
)

type echoDecoder struct{}

func (echoDecoder) DecodeTransaction(raw []byte) (*types.Transaction, error) {
	return types.NewTransaction(nil, 0, uint64(len(raw)), 1, raw), nil
}

func TestServeDecodesFramesIntoBundles(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	out := make(chan paladin.IngressBatch, 4)
	s := New(addr, echoDecoder{}, out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := bincode.WriteFrame(conn, bincode.Frame{IsArb: true, Txs: [][]byte{[]byte("payload")}}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case batch := <-out:
		if !batch.IsArb {
			t.Fatalf("expected arb batch")
		}
		if len(batch.Bundles) != 1 || batch.Bundles[0].Len() != 1 {
			t.Fatalf("unexpected batch shape: %+v", batch)
		}
		if batch.Bundles[0].ID()[0] != 'A' {
			t.Fatalf("expected arb-prefixed bundle id, got %q", batch.Bundles[0].ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded bundle")
	}

	cancel()
	select {
	case <-serveErr:
	case <-time.After(time.Second):
		t.Fatal("Serve did not exit after ctx cancellation")
	}
}
