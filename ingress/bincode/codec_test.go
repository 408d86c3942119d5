package bincode

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{IsArb: true, Txs: [][]byte{[]byte("tx-one"), []byte("tx-two")}}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.IsArb != want.IsArb || len(got.Txs) != len(want.Txs) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	for i := range want.Txs {
		if !bytes.Equal(got.Txs[i], want.Txs[i]) {
			t.Fatalf("tx %d mismatch: got %q want %q", i, got.Txs[i], want.Txs[i])
		}
	}
}

func TestOversizedTxDropsWholeFrame(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, PacketDataSize+1)
	frame := Frame{Txs: [][]byte{[]byte("small"), oversized}}
	// Bypass WriteFrame's size guard to build a malicious stream directly.
	buf.WriteByte(0)
	if err := writeU64(&buf, 2); err != nil {
		t.Fatal(err)
	}
	if err := writeU64(&buf, uint64(len(frame.Txs[0]))); err != nil {
		t.Fatal(err)
	}
	buf.Write(frame.Txs[0])
	if err := writeU64(&buf, uint64(len(oversized))); err != nil {
		t.Fatal(err)
	}
	buf.Write(oversized)

	_, err := ReadFrame(&buf)
	if !errors.Is(err, ErrFrameDropped) {
		t.Fatalf("expected ErrFrameDropped, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("stream cursor should be fully consumed past the dropped frame, %d bytes remain", buf.Len())
	}
}

func TestShortReadWaitsForMoreBytes(t *testing.T) {
	var buf bytes.Buffer
	full := Frame{Txs: [][]byte{[]byte("payload")}}
	if err := WriteFrame(&buf, full); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()-2]
	_, err := ReadFrame(bytes.NewReader(truncated))
	if !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		t.Fatalf("expected an EOF-class error signaling more bytes are needed, got %v", err)
	}
}

func TestWriteFrameRejectsOversizedTx(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{Txs: [][]byte{make([]byte, PacketDataSize+1)}})
	if !errors.Is(err, ErrOversizedTx) {
		t.Fatalf("expected ErrOversizedTx, got %v", err)
	}
}
