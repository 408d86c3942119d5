// Package bincode implements the length-free, bincode-style frame codec
// the TCP and QUIC bundle-ingress adapters share: each frame
// is an arbitrage flag followed by the bundle's ordered raw transaction
// byte-slices, with no separate frame-length prefix — the only boundary
// signal is the underlying reader blocking for more bytes.
package bincode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PacketDataSize bounds a single transaction's encoded length, matching
// the network's maximum UDP packet payload this module otherwise
// ingests.
const PacketDataSize = 1232

// ErrFrameDropped is returned by ReadFrame when a frame contained an
// oversized transaction, but the stream's byte cursor has already been
// advanced past it correctly, so the caller should simply continue
// reading the next frame.
var ErrFrameDropped = errors.New("bincode: frame dropped (oversized transaction)")

// ErrOversizedTx is returned by WriteFrame if asked to encode a
// transaction larger than PacketDataSize.
var ErrOversizedTx = errors.New("bincode: transaction exceeds PACKET_DATA_SIZE")

// Frame is one decoded bundle-ingress frame: an arbitrage/regular flag and
// the bundle's ordered raw transaction bytes.
type Frame struct {
	IsArb bool
	Txs   [][]byte
}

// ReadFrame decodes one frame from r. It blocks (via io.ReadFull) until a
// complete frame is available, which is how "deserialization
// short read -> wait for more bytes" manifests in a blocking-reader model:
// there is nothing to retry, the next read simply continues where the
// last one left off once more bytes arrive.
func ReadFrame(r io.Reader) (Frame, error) {
	var flagByte [1]byte
	if _, err := io.ReadFull(r, flagByte[:]); err != nil {
		return Frame{}, err
	}
	count, err := readU64(r)
	if err != nil {
		return Frame{}, err
	}

	frame := Frame{IsArb: flagByte[0] != 0}
	oversized := false
	for i := uint64(0); i < count; i++ {
		n, err := readU64(r)
		if err != nil {
			return Frame{}, err
		}
		if n > PacketDataSize {
			oversized = true
			if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
				return Frame{}, err
			}
			continue
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Frame{}, err
		}
		if !oversized {
			frame.Txs = append(frame.Txs, buf)
		}
	}
	if oversized {
		return Frame{}, ErrFrameDropped
	}
	return frame, nil
}

// WriteFrame encodes frame to w in the layout ReadFrame expects. Used by
// tests and by any in-process producer feeding the TCP/QUIC listeners.
func WriteFrame(w io.Writer, frame Frame) error {
	flag := byte(0)
	if frame.IsArb {
		flag = 1
	}
	if _, err := w.Write([]byte{flag}); err != nil {
		return err
	}
	if err := writeU64(w, uint64(len(frame.Txs))); err != nil {
		return err
	}
	for _, tx := range frame.Txs {
		if len(tx) > PacketDataSize {
			return fmt.Errorf("%w: %d bytes", ErrOversizedTx, len(tx))
		}
		if err := writeU64(w, uint64(len(tx))); err != nil {
			return err
		}
		if _, err := w.Write(tx); err != nil {
			return err
		}
	}
	return nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}
