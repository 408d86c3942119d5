// Package udp implements the single-transaction datagram ingress: one
// transaction per packet, identified by "R|{signature_base58}" (see
// DESIGN.md for why this module uses the "R|" bundle-id grammar shared
// with TCP/QUIC rather than the unprefixed form).
package udp

import (
	"context"
	"net"
	"time"

	"github.com/btcsuite/btcutil/base58"

	"github.com/paladin-labs/paladin-core/core/paladin"
	"github.com/paladin-labs/paladin-core/core/types"
	"github.com/paladin-labs/paladin-core/ingress/bincode"
	"github.com/paladin-labs/paladin-core/log"
	"github.com/paladin-labs/paladin-core/metrics"
)

// ReadTimeout is the socket read timeout.
const ReadTimeout = 100 * time.Millisecond

// DefaultBind is the UDP ingress default bind address.
const DefaultBind = "0.0.0.0:4818"

const maxDatagramSize = bincode.PacketDataSize

var logger = log.New("pkg", "ingress/udp")

// TxDecoder decodes one raw UDP datagram and extracts its primary
// signature, used to build the bundle_id. Signature
// verification itself is an external collaborator.
type TxDecoder interface {
	DecodeTransaction(raw []byte) (*types.Transaction, error)
	Signature(raw []byte) ([]byte, error)
}

// Listener runs the single-transaction UDP ingress socket.
type Listener struct {
	conn    *net.UDPConn
	decoder TxDecoder
	out     chan<- paladin.IngressBatch

	dropped metrics.Counter
}

// New binds a UDP listener at addr.
func New(addr string, decoder TxDecoder, out chan<- paladin.IngressBatch) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		conn:    conn,
		decoder: decoder,
		out:     out,
		dropped: metrics.NewRegisteredCounter("ingress/udp/dropped", nil),
	}, nil
}

// Close releases the underlying socket.
func (l *Listener) Close() error { return l.conn.Close() }

// Serve reads datagrams until ctx is cancelled, rearming a 100ms read
// deadline each pass so shutdown is observed promptly.
func (l *Listener) Serve(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Debug("udp read error", "err", err)
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		l.handleDatagram(ctx, raw)
	}
}

func (l *Listener) handleDatagram(ctx context.Context, raw []byte) {
	tx, err := l.decoder.DecodeTransaction(raw)
	if err != nil {
		l.dropped.Inc(1)
		return
	}
	sig, err := l.decoder.Signature(raw)
	if err != nil {
		l.dropped.Inc(1)
		return
	}
	bundle, err := types.NewBundle("R|"+base58.Encode(sig), []*types.Transaction{tx})
	if err != nil {
		l.dropped.Inc(1)
		return
	}
	select {
	case l.out <- paladin.IngressBatch{IsArb: false, Bundles: []*types.Bundle{bundle}}:
	case <-ctx.Done():
	}
}
