// Package tcp implements the framed bundle-ingress TCP server: a trusted
// feed of complete bundles, one bincode-style frame per bundle,
// reconnecting listeners backing off after a non-transient accept error.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/paladin-labs/paladin-core/core/paladin"
	"github.com/paladin-labs/paladin-core/core/types"
	"github.com/paladin-labs/paladin-core/ingress/bincode"
	"github.com/paladin-labs/paladin-core/log"
	"github.com/paladin-labs/paladin-core/metrics"
)

// ErrRetryDelay is the accept-loop backoff after a listener error,
// modeled on the retry/backoff pattern geth's p2p server uses around
// net.Listener.Accept.
const ErrRetryDelay = time.Second

// DefaultBind is PALADIN_TX_ENDPOINT's default.
const DefaultBind = "0.0.0.0:4815"

var logger = log.New("pkg", "ingress/tcp")

// TxDecoder turns one raw transaction payload into a Transaction.
// Signature verification and account-list parsing belong to the wire
// layer this core treats as an external collaborator.
type TxDecoder interface {
	DecodeTransaction(raw []byte) (*types.Transaction, error)
}

// Listener runs the bundle-ingress TCP server.
type Listener struct {
	addr    string
	decoder TxDecoder
	out     chan<- paladin.IngressBatch
	counter atomic.Uint32 // wraps at 1<<16, u16 bundle-id counter

	droppedOversized metrics.Counter
	droppedDecode     metrics.Counter
}

// New constructs a Listener. out receives one IngressBatch per successfully
// decoded frame.
func New(addr string, decoder TxDecoder, out chan<- paladin.IngressBatch) *Listener {
	return &Listener{
		addr:              addr,
		decoder:           decoder,
		out:               out,
		droppedOversized:  metrics.NewRegisteredCounter("ingress/tcp/dropped_oversized", nil),
		droppedDecode:     metrics.NewRegisteredCounter("ingress/tcp/dropped_decode", nil),
	}
}

// Serve accepts connections until ctx is cancelled.
func (s *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("tcp accept failed, backing off", "err", err, "delay", ErrRetryDelay)
			select {
			case <-time.After(ErrRetryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := bincode.ReadFrame(r)
		switch {
		case errors.Is(err, bincode.ErrFrameDropped):
			s.droppedOversized.Inc(1)
			continue
		case err != nil:
			logger.Debug("tcp ingress stream closed", "remote", conn.RemoteAddr(), "err", err)
			return
		}
		bundle := s.decodeFrame(frame)
		if bundle == nil {
			continue
		}
		select {
		case s.out <- paladin.IngressBatch{IsArb: frame.IsArb, Bundles: []*types.Bundle{bundle}}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Listener) decodeFrame(frame bincode.Frame) *types.Bundle {
	txs := make([]*types.Transaction, 0, len(frame.Txs))
	for _, raw := range frame.Txs {
		t, err := s.decoder.DecodeTransaction(raw)
		if err != nil {
			s.droppedDecode.Inc(1)
			continue
		}
		txs = append(txs, t)
	}
	if len(txs) == 0 {
		return nil
	}
	bundle, err := types.NewBundle(s.nextBundleID(frame.IsArb), txs)
	if err != nil {
		s.droppedDecode.Inc(1)
		return nil
	}
	return bundle
}

// nextBundleID assigns "{A|R}|{u16_counter}", the counter
// wrapping at 1<<16.
func (s *Listener) nextBundleID(isArb bool) string {
	n := s.counter.Add(1) % (1 << 16)
	prefix := "R"
	if isArb {
		prefix = "A"
	}
	return prefix + "|" + strconv.Itoa(int(n))
}
