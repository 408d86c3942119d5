// Package quic implements the two staked-only QUIC ingress sockets
// "regular" and "mev", admitting up to 256 staked
// connections and zero unstaked ones, one stream open per millisecond per
// connection, and a 300s idle timeout.
package quic

import (
	"bufio"
	"context"
	"crypto/tls"
	"strconv"
	"sync/atomic"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"github.com/paladin-labs/paladin-core/common"
	"github.com/paladin-labs/paladin-core/core/paladin"
	"github.com/paladin-labs/paladin-core/core/types"
	"github.com/paladin-labs/paladin-core/ingress/bincode"
	"github.com/paladin-labs/paladin-core/log"
	"github.com/paladin-labs/paladin-core/metrics"
)

// IdleTimeout is the 300s connection idle timeout names for
// both sockets.
const IdleTimeout = 300 * time.Second

// StreamsPerMillisecond is the per-connection stream-open rate cap.
const StreamsPerMillisecond = 1.0

// MaxStakedConnections / MaxUnstakedConnections are "up to
// 256 staked connections, 0 unstaked".
const (
	MaxStakedConnections   = 256
	MaxUnstakedConnections = 0
)

// DefaultRegularBind / DefaultMEVBind are socket defaults.
const (
	DefaultRegularBind = "0.0.0.0:4819"
	DefaultMEVBind     = "0.0.0.0:4820"
)

var logger = log.New("pkg", "ingress/quic")

// TxDecoder mirrors the TCP ingress decoder.
type TxDecoder interface {
	DecodeTransaction(raw []byte) (*types.Transaction, error)
}

// StakeAuthorizer resolves whether a connecting identity is staked, the
// external collaborator backing staked-only admission.
type StakeAuthorizer interface {
	IsStaked(identity common.AccountKey) bool
}

// Socket distinguishes the "regular" and "mev" sockets. It selects only the
// listener's name and bundle-id tag; no per-packet drop_on_revert or
// from_staked_node flag is set or cleared for either socket.
type Socket uint8

const (
	SocketRegular Socket = iota
	SocketMEV
)

func (s Socket) String() string {
	if s == SocketMEV {
		return "mev"
	}
	return "regular"
}

// Listener runs one of the two staked-only QUIC sockets.
type Listener struct {
	socket  Socket
	addr    string
	tlsConf *tls.Config
	decoder TxDecoder
	auth    StakeAuthorizer
	out     chan<- paladin.IngressBatch

	connCount atomic.Int32
	idCounter atomic.Uint32

	droppedUnstaked metrics.Counter
	droppedOverflow metrics.Counter
	droppedDecode   metrics.Counter
}

// New constructs a Listener for the given socket role.
func New(socket Socket, addr string, tlsConf *tls.Config, decoder TxDecoder, auth StakeAuthorizer, out chan<- paladin.IngressBatch) *Listener {
	return &Listener{
		socket:          socket,
		addr:            addr,
		tlsConf:         tlsConf,
		decoder:         decoder,
		auth:            auth,
		out:             out,
		droppedUnstaked: metrics.NewRegisteredCounter("ingress/quic/"+socket.String()+"/dropped_unstaked", nil),
		droppedOverflow: metrics.NewRegisteredCounter("ingress/quic/"+socket.String()+"/dropped_overflow", nil),
		droppedDecode:   metrics.NewRegisteredCounter("ingress/quic/"+socket.String()+"/dropped_decode", nil),
	}
}

// Serve accepts connections until ctx is cancelled.
func (s *Listener) Serve(ctx context.Context) error {
	ln, err := quicgo.ListenAddr(s.addr, s.tlsConf, &quicgo.Config{MaxIdleTimeout: IdleTimeout})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("quic accept failed", "socket", s.socket, "err", err)
			continue
		}

		identity := identityOf(conn)
		if !s.auth.IsStaked(identity) {
			s.droppedUnstaked.Inc(1)
			conn.CloseWithError(0, "unstaked connection rejected")
			continue
		}
		if s.connCount.Load() >= MaxStakedConnections {
			s.droppedOverflow.Inc(1)
			conn.CloseWithError(0, "staked connection limit reached")
			continue
		}
		s.connCount.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Listener) handleConn(ctx context.Context, conn quicgo.Connection) {
	defer s.connCount.Add(-1)
	defer conn.CloseWithError(0, "")

	limiter := rate.NewLimiter(rate.Limit(StreamsPerMillisecond*1000), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.handleStream(ctx, stream)
	}
}

func (s *Listener) handleStream(ctx context.Context, stream quicgo.Stream) {
	defer stream.Close()
	frame, err := bincode.ReadFrame(bufio.NewReader(stream))
	if err != nil {
		return
	}

	txs := make([]*types.Transaction, 0, len(frame.Txs))
	for _, raw := range frame.Txs {
		tx, err := s.decoder.DecodeTransaction(raw)
		if err != nil {
			s.droppedDecode.Inc(1)
			continue
		}
		txs = append(txs, tx)
	}
	if len(txs) == 0 {
		return
	}

	prefix := "R"
	if frame.IsArb {
		prefix = "A"
	}
	n := s.idCounter.Add(1) % (1 << 16)
	bundle, err := types.NewBundle(prefix+"|quic-"+s.socket.String()+"-"+strconv.Itoa(int(n)), txs)
	if err != nil {
		s.droppedDecode.Inc(1)
		return
	}

	select {
	case s.out <- paladin.IngressBatch{IsArb: frame.IsArb, Bundles: []*types.Bundle{bundle}}:
	case <-ctx.Done():
	}
}

func identityOf(conn quicgo.Connection) common.AccountKey {
	state := conn.ConnectionState()
	if len(state.TLS.PeerCertificates) == 0 {
		return common.AccountKey{}
	}
	return common.BytesToAccountKey(state.TLS.PeerCertificates[0].Raw)
}

