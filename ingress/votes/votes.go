// Package votes implements the TPU vote-ingest socket: one vote
// observation per datagram, decoded by an external collaborator and
// inserted into the LatestVotes cache. Gossip-sourced votes arrive through
// a different path (cluster gossip, out of scope) and are inserted by
// their owner directly.
package votes

import (
	"context"
	"net"
	"time"

	corevotes "github.com/paladin-labs/paladin-core/core/votes"
	"github.com/paladin-labs/paladin-core/ingress/bincode"
	"github.com/paladin-labs/paladin-core/log"
	"github.com/paladin-labs/paladin-core/metrics"
)

// ReadTimeout is the socket read timeout, rearmed each pass so shutdown is
// observed promptly.
const ReadTimeout = 100 * time.Millisecond

// DefaultBind is the vote ingress default bind address.
const DefaultBind = "0.0.0.0:4817"

var logger = log.New("pkg", "ingress/votes")

// VoteDecoder decodes one raw vote datagram into a VoteUpdate. Signature
// verification and vote-instruction parsing are external collaborators.
type VoteDecoder interface {
	DecodeVote(raw []byte) (corevotes.VoteUpdate, error)
}

// Listener runs the TPU vote-ingest socket, the only writer of
// TPU-sourced entries in the cache.
type Listener struct {
	conn    *net.UDPConn
	decoder VoteDecoder
	cache   *corevotes.LatestVotes

	ingested metrics.Counter
	dropped  metrics.Counter
}

// New binds a vote-ingest listener at addr.
func New(addr string, decoder VoteDecoder, cache *corevotes.LatestVotes) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		conn:     conn,
		decoder:  decoder,
		cache:    cache,
		ingested: metrics.NewRegisteredCounter("ingress/votes/ingested", nil),
		dropped:  metrics.NewRegisteredCounter("ingress/votes/dropped", nil),
	}, nil
}

// Close releases the underlying socket.
func (l *Listener) Close() error { return l.conn.Close() }

// Serve reads vote datagrams until ctx is cancelled. Malformed datagrams
// are dropped and counted; zero-stake validators are filtered inside the
// cache's insert path.
func (l *Listener) Serve(ctx context.Context) {
	buf := make([]byte, bincode.PacketDataSize)
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
			logger.Debug("vote read error", "err", err)
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])

		update, err := l.decoder.DecodeVote(raw)
		if err != nil {
			l.dropped.Inc(1)
			continue
		}
		update.Source = corevotes.SourceTPU
		l.cache.InsertBatch([]corevotes.VoteUpdate{update}, false)
		l.ingested.Inc(1)
	}
}
