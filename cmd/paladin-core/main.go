// Command paladin-core starts the bundle admission/execution-scheduling
// pipeline: it wires the config, logging and metrics packages to the
// ingress listeners, BundleLocker, Scheduler and PaladinLoop, then runs
// until an OS signal requests shutdown.
//
// Deep CLI/config parsing is intentionally minimal; this entrypoint uses
// github.com/urfave/cli/v2 only far enough to start the pipeline, matching
// the "thin cmd, real core" shape of go-ethereum's own cmd/geth relative
// to its internal packages.
package main

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/paladin-labs/paladin-core/common"
	"github.com/paladin-labs/paladin-core/config"
	"github.com/paladin-labs/paladin-core/core/execution"
	"github.com/paladin-labs/paladin-core/core/locker"
	"github.com/paladin-labs/paladin-core/core/paladin"
	"github.com/paladin-labs/paladin-core/core/ratelimit"
	"github.com/paladin-labs/paladin-core/core/types"
	corevotes "github.com/paladin-labs/paladin-core/core/votes"
	"github.com/paladin-labs/paladin-core/ingress/quic"
	"github.com/paladin-labs/paladin-core/ingress/tcp"
	"github.com/paladin-labs/paladin-core/ingress/udp"
	"github.com/paladin-labs/paladin-core/ingress/votes"
	plog "github.com/paladin-labs/paladin-core/log"
	"github.com/paladin-labs/paladin-core/metrics"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to a TOML config file overlaying the built-in defaults",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity: 0=crit 1=error 2=warn 3=info 4=debug 5=trace",
		Value: 3,
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "optional rotating file sink for environmental-error logs",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "address to serve Prometheus metrics on",
		Value: "127.0.0.1:9615",
	}
	tcpBindFlag = &cli.StringFlag{
		Name:    "tcp.bind",
		Usage:   "bundle-ingress TCP bind address",
		EnvVars: []string{"PALADIN_TX_ENDPOINT"},
	}
	udpBindFlag     = &cli.StringFlag{Name: "udp.bind", Usage: "single-tx UDP ingress bind address"}
	votesBindFlag   = &cli.StringFlag{Name: "votes.bind", Usage: "TPU vote-ingest UDP bind address"}
	quicBindFlag    = &cli.StringFlag{Name: "quic.bind", Usage: "regular staked QUIC socket bind address"}
	quicMEVBindFlag = &cli.StringFlag{Name: "quic.mev.bind", Usage: "MEV staked QUIC socket bind address"}
	quicCertFlag    = &cli.StringFlag{Name: "quic.tls.cert", Usage: "TLS certificate file for the staked QUIC sockets"}
	quicKeyFlag     = &cli.StringFlag{Name: "quic.tls.key", Usage: "TLS key file for the staked QUIC sockets"}
	lockupPathFlag  = &cli.StringFlag{Name: "lockup.path", Usage: "path to a serialized lockup-pool snapshot gating staked QUIC admission"}
)

func main() {
	app := &cli.App{
		Name:  "paladin-core",
		Usage: "bundle admission and execution-scheduling pipeline",
		Flags: []cli.Flag{
			configFlag, verbosityFlag, logFileFlag, metricsAddrFlag,
			tcpBindFlag, udpBindFlag, votesBindFlag, quicBindFlag,
			quicMEVBindFlag, quicCertFlag, quicKeyFlag, lockupPathFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	handler := plog.NewGlogHandler(plog.NewTerminalHandler(os.Stderr, true))
	handler.Verbosity(verbosityLevel(c.Int(verbosityFlag.Name)))
	if path := c.String(logFileFlag.Name); path != "" {
		multi := plog.MultiHandler{
			plog.NewTerminalHandler(os.Stderr, true),
			plog.NewFileHandler(plog.FileHandlerConfig{
				Path: path, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28, Compress: true,
				Level: plog.LevelWarn,
			}),
		}
		handler = plog.NewGlogHandler(multi)
		handler.Verbosity(verbosityLevel(c.Int(verbosityFlag.Name)))
	}
	plog.SetDefault(handler)
	logger := plog.New("pkg", "cmd/paladin-core")

	cfg := config.Default()
	if path := c.String(configFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	applyBindOverrides(&cfg, c)

	registry := metrics.DefaultRegistry
	sink := metrics.NewPrometheusSink(registry, "paladin")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdown := &atomic.Bool{}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		shutdown.Store(true)
		cancel()
	}()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(sink.Gatherer(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: c.String(metricsAddrFlag.Name), Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				sink.Collect()
			}
		}
	})

	bundleLocker := locker.New()

	applier := &logOnlyApplier{logger: plog.New("pkg", "cmd/paladin-core", "component", "applier")}
	executor := execution.New(cfg.Scheduler.NumWorkers, cfg.Scheduler.MaxComputeUnitsPerSlot, cfg.Scheduler.TargetBatchSize, applier)

	ingressCh := make(chan paladin.IngressBatch, 1024)

	loop := paladin.New(
		cfg.PaladinLoop,
		bundleLocker,
		passthroughSanitizer{},
		&manualDecisionMaker{},
		executor,
		ingressCh,
		shutdown,
		paladin.WithMetricsRegistry(registry),
	)

	group.Go(func() error {
		loop.Run(ctx)
		return nil
	})

	decoder := passthroughDecoder{}

	if cfg.Ingress.TCPBind != "" {
		listener := tcp.New(cfg.Ingress.TCPBind, decoder, ingressCh)
		group.Go(func() error { return listener.Serve(ctx) })
	}

	if cfg.Ingress.UDPBind != "" {
		listener, err := udp.New(cfg.Ingress.UDPBind, udpDecoder{}, ingressCh)
		if err != nil {
			return fmt.Errorf("binding udp ingress: %w", err)
		}
		group.Go(func() error {
			<-ctx.Done()
			return listener.Close()
		})
		group.Go(func() error { listener.Serve(ctx); return nil })
	}

	// The lockup-pool snapshot is the one stake source both the staked QUIC
	// gate and the vote cache's staked-nodes view derive from.
	stakes, totalStake, err := loadLockupStakes(c.String(lockupPathFlag.Name))
	if err != nil {
		return fmt.Errorf("loading lockup pool: %w", err)
	}

	voteCache := corevotes.New()
	chainView := snapshotChainView{epoch: 1, stakes: stakes}
	voteCache.CacheEpochBoundaryInfo(chainView)

	if cfg.Ingress.VotesBind != "" {
		listener, err := votes.New(cfg.Ingress.VotesBind, voteDecoder{}, voteCache)
		if err != nil {
			return fmt.Errorf("binding vote ingress: %w", err)
		}
		group.Go(func() error {
			<-ctx.Done()
			return listener.Close()
		})
		group.Go(func() error { listener.Serve(ctx); return nil })
		group.Go(func() error { return runVoteMaintenance(ctx, voteCache, chainView, registry) })
	}

	// QUIC ingress needs TLS certificate material and a stake set to admit
	// connections against; both are operator-supplied, so the staked QUIC
	// sockets only start once --quic.tls.cert/--quic.tls.key are given
	// (the other ingress adapters need only a bind address).
	if certPath, keyPath := c.String(quicCertFlag.Name), c.String(quicKeyFlag.Name); certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return fmt.Errorf("loading quic tls material: %w", err)
		}
		tlsConf := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"paladin-core"}}

		rateLimiter := ratelimit.New(int64(cfg.RateLimit.PacketsPerSecond))
		gate := &stakeGate{stakes: stakes, totalStake: totalStake, limiter: rateLimiter}

		regular := quic.New(quic.SocketRegular, cfg.Ingress.QUICBind, tlsConf, decoder, gate, ingressCh)
		mev := quic.New(quic.SocketMEV, cfg.Ingress.QUICMEVBind, tlsConf, decoder, gate, ingressCh)
		group.Go(func() error { return regular.Serve(ctx) })
		group.Go(func() error { return mev.Serve(ctx) })
	} else {
		logger.Warn("quic ingress disabled: no TLS certificate configured", "cert_flag", quicCertFlag.Name)
	}

	logger.Info("paladin-core started",
		"tcp", cfg.Ingress.TCPBind, "udp", cfg.Ingress.UDPBind,
		"votes", cfg.Ingress.VotesBind, "metrics", c.String(metricsAddrFlag.Name))

	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("paladin-core stopped")
	return nil
}

func applyBindOverrides(cfg *config.Config, c *cli.Context) {
	if v := c.String(tcpBindFlag.Name); v != "" {
		cfg.Ingress.TCPBind = v
	}
	if v := c.String(udpBindFlag.Name); v != "" {
		cfg.Ingress.UDPBind = v
	}
	if v := c.String(votesBindFlag.Name); v != "" {
		cfg.Ingress.VotesBind = v
	}
	if v := c.String(quicBindFlag.Name); v != "" {
		cfg.Ingress.QUICBind = v
	}
	if v := c.String(quicMEVBindFlag.Name); v != "" {
		cfg.Ingress.QUICMEVBind = v
	}
}

func verbosityLevel(v int) plog.Level {
	switch {
	case v <= 0:
		return plog.LevelCrit
	case v == 1:
		return plog.LevelError
	case v == 2:
		return plog.LevelWarn
	case v == 3:
		return plog.LevelInfo
	case v == 4:
		return plog.LevelDebug
	default:
		return plog.LevelTrace
	}
}

// passthroughDecoder treats a raw ingress payload as an already-formed,
// single-account transaction. Real signature verification and account-list
// parsing are external collaborators; this stands in for them until a
// wire-format decoder is wired in, matching go-ethereum's own
// miner/test_backend.go pattern of a minimal backend satisfying a
// production interface.
type passthroughDecoder struct{}

func (passthroughDecoder) DecodeTransaction(raw []byte) (*types.Transaction, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("cmd/paladin-core: empty transaction payload")
	}
	account := common.BytesToAccountKey(raw[:min(len(raw), common.AccountKeyLength)])
	return types.NewTransaction(
		[]types.AccountMeta{{Key: account, Writable: true}},
		1, uint64(len(raw)), 1, raw,
	), nil
}

type udpDecoder struct{ passthroughDecoder }

func (udpDecoder) Signature(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("cmd/paladin-core: empty datagram")
	}
	return raw[:min(len(raw), 64)], nil
}

// loadLockupStakes reads a serialized lockup-pool snapshot from path. An
// empty path yields an empty table, the conservative default absent real
// stake data: nothing is admitted, no votes survive the zero-stake filter.
func loadLockupStakes(path string) (map[common.AccountKey]uint64, uint64, error) {
	stakes := make(map[common.AccountKey]uint64)
	if path == "" {
		return stakes, 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	entries, err := ratelimit.DecodeLockupPool(data)
	if err != nil {
		return nil, 0, err
	}
	var total uint64
	for _, e := range entries {
		stakes[e.Key] += e.Amount
		total += e.Amount
	}
	return stakes, total, nil
}

// stakeGate resolves QUIC connection admission against a lockup-pool
// snapshot and meters admitted identities through a shared
// RateLimiter, giving the staked QUIC sockets a real stake-weighted
// admission check rather than an always-true placeholder.
type stakeGate struct {
	stakes     map[common.AccountKey]uint64
	totalStake uint64
	limiter    *ratelimit.Limiter
	nextConnID atomic.Uint64
}

func (g *stakeGate) IsStaked(identity common.AccountKey) bool {
	amount, ok := g.stakes[identity]
	if !ok || amount == 0 {
		return false
	}
	connID := g.nextConnID.Add(1)
	return g.limiter.AdmitStaked(connID, identity, amount, g.totalStake)
}

// snapshotChainView serves epoch/stake queries from the lockup-pool
// snapshot loaded at startup. A live cluster view (epoch schedule, stake
// delegation) is an external collaborator; the snapshot stands in for it.
type snapshotChainView struct {
	epoch  uint64
	stakes map[common.AccountKey]uint64
}

func (v snapshotChainView) CurrentEpoch() uint64 { return v.epoch }
func (v snapshotChainView) StakedNodes(uint64) map[common.AccountKey]uint64 {
	return v.stakes
}
func (v snapshotChainView) FeatureFlags(uint64) map[string]bool { return nil }

// voteDecoder reads the compact vote datagram layout
// {validator(32), slot(8 LE), has_ts(1), ts(8 LE), packet...}. Vote
// signature verification is an external collaborator.
type voteDecoder struct{}

func (voteDecoder) DecodeVote(raw []byte) (corevotes.VoteUpdate, error) {
	const header = common.AccountKeyLength + 8 + 1
	if len(raw) < header {
		return corevotes.VoteUpdate{}, fmt.Errorf("cmd/paladin-core: vote datagram too short: %d bytes", len(raw))
	}
	u := corevotes.VoteUpdate{
		Validator: common.BytesToAccountKey(raw[:common.AccountKeyLength]),
		Slot:      binary.LittleEndian.Uint64(raw[common.AccountKeyLength : common.AccountKeyLength+8]),
		Packet:    raw,
	}
	if raw[common.AccountKeyLength+8] != 0 {
		if len(raw) < header+8 {
			return corevotes.VoteUpdate{}, fmt.Errorf("cmd/paladin-core: vote datagram missing timestamp")
		}
		ts := int64(binary.LittleEndian.Uint64(raw[header : header+8]))
		u.Timestamp = &ts
	}
	return u, nil
}

// forwardBudget bounds how many vote packets one maintenance tick may hand
// downstream; the first rejection stops the stake-weighted walk, matching
// the regular-transaction forwarding discipline.
const forwardBudget = 512

type forwardAccumulator struct {
	remaining int
	forwarded metrics.Counter
}

func (a *forwardAccumulator) TryAdd(_ common.AccountKey, _ []byte) bool {
	if a.remaining == 0 {
		return false
	}
	a.remaining--
	a.forwarded.Inc(1)
	return true
}

// runVoteMaintenance ticks the vote cache: refresh epoch-boundary info,
// walk forwardable packets in stake-weighted order, then drop what was
// forwarded.
func runVoteMaintenance(ctx context.Context, cache *corevotes.LatestVotes, view corevotes.ChainView, registry *metrics.Registry) error {
	logger := plog.New("pkg", "cmd/paladin-core", "component", "votes")
	forwarded := metrics.NewRegisteredCounter("votes/forwarded", registry)
	unprocessed := metrics.NewRegisteredGauge("votes/unprocessed", registry)

	// Buffered so the tick below, which itself triggers the swap, never
	// blocks on its own notification.
	epochCh := make(chan *corevotes.StakeTable, 1)
	sub, err := cache.SubscribeEpochBoundary(epochCh)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case table := <-epochCh:
			logger.Info("epoch boundary crossed", "epoch", table.Epoch, "staked_nodes", len(table.Stake))
		case <-ticker.C:
			cache.CacheEpochBoundaryInfo(view)
			cache.GetAndInsertForwardablePackets(view, &forwardAccumulator{remaining: forwardBudget, forwarded: forwarded})
			cache.ClearForwardedPackets()
			unprocessed.Update(cache.UnprocessedCount())
		}
	}
}

// passthroughSanitizer performs no chain-view validation: real sanitization
// needs a live account/chain view, an external collaborator.
type passthroughSanitizer struct{}

func (passthroughSanitizer) SanitizeBundle(raw *types.Bundle) (*types.Bundle, error) {
	return raw, nil
}

// manualDecisionMaker always holds, the conservative default absent a real
// leader-schedule oracle. A production deployment replaces this with one
// that reports Consume only during this node's leader slots.
type manualDecisionMaker struct{}

func (*manualDecisionMaker) Decide() paladin.Decision {
	return paladin.Decision{Kind: paladin.DecisionHold}
}

// logOnlyApplier stands in for the execution layer (account debits,
// program invocation, ledger writes); it reports every transaction as
// committed so the scheduling pipeline above it can be exercised end to
// end.
type logOnlyApplier struct {
	logger plog.Logger
}

func (a *logOnlyApplier) Apply(_ context.Context, tx *types.Transaction, _ paladin.BankStart) bool {
	a.logger.Debug("applying transaction", "compute_units", tx.ComputeUnits(), "priority", tx.Priority())
	return true
}
