// Package config holds the small set of tunable constants paladin-core's
// components need, loaded from a TOML file via github.com/naoina/toml —
// the library go-ethereum itself vendors for its node config. Deep
// CLI/config parsing is explicitly out of scope; this is
// intentionally a flat struct with defaults, not a layered config system.
package config

import (
	"io"
	"os"

	"github.com/naoina/toml"
)

// Config is the full set of runtime-tunable constants the scheduler, rate
// limiter, ingress listeners and Paladin loop need at startup.
type Config struct {
	Scheduler   SchedulerConfig
	RateLimit   RateLimitConfig
	Ingress     IngressConfig
	PaladinLoop PaladinLoopConfig
}

type SchedulerConfig struct {
	NumWorkers              int `toml:"num_workers"`
	MaxComputeUnitsPerSlot  uint64 `toml:"max_cu_per_slot"`
	TargetBatchSize         int    `toml:"target_batch_size"`
	MaxScheduledPerCall     int    `toml:"max_scheduled_per_call"`
}

type RateLimitConfig struct {
	PacketsPerSecond  uint64 `toml:"packets_per_second"`
	UpdateIntervalSec int    `toml:"update_interval_sec"`
}

type IngressConfig struct {
	TCPBind     string `toml:"tcp_bind"`
	UDPBind     string `toml:"udp_bind"`
	QUICBind    string `toml:"quic_bind"`
	QUICMEVBind string `toml:"quic_mev_bind"`
	VotesBind   string `toml:"votes_bind"`
}

type PaladinLoopConfig struct {
	MaxBundleRetryMillis int `toml:"max_bundle_retry_millis"`
	ReservedComputeBps   int `toml:"reserved_compute_bps"`
}

// Default returns the built-in constants: per-slot compute budget and
// batch size, packets-per-second and refresh cadence, ingress bind
// addresses, and bundle-retry/reserved-compute tuning.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			NumWorkers:             4,
			MaxComputeUnitsPerSlot: 48_000_000,
			TargetBatchSize:        64,
			MaxScheduledPerCall:    100_000,
		},
		RateLimit: RateLimitConfig{
			PacketsPerSecond:  5_000,
			UpdateIntervalSec: 300,
		},
		Ingress: IngressConfig{
			TCPBind:     "0.0.0.0:4815",
			UDPBind:     "0.0.0.0:4818",
			QUICBind:    "0.0.0.0:4819",
			QUICMEVBind: "0.0.0.0:4820",
			VotesBind:   "0.0.0.0:4817",
		},
		PaladinLoop: PaladinLoopConfig{
			MaxBundleRetryMillis: 40,
			ReservedComputeBps:   8_000,
		},
	}
}

// Load reads a TOML config file, overlaying it on Default().
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := decode(f, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	return toml.NewDecoder(r).Decode(cfg)
}
