// Package config holds the operator-tunable knobs enumerated in spec §6.
// It carries no CLI flag parsing (spec §1's non-goals) — only a typed
// struct of defaults and a viper-backed loader callers may use to merge a
// config file or environment variables over them.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/eth-classic/kademlia/dht/identifier"
	"github.com/eth-classic/kademlia/mlog"
)

// Defaults, per spec §6.
const (
	DefaultK       = 20
	DefaultAlpha   = 3
	DefaultTCron   = 30 * time.Minute
	DefaultTStale  = 1 * time.Hour
	DefaultTSweep  = 5 * time.Second // one quarter of DefaultTReq
	DefaultTReq    = 20 * time.Second
)

// BootstrapPeer is a seed contact point used for the initial self-lookup.
type BootstrapPeer struct {
	ID      identifier.ID
	Address string
}

// Config is the full set of spec §6 operator-tunable options.
type Config struct {
	// K is the maximum number of peers held in any single k-bucket.
	K int
	// Alpha is the iterative-lookup parallelism factor.
	Alpha int
	// TCron is the CRON maintenance-loop period.
	TCron time.Duration
	// TStale is the bucket freshness horizon before a refresh is due.
	TStale time.Duration
	// TSweep is the supervisor cleaner-loop period.
	TSweep time.Duration
	// TReq is the default per-request timeout.
	TReq time.Duration
	// Bootstrap is the seed peer list used for the initial self-lookup.
	Bootstrap []BootstrapPeer
	// LocalID overrides the randomly generated node id; zero-value means
	// "generate one". Intended for tests and reproducible bootstrap nodes.
	LocalID *identifier.ID
	// IPDiversitySubnet and IPDiversityLimit configure the optional
	// per-bucket IP-diversity supplement (SPEC_FULL.md, adapted from the
	// teacher's p2p/distip): at most IPDiversityLimit peers sharing an
	// IPDiversitySubnet-bit network prefix may occupy the same bucket.
	// IPDiversityLimit == 0 disables the supplement entirely, which is the
	// default — the core spec places no diversity requirement on
	// Peer.Address.
	IPDiversitySubnet uint
	IPDiversityLimit  uint
}

// Default returns a Config populated with the spec §6 defaults and no
// bootstrap peers or local-id override.
func Default() Config {
	return Config{
		K:      DefaultK,
		Alpha:  DefaultAlpha,
		TCron:  DefaultTCron,
		TStale: DefaultTStale,
		TSweep: DefaultTSweep,
		TReq:   DefaultTReq,
	}
}

// Validate enforces the spec §7 "Configuration" error class: invalid k,
// alpha, or bootstrap entries are fatal at startup, never at runtime.
func (c Config) Validate() error {
	err := c.validate()
	if err != nil {
		mlog.Event(mlog.EventConfigurationError).Warn("invalid configuration", zap.Error(err))
	}
	return err
}

func (c Config) validate() error {
	if c.K <= 0 {
		return fmt.Errorf("config: k must be positive, got %d", c.K)
	}
	if c.K > identifier.NumBits {
		return fmt.Errorf("config: k must be <= %d buckets, got %d", identifier.NumBits, c.K)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("config: alpha must be positive, got %d", c.Alpha)
	}
	if c.TCron <= 0 || c.TStale <= 0 || c.TSweep <= 0 || c.TReq <= 0 {
		return fmt.Errorf("config: all durations must be positive")
	}
	for i, b := range c.Bootstrap {
		if b.Address == "" {
			return fmt.Errorf("config: bootstrap[%d] has empty address", i)
		}
	}
	return nil
}

// Load merges a config file and environment variables (prefixed KADEMLIA_)
// over Default() using viper, returning the result. path may be empty, in
// which case only environment variables and defaults apply. This is the
// one place viper is used; nothing else in this module reads it, and
// callers are free to build a Config by hand instead (e.g. in tests).
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("KADEMLIA")
	v.AutomaticEnv()
	v.SetDefault("k", cfg.K)
	v.SetDefault("alpha", cfg.Alpha)
	v.SetDefault("t_cron", cfg.TCron)
	v.SetDefault("t_stale", cfg.TStale)
	v.SetDefault("t_sweep", cfg.TSweep)
	v.SetDefault("t_req", cfg.TReq)
	v.SetDefault("ip_diversity_subnet", cfg.IPDiversitySubnet)
	v.SetDefault("ip_diversity_limit", cfg.IPDiversityLimit)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg.K = v.GetInt("k")
	cfg.Alpha = v.GetInt("alpha")
	cfg.TCron = v.GetDuration("t_cron")
	cfg.TStale = v.GetDuration("t_stale")
	cfg.TSweep = v.GetDuration("t_sweep")
	cfg.TReq = v.GetDuration("t_req")
	cfg.IPDiversitySubnet = uint(v.GetInt("ip_diversity_subnet"))
	cfg.IPDiversityLimit = uint(v.GetInt("ip_diversity_limit"))

	if localIDHex := v.GetString("local_id"); localIDHex != "" {
		id, err := identifier.ParseHex(localIDHex)
		if err != nil {
			return Config{}, fmt.Errorf("config: local_id: %w", err)
		}
		cfg.LocalID = &id
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
