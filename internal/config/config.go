// Package config loads node configuration with koanf. Sources, lowest
// priority first: built-in defaults, a YAML file, FRINGE_* environment
// variables, explicit overrides (CLI flags).
//
// Environment keys use a double underscore between levels, so
// FRINGE_SYNC__MAX_RECORDS_PER_SEC sets sync.max_records_per_sec.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/fringe/pkg/fault"
	"github.com/ryandielhenn/fringe/pkg/merkle"
)

const EnvPrefix = "FRINGE_"

// DefaultPort is the API port assumed when an address omits one.
const DefaultPort = "9090"

type Config struct {
	Node   NodeSection   `koanf:"node"`
	Gossip GossipSection `koanf:"gossip"`
	Sync   SyncSection   `koanf:"sync"`
	Store  StoreSection  `koanf:"store"`
	Etcd   EtcdSection   `koanf:"etcd"`
	Log    LogSection    `koanf:"log"`
}

type NodeSection struct {
	// ID defaults to a fresh ULID.
	ID   string `koanf:"id"`
	Addr string `koanf:"addr"`
	// Bootstrap starts a new cluster; Join is ignored.
	Bootstrap bool     `koanf:"bootstrap"`
	Join      []string `koanf:"join"`
	// MetricsAddr serves /metrics; empty disables it.
	MetricsAddr string `koanf:"metrics_addr"`
}

type GossipSection struct {
	ProbeInterval    time.Duration `koanf:"probe_interval"`
	ProbeTimeout     time.Duration `koanf:"probe_timeout"`
	ProbeFanout      int           `koanf:"probe_fanout"`
	IndirectChecks   int           `koanf:"indirect_checks"`
	SuspectAfter     int           `koanf:"suspect_after"`
	SuspicionMult    int           `koanf:"suspicion_mult"`
	RetransmitMult   int           `koanf:"retransmit_mult"`
	GossipInterval   time.Duration `koanf:"gossip_interval"`
	GossipFanout     int           `koanf:"gossip_fanout"`
	MaxPiggyback     int           `koanf:"max_piggyback"`
	PushPullInterval time.Duration `koanf:"push_pull_interval"`
	DeadReapTimeout  time.Duration `koanf:"dead_reap_timeout"`
}

type SyncSection struct {
	Depth int `koanf:"depth"`
	// Interval between autonomous anti-entropy rounds; 0 disables them.
	Interval time.Duration `koanf:"interval"`
	Timeout  time.Duration `koanf:"timeout"`
	// Partners synced per round.
	Partners         int     `koanf:"partners"`
	MaxRecordsPerSec float64 `koanf:"max_records_per_sec"`
	// RequestsPerSec limits POST /sync; 0 disables the limit.
	RequestsPerSec float64 `koanf:"requests_per_sec"`
}

type StoreSection struct {
	// CapacityBytes bounds stored values; 0 is unlimited.
	CapacityBytes int `koanf:"capacity_bytes"`
}

type EtcdSection struct {
	// Endpoints enable etcd seed discovery when non-empty.
	Endpoints   []string      `koanf:"endpoints"`
	Prefix      string        `koanf:"prefix"`
	LeaseTTL    int64         `koanf:"lease_ttl"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func Default() Config {
	return Config{
		Node: NodeSection{
			Addr:        "127.0.0.1:" + DefaultPort,
			MetricsAddr: ":9100",
		},
		Gossip: GossipSection{
			ProbeInterval:    time.Second,
			ProbeTimeout:     500 * time.Millisecond,
			ProbeFanout:      1,
			IndirectChecks:   3,
			SuspectAfter:     2,
			SuspicionMult:    4,
			RetransmitMult:   4,
			GossipInterval:   200 * time.Millisecond,
			GossipFanout:     3,
			MaxPiggyback:     8,
			PushPullInterval: 30 * time.Second,
			DeadReapTimeout:  60 * time.Second,
		},
		Sync: SyncSection{
			Depth:          merkle.DefaultDepth,
			Interval:       10 * time.Second,
			Timeout:        30 * time.Second,
			Partners:       1,
			RequestsPerSec: 5,
		},
		Store: StoreSection{CapacityBytes: 64 << 20},
		Etcd: EtcdSection{
			Prefix:      "/fringe/nodes/",
			LeaseTTL:    10,
			DialTimeout: 5 * time.Second,
		},
		Log: LogSection{Level: "info", Format: "json"},
	}
}

// Load layers path (optional), the environment and overrides (flat dotted
// keys, e.g. "node.addr") over Default, then validates the result.
func Load(path string, overrides map[string]any) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(mapProvider(overrides), nil); err != nil {
			return Config{}, fmt.Errorf("load overrides: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps FRINGE_SYNC__MAX_RECORDS_PER_SEC to sync.max_records_per_sec.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{fault.ErrInvalid}, args...)...))
	}

	if _, _, err := net.SplitHostPort(c.Node.Addr); err != nil {
		bad("node.addr %q: %v", c.Node.Addr, err)
	}
	if c.Node.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.Node.MetricsAddr); err != nil {
			bad("node.metrics_addr %q: %v", c.Node.MetricsAddr, err)
		}
	}

	g := c.Gossip
	if g.ProbeInterval <= 0 || g.ProbeTimeout <= 0 || g.GossipInterval <= 0 ||
		g.PushPullInterval <= 0 || g.DeadReapTimeout <= 0 {
		bad("gossip intervals and timeouts must be positive")
	}
	if g.ProbeTimeout >= g.ProbeInterval {
		bad("gossip.probe_timeout (%s) must be shorter than gossip.probe_interval (%s)", g.ProbeTimeout, g.ProbeInterval)
	}
	if g.ProbeFanout < 1 || g.IndirectChecks < 0 || g.SuspectAfter < 1 ||
		g.SuspicionMult < 1 || g.RetransmitMult < 1 || g.GossipFanout < 1 || g.MaxPiggyback < 1 {
		bad("gossip counts and multipliers must be at least 1")
	}

	s := c.Sync
	if s.Depth < merkle.MinDepth || s.Depth > merkle.MaxDepth {
		bad("sync.depth %d out of range [%d,%d]", s.Depth, merkle.MinDepth, merkle.MaxDepth)
	}
	if s.Interval < 0 || s.Timeout <= 0 {
		bad("sync.interval must be >= 0 and sync.timeout > 0")
	}
	if s.Partners < 1 {
		bad("sync.partners must be at least 1")
	}
	if s.MaxRecordsPerSec < 0 || s.RequestsPerSec < 0 {
		bad("sync rate limits must be >= 0")
	}

	if c.Store.CapacityBytes < 0 {
		bad("store.capacity_bytes must be >= 0")
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.LeaseTTL < 1 {
		bad("etcd.lease_ttl must be at least 1")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		bad("log.level %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		bad("log.format %q (want json or console)", c.Log.Format)
	}
	return errors.Join(errs...)
}

// mapProvider feeds a plain map to koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

// Read unflattens dotted keys so they merge with nested file and env data.
func (m mapProvider) Read() (map[string]any, error) {
	out := make(map[string]any)
	for key, v := range m {
		parts := strings.Split(key, ".")
		cur := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = v
	}
	return out, nil
}
