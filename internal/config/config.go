// Package config loads the node's YAML configuration and applies
// MNNET_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mnnet/internal/debuglog"
	"mnnet/internal/params"
	"mnnet/internal/proto"
)

type Config struct {
	Network string `yaml:"network"`
	Home    string `yaml:"home"`
	Listen  string `yaml:"listen"`
	// ExternalAddr is the endpoint announced in our broadcast. Empty means
	// detect from the listen socket.
	ExternalAddr string `yaml:"external_addr"`

	Masternode      bool   `yaml:"masternode"`
	OperatorKeyFile string `yaml:"operator_key_file"`
	// Collateral pins the collateral output as txid:index.
	Collateral string `yaml:"collateral"`
	WalletFile string `yaml:"wallet_file"`
	// ChainFeed is a JSONL block feed consumed by the chain view.
	ChainFeed string `yaml:"chain_feed"`

	Bootstrap []string     `yaml:"bootstrap"`
	Intervals Intervals    `yaml:"intervals"`
	Gossip    GossipConfig `yaml:"gossip"`

	Log         debuglog.Config `yaml:"log"`
	MetricsPath string          `yaml:"metrics_path"`
}

type Intervals struct {
	Tick  time.Duration `yaml:"tick"`
	Check time.Duration `yaml:"check"`
	Dump  time.Duration `yaml:"dump"`
}

type GossipConfig struct {
	Fanout          int     `yaml:"fanout"`
	MaxConnsPerIP   int     `yaml:"max_conns_per_ip"`
	MaxStreamsPerIP int     `yaml:"max_streams_per_ip"`
	MsgRate         float64 `yaml:"msg_rate"`
	MsgBurst        int     `yaml:"msg_burst"`
	PeerCap         int     `yaml:"peer_cap"`
}

const (
	defaultHome = ".mnnet"

	registryFile = "registry.cbor"
	peersFile    = "peers.jsonl"
)

func Default() Config {
	home := defaultHome
	if dir, err := os.UserHomeDir(); err == nil {
		home = filepath.Join(dir, defaultHome)
	}
	return Config{
		Network: string(params.Main),
		Home:    home,
		Listen:  fmt.Sprintf("0.0.0.0:%d", params.MainnetPort()),
		Intervals: Intervals{
			Tick:  time.Second,
			Check: time.Minute,
			Dump:  params.DumpInterval,
		},
		Gossip: GossipConfig{
			Fanout:          8,
			MaxConnsPerIP:   8,
			MaxStreamsPerIP: 64,
			MsgRate:         100,
			MsgBurst:        200,
			PeerCap:         512,
		},
	}
}

// Load reads path over Default and applies env overrides. An empty path
// yields the defaults plus env.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from MNNET_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("MNNET_NETWORK", &cfg.Network)
	str("MNNET_HOME", &cfg.Home)
	str("MNNET_LISTEN", &cfg.Listen)
	str("MNNET_EXTERNAL_ADDR", &cfg.ExternalAddr)
	str("MNNET_OPERATOR_KEY_FILE", &cfg.OperatorKeyFile)
	str("MNNET_COLLATERAL", &cfg.Collateral)
	str("MNNET_WALLET_FILE", &cfg.WalletFile)
	str("MNNET_CHAIN_FEED", &cfg.ChainFeed)
	str("MNNET_LOG_LEVEL", &cfg.Log.Level)
	str("MNNET_LOG_OUTPUT", &cfg.Log.Output)
	str("MNNET_METRICS_PATH", &cfg.MetricsPath)
	if v, ok := lookup("MNNET_MASTERNODE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MNNET_MASTERNODE: %w", err)
		}
		cfg.Masternode = b
	}
	if v, ok := lookup("MNNET_BOOTSTRAP"); ok && v != "" {
		cfg.Bootstrap = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Bootstrap = append(cfg.Bootstrap, p)
			}
		}
	}
	if v, ok := lookup("MNNET_FANOUT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("MNNET_FANOUT must be a positive integer: %q", v)
		}
		cfg.Gossip.Fanout = n
	}
	if v, ok := lookup("MNNET_TICK"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MNNET_TICK: %w", err)
		}
		cfg.Intervals.Tick = d
	}
	return nil
}

// Validate checks the network and, for masternodes, applies the reserved
// port rule to the announced endpoint.
func (c Config) Validate() error {
	n, err := params.ParseNetwork(c.Network)
	if err != nil {
		return err
	}
	if c.Listen == "" {
		return errors.New("listen address required")
	}
	if c.Intervals.Tick <= 0 || c.Intervals.Check <= 0 || c.Intervals.Dump <= 0 {
		return errors.New("intervals must be positive")
	}
	if c.Collateral != "" {
		if _, err := proto.ParseOutpoint(c.Collateral); err != nil {
			return fmt.Errorf("collateral: %w", err)
		}
	}
	if !c.Masternode {
		return nil
	}
	if c.OperatorKeyFile == "" {
		return errors.New("masternode mode requires operator_key_file")
	}
	if c.ExternalAddr != "" {
		if err := params.CheckEndpoint(n, c.ExternalAddr); err != nil {
			return fmt.Errorf("external_addr: %w", err)
		}
	}
	return nil
}

func (c Config) NetworkID() params.Network {
	n, err := params.ParseNetwork(c.Network)
	if err != nil {
		return params.Main
	}
	return n
}

func (c Config) RegistryPath() string {
	return filepath.Join(c.Home, registryFile)
}

func (c Config) PeersPath() string {
	return filepath.Join(c.Home, peersFile)
}

// WalletPath defaults to wallet.json under Home.
func (c Config) WalletPath() string {
	if c.WalletFile != "" {
		return c.WalletFile
	}
	return filepath.Join(c.Home, "wallet.json")
}
