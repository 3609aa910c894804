// Package config loads node configuration from a YAML file, CORE_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
    "errors"
    "fmt"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"

    "github.com/amirimatin/go-clustercore/pkg/security/tlsconfig"
)

const EnvPrefix = "CORE"

// Config is the full node configuration.
type Config struct {
    Node       NodeConfig       `mapstructure:"node"`
    Version    string           `mapstructure:"version"`
    DataDir    string           `mapstructure:"data_dir"`
    Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
    Sync       SyncConfig       `mapstructure:"sync"`
    Status     StatusConfig     `mapstructure:"status"`
    Mgmt       MgmtConfig       `mapstructure:"mgmt"`
    Raft       RaftConfig       `mapstructure:"raft"`
    Membership MembershipConfig `mapstructure:"membership"`
    Discovery  DiscoveryConfig  `mapstructure:"discovery"`
    TLS        TLSConfig        `mapstructure:"tls"`
    Services   []ServiceConfig  `mapstructure:"services"`
    Log        LogConfig        `mapstructure:"log"`
    Trace      bool             `mapstructure:"trace"`
}

type NodeConfig struct {
    FQDN string `mapstructure:"fqdn"`
    IP   string `mapstructure:"ip"`
}

// HeartbeatConfig: Interval is the ceiling of the adaptive rate, counted in
// Unit steps.
type HeartbeatConfig struct {
    Interval time.Duration `mapstructure:"interval"`
    Unit     time.Duration `mapstructure:"unit"`
    MaxRTT   time.Duration `mapstructure:"max_rtt"`
    Timeout  time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
    Timeout time.Duration `mapstructure:"timeout"`
}

type StatusConfig struct {
    MaxAge time.Duration `mapstructure:"max_age"`
}

type MgmtConfig struct {
    Addr     string `mapstructure:"addr"`
    Proto    string `mapstructure:"proto"`
    PeerPort int    `mapstructure:"peer_port"`
}

// RaftConfig: an empty Addr runs the node without a consensus engine, which
// only suits single-node clusters.
type RaftConfig struct {
    Addr      string `mapstructure:"addr"`
    Dir       string `mapstructure:"dir"`
    Bootstrap bool   `mapstructure:"bootstrap"`
}

// MembershipConfig: an empty Bind disables gossip.
type MembershipConfig struct {
    Bind      string   `mapstructure:"bind"`
    Advertise string   `mapstructure:"advertise"`
    Seeds     []string `mapstructure:"seeds"`
}

// DiscoveryConfig selects where gossip seeds come from: the configured
// topology, membership.seeds (static) or DNS.
type DiscoveryConfig struct {
    Kind     string        `mapstructure:"kind"`
    DNSNames []string      `mapstructure:"dns_names"`
    DNSPort  int           `mapstructure:"dns_port"`
    Refresh  time.Duration `mapstructure:"refresh"`
}

type TLSConfig struct {
    Enable             bool   `mapstructure:"enable"`
    CAFile             string `mapstructure:"ca_file"`
    CertFile           string `mapstructure:"cert_file"`
    KeyFile            string `mapstructure:"key_file"`
    InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
    ServerName         string `mapstructure:"server_name"`
}

// Options converts to the tls helper's options.
func (t TLSConfig) Options() tlsconfig.Options {
    return tlsconfig.Options{
        Enable:             t.Enable,
        CAFile:             t.CAFile,
        CertFile:           t.CertFile,
        KeyFile:            t.KeyFile,
        InsecureSkipVerify: t.InsecureSkipVerify,
        ServerName:         t.ServerName,
    }
}

// ServiceConfig is an HTTP health check reported under Name. Order matters:
// it is the status reduction order.
type ServiceConfig struct {
    Name string `mapstructure:"name"`
    URL  string `mapstructure:"url"`
}

type LogConfig struct {
    Level  string `mapstructure:"level"`
    Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults and environment binding set up.
// Callers may bind flags onto it before calling Load.
func New() *viper.Viper {
    v := viper.New()
    setDefaults(v)
    v.SetEnvPrefix(EnvPrefix)
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    v.AutomaticEnv()
    return v
}

// Load reads path (optional) into v and returns the validated config.
func Load(v *viper.Viper, path string) (*Config, error) {
    if v == nil { v = New() }
    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("clustercore")
        v.SetConfigType("yaml")
        v.AddConfigPath(".")
        v.AddConfigPath("/etc/clustercore/")
    }
    if err := v.ReadInConfig(); err != nil {
        var nf viper.ConfigFileNotFoundError
        if path != "" || !errors.As(err, &nf) { return nil, fmt.Errorf("failed to read config file: %w", err) }
    }
    var cfg Config
    if err := v.Unmarshal(&cfg); err != nil { return nil, fmt.Errorf("failed to unmarshal config: %w", err) }
    if cfg.Raft.Dir == "" && cfg.DataDir != "" { cfg.Raft.Dir = filepath.Join(cfg.DataDir, "raft") }
    if cfg.TLS.Enable && cfg.TLS.CAFile == "" && cfg.DataDir != "" {
        cfg.TLS.CAFile = filepath.Join(cfg.DataDir, "ca", "root.crt")
    }
    if err := cfg.Validate(); err != nil { return nil, fmt.Errorf("config validation failed: %w", err) }
    return &cfg, nil
}

func setDefaults(v *viper.Viper) {
    v.SetDefault("version", "0.1.0")
    v.SetDefault("data_dir", "/etc/clustercore")

    v.SetDefault("heartbeat.interval", "30s")
    v.SetDefault("heartbeat.unit", "1s")
    v.SetDefault("heartbeat.max_rtt", "150ms")
    v.SetDefault("heartbeat.timeout", "1666ms")
    v.SetDefault("sync.timeout", "5s")
    v.SetDefault("status.max_age", "10s")

    v.SetDefault("mgmt.addr", ":17946")
    v.SetDefault("mgmt.proto", "http")
    v.SetDefault("mgmt.peer_port", 17946)

    v.SetDefault("discovery.kind", "topology")
    v.SetDefault("discovery.dns_port", 7946)
    v.SetDefault("discovery.refresh", "5s")

    v.SetDefault("log.level", "info")
    v.SetDefault("log.format", "console")
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
    if c.Node.FQDN == "" { return fmt.Errorf("node.fqdn is required") }
    if c.Version == "" { return fmt.Errorf("version is required") }
    if c.DataDir == "" { return fmt.Errorf("data_dir is required") }
    if c.Heartbeat.Unit <= 0 { return fmt.Errorf("heartbeat.unit must be positive") }
    if c.Heartbeat.Interval < c.Heartbeat.Unit { return fmt.Errorf("heartbeat.interval must be at least heartbeat.unit") }
    if c.Heartbeat.Timeout <= 0 || c.Sync.Timeout <= 0 { return fmt.Errorf("timeouts must be positive") }
    switch c.Mgmt.Proto {
    case "http", "grpc":
    default:
        return fmt.Errorf("mgmt.proto must be http or grpc, got %q", c.Mgmt.Proto)
    }
    switch c.Discovery.Kind {
    case "topology", "static", "dns":
    default:
        return fmt.Errorf("discovery.kind must be topology, static or dns, got %q", c.Discovery.Kind)
    }
    if c.Mgmt.PeerPort <= 0 || c.Mgmt.PeerPort > 65535 { return fmt.Errorf("mgmt.peer_port out of range") }
    for i, s := range c.Services {
        if s.Name == "" || s.URL == "" { return fmt.Errorf("services[%d]: name and url are required", i) }
    }
    return nil
}

// CeilingUnits is the heartbeat ceiling expressed in rate units.
func (c *Config) CeilingUnits() int64 { return int64(c.Heartbeat.Interval / c.Heartbeat.Unit) }
