// Package config handles configuration loading and validation for meshdrop nodes and gateways.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/meshdrop/meshdrop/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s", "48h" or "180d". A bare "0" disables the setting that uses it.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ParseDuration extends time.ParseDuration with a "d" (24h) suffix.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return v, nil
}

// SeedSRVConfig enables seed discovery through DNS SRV records.
type SeedSRVConfig struct {
	Domain string `yaml:"domain"` // Queried as _meshdrop._tcp.<domain>
	Server string `yaml:"server"` // host:port of the resolver (default: first nameserver in /etc/resolv.conf)
}

// SchedulerConfig controls the in-process maintenance runner.
type SchedulerConfig struct {
	Disabled  bool                `yaml:"disabled"`
	Intervals map[string]Duration `yaml:"intervals"` // task name -> interval, "0" disables the task
}

// NodeConfig holds configuration for a storage node.
type NodeConfig struct {
	NodeID             string          `yaml:"node_id"`
	NodeURL            string          `yaml:"node_url"` // Public base URL other nodes use to reach this node
	Listen             string          `yaml:"listen"`
	NetworkSecret      string          `yaml:"network_secret"`
	DataDir            string          `yaml:"data_dir"`
	Seeds              []string        `yaml:"seeds"`
	SeedSRV            SeedSRVConfig   `yaml:"seed_srv"`
	ReplicationFactor  int             `yaml:"replication_factor"`
	GossipFanout       int             `yaml:"gossip_fanout"`
	MetadataSample     int             `yaml:"metadata_sample"`
	ArchiveAfter       Duration        `yaml:"archive_after"`
	RearchiveWindow    Duration        `yaml:"rearchive_window"`
	DeleteDelay        Duration        `yaml:"delete_delay"`
	TombstoneRetention Duration        `yaml:"tombstone_retention"` // 0 keeps reclaimed tombstones forever
	PeerTimeout        Duration        `yaml:"peer_timeout"`
	HealthTimeout      Duration        `yaml:"health_timeout"`
	IngestRate         float64         `yaml:"ingest_rate"` // Uploads per second, 0 = unlimited
	IngestBurst        int             `yaml:"ingest_burst"`
	MaxUploadSize      bytesize.Size   `yaml:"max_upload_size"`
	ChecksumAlgorithms []string        `yaml:"checksum_algorithms"`
	DisableOutbound    bool            `yaml:"disable_outbound"`  // Node cannot reach peers; advertised as can_initiate_http=false
	DisableArchiving   bool            `yaml:"disable_archiving"` // Never archive cold chunks on this node
	Scheduler          SchedulerConfig `yaml:"scheduler"`
	LogLevel           string          `yaml:"log_level"`
}

// GatewayConfig holds configuration for the download gateway.
type GatewayConfig struct {
	Listen          string    `yaml:"listen"`
	NetworkSecret   string    `yaml:"network_secret"`
	StateDir        string    `yaml:"state_dir"`
	Seeds           []string  `yaml:"seeds"`
	RequestTimeout  Duration  `yaml:"request_timeout"`
	DownloadTimeout Duration  `yaml:"download_timeout"`
	RefreshInterval *Duration `yaml:"refresh_interval"` // "0" disables the in-process refresher (default: 2m)
	LogLevel        string    `yaml:"log_level"`
}

// DefaultTaskIntervals are the scheduler intervals used for tasks not listed in the config.
var DefaultTaskIntervals = map[string]time.Duration{
	"gossip_peers":      5 * time.Minute,
	"gossip_metadata":   10 * time.Minute,
	"check_peers":       2 * time.Minute,
	"cleanup_data":      time.Hour,
	"archive_old_files": 24 * time.Hour,
	"rearchive_check":   24 * time.Hour,
	"check_environment": time.Hour,
}

// LoadNodeConfig loads node configuration from a YAML file and applies defaults.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *NodeConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/meshdrop"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeID = host
		}
	}
	if c.NodeURL != "" {
		c.NodeURL = withTrailingSlash(c.NodeURL)
	}
	for i, s := range c.Seeds {
		c.Seeds[i] = withTrailingSlash(s)
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 3
	}
	if c.GossipFanout == 0 {
		c.GossipFanout = 3
	}
	if c.MetadataSample == 0 {
		c.MetadataSample = 10
	}
	if c.ArchiveAfter == 0 {
		c.ArchiveAfter = Duration(180 * 24 * time.Hour)
	}
	if c.RearchiveWindow == 0 {
		c.RearchiveWindow = Duration(7 * 24 * time.Hour)
	}
	if c.DeleteDelay == 0 {
		c.DeleteDelay = Duration(48 * time.Hour)
	}
	if c.PeerTimeout == 0 {
		c.PeerTimeout = Duration(10 * time.Second)
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = Duration(5 * time.Second)
	}
	if c.IngestRate > 0 && c.IngestBurst == 0 {
		c.IngestBurst = 10
	}
	if c.MaxUploadSize == 0 {
		c.MaxUploadSize = bytesize.Size(512 * bytesize.MB)
	}
	if len(c.ChecksumAlgorithms) == 0 {
		c.ChecksumAlgorithms = []string{"sha256", "blake2b256", "md5"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// TaskInterval returns the scheduler interval for a task, falling back to the default.
func (c *NodeConfig) TaskInterval(task string) time.Duration {
	if d, ok := c.Scheduler.Intervals[task]; ok {
		return d.Std()
	}
	return DefaultTaskIntervals[task]
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.NodeURL == "" {
		return fmt.Errorf("node_url is required")
	}
	if err := validateURL(c.NodeURL); err != nil {
		return fmt.Errorf("invalid node_url: %w", err)
	}
	if c.NetworkSecret == "" {
		return fmt.Errorf("network_secret is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	for _, s := range c.Seeds {
		if err := validateURL(s); err != nil {
			return fmt.Errorf("invalid seed %q: %w", s, err)
		}
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication_factor must be at least 1")
	}
	if c.GossipFanout < 1 {
		return fmt.Errorf("gossip_fanout must be at least 1")
	}
	if c.IngestRate < 0 {
		return fmt.Errorf("ingest_rate must not be negative")
	}
	for task := range c.Scheduler.Intervals {
		if _, ok := DefaultTaskIntervals[task]; !ok {
			return fmt.Errorf("scheduler.intervals: unknown task %q", task)
		}
	}
	return nil
}

// LoadGatewayConfig loads gateway configuration from a YAML file and applies defaults.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &GatewayConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Listen == "" {
		cfg.Listen = ":8090"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "/var/lib/meshdrop-gateway"
	}
	cfg.StateDir = expandHome(cfg.StateDir)
	for i, s := range cfg.Seeds {
		cfg.Seeds[i] = withTrailingSlash(s)
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = Duration(15 * time.Second)
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = Duration(600 * time.Second)
	}
	if cfg.RefreshInterval == nil {
		d := Duration(2 * time.Minute)
		cfg.RefreshInterval = &d
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Refresh returns the refresher interval; zero disables it.
func (c *GatewayConfig) Refresh() time.Duration {
	if c.RefreshInterval == nil {
		return 0
	}
	return c.RefreshInterval.Std()
}

// Validate checks if the gateway configuration is valid.
func (c *GatewayConfig) Validate() error {
	if c.NetworkSecret == "" {
		return fmt.Errorf("network_secret is required")
	}
	if len(c.Seeds) == 0 {
		return fmt.Errorf("at least one seed node is required")
	}
	for _, s := range c.Seeds {
		if err := validateURL(s); err != nil {
			return fmt.Errorf("invalid seed %q: %w", s, err)
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func withTrailingSlash(s string) string {
	return strings.TrimRight(s, "/") + "/"
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
