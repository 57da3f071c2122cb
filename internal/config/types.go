package config

import (
	"time"
)

const (
	BackendLocal      = "local"
	BackendRendezvous = "rendezvous"
)

type QuoConfig struct {
	NodeToken string         `yaml:"node_token"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	Topology  TopologyConfig `yaml:"topology"`
	Exchange  ExchangeConfig `yaml:"exchange"`
	Simulate  SimulateConfig `yaml:"simulate"`
	Report    ReportConfig   `yaml:"report"`
}

type TopologyConfig struct {
	SysfsRoot string `yaml:"sysfs_root"`
	ProcRoot  string `yaml:"proc_root"`
}

type ExchangeConfig struct {
	Backend        string `yaml:"backend"`
	Addr           string `yaml:"addr"`
	Rank           int    `yaml:"rank"`
	Size           int    `yaml:"size"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

type SimulateConfig struct {
	Ranks    int    `yaml:"ranks"`
	BindType string `yaml:"bind_type"`
}

type ReportConfig struct {
	SpoolDir string         `yaml:"spool_dir"`
	Docker   bool           `yaml:"docker"`
	DB       DatabaseConfig `yaml:"db"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Org      string `yaml:"org"`
}

// Enabled reports whether enough is set to reach an InfluxDB instance.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != "" && d.Name != "" && d.Password != "" && d.Org != ""
}

func (c *QuoConfig) GetPollInterval() time.Duration {
	return time.Duration(c.Exchange.PollIntervalMs) * time.Millisecond
}

// Default returns the configuration used when no file is given. Logging is
// left at the logging package defaults.
func Default() *QuoConfig {
	return &QuoConfig{
		Topology: TopologyConfig{SysfsRoot: "/sys", ProcRoot: "/proc"},
		Exchange: ExchangeConfig{Backend: BackendLocal, Size: 1, PollIntervalMs: 50},
		Simulate: SimulateConfig{Ranks: 4, BindType: "socket"},
	}
}
