package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quo.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_DefaultsAndEnvExpansion(t *testing.T) {
	t.Setenv("QUO_TEST_INFLUX_TOKEN", "s3cret")
	path := writeConfig(t, `
node_token: rack1-n7
exchange:
  backend: rendezvous
  addr: 10.0.0.1:7400
  rank: 2
  size: 4
report:
  spool_dir: /tmp/quo-spool
  db:
    host: http://influx:8086
    name: quo
    user: admin
    password: ${QUO_TEST_INFLUX_TOKEN}
    org: hpc
`)

	cfg, raw, err := LoadConfigWithContent(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(raw, "${QUO_TEST_INFLUX_TOKEN}") {
		t.Fatalf("raw content should be returned unexpanded")
	}
	if cfg.Report.DB.Password != "s3cret" {
		t.Fatalf("password=%q", cfg.Report.DB.Password)
	}
	if !cfg.Report.DB.Enabled() {
		t.Fatalf("expected database to be enabled")
	}
	if cfg.Exchange.Rank != 2 || cfg.Exchange.Size != 4 {
		t.Fatalf("exchange=%+v", cfg.Exchange)
	}
	// Untouched sections keep their defaults.
	if cfg.Topology.SysfsRoot != "/sys" || cfg.GetPollInterval().Milliseconds() != 50 {
		t.Fatalf("defaults lost: %+v poll=%v", cfg.Topology, cfg.GetPollInterval())
	}
	if cfg.Simulate.Ranks != 4 || cfg.LogLevel != "" {
		t.Fatalf("defaults lost: %+v", cfg.Simulate)
	}
}

func TestLoadConfig_UnsetEnvIsKept(t *testing.T) {
	path := writeConfig(t, "node_token: ${QUO_TEST_SURELY_UNSET}\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeToken != "${QUO_TEST_SURELY_UNSET}" {
		t.Fatalf("node_token=%q", cfg.NodeToken)
	}
}

func TestUnresolvedEnvVars(t *testing.T) {
	t.Setenv("QUO_TEST_SET", "x")
	content := "a: ${QUO_TEST_UNSET_A}\nb: ${QUO_TEST_SET}\nc: ${QUO_TEST_UNSET_B}\nd: ${QUO_TEST_UNSET_A}\n"
	got := UnresolvedEnvVars(content)
	if strings.Join(got, ",") != "QUO_TEST_UNSET_A,QUO_TEST_UNSET_B" {
		t.Fatalf("unresolved=%v", got)
	}
	if got := UnresolvedEnvVars("node_token: plain\n"); len(got) != 0 {
		t.Fatalf("unexpected unresolved=%v", got)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"backend":      "exchange:\n  backend: carrier-pigeon\n",
		"local size":   "exchange:\n  size: 3\n",
		"no addr":      "exchange:\n  backend: rendezvous\n  size: 2\n",
		"rank":         "exchange:\n  backend: rendezvous\n  addr: x:1\n  size: 2\n  rank: 2\n",
		"poll":         "exchange:\n  poll_interval_ms: -1\n",
		"log level":    "log_level: chatty\n",
		"log format":  "log_format: xml\n",
		"ranks":        "simulate:\n  ranks: 0\n",
		"bind type":    "simulate:\n  bind_type: rack\n",
		"partial db":   "report:\n  db:\n    host: http://influx:8086\n",
		"syntax error": "exchange: [\n",
	}
	for name, content := range cases {
		if _, err := LoadConfig(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateDefault(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestJobChecksum_IgnoresRankAndCredentials(t *testing.T) {
	a := Default()
	a.Exchange = ExchangeConfig{Backend: BackendRendezvous, Addr: "h:1", Size: 4, Rank: 0}
	b := Default()
	b.Exchange = ExchangeConfig{Backend: BackendRendezvous, Addr: "h:1", Size: 4, Rank: 3}
	b.NodeToken = "other"
	b.Report.DB.Password = "pw"

	s1, err := JobChecksum(a)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	s2, _ := JobChecksum(b)
	if s1 != s2 || len(s1) != 6 {
		t.Fatalf("checksums differ or wrong length: %q vs %q", s1, s2)
	}

	b.Exchange.Size = 5
	if s3, _ := JobChecksum(b); s3 == s1 {
		t.Fatalf("checksum should change with job size")
	}
	if s, _ := JobChecksum(nil); s != "" {
		t.Fatalf("nil config checksum=%q", s)
	}
}
