package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"quo/internal/logging"
	"quo/internal/topology"

	"gopkg.in/yaml.v3"
)

func LoadConfig(filepath string) (*QuoConfig, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

// LoadConfigWithContent also returns the file as read, before env expansion.
func LoadConfigWithContent(filepath string) (*QuoConfig, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)

	// Expand environment variables
	expanded := expandEnvVars(originalContent)

	config := Default()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, "", err
	}

	if err := validateConfig(config); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}

	return config, originalContent, nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(content string) string {
	return envRef.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// UnresolvedEnvVars lists the ${VAR} references in content that expansion
// would leave as is, in order of first use.
func UnresolvedEnvVars(content string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range envRef.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if seen[name] || os.Getenv(name) != "" {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// Validate checks a configuration assembled outside LoadConfig, e.g. after
// flag overrides.
func Validate(config *QuoConfig) error {
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func validateConfig(config *QuoConfig) error {
	if config.LogLevel != "" {
		switch strings.ToLower(config.LogLevel) {
		case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
		default:
			return fmt.Errorf("unknown log_level %q", config.LogLevel)
		}
	}
	switch strings.ToLower(config.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", config.LogFormat)
	}

	ex := config.Exchange
	switch ex.Backend {
	case BackendLocal:
		if ex.Size != 1 {
			return fmt.Errorf("exchange backend %q only supports size 1, got %d", ex.Backend, ex.Size)
		}
	case BackendRendezvous:
		if ex.Addr == "" {
			return fmt.Errorf("exchange addr is required for backend %q", ex.Backend)
		}
		if ex.Size <= 0 {
			return fmt.Errorf("exchange size must be greater than 0")
		}
	default:
		return fmt.Errorf("unknown exchange backend %q", ex.Backend)
	}
	if ex.Rank < 0 || ex.Rank >= ex.Size {
		return fmt.Errorf("exchange rank %d out of range for size %d", ex.Rank, ex.Size)
	}
	if ex.PollIntervalMs < 0 {
		return fmt.Errorf("poll_interval_ms must not be negative")
	}

	if config.Simulate.Ranks <= 0 {
		return fmt.Errorf("simulate ranks must be greater than 0")
	}
	if _, err := topology.ParseObjType(config.Simulate.BindType); err != nil {
		return fmt.Errorf("simulate bind_type: %w", err)
	}

	// A partially filled database section is a mistake; an empty one means spool only.
	db := config.Report.DB
	if !db.Enabled() && (db.Host != "" || db.Name != "" || db.User != "" || db.Password != "" || db.Org != "") {
		return fmt.Errorf("incomplete database configuration")
	}

	return nil
}
