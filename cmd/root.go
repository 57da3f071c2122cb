package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"quo/internal/config"
	"quo/internal/logging"
	"quo/internal/quo"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const Version = "1.3.0"

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
	logFile    string

	logOut *os.File
}

func loadEnvironment() {
	logger := logging.GetLogger()

	// Try to load .env file from current directory
	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
	} else {
		// Try to load from the application directory
		if execPath, err := os.Executable(); err == nil {
			appDir := filepath.Dir(execPath)
			envFile = filepath.Join(appDir, ".env")
			if _, err := os.Stat(envFile); err == nil {
				if err := godotenv.Load(envFile); err != nil {
					logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
				} else {
					logger.WithField("file", envFile).Debug("Loaded environment variables")
				}
			}
		}
	}
}

// setupLogging applies the logging flags before any subcommand runs.
func (o *rootOptions) setupLogging() error {
	opts := logging.Options{Level: o.logLevel, Format: o.logFormat}
	if o.logFile != "" {
		f, err := os.OpenFile(o.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		o.logOut = f
		opts.Output = f
	}
	return logging.Configure(opts)
}

// applyConfigLogging applies log settings from the config file that were not
// given as flags.
func (o *rootOptions) applyConfigLogging(cfg *config.QuoConfig) error {
	opts := logging.Options{}
	if o.logLevel == "" {
		opts.Level = cfg.LogLevel
	}
	if o.logFormat == "" {
		opts.Format = cfg.LogFormat
	}
	return logging.Configure(opts)
}

func (o *rootOptions) close() {
	if o.logOut == nil {
		return
	}
	_ = logging.Configure(logging.Options{Output: os.Stderr})
	o.logOut.Close()
	o.logOut = nil
}

// loadConfig reads the config file when one is given and otherwise returns
// defaults.
func (o *rootOptions) loadConfig() (*config.QuoConfig, error) {
	if o.configFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadConfig(o.configFile)
	if err != nil {
		return nil, err
	}
	if err := o.applyConfigLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "quo",
		Short:         "Node topology queries and rank binding for parallel jobs",
		Long:          "Discover the node's hardware layout, compute node-local ranks across a job, and bind ranks to sockets, cores or PUs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "Append logs to this file instead of stderr")
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to quo configuration file")

	rootCmd.AddCommand(newTopoCmd(opts))
	rootCmd.AddCommand(newSimulateCmd(opts))
	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newReportCmd(opts))
	rootCmd.AddCommand(newValidateCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute runs the quo command line.
func Execute() error {
	loadEnvironment()
	opts := &rootOptions{}
	defer opts.close()
	return newRootCmd(opts).Execute()
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a quo configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.GetLogger()
			if opts.configFile == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, raw, err := config.LoadConfigWithContent(opts.configFile)
			if err != nil {
				logger.WithField("config_file", opts.configFile).WithError(err).Error("Configuration validation failed")
				return err
			}
			if err := opts.applyConfigLogging(cfg); err != nil {
				return err
			}
			for _, name := range config.UnresolvedEnvVars(raw) {
				logger.WithField("config_file", opts.configFile).WithField("variable", name).Warn("Environment variable is not set")
			}
			checksum, _ := config.JobChecksum(cfg)
			logger.WithField("config_file", opts.configFile).WithField("job_checksum", checksum).Info("Configuration is valid")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the quo version",
		Run: func(cmd *cobra.Command, args []string) {
			major, minor := quo.Version()
			fmt.Fprintf(cmd.OutOrStdout(), "quo %s (library %d.%d)\n", Version, major, minor)
		},
	}
}
