package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fishvault/launchgate/internal/config"
	"github.com/fishvault/launchgate/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "launchgated: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configFile string
	envFile    string
	socketPath string
	dbPath     string
	logLevel   string
	logFormat  string
	deviceID   string
	reachAddr  string
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "launchgated",
		Short:         "Attribution reconciliation and activation daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.configFile, "config", "", "YAML config file")
	fs.StringVar(&f.envFile, "env-file", "", "dotenv file read before LAUNCHGATE_* overrides")
	fs.StringVar(&f.socketPath, "socket", "", "UDS path for launchgated")
	fs.StringVar(&f.dbPath, "db", "", "SQLite path")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "json or console")
	fs.StringVar(&f.deviceID, "device-id", "", "override the persisted device id")
	fs.StringVar(&f.reachAddr, "reach-address", "", "host:port dialed to detect connectivity")
	return cmd
}

// loadConfig layers changed flags over file, dotenv and environment values.
func loadConfig(cmd *cobra.Command, f flags) (config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{File: f.configFile, EnvFile: f.envFile})
	if err != nil {
		return config.Config{}, err
	}
	changed := cmd.Flags().Changed
	if changed("socket") {
		cfg.SocketPath = f.socketPath
	}
	if changed("db") {
		cfg.DBPath = f.dbPath
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if changed("device-id") {
		cfg.DeviceID = f.deviceID
	}
	if changed("reach-address") {
		cfg.ReachAddress = f.reachAddr
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := newDaemonApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return app.Run(ctx)
}
