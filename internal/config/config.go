package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "LAUNCHGATE_"

type Config struct {
	SocketPath string `yaml:"socket_path"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	MergeWindow                time.Duration `yaml:"merge_window"`
	ConversionDeadline         time.Duration `yaml:"conversion_deadline"`
	StartupTimeout             time.Duration `yaml:"startup_timeout"`
	FirstLaunchGrace           time.Duration `yaml:"first_launch_grace"`
	NotificationBroadcastDelay time.Duration `yaml:"notification_broadcast_delay"`
	PermissionCooldown         time.Duration `yaml:"permission_cooldown"`

	ValidationURL      string        `yaml:"validation_url"`
	AttributionBaseURL string        `yaml:"attribution_base_url"`
	ResolveURL         string        `yaml:"resolve_url"`
	AppID              string        `yaml:"app_id"`
	DevKey             string        `yaml:"dev_key"`
	BundleID           string        `yaml:"bundle_id"`
	FirebaseProjectID  string        `yaml:"firebase_project_id"`
	Platform           string        `yaml:"platform"`
	Locale             string        `yaml:"locale"`
	UserAgent          string        `yaml:"user_agent"`
	DeviceID           string        `yaml:"device_id"`
	RemoteTimeout      time.Duration `yaml:"remote_timeout"`

	ReachAddress          string        `yaml:"reach_address"`
	ReachInterval         time.Duration `yaml:"reach_interval"`
	ReachTimeout          time.Duration `yaml:"reach_timeout"`
	ReachDownFailures     int           `yaml:"reach_down_failures"`
	ReachRecoverSuccesses int           `yaml:"reach_recover_successes"`

	IngestRatePerSecond float64 `yaml:"ingest_rate_per_second"`
	IngestBurst         int     `yaml:"ingest_burst"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:                 defaultSocketPath(),
		DBPath:                     defaultDBPath(),
		LogLevel:                   "info",
		LogFormat:                  "json",
		MergeWindow:                4 * time.Second,
		ConversionDeadline:         20 * time.Second,
		StartupTimeout:             30 * time.Second,
		FirstLaunchGrace:           5 * time.Second,
		NotificationBroadcastDelay: 2 * time.Second,
		PermissionCooldown:         72 * time.Hour,
		AttributionBaseURL:         "https://gcdsdk.appsflyer.com/install_data/v4.0",
		Platform:                   "iOS",
		Locale:                     "EN",
		RemoteTimeout:              30 * time.Second,
		ReachInterval:              5 * time.Second,
		ReachTimeout:               3 * time.Second,
		ReachDownFailures:          2,
		ReachRecoverSuccesses:      1,
		IngestRatePerSecond:        20,
		IngestBurst:                40,
	}
}

// LoadOptions names the optional sources layered over DefaultConfig.
type LoadOptions struct {
	File    string
	EnvFile string
}

// Load builds a Config from defaults, then the YAML file, then the .env file
// and process environment. Flags are applied by the caller afterwards.
func Load(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()
	if path := strings.TrimSpace(opts.File); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if path := strings.TrimSpace(opts.EnvFile); path != "" {
		// godotenv.Load never overrides variables already set in the process.
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"SOCKET_PATH":          &c.SocketPath,
		"DB_PATH":              &c.DBPath,
		"LOG_LEVEL":            &c.LogLevel,
		"LOG_FORMAT":           &c.LogFormat,
		"VALIDATION_URL":       &c.ValidationURL,
		"ATTRIBUTION_BASE_URL": &c.AttributionBaseURL,
		"RESOLVE_URL":          &c.ResolveURL,
		"APP_ID":               &c.AppID,
		"DEV_KEY":              &c.DevKey,
		"BUNDLE_ID":            &c.BundleID,
		"FIREBASE_PROJECT_ID":  &c.FirebaseProjectID,
		"LOCALE":               &c.Locale,
		"USER_AGENT":           &c.UserAgent,
		"DEVICE_ID":            &c.DeviceID,
		"REACH_ADDRESS":        &c.ReachAddress,
	}
	for name, dst := range strs {
		if v, ok := lookupEnv(name); ok {
			*dst = v
		}
	}
	durations := map[string]*time.Duration{
		"MERGE_WINDOW":                 &c.MergeWindow,
		"CONVERSION_DEADLINE":          &c.ConversionDeadline,
		"STARTUP_TIMEOUT":              &c.StartupTimeout,
		"FIRST_LAUNCH_GRACE":           &c.FirstLaunchGrace,
		"NOTIFICATION_BROADCAST_DELAY": &c.NotificationBroadcastDelay,
		"PERMISSION_COOLDOWN":          &c.PermissionCooldown,
		"REMOTE_TIMEOUT":               &c.RemoteTimeout,
		"REACH_INTERVAL":               &c.ReachInterval,
	}
	for name, dst := range durations {
		v, ok := lookupEnv(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
		}
		*dst = d
	}
	if v, ok := lookupEnv("INGEST_RATE_PER_SECOND"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse %sINGEST_RATE_PER_SECOND: %w", envPrefix, err)
		}
		c.IngestRatePerSecond = f
	}
	return nil
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.SocketPath) == "" {
		return fmt.Errorf("socket_path is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}
	positive := map[string]time.Duration{
		"merge_window":    c.MergeWindow,
		"startup_timeout": c.StartupTimeout,
		"remote_timeout":  c.RemoteTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ConversionDeadline < 0 || c.FirstLaunchGrace < 0 || c.NotificationBroadcastDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "launchgate", "launchgated.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".launchgated.sock"
	}
	return filepath.Join(home, ".local", "state", "launchgate", "launchgated.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "launchgate.db"
	}
	return filepath.Join(home, ".local", "state", "launchgate", "prefs.db")
}
