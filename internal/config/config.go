// Package config contains everything related to configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrNoPanels is returned when neither a config file nor CLIPROXY_URL is available.
var ErrNoPanels = errors.New("no panels configured: create config.yaml or set CLIPROXY_URL and CLIPROXY_KEY")

// DedupPolicy decides what happens to an account reported by more than one panel.
type DedupPolicy string

const (
	// DedupNone keeps every row; the account counts once per panel.
	DedupNone DedupPolicy = "none"
	// DedupFirst keeps the row from the first panel in declaration order.
	DedupFirst DedupPolicy = "first"
)

// PanelConfig is the connection info for one CLIProxyPlus panel.
type PanelConfig struct {
	Name    string        `validate:"required"`
	URL     string        `validate:"required,url"`
	Key     string        `validate:"required"`
	Timeout time.Duration `validate:"gt=0"`
}

// String never includes the management key.
func (p PanelConfig) String() string {
	return fmt.Sprintf("%s (%s)", p.Name, p.URL)
}

// MonitorConfig holds settings of the monitor command.
type MonitorConfig struct {
	Interval        time.Duration `validate:"gt=0"`
	Window          time.Duration `validate:"gtfield=Interval"`
	MaxSamples      int           `validate:"gte=2"`
	NotifyThreshold float64       `validate:"gte=0,lte=100"`
	MetricsAddr     string
}

// Config holds the application configuration. It is built once by Load and
// passed around by pointer; nothing mutates it afterwards.
type Config struct {
	Path         string
	DatabasePath string
	LogLevel     string
	LogFile      string
	Dedup        DedupPolicy   `validate:"oneof=none first"`
	Panels       []PanelConfig `validate:"required,min=1,unique=Name,dive"`
	Monitor      MonitorConfig
	Timeout      time.Duration `validate:"gt=0"`
}

// PanelNames returns the configured panel names in declaration order.
func (c *Config) PanelNames() []string {
	names := make([]string, len(c.Panels))
	for i, p := range c.Panels {
		names[i] = p.Name
	}
	return names
}

// fileConfig mirrors config.yaml. Durations are plain seconds (window in minutes).
type fileConfig struct {
	Timeout *float64 `yaml:"timeout"`
	Global  struct {
		Timeout *float64 `yaml:"timeout"`
	} `yaml:"global"`
	Dedup        string `yaml:"dedup"`
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`
	Monitor      struct {
		Interval        float64  `yaml:"interval"`
		Window          float64  `yaml:"window"`
		MaxSamples      int      `yaml:"max_samples"`
		NotifyThreshold *float64 `yaml:"notify_threshold"`
		MetricsAddr     string   `yaml:"metrics_addr"`
	} `yaml:"monitor"`
	Panels []struct {
		Name    string   `yaml:"name"`
		URL     string   `yaml:"url"`
		Key     string   `yaml:"key"`
		Timeout *float64 `yaml:"timeout"`
	} `yaml:"panels"`
}

var validate = validator.New()

// Load reads configuration from .env files, environment variables and, when
// one is found, a YAML config file. path overrides the config file search.
func Load(path string) (*Config, error) {
	// Try loading .env from multiple locations
	for _, envPath := range getEnvPaths() {
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			break
		}
	}

	if path == "" {
		path = getEnvString("CLIPROXY_CONFIG", "")
	}
	if path == "" {
		path = findConfigFile()
	}

	var (
		cfg *Config
		err error
	)
	if path != "" {
		cfg, err = loadFile(path)
	} else {
		cfg, err = loadEnv()
	}
	if err != nil {
		return nil, err
	}

	cfg.DatabasePath = getEnvString("CLIPROXY_DB", cfg.DatabasePath)
	cfg.LogLevel = getEnvString("CLIPROXY_LOG_LEVEL", cfg.LogLevel)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return parse(data, path)
}

func parse(data []byte, path string) (*Config, error) {
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if len(raw.Panels) == 0 {
		return nil, fmt.Errorf("no panels configured in %s: add at least one entry under 'panels'", path)
	}

	cfg := &Config{
		Path:         path,
		DatabasePath: raw.DatabasePath,
		LogLevel:     raw.LogLevel,
		LogFile:      raw.LogFile,
		Dedup:        DedupPolicy(strings.ToLower(raw.Dedup)),
		Timeout:      defaultTimeout,
	}

	// Top-level timeout wins over the legacy global.timeout.
	switch {
	case raw.Timeout != nil:
		cfg.Timeout = seconds(*raw.Timeout)
	case raw.Global.Timeout != nil:
		cfg.Timeout = seconds(*raw.Global.Timeout)
	}

	cfg.Monitor = MonitorConfig{
		Interval:    seconds(raw.Monitor.Interval),
		Window:      time.Duration(raw.Monitor.Window * float64(time.Minute)),
		MaxSamples:  raw.Monitor.MaxSamples,
		MetricsAddr: raw.Monitor.MetricsAddr,
	}
	cfg.Monitor.NotifyThreshold = defaultNotifyThreshold
	if raw.Monitor.NotifyThreshold != nil {
		cfg.Monitor.NotifyThreshold = *raw.Monitor.NotifyThreshold
	}

	for i, p := range raw.Panels {
		panel := PanelConfig{
			Name:    p.Name,
			URL:     strings.TrimRight(p.URL, "/"),
			Key:     p.Key,
			Timeout: cfg.Timeout,
		}
		if panel.Name == "" {
			panel.Name = fmt.Sprintf("Panel %d", i+1)
		}
		if p.Timeout != nil {
			panel.Timeout = seconds(*p.Timeout)
		}
		cfg.Panels = append(cfg.Panels, panel)
	}

	return cfg, nil
}

func loadEnv() (*Config, error) {
	url := getEnvString("CLIPROXY_URL", "")
	if url == "" {
		return nil, ErrNoPanels
	}

	timeout := getEnvDuration("CLIPROXY_TIMEOUT", defaultTimeout)
	return &Config{
		Timeout: timeout,
		Monitor: MonitorConfig{NotifyThreshold: defaultNotifyThreshold},
		Panels: []PanelConfig{{
			Name:    defaultPanelName,
			URL:     strings.TrimRight(url, "/"),
			Key:     getEnvString("CLIPROXY_KEY", ""),
			Timeout: timeout,
		}},
	}, nil
}

func (c *Config) applyDefaults() {
	if c.Dedup == "" {
		c.Dedup = DedupNone
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.DatabasePath == "" {
		c.DatabasePath = getDefaultDatabasePath()
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = defaultMonitorInterval
	}
	if c.Monitor.Window <= 0 {
		c.Monitor.Window = defaultMonitorWindow
	}
	// The window must hold at least two ticks or no rate can ever be computed.
	if c.Monitor.Window < 2*c.Monitor.Interval {
		c.Monitor.Window = 2 * c.Monitor.Interval
	}
	if c.Monitor.MaxSamples <= 0 {
		c.Monitor.MaxSamples = defaultMaxSamples
	}
	for i := range c.Panels {
		if c.Panels[i].Timeout <= 0 {
			c.Panels[i].Timeout = c.Timeout
		}
	}
}

// getEnvPaths returns a list of paths to check for .env files.
func getEnvPaths() []string {
	var paths []string

	// Current directory
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}

	// Home directory locations
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", appDirName, ".env"),
			filepath.Join(home, ".cliproxy", ".env"),
		)
	}

	return paths
}

// getConfigPaths returns the config.yaml candidates in search order.
func getConfigPaths() []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, configFileName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", appDirName, configFileName))
	}
	return paths
}

func findConfigFile() string {
	for _, p := range getConfigPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// getDefaultDatabasePath returns the default path for the SQLite database.
func getDefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage.db"
	}
	return filepath.Join(home, ".config", appDirName, "usage.db")
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns the default.
// Accepts values like "30s", "1m", "500ms".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Try parsing as seconds if no unit specified
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
