package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"loopdrop/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "loopdrop"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "LOOPDROP_DATA_DIR"

	DefaultBasePort         = 5152
	DefaultTotalChannels    = 10
	DefaultPollIntervalMS   = 2000
	DefaultStabilityDelayMS = 1000
	DefaultErrorBackoffMS   = 5000
	DefaultAcceptTimeoutMS  = 5000
	DefaultReadTimeoutMS    = 30000
	DefaultDialTimeoutMS    = 5000
	DefaultChunkSize        = 8192
	DefaultLogLevel         = "info"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// receivedDirName is the default receive root inside the data directory.
	receivedDirName = "received"
)

// Config is the persisted relay configuration. Channel and folder changes
// take effect on the next start.
type Config struct {
	InstanceID       string                 `json:"instance_id" yaml:"instance_id"`
	BasePort         int                    `json:"base_port" yaml:"base_port"`
	TotalChannels    int                    `json:"total_channels" yaml:"total_channels"`
	Channels         []models.Channel       `json:"channels,omitempty" yaml:"channels,omitempty"`
	ReceivedRoot     string                 `json:"received_root" yaml:"received_root"`
	WatchedFolders   []models.WatchedFolder `json:"watched_folders" yaml:"watched_folders"`
	WatchEnabled     *bool                  `json:"watch_enabled,omitempty" yaml:"watch_enabled,omitempty"`
	ReceiveEnabled   *bool                  `json:"receive_enabled,omitempty" yaml:"receive_enabled,omitempty"`
	PollIntervalMS   int                    `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	StabilityDelayMS int                    `json:"stability_delay_ms" yaml:"stability_delay_ms"`
	ErrorBackoffMS   int                    `json:"error_backoff_ms" yaml:"error_backoff_ms"`
	AcceptTimeoutMS  int                    `json:"accept_timeout_ms" yaml:"accept_timeout_ms"`
	ReadTimeoutMS    int                    `json:"read_timeout_ms" yaml:"read_timeout_ms"`
	DialTimeoutMS    int                    `json:"dial_timeout_ms" yaml:"dial_timeout_ms"`
	ChunkSize        int                    `json:"chunk_size" yaml:"chunk_size"`
	UseFsnotify      bool                   `json:"use_fsnotify" yaml:"use_fsnotify"`
	LogLevel         string                 `json:"log_level" yaml:"log_level"`
}

// Watching reports whether watched folders should be polled.
func (c *Config) Watching() bool {
	return c.WatchEnabled == nil || *c.WatchEnabled
}

// Receiving reports whether the channel ports should be bound.
func (c *Config) Receiving() bool {
	return c.ReceiveEnabled == nil || *c.ReceiveEnabled
}

// PollInterval is the pause between scans of a watched folder.
func (c *Config) PollInterval() time.Duration { return millis(c.PollIntervalMS) }

// StabilityDelay is how long a file's size must stay unchanged before it is sent.
func (c *Config) StabilityDelay() time.Duration { return millis(c.StabilityDelayMS) }

// ErrorBackoff is the pause after a scan fails.
func (c *Config) ErrorBackoff() time.Duration { return millis(c.ErrorBackoffMS) }

// AcceptTimeout bounds each accept call so listeners notice shutdown.
func (c *Config) AcceptTimeout() time.Duration { return millis(c.AcceptTimeoutMS) }

// ReadTimeout is the idle limit on a receiving connection and on ack waits.
func (c *Config) ReadTimeout() time.Duration { return millis(c.ReadTimeoutMS) }

// DialTimeout bounds connecting to a channel port.
func (c *Config) DialTimeout() time.Duration { return millis(c.DialTimeoutMS) }

// EnabledFolders returns the watched folders that are switched on.
func (c *Config) EnabledFolders() []models.WatchedFolder {
	out := make([]models.WatchedFolder, 0, len(c.WatchedFolders))
	for _, folder := range c.WatchedFolders {
		if folder.Enabled {
			out = append(out, folder)
		}
	}
	return out
}

// Validate checks ranges and cross-field consistency.
func (c *Config) Validate() error {
	if c.TotalChannels <= 0 {
		return fmt.Errorf("total_channels must be > 0, got %d", c.TotalChannels)
	}
	if c.BasePort <= 0 || c.BasePort+c.TotalChannels-1 > 65535 {
		return fmt.Errorf("base_port %d with %d channels exceeds the TCP port range", c.BasePort, c.TotalChannels)
	}
	if c.ReceivedRoot == "" {
		return errors.New("received_root is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be > 0, got %d", c.ChunkSize)
	}

	durations := map[string]int{
		"poll_interval_ms":   c.PollIntervalMS,
		"stability_delay_ms": c.StabilityDelayMS,
		"error_backoff_ms":   c.ErrorBackoffMS,
		"accept_timeout_ms":  c.AcceptTimeoutMS,
		"read_timeout_ms":    c.ReadTimeoutMS,
		"dial_timeout_ms":    c.DialTimeoutMS,
	}
	for key, value := range durations {
		if value <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", key, value)
		}
	}

	seen := make(map[int]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.ID < 0 || ch.ID >= c.TotalChannels {
			return fmt.Errorf("channel %d outside [0, %d)", ch.ID, c.TotalChannels)
		}
		if seen[ch.ID] {
			return fmt.Errorf("channel %d listed twice", ch.ID)
		}
		seen[ch.ID] = true
		if ch.Port != c.BasePort+ch.ID {
			return fmt.Errorf("channel %d must use port %d, got %d", ch.ID, c.BasePort+ch.ID, ch.Port)
		}
	}

	paths := make(map[string]bool, len(c.WatchedFolders))
	for _, folder := range c.WatchedFolders {
		if folder.Path == "" {
			return errors.New("watched folder path is required")
		}
		switch folder.Action {
		case models.FileActionCopy, models.FileActionMove:
		default:
			return fmt.Errorf("watched folder %q: unknown action %q", folder.Path, folder.Action)
		}
		clean := filepath.Clean(folder.Path)
		if paths[clean] {
			return fmt.Errorf("watched folder %q listed twice", folder.Path)
		}
		paths[clean] = true
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LOOPDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, receivedDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads a config file. Files ending in .yaml or .yml are parsed as
// YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(raw, &cfg)
	} else {
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes a config file in the format implied by its extension.
func Save(path string, cfg *Config) error {
	var (
		raw []byte
		err error
	)
	if isYAML(path) {
		raw, err = yaml.Marshal(cfg)
	} else {
		raw, err = json.MarshalIndent(cfg, "", "  ")
		raw = append(raw, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate resolves the data directory and delegates to LoadOrCreateIn.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn ensures directories and config.json exist under dataDir,
// fills in missing defaults and returns the validated config with its path.
func LoadOrCreateIn(dataDir string) (*Config, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// LoadFile loads an explicit config file. Defaults are filled in memory only
// and a relative received_root resolves against the file's directory.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	baseDir := filepath.Dir(path)
	if cfg.ReceivedRoot != "" && !filepath.IsAbs(cfg.ReceivedRoot) {
		cfg.ReceivedRoot = filepath.Join(baseDir, cfg.ReceivedRoot)
	}
	normalizeDefaults(cfg, baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func defaultConfig(dataDir string) *Config {
	cfg := &Config{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	setInt := func(field *int, value int) {
		if *field == 0 {
			*field = value
			updated = true
		}
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		updated = true
	}

	setInt(&cfg.BasePort, DefaultBasePort)
	setInt(&cfg.TotalChannels, DefaultTotalChannels)
	setInt(&cfg.PollIntervalMS, DefaultPollIntervalMS)
	setInt(&cfg.StabilityDelayMS, DefaultStabilityDelayMS)
	setInt(&cfg.ErrorBackoffMS, DefaultErrorBackoffMS)
	setInt(&cfg.AcceptTimeoutMS, DefaultAcceptTimeoutMS)
	setInt(&cfg.ReadTimeoutMS, DefaultReadTimeoutMS)
	setInt(&cfg.DialTimeoutMS, DefaultDialTimeoutMS)
	setInt(&cfg.ChunkSize, DefaultChunkSize)

	if cfg.ReceivedRoot == "" {
		cfg.ReceivedRoot = filepath.Join(dataDir, receivedDirName)
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.WatchedFolders == nil {
		cfg.WatchedFolders = []models.WatchedFolder{}
		updated = true
	}
	if cfg.WatchEnabled == nil {
		cfg.WatchEnabled = boolPtr(true)
		updated = true
	}
	if cfg.ReceiveEnabled == nil {
		cfg.ReceiveEnabled = boolPtr(true)
		updated = true
	}

	for i := range cfg.WatchedFolders {
		if cfg.WatchedFolders[i].Action == "" {
			cfg.WatchedFolders[i].Action = models.FileActionCopy
			updated = true
		}
	}
	for i := range cfg.Channels {
		if cfg.Channels[i].Port == 0 {
			cfg.Channels[i].Port = cfg.BasePort + cfg.Channels[i].ID
			updated = true
		}
	}

	return updated
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func boolPtr(v bool) *bool {
	return &v
}
