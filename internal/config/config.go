package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/thyrook/livefen/internal/classifier"
	"github.com/thyrook/livefen/internal/resolve"
	"github.com/thyrook/livefen/internal/vision"
)

// EnvPrefix prefixes environment overrides, e.g. LIVEFEN_STREAM_DIR
const EnvPrefix = "LIVEFEN"

// Source kinds
const (
	SourceDir    = "dir"
	SourceScreen = "screen"
	SourceVideo  = "video"
)

// Config represents the application configuration
type Config struct {
	Stream     StreamConfig     `json:"stream"`
	Vision     vision.Config    `json:"vision"`
	Classifier ClassifierConfig `json:"classifier"`
	Resolver   ResolverConfig   `json:"resolver"`
	Storage    StorageConfig    `json:"storage"`
	Publish    PublishConfig    `json:"publish"`
	Log        LogConfig        `json:"log"`
}

// StreamConfig selects where frames come from and how often to poll
type StreamConfig struct {
	Source          string        `json:"source"`
	Dir             string        `json:"dir"`
	VideoPath       string        `json:"video_path"`
	VideoStep       int           `json:"video_step"`
	PollInterval    time.Duration `json:"poll_interval"`
	ChangeThreshold float64       `json:"change_threshold"` // Screen source only, 0 disables
	PreviousFEN     string        `json:"previous_fen"`     // Seed for the first frame
}

// ClassifierConfig contains piece model settings
type ClassifierConfig struct {
	ModelPath  string `json:"model_path"`
	InputSize  int    `json:"input_size"`
	LabelOrder string `json:"label_order"`
}

// ResolverConfig contains probability resolution settings
type ResolverConfig struct {
	Threshold     float64 `json:"threshold"`
	MaxIterations int     `json:"max_iterations"`
	Policy        string  `json:"policy"`
	EnforceLimits bool    `json:"enforce_limits"`
}

// StorageConfig contains frame history settings
type StorageConfig struct {
	Enabled    bool   `json:"enabled"`
	DBPath     string `json:"db_path"`
	MaxRecords int    `json:"max_records"`
}

// PublishConfig contains Redis publishing settings
type PublishConfig struct {
	Enabled  bool          `json:"enabled"`
	RedisURL string        `json:"redis_url"`
	Prefix   string        `json:"prefix"`
	TTL      time.Duration `json:"ttl"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Stream: StreamConfig{
			Source:          SourceDir,
			Dir:             "data/frames",
			VideoStep:       1,
			PollInterval:    250 * time.Millisecond,
			ChangeThreshold: 2.0,
		},
		Vision: *vision.DefaultConfig(),
		Classifier: ClassifierConfig{
			ModelPath:  "models/pieces.model",
			InputSize:  classifier.DefaultInputSize,
			LabelOrder: classifier.DefaultLabelOrder,
		},
		Resolver: ResolverConfig{
			Threshold:     resolve.DefaultThreshold,
			MaxIterations: resolve.DefaultMaxIterations,
			Policy:        resolve.PolicyLegal,
		},
		Storage: StorageConfig{
			DBPath:     "data/history.db",
			MaxRecords: 10000,
		},
		Publish: PublishConfig{
			RedisURL: "redis://localhost:6379/0",
			Prefix:   "livefen",
		},
		Log: LogConfig{
			Level: "info",
			Path:  "logs/livefen.log",
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Stream.Source {
	case SourceDir:
		if c.Stream.Dir == "" {
			return fmt.Errorf("stream dir must be set for the dir source")
		}
	case SourceScreen:
	case SourceVideo:
		if c.Stream.VideoPath == "" {
			return fmt.Errorf("video path must be set for the video source")
		}
	default:
		return fmt.Errorf("invalid stream source: %q (must be dir, screen or video)", c.Stream.Source)
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval: %v", c.Stream.PollInterval)
	}
	if c.Stream.VideoStep < 1 {
		return fmt.Errorf("invalid video step: %d", c.Stream.VideoStep)
	}
	if c.Stream.ChangeThreshold < 0 {
		return fmt.Errorf("invalid change threshold: %f", c.Stream.ChangeThreshold)
	}

	if err := c.Vision.Validate(); err != nil {
		return fmt.Errorf("vision: %w", err)
	}

	if c.Classifier.InputSize < 4 || c.Classifier.InputSize%4 != 0 {
		return fmt.Errorf("invalid classifier input size: %d (must be a positive multiple of 4)", c.Classifier.InputSize)
	}
	if _, err := classifier.ParseLabelOrder(c.Classifier.LabelOrder); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	if c.Resolver.Threshold < 0 || c.Resolver.Threshold > 1 {
		return fmt.Errorf("invalid resolver threshold: %f (must be 0-1)", c.Resolver.Threshold)
	}
	if c.Resolver.MaxIterations < 0 {
		return fmt.Errorf("invalid max iterations: %d", c.Resolver.MaxIterations)
	}
	if _, err := resolve.NewPolicy(c.Resolver.Policy); err != nil {
		return fmt.Errorf("resolver: %w", err)
	}

	if c.Storage.Enabled && c.Storage.DBPath == "" {
		return fmt.Errorf("storage db path must be set when storage is enabled")
	}
	if c.Storage.MaxRecords < 1 {
		return fmt.Errorf("invalid max records: %d", c.Storage.MaxRecords)
	}

	if c.Publish.Enabled && c.Publish.RedisURL == "" {
		return fmt.Errorf("redis url must be set when publishing is enabled")
	}
	if c.Publish.TTL < 0 {
		return fmt.Errorf("invalid publish ttl: %v", c.Publish.TTL)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Log.Level)
	}

	return nil
}

// Load reads a JSON or YAML configuration file on top of the defaults and
// applies LIVEFEN_* environment overrides (e.g. LIVEFEN_RESOLVER_POLICY).
// Durations may be written as strings such as "250ms".
func Load(path string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		v.SetConfigType(strings.ToLower(ext))
	}
	if err := v.MergeInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return decode(v)
}

// LoadOrDefault loads path when it exists and falls back to the defaults
// (still applying environment overrides) when it does not.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// newViper returns a viper instance with every default key registered, so
// environment overrides apply even to keys missing from the file. Defaults
// live in viper's default layer rather than its config layer, which keeps a
// file value such as "500ms" from being rejected for not matching the
// type of the default.
func newViper() (*viper.Viper, error) {
	var defaults map[string]interface{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &defaults,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(DefaultConfig()); err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}

	v := viper.New()
	setDefaults(v, "", defaults)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// setDefaults registers each leaf of m under its dotted key
func setDefaults(v *viper.Viper, prefix string, m map[string]interface{}) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)),
		func(dc *mapstructure.DecoderConfig) { dc.TagName = "json" },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to a JSON file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

// EnsureDirectories creates the directories the configured paths live in
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Vision.ScratchDir}
	if c.Stream.Source == SourceDir {
		dirs = append(dirs, c.Stream.Dir)
	}
	if c.Storage.Enabled {
		dirs = append(dirs, filepath.Dir(c.Storage.DBPath))
	}
	if c.Log.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Log.Path))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
